package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Metrics names.
	MetricNameFramesReceived = "aodv_node_frames_received_total"
	MetricNameFramesDropped  = "aodv_node_frames_dropped_total"
	MetricNameFramesSent     = "aodv_node_frames_sent_total"
	MetricNameRouteRequests  = "aodv_node_route_requests_total"
	MetricNameRouteErrors    = "aodv_node_route_errors_total"

	// Labels.
	LabelNode      = "node"
	LabelFrameType = "frame_type"
	LabelDropCause = "drop_cause"

	// Drop causes.
	DropCauseBadCrc       = "bad_crc"
	DropCauseBadLen       = "bad_len"
	DropCauseInboxFull    = "inbox_full"
	DropCauseOutboxFull   = "outbox_full"
	DropCauseBlacklist    = "blacklisted"
	DropCauseDuplicate    = "duplicate_rreq"
	DropCauseNoRoute      = "no_route"
	DropCauseQueueExpired = "queue_expired"
)

var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameFramesReceived,
			Help: "Number of frames accepted off the radio",
		},
		[]string{LabelNode, LabelFrameType},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameFramesDropped,
			Help: "Number of frames or datagrams dropped, by cause",
		},
		[]string{LabelNode, LabelDropCause},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameFramesSent,
			Help: "Number of frames queued for transmission",
		},
		[]string{LabelNode, LabelFrameType},
	)

	RouteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameRouteRequests,
			Help: "Number of route requests originated, retransmits included",
		},
		[]string{LabelNode},
	)

	RouteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameRouteErrors,
			Help: "Number of route errors originated",
		},
		[]string{LabelNode},
	)
)
