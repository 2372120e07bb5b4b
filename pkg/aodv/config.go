package aodv

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the protocol timing constants and mailbox bounds. The
// defaults follow the classic AODV figures scaled for a slow radio.
type Config struct {
	// ActiveRouteTimeout is the default lifetime for refreshed routes
	// and neighbors.
	ActiveRouteTimeout time.Duration `yaml:"active_route_timeout"`

	// MyRouteTimeout is the lifetime advertised in RREPs originated by
	// the destination itself.
	MyRouteTimeout time.Duration `yaml:"my_route_timeout"`

	// InactiveRouteTimeout is the lifetime of placeholder routes
	// inserted while discovery is still in flight.
	InactiveRouteTimeout time.Duration `yaml:"inactive_route_timeout"`

	// NetDiameter seeds the TTL of broadcast RREQs.
	NetDiameter uint8 `yaml:"net_diameter"`

	// NetTraversalTime and NodeTraversalTime feed the reverse-route
	// lifetime formula and the RREQ retry pacing.
	NetTraversalTime  time.Duration `yaml:"net_traversal_time"`
	NodeTraversalTime time.Duration `yaml:"node_traversal_time"`

	// PathDiscoveryTime bounds how long a (origin, rreq id) pair is
	// remembered for duplicate suppression.
	PathDiscoveryTime time.Duration `yaml:"path_discovery_time"`

	// DataQueueTimeout bounds how long outbound data may wait for a
	// route before it is dropped.
	DataQueueTimeout time.Duration `yaml:"data_queue_timeout"`

	// PassiveAckTimeout is the deadline to overhear a forwarding
	// neighbor retransmit our datagram.
	PassiveAckTimeout time.Duration `yaml:"passive_ack_timeout"`

	// BlacklistTimeout is how long a misbehaving peer is ignored.
	BlacklistTimeout time.Duration `yaml:"blacklist_timeout"`

	// HelloInterval rate-limits HELLO emission; HelloLifetime is the
	// lifetime advertised inside a HELLO.
	HelloInterval time.Duration `yaml:"hello_interval"`
	HelloLifetime time.Duration `yaml:"hello_lifetime"`

	// RREQRetries bounds retransmissions per destination.
	RREQRetries int `yaml:"rreq_retries"`

	// NeighborMaxRepairs bounds repair attempts before a neighbor is
	// dropped.
	NeighborMaxRepairs int `yaml:"neighbor_max_repairs"`

	// PacketInboxSize and PacketOutboxSize bound the RX/TX mailboxes.
	PacketInboxSize  int `yaml:"packet_inbox_size"`
	PacketOutboxSize int `yaml:"packet_outbox_size"`

	// MaxRecentRREQs is the per-peer concurrent RREQ threshold that
	// triggers blacklisting.
	MaxRecentRREQs int `yaml:"max_recent_rreqs"`
}

// DefaultConfig returns the standard constants: NET_TRAVERSAL_TIME is
// derived as 2 * NODE_TRAVERSAL_TIME * NET_DIAMETER and the blacklist
// decay as RREQ_RETRIES * NET_TRAVERSAL_TIME.
func DefaultConfig() Config {
	const (
		netDiameter   = 35
		nodeTraversal = 40 * time.Millisecond
		rreqRetries   = 2
	)
	netTraversal := 2 * nodeTraversal * netDiameter
	return Config{
		ActiveRouteTimeout:   3 * time.Second,
		MyRouteTimeout:       6 * time.Second,
		InactiveRouteTimeout: 3 * time.Second,
		NetDiameter:          netDiameter,
		NetTraversalTime:     netTraversal,
		NodeTraversalTime:    nodeTraversal,
		PathDiscoveryTime:    2 * netTraversal,
		DataQueueTimeout:     10 * time.Second,
		PassiveAckTimeout:    2 * time.Second,
		BlacklistTimeout:     rreqRetries * netTraversal,
		HelloInterval:        1 * time.Second,
		HelloLifetime:        3 * time.Second,
		RREQRetries:          rreqRetries,
		NeighborMaxRepairs:   2,
		PacketInboxSize:      32,
		PacketOutboxSize:     32,
		MaxRecentRREQs:       8,
	}
}

func (c *Config) Validate() error {
	if c.ActiveRouteTimeout <= 0 {
		return errors.New("active route timeout must be greater than 0")
	}
	if c.MyRouteTimeout <= 0 {
		return errors.New("my route timeout must be greater than 0")
	}
	if c.InactiveRouteTimeout <= 0 {
		return errors.New("inactive route timeout must be greater than 0")
	}
	if c.NetDiameter == 0 {
		return errors.New("net diameter must be greater than 0")
	}
	if c.NetTraversalTime <= 0 || c.NodeTraversalTime <= 0 {
		return errors.New("traversal times must be greater than 0")
	}
	if c.PathDiscoveryTime <= 0 {
		return errors.New("path discovery time must be greater than 0")
	}
	if c.DataQueueTimeout <= 0 {
		return errors.New("data queue timeout must be greater than 0")
	}
	if c.PassiveAckTimeout <= 0 {
		return errors.New("passive ack timeout must be greater than 0")
	}
	if c.BlacklistTimeout <= 0 {
		return errors.New("blacklist timeout must be greater than 0")
	}
	if c.HelloInterval <= 0 || c.HelloLifetime <= 0 {
		return errors.New("hello interval and lifetime must be greater than 0")
	}
	if c.RREQRetries < 0 {
		return errors.New("rreq retries must not be negative")
	}
	if c.NeighborMaxRepairs < 0 {
		return errors.New("neighbor max repairs must not be negative")
	}
	if c.PacketInboxSize <= 0 || c.PacketOutboxSize <= 0 {
		return errors.New("mailbox sizes must be greater than 0")
	}
	if c.MaxRecentRREQs <= 0 {
		return errors.New("max recent rreqs must be greater than 0")
	}
	return nil
}

// LoadConfig reads a YAML config file over the defaults, so a partial
// file overrides only the keys it names.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config is invalid: %w", err)
	}
	return cfg, nil
}
