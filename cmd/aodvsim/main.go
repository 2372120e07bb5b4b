package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/meshradio/aodv/internal/radio"
	"github.com/meshradio/aodv/pkg/aodv"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
)

const (
	defaultNumNodes  = 8
	defaultTickRate  = 50 * time.Millisecond
	defaultWorldSize = 800.0
	defaultTxRange   = 200.0
)

// Default nicknames handed out to simulated nodes, in order.
var nodeNames = []string{
	"john", "morgan", "frank", "tim", "dianne", "nicholas", "inez",
	"kwame", "abdullah", "narin", "tasnim", "felix", "joaquin",
	"fatima", "mahilet", "antonio", "wolfgang", "sigmund", "ralph",
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		numNodes    = flag.Int("nodes", defaultNumNodes, "number of simulated nodes")
		configPath  = flag.String("config", "", "optional protocol config YAML")
		tickRate    = flag.Duration("tick", defaultTickRate, "engine tick interval")
		duration    = flag.Duration("duration", 0, "how long to run (0 = until interrupted)")
		worldSize   = flag.Float64("world", defaultWorldSize, "side length of the square world")
		txRange     = flag.Float64("range", defaultTxRange, "radio transmit range")
		trafficRate = flag.Duration("traffic", 2*time.Second, "interval between random pings")
		metricsAddr = flag.String("metrics-addr", "", "prometheus listen address (empty = disabled)")
		seed        = flag.Int64("seed", 1, "RNG seed for placement and traffic")
		verbose     = flag.Bool("verbose", false, "debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("aodvsim %s (%s)\n", version, commit)
		return nil
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))

	cfg := aodv.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = aodv.LoadConfig(*configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("Serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	rng := rand.New(rand.NewSource(*seed))
	clock := clockwork.NewRealClock()
	r := radio.New(log)

	nodes := make([]*aodv.Node, 0, *numNodes)
	for i := 0; i < *numNodes; i++ {
		addr := make([]byte, 8)
		rng.Read(addr)
		nickname := ""
		if i < len(nodeNames) {
			nickname = nodeNames[i]
		}
		n, err := aodv.New(aodv.NodeConfig{
			Logger:   log.With("node", nickname),
			Clock:    clock,
			Addr:     addr,
			Nickname: nickname,
			Protocol: cfg,
		})
		if err != nil {
			return fmt.Errorf("failed to create node %d: %w", i, err)
		}
		nodes = append(nodes, n)
		r.AddStation(n, rng.Float64()**worldSize, rng.Float64()**worldSize, *txRange)
		log.Info("Node placed", "nickname", n.Whoami(), "addr", n.Addr())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	log.Info("Simulation running", "nodes", len(nodes), "tick", *tickRate)

	ticker := time.NewTicker(*tickRate)
	defer ticker.Stop()
	traffic := time.NewTicker(*trafficRate)
	defer traffic.Stop()

	for {
		select {
		case <-ctx.Done():
			dumpTables(nodes)
			return nil
		case <-traffic.C:
			from := nodes[rng.Intn(len(nodes))]
			to := nodes[rng.Intn(len(nodes))]
			if from == to {
				continue
			}
			log.Info("Sending ping", "from", from.Whoami(), "to", to.Whoami())
			from.Send(to.Addr().Bytes(), []byte("ping"))
		case <-ticker.C:
			r.Step()
			for _, n := range nodes {
				for d := n.PopRx(); d != nil; d = n.PopRx() {
					log.Info("Datagram delivered", "node", n.Whoami(), "from", d.OrigAddr, "body", string(d.Data))
				}
			}
		}
	}
}

// dumpTables prints every node's routing table on exit.
func dumpTables(nodes []*aodv.Node) {
	for _, n := range nodes {
		fmt.Printf("\n%s (%s) seq=%d\n", n.Whoami(), n.Addr(), n.SeqNum())
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Dest", "Next hop", "Seq", "Hops", "Valid", "RTT"})
		for addr, route := range n.Routes().All() {
			table.Append([]string{
				addr.String(),
				route.NextHop.String(),
				fmt.Sprintf("%d", route.SeqNum),
				fmt.Sprintf("%d", route.Hops),
				fmt.Sprintf("%t", route.Valid()),
				route.Roundtrip.String(),
			})
		}
		table.Render()
	}
}
