package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/tsch-simulator/internal/control"
	"github.com/signalsfoundry/tsch-simulator/internal/journal"
	"github.com/signalsfoundry/tsch-simulator/internal/logging"
	"github.com/signalsfoundry/tsch-simulator/internal/node"
	"github.com/signalsfoundry/tsch-simulator/internal/observability"
	"github.com/signalsfoundry/tsch-simulator/internal/sim"
	"github.com/signalsfoundry/tsch-simulator/timectrl"
)

// Config is the simulator's command line.
type Config struct {
	ScenarioPath   string
	Duration       time.Duration
	Accelerated    bool
	Seed           uint64
	GRPCAddress    string
	MetricsAddress string
	JournalPath    string
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.ScenarioPath, "scenario", "", "JSON scenario file; the built-in reference scenario when empty")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Minute, "simulated time to run")
	flag.BoolVar(&cfg.Accelerated, "accelerated", true, "run as fast as possible instead of against the wall clock")
	flag.Uint64Var(&cfg.Seed, "seed", 0, "override the scenario seed when non-zero")
	flag.StringVar(&cfg.GRPCAddress, "grpc-addr", "", "TCP address of the control gRPC server; disabled when empty")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", "", "HTTP address for Prometheus /metrics; disabled when empty")
	flag.StringVar(&cfg.JournalPath, "journal", "", "SQLite file recording the run; disabled when empty")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, nil); err != nil {
		log.Error(context.Background(), "simulator failed", logging.Err(err))
		os.Exit(1)
	}
}

func loadScenario(cfg Config) (*sim.Scenario, error) {
	var (
		s   *sim.Scenario
		err error
	)
	if cfg.ScenarioPath == "" {
		s = sim.DefaultScenario()
	} else {
		f, openErr := os.Open(cfg.ScenarioPath)
		if openErr != nil {
			return nil, fmt.Errorf("open scenario: %w", openErr)
		}
		defer f.Close()
		if s, err = sim.LoadScenario(f); err != nil {
			return nil, err
		}
	}
	if cfg.Seed != 0 {
		s.Seed = cfg.Seed
	}
	return s, nil
}

// run simulates the scenario until cfg.Duration elapses or ctx is done. lis,
// when non-nil, replaces listening on cfg.GRPCAddress.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	log = logging.OrNoop(log)
	scenario, err := loadScenario(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	slots, err := observability.NewSlotCollector(reg)
	if err != nil {
		return fmt.Errorf("slot metrics: %w", err)
	}
	cells, err := observability.NewCellCollector(reg)
	if err != nil {
		return fmt.Errorf("cell metrics: %w", err)
	}
	controlMetrics, err := observability.NewControlCollector(reg)
	if err != nil {
		return fmt.Errorf("control metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddress, reg, log)

	tp, shutdownTracing, err := observability.NewTracerProvider(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	mode := timectrl.RealTime
	if cfg.Accelerated {
		mode = timectrl.Accelerated
	}
	start := time.Unix(0, 0).UTC()
	opts := []node.NetworkOption{
		node.WithNetworkLogger(log),
		node.WithMode(mode),
		node.WithStartTime(start),
		node.WithSlotCollector(slots),
		node.WithCellCollector(cells),
		node.WithNetworkTracerProvider(tp),
	}

	var j *journal.Journal
	if cfg.JournalPath != "" {
		j, err = journal.Open(cfg.JournalPath, journal.WithLogger(log))
		if err != nil {
			return err
		}
		defer j.Close()
		info := journal.RunInfo{
			Scenario: scenario.Name,
			Seed:     scenario.Seed,
			Started:  start,
			Params: map[string]any{
				"duration":     cfg.Duration.String(),
				"accelerated":  cfg.Accelerated,
				"target_cells": scenario.TargetCells,
				"nodes":        len(scenario.Nodes),
			},
		}
		if _, err := j.StartRun(ctx, info); err != nil {
			return err
		}
		opts = append(opts, node.WithNetworkJournal(j))
	}

	network, err := node.Build(scenario, opts...)
	if err != nil {
		return err
	}
	defer network.Close()

	server, err := serveControl(ctx, cfg.GRPCAddress, lis, network, tp, controlMetrics, log)
	if err != nil {
		return err
	}

	err = network.Run(ctx, cfg.Duration)
	if errors.Is(err, context.Canceled) {
		log.Info(context.Background(), "simulation interrupted")
		err = nil
	}

	if server != nil {
		server.GracefulStop()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	report(network, j, log)
	if j != nil && j.Err() != nil {
		log.Warn(context.Background(), "journal incomplete", logging.Err(j.Err()))
	}
	return err
}

func serveControl(ctx context.Context, addr string, lis net.Listener, network *node.Network, tp trace.TracerProvider, collector *observability.ControlCollector, log logging.Logger) (*grpc.Server, error) {
	if lis == nil {
		if addr == "" {
			return nil, nil
		}
		var err error
		if lis, err = net.Listen("tcp", addr); err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
	}
	server := control.NewServer(control.NewService(network, log, collector), tp)
	log.Info(ctx, "starting control gRPC server", logging.String("addr", lis.Addr().String()))
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Error(context.Background(), "gRPC server exited", logging.Err(err))
		}
	}()
	return server, nil
}

func serveMetrics(addr string, g prometheus.Gatherer, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(g))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// report logs one summary line per node, plus the stability offsets when a
// journal is recording.
func report(network *node.Network, j *journal.Journal, log logging.Logger) {
	ctx := context.Background()
	for _, nd := range network.Nodes() {
		st := nd.SyncState()
		tr := nd.Traffic()
		fields := []logging.Field{
			logging.String("node", nd.Addr().String()),
			logging.String("role", nd.Role().String()),
			logging.Bool("associated", st.Associated),
			logging.Int("cells", nd.Engine().Stats().Len()),
			logging.Int("data_sent", tr.DataSent),
			logging.Int("data_delivered", tr.DataDelivered),
			logging.Int("rejoins", tr.Rejoins),
		}
		if j != nil && nd.Role() == sim.RoleChild {
			offsets, err := j.StabilityOffsets(ctx, j.RunID(), nd.Addr())
			if err == nil {
				fields = append(fields, logging.Int("stable_allocations", len(offsets)))
			}
		}
		log.Info(ctx, "node summary", fields...)
	}
}
