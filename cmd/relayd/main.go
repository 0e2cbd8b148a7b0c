package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentrelay/internal/adapter/endpoint"
	"agentrelay/internal/adapter/store"
	"agentrelay/internal/domain"
	"agentrelay/internal/infra/config"
	"agentrelay/internal/infra/logger"
	"agentrelay/internal/infra/tracer"
	"agentrelay/internal/usecase/conversation"
	"agentrelay/internal/usecase/delivery"
	"agentrelay/internal/usecase/eventbus"
	"agentrelay/internal/usecase/registry"
	"agentrelay/internal/usecase/router"
	"agentrelay/internal/usecase/scheduling"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`relayd - capability-based agent message relay

USAGE:
    relayd [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (missing file runs on defaults)
    Environment: RELAYD_CONFIG overrides the config path

Agents attach over the in-process, HTTP, WebSocket or gRPC endpoint
transports; build with -tags grpc_endpoint to enable gRPC.`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("RELAYD_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// relay is the composed routing core. The daemon owns its lifecycle;
// embedding binaries build the same shape through the usecase packages.
type relay struct {
	bus           *eventbus.Bus
	registry      *registry.Registry
	conversations *conversation.Manager
	engine        *delivery.Engine
	router        *router.Router
	inproc        *endpoint.InProcInvoker
	snapshots     *store.Store
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Routing core
	rel, cleanup, err := buildRelay(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	// 4. Maintenance scheduler
	sched := scheduling.New(logger.Component(log, "scheduler"))
	if err := registerMaintenance(sched, rel, cfg); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// 5. Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	log.Info("relayd started",
		"default_strategy", cfg.Registry.DefaultStrategy,
		"max_fanout", cfg.Router.MaxFanout,
		"snapshots", cfg.Snapshot.Enabled,
	)

	<-ctx.Done()
	log.Info("relayd shutting down")

	// 6. Final snapshot so registrations and conversations survive restart.
	if rel.snapshots != nil {
		shutdownCtx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelSave()
		if err := rel.saveSnapshot(shutdownCtx); err != nil {
			log.Error("shutdown snapshot failed", "error", err)
		}
	}
	return nil
}

// buildRelay wires the routing core bottom-up: bus, registry, conversations,
// transports, delivery, router. The returned cleanup tears down in reverse.
func buildRelay(ctx context.Context, cfg *config.Config, log *slog.Logger) (*relay, func(), error) {
	bus := eventbus.New(logger.Component(log, "eventbus"))

	reg := registry.New(bus, registry.Config{
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		DefaultStrategy:   domain.Strategy(cfg.Registry.DefaultStrategy),
	}, logger.Component(log, "registry"))

	convs := conversation.NewManager(bus, conversation.Config{
		DefaultTTL:   cfg.Conversation.DefaultTTL,
		MaxHistory:   cfg.Conversation.MaxHistory,
		ContextDepth: cfg.Conversation.ContextDepth,
	}, logger.Component(log, "conversation"))

	// Snapshot store: restore prior state before any traffic.
	var snapshots *store.Store
	if cfg.Snapshot.Enabled {
		var err error
		snapshots, err = store.New(cfg.Snapshot.Path, logger.Component(log, "store"))
		if err != nil {
			bus.Close()
			return nil, nil, fmt.Errorf("snapshot store: %w", err)
		}
		regSnap, err := snapshots.LoadRegistry(ctx)
		if err != nil {
			snapshots.Close()
			bus.Close()
			return nil, nil, fmt.Errorf("restore registry: %w", err)
		}
		reg.Restore(ctx, regSnap)

		convSnaps, err := snapshots.LoadConversations(ctx)
		if err != nil {
			snapshots.Close()
			bus.Close()
			return nil, nil, fmt.Errorf("restore conversations: %w", err)
		}
		convs.Restore(ctx, convSnaps)
	}

	// Outbound transports behind one mux, selected per endpoint declaration.
	epLog := logger.Component(log, "endpoint")
	inproc := endpoint.NewInProcInvoker(epLog)
	ws := endpoint.NewWSInvoker(cfg.Endpoints.RespTimeout, epLog)
	grpcInv, grpcClose := buildGRPCInvoker(cfg.Endpoints.RespTimeout, epLog)

	mux := endpoint.NewMux()
	mux.Register(endpoint.TransportInProc, inproc)
	mux.Register(endpoint.TransportHTTP, endpoint.NewHTTPInvoker(cfg.Endpoints, epLog))
	mux.Register(endpoint.TransportWebSocket, ws)
	mux.Register(endpoint.TransportGRPC, grpcInv)

	engine := delivery.NewEngine(mux, reg, bus, delivery.Config{
		Timeout:            cfg.Delivery.Timeout,
		MaxRetries:         cfg.Delivery.MaxRetries,
		BaseBackoff:        cfg.Delivery.BaseBackoff,
		MaxBackoff:         cfg.Delivery.MaxBackoff,
		BreakerMaxFailures: cfg.Delivery.Breaker.MaxFailures,
		BreakerWindow:      cfg.Delivery.Breaker.Window,
		BreakerCooldown:    cfg.Delivery.Breaker.Cooldown,
		RatePerSecond:      cfg.Delivery.RateLimit.PerSecond,
		RateBurst:          cfg.Delivery.RateLimit.Burst,
		DeadLetterSize:     cfg.Delivery.DeadLetterSize,
	}, logger.Component(log, "delivery"))

	rt := router.New(reg, convs, engine, bus, router.Config{
		MaxMessageSize:    cfg.Router.MaxMessageSize,
		DefaultDeadline:   cfg.Router.DefaultDeadline,
		MaxFanout:         cfg.Router.MaxFanout,
		SynthesizedSender: cfg.Router.SynthesizedSender,
	}, logger.Component(log, "router"))

	rel := &relay{
		bus:           bus,
		registry:      reg,
		conversations: convs,
		engine:        engine,
		router:        rt,
		inproc:        inproc,
		snapshots:     snapshots,
	}

	cleanup := func() {
		ws.Close()
		grpcClose()
		if snapshots != nil {
			if err := snapshots.Close(); err != nil {
				log.Error("snapshot store close failed", "error", err)
			}
		}
		bus.Close()
	}
	return rel, cleanup, nil
}

// registerMaintenance schedules the background jobs: endpoint health sweeps,
// idle conversation expiry, and periodic snapshots when enabled.
func registerMaintenance(sched *scheduling.Scheduler, rel *relay, cfg *config.Config) error {
	if err := sched.Add(scheduling.Task{
		Name:     "heartbeat-sweep",
		Schedule: cfg.Registry.SweepSchedule,
		Run: func(ctx context.Context) error {
			rel.registry.SweepStale(ctx)
			return nil
		},
	}); err != nil {
		return err
	}

	if err := sched.Add(scheduling.Task{
		Name:     "conversation-expiry",
		Schedule: cfg.Conversation.SweepSchedule,
		Run: func(ctx context.Context) error {
			rel.conversations.ExpireIdle(ctx)
			return nil
		},
	}); err != nil {
		return err
	}

	if rel.snapshots != nil {
		if err := sched.Add(scheduling.Task{
			Name:     "snapshot",
			Schedule: cfg.Snapshot.Schedule,
			Run:      rel.saveSnapshot,
		}); err != nil {
			return err
		}
	}
	return nil
}

// saveSnapshot persists the current registry and conversation state and
// announces it on the bus.
func (r *relay) saveSnapshot(ctx context.Context) error {
	if err := r.snapshots.Save(ctx, r.registry.Snapshot(), r.conversations.Snapshot()); err != nil {
		return err
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      domain.EventSnapshotSaved,
		Timestamp: time.Now(),
	})
	return nil
}
