package integration

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"agentrelay/internal/adapter/endpoint"
	"agentrelay/internal/usecase/conversation"
	"agentrelay/internal/usecase/delivery"
	"agentrelay/internal/usecase/eventbus"
	"agentrelay/internal/usecase/registry"
	"agentrelay/internal/usecase/router"
	"agentrelay/pkg/agentsdk"
)

// Config holds integration test tuning from the environment.
type Config struct {
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from the environment.
func LoadConfig() *Config {
	timeout := 60 * time.Second
	if v := os.Getenv("RELAY_TEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}
	return &Config{
		TestTimeout: timeout,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// SkipIfSlow skips tests that sit on timers when SKIP_SLOW_TESTS=1.
func SkipIfSlow(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.SkipSlow {
		t.Skip("Skipping slow integration test: SKIP_SLOW_TESTS=1")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stackConfig tunes the wired relay. Zero values fall back to each
// component's defaults.
type stackConfig struct {
	Registry     registry.Config
	Conversation conversation.Config
	Delivery     delivery.Config
	Router       router.Config
}

// defaultStackConfig keeps retries and backoff fast enough for tests.
func defaultStackConfig() stackConfig {
	return stackConfig{
		Delivery: delivery.Config{
			Timeout:            2 * time.Second,
			BaseBackoff:        5 * time.Millisecond,
			MaxBackoff:         25 * time.Millisecond,
			BreakerMaxFailures: 32,
		},
	}
}

// stack is a fully wired relay over the in-process transport: real registry,
// conversation manager, delivery engine, router and event bus.
type stack struct {
	bus      *eventbus.Bus
	registry *registry.Registry
	convs    *conversation.Manager
	engine   *delivery.Engine
	router   *router.Router
	inproc   *endpoint.InProcInvoker
}

func newStack(t *testing.T, cfg stackConfig) *stack {
	t.Helper()
	log := discardLogger()

	bus := eventbus.New(log)
	t.Cleanup(bus.Close)

	reg := registry.New(bus, cfg.Registry, log)
	convs := conversation.NewManager(bus, cfg.Conversation, log)

	inproc := endpoint.NewInProcInvoker(log)
	mux := endpoint.NewMux()
	mux.Register(endpoint.TransportInProc, inproc)

	engine := delivery.NewEngine(mux, reg, bus, cfg.Delivery, log)
	rt := router.New(reg, convs, engine, bus, cfg.Router, log)

	return &stack{
		bus:      bus,
		registry: reg,
		convs:    convs,
		engine:   engine,
		router:   rt,
		inproc:   inproc,
	}
}

// attach binds the agent to the in-process invoker and registers it.
func (s *stack) attach(t *testing.T, ctx context.Context, a *agentsdk.Agent) {
	t.Helper()
	if err := s.registry.Register(ctx, a.Attach(s.inproc)); err != nil {
		t.Fatalf("register %s: %v", a.ID(), err)
	}
}
