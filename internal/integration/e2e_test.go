//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentrelay/internal/adapter/store"
	"agentrelay/internal/domain"
	"agentrelay/internal/usecase/router"
	"agentrelay/internal/usecase/scheduling"
	"agentrelay/pkg/agentsdk"
)

// End-to-end tests wire the full relay over the in-process transport and
// drive it through the public SDK. Run with: go test -tags=integration ./internal/integration/

func testAgent(id string, opts ...agentsdk.Option) *agentsdk.Agent {
	opts = append([]agentsdk.Option{agentsdk.WithLogger(discardLogger())}, opts...)
	return agentsdk.New(id, opts...)
}

// TestE2E_RequestReplyRoundTrip covers the primary flow: a client requests a
// capability, the provider answers inline, and the client submits the answer
// back through the router to close the conversation.
func TestE2E_RequestReplyRoundTrip(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	ctx := NewTestContext(t, cfg.TestTimeout)
	s := newStack(t, defaultStackConfig())

	analyzer := testAgent("analyzer-1")
	analyzer.Provide(agentsdk.CapabilityDecl{Name: "text-analysis", Specificity: 5},
		func(_ context.Context, msg *agentsdk.Message) (*agentsdk.Message, error) {
			return agentsdk.Done("analyzer-1", msg, map[string]string{"verdict": "positive"})
		})
	s.attach(t, ctx, analyzer)

	clientInbox := make(chan *agentsdk.Message, 1)
	client := testAgent("client-1", agentsdk.WithFallback(
		func(_ context.Context, msg *agentsdk.Message) (*agentsdk.Message, error) {
			clientInbox <- msg
			return nil, nil
		}))
	s.attach(t, ctx, client)

	req, err := agentsdk.Request("client-1", "text-analysis", map[string]string{"text": "all good"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	res, err := s.router.Route(ctx, req)
	if err != nil {
		t.Fatalf("route request: %v", err)
	}
	if res.Status != router.StatusDelivered {
		t.Fatalf("status = %s, want %s", res.Status, router.StatusDelivered)
	}
	if len(res.RoutedTo) != 1 || res.RoutedTo[0] != "analyzer-1" {
		t.Fatalf("routed to %v, want [analyzer-1]", res.RoutedTo)
	}
	if res.Reply == nil {
		t.Fatal("expected inline reply from provider")
	}
	if res.Reply.Performative != domain.PerformativeInformDone {
		t.Fatalf("reply performative = %s, want %s", res.Reply.Performative, domain.PerformativeInformDone)
	}
	if res.Reply.InReplyTo != req.ReplyWith {
		t.Fatalf("reply answers %q, want %q", res.Reply.InReplyTo, req.ReplyWith)
	}
	t.Logf("request %s delivered, inline reply %s", req.ID, res.Reply.ID)

	// The reply is not routed automatically. Submit it to complete the
	// conversation and deliver it to the client.
	res2, err := s.router.Route(ctx, res.Reply)
	if err != nil {
		t.Fatalf("route reply: %v", err)
	}
	if res2.Status != router.StatusDelivered {
		t.Fatalf("reply status = %s, want %s", res2.Status, router.StatusDelivered)
	}

	select {
	case got := <-clientInbox:
		if got.ID != res.Reply.ID {
			t.Fatalf("client received %s, want %s", got.ID, res.Reply.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the reply")
	}

	refs, err := s.convs.GetContext(ctx, res.ConversationID, 0)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("conversation has %d messages, want 2", len(refs))
	}
	if refs[0].MessageID != req.ID || refs[1].MessageID != res.Reply.ID {
		t.Fatalf("history order wrong: %s, %s", refs[0].MessageID, refs[1].MessageID)
	}
	t.Logf("conversation %s completed with %d messages", res.ConversationID, len(refs))
}

// TestE2E_BroadcastFanout switches a capability to broadcast and checks one
// INFORM reaches every provider.
func TestE2E_BroadcastFanout(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	ctx := NewTestContext(t, cfg.TestTimeout)
	s := newStack(t, defaultStackConfig())

	var hits atomic.Int64
	for _, id := range []string{"sink-a", "sink-b", "sink-c"} {
		a := testAgent(id)
		a.Provide(agentsdk.CapabilityDecl{Name: "telemetry-sink"},
			func(_ context.Context, _ *agentsdk.Message) (*agentsdk.Message, error) {
				hits.Add(1)
				return nil, nil
			})
		s.attach(t, ctx, a)
	}
	if err := s.registry.SetStrategy(ctx, "telemetry-sink", domain.StrategyBroadcast); err != nil {
		t.Fatalf("set strategy: %v", err)
	}

	note, err := agentsdk.Inform("hub-1", "telemetry-sink", map[string]int{"reading": 21})
	if err != nil {
		t.Fatalf("build inform: %v", err)
	}
	res, err := s.router.Route(ctx, note)
	if err != nil {
		t.Fatalf("route inform: %v", err)
	}
	if res.Status != router.StatusDelivered {
		t.Fatalf("status = %s, want %s", res.Status, router.StatusDelivered)
	}
	if res.Strategy != domain.StrategyBroadcast {
		t.Fatalf("strategy = %s, want %s", res.Strategy, domain.StrategyBroadcast)
	}
	if len(res.RoutedTo) != 3 {
		t.Fatalf("routed to %d targets, want 3", len(res.RoutedTo))
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("%d providers saw the inform, want 3", got)
	}
	t.Logf("inform %s fanned out to %v", note.ID, res.RoutedTo)
}

// TestE2E_RetryAfterTransientFailure drives a flaky provider that fails
// twice before agreeing and checks the delivery series absorbs the failures.
func TestE2E_RetryAfterTransientFailure(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	ctx := NewTestContext(t, cfg.TestTimeout)

	sc := defaultStackConfig()
	sc.Delivery.MaxRetries = 3
	s := newStack(t, sc)

	var calls atomic.Int64
	flaky := testAgent("flaky-1")
	flaky.Provide(agentsdk.CapabilityDecl{Name: "text-analysis"},
		func(_ context.Context, msg *agentsdk.Message) (*agentsdk.Message, error) {
			if calls.Add(1) <= 2 {
				return nil, errors.New("transient overload")
			}
			return agentsdk.Agree("flaky-1", msg, nil)
		})
	s.attach(t, ctx, flaky)

	req, err := agentsdk.Request("client-1", "text-analysis", map[string]string{"text": "try hard"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	res, err := s.router.Route(ctx, req)
	if err != nil {
		t.Fatalf("route request: %v", err)
	}
	if res.Status != router.StatusDelivered {
		t.Fatalf("status = %s, want %s", res.Status, router.StatusDelivered)
	}
	if got := res.PerTarget[0].AttemptCount(); got != 3 {
		t.Fatalf("delivery took %d attempts, want 3", got)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("provider invoked %d times, want 3", got)
	}

	// Only the terminal outcome reaches endpoint health.
	snap, err := s.registry.Get(ctx, "flaky-1")
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	if snap.Successes != 1 || snap.Failures != 0 {
		t.Fatalf("health counters = %d/%d, want 1/0", snap.Successes, snap.Failures)
	}
	t.Logf("delivery recovered after %d attempts", res.PerTarget[0].AttemptCount())
}

// TestE2E_CircuitBreakerShedsFailingTarget fails a provider until its
// breaker opens, then checks further routes short-circuit and dead letters
// accumulate.
func TestE2E_CircuitBreakerShedsFailingTarget(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	ctx := NewTestContext(t, cfg.TestTimeout)

	sc := defaultStackConfig()
	sc.Delivery.MaxRetries = 0
	sc.Delivery.BreakerMaxFailures = 2
	sc.Delivery.BreakerCooldown = time.Minute
	s := newStack(t, sc)

	broken := testAgent("broken-1")
	broken.Provide(agentsdk.CapabilityDecl{Name: "text-analysis"},
		func(_ context.Context, _ *agentsdk.Message) (*agentsdk.Message, error) {
			return nil, errors.New("datastore down")
		})
	s.attach(t, ctx, broken)

	sawOpen := false
	for i := 0; i < 6 && !sawOpen; i++ {
		req, err := agentsdk.Request("client-1", "text-analysis", nil)
		if err != nil {
			t.Fatalf("build request %d: %v", i, err)
		}
		res, err := s.router.Route(ctx, req)
		if err == nil {
			t.Fatalf("route %d should have failed", i)
		}
		if res.Status != router.StatusFailed {
			t.Fatalf("route %d status = %s, want %s", i, res.Status, router.StatusFailed)
		}
		if errors.Is(err, domain.ErrCircuitOpen) {
			sawOpen = true
			t.Logf("breaker opened after %d routes", i+1)
		}
	}
	if !sawOpen {
		t.Fatal("breaker never opened")
	}

	state, ok := s.engine.BreakerState("broken-1")
	if !ok {
		t.Fatal("no breaker tracked for broken-1")
	}
	if state != gobreaker.StateOpen {
		t.Fatalf("breaker state = %s, want %s", state, gobreaker.StateOpen)
	}
	if dead := s.engine.DeadLetters(); len(dead) < 2 {
		t.Fatalf("%d dead letters, want at least 2", len(dead))
	}
}

// TestE2E_SnapshotSurvivesRestart saves a mid-flight conversation and the
// registry, rebuilds the whole stack, restores, and completes the
// conversation on the new stack.
func TestE2E_SnapshotSurvivesRestart(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	ctx := NewTestContext(t, cfg.TestTimeout)

	dbPath := filepath.Join(t.TempDir(), "relay.db")
	st, err := store.New(dbPath, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	analyzer := testAgent("analyzer-1")
	analyzer.Provide(agentsdk.CapabilityDecl{Name: "text-analysis", Specificity: 5},
		func(_ context.Context, msg *agentsdk.Message) (*agentsdk.Message, error) {
			return agentsdk.Agree("analyzer-1", msg, nil)
		})
	clientInbox := make(chan *agentsdk.Message, 2)
	client := testAgent("client-1", agentsdk.WithFallback(
		func(_ context.Context, msg *agentsdk.Message) (*agentsdk.Message, error) {
			clientInbox <- msg
			return nil, nil
		}))

	// First life: open a conversation and leave it waiting on the result.
	s1 := newStack(t, defaultStackConfig())
	s1.attach(t, ctx, analyzer)
	s1.attach(t, ctx, client)

	req, err := agentsdk.Request("client-1", "text-analysis", map[string]string{"text": "long job"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	res, err := s1.router.Route(ctx, req)
	if err != nil {
		t.Fatalf("route request: %v", err)
	}
	if res.Reply == nil || res.Reply.Performative != domain.PerformativeAgree {
		t.Fatalf("expected inline AGREE, got %+v", res.Reply)
	}
	if _, err := s1.router.Route(ctx, res.Reply); err != nil {
		t.Fatalf("route agree: %v", err)
	}

	if err := st.Save(ctx, s1.registry.Snapshot(), s1.convs.Snapshot()); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	t.Logf("snapshot saved with conversation %s", res.ConversationID)

	// Second life: fresh stack, state restored from the store.
	s2 := newStack(t, defaultStackConfig())
	regSnap, err := st.LoadRegistry(ctx)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	s2.registry.Restore(ctx, regSnap)
	convSnaps, err := st.LoadConversations(ctx)
	if err != nil {
		t.Fatalf("load conversations: %v", err)
	}
	s2.convs.Restore(ctx, convSnaps)

	// Registrations came back from the snapshot before any agent re-attached.
	if _, err := s2.registry.Get(ctx, "analyzer-1"); err != nil {
		t.Fatalf("analyzer-1 not restored: %v", err)
	}
	refs, err := s2.convs.GetContext(ctx, res.ConversationID, 0)
	if err != nil {
		t.Fatalf("conversation not restored: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("restored conversation has %d messages, want 2", len(refs))
	}

	// Handler bindings are process state, so agents re-attach after restart.
	s2.attach(t, ctx, analyzer)
	s2.attach(t, ctx, client)

	completed := make(chan domain.Event, 1)
	unsub := s2.bus.Subscribe(domain.EventConversationCompleted, func(_ context.Context, ev domain.Event) {
		completed <- ev
	})
	defer unsub()

	// The provider finishes the job it agreed to in the first life.
	done, err := agentsdk.Done("analyzer-1", req, map[string]string{"verdict": "finished"})
	if err != nil {
		t.Fatalf("build done: %v", err)
	}
	if _, err := s2.router.Route(ctx, done); err != nil {
		t.Fatalf("route done: %v", err)
	}

	select {
	case ev := <-completed:
		if ev.ConversationID != res.ConversationID {
			t.Fatalf("completed %s, want %s", ev.ConversationID, res.ConversationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("conversation never completed after restore")
	}

	refs, err = s2.convs.GetContext(ctx, res.ConversationID, 0)
	if err != nil {
		t.Fatalf("get context after done: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("conversation has %d messages, want 3", len(refs))
	}
	if refs[2].Performative != domain.PerformativeInformDone {
		t.Fatalf("final message is %s, want %s", refs[2].Performative, domain.PerformativeInformDone)
	}
	t.Logf("conversation %s completed across restart", res.ConversationID)
}

// TestE2E_IdleConversationsExpireOnSchedule runs the expiry sweep on the
// scheduler and waits for the expiration event.
func TestE2E_IdleConversationsExpireOnSchedule(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfSlow(t, cfg)
	ctx := NewTestContext(t, cfg.TestTimeout)

	sc := defaultStackConfig()
	sc.Conversation.DefaultTTL = 60 * time.Millisecond
	s := newStack(t, sc)

	sink := testAgent("sink-1")
	sink.Provide(agentsdk.CapabilityDecl{Name: "text-analysis"},
		func(_ context.Context, _ *agentsdk.Message) (*agentsdk.Message, error) {
			return nil, nil
		})
	s.attach(t, ctx, sink)

	expired := make(chan domain.Event, 4)
	unsub := s.bus.Subscribe(domain.EventConversationExpired, func(_ context.Context, ev domain.Event) {
		expired <- ev
	})
	defer unsub()

	req, err := agentsdk.Request("client-1", "text-analysis", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	res, err := s.router.Route(ctx, req)
	if err != nil {
		t.Fatalf("route request: %v", err)
	}

	sched := scheduling.New(discardLogger())
	if err := sched.Add(scheduling.Task{
		Name:     "conversation-expiry",
		Schedule: "25ms",
		Run: func(ctx context.Context) error {
			s.convs.ExpireIdle(ctx)
			return nil
		},
	}); err != nil {
		t.Fatalf("add task: %v", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	select {
	case ev := <-expired:
		if ev.ConversationID != res.ConversationID {
			t.Fatalf("expired %s, want %s", ev.ConversationID, res.ConversationID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("conversation never expired")
	}

	if _, err := s.convs.GetContext(ctx, res.ConversationID, 0); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Fatalf("expired conversation still served: %v", err)
	}
	t.Logf("conversation %s expired and was evicted", res.ConversationID)
}
