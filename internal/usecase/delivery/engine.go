// Package delivery dispatches validated messages to their targets and owns
// everything that can go wrong on the way: retries with backoff, per-target
// circuit breakers and rate limits, duplicate suppression, and the
// dead-letter queue for messages it gave up on.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"agentrelay/internal/domain"
	"agentrelay/internal/infra/tracer"
)

// HealthRecorder receives terminal delivery outcomes and in-flight load
// deltas for targets. The capability registry satisfies it.
type HealthRecorder interface {
	RecordOutcome(ctx context.Context, agentID string, ok bool)
	AddLoad(agentID string, delta int64)
}

// Policy bounds one delivery series. Zero values fall back to the engine's
// configured defaults.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
}

// Config holds delivery engine settings.
type Config struct {
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	BreakerMaxFailures uint32
	BreakerWindow      time.Duration
	BreakerCooldown    time.Duration

	RatePerSecond float64
	RateBurst     int

	DeadLetterSize int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 60 * time.Second
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.DeadLetterSize <= 0 {
		c.DeadLetterSize = 256
	}
	return c
}

// flightKey identifies one (message, target) delivery series.
type flightKey struct {
	messageID string
	target    string
}

// flight is a delivery series in progress. Duplicate callers wait on done
// and share result instead of issuing their own attempts.
type flight struct {
	done   chan struct{}
	result domain.DeliveryResult
}

// Engine drives deliveries through the transport invoker.
type Engine struct {
	invoker  domain.Invoker
	registry HealthRecorder
	bus      domain.EventBus
	config   Config
	logger   *slog.Logger

	flightMu sync.Mutex
	inflight map[flightKey]*flight

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker[*domain.Message]

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	deadMu sync.Mutex
	dead   []domain.DeadLetter
}

// NewEngine creates a delivery engine. bus may be nil.
func NewEngine(invoker domain.Invoker, registry HealthRecorder, bus domain.EventBus, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		invoker:  invoker,
		registry: registry,
		bus:      bus,
		config:   cfg.withDefaults(),
		logger:   logger,
		inflight: make(map[flightKey]*flight),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*domain.Message]),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Deliver dispatches msg to target, retrying transient failures until the
// policy's attempts or deadline run out. A concurrent Deliver for the same
// (message, target) pair does not issue a second attempt; it waits for the
// in-flight series and shares its result.
func (e *Engine) Deliver(ctx context.Context, msg *domain.Message, target domain.EndpointSnapshot, policy Policy) domain.DeliveryResult {
	key := flightKey{messageID: msg.ID, target: target.ID}

	e.flightMu.Lock()
	if f, ok := e.inflight[key]; ok {
		e.flightMu.Unlock()
		select {
		case <-f.done:
			return f.result
		case <-ctx.Done():
			return domain.DeliveryResult{
				MessageID: msg.ID,
				Target:    target.ID,
				State:     domain.DeliveryTimedOut,
				Err:       domain.NewRouteError("Engine.Deliver", domain.ErrTimeout, "gave up waiting on in-flight duplicate"),
			}
		}
	}
	f := &flight{done: make(chan struct{})}
	e.inflight[key] = f
	e.flightMu.Unlock()

	f.result = e.deliverSeries(ctx, msg, target, policy)

	e.flightMu.Lock()
	delete(e.inflight, key)
	e.flightMu.Unlock()
	close(f.done)

	return f.result
}

// deliverSeries runs the attempt loop for one (message, target) pair.
func (e *Engine) deliverSeries(ctx context.Context, msg *domain.Message, target domain.EndpointSnapshot, policy Policy) domain.DeliveryResult {
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = e.config.Timeout
	}
	// Policy zero means the configured default; negative means no retries.
	maxAttempts := e.config.MaxRetries + 1
	switch {
	case policy.MaxRetries > 0:
		maxAttempts = policy.MaxRetries + 1
	case policy.MaxRetries < 0:
		maxAttempts = 1
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracer.StartSpan(ctx, "delivery.deliver")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("message_id", msg.ID),
		tracer.StringAttr("target", target.ID),
	)

	start := time.Now()
	result := domain.DeliveryResult{MessageID: msg.ID, Target: target.ID}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if lim := e.limiterFor(target.ID); lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return e.finish(ctx, msg, &result, domain.DeliveryTimedOut, start, span,
					domain.NewRouteError("Engine.Deliver", domain.ErrTimeout, "deadline expired in rate limiter"))
			}
		}

		attemptStart := time.Now()
		e.registry.AddLoad(target.ID, 1)
		reply, err := e.breakerFor(target.ID).Execute(func() (*domain.Message, error) {
			return e.invoker.Invoke(ctx, target, msg)
		})
		e.registry.AddLoad(target.ID, -1)
		elapsed := time.Since(attemptStart)

		if err == nil {
			result.Attempts = append(result.Attempts, domain.DeliveryAttempt{
				MessageID: msg.ID,
				Target:    target.ID,
				Attempt:   attempt + 1,
				Outcome:   domain.DeliveryDelivered,
				Timestamp: attemptStart,
				Duration:  elapsed,
			})
			result.Response = reply
			return e.finish(ctx, msg, &result, domain.DeliveryDelivered, start, span, nil)
		}

		// An open breaker fails the caller without issuing an attempt, and
		// the short circuit itself is not held against the breaker.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return e.finish(ctx, msg, &result, domain.DeliveryFailed, start, span,
				domain.NewRouteError("Engine.Deliver", domain.ErrCircuitOpen, fmt.Sprintf("target %s", target.ID)))
		}

		lastErr = err
		result.Attempts = append(result.Attempts, domain.DeliveryAttempt{
			MessageID: msg.ID,
			Target:    target.ID,
			Attempt:   attempt + 1,
			Outcome:   domain.DeliveryFailed,
			Timestamp: attemptStart,
			Duration:  elapsed,
			Error:     err.Error(),
		})
		e.publish(ctx, domain.EventDeliveryAttempt, msg, target.ID, map[string]string{
			"attempt": fmt.Sprintf("%d", attempt+1),
			"error":   err.Error(),
		})

		if ctx.Err() != nil {
			return e.finish(ctx, msg, &result, domain.DeliveryTimedOut, start, span,
				domain.NewRouteError("Engine.Deliver", domain.ErrTimeout, "attempt cancelled by deadline"))
		}
		if !domain.IsRetryable(err) {
			return e.finish(ctx, msg, &result, domain.DeliveryFailed, start, span, err)
		}
		if attempt < maxAttempts-1 {
			delay := e.retryBackoff(attempt)
			e.logger.Info("retrying delivery after error",
				"message_id", msg.ID, "target", target.ID,
				"attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return e.finish(ctx, msg, &result, domain.DeliveryTimedOut, start, span,
					domain.NewRouteError("Engine.Deliver", domain.ErrTimeout, "deadline expired in backoff"))
			}
		}
	}

	return e.finish(ctx, msg, &result, domain.DeliveryFailed, start, span,
		domain.NewRouteError("Engine.Deliver", domain.ErrDeliveryFailed,
			fmt.Sprintf("%d attempts exhausted: %v", maxAttempts, lastErr)))
}

// finish stamps the terminal state on the result, records the outcome
// against the registry, and publishes terminal events.
func (e *Engine) finish(ctx context.Context, msg *domain.Message, result *domain.DeliveryResult, state domain.DeliveryState, start time.Time, span trace.Span, err error) domain.DeliveryResult {
	result.State = state
	result.Duration = time.Since(start)
	result.Err = err

	switch state {
	case domain.DeliveryDelivered:
		tracer.SetOK(span)
		e.registry.RecordOutcome(ctx, result.Target, true)
		e.publish(ctx, domain.EventDeliverySucceeded, msg, result.Target, map[string]string{
			"attempts": fmt.Sprintf("%d", result.AttemptCount()),
			"duration": result.Duration.String(),
		})
	default:
		tracer.RecordError(span, err)
		// Short circuits are the breaker protecting the target; they say
		// nothing new about the target's health.
		if !errors.Is(err, domain.ErrCircuitOpen) {
			e.registry.RecordOutcome(ctx, result.Target, false)
		}
		e.deadLetter(ctx, msg, result.Target, state, err)
		e.publish(ctx, domain.EventDeliveryFailed, msg, result.Target, map[string]string{
			"state":    string(state),
			"attempts": fmt.Sprintf("%d", result.AttemptCount()),
			"error":    err.Error(),
		})
	}
	return *result
}

// RecordOutcome feeds an externally observed outcome for a target into the
// registry, for callers that learn about delivery results out of band.
func (e *Engine) RecordOutcome(ctx context.Context, target string, ok bool) {
	e.registry.RecordOutcome(ctx, target, ok)
}

// deadLetter parks a terminally failed message, dropping the oldest letter
// when the queue is full.
func (e *Engine) deadLetter(ctx context.Context, msg *domain.Message, target string, state domain.DeliveryState, err error) {
	dl := domain.DeadLetter{
		Message:   msg,
		Target:    target,
		State:     state,
		Reason:    err.Error(),
		Timestamp: time.Now(),
	}

	e.deadMu.Lock()
	if len(e.dead) >= e.config.DeadLetterSize {
		e.dead = e.dead[1:]
	}
	e.dead = append(e.dead, dl)
	depth := len(e.dead)
	e.deadMu.Unlock()

	e.logger.Warn("message dead-lettered",
		"message_id", msg.ID, "target", target, "state", state, "queue_depth", depth)
	e.publish(ctx, domain.EventDeadLetter, msg, target, map[string]string{
		"state":  string(state),
		"reason": dl.Reason,
	})
}

// DeadLetters returns a copy of the parked letters, oldest first.
func (e *Engine) DeadLetters() []domain.DeadLetter {
	e.deadMu.Lock()
	defer e.deadMu.Unlock()
	out := make([]domain.DeadLetter, len(e.dead))
	copy(out, e.dead)
	return out
}

// DrainDeadLetters empties the queue and returns what it held.
func (e *Engine) DrainDeadLetters() []domain.DeadLetter {
	e.deadMu.Lock()
	defer e.deadMu.Unlock()
	out := e.dead
	e.dead = nil
	return out
}

// BreakerState reports the circuit state for a target. The second return is
// false when the target has never been dispatched to.
func (e *Engine) BreakerState(target string) (gobreaker.State, bool) {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	br, ok := e.breakers[target]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return br.State(), true
}

// breakerFor returns the target's circuit breaker, creating it lazily.
func (e *Engine) breakerFor(target string) *gobreaker.CircuitBreaker[*domain.Message] {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()

	if br, ok := e.breakers[target]; ok {
		return br
	}

	br := gobreaker.NewCircuitBreaker[*domain.Message](gobreaker.Settings{
		Name:        "target:" + target,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    e.config.BreakerWindow,
		Timeout:     e.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= e.config.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			e.publish(context.Background(), domain.EventCircuitChanged, nil, target, map[string]string{
				"from": from.String(),
				"to":   to.String(),
			})
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	e.breakers[target] = br
	return br
}

// limiterFor returns the target's rate limiter, or nil when limiting is
// disabled.
func (e *Engine) limiterFor(target string) *rate.Limiter {
	if e.config.RatePerSecond <= 0 {
		return nil
	}
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()

	if lim, ok := e.limiters[target]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(e.config.RatePerSecond), e.config.RateBurst)
	e.limiters[target] = lim
	return lim
}

// retryBackoff computes exponential backoff with jitter.
func (e *Engine) retryBackoff(attempt int) time.Duration {
	delay := e.config.BaseBackoff * time.Duration(1<<uint(attempt))
	if delay > e.config.MaxBackoff {
		delay = e.config.MaxBackoff
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// publish emits a delivery event on the bus. msg may be nil for events not
// tied to one message.
func (e *Engine) publish(ctx context.Context, eventType domain.EventType, msg *domain.Message, target string, detail map[string]string) {
	if e.bus == nil {
		return
	}
	event := domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Target:    target,
	}
	if msg != nil {
		event.MessageID = msg.ID
		event.ConversationID = msg.ConversationID
	}
	if len(detail) > 0 {
		data, err := json.Marshal(detail)
		if err != nil {
			e.logger.Error("failed to marshal event detail", "type", eventType, "error", err)
		} else {
			event.Payload = data
		}
	}
	e.bus.Publish(ctx, event)
}
