// Package router orchestrates the message pipeline: admission checks, target
// resolution, conversation threading and concurrent delivery. It is the only
// component that sees a message end to end.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"agentrelay/internal/domain"
	"agentrelay/internal/infra/tracer"
	"agentrelay/internal/usecase/conversation"
	"agentrelay/internal/usecase/delivery"
)

// Config holds configuration for the router.
type Config struct {
	// MaxMessageSize is the serialized envelope limit in bytes.
	MaxMessageSize int
	// DefaultDeadline bounds a Route call when the caller's context has none.
	DefaultDeadline time.Duration
	// MaxFanout caps how many providers a non-broadcast capability route
	// dispatches to.
	MaxFanout int
	// SynthesizedSender names the router in FAILURE and NOT-UNDERSTOOD
	// replies it mints itself.
	SynthesizedSender string
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 256 * 1024
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 30 * time.Second
	}
	if c.MaxFanout <= 0 {
		c.MaxFanout = 1
	}
	if c.SynthesizedSender == "" {
		c.SynthesizedSender = "relayd"
	}
	return c
}

// Status summarizes a routing outcome across all targets.
type Status string

const (
	// StatusDelivered means every target acknowledged the message.
	StatusDelivered Status = "delivered"
	// StatusPartial means some broadcast targets acknowledged and some did not.
	StatusPartial Status = "partial"
	// StatusFailed means the message was admitted but no target acknowledged.
	StatusFailed Status = "failed"
	// StatusRejected means the message never reached delivery.
	StatusRejected Status = "rejected"
)

// Result reports what Route did with one message.
type Result struct {
	MessageID      string
	ConversationID string
	// RoutedTo lists target agent ids in dispatch order. Empty on rejection.
	RoutedTo []string
	// Strategy is the strategy that ordered the candidates. Direct
	// receiver routes report StrategyDefault.
	Strategy  domain.Strategy
	Status    Status
	PerTarget []domain.DeliveryResult
	// Reply is either the target's inline answer (single-target routes) or
	// a FAILURE / NOT-UNDERSTOOD the router synthesized. The caller decides
	// whether to submit it back through Route.
	Reply *domain.Message
}

// Registry resolves capability and receiver targets. The capability
// registry satisfies it.
type Registry interface {
	Resolve(ctx context.Context, capability string, strategy domain.Strategy) ([]domain.EndpointSnapshot, domain.Strategy, error)
	Get(ctx context.Context, agentID string) (domain.EndpointSnapshot, error)
}

// Conversations threads admitted messages and records terminal failures.
// The conversation manager satisfies it.
type Conversations interface {
	StartOrContinue(ctx context.Context, msg *domain.Message) (conversation.Outcome, error)
	Fail(ctx context.Context, conversationID, reason string) error
}

// Deliverer runs the delivery series for one (message, target) pair. The
// delivery engine satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, msg *domain.Message, target domain.EndpointSnapshot, policy delivery.Policy) domain.DeliveryResult
}

// Router dispatches inbound messages: admission, capability resolution,
// conversation threading, fan-out and outcome aggregation. It is safe for
// concurrent use.
type Router struct {
	registry      Registry
	conversations Conversations
	deliverer     Deliverer
	bus           domain.EventBus
	config        Config
	logger        *slog.Logger

	// Compiled capability schemas, keyed by raw schema text.
	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// New creates a router. bus may be nil.
func New(registry Registry, conversations Conversations, deliverer Deliverer, bus domain.EventBus, cfg Config, logger *slog.Logger) *Router {
	return &Router{
		registry:      registry,
		conversations: conversations,
		deliverer:     deliverer,
		bus:           bus,
		config:        cfg.withDefaults(),
		logger:        logger,
		schemas:       make(map[string]*jsonschema.Schema),
	}
}

// Route processes one inbound message end to end and returns the aggregated
// outcome. The returned error is nil when at least one target acknowledged;
// rejections and total delivery failures return the triggering error
// alongside a Result that carries any synthesized reply.
func (r *Router) Route(ctx context.Context, msg *domain.Message) (Result, error) {
	// 1. Structural admission. Malformed envelopes never touch routing or
	// conversation state.
	if err := msg.Validate(); err != nil {
		r.publishRejected(ctx, msg, err)
		return Result{MessageID: msg.ID, Status: StatusRejected}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.DefaultDeadline)
		defer cancel()
	}
	ctx, span := tracer.StartSpan(ctx, "router.route",
		trace.WithAttributes(
			tracer.StringAttr("message_id", msg.ID),
			tracer.StringAttr("performative", string(msg.Performative)),
		))
	defer span.End()

	// 2. Resolve the target set: the named receiver, or the capability's
	// providers in strategy order.
	targets, strategy, err := r.resolveTargets(ctx, msg)
	if err != nil {
		r.publishRejected(ctx, msg, err)
		tracer.RecordError(span, err)
		return Result{MessageID: msg.ID, Strategy: strategy, Status: StatusRejected}, err
	}

	// 3. Content must satisfy every selected provider's declared schema.
	if err := r.checkSchemas(msg, targets); err != nil {
		r.publishRejected(ctx, msg, err)
		tracer.RecordError(span, err)
		return Result{MessageID: msg.ID, Strategy: strategy, Status: StatusRejected}, err
	}

	// 4. Size pre-check, before the message can reach history or the wire.
	if size := msg.WireSize(); size > r.config.MaxMessageSize {
		err := domain.NewRouteError("Router.Route", domain.ErrMessageTooLarge,
			fmt.Sprintf("%d bytes, limit %d", size, r.config.MaxMessageSize))
		r.publishRejected(ctx, msg, err)
		tracer.RecordError(span, err)
		return Result{MessageID: msg.ID, Strategy: strategy, Status: StatusRejected}, err
	}

	// 5. Thread into its conversation. A protocol violation synthesizes
	// NOT-UNDERSTOOD back at the sender instead of delivering.
	outcome, err := r.conversations.StartOrContinue(ctx, msg)
	if err != nil {
		reply := r.synthesize(msg, domain.PerformativeNotUnderstood, err)
		r.publishRejected(ctx, msg, err)
		tracer.RecordError(span, err)
		r.logger.Info("message rejected",
			"message_id", msg.ID, "sender", msg.Sender, "code", string(domain.ErrorCodeOf(err)), "error", err)
		return Result{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Strategy:       strategy,
			Status:         StatusRejected,
			Reply:          reply,
		}, err
	}

	// 6. Fan out to every target and wait for all of them.
	perTarget := r.fanOut(ctx, msg, targets)

	// 7. Aggregate.
	result := Result{
		MessageID:      msg.ID,
		ConversationID: outcome.ConversationID,
		RoutedTo:       targetIDs(targets),
		Strategy:       strategy,
		PerTarget:      perTarget,
	}
	delivered := 0
	for i := range perTarget {
		if perTarget[i].State == domain.DeliveryDelivered {
			delivered++
		}
	}
	switch {
	case delivered == len(perTarget):
		result.Status = StatusDelivered
	case delivered > 0:
		result.Status = StatusPartial
	default:
		result.Status = StatusFailed
	}

	if result.Status == StatusFailed {
		cause := firstError(perTarget)
		if failErr := r.conversations.Fail(ctx, result.ConversationID, cause.Error()); failErr != nil {
			r.logger.Warn("could not mark conversation failed",
				"conversation_id", result.ConversationID, "error", failErr)
		}
		result.Reply = r.synthesize(msg, domain.PerformativeFailure, cause)
		r.publishRouted(ctx, msg, result)
		tracer.RecordError(span, cause)
		r.logger.Warn("message undeliverable",
			"message_id", msg.ID, "conversation_id", result.ConversationID,
			"targets", len(targets), "error", cause)
		return result, cause
	}

	// A lone target answering inline hands its reply straight back to the
	// caller. Broadcast replies stay in PerTarget.
	if len(perTarget) == 1 && perTarget[0].Response != nil {
		result.Reply = perTarget[0].Response
	}

	r.publishRouted(ctx, msg, result)
	tracer.SetOK(span)
	r.logger.Info("message routed",
		"message_id", msg.ID, "conversation_id", result.ConversationID,
		"status", string(result.Status), "strategy", string(result.Strategy),
		"targets", len(targets), "delivered", delivered)
	return result, nil
}

// resolveTargets builds the dispatch list. A named receiver bypasses
// capability resolution but must still be registered and routable.
func (r *Router) resolveTargets(ctx context.Context, msg *domain.Message) ([]domain.EndpointSnapshot, domain.Strategy, error) {
	if msg.Receiver != "" {
		snap, err := r.registry.Get(ctx, msg.Receiver)
		if err != nil {
			return nil, domain.StrategyDefault, err
		}
		if !snap.Health.Routable() {
			return nil, domain.StrategyDefault, domain.NewRouteError("Router.Route",
				domain.ErrEndpointUnavailable, msg.Receiver)
		}
		return []domain.EndpointSnapshot{snap}, domain.StrategyDefault, nil
	}

	snaps, strategy, err := r.registry.Resolve(ctx, msg.Capability, domain.StrategyDefault)
	if err != nil {
		return nil, strategy, err
	}
	if strategy != domain.StrategyBroadcast && len(snaps) > r.config.MaxFanout {
		snaps = snaps[:r.config.MaxFanout]
	}
	return snaps, strategy, nil
}

// checkSchemas validates the message content against each selected
// provider's declared schema for the capability. A schema that does not
// compile is skipped with a warning rather than blocking traffic.
func (r *Router) checkSchemas(msg *domain.Message, targets []domain.EndpointSnapshot) error {
	if msg.Capability == "" || len(msg.Content) == 0 {
		return nil
	}

	var payload any
	decoded := false
	for _, t := range targets {
		decl, ok := t.Declares(msg.Capability)
		if !ok || len(decl.Schema) == 0 {
			continue
		}
		schema, err := r.compiledSchema(decl.Schema)
		if err != nil {
			r.logger.Warn("capability schema does not compile, skipping check",
				"agent_id", t.ID, "capability", msg.Capability, "error", err)
			continue
		}
		if !decoded {
			if err := json.Unmarshal(msg.Content, &payload); err != nil {
				return domain.NewRouteError("Router.Route", domain.ErrMessageMalformed,
					"content is not valid JSON: "+err.Error())
			}
			decoded = true
		}
		if result := schema.Validate(payload); !result.IsValid() {
			return domain.NewRouteError("Router.Route", domain.ErrMessageMalformed,
				fmt.Sprintf("content rejected by %s schema for %q: %s", t.ID, msg.Capability, result.Error()))
		}
	}
	return nil
}

// compiledSchema returns the cached compilation of a raw schema, compiling
// on first use. Identical schema text shares one compilation across agents.
func (r *Router) compiledSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if s, ok := r.schemas[key]; ok {
		return s, nil
	}
	s, err := jsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return nil, err
	}
	r.schemas[key] = s
	return s, nil
}

// fanOut dispatches to every target concurrently and collects results in
// target order.
func (r *Router) fanOut(ctx context.Context, msg *domain.Message, targets []domain.EndpointSnapshot) []domain.DeliveryResult {
	results := make([]domain.DeliveryResult, len(targets))
	if len(targets) == 1 {
		results[0] = r.deliverer.Deliver(ctx, msg, targets[0], delivery.Policy{})
		return results
	}

	// A plain group, not WithContext: one target failing must not cancel
	// dispatches still in flight to its siblings.
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			results[i] = r.deliverer.Deliver(ctx, msg, target, delivery.Policy{})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// synthesize mints the router's own reply to the sender carrying the
// rejection or failure reason.
func (r *Router) synthesize(msg *domain.Message, p domain.Performative, cause error) *domain.Message {
	content, err := json.Marshal(map[string]string{
		"reason": cause.Error(),
		"code":   string(domain.ErrorCodeOf(cause)),
	})
	if err != nil {
		content = nil
	}
	return msg.Reply(r.config.SynthesizedSender, p, content)
}

func firstError(results []domain.DeliveryResult) error {
	for i := range results {
		if results[i].Err != nil {
			return results[i].Err
		}
	}
	return domain.ErrDeliveryFailed
}

func targetIDs(targets []domain.EndpointSnapshot) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	return ids
}

func (r *Router) publishRejected(ctx context.Context, msg *domain.Message, cause error) {
	r.publish(ctx, domain.Event{
		Type:           domain.EventMessageRejected,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	}, map[string]string{
		"sender": msg.Sender,
		"code":   string(domain.ErrorCodeOf(cause)),
		"reason": cause.Error(),
	})
}

func (r *Router) publishRouted(ctx context.Context, msg *domain.Message, result Result) {
	r.publish(ctx, domain.Event{
		Type:           domain.EventMessageRouted,
		MessageID:      msg.ID,
		ConversationID: result.ConversationID,
	}, map[string]string{
		"sender":   msg.Sender,
		"status":   string(result.Status),
		"strategy": string(result.Strategy),
		"targets":  strings.Join(result.RoutedTo, ","),
	})
}

func (r *Router) publish(ctx context.Context, event domain.Event, detail map[string]string) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(detail)
	if err != nil {
		r.logger.Error("failed to marshal event payload", "event", string(event.Type), "error", err)
		return
	}
	event.Timestamp = time.Now()
	event.Payload = data
	r.bus.Publish(ctx, event)
}
