package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"agentrelay/internal/domain"
)

// Handler is the in-process agent contract: receive a message, optionally
// answer it inline.
type Handler func(ctx context.Context, msg *domain.Message) (*domain.Message, error)

// InProcInvoker dispatches to handler funcs living in the same process.
// The agent SDK harness binds its agents here.
type InProcInvoker struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewInProcInvoker creates an invoker with no bound handlers.
func NewInProcInvoker(logger *slog.Logger) *InProcInvoker {
	return &InProcInvoker{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Bind attaches a handler for the given agent id, replacing any previous one.
func (i *InProcInvoker) Bind(agentID string, h Handler) {
	i.mu.Lock()
	i.handlers[agentID] = h
	i.mu.Unlock()
}

// Unbind removes the handler for the given agent id.
func (i *InProcInvoker) Unbind(agentID string) {
	i.mu.Lock()
	delete(i.handlers, agentID)
	i.mu.Unlock()
}

// Invoke calls the handler bound to the endpoint's agent id.
func (i *InProcInvoker) Invoke(ctx context.Context, ep domain.EndpointSnapshot, msg *domain.Message) (*domain.Message, error) {
	i.mu.RLock()
	h, ok := i.handlers[ep.ID]
	i.mu.RUnlock()
	if !ok {
		return nil, domain.NewRouteError("InProcInvoker.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("no handler bound for agent %q", ep.ID))
	}

	reply, err := h(ctx, msg)
	if err != nil {
		return nil, domain.NewRouteError("InProcInvoker.Invoke", domain.ErrDeliveryFailed,
			fmt.Sprintf("agent %s: %v", ep.ID, err))
	}
	i.logger.Debug("inproc invocation complete", "agent", ep.ID, "message_id", msg.ID)
	return reply, nil
}
