// Package agentsdk provides helpers for building agents that attach to the
// relay in-process: constructors for well-formed speech-act messages and an
// Agent harness that dispatches incoming messages to capability handlers.
//
// Example:
//
//	analyzer := agentsdk.New("analyzer-1")
//	analyzer.Provide(agentsdk.CapabilityDecl{Name: "data-analysis", Specificity: 5},
//	    func(ctx context.Context, msg *agentsdk.Message) (*agentsdk.Message, error) {
//	        return agentsdk.Done(analyzer.ID(), msg, map[string]string{"verdict": "ok"})
//	    },
//	)
//	reg := analyzer.Attach(invoker)
//	_ = registry.Register(ctx, reg)
package agentsdk

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"agentrelay/internal/adapter/endpoint"
	"agentrelay/internal/domain"
)

// Message and CapabilityDecl alias the relay's domain types so embedding code
// can name them without importing internal packages.
type (
	Message        = domain.Message
	CapabilityDecl = domain.CapabilityDecl
)

// Handler processes one incoming message and may answer it inline. A nil
// reply with a nil error acknowledges the message without answering.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// Agent is an in-process agent: a set of capability handlers behind a single
// relay endpoint id. It satisfies the in-process invoker's handler contract
// through HandleMessage.
type Agent struct {
	id     string
	logger *slog.Logger

	mu       sync.RWMutex
	decls    []domain.CapabilityDecl
	handlers map[string]Handler
	fallback Handler
}

// New creates an agent with the given endpoint id.
func New(id string, opts ...Option) *Agent {
	a := &Agent{
		id:       id,
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent's endpoint id.
func (a *Agent) ID() string { return a.id }

// Provide declares a capability and attaches its handler. Redeclaring a name
// replaces the previous declaration and handler.
func (a *Agent) Provide(decl CapabilityDecl, h Handler) {
	a.mu.Lock()
	if i := slices.IndexFunc(a.decls, func(d domain.CapabilityDecl) bool { return d.Name == decl.Name }); i >= 0 {
		a.decls[i] = decl
	} else {
		a.decls = append(a.decls, decl)
	}
	a.handlers[decl.Name] = h
	a.mu.Unlock()
	a.logger.Debug("capability provided", "agent", a.id, "capability", decl.Name)
}

// Capabilities returns the agent's declarations in the order they were
// provided.
func (a *Agent) Capabilities() []CapabilityDecl {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.decls)
}

// HandleMessage dispatches msg to the handler for its capability. Messages
// naming no capability, or one the agent does not provide, go to the fallback
// handler; replies addressed straight back at the agent land there.
func (a *Agent) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	a.mu.RLock()
	h, ok := a.handlers[msg.Capability]
	fallback := a.fallback
	a.mu.RUnlock()

	if !ok {
		if fallback == nil {
			return nil, fmt.Errorf("agent %s: no handler for capability %q", a.id, msg.Capability)
		}
		h = fallback
	}
	return h(ctx, msg)
}

// Registration builds the declaration for registering the agent with the
// relay over the in-process transport.
func (a *Agent) Registration() domain.Registration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return domain.Registration{
		ID:           a.id,
		Capabilities: slices.Clone(a.decls),
		Transport:    endpoint.TransportInProc,
	}
}

// Attach binds the agent into the invoker and returns its registration for
// the registry.
func (a *Agent) Attach(inv *endpoint.InProcInvoker) domain.Registration {
	inv.Bind(a.id, a.HandleMessage)
	return a.Registration()
}

// Detach removes the agent's binding from the invoker.
func (a *Agent) Detach(inv *endpoint.InProcInvoker) {
	inv.Unbind(a.id)
}
