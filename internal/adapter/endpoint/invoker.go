// Package endpoint contains the outbound transport adapters. An Invoker
// hands one message to an agent endpoint and returns the agent's inline
// reply, if it produced one. The delivery engine owns retries, breakers
// and rate limits; invokers only move bytes.
package endpoint

import (
	"context"
	"fmt"

	"agentrelay/internal/domain"
)

// Transport names accepted in endpoint declarations.
const (
	TransportInProc    = "inproc"
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
	TransportGRPC      = "grpc"
)

// Mux selects a domain.Invoker by the endpoint's declared transport. An
// empty transport resolves to inproc.
type Mux struct {
	invokers map[string]domain.Invoker
}

// NewMux creates an empty transport mux.
func NewMux() *Mux {
	return &Mux{invokers: make(map[string]domain.Invoker)}
}

// Register binds a transport name to an invoker. Register everything during
// wiring; the map is not guarded against concurrent mutation.
func (m *Mux) Register(transport string, inv domain.Invoker) {
	m.invokers[transport] = inv
}

// Invoke dispatches through the invoker registered for the endpoint's
// transport.
func (m *Mux) Invoke(ctx context.Context, ep domain.EndpointSnapshot, msg *domain.Message) (*domain.Message, error) {
	transport := ep.Transport
	if transport == "" {
		transport = TransportInProc
	}
	inv, ok := m.invokers[transport]
	if !ok {
		return nil, domain.NewRouteError("Mux.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("no invoker registered for transport %q", transport))
	}
	return inv.Invoke(ctx, ep, msg)
}

// Compile-time interface checks.
var (
	_ domain.Invoker = (*Mux)(nil)
	_ domain.Invoker = (*InProcInvoker)(nil)
	_ domain.Invoker = (*HTTPInvoker)(nil)
	_ domain.Invoker = (*WSInvoker)(nil)
	_ domain.Invoker = (*NoopInvoker)(nil)
)
