package endpoint

import (
	"context"
	"fmt"

	"agentrelay/internal/domain"
)

// NoopInvoker is the placeholder bound to the grpc transport when gRPC
// support is not compiled in.
type NoopInvoker struct{}

// NewNoopInvoker creates a NoopInvoker.
func NewNoopInvoker() *NoopInvoker { return &NoopInvoker{} }

// Invoke always fails, pointing at the build tag that enables gRPC.
func (n *NoopInvoker) Invoke(_ context.Context, ep domain.EndpointSnapshot, _ *domain.Message) (*domain.Message, error) {
	return nil, fmt.Errorf("grpc delivery to %s unavailable: build with -tags grpc_endpoint to enable gRPC transport", ep.ID)
}
