//go:build grpc_endpoint

package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pb "agentrelay/internal/adapter/endpoint/proto"
	"agentrelay/internal/domain"
)

// GRPCInvoker delivers messages to remote agents via gRPC.
// Connections are cached per address and reused across invocations.
type GRPCInvoker struct {
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
}

// NewGRPCInvoker creates a new GRPCInvoker.
func NewGRPCInvoker(timeout time.Duration, logger *slog.Logger) *GRPCInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GRPCInvoker{
		timeout: timeout,
		logger:  logger,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// getConn returns a cached connection or creates a new one.
func (g *GRPCInvoker) getConn(address string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if conn, ok := g.conns[address]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, domain.NewRouteError("GRPCInvoker.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("grpc connect %s: %v", address, err))
	}
	g.conns[address] = conn
	return conn, nil
}

// Invoke calls the Deliver RPC on the agent at the endpoint's address,
// reusing cached connections.
func (g *GRPCInvoker) Invoke(ctx context.Context, ep domain.EndpointSnapshot, msg *domain.Message) (*domain.Message, error) {
	if ep.Address == "" {
		return nil, domain.NewRouteError("GRPCInvoker.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("endpoint %s has no address", ep.ID))
	}

	conn, err := g.getConn(ep.Address)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	client := pb.NewAgentServiceClient(conn)
	resp, err := client.Deliver(callCtx, &pb.DeliverRequest{Message: payload})
	if err != nil {
		// On connection error, remove the cached connection so next call redials.
		g.mu.Lock()
		if g.conns[ep.Address] == conn {
			delete(g.conns, ep.Address)
			_ = conn.Close()
		}
		g.mu.Unlock()
		return nil, domain.NewRouteError("GRPCInvoker.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("grpc deliver to %s: %v", ep.ID, err))
	}

	if resp.Error != "" {
		return nil, domain.NewRouteError("GRPCInvoker.Invoke", domain.ErrDeliveryFailed,
			fmt.Sprintf("agent %s: %s", ep.ID, resp.Error))
	}

	g.logger.Debug("grpc invocation complete", "agent", ep.ID, "message_id", msg.ID)

	if len(resp.Reply) == 0 {
		return nil, nil
	}
	var reply domain.Message
	if err := json.Unmarshal(resp.Reply, &reply); err != nil {
		return nil, domain.NewRouteError("GRPCInvoker.Invoke", domain.ErrDeliveryFailed,
			fmt.Sprintf("undecodable reply from %s: %v", ep.ID, err))
	}
	return &reply, nil
}

// Close closes all cached connections.
func (g *GRPCInvoker) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for addr, conn := range g.conns {
		_ = conn.Close()
		delete(g.conns, addr)
	}
}

var _ domain.Invoker = (*GRPCInvoker)(nil)
