package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentrelay/internal/domain"
)

// wsAck is the frame an agent sends back after each delivery. Reply carries
// the agent's inline answer when it has one.
type wsAck struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Reply *domain.Message `json:"reply,omitempty"`
}

// wsConn is one cached connection. Its mutex serializes request/ack
// exchanges so frames from concurrent deliveries never interleave.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// WSInvoker delivers messages over persistent WebSocket connections, one
// per address, dialed lazily and reused across invocations.
type WSInvoker struct {
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
	conns   map[string]*wsConn
}

// NewWSInvoker creates a WebSocket invoker. timeout bounds the dial and
// each write/read when the caller's context carries no deadline.
func NewWSInvoker(timeout time.Duration, logger *slog.Logger) *WSInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WSInvoker{
		timeout: timeout,
		logger:  logger,
		conns:   make(map[string]*wsConn),
	}
}

// getConn returns a cached connection or dials a new one.
func (w *WSInvoker) getConn(ctx context.Context, address string) (*wsConn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.conns[address]; ok {
		return c, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, address, nil)
	if err != nil {
		return nil, domain.NewRouteError("WSInvoker.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("dial %s: %v", address, err))
	}

	c := &wsConn{conn: conn}
	w.conns[address] = c
	return c, nil
}

// drop removes a cached connection after a failed exchange so the next
// invocation redials.
func (w *WSInvoker) drop(address string, c *wsConn) {
	w.mu.Lock()
	if w.conns[address] == c {
		delete(w.conns, address)
		c.conn.Close(websocket.StatusInternalError, "exchange failed")
	}
	w.mu.Unlock()
}

// Invoke writes the message and waits for the agent's ack frame.
func (w *WSInvoker) Invoke(ctx context.Context, ep domain.EndpointSnapshot, msg *domain.Message) (*domain.Message, error) {
	if ep.Address == "" {
		return nil, domain.NewRouteError("WSInvoker.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("endpoint %s has no address", ep.ID))
	}

	c, err := w.getConn(ctx, ep.Address)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wsjson.Write(callCtx, c.conn, msg); err != nil {
		w.drop(ep.Address, c)
		return nil, domain.NewRouteError("WSInvoker.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("write to %s: %v", ep.ID, err))
	}

	var ack wsAck
	if err := wsjson.Read(callCtx, c.conn, &ack); err != nil {
		w.drop(ep.Address, c)
		return nil, domain.NewRouteError("WSInvoker.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("read ack from %s: %v", ep.ID, err))
	}

	if !ack.OK {
		return nil, domain.NewRouteError("WSInvoker.Invoke", domain.ErrDeliveryFailed,
			fmt.Sprintf("agent %s: %s", ep.ID, ack.Error))
	}
	w.logger.Debug("websocket invocation complete", "agent", ep.ID, "message_id", msg.ID)
	return ack.Reply, nil
}

// Close closes all cached connections.
func (w *WSInvoker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for addr, c := range w.conns {
		c.conn.Close(websocket.StatusNormalClosure, "")
		delete(w.conns, addr)
	}
}
