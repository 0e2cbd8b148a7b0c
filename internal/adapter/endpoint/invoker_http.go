package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"agentrelay/internal/domain"
	"agentrelay/internal/infra/config"
)

// Default connection pool settings sized for relay traffic: a modest set of
// agent hosts, bursts of concurrent deliveries, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second

	defaultConnTimeout = 10 * time.Second
	defaultRespTimeout = 30 * time.Second

	// maxReplyBytes bounds how much of an agent's HTTP response is read.
	maxReplyBytes = 1 << 20
)

// NewPooledTransport creates an http.Transport with connection pooling for
// endpoint delivery. Zero-valued config fields fall back to defaults.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// HTTPInvoker POSTs the message as JSON to the endpoint's address. A 200
// response body is decoded as the agent's inline reply; 202 and 204 mean
// the message was accepted without one.
type HTTPInvoker struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPInvoker creates an HTTP invoker with a pooled transport.
func NewHTTPInvoker(cfg config.EndpointsConfig, logger *slog.Logger) *HTTPInvoker {
	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	respTimeout := cfg.RespTimeout
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}
	return &HTTPInvoker{
		client: &http.Client{
			Transport: NewPooledTransport(connTimeout, respTimeout, cfg.Pool),
			Timeout:   connTimeout + respTimeout,
		},
		logger: logger,
	}
}

// Invoke implements Invoker over HTTP.
func (h *HTTPInvoker) Invoke(ctx context.Context, ep domain.EndpointSnapshot, msg *domain.Message) (*domain.Message, error) {
	if ep.Address == "" {
		return nil, domain.NewRouteError("HTTPInvoker.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("endpoint %s has no address", ep.ID))
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.Address, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", ep.Address, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, domain.NewRouteError("HTTPInvoker.Invoke", domain.ErrEndpointUnavailable,
			fmt.Sprintf("post to %s: %v", ep.Address, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fall through to reply decoding.
	case http.StatusAccepted, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, domain.NewRouteError("HTTPInvoker.Invoke", domain.ErrDeliveryFailed,
			fmt.Sprintf("agent %s returned %d: %s", ep.ID, resp.StatusCode, bytes.TrimSpace(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, domain.NewRouteError("HTTPInvoker.Invoke", domain.ErrDeliveryFailed,
			fmt.Sprintf("read reply from %s: %v", ep.ID, err))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var reply domain.Message
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, domain.NewRouteError("HTTPInvoker.Invoke", domain.ErrDeliveryFailed,
			fmt.Sprintf("undecodable reply from %s: %v", ep.ID, err))
	}
	h.logger.Debug("http invocation complete", "agent", ep.ID, "message_id", msg.ID)
	return &reply, nil
}
