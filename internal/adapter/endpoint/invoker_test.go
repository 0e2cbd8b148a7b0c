package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"agentrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snap(id, transport, address string) domain.EndpointSnapshot {
	return domain.EndpointSnapshot{
		ID:        id,
		Transport: transport,
		Address:   address,
	}
}

func testMsg(id string) *domain.Message {
	return &domain.Message{
		ID:           id,
		Performative: domain.PerformativeRequest,
		Sender:       "agent-a",
		Receiver:     "agent-b",
		ReplyWith:    "r1",
		Content:      json.RawMessage(`{"op":"ping"}`),
		Timestamp:    time.Now(),
	}
}

func TestMuxUnknownTransport(t *testing.T) {
	m := NewMux()
	_, err := m.Invoke(context.Background(), snap("a1", "carrier-pigeon", ""), testMsg("m1"))
	if !errors.Is(err, domain.ErrEndpointUnavailable) {
		t.Errorf("expected ErrEndpointUnavailable, got: %v", err)
	}
}

func TestMuxEmptyTransportDefaultsToInProc(t *testing.T) {
	inproc := NewInProcInvoker(testLogger())
	inproc.Bind("a1", func(_ context.Context, msg *domain.Message) (*domain.Message, error) {
		return msg.Reply("a1", domain.PerformativeInform, json.RawMessage(`{"pong":true}`)), nil
	})

	m := NewMux()
	m.Register(TransportInProc, inproc)

	reply, err := m.Invoke(context.Background(), snap("a1", "", ""), testMsg("m1"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if reply == nil || reply.Performative != domain.PerformativeInform {
		t.Errorf("reply = %+v, want inform", reply)
	}
}

func TestInProcInvokeReply(t *testing.T) {
	inv := NewInProcInvoker(testLogger())
	inv.Bind("a1", func(_ context.Context, msg *domain.Message) (*domain.Message, error) {
		return msg.Reply("a1", domain.PerformativeAgree, nil), nil
	})

	reply, err := inv.Invoke(context.Background(), snap("a1", TransportInProc, ""), testMsg("m1"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if reply.InReplyTo != "r1" {
		t.Errorf("reply threading = %q, want r1", reply.InReplyTo)
	}
	if reply.Receiver != "agent-a" {
		t.Errorf("reply receiver = %q, want agent-a", reply.Receiver)
	}
}

func TestInProcInvokeNoReply(t *testing.T) {
	inv := NewInProcInvoker(testLogger())
	inv.Bind("a1", func(_ context.Context, _ *domain.Message) (*domain.Message, error) {
		return nil, nil
	})

	reply, err := inv.Invoke(context.Background(), snap("a1", TransportInProc, ""), testMsg("m1"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if reply != nil {
		t.Errorf("expected no inline reply, got %+v", reply)
	}
}

func TestInProcHandlerError(t *testing.T) {
	inv := NewInProcInvoker(testLogger())
	inv.Bind("a1", func(_ context.Context, _ *domain.Message) (*domain.Message, error) {
		return nil, fmt.Errorf("agent exploded")
	})

	_, err := inv.Invoke(context.Background(), snap("a1", TransportInProc, ""), testMsg("m1"))
	if !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Errorf("expected ErrDeliveryFailed, got: %v", err)
	}
}

func TestInProcUnboundAgent(t *testing.T) {
	inv := NewInProcInvoker(testLogger())
	_, err := inv.Invoke(context.Background(), snap("ghost", TransportInProc, ""), testMsg("m1"))
	if !errors.Is(err, domain.ErrEndpointUnavailable) {
		t.Errorf("expected ErrEndpointUnavailable, got: %v", err)
	}
}

func TestInProcUnbind(t *testing.T) {
	inv := NewInProcInvoker(testLogger())
	inv.Bind("a1", func(_ context.Context, _ *domain.Message) (*domain.Message, error) {
		return nil, nil
	})
	inv.Unbind("a1")

	_, err := inv.Invoke(context.Background(), snap("a1", TransportInProc, ""), testMsg("m1"))
	if !errors.Is(err, domain.ErrEndpointUnavailable) {
		t.Errorf("expected ErrEndpointUnavailable after unbind, got: %v", err)
	}
}
