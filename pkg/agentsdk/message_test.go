package agentsdk

import (
	"context"
	"encoding/json"
	"testing"

	"agentrelay/internal/domain"
	"agentrelay/internal/usecase/conversation"
)

func TestRequestShape(t *testing.T) {
	m, err := Request("client-1", "data-analysis", map[string]string{"text": "analyze this"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Performative != domain.PerformativeRequest {
		t.Errorf("performative = %q", m.Performative)
	}
	if m.Sender != "client-1" || m.Capability != "data-analysis" {
		t.Errorf("addressing = %q -> %q", m.Sender, m.Capability)
	}
	if m.ID == "" || m.ReplyWith == "" || m.ID == m.ReplyWith {
		t.Errorf("minted ids: id=%q reply_with=%q", m.ID, m.ReplyWith)
	}
	if m.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	var content map[string]string
	if err := json.Unmarshal(m.Content, &content); err != nil || content["text"] != "analyze this" {
		t.Errorf("content = %s (%v)", m.Content, err)
	}
}

func TestInformExpectsNoReply(t *testing.T) {
	m, err := Inform("sensor-1", "telemetry", map[string]int{"temp": 21})
	if err != nil {
		t.Fatalf("Inform: %v", err)
	}
	if m.ReplyWith != "" {
		t.Errorf("reply_with = %q, want none", m.ReplyWith)
	}

	m2, _ := Inform("sensor-1", "telemetry", nil, ExpectReply())
	if m2.ReplyWith == "" {
		t.Error("ExpectReply should mint a token")
	}
}

func TestNoReplyStripsToken(t *testing.T) {
	m, _ := Request("client-1", "data-analysis", nil, NoReply())
	if m.ReplyWith != "" {
		t.Errorf("reply_with = %q, want none", m.ReplyWith)
	}
}

func TestToAddressesAgentDirectly(t *testing.T) {
	m, _ := Request("client-1", "data-analysis", nil, To("analyzer-1"))
	if m.Receiver != "analyzer-1" || m.Capability != "" {
		t.Errorf("addressing = receiver %q capability %q", m.Receiver, m.Capability)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestInConversation(t *testing.T) {
	m, _ := Inform("client-1", "telemetry", nil, InConversation("conv-7"))
	if m.ConversationID != "conv-7" {
		t.Errorf("conversation_id = %q", m.ConversationID)
	}
}

func TestRawContentPassesThrough(t *testing.T) {
	raw := json.RawMessage(`{"already":"encoded"}`)
	m, _ := Request("client-1", "data-analysis", raw)
	if string(m.Content) != `{"already":"encoded"}` {
		t.Errorf("content = %s", m.Content)
	}

	m2, _ := Request("client-1", "data-analysis", nil)
	if m2.Content != nil {
		t.Errorf("nil content marshalled to %s", m2.Content)
	}
}

func TestUnmarshalableContentFails(t *testing.T) {
	if _, err := Request("client-1", "data-analysis", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestReplyThreading(t *testing.T) {
	req, _ := Request("client-1", "data-analysis", nil, InConversation("conv-1"))
	agree, err := Agree("analyzer-1", req, nil)
	if err != nil {
		t.Fatalf("Agree: %v", err)
	}
	if agree.Receiver != "client-1" {
		t.Errorf("receiver = %q", agree.Receiver)
	}
	if agree.InReplyTo != req.ReplyWith {
		t.Errorf("in_reply_to = %q, want %q", agree.InReplyTo, req.ReplyWith)
	}
	if agree.ConversationID != "conv-1" {
		t.Errorf("conversation_id = %q", agree.ConversationID)
	}
	if agree.ReplyWith != "" {
		t.Error("agree should not open its own token")
	}

	prop, _ := Propose("negotiator-1", "contract-bid", nil)
	accept, err := Accept("client-2", prop, nil)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accept.InReplyTo != prop.ReplyWith {
		t.Errorf("in_reply_to = %q, want %q", accept.InReplyTo, prop.ReplyWith)
	}
	if accept.ReplyWith == "" {
		t.Error("acceptance must open its own token")
	}
}

func TestReplyToSilentMessageFails(t *testing.T) {
	note, _ := Inform("sensor-1", "telemetry", nil)
	if _, err := Done("hub-1", note, nil); err == nil {
		t.Fatal("expected error replying to a message without reply_with")
	}
}

func TestBuiltRequestFlowIsProtocolLegal(t *testing.T) {
	convs := conversation.NewManager(nil, conversation.Config{}, testLogger())
	ctx := context.Background()

	req, err := Request("client-1", "data-analysis", map[string]string{"text": "go"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	out, err := convs.StartOrContinue(ctx, req)
	if err != nil {
		t.Fatalf("request append: %v", err)
	}
	if !out.Created {
		t.Fatal("expected a new conversation")
	}

	agree, err := Agree("analyzer-1", req, nil)
	if err != nil {
		t.Fatalf("Agree: %v", err)
	}
	if _, err := convs.StartOrContinue(ctx, agree); err != nil {
		t.Fatalf("agree append: %v", err)
	}

	done, err := Done("analyzer-1", req, map[string]string{"verdict": "ok"})
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	out, err = convs.StartOrContinue(ctx, done)
	if err != nil {
		t.Fatalf("done append: %v", err)
	}
	if !out.Closed || out.State != domain.ConversationCompleted {
		t.Errorf("outcome = %+v, want completed close", out)
	}
}

func TestBuiltProposalFlowIsProtocolLegal(t *testing.T) {
	convs := conversation.NewManager(nil, conversation.Config{}, testLogger())
	ctx := context.Background()

	prop, err := Propose("negotiator-1", "contract-bid", map[string]int{"price": 100})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := convs.StartOrContinue(ctx, prop); err != nil {
		t.Fatalf("propose append: %v", err)
	}

	accept, err := Accept("client-2", prop, nil)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := convs.StartOrContinue(ctx, accept); err != nil {
		t.Fatalf("accept append: %v", err)
	}

	// The accepted flow completes through the acceptance's own token.
	fin, err := Done("negotiator-1", accept, nil)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	out, err := convs.StartOrContinue(ctx, fin)
	if err != nil {
		t.Fatalf("done append: %v", err)
	}
	if !out.Closed || out.State != domain.ConversationCompleted {
		t.Errorf("outcome = %+v, want completed close", out)
	}
}
