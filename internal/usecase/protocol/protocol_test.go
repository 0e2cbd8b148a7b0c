package protocol

import (
	"errors"
	"testing"

	"agentrelay/internal/domain"
)

func emptyView() ConversationView {
	return ConversationView{
		ID:           "c1",
		State:        domain.ConversationCreated,
		Seen:         map[string]struct{}{},
		Expectations: map[string]domain.ReplyExpectation{},
	}
}

// openView returns an active conversation with one open expectation under
// replyWith, as if an initiator with that performative was already appended.
func openView(origin domain.Performative, replyWith string) ConversationView {
	v := emptyView()
	v.State = domain.ConversationActive
	v.Seen["m0"] = struct{}{}
	v.Expectations[replyWith] = domain.ReplyExpectation{Origin: origin, Expected: Replies(origin)}
	return v
}

func testMsg(id string, p domain.Performative) *domain.Message {
	return &domain.Message{
		ID:           id,
		Performative: p,
		Sender:       "agent-a",
		Receiver:     "agent-b",
	}
}

func TestFirstMessageMustBeInitiator(t *testing.T) {
	initiators := []domain.Performative{
		domain.PerformativeRequest,
		domain.PerformativeQuery,
		domain.PerformativeInform,
		domain.PerformativePropose,
	}
	for _, p := range initiators {
		t.Run(string(p), func(t *testing.T) {
			verdict, err := Validate(testMsg("m1", p), emptyView())
			if err != nil {
				t.Fatalf("Validate(%s): %v", p, err)
			}
			if verdict.NextState != domain.ConversationActive {
				t.Errorf("next state = %q, want active", verdict.NextState)
			}
		})
	}

	repliesOnly := []domain.Performative{
		domain.PerformativeAgree,
		domain.PerformativeRefuse,
		domain.PerformativeInformDone,
		domain.PerformativeFailure,
		domain.PerformativeNotUnderstood,
		domain.PerformativeAcceptProposal,
		domain.PerformativeRejectProposal,
	}
	for _, p := range repliesOnly {
		t.Run(string(p), func(t *testing.T) {
			_, err := Validate(testMsg("m1", p), emptyView())
			if !errors.Is(err, domain.ErrProtocolViolation) {
				t.Errorf("expected ErrProtocolViolation, got: %v", err)
			}
		})
	}
}

func TestTerminalConversationRejectsAll(t *testing.T) {
	for _, state := range []domain.ConversationState{
		domain.ConversationCompleted,
		domain.ConversationTimedOut,
		domain.ConversationFailed,
	} {
		t.Run(string(state), func(t *testing.T) {
			v := emptyView()
			v.State = state
			_, err := Validate(testMsg("m1", domain.PerformativeRequest), v)
			if !errors.Is(err, domain.ErrConversationClosed) {
				t.Errorf("expected ErrConversationClosed, got: %v", err)
			}
			// Closed conversations are a protocol violation subtype.
			if !errors.Is(err, domain.ErrProtocolViolation) {
				t.Errorf("ErrConversationClosed should wrap ErrProtocolViolation: %v", err)
			}
		})
	}
}

func TestDuplicateMessageID(t *testing.T) {
	v := emptyView()
	v.Seen["m1"] = struct{}{}
	_, err := Validate(testMsg("m1", domain.PerformativeRequest), v)
	if !errors.Is(err, domain.ErrDuplicateMessage) {
		t.Errorf("expected ErrDuplicateMessage, got: %v", err)
	}
}

func TestReplyToUnknownToken(t *testing.T) {
	m := testMsg("m1", domain.PerformativeInform)
	m.InReplyTo = "never-issued"
	_, err := Validate(m, openView(domain.PerformativeQuery, "q1"))
	if !errors.Is(err, domain.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got: %v", err)
	}
}

func TestReplyTables(t *testing.T) {
	tests := []struct {
		origin domain.Performative
		reply  domain.Performative
		legal  bool
	}{
		{domain.PerformativeRequest, domain.PerformativeAgree, true},
		{domain.PerformativeRequest, domain.PerformativeRefuse, true},
		{domain.PerformativeRequest, domain.PerformativeInformDone, true},
		{domain.PerformativeRequest, domain.PerformativeFailure, true},
		{domain.PerformativeRequest, domain.PerformativeNotUnderstood, true},
		{domain.PerformativeRequest, domain.PerformativeInform, false},
		{domain.PerformativeRequest, domain.PerformativeAcceptProposal, false},

		{domain.PerformativeQuery, domain.PerformativeInform, true},
		{domain.PerformativeQuery, domain.PerformativeFailure, true},
		{domain.PerformativeQuery, domain.PerformativeNotUnderstood, true},
		{domain.PerformativeQuery, domain.PerformativeAgree, false},
		{domain.PerformativeQuery, domain.PerformativeInformDone, false},

		{domain.PerformativePropose, domain.PerformativeAcceptProposal, true},
		{domain.PerformativePropose, domain.PerformativeRejectProposal, true},
		{domain.PerformativePropose, domain.PerformativeInform, false},
		{domain.PerformativePropose, domain.PerformativeRefuse, false},

		{domain.PerformativeInform, domain.PerformativeInform, true},
		{domain.PerformativeInform, domain.PerformativeFailure, true},
		{domain.PerformativeInform, domain.PerformativeNotUnderstood, true},
		{domain.PerformativeInform, domain.PerformativeAgree, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.origin)+"_"+string(tt.reply), func(t *testing.T) {
			m := testMsg("m1", tt.reply)
			m.InReplyTo = "rw1"
			_, err := Validate(m, openView(tt.origin, "rw1"))
			if tt.legal && err != nil {
				t.Errorf("expected legal reply, got: %v", err)
			}
			if !tt.legal && !errors.Is(err, domain.ErrProtocolViolation) {
				t.Errorf("expected ErrProtocolViolation, got: %v", err)
			}
		})
	}
}

func TestTerminalReplyClosesExpectation(t *testing.T) {
	m := testMsg("m1", domain.PerformativeInform)
	m.InReplyTo = "q1"

	verdict, err := Validate(m, openView(domain.PerformativeQuery, "q1"))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if verdict.Answers == nil || !verdict.Answers.Terminal || verdict.Answers.ReplyWith != "q1" {
		t.Fatalf("Answers = %+v, want terminal answer for q1", verdict.Answers)
	}
	// INFORM answers the query terminally but leaves the conversation open.
	if verdict.Closes {
		t.Error("INFORM reply must not close the conversation")
	}
	if verdict.NextState != domain.ConversationActive {
		t.Errorf("next state = %q, want active", verdict.NextState)
	}
}

func TestSecondReplyToAnsweredTokenRejected(t *testing.T) {
	v := openView(domain.PerformativeQuery, "q1")
	exp := v.Expectations["q1"]
	exp.Answered = true
	v.Expectations["q1"] = exp

	m := testMsg("m2", domain.PerformativeInform)
	m.InReplyTo = "q1"
	_, err := Validate(m, v)
	if !errors.Is(err, domain.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got: %v", err)
	}
}

func TestClosingReplies(t *testing.T) {
	tests := []struct {
		origin domain.Performative
		reply  domain.Performative
		closes bool
	}{
		{domain.PerformativeRequest, domain.PerformativeInformDone, true},
		{domain.PerformativeRequest, domain.PerformativeFailure, true},
		{domain.PerformativeRequest, domain.PerformativeNotUnderstood, true},
		{domain.PerformativeRequest, domain.PerformativeRefuse, false},
		{domain.PerformativeRequest, domain.PerformativeAgree, false},
		{domain.PerformativePropose, domain.PerformativeRejectProposal, true},
		{domain.PerformativePropose, domain.PerformativeAcceptProposal, false},
		{domain.PerformativeQuery, domain.PerformativeInform, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.reply), func(t *testing.T) {
			m := testMsg("m1", tt.reply)
			m.InReplyTo = "rw1"
			verdict, err := Validate(m, openView(tt.origin, "rw1"))
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if verdict.Closes != tt.closes {
				t.Errorf("Closes = %v, want %v", verdict.Closes, tt.closes)
			}
			wantState := domain.ConversationActive
			if tt.closes {
				wantState = domain.ConversationCompleted
			}
			if verdict.NextState != wantState {
				t.Errorf("next state = %q, want %q", verdict.NextState, wantState)
			}
		})
	}
}

func TestAgreeNarrowsThenRefuseIllegal(t *testing.T) {
	m := testMsg("m1", domain.PerformativeAgree)
	m.InReplyTo = "r1"

	verdict, err := Validate(m, openView(domain.PerformativeRequest, "r1"))
	if err != nil {
		t.Fatalf("Validate(agree): %v", err)
	}
	if verdict.Answers == nil || verdict.Answers.Terminal {
		t.Fatalf("AGREE must answer non-terminally, got %+v", verdict.Answers)
	}

	// Apply the narrowing the way the conversation manager would.
	v := openView(domain.PerformativeRequest, "r1")
	exp := v.Expectations["r1"]
	exp.Expected = verdict.Answers.Remaining
	v.Expectations["r1"] = exp

	late := testMsg("m2", domain.PerformativeRefuse)
	late.InReplyTo = "r1"
	if _, err := Validate(late, v); !errors.Is(err, domain.ErrProtocolViolation) {
		t.Errorf("REFUSE after AGREE should be rejected, got: %v", err)
	}

	done := testMsg("m3", domain.PerformativeInformDone)
	done.InReplyTo = "r1"
	doneVerdict, err := Validate(done, v)
	if err != nil {
		t.Fatalf("Validate(inform-done after agree): %v", err)
	}
	if !doneVerdict.Closes {
		t.Error("INFORM-DONE after AGREE should close the conversation")
	}
}

func TestInitiatorOpensExpectation(t *testing.T) {
	m := testMsg("m1", domain.PerformativeRequest)
	m.ReplyWith = "r1"

	verdict, err := Validate(m, emptyView())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if verdict.Opens == nil {
		t.Fatal("REQUEST with reply_with should open an expectation")
	}
	if verdict.Opens.Origin != domain.PerformativeRequest {
		t.Errorf("origin = %q, want request", verdict.Opens.Origin)
	}
	if len(verdict.Opens.Expected) != 5 {
		t.Errorf("expected set size = %d, want 5", len(verdict.Opens.Expected))
	}
}

func TestNoReplyWithOpensNothing(t *testing.T) {
	verdict, err := Validate(testMsg("m1", domain.PerformativeInform), emptyView())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if verdict.Opens != nil {
		t.Errorf("Opens = %+v, want nil without reply_with", verdict.Opens)
	}
}

func TestReplyWithOnNonOpeningPerformativeIgnored(t *testing.T) {
	// REFUSE never opens an expectation even when it carries a reply_with.
	m := testMsg("m1", domain.PerformativeRefuse)
	m.InReplyTo = "r1"
	m.ReplyWith = "stray"

	verdict, err := Validate(m, openView(domain.PerformativeRequest, "r1"))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if verdict.Opens != nil {
		t.Errorf("Opens = %+v, want nil for refuse", verdict.Opens)
	}
}

func TestClosingReplyNeverOpens(t *testing.T) {
	m := testMsg("m1", domain.PerformativeInformDone)
	m.InReplyTo = "r1"
	m.ReplyWith = "stray"

	verdict, err := Validate(m, openView(domain.PerformativeRequest, "r1"))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !verdict.Closes {
		t.Fatal("inform-done should close")
	}
	if verdict.Opens != nil {
		t.Errorf("Opens = %+v, want nil on a closing reply", verdict.Opens)
	}
}

func TestReplyWithCollisionRejected(t *testing.T) {
	v := openView(domain.PerformativeQuery, "q1")
	m := testMsg("m1", domain.PerformativeQuery)
	m.ReplyWith = "q1"
	if _, err := Validate(m, v); !errors.Is(err, domain.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation for reused reply_with, got: %v", err)
	}
}

// TestProposeAcceptFlow walks the whole negotiation: PROPOSE opens, ACCEPT
// answers it and opens its own continuation, INFORM-DONE closes.
func TestProposeAcceptFlow(t *testing.T) {
	v := emptyView()

	propose := testMsg("m1", domain.PerformativePropose)
	propose.ReplyWith = "p1"
	verdict, err := Validate(propose, v)
	if err != nil {
		t.Fatalf("Validate(propose): %v", err)
	}
	v.State = verdict.NextState
	v.Seen["m1"] = struct{}{}
	v.Expectations["p1"] = *verdict.Opens

	accept := testMsg("m2", domain.PerformativeAcceptProposal)
	accept.InReplyTo = "p1"
	accept.ReplyWith = "a1"
	verdict, err = Validate(accept, v)
	if err != nil {
		t.Fatalf("Validate(accept): %v", err)
	}
	if verdict.Closes {
		t.Fatal("ACCEPT-PROPOSAL must not close the conversation")
	}
	if verdict.Answers == nil || !verdict.Answers.Terminal {
		t.Fatalf("ACCEPT-PROPOSAL should terminally answer the propose, got %+v", verdict.Answers)
	}
	if verdict.Opens == nil || verdict.Opens.Origin != domain.PerformativeAcceptProposal {
		t.Fatalf("ACCEPT-PROPOSAL should open its continuation, got %+v", verdict.Opens)
	}
	v.Seen["m2"] = struct{}{}
	exp := v.Expectations["p1"]
	exp.Answered = true
	v.Expectations["p1"] = exp
	v.Expectations["a1"] = *verdict.Opens

	done := testMsg("m3", domain.PerformativeInformDone)
	done.InReplyTo = "a1"
	verdict, err = Validate(done, v)
	if err != nil {
		t.Fatalf("Validate(inform-done): %v", err)
	}
	if !verdict.Closes || verdict.NextState != domain.ConversationCompleted {
		t.Errorf("final verdict = %+v, want close to completed", verdict)
	}
}

func TestRepliesReturnsCopy(t *testing.T) {
	a := Replies(domain.PerformativeRequest)
	if len(a) == 0 {
		t.Fatal("request should have replies")
	}
	a[0] = domain.PerformativeRejectProposal
	b := Replies(domain.PerformativeRequest)
	if b[0] == domain.PerformativeRejectProposal {
		t.Error("Replies must return a copy, not the shared table")
	}
	if Replies(domain.PerformativeRefuse) != nil {
		t.Error("refuse should have no reply table entry")
	}
}
