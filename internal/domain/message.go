package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Performative is the speech-act tag carried by a message. It declares the
// sender's intent and constrains which performatives may legally answer it.
type Performative string

const (
	PerformativeRequest        Performative = "request"
	PerformativeQuery          Performative = "query"
	PerformativeInform         Performative = "inform"
	PerformativePropose        Performative = "propose"
	PerformativeAgree          Performative = "agree"
	PerformativeRefuse         Performative = "refuse"
	PerformativeInformDone     Performative = "inform-done"
	PerformativeFailure        Performative = "failure"
	PerformativeNotUnderstood  Performative = "not-understood"
	PerformativeAcceptProposal Performative = "accept-proposal"
	PerformativeRejectProposal Performative = "reject-proposal"
)

// knownPerformatives is the closed vocabulary accepted on the wire.
var knownPerformatives = map[Performative]struct{}{
	PerformativeRequest:        {},
	PerformativeQuery:          {},
	PerformativeInform:         {},
	PerformativePropose:        {},
	PerformativeAgree:          {},
	PerformativeRefuse:         {},
	PerformativeInformDone:     {},
	PerformativeFailure:        {},
	PerformativeNotUnderstood:  {},
	PerformativeAcceptProposal: {},
	PerformativeRejectProposal: {},
}

// Known reports whether p is part of the accepted vocabulary.
func (p Performative) Known() bool {
	_, ok := knownPerformatives[p]
	return ok
}

// Initiator reports whether p may open a conversation or a new exchange
// within one. Initiators are the only performatives legal without in_reply_to.
func (p Performative) Initiator() bool {
	switch p {
	case PerformativeRequest, PerformativeQuery, PerformativeInform, PerformativePropose:
		return true
	}
	return false
}

// Closing reports whether p terminates the conversation when delivered as a
// valid reply. ACCEPT-PROPOSAL is deliberately absent: the accepted flow
// closes later through INFORM-DONE or FAILURE.
func (p Performative) Closing() bool {
	switch p {
	case PerformativeInformDone, PerformativeFailure, PerformativeNotUnderstood, PerformativeRejectProposal:
		return true
	}
	return false
}

// Message is the routed unit: a speech act addressed either to a specific
// agent (Receiver) or to a capability class (Capability).
type Message struct {
	ID             string          `json:"id"`
	Performative   Performative    `json:"performative"`
	Sender         string          `json:"sender"`
	Receiver       string          `json:"receiver,omitempty"`
	Capability     string          `json:"capability,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ReplyWith      string          `json:"reply_with,omitempty"`
	InReplyTo      string          `json:"in_reply_to,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Validate checks structural well-formedness. Protocol legality (reply
// ordering, conversation state) is the validator's concern, not Validate's.
func (m *Message) Validate() error {
	var problems []string
	if m.Performative == "" {
		problems = append(problems, "missing performative")
	} else if !m.Performative.Known() {
		problems = append(problems, fmt.Sprintf("unknown performative %q", m.Performative))
	}
	if m.Sender == "" {
		problems = append(problems, "missing sender")
	}
	if m.Receiver == "" && m.Capability == "" {
		problems = append(problems, "no receiver or capability target")
	}
	if m.Receiver != "" && m.Capability != "" {
		problems = append(problems, "both receiver and capability set")
	}
	if m.InReplyTo != "" && m.InReplyTo == m.ReplyWith {
		problems = append(problems, "in_reply_to equals reply_with")
	}
	if len(problems) > 0 {
		return NewRouteError("Message.Validate", ErrMessageMalformed, strings.Join(problems, "; "))
	}
	return nil
}

// WireSize returns the serialized size of the message envelope in bytes.
// Used by the router's size pre-check.
func (m *Message) WireSize() int {
	data, err := json.Marshal(m)
	if err != nil {
		return len(m.Content)
	}
	return len(data)
}

// Reply constructs a reply skeleton addressed back at the sender, carrying
// the conversation id and threading in_reply_to to m's reply_with.
func (m *Message) Reply(from string, p Performative, content json.RawMessage) *Message {
	return &Message{
		ID:             NewID(),
		Performative:   p,
		Sender:         from,
		Receiver:       m.Sender,
		ConversationID: m.ConversationID,
		InReplyTo:      m.ReplyWith,
		Content:        content,
		Timestamp:      time.Now(),
	}
}
