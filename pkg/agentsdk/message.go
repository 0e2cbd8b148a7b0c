package agentsdk

import (
	"encoding/json"
	"fmt"
	"time"

	"agentrelay/internal/domain"
)

// MessageOption adjusts a built message before it is returned.
type MessageOption func(*Message)

// To addresses the message at a specific agent instead of its capability
// class.
func To(receiver string) MessageOption {
	return func(m *Message) {
		m.Receiver = receiver
		m.Capability = ""
	}
}

// InConversation pins the message to an existing conversation.
func InConversation(id string) MessageOption {
	return func(m *Message) { m.ConversationID = id }
}

// ExpectReply mints a reply_with token so the recipient can answer. Request,
// Query and Propose carry one by default; Inform does not.
func ExpectReply() MessageOption {
	return func(m *Message) {
		if m.ReplyWith == "" {
			m.ReplyWith = domain.NewID()
		}
	}
}

// NoReply strips the reply_with token for fire-and-forget sends.
func NoReply() MessageOption {
	return func(m *Message) { m.ReplyWith = "" }
}

// Request builds a REQUEST for the named capability. The relay resolves the
// provider; a reply_with token is minted so the provider can answer.
func Request(sender, capability string, content any, opts ...MessageOption) (*Message, error) {
	return initiate(domain.PerformativeRequest, sender, capability, content, true, opts)
}

// Query builds a QUERY for the named capability, expecting an INFORM answer.
func Query(sender, capability string, content any, opts ...MessageOption) (*Message, error) {
	return initiate(domain.PerformativeQuery, sender, capability, content, true, opts)
}

// Inform builds a notification INFORM. It expects no answer unless
// ExpectReply is applied.
func Inform(sender, capability string, content any, opts ...MessageOption) (*Message, error) {
	return initiate(domain.PerformativeInform, sender, capability, content, false, opts)
}

// Propose builds a PROPOSE for the named capability, expecting acceptance or
// rejection.
func Propose(sender, capability string, content any, opts ...MessageOption) (*Message, error) {
	return initiate(domain.PerformativePropose, sender, capability, content, true, opts)
}

// Agree answers a request affirmatively. The exchange completes later with
// Done or Failure against the same token.
func Agree(sender string, to *Message, content any, opts ...MessageOption) (*Message, error) {
	return respond(domain.PerformativeAgree, sender, to, content, false, opts)
}

// Refuse declines a request.
func Refuse(sender string, to *Message, content any, opts ...MessageOption) (*Message, error) {
	return respond(domain.PerformativeRefuse, sender, to, content, false, opts)
}

// Done reports successful completion of a request or an accepted proposal.
func Done(sender string, to *Message, content any, opts ...MessageOption) (*Message, error) {
	return respond(domain.PerformativeInformDone, sender, to, content, false, opts)
}

// Failure reports that handling the exchange failed.
func Failure(sender string, to *Message, content any, opts ...MessageOption) (*Message, error) {
	return respond(domain.PerformativeFailure, sender, to, content, false, opts)
}

// NotUnderstood reports that the message could not be interpreted.
func NotUnderstood(sender string, to *Message, content any, opts ...MessageOption) (*Message, error) {
	return respond(domain.PerformativeNotUnderstood, sender, to, content, false, opts)
}

// Answer responds to a query with an INFORM. Apply ExpectReply to keep the
// dialogue open for a follow-up.
func Answer(sender string, to *Message, content any, opts ...MessageOption) (*Message, error) {
	return respond(domain.PerformativeInform, sender, to, content, false, opts)
}

// Accept takes up a proposal. The acceptance carries its own reply_with; the
// proposer completes the exchange with Done or Failure against it.
func Accept(sender string, to *Message, content any, opts ...MessageOption) (*Message, error) {
	return respond(domain.PerformativeAcceptProposal, sender, to, content, true, opts)
}

// Reject turns down a proposal, closing the exchange.
func Reject(sender string, to *Message, content any, opts ...MessageOption) (*Message, error) {
	return respond(domain.PerformativeRejectProposal, sender, to, content, false, opts)
}

func initiate(p domain.Performative, sender, capability string, content any, expectReply bool, opts []MessageOption) (*Message, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:           domain.NewID(),
		Performative: p,
		Sender:       sender,
		Capability:   capability,
		Content:      raw,
		Timestamp:    time.Now(),
	}
	if expectReply {
		m.ReplyWith = domain.NewID()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func respond(p domain.Performative, sender string, to *Message, content any, expectReply bool, opts []MessageOption) (*Message, error) {
	if to.ReplyWith == "" {
		return nil, fmt.Errorf("message %s expects no reply", to.ID)
	}
	raw, err := marshalContent(content)
	if err != nil {
		return nil, err
	}
	m := to.Reply(sender, p, raw)
	if expectReply {
		m.ReplyWith = domain.NewID()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// marshalContent normalizes the content payload: raw JSON passes through,
// anything else is marshalled.
func marshalContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return c, nil
	case []byte:
		return json.RawMessage(c), nil
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal content: %w", err)
		}
		return raw, nil
	}
}
