package domain

import "time"

// ConversationState is the coarse lifecycle state of a conversation.
// The protocol phase (awaiting a reply vs open) lives in the reply ledger,
// not here.
type ConversationState string

const (
	ConversationCreated   ConversationState = "created"
	ConversationActive    ConversationState = "active"
	ConversationCompleted ConversationState = "completed"
	ConversationTimedOut  ConversationState = "timed_out"
	ConversationFailed    ConversationState = "failed"
)

// Terminal reports whether the state is final. Terminal conversations reject
// all further messages.
func (s ConversationState) Terminal() bool {
	switch s {
	case ConversationCompleted, ConversationTimedOut, ConversationFailed:
		return true
	}
	return false
}

// MessageRef is an ordered reference to a message appended to a
// conversation. Seq is the per-conversation monotonic counter, assigned on
// append; wall-clock timestamps are informational only.
type MessageRef struct {
	Seq          uint64       `json:"seq"`
	MessageID    string       `json:"message_id"`
	Performative Performative `json:"performative"`
	Sender       string       `json:"sender"`
	ReplyWith    string       `json:"reply_with,omitempty"`
	InReplyTo    string       `json:"in_reply_to,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// ReplyExpectation is one open entry in a conversation's reply ledger: a
// reply_with token waiting for an answer.
type ReplyExpectation struct {
	Origin   Performative   `json:"origin"`
	Expected []Performative `json:"expected"`
	Answered bool           `json:"answered"`
}

// Allows reports whether p is a legal reply for this expectation.
func (e ReplyExpectation) Allows(p Performative) bool {
	for _, x := range e.Expected {
		if x == p {
			return true
		}
	}
	return false
}

// ConversationSnapshot is the serializable view of a conversation used by
// the snapshot store. SeenIDs carries every message id ever appended; Refs
// may be shorter when history was truncated.
type ConversationSnapshot struct {
	ID           string                      `json:"id"`
	Participants []string                    `json:"participants"`
	State        ConversationState           `json:"state"`
	CreatedAt    time.Time                   `json:"created_at"`
	LastActivity time.Time                   `json:"last_activity"`
	TTL          time.Duration               `json:"ttl"`
	Seq          uint64                      `json:"seq"`
	Refs         []MessageRef                `json:"refs"`
	SeenIDs      []string                    `json:"seen_ids,omitempty"`
	Expectations map[string]ReplyExpectation `json:"expectations,omitempty"`
}
