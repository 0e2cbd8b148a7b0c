package conversation

import (
	"sort"
	"sync"
	"time"

	"agentrelay/internal/domain"
	"agentrelay/internal/usecase/protocol"
)

// Conversation is one live conversation: ordered message references, the
// reply ledger, and lifecycle state. Append validates and mutates atomically
// under the conversation's own lock; the manager's table lock is never held
// at the same time.
type Conversation struct {
	mu           sync.RWMutex
	id           string
	state        domain.ConversationState
	participants map[string]struct{}
	createdAt    time.Time
	lastActivity time.Time
	ttl          time.Duration
	seq          uint64
	refs         []domain.MessageRef
	seen         map[string]struct{}
	expectations map[string]domain.ReplyExpectation
	maxHistory   int
}

func newConversation(id string, ttl time.Duration, maxHistory int) *Conversation {
	now := time.Now()
	return &Conversation{
		id:           id,
		state:        domain.ConversationCreated,
		participants: make(map[string]struct{}),
		createdAt:    now,
		lastActivity: now,
		ttl:          ttl,
		seen:         make(map[string]struct{}),
		expectations: make(map[string]domain.ReplyExpectation),
		maxHistory:   maxHistory,
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conversation) State() domain.ConversationState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Append validates msg against the conversation and, when legal, records it:
// the sequence counter advances, the reply ledger is updated per the
// verdict, and the state moves to the verdict's next state. Returns the
// sequence number assigned to the message. On a validation error nothing
// changes.
func (c *Conversation) Append(msg *domain.Message) (protocol.Verdict, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := protocol.ConversationView{
		ID:           c.id,
		State:        c.state,
		Seen:         c.seen,
		Expectations: c.expectations,
	}
	verdict, err := protocol.Validate(msg, view)
	if err != nil {
		return protocol.Verdict{}, 0, err
	}

	c.seq++
	if n := len(c.refs); n > 0 {
		domain.Invariant(c.seq > c.refs[n-1].Seq,
			"sequence counter moved backwards in conversation %s", c.id)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	c.refs = append(c.refs, domain.MessageRef{
		Seq:          c.seq,
		MessageID:    msg.ID,
		Performative: msg.Performative,
		Sender:       msg.Sender,
		ReplyWith:    msg.ReplyWith,
		InReplyTo:    msg.InReplyTo,
		Timestamp:    ts,
	})
	c.seen[msg.ID] = struct{}{}

	if verdict.Answers != nil {
		exp, ok := c.expectations[verdict.Answers.ReplyWith]
		domain.Invariant(ok, "verdict answers unknown reply_with %q in conversation %s",
			verdict.Answers.ReplyWith, c.id)
		if verdict.Answers.Terminal {
			exp.Answered = true
		} else {
			exp.Expected = verdict.Answers.Remaining
		}
		c.expectations[verdict.Answers.ReplyWith] = exp
	}
	if verdict.Opens != nil {
		c.expectations[msg.ReplyWith] = *verdict.Opens
	}

	c.state = verdict.NextState
	c.lastActivity = time.Now()
	c.participants[msg.Sender] = struct{}{}
	if msg.Receiver != "" {
		c.participants[msg.Receiver] = struct{}{}
	}

	if c.maxHistory > 0 && len(c.refs) > c.maxHistory {
		c.refs = c.refs[len(c.refs)-c.maxHistory:]
	}
	return verdict, c.seq, nil
}

// Context returns a copy of the last depth message references, oldest first.
func (c *Conversation) Context(depth int) []domain.MessageRef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(c.refs)
	if depth <= 0 || depth > n {
		depth = n
	}
	cp := make([]domain.MessageRef, depth)
	copy(cp, c.refs[n-depth:])
	return cp
}

// Empty reports whether nothing was ever appended.
func (c *Conversation) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq == 0
}

// expire moves an idle, non-terminal conversation to TimedOut. Returns true
// when the transition happened.
func (c *Conversation) expire(cutoffAge time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := c.ttl
	if ttl <= 0 {
		ttl = cutoffAge
	}
	if c.state.Terminal() || now.Sub(c.lastActivity) < ttl {
		return false
	}
	c.state = domain.ConversationTimedOut
	return true
}

// fail moves a non-terminal conversation to Failed. Terminal states are
// final; failing an already-terminal conversation is a no-op.
func (c *Conversation) fail() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return false
	}
	c.state = domain.ConversationFailed
	return true
}

// Snapshot flattens the conversation for persistence.
func (c *Conversation) Snapshot() domain.ConversationSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := domain.ConversationSnapshot{
		ID:           c.id,
		State:        c.state,
		CreatedAt:    c.createdAt,
		LastActivity: c.lastActivity,
		TTL:          c.ttl,
		Seq:          c.seq,
		Refs:         make([]domain.MessageRef, len(c.refs)),
	}
	copy(snap.Refs, c.refs)

	snap.Participants = make([]string, 0, len(c.participants))
	for p := range c.participants {
		snap.Participants = append(snap.Participants, p)
	}
	sort.Strings(snap.Participants)

	snap.SeenIDs = make([]string, 0, len(c.seen))
	for id := range c.seen {
		snap.SeenIDs = append(snap.SeenIDs, id)
	}
	sort.Strings(snap.SeenIDs)

	if len(c.expectations) > 0 {
		snap.Expectations = make(map[string]domain.ReplyExpectation, len(c.expectations))
		for k, v := range c.expectations {
			snap.Expectations[k] = v
		}
	}
	return snap
}

// restoreConversation rebuilds a conversation from its serialized form.
func restoreConversation(snap domain.ConversationSnapshot, maxHistory int) *Conversation {
	c := &Conversation{
		id:           snap.ID,
		state:        snap.State,
		participants: make(map[string]struct{}, len(snap.Participants)),
		createdAt:    snap.CreatedAt,
		lastActivity: snap.LastActivity,
		ttl:          snap.TTL,
		seq:          snap.Seq,
		refs:         make([]domain.MessageRef, len(snap.Refs)),
		seen:         make(map[string]struct{}, len(snap.SeenIDs)),
		expectations: make(map[string]domain.ReplyExpectation, len(snap.Expectations)),
		maxHistory:   maxHistory,
	}
	copy(c.refs, snap.Refs)
	for _, p := range snap.Participants {
		c.participants[p] = struct{}{}
	}
	for _, id := range snap.SeenIDs {
		c.seen[id] = struct{}{}
	}
	// Older snapshots carry no seen list; fall back to the refs.
	if len(c.seen) == 0 {
		for _, ref := range snap.Refs {
			c.seen[ref.MessageID] = struct{}{}
		}
	}
	for k, v := range snap.Expectations {
		c.expectations[k] = v
	}
	return c
}
