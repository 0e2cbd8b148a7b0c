package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentrelay/internal/domain"
)

// Config holds configuration for the conversation manager.
type Config struct {
	DefaultTTL   time.Duration
	MaxHistory   int
	ContextDepth int
}

// Outcome reports what appending a message did to its conversation.
type Outcome struct {
	ConversationID string
	Created        bool
	Seq            uint64
	State          domain.ConversationState
	Closed         bool
}

// Manager owns the conversation table. The table lock only guards the map;
// per-conversation work happens under each conversation's own lock, so slow
// conversations never block unrelated ones.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	bus           domain.EventBus
	config        Config
	logger        *slog.Logger
}

// NewManager creates a conversation manager. bus may be nil.
func NewManager(bus domain.EventBus, cfg Config, logger *slog.Logger) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.ContextDepth <= 0 {
		cfg.ContextDepth = 20
	}
	return &Manager{
		conversations: make(map[string]*Conversation),
		bus:           bus,
		config:        cfg,
		logger:        logger,
	}
}

// StartOrContinue routes msg into its conversation, creating one when the
// message opens a new exchange. A message without conversation_id and
// without in_reply_to gets a minted id (written back to msg); a reply
// that cannot name an existing conversation is rejected. Creation is atomic
// check-and-create: when two messages race for the same new id the first
// writer creates and the second continues.
func (m *Manager) StartOrContinue(ctx context.Context, msg *domain.Message) (Outcome, error) {
	if msg.ConversationID == "" {
		if msg.InReplyTo != "" {
			return Outcome{}, domain.NewRouteError("Manager.StartOrContinue",
				domain.ErrConversationNotFound, "reply without conversation_id")
		}
		msg.ConversationID = domain.NewID()
	}
	id := msg.ConversationID

	m.mu.Lock()
	conv, ok := m.conversations[id]
	created := false
	if !ok {
		if msg.InReplyTo != "" {
			m.mu.Unlock()
			return Outcome{}, domain.NewRouteError("Manager.StartOrContinue",
				domain.ErrConversationNotFound, id)
		}
		conv = newConversation(id, m.config.DefaultTTL, m.config.MaxHistory)
		m.conversations[id] = conv
		created = true
	}
	m.mu.Unlock()

	verdict, seq, err := conv.Append(msg)
	if err != nil {
		if created {
			// The shell we just created carries no state; drop it unless a
			// racing message appended in the meantime.
			m.mu.Lock()
			if conv.Empty() {
				delete(m.conversations, id)
			}
			m.mu.Unlock()
		}
		return Outcome{}, err
	}

	if created {
		m.publish(ctx, domain.EventConversationCreated, id, map[string]string{"sender": msg.Sender})
		m.logger.Debug("conversation created", "conversation_id", id, "sender", msg.Sender)
	}
	if verdict.Closes {
		m.publish(ctx, domain.EventConversationCompleted, id, map[string]string{
			"performative": string(msg.Performative),
		})
		m.logger.Info("conversation completed", "conversation_id", id, "performative", string(msg.Performative))
	}

	return Outcome{
		ConversationID: id,
		Created:        created,
		Seq:            seq,
		State:          verdict.NextState,
		Closed:         verdict.Closes,
	}, nil
}

// GetContext returns the last depth message references for a conversation.
// depth <= 0 uses the configured default. Expired or failed conversations
// are reported as not found; completed ones still serve context.
func (m *Manager) GetContext(_ context.Context, conversationID string, depth int) ([]domain.MessageRef, error) {
	m.mu.RLock()
	conv, ok := m.conversations[conversationID]
	m.mu.RUnlock()

	if !ok {
		return nil, domain.NewRouteError("Manager.GetContext", domain.ErrConversationNotFound, conversationID)
	}
	if state := conv.State(); state.Terminal() && state != domain.ConversationCompleted {
		return nil, domain.NewRouteError("Manager.GetContext", domain.ErrConversationNotFound, conversationID)
	}

	if depth <= 0 {
		depth = m.config.ContextDepth
	}
	return conv.Context(depth), nil
}

// Fail marks a conversation Failed after a terminal delivery failure.
// Failing an already-terminal conversation is a no-op.
func (m *Manager) Fail(ctx context.Context, conversationID, reason string) error {
	m.mu.RLock()
	conv, ok := m.conversations[conversationID]
	m.mu.RUnlock()

	if !ok {
		return domain.NewRouteError("Manager.Fail", domain.ErrConversationNotFound, conversationID)
	}
	if conv.fail() {
		m.publish(ctx, domain.EventConversationFailed, conversationID, map[string]string{"reason": reason})
		m.logger.Warn("conversation failed", "conversation_id", conversationID, "reason", reason)
	}
	return nil
}

// ExpireIdle reaps conversations idle past their ttl: non-terminal ones
// transition to TimedOut with an eviction event, already-terminal ones are
// evicted quietly. Returns the number of evicted conversations.
func (m *Manager) ExpireIdle(ctx context.Context) int {
	now := time.Now()

	// Phase 1: identify stale conversations under the read lock.
	m.mu.RLock()
	var candidates []*Conversation
	for _, conv := range m.conversations {
		conv.mu.RLock()
		ttl := conv.ttl
		if ttl <= 0 {
			ttl = m.config.DefaultTTL
		}
		stale := now.Sub(conv.lastActivity) >= ttl
		conv.mu.RUnlock()
		if stale {
			candidates = append(candidates, conv)
		}
	}
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	// Phase 2: transition each candidate under its own lock; expire re-checks
	// staleness so a conversation that just got traffic survives.
	var timedOut []string
	var evict []string
	for _, conv := range candidates {
		if conv.expire(m.config.DefaultTTL, now) {
			timedOut = append(timedOut, conv.id)
			evict = append(evict, conv.id)
		} else if conv.State().Terminal() {
			evict = append(evict, conv.id)
		}
	}

	// Phase 3: drop evicted conversations from the table.
	m.mu.Lock()
	for _, id := range evict {
		delete(m.conversations, id)
	}
	m.mu.Unlock()

	for _, id := range timedOut {
		m.publish(ctx, domain.EventConversationExpired, id, nil)
		m.logger.Info("conversation timed out", "conversation_id", id)
	}
	if len(evict) > 0 {
		m.logger.Debug("conversations evicted", "count", len(evict))
	}
	return len(evict)
}

// Snapshot captures every live conversation, sorted by id.
func (m *Manager) Snapshot() []domain.ConversationSnapshot {
	m.mu.RLock()
	convs := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		convs = append(convs, conv)
	}
	m.mu.RUnlock()

	snaps := make([]domain.ConversationSnapshot, len(convs))
	for i, conv := range convs {
		snaps[i] = conv.Snapshot()
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// Restore replaces the conversation table with a persisted snapshot.
func (m *Manager) Restore(ctx context.Context, snaps []domain.ConversationSnapshot) {
	table := make(map[string]*Conversation, len(snaps))
	for _, snap := range snaps {
		table[snap.ID] = restoreConversation(snap, m.config.MaxHistory)
	}

	m.mu.Lock()
	m.conversations = table
	m.mu.Unlock()

	m.publish(ctx, domain.EventSnapshotRestored, "", map[string]string{})
	m.logger.Info("conversations restored", "count", len(snaps))
}

func (m *Manager) publish(ctx context.Context, eventType domain.EventType, conversationID string, detail map[string]string) {
	if m.bus == nil {
		return
	}
	var payload json.RawMessage
	if len(detail) > 0 {
		data, err := json.Marshal(detail)
		if err != nil {
			m.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
			return
		}
		payload = data
	}
	m.bus.Publish(ctx, domain.Event{
		Type:           eventType,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Payload:        payload,
	})
}
