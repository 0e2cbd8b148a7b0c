// Package store persists registry and conversation snapshots to SQLite so
// the relay can restore routing state across restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"agentrelay/internal/domain"
)

// Store is the SQLite snapshot store. Saves replace the persisted state
// wholesale; the in-memory registry and conversation manager remain the
// source of truth between saves.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) a SQLite database at dbPath, runs migrations, and
// returns a ready Store.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrSnapshotStore, err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrSnapshotStore, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrSnapshotStore, err)
	}

	return &Store{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS endpoints (
			id             TEXT PRIMARY KEY,
			capabilities   TEXT NOT NULL DEFAULT '[]',
			health         TEXT NOT NULL,
			load           INTEGER NOT NULL DEFAULT 0,
			successes      INTEGER NOT NULL DEFAULT 0,
			failures       INTEGER NOT NULL DEFAULT 0,
			last_heartbeat TEXT NOT NULL,
			transport      TEXT NOT NULL DEFAULT '',
			address        TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS strategies (
			capability TEXT PRIMARY KEY,
			strategy   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			participants  TEXT NOT NULL DEFAULT '[]',
			state         TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			ttl_ns        INTEGER NOT NULL DEFAULT 0,
			seq           INTEGER NOT NULL DEFAULT 0,
			refs          TEXT NOT NULL DEFAULT '[]',
			seen_ids      TEXT NOT NULL DEFAULT '[]',
			expectations  TEXT NOT NULL DEFAULT '{}'
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists both the registry and the conversation table in one
// transaction. This is what the snapshot scheduler and shutdown call.
func (s *Store) Save(ctx context.Context, reg domain.RegistrySnapshot, convs []domain.ConversationSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrSnapshotStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := saveRegistryTx(ctx, tx, reg); err != nil {
		return err
	}
	if err := saveConversationsTx(ctx, tx, convs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrSnapshotStore, err)
	}

	s.logger.Debug("snapshot saved", "endpoints", len(reg.Endpoints), "conversations", len(convs))
	return nil
}

// SaveRegistry replaces the persisted registry state.
func (s *Store) SaveRegistry(ctx context.Context, reg domain.RegistrySnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrSnapshotStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := saveRegistryTx(ctx, tx, reg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrSnapshotStore, err)
	}
	return nil
}

// SaveConversations replaces the persisted conversation table.
func (s *Store) SaveConversations(ctx context.Context, convs []domain.ConversationSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrSnapshotStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := saveConversationsTx(ctx, tx, convs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrSnapshotStore, err)
	}
	return nil
}

func saveRegistryTx(ctx context.Context, tx *sql.Tx, reg domain.RegistrySnapshot) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM endpoints"); err != nil {
		return fmt.Errorf("%w: clear endpoints: %v", domain.ErrSnapshotStore, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM strategies"); err != nil {
		return fmt.Errorf("%w: clear strategies: %v", domain.ErrSnapshotStore, err)
	}

	const insertEndpoint = `
		INSERT INTO endpoints (id, capabilities, health, load, successes, failures, last_heartbeat, transport, address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.PrepareContext(ctx, insertEndpoint)
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", domain.ErrSnapshotStore, err)
	}
	defer stmt.Close()

	for _, ep := range reg.Endpoints {
		caps, err := json.Marshal(ep.Capabilities)
		if err != nil {
			return fmt.Errorf("%w: marshal capabilities for %s: %v", domain.ErrSnapshotStore, ep.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			ep.ID,
			string(caps),
			string(ep.Health),
			ep.Load,
			ep.Successes,
			ep.Failures,
			ep.LastHeartbeat.UTC().Format(time.RFC3339Nano),
			ep.Transport,
			ep.Address,
		)
		if err != nil {
			return fmt.Errorf("%w: insert endpoint %s: %v", domain.ErrSnapshotStore, ep.ID, err)
		}
	}

	for capability, strategy := range reg.Strategies {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO strategies (capability, strategy) VALUES (?, ?)",
			capability, string(strategy),
		); err != nil {
			return fmt.Errorf("%w: insert strategy %s: %v", domain.ErrSnapshotStore, capability, err)
		}
	}
	return nil
}

func saveConversationsTx(ctx context.Context, tx *sql.Tx, convs []domain.ConversationSnapshot) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations"); err != nil {
		return fmt.Errorf("%w: clear conversations: %v", domain.ErrSnapshotStore, err)
	}

	const insertConv = `
		INSERT INTO conversations (id, participants, state, created_at, last_activity, ttl_ns, seq, refs, seen_ids, expectations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.PrepareContext(ctx, insertConv)
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", domain.ErrSnapshotStore, err)
	}
	defer stmt.Close()

	for _, c := range convs {
		participants, err := json.Marshal(c.Participants)
		if err != nil {
			return fmt.Errorf("%w: marshal participants for %s: %v", domain.ErrSnapshotStore, c.ID, err)
		}
		refs, err := json.Marshal(c.Refs)
		if err != nil {
			return fmt.Errorf("%w: marshal refs for %s: %v", domain.ErrSnapshotStore, c.ID, err)
		}
		seen, err := json.Marshal(c.SeenIDs)
		if err != nil {
			return fmt.Errorf("%w: marshal seen ids for %s: %v", domain.ErrSnapshotStore, c.ID, err)
		}
		expectations, err := json.Marshal(c.Expectations)
		if err != nil {
			return fmt.Errorf("%w: marshal expectations for %s: %v", domain.ErrSnapshotStore, c.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			c.ID,
			string(participants),
			string(c.State),
			c.CreatedAt.UTC().Format(time.RFC3339Nano),
			c.LastActivity.UTC().Format(time.RFC3339Nano),
			int64(c.TTL),
			int64(c.Seq),
			string(refs),
			string(seen),
			string(expectations),
		)
		if err != nil {
			return fmt.Errorf("%w: insert conversation %s: %v", domain.ErrSnapshotStore, c.ID, err)
		}
	}
	return nil
}

// LoadRegistry reads the persisted registry snapshot. An empty database
// yields an empty snapshot, not an error.
func (s *Store) LoadRegistry(ctx context.Context) (domain.RegistrySnapshot, error) {
	var snap domain.RegistrySnapshot

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, capabilities, health, load, successes, failures, last_heartbeat, transport, address FROM endpoints ORDER BY id")
	if err != nil {
		return snap, fmt.Errorf("%w: query endpoints: %v", domain.ErrSnapshotStore, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ep domain.EndpointSnapshot
		var caps, health, heartbeat string
		if err := rows.Scan(&ep.ID, &caps, &health, &ep.Load, &ep.Successes, &ep.Failures, &heartbeat, &ep.Transport, &ep.Address); err != nil {
			return snap, fmt.Errorf("%w: scan endpoint: %v", domain.ErrSnapshotStore, err)
		}
		if err := json.Unmarshal([]byte(caps), &ep.Capabilities); err != nil {
			return snap, fmt.Errorf("%w: unmarshal capabilities for %s: %v", domain.ErrSnapshotStore, ep.ID, err)
		}
		ep.Health = domain.HealthStatus(health)
		ep.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, heartbeat)
		snap.Endpoints = append(snap.Endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("%w: iterate endpoints: %v", domain.ErrSnapshotStore, err)
	}

	stratRows, err := s.db.QueryContext(ctx, "SELECT capability, strategy FROM strategies")
	if err != nil {
		return snap, fmt.Errorf("%w: query strategies: %v", domain.ErrSnapshotStore, err)
	}
	defer stratRows.Close()

	for stratRows.Next() {
		var capability, strategy string
		if err := stratRows.Scan(&capability, &strategy); err != nil {
			return snap, fmt.Errorf("%w: scan strategy: %v", domain.ErrSnapshotStore, err)
		}
		if snap.Strategies == nil {
			snap.Strategies = make(map[string]domain.Strategy)
		}
		snap.Strategies[capability] = domain.Strategy(strategy)
	}
	if err := stratRows.Err(); err != nil {
		return snap, fmt.Errorf("%w: iterate strategies: %v", domain.ErrSnapshotStore, err)
	}
	return snap, nil
}

// LoadConversations reads the persisted conversation snapshots.
func (s *Store) LoadConversations(ctx context.Context) ([]domain.ConversationSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, participants, state, created_at, last_activity, ttl_ns, seq, refs, seen_ids, expectations FROM conversations ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("%w: query conversations: %v", domain.ErrSnapshotStore, err)
	}
	defer rows.Close()

	var snaps []domain.ConversationSnapshot
	for rows.Next() {
		var c domain.ConversationSnapshot
		var participants, state, createdAt, lastActivity, refs, seen, expectations string
		var ttl, seq int64
		if err := rows.Scan(&c.ID, &participants, &state, &createdAt, &lastActivity, &ttl, &seq, &refs, &seen, &expectations); err != nil {
			return nil, fmt.Errorf("%w: scan conversation: %v", domain.ErrSnapshotStore, err)
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("%w: unmarshal participants for %s: %v", domain.ErrSnapshotStore, c.ID, err)
		}
		if err := json.Unmarshal([]byte(refs), &c.Refs); err != nil {
			return nil, fmt.Errorf("%w: unmarshal refs for %s: %v", domain.ErrSnapshotStore, c.ID, err)
		}
		if err := json.Unmarshal([]byte(seen), &c.SeenIDs); err != nil {
			return nil, fmt.Errorf("%w: unmarshal seen ids for %s: %v", domain.ErrSnapshotStore, c.ID, err)
		}
		if err := json.Unmarshal([]byte(expectations), &c.Expectations); err != nil {
			return nil, fmt.Errorf("%w: unmarshal expectations for %s: %v", domain.ErrSnapshotStore, c.ID, err)
		}
		c.State = domain.ConversationState(state)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		c.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity)
		c.TTL = time.Duration(ttl)
		c.Seq = uint64(seq)
		snaps = append(snaps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate conversations: %v", domain.ErrSnapshotStore, err)
	}
	return snaps, nil
}
