// Package eventstore is the event normalizer's durable sink: an
// append-only, SQLite-backed log of NormalizedEnvelopes indexed by
// (conversationId, eventSeq), independent of the in-memory pub/sub
// journal's cursor.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"harness-mux/internal/wire"
)

// Store is the on-disk Event Store.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	seqCache map[string]int64 // conversationId -> last assigned eventSeq
}

// Open creates or attaches to the event database at path. The per-conversation
// sequence counters are rebuilt from the existing rows, so appends continue
// where a previous process left off instead of colliding with event_seq 1.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event store: %w", err)
	}
	seqCache, err := loadSeqCache(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, seqCache: seqCache}, nil
}

func loadSeqCache(db *sql.DB) (map[string]int64, error) {
	rows, err := db.Query(`SELECT conversation_id, MAX(event_seq) FROM events GROUP BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("load event sequences: %w", err)
	}
	defer rows.Close()
	cache := make(map[string]int64)
	for rows.Next() {
		var conversationID string
		var maxSeq int64
		if err := rows.Scan(&conversationID, &maxSeq); err != nil {
			return nil, fmt.Errorf("scan event sequence: %w", err)
		}
		cache[conversationID] = maxSeq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load event sequences: %w", err)
	}
	return cache, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id        TEXT PRIMARY KEY,
	ts              INTEGER NOT NULL,
	tenant_id       TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL DEFAULT '',
	workspace_id    TEXT NOT NULL DEFAULT '',
	worktree_id     TEXT NOT NULL DEFAULT '',
	directory_id    TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	event_seq       INTEGER NOT NULL,
	payload         TEXT NOT NULL,
	UNIQUE(conversation_id, event_seq)
);
CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id, event_seq);
`

// Append stamps env with the next eventSeq for its conversation and writes
// it durably. Ordering per (conversationId, eventSeq) is strict: this
// method serializes all appends through a mutex so batching callers never
// race each other for the same conversation's sequence counter.
func (s *Store) Append(env wire.NormalizedEnvelope) (wire.NormalizedEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seqCache[env.Scope.ConversationID] + 1
	env.EventSeq = seq

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return env, fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO events (event_id, ts, tenant_id, user_id, workspace_id, worktree_id, directory_id, conversation_id, category, kind, event_seq, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.EventID, env.Ts.UnixNano(),
		env.Scope.TenantID, env.Scope.UserID, env.Scope.WorkspaceID, env.Scope.WorktreeID, env.Scope.DirectoryID, env.Scope.ConversationID,
		env.Category, env.Kind, env.EventSeq, string(payload),
	)
	if err != nil {
		return env, fmt.Errorf("append event: %w", err)
	}
	s.seqCache[env.Scope.ConversationID] = seq
	return env, nil
}

// Read returns all envelopes for conversationID with eventSeq > afterSeq,
// in order.
func (s *Store) Read(conversationID string, afterSeq int64) ([]wire.NormalizedEnvelope, error) {
	rows, err := s.db.Query(
		`SELECT event_id, ts, tenant_id, user_id, workspace_id, worktree_id, directory_id, conversation_id, category, kind, event_seq, payload
		 FROM events WHERE conversation_id = ? AND event_seq > ? ORDER BY event_seq ASC`,
		conversationID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func scanEnvelopes(rows *sql.Rows) ([]wire.NormalizedEnvelope, error) {
	var out []wire.NormalizedEnvelope
	for rows.Next() {
		var env wire.NormalizedEnvelope
		var tsNano int64
		var payload string
		if err := rows.Scan(&env.EventID, &tsNano, &env.Scope.TenantID, &env.Scope.UserID, &env.Scope.WorkspaceID,
			&env.Scope.WorktreeID, &env.Scope.DirectoryID, &env.Scope.ConversationID, &env.Category, &env.Kind, &env.EventSeq, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		env.Ts = time.Unix(0, tsNano)
		var p any
		if err := json.Unmarshal([]byte(payload), &p); err == nil {
			env.Payload = p
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// Tail streams envelopes for conversationID as they're appended, starting
// strictly after afterSeq, until ctx is canceled. It polls rather than
// using SQLite change-notification hooks, which this driver doesn't
// expose.
func (s *Store) Tail(ctx context.Context, conversationID string, afterSeq int64) (<-chan wire.NormalizedEnvelope, <-chan error) {
	out := make(chan wire.NormalizedEnvelope, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		cursor := afterSeq
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case <-ticker.C:
				envs, err := s.Read(conversationID, cursor)
				if err != nil {
					errc <- err
					return
				}
				for _, e := range envs {
					select {
					case out <- e:
						cursor = e.EventSeq
					case <-ctx.Done():
						errc <- ctx.Err()
						return
					}
				}
			}
		}
	}()
	return out, errc
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
