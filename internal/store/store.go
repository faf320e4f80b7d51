// Package store is darwin's durable state layer: trace events, application
// records, the append-only rollback log, limiter states, and generated
// proposals, all in a single SQLite database under the workspace state dir.
// The handle is constructed once at process start and injected into the
// components that need it.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"darwin/internal/logging"
	"darwin/internal/ratelimit"
	"darwin/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// =============================================================================
// STORE
// =============================================================================

// Store wraps the SQLite handle. Safe for concurrent use within one process;
// concurrent processes sharing one database file are not supported.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Opened state database at %s", path)
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trace_events (
		id        TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		type      TEXT NOT NULL,
		task_id   TEXT,
		event     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trace_events_timestamp ON trace_events(timestamp);

	CREATE TABLE IF NOT EXISTS applications (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		record     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rollback_log (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		application_id TEXT NOT NULL,
		action         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rollback_log_app ON rollback_log(application_id);

	CREATE TABLE IF NOT EXISTS rate_limit_states (
		key   TEXT PRIMARY KEY,
		state TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS proposals (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		proposal   TEXT NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// =============================================================================
// TRACE EVENTS
// =============================================================================

// InsertTraceEvents stores a batch of events in one transaction. Existing
// ids are overwritten; events are immutable so this only matters for
// re-imports.
func (s *Store) InsertTraceEvents(events []types.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO trace_events (id, timestamp, type, task_id, event) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		blob, err := json.Marshal(ev)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encoding event %s: %w", ev.ID, err)
		}
		if _, err := stmt.Exec(ev.ID, ev.Timestamp, string(ev.Type), ev.TaskID, string(blob)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing events: %w", err)
	}
	logging.StoreDebug("Inserted %d trace events", len(events))
	return nil
}

// TraceEventsSince returns events at or after the given epoch-millisecond
// timestamp, ordered oldest first.
func (s *Store) TraceEventsSince(sinceMs int64) ([]types.TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT event FROM trace_events WHERE timestamp >= ? ORDER BY timestamp ASC`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []types.TraceEvent
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		var ev types.TraceEvent
		if err := json.Unmarshal([]byte(blob), &ev); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// APPLICATION RECORDS
// =============================================================================

// SaveApplication inserts or overwrites one application record.
func (s *Store) SaveApplication(record *types.ApplicationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding application %s: %w", record.ID, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO applications (id, created_at, record) VALUES (?, ?, ?)`,
		record.ID, record.CreatedAt.UnixMilli(), string(blob))
	if err != nil {
		return fmt.Errorf("saving application %s: %w", record.ID, err)
	}
	return nil
}

// GetApplication returns the record for the id, or nil when unknown.
func (s *Store) GetApplication(id string) (*types.ApplicationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob string
	err := s.db.QueryRow(`SELECT record FROM applications WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading application %s: %w", id, err)
	}
	var record types.ApplicationRecord
	if err := json.Unmarshal([]byte(blob), &record); err != nil {
		return nil, fmt.Errorf("decoding application %s: %w", id, err)
	}
	return &record, nil
}

// ListApplications returns every application record, oldest first.
func (s *Store) ListApplications() ([]*types.ApplicationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT record FROM applications ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying applications: %w", err)
	}
	defer rows.Close()

	var records []*types.ApplicationRecord
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning application: %w", err)
		}
		var record types.ApplicationRecord
		if err := json.Unmarshal([]byte(blob), &record); err != nil {
			return nil, fmt.Errorf("decoding application: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// =============================================================================
// ROLLBACK LOG (APPEND-ONLY)
// =============================================================================

// AppendRollbackAction appends one entry to the rollback log. Entries are
// never updated or deleted.
func (s *Store) AppendRollbackAction(action *types.RollbackAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encoding rollback action: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO rollback_log (application_id, action) VALUES (?, ?)`,
		action.ApplicationID, string(blob))
	if err != nil {
		return fmt.Errorf("appending rollback action: %w", err)
	}
	return nil
}

// RollbackActions returns the log entries for one application in append
// order.
func (s *Store) RollbackActions(applicationID string) ([]*types.RollbackAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT action FROM rollback_log WHERE application_id = ? ORDER BY seq ASC`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("querying rollback log: %w", err)
	}
	defer rows.Close()

	var actions []*types.RollbackAction
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning rollback action: %w", err)
		}
		var action types.RollbackAction
		if err := json.Unmarshal([]byte(blob), &action); err != nil {
			return nil, fmt.Errorf("decoding rollback action: %w", err)
		}
		actions = append(actions, &action)
	}
	return actions, rows.Err()
}

// =============================================================================
// RATE-LIMIT STATES
// =============================================================================

// LoadRateLimitState returns the persisted limiter state for a key. An
// unknown key yields the zero state, not an error.
func (s *Store) LoadRateLimitState(key string) (ratelimit.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob string
	err := s.db.QueryRow(`SELECT state FROM rate_limit_states WHERE key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return ratelimit.State{}, nil
	}
	if err != nil {
		return ratelimit.State{}, fmt.Errorf("loading rate-limit state %q: %w", key, err)
	}
	var state ratelimit.State
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return ratelimit.State{}, fmt.Errorf("decoding rate-limit state %q: %w", key, err)
	}
	return state, nil
}

// SaveRateLimitState persists the limiter state for a key.
func (s *Store) SaveRateLimitState(key string, state ratelimit.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding rate-limit state %q: %w", key, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO rate_limit_states (key, state) VALUES (?, ?)`, key, string(blob))
	if err != nil {
		return fmt.Errorf("saving rate-limit state %q: %w", key, err)
	}
	return nil
}

// =============================================================================
// PROPOSALS
// =============================================================================

// SaveProposal inserts or overwrites one proposal.
func (s *Store) SaveProposal(p *types.EvolutionProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding proposal %s: %w", p.ID, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO proposals (id, status, created_at, proposal) VALUES (?, ?, ?, ?)`,
		p.ID, string(p.Status), p.CreatedAt.UnixMilli(), string(blob))
	if err != nil {
		return fmt.Errorf("saving proposal %s: %w", p.ID, err)
	}
	return nil
}

// ListProposals returns proposals oldest first, optionally filtered by
// status. An empty status returns everything.
func (s *Store) ListProposals(status types.ProposalStatus) ([]*types.EvolutionProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT proposal FROM proposals ORDER BY created_at ASC`
	args := []interface{}{}
	if status != "" {
		query = `SELECT proposal FROM proposals WHERE status = ? ORDER BY created_at ASC`
		args = append(args, string(status))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying proposals: %w", err)
	}
	defer rows.Close()

	var out []*types.EvolutionProposal
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning proposal: %w", err)
		}
		var p types.EvolutionProposal
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, fmt.Errorf("decoding proposal: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
