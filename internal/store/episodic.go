// Package store implements the episodic store: an append-only, bi-temporal
// ledger of task frame snapshots and memory facts backed by SQLite.
//
// Every row carries both an event-time axis (valid_from/valid_to) and an
// ingestion axis (ingest_at plus a monotonically increasing sequence number).
// Rows are never deleted; superseding a frame snapshot or invalidating a fact
// closes the old row's validity interval and records the sequence number of
// the closing event, so any past read can be reconstructed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"framestack/internal/logging"
	"framestack/internal/types"
)

// EpisodicStore is the durability substrate for the context engine. It is the
// only component permitted to touch persisted rows.
type EpisodicStore struct {
	db     *sql.DB
	dbPath string
	clock  types.Clock

	// seqMu guards sequence assignment so appends within one session are
	// ordered exactly as called.
	seqMu   sync.Mutex
	nextSeq int64

	statsMu   sync.Mutex
	appended  int64
	conflicts int64
}

// StoreStats reports ledger counters for diagnostics and tests.
type StoreStats struct {
	AppendedRows      int64
	ResolvedConflicts int64
}

// NewEpisodicStore opens (or creates) the SQLite ledger at the given path.
// ":memory:" is accepted for tests.
func NewEpisodicStore(path string, clock types.Clock) (*EpisodicStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewEpisodicStore")
	defer timer.Stop()

	if clock == nil {
		clock = types.SystemClock{}
	}

	logging.Store("Initializing EpisodicStore at path: %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// NORMAL is safe with WAL and markedly faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &EpisodicStore{db: db, dbPath: path, clock: clock}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence counter: %w", err)
	}

	logging.StoreDebug("EpisodicStore schema initialized, next seq = %d", s.nextSeq)
	return s, nil
}

// Close releases the underlying database.
func (s *EpisodicStore) Close() error {
	return s.db.Close()
}

// initSchema creates the ledger tables if they don't exist.
func (s *EpisodicStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		parent_id TEXT,
		goal TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('active', 'blocked', 'complete')),
		result TEXT,
		blocked_reason TEXT,
		depth INTEGER NOT NULL,
		children TEXT,
		trace TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		ingest_at TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT,
		closed_seq INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_frames_session_parent
		ON frames(session_id, parent_id);
	CREATE INDEX IF NOT EXISTS idx_frames_session_status
		ON frames(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_frames_id
		ON frames(id);

	CREATE TABLE IF NOT EXISTS facts (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		section TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		helpful INTEGER NOT NULL DEFAULT 0,
		harmful INTEGER NOT NULL DEFAULT 0,
		tier TEXT NOT NULL CHECK(tier IN ('bootstrapped', 'user', 'tool-output')),
		source_id TEXT,
		event_at TEXT NOT NULL,
		ingest_at TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT,
		closed_seq INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_facts_session_section
		ON facts(session_id, section);
	CREATE INDEX IF NOT EXISTS idx_facts_content_hash
		ON facts(content_hash);
	CREATE INDEX IF NOT EXISTS idx_facts_id
		ON facts(id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// loadSeq resumes the global sequence counter from the existing ledger.
func (s *EpisodicStore) loadSeq() error {
	var maxFrame, maxFact sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM frames`).Scan(&maxFrame); err != nil {
		return err
	}
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM facts`).Scan(&maxFact); err != nil {
		return err
	}
	s.nextSeq = 1
	if maxFrame.Int64 >= s.nextSeq {
		s.nextSeq = maxFrame.Int64 + 1
	}
	if maxFact.Int64 >= s.nextSeq {
		s.nextSeq = maxFact.Int64 + 1
	}
	return nil
}

// takeSeq hands out the next ledger sequence number.
func (s *EpisodicStore) takeSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

func (s *EpisodicStore) countAppend() {
	s.statsMu.Lock()
	s.appended++
	s.statsMu.Unlock()
}

func (s *EpisodicStore) countConflict() {
	s.statsMu.Lock()
	s.conflicts++
	s.statsMu.Unlock()
}

// Stats returns ledger counters.
func (s *EpisodicStore) Stats() StoreStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return StoreStats{AppendedRows: s.appended, ResolvedConflicts: s.conflicts}
}

// AppendFrame appends a frame snapshot. Any prior valid snapshot of the same
// frame is closed in the same transaction, so exactly one snapshot per frame
// is current at a time. Returns the assigned sequence number.
func (s *EpisodicStore) AppendFrame(ctx context.Context, f types.TaskFrame) (int64, error) {
	if f.ID == "" || f.SessionID == "" {
		return 0, fmt.Errorf("frame snapshot missing id or session id")
	}

	now := s.clock.Now()
	seq := s.takeSeq()

	children, err := json.Marshal(f.Children)
	if err != nil {
		return 0, fmt.Errorf("failed to encode children: %w", err)
	}
	trace, err := json.Marshal(f.Trace)
	if err != nil {
		return 0, fmt.Errorf("failed to encode trace: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Close the prior snapshot of this frame, if any.
	if _, err := tx.ExecContext(ctx, `
		UPDATE frames SET valid_to = ?, closed_seq = ?
		WHERE id = ? AND valid_to IS NULL
	`, formatTime(now), seq, string(f.ID)); err != nil {
		return 0, fmt.Errorf("failed to close prior snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO frames (seq, id, session_id, parent_id, goal, status, result,
			blocked_reason, depth, children, trace, created_at, completed_at,
			ingest_at, valid_from, valid_to, closed_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
	`, seq, string(f.ID), f.SessionID, nullableID(f.ParentID), f.Goal, string(f.Status),
		nullableStr(f.Result), nullableStr(f.Blocked), f.Depth, string(children),
		string(trace), formatTime(f.CreatedAt), nullableTime(f.DoneAt),
		formatTime(now), formatTime(now)); err != nil {
		return 0, fmt.Errorf("failed to append frame snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit frame append: %w", err)
	}

	s.countAppend()
	logging.StoreDebug("Appended frame snapshot id=%s seq=%d status=%s", f.ID, seq, f.Status)
	return seq, nil
}

// AppendFact appends a new fact row, assigning an ID when absent, plus the
// ingestion timestamp and sequence number. The caller is responsible for
// deduplication policy; the store only records.
func (s *EpisodicStore) AppendFact(ctx context.Context, f types.Fact) (types.Fact, error) {
	if f.SessionID == "" || f.Section == "" {
		return f, fmt.Errorf("fact missing session id or section")
	}
	if !f.Tier.Valid() {
		return f, fmt.Errorf("fact has unknown provenance tier %q", f.Tier)
	}

	now := s.clock.Now()
	if f.ID == "" {
		f.ID = types.FactID(uuid.NewString())
	}
	if f.EventAt.IsZero() {
		f.EventAt = now
	}
	f.IngestAt = now
	if f.ValidFrom.IsZero() {
		f.ValidFrom = now
	}
	f.ValidTo = time.Time{}

	seq := s.takeSeq()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (seq, id, session_id, section, content, content_hash,
			helpful, harmful, tier, source_id, event_at, ingest_at,
			valid_from, valid_to, closed_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
	`, seq, string(f.ID), f.SessionID, f.Section, f.Content, f.ContentHash(),
		f.Helpful, f.Harmful, string(f.Tier), nullableStr(f.SourceID),
		formatTime(f.EventAt), formatTime(f.IngestAt), formatTime(f.ValidFrom)); err != nil {
		return f, fmt.Errorf("failed to append fact: %w", err)
	}

	s.countAppend()
	logging.StoreDebug("Appended fact id=%s seq=%d section=%s tier=%s", f.ID, seq, f.Section, f.Tier)
	return f, nil
}

// AdjustCounters adds to the helpful/harmful counters of the currently valid
// row of a fact. Counter accumulation is the one in-place mutation the ledger
// permits besides interval closing.
func (s *EpisodicStore) AdjustCounters(ctx context.Context, id types.FactID, helpful, harmful int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE facts SET helpful = helpful + ?, harmful = harmful + ?
		WHERE id = ? AND valid_to IS NULL
	`, helpful, harmful, string(id))
	if err != nil {
		return fmt.Errorf("failed to adjust counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to adjust counters: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("fact %s: %w", id, types.ErrAlreadyInvalidated)
	}
	return nil
}

// Invalidate closes a fact's validity interval at the given ingestion time.
//
// A second invalidation of the same fact resolves deterministically: the
// later ingestion time wins and is recorded, the earlier one is dropped. The
// losing caller gets ErrAlreadyInvalidated; the conflict is logged once and
// never blocks the turn.
func (s *EpisodicStore) Invalidate(ctx context.Context, id types.FactID, at time.Time) error {
	seq := s.takeSeq()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT valid_to FROM facts WHERE id = ? ORDER BY seq DESC LIMIT 1
	`, string(id)).Scan(&existing)
	if err == sql.ErrNoRows {
		return fmt.Errorf("fact %s not found: %w", id, types.ErrMalformedDelta)
	}
	if err != nil {
		return fmt.Errorf("failed to look up fact: %w", err)
	}

	if !existing.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE facts SET valid_to = ?, closed_seq = ?
			WHERE id = ? AND valid_to IS NULL
		`, formatTime(at), seq, string(id)); err != nil {
			return fmt.Errorf("failed to invalidate fact: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit invalidation: %w", err)
		}
		return nil
	}

	// Already closed: later ingestion time wins. The caller whose timestamp
	// is dropped gets ErrAlreadyInvalidated; the winner sees success.
	prior, perr := parseTime(existing.String)
	if perr != nil {
		return fmt.Errorf("failed to parse stored valid_to: %w", perr)
	}
	won := at.After(prior)
	if won {
		if _, err := tx.ExecContext(ctx, `
			UPDATE facts SET valid_to = ? WHERE id = ? AND valid_to = ?
		`, formatTime(at), string(id), existing.String); err != nil {
			return fmt.Errorf("failed to resolve invalidation conflict: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit conflict resolution: %w", err)
		}
	}

	s.countConflict()
	logging.Get(logging.CategoryStore).Warn(
		"Invalidation conflict on fact %s: existing=%s incoming=%s, later wins",
		id, formatTime(prior), formatTime(at))
	if won {
		return nil
	}
	return fmt.Errorf("fact %s: %w", id, types.ErrAlreadyInvalidated)
}

// =============================================================================
// Column helpers
// =============================================================================

// ledgerTimeFormat is fixed-width so the string comparisons in temporal
// queries order the same way the timestamps do. RFC3339Nano would drop
// trailing zeros and break that.
const ledgerTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp in the ledger's canonical column format.
func formatTime(t time.Time) string {
	return t.UTC().Format(ledgerTimeFormat)
}

// parseTime reads a ledger timestamp column.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableID(id types.FrameID) interface{} {
	if id == "" {
		return nil
	}
	return string(id)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
