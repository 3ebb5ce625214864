package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"framestack/internal/logging"
	"framestack/internal/types"
)

// FrameFilter narrows CurrentFrames results. Zero value matches everything.
type FrameFilter struct {
	Status   types.FrameStatus
	ParentID types.FrameID
}

// FactFilter narrows CurrentFacts results. Zero value matches everything.
type FactFilter struct {
	Section string
}

const frameColumns = `seq, id, session_id, parent_id, goal, status, result,
	blocked_reason, depth, children, trace, created_at, completed_at,
	ingest_at, valid_from, valid_to`

const factColumns = `seq, id, session_id, section, content, helpful, harmful,
	tier, source_id, event_at, ingest_at, valid_from, valid_to`

// CurrentFrames returns the currently valid frame snapshots of a session,
// optionally narrowed by status or parent, in append order.
func (s *EpisodicStore) CurrentFrames(ctx context.Context, sessionID string, filter FrameFilter) ([]types.TaskFrame, error) {
	return s.framesWhere(ctx, sessionID, filter, math.MaxInt64)
}

// FramesAsOf returns the frame snapshots that were valid at instant t.
// Results are stable for a fixed t: appends never retroactively change
// earlier visible state, and interval closes always carry timestamps at or
// after their own ingestion.
func (s *EpisodicStore) FramesAsOf(ctx context.Context, sessionID string, t time.Time) ([]types.TaskFrame, error) {
	query := `SELECT ` + frameColumns + ` FROM frames
		WHERE session_id = ? AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)
		ORDER BY seq`
	at := formatTime(t)
	rows, err := s.db.QueryContext(ctx, query, sessionID, at, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames as of %s: %w", at, err)
	}
	defer rows.Close()
	return scanFrames(rows)
}

// CurrentFacts returns the currently valid facts of a session, optionally
// narrowed to one section, in append order.
func (s *EpisodicStore) CurrentFacts(ctx context.Context, sessionID string, filter FactFilter) ([]types.Fact, error) {
	return s.factsWhere(ctx, sessionID, filter, math.MaxInt64)
}

// FactsAsOf returns the facts that were valid at instant t.
func (s *EpisodicStore) FactsAsOf(ctx context.Context, sessionID string, t time.Time) ([]types.Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts
		WHERE session_id = ? AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)
		ORDER BY seq`
	at := formatTime(t)
	rows, err := s.db.QueryContext(ctx, query, sessionID, at, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts as of %s: %w", at, err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// ValidFactInSection returns the currently valid fact matching the given
// content hash within a section, if any. Used by the curator's dedup
// pre-filter.
func (s *EpisodicStore) ValidFactInSection(ctx context.Context, sessionID, section, contentHash string) (*types.Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts
		WHERE session_id = ? AND section = ? AND content_hash = ? AND valid_to IS NULL
		ORDER BY seq LIMIT 1`
	rows, err := s.db.QueryContext(ctx, query, sessionID, section, contentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query section fact: %w", err)
	}
	defer rows.Close()
	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}
	return &facts[0], nil
}

// =============================================================================
// Snapshots
// =============================================================================

// Snapshot is a read handle pinned to one ledger instant. All reads through a
// snapshot observe exactly the rows appended and still open at the fence
// sequence, so one Assemble call sees a single consistent state regardless of
// concurrent writers.
type Snapshot struct {
	store *EpisodicStore
	fence int64
	taken time.Time
}

// Snapshot captures the current ledger fence.
func (s *EpisodicStore) Snapshot() *Snapshot {
	s.seqMu.Lock()
	fence := s.nextSeq - 1
	s.seqMu.Unlock()
	snap := &Snapshot{store: s, fence: fence, taken: s.clock.Now()}
	logging.StoreDebug("Snapshot taken at fence=%d", fence)
	return snap
}

// Time returns the instant the snapshot was taken.
func (sn *Snapshot) Time() time.Time {
	return sn.taken
}

// Frames reads the session's frame snapshots visible at the fence.
func (sn *Snapshot) Frames(ctx context.Context, sessionID string, filter FrameFilter) ([]types.TaskFrame, error) {
	return sn.store.framesWhere(ctx, sessionID, filter, sn.fence)
}

// Facts reads the session's facts visible at the fence.
func (sn *Snapshot) Facts(ctx context.Context, sessionID string, filter FactFilter) ([]types.Fact, error) {
	return sn.store.factsWhere(ctx, sessionID, filter, sn.fence)
}

// framesWhere is the shared fenced query for current frames. A fence of
// math.MaxInt64 reads the live head.
func (s *EpisodicStore) framesWhere(ctx context.Context, sessionID string, filter FrameFilter, fence int64) ([]types.TaskFrame, error) {
	query := `SELECT ` + frameColumns + ` FROM frames
		WHERE session_id = ? AND seq <= ? AND (closed_seq IS NULL OR closed_seq > ?)`
	args := []interface{}{sessionID, fence, fence}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, string(filter.ParentID))
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query current frames: %w", err)
	}
	defer rows.Close()
	return scanFrames(rows)
}

func (s *EpisodicStore) factsWhere(ctx context.Context, sessionID string, filter FactFilter, fence int64) ([]types.Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts
		WHERE session_id = ? AND seq <= ? AND (closed_seq IS NULL OR closed_seq > ?)`
	args := []interface{}{sessionID, fence, fence}
	if filter.Section != "" {
		query += ` AND section = ?`
		args = append(args, filter.Section)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query current facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// =============================================================================
// Row scanning
// =============================================================================

func scanFrames(rows *sql.Rows) ([]types.TaskFrame, error) {
	var frames []types.TaskFrame
	for rows.Next() {
		var (
			f          types.TaskFrame
			seq        int64
			parentID   sql.NullString
			result     sql.NullString
			blocked    sql.NullString
			children   sql.NullString
			trace      sql.NullString
			createdAt  string
			doneAt     sql.NullString
			ingestAt   string
			validFrom  string
			validTo    sql.NullString
			id, sessID string
			status     string
		)
		if err := rows.Scan(&seq, &id, &sessID, &parentID, &f.Goal, &status,
			&result, &blocked, &f.Depth, &children, &trace, &createdAt,
			&doneAt, &ingestAt, &validFrom, &validTo); err != nil {
			return nil, fmt.Errorf("failed to scan frame row: %w", err)
		}
		f.ID = types.FrameID(id)
		f.SessionID = sessID
		f.Status = types.FrameStatus(status)
		if parentID.Valid {
			f.ParentID = types.FrameID(parentID.String)
		}
		f.Result = result.String
		f.Blocked = blocked.String
		if children.Valid && children.String != "" {
			if err := json.Unmarshal([]byte(children.String), &f.Children); err != nil {
				return nil, fmt.Errorf("failed to decode children: %w", err)
			}
		}
		if trace.Valid && trace.String != "" {
			if err := json.Unmarshal([]byte(trace.String), &f.Trace); err != nil {
				return nil, fmt.Errorf("failed to decode trace: %w", err)
			}
		}
		var err error
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		if doneAt.Valid {
			if f.DoneAt, err = parseTime(doneAt.String); err != nil {
				return nil, fmt.Errorf("failed to parse completed_at: %w", err)
			}
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func scanFacts(rows *sql.Rows) ([]types.Fact, error) {
	var facts []types.Fact
	for rows.Next() {
		var (
			f          types.Fact
			seq        int64
			sourceID   sql.NullString
			validTo    sql.NullString
			id, sessID string
			tier       string
			eventAt    string
			ingestAt   string
			validFrom  string
		)
		if err := rows.Scan(&seq, &id, &sessID, &f.Section, &f.Content,
			&f.Helpful, &f.Harmful, &tier, &sourceID, &eventAt, &ingestAt,
			&validFrom, &validTo); err != nil {
			return nil, fmt.Errorf("failed to scan fact row: %w", err)
		}
		f.ID = types.FactID(id)
		f.SessionID = sessID
		f.Tier = types.ProvenanceTier(tier)
		f.SourceID = sourceID.String
		var err error
		if f.EventAt, err = parseTime(eventAt); err != nil {
			return nil, fmt.Errorf("failed to parse event_at: %w", err)
		}
		if f.IngestAt, err = parseTime(ingestAt); err != nil {
			return nil, fmt.Errorf("failed to parse ingest_at: %w", err)
		}
		if f.ValidFrom, err = parseTime(validFrom); err != nil {
			return nil, fmt.Errorf("failed to parse valid_from: %w", err)
		}
		if validTo.Valid {
			if f.ValidTo, err = parseTime(validTo.String); err != nil {
				return nil, fmt.Errorf("failed to parse valid_to: %w", err)
			}
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
