package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"framestack/internal/logging"
	"framestack/internal/types"
)

// ValidFactByID returns the currently valid row of a fact, or nil when the
// fact does not exist or its interval is closed.
func (s *EpisodicStore) ValidFactByID(ctx context.Context, sessionID string, id types.FactID) (*types.Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts
		WHERE session_id = ? AND id = ? AND valid_to IS NULL
		ORDER BY seq LIMIT 1`
	rows, err := s.db.QueryContext(ctx, query, sessionID, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query fact %s: %w", id, err)
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

// ReviseFact atomically closes the prior fact's validity interval and appends
// its successor: one delta, one transaction, no partial state. The successor
// carries forward the accumulated counters and gains a fresh identifier.
func (s *EpisodicStore) ReviseFact(ctx context.Context, prior types.Fact, content string, tier types.ProvenanceTier, eventAt time.Time) (types.Fact, error) {
	now := s.clock.Now()
	closeSeq := s.takeSeq()
	newSeq := s.takeSeq()

	if !tier.Valid() {
		tier = prior.Tier
	}
	if eventAt.IsZero() {
		eventAt = now
	}

	successor := types.Fact{
		ID:        types.FactID(uuid.NewString()),
		SessionID: prior.SessionID,
		Section:   prior.Section,
		Content:   content,
		Helpful:   prior.Helpful,
		Harmful:   prior.Harmful,
		Tier:      tier,
		SourceID:  prior.SourceID,
		EventAt:   eventAt,
		IngestAt:  now,
		ValidFrom: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return successor, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE facts SET valid_to = ?, closed_seq = ?
		WHERE id = ? AND valid_to IS NULL
	`, formatTime(now), closeSeq, string(prior.ID))
	if err != nil {
		return successor, fmt.Errorf("failed to close prior fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return successor, fmt.Errorf("failed to close prior fact: %w", err)
	}
	if n == 0 {
		return successor, fmt.Errorf("fact %s: %w", prior.ID, types.ErrAlreadyInvalidated)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO facts (seq, id, session_id, section, content, content_hash,
			helpful, harmful, tier, source_id, event_at, ingest_at,
			valid_from, valid_to, closed_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
	`, newSeq, string(successor.ID), successor.SessionID, successor.Section,
		successor.Content, successor.ContentHash(), successor.Helpful,
		successor.Harmful, string(successor.Tier), nullableStr(successor.SourceID),
		formatTime(successor.EventAt), formatTime(successor.IngestAt),
		formatTime(successor.ValidFrom)); err != nil {
		return successor, fmt.Errorf("failed to append successor fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return successor, fmt.Errorf("failed to commit revision: %w", err)
	}

	s.countAppend()
	logging.StoreDebug("Revised fact %s -> %s in section %s", prior.ID, successor.ID, prior.Section)
	return successor, nil
}

// FactExists reports whether any row, valid or closed, exists for the fact
// in the session.
func (s *EpisodicStore) FactExists(ctx context.Context, sessionID string, id types.FactID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM facts WHERE session_id = ? AND id = ? LIMIT 1
	`, sessionID, string(id)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check fact existence: %w", err)
	}
	return true, nil
}
