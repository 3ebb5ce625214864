package types

import (
	"context"
	"time"
)

// SimilarityScorer scores the semantic similarity of two text spans in [0,1].
// The real implementation lives outside this module (embedding service,
// vector index); the gate and curator only consume the score.
type SimilarityScorer interface {
	Score(ctx context.Context, a, b string) (float64, error)
}

// ScorerFunc adapts a plain function to the SimilarityScorer interface.
type ScorerFunc func(ctx context.Context, a, b string) (float64, error)

// Score implements SimilarityScorer.
func (f ScorerFunc) Score(ctx context.Context, a, b string) (float64, error) {
	return f(ctx, a, b)
}

// Clock provides timestamps for created_at and ingestion times. Injected so
// tests can drive time deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation of Clock.
type SystemClock struct{}

// Now returns the current wall-clock time in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ModelClient is the text-generation collaborator. It receives the assembled
// payload and returns the agent's next action plus optional per-segment
// helpful/harmful marks.
type ModelClient interface {
	Complete(ctx context.Context, segments []Segment) (action string, marks []SegmentMark, err error)
}
