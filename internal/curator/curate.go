package curator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"framestack/internal/config"
	"framestack/internal/logging"
	"framestack/internal/store"
	"framestack/internal/types"
)

// Curator applies proposed deltas to the episodic store. Each delta touches
// exactly its addressed section; passes on one section are serialized while
// disjoint sections proceed in parallel.
type Curator struct {
	store  *store.EpisodicStore
	scorer types.SimilarityScorer
	cfg    config.CurationConfig

	mu       sync.Mutex
	sections map[string]*sync.Mutex
}

// New creates a curator over the given store. The scorer drives content
// deduplication; it is the same external collaborator the gate uses.
func New(es *store.EpisodicStore, scorer types.SimilarityScorer, cfg config.CurationConfig) *Curator {
	return &Curator{
		store:    es,
		scorer:   scorer,
		cfg:      cfg,
		sections: make(map[string]*sync.Mutex),
	}
}

// sectionLock returns the mutex serializing curation of one section,
// creating it on first use. Locks are never removed: the section universe is
// small and stable.
func (c *Curator) sectionLock(section string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.sections[section]
	if !ok {
		l = &sync.Mutex{}
		c.sections[section] = l
	}
	return l
}

// Curate applies the deltas of one reflection. The whole set is validated
// up front: a malformed delta (empty section, unknown op, missing or
// mismatched fact target) rejects the entire reflection with
// ErrMalformedDelta and leaves the store untouched. Valid deltas are grouped
// by section and applied in proposal order under that section's lock,
// disjoint sections in parallel; cancellation stops between deltas and
// leaves the store at the last fully-applied one. Concurrent reflections
// touching different sections never wait on each other.
func (c *Curator) Curate(ctx context.Context, sessionID string, deltas []types.Delta) error {
	timer := logging.StartTimer(logging.CategoryCurator, "Curate")
	defer timer.StopWithThreshold(500 * time.Millisecond)

	for _, d := range deltas {
		if err := c.validateDelta(ctx, sessionID, d); err != nil {
			return err
		}
	}

	grouped := make(map[string][]types.Delta)
	var order []string
	for _, d := range deltas {
		if _, ok := grouped[d.Section]; !ok {
			order = append(order, d.Section)
		}
		grouped[d.Section] = append(grouped[d.Section], d)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, section := range order {
		section := section
		batch := grouped[section]
		g.Go(func() error {
			lock := c.sectionLock(section)
			lock.Lock()
			defer lock.Unlock()
			for _, d := range batch {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := c.applyDelta(gctx, sessionID, d); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// validateDelta checks one delta's shape and targets without applying it.
// Validation for the whole reflection runs before any write so a bad delta
// cannot leave its predecessors committed.
func (c *Curator) validateDelta(ctx context.Context, sessionID string, d types.Delta) error {
	if d.Section == "" {
		return fmt.Errorf("delta with empty section: %w", types.ErrMalformedDelta)
	}
	switch d.Op {
	case types.OpIncrementHelpful, types.OpIncrementHarmful:
		return c.checkFactTarget(ctx, sessionID, d)
	case types.OpAddContent:
		if d.Content == "" {
			return fmt.Errorf("add-content delta without content: %w", types.ErrMalformedDelta)
		}
		return nil
	case types.OpReviseContent:
		if d.Content == "" {
			return fmt.Errorf("revise-content delta without content: %w", types.ErrMalformedDelta)
		}
		return c.checkFactTarget(ctx, sessionID, d)
	default:
		return fmt.Errorf("unknown delta op %q: %w", d.Op, types.ErrMalformedDelta)
	}
}

// checkFactTarget verifies the delta addresses a currently valid fact in its
// own section.
func (c *Curator) checkFactTarget(ctx context.Context, sessionID string, d types.Delta) error {
	if d.FactID == "" {
		return fmt.Errorf("%s delta without fact id: %w", d.Op, types.ErrMalformedDelta)
	}
	fact, err := c.store.ValidFactByID(ctx, sessionID, d.FactID)
	if err != nil {
		return err
	}
	if fact == nil {
		return fmt.Errorf("%s delta targets missing fact %s: %w", d.Op, d.FactID, types.ErrMalformedDelta)
	}
	if fact.Section != d.Section {
		return fmt.Errorf("%s delta addresses section %q but fact %s lives in %q: %w",
			d.Op, d.Section, d.FactID, fact.Section, types.ErrMalformedDelta)
	}
	return nil
}

// applyDelta applies one pre-validated delta to its section. Target checks
// repeat here because another reflection may have closed the fact between
// validation and this section's turn under the lock.
func (c *Curator) applyDelta(ctx context.Context, sessionID string, d types.Delta) error {
	if d.Section == "" {
		return fmt.Errorf("delta with empty section: %w", types.ErrMalformedDelta)
	}

	switch d.Op {
	case types.OpIncrementHelpful:
		return c.applyIncrement(ctx, sessionID, d, 1, 0)
	case types.OpIncrementHarmful:
		return c.applyIncrement(ctx, sessionID, d, 0, 1)
	case types.OpAddContent:
		return c.applyAdd(ctx, sessionID, d)
	case types.OpReviseContent:
		return c.applyRevise(ctx, sessionID, d)
	default:
		return fmt.Errorf("unknown delta op %q: %w", d.Op, types.ErrMalformedDelta)
	}
}

func (c *Curator) applyIncrement(ctx context.Context, sessionID string, d types.Delta, helpful, harmful int) error {
	if err := c.checkFactTarget(ctx, sessionID, d); err != nil {
		return err
	}
	return c.store.AdjustCounters(ctx, d.FactID, helpful, harmful)
}

// applyAdd inserts new content, merging into an existing valid fact of the
// same section when the content is a semantic duplicate. Deduplication runs
// only within the section pre-filter: an identical bullet in another section
// is a different fact.
func (c *Curator) applyAdd(ctx context.Context, sessionID string, d types.Delta) error {
	if d.Content == "" {
		return fmt.Errorf("add-content delta without content: %w", types.ErrMalformedDelta)
	}

	// Exact-duplicate fast path on the content hash.
	match, err := c.store.ValidFactInSection(ctx, sessionID, d.Section, types.HashContent(d.Content))
	if err != nil {
		return err
	}
	if match == nil {
		match, err = c.findSimilar(ctx, sessionID, d.Section, d.Content)
		if err != nil {
			return err
		}
	}

	if match == nil {
		tier := d.Tier
		if !tier.Valid() {
			tier = types.TierToolOutput
		}
		_, err := c.store.AppendFact(ctx, types.Fact{
			SessionID: sessionID,
			Section:   d.Section,
			Content:   d.Content,
			Helpful:   1,
			Tier:      tier,
			EventAt:   d.EventAt,
		})
		return err
	}

	// Merge: counters sum; content is kept, or extended when the incoming
	// text strictly subsumes it in length.
	logging.Curator("Deduplicated add-content into fact %s (section %s)", match.ID, d.Section)
	if len(d.Content) > len(match.Content) {
		successor, err := c.store.ReviseFact(ctx, *match, d.Content, match.Tier, d.EventAt)
		if err != nil {
			return err
		}
		return c.store.AdjustCounters(ctx, successor.ID, 1, 0)
	}
	return c.store.AdjustCounters(ctx, match.ID, 1, 0)
}

func (c *Curator) applyRevise(ctx context.Context, sessionID string, d types.Delta) error {
	if d.FactID == "" || d.Content == "" {
		return fmt.Errorf("revise-content delta missing fact id or content: %w", types.ErrMalformedDelta)
	}
	prior, err := c.store.ValidFactByID(ctx, sessionID, d.FactID)
	if err != nil {
		return err
	}
	if prior == nil {
		return fmt.Errorf("revise-content targets missing fact %s: %w", d.FactID, types.ErrMalformedDelta)
	}
	if prior.Section != d.Section {
		return fmt.Errorf("revise-content addresses section %q but fact %s lives in %q: %w",
			d.Section, d.FactID, prior.Section, types.ErrMalformedDelta)
	}
	_, err = c.store.ReviseFact(ctx, *prior, d.Content, d.Tier, d.EventAt)
	return err
}

// findSimilar scans the section's currently valid facts for one whose
// content scores at or above the dedup threshold against the incoming text.
func (c *Curator) findSimilar(ctx context.Context, sessionID, section, content string) (*types.Fact, error) {
	candidates, err := c.store.CurrentFacts(ctx, sessionID, store.FactFilter{Section: section})
	if err != nil {
		return nil, err
	}
	var best *types.Fact
	bestScore := 0.0
	for i := range candidates {
		score, err := c.scorer.Score(ctx, content, candidates[i].Content)
		if err != nil {
			return nil, fmt.Errorf("dedup scoring failed: %w", err)
		}
		if score >= c.cfg.DedupThreshold && score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	return best, nil
}
