// Package curator implements the two-phase memory-consolidation pipeline.
//
// Reflect is read-only: it turns a completed interaction plus the model's
// per-segment helpful/harmful marks into inert proposed deltas. Curate is
// the only actor permitted to apply deltas to the episodic store. The split
// is enforced by capability: the Reflector holds no store reference.
package curator

import (
	"framestack/internal/logging"
	"framestack/internal/types"
)

// Reflector produces proposed deltas from model feedback. It never writes.
type Reflector struct{}

// NewReflector creates a reflector.
func NewReflector() *Reflector {
	return &Reflector{}
}

// Reflect maps a reflection onto localized deltas:
//
//   - each mark on a memory-fact segment becomes a counter increment for the
//     fact the segment came from;
//   - a non-empty insight becomes one add-content delta for its section.
//
// Marks that reference no known fact are skipped with a log line rather than
// failing the whole reflection; the model's segment attribution is advisory.
func (r *Reflector) Reflect(refl types.Reflection, admitted []types.Fact) []types.Delta {
	byID := make(map[string]*types.Fact, len(admitted))
	for i := range admitted {
		byID[string(admitted[i].ID)] = &admitted[i]
	}

	var deltas []types.Delta
	for _, mark := range refl.Marks {
		fact, ok := byID[mark.SourceID]
		if !ok {
			logging.CuratorDebug("Reflection mark references unknown fact %q, skipping", mark.SourceID)
			continue
		}
		op := types.OpIncrementHarmful
		if mark.Helpful {
			op = types.OpIncrementHelpful
		}
		deltas = append(deltas, types.Delta{
			Section: fact.Section,
			Op:      op,
			FactID:  fact.ID,
			EventAt: refl.EventAt,
		})
	}

	if refl.Insight != "" {
		tier := refl.Tier
		if !tier.Valid() {
			tier = types.TierToolOutput
		}
		deltas = append(deltas, types.Delta{
			Section: refl.Section,
			Op:      types.OpAddContent,
			Content: refl.Insight,
			Tier:    tier,
			EventAt: refl.EventAt,
		})
	}

	logging.CuratorDebug("Reflection for frame %s produced %d deltas", refl.FrameID, len(deltas))
	return deltas
}
