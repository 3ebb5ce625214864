// Package gate implements the similarity/provenance gate: admission policy
// for candidate context items. The semantic similarity score itself comes
// from an injected collaborator; the gate only applies the floor, the
// distractor budget, and the provenance tie-break on top of it.
package gate

import (
	"context"
	"fmt"
	"sort"

	"framestack/internal/config"
	"framestack/internal/logging"
	"framestack/internal/types"
)

// Gate scores and admits candidate facts against the current goal.
type Gate struct {
	scorer types.SimilarityScorer
	cfg    config.GateConfig
}

// New creates a gate with the given scorer and policy.
func New(scorer types.SimilarityScorer, cfg config.GateConfig) *Gate {
	return &Gate{scorer: scorer, cfg: cfg}
}

// ScoredFact pairs a fact with its similarity to the current goal.
type ScoredFact struct {
	Fact       types.Fact
	Similarity float64
}

// Score returns the candidate's similarity to the current goal, clamped to
// [0,1].
func (g *Gate) Score(ctx context.Context, candidate, currentGoal string) (float64, error) {
	score, err := g.scorer.Score(ctx, candidate, currentGoal)
	if err != nil {
		return 0, fmt.Errorf("similarity scoring failed: %w", err)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// Admit scores each candidate against the goal and returns the admitted set,
// ordered by (similarity, provenance trust) descending. Candidates below the
// similarity floor are distractors; at most distractorBudget of them pass,
// highest-scoring first. A negative budget falls back to the configured
// default.
func (g *Gate) Admit(ctx context.Context, candidates []types.Fact, currentGoal string, distractorBudget int) ([]ScoredFact, error) {
	timer := logging.StartTimer(logging.CategoryGate, "Admit")
	defer timer.Stop()

	if distractorBudget < 0 {
		distractorBudget = g.cfg.DistractorBudget
	}

	scored := make([]ScoredFact, 0, len(candidates))
	for i := range candidates {
		sim, err := g.Score(ctx, candidates[i].Content, currentGoal)
		if err != nil {
			return nil, err
		}
		scored = append(scored, ScoredFact{Fact: candidates[i], Similarity: sim})
	}

	// Ties on similarity break toward the more trusted provenance tier.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Fact.Tier.TrustRank() > scored[j].Fact.Tier.TrustRank()
	})

	admitted := make([]ScoredFact, 0, len(scored))
	distractors := 0
	rejected := 0
	for _, sf := range scored {
		if sf.Similarity >= g.cfg.SimilarityFloor {
			admitted = append(admitted, sf)
			continue
		}
		if distractors < distractorBudget {
			distractors++
			admitted = append(admitted, sf)
			continue
		}
		rejected++
	}

	logging.GateDebug("Admitted %d/%d candidates (floor=%.2f, distractors=%d, rejected=%d)",
		len(admitted), len(candidates), g.cfg.SimilarityFloor, distractors, rejected)
	return admitted, nil
}
