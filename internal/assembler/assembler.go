// Package assembler linearizes the task stack and admitted memory facts into
// a budget-bounded ordered payload for the model. Assembly is pure: it reads
// a snapshot view, writes nothing, and is deterministic for identical inputs.
package assembler

import (
	"fmt"
	"sort"
	"strings"

	"framestack/internal/config"
	"framestack/internal/gate"
	"framestack/internal/logging"
	"framestack/internal/types"
)

// Result is one assembled payload with its size accounting.
type Result struct {
	Segments []types.Segment

	// Used is the total size cost of the included segments; always <= Budget.
	Used   int
	Budget int

	// Truncated is set when the root goal alone exceeded the budget and had
	// to be cut. Never an error: downstream consumers may warn.
	Truncated bool

	// Incomplete is set when whole segments were dropped for lack of budget.
	Incomplete bool
	Dropped    int
}

// Assembler builds payloads under a token budget.
type Assembler struct {
	cfg     config.AssemblyConfig
	counter *TokenCounter
}

// New creates an assembler from config.
func New(cfg config.AssemblyConfig) *Assembler {
	return &Assembler{cfg: cfg, counter: NewTokenCounter(cfg.CharsPerToken)}
}

// Assemble produces the ordered payload for one turn. Priority order, filled
// greedily and never reordered:
//
//  1. root goal, verbatim
//  2. ancestor path from the root's child to the current frame's parent
//     (results for complete ancestors, goals for active/blocked ones)
//  3. completed sibling results of the current frame, in completion order
//  4. the current frame's full detail
//  5. admitted memory facts, ranked by (provenance, helpful-harmful, recency)
//
// A segment that does not fit is dropped whole; nothing is cut mid-segment
// except the root goal when it alone exceeds the budget.
func (a *Assembler) Assemble(view types.FrameView, siblingResults []string, facts []gate.ScoredFact, budget int) Result {
	timer := logging.StartTimer(logging.CategoryAssembler, "Assemble")
	defer timer.Stop()

	if budget < 0 {
		budget = 0
	}
	res := Result{Budget: budget}

	rootGoal := view.Current.Goal
	rootID := view.Current.ID
	if len(view.Ancestors) > 0 {
		rootGoal = view.Ancestors[0].Goal
		rootID = view.Ancestors[0].ID
	}

	// Tier 1: the root goal is always first. If it alone exceeds the budget
	// the payload degenerates to a single truncated segment.
	rootCost := a.counter.CountString(rootGoal)
	if rootCost > budget {
		res.Truncated = true
		cut := a.counter.TruncateToBudget(rootGoal, budget)
		if cut != "" {
			seg := types.Segment{
				Role:     types.RoleRootGoal,
				Text:     cut,
				Cost:     a.counter.CountString(cut),
				SourceID: string(rootID),
			}
			res.Segments = []types.Segment{seg}
			res.Used = seg.Cost
		}
		logging.Assembler("Assembly degenerate: root goal %d tokens > budget %d", rootCost, budget)
		return res
	}

	candidates := make([]types.Segment, 0, 4+len(siblingResults)+len(facts))
	candidates = append(candidates, types.Segment{
		Role:     types.RoleRootGoal,
		Text:     rootGoal,
		SourceID: string(rootID),
	})

	// Tier 2: ancestor path below the root.
	if len(view.Ancestors) > 1 {
		for _, anc := range view.Ancestors[1:] {
			candidates = append(candidates, ancestorSegment(anc))
		}
	}

	// Tier 3: completed sibling results, completion order, most recent last.
	for i, r := range siblingResults {
		candidates = append(candidates, types.Segment{
			Role:     types.RoleSiblingResult,
			Text:     r,
			SourceID: fmt.Sprintf("sibling-%d", i),
		})
	}

	// Tier 4: the current frame's own detail.
	candidates = append(candidates, a.currentDetailSegment(view.Current))

	// Tier 5: memory facts fill whatever remains.
	for _, f := range rankFacts(facts) {
		candidates = append(candidates, types.Segment{
			Role:     types.RoleMemoryFact,
			Text:     f.Content,
			SourceID: string(f.ID),
		})
	}

	for _, seg := range candidates {
		seg.Cost = a.counter.CountString(seg.Text)
		if res.Used+seg.Cost > budget {
			res.Dropped++
			continue
		}
		seg.Rank = len(res.Segments)
		res.Segments = append(res.Segments, seg)
		res.Used += seg.Cost
	}
	res.Incomplete = res.Dropped > 0

	logging.AssemblerDebug("Assembled %d segments, %d/%d tokens, dropped=%d",
		len(res.Segments), res.Used, budget, res.Dropped)
	return res
}

// ancestorSegment renders one ancestor step: completed ancestors contribute
// their short stored result, open ones their goal text.
func ancestorSegment(anc types.AncestorView) types.Segment {
	if anc.Status == types.StatusComplete {
		return types.Segment{
			Role:     types.RoleAncestorSummary,
			Text:     anc.Result,
			SourceID: string(anc.ID),
		}
	}
	text := anc.Goal
	if anc.Status == types.StatusBlocked && anc.Blocked != "" {
		text += " [blocked: " + anc.Blocked + "]"
	}
	return types.Segment{
		Role:     types.RoleAncestorDetail,
		Text:     text,
		SourceID: string(anc.ID),
	}
}

// currentDetailSegment renders the current frame: its goal, a bounded recent
// trace, and the blocked reason if any.
func (a *Assembler) currentDetailSegment(cur types.TaskFrame) types.Segment {
	var b strings.Builder
	b.WriteString(cur.Goal)
	if cur.Status == types.StatusBlocked && cur.Blocked != "" {
		b.WriteString("\n[blocked: ")
		b.WriteString(cur.Blocked)
		b.WriteString("]")
	}
	trace := cur.Trace
	if a.cfg.TraceLines > 0 && len(trace) > a.cfg.TraceLines {
		trace = trace[len(trace)-a.cfg.TraceLines:]
	}
	for _, line := range trace {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return types.Segment{
		Role:     types.RoleCurrentDetail,
		Text:     b.String(),
		SourceID: string(cur.ID),
	}
}

// rankFacts orders admitted facts by provenance tier, then net usefulness,
// then recency, all descending. Identifier is the final tie-break so the
// order is total and assembly stays deterministic.
func rankFacts(facts []gate.ScoredFact) []types.Fact {
	ranked := make([]types.Fact, len(facts))
	for i := range facts {
		ranked[i] = facts[i].Fact
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Tier.TrustRank() != ranked[j].Tier.TrustRank() {
			return ranked[i].Tier.TrustRank() > ranked[j].Tier.TrustRank()
		}
		if ranked[i].Score() != ranked[j].Score() {
			return ranked[i].Score() > ranked[j].Score()
		}
		if !ranked[i].EventAt.Equal(ranked[j].EventAt) {
			return ranked[i].EventAt.After(ranked[j].EventAt)
		}
		if !ranked[i].IngestAt.Equal(ranked[j].IngestAt) {
			return ranked[i].IngestAt.After(ranked[j].IngestAt)
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}
