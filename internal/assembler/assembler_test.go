package assembler

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"framestack/internal/config"
	"framestack/internal/gate"
	"framestack/internal/types"
)

func testConfig() config.AssemblyConfig {
	cfg := config.DefaultAssemblyConfig()
	cfg.CharsPerToken = 1.0 // one token per rune keeps test arithmetic exact
	return cfg
}

func testView() types.FrameView {
	return types.FrameView{
		Current: types.TaskFrame{
			ID:     "cur",
			Goal:   "fix failing test",
			Status: types.StatusActive,
			Trace:  []string{"go test ./...", "edit parser.go"},
		},
		Ancestors: []types.AncestorView{
			{ID: "root", Goal: "build feature", Status: types.StatusActive},
			{ID: "mid", Goal: "write tests", Status: types.StatusActive},
		},
	}
}

func scored(id, content string, tier types.ProvenanceTier, helpful int, at time.Time) gate.ScoredFact {
	return gate.ScoredFact{Fact: types.Fact{
		ID: types.FactID(id), Content: content, Tier: tier, Helpful: helpful, EventAt: at,
	}}
}

func TestAssembleTierOrder(t *testing.T) {
	a := New(testConfig())
	facts := []gate.ScoredFact{
		scored("f1", "lesson one", types.TierUser, 1, time.Unix(100, 0)),
	}

	res := a.Assemble(testView(), []string{"earlier done", "later done"}, facts, 10_000)

	if res.Truncated || res.Incomplete {
		t.Fatalf("Unexpected flags: truncated=%v incomplete=%v", res.Truncated, res.Incomplete)
	}
	roles := make([]types.SegmentRole, len(res.Segments))
	for i, s := range res.Segments {
		roles[i] = s.Role
	}
	want := []types.SegmentRole{
		types.RoleRootGoal,
		types.RoleAncestorDetail,
		types.RoleSiblingResult,
		types.RoleSiblingResult,
		types.RoleCurrentDetail,
		types.RoleMemoryFact,
	}
	if diff := cmp.Diff(want, roles); diff != "" {
		t.Errorf("Role order mismatch (-want +got):\n%s", diff)
	}
	if res.Segments[0].Text != "build feature" {
		t.Errorf("Root segment should carry the root goal verbatim, got %q", res.Segments[0].Text)
	}
	if res.Segments[2].Text != "earlier done" || res.Segments[3].Text != "later done" {
		t.Error("Sibling results must keep completion order, most recent last")
	}
	if !strings.Contains(res.Segments[4].Text, "go test ./...") {
		t.Error("Current detail should include the recent trace")
	}
}

func TestAssembleBoundHolds(t *testing.T) {
	a := New(testConfig())
	view := testView()
	facts := []gate.ScoredFact{
		scored("f1", strings.Repeat("x", 40), types.TierUser, 0, time.Unix(1, 0)),
		scored("f2", strings.Repeat("y", 40), types.TierUser, 0, time.Unix(2, 0)),
	}

	for budget := 0; budget <= 200; budget++ {
		res := a.Assemble(view, []string{"done"}, facts, budget)
		if res.Used > budget {
			t.Fatalf("Budget %d exceeded: used %d", budget, res.Used)
		}
		if total := NewTokenCounter(1.0).CountSegments(res.Segments); total != res.Used {
			t.Fatalf("Budget %d: accounting mismatch (%d vs %d)", budget, total, res.Used)
		}
	}
}

func TestAssembleRootPresence(t *testing.T) {
	a := New(testConfig())
	view := testView()
	rootCost := len("build feature")

	t.Run("root included whenever it fits", func(t *testing.T) {
		for budget := rootCost; budget < rootCost+50; budget++ {
			res := a.Assemble(view, nil, nil, budget)
			if len(res.Segments) == 0 || res.Segments[0].Role != types.RoleRootGoal {
				t.Fatalf("Budget %d: root goal segment missing", budget)
			}
			if res.Truncated {
				t.Fatalf("Budget %d: unexpected truncation", budget)
			}
		}
	})

	t.Run("sub-root budget degenerates to truncated root", func(t *testing.T) {
		res := a.Assemble(view, nil, nil, rootCost-1)
		if !res.Truncated {
			t.Fatal("Expected truncated flag")
		}
		if len(res.Segments) != 1 || res.Segments[0].Role != types.RoleRootGoal {
			t.Fatalf("Expected exactly one root-goal segment, got %+v", res.Segments)
		}
		if res.Segments[0].Cost > rootCost-1 {
			t.Errorf("Truncated root still over budget: %d", res.Segments[0].Cost)
		}
	})

	t.Run("zero budget yields empty truncated result", func(t *testing.T) {
		res := a.Assemble(view, nil, nil, 0)
		if !res.Truncated || len(res.Segments) != 0 {
			t.Errorf("Expected empty truncated result, got %+v", res)
		}
	})
}

func TestAssembleDropsWholeSegments(t *testing.T) {
	a := New(testConfig())
	view := types.FrameView{
		Current: types.TaskFrame{ID: "root", Goal: "goal", Status: types.StatusActive},
	}
	facts := []gate.ScoredFact{
		scored("f1", strings.Repeat("a", 30), types.TierUser, 2, time.Unix(1, 0)),
		scored("f2", "tiny", types.TierUser, 1, time.Unix(2, 0)),
	}

	// Room for root, current detail, and "tiny", but not the 30-rune fact.
	res := a.Assemble(view, nil, facts, len("goal")*2+8)
	if !res.Incomplete || res.Dropped != 1 {
		t.Fatalf("Expected one dropped segment, got incomplete=%v dropped=%d", res.Incomplete, res.Dropped)
	}
	for _, s := range res.Segments {
		if s.Role == types.RoleMemoryFact && s.Text != "tiny" {
			t.Errorf("Expected only the fitting fact, got %q", s.Text)
		}
	}
}

func TestAssembleDeterministic(t *testing.T) {
	a := New(testConfig())
	view := testView()
	now := time.Unix(1000, 0)
	facts := []gate.ScoredFact{
		scored("b", "beta", types.TierUser, 1, now),
		scored("a", "alpha", types.TierUser, 1, now),
		scored("c", "gamma", types.TierBootstrapped, 5, now),
	}

	first := a.Assemble(view, []string{"done"}, facts, 10_000)
	second := a.Assemble(view, []string{"done"}, facts, 10_000)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Assembly not deterministic (-first +second):\n%s", diff)
	}
}

func TestFactRanking(t *testing.T) {
	a := New(testConfig())
	view := types.FrameView{
		Current: types.TaskFrame{ID: "root", Goal: "g", Status: types.StatusActive},
	}
	older := time.Unix(100, 0)
	newer := time.Unix(200, 0)
	facts := []gate.ScoredFact{
		scored("tool-new", "tool fact", types.TierToolOutput, 9, newer),
		scored("user-old", "user fact old", types.TierUser, 0, older),
		scored("user-new", "user fact new", types.TierUser, 0, newer),
		scored("user-best", "user fact best", types.TierUser, 3, older),
	}

	res := a.Assemble(view, nil, facts, 10_000)
	var got []string
	for _, s := range res.Segments {
		if s.Role == types.RoleMemoryFact {
			got = append(got, s.SourceID)
		}
	}
	// Tier first, then net helpfulness, then recency.
	want := []string{"user-best", "user-new", "user-old", "tool-new"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Fact ranking mismatch (-want +got):\n%s", diff)
	}
}

func TestBlockedReasonSurfaces(t *testing.T) {
	a := New(testConfig())
	view := types.FrameView{
		Current: types.TaskFrame{
			ID:      "cur",
			Goal:    "deploy",
			Status:  types.StatusBlocked,
			Blocked: "awaiting approval",
		},
		Ancestors: []types.AncestorView{
			{ID: "root", Goal: "ship release", Status: types.StatusActive},
		},
	}

	res := a.Assemble(view, nil, nil, 10_000)
	found := false
	for _, s := range res.Segments {
		if s.Role == types.RoleCurrentDetail && strings.Contains(s.Text, "awaiting approval") {
			found = true
		}
	}
	if !found {
		t.Error("Blocked reason missing from current detail")
	}
}
