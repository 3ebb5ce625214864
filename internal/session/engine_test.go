package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"framestack/internal/config"
	"framestack/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// constScorer rates every pair at the given similarity.
func constScorer(score float64) types.ScorerFunc {
	return func(context.Context, string, string) (float64, error) {
		return score, nil
	}
}

// scriptedModel returns a fixed action and marks, remembering what it saw.
type scriptedModel struct {
	action string
	marks  []types.SegmentMark
	err    error

	mu       sync.Mutex
	payloads [][]types.Segment
}

func (m *scriptedModel) Complete(_ context.Context, segments []types.Segment) (string, []types.SegmentMark, error) {
	m.mu.Lock()
	m.payloads = append(m.payloads, segments)
	m.mu.Unlock()
	return m.action, m.marks, m.err
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.DatabasePath = ":memory:"
	e, err := NewEngine(cfg, constScorer(0.9), newFakeClock())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPushPopThroughEngine(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rootID, err := e.Push(ctx, "sess-1", "ship the release")
	require.NoError(t, err)
	childID, err := e.Push(ctx, "sess-1", "write the changelog")
	require.NoError(t, err)

	view, err := e.Peek(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, childID, view.Current.ID)
	require.Len(t, view.Ancestors, 1)
	assert.Equal(t, rootID, view.Ancestors[0].ID)

	popped, err := e.Pop(ctx, "sess-1", "changelog written")
	require.NoError(t, err)
	assert.Equal(t, childID, popped)

	siblings, err := e.SiblingResults(ctx, "sess-1", rootID)
	require.NoError(t, err)
	assert.Empty(t, siblings, "root frames have no siblings")
}

func TestAssembleUsesDefaultBudget(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "sess-1", "refactor the importer")
	require.NoError(t, err)

	res, err := e.Assemble(ctx, "sess-1", -1)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultAssemblyConfig().Budget, res.Budget)
	assert.False(t, res.Truncated)
	require.NotEmpty(t, res.Segments)
	assert.Equal(t, types.RoleRootGoal, res.Segments[0].Role)
}

func TestAssembleIncludesCuratedFacts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "sess-1", "wire the cache layer")
	require.NoError(t, err)

	require.NoError(t, e.Curate(ctx, "sess-1", []types.Delta{{
		Section: "build",
		Op:      types.OpAddContent,
		Content: "the cache tests need redis on port 6380",
		Tier:    types.TierUser,
	}}))

	res, err := e.Assemble(ctx, "sess-1", -1)
	require.NoError(t, err)

	var factTexts []string
	for _, seg := range res.Segments {
		if seg.Role == types.RoleMemoryFact {
			factTexts = append(factTexts, seg.Text)
		}
	}
	require.Len(t, factTexts, 1)
	assert.Contains(t, factTexts[0], "redis on port 6380")
}

func TestTurnRecordsActionAndFoldsMarks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "sess-1", "fix the flaky watcher test")
	require.NoError(t, err)
	require.NoError(t, e.Curate(ctx, "sess-1", []types.Delta{{
		Section: "build",
		Op:      types.OpAddContent,
		Content: "watcher tests need a longer debounce on CI",
		Tier:    types.TierUser,
	}}))

	recs, err := e.QueryCurrent(ctx, "sess-1", QueryFilter{Section: "build"})
	require.NoError(t, err)
	require.Len(t, recs.Facts, 1)
	factID := recs.Facts[0].ID
	require.Equal(t, 1, recs.Facts[0].Helpful)

	model := &scriptedModel{
		action: "ran go test ./internal/watcher",
		marks:  []types.SegmentMark{{SourceID: string(factID), Helpful: true}},
	}
	action, err := e.Turn(ctx, "sess-1", model)
	require.NoError(t, err)
	assert.Equal(t, "ran go test ./internal/watcher", action)

	// The action landed on the current frame's trace.
	view, err := e.Peek(ctx, "sess-1")
	require.NoError(t, err)
	assert.Contains(t, view.Current.Trace, action)

	// The helpful mark reached the fact's counters.
	recs, err = e.QueryCurrent(ctx, "sess-1", QueryFilter{Section: "build"})
	require.NoError(t, err)
	require.Len(t, recs.Facts, 1)
	assert.Equal(t, 2, recs.Facts[0].Helpful)

	// And the model saw the fact in its payload.
	require.Len(t, model.payloads, 1)
	joined := ""
	for _, seg := range model.payloads[0] {
		joined += seg.Text + "\n"
	}
	assert.True(t, strings.Contains(joined, "longer debounce"), "payload should carry the admitted fact")
}

func TestTurnSurfacesModelError(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "sess-1", "anything")
	require.NoError(t, err)

	boom := errors.New("rate limited")
	_, err = e.Turn(ctx, "sess-1", &scriptedModel{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestTurnOnEmptySessionFails(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Turn(context.Background(), "sess-1", &scriptedModel{})
	assert.ErrorIs(t, err, types.ErrEmptyStack)
}

func TestQueryAsOfSeesPriorRevision(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Curate(ctx, "sess-1", []types.Delta{{
		Section: "build",
		Op:      types.OpAddContent,
		Content: "deploys go out from the main branch",
		Tier:    types.TierUser,
	}}))

	recs, err := e.QueryCurrent(ctx, "sess-1", QueryFilter{})
	require.NoError(t, err)
	require.Len(t, recs.Facts, 1)
	before := recs.Facts[0].ValidFrom
	priorID := recs.Facts[0].ID

	require.NoError(t, e.Curate(ctx, "sess-1", []types.Delta{{
		Section: "build",
		Op:      types.OpReviseContent,
		FactID:  priorID,
		Content: "deploys go out from the release branch",
		Tier:    types.TierUser,
	}}))

	// Now: only the revision is valid.
	recs, err = e.QueryCurrent(ctx, "sess-1", QueryFilter{})
	require.NoError(t, err)
	require.Len(t, recs.Facts, 1)
	assert.Equal(t, "deploys go out from the release branch", recs.Facts[0].Content)

	// As of the original ingestion instant: the original wording.
	past, err := e.QueryAsOf(ctx, "sess-1", before)
	require.NoError(t, err)
	require.Len(t, past.Facts, 1)
	assert.Equal(t, "deploys go out from the main branch", past.Facts[0].Content)
}

func TestQueryCurrentFilters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "sess-1", "root")
	require.NoError(t, err)
	_, err = e.Push(ctx, "sess-1", "child")
	require.NoError(t, err)
	_, err = e.Pop(ctx, "sess-1", "done")
	require.NoError(t, err)

	recs, err := e.QueryCurrent(ctx, "sess-1", QueryFilter{Status: types.StatusComplete})
	require.NoError(t, err)
	require.Len(t, recs.Frames, 1)
	assert.Equal(t, "child", recs.Frames[0].Goal)
}

func TestSessionsProgressIndependently(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const sessions = 4
	const framesPerSession = 8

	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		sessionID := fmt.Sprintf("sess-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Push(ctx, sessionID, "root for "+sessionID); err != nil {
				errs <- err
				return
			}
			for j := 0; j < framesPerSession; j++ {
				if _, err := e.Push(ctx, sessionID, fmt.Sprintf("step %d", j)); err != nil {
					errs <- err
					return
				}
				if err := e.RecordTrace(ctx, sessionID, "did a thing"); err != nil {
					errs <- err
					return
				}
				if _, err := e.Pop(ctx, sessionID, "step done"); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every session ends with its root active and all steps recorded complete.
	for i := 0; i < sessions; i++ {
		sessionID := fmt.Sprintf("sess-%d", i)
		view, err := e.Peek(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, "root for "+sessionID, view.Current.Goal)

		recs, err := e.QueryCurrent(ctx, sessionID, QueryFilter{Status: types.StatusComplete})
		require.NoError(t, err)
		assert.Len(t, recs.Frames, framesPerSession)
	}
}

func TestBlockedFrameSurfacesInAssembly(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "sess-1", "migrate the schema")
	require.NoError(t, err)
	require.NoError(t, e.Block(ctx, "sess-1", "waiting on DBA approval"))

	res, err := e.Assemble(ctx, "sess-1", -1)
	require.NoError(t, err)
	var current string
	for _, seg := range res.Segments {
		if seg.Role == types.RoleCurrentDetail {
			current = seg.Text
		}
	}
	assert.Contains(t, current, "waiting on DBA approval")

	require.NoError(t, e.Resume(ctx, "sess-1"))
	_, err = e.Push(ctx, "sess-1", "write the migration")
	require.NoError(t, err)
}
