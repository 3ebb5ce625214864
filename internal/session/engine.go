// Package session implements the per-turn engine loop: it owns the episodic
// store, one task stack per session, and the gate, assembler, and curator,
// and exposes the operations the rest of the agent consumes.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"framestack/internal/assembler"
	"framestack/internal/config"
	"framestack/internal/curator"
	"framestack/internal/gate"
	"framestack/internal/logging"
	"framestack/internal/stack"
	"framestack/internal/store"
	"framestack/internal/types"
)

// Engine is the context-management core. Sessions are independent parallel
// units of work; stack mutation within a session is serialized by the
// session's task stack.
type Engine struct {
	cfg       config.Config
	store     *store.EpisodicStore
	gate      *gate.Gate
	asm       *assembler.Assembler
	reflector *curator.Reflector
	curator   *curator.Curator
	clock     types.Clock

	mu     sync.Mutex
	stacks map[string]*stack.TaskStack
}

// NewEngine opens the episodic store and wires the components. The scorer is
// the external similarity collaborator shared by the gate and the curator's
// deduplication.
func NewEngine(cfg config.Config, scorer types.SimilarityScorer, clock types.Clock) (*Engine, error) {
	if scorer == nil {
		return nil, fmt.Errorf("similarity scorer required")
	}
	if clock == nil {
		clock = types.SystemClock{}
	}

	es, err := store.NewEpisodicStore(cfg.Store.DatabasePath, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open episodic store: %w", err)
	}

	logging.Session("Engine initialized (db=%s, budget=%d)", cfg.Store.DatabasePath, cfg.Assembly.Budget)
	return &Engine{
		cfg:       cfg,
		store:     es,
		gate:      gate.New(scorer, cfg.Gate),
		asm:       assembler.New(cfg.Assembly),
		reflector: curator.NewReflector(),
		curator:   curator.New(es, scorer, cfg.Curation),
		clock:     clock,
		stacks:    make(map[string]*stack.TaskStack),
	}, nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store exposes the episodic store for direct temporal queries.
func (e *Engine) Store() *store.EpisodicStore {
	return e.store
}

// sessionStack returns the session's task stack, creating and rehydrating it
// on first use.
func (e *Engine) sessionStack(ctx context.Context, sessionID string) (*stack.TaskStack, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts, ok := e.stacks[sessionID]; ok {
		return ts, nil
	}
	ts, err := stack.New(ctx, sessionID, e.store, e.clock)
	if err != nil {
		return nil, err
	}
	e.stacks[sessionID] = ts
	return ts, nil
}

// =============================================================================
// Task stack surface
// =============================================================================

// Push opens a new task frame under the session's current frame.
func (e *Engine) Push(ctx context.Context, sessionID, goal string) (types.FrameID, error) {
	ts, err := e.sessionStack(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return ts.Push(ctx, goal)
}

// Pop completes the session's current frame with the given result.
func (e *Engine) Pop(ctx context.Context, sessionID, result string) (types.FrameID, error) {
	ts, err := e.sessionStack(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return ts.Pop(ctx, result)
}

// Block marks the session's current frame blocked.
func (e *Engine) Block(ctx context.Context, sessionID, reason string) error {
	ts, err := e.sessionStack(ctx, sessionID)
	if err != nil {
		return err
	}
	return ts.Block(ctx, reason)
}

// Resume unblocks the session's current frame.
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	ts, err := e.sessionStack(ctx, sessionID)
	if err != nil {
		return err
	}
	return ts.Resume(ctx)
}

// Peek returns the session's current frame and ancestor path.
func (e *Engine) Peek(ctx context.Context, sessionID string) (types.FrameView, error) {
	ts, err := e.sessionStack(ctx, sessionID)
	if err != nil {
		return types.FrameView{}, err
	}
	return ts.Peek()
}

// SiblingResults returns completed sibling results for a frame.
func (e *Engine) SiblingResults(ctx context.Context, sessionID string, frameID types.FrameID) ([]string, error) {
	ts, err := e.sessionStack(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ts.SiblingResults(ctx, frameID)
}

// RecordTrace appends a tool/action line to the session's current frame.
func (e *Engine) RecordTrace(ctx context.Context, sessionID, line string) error {
	ts, err := e.sessionStack(ctx, sessionID)
	if err != nil {
		return err
	}
	return ts.RecordTrace(ctx, line)
}

// =============================================================================
// Assembly
// =============================================================================

// Assemble builds the session's payload for this turn. A budget below zero
// uses the configured default. All fact reads go through one store snapshot
// so a single call observes one consistent instant; assembly itself performs
// no mutation and may run with unlimited parallelism.
func (e *Engine) Assemble(ctx context.Context, sessionID string, budget int) (assembler.Result, error) {
	if budget < 0 {
		budget = e.cfg.Assembly.Budget
	}

	ts, err := e.sessionStack(ctx, sessionID)
	if err != nil {
		return assembler.Result{}, err
	}
	view, err := ts.Peek()
	if err != nil {
		return assembler.Result{}, err
	}
	siblings, err := ts.SiblingResults(ctx, view.Current.ID)
	if err != nil {
		return assembler.Result{}, err
	}

	snap := e.store.Snapshot()
	facts, err := snap.Facts(ctx, sessionID, store.FactFilter{})
	if err != nil {
		return assembler.Result{}, err
	}
	admitted, err := e.gate.Admit(ctx, facts, view.Current.Goal, -1)
	if err != nil {
		return assembler.Result{}, err
	}

	return e.asm.Assemble(view, siblings, admitted, budget), nil
}

// =============================================================================
// Memory consolidation
// =============================================================================

// Reflect runs the read-only phase: it maps the model's feedback onto
// proposed deltas without touching the store's content.
func (e *Engine) Reflect(ctx context.Context, refl types.Reflection) ([]types.Delta, error) {
	facts, err := e.store.CurrentFacts(ctx, refl.SessionID, store.FactFilter{})
	if err != nil {
		return nil, err
	}
	if refl.EventAt.IsZero() {
		refl.EventAt = e.clock.Now()
	}
	return e.reflector.Reflect(refl, facts), nil
}

// Curate applies proposed deltas to the session's long-term memory.
func (e *Engine) Curate(ctx context.Context, sessionID string, deltas []types.Delta) error {
	return e.curator.Curate(ctx, sessionID, deltas)
}

// =============================================================================
// Temporal queries
// =============================================================================

// Records bundles the two row kinds a temporal query can return.
type Records struct {
	Frames []types.TaskFrame
	Facts  []types.Fact
}

// QueryFilter narrows QueryCurrent results.
type QueryFilter struct {
	Status  types.FrameStatus // frame status, empty matches all
	Section string            // fact section, empty matches all
}

// QueryCurrent returns the session's currently valid rows matching filter.
func (e *Engine) QueryCurrent(ctx context.Context, sessionID string, filter QueryFilter) (Records, error) {
	frames, err := e.store.CurrentFrames(ctx, sessionID, store.FrameFilter{Status: filter.Status})
	if err != nil {
		return Records{}, err
	}
	facts, err := e.store.CurrentFacts(ctx, sessionID, store.FactFilter{Section: filter.Section})
	if err != nil {
		return Records{}, err
	}
	return Records{Frames: frames, Facts: facts}, nil
}

// QueryAsOf reconstructs what the session's ledger looked like at a past
// instant: the rows whose validity interval covered t.
func (e *Engine) QueryAsOf(ctx context.Context, sessionID string, t time.Time) (Records, error) {
	frames, err := e.store.FramesAsOf(ctx, sessionID, t)
	if err != nil {
		return Records{}, err
	}
	facts, err := e.store.FactsAsOf(ctx, sessionID, t)
	if err != nil {
		return Records{}, err
	}
	return Records{Frames: frames, Facts: facts}, nil
}

// =============================================================================
// Turn loop
// =============================================================================

// Turn runs one full agent turn: assemble the payload, call the model, record
// the action on the current frame's trace, and fold the model's per-segment
// marks back into long-term memory. Structural stack errors surface to the
// caller; truncation is only a flag on the assembly.
func (e *Engine) Turn(ctx context.Context, sessionID string, model types.ModelClient) (string, error) {
	timer := logging.StartTimer(logging.CategorySession, "Turn")
	defer timer.Stop()

	payload, err := e.Assemble(ctx, sessionID, -1)
	if err != nil {
		return "", err
	}
	if payload.Truncated {
		logging.Get(logging.CategorySession).Warn(
			"Session %s: assembly truncated at budget %d", sessionID, payload.Budget)
	}

	action, marks, err := model.Complete(ctx, payload.Segments)
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}

	if action != "" {
		if err := e.RecordTrace(ctx, sessionID, action); err != nil {
			return action, err
		}
	}

	if len(marks) > 0 {
		view, err := e.Peek(ctx, sessionID)
		if err != nil {
			return action, err
		}
		deltas, err := e.Reflect(ctx, types.Reflection{
			SessionID: sessionID,
			FrameID:   view.Current.ID,
			Marks:     marks,
			EventAt:   e.clock.Now(),
		})
		if err != nil {
			return action, err
		}
		if err := e.Curate(ctx, sessionID, deltas); err != nil {
			return action, err
		}
	}
	return action, nil
}
