// Package stack implements the hierarchical task stack: a tree of task
// frames per session with exactly one active path, mirroring a call stack
// for agent work. All mutation is serialized per session and every
// transition is persisted to the episodic store before it becomes visible.
package stack

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"framestack/internal/logging"
	"framestack/internal/store"
	"framestack/internal/types"
)

// maxTraceLines caps the rolling tool/action trace kept on the current frame.
const maxTraceLines = 50

// FrameStore is the persistence surface the stack needs from the episodic
// store.
type FrameStore interface {
	AppendFrame(ctx context.Context, f types.TaskFrame) (int64, error)
	CurrentFrames(ctx context.Context, sessionID string, filter store.FrameFilter) ([]types.TaskFrame, error)
}

// TaskStack is the working-set view of one session's frame tree. It holds
// only the frames on the current active path plus their immediate complete
// siblings, indexed by identifier; the episodic store owns the full history.
type TaskStack struct {
	sessionID string
	store     FrameStore
	clock     types.Clock

	// mu enforces the single-writer-per-session discipline.
	mu      sync.Mutex
	frames  map[types.FrameID]*types.TaskFrame
	current types.FrameID // empty when no stack is open
}

// New creates the task stack for a session, rehydrating any open frames from
// the episodic store.
func New(ctx context.Context, sessionID string, es FrameStore, clock types.Clock) (*TaskStack, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id required")
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	ts := &TaskStack{
		sessionID: sessionID,
		store:     es,
		clock:     clock,
		frames:    make(map[types.FrameID]*types.TaskFrame),
	}
	if err := ts.rehydrate(ctx); err != nil {
		return nil, err
	}
	return ts, nil
}

// rehydrate rebuilds the working set from currently valid snapshots. The
// open frames of a session form a single root-to-leaf path; the deepest one
// is the current frame.
func (ts *TaskStack) rehydrate(ctx context.Context) error {
	frames, err := ts.store.CurrentFrames(ctx, ts.sessionID, store.FrameFilter{})
	if err != nil {
		return fmt.Errorf("failed to rehydrate stack: %w", err)
	}
	var deepest *types.TaskFrame
	for i := range frames {
		f := frames[i]
		if f.Status == types.StatusComplete {
			continue
		}
		ts.frames[f.ID] = &f
		if deepest == nil || f.Depth > deepest.Depth {
			deepest = &f
		}
	}
	if deepest != nil {
		ts.current = deepest.ID
		logging.Stack("Rehydrated stack for session %s: current=%s depth=%d",
			ts.sessionID, deepest.ID, deepest.Depth)
	}
	return nil
}

// SessionID returns the owning session.
func (ts *TaskStack) SessionID() string {
	return ts.sessionID
}

// CurrentID returns the current frame's identifier, or empty when the stack
// is closed.
func (ts *TaskStack) CurrentID() types.FrameID {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.current
}

// Depth returns the current frame's depth, or -1 when the stack is closed.
func (ts *TaskStack) Depth() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.current == "" {
		return -1
	}
	return ts.frames[ts.current].Depth
}

// Push creates a new active frame as a child of the current frame, or as a
// new root when no stack is open. Pushing under a blocked frame is rejected:
// the frame must be resumed first.
func (ts *TaskStack) Push(ctx context.Context, goal string) (types.FrameID, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var parent *types.TaskFrame
	depth := 0
	if ts.current != "" {
		parent = ts.frames[ts.current]
		if parent.Status != types.StatusActive {
			return "", fmt.Errorf("push under %s frame %s: %w", parent.Status, parent.ID, types.ErrInvalidState)
		}
		depth = parent.Depth + 1
	}

	now := ts.clock.Now()
	frame := &types.TaskFrame{
		ID:        types.FrameID(uuid.NewString()),
		SessionID: ts.sessionID,
		Goal:      goal,
		Status:    types.StatusActive,
		Depth:     depth,
		CreatedAt: now,
	}
	if parent != nil {
		frame.ParentID = parent.ID
		parent.Children = append(parent.Children, frame.ID)
		if _, err := ts.store.AppendFrame(ctx, *parent); err != nil {
			parent.Children = parent.Children[:len(parent.Children)-1]
			return "", fmt.Errorf("failed to persist parent: %w", err)
		}
	}
	if _, err := ts.store.AppendFrame(ctx, *frame); err != nil {
		if parent != nil {
			// The parent snapshot already references a child that was never
			// created. Write a corrective snapshot even when ctx is gone so
			// the persisted children list stays consistent.
			parent.Children = parent.Children[:len(parent.Children)-1]
			if _, rerr := ts.store.AppendFrame(context.WithoutCancel(ctx), *parent); rerr != nil {
				logging.Get(logging.CategoryStack).Error(
					"Failed to roll back parent %s after child append failure: %v", parent.ID, rerr)
			}
		}
		return "", fmt.Errorf("failed to persist frame: %w", err)
	}

	ts.frames[frame.ID] = frame
	ts.current = frame.ID
	logging.Stack("Pushed frame %s depth=%d session=%s", frame.ID, depth, ts.sessionID)
	return frame.ID, nil
}

// Pop completes the current frame with the given result and makes its parent
// current. Popping a blocked frame is disallowed: a result cannot be
// attributed to an unresolved blocking condition. Popping the root closes
// the stack; the next Push starts a new root.
func (ts *TaskStack) Pop(ctx context.Context, result string) (types.FrameID, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current == "" {
		return "", fmt.Errorf("session %s: %w", ts.sessionID, types.ErrEmptyStack)
	}
	frame := ts.frames[ts.current]
	if frame.Status == types.StatusBlocked {
		return "", fmt.Errorf("pop of blocked frame %s: %w", frame.ID, types.ErrInvalidState)
	}

	prior := *frame
	frame.Status = types.StatusComplete
	frame.Result = result
	frame.Blocked = ""
	frame.DoneAt = ts.clock.Now()
	if _, err := ts.store.AppendFrame(ctx, *frame); err != nil {
		*frame = prior
		return "", fmt.Errorf("failed to persist completion: %w", err)
	}

	popped := frame.ID
	// The popped frame's completed children leave the working set; they were
	// retained only as its immediate siblings.
	for _, child := range frame.Children {
		delete(ts.frames, child)
	}
	ts.current = frame.ParentID
	if ts.current == "" {
		// Stack closed; the next Push starts a fresh root.
		ts.frames = make(map[types.FrameID]*types.TaskFrame)
	}
	logging.Stack("Popped frame %s session=%s new_current=%s", popped, ts.sessionID, ts.current)
	return popped, nil
}

// Block marks the current frame blocked with a reason. Stack shape does not
// change.
func (ts *TaskStack) Block(ctx context.Context, reason string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current == "" {
		return fmt.Errorf("session %s: %w", ts.sessionID, types.ErrEmptyStack)
	}
	frame := ts.frames[ts.current]
	if frame.Status != types.StatusActive {
		return fmt.Errorf("block of %s frame %s: %w", frame.Status, frame.ID, types.ErrInvalidState)
	}

	frame.Status = types.StatusBlocked
	frame.Blocked = reason
	if _, err := ts.store.AppendFrame(ctx, *frame); err != nil {
		frame.Status = types.StatusActive
		frame.Blocked = ""
		return fmt.Errorf("failed to persist block: %w", err)
	}
	logging.Stack("Blocked frame %s: %s", frame.ID, reason)
	return nil
}

// Resume returns the current frame to active. Resuming a frame that is not
// blocked is a no-op that reports ErrNotBlocked.
func (ts *TaskStack) Resume(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current == "" {
		return fmt.Errorf("session %s: %w", ts.sessionID, types.ErrEmptyStack)
	}
	frame := ts.frames[ts.current]
	if frame.Status != types.StatusBlocked {
		return fmt.Errorf("frame %s is %s: %w", frame.ID, frame.Status, types.ErrNotBlocked)
	}

	frame.Status = types.StatusActive
	frame.Blocked = ""
	if _, err := ts.store.AppendFrame(ctx, *frame); err != nil {
		frame.Status = types.StatusBlocked
		return fmt.Errorf("failed to persist resume: %w", err)
	}
	logging.Stack("Resumed frame %s", frame.ID)
	return nil
}

// RecordTrace appends a tool/action line to the current frame's rolling
// trace, keeping the most recent maxTraceLines entries.
func (ts *TaskStack) RecordTrace(ctx context.Context, line string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current == "" {
		return fmt.Errorf("session %s: %w", ts.sessionID, types.ErrEmptyStack)
	}
	frame := ts.frames[ts.current]
	frame.Trace = append(frame.Trace, line)
	if len(frame.Trace) > maxTraceLines {
		frame.Trace = frame.Trace[len(frame.Trace)-maxTraceLines:]
	}
	if _, err := ts.store.AppendFrame(ctx, *frame); err != nil {
		return fmt.Errorf("failed to persist trace: %w", err)
	}
	return nil
}

// Peek returns the current frame plus its materialized ancestor path from
// root to the current frame's parent. Completed ancestors carry their stored
// result in place of full detail.
func (ts *TaskStack) Peek() (types.FrameView, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current == "" {
		return types.FrameView{}, fmt.Errorf("session %s: %w", ts.sessionID, types.ErrEmptyStack)
	}
	frame := ts.frames[ts.current]

	var path []types.AncestorView
	for id := frame.ParentID; id != ""; {
		anc, ok := ts.frames[id]
		if !ok {
			break
		}
		view := types.AncestorView{ID: anc.ID, Goal: anc.Goal, Status: anc.Status}
		if anc.Status == types.StatusComplete {
			view.Result = anc.Result
		}
		if anc.Status == types.StatusBlocked {
			view.Blocked = anc.Blocked
		}
		path = append(path, view)
		id = anc.ParentID
	}
	// Collected child-to-root; the view wants root first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return types.FrameView{Current: *frame, Ancestors: path}, nil
}

// SiblingResults returns the results of all complete frames sharing the
// given frame's parent, in completion order.
func (ts *TaskStack) SiblingResults(ctx context.Context, frameID types.FrameID) ([]string, error) {
	ts.mu.Lock()
	frame, ok := ts.frames[frameID]
	ts.mu.Unlock()

	var parentID types.FrameID
	if ok {
		parentID = frame.ParentID
	} else {
		// Frame outside the working set: resolve its parent from the store.
		all, err := ts.store.CurrentFrames(ctx, ts.sessionID, store.FrameFilter{})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve frame %s: %w", frameID, err)
		}
		found := false
		for i := range all {
			if all[i].ID == frameID {
				parentID = all[i].ParentID
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("frame %s not found in session %s", frameID, ts.sessionID)
		}
	}
	if parentID == "" {
		// Roots have no siblings.
		return nil, nil
	}

	siblings, err := ts.store.CurrentFrames(ctx, ts.sessionID, store.FrameFilter{
		Status:   types.StatusComplete,
		ParentID: parentID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query siblings: %w", err)
	}

	sort.SliceStable(siblings, func(i, j int) bool {
		return siblings[i].DoneAt.Before(siblings[j].DoneAt)
	})
	results := make([]string, 0, len(siblings))
	for i := range siblings {
		if siblings[i].ID == frameID {
			continue
		}
		results = append(results, siblings[i].Result)
	}
	return results, nil
}
