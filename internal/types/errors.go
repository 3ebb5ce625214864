package types

import "errors"

// Structural and store-level error kinds. Callers match with errors.Is; the
// concrete messages carry context via fmt.Errorf wrapping at each call site.
var (
	// ErrEmptyStack is returned by Pop when the session has no active frame.
	// Fatal to the calling turn, not to the session: the next Push starts a
	// fresh root.
	ErrEmptyStack = errors.New("empty stack")

	// ErrInvalidState is returned when a stack transition is not permitted
	// from the current frame's status (push under a completed frame, pop of
	// a blocked frame).
	ErrInvalidState = errors.New("invalid frame state")

	// ErrNotBlocked reports that Resume was called on a frame that was not
	// blocked. The call is a no-op; this is a report, not a failure.
	ErrNotBlocked = errors.New("frame not blocked")

	// ErrAlreadyInvalidated reports that a fact's validity interval was
	// already closed. The store resolves the race deterministically and
	// returns this to the losing caller.
	ErrAlreadyInvalidated = errors.New("fact already invalidated")

	// ErrMalformedDelta is returned by the curator for a delta addressing an
	// unknown section, fact, or operation. The store is untouched.
	ErrMalformedDelta = errors.New("malformed delta")
)
