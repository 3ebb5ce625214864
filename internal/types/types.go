// Package types provides shared type definitions used across framestack packages.
// This package exists to break import cycles between the stack, store, assembler,
// and curator. Types here are foundational data structures with no complex
// dependencies.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// =============================================================================
// TASK FRAME TYPES
// =============================================================================

// FrameID uniquely identifies a task frame across all sessions.
type FrameID string

// FrameStatus is the lifecycle state of a task frame.
type FrameStatus string

const (
	StatusActive   FrameStatus = "active"
	StatusBlocked  FrameStatus = "blocked"
	StatusComplete FrameStatus = "complete"
)

// TaskFrame is one unit of hierarchical agent work. Frames form a tree per
// session with exactly one active path from root to the current leaf.
type TaskFrame struct {
	ID        FrameID     `json:"id"`
	SessionID string      `json:"session_id"`
	ParentID  FrameID     `json:"parent_id,omitempty"` // empty for roots
	Children  []FrameID   `json:"children,omitempty"`  // append-only while active
	Goal      string      `json:"goal"`
	Status    FrameStatus `json:"status"`
	Result    string      `json:"result,omitempty"` // set exactly once, on completion
	Blocked   string      `json:"blocked_reason,omitempty"`
	Depth     int         `json:"depth"` // root = 0, child = parent + 1
	Trace     []string    `json:"trace,omitempty"` // recent tool/action lines for the leaf
	CreatedAt time.Time   `json:"created_at"`
	DoneAt    time.Time   `json:"completed_at,omitzero"`
}

// IsRoot reports whether the frame has no parent.
func (f *TaskFrame) IsRoot() bool {
	return f.ParentID == ""
}

// FrameView is the materialized view returned by Peek: the current frame plus
// its ancestor path from the root down. Completed ancestors carry their stored
// result in place of full detail.
type FrameView struct {
	Current   TaskFrame
	Ancestors []AncestorView // root first, current frame's parent last
}

// AncestorView is one step of the ancestor path.
type AncestorView struct {
	ID      FrameID
	Goal    string
	Status  FrameStatus
	Result  string // populated only when Status == StatusComplete
	Blocked string // populated only when Status == StatusBlocked
}

// =============================================================================
// MEMORY FACT TYPES
// =============================================================================

// ProvenanceTier classifies the origin of a memory fact. Trust order for
// tie-breaking is user > bootstrapped > tool-output.
type ProvenanceTier string

const (
	TierBootstrapped ProvenanceTier = "bootstrapped"
	TierUser         ProvenanceTier = "user"
	TierToolOutput   ProvenanceTier = "tool-output"
)

// TrustRank returns the tier's position in the trust order; higher is more
// trusted.
func (t ProvenanceTier) TrustRank() int {
	switch t {
	case TierUser:
		return 2
	case TierBootstrapped:
		return 1
	case TierToolOutput:
		return 0
	default:
		return -1
	}
}

// Valid reports whether the tier is one of the three known values.
func (t ProvenanceTier) Valid() bool {
	return t.TrustRank() >= 0
}

// FactID uniquely identifies a memory fact row.
type FactID string

// Fact is a unit of curated long-term knowledge. Facts are bi-temporal: event
// time records when the underlying thing happened, ingestion time records when
// the store learned of it, and [ValidFrom, ValidTo) bounds the interval during
// which the fact is current. ValidTo zero means still valid.
type Fact struct {
	ID        FactID         `json:"id"`
	SessionID string         `json:"session_id"`
	Section   string         `json:"section"`
	Content   string         `json:"content"`
	Helpful   int            `json:"helpful"`
	Harmful   int            `json:"harmful"`
	Tier      ProvenanceTier `json:"tier"`
	SourceID  string         `json:"source_id,omitempty"` // originating frame or turn, non-owning
	EventAt   time.Time      `json:"event_at"`
	IngestAt  time.Time      `json:"ingest_at"`
	ValidFrom time.Time      `json:"valid_from"`
	ValidTo   time.Time      `json:"valid_to,omitzero"`
}

// CurrentlyValid reports whether the fact's validity interval is still open.
func (f *Fact) CurrentlyValid() bool {
	return f.ValidTo.IsZero()
}

// Score is the net usefulness signal accumulated from model feedback.
func (f *Fact) Score() int {
	return f.Helpful - f.Harmful
}

// ContentHash returns the canonical hash used for the at-most-one-valid-row
// constraint per (section, content).
func (f *Fact) ContentHash() string {
	return HashContent(f.Content)
}

// HashContent hashes normalized fact content for duplicate detection.
func HashContent(content string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// CONTEXT SEGMENT TYPES
// =============================================================================

// SegmentRole tags what a context segment contributes to the payload.
type SegmentRole string

const (
	RoleRootGoal        SegmentRole = "root-goal"
	RoleAncestorSummary SegmentRole = "ancestor-summary"
	RoleAncestorDetail  SegmentRole = "ancestor-detail"
	RoleSiblingResult   SegmentRole = "sibling-result"
	RoleCurrentDetail   SegmentRole = "current-detail"
	RoleMemoryFact      SegmentRole = "memory-fact"
)

// Segment is an ephemeral piece of assembled context. Segments are recomputed
// every turn and own no state beyond the current call.
type Segment struct {
	Role     SegmentRole
	Text     string
	Cost     int    // size units (tokens)
	Rank     int    // priority rank within the payload, 0 = highest
	SourceID string // frame or fact the segment came from
}

// =============================================================================
// CURATION DELTA TYPES
// =============================================================================

// DeltaOp is the kind of localized update a reflection proposes.
type DeltaOp string

const (
	OpIncrementHelpful DeltaOp = "increment-helpful"
	OpIncrementHarmful DeltaOp = "increment-harmful"
	OpAddContent       DeltaOp = "add-content"
	OpReviseContent    DeltaOp = "revise-content"
)

// Delta is an inert proposed update to exactly one section of long-term
// memory. Reflection produces deltas; only the curator may apply them.
type Delta struct {
	Section string
	Op      DeltaOp
	FactID  FactID         // target for counter increments and revisions
	Content string         // payload for add-content / revise-content
	Tier    ProvenanceTier // provenance of added content
	EventAt time.Time      // event time of the underlying observation
}

// SegmentMark is the model's helpful/harmful verdict on one assembled segment.
type SegmentMark struct {
	SourceID string
	Helpful  bool
}

// Reflection is the model-produced feedback for one completed interaction.
type Reflection struct {
	SessionID string
	FrameID   FrameID
	Insight   string        // free-form lesson text, may be empty
	Section   string        // section the insight belongs to
	Tier      ProvenanceTier
	Marks     []SegmentMark // per-segment helpful/harmful marks
	EventAt   time.Time
}
