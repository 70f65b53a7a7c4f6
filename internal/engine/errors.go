package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Store-level I/O
// failures are wrapped and propagated without retry; retry policy belongs
// to the caller.
var (
	// ErrNotFound: operation on a nonexistent snapshot id.
	ErrNotFound = errors.New("snapshot not found")

	// ErrCycle: write-time rejection, the proposed caused_by link would
	// close a cycle in the causal forest. Nothing is persisted.
	ErrCycle = errors.New("causal cycle")

	// ErrUnknownActionType: strict-enumeration mode only. With strict
	// mode off, unrecognized action types are stored as-is.
	ErrUnknownActionType = errors.New("unknown action_type")

	// ErrCycleDetected: read-time, recoverable. A chain walk revisited a
	// node, which only happens if external corruption broke the forest
	// invariant. The walk stops and reports the partial chain.
	ErrCycleDetected = errors.New("cycle detected in stored causal links")

	// ErrAncestorPruned: a caused_by pointer references a snapshot that
	// no longer exists locally. Children are never cascade-deleted, so
	// this is an expected chain terminator, not a failure.
	ErrAncestorPruned = errors.New("ancestor pruned")
)

// RowFailure records one failed row inside a batch operation.
type RowFailure struct {
	ID  string `json:"id"`
	Err string `json:"error"`
}

// BatchReport accumulates the outcome of a paged sweep. Per-row failures
// never abort the batch; partial progress stays visible and the Cursor
// lets an interrupted run resume where it stopped.
type BatchReport struct {
	Examined int          `json:"examined"`
	Updated  int          `json:"updated"`
	Failures []RowFailure `json:"failures,omitempty"`
	Cursor   string       `json:"cursor,omitempty"`
}

func (r *BatchReport) fail(id string, err error) {
	r.Failures = append(r.Failures, RowFailure{ID: id, Err: err.Error()})
}

// PruneReport describes one prune pass. With DryRun set only Candidates
// is populated; nothing is deleted.
type PruneReport struct {
	DryRun     bool         `json:"dry_run"`
	Candidates []string     `json:"candidates"`
	Deleted    int          `json:"deleted"`
	Skipped    int          `json:"skipped"`
	Failures   []RowFailure `json:"failures,omitempty"`
	Cursor     string       `json:"cursor,omitempty"`
}

func (r *PruneReport) fail(id string, err error) {
	r.Failures = append(r.Failures, RowFailure{ID: id, Err: err.Error()})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// batchCursor encodes a (timestamp, id) continuation point. Keying on the
// immutable ordering fields means a cursor stays valid even when the row
// it names has been pruned since.
func batchCursor(timestamp int64, id string) string {
	if id == "" {
		return ""
	}
	return fmt.Sprintf("%d:%s", timestamp, id)
}

func parseCursor(cursor string) (int64, string, error) {
	if cursor == "" {
		return -1, "", nil
	}
	var ts int64
	var id string
	if _, err := fmt.Sscanf(cursor, "%d:%s", &ts, &id); err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return ts, id, nil
}
