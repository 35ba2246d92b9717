// Package runstate persists the run / object-run state machine that lets
// concurrent workers cooperate through Postgres without duplicating work.
//
// A run is an account-scoped coordination context keyed by
// (account_id, started_at). Each object the run covers has one object-run
// row walking pending -> running -> complete, with error reachable from any
// non-terminal state and running -> pending as the yield edge between pages.
package runstate

import (
	"context"
	"errors"
	"time"
)

// Status is the object-run state
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Terminal reports whether s is a terminal state
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// ErrInvalidTransition is returned when a transition is attempted from a
// state that does not allow it.
var ErrInvalidTransition = errors.New("runstate: invalid transition")

// Run identifies one coordination context
type Run struct {
	AccountID string
	StartedAt time.Time
	// IsNew is true for exactly one caller of GetOrCreateSyncRun per run
	IsNew          bool
	TriggeredBy    string
	MaxConcurrency int
}

// ObjectRun is the per-object coordination record within a run
type ObjectRun struct {
	AccountID    string
	RunStartedAt time.Time
	Object       string
	Status       Status
	// Cursor is the watermark carried between runs: max created seen for
	// REST objects, a serialized tuple for analytical ones.
	Cursor string
	// PageCursor is the intra-walk continuation token (last row id),
	// cleared on completion.
	PageCursor string
	Progress   int
	Error      string
	Heartbeat  time.Time
}

// Task is a claimed unit of work
type Task struct {
	Object     string
	Cursor     string
	PageCursor string
}

// ObjectSpec names one object to cover, with its claim ordering
type ObjectSpec struct {
	Name  string
	Order int
}

// RunStatus is the derived view over a run's object rows
type RunStatus struct {
	AccountID     string
	StartedAt     time.Time
	ClosedAt      *time.Time
	Status        string
	PendingCount  int
	RunningCount  int
	CompleteCount int
	ErrorCount    int
	Errors        map[string]string
}

// Store is the persisted state machine. The Postgres implementation is the
// production one; Mem mirrors its semantics for tests and the no-op adapters.
type Store interface {
	// GetOrCreateSyncRun returns the open run for the account, creating one
	// under a per-account advisory lock if none exists. Exactly one
	// concurrent caller observes IsNew.
	GetOrCreateSyncRun(ctx context.Context, accountID, triggeredBy string, maxConcurrency int) (Run, error)

	// CreateObjectRuns idempotently inserts one pending row per object
	CreateObjectRuns(ctx context.Context, accountID string, runStartedAt time.Time, objects []ObjectSpec) error

	// TryStartObjectSync transitions pending -> running iff the run's
	// concurrency cap is not exceeded; false means the cap was reached.
	TryStartObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string) (bool, error)

	// ClaimNextTask atomically claims one pending object-run (work-stealing,
	// FOR UPDATE SKIP LOCKED), sets it running, and returns its cursors.
	// Nil task means nothing claimable remains.
	ClaimNextTask(ctx context.Context, accountID string, runStartedAt time.Time) (*Task, error)

	// ReleaseObjectSync returns a running object to pending while advancing
	// its page cursor, so a peer may claim the next page.
	ReleaseObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object, pageCursor string) error

	// IncrementObjectProgress adds count and returns the running total
	IncrementObjectProgress(ctx context.Context, accountID string, runStartedAt time.Time, object string, count int) (int, error)

	UpdateObjectCursor(ctx context.Context, accountID string, runStartedAt time.Time, object, cursor string) error
	UpdateObjectPageCursor(ctx context.Context, accountID string, runStartedAt time.Time, object, pageCursor string) error
	ClearObjectPageCursor(ctx context.Context, accountID string, runStartedAt time.Time, object string) error

	// CompleteObjectSync transitions running -> complete and clears the page
	// cursor
	CompleteObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string) error

	// FailObjectSync transitions any non-terminal state to error
	FailObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object, message string) error

	// CloseSyncRun stamps closed_at once all object-runs are terminal
	CloseSyncRun(ctx context.Context, accountID string, runStartedAt time.Time) error

	// GetObjectRun reads one object-run row, nil if absent
	GetObjectRun(ctx context.Context, accountID string, runStartedAt time.Time, object string) (*ObjectRun, error)

	// GetLastCursorBeforeRun returns the watermark of the most recent run
	// before runStartedAt that completed this object, or "".
	GetLastCursorBeforeRun(ctx context.Context, accountID, object string, runStartedAt time.Time) (string, error)

	// TouchHeartbeat refreshes a running object-run's liveness stamp
	TouchHeartbeat(ctx context.Context, accountID string, runStartedAt time.Time, object string) error

	// CancelStaleRuns errors out open runs older than maxAge (crash recovery)
	CancelStaleRuns(ctx context.Context, accountID string, maxAge time.Duration) (int, error)

	// ResetStuckRunningObjects demotes running rows with stale heartbeats
	// back to pending, preserving their page cursors.
	ResetStuckRunningObjects(ctx context.Context, accountID string, runStartedAt time.Time, threshold time.Duration) (int, error)

	// GetRunStatus derives the run's status and per-object counts
	GetRunStatus(ctx context.Context, accountID string, runStartedAt time.Time) (*RunStatus, error)
}

// DeriveStatus computes a run's status from its object counts: open while
// any object is non-terminal, error if any terminal object failed, complete
// otherwise.
func DeriveStatus(pending, running, complete, errored int) string {
	if pending+running > 0 {
		return "running"
	}
	if errored > 0 {
		return "error"
	}
	return "complete"
}
