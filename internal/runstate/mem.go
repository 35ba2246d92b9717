package runstate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Mem is an in-memory Store with the same semantics as Postgres. It backs the
// unit tests and the non-Postgres no-op adapters; it is not safe for
// multi-process use.
type Mem struct {
	mu   sync.Mutex
	runs map[string]*memRun // key: accountID + "|" + startedAt
	// Now is the clock; overridable in tests
	Now func() time.Time

	seq int64
}

type memRun struct {
	run     Run
	closed  *time.Time
	objects map[string]*memObjectRun
}

type memObjectRun struct {
	ObjectRun
	ord int
}

// NewMem creates an empty in-memory store
func NewMem() *Mem {
	return &Mem{runs: make(map[string]*memRun), Now: time.Now}
}

func runKey(accountID string, startedAt time.Time) string {
	return accountID + "|" + startedAt.UTC().Format(time.RFC3339Nano)
}

func (m *Mem) openRun(accountID string) *memRun {
	var newest *memRun
	for _, r := range m.runs {
		if r.run.AccountID != accountID || r.closed != nil {
			continue
		}
		if newest == nil || r.run.StartedAt.After(newest.run.StartedAt) {
			newest = r
		}
	}
	return newest
}

func (m *Mem) getRun(accountID string, startedAt time.Time) *memRun {
	return m.runs[runKey(accountID, startedAt)]
}

func (m *Mem) GetOrCreateSyncRun(ctx context.Context, accountID, triggeredBy string, maxConcurrency int) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	if open := m.openRun(accountID); open != nil {
		out := open.run
		out.IsNew = false
		return out, nil
	}

	// Monotonic start times even under a coarse clock
	m.seq++
	startedAt := m.Now().UTC().Add(time.Duration(m.seq) * time.Nanosecond)
	r := &memRun{
		run: Run{
			AccountID:      accountID,
			StartedAt:      startedAt,
			TriggeredBy:    triggeredBy,
			MaxConcurrency: maxConcurrency,
		},
		objects: make(map[string]*memObjectRun),
	}
	m.runs[runKey(accountID, startedAt)] = r

	out := r.run
	out.IsNew = true
	return out, nil
}

func (m *Mem) CreateObjectRuns(ctx context.Context, accountID string, runStartedAt time.Time, objects []ObjectSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getRun(accountID, runStartedAt)
	if r == nil {
		return fmt.Errorf("runstate: unknown run %s/%s", accountID, runStartedAt)
	}
	for _, obj := range objects {
		if _, exists := r.objects[obj.Name]; exists {
			continue
		}
		r.objects[obj.Name] = &memObjectRun{
			ObjectRun: ObjectRun{
				AccountID:    accountID,
				RunStartedAt: runStartedAt,
				Object:       obj.Name,
				Status:       StatusPending,
			},
			ord: obj.Order,
		}
	}
	return nil
}

func (m *Mem) runningCount(r *memRun) int {
	n := 0
	for _, o := range r.objects {
		if o.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (m *Mem) TryStartObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getRun(accountID, runStartedAt)
	if r == nil {
		return false, fmt.Errorf("runstate: unknown run %s/%s", accountID, runStartedAt)
	}
	o := r.objects[object]
	if o == nil || o.Status != StatusPending {
		return false, nil
	}
	if m.runningCount(r) >= r.run.MaxConcurrency {
		return false, nil
	}
	o.Status = StatusRunning
	o.Heartbeat = m.Now()
	return true, nil
}

func (m *Mem) ClaimNextTask(ctx context.Context, accountID string, runStartedAt time.Time) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getRun(accountID, runStartedAt)
	if r == nil {
		return nil, fmt.Errorf("runstate: unknown run %s/%s", accountID, runStartedAt)
	}

	pending := make([]*memObjectRun, 0, len(r.objects))
	for _, o := range r.objects {
		if o.Status == StatusPending {
			pending = append(pending, o)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ord < pending[j].ord })

	o := pending[0]
	o.Status = StatusRunning
	o.Heartbeat = m.Now()
	return &Task{Object: o.Object, Cursor: o.Cursor, PageCursor: o.PageCursor}, nil
}

func (m *Mem) obj(accountID string, runStartedAt time.Time, object string) (*memObjectRun, error) {
	r := m.getRun(accountID, runStartedAt)
	if r == nil {
		return nil, fmt.Errorf("runstate: unknown run %s/%s", accountID, runStartedAt)
	}
	o := r.objects[object]
	if o == nil {
		return nil, fmt.Errorf("runstate: unknown object run %s", object)
	}
	return o, nil
}

func (m *Mem) ReleaseObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object, pageCursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.obj(accountID, runStartedAt, object)
	if err != nil {
		return err
	}
	if o.Status != StatusRunning {
		return fmt.Errorf("%w: release %s from %s", ErrInvalidTransition, object, o.Status)
	}
	o.Status = StatusPending
	o.PageCursor = pageCursor
	return nil
}

func (m *Mem) IncrementObjectProgress(ctx context.Context, accountID string, runStartedAt time.Time, object string, count int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.obj(accountID, runStartedAt, object)
	if err != nil {
		return 0, err
	}
	o.Progress += count
	return o.Progress, nil
}

func (m *Mem) UpdateObjectCursor(ctx context.Context, accountID string, runStartedAt time.Time, object, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.obj(accountID, runStartedAt, object)
	if err != nil {
		return err
	}
	o.Cursor = cursor
	return nil
}

func (m *Mem) UpdateObjectPageCursor(ctx context.Context, accountID string, runStartedAt time.Time, object, pageCursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.obj(accountID, runStartedAt, object)
	if err != nil {
		return err
	}
	o.PageCursor = pageCursor
	return nil
}

func (m *Mem) ClearObjectPageCursor(ctx context.Context, accountID string, runStartedAt time.Time, object string) error {
	return m.UpdateObjectPageCursor(ctx, accountID, runStartedAt, object, "")
}

func (m *Mem) CompleteObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.obj(accountID, runStartedAt, object)
	if err != nil {
		return err
	}
	if o.Status != StatusRunning {
		return fmt.Errorf("%w: complete %s from %s", ErrInvalidTransition, object, o.Status)
	}
	o.Status = StatusComplete
	o.PageCursor = ""
	return nil
}

func (m *Mem) FailObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.obj(accountID, runStartedAt, object)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return nil
	}
	o.Status = StatusError
	o.Error = message
	return nil
}

func (m *Mem) CloseSyncRun(ctx context.Context, accountID string, runStartedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getRun(accountID, runStartedAt)
	if r == nil {
		return fmt.Errorf("runstate: unknown run %s/%s", accountID, runStartedAt)
	}
	if r.closed == nil {
		t := m.Now()
		r.closed = &t
	}
	return nil
}

func (m *Mem) GetObjectRun(ctx context.Context, accountID string, runStartedAt time.Time, object string) (*ObjectRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getRun(accountID, runStartedAt)
	if r == nil {
		return nil, nil
	}
	o := r.objects[object]
	if o == nil {
		return nil, nil
	}
	cp := o.ObjectRun
	return &cp, nil
}

func (m *Mem) GetLastCursorBeforeRun(ctx context.Context, accountID, object string, runStartedAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *memRun
	for _, r := range m.runs {
		if r.run.AccountID != accountID || !r.run.StartedAt.Before(runStartedAt) {
			continue
		}
		o := r.objects[object]
		if o == nil || o.Status != StatusComplete || o.Cursor == "" {
			continue
		}
		if best == nil || r.run.StartedAt.After(best.run.StartedAt) {
			best = r
		}
	}
	if best == nil {
		return "", nil
	}
	return best.objects[object].Cursor, nil
}

func (m *Mem) TouchHeartbeat(ctx context.Context, accountID string, runStartedAt time.Time, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.obj(accountID, runStartedAt, object)
	if err != nil {
		return err
	}
	if o.Status == StatusRunning {
		o.Heartbeat = m.Now()
	}
	return nil
}

func (m *Mem) CancelStaleRuns(ctx context.Context, accountID string, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.Now().Add(-maxAge)
	cancelled := 0
	for _, r := range m.runs {
		if r.run.AccountID != accountID || r.closed != nil || !r.run.StartedAt.Before(cutoff) {
			continue
		}
		for _, o := range r.objects {
			if !o.Status.Terminal() {
				o.Status = StatusError
				o.Error = "stale"
			}
		}
		t := m.Now()
		r.closed = &t
		cancelled++
	}
	return cancelled, nil
}

func (m *Mem) ResetStuckRunningObjects(ctx context.Context, accountID string, runStartedAt time.Time, threshold time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getRun(accountID, runStartedAt)
	if r == nil {
		return 0, nil
	}
	cutoff := m.Now().Add(-threshold)
	reset := 0
	for _, o := range r.objects {
		if o.Status == StatusRunning && o.Heartbeat.Before(cutoff) {
			// Page cursor survives the demotion so the next claimer resumes
			// mid-walk
			o.Status = StatusPending
			reset++
		}
	}
	return reset, nil
}

func (m *Mem) GetRunStatus(ctx context.Context, accountID string, runStartedAt time.Time) (*RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.getRun(accountID, runStartedAt)
	if r == nil {
		return nil, nil
	}
	rs := &RunStatus{
		AccountID: accountID,
		StartedAt: runStartedAt,
		ClosedAt:  r.closed,
		Errors:    make(map[string]string),
	}
	for _, o := range r.objects {
		switch o.Status {
		case StatusPending:
			rs.PendingCount++
		case StatusRunning:
			rs.RunningCount++
		case StatusComplete:
			rs.CompleteCount++
		case StatusError:
			rs.ErrorCount++
		}
		if o.Error != "" {
			rs.Errors[o.Object] = o.Error
		}
	}
	rs.Status = DeriveStatus(rs.PendingCount, rs.RunningCount, rs.CompleteCount, rs.ErrorCount)
	return rs, nil
}
