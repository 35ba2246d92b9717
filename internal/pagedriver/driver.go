// Package pagedriver advances paginated backfills one page at a time. Each
// invocation resolves the current run, fetches a single page, writes it
// through the timestamp-protected write path and records progress, so any
// worker in any process can pick up where another left off.
package pagedriver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avonite/ledgersync/internal/metrics"
	"github.com/avonite/ledgersync/internal/registry"
	"github.com/avonite/ledgersync/internal/remote"
	"github.com/avonite/ledgersync/internal/runstate"
	"github.com/avonite/ledgersync/internal/writepath"
)

// ErrInconsistentPage marks a provider response claiming more data while
// returning none. Retrying such a page loops forever, so the object-run is
// failed instead.
var ErrInconsistentPage = errors.New("pagedriver: empty page with hasMore=true")

// ErrUnknownObject is returned for object types absent from the registry
var ErrUnknownObject = errors.New("pagedriver: unknown object type")

// AnalyticalRunner processes one page of an analytical-query resource.
// Implemented by the analytical driver; kept as an interface here so the
// page driver stays ignorant of query submission and CSV mechanics.
type AnalyticalRunner interface {
	ProcessPage(ctx context.Context, res *registry.Resource, accountID, cursor string) (processed int, nextCursor string, hasMore bool, err error)
}

// Driver owns the per-account page walk. All coordination state lives in the
// run state store; the driver itself is stateless between calls.
type Driver struct {
	Runs     runstate.Store
	Writes   writepath.Store
	Registry *registry.Registry
	// Analytical handles resources sourced from the query endpoint
	Analytical AnalyticalRunner

	AccountID string
	// MaxConcurrency seeds new runs' concurrency cap
	MaxConcurrency int
	// BackfillRelatedEntities fetches referenced-but-missing parents before
	// each page is written
	BackfillRelatedEntities bool
	// SkipInaccessible downgrades permission errors on list calls to a
	// completed (skipped) object instead of a failure
	SkipInaccessible bool

	// stopped asks workers to exit after their current page
	stopped atomic.Bool
}

// Params tune a single ProcessNext invocation
type Params struct {
	// Created, when set, overrides the watermark entirely; history is not
	// consulted.
	Created *remote.CreatedRange
	// TriggeredBy labels a run this call may create
	TriggeredBy string
	// RunStartedAt joins an existing run instead of resolving one
	RunStartedAt time.Time
}

// PageResult reflects one processed page
type PageResult struct {
	Processed      int
	HasMore        bool
	RunStartedAt   time.Time
	NextPageCursor string
}

// resolveRun joins the open run (creating one if needed) and guarantees an
// object-run row exists for object.
func (d *Driver) resolveRun(ctx context.Context, object, triggeredBy string, runStartedAt time.Time) (time.Time, error) {
	res := d.Registry.Get(object)
	if res == nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownObject, object)
	}
	if runStartedAt.IsZero() {
		run, err := d.Runs.GetOrCreateSyncRun(ctx, d.AccountID, triggeredBy, d.MaxConcurrency)
		if err != nil {
			return time.Time{}, err
		}
		runStartedAt = run.StartedAt
	}
	err := d.Runs.CreateObjectRuns(ctx, d.AccountID, runStartedAt,
		[]runstate.ObjectSpec{{Name: object, Order: res.Order}})
	return runStartedAt, err
}

// ProcessNext fetches and applies exactly one page for object.
// A false HasMore with zero Processed on a terminal object-run is a no-op;
// HasMore true with zero Processed signals the concurrency cap was hit and
// the caller should retry later.
func (d *Driver) ProcessNext(ctx context.Context, object string, params Params) (PageResult, error) {
	res := d.Registry.Get(object)
	if res == nil {
		return PageResult{}, fmt.Errorf("%w: %s", ErrUnknownObject, object)
	}

	runStartedAt, err := d.resolveRun(ctx, object, params.TriggeredBy, params.RunStartedAt)
	if err != nil {
		return PageResult{}, err
	}
	result := PageResult{RunStartedAt: runStartedAt}

	objRun, err := d.Runs.GetObjectRun(ctx, d.AccountID, runStartedAt, object)
	if err != nil {
		return result, err
	}
	if objRun == nil {
		return result, fmt.Errorf("pagedriver: object run %s vanished", object)
	}
	if objRun.Status.Terminal() {
		return result, nil
	}
	if objRun.Status == runstate.StatusPending {
		started, err := d.Runs.TryStartObjectSync(ctx, d.AccountID, runStartedAt, object)
		if err != nil {
			return result, err
		}
		if !started {
			// Concurrency cap reached; caller retries later
			result.HasMore = true
			return result, nil
		}
	}

	if res.Analytical != nil {
		return d.processAnalyticalPage(ctx, res, runStartedAt, objRun)
	}
	return d.processRESTPage(ctx, res, runStartedAt, objRun, params)
}

func (d *Driver) processRESTPage(ctx context.Context, res *registry.Resource, runStartedAt time.Time, objRun *runstate.ObjectRun, params Params) (PageResult, error) {
	object := res.Name
	result := PageResult{RunStartedAt: runStartedAt}
	logger := log.With().Str("account", d.AccountID).Str("object", object).Logger()

	fail := func(err error) (PageResult, error) {
		if ferr := d.Runs.FailObjectSync(ctx, d.AccountID, runStartedAt, object, err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to record object failure")
		}
		return result, err
	}

	// Watermark: explicit range wins; otherwise the last completed run's
	// cursor bounds what was already seen.
	created := params.Created
	if created == nil && res.SupportsCreatedFilter {
		prev, err := d.Runs.GetLastCursorBeforeRun(ctx, d.AccountID, object, runStartedAt)
		if err != nil {
			return result, err
		}
		if wm := parseWatermark(prev); wm > 0 {
			created = &remote.CreatedRange{GTE: wm}
		}
	}

	page, err := res.List(ctx, remote.ListParams{
		Limit:         remote.MaxPageSize,
		StartingAfter: objRun.PageCursor,
		Created:       created,
	})
	if err != nil {
		if d.SkipInaccessible && errors.Is(err, remote.ErrPermission) {
			logger.Warn().Msg("object inaccessible, skipping")
			if cerr := d.Runs.CompleteObjectSync(ctx, d.AccountID, runStartedAt, object); cerr != nil {
				return result, cerr
			}
			return result, nil
		}
		return fail(fmt.Errorf("list %s: %w", object, err))
	}

	// Refuse to loop forever against a malformed server response
	if len(page.Data) == 0 && page.HasMore {
		return fail(fmt.Errorf("%w: object %s", ErrInconsistentPage, object))
	}

	if len(page.Data) > 0 {
		if err := d.expandTruncatedLists(ctx, res, page.Data); err != nil {
			return fail(err)
		}
		if d.BackfillRelatedEntities {
			if err := d.backfillMissingParents(ctx, res, page.Data); err != nil {
				return fail(err)
			}
		}

		syncedAt := time.Now().UTC()
		applied, err := d.Writes.UpsertMany(ctx, res.TableName, d.AccountID, page.Data, syncedAt)
		if err != nil {
			return fail(err)
		}
		metrics.RowsUpserted.WithLabelValues(res.TableName).Add(float64(len(applied)))
		if dropped := len(page.Data) - len(applied); dropped > 0 {
			metrics.GuardRejected.WithLabelValues(res.TableName).Add(float64(dropped))
		}

		if res.ChildList != "" {
			if err := d.reconcileChildren(ctx, res, page.Data, syncedAt); err != nil {
				return fail(err)
			}
		}

		total, err := d.Runs.IncrementObjectProgress(ctx, d.AccountID, runStartedAt, object, len(page.Data))
		if err != nil {
			return result, err
		}
		logger.Info().Int("page", len(page.Data)).Int("total", total).
			Bool("hasMore", page.HasMore).Msg("page applied")

		// Advance the watermark to the newest creation time observed
		if maxCreated := maxCreated(page.Data); maxCreated > 0 {
			if maxCreated > parseWatermark(objRun.Cursor) {
				if err := d.Runs.UpdateObjectCursor(ctx, d.AccountID, runStartedAt, object,
					strconv.FormatInt(maxCreated, 10)); err != nil {
					return result, err
				}
			}
		}

		if page.HasMore {
			last := remote.ID(page.Data[len(page.Data)-1])
			if err := d.Runs.UpdateObjectPageCursor(ctx, d.AccountID, runStartedAt, object, last); err != nil {
				return result, err
			}
			result.NextPageCursor = last
		} else {
			if err := d.Runs.ClearObjectPageCursor(ctx, d.AccountID, runStartedAt, object); err != nil {
				return result, err
			}
		}
		result.Processed = len(page.Data)
	}

	metrics.PagesProcessed.WithLabelValues(object).Inc()
	result.HasMore = page.HasMore

	if !page.HasMore {
		if err := d.Runs.CompleteObjectSync(ctx, d.AccountID, runStartedAt, object); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (d *Driver) processAnalyticalPage(ctx context.Context, res *registry.Resource, runStartedAt time.Time, objRun *runstate.ObjectRun) (PageResult, error) {
	object := res.Name
	result := PageResult{RunStartedAt: runStartedAt}
	if d.Analytical == nil {
		err := fmt.Errorf("pagedriver: no analytical runner configured for %s", object)
		_ = d.Runs.FailObjectSync(ctx, d.AccountID, runStartedAt, object, err.Error())
		return result, err
	}

	// Analytical cursors advance within the run, not across runs
	processed, nextCursor, hasMore, err := d.Analytical.ProcessPage(ctx, res, d.AccountID, objRun.Cursor)
	if err != nil {
		_ = d.Runs.FailObjectSync(ctx, d.AccountID, runStartedAt, object, err.Error())
		return result, err
	}

	if nextCursor != "" && nextCursor != objRun.Cursor {
		if err := d.Runs.UpdateObjectCursor(ctx, d.AccountID, runStartedAt, object, nextCursor); err != nil {
			return result, err
		}
	}
	if processed > 0 {
		if _, err := d.Runs.IncrementObjectProgress(ctx, d.AccountID, runStartedAt, object, processed); err != nil {
			return result, err
		}
	}
	metrics.PagesProcessed.WithLabelValues(object).Inc()

	result.Processed = processed
	result.HasMore = hasMore
	if !hasMore {
		if err := d.Runs.CompleteObjectSync(ctx, d.AccountID, runStartedAt, object); err != nil {
			return result, err
		}
	}
	return result, nil
}

// expandTruncatedLists fills child collections the list response truncated
// (has_more=true) by paging the child endpoint until exhausted.
func (d *Driver) expandTruncatedLists(ctx context.Context, res *registry.Resource, entries []remote.Object) error {
	for prop, expand := range res.ListExpands {
		for _, entry := range entries {
			coll, ok := remote.GetMap(entry, prop)
			if !ok {
				continue
			}
			hasMore, _ := remote.GetBool(coll, "has_more")
			if !hasMore {
				continue
			}
			data, _ := remote.GetSlice(coll, "data")
			for hasMore {
				startAfter := ""
				if len(data) > 0 {
					if last, ok := data[len(data)-1].(map[string]any); ok {
						startAfter = remote.ID(last)
					}
				}
				page, err := expand(ctx, entry, remote.ListParams{
					Limit:         remote.MaxPageSize,
					StartingAfter: startAfter,
				})
				if err != nil {
					return fmt.Errorf("expand %s.%s: %w", res.Name, prop, err)
				}
				// Same defense as the main page loop: an empty page claiming
				// more data would pin startAfter and spin forever
				if len(page.Data) == 0 && page.HasMore {
					return fmt.Errorf("%w: expand %s.%s", ErrInconsistentPage, res.Name, prop)
				}
				for _, child := range page.Data {
					data = append(data, child)
				}
				hasMore = page.HasMore
			}
			coll["data"] = data
			coll["has_more"] = false
		}
	}
	return nil
}

// backfillMissingParents opportunistically fetches parents referenced by this
// page that have no local row yet. Not closure-complete: only direct,
// currently-missing references are fetched.
func (d *Driver) backfillMissingParents(ctx context.Context, res *registry.Resource, entries []remote.Object) error {
	for field, parentType := range res.Dependencies {
		parent := d.Registry.Get(parentType)
		if parent == nil || parent.Retrieve == nil {
			continue
		}

		seen := make(map[string]bool)
		var ids []string
		for _, entry := range entries {
			id := referenceID(entry, field)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}

		missing, err := d.Writes.FindMissingEntries(ctx, parent.TableName, ids)
		if err != nil {
			return err
		}
		for _, id := range missing {
			obj, err := parent.Retrieve(ctx, id)
			if err != nil {
				if errors.Is(err, remote.ErrNotFound) {
					continue
				}
				return fmt.Errorf("backfill %s %s: %w", parentType, id, err)
			}
			if _, err := d.Writes.UpsertMany(ctx, parent.TableName, d.AccountID,
				[]remote.Object{obj}, time.Now().UTC()); err != nil {
				return err
			}
		}
	}
	return nil
}

// reconcileChildren syncs each parent's embedded child list against storage
func (d *Driver) reconcileChildren(ctx context.Context, res *registry.Resource, entries []remote.Object, syncedAt time.Time) error {
	for _, entry := range entries {
		coll, ok := remote.GetMap(entry, res.ChildList)
		if !ok {
			continue
		}
		data, _ := remote.GetSlice(coll, "data")
		children := make([]remote.Object, 0, len(data))
		for _, c := range data {
			if child, ok := c.(map[string]any); ok {
				children = append(children, child)
			}
		}
		err := d.Writes.ReconcileChildList(ctx, res.ChildTable, d.AccountID,
			res.ChildParentField, remote.ID(entry), children, syncedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// referenceID reads a reference field that may be a bare id or an embedded
// object
func referenceID(entry remote.Object, field string) string {
	if s, ok := remote.GetString(entry, field); ok {
		return s
	}
	if m, ok := remote.GetMap(entry, field); ok {
		return remote.ID(m)
	}
	return ""
}

func parseWatermark(cursor string) int64 {
	if cursor == "" {
		return 0
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func maxCreated(entries []remote.Object) int64 {
	var max int64
	for _, e := range entries {
		if c := remote.Created(e); c > max {
			max = c
		}
	}
	return max
}

// ProcessUntilDone drives one object to a terminal state, returning the total
// rows processed.
func (d *Driver) ProcessUntilDone(ctx context.Context, object string, params Params) (int, error) {
	total := 0
	for {
		res, err := d.ProcessNext(ctx, object, params)
		if err != nil {
			return total, err
		}
		total += res.Processed
		if params.RunStartedAt.IsZero() {
			params.RunStartedAt = res.RunStartedAt
		}
		if !res.HasMore {
			return total, nil
		}
		if res.Processed == 0 {
			// Cap contention; back off briefly before retrying
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
		}
	}
}
