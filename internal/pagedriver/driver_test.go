package pagedriver

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avonite/ledgersync/internal/registry"
	"github.com/avonite/ledgersync/internal/remote"
	"github.com/avonite/ledgersync/internal/runstate"
	"github.com/avonite/ledgersync/internal/writepath"
)

const acct = "acct_test"

type fixture struct {
	client *remote.FakeClient
	runs   *runstate.Mem
	writes *writepath.Mem
	driver *Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := remote.NewFakeClient()
	reg, err := registry.Default(client)
	require.NoError(t, err)

	runs := runstate.NewMem()
	writes := writepath.NewMem()
	return &fixture{
		client: client,
		runs:   runs,
		writes: writes,
		driver: &Driver{
			Runs:           runs,
			Writes:         writes,
			Registry:       reg,
			AccountID:      acct,
			MaxConcurrency: 4,
		},
	}
}

func seedCustomers(f *fixture, n int) {
	for i := 1; i <= n; i++ {
		f.client.Seed("customer", remote.Object{
			"id":      fmt.Sprintf("cus_%04d", i),
			"object":  "customer",
			"created": int64(1700000000 + i),
		})
	}
}

func TestProcessUntilDoneWalksAllPages(t *testing.T) {
	f := newFixture(t)
	seedCustomers(f, 350)

	total, err := f.driver.ProcessUntilDone(context.Background(), "customer", Params{TriggeredBy: "test"})
	require.NoError(t, err)
	require.Equal(t, 350, total)
	require.Equal(t, 350, f.writes.RowCount("customers"))

	// 4 list calls: 100+100+100+50
	require.Equal(t, 4, f.client.ListCalls)

	run, err := f.runs.GetOrCreateSyncRun(context.Background(), acct, "probe", 4)
	require.NoError(t, err)
	or, err := f.runs.GetObjectRun(context.Background(), acct, run.StartedAt, "customer")
	// The walk's run is still open (not closed by ProcessUntilDone), so the
	// probe joined it rather than creating a new one.
	require.NoError(t, err)
	require.NotNil(t, or)
	require.Equal(t, runstate.StatusComplete, or.Status)
	require.Empty(t, or.PageCursor, "page cursor must be cleared on completion")
	require.Equal(t, "1700000350", or.Cursor, "watermark must be the newest created seen")
	require.Equal(t, 350, or.Progress)
}

func TestProcessNextOnePageAtATime(t *testing.T) {
	f := newFixture(t)
	seedCustomers(f, 150)
	ctx := context.Background()

	res, err := f.driver.ProcessNext(ctx, "customer", Params{TriggeredBy: "test"})
	require.NoError(t, err)
	require.Equal(t, 100, res.Processed)
	require.True(t, res.HasMore)
	require.NotEmpty(t, res.NextPageCursor)
	require.Equal(t, 100, f.writes.RowCount("customers"))

	// Terminal object-runs are a no-op
	res2, err := f.driver.ProcessNext(ctx, "customer", Params{RunStartedAt: res.RunStartedAt})
	require.NoError(t, err)
	require.Equal(t, 50, res2.Processed)
	require.False(t, res2.HasMore)

	res3, err := f.driver.ProcessNext(ctx, "customer", Params{RunStartedAt: res.RunStartedAt})
	require.NoError(t, err)
	require.Zero(t, res3.Processed)
	require.False(t, res3.HasMore)
}

func TestNewcomersMidWalkAreCaughtByNextRun(t *testing.T) {
	f := newFixture(t)
	seedCustomers(f, 150)
	ctx := context.Background()

	// First page done, then a newcomer arrives with the newest created
	res, err := f.driver.ProcessNext(ctx, "customer", Params{TriggeredBy: "test"})
	require.NoError(t, err)
	require.True(t, res.HasMore)

	f.client.Seed("customer", remote.Object{
		"id": "cus_new", "object": "customer", "created": int64(1700099999),
	})

	total, err := f.driver.ProcessUntilDone(ctx, "customer", Params{RunStartedAt: res.RunStartedAt})
	require.NoError(t, err)

	// The anchored walk must not double-count, and misses the newcomer
	require.Equal(t, 50, total)
	if row, _ := f.writes.GetRaw(ctx, "customers", "cus_new"); row != nil {
		t.Fatal("newcomer visible mid-walk; starting_after anchoring should skip it")
	}
	require.NoError(t, f.runs.CloseSyncRun(ctx, acct, res.RunStartedAt))

	// The next run narrows by the previous watermark and picks it up
	listCallsBefore := f.client.ListCalls
	total, err = f.driver.ProcessUntilDone(ctx, "customer", Params{TriggeredBy: "test"})
	require.NoError(t, err)
	require.Equal(t, 1, f.client.ListCalls-listCallsBefore, "incremental run should need one page")

	row, _ := f.writes.GetRaw(ctx, "customers", "cus_new")
	require.NotNil(t, row, "newcomer must be caught by the incremental run")
	require.LessOrEqual(t, total, 2, "created.gte narrows the listing to the watermark boundary")
}

func TestEmptyPageWithHasMoreFailsObject(t *testing.T) {
	f := newFixture(t)
	f.client.ForceEmptyHasMore["customer"] = true
	ctx := context.Background()

	_, err := f.driver.ProcessNext(ctx, "customer", Params{TriggeredBy: "test"})
	require.ErrorIs(t, err, ErrInconsistentPage)

	run, _ := f.runs.GetOrCreateSyncRun(ctx, acct, "probe", 4)
	or, err := f.runs.GetObjectRun(ctx, acct, run.StartedAt, "customer")
	require.NoError(t, err)
	require.Equal(t, runstate.StatusError, or.Status)
	require.Contains(t, or.Error, "empty page")
}

func TestConcurrencyCapSignalsRetry(t *testing.T) {
	f := newFixture(t)
	f.driver.MaxConcurrency = 1
	seedCustomers(f, 150)
	f.client.Seed("product", remote.Object{"id": "prod_1", "object": "product", "created": int64(1)})
	ctx := context.Background()

	// customer holds the only slot mid-walk
	res, err := f.driver.ProcessNext(ctx, "customer", Params{TriggeredBy: "test"})
	require.NoError(t, err)
	require.True(t, res.HasMore)

	// product cannot start: cap hit reads as retry-later, not failure
	res2, err := f.driver.ProcessNext(ctx, "product", Params{RunStartedAt: res.RunStartedAt})
	require.NoError(t, err)
	require.Zero(t, res2.Processed)
	require.True(t, res2.HasMore)

	or, err := f.runs.GetObjectRun(ctx, acct, res.RunStartedAt, "product")
	require.NoError(t, err)
	require.Equal(t, runstate.StatusPending, or.Status)
}

func TestSkipInaccessibleCompletesObject(t *testing.T) {
	f := newFixture(t)
	f.driver.SkipInaccessible = true
	f.client.ListErr["dispute"] = remote.ErrPermission
	ctx := context.Background()

	res, err := f.driver.ProcessNext(ctx, "dispute", Params{TriggeredBy: "test"})
	require.NoError(t, err)
	require.Zero(t, res.Processed)
	require.False(t, res.HasMore)

	or, err := f.runs.GetObjectRun(ctx, acct, res.RunStartedAt, "dispute")
	require.NoError(t, err)
	require.Equal(t, runstate.StatusComplete, or.Status)
}

func TestListErrorFailsObject(t *testing.T) {
	f := newFixture(t)
	f.client.ListErr["dispute"] = remote.ErrPermission
	ctx := context.Background()

	// Without the skip flag a permission failure is a real failure
	res, err := f.driver.ProcessNext(ctx, "dispute", Params{TriggeredBy: "test"})
	require.ErrorIs(t, err, remote.ErrPermission)

	or, gerr := f.runs.GetObjectRun(ctx, acct, res.RunStartedAt, "dispute")
	require.NoError(t, gerr)
	require.Equal(t, runstate.StatusError, or.Status)
}

func TestExpandTruncatedChildLists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The embedded list is truncated: the newest item inline, two more remote
	f.client.Seed("subscription", remote.Object{
		"id": "sub_1", "object": "subscription", "customer": "cus_1", "created": int64(100),
		"items": map[string]any{
			"object":   "list",
			"has_more": true,
			"data": []any{
				map[string]any{"id": "si_3", "object": "subscription_item", "subscription": "sub_1", "created": int64(3)},
			},
		},
	})
	f.client.Seed("subscription_item",
		remote.Object{"id": "si_1", "object": "subscription_item", "subscription": "sub_1", "created": int64(1)},
		remote.Object{"id": "si_2", "object": "subscription_item", "subscription": "sub_1", "created": int64(2)},
		remote.Object{"id": "si_3", "object": "subscription_item", "subscription": "sub_1", "created": int64(3)},
	)
	f.client.Seed("customer", remote.Object{"id": "cus_1", "object": "customer", "created": int64(1)})

	_, err := f.driver.ProcessUntilDone(ctx, "subscription", Params{TriggeredBy: "test"})
	require.NoError(t, err)

	stored, _ := f.writes.GetRaw(ctx, "subscriptions", "sub_1")
	require.NotNil(t, stored)
	items, ok := remote.GetMap(stored, "items")
	require.True(t, ok)
	hasMore, _ := remote.GetBool(items, "has_more")
	require.False(t, hasMore, "stored parent must carry the fully expanded list")
	data, _ := remote.GetSlice(items, "data")
	require.Len(t, data, 3)

	// Reconciliation wrote every item into the child table
	require.Equal(t, 3, f.writes.RowCount("subscription_items"))
}

func TestExpandEmptyPageWithHasMoreFailsObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.Seed("subscription", remote.Object{
		"id": "sub_1", "object": "subscription", "customer": "cus_1", "created": int64(100),
		"items": map[string]any{
			"object":   "list",
			"has_more": true,
			"data": []any{
				map[string]any{"id": "si_1", "object": "subscription_item", "subscription": "sub_1", "created": int64(1)},
			},
		},
	})
	// The child endpoint misbehaves the same way the main defense guards
	// against; expansion must fail the object-run instead of spinning
	f.client.ForceEmptyHasMore["subscription_item"] = true

	res, err := f.driver.ProcessNext(ctx, "subscription", Params{TriggeredBy: "test"})
	require.ErrorIs(t, err, ErrInconsistentPage)
	require.Zero(t, f.writes.RowCount("subscriptions"), "failed expansion must not write the parent")

	or, gerr := f.runs.GetObjectRun(ctx, acct, res.RunStartedAt, "subscription")
	require.NoError(t, gerr)
	require.Equal(t, runstate.StatusError, or.Status)
	require.Contains(t, or.Error, "empty page")
}

func TestBackfillMissingParents(t *testing.T) {
	f := newFixture(t)
	f.driver.BackfillRelatedEntities = true
	ctx := context.Background()

	f.client.Seed("customer", remote.Object{"id": "cus_1", "object": "customer", "created": int64(1)})
	f.client.Seed("invoice", remote.Object{
		"id": "in_1", "object": "invoice", "customer": "cus_1", "created": int64(10),
	})

	// Walking invoices alone still materializes the referenced customer
	_, err := f.driver.ProcessUntilDone(ctx, "invoice", Params{TriggeredBy: "test"})
	require.NoError(t, err)

	row, _ := f.writes.GetRaw(ctx, "customers", "cus_1")
	require.NotNil(t, row, "referenced parent must be opportunistically backfilled")
}

func TestBackfillSkipsVanishedParents(t *testing.T) {
	f := newFixture(t)
	f.driver.BackfillRelatedEntities = true
	ctx := context.Background()

	f.client.Seed("invoice", remote.Object{
		"id": "in_1", "object": "invoice", "customer": "cus_gone", "created": int64(10),
	})

	// The referenced customer no longer exists remotely; the page still lands
	_, err := f.driver.ProcessUntilDone(ctx, "invoice", Params{TriggeredBy: "test"})
	require.NoError(t, err)
	require.Equal(t, 1, f.writes.RowCount("invoices"))
	require.Equal(t, 0, f.writes.RowCount("customers"))
}

func TestProcessNextUnknownObject(t *testing.T) {
	f := newFixture(t)
	_, err := f.driver.ProcessNext(context.Background(), "llama", Params{})
	require.ErrorIs(t, err, ErrUnknownObject)
}

func TestProcessUntilDoneParallel(t *testing.T) {
	f := newFixture(t)
	seedCustomers(f, 120)
	f.client.Seed("product", remote.Object{"id": "prod_1", "object": "product", "created": int64(1)})
	f.client.Seed("invoice", remote.Object{
		"id": "in_1", "object": "invoice", "customer": "cus_0001", "created": int64(1700000001),
	})

	result, err := f.driver.ProcessUntilDoneParallel(context.Background(), ParallelOptions{
		Objects:     []string{"product", "customer", "invoice"},
		MaxParallel: 3,
		TriggeredBy: "test",
	})
	require.NoError(t, err)
	require.Equal(t, 120, result.Processed["customer"])
	require.Equal(t, 1, result.Processed["product"])
	require.Equal(t, 1, result.Processed["invoice"])
	require.Empty(t, result.Failed)

	// Run closed once every object terminated
	status, err := f.runs.GetRunStatus(context.Background(), acct, result.RunStartedAt)
	require.NoError(t, err)
	require.Equal(t, "complete", status.Status)
	require.NotNil(t, status.ClosedAt)
}

func TestParallelContinueOnError(t *testing.T) {
	f := newFixture(t)
	seedCustomers(f, 5)
	f.client.ListErr["product"] = errors.New("remote exploded")

	result, err := f.driver.ProcessUntilDoneParallel(context.Background(), ParallelOptions{
		Objects:         []string{"product", "customer"},
		MaxParallel:     2,
		ContinueOnError: true,
		TriggeredBy:     "test",
	})
	require.NoError(t, err)
	require.Contains(t, result.Failed, "product")
	require.Equal(t, 5, result.Processed["customer"])

	status, err := f.runs.GetRunStatus(context.Background(), acct, result.RunStartedAt)
	require.NoError(t, err)
	require.Equal(t, "error", status.Status)
	require.Equal(t, 1, status.ErrorCount)
	require.Equal(t, 1, status.CompleteCount)
	require.NotNil(t, status.ClosedAt, "a run with only terminal objects must be closed")
}

func TestParallelHaltsWithoutContinueOnError(t *testing.T) {
	f := newFixture(t)
	f.client.ListErr["product"] = errors.New("remote exploded")

	_, err := f.driver.ProcessUntilDoneParallel(context.Background(), ParallelOptions{
		Objects:     []string{"product"},
		MaxParallel: 1,
		TriggeredBy: "test",
	})
	require.Error(t, err)
}

func TestJoinOrCreateSyncRunIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run1, names, err := f.driver.JoinOrCreateSyncRun(ctx, "a", nil)
	require.NoError(t, err)
	require.Len(t, names, 16)

	run2, _, err := f.driver.JoinOrCreateSyncRun(ctx, "b", nil)
	require.NoError(t, err)
	require.True(t, run2.StartedAt.Equal(run1.StartedAt), "second caller must join the open run")
	require.False(t, run2.IsNew)

	_, _, err = f.driver.JoinOrCreateSyncRun(ctx, "c", []string{"nope"})
	require.ErrorIs(t, err, ErrUnknownObject)
}

func TestShutdownStopsWorkers(t *testing.T) {
	f := newFixture(t)
	seedCustomers(f, 300)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f.driver.Shutdown()
	// stopped is reset on entry, so a fresh parallel call still runs
	result, err := f.driver.ProcessUntilDoneParallel(ctx, ParallelOptions{
		Objects:     []string{"customer"},
		MaxParallel: 1,
		TriggeredBy: "test",
	})
	require.NoError(t, err)
	require.Equal(t, 300, result.Processed["customer"])
}
