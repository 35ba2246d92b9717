package writepath

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avonite/ledgersync/internal/remote"
)

var (
	t0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
)

func TestUpsertManyAppliesAndIsIdempotent(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	entries := []remote.Object{
		{"id": "cus_1", "email": "a@example.com"},
		{"id": "cus_2", "email": "b@example.com"},
	}

	applied, err := m.UpsertMany(ctx, "customers", "acct_1", entries, t1)
	if err != nil {
		t.Fatalf("UpsertMany() error = %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied %d rows, want 2", len(applied))
	}

	// Same page replayed at the same timestamp: applied again, same outcome
	applied, err = m.UpsertMany(ctx, "customers", "acct_1", entries, t1)
	if err != nil {
		t.Fatalf("replay UpsertMany() error = %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("replay applied %d rows, want 2 (equal timestamps overwrite)", len(applied))
	}
	if m.RowCount("customers") != 2 {
		t.Errorf("row count = %d, want 2", m.RowCount("customers"))
	}
}

func TestUpsertManyGuardDropsStaleWrite(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	if _, err := m.UpsertMany(ctx, "customers", "acct_1",
		[]remote.Object{{"id": "cus_1", "email": "new@example.com"}}, t2); err != nil {
		t.Fatal(err)
	}

	// An observation stamped earlier must be dropped silently
	applied, err := m.UpsertMany(ctx, "customers", "acct_1",
		[]remote.Object{{"id": "cus_1", "email": "old@example.com"}}, t1)
	if err != nil {
		t.Fatalf("UpsertMany() error = %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("stale write applied %v, want none", applied)
	}

	row, err := m.GetRaw(ctx, "customers", "cus_1")
	if err != nil {
		t.Fatal(err)
	}
	if email, _ := remote.GetString(row, "email"); email != "new@example.com" {
		t.Errorf("stored email = %q, stale write must not win", email)
	}
	if ts, _ := m.LastSyncedAt("customers", "cus_1"); !ts.Equal(t2) {
		t.Errorf("last synced at = %v, want %v", ts, t2)
	}
}

func TestUpsertManyMissingID(t *testing.T) {
	m := NewMem()
	_, err := m.UpsertMany(context.Background(), "customers", "acct_1",
		[]remote.Object{{"email": "nobody@example.com"}}, t1)
	if !errors.Is(err, ErrMissingID) {
		t.Fatalf("UpsertMany() error = %v, want ErrMissingID", err)
	}
}

func TestDeleteHard(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	if _, err := m.UpsertMany(ctx, "products", "acct_1",
		[]remote.Object{{"id": "prod_1"}}, t1); err != nil {
		t.Fatal(err)
	}

	removed, err := m.Delete(ctx, "products", "prod_1")
	if err != nil || !removed {
		t.Fatalf("Delete() = %v, %v, want removed", removed, err)
	}
	removed, err = m.Delete(ctx, "products", "prod_1")
	if err != nil || removed {
		t.Fatalf("second Delete() = %v, %v, want no-op", removed, err)
	}
}

func TestMarkDeletedTombstone(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	if _, err := m.UpsertMany(ctx, "customers", "acct_1",
		[]remote.Object{{"id": "cus_1", "email": "a@example.com"}}, t1); err != nil {
		t.Fatal(err)
	}

	if err := m.MarkDeleted(ctx, "customers", "acct_1", "cus_1", t2); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}
	row, _ := m.GetRaw(ctx, "customers", "cus_1")
	if deleted, _ := remote.GetBool(row, "deleted"); !deleted {
		t.Error("row not tombstoned")
	}
	if email, _ := remote.GetString(row, "email"); email != "a@example.com" {
		t.Error("tombstone must merge into the stored blob, not replace it")
	}

	// Tombstone for an absent row materializes a minimal one
	if err := m.MarkDeleted(ctx, "customers", "acct_1", "cus_ghost", t2); err != nil {
		t.Fatal(err)
	}
	ghost, _ := m.GetRaw(ctx, "customers", "cus_ghost")
	if deleted, _ := remote.GetBool(ghost, "deleted"); !deleted {
		t.Error("absent-row tombstone not materialized")
	}
}

func TestMarkDeletedGuarded(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	if _, err := m.UpsertMany(ctx, "customers", "acct_1",
		[]remote.Object{{"id": "cus_1"}}, t2); err != nil {
		t.Fatal(err)
	}

	// A delete observed before the stored state must not tombstone it
	if err := m.MarkDeleted(ctx, "customers", "acct_1", "cus_1", t1); err != nil {
		t.Fatal(err)
	}
	row, _ := m.GetRaw(ctx, "customers", "cus_1")
	if deleted, _ := remote.GetBool(row, "deleted"); deleted {
		t.Error("stale tombstone applied over a fresher row")
	}
}

func TestFindMissingEntries(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	if _, err := m.UpsertMany(ctx, "customers", "acct_1",
		[]remote.Object{{"id": "cus_1"}, {"id": "cus_2"}}, t1); err != nil {
		t.Fatal(err)
	}

	missing, err := m.FindMissingEntries(ctx, "customers", []string{"cus_1", "cus_3", "cus_3", "cus_4"})
	if err != nil {
		t.Fatalf("FindMissingEntries() error = %v", err)
	}
	if len(missing) != 2 || missing[0] != "cus_3" || missing[1] != "cus_4" {
		t.Errorf("missing = %v, want [cus_3 cus_4] deduplicated", missing)
	}
}

func TestReconcileChildList(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	// Initial state: three items under the subscription
	initial := []remote.Object{
		{"id": "si_1", "subscription": "sub_1"},
		{"id": "si_2", "subscription": "sub_1"},
		{"id": "si_3", "subscription": "sub_1"},
	}
	if err := m.ReconcileChildList(ctx, "subscription_items", "acct_1", "subscription", "sub_1", initial, t1); err != nil {
		t.Fatalf("ReconcileChildList() error = %v", err)
	}

	// The parent payload now names only si_1 and a new si_4
	next := []remote.Object{
		{"id": "si_1", "subscription": "sub_1"},
		{"id": "si_4", "subscription": "sub_1"},
	}
	if err := m.ReconcileChildList(ctx, "subscription_items", "acct_1", "subscription", "sub_1", next, t2); err != nil {
		t.Fatalf("ReconcileChildList() error = %v", err)
	}

	for _, tc := range []struct {
		id          string
		wantDeleted bool
	}{
		{"si_1", false},
		{"si_2", true},
		{"si_3", true},
		{"si_4", false},
	} {
		row, _ := m.GetRaw(ctx, "subscription_items", tc.id)
		if row == nil {
			t.Fatalf("row %s vanished; reconciliation tombstones, never hard-deletes", tc.id)
		}
		if deleted, _ := remote.GetBool(row, "deleted"); deleted != tc.wantDeleted {
			t.Errorf("%s deleted = %v, want %v", tc.id, deleted, tc.wantDeleted)
		}
	}

	// Items of other parents are untouched
	other := []remote.Object{{"id": "si_9", "subscription": "sub_2"}}
	if err := m.ReconcileChildList(ctx, "subscription_items", "acct_1", "subscription", "sub_2", other, t2); err != nil {
		t.Fatal(err)
	}
	row, _ := m.GetRaw(ctx, "subscription_items", "si_1")
	if deleted, _ := remote.GetBool(row, "deleted"); deleted {
		t.Error("reconciling sub_2 tombstoned sub_1's item")
	}
}

func TestHasDeletedColumn(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	has, err := m.HasDeletedColumn(ctx, "customers")
	if err != nil || has {
		t.Fatalf("HasDeletedColumn() = %v, %v, want false by default", has, err)
	}
	m.SetDeletedColumn("customers")
	has, err = m.HasDeletedColumn(ctx, "customers")
	if err != nil || !has {
		t.Fatalf("HasDeletedColumn() = %v, %v after declaration", has, err)
	}
}

func TestLatestCursor(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	cursor, err := m.LatestCursor(ctx, "exchange_rates", []string{"created", "id"})
	if err != nil || cursor != nil {
		t.Fatalf("empty table LatestCursor() = %v, %v, want nil", cursor, err)
	}

	rows := []remote.Object{
		{"id": "exr_b", "created": int64(100)},
		{"id": "exr_a", "created": int64(200)},
		{"id": "exr_c", "created": int64(200)},
		{"id": "exr_z", "created": int64(50)},
	}
	if _, err := m.UpsertMany(ctx, "exchange_rates", "acct_1", rows, t1); err != nil {
		t.Fatal(err)
	}

	cursor, err = m.LatestCursor(ctx, "exchange_rates", []string{"created", "id"})
	if err != nil {
		t.Fatalf("LatestCursor() error = %v", err)
	}
	// First column compares numerically, id breaks the tie
	if len(cursor) != 2 || cursor[0] != "200" || cursor[1] != "exr_c" {
		t.Errorf("LatestCursor() = %v, want [200 exr_c]", cursor)
	}
}

func TestDangerouslyDeleteSyncedAccountData(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	if _, err := m.UpsertMany(ctx, "customers", "acct_1",
		[]remote.Object{{"id": "cus_1"}, {"id": "cus_2"}}, t1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpsertMany(ctx, "customers", "acct_2",
		[]remote.Object{{"id": "cus_9"}}, t1); err != nil {
		t.Fatal(err)
	}

	deleted, err := m.DangerouslyDeleteSyncedAccountData(ctx, "acct_1", []string{"customers", "products"})
	if err != nil {
		t.Fatalf("wipe error = %v", err)
	}
	if deleted["customers"] != 2 || deleted["products"] != 0 {
		t.Errorf("deleted = %v, want customers:2 products:0", deleted)
	}
	if row, _ := m.GetRaw(ctx, "customers", "cus_9"); row == nil {
		t.Error("other account's row wiped")
	}
}
