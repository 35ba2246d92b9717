package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func seedCustomers(f *FakeClient, n int) {
	for i := 1; i <= n; i++ {
		f.Seed("customer", Object{
			"id":      fmt.Sprintf("cus_%03d", i),
			"object":  "customer",
			"created": int64(1700000000 + i),
		})
	}
}

func TestFakeClientListOrder(t *testing.T) {
	f := NewFakeClient()
	seedCustomers(f, 5)

	page, err := f.List(context.Background(), "customer", ListParams{Limit: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Data) != 5 {
		t.Fatalf("List() returned %d objects, want 5", len(page.Data))
	}
	if page.HasMore {
		t.Error("List() hasMore = true, want false")
	}
	// Newest first
	if got := ID(page.Data[0]); got != "cus_005" {
		t.Errorf("first object = %s, want cus_005", got)
	}
	if got := ID(page.Data[4]); got != "cus_001" {
		t.Errorf("last object = %s, want cus_001", got)
	}
}

func TestFakeClientPagination(t *testing.T) {
	f := NewFakeClient()
	seedCustomers(f, 7)

	var ids []string
	cursor := ""
	pages := 0
	for {
		page, err := f.List(context.Background(), "customer", ListParams{Limit: 3, StartingAfter: cursor})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		pages++
		for _, o := range page.Data {
			ids = append(ids, ID(o))
		}
		if !page.HasMore {
			break
		}
		cursor = ID(page.Data[len(page.Data)-1])
	}

	if pages != 3 {
		t.Errorf("walked %d pages, want 3", pages)
	}
	if len(ids) != 7 {
		t.Errorf("walked %d objects, want 7", len(ids))
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("object %s seen twice", id)
		}
		seen[id] = true
	}
}

func TestFakeClientUnknownStartingAfter(t *testing.T) {
	f := NewFakeClient()
	seedCustomers(f, 3)

	_, err := f.List(context.Background(), "customer", ListParams{
		Limit:         10,
		StartingAfter: "cus_gone",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("List() error = %v, want ErrInvalidRequest for an unknown anchor", err)
	}

	// A known anchor still continues the walk
	page, err := f.List(context.Background(), "customer", ListParams{
		Limit:         10,
		StartingAfter: "cus_002",
	})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Data) != 1 || ID(page.Data[0]) != "cus_001" {
		t.Errorf("List() after cus_002 = %v, want [cus_001]", page.Data)
	}
}

func TestFakeClientCreatedFilter(t *testing.T) {
	f := NewFakeClient()
	seedCustomers(f, 10)

	page, err := f.List(context.Background(), "customer", ListParams{
		Limit:   100,
		Created: &CreatedRange{GTE: 1700000006},
	})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Data) != 5 {
		t.Errorf("filtered list returned %d objects, want 5", len(page.Data))
	}
	for _, o := range page.Data {
		if Created(o) < 1700000006 {
			t.Errorf("object %s created %d, below gte bound", ID(o), Created(o))
		}
	}
}

func TestFakeClientFieldFilter(t *testing.T) {
	f := NewFakeClient()
	f.Seed("subscription_item",
		Object{"id": "si_1", "subscription": "sub_a", "created": int64(1)},
		Object{"id": "si_2", "subscription": "sub_b", "created": int64(2)},
		Object{"id": "si_3", "subscription": "sub_a", "created": int64(3)},
	)

	page, err := f.List(context.Background(), "subscription_item", ListParams{
		Limit:  100,
		Filter: map[string]string{"subscription": "sub_a"},
	})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Data) != 2 {
		t.Fatalf("filtered list returned %d items, want 2", len(page.Data))
	}
}

func TestRetryClientRetriesTransient(t *testing.T) {
	f := NewFakeClient()
	seedCustomers(f, 1)
	f.ListErr["customer"] = Transient(errors.New("connection reset"))

	rc := NewRetryClient(f, RetryOpts{MaxElapsed: 2 * time.Second})
	page, err := rc.List(context.Background(), "customer", ListParams{Limit: 10})
	if err != nil {
		t.Fatalf("List() error = %v, want retry to succeed", err)
	}
	if len(page.Data) != 1 {
		t.Errorf("List() returned %d objects, want 1", len(page.Data))
	}
	if f.ListCalls < 2 {
		t.Errorf("inner ListCalls = %d, want at least 2", f.ListCalls)
	}
}

func TestRetryClientPermanentError(t *testing.T) {
	f := NewFakeClient()
	f.ListErr["customer"] = ErrPermission

	rc := NewRetryClient(f, RetryOpts{MaxElapsed: 2 * time.Second})
	_, err := rc.List(context.Background(), "customer", ListParams{Limit: 10})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("List() error = %v, want ErrPermission", err)
	}
	if f.ListCalls != 1 {
		t.Errorf("inner ListCalls = %d, want 1 (no retry on permanent errors)", f.ListCalls)
	}
}

func TestRateLimitErrorIsTransient(t *testing.T) {
	if !IsTransient(ErrRateLimited) {
		t.Error("ErrRateLimited should be transient")
	}
	if IsTransient(ErrNotFound) {
		t.Error("ErrNotFound should not be transient")
	}
	wrapped := fmt.Errorf("list customer: %w", Transient(errors.New("boom")))
	if !IsTransient(wrapped) {
		t.Error("wrapped transient error should stay transient")
	}
}
