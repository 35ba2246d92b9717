package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FakeClient is an in-memory Client used throughout the test suite and by the
// no-op adapters. Objects are served newest-first the way the provider does,
// with starting_after continuation and created-range filtering.
type FakeClient struct {
	mu      sync.Mutex
	objects map[string][]Object // object type -> payloads
	byID    map[string]Object   // "<type>/<id>" -> payload

	// ListErr, when set for a type, is returned by the next List call for it
	ListErr map[string]error
	// RetrieveErr is returned by Retrieve for matching "<type>/<id>" keys
	RetrieveErr map[string]error
	// ForceEmptyHasMore makes List return {data: [], hasMore: true} for a type
	ForceEmptyHasMore map[string]bool

	// Analytical query state
	queryResults map[string][]byte // query run id -> CSV body
	queryPolls   map[string]int    // remaining "running" polls before success
	nextQuery    []byte
	pollsBefore  int
	queryFailMsg string
	querySeq     int

	ListCalls int
}

// NewFakeClient creates an empty fake
func NewFakeClient() *FakeClient {
	return &FakeClient{
		objects:           make(map[string][]Object),
		byID:              make(map[string]Object),
		ListErr:           make(map[string]error),
		RetrieveErr:       make(map[string]error),
		ForceEmptyHasMore: make(map[string]bool),
		queryResults:      make(map[string][]byte),
		queryPolls:        make(map[string]int),
	}
}

// Seed adds objects of the given type. Safe to call mid-walk to simulate
// newcomers arriving between pages.
func (f *FakeClient) Seed(object string, objs ...Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range objs {
		f.objects[object] = append(f.objects[object], o)
		f.byID[object+"/"+ID(o)] = o
	}
}

// Remove deletes a seeded object by id
func (f *FakeClient) Remove(object, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objs := f.objects[object]
	for i, o := range objs {
		if ID(o) == id {
			f.objects[object] = append(objs[:i:i], objs[i+1:]...)
			break
		}
	}
	delete(f.byID, object+"/"+id)
}

// SeedQueryResult arms the next analytical query with a CSV body, optionally
// reporting "running" for pollsBefore polls first.
func (f *FakeClient) SeedQueryResult(csv []byte, pollsBefore int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextQuery = csv
	f.pollsBefore = pollsBefore
	f.queryFailMsg = ""
}

// FailNextQuery makes the next analytical query terminate as failed
func (f *FakeClient) FailNextQuery(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryFailMsg = msg
}

func (f *FakeClient) List(ctx context.Context, object string, params ListParams) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++

	if err := f.ListErr[object]; err != nil {
		delete(f.ListErr, object)
		return Page{}, err
	}
	if f.ForceEmptyHasMore[object] {
		return Page{Data: []Object{}, HasMore: true}, nil
	}

	limit := params.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	// Provider order: newest first, id as tiebreaker
	all := make([]Object, 0, len(f.objects[object]))
	for _, o := range f.objects[object] {
		if params.Created != nil {
			c := Created(o)
			if params.Created.GTE != 0 && c < params.Created.GTE {
				continue
			}
			if params.Created.LTE != 0 && c > params.Created.LTE {
				continue
			}
		}
		match := true
		for k, want := range params.Filter {
			if got, _ := GetString(o, k); got != want {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		all = append(all, o)
	}
	sort.SliceStable(all, func(i, j int) bool {
		ci, cj := Created(all[i]), Created(all[j])
		if ci != cj {
			return ci > cj
		}
		return ID(all[i]) > ID(all[j])
	})

	start := 0
	if params.StartingAfter != "" {
		found := false
		for i, o := range all {
			if ID(o) == params.StartingAfter {
				start = i + 1
				found = true
				break
			}
		}
		// The provider rejects unknown anchors rather than restarting the walk
		if !found {
			return Page{}, fmt.Errorf("%w: no such starting_after %s/%s",
				ErrInvalidRequest, object, params.StartingAfter)
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := make([]Object, end-start)
	copy(page, all[start:end])
	return Page{Data: page, HasMore: end < len(all)}, nil
}

func (f *FakeClient) Retrieve(ctx context.Context, object, id string) (Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := object + "/" + id
	if err := f.RetrieveErr[key]; err != nil {
		return nil, err
	}
	o, ok := f.byID[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return o, nil
}

func (f *FakeClient) CreateQueryRun(ctx context.Context, sql string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.querySeq++
	id := fmt.Sprintf("qr_%d", f.querySeq)
	f.queryResults[id] = f.nextQuery
	f.queryPolls[id] = f.pollsBefore
	return id, nil
}

func (f *FakeClient) GetQueryRun(ctx context.Context, id string) (QueryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryFailMsg != "" {
		return QueryRun{ID: id, Status: QueryRunFailed, Error: f.queryFailMsg}, nil
	}
	if f.queryPolls[id] > 0 {
		f.queryPolls[id]--
		return QueryRun{ID: id, Status: QueryRunRunning}, nil
	}
	return QueryRun{ID: id, Status: QueryRunSucceeded, FileID: "file_" + id}, nil
}

func (f *FakeClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, body := range f.queryResults {
		if "file_"+id == fileID {
			return body, nil
		}
	}
	return nil, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
}
