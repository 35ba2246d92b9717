package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/avonite/ledgersync/internal/remote"
)

// ExpandFn pages through a child collection of a parent object. Used to fill
// truncated child lists (has_more=true) before the parent is written.
type ExpandFn func(ctx context.Context, parent remote.Object, params remote.ListParams) (remote.Page, error)

// Normalizer maps one CSV row (column name -> value) from the analytical
// endpoint to the entry shape stored in the destination table.
type Normalizer func(row map[string]string) (remote.Object, error)

// Analytical configures a resource sourced from the analytical-query endpoint
// instead of the REST list endpoint.
type Analytical struct {
	// Source is the remote table queried
	Source string
	// Table is the local destination table
	Table string
	// CursorColumns order the result set; the first column is the timestamp,
	// the rest are tiebreakers. The watermark cursor is a tuple over these.
	CursorColumns []string
	// Columns are selected in the query, in output order
	Columns []string
	// PageSize bounds each query; a full page implies more rows remain
	PageSize int
	// Normalize converts one CSV row to a storable entry
	Normalize Normalizer
}

// Resource describes how one remote object type is synced. Built once at
// startup; the drivers dispatch through these function values.
type Resource struct {
	// Name is the remote type tag ("customer", "invoice", ...)
	Name string
	// Order sorts the dependency-ordered backfill, parents before children.
	// Unique within the registry.
	Order int
	// TableName is the destination table for writes
	TableName string
	// Dependencies name parent object types referenced from this one's
	// payloads, keyed by the payload field holding the parent id.
	Dependencies map[string]string
	// List fetches one page from the remote REST endpoint
	List func(ctx context.Context, params remote.ListParams) (remote.Page, error)
	// Retrieve fetches a single object by id
	Retrieve func(ctx context.Context, id string) (remote.Object, error)
	// SupportsCreatedFilter reports whether List accepts created.gte; without
	// it incremental narrowing is impossible and walks rely on page cursors.
	SupportsCreatedFilter bool
	// ListExpands maps collection-property names to child list functions
	ListExpands map[string]ExpandFn
	// IsFinalState reports whether the remote will never mutate the object
	// again; the webhook applier then trusts the event payload without a
	// refetch.
	IsFinalState func(obj remote.Object) bool
	// ChildList names a payload property holding children that must be
	// reconciled against stored rows after each parent write (removals are
	// implicit in the parent payload).
	ChildList string
	// ChildTable is the destination for reconciled children
	ChildTable string
	// ChildParentField is the child payload field naming its parent id
	ChildParentField string
	// Analytical, when set, sources this resource from the analytical-query
	// endpoint; List/Retrieve are unused.
	Analytical *Analytical
}

// Registry maps object types to their sync configuration
type Registry struct {
	byName map[string]*Resource
}

// New builds a registry, rejecting duplicate names and orders
func New(resources ...*Resource) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Resource, len(resources))}
	orders := make(map[int]string, len(resources))
	for _, res := range resources {
		if _, dup := r.byName[res.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate resource %q", res.Name)
		}
		if prev, dup := orders[res.Order]; dup {
			return nil, fmt.Errorf("registry: resources %q and %q share order %d", prev, res.Name, res.Order)
		}
		r.byName[res.Name] = res
		orders[res.Order] = res.Name
	}
	return r, nil
}

// Get returns the resource for an object type, or nil
func (r *Registry) Get(name string) *Resource {
	return r.byName[name]
}

// All returns every resource in dependency order (ascending Order)
func (r *Registry) All() []*Resource {
	out := make([]*Resource, 0, len(r.byName))
	for _, res := range r.byName {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Names returns resource names in dependency order
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, res := range all {
		names[i] = res.Name
	}
	return names
}

// TableFor resolves the destination table for an event's object type tag
func (r *Registry) TableFor(object string) (string, bool) {
	res := r.byName[object]
	if res == nil {
		return "", false
	}
	if res.Analytical != nil {
		return res.Analytical.Table, true
	}
	return res.TableName, true
}
