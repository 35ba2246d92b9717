package registry

import (
	"testing"

	"github.com/avonite/ledgersync/internal/remote"
)

func TestNewRejectsDuplicates(t *testing.T) {
	tests := []struct {
		name      string
		resources []*Resource
		wantErr   bool
	}{
		{
			name: "distinct resources",
			resources: []*Resource{
				{Name: "a", Order: 1},
				{Name: "b", Order: 2},
			},
		},
		{
			name: "duplicate name",
			resources: []*Resource{
				{Name: "a", Order: 1},
				{Name: "a", Order: 2},
			},
			wantErr: true,
		},
		{
			name: "duplicate order",
			resources: []*Resource{
				{Name: "a", Order: 1},
				{Name: "b", Order: 1},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.resources...)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAllReturnsDependencyOrder(t *testing.T) {
	r, err := New(
		&Resource{Name: "charge", Order: 8},
		&Resource{Name: "customer", Order: 5},
		&Resource{Name: "product", Order: 1},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got := r.Names()
	want := []string{"product", "customer", "charge"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}
}

func TestTableFor(t *testing.T) {
	r, err := New(
		&Resource{Name: "customer", Order: 1, TableName: "customers"},
		&Resource{Name: "exchange_rate", Order: 2, Analytical: &Analytical{Table: "exchange_rates"}},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if table, ok := r.TableFor("customer"); !ok || table != "customers" {
		t.Errorf("TableFor(customer) = %q, %v", table, ok)
	}
	if table, ok := r.TableFor("exchange_rate"); !ok || table != "exchange_rates" {
		t.Errorf("TableFor(exchange_rate) = %q, %v; analytical resources resolve to their query table", table, ok)
	}
	if _, ok := r.TableFor("unknown"); ok {
		t.Error("TableFor(unknown) = ok, want false")
	}
}

func TestDefaultRegistry(t *testing.T) {
	r, err := Default(remote.NewFakeClient())
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	names := r.Names()
	if len(names) != 16 {
		t.Fatalf("Default() has %d resources, want 16", len(names))
	}

	// Parents must come before the resources that reference them
	pos := make(map[string]int, len(names))
	for i, n := range names {
		pos[n] = i
	}
	for _, res := range r.All() {
		for _, parent := range res.Dependencies {
			if _, ok := pos[parent]; !ok {
				t.Errorf("%s depends on unregistered type %s", res.Name, parent)
				continue
			}
			if pos[parent] >= pos[res.Name] {
				t.Errorf("%s (order %d) references %s which sorts after it", res.Name, pos[res.Name], parent)
			}
		}
	}

	sub := r.Get("subscription")
	if sub == nil || sub.ChildList != "items" || sub.ChildTable != "subscription_items" {
		t.Errorf("subscription child reconciliation not configured: %+v", sub)
	}
	if pm := r.Get("payment_method"); pm == nil || pm.SupportsCreatedFilter {
		t.Error("payment_method must not advertise a created filter")
	}
	if efw := r.Get("early_fraud_warning"); efw == nil || efw.IsFinalState == nil || !efw.IsFinalState(remote.Object{}) {
		t.Error("early_fraud_warning must be final-state")
	}
}

func TestNormalizeExchangeRate(t *testing.T) {
	tests := []struct {
		name    string
		row     map[string]string
		wantErr bool
	}{
		{
			name: "valid row",
			row:  map[string]string{"id": "exr_1", "created": "1700000000", "currency": "eur", "rate": "1.0845"},
		},
		{
			name:    "missing id",
			row:     map[string]string{"created": "1700000000", "rate": "1.0"},
			wantErr: true,
		},
		{
			name:    "bad rate",
			row:     map[string]string{"id": "exr_1", "created": "1700000000", "rate": "n/a"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := normalizeExchangeRate(tt.row)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeExchangeRate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if remote.ID(obj) != tt.row["id"] {
					t.Errorf("normalized id = %q, want %q", remote.ID(obj), tt.row["id"])
				}
				if remote.Created(obj) != 1700000000 {
					t.Errorf("normalized created = %d", remote.Created(obj))
				}
			}
		})
	}
}
