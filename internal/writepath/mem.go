package writepath

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/avonite/ledgersync/internal/remote"
)

// Mem is an in-memory Store mirroring the Postgres guard semantics. It backs
// the unit tests and the non-Postgres no-op adapters.
type Mem struct {
	mu     sync.Mutex
	tables map[string]map[string]*memRow
	// deletedCols marks tables generated with a deleted projection column,
	// the way the DDL generator would decide it.
	deletedCols map[string]bool
}

type memRow struct {
	raw          remote.Object
	accountID    string
	lastSyncedAt time.Time
}

// NewMem creates an empty in-memory write path
func NewMem() *Mem {
	return &Mem{
		tables:      make(map[string]map[string]*memRow),
		deletedCols: make(map[string]bool),
	}
}

// SetDeletedColumn declares that table carries a deleted projection column
func (m *Mem) SetDeletedColumn(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedCols[table] = true
}

// RowCount returns the number of rows stored in table
func (m *Mem) RowCount(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

func (m *Mem) table(name string) map[string]*memRow {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]*memRow)
		m.tables[name] = t
	}
	return t
}

func deepCopy(o remote.Object) remote.Object {
	b, _ := json.Marshal(o)
	var out remote.Object
	_ = json.Unmarshal(b, &out)
	return out
}

func (m *Mem) UpsertMany(ctx context.Context, table, accountID string, entries []remote.Object, syncTimestamp time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if syncTimestamp.IsZero() {
		syncTimestamp = time.Now().UTC()
	}

	t := m.table(table)
	applied := make([]string, 0, len(entries))
	for i, e := range entries {
		id := remote.ID(e)
		if id == "" {
			return nil, fmt.Errorf("%w: table %s entry %d", ErrMissingID, table, i)
		}
		existing := t[id]
		if existing != nil && existing.lastSyncedAt.After(syncTimestamp) {
			// Guard: the stored observation is fresher
			continue
		}
		t[id] = &memRow{raw: deepCopy(e), accountID: accountID, lastSyncedAt: syncTimestamp}
		applied = append(applied, id)
	}
	return applied, nil
}

func (m *Mem) Delete(ctx context.Context, table, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	if _, ok := t[id]; !ok {
		return false, nil
	}
	delete(t, id)
	return true, nil
}

func (m *Mem) MarkDeleted(ctx context.Context, table, accountID, id string, syncTimestamp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if syncTimestamp.IsZero() {
		syncTimestamp = time.Now().UTC()
	}
	t := m.table(table)
	existing := t[id]
	if existing == nil {
		t[id] = &memRow{
			raw:          remote.Object{"id": id, "deleted": true},
			accountID:    accountID,
			lastSyncedAt: syncTimestamp,
		}
		return nil
	}
	if existing.lastSyncedAt.After(syncTimestamp) {
		return nil
	}
	existing.raw["deleted"] = true
	existing.lastSyncedAt = syncTimestamp
	return nil
}

func (m *Mem) HasDeletedColumn(ctx context.Context, table string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletedCols[table], nil
}

func (m *Mem) FindMissingEntries(ctx context.Context, table string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	missing := make([]string, 0)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := t[id]; !ok && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	return missing, nil
}

func (m *Mem) ReconcileChildList(ctx context.Context, childTable, accountID, parentField, parentID string, children []remote.Object, syncTimestamp time.Time) error {
	if _, err := m.UpsertMany(ctx, childTable, accountID, children, syncTimestamp); err != nil {
		return err
	}

	keep := make(map[string]bool, len(children))
	for _, c := range children {
		keep[remote.ID(c)] = true
	}

	m.mu.Lock()
	t := m.table(childTable)
	var stale []string
	for id, row := range t {
		parent, _ := remote.GetString(row.raw, parentField)
		deleted, _ := remote.GetBool(row.raw, "deleted")
		if parent == parentID && !deleted && !keep[id] {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.MarkDeleted(ctx, childTable, accountID, id, syncTimestamp); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mem) GetRaw(ctx context.Context, table, id string) (remote.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.table(table)[id]
	if row == nil {
		return nil, nil
	}
	return deepCopy(row.raw), nil
}

// LastSyncedAt exposes a row's conflict-resolution timestamp for assertions
func (m *Mem) LastSyncedAt(table, id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.table(table)[id]
	if row == nil {
		return time.Time{}, false
	}
	return row.lastSyncedAt, true
}

func (m *Mem) LatestCursor(ctx context.Context, table string, columns []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(columns) == 0 {
		return nil, nil
	}

	stringify := func(row *memRow) []string {
		vals := make([]string, len(columns))
		for i, col := range columns {
			switch v := row.raw[col].(type) {
			case string:
				vals[i] = v
			case float64:
				vals[i] = strconv.FormatFloat(v, 'f', -1, 64)
			case int64:
				vals[i] = strconv.FormatInt(v, 10)
			case nil:
				vals[i] = ""
			default:
				vals[i] = fmt.Sprintf("%v", v)
			}
		}
		return vals
	}

	// Greatest tuple: first column numeric, the rest lexicographic
	greater := func(a, b []string) bool {
		na, _ := strconv.ParseFloat(a[0], 64)
		nb, _ := strconv.ParseFloat(b[0], 64)
		if na != nb {
			return na > nb
		}
		for i := 1; i < len(a); i++ {
			if a[i] != b[i] {
				return a[i] > b[i]
			}
		}
		return false
	}

	var best []string
	for _, row := range m.table(table) {
		vals := stringify(row)
		if best == nil || greater(vals, best) {
			best = vals
		}
	}
	return best, nil
}

func (m *Mem) DangerouslyDeleteSyncedAccountData(ctx context.Context, accountID string, tables []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := make(map[string]int, len(tables))
	for _, table := range tables {
		t := m.table(table)
		n := 0
		for id, row := range t {
			if row.accountID == accountID {
				delete(t, id)
				n++
			}
		}
		deleted[table] = n
	}
	return deleted, nil
}
