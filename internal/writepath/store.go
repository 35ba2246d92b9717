// Package writepath implements the timestamp-protected write contract: every
// synced object is stored as a raw JSON blob whose row only moves forward in
// _last_synced_at. Out-of-order observations (a delayed webhook carrying an
// older state) are dropped by the guard, never treated as errors.
package writepath

import (
	"context"
	"errors"
	"time"

	"github.com/avonite/ledgersync/internal/remote"
)

// ErrMissingID is returned when an entry has no id to key the upsert on
var ErrMissingID = errors.New("writepath: entry missing id")

// Store is the write-path contract shared by the page driver, the webhook
// applier and the analytical driver.
type Store interface {
	// UpsertMany writes entries into table under the timestamp-protection
	// guard and returns the ids actually applied. Entries rejected by the
	// guard are silently absent from the result.
	UpsertMany(ctx context.Context, table, accountID string, entries []remote.Object, syncTimestamp time.Time) ([]string, error)

	// Delete hard-removes a row, reporting whether one existed
	Delete(ctx context.Context, table, id string) (bool, error)

	// MarkDeleted applies a tombstone: {"deleted": true} merged into the
	// stored raw blob, still subject to timestamp protection.
	MarkDeleted(ctx context.Context, table, accountID, id string, syncTimestamp time.Time) error

	// HasDeletedColumn reports whether the table carries a deleted
	// projection column. Decided at DDL generation time; cached per table.
	HasDeletedColumn(ctx context.Context, table string) (bool, error)

	// FindMissingEntries returns the subset of ids with no local row
	FindMissingEntries(ctx context.Context, table string, ids []string) ([]string, error)

	// ReconcileChildList upserts the children present in a parent payload
	// and tombstones stored children the payload no longer names. Provider
	// semantics make child removals implicit in the parent.
	ReconcileChildList(ctx context.Context, childTable, accountID, parentField, parentID string, children []remote.Object, syncTimestamp time.Time) error

	// GetRaw reads back a stored blob, nil if absent
	GetRaw(ctx context.Context, table, id string) (remote.Object, error)

	// LatestCursor returns the cursor-column values of the greatest stored
	// row (first column compared numerically, the rest as text), or nil when
	// the table is empty. Seeds analytical cursors on first run so history
	// already loaded is not re-ingested.
	LatestCursor(ctx context.Context, table string, columns []string) ([]string, error)

	// DangerouslyDeleteSyncedAccountData removes every synced row for the
	// account across the given tables, returning per-table counts.
	DangerouslyDeleteSyncedAccountData(ctx context.Context, accountID string, tables []string) (map[string]int, error)
}
