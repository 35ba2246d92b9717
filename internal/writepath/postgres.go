package writepath

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/avonite/ledgersync/internal/db"
	"github.com/avonite/ledgersync/internal/remote"
)

// Postgres is the production write path. The timestamp-protection guard lives
// in the ON CONFLICT WHERE clause; the current _last_synced_at is never
// pre-read in application code (a two-round-trip read would race).
type Postgres struct {
	store *db.Store
}

// NewPostgres wraps the shared storage client
func NewPostgres(store *db.Store) *Postgres {
	return &Postgres{store: store}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (p *Postgres) UpsertMany(ctx context.Context, table, accountID string, entries []remote.Object, syncTimestamp time.Time) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if syncTimestamp.IsZero() {
		syncTimestamp = time.Now().UTC()
	}
	// A multi-row INSERT cannot touch the same row twice ("command cannot
	// affect row a second time"); within one batch the last occurrence wins
	entries = dedupeByID(entries)

	args := make([]any, 0, len(entries)*4)
	values := make([]string, 0, len(entries))
	for i, e := range entries {
		id := remote.ID(e)
		if id == "" {
			return nil, fmt.Errorf("%w: table %s entry %d", ErrMissingID, table, i)
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("serialize %s/%s: %w", table, id, err)
		}
		base := len(args)
		args = append(args, id, raw, accountID, syncTimestamp)
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
	}

	t := ident(table)
	sql := fmt.Sprintf(`
		INSERT INTO %s (id, _raw_data, _account_id, _last_synced_at)
		VALUES %s
		ON CONFLICT (id) DO UPDATE SET
			_raw_data       = EXCLUDED._raw_data,
			_account_id     = EXCLUDED._account_id,
			_last_synced_at = EXCLUDED._last_synced_at
		WHERE %s._last_synced_at IS NULL
		   OR %s._last_synced_at <= EXCLUDED._last_synced_at
		RETURNING id
	`, t, strings.Join(values, ", "), t, t)

	rows, err := p.store.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", table, err)
	}
	defer rows.Close()

	applied := make([]string, 0, len(entries))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied = append(applied, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if dropped := len(entries) - len(applied); dropped > 0 {
		log.Debug().Str("table", table).Int("dropped", dropped).
			Msg("timestamp guard dropped stale writes")
	}
	return applied, nil
}

// dedupeByID keeps the last occurrence of each id, preserving order otherwise
func dedupeByID(entries []remote.Object) []remote.Object {
	last := make(map[string]int, len(entries))
	for i, e := range entries {
		last[remote.ID(e)] = i
	}
	if len(last) == len(entries) {
		return entries
	}
	out := make([]remote.Object, 0, len(last))
	for i, e := range entries {
		if last[remote.ID(e)] == i {
			out = append(out, e)
		}
	}
	return out
}

func (p *Postgres) Delete(ctx context.Context, table, id string) (bool, error) {
	tag, err := p.store.Pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ident(table)), id)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) MarkDeleted(ctx context.Context, table, accountID, id string, syncTimestamp time.Time) error {
	if syncTimestamp.IsZero() {
		syncTimestamp = time.Now().UTC()
	}
	tombstone, err := json.Marshal(map[string]any{"id": id, "deleted": true})
	if err != nil {
		return err
	}

	t := ident(table)
	_, err = p.store.Pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, _raw_data, _account_id, _last_synced_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			_raw_data       = (%s._raw_data::jsonb || '{"deleted": true}'::jsonb)::json,
			_last_synced_at = EXCLUDED._last_synced_at
		WHERE %s._last_synced_at IS NULL
		   OR %s._last_synced_at <= EXCLUDED._last_synced_at
	`, t, t, t, t), id, tombstone, accountID, syncTimestamp)
	if err != nil {
		return fmt.Errorf("tombstone %s/%s: %w", table, id, err)
	}
	return nil
}

func (p *Postgres) HasDeletedColumn(ctx context.Context, table string) (bool, error) {
	return p.store.ColumnExists(ctx, table, "deleted")
}

func (p *Postgres) FindMissingEntries(ctx context.Context, table string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.store.Pool.Query(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1)`, ident(table)), ids)
	if err != nil {
		return nil, fmt.Errorf("find missing in %s: %w", table, err)
	}
	defer rows.Close()

	present := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		present[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	missing := make([]string, 0)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !present[id] && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	return missing, nil
}

func (p *Postgres) ReconcileChildList(ctx context.Context, childTable, accountID, parentField, parentID string, children []remote.Object, syncTimestamp time.Time) error {
	if _, err := p.UpsertMany(ctx, childTable, accountID, children, syncTimestamp); err != nil {
		return err
	}

	keep := make(map[string]bool, len(children))
	for _, c := range children {
		keep[remote.ID(c)] = true
	}

	rows, err := p.store.Pool.Query(ctx, fmt.Sprintf(`
		SELECT id FROM %s
		WHERE _raw_data->>'%s' = $1
		  AND COALESCE((_raw_data->>'deleted')::boolean, false) = false
	`, ident(childTable), parentField), parentID)
	if err != nil {
		return fmt.Errorf("list stored children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		if err := p.MarkDeleted(ctx, childTable, accountID, id, syncTimestamp); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		log.Debug().Str("table", childTable).Str("parent", parentID).
			Int("tombstoned", len(stale)).Msg("reconciled removed children")
	}
	return nil
}

func (p *Postgres) GetRaw(ctx context.Context, table, id string) (remote.Object, error) {
	var raw remote.Object
	err := p.store.Pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT _raw_data FROM %s WHERE id = $1`, ident(table)), id).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return raw, nil
}

func (p *Postgres) LatestCursor(ctx context.Context, table string, columns []string) ([]string, error) {
	if len(columns) == 0 {
		return nil, nil
	}

	selects := make([]string, len(columns))
	orders := make([]string, len(columns))
	for i, col := range columns {
		selects[i] = fmt.Sprintf(`COALESCE(_raw_data->>'%s', '')`, col)
		if i == 0 {
			orders[i] = fmt.Sprintf(`(_raw_data->>'%s')::numeric DESC NULLS LAST`, col)
		} else {
			orders[i] = fmt.Sprintf(`_raw_data->>'%s' DESC`, col)
		}
	}

	row := p.store.Pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s ORDER BY %s LIMIT 1`,
		strings.Join(selects, ", "), ident(table), strings.Join(orders, ", ")))

	values := make([]string, len(columns))
	dests := make([]any, len(columns))
	for i := range values {
		dests[i] = &values[i]
	}
	if err := row.Scan(dests...); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest cursor %s: %w", table, err)
	}
	return values, nil
}

func (p *Postgres) DangerouslyDeleteSyncedAccountData(ctx context.Context, accountID string, tables []string) (map[string]int, error) {
	deleted := make(map[string]int, len(tables))
	err := p.store.Tx(ctx, func(tx pgx.Tx) error {
		for _, table := range tables {
			var count int
			err := tx.QueryRow(ctx, fmt.Sprintf(`
				WITH del AS (
					DELETE FROM %s WHERE _account_id = $1 RETURNING 1
				)
				SELECT COUNT(*) FROM del
			`, ident(table)), accountID).Scan(&count)
			if err != nil {
				return fmt.Errorf("wipe %s: %w", table, err)
			}
			deleted[table] = count
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("account", accountID).Interface("deleted", deleted).
		Msg("account data wiped")
	return deleted, nil
}
