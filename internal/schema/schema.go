// Package schema owns the DDL for the engine's coordination state. The
// per-object table definitions come from the build-time generator; only the
// shared tables, the derived run view, and the _updated_at trigger function
// live here.
package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/avonite/ledgersync/internal/db"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id              text PRIMARY KEY,
		_raw_data       json,
		_api_key_hash   text UNIQUE,
		_last_synced_at timestamptz
	)`,

	`CREATE TABLE IF NOT EXISTS _sync_runs (
		account_id      text NOT NULL REFERENCES accounts (id),
		started_at      timestamptz NOT NULL,
		triggered_by    text NOT NULL DEFAULT '',
		max_concurrency int NOT NULL DEFAULT 1,
		closed_at       timestamptz,
		PRIMARY KEY (account_id, started_at)
	)`,

	`CREATE TABLE IF NOT EXISTS _sync_obj_runs (
		account_id     text NOT NULL,
		run_started_at timestamptz NOT NULL,
		object         text NOT NULL,
		ord            int NOT NULL DEFAULT 0,
		status         text NOT NULL DEFAULT 'pending',
		cursor         text,
		page_cursor    text,
		progress_count int NOT NULL DEFAULT 0,
		error          text,
		heartbeat_at   timestamptz,
		PRIMARY KEY (account_id, run_started_at, object),
		FOREIGN KEY (account_id, run_started_at)
			REFERENCES _sync_runs (account_id, started_at)
	)`,

	`CREATE INDEX IF NOT EXISTS _sync_obj_runs_claim_idx
		ON _sync_obj_runs (account_id, run_started_at, status, ord)`,

	// Run status derives entirely from the object rows
	`CREATE OR REPLACE VIEW sync_runs AS
		SELECT
			r.account_id,
			r.started_at,
			r.triggered_by,
			r.closed_at,
			count(*) FILTER (WHERE o.status = 'pending')  AS pending_count,
			count(*) FILTER (WHERE o.status = 'running')  AS running_count,
			count(*) FILTER (WHERE o.status = 'complete') AS complete_count,
			count(*) FILTER (WHERE o.status = 'error')    AS error_count,
			CASE
				WHEN count(*) FILTER (WHERE o.status IN ('pending', 'running')) > 0 THEN 'running'
				WHEN count(*) FILTER (WHERE o.status = 'error') > 0 THEN 'error'
				ELSE 'complete'
			END AS status
		FROM _sync_runs r
		LEFT JOIN _sync_obj_runs o
			ON o.account_id = r.account_id AND o.run_started_at = r.started_at
		GROUP BY r.account_id, r.started_at, r.triggered_by, r.closed_at`,

	// Every synced-object table attaches this function via an ON UPDATE
	// trigger emitted by the DDL generator
	`CREATE OR REPLACE FUNCTION set_updated_at() RETURNS trigger AS $$
	BEGIN
		NEW._updated_at = now();
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
}

// Migrate applies the coordination DDL idempotently
func Migrate(ctx context.Context, store *db.Store) error {
	err := store.Tx(ctx, func(tx pgx.Tx) error {
		for i, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Int("statements", len(statements)).Msg("coordination schema applied")
	return nil
}

// SyncedObjectDDL renders the skeleton of one synced-object table the way the
// build-time generator emits it: raw blob, sync metadata, tenancy FK, and the
// _updated_at trigger. Projection columns are appended by the generator.
func SyncedObjectDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id              text PRIMARY KEY,
			_raw_data       json NOT NULL,
			_last_synced_at timestamptz,
			_updated_at     timestamptz NOT NULL DEFAULT now(),
			_account_id     text NOT NULL REFERENCES accounts (id)
		)`, table),
		fmt.Sprintf(`CREATE OR REPLACE TRIGGER %s_set_updated_at
			BEFORE UPDATE ON %s
			FOR EACH ROW EXECUTE FUNCTION set_updated_at()`, table, table),
	}
}
