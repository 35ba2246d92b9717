package runstate

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/avonite/ledgersync/internal/db"
)

// Postgres is the production Store. All coordination lives in the
// _sync_runs / _sync_obj_runs tables; every transition is a CAS against the
// row so multiple processes cooperate for free.
type Postgres struct {
	store *db.Store
}

// NewPostgres wraps the shared storage client
func NewPostgres(store *db.Store) *Postgres {
	return &Postgres{store: store}
}

func (p *Postgres) GetOrCreateSyncRun(ctx context.Context, accountID, triggeredBy string, maxConcurrency int) (Run, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	var run Run
	err := p.store.WithLock(ctx, "sync_run:"+accountID, func(ctx context.Context) error {
		// An open run is one not yet closed; join it if present
		err := p.store.Pool.QueryRow(ctx, `
			SELECT account_id, started_at, triggered_by, max_concurrency
			FROM _sync_runs
			WHERE account_id = $1 AND closed_at IS NULL
			ORDER BY started_at DESC
			LIMIT 1
		`, accountID).Scan(&run.AccountID, &run.StartedAt, &run.TriggeredBy, &run.MaxConcurrency)
		if err == nil {
			run.IsNew = false
			return nil
		}
		if err != pgx.ErrNoRows {
			return fmt.Errorf("lookup open run: %w", err)
		}

		err = p.store.Pool.QueryRow(ctx, `
			INSERT INTO _sync_runs (account_id, started_at, triggered_by, max_concurrency)
			VALUES ($1, now(), $2, $3)
			RETURNING account_id, started_at, triggered_by, max_concurrency
		`, accountID, triggeredBy, maxConcurrency).Scan(&run.AccountID, &run.StartedAt, &run.TriggeredBy, &run.MaxConcurrency)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		run.IsNew = true
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	if run.IsNew {
		log.Info().Str("account", accountID).Time("startedAt", run.StartedAt).
			Str("triggeredBy", triggeredBy).Msg("sync run created")
	}
	return run, nil
}

func (p *Postgres) CreateObjectRuns(ctx context.Context, accountID string, runStartedAt time.Time, objects []ObjectSpec) error {
	return p.store.Tx(ctx, func(tx pgx.Tx) error {
		for _, obj := range objects {
			_, err := tx.Exec(ctx, `
				INSERT INTO _sync_obj_runs
					(account_id, run_started_at, object, ord, status, progress_count)
				VALUES ($1, $2, $3, $4, 'pending', 0)
				ON CONFLICT (account_id, run_started_at, object) DO NOTHING
			`, accountID, runStartedAt, obj.Name, obj.Order)
			if err != nil {
				return fmt.Errorf("create object run %s: %w", obj.Name, err)
			}
		}
		return nil
	})
}

func (p *Postgres) TryStartObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string) (bool, error) {
	// Single statement so the cap check and the transition are atomic
	tag, err := p.store.Pool.Exec(ctx, `
		UPDATE _sync_obj_runs
		SET status = 'running', heartbeat_at = now()
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
		  AND status = 'pending'
		  AND (
			SELECT count(*) FROM _sync_obj_runs r
			WHERE r.account_id = $1 AND r.run_started_at = $2 AND r.status = 'running'
		  ) < (
			SELECT max_concurrency FROM _sync_runs
			WHERE account_id = $1 AND started_at = $2
		  )
	`, accountID, runStartedAt, object)
	if err != nil {
		return false, fmt.Errorf("try start %s: %w", object, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ClaimNextTask(ctx context.Context, accountID string, runStartedAt time.Time) (*Task, error) {
	var task *Task
	err := p.store.Tx(ctx, func(tx pgx.Tx) error {
		var t Task
		err := tx.QueryRow(ctx, `
			SELECT object, COALESCE(cursor, ''), COALESCE(page_cursor, '')
			FROM _sync_obj_runs
			WHERE account_id = $1 AND run_started_at = $2 AND status = 'pending'
			ORDER BY ord
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, accountID, runStartedAt).Scan(&t.Object, &t.Cursor, &t.PageCursor)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim select: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE _sync_obj_runs
			SET status = 'running', heartbeat_at = now()
			WHERE account_id = $1 AND run_started_at = $2 AND object = $3
		`, accountID, runStartedAt, t.Object)
		if err != nil {
			return fmt.Errorf("claim update %s: %w", t.Object, err)
		}
		task = &t
		return nil
	})
	return task, err
}

func (p *Postgres) ReleaseObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object, pageCursor string) error {
	tag, err := p.store.Pool.Exec(ctx, `
		UPDATE _sync_obj_runs
		SET status = 'pending', page_cursor = $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
		  AND status = 'running'
	`, accountID, runStartedAt, object, pageCursor)
	if err != nil {
		return fmt.Errorf("release %s: %w", object, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: release %s (not running)", ErrInvalidTransition, object)
	}
	return nil
}

func (p *Postgres) IncrementObjectProgress(ctx context.Context, accountID string, runStartedAt time.Time, object string, count int) (int, error) {
	var total int
	err := p.store.Pool.QueryRow(ctx, `
		UPDATE _sync_obj_runs
		SET progress_count = progress_count + $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
		RETURNING progress_count
	`, accountID, runStartedAt, object, count).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("increment progress %s: %w", object, err)
	}
	return total, nil
}

func (p *Postgres) UpdateObjectCursor(ctx context.Context, accountID string, runStartedAt time.Time, object, cursor string) error {
	_, err := p.store.Pool.Exec(ctx, `
		UPDATE _sync_obj_runs SET cursor = $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`, accountID, runStartedAt, object, cursor)
	if err != nil {
		return fmt.Errorf("update cursor %s: %w", object, err)
	}
	return nil
}

func (p *Postgres) UpdateObjectPageCursor(ctx context.Context, accountID string, runStartedAt time.Time, object, pageCursor string) error {
	_, err := p.store.Pool.Exec(ctx, `
		UPDATE _sync_obj_runs SET page_cursor = $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`, accountID, runStartedAt, object, pageCursor)
	if err != nil {
		return fmt.Errorf("update page cursor %s: %w", object, err)
	}
	return nil
}

func (p *Postgres) ClearObjectPageCursor(ctx context.Context, accountID string, runStartedAt time.Time, object string) error {
	_, err := p.store.Pool.Exec(ctx, `
		UPDATE _sync_obj_runs SET page_cursor = NULL
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`, accountID, runStartedAt, object)
	if err != nil {
		return fmt.Errorf("clear page cursor %s: %w", object, err)
	}
	return nil
}

func (p *Postgres) CompleteObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string) error {
	tag, err := p.store.Pool.Exec(ctx, `
		UPDATE _sync_obj_runs
		SET status = 'complete', page_cursor = NULL
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
		  AND status = 'running'
	`, accountID, runStartedAt, object)
	if err != nil {
		return fmt.Errorf("complete %s: %w", object, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: complete %s (not running)", ErrInvalidTransition, object)
	}
	return nil
}

func (p *Postgres) FailObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object, message string) error {
	_, err := p.store.Pool.Exec(ctx, `
		UPDATE _sync_obj_runs
		SET status = 'error', error = $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
		  AND status IN ('pending', 'running')
	`, accountID, runStartedAt, object, message)
	if err != nil {
		return fmt.Errorf("fail %s: %w", object, err)
	}
	log.Warn().Str("account", accountID).Str("object", object).Str("error", message).
		Msg("object sync failed")
	return nil
}

func (p *Postgres) CloseSyncRun(ctx context.Context, accountID string, runStartedAt time.Time) error {
	_, err := p.store.Pool.Exec(ctx, `
		UPDATE _sync_runs SET closed_at = now()
		WHERE account_id = $1 AND started_at = $2 AND closed_at IS NULL
	`, accountID, runStartedAt)
	if err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	return nil
}

func (p *Postgres) GetObjectRun(ctx context.Context, accountID string, runStartedAt time.Time, object string) (*ObjectRun, error) {
	var o ObjectRun
	var hb *time.Time
	err := p.store.Pool.QueryRow(ctx, `
		SELECT account_id, run_started_at, object, status,
		       COALESCE(cursor, ''), COALESCE(page_cursor, ''),
		       progress_count, COALESCE(error, ''), heartbeat_at
		FROM _sync_obj_runs
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`, accountID, runStartedAt, object).Scan(
		&o.AccountID, &o.RunStartedAt, &o.Object, &o.Status,
		&o.Cursor, &o.PageCursor, &o.Progress, &o.Error, &hb)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get object run %s: %w", object, err)
	}
	if hb != nil {
		o.Heartbeat = *hb
	}
	return &o, nil
}

func (p *Postgres) GetLastCursorBeforeRun(ctx context.Context, accountID, object string, runStartedAt time.Time) (string, error) {
	var cursor string
	err := p.store.Pool.QueryRow(ctx, `
		SELECT cursor FROM _sync_obj_runs
		WHERE account_id = $1 AND object = $2
		  AND run_started_at < $3
		  AND status = 'complete' AND cursor IS NOT NULL
		ORDER BY run_started_at DESC
		LIMIT 1
	`, accountID, object, runStartedAt).Scan(&cursor)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last cursor %s: %w", object, err)
	}
	return cursor, nil
}

func (p *Postgres) TouchHeartbeat(ctx context.Context, accountID string, runStartedAt time.Time, object string) error {
	_, err := p.store.Pool.Exec(ctx, `
		UPDATE _sync_obj_runs SET heartbeat_at = now()
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
		  AND status = 'running'
	`, accountID, runStartedAt, object)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", object, err)
	}
	return nil
}

func (p *Postgres) CancelStaleRuns(ctx context.Context, accountID string, maxAge time.Duration) (int, error) {
	var cancelled int
	err := p.store.Tx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT started_at FROM _sync_runs
			WHERE account_id = $1 AND closed_at IS NULL
			  AND started_at < now() - $2::interval
			FOR UPDATE
		`, accountID, maxAge.String())
		if err != nil {
			return fmt.Errorf("select stale runs: %w", err)
		}
		var stale []time.Time
		for rows.Next() {
			var t time.Time
			if err := rows.Scan(&t); err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, startedAt := range stale {
			if _, err := tx.Exec(ctx, `
				UPDATE _sync_obj_runs
				SET status = 'error', error = 'stale'
				WHERE account_id = $1 AND run_started_at = $2
				  AND status IN ('pending', 'running')
			`, accountID, startedAt); err != nil {
				return fmt.Errorf("mark stale objects: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE _sync_runs SET closed_at = now()
				WHERE account_id = $1 AND started_at = $2
			`, accountID, startedAt); err != nil {
				return fmt.Errorf("close stale run: %w", err)
			}
			cancelled++
		}
		return nil
	})
	if cancelled > 0 {
		log.Info().Str("account", accountID).Int("runs", cancelled).Msg("cancelled stale runs")
	}
	return cancelled, err
}

func (p *Postgres) ResetStuckRunningObjects(ctx context.Context, accountID string, runStartedAt time.Time, threshold time.Duration) (int, error) {
	tag, err := p.store.Pool.Exec(ctx, `
		UPDATE _sync_obj_runs
		SET status = 'pending'
		WHERE account_id = $1 AND run_started_at = $2
		  AND status = 'running'
		  AND (heartbeat_at IS NULL OR heartbeat_at < now() - $3::interval)
	`, accountID, runStartedAt, threshold.String())
	if err != nil {
		return 0, fmt.Errorf("reset stuck objects: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		log.Info().Str("account", accountID).Int("objects", n).Msg("reset stuck running objects")
	}
	return n, nil
}

func (p *Postgres) GetRunStatus(ctx context.Context, accountID string, runStartedAt time.Time) (*RunStatus, error) {
	rs := &RunStatus{AccountID: accountID, StartedAt: runStartedAt, Errors: make(map[string]string)}
	err := p.store.Pool.QueryRow(ctx, `
		SELECT status, pending_count, running_count, complete_count, error_count, closed_at
		FROM sync_runs
		WHERE account_id = $1 AND started_at = $2
	`, accountID, runStartedAt).Scan(
		&rs.Status, &rs.PendingCount, &rs.RunningCount,
		&rs.CompleteCount, &rs.ErrorCount, &rs.ClosedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run status: %w", err)
	}

	rows, err := p.store.Pool.Query(ctx, `
		SELECT object, error FROM _sync_obj_runs
		WHERE account_id = $1 AND run_started_at = $2 AND error IS NOT NULL
	`, accountID, runStartedAt)
	if err != nil {
		return nil, fmt.Errorf("run errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var object, msg string
		if err := rows.Scan(&object, &msg); err != nil {
			return nil, err
		}
		rs.Errors[object] = msg
	}
	return rs, rows.Err()
}
