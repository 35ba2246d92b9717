package pagedriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/avonite/ledgersync/internal/metrics"
	"github.com/avonite/ledgersync/internal/runstate"
)

// ParallelOptions tune a fan-out backfill
type ParallelOptions struct {
	// Objects to cover; empty means every registered resource
	Objects []string
	// MaxParallel bounds the worker pool and seeds the run's concurrency cap
	MaxParallel int
	// ContinueOnError isolates a failed object instead of halting the run
	ContinueOnError bool
	// SkipInaccessible downgrades permission errors to skips
	SkipInaccessible bool
	TriggeredBy      string
	// StuckThreshold demotes running object-runs with heartbeats older than
	// this back to pending before workers start (crash recovery).
	StuckThreshold time.Duration
}

// ParallelResult aggregates a fan-out backfill
type ParallelResult struct {
	RunStartedAt time.Time
	Processed    map[string]int
	Failed       map[string]string
}

// JoinOrCreateSyncRun ensures a run covering the requested objects exists and
// returns it with the object names in dependency order. Idempotent across
// concurrent callers via the per-account advisory lock inside the run store.
func (d *Driver) JoinOrCreateSyncRun(ctx context.Context, triggeredBy string, objectFilter []string) (runstate.Run, []string, error) {
	var specs []runstate.ObjectSpec
	if len(objectFilter) == 0 {
		for _, res := range d.Registry.All() {
			specs = append(specs, runstate.ObjectSpec{Name: res.Name, Order: res.Order})
		}
	} else {
		for _, name := range objectFilter {
			res := d.Registry.Get(name)
			if res == nil {
				return runstate.Run{}, nil, fmt.Errorf("%w: %s", ErrUnknownObject, name)
			}
			specs = append(specs, runstate.ObjectSpec{Name: res.Name, Order: res.Order})
		}
	}

	run, err := d.Runs.GetOrCreateSyncRun(ctx, d.AccountID, triggeredBy, d.MaxConcurrency)
	if err != nil {
		return runstate.Run{}, nil, err
	}
	if err := d.Runs.CreateObjectRuns(ctx, d.AccountID, run.StartedAt, specs); err != nil {
		return runstate.Run{}, nil, err
	}

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return run, names, nil
}

// Shutdown asks in-flight workers to stop after their current page
func (d *Driver) Shutdown() {
	d.stopped.Store(true)
}

// ProcessUntilDoneParallel runs a pool of workers over a run covering the
// requested objects. Workers claim pending object-runs one page at a time
// and release them between pages, so peers (in this or any other process)
// steal work freely. The run is closed once every object-run is terminal.
func (d *Driver) ProcessUntilDoneParallel(ctx context.Context, opts ParallelOptions) (*ParallelResult, error) {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = 15 * time.Minute
	}
	if d.MaxConcurrency <= 0 {
		d.MaxConcurrency = opts.MaxParallel
	}
	d.SkipInaccessible = d.SkipInaccessible || opts.SkipInaccessible
	d.stopped.Store(false)

	run, objects, err := d.JoinOrCreateSyncRun(ctx, opts.TriggeredBy, opts.Objects)
	if err != nil {
		return nil, err
	}

	// Recover claims abandoned by crashed workers before fanning out
	if _, err := d.Runs.ResetStuckRunningObjects(ctx, d.AccountID, run.StartedAt, opts.StuckThreshold); err != nil {
		return nil, err
	}

	result := &ParallelResult{
		RunStartedAt: run.StartedAt,
		Processed:    make(map[string]int, len(objects)),
		Failed:       make(map[string]string),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.MaxParallel; i++ {
		worker := i
		g.Go(func() error {
			return d.runWorker(gctx, worker, run.StartedAt, opts, result, &mu)
		})
	}
	werr := g.Wait()

	// Close the run only when every object-run has terminated
	status, serr := d.Runs.GetRunStatus(ctx, d.AccountID, run.StartedAt)
	if serr == nil && status != nil && status.PendingCount == 0 && status.RunningCount == 0 {
		if cerr := d.Runs.CloseSyncRun(ctx, d.AccountID, run.StartedAt); cerr != nil {
			log.Error().Err(cerr).Msg("failed to close sync run")
		}
	}
	if werr != nil {
		return result, werr
	}
	return result, serr
}

func (d *Driver) runWorker(ctx context.Context, worker int, runStartedAt time.Time, opts ParallelOptions, result *ParallelResult, mu *sync.Mutex) error {
	logger := log.With().Str("account", d.AccountID).Int("worker", worker).Logger()

	for {
		if d.stopped.Load() || ctx.Err() != nil {
			return ctx.Err()
		}

		task, err := d.Runs.ClaimNextTask(ctx, d.AccountID, runStartedAt)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}

		start := time.Now()
		pageRes, err := d.ProcessNext(ctx, task.Object, Params{RunStartedAt: runStartedAt})
		if err != nil {
			mu.Lock()
			result.Failed[task.Object] = err.Error()
			mu.Unlock()
			if opts.ContinueOnError {
				logger.Warn().Err(err).Str("object", task.Object).
					Msg("object failed, continuing with remaining objects")
				continue
			}
			return err
		}

		mu.Lock()
		result.Processed[task.Object] += pageRes.Processed
		mu.Unlock()

		if pageRes.HasMore {
			// Yield the object between pages so peers can steal it. Shutdown
			// lands here too: the finished page is durable, the claim is not
			// held.
			if err := d.Runs.ReleaseObjectSync(ctx, d.AccountID, runStartedAt, task.Object, pageRes.NextPageCursor); err != nil {
				return err
			}
		} else {
			metrics.ObjectSyncDuration.WithLabelValues(task.Object).Observe(time.Since(start).Seconds())
		}
	}
}
