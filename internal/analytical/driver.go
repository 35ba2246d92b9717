// Package analytical ingests resources served by the provider's
// analytical-query endpoint: submit a SQL query, poll until it terminates,
// download the result CSV, and upsert the normalized rows through the
// timestamp-protected write path. Pagination is a tuple cursor over the
// resource's configured sort columns.
package analytical

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/avonite/ledgersync/internal/metrics"
	"github.com/avonite/ledgersync/internal/registry"
	"github.com/avonite/ledgersync/internal/remote"
	"github.com/avonite/ledgersync/internal/writepath"
)

// ErrQueryFailed marks a query run that terminated unsuccessfully
var ErrQueryFailed = errors.New("analytical: query run failed")

// ErrPollTimeout marks a query run that never terminated within the budget
var ErrPollTimeout = errors.New("analytical: query poll timed out")

// Driver runs one analytical page at a time. It satisfies the page driver's
// AnalyticalRunner interface.
type Driver struct {
	Client remote.Client
	Writes writepath.Store
	// PollInterval is the initial delay between status polls
	PollInterval time.Duration
	// PollTimeout bounds the total wait for one query run
	PollTimeout time.Duration
}

func (d *Driver) pollInterval() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return 2 * time.Second
}

func (d *Driver) pollTimeout() time.Duration {
	if d.PollTimeout > 0 {
		return d.PollTimeout
	}
	return 5 * time.Minute
}

// ProcessPage runs one query page for res. An empty cursor is seeded from the
// destination table's own latest row so previously loaded history is not
// re-ingested.
func (d *Driver) ProcessPage(ctx context.Context, res *registry.Resource, accountID, cursor string) (int, string, bool, error) {
	cfg := res.Analytical
	if cfg == nil {
		return 0, "", false, fmt.Errorf("analytical: resource %s has no query config", res.Name)
	}

	tuple, ok := DecodeCursor(cursor, len(cfg.CursorColumns))
	if !ok {
		seed, err := d.Writes.LatestCursor(ctx, cfg.Table, cfg.CursorColumns)
		if err != nil {
			return 0, "", false, err
		}
		tuple = Cursor(seed)
	}

	sql := BuildQuery(cfg, tuple)
	rows, err := d.runQuery(ctx, sql)
	if err != nil {
		return 0, "", false, err
	}
	if len(rows) == 0 {
		return 0, cursor, false, nil
	}

	entries := make([]remote.Object, 0, len(rows))
	for _, row := range rows {
		entry, err := cfg.Normalize(row)
		if err != nil {
			return 0, "", false, fmt.Errorf("normalize %s: %w", res.Name, err)
		}
		entries = append(entries, entry)
	}

	applied, err := d.Writes.UpsertMany(ctx, cfg.Table, accountID, entries, time.Now().UTC())
	if err != nil {
		return 0, "", false, err
	}
	metrics.RowsUpserted.WithLabelValues(cfg.Table).Add(float64(len(applied)))

	// Advance to the last row, consistent with the query's ORDER BY
	last := rows[len(rows)-1]
	next := make(Cursor, len(cfg.CursorColumns))
	for i, col := range cfg.CursorColumns {
		next[i] = last[col]
	}

	hasMore := len(rows) == cfg.PageSize
	log.Info().Str("object", res.Name).Int("rows", len(rows)).Bool("hasMore", hasMore).
		Msg("analytical page applied")
	return len(rows), EncodeCursor(next), hasMore, nil
}

// BuildQuery renders the page query: selected columns, tuple-advance WHERE,
// ORDER BY the cursor columns, LIMIT the page size.
func BuildQuery(cfg *registry.Analytical, after Cursor) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cfg.Columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(cfg.Source)
	if len(after) == len(cfg.CursorColumns) && len(after) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(tupleAdvance(cfg.CursorColumns, after))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(cfg.CursorColumns, ", "))
	fmt.Fprintf(&b, " LIMIT %d", cfg.PageSize)
	return b.String()
}

// tupleAdvance expands (c1, c2) > (v1, v2) into the disjunction the endpoint
// accepts: c1 > v1 OR (c1 = v1 AND c2 > v2), generalized to any width.
func tupleAdvance(columns []string, values Cursor) string {
	var terms []string
	for i := range columns {
		var conj []string
		for j := 0; j < i; j++ {
			conj = append(conj, fmt.Sprintf("%s = %s", columns[j], sqlLiteral(values[j])))
		}
		conj = append(conj, fmt.Sprintf("%s > %s", columns[i], sqlLiteral(values[i])))
		terms = append(terms, "("+strings.Join(conj, " AND ")+")")
	}
	return strings.Join(terms, " OR ")
}

// sqlLiteral renders numeric values bare so typed columns compare numerically,
// everything else as a quoted string.
func sqlLiteral(v string) string {
	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// runQuery submits the query, polls it to a terminal state, and parses the
// result CSV into column-keyed rows.
func (d *Driver) runQuery(ctx context.Context, sql string) ([]map[string]string, error) {
	runID, err := d.Client.CreateQueryRun(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("submit query: %w", err)
	}

	var run remote.QueryRun
	poll := func() error {
		var err error
		run, err = d.Client.GetQueryRun(ctx, runID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if run.Status == remote.QueryRunRunning {
			return fmt.Errorf("query %s still running", runID)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.pollInterval()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = d.pollTimeout()
	if err := backoff.Retry(poll, backoff.WithContext(bo, ctx)); err != nil {
		if run.Status == remote.QueryRunRunning {
			return nil, fmt.Errorf("%w: query %s", ErrPollTimeout, runID)
		}
		return nil, err
	}
	if run.Status == remote.QueryRunFailed {
		return nil, fmt.Errorf("%w: %s", ErrQueryFailed, run.Error)
	}

	body, err := d.Client.DownloadFile(ctx, run.FileID)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	return parseCSV(body)
}

// parseCSV decodes a header-first CSV body into column-keyed rows
func parseCSV(body []byte) ([]map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(body))
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", len(rows)+2, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
