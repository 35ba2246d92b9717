package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/avonite/ledgersync/internal/analytical"
	"github.com/avonite/ledgersync/internal/auth"
	"github.com/avonite/ledgersync/internal/db"
	"github.com/avonite/ledgersync/internal/httpapi"
	"github.com/avonite/ledgersync/internal/pagedriver"
	"github.com/avonite/ledgersync/internal/registry"
	"github.com/avonite/ledgersync/internal/remote"
	"github.com/avonite/ledgersync/internal/runstate"
	"github.com/avonite/ledgersync/internal/schema"
	"github.com/avonite/ledgersync/internal/webhook"
	"github.com/avonite/ledgersync/internal/writepath"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// app is the wired engine shared by every subcommand
type app struct {
	pool    interface{ Close() }
	store   *db.Store
	runs    runstate.Store
	writes  writepath.Store
	reg     *registry.Registry
	driver  *pagedriver.Driver
	applier *webhook.Applier
}

func setup(ctx context.Context) (*app, error) {
	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, pgURL, int32(envInt("PG_MAX_CONNS", 10)))
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	store := db.NewStore(pool)

	if err := schema.Migrate(ctx, store); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	apiKey := env("PROVIDER_API_KEY", "")
	if apiKey == "" {
		pool.Close()
		return nil, errors.New("PROVIDER_API_KEY is required")
	}
	var client remote.Client = &remote.HTTPClient{
		BaseURL: env("PROVIDER_API_URL", "https://api.example.com"),
		APIKey:  apiKey,
	}
	client = remote.NewRetryClient(client, remote.RetryOpts{
		RequestsPerSecond: float64(envInt("PROVIDER_RPS", 25)),
		Burst:             envInt("PROVIDER_BURST", 25),
	})

	reg, err := registry.Default(client)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("build registry: %w", err)
	}

	runs := runstate.NewPostgres(store)
	writes := writepath.NewPostgres(store)

	driver := &pagedriver.Driver{
		Runs:     runs,
		Writes:   writes,
		Registry: reg,
		Analytical: &analytical.Driver{
			Client: client,
			Writes: writes,
		},
		AccountID:               env("ACCOUNT_ID", "acct_default"),
		MaxConcurrency:          envInt("MAX_CONCURRENCY", 4),
		BackfillRelatedEntities: env("BACKFILL_RELATED", "true") == "true",
		SkipInaccessible:        env("SKIP_INACCESSIBLE", "true") == "true",
	}

	applier := &webhook.Applier{
		Writes:         writes,
		Registry:       reg,
		Client:         client,
		DefaultAccount: driver.AccountID,
		Secret:         env("WEBHOOK_SECRET", ""),
	}

	return &app{
		pool:    pool,
		store:   store,
		runs:    runs,
		writes:  writes,
		reg:     reg,
		driver:  driver,
		applier: applier,
	}, nil
}

func (a *app) close() { a.pool.Close() }

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			// Crash recovery: runs abandoned by a previous process get
			// errored out so new syncs can start cleanly.
			if n, err := a.runs.CancelStaleRuns(ctx, a.driver.AccountID, 24*time.Hour); err != nil {
				log.Error().Err(err).Msg("stale run cleanup failed")
			} else if n > 0 {
				log.Warn().Int("count", n).Msg("cancelled stale sync runs")
			}

			srv := &httpapi.Server{
				Driver:   a.driver,
				Applier:  a.applier,
				Runs:     a.runs,
				Writes:   a.writes,
				Registry: a.reg,
			}
			jwtCfg := auth.JWTCfg{
				HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
				DevMode:     env("ENV", "dev") == "dev",
			}

			httpServer := &http.Server{
				Addr:         addr,
				Handler:      srv.Routes(jwtCfg),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			go func() {
				log.Info().Str("addr", addr).Msg("starting HTTP server")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("HTTP server failed")
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			log.Info().Msg("shutting down gracefully...")
			a.driver.Shutdown()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("HTTP server shutdown error")
			}
			log.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", env("HTTP_ADDR", ":8081"), "HTTP listen address")
	return cmd
}

func backfillCmd() *cobra.Command {
	var (
		objects         []string
		maxParallel     int
		continueOnError bool
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run a full sync to completion (joins an open run if one exists)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			run, names, err := a.driver.JoinOrCreateSyncRun(ctx, "cli", objects)
			if err != nil {
				return err
			}
			log.Info().
				Time("runStartedAt", run.StartedAt).
				Strs("objects", names).
				Msg("backfill starting")

			result, err := a.driver.ProcessUntilDoneParallel(ctx, pagedriver.ParallelOptions{
				Objects:          names,
				MaxParallel:      maxParallel,
				ContinueOnError:  continueOnError,
				SkipInaccessible: a.driver.SkipInaccessible,
				TriggeredBy:      "cli",
			})
			if result != nil {
				total := 0
				for _, n := range result.Processed {
					total += n
				}
				log.Info().Int("objectsProcessed", total).Msg("backfill finished")
				for name, msg := range result.Failed {
					log.Error().Str("object", name).Str("error", msg).Msg("object sync failed")
				}
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&objects, "objects", nil, "restrict to these object types (default: all registered)")
	cmd.Flags().IntVar(&maxParallel, "parallel", envInt("MAX_CONCURRENCY", 4), "worker count")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep syncing other objects after a failure")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-started-at>",
		Short: "Show the derived status of a sync run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			startedAt, err := time.Parse(time.RFC3339Nano, args[0])
			if err != nil {
				return fmt.Errorf("run-started-at must be RFC3339: %w", err)
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.runs.GetRunStatus(ctx, a.driver.AccountID, startedAt)
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("unknown run")
			}

			fmt.Printf("status:   %s\n", st.Status)
			fmt.Printf("pending:  %d\n", st.PendingCount)
			fmt.Printf("running:  %d\n", st.RunningCount)
			fmt.Printf("complete: %d\n", st.CompleteCount)
			fmt.Printf("error:    %d\n", st.ErrorCount)
			if st.ClosedAt != nil {
				fmt.Printf("closed:   %s\n", st.ClosedAt.UTC().Format(time.RFC3339Nano))
			}
			names := make([]string, 0, len(st.Errors))
			for name := range st.Errors {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %s: %s\n", name, st.Errors[name])
			}
			return nil
		},
	}
	return cmd
}

func wipeCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Permanently delete all synced rows for the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("refusing to wipe without --yes")
			}
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			var tables []string
			seen := make(map[string]bool)
			for _, res := range a.reg.All() {
				table, _ := a.reg.TableFor(res.Name)
				if !seen[table] {
					tables = append(tables, table)
					seen[table] = true
				}
				if res.ChildTable != "" && !seen[res.ChildTable] {
					tables = append(tables, res.ChildTable)
					seen[res.ChildTable] = true
				}
			}

			deleted, err := a.writes.DangerouslyDeleteSyncedAccountData(ctx, a.driver.AccountID, tables)
			if err != nil {
				return err
			}
			for table, n := range deleted {
				fmt.Printf("%s: %d rows deleted\n", table, n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm permanent deletion")
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "ledgersync").Logger()
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	root := &cobra.Command{
		Use:           "ledgersync",
		Short:         "Mirror a remote billing account's object graph into Postgres",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), backfillCmd(), statusCmd(), wipeCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}
