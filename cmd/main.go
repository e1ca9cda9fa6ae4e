// tender-scanner crawls Canadian public-sector procurement portals, keeps a
// deduplicated and classified tender table, and exposes crawl control and
// rollups over HTTP.
//
//	tender-scanner serve               scheduler + HTTP API
//	tender-scanner crawl [portal-id]   one cycle, exit code 0/1/2 by outcome
//	tender-scanner migrate             apply the Postgres schema
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/config"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/db"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/logger"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/scheduler"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/store"
)

const version = "1.0.0"

func main() {
	root := &cobra.Command{
		Use:           "tender-scanner",
		Short:         "Canadian public-sector tender crawler",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), crawlCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintln(os.Stderr, "tender-scanner:", err)
		os.Exit(2)
	}
}

// exitError carries a crawl outcome's exit code out of a command.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func setup() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log.With(logger.String("service", "tender-scanner"), logger.String("version", version)), nil
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := build(ctx, cfg, log)
			if err != nil {
				return err
			}

			var sched *scheduler.Scheduler
			if cfg.SchedulerEnabled {
				sched = scheduler.New(a.orch, a.registry.Enabled(), log)
				if err := sched.Start(ctx, cfg.CrawlOnStart); err != nil {
					a.shutdown(cfg.ShutdownTimeout)
					return err
				}
			}

			srv := &http.Server{
				Addr:         ":" + cfg.Port,
				Handler:      a.handler(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				log.Info("HTTP server listening", logger.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			// ── Graceful shutdown ────────────────────────────────────────────
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-quit:
				log.Info("Shutting down", logger.String("signal", sig.String()))
			case err = <-serveErr:
				log.Error("HTTP server failed", logger.Error(err))
			}

			if sched != nil {
				sched.Stop()
			}
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("HTTP shutdown error", logger.Error(err))
			}
			a.shutdown(cfg.ShutdownTimeout)
			log.Info("Stopped")
			return err
		},
	}
}

// ── crawl ─────────────────────────────────────────────────────────────────────

func crawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl [portal-id]",
		Short: "Run one crawl cycle and exit with its outcome code",
		Long: `Run one crawl cycle over a single portal, or over every enabled portal
when no id is given. The exit code is 0 on full success, 1 when some records or
portals failed, and 2 when the cycle failed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := build(context.Background(), cfg, log)
			if err != nil {
				return err
			}
			defer a.shutdown(cfg.ShutdownTimeout)

			portalID := ""
			if len(args) == 1 {
				portalID = args[0]
			}
			c, err := a.orch.StartCrawlCycle(cmd.Context(), portalID)
			if err != nil {
				return err
			}

			// Interrupt cancels the runs; they still finalize and get recorded.
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)
			go func() {
				select {
				case <-quit:
					log.Info("Interrupted, cancelling cycle", logger.String("cycle_id", c.ID))
					a.orch.CancelAll()
				case <-c.Done():
				}
			}()

			outcome, err := c.Wait(context.Background())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(struct {
				CycleID string           `json:"cycleId"`
				Outcome model.Outcome    `json:"outcome"`
				Runs    []model.CrawlRun `json:"runs"`
			}{c.ID, outcome, c.Snapshots()}); err != nil {
				return err
			}
			if code := outcome.ExitCode(); code != 0 {
				return exitError(code)
			}
			return nil
		},
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the tenders and crawl_runs schema to Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.StoreDriver != "postgres" {
				return fmt.Errorf("migrate needs STORE_DRIVER=postgres")
			}

			pool, err := db.NewPostgresPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, log)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.NewPostgres(pool, cfg.CallTimeout).Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info("Schema applied")
			return nil
		},
	}
}
