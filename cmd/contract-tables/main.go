package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/core/async"
	"github.com/joseph-ayodele/contract-tables/internal/ingest"
	"github.com/joseph-ayodele/contract-tables/internal/repository"
	"github.com/joseph-ayodele/contract-tables/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "contract-tables",
		Usage: "Extract tables from contract PDFs into a resumable ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file (overrides CONFIG_FILE)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "database DSN: postgres:// URL or SQLite path (overrides DB_URL)",
			},
		},
		Commands: []*cli.Command{
			ingestCommand(),
			runCommand(),
			statsCommand(),
			resetCommand(),
			exportCommand(),
			serveCommand(),
			tokenCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// setup loads configuration, applies global flags and opens the ledger.
func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	if path := cmd.String("config"); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return nil, err
		}
	}
	cfg, err := common.LoadConfig()
	if err != nil {
		return nil, err
	}
	if dsn := cmd.String("db"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)
	return openApp(ctx, cfg, logger)
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Load a CSV or XLSX manifest into the ledger",
		ArgsUsage: "<manifest.csv|manifest.xlsx>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "refresh static fields of finished items too"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("ingest: expected one manifest path")
			}
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := ingest.New(a.repo, a.logger).IngestFile(ctx, cmd.Args().First(), cmd.Bool("force"))
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "number of workers (overrides WORKERS)"},
		&cli.IntFlag{Name: "budget", Usage: "stop after this many items; 0 means no cap"},
		&cli.BoolFlag{Name: "include-failed", Usage: "also claim failed items below the attempt cap"},
		&cli.StringSliceFlag{Name: "id", Usage: "restrict to these item ids"},
		&cli.StringFlag{Name: "id-prefix", Usage: "restrict to item ids with this prefix"},
		&cli.StringSliceFlag{Name: "backend", Usage: "backend chain in order (overrides BACKENDS)"},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Process pending items with a worker pool until the ledger is drained",
		Flags: runFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			pool, closeFn, err := buildPool(a, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			return runAndReport(ctx, os.Stdout, a.repo, pool.Run)
		},
	}
}

// buildPool applies run flags to the config and wires the pool.
func buildPool(a *app, cmd *cli.Command, opts ...async.Option) (*async.Pool, func() error, error) {
	cfg := a.cfg
	if n := int(cmd.Int("workers")); n > 0 {
		cfg.Worker.Count = n
	}
	if n := int(cmd.Int("budget")); n > 0 {
		cfg.Worker.Budget = n
	}
	if cmd.Bool("include-failed") {
		cfg.Worker.IncludeFailed = true
	}
	if bs := cmd.StringSlice("backend"); len(bs) > 0 {
		cfg.Backends = bs
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	proc, closeFn, err := a.processor()
	if err != nil {
		return nil, nil, err
	}
	filter := repository.Filter{
		IDs:      cmd.StringSlice("id"),
		IDPrefix: cmd.String("id-prefix"),
		Statuses: []constants.ItemStatus{constants.StatusPending},
	}
	if cfg.Worker.IncludeFailed {
		filter.Statuses = append(filter.Statuses, constants.StatusFailed)
		filter.MaxAttempts = cfg.Worker.MaxAttempts
	}

	all := []async.Option{
		async.WithWorkers(cfg.Worker.Count),
		async.WithItemDelay(cfg.Worker.ItemDelay),
		async.WithBudget(cfg.Worker.Budget),
		async.WithProcessTimeout(cfg.Worker.ProcessTimeout),
		async.WithFilter(filter),
	}
	return async.NewPool(a.repo, proc, a.logger, append(all, opts...)...), closeFn, nil
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print counts by status and the errors of failed items",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return printSummary(ctx, os.Stdout, a.repo, async.Summary{})
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Move stuck in_progress items (and optionally failed ones) back to pending",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "failed", Usage: "also reset failed items"},
			&cli.StringSliceFlag{Name: "id", Usage: "only reset these item ids"},
			&cli.DurationFlag{Name: "older-than", Usage: "only reset items not touched for this long"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := repository.Filter{
				IDs:      cmd.StringSlice("id"),
				Statuses: []constants.ItemStatus{constants.StatusInProgress},
			}
			if cmd.Bool("failed") {
				filter.Statuses = append(filter.Statuses, constants.StatusFailed)
			}
			if d := cmd.Duration("older-than"); d > 0 {
				filter.UpdatedBefore = time.Now().Add(-d)
			}
			n, err := a.repo.ResetStatus(ctx, filter)
			if err != nil {
				return err
			}
			fmt.Printf("reset %d item(s) to pending\n", n)
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write review bundles (PDF, raw output, result JSON and XLSX) for items",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "export this item"},
			&cli.IntFlag{Name: "sample", Value: 1, Usage: "export this many random successful items"},
			&cli.StringFlag{Name: "dir", Usage: "output root (overrides EXPORT_DIR)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if dir := cmd.String("dir"); dir != "" {
				a.cfg.Export.Dir = dir
			}
			svc, err := a.exporter(ctx)
			if err != nil {
				return err
			}

			if id := cmd.String("id"); id != "" {
				b, err := svc.ExportItem(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(b)
			}
			bundles, err := svc.ExportSample(ctx, int(cmd.Int("sample")))
			if err != nil {
				return err
			}
			if len(bundles) == 0 {
				fmt.Println("no successful items to export")
				return nil
			}
			return printJSON(bundles)
		},
	}
}

func serveCommand() *cli.Command {
	flags := append(runFlags(),
		&cli.BoolFlag{Name: "work", Usage: "run the worker pool alongside the servers"},
	)
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the admin HTTP API and gRPC health, optionally running workers",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var running atomic.Bool
			health := server.NewHealth()
			router := server.NewRouter(server.Deps{
				Repo:      a.repo,
				Ping:      func(ctx context.Context) error { return a.db.HealthCheck(ctx, 2*time.Second) },
				Running:   running.Load,
				JWTSecret: a.cfg.Server.JWTSecret,
				Logger:    a.logger,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Serve(gctx, server.Config{HTTPAddr: a.cfg.Server.HTTPAddr, GRPCAddr: a.cfg.Server.GRPCAddr}, router, health, a.logger)
			})
			if cmd.Bool("work") {
				pool, closeFn, err := buildPool(a, cmd, async.WithStateHook(func(on bool) {
					running.Store(on)
					health.SetRunning(on)
				}))
				if err != nil {
					return err
				}
				defer closeFn()
				g.Go(func() error {
					summary, err := pool.Run(gctx)
					if err == nil {
						a.logger.Info("serve.pool.done", "processed", summary.Processed, "failed", summary.Failed)
					}
					return err
				})
			}
			return g.Wait()
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint an admin bearer token for POST /api/reset",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Value: "admin"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			tok, err := server.GenerateToken(cmd.String("subject"), cfg.Server.JWTSecret, cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}

// runAndReport prints the end-of-run summary even when the run failed or
// was interrupted.
func runAndReport(ctx context.Context, w io.Writer, repo repository.WorkItemRepository, run func(context.Context) (async.Summary, error)) error {
	summary, runErr := run(ctx)
	if err := printSummary(context.WithoutCancel(ctx), w, repo, summary); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func printSummary(ctx context.Context, w io.Writer, repo repository.WorkItemRepository, s async.Summary) error {
	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		return err
	}
	if s.Duration > 0 {
		fmt.Fprintf(w, "processed %d item(s) in %s: %d succeeded, %d failed\n",
			s.Processed, s.Duration.Round(time.Millisecond), s.Succeeded, s.Failed)
	}
	total := 0
	for _, st := range constants.AllStatuses {
		fmt.Fprintf(w, "  %-12s %d\n", st, counts[st])
		total += counts[st]
	}
	fmt.Fprintf(w, "  %-12s %d\n", "total", total)

	failed, err := repo.List(ctx, repository.Filter{Statuses: []constants.ItemStatus{constants.StatusFailed}}, 0)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	fmt.Fprintln(w, "failed items:")
	for _, it := range failed {
		fmt.Fprintf(w, "  %s (attempts %d): %s\n", it.ID, it.AttemptCount, it.Error)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
