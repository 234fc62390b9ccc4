// Command autotrader runs one externally scheduled step of the daily trading
// pipeline and exits. Cron (or an operator) invokes the steps in order:
//
//	autotrader close    compute signals, plan next session's orders
//	autotrader open     dispatch planned orders at the open
//	autotrader sync     settle fills and rebuild positions from the broker
//	autotrader cancel   withdraw whatever is still outstanding
//	autotrader refill   backfill daily price history (exclusive)
//	autotrader status   print order counts and recent step runs
//
// Every step is idempotent: re-running after a crash or a duplicate schedule
// entry converges on the same state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrader/internal/jobrun"
	"autotrader/internal/lease"
	"autotrader/internal/order"
	"autotrader/internal/reconciliation"
	"autotrader/internal/refill"
	signalgen "autotrader/internal/signal"
	"autotrader/pkg/brokers/kis"
	"autotrader/pkg/config"
	"autotrader/pkg/db"
)

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	step := flag.Arg(0)

	if err := run(step); err != nil {
		log.Fatalf("[main] %s failed: %v", step, err)
	}
}

func run(step string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tunables, err := config.LoadStrategy(cfg.StrategyPath)
	if err != nil {
		return fmt.Errorf("load strategy config: %w", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	queries := database.Queries()

	gateway := kis.New(kis.Config{
		Env:            cfg.KISEnv,
		AppKey:         cfg.KISAppKey,
		AppSecret:      cfg.KISAppSecret,
		AccountNo:      cfg.KISAccountNo,
		AccountProduct: cfg.KISAccountProduct,
		CustType:       cfg.KISCustType,
		TokenCachePath: cfg.KISTokenCachePath,
		CallInterval:   cfg.KISCallInterval,
		MaxRetries:     cfg.KISMaxRetries,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch step {
	case "close":
		gen := signalgen.New(queries, tunables.Strategy)
		return jobrun.Run(ctx, queries, "close", gen.Run)
	case "open":
		d := order.NewDispatcher(queries, gateway, cfg.DryRun)
		return jobrun.Run(ctx, queries, "open", d.Run)
	case "sync":
		svc := reconciliation.New(queries, gateway)
		return jobrun.Run(ctx, queries, "sync", svc.Run)
	case "cancel":
		c := order.NewCanceller(queries, gateway)
		return jobrun.Run(ctx, queries, "cancel", c.Run)
	case "refill":
		coord := refill.New(queries, gateway, tunables.Refill, lease.FileLocker{Path: cfg.RefillLockPath})
		return jobrun.Run(ctx, queries, "refill", coord.Run)
	case "status":
		return printStatus(ctx, queries)
	default:
		usage()
		return fmt.Errorf("unknown step %q", step)
	}
}

func printStatus(ctx context.Context, queries *db.Queries) error {
	runs, err := queries.LatestJobRuns(ctx, 10)
	if err != nil {
		return err
	}
	fmt.Println("recent step runs:")
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt.Valid {
			finished = r.FinishedAt.Time.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  %-8s %-7s started=%s finished=%s %s\n",
			r.JobName, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), finished, r.Message)
	}

	today := time.Now().Format("2006-01-02")
	counts, err := queries.OrderStatusCounts(ctx, today)
	if err != nil {
		return err
	}
	fmt.Printf("orders for %s:\n", today)
	for _, status := range []string{
		db.StatusPending, db.StatusSent, db.StatusPartial, db.StatusDone,
		db.StatusNotFound, db.StatusCancelled, db.StatusError,
	} {
		if n := counts[status]; n > 0 {
			fmt.Printf("  %-10s %d\n", status, n)
		}
	}

	positions, err := queries.ListPositions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("positions: %d\n", len(positions))
	for _, p := range positions {
		fmt.Printf("  %s %-12s qty=%d avg=%s since=%s\n", p.Code, p.Name, p.Qty, p.AvgPrice, p.EntryDate)
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: autotrader <step>

steps:
  close    compute signals and plan next session's orders
  open     dispatch planned orders
  sync     settle fills and rebuild positions from the broker
  cancel   withdraw outstanding orders
  refill   backfill daily price history
  status   print recent runs and current positions
`)
}
