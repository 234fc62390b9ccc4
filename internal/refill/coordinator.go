// Package refill backfills daily price history in resumable chunks. Progress
// is tracked per code with a monotonic coverage date, so an interrupted run
// resumes exactly where it stopped and never re-fetches completed work.
package refill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"autotrader/internal/indicators"
	"autotrader/internal/lease"
	"autotrader/pkg/brokers/common"
	"autotrader/pkg/config"
	"autotrader/pkg/db"
)

const dateLayout = "2006-01-02"

// featureLookbackDays is how far before a chunk the close series is reloaded
// so the moving average is correct at the chunk boundary. Generous on purpose:
// 25 trading days span well under 60 calendar days.
const featureLookbackDays = 60

// Coordinator drives the backfill across the universe. Exactly one
// coordinator runs at a time, enforced by an exclusive file lease.
type Coordinator struct {
	queries *db.Queries
	gateway common.Gateway
	cfg     config.Refill
	locker  lease.Locker
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a coordinator.
func New(queries *db.Queries, gateway common.Gateway, cfg config.Refill, locker lease.Locker) *Coordinator {
	return &Coordinator{
		queries: queries,
		gateway: gateway,
		cfg:     cfg,
		locker:  locker,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// WithClock overrides the coordinator's clock.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// WithSleep overrides the inter-chunk cooldown, used by tests.
func (c *Coordinator) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Coordinator {
	c.sleep = sleep
	return c
}

// Run acquires the lease and refills every code not yet DONE. A failure on
// one code is recorded and does not stop the others. Returns lease.ErrHeld
// without touching any state when another run is active.
func (c *Coordinator) Run(ctx context.Context) error {
	l, err := c.locker.Acquire()
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			log.Printf("[refill] another refill holds the lease, exiting")
		}
		return err
	}
	defer l.Release()

	candidates, err := c.queries.ListRefillCandidates(ctx)
	if err != nil {
		return fmt.Errorf("load refill candidates: %w", err)
	}
	if len(candidates) == 0 {
		log.Printf("[refill] universe fully covered, nothing to do")
		return nil
	}

	horizon := c.now().AddDate(0, 0, -c.cfg.HorizonDays).Format(dateLayout)
	log.Printf("[refill] %d codes to cover through %s", len(candidates), horizon)

	failed := 0
	for _, cand := range candidates {
		if err := c.refillCode(ctx, cand, horizon); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			log.Printf("[refill] %s failed: %v", cand.Code, err)
			if rerr := c.queries.RecordRefillError(ctx, cand.Code, err.Error()); rerr != nil {
				log.Printf("[refill] record error for %s: %v", cand.Code, rerr)
			}
		}
	}
	log.Printf("[refill] pass complete: %d/%d codes failed", failed, len(candidates))
	return nil
}

// refillCode advances one code chunk by chunk until the horizon is covered.
func (c *Coordinator) refillCode(ctx context.Context, cand db.RefillCandidate, horizon string) error {
	start := c.cfg.StartDate
	if cand.CoveredThrough != "" {
		next, err := addDays(cand.CoveredThrough, 1)
		if err != nil {
			return fmt.Errorf("bad coverage date %q: %w", cand.CoveredThrough, err)
		}
		start = next
	}

	for start <= horizon {
		end, err := addDays(start, c.cfg.ChunkDays-1)
		if err != nil {
			return err
		}
		if end > horizon {
			end = horizon
		}

		bars, err := c.gateway.GetHistory(ctx, cand.Code, common.DateRange{Start: start, End: end})
		if err != nil {
			return fmt.Errorf("fetch %s..%s: %w", start, end, err)
		}
		// No bars is normal for holiday stretches and pre-listing ranges;
		// coverage still advances.
		if len(bars) > 0 {
			if err := c.storeChunk(ctx, cand.Code, bars, start); err != nil {
				return err
			}
		}
		if err := c.queries.AdvanceRefillProgress(ctx, cand.Code, end); err != nil {
			return err
		}
		log.Printf("[refill] %s covered through %s (%d bars)", cand.Code, end, len(bars))

		if start, err = addDays(end, 1); err != nil {
			return err
		}
		if start <= horizon && c.cfg.CooldownSec > 0 {
			if err := c.sleep(ctx, time.Duration(c.cfg.CooldownSec)*time.Second); err != nil {
				return err
			}
		}
	}

	return c.queries.MarkRefillDone(ctx, cand.Code)
}

// storeChunk upserts the fetched bars and recomputes the moving-average
// features over the affected window, reaching back far enough that the first
// rows of the chunk see a full window.
func (c *Coordinator) storeChunk(ctx context.Context, code string, bars []common.Bar, chunkStart string) error {
	rows := make([]db.DailyBar, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, db.DailyBar{
			Date: b.Date, Open: b.Open, High: b.High, Low: b.Low,
			Close: b.Close, Volume: b.Volume, Amount: b.Amount,
		})
	}
	if err := c.queries.UpsertDailyBars(ctx, code, rows); err != nil {
		return fmt.Errorf("store bars: %w", err)
	}

	lookback, err := addDays(chunkStart, -featureLookbackDays)
	if err != nil {
		return err
	}
	window, err := c.queries.ListBars(ctx, code, lookback)
	if err != nil {
		return fmt.Errorf("load feature window: %w", err)
	}

	closes := make([]float64, len(window))
	for i, b := range window {
		closes[i] = b.Close
	}
	feats := indicators.Rolling(closes, indicators.MAPeriod)

	updated := make([]db.DailyBar, 0, len(window))
	for i, b := range window {
		if b.Date < chunkStart || !feats[i].OK {
			continue
		}
		b.MA25 = sql.NullFloat64{Float64: feats[i].MA, Valid: true}
		b.Disparity = sql.NullFloat64{Float64: feats[i].Disparity, Valid: true}
		updated = append(updated, b)
	}
	if len(updated) == 0 {
		return nil
	}
	if err := c.queries.UpdateBarFeatures(ctx, code, updated); err != nil {
		return fmt.Errorf("store features: %w", err)
	}
	return nil
}

func addDays(date string, n int) (string, error) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(dateLayout), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
