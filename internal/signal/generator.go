// Package signal materializes the next session's order plan from the latest
// daily bars. Runs at the close; the plan stays replaceable until dispatch.
package signal

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader/pkg/config"
	"autotrader/pkg/db"
)

const dateLayout = "2006-01-02"

// Generator scans the universe and swaps the PENDING order set for the next
// session. Rows already dispatched are never touched, so repeated runs before
// the open converge on the same plan.
type Generator struct {
	queries *db.Queries
	cfg     config.Strategy
	now     func() time.Time
}

// New builds a generator. The clock is replaceable for tests.
func New(queries *db.Queries, cfg config.Strategy) *Generator {
	return &Generator{queries: queries, cfg: cfg, now: time.Now}
}

// WithClock overrides the generator's clock.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Run computes signals from the latest bars and replaces the PENDING set for
// the next session date.
func (g *Generator) Run(ctx context.Context) error {
	today := g.now()
	execDate := today.AddDate(0, 0, 1).Format(dateLayout)

	latest, err := g.queries.LatestBars(ctx)
	if err != nil {
		return fmt.Errorf("load latest bars: %w", err)
	}
	positions, err := g.queries.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	held := make(map[string]db.Position, len(positions))
	for _, p := range positions {
		held[p.Code] = p
	}
	lastBar := make(map[string]db.LatestBar, len(latest))
	for _, b := range latest {
		lastBar[b.Code] = b
	}

	var orders []db.Order

	// Exits first: time stop, stop loss, take profit.
	for _, p := range positions {
		bar, ok := lastBar[p.Code]
		if !ok || bar.Close <= 0 {
			continue
		}
		reason := g.exitReason(p, bar, today)
		if reason == "" {
			continue
		}
		log.Printf("[signal] SELL %s qty=%d (%s)", p.Code, p.Qty, reason)
		orders = append(orders, db.Order{
			ID:           uuid.NewString(),
			Code:         p.Code,
			Side:         db.SideSell,
			Qty:          p.Qty,
			PlannedPrice: decimal.NewFromFloat(bar.Close),
			OrdDvsn:      g.cfg.OrdDvsn,
		})
	}

	// Entries: liquid names trading below their moving average.
	budget := g.cfg.MaxPositions - len(positions)
	scanned := 0
	for _, b := range latest {
		if budget <= 0 {
			break
		}
		if b.Amount < g.cfg.MinAmount {
			continue
		}
		if scanned++; scanned > g.cfg.LiquidityRank {
			break
		}
		if _, ok := held[b.Code]; ok {
			continue
		}
		if !b.Disparity.Valid || b.Disparity.Float64 > g.buyThreshold(b.Market) {
			continue
		}
		qty := int64(g.cfg.OrderValue / b.Close)
		if qty <= 0 {
			continue
		}
		log.Printf("[signal] BUY %s qty=%d disparity=%.2f", b.Code, qty, b.Disparity.Float64)
		orders = append(orders, db.Order{
			ID:           uuid.NewString(),
			Code:         b.Code,
			Side:         db.SideBuy,
			Qty:          qty,
			PlannedPrice: decimal.NewFromFloat(b.Close),
			OrdDvsn:      g.cfg.OrdDvsn,
		})
		budget--
	}

	if err := g.queries.ReplacePendingOrders(ctx, execDate, orders); err != nil {
		return fmt.Errorf("replace pending orders: %w", err)
	}
	log.Printf("[signal] planned %d orders for %s", len(orders), execDate)
	return nil
}

func (g *Generator) buyThreshold(market string) float64 {
	if strings.Contains(strings.ToUpper(market), "KOSDAQ") {
		return g.cfg.BuyThresholdKOSDAQ
	}
	return g.cfg.BuyThresholdKOSPI
}

// exitReason returns a non-empty label when the position should be closed.
func (g *Generator) exitReason(p db.Position, bar db.LatestBar, today time.Time) string {
	if entry, err := time.Parse(dateLayout, p.EntryDate); err == nil {
		if int(today.Sub(entry).Hours()/24) >= g.cfg.MaxHoldingDays {
			return "time stop"
		}
	}
	if p.AvgPrice.IsPositive() {
		lastClose := decimal.NewFromFloat(bar.Close)
		avg := p.AvgPrice
		stop := avg.Mul(decimal.NewFromFloat(1 - g.cfg.StopLoss))
		take := avg.Mul(decimal.NewFromFloat(1 + g.cfg.TakeProfit))
		if lastClose.LessThanOrEqual(stop) {
			return "stop loss"
		}
		if lastClose.GreaterThanOrEqual(take) {
			return "take profit"
		}
	}
	return ""
}
