// Package order turns the day's planned orders into brokerage calls: the
// dispatcher sends PENDING rows at the open, the canceller withdraws whatever
// is still outstanding near the close.
package order

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/pkg/brokers/common"
	"autotrader/pkg/db"
)

const dateLayout = "2006-01-02"

// Dispatcher sends the PENDING set for today's session. Each row is marked
// SENT or ERROR individually, so a crash mid-run loses nothing: the next
// invocation picks up the rows still PENDING.
type Dispatcher struct {
	queries *db.Queries
	gateway common.Gateway
	dryRun  bool
	now     func() time.Time
}

// NewDispatcher builds a dispatcher. With dryRun set, orders are logged but
// never sent and stay PENDING.
func NewDispatcher(queries *db.Queries, gateway common.Gateway, dryRun bool) *Dispatcher {
	return &Dispatcher{queries: queries, gateway: gateway, dryRun: dryRun, now: time.Now}
}

// WithClock overrides the dispatcher's clock.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run dispatches today's PENDING orders. Terminal broker rejections move the
// row to ERROR; transient failures leave it PENDING for a later re-run.
func (d *Dispatcher) Run(ctx context.Context) error {
	today := d.now().Format(dateLayout)

	pending, err := d.queries.ListOrders(ctx, today, db.StatusPending)
	if err != nil {
		return fmt.Errorf("load pending orders: %w", err)
	}
	if len(pending) == 0 {
		log.Printf("[open] no pending orders for %s, nothing to do", today)
		return nil
	}
	if d.dryRun {
		for _, o := range pending {
			log.Printf("[open] dry-run: would send %s %s qty=%d", o.Side, o.Code, o.Qty)
		}
		return nil
	}

	cash, err := d.availableCash(ctx)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}

	sent, failed := 0, 0
	for _, o := range pending {
		qty := o.Qty
		if o.Side == db.SideBuy {
			qty, cash = fitToCash(o, cash)
			if qty <= 0 {
				log.Printf("[open] %s %s: insufficient cash, skipping", o.Side, o.Code)
				if err := d.queries.MarkOrderError(ctx, o.ID, "insufficient cash at dispatch"); err != nil {
					log.Printf("[open] mark error %s: %v", o.ID, err)
				}
				failed++
				continue
			}
			if qty != o.Qty {
				log.Printf("[open] BUY %s resized %d -> %d to fit cash", o.Code, o.Qty, qty)
				if err := d.queries.ResizeOrder(ctx, o.ID, qty); err != nil {
					log.Printf("[open] resize %s: %v", o.ID, err)
					continue
				}
			}
		}

		receipt, err := d.gateway.CreateOrder(ctx, common.OrderRequest{
			Code:    o.Code,
			Side:    sideOf(o),
			Qty:     qty,
			Price:   o.PlannedPrice,
			OrdDvsn: o.OrdDvsn,
		})
		if err != nil {
			failed++
			if common.IsTerminal(err) {
				log.Printf("[open] %s %s rejected: %v", o.Side, o.Code, err)
				if err := d.queries.MarkOrderError(ctx, o.ID, err.Error()); err != nil {
					log.Printf("[open] mark error %s: %v", o.ID, err)
				}
			} else {
				// Stays PENDING; the next run retries it.
				log.Printf("[open] %s %s failed transiently: %v", o.Side, o.Code, err)
			}
			continue
		}

		if err := d.queries.MarkOrderSent(ctx, o.ID, receipt.OrderID, receipt.OrgID, receipt.Raw); err != nil {
			log.Printf("[open] mark sent %s: %v", o.ID, err)
			continue
		}
		sent++
		log.Printf("[open] sent %s %s qty=%d odno=%s", o.Side, o.Code, qty, receipt.OrderID)
	}

	log.Printf("[open] dispatched %d/%d orders (%d failed)", sent, len(pending), failed)
	return nil
}

func (d *Dispatcher) availableCash(ctx context.Context) (decimal.Decimal, error) {
	bal, err := d.gateway.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Cash, nil
}

// fitToCash shrinks a buy to what the remaining cash affords and returns the
// cash left after the order. Sells never consume cash.
func fitToCash(o db.Order, cash decimal.Decimal) (int64, decimal.Decimal) {
	if !o.PlannedPrice.IsPositive() {
		return o.Qty, cash
	}
	qty := o.Qty
	cost := o.PlannedPrice.Mul(decimal.NewFromInt(qty))
	if cost.GreaterThan(cash) {
		qty = cash.Div(o.PlannedPrice).IntPart()
		if qty <= 0 {
			return 0, cash
		}
		cost = o.PlannedPrice.Mul(decimal.NewFromInt(qty))
	}
	return qty, cash.Sub(cost)
}

func sideOf(o db.Order) common.Side {
	if o.Side == db.SideSell {
		return common.Sell
	}
	return common.Buy
}
