package order

import (
	"context"
	"fmt"
	"log"
	"time"

	"autotrader/pkg/brokers/common"
	"autotrader/pkg/db"
)

// Canceller withdraws the unfilled remainder of today's outstanding orders.
// DONE, CANCELLED, and ERROR rows are never touched and cost no network call.
type Canceller struct {
	queries *db.Queries
	gateway common.Gateway
	now     func() time.Time
}

// NewCanceller builds a canceller.
func NewCanceller(queries *db.Queries, gateway common.Gateway) *Canceller {
	return &Canceller{queries: queries, gateway: gateway, now: time.Now}
}

// WithClock overrides the canceller's clock.
func (c *Canceller) WithClock(now func() time.Time) *Canceller {
	c.now = now
	return c
}

// Run cancels every outstanding order for today's session. A failure on one
// order is logged and does not stop the rest; the row keeps its status so the
// next run (or sync) resolves it.
func (c *Canceller) Run(ctx context.Context) error {
	today := c.now().Format(dateLayout)

	outstanding, err := c.queries.ListOrders(ctx, today,
		db.StatusSent, db.StatusPartial, db.StatusNotFound)
	if err != nil {
		return fmt.Errorf("load outstanding orders: %w", err)
	}
	if len(outstanding) == 0 {
		log.Printf("[cancel] no outstanding orders for %s, nothing to do", today)
		return nil
	}

	cancelled := 0
	for _, o := range outstanding {
		if o.BrokerOrderID == "" {
			// Never made it to the broker; there is nothing to withdraw.
			log.Printf("[cancel] %s %s has no broker id, skipping", o.Side, o.Code)
			continue
		}
		remaining := o.Remaining()
		if remaining <= 0 {
			continue
		}

		err := c.gateway.CancelOrder(ctx, common.CancelRequest{
			OrderID: o.BrokerOrderID,
			OrgID:   o.BrokerOrgID,
			Code:    o.Code,
			Qty:     remaining,
			OrdDvsn: o.OrdDvsn,
		})
		if err != nil {
			// A rejection here usually means the order just filled; the next
			// sync settles the row either way.
			log.Printf("[cancel] %s %s (odno=%s): %v", o.Side, o.Code, o.BrokerOrderID, err)
			continue
		}

		if err := c.queries.MarkOrderCancelled(ctx, o.ID, ""); err != nil {
			log.Printf("[cancel] mark cancelled %s: %v", o.ID, err)
			continue
		}
		cancelled++
		log.Printf("[cancel] withdrew %s %s remaining=%d", o.Side, o.Code, remaining)
	}

	log.Printf("[cancel] cancelled %d/%d outstanding orders", cancelled, len(outstanding))
	return nil
}
