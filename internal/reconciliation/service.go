// Package reconciliation settles the local order book against the broker's
// execution reports and rebuilds positions from the broker balance. The
// broker is the source of truth; local state only ever converges toward it.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"time"

	"autotrader/pkg/brokers/common"
	"autotrader/pkg/db"
)

const dateLayout = "2006-01-02"

// Service runs the sync step. Safe to invoke any number of times per day.
type Service struct {
	queries *db.Queries
	gateway common.Gateway
	now     func() time.Time
}

// New builds a reconciliation service.
func New(queries *db.Queries, gateway common.Gateway) *Service {
	return &Service{queries: queries, gateway: gateway, now: time.Now}
}

// WithClock overrides the service's clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run maps today's execution reports onto dispatched orders, then overwrites
// the positions table from the broker balance.
func (s *Service) Run(ctx context.Context) error {
	today := s.now().Format(dateLayout)

	if err := s.settleOrders(ctx, today); err != nil {
		return err
	}
	return s.syncPositions(ctx, today)
}

func (s *Service) settleOrders(ctx context.Context, today string) error {
	outstanding, err := s.queries.ListOrders(ctx, today,
		db.StatusSent, db.StatusPartial, db.StatusNotFound)
	if err != nil {
		return fmt.Errorf("load outstanding orders: %w", err)
	}
	if len(outstanding) == 0 {
		log.Printf("[sync] no outstanding orders for %s", today)
		return nil
	}

	fills, err := s.gateway.GetFills(ctx, today)
	if err != nil {
		return fmt.Errorf("load fills: %w", err)
	}
	byOrderID := make(map[string]common.Fill, len(fills))
	for _, f := range fills {
		byOrderID[f.OrderID] = f
	}

	settled := 0
	for _, o := range outstanding {
		if o.BrokerOrderID == "" {
			continue
		}
		fill, ok := byOrderID[o.BrokerOrderID]
		if !ok {
			// Dispatched but absent from the report: flag it and keep looking
			// on later runs. The canceller still treats the row as live.
			if err := s.queries.MarkOrderNotFound(ctx, o.ID); err != nil && err != db.ErrStaleStatus {
				log.Printf("[sync] mark not found %s: %v", o.ID, err)
			}
			log.Printf("[sync] %s %s odno=%s missing from broker report", o.Side, o.Code, o.BrokerOrderID)
			continue
		}

		status := db.StatusPartial
		if fill.FilledQty >= o.Qty {
			status = db.StatusDone
		}
		if fill.FilledQty <= 0 {
			continue // accepted but nothing executed yet
		}
		if err := s.queries.ApplyFill(ctx, o.ID, status, fill.FilledQty, fill.AvgPrice, fill.Raw); err != nil {
			if err == db.ErrStaleStatus {
				continue
			}
			return fmt.Errorf("apply fill %s: %w", o.ID, err)
		}
		settled++
		log.Printf("[sync] %s %s filled %d/%d @ %s -> %s",
			o.Side, o.Code, fill.FilledQty, o.Qty, fill.AvgPrice, status)
	}
	log.Printf("[sync] settled %d/%d outstanding orders", settled, len(outstanding))
	return nil
}

// syncPositions replaces local positions with the broker-reported holdings.
// Codes the broker no longer reports disappear, drifted quantities are
// overwritten, and entry dates of surviving codes are preserved.
func (s *Service) syncPositions(ctx context.Context, today string) error {
	bal, err := s.gateway.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}

	holdings := make([]db.Position, 0, len(bal.Holdings))
	for _, h := range bal.Holdings {
		holdings = append(holdings, db.Position{
			Code:     h.Code,
			Name:     h.Name,
			Qty:      h.Qty,
			AvgPrice: h.AvgPrice,
		})
	}
	if err := s.queries.ReplacePositions(ctx, holdings, today); err != nil {
		return fmt.Errorf("replace positions: %w", err)
	}
	log.Printf("[sync] positions rebuilt from broker: %d holdings, cash %s",
		len(holdings), bal.Cash)
	return nil
}
