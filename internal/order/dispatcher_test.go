package order

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader/pkg/brokers/common"
	"autotrader/pkg/db"
)

const testDay = "2026-08-26"

func newTestStore(t *testing.T) *db.Queries {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	return database.Queries()
}

func testClock() func() time.Time {
	day := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return day }
}

func plan(t *testing.T, q *db.Queries, orders ...db.Order) {
	t.Helper()
	if err := q.ReplacePendingOrders(context.Background(), testDay, orders); err != nil {
		t.Fatal(err)
	}
}

func buyOrder(code string, qty, price int64) db.Order {
	return db.Order{
		ID: uuid.NewString(), Code: code, Side: db.SideBuy,
		Qty: qty, PlannedPrice: decimal.NewFromInt(price), OrdDvsn: "00",
	}
}

func richBalance() func(context.Context) (common.Balance, error) {
	return func(context.Context) (common.Balance, error) {
		return common.Balance{Cash: decimal.NewFromInt(100_000_000)}, nil
	}
}

func acceptAll() func(context.Context, common.OrderRequest) (common.OrderReceipt, error) {
	n := 0
	return func(_ context.Context, req common.OrderRequest) (common.OrderReceipt, error) {
		n++
		return common.OrderReceipt{OrderID: fmt.Sprintf("ODNO%04d", n), OrgID: "91252", Raw: "{}"}, nil
	}
}

func TestDispatcherSendsPending(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()
	o1 := buyOrder("005930", 10, 70000)
	o2 := buyOrder("000660", 5, 120000)
	plan(t, q, o1, o2)

	gw := &common.MockGateway{GetBalancesFunc: richBalance(), CreateOrderFunc: acceptAll()}
	d := NewDispatcher(q, gw, false).WithClock(testClock())
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range []string{o1.ID, o2.ID} {
		got, err := q.GetOrder(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != db.StatusSent {
			t.Errorf("order %s status = %s, want SENT", got.Code, got.Status)
		}
		if got.BrokerOrderID == "" || got.BrokerOrgID != "91252" {
			t.Errorf("broker ids not stored: %+v", got)
		}
	}

	// A second run finds nothing PENDING and must not touch the broker.
	if err := d.Run(ctx); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if got := gw.CallCount("CreateOrder"); got != 2 {
		t.Errorf("CreateOrder called %d times, want 2", got)
	}
}

func TestDispatcherTerminalRejection(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()
	bad := buyOrder("999999", 10, 1000)
	good := buyOrder("005930", 10, 70000)
	plan(t, q, bad, good)

	accept := acceptAll()
	gw := &common.MockGateway{
		GetBalancesFunc: richBalance(),
		CreateOrderFunc: func(ctx context.Context, req common.OrderRequest) (common.OrderReceipt, error) {
			if req.Code == "999999" {
				return common.OrderReceipt{}, &common.TerminalError{Code: "APBK0919", Message: "unknown product"}
			}
			return accept(ctx, req)
		},
	}
	if err := NewDispatcher(q, gw, false).WithClock(testClock()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	gotBad, _ := q.GetOrder(ctx, bad.ID)
	if gotBad.Status != db.StatusError {
		t.Errorf("rejected order status = %s, want ERROR", gotBad.Status)
	}
	gotGood, _ := q.GetOrder(ctx, good.ID)
	if gotGood.Status != db.StatusSent {
		t.Errorf("one rejection stopped the batch: %s", gotGood.Status)
	}
}

func TestDispatcherTransientFailureKeepsPending(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()
	o := buyOrder("005930", 10, 70000)
	plan(t, q, o)

	gw := &common.MockGateway{
		GetBalancesFunc: richBalance(),
		CreateOrderFunc: func(context.Context, common.OrderRequest) (common.OrderReceipt, error) {
			return common.OrderReceipt{}, &common.RetryExhaustedError{Attempts: 8, Last: errors.New("status 503")}
		},
	}
	if err := NewDispatcher(q, gw, false).WithClock(testClock()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := q.GetOrder(ctx, o.ID)
	if got.Status != db.StatusPending {
		t.Errorf("status = %s, want PENDING for a later re-run", got.Status)
	}
}

func TestDispatcherFitsBuysToCash(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()
	// Rows come back ordered by code, so "000660" dispatches first.
	first := buyOrder("000660", 14, 70000)   // full cost 980,000
	second := buyOrder("005930", 10, 120000) // nothing left after the first
	plan(t, q, first, second)

	var sentQty []int64
	gw := &common.MockGateway{
		GetBalancesFunc: func(context.Context) (common.Balance, error) {
			return common.Balance{Cash: decimal.NewFromInt(500_000)}, nil
		},
		CreateOrderFunc: func(_ context.Context, req common.OrderRequest) (common.OrderReceipt, error) {
			sentQty = append(sentQty, req.Qty)
			return common.OrderReceipt{OrderID: "ODNO1", OrgID: "1", Raw: "{}"}, nil
		},
	}
	if err := NewDispatcher(q, gw, false).WithClock(testClock()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sentQty) != 1 || sentQty[0] != 7 { // floor(500,000 / 70,000)
		t.Fatalf("sent quantities = %v, want [7]", sentQty)
	}
	gotFirst, _ := q.GetOrder(ctx, first.ID)
	if gotFirst.Status != db.StatusSent || gotFirst.Qty != 7 {
		t.Errorf("resized order = status %s qty %d, want SENT/7", gotFirst.Status, gotFirst.Qty)
	}
	gotSecond, _ := q.GetOrder(ctx, second.ID)
	if gotSecond.Status != db.StatusError {
		t.Errorf("unfunded order status = %s, want ERROR", gotSecond.Status)
	}
}

func TestDispatcherDryRun(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()
	o := buyOrder("005930", 10, 70000)
	plan(t, q, o)

	gw := &common.MockGateway{}
	if err := NewDispatcher(q, gw, true).WithClock(testClock()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(gw.Calls()); got != 0 {
		t.Errorf("dry run made %d broker calls", got)
	}
	gotOrder, _ := q.GetOrder(ctx, o.ID)
	if gotOrder.Status != db.StatusPending {
		t.Errorf("dry run changed status to %s", gotOrder.Status)
	}
}
