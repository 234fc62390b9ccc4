package reconciliation

import (
	"context"
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
	day := time.Date(2026, 8, 26, 15, 40, 0, 0, time.UTC)
	return func() time.Time { return day }
}

// sentOrder inserts an order already dispatched with broker identifiers.
func sentOrder(t *testing.T, q *db.Queries, code, side string, qty int64, odno string) db.Order {
	t.Helper()
	ctx := context.Background()
	o := db.Order{
		ID: uuid.NewString(), Code: code, Side: side, Qty: qty,
		PlannedPrice: decimal.NewFromInt(10000), OrdDvsn: "01",
	}
	if err := q.ReplacePendingOrders(ctx, testDay, []db.Order{o}); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkOrderSent(ctx, o.ID, odno, "91252", "{}"); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestSettleOrders(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	full := sentOrder(t, q, "005930", db.SideBuy, 10, "ODNO-FULL")
	// Insert the others without disturbing the first PENDING swap.
	insertSent := func(code, odno string, qty int64) db.Order {
		o := db.Order{
			ID: uuid.NewString(), Code: code, Side: db.SideBuy, Qty: qty,
			PlannedPrice: decimal.NewFromInt(10000), OrdDvsn: "01",
		}
		if _, err := q.DB().ExecContext(ctx, `
			INSERT INTO orders (id, exec_date, code, side, qty, planned_price, ord_dvsn, status,
			                    broker_order_id, broker_org_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '91252', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		`, o.ID, testDay, o.Code, o.Side, o.Qty, "10000", o.OrdDvsn, db.StatusSent, odno); err != nil {
			t.Fatal(err)
		}
		return o
	}
	partial := insertSent("000660", "ODNO-PART", 20)
	ghost := insertSent("035720", "ODNO-GHOST", 5)

	gw := &common.MockGateway{
		GetFillsFunc: func(_ context.Context, date string) ([]common.Fill, error) {
			if date != testDay {
				t.Errorf("fills requested for %s, want %s", date, testDay)
			}
			return []common.Fill{
				{OrderID: "ODNO-FULL", Code: "005930", FilledQty: 10, AvgPrice: decimal.NewFromInt(70100), Raw: "{}"},
				{OrderID: "ODNO-PART", Code: "000660", FilledQty: 8, AvgPrice: decimal.NewFromInt(120500), Raw: "{}"},
			}, nil
		},
	}

	if err := New(q, gw).WithClock(testClock()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	gotFull, _ := q.GetOrder(ctx, full.ID)
	if gotFull.Status != db.StatusDone || gotFull.FilledQty != 10 {
		t.Errorf("full fill = %s/%d, want DONE/10", gotFull.Status, gotFull.FilledQty)
	}
	if !gotFull.AvgFillPrice.Equal(decimal.NewFromInt(70100)) {
		t.Errorf("avg fill price = %s", gotFull.AvgFillPrice)
	}
	gotPartial, _ := q.GetOrder(ctx, partial.ID)
	if gotPartial.Status != db.StatusPartial || gotPartial.FilledQty != 8 {
		t.Errorf("partial fill = %s/%d, want PARTIAL/8", gotPartial.Status, gotPartial.FilledQty)
	}
	gotGhost, _ := q.GetOrder(ctx, ghost.ID)
	if gotGhost.Status != db.StatusNotFound {
		t.Errorf("missing order status = %s, want NOT_FOUND", gotGhost.Status)
	}
}

func TestRunIsRepeatable(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	o := sentOrder(t, q, "005930", db.SideBuy, 10, "ODNO-1")
	gw := &common.MockGateway{
		GetFillsFunc: func(context.Context, string) ([]common.Fill, error) {
			return []common.Fill{{OrderID: "ODNO-1", Code: "005930", FilledQty: 10,
				AvgPrice: decimal.NewFromInt(70100), Raw: "{}"}}, nil
		},
	}

	svc := New(q, gw).WithClock(testClock())
	for i := 0; i < 3; i++ {
		if err := svc.Run(ctx); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}

	got, _ := q.GetOrder(ctx, o.ID)
	if got.Status != db.StatusDone || got.FilledQty != 10 {
		t.Errorf("after reruns = %s/%d, want DONE/10", got.Status, got.FilledQty)
	}
}

func TestSyncPositionsBrokerTruthWins(t *testing.T) {
	q := newTestStore(t)
	ctx := context.Background()

	// Local state: a ghost holding and a drifted quantity.
	seed := []db.Position{
		{Code: "005930", Name: "Samsung", Qty: 99, AvgPrice: decimal.NewFromInt(68000)},
		{Code: "999999", Name: "Ghost", Qty: 10, AvgPrice: decimal.NewFromInt(1000)},
	}
	if err := q.ReplacePositions(ctx, seed, "2026-08-20"); err != nil {
		t.Fatal(err)
	}

	gw := &common.MockGateway{
		GetBalancesFunc: func(context.Context) (common.Balance, error) {
			return common.Balance{
				Cash: decimal.NewFromInt(3_000_000),
				Holdings: []common.Holding{
					{Code: "005930", Name: "Samsung", Qty: 10, AvgPrice: decimal.NewFromInt(70100)},
					{Code: "035720", Name: "Kakao", Qty: 5, AvgPrice: decimal.NewFromInt(45000)},
				},
			}, nil
		},
	}
	if err := New(q, gw).WithClock(testClock()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	positions, err := q.ListPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byCode := make(map[string]db.Position)
	for _, p := range positions {
		byCode[p.Code] = p
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2: %+v", len(positions), byCode)
	}
	if _, ok := byCode["999999"]; ok {
		t.Error("ghost position survived reconciliation")
	}
	samsung := byCode["005930"]
	if samsung.Qty != 10 {
		t.Errorf("drifted qty not overwritten: %d", samsung.Qty)
	}
	if samsung.EntryDate != "2026-08-20" {
		t.Errorf("surviving entry_date = %s, want preserved 2026-08-20", samsung.EntryDate)
	}
	kakao := byCode["035720"]
	if kakao.EntryDate != testDay {
		t.Errorf("new holding entry_date = %s, want %s", kakao.EntryDate, testDay)
	}
}
