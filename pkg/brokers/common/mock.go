package common

import (
	"context"
	"fmt"
	"sync"
)

// MockGateway is a deterministic Gateway double for scenario tests. Each
// operation delegates to the matching function field when set and records the
// call; unset operations succeed with zero values.
type MockGateway struct {
	mu    sync.Mutex
	calls []string

	CreateOrderFunc func(ctx context.Context, req OrderRequest) (OrderReceipt, error)
	CancelOrderFunc func(ctx context.Context, req CancelRequest) error
	GetFillsFunc    func(ctx context.Context, date string) ([]Fill, error)
	GetBalancesFunc func(ctx context.Context) (Balance, error)
	GetHistoryFunc  func(ctx context.Context, code string, r DateRange) ([]Bar, error)
}

func (m *MockGateway) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

// Calls returns every recorded call in order.
func (m *MockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many recorded calls start with prefix.
func (m *MockGateway) CallCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (m *MockGateway) CreateOrder(ctx context.Context, req OrderRequest) (OrderReceipt, error) {
	m.record(fmt.Sprintf("CreateOrder %s %s qty=%d", req.Code, req.Side, req.Qty))
	if m.CreateOrderFunc != nil {
		return m.CreateOrderFunc(ctx, req)
	}
	return OrderReceipt{}, nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, req CancelRequest) error {
	m.record(fmt.Sprintf("CancelOrder %s order=%s", req.Code, req.OrderID))
	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, req)
	}
	return nil
}

func (m *MockGateway) GetFills(ctx context.Context, date string) ([]Fill, error) {
	m.record("GetFills " + date)
	if m.GetFillsFunc != nil {
		return m.GetFillsFunc(ctx, date)
	}
	return nil, nil
}

func (m *MockGateway) GetBalances(ctx context.Context) (Balance, error) {
	m.record("GetBalances")
	if m.GetBalancesFunc != nil {
		return m.GetBalancesFunc(ctx)
	}
	return Balance{}, nil
}

func (m *MockGateway) GetHistory(ctx context.Context, code string, r DateRange) ([]Bar, error) {
	m.record(fmt.Sprintf("GetHistory %s %s..%s", code, r.Start, r.End))
	if m.GetHistoryFunc != nil {
		return m.GetHistoryFunc(ctx, code, r)
	}
	return nil, nil
}

var _ Gateway = (*MockGateway)(nil)
