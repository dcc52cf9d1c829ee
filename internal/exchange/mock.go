package exchange

import (
	"context"
	"sync"
)

// MockAdapter is a scriptable Adapter for tests. Each method delegates
// to the corresponding func field when set and records the call.
type MockAdapter struct {
	VenueName string

	PlaceOrderFunc  func(ctx context.Context, creds Credentials, req OrderRequest) (*OrderResult, error)
	CancelOrderFunc func(ctx context.Context, creds Credentials, symbol, orderID string) error
	QueryOrderFunc  func(ctx context.Context, creds Credentials, symbol, orderID string) (*OrderResult, error)
	GetBalancesFunc func(ctx context.Context, creds Credentials) ([]Balance, error)

	mu           sync.Mutex
	PlaceCalls   []OrderRequest
	CancelCalls  []string
	QueryCalls   []string
	BalanceCalls int
}

func (m *MockAdapter) Venue() string {
	if m.VenueName != "" {
		return m.VenueName
	}
	return VenueBinance
}

func (m *MockAdapter) PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	m.PlaceCalls = append(m.PlaceCalls, req)
	m.mu.Unlock()

	if m.PlaceOrderFunc != nil {
		return m.PlaceOrderFunc(ctx, creds, req)
	}
	return &OrderResult{
		OrderID:  "1",
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Status:   StatusNew,
		Price:    req.Price,
		Quantity: req.Quantity,
	}, nil
}

func (m *MockAdapter) CancelOrder(ctx context.Context, creds Credentials, symbol, orderID string) error {
	m.mu.Lock()
	m.CancelCalls = append(m.CancelCalls, orderID)
	m.mu.Unlock()

	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, creds, symbol, orderID)
	}
	return nil
}

func (m *MockAdapter) QueryOrder(ctx context.Context, creds Credentials, symbol, orderID string) (*OrderResult, error) {
	m.mu.Lock()
	m.QueryCalls = append(m.QueryCalls, orderID)
	m.mu.Unlock()

	if m.QueryOrderFunc != nil {
		return m.QueryOrderFunc(ctx, creds, symbol, orderID)
	}
	return &OrderResult{OrderID: orderID, Symbol: symbol, Status: StatusNew}, nil
}

func (m *MockAdapter) GetBalances(ctx context.Context, creds Credentials) ([]Balance, error) {
	m.mu.Lock()
	m.BalanceCalls++
	m.mu.Unlock()

	if m.GetBalancesFunc != nil {
		return m.GetBalancesFunc(ctx, creds)
	}
	return nil, nil
}

var _ Adapter = (*BinanceAdapter)(nil)
var _ Adapter = (*BybitAdapter)(nil)
var _ Adapter = (*MockAdapter)(nil)
