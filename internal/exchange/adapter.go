// Package exchange normalizes access to external trading venues. Each
// venue has its own signed REST API; adapters translate it into a common
// order vocabulary and a typed failure the rest of the system can
// classify without knowing venue formats.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Supported venues
const (
	VenueBinance = "binance"
	VenueBybit   = "bybit"
)

// Normalized order status values
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// Credentials is one user's API credential tuple for one venue.
type Credentials struct {
	UserID     string `json:"user_id"`
	Venue      string `json:"venue"`
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Key returns the (user, venue) identity of the credential.
func (c Credentials) Key() string {
	return c.UserID + ":" + c.Venue
}

// OrderRequest is a normalized order placement request.
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`  // BUY or SELL
	Type          string  `json:"type"`  // LIMIT or MARKET
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

// OrderResult is a normalized view of venue-side order state.
type OrderResult struct {
	OrderID      string  `json:"order_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Type         string  `json:"type"`
	Status       string  `json:"status"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	ExecutedQty  float64 `json:"executed_qty"`
	TransactTime int64   `json:"transact_time"` // Unix milliseconds
}

// Balance is a normalized asset balance.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Adapter is the per-venue execution surface. Every call is bound to the
// caller's context and the adapter's HTTP timeout; a timeout surfaces as
// an ordinary error so callers can treat it as retryable.
type Adapter interface {
	Venue() string
	PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, creds Credentials, symbol, orderID string) error
	QueryOrder(ctx context.Context, creds Credentials, symbol, orderID string) (*OrderResult, error)
	GetBalances(ctx context.Context, creds Credentials) ([]Balance, error)
}

// APIError is a failure reported by a venue API. Message carries the raw
// venue text so the credential classifier can inspect it.
type APIError struct {
	Venue      string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (code %d): %s", e.Venue, e.Code, e.Message)
}

// Binance error codes for orders that no longer exist on the venue.
const (
	binanceCodeUnknownOrder = -2011
	binanceCodeNoSuchOrder  = -2013
)

// IsNotFound reports whether the error means the referenced order does
// not exist on the venue. For reconciliation this is convergence, not a
// failure.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == binanceCodeUnknownOrder || apiErr.Code == binanceCodeNoSuchOrder {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "unknown order") ||
		strings.Contains(msg, "order does not exist") ||
		strings.Contains(msg, "order not exists") ||
		strings.Contains(msg, "not found")
}
