package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const bybitRecvWindow = "5000"

// BybitAdapter executes orders against the Bybit v5 spot REST API.
type BybitAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewBybitAdapter creates a Bybit adapter.
func NewBybitAdapter(baseURL string, timeout time.Duration) *BybitAdapter {
	return &BybitAdapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *BybitAdapter) Venue() string { return VenueBybit }

// bybitEnvelope is the common v5 response wrapper.
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// bybitOrder is the venue's order payload shape.
type bybitOrder struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	UpdatedTime string `json:"updatedTime"`
}

// bybitStatusMap translates Bybit order statuses to the normalized set.
var bybitStatusMap = map[string]string{
	"New":             StatusNew,
	"PartiallyFilled": StatusPartiallyFilled,
	"Filled":          StatusFilled,
	"Cancelled":       StatusCanceled,
	"Rejected":        StatusRejected,
	"Deactivated":     StatusExpired,
}

func (o *bybitOrder) normalize() *OrderResult {
	status, ok := bybitStatusMap[o.OrderStatus]
	if !ok {
		status = o.OrderStatus
	}
	updated, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)
	return &OrderResult{
		OrderID:      o.OrderID,
		Symbol:       o.Symbol,
		Side:         normalizeSide(o.Side),
		Type:         normalizeType(o.OrderType),
		Status:       status,
		Price:        parseFloat(o.Price),
		Quantity:     parseFloat(o.Qty),
		ExecutedQty:  parseFloat(o.CumExecQty),
		TransactTime: updated,
	}
}

// PlaceOrder submits a signed order.
func (a *BybitAdapter) PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (*OrderResult, error) {
	payload := map[string]string{
		"category":  "spot",
		"symbol":    req.Symbol,
		"side":      bybitSide(req.Side),
		"orderType": bybitType(req.Type),
		"qty":       formatFloat(req.Quantity),
	}
	if req.Type == "LIMIT" {
		payload["price"] = formatFloat(req.Price)
	}
	if req.ClientOrderID != "" {
		payload["orderLinkId"] = req.ClientOrderID
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := a.post(ctx, creds, "/v5/order/create", payload, &result); err != nil {
		return nil, err
	}

	// The create endpoint returns only identifiers; report the submitted
	// values with status NEW and let reconciliation catch fills.
	return &OrderResult{
		OrderID:      result.OrderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Status:       StatusNew,
		Price:        req.Price,
		Quantity:     req.Quantity,
		TransactTime: time.Now().UnixMilli(),
	}, nil
}

// CancelOrder cancels an existing order.
func (a *BybitAdapter) CancelOrder(ctx context.Context, creds Credentials, symbol, orderID string) error {
	payload := map[string]string{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return a.post(ctx, creds, "/v5/order/cancel", payload, nil)
}

// QueryOrder fetches current venue-side order state.
func (a *BybitAdapter) QueryOrder(ctx context.Context, creds Credentials, symbol, orderID string) (*OrderResult, error) {
	query := url.Values{}
	query.Set("category", "spot")
	query.Set("symbol", symbol)
	query.Set("orderId", orderID)

	var result struct {
		List []bybitOrder `json:"list"`
	}
	if err := a.get(ctx, creds, "/v5/order/realtime", query, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, &APIError{Venue: VenueBybit, Code: 0, Message: "order does not exist"}
	}
	return result.List[0].normalize(), nil
}

// GetBalances fetches unified account balances.
func (a *BybitAdapter) GetBalances(ctx context.Context, creds Credentials) ([]Balance, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	var result struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				Locked          string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := a.get(ctx, creds, "/v5/account/wallet-balance", query, &result); err != nil {
		return nil, err
	}

	var balances []Balance
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			balances = append(balances, Balance{
				Asset:  c.Coin,
				Free:   parseFloat(c.WalletBalance) - parseFloat(c.Locked),
				Locked: parseFloat(c.Locked),
			})
		}
	}
	return balances, nil
}

func (a *BybitAdapter) post(ctx context.Context, creds Credentials, path string, payload map[string]string, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	a.sign(req, creds, string(body))

	return a.execute(req, out)
}

func (a *BybitAdapter) get(ctx context.Context, creds Credentials, path string, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = query.Encode()
	a.sign(req, creds, req.URL.RawQuery)

	return a.execute(req, out)
}

// sign applies the v5 header signature: HMAC-SHA256 over
// timestamp + apiKey + recvWindow + payload.
func (a *BybitAdapter) sign(req *http.Request, creds Credentials, payload string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(timestamp + creds.APIKey + bybitRecvWindow + payload))

	req.Header.Set("X-BAPI-API-KEY", creds.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
}

func (a *BybitAdapter) execute(req *http.Request, out interface{}) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bybit request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{Venue: VenueBybit, StatusCode: resp.StatusCode, Message: string(body)}
	}

	var envelope bybitEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("error parsing response: %w", err)
	}
	if envelope.RetCode != 0 {
		return &APIError{Venue: VenueBybit, StatusCode: resp.StatusCode, Code: envelope.RetCode, Message: envelope.RetMsg}
	}

	if out != nil && envelope.Result != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("error parsing result: %w", err)
		}
	}
	return nil
}

func bybitSide(side string) string {
	if side == "SELL" {
		return "Sell"
	}
	return "Buy"
}

func bybitType(orderType string) string {
	if orderType == "MARKET" {
		return "Market"
	}
	return "Limit"
}

func normalizeSide(side string) string {
	if side == "Sell" {
		return "SELL"
	}
	return "BUY"
}

func normalizeType(orderType string) string {
	if orderType == "Market" {
		return "MARKET"
	}
	return "LIMIT"
}

func parseFloat(val string) float64 {
	f, _ := strconv.ParseFloat(val, 64)
	return f
}
