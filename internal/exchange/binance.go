package exchange

import (
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

// BinanceAdapter executes orders against the Binance spot REST API.
type BinanceAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// NewBinanceAdapter creates a Binance adapter. Credentials are supplied
// per call, never held by the adapter.
func NewBinanceAdapter(baseURL string, timeout time.Duration) *BinanceAdapter {
	return &BinanceAdapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *BinanceAdapter) Venue() string { return VenueBinance }

// binanceOrder is the venue's order payload shape.
type binanceOrder struct {
	Symbol       string  `json:"symbol"`
	OrderID      int64   `json:"orderId"`
	Price        float64 `json:"price,string"`
	OrigQty      float64 `json:"origQty,string"`
	ExecutedQty  float64 `json:"executedQty,string"`
	Status       string  `json:"status"`
	Type         string  `json:"type"`
	Side         string  `json:"side"`
	TransactTime int64   `json:"transactTime"`
	UpdateTime   int64   `json:"updateTime"`
}

func (o *binanceOrder) normalize() *OrderResult {
	transact := o.TransactTime
	if transact == 0 {
		transact = o.UpdateTime
	}
	return &OrderResult{
		OrderID:      strconv.FormatInt(o.OrderID, 10),
		Symbol:       o.Symbol,
		Side:         o.Side,
		Type:         o.Type,
		Status:       o.Status,
		Price:        o.Price,
		Quantity:     o.OrigQty,
		ExecutedQty:  o.ExecutedQty,
		TransactTime: transact,
	}
}

// PlaceOrder submits a signed order.
func (a *BinanceAdapter) PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (*OrderResult, error) {
	params := map[string]string{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"type":     req.Type,
		"quantity": formatFloat(req.Quantity),
	}
	if req.Type == "LIMIT" {
		params["price"] = formatFloat(req.Price)
		params["timeInForce"] = "GTC"
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	var order binanceOrder
	if err := a.signedRequest(ctx, creds, http.MethodPost, "/api/v3/order", params, &order); err != nil {
		return nil, err
	}
	return order.normalize(), nil
}

// CancelOrder cancels an existing order.
func (a *BinanceAdapter) CancelOrder(ctx context.Context, creds Credentials, symbol, orderID string) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}
	return a.signedRequest(ctx, creds, http.MethodDelete, "/api/v3/order", params, nil)
}

// QueryOrder fetches current venue-side order state.
func (a *BinanceAdapter) QueryOrder(ctx context.Context, creds Credentials, symbol, orderID string) (*OrderResult, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}
	var order binanceOrder
	if err := a.signedRequest(ctx, creds, http.MethodGet, "/api/v3/order", params, &order); err != nil {
		return nil, err
	}
	return order.normalize(), nil
}

// GetBalances fetches spot account balances.
func (a *BinanceAdapter) GetBalances(ctx context.Context, creds Credentials) ([]Balance, error) {
	var account struct {
		Balances []struct {
			Asset  string  `json:"asset"`
			Free   float64 `json:"free,string"`
			Locked float64 `json:"locked,string"`
		} `json:"balances"`
	}
	if err := a.signedRequest(ctx, creds, http.MethodGet, "/api/v3/account", map[string]string{}, &account); err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		balances = append(balances, Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return balances, nil
}

// signedRequest signs params with the credential secret and executes the
// call, decoding venue errors into APIError.
func (a *BinanceAdapter) signedRequest(ctx context.Context, creds Credentials, method, path string, params map[string]string, out interface{}) error {
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	query, signature := signQuery(creds.APISecret, params)

	endpoint := fmt.Sprintf("%s%s", a.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = query + "&signature=" + signature
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("binance request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Venue: VenueBinance, StatusCode: resp.StatusCode, Message: string(body)}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Msg != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("error parsing response: %w", err)
		}
	}
	return nil
}

// signQuery builds the percent-encoded query string and signs it. The
// signature must cover the exact bytes sent on the wire, so the string
// returned here is the one the request uses verbatim.
func signQuery(secret string, params map[string]string) (query, signature string) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	query = values.Encode()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query, hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
