package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/infra"
)

const (
	orderPath      = "/api/v3/order"
	tradesPath     = "/api/v3/myTrades"
	sessionPath    = "/api/v3/userDataStream"
	serverTimePath = "/api/v3/time"

	defaultDriftThreshold = 5000 * time.Millisecond
)

// ClientConfig configures the signed REST client.
type ClientConfig struct {
	BaseURL string
	// RecvWindowMS is the tolerance window sent with every signed call.
	RecvWindowMS int64
	// DriftThreshold triggers a server-time resync when the last-known
	// clock drift exceeds it. Zero means the 5000 ms default.
	DriftThreshold time.Duration
	HTTPClient     *http.Client
}

// Client is the signed REST client for the venue: order placement, queries,
// cancels and stream-session management. Every authenticated call carries a
// drift-corrected timestamp and an HMAC signature over the canonical query.
// The client performs no retries; retry policy is the caller's.
type Client struct {
	cfg    ClientConfig
	signer *Signer
	http   *http.Client

	// driftMS is venue time minus local time, written only by SyncClock.
	driftMS     atomic.Int64
	clockSynced atomic.Bool

	orderLimiter   *infra.RateLimiter
	sessionLimiter *infra.RateLimiter
}

// NewClient creates a signed REST client.
func NewClient(signer *Signer, cfg ClientConfig) *Client {
	if cfg.RecvWindowMS <= 0 {
		cfg.RecvWindowMS = 5000
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = defaultDriftThreshold
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		cfg:            cfg,
		signer:         signer,
		http:           httpClient,
		orderLimiter:   infra.NewRateLimiter(5, 10),
		sessionLimiter: infra.NewRateLimiter(5, 10),
	}
}

// Close wipes key material.
func (c *Client) Close() {
	c.signer.Wipe()
}

// PlaceOrder submits an order. The venue's acceptance carries the venue
// order id and any immediate fills.
func (c *Client) PlaceOrder(ctx context.Context, params PlaceOrderParams) (*OrderAck, error) {
	if err := c.orderLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	v := url.Values{}
	v.Set("symbol", params.Symbol)
	v.Set("side", params.Side)
	v.Set("type", params.Type)
	v.Set("quantity", params.Quantity.String())
	if params.Type == "LIMIT" {
		v.Set("price", params.Price.String())
		v.Set("timeInForce", "GTC")
	}
	if params.ClientOrderID != "" {
		v.Set("newClientOrderId", params.ClientOrderID)
	}
	// Fill lines come back inline for marketable orders.
	v.Set("newOrderRespType", "FULL")

	var resp orderAckResponse
	if err := c.signedCall(ctx, http.MethodPost, orderPath, v, &resp); err != nil {
		return nil, err
	}

	ack := &OrderAck{
		Symbol:        resp.Symbol,
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Status:        resp.Status,
		TransactTime:  time.UnixMilli(resp.TransactTime),
		ExecutedQty:   parseDecimal(resp.ExecutedQty),
	}
	for _, f := range resp.Fills {
		ack.Fills = append(ack.Fills, OrderFill{
			Price:           parseDecimal(f.Price),
			Qty:             parseDecimal(f.Qty),
			Commission:      parseDecimal(f.Commission),
			CommissionAsset: f.CommissionAsset,
		})
	}
	return ack, nil
}

// GetOrderStatus queries the venue's current view of an order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*OrderState, error) {
	if err := c.orderLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	v := url.Values{}
	v.Set("symbol", symbol)
	v.Set("orderId", strconv.FormatInt(orderID, 10))

	var resp orderStateResponse
	if err := c.signedCall(ctx, http.MethodGet, orderPath, v, &resp); err != nil {
		return nil, err
	}
	return orderStateFromResponse(&resp), nil
}

// GetOrderTrades returns the venue's fills for one order. Used to recover
// fills that were missed while the private stream was down.
func (c *Client) GetOrderTrades(ctx context.Context, symbol string, orderID int64) ([]AccountTrade, error) {
	if err := c.orderLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	v := url.Values{}
	v.Set("symbol", symbol)
	v.Set("orderId", strconv.FormatInt(orderID, 10))

	var resp []accountTradeResponse
	if err := c.signedCall(ctx, http.MethodGet, tradesPath, v, &resp); err != nil {
		return nil, err
	}
	out := make([]AccountTrade, 0, len(resp))
	for _, r := range resp {
		out = append(out, AccountTrade{
			TradeID:         r.TradeID,
			OrderID:         r.OrderID,
			Symbol:          r.Symbol,
			Price:           parseDecimal(r.Price),
			Qty:             parseDecimal(r.Qty),
			Commission:      parseDecimal(r.Commission),
			CommissionAsset: r.CommissionAsset,
			Time:            time.UnixMilli(r.Time),
			Maker:           r.Maker,
		})
	}
	return out, nil
}

// CancelOrder asks the venue to cancel an order and returns its resulting
// state.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderState, error) {
	if err := c.orderLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	v := url.Values{}
	v.Set("symbol", symbol)
	v.Set("orderId", strconv.FormatInt(orderID, 10))

	var resp orderStateResponse
	if err := c.signedCall(ctx, http.MethodDelete, orderPath, v, &resp); err != nil {
		return nil, err
	}
	return orderStateFromResponse(&resp), nil
}

// CreateSession issues a new private-stream session key.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	if err := c.sessionLimiter.Wait(ctx); err != nil {
		return "", err
	}
	var resp sessionResponse
	if err := c.keyedCall(ctx, http.MethodPost, sessionPath, nil, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// RenewSession extends a session key's TTL.
func (c *Client) RenewSession(ctx context.Context, key string) error {
	if err := c.sessionLimiter.Wait(ctx); err != nil {
		return err
	}
	v := url.Values{}
	v.Set("listenKey", key)
	return c.keyedCall(ctx, http.MethodPut, sessionPath, v, nil)
}

// CloseSession invalidates a session key.
func (c *Client) CloseSession(ctx context.Context, key string) error {
	if err := c.sessionLimiter.Wait(ctx); err != nil {
		return err
	}
	v := url.Values{}
	v.Set("listenKey", key)
	return c.keyedCall(ctx, http.MethodDelete, sessionPath, v, nil)
}

// ServerTime fetches the venue clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp serverTimeResponse
	if err := c.call(ctx, http.MethodGet, serverTimePath, "", nil, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.ServerTime), nil
}

// SyncClock measures clock drift against the venue. The drift value is a
// single atomic assignment, read by every signed call.
func (c *Client) SyncClock(ctx context.Context) error {
	venueTime, err := c.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("sync clock: %w", err)
	}
	drift := venueTime.UnixMilli() - time.Now().UnixMilli()
	c.driftMS.Store(drift)
	c.clockSynced.Store(true)
	slog.Debug("venue clock synced", slog.Int64("drift_ms", drift))
	return nil
}

// Drift returns the last-known clock drift.
func (c *Client) Drift() time.Duration {
	return time.Duration(c.driftMS.Load()) * time.Millisecond
}

// signedCall appends timestamp, recvWindow and signature, then executes.
func (c *Client) signedCall(ctx context.Context, method, path string, params url.Values, out any) error {
	// Resync only when the last-known drift is past the threshold, not on
	// every call.
	if !c.clockSynced.Load() || c.Drift().Abs() > c.cfg.DriftThreshold {
		if err := c.SyncClock(ctx); err != nil {
			return err
		}
	}

	if params == nil {
		params = url.Values{}
	}
	ts := time.Now().UnixMilli() + c.driftMS.Load()
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindowMS, 10))

	payload := params.Encode()
	signature := c.signer.Sign(payload)
	rawQuery := payload + "&signature=" + signature

	err := c.call(ctx, method, path, rawQuery, authHeader(c.signer), out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsAuthError() {
		// Force a server-time resync before the next signed call.
		c.clockSynced.Store(false)
	}
	return err
}

// keyedCall sends the access key header without a signature (session and
// server-time style endpoints).
func (c *Client) keyedCall(ctx context.Context, method, path string, params url.Values, out any) error {
	rawQuery := ""
	if params != nil {
		rawQuery = params.Encode()
	}
	return c.call(ctx, method, path, rawQuery, authHeader(c.signer), out)
}

func (c *Client) call(ctx context.Context, method, path, rawQuery string, header http.Header, out any) error {
	u := c.cfg.BaseURL + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode venue response: %w", err)
	}
	return nil
}

func authHeader(s *Signer) http.Header {
	h := http.Header{}
	h.Set("X-MBX-APIKEY", s.APIKey())
	return h
}

func orderStateFromResponse(resp *orderStateResponse) *OrderState {
	return &OrderState{
		Symbol:        resp.Symbol,
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Status:        resp.Status,
		OrigQty:       parseDecimal(resp.OrigQty),
		ExecutedQty:   parseDecimal(resp.ExecutedQty),
		Price:         parseDecimal(resp.Price),
	}
}

// parseDecimal tolerates empty venue fields, mapping them to zero.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		slog.Warn("unparseable venue decimal", slog.String("value", s))
		return decimal.Zero
	}
	return d
}
