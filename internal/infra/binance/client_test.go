package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey    = "test-access-key"
	testSecretKey = "test-secret-key"
)

// verifySignature checks the request the way the venue would: the signature
// must be the HMAC of everything before the trailing &signature= parameter.
func verifySignature(t *testing.T, r *http.Request) {
	t.Helper()

	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	require.Positive(t, idx, "missing signature parameter")
	payload, got := raw[:idx], raw[idx+len("&signature="):]

	mac := hmac.New(sha256.New, []byte(testSecretKey))
	mac.Write([]byte(payload))
	want := hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, got, "signature mismatch")

	assert.Equal(t, testAPIKey, r.Header.Get("X-MBX-APIKEY"))
}

func newTestClient(baseURL string) *Client {
	return NewClient(NewSigner(testAPIKey, testSecretKey), ClientConfig{
		BaseURL:      baseURL,
		RecvWindowMS: 5000,
	})
}

func serveTime(mux *http.ServeMux, now func() int64) {
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"serverTime":` + strconv.FormatInt(now(), 10) + `}`))
	})
}

func TestClient_PlaceOrderSignedAndParsed(t *testing.T) {
	mux := http.NewServeMux()
	serveTime(mux, func() int64 { return time.Now().UnixMilli() })
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		verifySignature(t, r)

		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "MARKET", q.Get("type"))
		assert.Equal(t, "0.001", q.Get("quantity"))
		assert.Equal(t, "exec-42", q.Get("newClientOrderId"))
		assert.NotEmpty(t, q.Get("timestamp"))
		assert.Equal(t, "5000", q.Get("recvWindow"))

		w.Write([]byte(`{
			"symbol":"BTCUSDT","orderId":91001,"clientOrderId":"exec-42",
			"transactTime":1700000000000,"status":"FILLED","executedQty":"0.001",
			"fills":[
				{"price":"43000.10","qty":"0.0004","commission":"0.00000040","commissionAsset":"BTC"},
				{"price":"43000.50","qty":"0.0006","commission":"0.00000060","commissionAsset":"BTC"}
			]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	ack, err := client.PlaceOrder(context.Background(), PlaceOrderParams{
		Symbol:        "BTCUSDT",
		Side:          "BUY",
		Type:          "MARKET",
		Quantity:      decimal.RequireFromString("0.001"),
		ClientOrderID: "exec-42",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(91001), ack.OrderID)
	assert.Equal(t, "exec-42", ack.ClientOrderID)
	assert.Equal(t, OrderStatusFilled, ack.Status)
	assert.True(t, ack.ExecutedQty.Equal(decimal.RequireFromString("0.001")))
	require.Len(t, ack.Fills, 2)
	assert.True(t, ack.Fills[0].Price.Equal(decimal.RequireFromString("43000.10")))
	assert.True(t, ack.Fills[1].Qty.Equal(decimal.RequireFromString("0.0006")))
}

func TestClient_TimestampFollowsVenueClock(t *testing.T) {
	// The venue clock runs 30 s ahead of the local one; signed calls must
	// carry a timestamp adjusted into the venue's frame.
	const skewMS = 30_000

	mux := http.NewServeMux()
	serveTime(mux, func() int64 { return time.Now().UnixMilli() + skewMS })
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		ts, err := strconv.ParseInt(r.URL.Query().Get("timestamp"), 10, 64)
		require.NoError(t, err)

		venueNow := time.Now().UnixMilli() + skewMS
		diff := venueNow - ts
		if diff < 0 {
			diff = -diff
		}
		assert.Less(t, diff, int64(5000), "timestamp outside recvWindow")

		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":1,"clientOrderId":"x","transactTime":1,"status":"NEW","executedQty":"0"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.PlaceOrder(context.Background(), PlaceOrderParams{
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     "MARKET",
		Quantity: decimal.RequireFromString("0.001"),
	})
	require.NoError(t, err)
	assert.InDelta(t, skewMS, client.Drift().Milliseconds(), 2000)
}

func TestClient_VenueErrorIsTyped(t *testing.T) {
	mux := http.NewServeMux()
	serveTime(mux, func() int64 { return time.Now().UnixMilli() })
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.PlaceOrder(context.Background(), PlaceOrderParams{
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     "MARKET",
		Quantity: decimal.RequireFromString("1"),
	})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -2010, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	assert.Contains(t, apiErr.Message, "insufficient balance")
	assert.False(t, apiErr.IsAuthError())
}

func TestClient_AuthErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  APIError
		auth bool
	}{
		{"timestamp outside window", APIError{HTTPStatus: 400, Code: -1021}, true},
		{"bad signature", APIError{HTTPStatus: 400, Code: -1022}, true},
		{"unauthorized", APIError{HTTPStatus: 401, Code: -2014}, true},
		{"insufficient balance", APIError{HTTPStatus: 400, Code: -2010}, false},
		{"unknown order", APIError{HTTPStatus: 400, Code: -2013}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.auth, tc.err.IsAuthError())
		})
	}
}

func TestClient_PlaceOrderNeverRetries(t *testing.T) {
	var orderCalls atomic.Int64

	mux := http.NewServeMux()
	serveTime(mux, func() int64 { return time.Now().UnixMilli() })
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		orderCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":-1000,"msg":"An unknown error occurred."}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.PlaceOrder(context.Background(), PlaceOrderParams{
		Symbol:   "BTCUSDT",
		Side:     "SELL",
		Type:     "MARKET",
		Quantity: decimal.RequireFromString("0.001"),
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), orderCalls.Load(), "ambiguous failures must not be retried")
}

func TestClient_SessionLifecycle(t *testing.T) {
	var renewed, closed atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/userDataStream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testAPIKey, r.Header.Get("X-MBX-APIKEY"))
		switch r.Method {
		case http.MethodPost:
			w.Write([]byte(`{"listenKey":"lk-abc123"}`))
		case http.MethodPut:
			assert.Equal(t, "lk-abc123", r.URL.Query().Get("listenKey"))
			renewed.Store(true)
			w.Write([]byte(`{}`))
		case http.MethodDelete:
			assert.Equal(t, "lk-abc123", r.URL.Query().Get("listenKey"))
			closed.Store(true)
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	ctx := context.Background()

	key, err := client.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lk-abc123", key)

	require.NoError(t, client.RenewSession(ctx, key))
	assert.True(t, renewed.Load())

	require.NoError(t, client.CloseSession(ctx, key))
	assert.True(t, closed.Load())
}

func TestClient_GetOrderTradesSignedAndParsed(t *testing.T) {
	mux := http.NewServeMux()
	serveTime(mux, func() int64 { return time.Now().UnixMilli() })
	mux.HandleFunc("/api/v3/myTrades", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		verifySignature(t, r)

		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "91001", q.Get("orderId"))

		w.Write([]byte(`[
			{"id":28457,"orderId":91001,"symbol":"BTCUSDT","price":"43000.10","qty":"0.0004",
			 "commission":"0.00000040","commissionAsset":"BTC","time":1700000000000,"isMaker":false},
			{"id":28458,"orderId":91001,"symbol":"BTCUSDT","price":"43000.50","qty":"0.0006",
			 "commission":"0.00000060","commissionAsset":"BTC","time":1700000001000,"isMaker":true}
		]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	defer client.Close()

	fills, err := client.GetOrderTrades(context.Background(), "BTCUSDT", 91001)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, int64(28457), fills[0].TradeID)
	assert.True(t, fills[0].Qty.Equal(decimal.RequireFromString("0.0004")))
	assert.False(t, fills[0].Maker)
	assert.True(t, fills[1].Maker)
	assert.Equal(t, time.UnixMilli(1700000001000), fills[1].Time)
}

func TestClient_CancelOrder(t *testing.T) {
	mux := http.NewServeMux()
	serveTime(mux, func() int64 { return time.Now().UnixMilli() })
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		verifySignature(t, r)
		assert.Equal(t, "91001", r.URL.Query().Get("orderId"))

		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":91001,"clientOrderId":"exec-42",
			"status":"CANCELED","origQty":"0.001","executedQty":"0.0004","price":"43000.00"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL)
	state, err := client.CancelOrder(context.Background(), "BTCUSDT", 91001)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCanceled, state.Status)
	assert.True(t, state.ExecutedQty.Equal(decimal.RequireFromString("0.0004")))
}
