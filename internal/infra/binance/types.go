package binance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Venue order statuses as they appear on the wire.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// APIError is a non-success venue response: the venue's own error code and
// message plus the HTTP status it arrived with. The client never retries;
// retry policy belongs to the caller.
type APIError struct {
	HTTPStatus int
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// IsAuthError reports whether the venue rejected the signature or timestamp.
// The caller should resync clock drift and may retry once.
func (e *APIError) IsAuthError() bool {
	switch e.Code {
	case -1021, -1022: // timestamp outside recvWindow, bad signature
		return true
	}
	return e.HTTPStatus == 401
}

// PlaceOrderParams is one order-placement request.
type PlaceOrderParams struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          string // LIMIT or MARKET
	Quantity      decimal.Decimal
	Price         decimal.Decimal // required for LIMIT
	ClientOrderID string          // client-assigned correlation id
}

// OrderFill is one fill line inside a placement response.
type OrderFill struct {
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
}

// OrderAck is the venue's acceptance of a placed order.
type OrderAck struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Status        string
	TransactTime  time.Time
	ExecutedQty   decimal.Decimal
	Fills         []OrderFill
}

// OrderState is the venue's current view of an order, from status queries
// and cancels.
type OrderState struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Status        string
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	Price         decimal.Decimal
}

// AccountTrade is one fill from the account trade-list query.
type AccountTrade struct {
	TradeID         int64
	OrderID         int64
	Symbol          string
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	Time            time.Time
	Maker           bool
}

// wire shapes

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type sessionResponse struct {
	ListenKey string `json:"listenKey"`
}

type orderAckResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	TransactTime  int64  `json:"transactTime"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	Fills         []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

type accountTradeResponse struct {
	TradeID         int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	Maker           bool   `json:"isMaker"`
}

type orderStateResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Price         string `json:"price"`
}

// private stream frames

type eventHeader struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

type executionReportFrame struct {
	Event         string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderID       int64  `json:"i"`
	ExecType      string `json:"x"`
	OrderStatus   string `json:"X"`
	LastQty       string `json:"l"`
	CumQty        string `json:"z"`
	LastPrice     string `json:"L"`
	Fee           string `json:"n"`
	FeeAsset      string `json:"N"`
	TradeID       int64  `json:"t"`
	TradeTime     int64  `json:"T"`
	Maker         bool   `json:"m"`
}

type accountPositionFrame struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// public stream frames

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tickerFrame struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	LastQty   string `json:"Q"`
}

type tradeFrame struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type controlResponse struct {
	Result any    `json:"result"`
	ID     *int64 `json:"id"`
}
