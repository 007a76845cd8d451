package event

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
)

// Type defines the type of event.
type Type uint16

const (
	EvExecutionArmed Type = iota + 1
	EvExecutionConfirmed
	EvExecutionPlaced
	EvExecutionPartial
	EvExecutionFilled
	EvExecutionCancelled
	EvExecutionError
	EvTradeRecorded
	EvMarketUpdate
	EvBalanceUpdate
	EvStreamRetry
	EvStreamExhausted
)

// Family groups event types into bus channels that can be subscribed to
// independently, per key or via the wildcard.
type Family uint8

const (
	FamilyExecution Family = iota + 1
	FamilyTrade
	FamilyMarket
	FamilyStream
)

// String is the wire name of the event type, the discriminator push-stream
// consumers switch on.
func (t Type) String() string {
	switch t {
	case EvExecutionArmed:
		return "execution_armed"
	case EvExecutionConfirmed:
		return "execution_confirmed"
	case EvExecutionPlaced:
		return "execution_placed"
	case EvExecutionPartial:
		return "execution_partial"
	case EvExecutionFilled:
		return "execution_filled"
	case EvExecutionCancelled:
		return "execution_cancelled"
	case EvExecutionError:
		return "execution_error"
	case EvTradeRecorded:
		return "trade_recorded"
	case EvMarketUpdate:
		return "market_update"
	case EvBalanceUpdate:
		return "balance_update"
	case EvStreamRetry:
		return "stream_retry"
	case EvStreamExhausted:
		return "stream_exhausted"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes the type by name.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Family returns the bus family an event type belongs to.
func (t Type) Family() Family {
	switch t {
	case EvTradeRecorded:
		return FamilyTrade
	case EvMarketUpdate, EvBalanceUpdate:
		return FamilyMarket
	case EvStreamRetry, EvStreamExhausted:
		return FamilyStream
	default:
		return FamilyExecution
	}
}

// Event is the interface for everything published on the Bus.
type Event interface {
	GetType() Type
	GetTs() time.Time
	// Key is the per-channel correlation key: the execution id for
	// execution and trade events, the stream id for stream telemetry,
	// the symbol for market updates.
	Key() string
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Ts time.Time `json:"ts"`
}

func (e BaseEvent) GetTs() time.Time { return e.Ts }

// ExecutionEvent mirrors one Execution status change.
type ExecutionEvent struct {
	BaseEvent
	Type          Type          `json:"type"`
	ExecutionID   string        `json:"execution_id"`
	ClientOrderID string        `json:"client_order_id,omitempty"`
	Symbol        string        `json:"symbol"`
	Status        domain.Status `json:"status"`
	VenueStatus   string        `json:"venue_status,omitempty"` // raw venue label
	Message       string        `json:"message,omitempty"`
}

func (e ExecutionEvent) GetType() Type { return e.Type }
func (e ExecutionEvent) Key() string   { return e.ExecutionID }

// TradeEvent mirrors one recorded fill.
type TradeEvent struct {
	BaseEvent
	ExecutionID string       `json:"execution_id"`
	Trade       domain.Trade `json:"trade"`
}

func (e TradeEvent) GetType() Type { return EvTradeRecorded }
func (e TradeEvent) Key() string   { return e.ExecutionID }

// MarketUpdateEvent carries one throttled public market snapshot.
type MarketUpdateEvent struct {
	BaseEvent
	Ticker domain.Ticker `json:"ticker"`
}

func (e MarketUpdateEvent) GetType() Type { return EvMarketUpdate }
func (e MarketUpdateEvent) Key() string   { return e.Ticker.Symbol }

// BalanceUpdateEvent carries one account balance change from the private
// stream.
type BalanceUpdateEvent struct {
	BaseEvent
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

func (e BalanceUpdateEvent) GetType() Type { return EvBalanceUpdate }
func (e BalanceUpdateEvent) Key() string   { return e.Asset }

// StreamEvent is reconnect telemetry from a venue stream. An
// EvStreamExhausted event is terminal for that stream and alert-worthy:
// the stream has given up and requires external intervention.
type StreamEvent struct {
	BaseEvent
	Type     Type          `json:"type"`
	StreamID string        `json:"stream_id"`
	Attempt  int           `json:"attempt"`
	Delay    time.Duration `json:"delay"`
	Error    string        `json:"error,omitempty"`
}

func (e StreamEvent) GetType() Type { return e.Type }
func (e StreamEvent) Key() string   { return e.StreamID }
