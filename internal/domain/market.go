package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is the latest public market snapshot for one symbol.
// High-frequency raw updates are coalesced before reaching consumers, so a
// Ticker always carries the most recent values seen inside the throttle
// window, never a queue of intermediate ones.
type Ticker struct {
	Symbol    string
	Channel   string // e.g. "ticker", "trade", "kline", "depth"
	LastPrice decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}
