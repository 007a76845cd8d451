package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one matched quantity slice of an Execution as reported by the
// venue. Trades are immutable once recorded. An Execution may own zero
// (cancelled before placement), one (full fill) or many (partial fills).
type Trade struct {
	ID          string
	ExecutionID string
	// VenueTradeID is the venue's own fill id, used to drop re-delivered
	// reports. Zero when the venue did not assign one.
	VenueTradeID int64
	Symbol       string
	Side         Side
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Fee          decimal.Decimal
	FeeAsset     string
	Maker        *bool // nil when the venue did not report the maker flag
	Timestamp    time.Time
}
