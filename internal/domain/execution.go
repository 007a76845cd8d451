package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an Execution.
// Transitions are monotonic: arm -> confirm -> live -> filled, with
// cancelled and error reachable per edge. Terminal states never change.
type Status string

const (
	StatusArm       Status = "arm"
	StatusConfirm   Status = "confirm"
	StatusLive      Status = "live"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Mode selects the execution venue environment.
type Mode string

const (
	ModeSandbox Mode = "sandbox" // venue testnet
	ModeLive    Mode = "live"    // venue mainnet
	ModePaper   Mode = "paper"   // no venue contact, simulated fills
)

// OrderParams describes one intended order as submitted by a caller.
type OrderParams struct {
	StrategyID string // optional reference to the originating strategy
	Mode       Mode
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal // optional limit price; zero means market
}

// Execution tracks one intended order from arming through a terminal outcome.
// VenueOrderID is set only after the venue has accepted the order.
type Execution struct {
	ID            string
	StrategyID    string
	Mode          Mode
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Status        Status
	VenueOrderID  int64  // 0 until the venue acks
	ClientOrderID string // client-assigned correlation id on the wire
	StartedAt     time.Time
	EndedAt       *time.Time
	LastState     string // last raw venue status label, informational
	ErrorMessage  string // populated on StatusError
}

// IsOpen reports whether the execution still awaits a venue outcome.
func (e *Execution) IsOpen() bool {
	return !e.Status.IsTerminal()
}
