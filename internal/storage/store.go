package storage

import (
	"context"
	"errors"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
)

var (
	// ErrNotFound is returned when no execution matches the given id.
	ErrNotFound = errors.New("execution not found")
	// ErrStatusConflict is returned when a conditional status update finds
	// the execution in a different state than expected. This is what makes
	// the confirm->live placement claim safe against replays and restarts.
	ErrStatusConflict = errors.New("execution status conflict")
	// ErrDuplicateTrade is returned by SaveTrade when a fill with the same
	// venue trade id is already recorded for the execution. Streams replay
	// reports after reconnects; the store is where replays die.
	ErrDuplicateTrade = errors.New("trade already recorded")
)

// StatusUpdate is one conditional status transition. The update applies only
// if the execution currently holds From; otherwise ErrStatusConflict.
type StatusUpdate struct {
	From      domain.Status
	To        domain.Status
	LastState string // raw venue label, kept when empty
	Message   string // error detail, kept when empty
}

// ExecutionStore persists Executions and their Trades. Implementations must
// make UpdateExecutionStatus check-and-set atomically.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, ex *domain.Execution) error
	UpdateExecutionStatus(ctx context.Context, id string, upd StatusUpdate) error
	UpdateExecutionOrder(ctx context.Context, id string, venueOrderID int64, lastState string) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	GetExecutionByClientOrderID(ctx context.Context, clientOrderID string) (*domain.Execution, error)
	// GetExecutions returns executions, newest first, optionally filtered
	// by status.
	GetExecutions(ctx context.Context, statuses ...domain.Status) ([]*domain.Execution, error)
	// SaveTrade records one fill. A trade whose (execution id, venue trade
	// id) pair is already stored returns ErrDuplicateTrade and changes
	// nothing; trades without a venue trade id are always recorded.
	SaveTrade(ctx context.Context, trade *domain.Trade) error
	GetExecutionTrades(ctx context.Context, executionID string) ([]domain.Trade, error)
}
