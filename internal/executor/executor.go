package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/event"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/infra"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/infra/binance"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/risk"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/storage"
)

// ErrRiskRejected is returned when the pre-trade check vetoes placement.
// The execution stays in its confirmation-pending state.
var ErrRiskRejected = errors.New("order rejected by risk check")

// RiskError carries the validator's verdict alongside ErrRiskRejected.
type RiskError struct {
	Result risk.Result
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("%v: %s", ErrRiskRejected, strings.Join(e.Result.Violations, "; "))
}

func (e *RiskError) Unwrap() error { return ErrRiskRejected }

// VenueClient is the slice of the REST client the executor needs.
type VenueClient interface {
	PlaceOrder(ctx context.Context, params binance.PlaceOrderParams) (*binance.OrderAck, error)
	GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*binance.OrderState, error)
	GetOrderTrades(ctx context.Context, symbol string, orderID int64) ([]binance.AccountTrade, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*binance.OrderState, error)
}

// Executor drives each order intent through its lifecycle:
// arm -> confirm -> live -> filled, with cancelled and error as the other
// exits. No order reaches the venue without an explicit confirmation, and
// the confirm-to-live claim is persisted before the venue call so a replayed
// confirmation can never place twice.
type Executor struct {
	store     storage.ExecutionStore
	venue     VenueClient
	bus       *event.Bus
	validator risk.Validator
	reports   <-chan binance.ExecutionReport
	clock     infra.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config wires the executor's collaborators.
type Config struct {
	Store     storage.ExecutionStore
	Venue     VenueClient
	Bus       *event.Bus
	Validator risk.Validator
	Reports   <-chan binance.ExecutionReport
	Clock     infra.Clock
}

// New creates an executor. Start must be called before venue reports are
// consumed.
func New(cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = infra.RealClock()
	}
	if cfg.Validator == nil {
		cfg.Validator = risk.Permissive()
	}
	return &Executor{
		store:     cfg.Store,
		venue:     cfg.Venue,
		bus:       cfg.Bus,
		validator: cfg.Validator,
		reports:   cfg.Reports,
		clock:     cfg.Clock,
	}
}

// Start launches the venue-report loop.
func (e *Executor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.reportLoop(ctx)
}

// Stop terminates the report loop.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// StartExecution arms a new execution. The venue is not contacted; the
// intent is persisted and announced, awaiting confirmation.
func (e *Executor) StartExecution(ctx context.Context, params domain.OrderParams) (*domain.Execution, error) {
	if params.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if params.Side != domain.SideBuy && params.Side != domain.SideSell {
		return nil, fmt.Errorf("invalid side %q", params.Side)
	}
	if params.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("quantity must be positive")
	}

	id := uuid.NewString()
	ex := &domain.Execution{
		ID:            id,
		StrategyID:    params.StrategyID,
		Mode:          params.Mode,
		Symbol:        params.Symbol,
		Side:          params.Side,
		Quantity:      params.Quantity,
		Price:         params.Price,
		Status:        domain.StatusArm,
		ClientOrderID: "x-" + strings.ReplaceAll(id, "-", "")[:20],
		StartedAt:     e.clock.Now(),
	}
	if err := e.store.SaveExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}

	slog.Info("execution armed",
		slog.String("id", ex.ID),
		slog.String("symbol", ex.Symbol),
		slog.String("side", string(ex.Side)),
		slog.String("qty", ex.Quantity.String()))
	e.publishExec(ex, event.EvExecutionArmed, "")
	return ex, nil
}

// ConfirmExecution resolves the human gate. approve=false cancels the
// execution from any pre-live state. approve=true with execute=false records
// the confirmation without placing. approve=true with execute=true runs the
// risk check, claims the placement and submits the order.
func (e *Executor) ConfirmExecution(ctx context.Context, id string, approve, execute bool) (*domain.Execution, error) {
	ex, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	if !approve {
		// Once live, the venue owns the order; declining locally would
		// desync. CancelExecution handles that path.
		if ex.Status != domain.StatusArm && ex.Status != domain.StatusConfirm {
			return nil, fmt.Errorf("execution %s is %s: %w", ex.ID, ex.Status, storage.ErrStatusConflict)
		}
		return e.decline(ctx, ex)
	}

	if ex.Status == domain.StatusArm {
		if err := e.store.UpdateExecutionStatus(ctx, ex.ID, storage.StatusUpdate{
			From: domain.StatusArm, To: domain.StatusConfirm,
		}); err != nil {
			return nil, err
		}
		ex.Status = domain.StatusConfirm
		e.publishExec(ex, event.EvExecutionConfirmed, "")
	}

	if !execute {
		return ex, nil
	}
	return e.place(ctx, ex)
}

func (e *Executor) decline(ctx context.Context, ex *domain.Execution) (*domain.Execution, error) {
	if err := e.store.UpdateExecutionStatus(ctx, ex.ID, storage.StatusUpdate{
		From: ex.Status, To: domain.StatusCancelled, Message: "declined",
	}); err != nil {
		return nil, err
	}
	ex.Status = domain.StatusCancelled
	slog.Info("execution declined", slog.String("id", ex.ID))
	e.publishExec(ex, event.EvExecutionCancelled, "declined")
	return ex, nil
}

// place claims the confirm->live transition in the store first, then calls
// the venue. A replayed confirmation finds the claim already taken and gets
// a status conflict instead of a second order.
func (e *Executor) place(ctx context.Context, ex *domain.Execution) (*domain.Execution, error) {
	verdict := e.validator.ValidateParams(domain.OrderParams{
		StrategyID: ex.StrategyID,
		Mode:       ex.Mode,
		Symbol:     ex.Symbol,
		Side:       ex.Side,
		Quantity:   ex.Quantity,
		Price:      ex.Price,
	})
	if !verdict.IsValid {
		slog.Warn("risk check vetoed placement",
			slog.String("id", ex.ID),
			slog.Any("violations", verdict.Violations))
		return nil, &RiskError{Result: verdict}
	}

	if err := e.store.UpdateExecutionStatus(ctx, ex.ID, storage.StatusUpdate{
		From: domain.StatusConfirm, To: domain.StatusLive,
	}); err != nil {
		return nil, err
	}
	ex.Status = domain.StatusLive

	if ex.Mode == domain.ModePaper {
		return e.paperFill(ctx, ex)
	}

	orderType := "MARKET"
	if ex.Price.IsPositive() {
		orderType = "LIMIT"
	}
	ack, err := e.venue.PlaceOrder(ctx, binance.PlaceOrderParams{
		Symbol:        ex.Symbol,
		Side:          string(ex.Side),
		Type:          orderType,
		Quantity:      ex.Quantity,
		Price:         ex.Price,
		ClientOrderID: ex.ClientOrderID,
	})
	if err != nil {
		msg := fmt.Sprintf("place order: %v", err)
		if updErr := e.store.UpdateExecutionStatus(ctx, ex.ID, storage.StatusUpdate{
			From: domain.StatusLive, To: domain.StatusError, Message: msg,
		}); updErr != nil {
			slog.Error("record placement failure", slog.String("id", ex.ID), slog.Any("err", updErr))
		}
		ex.Status = domain.StatusError
		ex.ErrorMessage = msg
		e.publishExec(ex, event.EvExecutionError, msg)
		return nil, err
	}

	if err := e.store.UpdateExecutionOrder(ctx, ex.ID, ack.OrderID, ack.Status); err != nil {
		slog.Error("record venue order id", slog.String("id", ex.ID), slog.Any("err", err))
	}
	ex.VenueOrderID = ack.OrderID
	ex.LastState = ack.Status

	slog.Info("order placed",
		slog.String("id", ex.ID),
		slog.Int64("venue_order_id", ack.OrderID),
		slog.String("venue_status", ack.Status))
	e.publishExec(ex, event.EvExecutionPlaced, "")
	// Fills arrive on the private stream; the ack's inline fill lines are
	// intentionally not recorded here to keep a single fill source.
	return ex, nil
}

// paperFill simulates an immediate full fill without venue contact.
func (e *Executor) paperFill(ctx context.Context, ex *domain.Execution) (*domain.Execution, error) {
	now := e.clock.Now()
	venueOrderID := now.UnixNano()
	if err := e.store.UpdateExecutionOrder(ctx, ex.ID, venueOrderID, binance.OrderStatusFilled); err != nil {
		return nil, err
	}
	ex.VenueOrderID = venueOrderID
	e.publishExec(ex, event.EvExecutionPlaced, "")

	price := ex.Price
	if !price.IsPositive() {
		price = decimal.Zero
	}
	trade := &domain.Trade{
		ID:           uuid.NewString(),
		ExecutionID:  ex.ID,
		VenueTradeID: venueOrderID,
		Symbol:       ex.Symbol,
		Side:         ex.Side,
		Quantity:     ex.Quantity,
		Price:        price,
		Timestamp:    now,
	}
	if err := e.store.SaveTrade(ctx, trade); err != nil {
		return nil, err
	}
	e.bus.Publish(event.TradeEvent{
		BaseEvent:   event.BaseEvent{Ts: now},
		ExecutionID: ex.ID,
		Trade:       *trade,
	})

	if err := e.store.UpdateExecutionStatus(ctx, ex.ID, storage.StatusUpdate{
		From: domain.StatusLive, To: domain.StatusFilled, LastState: binance.OrderStatusFilled,
	}); err != nil {
		return nil, err
	}
	ex.Status = domain.StatusFilled
	e.publishExec(ex, event.EvExecutionFilled, "")
	return ex, nil
}

// CancelExecution cancels an execution. Pre-live executions are cancelled
// locally; live ones are cancelled at the venue, with the terminal state
// driven by the venue's own report.
func (e *Executor) CancelExecution(ctx context.Context, id string) (*domain.Execution, error) {
	ex, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	switch ex.Status {
	case domain.StatusArm, domain.StatusConfirm:
		return e.decline(ctx, ex)
	case domain.StatusLive:
		if ex.VenueOrderID == 0 {
			return nil, fmt.Errorf("execution %s has no venue order to cancel", id)
		}
		if _, err := e.venue.CancelOrder(ctx, ex.Symbol, ex.VenueOrderID); err != nil {
			return nil, fmt.Errorf("cancel at venue: %w", err)
		}
		return ex, nil
	default:
		return nil, fmt.Errorf("execution %s already %s: %w", id, ex.Status, storage.ErrStatusConflict)
	}
}

// GetExecution returns one execution.
func (e *Executor) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// ListExecutions returns executions, newest first, optionally filtered by
// status.
func (e *Executor) ListExecutions(ctx context.Context, statuses ...domain.Status) ([]*domain.Execution, error) {
	return e.store.GetExecutions(ctx, statuses...)
}

// GetExecutionTrades returns the recorded fills of one execution.
func (e *Executor) GetExecutionTrades(ctx context.Context, id string) ([]domain.Trade, error) {
	return e.store.GetExecutionTrades(ctx, id)
}

func (e *Executor) reportLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case report, ok := <-e.reports:
			if !ok {
				return
			}
			e.handleReport(ctx, report)
		}
	}
}

// handleReport applies one venue execution report. Reports are correlated by
// client order id; replays land on terminal executions and are ignored via
// the status check-and-set.
func (e *Executor) handleReport(ctx context.Context, report binance.ExecutionReport) {
	ex, err := e.store.GetExecutionByClientOrderID(ctx, report.ClientOrderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Debug("report for unknown execution",
				slog.String("client_order_id", report.ClientOrderID))
			return
		}
		slog.Error("load execution for report", slog.Any("err", err))
		return
	}

	switch report.Kind {
	case binance.ReportPlaced:
		if ex.VenueOrderID == 0 {
			if err := e.store.UpdateExecutionOrder(ctx, ex.ID, report.VenueOrderID, report.VenueStatus); err != nil {
				slog.Error("record venue order id", slog.String("id", ex.ID), slog.Any("err", err))
				return
			}
			ex.VenueOrderID = report.VenueOrderID
			e.publishExec(ex, event.EvExecutionPlaced, "")
		}

	case binance.ReportPartial:
		e.recordFill(ctx, ex, report)
		if err := e.store.UpdateExecutionOrder(ctx, ex.ID, report.VenueOrderID, report.VenueStatus); err != nil {
			slog.Error("record partial state", slog.String("id", ex.ID), slog.Any("err", err))
		}
		ex.LastState = report.VenueStatus
		e.publishExec(ex, event.EvExecutionPartial, "")

	case binance.ReportFilled:
		e.recordFill(ctx, ex, report)
		e.transition(ctx, ex, domain.StatusFilled, report.VenueStatus, "")
		e.publishExec(ex, event.EvExecutionFilled, "")

	case binance.ReportCancelled:
		if report.VenueStatus == binance.OrderStatusRejected {
			msg := "rejected by venue"
			ex.ErrorMessage = msg
			e.transition(ctx, ex, domain.StatusError, report.VenueStatus, msg)
			e.publishExec(ex, event.EvExecutionError, msg)
			return
		}
		e.transition(ctx, ex, domain.StatusCancelled, report.VenueStatus, "")
		e.publishExec(ex, event.EvExecutionCancelled, "")
	}
}

func (e *Executor) recordFill(ctx context.Context, ex *domain.Execution, report binance.ExecutionReport) {
	if !report.LastQty.IsPositive() {
		return
	}
	maker := report.Maker
	trade := &domain.Trade{
		ID:           uuid.NewString(),
		ExecutionID:  ex.ID,
		VenueTradeID: report.TradeID,
		Symbol:       ex.Symbol,
		Side:         ex.Side,
		Quantity:     report.LastQty,
		Price:        report.LastPrice,
		Fee:          report.Fee,
		FeeAsset:     report.FeeAsset,
		Maker:        &maker,
		Timestamp:    report.EventTime,
	}
	if err := e.store.SaveTrade(ctx, trade); err != nil {
		if errors.Is(err, storage.ErrDuplicateTrade) {
			slog.Debug("replayed fill ignored",
				slog.String("id", ex.ID),
				slog.Int64("venue_trade_id", report.TradeID))
			return
		}
		slog.Error("record trade", slog.String("id", ex.ID), slog.Any("err", err))
		return
	}
	e.bus.Publish(event.TradeEvent{
		BaseEvent:   event.BaseEvent{Ts: report.EventTime},
		ExecutionID: ex.ID,
		Trade:       *trade,
	})
}

func (e *Executor) transition(ctx context.Context, ex *domain.Execution, to domain.Status, lastState, message string) {
	err := e.store.UpdateExecutionStatus(ctx, ex.ID, storage.StatusUpdate{
		From: domain.StatusLive, To: to, LastState: lastState, Message: message,
	})
	switch {
	case err == nil:
		ex.Status = to
		ex.LastState = lastState
	case errors.Is(err, storage.ErrStatusConflict):
		slog.Debug("dropping replayed venue report",
			slog.String("id", ex.ID), slog.String("to", string(to)))
	default:
		slog.Error("apply venue report", slog.String("id", ex.ID), slog.Any("err", err))
	}
}

func (e *Executor) publishExec(ex *domain.Execution, typ event.Type, message string) {
	e.bus.Publish(event.ExecutionEvent{
		BaseEvent:     event.BaseEvent{Ts: e.clock.Now()},
		Type:          typ,
		ExecutionID:   ex.ID,
		ClientOrderID: ex.ClientOrderID,
		Symbol:        ex.Symbol,
		Status:        ex.Status,
		VenueStatus:   ex.LastState,
		Message:       message,
	})
}
