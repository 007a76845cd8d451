package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/event"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/infra"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/infra/binance"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/storage"
)

// ReconcilerConfig tunes the periodic venue sweep.
type ReconcilerConfig struct {
	// Interval between sweeps. Zero means one minute.
	Interval time.Duration
	// Grace is how long a live execution may sit without a venue order id
	// before it is declared failed. Covers a crash between the placement
	// claim and the venue call. Zero means two minutes.
	Grace time.Duration
}

// Reconciler periodically re-queries the venue for every live execution, so
// outcomes missed while the private stream was down are still applied. Venue
// queries run behind a circuit breaker; a flapping venue pauses the sweep
// instead of hammering it.
type Reconciler struct {
	exec    *Executor
	cfg     ReconcilerConfig
	breaker *infra.CircuitBreaker

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a reconciler over the executor's store and venue.
func NewReconciler(exec *Executor, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	return &Reconciler{
		exec:    exec,
		cfg:     cfg,
		breaker: infra.NewCircuitBreaker("reconciler", 3, 1, 30*time.Second),
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop terminates the sweep loop.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.exec.clock.After(r.cfg.Interval):
		}
		r.Sweep(ctx)
	}
}

// Sweep reconciles every live execution against the venue once.
func (r *Reconciler) Sweep(ctx context.Context) {
	open, err := r.exec.store.GetExecutions(ctx, domain.StatusLive)
	if err != nil {
		slog.Error("list live executions", slog.Any("err", err))
		return
	}

	for _, ex := range open {
		if ex.VenueOrderID == 0 {
			r.expireUnplaced(ctx, ex)
			continue
		}

		if !r.breaker.Allow() {
			slog.Warn("reconcile sweep paused, venue breaker open")
			return
		}

		state, err := r.exec.venue.GetOrderStatus(ctx, ex.Symbol, ex.VenueOrderID)
		if err != nil {
			r.breaker.RecordFailure()
			slog.Warn("reconcile query failed",
				slog.String("id", ex.ID), slog.Any("err", err))
			continue
		}
		r.breaker.RecordSuccess()
		r.apply(ctx, ex, state)
	}
}

// expireUnplaced fails a live execution whose placement outcome never
// materialized: the claim was persisted but no venue order id ever arrived.
func (r *Reconciler) expireUnplaced(ctx context.Context, ex *domain.Execution) {
	age := r.exec.clock.Now().Sub(ex.StartedAt)
	if age < r.cfg.Grace {
		return
	}
	msg := "placement outcome unknown, no venue order id after grace period"
	slog.Error("expiring unplaced execution",
		slog.String("id", ex.ID), slog.Duration("age", age))
	ex.ErrorMessage = msg
	r.exec.transition(ctx, ex, domain.StatusError, "", msg)
	r.exec.publishExec(ex, event.EvExecutionError, msg)
}

// apply maps the venue's authoritative order state onto the execution.
func (r *Reconciler) apply(ctx context.Context, ex *domain.Execution, state *binance.OrderState) {
	switch state.Status {
	case binance.OrderStatusFilled:
		// Backfill the fills missed while the stream was down before the
		// execution goes terminal. On failure the execution stays live
		// and the next sweep retries.
		if err := r.recoverFills(ctx, ex); err != nil {
			slog.Warn("reconcile fill recovery failed",
				slog.String("id", ex.ID), slog.Any("err", err))
			return
		}
		r.exec.transition(ctx, ex, domain.StatusFilled, state.Status, "")
		r.exec.publishExec(ex, event.EvExecutionFilled, "")
	case binance.OrderStatusCanceled, binance.OrderStatusExpired:
		r.exec.transition(ctx, ex, domain.StatusCancelled, state.Status, "")
		r.exec.publishExec(ex, event.EvExecutionCancelled, "")
	case binance.OrderStatusRejected:
		msg := "rejected by venue"
		ex.ErrorMessage = msg
		r.exec.transition(ctx, ex, domain.StatusError, state.Status, msg)
		r.exec.publishExec(ex, event.EvExecutionError, msg)
	default:
		// Still working; refresh the raw label only.
		if state.Status != ex.LastState {
			if err := r.exec.store.UpdateExecutionOrder(ctx, ex.ID, ex.VenueOrderID, state.Status); err != nil {
				slog.Error("refresh venue state", slog.String("id", ex.ID), slog.Any("err", err))
			}
		}
	}
}

// recoverFills queries the venue's trade list for the order and records every
// fill not yet stored. Fills the stream already delivered dedupe on their
// venue trade id.
func (r *Reconciler) recoverFills(ctx context.Context, ex *domain.Execution) error {
	fills, err := r.exec.venue.GetOrderTrades(ctx, ex.Symbol, ex.VenueOrderID)
	if err != nil {
		return err
	}
	for _, f := range fills {
		maker := f.Maker
		trade := &domain.Trade{
			ID:           uuid.NewString(),
			ExecutionID:  ex.ID,
			VenueTradeID: f.TradeID,
			Symbol:       ex.Symbol,
			Side:         ex.Side,
			Quantity:     f.Qty,
			Price:        f.Price,
			Fee:          f.Commission,
			FeeAsset:     f.CommissionAsset,
			Maker:        &maker,
			Timestamp:    f.Time,
		}
		if err := r.exec.store.SaveTrade(ctx, trade); err != nil {
			if errors.Is(err, storage.ErrDuplicateTrade) {
				continue
			}
			return err
		}
		r.exec.bus.Publish(event.TradeEvent{
			BaseEvent:   event.BaseEvent{Ts: f.Time},
			ExecutionID: ex.ID,
			Trade:       *trade,
		})
	}
	return nil
}
