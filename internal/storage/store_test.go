package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
)

func testStores(t *testing.T) map[string]ExecutionStore {
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]ExecutionStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newExecution(id, clientOrderID string) *domain.Execution {
	return &domain.Execution{
		ID:            id,
		Mode:          domain.ModeSandbox,
		Symbol:        "BTCUSDT",
		Side:          domain.SideBuy,
		Quantity:      decimal.RequireFromString("0.001"),
		Price:         decimal.Zero,
		Status:        domain.StatusArm,
		ClientOrderID: clientOrderID,
		StartedAt:     time.Now().Truncate(time.Millisecond),
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveExecution(ctx, newExecution("ex-1", "c-1")))

			got, err := store.GetExecution(ctx, "ex-1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusArm, got.Status)
			assert.True(t, got.Quantity.Equal(decimal.RequireFromString("0.001")))

			byClient, err := store.GetExecutionByClientOrderID(ctx, "c-1")
			require.NoError(t, err)
			assert.Equal(t, "ex-1", byClient.ID)

			_, err = store.GetExecution(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ConditionalStatusUpdate(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveExecution(ctx, newExecution("ex-1", "c-1")))

			require.NoError(t, store.UpdateExecutionStatus(ctx, "ex-1", StatusUpdate{
				From: domain.StatusArm, To: domain.StatusConfirm,
			}))

			// Replaying the same transition must fail: the claim is
			// single-use.
			err := store.UpdateExecutionStatus(ctx, "ex-1", StatusUpdate{
				From: domain.StatusArm, To: domain.StatusConfirm,
			})
			assert.ErrorIs(t, err, ErrStatusConflict)

			err = store.UpdateExecutionStatus(ctx, "missing", StatusUpdate{
				From: domain.StatusArm, To: domain.StatusConfirm,
			})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_TerminalStatusSetsEndTime(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveExecution(ctx, newExecution("ex-1", "c-1")))

			require.NoError(t, store.UpdateExecutionStatus(ctx, "ex-1", StatusUpdate{
				From: domain.StatusArm, To: domain.StatusCancelled, LastState: "CANCELED",
			}))

			got, err := store.GetExecution(ctx, "ex-1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCancelled, got.Status)
			assert.Equal(t, "CANCELED", got.LastState)
			require.NotNil(t, got.EndedAt)
		})
	}
}

func TestStore_UpdateExecutionOrder(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveExecution(ctx, newExecution("ex-1", "c-1")))

			require.NoError(t, store.UpdateExecutionOrder(ctx, "ex-1", 987654, "NEW"))

			got, err := store.GetExecution(ctx, "ex-1")
			require.NoError(t, err)
			assert.Equal(t, int64(987654), got.VenueOrderID)
			assert.Equal(t, "NEW", got.LastState)
		})
	}
}

func TestStore_TradesAccumulate(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveExecution(ctx, newExecution("ex-1", "c-1")))

			maker := true
			trades := []domain.Trade{
				{ID: "t-1", ExecutionID: "ex-1", Symbol: "BTCUSDT", Side: domain.SideBuy,
					Quantity: decimal.RequireFromString("0.0004"),
					Price:    decimal.RequireFromString("65000.10"),
					Fee:      decimal.RequireFromString("0.02"), FeeAsset: "USDT",
					Maker: &maker, Timestamp: time.Now()},
				{ID: "t-2", ExecutionID: "ex-1", Symbol: "BTCUSDT", Side: domain.SideBuy,
					Quantity: decimal.RequireFromString("0.0006"),
					Price:    decimal.RequireFromString("65001.00"),
					Fee:      decimal.RequireFromString("0.03"), FeeAsset: "USDT",
					Timestamp: time.Now().Add(time.Second)},
			}
			for i := range trades {
				require.NoError(t, store.SaveTrade(ctx, &trades[i]))
			}

			got, err := store.GetExecutionTrades(ctx, "ex-1")
			require.NoError(t, err)
			require.Len(t, got, 2)

			sum := decimal.Zero
			for _, tr := range got {
				sum = sum.Add(tr.Quantity)
			}
			assert.True(t, sum.Equal(decimal.RequireFromString("0.001")), "fills sum to order quantity")
			require.NotNil(t, got[0].Maker)
			assert.True(t, *got[0].Maker)
			assert.Nil(t, got[1].Maker)
		})
	}
}

func TestStore_DuplicateVenueTradeRejected(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveExecution(ctx, newExecution("ex-1", "c-1")))

			trade := domain.Trade{
				ID: "t-1", ExecutionID: "ex-1", VenueTradeID: 42,
				Symbol: "BTCUSDT", Side: domain.SideBuy,
				Quantity: decimal.RequireFromString("0.001"),
				Price:    decimal.RequireFromString("65000.00"),
				Fee:      decimal.Zero, Timestamp: time.Now(),
			}
			require.NoError(t, store.SaveTrade(ctx, &trade))

			// Same venue fill, fresh row id: a replayed report.
			replay := trade
			replay.ID = "t-2"
			assert.ErrorIs(t, store.SaveTrade(ctx, &replay), ErrDuplicateTrade)

			// A fill without a venue trade id never conflicts.
			paper := trade
			paper.ID = "t-3"
			paper.VenueTradeID = 0
			require.NoError(t, store.SaveTrade(ctx, &paper))
			require.NoError(t, store.SaveTrade(ctx, &domain.Trade{
				ID: "t-4", ExecutionID: "ex-1", Symbol: "BTCUSDT", Side: domain.SideBuy,
				Quantity: decimal.RequireFromString("0.001"),
				Price:    decimal.RequireFromString("65000.00"),
				Fee:      decimal.Zero, Timestamp: time.Now(),
			}))

			got, err := store.GetExecutionTrades(ctx, "ex-1")
			require.NoError(t, err)
			assert.Len(t, got, 3)
		})
	}
}

func TestStore_FilterByStatus(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newExecution("ex-a", "c-a")
			b := newExecution("ex-b", "c-b")
			b.Status = domain.StatusLive
			require.NoError(t, store.SaveExecution(ctx, a))
			require.NoError(t, store.SaveExecution(ctx, b))

			live, err := store.GetExecutions(ctx, domain.StatusLive)
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.Equal(t, "ex-b", live[0].ID)

			all, err := store.GetExecutions(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}
