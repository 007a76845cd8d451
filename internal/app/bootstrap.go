package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/event"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/executor"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/gateway"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/infra"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/infra/binance"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/risk"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/storage"
)

// App wires configuration, storage, venue connectivity, the executor and
// the HTTP gateway into one runnable unit.
type App struct {
	cfg   *infra.Config
	store *storage.SQLiteStore
	bus   *event.Bus

	client  *binance.Client
	private *binance.PrivateStream
	public  *binance.PublicStream

	exec       *executor.Executor
	reconciler *executor.Reconciler
	server     *gateway.Server
}

// noVenue rejects every call. Used in paper deployments, where nothing
// should ever reach a real venue.
type noVenue struct{}

func (noVenue) PlaceOrder(context.Context, binance.PlaceOrderParams) (*binance.OrderAck, error) {
	return nil, fmt.Errorf("venue access disabled in paper deployment")
}
func (noVenue) GetOrderStatus(context.Context, string, int64) (*binance.OrderState, error) {
	return nil, fmt.Errorf("venue access disabled in paper deployment")
}
func (noVenue) GetOrderTrades(context.Context, string, int64) ([]binance.AccountTrade, error) {
	return nil, fmt.Errorf("venue access disabled in paper deployment")
}
func (noVenue) CancelOrder(context.Context, string, int64) (*binance.OrderState, error) {
	return nil, fmt.Errorf("venue access disabled in paper deployment")
}

// New builds the application from configuration.
func New(cfg *infra.Config) (*App, error) {
	logger := infra.NewLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{
		cfg:   cfg,
		store: store,
		bus:   event.NewBus(cfg.Executor.BusBufferSize),
	}

	mode := domain.Mode(strings.ToLower(cfg.Trading.Mode))
	var venue executor.VenueClient = noVenue{}
	var reports <-chan binance.ExecutionReport

	if mode != domain.ModePaper {
		restURL := cfg.Venue.RestURL
		streamURL := cfg.Venue.StreamURL
		marketURL := cfg.Venue.MarketURL
		if mode == domain.ModeSandbox {
			restURL = cfg.Venue.SandboxRestURL
			streamURL = cfg.Venue.SandboxStreamURL
			marketURL = cfg.Venue.SandboxMarketURL
		}

		signer := binance.NewSigner(cfg.Venue.AccessKey, cfg.Venue.SecretKey)
		a.client = binance.NewClient(signer, binance.ClientConfig{
			BaseURL:      restURL,
			RecvWindowMS: cfg.Venue.RecvWindowMS,
		})
		// Testnet sessions expire faster than mainnet ones.
		renewEvery := 50 * time.Minute
		if mode == domain.ModeSandbox {
			renewEvery = 25 * time.Minute
		}
		a.private = binance.NewPrivateStream(a.client, a.bus, binance.PrivateStreamConfig{
			StreamURL:     streamURL,
			RenewInterval: renewEvery,
		})
		a.public = binance.NewPublicStream(a.bus, binance.PublicStreamConfig{
			StreamURL:        marketURL,
			ThrottleInterval: cfg.ThrottleInterval(),
		})
		venue = a.client
		reports = a.private.Reports()
	}

	validator, err := buildValidator(cfg)
	if err != nil {
		return nil, err
	}

	a.exec = executor.New(executor.Config{
		Store:     store,
		Venue:     venue,
		Bus:       a.bus,
		Validator: validator,
		Reports:   reports,
	})
	a.reconciler = executor.NewReconciler(a.exec, executor.ReconcilerConfig{
		Interval: cfg.ReconcileInterval(),
	})
	a.server = gateway.NewServer(a.exec, a.bus)

	return a, nil
}

func buildValidator(cfg *infra.Config) (risk.Validator, error) {
	var limits risk.Limits
	if cfg.Risk.MaxQuantity != "" {
		q, err := decimal.NewFromString(cfg.Risk.MaxQuantity)
		if err != nil {
			return nil, fmt.Errorf("risk.max_quantity: %w", err)
		}
		limits.MaxQuantity = q
	}
	if cfg.Risk.MaxNotional != "" {
		n, err := decimal.NewFromString(cfg.Risk.MaxNotional)
		if err != nil {
			return nil, fmt.Errorf("risk.max_notional: %w", err)
		}
		limits.MaxNotional = n
	}
	return risk.NewLimitValidator(limits), nil
}

// Run starts every component and blocks until the context is cancelled or
// the HTTP listener fails.
func (a *App) Run(ctx context.Context) error {
	slog.Info("starting",
		slog.String("app", a.cfg.App.Name),
		slog.String("version", a.cfg.App.Version),
		slog.String("mode", a.cfg.Trading.Mode),
		slog.String("addr", a.cfg.Server.Addr))

	if a.private != nil {
		a.private.Start(ctx)
		a.public.Start(ctx)
		if err := a.public.Subscribe(binance.ChannelTicker, a.cfg.Trading.Symbols...); err != nil {
			slog.Warn("initial market subscription", slog.Any("err", err))
		}
	}
	a.exec.Start(ctx)
	a.reconciler.Start(ctx)

	httpSrv := &http.Server{Addr: a.cfg.Server.Addr, Handler: a.server.Engine()}
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.shutdown(httpSrv)
		return err
	}

	a.shutdown(httpSrv)
	return nil
}

func (a *App) shutdown(httpSrv *http.Server) {
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", slog.Any("err", err))
	}

	a.reconciler.Stop()
	if a.private != nil {
		a.private.Stop()
		a.public.Stop()
	}
	a.exec.Stop()
	a.bus.Close()

	if a.client != nil {
		a.client.Close()
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("close store", slog.Any("err", err))
	}
}
