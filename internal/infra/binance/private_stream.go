package binance

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/event"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/infra"
)

// ReportKind is the semantic meaning of one venue execution report.
type ReportKind string

const (
	ReportPlaced    ReportKind = "placed"
	ReportPartial   ReportKind = "partial"
	ReportFilled    ReportKind = "filled"
	ReportCancelled ReportKind = "cancelled"
)

// ExecutionReport is one decoded order update from the private stream.
// VenueStatus keeps the raw venue label alongside the mapped Kind.
type ExecutionReport struct {
	Kind          ReportKind
	Symbol        string
	ClientOrderID string
	VenueOrderID  int64
	VenueStatus   string
	Side          string
	LastQty       decimal.Decimal
	LastPrice     decimal.Decimal
	CumQty        decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
	TradeID       int64
	Maker         bool
	EventTime     time.Time
}

// SessionClient is the slice of the REST client the private stream needs to
// manage its session key.
type SessionClient interface {
	CreateSession(ctx context.Context) (string, error)
	RenewSession(ctx context.Context, key string) error
	CloseSession(ctx context.Context, key string) error
}

// PrivateStreamConfig configures the private event stream.
type PrivateStreamConfig struct {
	// StreamURL is the base WebSocket endpoint; the session key is
	// appended per connection.
	StreamURL string
	// RenewInterval is the session keepalive cadence. Zero means 25
	// minutes, well inside the venue's session TTL.
	RenewInterval time.Duration
	ReportBuffer  int
	Backoff       infra.Backoff
	Clock         infra.Clock
}

// PrivateStream consumes the authenticated venue stream: execution reports
// flow to the Reports channel with backpressure (order updates are never
// dropped), balance updates go straight to the bus. Each connection attempt
// mints a fresh session key; a failed renewal tears the connection down so
// the reconnect cycle rebuilds it on a new session.
type PrivateStream struct {
	client SessionClient
	bus    *event.Bus
	cfg    PrivateStreamConfig
	clock  infra.Clock

	worker  *infra.StreamWorker
	reports chan ExecutionReport

	mu         sync.Mutex
	sessionKey string
	// generation increments per minted session so a stale renew loop can
	// tell its session has already been replaced.
	generation uint64
}

const privateStreamID = "private"

// NewPrivateStream creates the private stream. Start must be called before
// reports flow.
func NewPrivateStream(client SessionClient, bus *event.Bus, cfg PrivateStreamConfig) *PrivateStream {
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 25 * time.Minute
	}
	if cfg.ReportBuffer <= 0 {
		cfg.ReportBuffer = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = infra.RealClock()
	}

	p := &PrivateStream{
		client:  client,
		bus:     bus,
		cfg:     cfg,
		clock:   cfg.Clock,
		reports: make(chan ExecutionReport, cfg.ReportBuffer),
	}
	p.worker = infra.NewStreamWorker(p, infra.StreamWorkerConfig{
		ReadTimeout:  90 * time.Second,
		PingInterval: 3 * time.Minute,
		Backoff:      cfg.Backoff,
		Clock:        cfg.Clock,
		OnRetry:      p.publishRetry,
		OnExhausted:  p.publishExhausted,
	})
	return p
}

// Reports returns the execution-report channel. Reads must keep up; the
// stream blocks rather than drop an order update.
func (p *PrivateStream) Reports() <-chan ExecutionReport {
	return p.reports
}

// Start begins the connect/renew lifecycle.
func (p *PrivateStream) Start(ctx context.Context) {
	p.worker.Start(ctx)
}

// Stop terminates the stream, closes the venue session best-effort and
// closes the Reports channel.
func (p *PrivateStream) Stop() {
	p.worker.Stop()

	p.mu.Lock()
	key := p.sessionKey
	p.sessionKey = ""
	p.mu.Unlock()

	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.client.CloseSession(ctx, key); err != nil {
			slog.Warn("close stream session", slog.Any("err", err))
		}
	}
	close(p.reports)
}

// State exposes the underlying connection state.
func (p *PrivateStream) State() infra.ConnState {
	return p.worker.State()
}

// ID implements infra.StreamHandler.
func (p *PrivateStream) ID() string { return privateStreamID }

// URL mints a fresh session key for this connection attempt.
func (p *PrivateStream) URL(ctx context.Context) (string, error) {
	key, err := p.client.CreateSession(ctx)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.sessionKey = key
	p.generation++
	p.mu.Unlock()

	return p.cfg.StreamURL + "/" + key, nil
}

// OnConnect starts the renew loop for the session this connection runs on.
func (p *PrivateStream) OnConnect(ctx context.Context, _ *websocket.Conn) error {
	p.mu.Lock()
	key, gen := p.sessionKey, p.generation
	p.mu.Unlock()

	go p.renewLoop(ctx, key, gen)
	return nil
}

// renewLoop extends the session TTL on a fixed cadence. A renewal failure
// tears the connection down; the read path itself is never interrupted by
// renewal, only by the teardown that follows a failure.
func (p *PrivateStream) renewLoop(ctx context.Context, key string, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cfg.RenewInterval):
		}

		p.mu.Lock()
		stale := p.generation != gen
		p.mu.Unlock()
		if stale {
			return
		}

		if err := p.client.RenewSession(ctx, key); err != nil {
			slog.Error("session renewal failed, rebuilding stream",
				slog.Any("err", err))
			p.worker.Teardown()
			return
		}
		slog.Debug("stream session renewed")
	}
}

// OnMessage decodes one private-stream frame.
func (p *PrivateStream) OnMessage(ctx context.Context, msg []byte) {
	var header eventHeader
	if err := json.Unmarshal(msg, &header); err != nil {
		slog.Warn("undecodable private frame", slog.Any("err", err))
		return
	}

	switch header.Event {
	case "executionReport":
		p.handleExecutionReport(ctx, msg)
	case "outboundAccountPosition":
		p.handleAccountPosition(msg)
	default:
		// listenKeyExpired and friends end up here; the read loop will
		// notice the close and reconnect on a fresh session.
		slog.Debug("unhandled private frame", slog.String("event", header.Event))
	}
}

func (p *PrivateStream) handleExecutionReport(ctx context.Context, msg []byte) {
	var frame executionReportFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		slog.Warn("undecodable execution report", slog.Any("err", err))
		return
	}

	kind, ok := mapReportKind(frame.ExecType, frame.OrderStatus)
	if !ok {
		slog.Debug("ignoring execution report",
			slog.String("exec_type", frame.ExecType),
			slog.String("status", frame.OrderStatus))
		return
	}

	report := ExecutionReport{
		Kind:          kind,
		Symbol:        frame.Symbol,
		ClientOrderID: frame.ClientOrderID,
		VenueOrderID:  frame.OrderID,
		VenueStatus:   frame.OrderStatus,
		Side:          frame.Side,
		LastQty:       parseDecimal(frame.LastQty),
		LastPrice:     parseDecimal(frame.LastPrice),
		CumQty:        parseDecimal(frame.CumQty),
		Fee:           parseDecimal(frame.Fee),
		FeeAsset:      frame.FeeAsset,
		TradeID:       frame.TradeID,
		Maker:         frame.Maker,
		EventTime:     time.UnixMilli(frame.EventTime),
	}

	select {
	case p.reports <- report:
	case <-ctx.Done():
	}
}

func (p *PrivateStream) handleAccountPosition(msg []byte) {
	var frame accountPositionFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		slog.Warn("undecodable account position", slog.Any("err", err))
		return
	}

	ts := time.UnixMilli(frame.EventTime)
	for _, b := range frame.Balances {
		p.bus.Publish(event.BalanceUpdateEvent{
			BaseEvent: event.BaseEvent{Ts: ts},
			Asset:     b.Asset,
			Free:      parseDecimal(b.Free),
			Locked:    parseDecimal(b.Locked),
		})
	}
}

// OnPing sends a websocket-level keepalive.
func (p *PrivateStream) OnPing(_ context.Context, conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

func (p *PrivateStream) publishRetry(attempt int, delay time.Duration, err error) {
	p.bus.Publish(event.StreamEvent{
		BaseEvent: event.BaseEvent{Ts: time.Now()},
		Type:      event.EvStreamRetry,
		StreamID:  privateStreamID,
		Attempt:   attempt,
		Delay:     delay,
		Error:     errString(err),
	})
}

func (p *PrivateStream) publishExhausted(attempt int, err error) {
	p.bus.Publish(event.StreamEvent{
		BaseEvent: event.BaseEvent{Ts: time.Now()},
		Type:      event.EvStreamExhausted,
		StreamID:  privateStreamID,
		Attempt:   attempt,
		Error:     errString(err),
	})
}

// mapReportKind translates venue exec-type/status pairs into the semantic
// report kinds the executor acts on.
func mapReportKind(execType, status string) (ReportKind, bool) {
	switch execType {
	case "NEW":
		return ReportPlaced, true
	case "TRADE":
		if status == OrderStatusFilled {
			return ReportFilled, true
		}
		return ReportPartial, true
	case "CANCELED", "EXPIRED", "REJECTED":
		return ReportCancelled, true
	}
	return "", false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
