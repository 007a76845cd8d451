package binance

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/event"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/infra"
)

// Market channels understood by the public stream.
const (
	ChannelTicker = "ticker"
	ChannelTrade  = "trade"
)

const publicStreamID = "public"

// PublicStreamConfig configures the public market stream.
type PublicStreamConfig struct {
	// StreamURL is the combined-stream WebSocket endpoint.
	StreamURL string
	// ThrottleInterval is the coalescing window per symbol/channel.
	// Zero means 100 ms. Within a window only the latest value survives.
	ThrottleInterval time.Duration
	Backoff          infra.Backoff
	Clock            infra.Clock
}

// PublicStream consumes unauthenticated market data. Subscriptions survive
// reconnects: the full set is replayed on every new connection. Updates are
// throttled per symbol/channel, latest value wins, so a burst collapses to
// one bus event per window.
type PublicStream struct {
	bus   *event.Bus
	cfg   PublicStreamConfig
	clock infra.Clock

	worker *infra.StreamWorker
	nextID atomic.Int64

	mu   sync.Mutex
	subs map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]event.MarketUpdateEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublicStream creates the public stream.
func NewPublicStream(bus *event.Bus, cfg PublicStreamConfig) *PublicStream {
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = 100 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = infra.RealClock()
	}

	p := &PublicStream{
		bus:     bus,
		cfg:     cfg,
		clock:   cfg.Clock,
		subs:    make(map[string]struct{}),
		pending: make(map[string]event.MarketUpdateEvent),
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

// Start begins the connect lifecycle and the throttle flush loop.
func (p *PublicStream) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.worker.Start(ctx)

	p.wg.Add(1)
	go p.flushLoop(ctx)
}

// Stop terminates the stream.
func (p *PublicStream) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.worker.Stop()
	p.wg.Wait()
}

// State exposes the underlying connection state.
func (p *PublicStream) State() infra.ConnState {
	return p.worker.State()
}

// Subscribe adds symbols on a channel. Safe to call before Start; the set is
// applied on connect and reapplied after every reconnect.
func (p *PublicStream) Subscribe(channel string, symbols ...string) error {
	names := streamNames(channel, symbols)

	p.mu.Lock()
	for _, n := range names {
		p.subs[n] = struct{}{}
	}
	p.mu.Unlock()

	if p.worker.State() != infra.StateConnected {
		return nil
	}
	return p.sendControl("SUBSCRIBE", names)
}

// Unsubscribe removes symbols from a channel.
func (p *PublicStream) Unsubscribe(channel string, symbols ...string) error {
	names := streamNames(channel, symbols)

	p.mu.Lock()
	for _, n := range names {
		delete(p.subs, n)
	}
	p.mu.Unlock()

	if p.worker.State() != infra.StateConnected {
		return nil
	}
	return p.sendControl("UNSUBSCRIBE", names)
}

// ID implements infra.StreamHandler.
func (p *PublicStream) ID() string { return publicStreamID }

func (p *PublicStream) URL(context.Context) (string, error) {
	return p.cfg.StreamURL, nil
}

// OnConnect replays the full subscription set on the fresh connection.
func (p *PublicStream) OnConnect(_ context.Context, conn *websocket.Conn) error {
	p.mu.Lock()
	names := make([]string, 0, len(p.subs))
	for n := range p.subs {
		names = append(names, n)
	}
	p.mu.Unlock()

	if len(names) == 0 {
		return nil
	}

	payload, err := json.Marshal(controlRequest{
		Method: "SUBSCRIBE",
		Params: names,
		ID:     p.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// OnMessage decodes one combined-stream frame and feeds the throttler.
func (p *PublicStream) OnMessage(_ context.Context, msg []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		slog.Warn("undecodable public frame", slog.Any("err", err))
		return
	}
	if frame.Stream == "" {
		// Control acknowledgement.
		return
	}

	var header eventHeader
	if err := json.Unmarshal(frame.Data, &header); err != nil {
		return
	}

	switch header.Event {
	case "24hrTicker":
		var t tickerFrame
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return
		}
		p.offer(domain.Ticker{
			Symbol:    t.Symbol,
			Channel:   ChannelTicker,
			LastPrice: parseDecimal(t.LastPrice),
			Quantity:  parseDecimal(t.LastQty),
			Timestamp: time.UnixMilli(t.EventTime),
		})
	case "trade":
		var t tradeFrame
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return
		}
		p.offer(domain.Ticker{
			Symbol:    t.Symbol,
			Channel:   ChannelTrade,
			LastPrice: parseDecimal(t.Price),
			Quantity:  parseDecimal(t.Quantity),
			Timestamp: time.UnixMilli(t.EventTime),
		})
	}
}

func (p *PublicStream) OnPing(_ context.Context, conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

func (p *PublicStream) publishRetry(attempt int, delay time.Duration, err error) {
	p.bus.Publish(event.StreamEvent{
		BaseEvent: event.BaseEvent{Ts: time.Now()},
		Type:      event.EvStreamRetry,
		StreamID:  publicStreamID,
		Attempt:   attempt,
		Delay:     delay,
		Error:     errString(err),
	})
}

func (p *PublicStream) publishExhausted(attempt int, err error) {
	p.bus.Publish(event.StreamEvent{
		BaseEvent: event.BaseEvent{Ts: time.Now()},
		Type:      event.EvStreamExhausted,
		StreamID:  publicStreamID,
		Attempt:   attempt,
		Error:     errString(err),
	})
}

// offer records the latest value for a symbol/channel; the flush loop
// publishes it at the next window boundary.
func (p *PublicStream) offer(t domain.Ticker) {
	key := strings.ToLower(t.Symbol) + "@" + t.Channel

	p.pendingMu.Lock()
	p.pending[key] = event.MarketUpdateEvent{
		BaseEvent: event.BaseEvent{Ts: t.Timestamp},
		Ticker:    t,
	}
	p.pendingMu.Unlock()
}

func (p *PublicStream) flushLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cfg.ThrottleInterval):
		}
		p.flush()
	}
}

func (p *PublicStream) flush() {
	p.pendingMu.Lock()
	if len(p.pending) == 0 {
		p.pendingMu.Unlock()
		return
	}
	batch := p.pending
	p.pending = make(map[string]event.MarketUpdateEvent)
	p.pendingMu.Unlock()

	for _, ev := range batch {
		p.bus.Publish(ev)
	}
}

func (p *PublicStream) sendControl(method string, names []string) error {
	payload, err := json.Marshal(controlRequest{
		Method: method,
		Params: names,
		ID:     p.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	return p.worker.Write(websocket.TextMessage, payload)
}

func streamNames(channel string, symbols []string) []string {
	names := make([]string, 0, len(symbols))
	for _, s := range symbols {
		names = append(names, strings.ToLower(s)+"@"+channel)
	}
	return names
}
