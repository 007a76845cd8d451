package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the explicit connection state of a StreamWorker.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// StreamHandler defines venue-specific logic for a StreamWorker.
type StreamHandler interface {
	// ID identifies the stream in logs and telemetry events.
	ID() string
	// URL resolves the dial target. Called before every connection
	// attempt, so session-scoped endpoints can mint a fresh session here.
	URL(ctx context.Context) (string, error)
	// OnConnect runs once per established connection, before the read
	// loop starts. Subscription replay belongs here.
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	// OnMessage handles one inbound frame.
	OnMessage(ctx context.Context, msg []byte)
	// OnPing sends the venue keepalive. Called every PingInterval.
	OnPing(ctx context.Context, conn *websocket.Conn) error
}

// StreamWorkerConfig tunes reconnect and keepalive behavior.
type StreamWorkerConfig struct {
	ReadTimeout  time.Duration
	PingInterval time.Duration
	Backoff      Backoff
	Clock        Clock

	// OnRetry fires before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err error)
	// OnExhausted fires exactly once when the attempt cap is exceeded;
	// the worker then stops retrying until restarted.
	OnExhausted func(attempt int, err error)
	// OnDrop fires when an established connection is lost, before any
	// reconnect attempt.
	OnDrop func(err error)
}

// StreamWorker manages the lifecycle of one venue WebSocket connection as an
// explicit Disconnected/Connecting/Connected machine with exponential-backoff
// reconnects, read timeouts and thread-safe writes.
type StreamWorker struct {
	handler StreamHandler
	cfg     StreamWorkerConfig

	state   atomic.Int32
	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStreamWorker creates a worker for the given handler.
func NewStreamWorker(handler StreamHandler, cfg StreamWorkerConfig) *StreamWorker {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	return &StreamWorker{handler: handler, cfg: cfg}
}

// State returns the current connection state.
func (w *StreamWorker) State() ConnState {
	return ConnState(w.state.Load())
}

// Start initiates the connection loop.
func (w *StreamWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker, cancelling pending timers and closing the
// socket.
func (w *StreamWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConn()
	w.wg.Wait()
}

// Teardown force-closes the current connection without stopping the worker,
// so the run loop enters a fresh Connecting cycle. Used when a session
// renewal fails and the stream must be rebuilt on a new session.
func (w *StreamWorker) Teardown() {
	w.closeConn()
}

func (w *StreamWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.state.Store(int32(StateDisconnected))

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.state.Store(int32(StateConnecting))
		err := w.connect(ctx)
		if err == nil {
			attempt = 0
			w.state.Store(int32(StateConnected))
			err = w.process(ctx)
			w.state.Store(int32(StateDisconnected))
			if ctx.Err() != nil {
				return
			}
			if w.cfg.OnDrop != nil {
				w.cfg.OnDrop(err)
			}
		}

		attempt++
		if w.cfg.Backoff.Exhausted(attempt) {
			slog.Error("stream reconnect attempts exhausted",
				slog.String("id", w.handler.ID()),
				slog.Int("attempts", attempt-1))
			if w.cfg.OnExhausted != nil {
				w.cfg.OnExhausted(attempt-1, err)
			}
			return
		}

		delay := w.cfg.Backoff.Delay(attempt)
		slog.Warn("stream connection lost, retrying",
			slog.String("id", w.handler.ID()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("err", err))
		if w.cfg.OnRetry != nil {
			w.cfg.OnRetry(attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-w.cfg.Clock.After(delay):
		}
	}
}

func (w *StreamWorker) connect(ctx context.Context) error {
	url, err := w.handler.URL(ctx)
	if err != nil {
		return fmt.Errorf("resolve stream url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.handler.OnConnect(ctx, conn); err != nil {
		w.closeConn()
		return fmt.Errorf("on connect: %w", err)
	}

	if w.cfg.PingInterval > 0 {
		go w.pingLoop(ctx, conn)
	}

	slog.Info("stream connected", slog.String("id", w.handler.ID()))
	return nil
}

// process reads frames until the connection drops; it returns the read error
// so the run loop can report why the session ended.
func (w *StreamWorker) process(ctx context.Context) error {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return fmt.Errorf("connection torn down")
		}

		c.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			w.closeConn()
			return err
		}

		w.handler.OnMessage(ctx, msg)
	}
}

// pingLoop keeps exactly the connection it was started for alive. When the
// worker has moved on to a newer connection the loop exits at its next tick,
// so reconnect cycles never accumulate ping goroutines.
func (w *StreamWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != conn {
				return
			}
			if err := w.handler.OnPing(ctx, conn); err != nil {
				slog.Warn("stream ping failed",
					slog.String("id", w.handler.ID()), slog.Any("err", err))
				w.closeConn()
				return
			}
		}
	}
}

// Write sends one frame. Safe for concurrent use.
func (w *StreamWorker) Write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("stream %s not connected", w.handler.ID())
	}
	return c.WriteMessage(msgType, data)
}

func (w *StreamWorker) closeConn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
