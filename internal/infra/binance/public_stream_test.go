package binance

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/event"
	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/infra"
)

func subscribeFrames(msgs []string) []string {
	var out []string
	for _, m := range msgs {
		if strings.Contains(m, `"SUBSCRIBE"`) {
			out = append(out, m)
		}
	}
	return out
}

func TestPublicStream_SubscriptionAppliedOnConnect(t *testing.T) {
	venue := newWSVenue(t)
	bus := event.NewBus(16)
	defer bus.Close()

	stream := NewPublicStream(bus, PublicStreamConfig{StreamURL: venue.url()})
	require.NoError(t, stream.Subscribe(ChannelTicker, "BTCUSDT", "ETHUSDT"))

	stream.Start(context.Background())
	defer stream.Stop()

	require.Eventually(t, func() bool {
		return len(subscribeFrames(venue.messages())) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	frame := subscribeFrames(venue.messages())[0]
	assert.Contains(t, frame, "btcusdt@ticker")
	assert.Contains(t, frame, "ethusdt@ticker")
}

func TestPublicStream_ResubscribesAfterReconnect(t *testing.T) {
	venue := newWSVenue(t)
	bus := event.NewBus(16)
	defer bus.Close()

	stream := NewPublicStream(bus, PublicStreamConfig{
		StreamURL: venue.url(),
		Backoff:   infra.Backoff{Base: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	})
	require.NoError(t, stream.Subscribe(ChannelTrade, "BTCUSDT"))

	stream.Start(context.Background())
	defer stream.Stop()

	require.Eventually(t, func() bool { return venue.connCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	venue.dropConns()

	// The fresh connection must replay the subscription set.
	require.Eventually(t, func() bool {
		return venue.connCount() >= 2 && len(subscribeFrames(venue.messages())) >= 2
	}, 3*time.Second, 20*time.Millisecond)
	last := subscribeFrames(venue.messages())
	assert.Contains(t, last[len(last)-1], "btcusdt@trade")
}

func TestPublicStream_PublishesReconnectTelemetry(t *testing.T) {
	bus := event.NewBus(16)
	defer bus.Close()

	sub := bus.Subscribe(event.FamilyStream, event.Wildcard)
	defer sub.Cancel()

	stream := NewPublicStream(bus, PublicStreamConfig{
		StreamURL: "ws://127.0.0.1:1", // nothing listens here
		Backoff:   infra.Backoff{Base: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 2},
	})
	stream.Start(context.Background())
	defer stream.Stop()

	var retries, exhausted int
	deadline := time.After(2 * time.Second)
	for exhausted == 0 {
		select {
		case ev := <-sub.C:
			se, ok := ev.(event.StreamEvent)
			require.True(t, ok, "stream family carries StreamEvents, got %T", ev)
			assert.Equal(t, "public", se.StreamID)
			switch se.Type {
			case event.EvStreamRetry:
				retries++
			case event.EvStreamExhausted:
				exhausted++
			}
		case <-deadline:
			t.Fatal("no exhausted event after retries ran out")
		}
	}
	assert.Equal(t, 2, retries)
	assert.Equal(t, 1, exhausted)
}

func TestPublicStream_ThrottleKeepsLatestValue(t *testing.T) {
	venue := newWSVenue(t)
	bus := event.NewBus(16)
	defer bus.Close()

	sub := bus.Subscribe(event.FamilyMarket, "BTCUSDT")
	defer sub.Cancel()

	clock := infra.NewManualClock(time.Now())
	stream := NewPublicStream(bus, PublicStreamConfig{
		StreamURL:        venue.url(),
		ThrottleInterval: 100 * time.Millisecond,
		Clock:            clock,
	})
	require.NoError(t, stream.Subscribe(ChannelTicker, "BTCUSDT"))
	stream.Start(context.Background())
	defer stream.Stop()

	// A burst of raw updates inside one window.
	for i := 0; i < 50; i++ {
		venue.push(t, fmt.Sprintf(
			`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":%d,"s":"BTCUSDT","c":"%d.00","Q":"1"}}`,
			1700000000000+int64(i), 43000+i))
	}

	// Wait until the burst has been absorbed, then close the window.
	require.Eventually(t, func() bool {
		stream.pendingMu.Lock()
		defer stream.pendingMu.Unlock()
		ev, ok := stream.pending["btcusdt@ticker"]
		return ok && ev.Ticker.LastPrice.Equal(decimal.RequireFromString("43049.00"))
	}, 2*time.Second, 10*time.Millisecond)
	clock.Advance(100 * time.Millisecond)

	select {
	case ev := <-sub.C:
		update, ok := ev.(event.MarketUpdateEvent)
		require.True(t, ok)
		assert.Equal(t, "BTCUSDT", update.Ticker.Symbol)
		assert.Equal(t, ChannelTicker, update.Ticker.Channel)
		assert.True(t, update.Ticker.LastPrice.Equal(decimal.RequireFromString("43049.00")))
	case <-time.After(2 * time.Second):
		t.Fatal("no throttled market update")
	}

	// Only the latest value crossed the window.
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra update: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPublicStream_UnsubscribeSendsControlFrame(t *testing.T) {
	venue := newWSVenue(t)
	bus := event.NewBus(16)
	defer bus.Close()

	stream := NewPublicStream(bus, PublicStreamConfig{StreamURL: venue.url()})
	require.NoError(t, stream.Subscribe(ChannelTicker, "BTCUSDT"))
	stream.Start(context.Background())
	defer stream.Stop()

	require.Eventually(t, func() bool {
		return stream.State() == infra.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, stream.Unsubscribe(ChannelTicker, "BTCUSDT"))
	require.Eventually(t, func() bool {
		for _, m := range venue.messages() {
			if strings.Contains(m, `"UNSUBSCRIBE"`) && strings.Contains(m, "btcusdt@ticker") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
