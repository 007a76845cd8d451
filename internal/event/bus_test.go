package event

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
)

func execEvent(id string, status domain.Status) ExecutionEvent {
	return ExecutionEvent{
		BaseEvent:   BaseEvent{Ts: time.Now()},
		Type:        EvExecutionPlaced,
		ExecutionID: id,
		Symbol:      "BTCUSDT",
		Status:      status,
	}
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBus_PerKeyAndWildcardDelivery(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	specific := bus.Subscribe(FamilyExecution, "exec-a")
	wildcard := bus.Subscribe(FamilyExecution, Wildcard)

	bus.Publish(execEvent("exec-a", domain.StatusLive))
	bus.Publish(execEvent("exec-b", domain.StatusLive))

	gotSpecific := drain(specific)
	gotWildcard := drain(wildcard)

	require.Len(t, gotSpecific, 1)
	require.Len(t, gotWildcard, 2)
	assert.Equal(t, "exec-a", gotSpecific[0].Key())
}

func TestBus_WildcardReceivesSupersetInOrder(t *testing.T) {
	bus := NewBus(128)
	defer bus.Close()

	specific := bus.Subscribe(FamilyExecution, "exec-a")
	wildcard := bus.Subscribe(FamilyExecution, Wildcard)

	// Interleave events for two executions.
	for i := 0; i < 20; i++ {
		id := "exec-a"
		if i%3 == 0 {
			id = "exec-b"
		}
		ev := execEvent(id, domain.StatusLive)
		ev.Message = fmt.Sprintf("seq-%d", i)
		bus.Publish(ev)
	}

	gotSpecific := drain(specific)
	gotWildcard := drain(wildcard)

	// Every event the specific subscriber saw must appear in the wildcard
	// stream, in the same relative order.
	j := 0
	for _, ev := range gotSpecific {
		found := false
		for ; j < len(gotWildcard); j++ {
			if gotWildcard[j].(ExecutionEvent).Message == ev.(ExecutionEvent).Message {
				found = true
				j++
				break
			}
		}
		require.True(t, found, "specific event %q missing from wildcard stream", ev.(ExecutionEvent).Message)
	}

	// And the specific stream carries only its own key.
	for _, ev := range gotSpecific {
		assert.Equal(t, "exec-a", ev.Key())
	}
}

func TestBus_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	sub := bus.Subscribe(FamilyExecution, Wildcard)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(execEvent("exec-a", domain.StatusLive))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	assert.Len(t, drain(sub), 2)
	assert.Equal(t, uint64(8), sub.Dropped())
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	sub := bus.Subscribe(FamilyTrade, "exec-a")
	sub.Cancel()
	sub.Cancel() // idempotent

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after cancel must not panic.
	bus.Publish(TradeEvent{BaseEvent: BaseEvent{Ts: time.Now()}, ExecutionID: "exec-a"})
}

func TestBus_FamiliesAreIsolated(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	execSub := bus.Subscribe(FamilyExecution, Wildcard)
	tradeSub := bus.Subscribe(FamilyTrade, Wildcard)

	bus.Publish(execEvent("exec-a", domain.StatusFilled))
	bus.Publish(TradeEvent{BaseEvent: BaseEvent{Ts: time.Now()}, ExecutionID: "exec-a"})

	assert.Len(t, drain(execSub), 1)
	assert.Len(t, drain(tradeSub), 1)
}
