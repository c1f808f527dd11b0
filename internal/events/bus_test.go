package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeByType(t *testing.T) {
	bus := NewBus()
	reaped := bus.Subscribe(EventSandboxReaped)
	defer bus.Unsubscribe(reaped)

	bus.Emit(EventSandboxAssigned, "/orchestrator", "sb-1", nil)
	bus.Emit(EventSandboxReaped, "/orchestrator", "sb-1", map[string]interface{}{"cause": "idle"})

	select {
	case ev := <-reaped:
		assert.Equal(t, EventSandboxReaped, ev.Type)
		assert.Equal(t, "sb-1", ev.Subject)
		assert.Equal(t, "idle", ev.Data["cause"])
	case <-time.After(time.Second):
		t.Fatal("expected reap event")
	}

	select {
	case ev := <-reaped:
		t.Fatalf("unexpected extra event %s", ev.Type)
	default:
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()
	defer bus.Unsubscribe(all)

	bus.Emit(EventCreditsLow, "/meter", "acct-1", nil)
	bus.Emit(EventSessionIdle, "/meter", "sess-1", nil)

	require.Len(t, drain(all), 2)
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(EventUsageCommitted)
	defer bus.Unsubscribe(ch)

	// overflow the buffer; Publish must not stall
	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*bus.bufferSize; i++ {
			bus.Emit(EventUsageCommitted, "/meter", "sess-1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, drain(ch), bus.bufferSize)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(EventSandboxCloned)
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount())
}

func drain(ch chan *Event) []*Event {
	var out []*Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
