package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloft/backend/internal/events"
)

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	heads  []http.Header
	status int
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.heads = append(c.heads, r.Header.Clone())
		status := c.status
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never held")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryFiltering(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{
		URL: "http://a", Events: []string{events.EventCreditsLow},
	}))
	require.NoError(t, reg.Register(&Subscription{URL: "http://b"})) // all events

	assert.Len(t, reg.SubscribersFor(events.EventCreditsLow), 2)
	assert.Len(t, reg.SubscribersFor(events.EventSandboxReaped), 1)

	require.Error(t, reg.Register(&Subscription{}))
}

func TestRegistryDisablesAfterFailures(t *testing.T) {
	reg := NewRegistry()
	sub := &Subscription{URL: "http://a"}
	require.NoError(t, reg.Register(sub))

	for i := 0; i < failuresToDisable; i++ {
		reg.MarkFailed(sub.ID)
	}
	assert.Empty(t, reg.SubscribersFor(events.EventCreditsLow))

	// a success streak before the threshold keeps it alive
	sub2 := &Subscription{URL: "http://b"}
	require.NoError(t, reg.Register(sub2))
	for i := 0; i < failuresToDisable-1; i++ {
		reg.MarkFailed(sub2.ID)
	}
	reg.MarkDelivered(sub2.ID)
	reg.MarkFailed(sub2.ID)
	assert.Len(t, reg.SubscribersFor(events.EventCreditsLow), 1)
}

func TestDeliverySignedPayload(t *testing.T) {
	srv, c := newCaptureServer(t, http.StatusOK)

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{URL: srv.URL, Secret: "s3cret"}))
	d := NewDispatcher(reg, 2)
	defer d.Shutdown()

	ev := events.New(events.EventCreditsExhausted, "codeloft/test", "sess-1",
		map[string]interface{}{"balance": 0})
	d.Deliver(ev)

	waitFor(t, func() bool { return c.count() == 1 })

	c.mu.Lock()
	body, head := c.bodies[0], c.heads[0]
	c.mu.Unlock()

	var got events.Event
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, events.EventCreditsExhausted, got.Type)
	assert.Equal(t, "sess-1", got.Subject)

	assert.Equal(t, events.EventCreditsExhausted, head.Get("X-Codeloft-Event-Type"))
	assert.Equal(t, ev.ID, head.Get("X-Codeloft-Event-ID"))
	assert.Equal(t, "sha256="+SignPayload(body, "s3cret"), head.Get("X-Codeloft-Signature"))
}

func TestDeliveryRetriesOnServerError(t *testing.T) {
	srv, c := newCaptureServer(t, http.StatusInternalServerError)

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{URL: srv.URL}))
	d := NewDispatcher(reg, 1)

	d.Deliver(events.New(events.EventSandboxReaped, "codeloft/test", "sb-1", nil))

	waitFor(t, func() bool { return c.count() == maxAttempts })
	time.Sleep(50 * time.Millisecond) // no fourth attempt
	assert.Equal(t, maxAttempts, c.count())
	d.Shutdown()
}

func TestDeliverySkipsNonMatchingEvents(t *testing.T) {
	srv, c := newCaptureServer(t, http.StatusOK)

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{
		URL: srv.URL, Events: []string{events.EventCreditsLow},
	}))
	d := NewDispatcher(reg, 1)
	defer d.Shutdown()

	d.Deliver(events.New(events.EventSandboxAssigned, "codeloft/test", "sess-1", nil))
	d.Deliver(events.New(events.EventCreditsLow, "codeloft/test", "sess-1", nil))

	waitFor(t, func() bool { return c.count() == 1 })
	c.mu.Lock()
	assert.Equal(t, events.EventCreditsLow, c.heads[0].Get("X-Codeloft-Event-Type"))
	c.mu.Unlock()
}

func TestRunForwardsBusEvents(t *testing.T) {
	srv, c := newCaptureServer(t, http.StatusOK)

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{URL: srv.URL}))
	d := NewDispatcher(reg, 1)
	defer d.Shutdown()

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, bus)

	waitFor(t, func() bool { return bus.SubscriberCount() == 1 })
	bus.Emit(events.EventUsageCommitted, "codeloft/meter", "sess-1",
		map[string]interface{}{"units": 3})

	waitFor(t, func() bool { return c.count() == 1 })
}
