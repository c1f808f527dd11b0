package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codeloft/backend/internal/events"
)

const maxAttempts = 3

// Sink is the delivery seam: the in-memory Dispatcher and the Cloud Tasks
// dispatcher both satisfy it.
type Sink interface {
	Deliver(event *events.Event)
	Shutdown()
}

type deliveryJob struct {
	sub     *Subscription
	event   *events.Event
	payload []byte
	attempt int
}

// Dispatcher delivers events over plain HTTP with a bounded worker pool.
// Delivery is at-most-once with bounded retry; endpoints that need durable
// delivery run behind the Cloud Tasks dispatcher instead.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	queue    chan *deliveryJob
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan *deliveryJob, 1000),
		logger:   slog.With("component", "webhooks"),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Deliver fans the event out to matching subscriptions. Never blocks; a full
// queue drops the delivery.
func (d *Dispatcher) Deliver(event *events.Event) {
	subs := d.registry.SubscribersFor(event.Type)
	if len(subs) == 0 {
		return
	}
	payload, err := event.JSON()
	if err != nil {
		d.logger.Error("marshal event", "error", err)
		return
	}
	for _, sub := range subs {
		select {
		case d.queue <- &deliveryJob{sub: sub, event: event, payload: payload, attempt: 1}:
		default:
			d.logger.Warn("delivery queue full, dropping",
				"event", event.ID, "webhook", sub.ID)
		}
	}
}

// Run forwards everything published on the bus until ctx ends. It subscribes
// to all event types; the per-subscription filter decides what goes out.
func (d *Dispatcher) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.Deliver(ev)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Error("build webhook request", "url", job.sub.URL, "error", err)
		return
	}
	setDeliveryHeaders(req.Header, job.sub, job.event.Type, job.event.ID, job.payload, job.attempt)

	resp, err := d.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			d.registry.MarkDelivered(job.sub.ID)
			return
		}
		err = fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}

	d.logger.Warn("webhook delivery failed",
		"webhook", job.sub.ID, "event", job.event.ID, "attempt", job.attempt, "error", err)
	d.registry.MarkFailed(job.sub.ID)

	if job.attempt < maxAttempts {
		job.attempt++
		time.Sleep(time.Duration(job.attempt*job.attempt) * 100 * time.Millisecond)
		select {
		case d.queue <- job:
		default:
		}
	}
}

func setDeliveryHeaders(h http.Header, sub *Subscription, eventType, eventID string, payload []byte, attempt int) {
	h.Set("Content-Type", "application/json")
	h.Set("X-Codeloft-Event-Type", eventType)
	h.Set("X-Codeloft-Event-ID", eventID)
	h.Set("X-Codeloft-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if sub.Secret != "" {
		h.Set("X-Codeloft-Signature", "sha256="+SignPayload(payload, sub.Secret))
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

var _ Sink = (*Dispatcher)(nil)
