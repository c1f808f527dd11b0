package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/codeloft/backend/internal/events"
)

// CloudDispatcher delivers webhooks through Google Cloud Tasks for durable,
// at-least-once delivery. The queue handles retry backoff, rate limits and
// dead-lettering; this side only enqueues one HTTP task per matching
// subscription. An optional in-memory Dispatcher catches enqueue failures.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *slog.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher connects to the Cloud Tasks queue identified by
// project/location/queue. fallbackWorkers > 0 adds an in-memory fallback.
func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks client: %w", err)
	}

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    slog.With("component", "webhooks"),
	}
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers)
	}

	cd.logger.Info("cloud tasks queue connected", "queue", cd.queuePath)
	return cd, nil
}

// Deliver enqueues one task per matching subscription.
func (cd *CloudDispatcher) Deliver(event *events.Event) {
	subs := cd.registry.SubscribersFor(event.Type)
	if len(subs) == 0 {
		return
	}
	payload, err := event.JSON()
	if err != nil {
		cd.logger.Error("marshal event", "error", err)
		return
	}
	for _, sub := range subs {
		cd.enqueue(sub, event, payload)
	}
}

func (cd *CloudDispatcher) enqueue(sub *Subscription, event *events.Event, payload []byte) {
	headers := http.Header{}
	setDeliveryHeaders(headers, sub, event.Type, event.ID, payload, 1)
	flat := make(map[string]string, len(headers))
	for k := range headers {
		flat[k] = headers.Get(k)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    flat,
					Body:       payload,
				},
			},
		},
	}

	// off the hot path; emitters never wait on the tasks API
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := cd.client.CreateTask(ctx, req); err != nil {
			cd.logger.Warn("cloud task enqueue failed",
				"event", event.ID, "webhook", sub.ID, "error", err)
			if cd.fallback != nil {
				cd.fallback.Deliver(event)
			}
		}
	}()
}

// Run forwards everything published on the bus until ctx ends.
func (cd *CloudDispatcher) Run(ctx context.Context, bus *events.Bus) {
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
			cd.Deliver(ev)
		}
	}
}

// Shutdown closes the tasks client and the fallback pool.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Warn("cloud tasks client close", "error", err)
	}
}

var _ Sink = (*CloudDispatcher)(nil)
