// Package webhooks delivers runtime lifecycle and billing events to external
// HTTP endpoints. Subscriptions are filtered by event type, payloads are the
// CloudEvents envelopes from the event bus, and deliveries are signed with a
// per-subscription HMAC secret.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// failuresToDisable is how many consecutive failed deliveries deactivate a
// subscription. Re-registering reactivates it.
const failuresToDisable = 10

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"` // event types; empty matches everything
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
}

func (s *Subscription) matches(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Registry holds webhook subscriptions.
type Registry struct {
	mu     sync.RWMutex
	hooks  map[string]*Subscription
	logger *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		hooks:  make(map[string]*Subscription),
		logger: slog.With("component", "webhooks"),
	}
}

// Register adds or replaces a subscription. A missing id is assigned.
func (r *Registry) Register(sub *Subscription) error {
	if sub.URL == "" {
		return fmt.Errorf("webhook url required")
	}
	if sub.ID == "" {
		sub.ID = "wh-" + uuid.NewString()[:8]
	}
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	sub.FailCount = 0

	r.mu.Lock()
	r.hooks[sub.ID] = sub
	r.mu.Unlock()

	r.logger.Info("webhook registered", "id", sub.ID, "url", sub.URL, "events", sub.Events)
	return nil
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[id]; !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.hooks, id)
	r.logger.Info("webhook unregistered", "id", id)
	return nil
}

// SubscribersFor returns active subscriptions matching an event type.
func (r *Registry) SubscribersFor(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.hooks {
		if sub.Active && sub.matches(eventType) {
			out = append(out, sub)
		}
	}
	return out
}

// List returns all subscriptions, active or not.
func (r *Registry) List() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		out = append(out, sub)
	}
	return out
}

// MarkFailed counts a failed delivery and deactivates the subscription after
// too many in a row.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= failuresToDisable {
		sub.Active = false
		r.logger.Warn("webhook disabled after repeated failures",
			"id", id, "failures", sub.FailCount)
	}
}

// MarkDelivered resets the failure streak.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload computes the HMAC-SHA256 signature receivers verify.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
