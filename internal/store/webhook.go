package store

import (
	"sort"
	"sync"

	"github.com/efreitasn/certauction/internal/domain"
)

// WebhookStore is a thread-safe in-memory store for webhooks.
// Primary index: webhook_id → webhook.
// Secondary index: event → subscriber_id → webhook.
type WebhookStore struct {
	mu       sync.RWMutex
	webhooks map[string]*domain.Webhook
	byEvent  map[domain.EventType]map[string]*domain.Webhook
}

// NewWebhookStore creates an empty WebhookStore.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		webhooks: make(map[string]*domain.Webhook),
		byEvent:  make(map[domain.EventType]map[string]*domain.Webhook),
	}
}

// Upsert inserts or updates a subscription keyed by (subscriber_id, event).
// An existing subscription keeps its id and takes the new URL. It returns
// the stored webhook and whether it was newly created.
func (s *WebhookStore) Upsert(w *domain.Webhook) (*domain.Webhook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byEvent[w.Event][w.SubscriberID]; ok {
		if existing.URL != w.URL {
			existing.URL = w.URL
			existing.UpdatedAt = w.UpdatedAt
		}
		cp := *existing
		return &cp, false
	}

	stored := *w
	s.webhooks[w.WebhookID] = &stored
	if s.byEvent[w.Event] == nil {
		s.byEvent[w.Event] = make(map[string]*domain.Webhook)
	}
	s.byEvent[w.Event][w.SubscriberID] = &stored

	cp := stored
	return &cp, true
}

// Get retrieves a webhook by ID. It returns
// domain.ErrWebhookNotFound if the webhook does not exist.
func (s *WebhookStore) Get(id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	cp := *w
	return &cp, nil
}

// ListBySubscriber returns a subscriber's webhooks ordered by event.
func (s *WebhookStore) ListBySubscriber(subscriberID string) []*domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Webhook, 0)
	for _, subs := range s.byEvent {
		if w, ok := subs[subscriberID]; ok {
			cp := *w
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Event < result[j].Event })
	return result
}

// ListByEvent returns every subscription for an event type.
func (s *WebhookStore) ListByEvent(event domain.EventType) []*domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.byEvent[event]
	result := make([]*domain.Webhook, 0, len(subs))
	for _, w := range subs {
		cp := *w
		result = append(result, &cp)
	}
	return result
}

// Delete removes a webhook by ID from both indexes. It returns
// domain.ErrWebhookNotFound if the webhook does not exist.
func (s *WebhookStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}
	delete(s.webhooks, id)
	if subs, ok := s.byEvent[w.Event]; ok {
		delete(subs, w.SubscriberID)
		if len(subs) == 0 {
			delete(s.byEvent, w.Event)
		}
	}
	return nil
}
