package service

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/store"
)

// Event types a webhook may subscribe to.
var validWebhookEvents = map[domain.EventType]bool{
	domain.EventAuctionStarted:   true,
	domain.EventAuctionEnded:     true,
	domain.EventAuctionCancelled: true,
	domain.EventBidPlaced:        true,
}

// UpsertWebhookRequest represents the input for webhook registration.
type UpsertWebhookRequest struct {
	SubscriberID string
	URL          string
	Events       []string
}

// WebhookService handles webhook CRUD and event dispatch. It implements
// engine.Notifier so it can sit next to the realtime hub.
type WebhookService struct {
	store  *store.WebhookStore
	client *http.Client
	logger *slog.Logger
}

// NewWebhookService creates a new WebhookService with the given dependencies.
func NewWebhookService(webhookStore *store.WebhookStore, webhookTimeout time.Duration, logger *slog.Logger) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		store: webhookStore,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
		logger: logger,
	}
}

// Upsert validates the request and creates or updates webhook subscriptions.
// Returns the resulting webhooks, whether any new subscriptions were created, and any error.
func (s *WebhookService) Upsert(req UpsertWebhookRequest) ([]*domain.Webhook, bool, error) {
	if !identifierRegex.MatchString(req.SubscriberID) {
		return nil, false, &domain.ValidationError{Message: "subscriber_id must match ^[a-zA-Z0-9_.-]{1,64}$"}
	}

	if req.URL == "" {
		return nil, false, &domain.ValidationError{Message: "url is required"}
	}
	if len(req.URL) > 2048 {
		return nil, false, &domain.ValidationError{Message: "url must be at most 2048 characters"}
	}
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || !parsed.IsAbs() {
		return nil, false, &domain.ValidationError{Message: "url must be a valid absolute URL"}
	}
	if parsed.Scheme != "https" {
		return nil, false, &domain.ValidationError{Message: "url must use https scheme"}
	}

	if len(req.Events) == 0 {
		return nil, false, &domain.ValidationError{Message: "events must be a non-empty array"}
	}

	// Deduplicate events while preserving order.
	seen := make(map[domain.EventType]bool, len(req.Events))
	events := make([]domain.EventType, 0, len(req.Events))
	for _, raw := range req.Events {
		event := domain.EventType(raw)
		if !validWebhookEvents[event] {
			return nil, false, &domain.ValidationError{
				Message: "Unknown event type: " + raw + ". Must be one of: " + webhookEventList(),
			}
		}
		if !seen[event] {
			seen[event] = true
			events = append(events, event)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	anyCreated := false
	webhooks := make([]*domain.Webhook, 0, len(events))
	for _, event := range events {
		w, created := s.store.Upsert(&domain.Webhook{
			WebhookID:    uuid.New().String(),
			SubscriberID: req.SubscriberID,
			Event:        event,
			URL:          req.URL,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		anyCreated = anyCreated || created
		webhooks = append(webhooks, w)
	}
	return webhooks, anyCreated, nil
}

// List returns all webhook subscriptions of a subscriber.
func (s *WebhookService) List(subscriberID string) ([]*domain.Webhook, error) {
	if subscriberID == "" {
		return nil, &domain.ValidationError{Message: "subscriber_id is required"}
	}
	return s.store.ListBySubscriber(subscriberID), nil
}

// Delete removes a webhook subscription by ID.
func (s *WebhookService) Delete(webhookID string) error {
	return s.store.Delete(webhookID)
}

// Publish posts the event to every subscription for its type.
// Fire-and-forget: delivery failures are logged and dropped.
func (s *WebhookService) Publish(ev domain.Event) {
	if !validWebhookEvents[ev.Type] {
		return
	}
	hooks := s.store.ListByEvent(ev.Type)
	if len(hooks) == 0 {
		return
	}
	body, err := ev.Encode()
	if err != nil {
		s.logger.Error("encode webhook event", "event", ev.Type, "error", err)
		return
	}
	for _, wh := range hooks {
		go s.deliver(wh, ev.Type, body)
	}
}

// deliver sends the payload via HTTP POST with the delivery headers.
func (s *WebhookService) deliver(wh *domain.Webhook, eventType domain.EventType, body []byte) {
	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", uuid.New().String())
	req.Header.Set("X-Webhook-Id", wh.WebhookID)
	req.Header.Set("X-Event-Type", string(eventType))

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("webhook delivery failed", "webhook_id", wh.WebhookID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Debug("webhook delivery rejected", "webhook_id", wh.WebhookID, "status", resp.StatusCode)
	}
}

func webhookEventList() string {
	return strings.Join([]string{
		string(domain.EventAuctionStarted),
		string(domain.EventAuctionEnded),
		string(domain.EventAuctionCancelled),
		string(domain.EventBidPlaced),
	}, ", ")
}
