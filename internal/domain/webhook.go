package domain

import "time"

// Webhook is a subscriber's registration for one outbound event type.
type Webhook struct {
	WebhookID    string
	SubscriberID string
	Event        EventType
	URL          string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
