package entity

import "time"

const (
	WebhookDeliveryProcessed int32 = 10
	WebhookDeliveryDuplicate int32 = 11
	WebhookDeliveryRejected  int32 = 20
)

// WebhookDelivery records every inbound provider callback, verified or
// not, for audit and redelivery debugging.
type WebhookDelivery struct {
	ID uint64

	OrderID *uint64

	Provider        string
	ProviderEventID *string
	EventType       string
	Signature       string
	PayloadJSON     string
	Status          int32
	Error           *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
