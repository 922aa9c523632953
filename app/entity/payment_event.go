package entity

import "time"

const (
	EventKindCharge              = "charge"
	EventKindRefund              = "refund"
	EventKindSubscriptionRenewal = "subscription_renewal"
)

const (
	OutcomeSucceeded      = "succeeded"
	OutcomeFailed         = "failed"
	OutcomePending        = "pending"
	OutcomeRequiresAction = "requires_action"
)

// PaymentEvent is the append-only log entry for everything applied to
// an order. EventID is the idempotency witness: outbound operations use
// a generated uuid, inbound webhooks use the provider event id, so a
// redelivered or replayed event hits the same id.
type PaymentEvent struct {
	ID uint64

	EventID string
	OrderID uint64

	Kind    string
	Outcome string

	OldStatus *int32
	NewStatus int32

	ProviderTransactionID *string
	ProviderEventID       *string

	AmountCents int64
	Note        *string

	CreatedAt time.Time
}
