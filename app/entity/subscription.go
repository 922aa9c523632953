package entity

import "time"

const (
	SubscriptionStatusActive    int32 = 1
	SubscriptionStatusPastDue   int32 = 2
	SubscriptionStatusCancelled int32 = 3
	SubscriptionStatusSuspended int32 = 4
)

// Subscription links a recurring order lineage to a provider
// subscription. Only renewal events and explicit cancellation mutate it.
type Subscription struct {
	ID uint64

	OriginOrderID uint64
	Provider      int32

	ProviderSubscriptionID *string
	ProviderCustomerID     *string
	PaymentMethodToken     *string

	Status int32

	Interval      string
	IntervalCount int32

	AmountCents int64
	Currency    string

	CurrentPeriodEnd *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func SubscriptionStatusLabel(status int32) string {
	switch status {
	case SubscriptionStatusActive:
		return "active"
	case SubscriptionStatusPastDue:
		return "past_due"
	case SubscriptionStatusCancelled:
		return "cancelled"
	case SubscriptionStatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}
