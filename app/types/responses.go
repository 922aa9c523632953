package types

import "time"

type Order struct {
	ID uint64 `json:"id"`

	RequestID     string `json:"request_id"`
	CallerService string `json:"caller_service"`

	ExternalOrderID string  `json:"external_order_id"`
	CustomerRef     *string `json:"customer_ref,omitempty"`

	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`

	Status   string `json:"status"`
	Provider string `json:"provider"`

	TransactionID  *string `json:"transaction_id,omitempty"`
	SubscriptionID *uint64 `json:"subscription_id,omitempty"`

	RefundedCents   int64 `json:"refunded_cents"`
	RefundableCents int64 `json:"refundable_cents"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type OrderEnvelopeResponse struct {
	Order *Order `json:"order"`
}

type OrderListResponse struct {
	Orders []*Order `json:"orders"`
}

type Subscription struct {
	ID uint64 `json:"id"`

	OriginOrderID uint64 `json:"origin_order_id"`
	Provider      string `json:"provider"`

	ProviderSubscriptionID *string `json:"provider_subscription_id,omitempty"`

	Status string `json:"status"`

	Interval      string `json:"interval"`
	IntervalCount int32  `json:"interval_count"`

	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`

	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

type SubscriptionEnvelopeResponse struct {
	Subscription *Subscription `json:"subscription"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
