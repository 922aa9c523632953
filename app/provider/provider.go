package provider

import "context"

type ChargeInput struct {
	RequestID       string
	OrderID         uint64
	ExternalOrderID string

	AmountCents int64
	Currency    string

	BillingName  string
	BillingEmail string

	PaymentMethodToken string

	// IdempotencyKey is passed through to the provider where supported
	// so that a retried submission cannot double charge remotely.
	IdempotencyKey string

	Metadata map[string]string
}

type RefundInput struct {
	OrderID       uint64
	TransactionID string

	AmountCents int64
	Currency    string
	Reason      string

	IdempotencyKey string
}

type SubscriptionInput struct {
	OrderID         uint64
	ExternalOrderID string

	AmountCents int64
	Currency    string

	Interval      string
	IntervalCount int32

	BillingName        string
	BillingEmail       string
	PaymentMethodToken string

	// ProviderPlanID is required by providers that bill against a
	// pre-created plan (PayPal) and ignored by the rest.
	ProviderPlanID string
}

// Result is the normalized outcome of a single provider round trip.
// Outcome uses the entity outcome strings; RawStatus keeps the
// provider's own status for the event log.
type Result struct {
	Provider      string
	TransactionID string
	Outcome       string
	RawStatus     string
	AmountCents   int64
}

type SubscriptionResult struct {
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Status                 string
	RawStatus              string
}

// WebhookEvent is a verified, parsed provider callback. Kind/Outcome
// use the entity vocabulary; a zero Kind with SubscriptionCancelled set
// signals a subscription lifecycle event that does not touch an order.
type WebhookEvent struct {
	ProviderEventID string
	EventType       string

	Kind    string
	Outcome string

	OrderID        uint64
	TransactionID  string
	SubscriptionID string
	AmountCents    int64

	// RefundID carries the refund's own provider id on refund events.
	// AmountCents is then the amount of that single refund, not the
	// order's cumulative refunded total.
	RefundID string

	SubscriptionCancelled bool
}

// Adapter is the capability surface a payment provider has to offer.
// Adapters are stateless: one synchronous round trip per call, no local
// mutation, configuration passed in at construction.
type Adapter interface {
	Code() int32
	Name() string

	Charge(ctx context.Context, input *ChargeInput) (*Result, error)
	Refund(ctx context.Context, input *RefundInput) (*Result, error)

	CreateSubscription(ctx context.Context, input *SubscriptionInput) (*SubscriptionResult, error)
	CancelSubscription(ctx context.Context, providerSubscriptionID, reason string) error

	// GetPaymentStatus polls the provider for a transaction's current
	// outcome. An empty outcome means "nothing new".
	GetPaymentStatus(ctx context.Context, providerTransactionID string) (string, error)

	// VerifyAndParseWebhook authenticates the raw payload bytes against
	// the signature material and maps the provider event to an internal
	// one. The payload must never be re-serialized before verification.
	VerifyAndParseWebhook(ctx context.Context, payload []byte, signature string) (*WebhookEvent, error)
}
