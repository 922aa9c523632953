package entity

import "time"

const (
	OrderStatusPending           int32 = 1
	OrderStatusProcessing        int32 = 2
	OrderStatusPaid              int32 = 3
	OrderStatusFailed            int32 = 4
	OrderStatusRefunded          int32 = 5
	OrderStatusPartiallyRefunded int32 = 6
)

const (
	ProviderStripe int32 = 1
	ProviderPayPal int32 = 2
)

const (
	NotifyDeliveryNone    int32 = 0
	NotifyDeliveryPending int32 = 1
	NotifyDeliverySuccess int32 = 10
	NotifyDeliveryFailed  int32 = 20
)

// Order is the service-side record of a host order going through a
// payment flow. Status only changes through the reconciler; amounts are
// integer minor currency units.
type Order struct {
	ID uint64

	RequestID     string
	CallerService string

	ExternalOrderID string
	CustomerRef     *string

	AmountCents int64
	Currency    string

	Status   int32
	Provider int32

	BillingName  string
	BillingEmail string

	// TransactionID is the provider-assigned id of the successful
	// charge. Set at most once; refunds reference it.
	TransactionID *string

	SubscriptionID *uint64

	RefundedCents   int64
	RefundableCents int64

	NotifyURL string
	Metadata  map[string]string

	NotifyDeliveryStatus   int32
	NotifyDeliveryAttempts int32
	NotifyDeliveryNextAt   *time.Time
	NotifyDeliveryLastErr  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TerminalStatus reports whether a status should trigger a host
// notification and no further outbound transitions are expected.
func TerminalStatus(status int32) bool {
	switch status {
	case OrderStatusPaid, OrderStatusFailed, OrderStatusRefunded, OrderStatusPartiallyRefunded:
		return true
	default:
		return false
	}
}

func OrderStatusLabel(status int32) string {
	switch status {
	case OrderStatusPending:
		return "pending"
	case OrderStatusProcessing:
		return "processing"
	case OrderStatusPaid:
		return "paid"
	case OrderStatusFailed:
		return "failed"
	case OrderStatusRefunded:
		return "refunded"
	case OrderStatusPartiallyRefunded:
		return "partially_refunded"
	default:
		return "unknown"
	}
}

func ProviderLabel(provider int32) string {
	switch provider {
	case ProviderStripe:
		return "stripe"
	case ProviderPayPal:
		return "paypal"
	default:
		return "unknown"
	}
}
