// Package reconcile owns every order status change. All charge, refund
// and renewal outcomes, whether synchronous, webhook-delivered or
// polled, funnel through Apply; nothing else writes order status.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
	"github.com/advancedpay/ms-go-payment-core/app/repository"
)

// ErrInvalidTransition means the event is not legal for the order's
// current status. The order is left untouched.
var ErrInvalidTransition = errors.New("invalid order status transition")

type OrderStore interface {
	Update(ctx context.Context, order *entity.Order) error
}

type EventStore interface {
	Create(ctx context.Context, event *entity.PaymentEvent) error
	ExistsByEventID(ctx context.Context, eventID string) (bool, error)
}

type transitionKey struct {
	from    int32
	kind    string
	outcome string
}

// statusByRefundTotal marks rows whose target status depends on the
// cumulative refunded amount, resolved at apply time.
const statusByRefundTotal int32 = -1

var transitions = map[transitionKey]int32{
	{entity.OrderStatusPending, entity.EventKindCharge, entity.OutcomeSucceeded}:      entity.OrderStatusPaid,
	{entity.OrderStatusPending, entity.EventKindCharge, entity.OutcomeFailed}:         entity.OrderStatusFailed,
	{entity.OrderStatusPending, entity.EventKindCharge, entity.OutcomePending}:        entity.OrderStatusProcessing,
	{entity.OrderStatusPending, entity.EventKindCharge, entity.OutcomeRequiresAction}: entity.OrderStatusProcessing,

	{entity.OrderStatusProcessing, entity.EventKindCharge, entity.OutcomeSucceeded}: entity.OrderStatusPaid,
	{entity.OrderStatusProcessing, entity.EventKindCharge, entity.OutcomeFailed}:    entity.OrderStatusFailed,

	// A failed order may be retried with a fresh charge.
	{entity.OrderStatusFailed, entity.EventKindCharge, entity.OutcomeSucceeded}: entity.OrderStatusPaid,

	{entity.OrderStatusPaid, entity.EventKindRefund, entity.OutcomeSucceeded}:              statusByRefundTotal,
	{entity.OrderStatusPartiallyRefunded, entity.EventKindRefund, entity.OutcomeSucceeded}: statusByRefundTotal,

	{entity.OrderStatusPending, entity.EventKindSubscriptionRenewal, entity.OutcomeSucceeded}: entity.OrderStatusPaid,
	{entity.OrderStatusPending, entity.EventKindSubscriptionRenewal, entity.OutcomeFailed}:    entity.OrderStatusFailed,
}

// annotationKey marks events that are recorded in the log without
// changing order status. A failed refund leaves the order as it was,
// and a charge-failed confirmation for an order already failed is a
// record, not a transition.
var annotations = map[transitionKey]bool{
	{entity.OrderStatusPaid, entity.EventKindRefund, entity.OutcomeFailed}:              true,
	{entity.OrderStatusPartiallyRefunded, entity.EventKindRefund, entity.OutcomeFailed}: true,
	{entity.OrderStatusFailed, entity.EventKindCharge, entity.OutcomeFailed}:            true,
}

// lockStripes bounds the lock table. Orders hash onto a fixed set of
// mutexes; two orders sharing a stripe serialize against each other,
// which costs a little contention but keeps memory flat.
const lockStripes = 64

type Reconciler struct {
	orders OrderStore
	events EventStore

	locks [lockStripes]sync.Mutex
}

func NewReconciler(orders OrderStore, events EventStore) *Reconciler {
	return &Reconciler{
		orders: orders,
		events: events,
	}
}

// Apply validates the event against the order's current status, records
// it in the event log and persists the resulting order. It returns
// false without error when the event id has been applied before; the
// order is unchanged in that case. The per-order lock serializes
// concurrent events for the same order.
func (r *Reconciler) Apply(ctx context.Context, order *entity.Order, event *entity.PaymentEvent) (bool, error) {
	lock := r.orderLock(order.ID)
	lock.Lock()
	defer lock.Unlock()

	// The dedupe check runs before transition validation: a redelivered
	// event is a no-op even when the order has moved on since, and the
	// unique key on event_id still closes the remaining race.
	seen, err := r.events.ExistsByEventID(ctx, event.EventID)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	key := transitionKey{from: order.Status, kind: event.Kind, outcome: event.Outcome}

	if annotations[key] {
		return r.applyAnnotation(ctx, order, event)
	}

	newStatus, ok := transitions[key]
	if !ok {
		return false, ErrInvalidTransition
	}
	if newStatus == statusByRefundTotal {
		if entityRefundOverflows(order, event.AmountCents) {
			return false, ErrInvalidTransition
		}
		if order.RefundedCents+event.AmountCents >= order.RefundableCents {
			newStatus = entity.OrderStatusRefunded
		} else {
			newStatus = entity.OrderStatusPartiallyRefunded
		}
	}

	oldStatus := order.Status
	event.OrderID = order.ID
	event.OldStatus = &oldStatus
	event.NewStatus = newStatus
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	if err := r.events.Create(ctx, event); err != nil {
		if errors.Is(err, repository.ErrEventAlreadyExists) {
			return false, nil
		}
		return false, err
	}

	order.Status = newStatus
	if event.Kind == entity.EventKindRefund {
		order.RefundedCents += event.AmountCents
	}
	if event.ProviderTransactionID != nil && order.TransactionID == nil {
		order.TransactionID = event.ProviderTransactionID
	}
	if entity.TerminalStatus(newStatus) && order.NotifyURL != "" {
		order.NotifyDeliveryStatus = entity.NotifyDeliveryPending
		order.NotifyDeliveryNextAt = nil
	}
	order.UpdatedAt = time.Now()

	if err := r.orders.Update(ctx, order); err != nil {
		return false, err
	}

	return true, nil
}

func (r *Reconciler) applyAnnotation(ctx context.Context, order *entity.Order, event *entity.PaymentEvent) (bool, error) {
	oldStatus := order.Status
	event.OrderID = order.ID
	event.OldStatus = &oldStatus
	event.NewStatus = order.Status
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	if err := r.events.Create(ctx, event); err != nil {
		if errors.Is(err, repository.ErrEventAlreadyExists) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (r *Reconciler) orderLock(orderID uint64) *sync.Mutex {
	return &r.locks[orderID%lockStripes]
}

func entityRefundOverflows(order *entity.Order, amountCents int64) bool {
	return amountCents <= 0 || order.RefundedCents+amountCents > order.RefundableCents
}
