package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
	"github.com/advancedpay/ms-go-payment-core/app/idempotency"
	"github.com/advancedpay/ms-go-payment-core/app/provider"
	"github.com/advancedpay/ms-go-payment-core/app/reconcile"
	"github.com/advancedpay/ms-go-payment-core/app/repository"
	"github.com/advancedpay/ms-go-payment-core/app/types"
	"github.com/advancedpay/ms-go-payment-core/config"
)

type serviceOrderRepo struct {
	orders map[uint64]*entity.Order
	nextID uint64
}

func newServiceOrderRepo() *serviceOrderRepo {
	return &serviceOrderRepo{orders: map[uint64]*entity.Order{}, nextID: 1}
}

func (r *serviceOrderRepo) Create(_ context.Context, order *entity.Order) error {
	for _, item := range r.orders {
		if item.CallerService == order.CallerService && item.RequestID == order.RequestID {
			return repository.ErrOrderAlreadyExists
		}
	}
	id := r.nextID
	r.nextID++
	copyItem := *order
	copyItem.ID = id
	r.orders[id] = &copyItem
	order.ID = id
	return nil
}

func (r *serviceOrderRepo) Update(_ context.Context, order *entity.Order) error {
	if _, ok := r.orders[order.ID]; !ok {
		return repository.ErrOrderNotFound
	}
	copyItem := *order
	r.orders[order.ID] = &copyItem
	return nil
}

func (r *serviceOrderRepo) FindByID(_ context.Context, id uint64) (*entity.Order, error) {
	item, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *serviceOrderRepo) FindByCallerRequestID(_ context.Context, callerService, requestID string) (*entity.Order, error) {
	for _, item := range r.orders {
		if item.CallerService == callerService && item.RequestID == requestID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *serviceOrderRepo) FindByTransactionID(_ context.Context, providerCode int32, transactionID string) (*entity.Order, error) {
	for _, item := range r.orders {
		if item.Provider == providerCode && item.TransactionID != nil && *item.TransactionID == transactionID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *serviceOrderRepo) List(_ context.Context, filter repository.OrderFilter) ([]*entity.Order, error) {
	items := make([]*entity.Order, 0)
	for _, item := range r.orders {
		if filter.CallerService != "" && item.CallerService != filter.CallerService {
			continue
		}
		if filter.ExternalOrderID != "" && item.ExternalOrderID != filter.ExternalOrderID {
			continue
		}
		if filter.HasStatus && item.Status != filter.Status {
			continue
		}
		copyItem := *item
		items = append(items, &copyItem)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	return items, nil
}

func (r *serviceOrderRepo) ListForReconcile(_ context.Context, updatedBefore time.Time, limit int32) ([]*entity.Order, error) {
	items := make([]*entity.Order, 0)
	for _, item := range r.orders {
		if (item.Status == entity.OrderStatusPending || item.Status == entity.OrderStatusProcessing) && item.UpdatedAt.Before(updatedBefore) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return items, nil
}

func (r *serviceOrderRepo) ListDueNotifyDispatch(_ context.Context, now time.Time, limit int32) ([]*entity.Order, error) {
	items := make([]*entity.Order, 0)
	for _, item := range r.orders {
		if item.NotifyDeliveryStatus != entity.NotifyDeliveryPending {
			continue
		}
		if item.NotifyDeliveryNextAt != nil && item.NotifyDeliveryNextAt.After(now) {
			continue
		}
		copyItem := *item
		items = append(items, &copyItem)
	}
	return items, nil
}

type serviceSubRepo struct {
	subs   map[uint64]*entity.Subscription
	nextID uint64
}

func newServiceSubRepo() *serviceSubRepo {
	return &serviceSubRepo{subs: map[uint64]*entity.Subscription{}, nextID: 1}
}

func (r *serviceSubRepo) Create(_ context.Context, sub *entity.Subscription) error {
	id := r.nextID
	r.nextID++
	copyItem := *sub
	copyItem.ID = id
	r.subs[id] = &copyItem
	sub.ID = id
	return nil
}

func (r *serviceSubRepo) Update(_ context.Context, sub *entity.Subscription) error {
	if _, ok := r.subs[sub.ID]; !ok {
		return repository.ErrSubscriptionNotFound
	}
	copyItem := *sub
	r.subs[sub.ID] = &copyItem
	return nil
}

func (r *serviceSubRepo) FindByID(_ context.Context, id uint64) (*entity.Subscription, error) {
	item, ok := r.subs[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *serviceSubRepo) FindByProviderSubscriptionID(_ context.Context, providerCode int32, providerSubscriptionID string) (*entity.Subscription, error) {
	for _, item := range r.subs {
		if item.Provider == providerCode && item.ProviderSubscriptionID != nil && *item.ProviderSubscriptionID == providerSubscriptionID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

type serviceDeliveryRepo struct {
	deliveries []*entity.WebhookDelivery
}

func (r *serviceDeliveryRepo) Create(_ context.Context, delivery *entity.WebhookDelivery) error {
	copyItem := *delivery
	r.deliveries = append(r.deliveries, &copyItem)
	return nil
}

type serviceEventRepo struct {
	seen   map[string]bool
	events []*entity.PaymentEvent
}

func newServiceEventRepo() *serviceEventRepo {
	return &serviceEventRepo{seen: map[string]bool{}}
}

func (r *serviceEventRepo) Create(_ context.Context, event *entity.PaymentEvent) error {
	if r.seen[event.EventID] {
		return repository.ErrEventAlreadyExists
	}
	r.seen[event.EventID] = true
	copyItem := *event
	r.events = append(r.events, &copyItem)
	return nil
}

func (r *serviceEventRepo) ExistsByEventID(_ context.Context, eventID string) (bool, error) {
	return r.seen[eventID], nil
}

type fakeAdapter struct {
	code int32
	name string

	chargeCalls  int
	chargeResult *provider.Result
	chargeErr    error

	refundCalls  int
	refundResult *provider.Result
	refundErr    error

	subResult *provider.SubscriptionResult
	subErr    error

	cancelCalls int
	cancelErr   error

	statusOutcome string
	statusErr     error

	webhookEvent *provider.WebhookEvent
	webhookErr   error
}

func (p *fakeAdapter) Code() int32  { return p.code }
func (p *fakeAdapter) Name() string { return p.name }

func (p *fakeAdapter) Charge(context.Context, *provider.ChargeInput) (*provider.Result, error) {
	p.chargeCalls++
	if p.chargeErr != nil {
		return nil, p.chargeErr
	}
	if p.chargeResult != nil {
		return p.chargeResult, nil
	}
	return &provider.Result{Provider: p.name, TransactionID: "tx-" + strconv.Itoa(p.chargeCalls), Outcome: entity.OutcomeSucceeded, RawStatus: "succeeded"}, nil
}

func (p *fakeAdapter) Refund(context.Context, *provider.RefundInput) (*provider.Result, error) {
	p.refundCalls++
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	if p.refundResult != nil {
		return p.refundResult, nil
	}
	return &provider.Result{Provider: p.name, TransactionID: "ref-" + strconv.Itoa(p.refundCalls), Outcome: entity.OutcomeSucceeded, RawStatus: "succeeded"}, nil
}

func (p *fakeAdapter) CreateSubscription(context.Context, *provider.SubscriptionInput) (*provider.SubscriptionResult, error) {
	if p.subErr != nil {
		return nil, p.subErr
	}
	if p.subResult != nil {
		return p.subResult, nil
	}
	return &provider.SubscriptionResult{Provider: p.name, ProviderSubscriptionID: "psub-1", Status: "active"}, nil
}

func (p *fakeAdapter) CancelSubscription(context.Context, string, string) error {
	p.cancelCalls++
	return p.cancelErr
}

func (p *fakeAdapter) GetPaymentStatus(context.Context, string) (string, error) {
	if p.statusErr != nil {
		return "", p.statusErr
	}
	return p.statusOutcome, nil
}

func (p *fakeAdapter) VerifyAndParseWebhook(context.Context, []byte, string) (*provider.WebhookEvent, error) {
	if p.webhookErr != nil {
		return nil, p.webhookErr
	}
	return p.webhookEvent, nil
}

type serviceFixture struct {
	orderRepo    *serviceOrderRepo
	subRepo      *serviceSubRepo
	deliveryRepo *serviceDeliveryRepo
	eventRepo    *serviceEventRepo
	adapter      *fakeAdapter
	svc          *PaymentService
}

func newServiceFixture(adapter *fakeAdapter) *serviceFixture {
	orderRepo := newServiceOrderRepo()
	subRepo := newServiceSubRepo()
	deliveryRepo := &serviceDeliveryRepo{}
	eventRepo := newServiceEventRepo()
	reconciler := reconcile.NewReconciler(orderRepo, eventRepo)

	svc := NewPaymentService(
		orderRepo,
		subRepo,
		deliveryRepo,
		reconciler,
		idempotency.NewMemoryStore(),
		nil,
		provider.NewRegistry(adapter),
		config.PaymentsConfig{
			IdempotencyTTL:      time.Hour,
			NotifyMaxAttempts:   3,
			NotifyRetryInterval: time.Second,
			NotifyHTTPTimeout:   time.Second,
			ReconcileStaleAfter: time.Minute,
			JobBatchSize:        100,
		},
		"payment-core-key",
	)

	return &serviceFixture{
		orderRepo:    orderRepo,
		subRepo:      subRepo,
		deliveryRepo: deliveryRepo,
		eventRepo:    eventRepo,
		adapter:      adapter,
		svc:          svc,
	}
}

func stripeFake() *fakeAdapter {
	return &fakeAdapter{code: entity.ProviderStripe, name: "stripe"}
}

func chargeRequest() *types.ChargeRequest {
	return &types.ChargeRequest{
		RequestID:          "req-1",
		CallerService:      "checkout",
		ExternalOrderID:    "ext-1",
		AmountCents:        1000,
		Currency:           "USD",
		Provider:           "stripe",
		BillingName:        "Ada Lovelace",
		BillingEmail:       "ada@example.com",
		PaymentMethodToken: "pm_card",
		NotifyURL:          "https://shop.example.com/notify",
	}
}

func TestChargeSucceeds(t *testing.T) {
	f := newServiceFixture(stripeFake())

	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != entity.OrderStatusPaid {
		t.Fatalf("unexpected status: %d", order.Status)
	}
	if order.TransactionID == nil || *order.TransactionID != "tx-1" {
		t.Fatal("expected transaction id to be set")
	}
	if f.adapter.chargeCalls != 1 {
		t.Fatalf("expected one provider call, got %d", f.adapter.chargeCalls)
	}
	if len(f.eventRepo.events) != 1 || f.eventRepo.events[0].Kind != entity.EventKindCharge {
		t.Fatalf("unexpected event log: %+v", f.eventRepo.events)
	}
}

func TestChargeIdempotentByCallerRequestID(t *testing.T) {
	f := newServiceFixture(stripeFake())

	first, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same order, got %d and %d", first.ID, second.ID)
	}
	if f.adapter.chargeCalls != 1 {
		t.Fatalf("resubmission must not charge again, got %d calls", f.adapter.chargeCalls)
	}
}

func TestChargeRequiresRequestIDAndCaller(t *testing.T) {
	f := newServiceFixture(stripeFake())

	req := chargeRequest()
	req.RequestID = ""
	if _, err := f.svc.Charge(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}

	req = chargeRequest()
	req.CallerService = ""
	if _, err := f.svc.Charge(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestChargeDeclinedMarksOrderFailed(t *testing.T) {
	adapter := stripeFake()
	adapter.chargeErr = &provider.Error{Provider: "stripe", Kind: provider.ErrorKindDeclined, Message: "card declined"}
	f := newServiceFixture(adapter)

	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected decline error, got %v", err)
	}
	if order == nil || order.Status != entity.OrderStatusFailed {
		t.Fatalf("expected failed order, got %+v", order)
	}
}

func TestChargeNetworkErrorReleasesReservation(t *testing.T) {
	adapter := stripeFake()
	adapter.chargeErr = &provider.Error{Provider: "stripe", Kind: provider.ErrorKindNetwork, Message: "timeout"}
	f := newServiceFixture(adapter)

	_, err := f.svc.Charge(context.Background(), chargeRequest())
	if err == nil {
		t.Fatal("expected network error")
	}

	// The order exists in pending; the reservation was released so a
	// later reconcile or retry path is not blocked.
	stored, err := f.orderRepo.FindByCallerRequestID(context.Background(), "checkout", "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored == nil || stored.Status != entity.OrderStatusPending {
		t.Fatalf("expected pending order, got %+v", stored)
	}
}

func TestChargeRetryAfterNetworkErrorReachesProvider(t *testing.T) {
	adapter := stripeFake()
	adapter.chargeErr = &provider.Error{Provider: "stripe", Kind: provider.ErrorKindNetwork, Message: "connection reset"}
	f := newServiceFixture(adapter)

	if _, err := f.svc.Charge(context.Background(), chargeRequest()); err == nil {
		t.Fatal("expected network error")
	}

	// The caller retries with the same request id once the provider is
	// reachable again. The pending order is picked up and submitted, not
	// replayed as if it had concluded.
	adapter.chargeErr = nil
	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != entity.OrderStatusPaid {
		t.Fatalf("expected paid after retry, got %d", order.Status)
	}
	if adapter.chargeCalls != 2 {
		t.Fatalf("retry must reach the provider again, got %d calls", adapter.chargeCalls)
	}
	if len(f.orderRepo.orders) != 1 {
		t.Fatalf("retry must reuse the pending order, got %d orders", len(f.orderRepo.orders))
	}
}

func TestChargeRecurringCreatesSubscription(t *testing.T) {
	f := newServiceFixture(stripeFake())

	req := chargeRequest()
	req.Recurring = &types.RecurringSpec{Interval: "month", IntervalCount: 1}

	order, err := f.svc.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.SubscriptionID == nil {
		t.Fatal("expected subscription to be linked")
	}
	sub, err := f.subRepo.FindByID(context.Background(), *order.SubscriptionID)
	if err != nil || sub == nil {
		t.Fatalf("expected subscription row, got %v %v", sub, err)
	}
	if sub.Status != entity.SubscriptionStatusActive {
		t.Fatalf("unexpected subscription status: %d", sub.Status)
	}
	if sub.ProviderSubscriptionID == nil || *sub.ProviderSubscriptionID != "psub-1" {
		t.Fatal("expected provider subscription id")
	}
}

func TestRefundPartialThenFull(t *testing.T) {
	f := newServiceFixture(stripeFake())

	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	refunded, err := f.svc.Refund(context.Background(), &types.RefundRequest{
		OrderID: order.ID, RequestID: "ref-req-1", AmountCents: 400,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refunded.Status != entity.OrderStatusPartiallyRefunded {
		t.Fatalf("expected partial refund, got %d", refunded.Status)
	}
	if refunded.RefundedCents != 400 {
		t.Fatalf("unexpected refunded total: %d", refunded.RefundedCents)
	}

	refunded, err = f.svc.Refund(context.Background(), &types.RefundRequest{
		OrderID: order.ID, RequestID: "ref-req-2", AmountCents: 600,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refunded.Status != entity.OrderStatusRefunded {
		t.Fatalf("expected full refund, got %d", refunded.Status)
	}
	if f.adapter.refundCalls != 2 {
		t.Fatalf("expected two provider refunds, got %d", f.adapter.refundCalls)
	}
}

func TestRefundBeforeChargeNeverReachesProvider(t *testing.T) {
	adapter := stripeFake()
	f := newServiceFixture(adapter)

	order := &entity.Order{
		RequestID: "req-p", CallerService: "checkout", ExternalOrderID: "ext-p",
		AmountCents: 1000, Currency: "USD", Status: entity.OrderStatusPending,
		Provider: entity.ProviderStripe, RefundableCents: 1000,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := f.orderRepo.Create(context.Background(), order); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := f.svc.Refund(context.Background(), &types.RefundRequest{
		OrderID: order.ID, RequestID: "ref-req", AmountCents: 100,
	})
	if !errors.Is(err, reconcile.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if adapter.refundCalls != 0 {
		t.Fatal("provider must not be called for an invalid refund")
	}
}

func TestRefundDuplicateRequestReplaysOutcome(t *testing.T) {
	f := newServiceFixture(stripeFake())

	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := &types.RefundRequest{OrderID: order.ID, RequestID: "ref-req", AmountCents: 400}
	if _, err := f.svc.Refund(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	replayed, err := f.svc.Refund(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replayed.RefundedCents != 400 {
		t.Fatalf("unexpected refunded total after replay: %d", replayed.RefundedCents)
	}
	if f.adapter.refundCalls != 1 {
		t.Fatalf("duplicate refund must not call the provider again, got %d", f.adapter.refundCalls)
	}
}

func TestRenewSubscriptionChargesNewOrder(t *testing.T) {
	f := newServiceFixture(stripeFake())

	req := chargeRequest()
	req.Recurring = &types.RecurringSpec{Interval: "month", IntervalCount: 1}
	origin, err := f.svc.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	renewal, err := f.svc.RenewSubscription(context.Background(), &types.RenewSubscriptionRequest{
		SubscriptionID: *origin.SubscriptionID,
		RequestID:      "renew-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renewal.ID == origin.ID {
		t.Fatal("renewal must create a fresh order")
	}
	if renewal.Status != entity.OrderStatusPaid {
		t.Fatalf("unexpected renewal status: %d", renewal.Status)
	}

	sub, _ := f.subRepo.FindByID(context.Background(), *origin.SubscriptionID)
	if sub.Status != entity.SubscriptionStatusActive {
		t.Fatalf("unexpected subscription status: %d", sub.Status)
	}
}

func TestRenewSubscriptionFailureMarksPastDue(t *testing.T) {
	adapter := stripeFake()
	f := newServiceFixture(adapter)

	req := chargeRequest()
	req.Recurring = &types.RecurringSpec{Interval: "month", IntervalCount: 1}
	origin, err := f.svc.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	adapter.chargeErr = &provider.Error{Provider: "stripe", Kind: provider.ErrorKindDeclined, Message: "insufficient funds"}
	renewal, err := f.svc.RenewSubscription(context.Background(), &types.RenewSubscriptionRequest{
		SubscriptionID: *origin.SubscriptionID,
		RequestID:      "renew-fail",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renewal.Status != entity.OrderStatusFailed {
		t.Fatalf("unexpected renewal status: %d", renewal.Status)
	}

	sub, _ := f.subRepo.FindByID(context.Background(), *origin.SubscriptionID)
	if sub.Status != entity.SubscriptionStatusPastDue {
		t.Fatalf("expected past due subscription, got %d", sub.Status)
	}
}

func TestCancelSubscription(t *testing.T) {
	f := newServiceFixture(stripeFake())

	req := chargeRequest()
	req.Recurring = &types.RecurringSpec{Interval: "month", IntervalCount: 1}
	origin, err := f.svc.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sub, err := f.svc.CancelSubscription(context.Background(), &types.CancelSubscriptionRequest{
		SubscriptionID: *origin.SubscriptionID,
		Reason:         "customer request",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Status != entity.SubscriptionStatusCancelled {
		t.Fatalf("unexpected status: %d", sub.Status)
	}
	if f.adapter.cancelCalls != 1 {
		t.Fatalf("expected provider cancel call, got %d", f.adapter.cancelCalls)
	}

	// Cancelling again is a no-op.
	if _, err := f.svc.CancelSubscription(context.Background(), &types.CancelSubscriptionRequest{
		SubscriptionID: *origin.SubscriptionID,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.adapter.cancelCalls != 1 {
		t.Fatal("second cancel must not call the provider")
	}
}
