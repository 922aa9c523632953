package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
	"github.com/advancedpay/ms-go-payment-core/app/provider"
	"github.com/advancedpay/ms-go-payment-core/app/types"
)

func webhookRequest(payload string) *types.WebhookRequest {
	return &types.WebhookRequest{
		RequestID: "wh-req",
		Provider:  "stripe",
		Signature: "t=1,v1=sig",
		Payload:   []byte(payload),
	}
}

func TestHandleProviderWebhookAppliesEvent(t *testing.T) {
	adapter := stripeFake()
	f := newServiceFixture(adapter)

	// Asynchronous provider: the charge stays processing until the
	// webhook arrives.
	adapter.chargeResult = &provider.Result{Provider: "stripe", TransactionID: "tx-1", Outcome: entity.OutcomePending, RawStatus: "processing"}
	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != entity.OrderStatusProcessing {
		t.Fatalf("unexpected status: %d", order.Status)
	}

	adapter.webhookEvent = &provider.WebhookEvent{
		ProviderEventID: "evt-1",
		EventType:       "payment_intent.succeeded",
		Kind:            entity.EventKindCharge,
		Outcome:         entity.OutcomeSucceeded,
		OrderID:         order.ID,
		TransactionID:   "tx-1",
		AmountCents:     1000,
	}

	updated, err := f.svc.HandleProviderWebhook(context.Background(), webhookRequest(`{"id":"evt-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != entity.OrderStatusPaid {
		t.Fatalf("unexpected status: %d", updated.Status)
	}
	if len(f.deliveryRepo.deliveries) != 1 || f.deliveryRepo.deliveries[0].Status != entity.WebhookDeliveryProcessed {
		t.Fatalf("unexpected delivery log: %+v", f.deliveryRepo.deliveries)
	}
}

func TestHandleProviderWebhookBadSignature(t *testing.T) {
	adapter := stripeFake()
	adapter.webhookErr = &provider.Error{Provider: "stripe", Kind: provider.ErrorKindAuth, Message: "invalid signature"}
	f := newServiceFixture(adapter)

	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	statusBefore := order.Status

	_, err = f.svc.HandleProviderWebhook(context.Background(), webhookRequest(`{"id":"evt-bad"}`))
	if !errors.Is(err, ErrWebhookRejected) {
		t.Fatalf("expected webhook rejection, got %v", err)
	}

	stored, _ := f.orderRepo.FindByID(context.Background(), order.ID)
	if stored.Status != statusBefore {
		t.Fatal("rejected webhook must not touch the order")
	}
	if len(f.deliveryRepo.deliveries) != 1 || f.deliveryRepo.deliveries[0].Status != entity.WebhookDeliveryRejected {
		t.Fatalf("expected rejected delivery record, got %+v", f.deliveryRepo.deliveries)
	}
}

func TestHandleProviderWebhookRedeliveryIsDuplicate(t *testing.T) {
	adapter := stripeFake()
	f := newServiceFixture(adapter)

	adapter.chargeResult = &provider.Result{Provider: "stripe", TransactionID: "tx-1", Outcome: entity.OutcomePending, RawStatus: "processing"}
	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	adapter.webhookEvent = &provider.WebhookEvent{
		ProviderEventID: "evt-1",
		EventType:       "payment_intent.succeeded",
		Kind:            entity.EventKindCharge,
		Outcome:         entity.OutcomeSucceeded,
		OrderID:         order.ID,
		TransactionID:   "tx-1",
	}

	if _, err := f.svc.HandleProviderWebhook(context.Background(), webhookRequest(`{"id":"evt-1"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.svc.HandleProviderWebhook(context.Background(), webhookRequest(`{"id":"evt-1"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.deliveryRepo.deliveries) != 2 {
		t.Fatalf("expected two delivery records, got %d", len(f.deliveryRepo.deliveries))
	}
	if f.deliveryRepo.deliveries[1].Status != entity.WebhookDeliveryDuplicate {
		t.Fatalf("expected duplicate status, got %d", f.deliveryRepo.deliveries[1].Status)
	}

	stored, _ := f.orderRepo.FindByID(context.Background(), order.ID)
	if stored.Status != entity.OrderStatusPaid {
		t.Fatalf("unexpected status after redelivery: %d", stored.Status)
	}
}

func TestHandleProviderWebhookChargeEchoIsDuplicate(t *testing.T) {
	adapter := stripeFake()
	f := newServiceFixture(adapter)

	// Synchronous success; the provider still sends its confirmation
	// webhook for the same transaction afterwards.
	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != entity.OrderStatusPaid {
		t.Fatalf("unexpected status: %d", order.Status)
	}

	adapter.webhookEvent = &provider.WebhookEvent{
		ProviderEventID: "evt-echo",
		EventType:       "payment_intent.succeeded",
		Kind:            entity.EventKindCharge,
		Outcome:         entity.OutcomeSucceeded,
		OrderID:         order.ID,
		TransactionID:   "tx-1",
		AmountCents:     1000,
	}

	if _, err := f.svc.HandleProviderWebhook(context.Background(), webhookRequest(`{"id":"evt-echo"}`)); err != nil {
		t.Fatalf("confirmation of an applied charge must be accepted: %v", err)
	}
	if len(f.deliveryRepo.deliveries) != 1 || f.deliveryRepo.deliveries[0].Status != entity.WebhookDeliveryDuplicate {
		t.Fatalf("expected duplicate delivery, got %+v", f.deliveryRepo.deliveries)
	}

	stored, _ := f.orderRepo.FindByID(context.Background(), order.ID)
	if stored.Status != entity.OrderStatusPaid {
		t.Fatalf("unexpected status after echo: %d", stored.Status)
	}
}

func TestHandleProviderWebhookRefundEchoIsDuplicate(t *testing.T) {
	adapter := stripeFake()
	f := newServiceFixture(adapter)

	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	refunded, err := f.svc.Refund(context.Background(), &types.RefundRequest{
		OrderID: order.ID, RequestID: "ref-req", AmountCents: 400,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refunded.RefundedCents != 400 {
		t.Fatalf("unexpected refunded total: %d", refunded.RefundedCents)
	}

	// The provider confirms the refund this service submitted; the
	// refund id matches the recorded event and must not count again.
	adapter.webhookEvent = &provider.WebhookEvent{
		ProviderEventID: "evt-refund-echo",
		EventType:       "charge.refunded",
		Kind:            entity.EventKindRefund,
		Outcome:         entity.OutcomeSucceeded,
		OrderID:         order.ID,
		TransactionID:   "tx-1",
		RefundID:        "ref-1",
		AmountCents:     400,
	}

	if _, err := f.svc.HandleProviderWebhook(context.Background(), webhookRequest(`{"id":"evt-refund-echo"}`)); err != nil {
		t.Fatalf("refund confirmation must be accepted: %v", err)
	}

	stored, _ := f.orderRepo.FindByID(context.Background(), order.ID)
	if stored.RefundedCents != 400 {
		t.Fatalf("refund echo must not double count, got %d", stored.RefundedCents)
	}
	if stored.Status != entity.OrderStatusPartiallyRefunded {
		t.Fatalf("unexpected status after echo: %d", stored.Status)
	}
	if len(f.deliveryRepo.deliveries) != 1 || f.deliveryRepo.deliveries[0].Status != entity.WebhookDeliveryDuplicate {
		t.Fatalf("expected duplicate delivery, got %+v", f.deliveryRepo.deliveries)
	}
}

func TestHandleProviderWebhookSubscriptionCancelled(t *testing.T) {
	adapter := stripeFake()
	f := newServiceFixture(adapter)

	req := chargeRequest()
	req.Recurring = &types.RecurringSpec{Interval: "month", IntervalCount: 1}
	origin, err := f.svc.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	adapter.webhookEvent = &provider.WebhookEvent{
		ProviderEventID:       "evt-cancel",
		EventType:             "customer.subscription.deleted",
		SubscriptionID:        "psub-1",
		SubscriptionCancelled: true,
	}

	result, err := f.svc.HandleProviderWebhook(context.Background(), webhookRequest(`{"id":"evt-cancel"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatal("cancellation webhook does not resolve to an order")
	}

	sub, _ := f.subRepo.FindByID(context.Background(), *origin.SubscriptionID)
	if sub.Status != entity.SubscriptionStatusCancelled {
		t.Fatalf("expected cancelled subscription, got %d", sub.Status)
	}
}

func TestHandleProviderWebhookRenewalCreatesOrder(t *testing.T) {
	adapter := stripeFake()
	f := newServiceFixture(adapter)

	req := chargeRequest()
	req.Recurring = &types.RecurringSpec{Interval: "month", IntervalCount: 1}
	origin, err := f.svc.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	adapter.webhookEvent = &provider.WebhookEvent{
		ProviderEventID: "evt-renew",
		EventType:       "invoice.paid",
		Kind:            entity.EventKindSubscriptionRenewal,
		Outcome:         entity.OutcomeSucceeded,
		SubscriptionID:  "psub-1",
		TransactionID:   "in_1",
		AmountCents:     1000,
	}

	renewal, err := f.svc.HandleProviderWebhook(context.Background(), webhookRequest(`{"id":"evt-renew"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renewal == nil || renewal.ID == origin.ID {
		t.Fatalf("expected a fresh renewal order, got %+v", renewal)
	}
	if renewal.Status != entity.OrderStatusPaid {
		t.Fatalf("unexpected renewal status: %d", renewal.Status)
	}
}

func TestHandleProviderWebhookUnknownOrder(t *testing.T) {
	adapter := stripeFake()
	adapter.webhookEvent = &provider.WebhookEvent{
		ProviderEventID: "evt-orphan",
		EventType:       "payment_intent.succeeded",
		Kind:            entity.EventKindCharge,
		Outcome:         entity.OutcomeSucceeded,
		TransactionID:   "tx-missing",
	}
	f := newServiceFixture(adapter)

	_, err := f.svc.HandleProviderWebhook(context.Background(), webhookRequest(`{"id":"evt-orphan"}`))
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
	if len(f.deliveryRepo.deliveries) != 1 || f.deliveryRepo.deliveries[0].Status != entity.WebhookDeliveryRejected {
		t.Fatalf("expected rejected delivery, got %+v", f.deliveryRepo.deliveries)
	}
}

func TestRunReconcileBatchResolvesStaleOrder(t *testing.T) {
	adapter := stripeFake()
	f := newServiceFixture(adapter)

	adapter.chargeResult = &provider.Result{Provider: "stripe", TransactionID: "tx-1", Outcome: entity.OutcomePending, RawStatus: "processing"}
	order, err := f.svc.Charge(context.Background(), chargeRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Age the stored order past the stale window.
	stored := f.orderRepo.orders[order.ID]
	stored.UpdatedAt = time.Now().Add(-time.Hour)

	adapter.statusOutcome = entity.OutcomeSucceeded
	if err := f.svc.RunReconcileBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after, _ := f.orderRepo.FindByID(context.Background(), order.ID)
	if after.Status != entity.OrderStatusPaid {
		t.Fatalf("expected reconciled order to be paid, got %d", after.Status)
	}

	// Running again applies nothing thanks to the derived event id.
	if err := f.svc.RunReconcileBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunDispatchNotificationsBatch(t *testing.T) {
	var gotAPIKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newServiceFixture(stripeFake())
	req := chargeRequest()
	req.NotifyURL = server.URL
	order, err := f.svc.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.NotifyDeliveryStatus != entity.NotifyDeliveryPending {
		t.Fatalf("expected pending notify, got %d", order.NotifyDeliveryStatus)
	}

	if err := f.svc.RunDispatchNotificationsBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after, _ := f.orderRepo.FindByID(context.Background(), order.ID)
	if after.NotifyDeliveryStatus != entity.NotifyDeliverySuccess {
		t.Fatalf("expected delivered notify, got %d", after.NotifyDeliveryStatus)
	}
	if gotAPIKey != "payment-core-key" {
		t.Fatalf("expected api key header, got %q", gotAPIKey)
	}
}

func TestRunDispatchNotificationsBatchRetriesThenFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newServiceFixture(stripeFake())
	req := chargeRequest()
	req.NotifyURL = server.URL
	order, err := f.svc.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		stored := f.orderRepo.orders[order.ID]
		stored.NotifyDeliveryNextAt = nil
		_ = f.svc.RunDispatchNotificationsBatch(context.Background())
	}

	after, _ := f.orderRepo.FindByID(context.Background(), order.ID)
	if after.NotifyDeliveryStatus != entity.NotifyDeliveryFailed {
		t.Fatalf("expected failed notify after max attempts, got %d", after.NotifyDeliveryStatus)
	}
	if after.NotifyDeliveryAttempts != 3 {
		t.Fatalf("unexpected attempts: %d", after.NotifyDeliveryAttempts)
	}
}
