package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
	"github.com/advancedpay/ms-go-payment-core/app/idempotency"
	"github.com/advancedpay/ms-go-payment-core/app/provider"
	"github.com/advancedpay/ms-go-payment-core/app/reconcile"
	"github.com/advancedpay/ms-go-payment-core/app/repository"
	"github.com/advancedpay/ms-go-payment-core/app/types"
	"github.com/advancedpay/ms-go-payment-core/config"
)

const (
	defaultListLimit = int32(100)
	defaultBatchSize = int32(100)
)

type orderRepository interface {
	Create(ctx context.Context, order *entity.Order) error
	Update(ctx context.Context, order *entity.Order) error
	FindByID(ctx context.Context, id uint64) (*entity.Order, error)
	FindByCallerRequestID(ctx context.Context, callerService, requestID string) (*entity.Order, error)
	FindByTransactionID(ctx context.Context, provider int32, transactionID string) (*entity.Order, error)
	List(ctx context.Context, filter repository.OrderFilter) ([]*entity.Order, error)
	ListForReconcile(ctx context.Context, updatedBefore time.Time, limit int32) ([]*entity.Order, error)
	ListDueNotifyDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Order, error)
}

type subscriptionRepository interface {
	Create(ctx context.Context, sub *entity.Subscription) error
	Update(ctx context.Context, sub *entity.Subscription) error
	FindByID(ctx context.Context, id uint64) (*entity.Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, provider int32, providerSubscriptionID string) (*entity.Subscription, error)
}

type webhookDeliveryRepository interface {
	Create(ctx context.Context, delivery *entity.WebhookDelivery) error
}

type orderReconciler interface {
	Apply(ctx context.Context, order *entity.Order, event *entity.PaymentEvent) (bool, error)
}

// IdempotencyPurger is implemented by backends whose expired
// reservations need explicit sweeping. In-memory and Redis backends
// expire on their own and leave it nil.
type IdempotencyPurger interface {
	PurgeExpired(ctx context.Context, now time.Time, limit int32) (int64, error)
}

type PaymentService struct {
	orderRepo    orderRepository
	subRepo      subscriptionRepository
	deliveryRepo webhookDeliveryRepository
	reconciler   orderReconciler
	idemStore    idempotency.Store
	idemPurger   IdempotencyPurger
	providerReg  *provider.Registry
	paymentsCfg  config.PaymentsConfig
	appAPIKey    string
	notifyHTTP   *http.Client
}

func NewPaymentService(
	orderRepo orderRepository,
	subRepo subscriptionRepository,
	deliveryRepo webhookDeliveryRepository,
	reconciler orderReconciler,
	idemStore idempotency.Store,
	idemPurger IdempotencyPurger,
	providerReg *provider.Registry,
	paymentsCfg config.PaymentsConfig,
	appAPIKey string,
) *PaymentService {
	timeout := paymentsCfg.NotifyHTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &PaymentService{
		orderRepo:    orderRepo,
		subRepo:      subRepo,
		deliveryRepo: deliveryRepo,
		reconciler:   reconciler,
		idemStore:    idemStore,
		idemPurger:   idemPurger,
		providerReg:  providerReg,
		paymentsCfg:  paymentsCfg,
		appAPIKey:    strings.TrimSpace(appAPIKey),
		notifyHTTP:   &http.Client{Timeout: timeout},
	}
}

// Charge creates the order and runs the provider charge for it. The
// same caller request id always returns the same order; the derived
// idempotency key additionally guards the provider call itself, so a
// crashed-then-retried submission cannot charge twice.
func (s *PaymentService) Charge(ctx context.Context, req *types.ChargeRequest) (*entity.Order, error) {
	if req.RequestID == "" || req.CallerService == "" {
		return nil, ErrInvalidRequest
	}

	existing, err := s.orderRepo.FindByCallerRequestID(ctx, req.CallerService, req.RequestID)
	if err != nil {
		return nil, err
	}
	// Anything past pending means a charge outcome was applied; replay
	// it. A pending order means the provider call never concluded, so a
	// retry with the same request id falls through to the reserve below
	// and reuses the key derived from this order's id, including the
	// provider-side idempotency key.
	if existing != nil && existing.Status != entity.OrderStatusPending {
		return existing, nil
	}

	var adapter provider.Adapter
	order := existing
	if order != nil {
		adapter, err = s.providerReg.Get(order.Provider)
		if err != nil {
			return nil, ErrProviderUnsupported
		}
	} else {
		providerName := req.Provider
		if providerName == "" {
			providerName = "stripe"
		}
		adapter, err = s.providerReg.GetByName(providerName)
		if err != nil {
			if errors.Is(err, provider.ErrProviderNotSupported) {
				return nil, ErrProviderUnsupported
			}
			return nil, err
		}

		now := time.Now().UTC()
		order = &entity.Order{
			RequestID:       req.RequestID,
			CallerService:   req.CallerService,
			ExternalOrderID: req.ExternalOrderID,
			CustomerRef:     normalizeOptionalString(req.CustomerRef),
			AmountCents:     req.AmountCents,
			Currency:        req.Currency,
			Status:          entity.OrderStatusPending,
			Provider:        adapter.Code(),
			BillingName:     req.BillingName,
			BillingEmail:    req.BillingEmail,
			RefundedCents:   0,
			RefundableCents: req.AmountCents,
			NotifyURL:       req.NotifyURL,
			Metadata:        cloneMetadata(req.Metadata),
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if err := s.orderRepo.Create(ctx, order); err != nil {
			if errors.Is(err, repository.ErrOrderAlreadyExists) {
				return nil, ErrOrderAlreadyExists
			}
			return nil, err
		}
	}

	if req.Recurring != nil && order.SubscriptionID == nil {
		if err := s.createSubscription(ctx, adapter, order, req); err != nil {
			return nil, err
		}
	}

	key := idempotency.Key(order.CallerService, order.ID, "charge", order.AmountCents, "")
	reservation, err := s.idemStore.Reserve(ctx, key, s.idempotencyTTL())
	if err != nil {
		return nil, err
	}
	switch reservation.State {
	case idempotency.StateCompleted:
		return s.orderRepo.FindByID(ctx, reservation.Outcome.OrderID)
	case idempotency.StateInFlight:
		return nil, ErrOperationInFlight
	}

	result, err := adapter.Charge(ctx, &provider.ChargeInput{
		RequestID:          order.RequestID,
		OrderID:            order.ID,
		ExternalOrderID:    order.ExternalOrderID,
		AmountCents:        order.AmountCents,
		Currency:           order.Currency,
		BillingName:        order.BillingName,
		BillingEmail:       order.BillingEmail,
		PaymentMethodToken: req.PaymentMethodToken,
		IdempotencyKey:     key,
		Metadata:           order.Metadata,
	})
	if err != nil {
		if provider.Retryable(err) {
			_ = s.idemStore.Release(ctx, key)
			return nil, err
		}
		if _, applyErr := s.applyChargeOutcome(ctx, order, key, &provider.Result{
			Provider: adapter.Name(),
			Outcome:  entity.OutcomeFailed,
		}); applyErr != nil {
			return nil, applyErr
		}
		if pe, ok := provider.AsError(err); ok && pe.Kind == provider.ErrorKindDeclined {
			return order, ErrPaymentDeclined
		}
		return nil, err
	}

	return s.applyChargeOutcome(ctx, order, key, result)
}

func (s *PaymentService) applyChargeOutcome(ctx context.Context, order *entity.Order, key string, result *provider.Result) (*entity.Order, error) {
	eventID := uuid.NewString()
	if strings.TrimSpace(result.TransactionID) != "" {
		eventID = chargeEventID(result.TransactionID, result.Outcome)
	}
	event := &entity.PaymentEvent{
		EventID:               eventID,
		Kind:                  entity.EventKindCharge,
		Outcome:               result.Outcome,
		ProviderTransactionID: normalizeOptionalString(result.TransactionID),
		AmountCents:           order.AmountCents,
		Note:                  normalizeOptionalString(result.RawStatus),
	}
	if _, err := s.reconciler.Apply(ctx, order, event); err != nil {
		_ = s.idemStore.Release(ctx, key)
		return nil, err
	}

	if err := s.idemStore.Complete(ctx, key, &idempotency.Outcome{
		OrderID:       order.ID,
		Status:        order.Status,
		TransactionID: result.TransactionID,
		Outcome:       result.Outcome,
	}, s.idempotencyTTL()); err != nil {
		return nil, err
	}

	return order, nil
}

func (s *PaymentService) createSubscription(ctx context.Context, adapter provider.Adapter, order *entity.Order, req *types.ChargeRequest) error {
	subResult, err := adapter.CreateSubscription(ctx, &provider.SubscriptionInput{
		OrderID:            order.ID,
		ExternalOrderID:    order.ExternalOrderID,
		AmountCents:        order.AmountCents,
		Currency:           order.Currency,
		Interval:           req.Recurring.Interval,
		IntervalCount:      req.Recurring.IntervalCount,
		BillingName:        order.BillingName,
		BillingEmail:       order.BillingEmail,
		PaymentMethodToken: req.PaymentMethodToken,
		ProviderPlanID:     req.Recurring.ProviderPlanID,
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	periodEnd := advancePeriod(now, req.Recurring.Interval, req.Recurring.IntervalCount)
	sub := &entity.Subscription{
		OriginOrderID:          order.ID,
		Provider:               order.Provider,
		ProviderSubscriptionID: normalizeOptionalString(subResult.ProviderSubscriptionID),
		ProviderCustomerID:     normalizeOptionalString(subResult.ProviderCustomerID),
		PaymentMethodToken:     normalizeOptionalString(req.PaymentMethodToken),
		Status:                 entity.SubscriptionStatusActive,
		Interval:               req.Recurring.Interval,
		IntervalCount:          req.Recurring.IntervalCount,
		AmountCents:            order.AmountCents,
		Currency:               order.Currency,
		CurrentPeriodEnd:       &periodEnd,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.subRepo.Create(ctx, sub); err != nil {
		return err
	}

	order.SubscriptionID = &sub.ID
	order.UpdatedAt = now
	return s.orderRepo.Update(ctx, order)
}

// Refund validates the refund against the order before touching the
// provider: an order that was never charged, or an amount past the
// refundable remainder, never reaches the provider at all.
func (s *PaymentService) Refund(ctx context.Context, req *types.RefundRequest) (*entity.Order, error) {
	order, err := s.orderRepo.FindByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	if order.Status != entity.OrderStatusPaid && order.Status != entity.OrderStatusPartiallyRefunded {
		return nil, reconcile.ErrInvalidTransition
	}
	if order.TransactionID == nil || strings.TrimSpace(*order.TransactionID) == "" {
		return nil, reconcile.ErrInvalidTransition
	}
	if req.AmountCents > order.RefundableCents-order.RefundedCents {
		return nil, reconcile.ErrInvalidTransition
	}

	adapter, err := s.providerReg.Get(order.Provider)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	key := idempotency.Key(order.CallerService, order.ID, "refund", req.AmountCents, req.RequestID)
	reservation, err := s.idemStore.Reserve(ctx, key, s.idempotencyTTL())
	if err != nil {
		return nil, err
	}
	switch reservation.State {
	case idempotency.StateCompleted:
		return s.orderRepo.FindByID(ctx, reservation.Outcome.OrderID)
	case idempotency.StateInFlight:
		return nil, ErrOperationInFlight
	}

	result, err := adapter.Refund(ctx, &provider.RefundInput{
		OrderID:        order.ID,
		TransactionID:  *order.TransactionID,
		AmountCents:    req.AmountCents,
		Currency:       order.Currency,
		Reason:         req.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		if provider.Retryable(err) {
			_ = s.idemStore.Release(ctx, key)
			return nil, err
		}
		// Non-retryable refund failures land in the event log without
		// moving the order.
		failEvent := &entity.PaymentEvent{
			EventID:     uuid.NewString(),
			Kind:        entity.EventKindRefund,
			Outcome:     entity.OutcomeFailed,
			AmountCents: req.AmountCents,
			Note:        normalizeOptionalString(err.Error()),
		}
		if _, applyErr := s.reconciler.Apply(ctx, order, failEvent); applyErr != nil {
			_ = s.idemStore.Release(ctx, key)
			return nil, applyErr
		}
		_ = s.idemStore.Complete(ctx, key, &idempotency.Outcome{
			OrderID: order.ID,
			Status:  order.Status,
			Outcome: entity.OutcomeFailed,
		}, s.idempotencyTTL())
		return nil, err
	}

	eventID := uuid.NewString()
	if strings.TrimSpace(result.TransactionID) != "" {
		// Keyed by the refund's own id; the provider's webhook
		// confirmation of this refund carries the same id and dedupes.
		eventID = refundEventID(result.TransactionID)
	}
	event := &entity.PaymentEvent{
		EventID:               eventID,
		Kind:                  entity.EventKindRefund,
		Outcome:               result.Outcome,
		ProviderTransactionID: order.TransactionID,
		AmountCents:           req.AmountCents,
		Note:                  normalizeOptionalString(result.RawStatus),
	}
	if _, err := s.reconciler.Apply(ctx, order, event); err != nil {
		_ = s.idemStore.Release(ctx, key)
		return nil, err
	}

	if err := s.idemStore.Complete(ctx, key, &idempotency.Outcome{
		OrderID:       order.ID,
		Status:        order.Status,
		TransactionID: result.TransactionID,
		Outcome:       result.Outcome,
	}, s.idempotencyTTL()); err != nil {
		return nil, err
	}

	return order, nil
}

// RenewSubscription charges the stored payment method for one more
// billing period, producing a fresh renewal order in the origin order's
// lineage.
func (s *PaymentService) RenewSubscription(ctx context.Context, req *types.RenewSubscriptionRequest) (*entity.Order, error) {
	sub, err := s.subRepo.FindByID(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	if sub.Status != entity.SubscriptionStatusActive && sub.Status != entity.SubscriptionStatusPastDue {
		return nil, ErrInvalidStatus
	}

	origin, err := s.orderRepo.FindByID(ctx, sub.OriginOrderID)
	if err != nil {
		return nil, err
	}
	if origin == nil {
		return nil, ErrOrderNotFound
	}

	adapter, err := s.providerReg.Get(sub.Provider)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	key := idempotency.Key(origin.CallerService, sub.ID, "renew", sub.AmountCents, req.RequestID)
	reservation, err := s.idemStore.Reserve(ctx, key, s.idempotencyTTL())
	if err != nil {
		return nil, err
	}
	switch reservation.State {
	case idempotency.StateCompleted:
		return s.orderRepo.FindByID(ctx, reservation.Outcome.OrderID)
	case idempotency.StateInFlight:
		return nil, ErrOperationInFlight
	}

	order, err := s.createRenewalOrder(ctx, sub, origin, req.RequestID)
	if err != nil {
		_ = s.idemStore.Release(ctx, key)
		return nil, err
	}

	token := ""
	if sub.PaymentMethodToken != nil {
		token = *sub.PaymentMethodToken
	}
	result, err := adapter.Charge(ctx, &provider.ChargeInput{
		RequestID:          order.RequestID,
		OrderID:            order.ID,
		ExternalOrderID:    order.ExternalOrderID,
		AmountCents:        order.AmountCents,
		Currency:           order.Currency,
		BillingName:        order.BillingName,
		BillingEmail:       order.BillingEmail,
		PaymentMethodToken: token,
		IdempotencyKey:     key,
		Metadata:           order.Metadata,
	})
	if err != nil {
		if provider.Retryable(err) {
			_ = s.idemStore.Release(ctx, key)
			return nil, err
		}
		result = &provider.Result{Provider: adapter.Name(), Outcome: entity.OutcomeFailed}
	}

	eventID := uuid.NewString()
	if strings.TrimSpace(result.TransactionID) != "" {
		// The renewal executes as a provider charge, so it is keyed the
		// way charge events are; the charge confirmation webhook for the
		// same transaction then dedupes against it.
		eventID = chargeEventID(result.TransactionID, result.Outcome)
	}
	event := &entity.PaymentEvent{
		EventID:               eventID,
		Kind:                  entity.EventKindSubscriptionRenewal,
		Outcome:               result.Outcome,
		ProviderTransactionID: normalizeOptionalString(result.TransactionID),
		AmountCents:           order.AmountCents,
		Note:                  normalizeOptionalString(result.RawStatus),
	}
	if _, err := s.reconciler.Apply(ctx, order, event); err != nil {
		_ = s.idemStore.Release(ctx, key)
		return nil, err
	}

	if err := s.settleSubscriptionAfterRenewal(ctx, sub, result.Outcome); err != nil {
		return nil, err
	}

	if err := s.idemStore.Complete(ctx, key, &idempotency.Outcome{
		OrderID:       order.ID,
		Status:        order.Status,
		TransactionID: result.TransactionID,
		Outcome:       result.Outcome,
	}, s.idempotencyTTL()); err != nil {
		return nil, err
	}

	return order, nil
}

func (s *PaymentService) createRenewalOrder(ctx context.Context, sub *entity.Subscription, origin *entity.Order, requestID string) (*entity.Order, error) {
	now := time.Now().UTC()
	subID := sub.ID
	order := &entity.Order{
		RequestID:       requestID,
		CallerService:   origin.CallerService,
		ExternalOrderID: origin.ExternalOrderID,
		CustomerRef:     origin.CustomerRef,
		AmountCents:     sub.AmountCents,
		Currency:        sub.Currency,
		Status:          entity.OrderStatusPending,
		Provider:        sub.Provider,
		BillingName:     origin.BillingName,
		BillingEmail:    origin.BillingEmail,
		SubscriptionID:  &subID,
		RefundedCents:   0,
		RefundableCents: sub.AmountCents,
		NotifyURL:       origin.NotifyURL,
		Metadata:        cloneMetadata(origin.Metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.orderRepo.Create(ctx, order); err != nil {
		if errors.Is(err, repository.ErrOrderAlreadyExists) {
			return nil, ErrOrderAlreadyExists
		}
		return nil, err
	}
	return order, nil
}

func (s *PaymentService) settleSubscriptionAfterRenewal(ctx context.Context, sub *entity.Subscription, outcome string) error {
	now := time.Now().UTC()
	switch outcome {
	case entity.OutcomeSucceeded:
		sub.Status = entity.SubscriptionStatusActive
		from := now
		if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now) {
			from = *sub.CurrentPeriodEnd
		}
		next := advancePeriod(from, sub.Interval, sub.IntervalCount)
		sub.CurrentPeriodEnd = &next
	case entity.OutcomeFailed:
		sub.Status = entity.SubscriptionStatusPastDue
	default:
		return nil
	}
	sub.UpdatedAt = now
	return s.subRepo.Update(ctx, sub)
}

func (s *PaymentService) CancelSubscription(ctx context.Context, req *types.CancelSubscriptionRequest) (*entity.Subscription, error) {
	sub, err := s.subRepo.FindByID(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	if sub.Status == entity.SubscriptionStatusCancelled {
		return sub, nil
	}

	if sub.ProviderSubscriptionID != nil && strings.TrimSpace(*sub.ProviderSubscriptionID) != "" {
		adapter, err := s.providerReg.Get(sub.Provider)
		if err != nil {
			return nil, ErrProviderUnsupported
		}
		if err := adapter.CancelSubscription(ctx, *sub.ProviderSubscriptionID, req.Reason); err != nil {
			return nil, err
		}
	}

	sub.Status = entity.SubscriptionStatusCancelled
	sub.UpdatedAt = time.Now().UTC()
	if err := s.subRepo.Update(ctx, sub); err != nil {
		return nil, err
	}

	return sub, nil
}

func (s *PaymentService) GetOrder(ctx context.Context, id uint64) (*entity.Order, error) {
	order, err := s.orderRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *PaymentService) ListOrders(ctx context.Context, req *types.ListOrdersRequest) ([]*entity.Order, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	filter := repository.OrderFilter{
		RequestID:       req.RequestID,
		CallerService:   req.CallerService,
		ExternalOrderID: req.ExternalOrderID,
		HasStatus:       req.HasStatus,
		Status:          req.Status,
		Provider:        req.Provider,
		Limit:           limit,
		Offset:          req.Offset,
	}

	return s.orderRepo.List(ctx, filter)
}

func (s *PaymentService) idempotencyTTL() time.Duration {
	if s.paymentsCfg.IdempotencyTTL > 0 {
		return s.paymentsCfg.IdempotencyTTL
	}
	return 24 * time.Hour
}

func (s *PaymentService) batchSize() int32 {
	if s.paymentsCfg.JobBatchSize > 0 {
		return s.paymentsCfg.JobBatchSize
	}
	return defaultBatchSize
}

func advancePeriod(from time.Time, interval string, count int32) time.Time {
	if count <= 0 {
		count = 1
	}
	switch interval {
	case "day":
		return from.AddDate(0, 0, int(count))
	case "week":
		return from.AddDate(0, 0, 7*int(count))
	case "month":
		return from.AddDate(0, int(count), 0)
	case "year":
		return from.AddDate(int(count), 0, 0)
	default:
		return from.AddDate(0, int(count), 0)
	}
}

func normalizeOptionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneMetadata(metadata map[string]string) map[string]string {
	cloned := make(map[string]string, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}

func truncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return v[:max]
}
