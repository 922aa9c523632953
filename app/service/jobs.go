package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
	"github.com/advancedpay/ms-go-payment-core/app/mapper"
	"github.com/advancedpay/ms-go-payment-core/app/types"
)

// RunReconcileBatch polls the provider for orders stuck in pending or
// processing longer than the configured window. The derived event id
// makes each (transaction, outcome) pair apply at most once no matter
// how often the job runs or which channel reported it first.
func (s *PaymentService) RunReconcileBatch(ctx context.Context) error {
	now := time.Now().UTC()
	before := now.Add(-s.paymentsCfg.ReconcileStaleAfter)
	items, err := s.orderRepo.ListForReconcile(ctx, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, order := range items {
		if order == nil || order.TransactionID == nil || strings.TrimSpace(*order.TransactionID) == "" {
			continue
		}

		adapter, err := s.providerReg.Get(order.Provider)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		outcome, err := adapter.GetPaymentStatus(ctx, strings.TrimSpace(*order.TransactionID))
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if outcome == "" || outcome == entity.OutcomePending || outcome == entity.OutcomeRequiresAction {
			continue
		}

		event := &entity.PaymentEvent{
			EventID:               chargeEventID(*order.TransactionID, outcome),
			Kind:                  entity.EventKindCharge,
			Outcome:               outcome,
			ProviderTransactionID: order.TransactionID,
			AmountCents:           order.AmountCents,
		}
		if _, err := s.reconciler.Apply(ctx, order, event); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

// RunDispatchNotificationsBatch posts terminal order states to the
// host's notify URL with bounded retries.
func (s *PaymentService) RunDispatchNotificationsBatch(ctx context.Context) error {
	now := time.Now().UTC()
	items, err := s.orderRepo.ListDueNotifyDispatch(ctx, now, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, order := range items {
		if order == nil {
			continue
		}
		if err := s.dispatchNotification(ctx, order, now); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

// RunPurgeIdempotencyBatch drops expired idempotency rows. Only the
// durable SQL store needs this; Redis entries expire on their own.
func (s *PaymentService) RunPurgeIdempotencyBatch(ctx context.Context) error {
	if s.idemPurger == nil {
		return nil
	}
	_, err := s.idemPurger.PurgeExpired(ctx, time.Now().UTC(), s.batchSize())
	return err
}

func (s *PaymentService) dispatchNotification(ctx context.Context, order *entity.Order, now time.Time) error {
	if strings.TrimSpace(order.NotifyURL) == "" {
		errMsg := "notify_url is empty"
		order.NotifyDeliveryStatus = entity.NotifyDeliveryFailed
		order.NotifyDeliveryNextAt = nil
		order.NotifyDeliveryLastErr = &errMsg
		order.UpdatedAt = now
		return s.orderRepo.Update(ctx, order)
	}

	payload := &types.OrderEnvelopeResponse{Order: mapper.OrderToResponse(order)}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, order.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return s.recordDispatchFailure(ctx, order, now, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", order.RequestID)
	if s.appAPIKey != "" {
		req.Header.Set("X-API-Key", s.appAPIKey)
	}

	resp, err := s.notifyHTTP.Do(req)
	if err != nil {
		return s.recordDispatchFailure(ctx, order, now, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.recordDispatchFailure(ctx, order, now, fmt.Errorf("notify endpoint returned status=%d", resp.StatusCode))
	}

	order.NotifyDeliveryStatus = entity.NotifyDeliverySuccess
	order.NotifyDeliveryNextAt = nil
	order.NotifyDeliveryLastErr = nil
	order.UpdatedAt = now

	return s.orderRepo.Update(ctx, order)
}

func (s *PaymentService) recordDispatchFailure(ctx context.Context, order *entity.Order, now time.Time, dispatchErr error) error {
	order.NotifyDeliveryAttempts++
	trimmed := truncate(dispatchErr.Error(), 1024)
	order.NotifyDeliveryLastErr = &trimmed

	maxAttempts := s.paymentsCfg.NotifyMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if order.NotifyDeliveryAttempts >= maxAttempts {
		order.NotifyDeliveryStatus = entity.NotifyDeliveryFailed
		order.NotifyDeliveryNextAt = nil
	} else {
		retryInterval := s.paymentsCfg.NotifyRetryInterval
		if retryInterval <= 0 {
			retryInterval = 5 * time.Minute
		}
		next := now.Add(retryInterval)
		order.NotifyDeliveryStatus = entity.NotifyDeliveryPending
		order.NotifyDeliveryNextAt = &next
	}
	order.UpdatedAt = now

	if err := s.orderRepo.Update(ctx, order); err != nil {
		return err
	}

	return dispatchErr
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
