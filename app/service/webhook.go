package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
	"github.com/advancedpay/ms-go-payment-core/app/provider"
	"github.com/advancedpay/ms-go-payment-core/app/reconcile"
	"github.com/advancedpay/ms-go-payment-core/app/types"
)

// HandleProviderWebhook verifies an inbound provider callback, routes
// it to the order it belongs to and applies it through the reconciler.
// Redeliveries hit the event log's unique id and turn into no-ops. The
// raw payload is recorded whatever happens.
func (s *PaymentService) HandleProviderWebhook(ctx context.Context, req *types.WebhookRequest) (*entity.Order, error) {
	adapter, err := s.providerReg.GetByName(req.Provider)
	if err != nil {
		if errors.Is(err, provider.ErrProviderNotSupported) {
			return nil, ErrProviderUnsupported
		}
		return nil, err
	}

	event, err := adapter.VerifyAndParseWebhook(ctx, req.Payload, req.Signature)
	if err != nil {
		s.persistWebhookDelivery(ctx, nil, req, nil, entity.WebhookDeliveryRejected,
			fmt.Sprintf("webhook verification failed: %v", err))
		return nil, ErrWebhookRejected
	}

	if event.SubscriptionCancelled {
		if err := s.handleSubscriptionCancelled(ctx, adapter.Code(), event); err != nil {
			return nil, err
		}
		s.persistWebhookDelivery(ctx, nil, req, event, entity.WebhookDeliveryProcessed, "")
		return nil, nil
	}

	if event.Kind == "" {
		// Verified but unmapped event type; acknowledged so the
		// provider stops redelivering.
		s.persistWebhookDelivery(ctx, nil, req, event, entity.WebhookDeliveryProcessed, "")
		return nil, nil
	}

	order, err := s.locateOrderForEvent(ctx, adapter.Code(), event)
	if err != nil {
		return nil, err
	}
	if order == nil {
		s.persistWebhookDelivery(ctx, nil, req, event, entity.WebhookDeliveryRejected,
			"no order matches the webhook event")
		return nil, ErrOrderNotFound
	}

	paymentEvent := &entity.PaymentEvent{
		EventID:               eventLogID(adapter.Name(), event),
		Kind:                  event.Kind,
		Outcome:               event.Outcome,
		ProviderTransactionID: normalizeOptionalString(event.TransactionID),
		ProviderEventID:       normalizeOptionalString(event.ProviderEventID),
		AmountCents:           event.AmountCents,
	}

	applied, err := s.reconciler.Apply(ctx, order, paymentEvent)
	if err != nil {
		if errors.Is(err, reconcile.ErrInvalidTransition) {
			s.persistWebhookDelivery(ctx, &order.ID, req, event, entity.WebhookDeliveryRejected,
				fmt.Sprintf("event %s/%s is not valid for order status %s",
					event.Kind, event.Outcome, entity.OrderStatusLabel(order.Status)))
			return nil, err
		}
		return nil, err
	}

	status := entity.WebhookDeliveryProcessed
	if !applied {
		status = entity.WebhookDeliveryDuplicate
	}
	s.persistWebhookDelivery(ctx, &order.ID, req, event, status, "")

	if applied && event.Kind == entity.EventKindSubscriptionRenewal && order.SubscriptionID != nil {
		if sub, err := s.subRepo.FindByID(ctx, *order.SubscriptionID); err == nil && sub != nil {
			_ = s.settleSubscriptionAfterRenewal(ctx, sub, event.Outcome)
		}
	}

	return order, nil
}

// locateOrderForEvent resolves the order a provider event belongs to:
// the order id carried in provider metadata first, then the charge
// transaction id, and for renewals the subscription lineage, creating
// the period's renewal order when the provider bills on its own
// schedule.
func (s *PaymentService) locateOrderForEvent(ctx context.Context, providerCode int32, event *provider.WebhookEvent) (*entity.Order, error) {
	if event.OrderID > 0 {
		order, err := s.orderRepo.FindByID(ctx, event.OrderID)
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}
	}

	if strings.TrimSpace(event.TransactionID) != "" {
		order, err := s.orderRepo.FindByTransactionID(ctx, providerCode, event.TransactionID)
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}
	}

	if event.Kind == entity.EventKindSubscriptionRenewal && strings.TrimSpace(event.SubscriptionID) != "" {
		sub, err := s.subRepo.FindByProviderSubscriptionID(ctx, providerCode, event.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, nil
		}
		origin, err := s.orderRepo.FindByID(ctx, sub.OriginOrderID)
		if err != nil {
			return nil, err
		}
		if origin == nil {
			return nil, nil
		}
		// A redelivered renewal event reuses the order it created the
		// first time around.
		existing, err := s.orderRepo.FindByCallerRequestID(ctx, origin.CallerService, renewalRequestID(event))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		return s.createRenewalOrder(ctx, sub, origin, renewalRequestID(event))
	}

	return nil, nil
}

func (s *PaymentService) handleSubscriptionCancelled(ctx context.Context, providerCode int32, event *provider.WebhookEvent) error {
	if strings.TrimSpace(event.SubscriptionID) == "" {
		return nil
	}
	sub, err := s.subRepo.FindByProviderSubscriptionID(ctx, providerCode, event.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil || sub.Status == entity.SubscriptionStatusCancelled {
		return nil
	}

	sub.Status = entity.SubscriptionStatusCancelled
	sub.UpdatedAt = time.Now().UTC()
	return s.subRepo.Update(ctx, sub)
}

func (s *PaymentService) persistWebhookDelivery(ctx context.Context, orderID *uint64, req *types.WebhookRequest, event *provider.WebhookEvent, status int32, errMsg string) {
	now := time.Now().UTC()
	eventType := ""
	var providerEventID *string
	if event != nil {
		eventType = event.EventType
		providerEventID = normalizeOptionalString(event.ProviderEventID)
	}
	delivery := &entity.WebhookDelivery{
		OrderID:         orderID,
		Provider:        req.Provider,
		ProviderEventID: providerEventID,
		EventType:       eventType,
		Signature:       truncate(req.Signature, 2048),
		PayloadJSON:     truncate(string(req.Payload), 65535),
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if errMsg != "" {
		trimmed := truncate(errMsg, 1024)
		delivery.Error = &trimmed
	}
	_ = s.deliveryRepo.Create(ctx, delivery)
}

// Event log ids derive from the provider identifiers whenever one
// exists. The same outcome observed twice over different channels, a
// synchronous call result, a webhook confirmation of it, a redelivery
// or the reconcile poll, lands on the same id and dedupes in the log.
func chargeEventID(transactionID, outcome string) string {
	return entity.EventKindCharge + ":" + strings.TrimSpace(transactionID) + ":" + outcome
}

func refundEventID(refundID string) string {
	return entity.EventKindRefund + ":" + strings.TrimSpace(refundID)
}

func renewalEventID(transactionID, outcome string) string {
	return entity.EventKindSubscriptionRenewal + ":" + strings.TrimSpace(transactionID) + ":" + outcome
}

// eventLogID keys a webhook event the way the outbound paths key their
// events, so a provider's confirmation of work this service already
// recorded is a duplicate rather than a second application. Events with
// no usable provider identifier fall back to the provider event id,
// which still makes redeliveries duplicates.
func eventLogID(providerName string, event *provider.WebhookEvent) string {
	switch {
	case event.Kind == entity.EventKindRefund && strings.TrimSpace(event.RefundID) != "":
		return refundEventID(event.RefundID)
	case event.Kind == entity.EventKindCharge && strings.TrimSpace(event.TransactionID) != "":
		return chargeEventID(event.TransactionID, event.Outcome)
	case event.Kind == entity.EventKindSubscriptionRenewal && strings.TrimSpace(event.TransactionID) != "":
		return renewalEventID(event.TransactionID, event.Outcome)
	default:
		return providerName + ":" + strings.TrimSpace(event.ProviderEventID)
	}
}

func renewalRequestID(event *provider.WebhookEvent) string {
	return "renewal:" + strings.TrimSpace(event.ProviderEventID)
}
