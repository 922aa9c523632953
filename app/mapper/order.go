package mapper

import (
	"github.com/advancedpay/ms-go-payment-core/app/entity"
	"github.com/advancedpay/ms-go-payment-core/app/types"
)

func OrderToResponse(order *entity.Order) *types.Order {
	if order == nil {
		return nil
	}

	return &types.Order{
		ID:              order.ID,
		RequestID:       order.RequestID,
		CallerService:   order.CallerService,
		ExternalOrderID: order.ExternalOrderID,
		CustomerRef:     order.CustomerRef,
		AmountCents:     order.AmountCents,
		Currency:        order.Currency,
		Status:          entity.OrderStatusLabel(order.Status),
		Provider:        entity.ProviderLabel(order.Provider),
		TransactionID:   order.TransactionID,
		SubscriptionID:  order.SubscriptionID,
		RefundedCents:   order.RefundedCents,
		RefundableCents: order.RefundableCents,
		Metadata:        order.Metadata,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}

func OrdersToResponse(orders []*entity.Order) []*types.Order {
	items := make([]*types.Order, 0, len(orders))
	for _, order := range orders {
		items = append(items, OrderToResponse(order))
	}
	return items
}

func SubscriptionToResponse(sub *entity.Subscription) *types.Subscription {
	if sub == nil {
		return nil
	}

	return &types.Subscription{
		ID:                     sub.ID,
		OriginOrderID:          sub.OriginOrderID,
		Provider:               entity.ProviderLabel(sub.Provider),
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		Status:                 entity.SubscriptionStatusLabel(sub.Status),
		Interval:               sub.Interval,
		IntervalCount:          sub.IntervalCount,
		AmountCents:            sub.AmountCents,
		Currency:               sub.Currency,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
	}
}
