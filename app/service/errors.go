package service

import "errors"

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderAlreadyExists   = errors.New("order already exists")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidStatus        = errors.New("invalid status")
	ErrProviderUnsupported  = errors.New("provider is not supported")
	ErrOperationInFlight    = errors.New("operation already in flight")
	ErrWebhookRejected      = errors.New("webhook rejected")
	ErrPaymentDeclined      = errors.New("payment declined")
)
