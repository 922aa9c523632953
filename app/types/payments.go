package types

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

type RecurringSpec struct {
	Interval       string `json:"interval"`
	IntervalCount  int32  `json:"interval_count"`
	ProviderPlanID string `json:"provider_plan_id,omitempty"`
}

type ChargeRequest struct {
	RequestID     string `json:"request_id"`
	CallerService string `json:"caller_service"`

	ExternalOrderID string `json:"external_order_id"`
	CustomerRef     string `json:"customer_ref,omitempty"`

	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Provider    string `json:"provider"`

	BillingName  string `json:"billing_name"`
	BillingEmail string `json:"billing_email"`

	PaymentMethodToken string `json:"payment_method_token"`

	NotifyURL string            `json:"notify_url"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	Recurring *RecurringSpec `json:"recurring,omitempty"`
}

func NewChargeRequestFromContext(ctx echo.Context) (*ChargeRequest, error) {
	var body ChargeRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.RequestID = strings.TrimSpace(body.RequestID)
	if body.RequestID == "" {
		body.RequestID = strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
	}
	body.CallerService = strings.TrimSpace(body.CallerService)
	body.ExternalOrderID = strings.TrimSpace(body.ExternalOrderID)
	body.CustomerRef = strings.TrimSpace(body.CustomerRef)
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))
	body.Provider = strings.ToLower(strings.TrimSpace(body.Provider))
	body.BillingName = strings.TrimSpace(body.BillingName)
	body.BillingEmail = strings.TrimSpace(body.BillingEmail)
	body.PaymentMethodToken = strings.TrimSpace(body.PaymentMethodToken)
	body.NotifyURL = strings.TrimSpace(body.NotifyURL)
	if body.Recurring != nil {
		body.Recurring.Interval = strings.ToLower(strings.TrimSpace(body.Recurring.Interval))
		body.Recurring.ProviderPlanID = strings.TrimSpace(body.Recurring.ProviderPlanID)
	}

	return &body, nil
}

func (r *ChargeRequest) Validate() error {
	if r.RequestID == "" {
		return errors.New("request_id is required")
	}
	if r.CallerService == "" {
		return errors.New("caller_service is required")
	}
	if r.ExternalOrderID == "" {
		return errors.New("external_order_id is required")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount_cents must be > 0")
	}
	if len(r.Currency) != 3 {
		return errors.New("currency must be 3 letters")
	}
	if r.Provider != "" && r.Provider != "stripe" && r.Provider != "paypal" {
		return errors.New("provider must be stripe or paypal")
	}
	if r.PaymentMethodToken == "" {
		return errors.New("payment_method_token is required")
	}
	if r.NotifyURL == "" {
		return errors.New("notify_url is required")
	}
	if r.Recurring != nil {
		if r.Recurring.Interval != "day" && r.Recurring.Interval != "week" && r.Recurring.Interval != "month" && r.Recurring.Interval != "year" {
			return errors.New("recurring interval must be day, week, month, or year")
		}
		if r.Recurring.IntervalCount <= 0 {
			return errors.New("recurring interval_count must be > 0")
		}
	}

	return nil
}

type RefundRequest struct {
	OrderID uint64 `json:"-"`

	RequestID   string `json:"request_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason,omitempty"`
}

func NewRefundRequestFromContext(ctx echo.Context) (*RefundRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}

	var body RefundRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.OrderID = id
	body.RequestID = strings.TrimSpace(body.RequestID)
	if body.RequestID == "" {
		body.RequestID = strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
	}
	body.Reason = strings.TrimSpace(body.Reason)

	return &body, nil
}

func (r *RefundRequest) Validate() error {
	if r.OrderID == 0 {
		return errors.New("invalid order id")
	}
	if r.RequestID == "" {
		return errors.New("request_id is required")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount_cents must be > 0")
	}
	return nil
}

type GetOrderRequest struct {
	ID uint64
}

func NewGetOrderRequestFromContext(ctx echo.Context) (*GetOrderRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}
	return &GetOrderRequest{ID: id}, nil
}

func (r *GetOrderRequest) Validate() error {
	if r.ID == 0 {
		return errors.New("invalid order id")
	}
	return nil
}

type ListOrdersRequest struct {
	RequestID       string
	CallerService   string
	ExternalOrderID string
	HasStatus       bool
	Status          int32
	Provider        int32
	Limit           int32
	Offset          int32
}

func NewListOrdersRequestFromContext(ctx echo.Context) (*ListOrdersRequest, error) {
	req := &ListOrdersRequest{
		RequestID:       strings.TrimSpace(ctx.QueryParam("request_id")),
		CallerService:   strings.TrimSpace(ctx.QueryParam("caller_service")),
		ExternalOrderID: strings.TrimSpace(ctx.QueryParam("external_order_id")),
		Limit:           100,
		Offset:          0,
	}

	statusRaw := strings.TrimSpace(ctx.QueryParam("status"))
	if statusRaw != "" {
		status, err := strconv.ParseInt(statusRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.HasStatus = true
		req.Status = int32(status)
	}

	providerRaw := strings.ToLower(strings.TrimSpace(ctx.QueryParam("provider")))
	if providerRaw != "" {
		switch providerRaw {
		case "1", "stripe":
			req.Provider = 1
		case "2", "paypal":
			req.Provider = 2
		default:
			return nil, errors.New("invalid provider")
		}
	}

	if limitRaw := strings.TrimSpace(ctx.QueryParam("limit")); limitRaw != "" {
		limit, err := strconv.ParseInt(limitRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Limit = int32(limit)
	}

	if offsetRaw := strings.TrimSpace(ctx.QueryParam("offset")); offsetRaw != "" {
		offset, err := strconv.ParseInt(offsetRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListOrdersRequest) Validate() error {
	if r.Limit <= 0 || r.Limit > 500 {
		return errors.New("limit must be between 1 and 500")
	}
	if r.Offset < 0 {
		return errors.New("offset must be >= 0")
	}
	if r.HasStatus && (r.Status < 1 || r.Status > 6) {
		return errors.New("invalid status")
	}
	return nil
}

type RenewSubscriptionRequest struct {
	SubscriptionID uint64 `json:"-"`
	RequestID      string `json:"request_id"`
}

func NewRenewSubscriptionRequestFromContext(ctx echo.Context) (*RenewSubscriptionRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}

	var body RenewSubscriptionRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.SubscriptionID = id
	body.RequestID = strings.TrimSpace(body.RequestID)
	if body.RequestID == "" {
		body.RequestID = strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
	}

	return &body, nil
}

func (r *RenewSubscriptionRequest) Validate() error {
	if r.SubscriptionID == 0 {
		return errors.New("invalid subscription id")
	}
	if r.RequestID == "" {
		return errors.New("request_id is required")
	}
	return nil
}

type CancelSubscriptionRequest struct {
	SubscriptionID uint64 `json:"-"`
	Reason         string `json:"reason,omitempty"`
}

func NewCancelSubscriptionRequestFromContext(ctx echo.Context) (*CancelSubscriptionRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}

	var body CancelSubscriptionRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.SubscriptionID = id
	body.Reason = strings.TrimSpace(body.Reason)

	return &body, nil
}

func (r *CancelSubscriptionRequest) Validate() error {
	if r.SubscriptionID == 0 {
		return errors.New("invalid subscription id")
	}
	return nil
}

// paypalSignatureHeaders lists the transmission headers PayPal spreads
// across the request; they are packed into the one signature string the
// adapter contract carries.
type paypalSignatureHeaders struct {
	TransmissionID   string `json:"transmission_id"`
	TransmissionTime string `json:"transmission_time"`
	TransmissionSig  string `json:"transmission_sig"`
	CertURL          string `json:"cert_url"`
	AuthAlgo         string `json:"auth_algo"`
}

type WebhookRequest struct {
	RequestID string
	Provider  string
	Signature string
	Payload   []byte
}

func NewWebhookRequestFromContext(ctx echo.Context) (*WebhookRequest, error) {
	providerName := strings.ToLower(strings.TrimSpace(ctx.Param("provider")))
	requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))

	rawBody, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, err
	}

	req := &WebhookRequest{
		RequestID: requestID,
		Provider:  providerName,
		Payload:   rawBody,
	}

	header := ctx.Request().Header
	if sig := strings.TrimSpace(header.Get("Stripe-Signature")); sig != "" {
		req.Signature = sig
		return req, nil
	}
	if tid := strings.TrimSpace(header.Get("Paypal-Transmission-Id")); tid != "" {
		packed, err := json.Marshal(paypalSignatureHeaders{
			TransmissionID:   tid,
			TransmissionTime: strings.TrimSpace(header.Get("Paypal-Transmission-Time")),
			TransmissionSig:  strings.TrimSpace(header.Get("Paypal-Transmission-Sig")),
			CertURL:          strings.TrimSpace(header.Get("Paypal-Cert-Url")),
			AuthAlgo:         strings.TrimSpace(header.Get("Paypal-Auth-Algo")),
		})
		if err != nil {
			return nil, err
		}
		req.Signature = string(packed)
		return req, nil
	}
	req.Signature = strings.TrimSpace(header.Get("X-Provider-Signature"))

	return req, nil
}

func (r *WebhookRequest) Validate() error {
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if strings.TrimSpace(r.Signature) == "" {
		return errors.New("provider signature is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}
