package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
)

type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	APIBaseURL   string
	HTTPTimeout  time.Duration
}

type PayPalAdapter struct {
	cfg    PayPalConfig
	client *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewPayPalAdapter(cfg PayPalConfig) *PayPalAdapter {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = "https://api-m.paypal.com"
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	return &PayPalAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *PayPalAdapter) Code() int32 {
	return entity.ProviderPayPal
}

func (p *PayPalAdapter) Name() string {
	return "paypal"
}

// Charge creates an order with an immediate payment source and captures
// it in the same call chain. A capture that comes back PENDING is
// surfaced as pending and resolved later by webhook or reconcile poll.
func (p *PayPalAdapter) Charge(ctx context.Context, input *ChargeInput) (*Result, error) {
	orderReq := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"reference_id": input.ExternalOrderID,
			"custom_id":    strconv.FormatUint(input.OrderID, 10),
			"description":  fmt.Sprintf("Order #%s by %s", input.ExternalOrderID, input.BillingName),
			"amount": map[string]string{
				"currency_code": strings.ToUpper(input.Currency),
				"value":         paypalValue(input.AmountCents, input.Currency),
			},
		}},
	}
	if strings.TrimSpace(input.PaymentMethodToken) != "" {
		orderReq["payment_source"] = map[string]interface{}{
			"token": map[string]string{
				"id":   input.PaymentMethodToken,
				"type": "PAYMENT_METHOD_TOKEN",
			},
		}
	}

	body, err := p.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", orderReq, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var order struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, wrapTransport(p.Name(), err)
	}
	if strings.TrimSpace(order.ID) == "" {
		return nil, newError(p.Name(), ErrorKindValidation, "paypal order id missing", 0)
	}

	captureBody, err := p.doJSON(ctx, http.MethodPost,
		"/v2/checkout/orders/"+url.PathEscape(order.ID)+"/capture", nil, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var capture struct {
		Status        string `json:"status"`
		PurchaseUnits []struct {
			Payments struct {
				Captures []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				} `json:"captures"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}
	if err := json.Unmarshal(captureBody, &capture); err != nil {
		return nil, wrapTransport(p.Name(), err)
	}

	transactionID := order.ID
	rawStatus := capture.Status
	if len(capture.PurchaseUnits) > 0 && len(capture.PurchaseUnits[0].Payments.Captures) > 0 {
		first := capture.PurchaseUnits[0].Payments.Captures[0]
		if strings.TrimSpace(first.ID) != "" {
			transactionID = strings.TrimSpace(first.ID)
		}
		if first.Status != "" {
			rawStatus = first.Status
		}
	}

	return &Result{
		Provider:      p.Name(),
		TransactionID: transactionID,
		Outcome:       paypalCaptureOutcome(rawStatus),
		RawStatus:     rawStatus,
		AmountCents:   input.AmountCents,
	}, nil
}

func (p *PayPalAdapter) Refund(ctx context.Context, input *RefundInput) (*Result, error) {
	refundReq := map[string]interface{}{
		"amount": map[string]string{
			"currency_code": strings.ToUpper(input.Currency),
			"value":         paypalValue(input.AmountCents, input.Currency),
		},
	}
	if strings.TrimSpace(input.Reason) != "" {
		refundReq["note_to_payer"] = truncatePayPalNote(input.Reason)
	}

	body, err := p.doJSON(ctx, http.MethodPost,
		"/v2/payments/captures/"+url.PathEscape(input.TransactionID)+"/refund", refundReq, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &refund); err != nil {
		return nil, wrapTransport(p.Name(), err)
	}

	return &Result{
		Provider:      p.Name(),
		TransactionID: strings.TrimSpace(refund.ID),
		Outcome:       paypalRefundOutcome(refund.Status),
		RawStatus:     refund.Status,
		AmountCents:   input.AmountCents,
	}, nil
}

func (p *PayPalAdapter) CreateSubscription(ctx context.Context, input *SubscriptionInput) (*SubscriptionResult, error) {
	if strings.TrimSpace(input.ProviderPlanID) == "" {
		return nil, newError(p.Name(), ErrorKindValidation, "paypal plan id is required for subscriptions", 0)
	}

	subReq := map[string]interface{}{
		"plan_id":   input.ProviderPlanID,
		"custom_id": strconv.FormatUint(input.OrderID, 10),
		"subscriber": map[string]interface{}{
			"name": map[string]string{
				"given_name": input.BillingName,
			},
			"email_address": input.BillingEmail,
		},
	}

	body, err := p.doJSON(ctx, http.MethodPost, "/v1/billing/subscriptions", subReq, "")
	if err != nil {
		return nil, err
	}

	var sub struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		Subscriber struct {
			PayerID string `json:"payer_id"`
		} `json:"subscriber"`
	}
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, wrapTransport(p.Name(), err)
	}

	return &SubscriptionResult{
		Provider:               p.Name(),
		ProviderSubscriptionID: strings.TrimSpace(sub.ID),
		ProviderCustomerID:     strings.TrimSpace(sub.Subscriber.PayerID),
		Status:                 paypalSubscriptionStatus(sub.Status),
		RawStatus:              sub.Status,
	}, nil
}

func (p *PayPalAdapter) CancelSubscription(ctx context.Context, providerSubscriptionID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by merchant"
	}
	_, err := p.doJSON(ctx, http.MethodPost,
		"/v1/billing/subscriptions/"+url.PathEscape(providerSubscriptionID)+"/cancel",
		map[string]string{"reason": reason}, "")
	return err
}

func (p *PayPalAdapter) GetPaymentStatus(ctx context.Context, providerTransactionID string) (string, error) {
	if strings.TrimSpace(providerTransactionID) == "" {
		return "", nil
	}

	body, err := p.doJSON(ctx, http.MethodGet,
		"/v2/payments/captures/"+url.PathEscape(providerTransactionID), nil, "")
	if err != nil {
		return "", err
	}

	var capture struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &capture); err != nil {
		return "", wrapTransport(p.Name(), err)
	}

	return paypalCaptureOutcome(capture.Status), nil
}

// paypalSignature carries the transmission headers PayPal spreads over
// several HTTP headers, packed into the single signature argument by
// the webhook request type.
type paypalSignature struct {
	TransmissionID   string `json:"transmission_id"`
	TransmissionTime string `json:"transmission_time"`
	TransmissionSig  string `json:"transmission_sig"`
	CertURL          string `json:"cert_url"`
	AuthAlgo         string `json:"auth_algo"`
}

// VerifyAndParseWebhook delegates verification to PayPal's
// verify-webhook-signature API. The raw payload goes on the wire as
// received; re-encoding it would invalidate the transmission signature.
func (p *PayPalAdapter) VerifyAndParseWebhook(ctx context.Context, payload []byte, signature string) (*WebhookEvent, error) {
	if strings.TrimSpace(p.cfg.WebhookID) == "" {
		return nil, newError(p.Name(), ErrorKindAuth, "paypal webhook id is not configured", 0)
	}

	var sig paypalSignature
	if err := json.Unmarshal([]byte(signature), &sig); err != nil {
		return nil, newError(p.Name(), ErrorKindAuth, "malformed paypal signature headers", 0)
	}
	if sig.TransmissionID == "" || sig.TransmissionSig == "" || sig.TransmissionTime == "" {
		return nil, newError(p.Name(), ErrorKindAuth, "missing paypal transmission headers", 0)
	}

	verifyReq := struct {
		TransmissionID   string          `json:"transmission_id"`
		TransmissionTime string          `json:"transmission_time"`
		TransmissionSig  string          `json:"transmission_sig"`
		CertURL          string          `json:"cert_url"`
		AuthAlgo         string          `json:"auth_algo"`
		WebhookID        string          `json:"webhook_id"`
		WebhookEvent     json.RawMessage `json:"webhook_event"`
	}{
		TransmissionID:   sig.TransmissionID,
		TransmissionTime: sig.TransmissionTime,
		TransmissionSig:  sig.TransmissionSig,
		CertURL:          sig.CertURL,
		AuthAlgo:         sig.AuthAlgo,
		WebhookID:        p.cfg.WebhookID,
		WebhookEvent:     json.RawMessage(payload),
	}

	body, err := p.doJSON(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", verifyReq, "")
	if err != nil {
		return nil, err
	}

	var verify struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(body, &verify); err != nil {
		return nil, wrapTransport(p.Name(), err)
	}
	if verify.VerificationStatus != "SUCCESS" {
		return nil, newError(p.Name(), ErrorKindAuth, "paypal signature verification failed", 0)
	}

	return parsePayPalEvent(payload)
}

func parsePayPalEvent(payload []byte) (*WebhookEvent, error) {
	var event struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Resource  struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			CustomID       string `json:"custom_id"`
			BillingAgrID   string `json:"billing_agreement_id"`
			Amount         *struct {
				Value        string `json:"value"`
				CurrencyCode string `json:"currency_code"`
			} `json:"amount"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, newError("paypal", ErrorKindValidation, "malformed paypal payload", 0)
	}

	result := &WebhookEvent{
		ProviderEventID: strings.TrimSpace(event.ID),
		EventType:       event.EventType,
		TransactionID:   strings.TrimSpace(event.Resource.ID),
	}
	if id, err := strconv.ParseUint(strings.TrimSpace(event.Resource.CustomID), 10, 64); err == nil {
		result.OrderID = id
	}
	if event.Resource.Amount != nil {
		result.AmountCents = paypalCents(event.Resource.Amount.Value, event.Resource.Amount.CurrencyCode)
	}

	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		result.Kind = entity.EventKindCharge
		result.Outcome = entity.OutcomeSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		result.Kind = entity.EventKindCharge
		result.Outcome = entity.OutcomeFailed
	case "PAYMENT.CAPTURE.PENDING":
		result.Kind = entity.EventKindCharge
		result.Outcome = entity.OutcomePending
	case "PAYMENT.CAPTURE.REFUNDED":
		result.Kind = entity.EventKindRefund
		result.Outcome = entity.OutcomeSucceeded
		// The resource is the refund object itself; its amount is the
		// single refund's value.
		result.RefundID = strings.TrimSpace(event.Resource.ID)
	case "PAYMENT.SALE.COMPLETED":
		result.Kind = entity.EventKindSubscriptionRenewal
		result.Outcome = entity.OutcomeSucceeded
		result.SubscriptionID = strings.TrimSpace(event.Resource.BillingAgrID)
	case "BILLING.SUBSCRIPTION.PAYMENT.FAILED":
		result.Kind = entity.EventKindSubscriptionRenewal
		result.Outcome = entity.OutcomeFailed
		result.SubscriptionID = strings.TrimSpace(event.Resource.ID)
	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.SUSPENDED", "BILLING.SUBSCRIPTION.EXPIRED":
		result.SubscriptionCancelled = true
		result.SubscriptionID = strings.TrimSpace(event.Resource.ID)
	}

	return result, nil
}

func (p *PayPalAdapter) doJSON(ctx context.Context, method, path string, payload interface{}, requestID string) ([]byte, error) {
	token, err := p.accessTokenFor(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, wrapTransport(p.Name(), err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.APIBaseURL+path, body)
	if err != nil {
		return nil, wrapTransport(p.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(requestID) != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrapTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(p.Name(), err)
	}
	if resp.StatusCode >= 400 {
		return nil, p.apiError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

func (p *PayPalAdapter) accessTokenFor(ctx context.Context) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	if strings.TrimSpace(p.cfg.ClientID) == "" || strings.TrimSpace(p.cfg.ClientSecret) == "" {
		return "", newError(p.Name(), ErrorKindAuth, "paypal credentials are not configured", 0)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.APIBaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", wrapTransport(p.Name(), err)
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", wrapTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", wrapTransport(p.Name(), err)
	}
	if resp.StatusCode >= 400 {
		return "", newError(p.Name(), ErrorKindAuth, "paypal token request failed", resp.StatusCode)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return "", wrapTransport(p.Name(), err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return "", newError(p.Name(), ErrorKindAuth, "paypal token response missing access_token", 0)
	}

	p.accessToken = token.AccessToken
	// Renew a minute early so in-flight calls never carry a token that
	// expires mid-request.
	p.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn)*time.Second - time.Minute)

	return p.accessToken, nil
}

func (p *PayPalAdapter) apiError(status int, body []byte) *Error {
	var payload struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Details []struct {
			Issue       string `json:"issue"`
			Description string `json:"description"`
		} `json:"details"`
	}
	_ = json.Unmarshal(body, &payload)

	kind := kindFromHTTPStatus(status)
	if payload.Name == "UNPROCESSABLE_ENTITY" {
		for _, d := range payload.Details {
			if strings.Contains(d.Issue, "DECLINED") || strings.Contains(d.Issue, "INSTRUMENT") {
				kind = ErrorKindDeclined
			}
		}
	}

	message := strings.TrimSpace(payload.Message)
	if message == "" {
		message = fmt.Sprintf("paypal request failed: status=%d", status)
	}
	return newError(p.Name(), kind, message, status)
}

func paypalCaptureOutcome(status string) string {
	switch status {
	case "COMPLETED":
		return entity.OutcomeSucceeded
	case "PENDING":
		return entity.OutcomePending
	case "DECLINED", "FAILED":
		return entity.OutcomeFailed
	case "PAYER_ACTION_REQUIRED":
		return entity.OutcomeRequiresAction
	default:
		return ""
	}
}

func paypalRefundOutcome(status string) string {
	switch status {
	case "COMPLETED":
		return entity.OutcomeSucceeded
	case "PENDING":
		return entity.OutcomePending
	case "CANCELLED", "FAILED":
		return entity.OutcomeFailed
	default:
		return ""
	}
}

func paypalSubscriptionStatus(status string) string {
	switch status {
	case "ACTIVE":
		return "active"
	case "SUSPENDED":
		return "past_due"
	case "CANCELLED", "EXPIRED":
		return "cancelled"
	default:
		return "pending"
	}
}

// paypalValue renders ISO minor units as the decimal string PayPal's
// amount objects expect, e.g. 1999 USD cents -> "19.99".
func paypalValue(amountCents int64, currency string) string {
	if paypalZeroDecimal[strings.ToUpper(strings.TrimSpace(currency))] {
		return strconv.FormatInt(amountCents/100, 10)
	}
	whole := amountCents / 100
	frac := amountCents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d", whole, frac)
}

func paypalCents(value, currency string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if paypalZeroDecimal[strings.ToUpper(strings.TrimSpace(currency))] {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0
		}
		return n * 100
	}
	whole, frac := value, "0"
	if i := strings.IndexByte(value, '.'); i >= 0 {
		whole, frac = value[:i], value[i+1:]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0
	}
	f, err := strconv.ParseInt(frac[:2], 10, 64)
	if err != nil {
		return 0
	}
	if w < 0 {
		return w*100 - f
	}
	return w*100 + f
}

var paypalZeroDecimal = map[string]bool{
	"HUF": true,
	"TWD": true,
	"JPY": true,
}

func truncatePayPalNote(note string) string {
	note = strings.TrimSpace(note)
	if len(note) > 255 {
		return note[:255]
	}
	return note
}
