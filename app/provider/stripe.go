package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
)

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	APIBaseURL                string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type StripeAdapter struct {
	cfg    StripeConfig
	client *http.Client
}

func NewStripeAdapter(cfg StripeConfig) *StripeAdapter {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.SignatureToleranceSeconds <= 0 {
		cfg.SignatureToleranceSeconds = 300
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = "https://api.stripe.com"
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	return &StripeAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *StripeAdapter) Code() int32 {
	return entity.ProviderStripe
}

func (p *StripeAdapter) Name() string {
	return "stripe"
}

func (p *StripeAdapter) Charge(ctx context.Context, input *ChargeInput) (*Result, error) {
	if strings.TrimSpace(p.cfg.SecretKey) == "" {
		return nil, newError(p.Name(), ErrorKindAuth, "stripe secret key is not configured", 0)
	}
	if strings.TrimSpace(input.PaymentMethodToken) == "" {
		return nil, newError(p.Name(), ErrorKindValidation, "payment method token is required", 0)
	}

	values := url.Values{}
	values.Set("amount", strconv.FormatInt(stripeAmount(input.AmountCents, input.Currency), 10))
	values.Set("currency", strings.ToLower(input.Currency))
	values.Set("payment_method", input.PaymentMethodToken)
	values.Set("confirm", "true")
	values.Set("automatic_payment_methods[enabled]", "true")
	values.Set("automatic_payment_methods[allow_redirects]", "never")
	values.Set("description", fmt.Sprintf("Order #%s by %s", input.ExternalOrderID, input.BillingName))
	for k, v := range input.Metadata {
		values.Set("metadata["+k+"]", v)
	}
	values.Set("metadata[order_id]", strconv.FormatUint(input.OrderID, 10))
	values.Set("metadata[request_id]", input.RequestID)

	body, err := p.postForm(ctx, "/v1/payment_intents", values, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var intent struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	}
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, wrapTransport(p.Name(), err)
	}

	return &Result{
		Provider:      p.Name(),
		TransactionID: strings.TrimSpace(intent.ID),
		Outcome:       stripeIntentOutcome(intent.Status),
		RawStatus:     intent.Status,
		AmountCents:   input.AmountCents,
	}, nil
}

func (p *StripeAdapter) Refund(ctx context.Context, input *RefundInput) (*Result, error) {
	values := url.Values{}
	values.Set("payment_intent", input.TransactionID)
	values.Set("amount", strconv.FormatInt(stripeAmount(input.AmountCents, input.Currency), 10))
	values.Set("reason", "requested_by_customer")
	values.Set("metadata[order_id]", strconv.FormatUint(input.OrderID, 10))
	if strings.TrimSpace(input.Reason) != "" {
		values.Set("metadata[reason]", input.Reason)
	}

	body, err := p.postForm(ctx, "/v1/refunds", values, input.IdempotencyKey)
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
		Outcome:       stripeRefundOutcome(refund.Status),
		RawStatus:     refund.Status,
		AmountCents:   input.AmountCents,
	}, nil
}

// CreateSubscription chains customer, product and recurring price
// creation before the subscription itself, since the price API needs a
// product and the subscription needs both a customer and a price.
func (p *StripeAdapter) CreateSubscription(ctx context.Context, input *SubscriptionInput) (*SubscriptionResult, error) {
	customerValues := url.Values{}
	customerValues.Set("email", input.BillingEmail)
	customerValues.Set("name", input.BillingName)
	if strings.TrimSpace(input.PaymentMethodToken) != "" {
		customerValues.Set("payment_method", input.PaymentMethodToken)
		customerValues.Set("invoice_settings[default_payment_method]", input.PaymentMethodToken)
	}
	customerResp, err := p.postForm(ctx, "/v1/customers", customerValues, "")
	if err != nil {
		return nil, err
	}
	var customer struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(customerResp, &customer); err != nil {
		return nil, wrapTransport(p.Name(), err)
	}
	if strings.TrimSpace(customer.ID) == "" {
		return nil, newError(p.Name(), ErrorKindValidation, "stripe customer id missing", 0)
	}

	productValues := url.Values{}
	productValues.Set("name", "order-"+input.ExternalOrderID)
	productResp, err := p.postForm(ctx, "/v1/products", productValues, "")
	if err != nil {
		return nil, err
	}
	var product struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(productResp, &product); err != nil {
		return nil, wrapTransport(p.Name(), err)
	}

	priceValues := url.Values{}
	priceValues.Set("currency", strings.ToLower(input.Currency))
	priceValues.Set("unit_amount", strconv.FormatInt(stripeAmount(input.AmountCents, input.Currency), 10))
	priceValues.Set("product", product.ID)
	priceValues.Set("recurring[interval]", input.Interval)
	priceValues.Set("recurring[interval_count]", strconv.FormatInt(int64(input.IntervalCount), 10))
	priceResp, err := p.postForm(ctx, "/v1/prices", priceValues, "")
	if err != nil {
		return nil, err
	}
	var price struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(priceResp, &price); err != nil {
		return nil, wrapTransport(p.Name(), err)
	}

	subValues := url.Values{}
	subValues.Set("customer", customer.ID)
	subValues.Set("items[0][price]", price.ID)
	subValues.Set("metadata[order_id]", strconv.FormatUint(input.OrderID, 10))
	subResp, err := p.postForm(ctx, "/v1/subscriptions", subValues, "")
	if err != nil {
		return nil, err
	}
	var sub struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(subResp, &sub); err != nil {
		return nil, wrapTransport(p.Name(), err)
	}

	return &SubscriptionResult{
		Provider:               p.Name(),
		ProviderSubscriptionID: strings.TrimSpace(sub.ID),
		ProviderCustomerID:     strings.TrimSpace(customer.ID),
		Status:                 stripeSubscriptionStatus(sub.Status),
		RawStatus:              sub.Status,
	}, nil
}

func (p *StripeAdapter) CancelSubscription(ctx context.Context, providerSubscriptionID, reason string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		p.cfg.APIBaseURL+"/v1/subscriptions/"+url.PathEscape(providerSubscriptionID), nil)
	if err != nil {
		return wrapTransport(p.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return wrapTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapTransport(p.Name(), err)
	}
	if resp.StatusCode >= 400 {
		return p.apiError(resp.StatusCode, body)
	}
	return nil
}

func (p *StripeAdapter) GetPaymentStatus(ctx context.Context, providerTransactionID string) (string, error) {
	if strings.TrimSpace(providerTransactionID) == "" {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.cfg.APIBaseURL+"/v1/payment_intents/"+url.PathEscape(providerTransactionID), nil)
	if err != nil {
		return "", wrapTransport(p.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)

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
		return "", p.apiError(resp.StatusCode, body)
	}

	var intent struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &intent); err != nil {
		return "", wrapTransport(p.Name(), err)
	}

	return stripeIntentOutcome(intent.Status), nil
}

func (p *StripeAdapter) VerifyAndParseWebhook(_ context.Context, payload []byte, signature string) (*WebhookEvent, error) {
	if strings.TrimSpace(p.cfg.WebhookSecret) == "" {
		return nil, newError(p.Name(), ErrorKindAuth, "stripe webhook secret is not configured", 0)
	}
	if !verifyStripeSignature(payload, signature, p.cfg.WebhookSecret, p.cfg.SignatureToleranceSeconds) {
		return nil, newError(p.Name(), ErrorKindAuth, "invalid stripe signature", 0)
	}

	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, newError(p.Name(), ErrorKindValidation, "malformed stripe payload", 0)
	}

	result := &WebhookEvent{
		ProviderEventID: strings.TrimSpace(event.ID),
		EventType:       event.Type,
	}

	switch event.Type {
	case "payment_intent.succeeded":
		result.Kind = entity.EventKindCharge
		result.Outcome = entity.OutcomeSucceeded
		assignStripeIntentFields(result, event.Data.Object)
	case "payment_intent.payment_failed":
		result.Kind = entity.EventKindCharge
		result.Outcome = entity.OutcomeFailed
		assignStripeIntentFields(result, event.Data.Object)
	case "payment_intent.processing":
		result.Kind = entity.EventKindCharge
		result.Outcome = entity.OutcomePending
		assignStripeIntentFields(result, event.Data.Object)
	case "payment_intent.requires_action":
		result.Kind = entity.EventKindCharge
		result.Outcome = entity.OutcomeRequiresAction
		assignStripeIntentFields(result, event.Data.Object)
	case "charge.refunded":
		result.Kind = entity.EventKindRefund
		result.Outcome = entity.OutcomeSucceeded
		assignStripeChargeFields(result, event.Data.Object)
	case "invoice.paid":
		result.Kind = entity.EventKindSubscriptionRenewal
		result.Outcome = entity.OutcomeSucceeded
		assignStripeInvoiceFields(result, event.Data.Object)
	case "invoice.payment_failed":
		result.Kind = entity.EventKindSubscriptionRenewal
		result.Outcome = entity.OutcomeFailed
		assignStripeInvoiceFields(result, event.Data.Object)
	case "customer.subscription.deleted":
		result.SubscriptionCancelled = true
		assignStripeSubscriptionFields(result, event.Data.Object)
	}

	return result, nil
}

func (p *StripeAdapter) postForm(ctx context.Context, path string, values url.Values, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIBaseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, wrapTransport(p.Name(), err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if strings.TrimSpace(idempotencyKey) != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrapTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(p.Name(), err)
	}
	if resp.StatusCode >= 400 {
		return nil, p.apiError(resp.StatusCode, body)
	}

	return body, nil
}

func (p *StripeAdapter) apiError(status int, body []byte) *Error {
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	kind := kindFromHTTPStatus(status)
	if payload.Error.Type == "card_error" {
		kind = ErrorKindDeclined
	}
	message := strings.TrimSpace(payload.Error.Message)
	if message == "" {
		message = fmt.Sprintf("stripe request failed: status=%d", status)
	}
	return newError(p.Name(), kind, message, status)
}

func stripeIntentOutcome(status string) string {
	switch status {
	case "succeeded":
		return entity.OutcomeSucceeded
	case "processing":
		return entity.OutcomePending
	case "requires_action", "requires_confirmation":
		return entity.OutcomeRequiresAction
	case "requires_payment_method", "canceled":
		return entity.OutcomeFailed
	default:
		return ""
	}
}

func stripeRefundOutcome(status string) string {
	switch status {
	case "succeeded":
		return entity.OutcomeSucceeded
	case "pending":
		return entity.OutcomePending
	case "failed", "canceled":
		return entity.OutcomeFailed
	default:
		return ""
	}
}

func stripeSubscriptionStatus(status string) string {
	switch status {
	case "active", "trialing":
		return "active"
	case "past_due", "unpaid":
		return "past_due"
	case "canceled":
		return "cancelled"
	default:
		return "pending"
	}
}

// stripeZeroDecimal lists currencies Stripe bills in whole units while
// ISO 4217 assigns them two decimals. Local amounts are ISO minor
// units, so these need dividing before transmission.
var stripeZeroDecimal = map[string]bool{
	"HUF": true,
	"TWD": true,
	"UGX": true,
}

func stripeAmount(amountCents int64, currency string) int64 {
	if stripeZeroDecimal[strings.ToUpper(strings.TrimSpace(currency))] {
		return amountCents / 100
	}
	return amountCents
}

func verifyStripeSignature(payload []byte, signatureHeader string, webhookSecret string, toleranceSeconds int64) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" || strings.TrimSpace(webhookSecret) == "" {
		return false
	}

	parts := strings.Split(signatureHeader, ",")
	var ts string
	v1 := make([]string, 0, 1)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "t=") {
			ts = strings.TrimSpace(strings.TrimPrefix(part, "t="))
		}
		if strings.HasPrefix(part, "v1=") {
			v1 = append(v1, strings.TrimSpace(strings.TrimPrefix(part, "v1=")))
		}
	}
	if ts == "" || len(v1) == 0 {
		return false
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	if now-tsUnix > toleranceSeconds || tsUnix-now > toleranceSeconds {
		return false
	}

	signedPayload := []byte(ts + "." + string(payload))
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write(signedPayload)
	expected := mac.Sum(nil)

	for _, sig := range v1 {
		candidate, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(candidate, expected) {
			return true
		}
	}

	return false
}

func assignStripeIntentFields(event *WebhookEvent, payload json.RawMessage) {
	var object struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Metadata struct {
			OrderID string `json:"order_id"`
		} `json:"metadata"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}
	event.TransactionID = strings.TrimSpace(object.ID)
	event.AmountCents = object.Amount
	if id, err := strconv.ParseUint(strings.TrimSpace(object.Metadata.OrderID), 10, 64); err == nil {
		event.OrderID = id
	}
}

func assignStripeChargeFields(event *WebhookEvent, payload json.RawMessage) {
	var object struct {
		PaymentIntent  string `json:"payment_intent"`
		AmountRefunded int64  `json:"amount_refunded"`
		Refunds        struct {
			Data []struct {
				ID     string `json:"id"`
				Amount int64  `json:"amount"`
			} `json:"data"`
		} `json:"refunds"`
		Metadata struct {
			OrderID string `json:"order_id"`
		} `json:"metadata"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}
	event.TransactionID = strings.TrimSpace(object.PaymentIntent)
	// amount_refunded is the charge's cumulative total. The refund list
	// carries the individual refund objects, newest first; that is the
	// increment this event is about.
	if len(object.Refunds.Data) > 0 {
		event.RefundID = strings.TrimSpace(object.Refunds.Data[0].ID)
		event.AmountCents = object.Refunds.Data[0].Amount
	} else {
		event.AmountCents = object.AmountRefunded
	}
	if id, err := strconv.ParseUint(strings.TrimSpace(object.Metadata.OrderID), 10, 64); err == nil {
		event.OrderID = id
	}
}

func assignStripeInvoiceFields(event *WebhookEvent, payload json.RawMessage) {
	var object struct {
		ID           string      `json:"id"`
		Subscription interface{} `json:"subscription"`
		AmountPaid   int64       `json:"amount_paid"`
		AmountDue    int64       `json:"amount_due"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}
	event.TransactionID = strings.TrimSpace(object.ID)
	if s := parseStringish(object.Subscription); s != "" {
		event.SubscriptionID = s
	}
	if object.AmountPaid > 0 {
		event.AmountCents = object.AmountPaid
	} else {
		event.AmountCents = object.AmountDue
	}
}

func assignStripeSubscriptionFields(event *WebhookEvent, payload json.RawMessage) {
	var object struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(payload, &object) != nil {
		return
	}
	event.SubscriptionID = strings.TrimSpace(object.ID)
}

func parseStringish(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]interface{}:
		if raw, ok := t["id"]; ok {
			if s, ok := raw.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
