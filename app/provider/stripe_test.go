package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
)

func stripeHeader(payload []byte, secret string, ts int64) string {
	signed := fmt.Sprintf("%d.%s", ts, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signed))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyStripeSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	header := stripeHeader(payload, secret, time.Now().Unix())

	if !verifyStripeSignature(payload, header, secret, 300) {
		t.Fatal("expected signature to validate")
	}
	if verifyStripeSignature(payload, header, "wrong-secret", 300) {
		t.Fatal("expected signature with wrong secret to fail")
	}
	if verifyStripeSignature([]byte(`{"id":"evt_2"}`), header, secret, 300) {
		t.Fatal("expected signature over different payload to fail")
	}
}

func TestVerifyStripeSignatureStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	header := stripeHeader(payload, secret, time.Now().Add(-time.Hour).Unix())

	if verifyStripeSignature(payload, header, secret, 300) {
		t.Fatal("expected stale timestamp to fail")
	}
}

func TestStripeCharge(t *testing.T) {
	var gotIdempotencyKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("amount") != "1999" {
			t.Fatalf("unexpected amount: %s", r.PostForm.Get("amount"))
		}
		if r.PostForm.Get("metadata[order_id]") != "42" {
			t.Fatalf("unexpected order id metadata: %s", r.PostForm.Get("metadata[order_id]"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","status":"succeeded","amount":1999}`))
	}))
	defer server.Close()

	adapter := NewStripeAdapter(StripeConfig{SecretKey: "sk_test", APIBaseURL: server.URL})
	result, err := adapter.Charge(context.Background(), &ChargeInput{
		RequestID:          "req-1",
		OrderID:            42,
		ExternalOrderID:    "ext-42",
		AmountCents:        1999,
		Currency:           "USD",
		BillingName:        "Ada Lovelace",
		PaymentMethodToken: "pm_card",
		IdempotencyKey:     "idem-abc",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TransactionID != "pi_123" {
		t.Fatalf("unexpected transaction id: %s", result.TransactionID)
	}
	if result.Outcome != entity.OutcomeSucceeded {
		t.Fatalf("unexpected outcome: %s", result.Outcome)
	}
	if gotIdempotencyKey != "idem-abc" {
		t.Fatalf("expected idempotency key header, got %q", gotIdempotencyKey)
	}
}

func TestStripeChargeDeclined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	}))
	defer server.Close()

	adapter := NewStripeAdapter(StripeConfig{SecretKey: "sk_test", APIBaseURL: server.URL})
	_, err := adapter.Charge(context.Background(), &ChargeInput{
		OrderID:            1,
		AmountCents:        100,
		Currency:           "USD",
		PaymentMethodToken: "pm_card",
	})
	if err == nil {
		t.Fatal("expected decline error")
	}
	pe, ok := AsError(err)
	if !ok {
		t.Fatalf("expected provider error, got %T", err)
	}
	if pe.Kind != ErrorKindDeclined {
		t.Fatalf("unexpected kind: %s", pe.Kind)
	}
	if pe.Retryable() {
		t.Fatal("declines must not be retryable")
	}
}

func TestStripeVerifyAndParseWebhook(t *testing.T) {
	adapter := NewStripeAdapter(StripeConfig{SecretKey: "sk_test", WebhookSecret: "whsec_test"})
	payload := []byte(`{"id":"evt_9","type":"payment_intent.succeeded","data":{"object":{"id":"pi_9","amount":500,"metadata":{"order_id":"7"}}}}`)
	header := stripeHeader(payload, "whsec_test", time.Now().Unix())

	event, err := adapter.VerifyAndParseWebhook(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ProviderEventID != "evt_9" {
		t.Fatalf("unexpected event id: %s", event.ProviderEventID)
	}
	if event.Kind != entity.EventKindCharge || event.Outcome != entity.OutcomeSucceeded {
		t.Fatalf("unexpected mapping: kind=%s outcome=%s", event.Kind, event.Outcome)
	}
	if event.OrderID != 7 {
		t.Fatalf("unexpected order id: %d", event.OrderID)
	}
	if event.TransactionID != "pi_9" {
		t.Fatalf("unexpected transaction id: %s", event.TransactionID)
	}
}

func TestStripeWebhookRefundCarriesSingleRefund(t *testing.T) {
	adapter := NewStripeAdapter(StripeConfig{SecretKey: "sk_test", WebhookSecret: "whsec_test"})
	// A second partial refund: amount_refunded holds the cumulative
	// total, the refund list holds the individual refunds newest first.
	payload := []byte(`{"id":"evt_rf","type":"charge.refunded","data":{"object":{"payment_intent":"pi_9","amount_refunded":2500,"refunds":{"data":[{"id":"re_2","amount":500},{"id":"re_1","amount":2000}]},"metadata":{"order_id":"7"}}}}`)
	header := stripeHeader(payload, "whsec_test", time.Now().Unix())

	event, err := adapter.VerifyAndParseWebhook(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Kind != entity.EventKindRefund || event.Outcome != entity.OutcomeSucceeded {
		t.Fatalf("unexpected mapping: kind=%s outcome=%s", event.Kind, event.Outcome)
	}
	if event.RefundID != "re_2" {
		t.Fatalf("unexpected refund id: %s", event.RefundID)
	}
	if event.AmountCents != 500 {
		t.Fatalf("expected the single refund amount, got %d", event.AmountCents)
	}
	if event.TransactionID != "pi_9" {
		t.Fatalf("unexpected transaction id: %s", event.TransactionID)
	}
}

func TestStripeVerifyAndParseWebhookBadSignature(t *testing.T) {
	adapter := NewStripeAdapter(StripeConfig{SecretKey: "sk_test", WebhookSecret: "whsec_test"})
	payload := []byte(`{"id":"evt_9","type":"payment_intent.succeeded"}`)
	header := stripeHeader(payload, "whsec_other", time.Now().Unix())

	_, err := adapter.VerifyAndParseWebhook(context.Background(), payload, header)
	if err == nil {
		t.Fatal("expected bad signature to be rejected")
	}
	pe, ok := AsError(err)
	if !ok || pe.Kind != ErrorKindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestStripeWebhookSubscriptionDeleted(t *testing.T) {
	adapter := NewStripeAdapter(StripeConfig{SecretKey: "sk_test", WebhookSecret: "whsec_test"})
	payload := []byte(`{"id":"evt_sub","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1"}}}`)
	header := stripeHeader(payload, "whsec_test", time.Now().Unix())

	event, err := adapter.VerifyAndParseWebhook(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !event.SubscriptionCancelled {
		t.Fatal("expected cancellation flag")
	}
	if event.SubscriptionID != "sub_1" {
		t.Fatalf("unexpected subscription id: %s", event.SubscriptionID)
	}
	if event.Kind != "" {
		t.Fatalf("cancellation must not carry an order event kind, got %s", event.Kind)
	}
}

func TestStripeAmountZeroDecimal(t *testing.T) {
	if got := stripeAmount(150000, "HUF"); got != 1500 {
		t.Fatalf("unexpected HUF amount: %d", got)
	}
	if got := stripeAmount(1999, "usd"); got != 1999 {
		t.Fatalf("unexpected USD amount: %d", got)
	}
}
