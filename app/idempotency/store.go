// Package idempotency guards payment operations against duplicate
// submission. A caller reserves a derived key before talking to a
// provider; concurrent or repeated submissions of the same operation
// observe the reservation instead of executing again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrStoreUnavailable = errors.New("idempotency store unavailable")

const (
	// StateReserved means this call won the reservation and owns the
	// operation.
	StateReserved = "reserved"
	// StateInFlight means another call holds an unexpired reservation.
	StateInFlight = "in_flight"
	// StateCompleted means the operation already finished; Outcome
	// carries its recorded result.
	StateCompleted = "completed"
)

// Outcome is the recorded result of a completed operation, replayed to
// duplicate submissions instead of re-executing.
type Outcome struct {
	OrderID       uint64 `json:"order_id"`
	Status        int32  `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
}

type Reservation struct {
	Key     string
	State   string
	Outcome *Outcome
}

type Store interface {
	// Reserve claims the key for the caller. Exactly one concurrent
	// Reserve for the same key returns StateReserved; the rest observe
	// StateInFlight or StateCompleted.
	Reserve(ctx context.Context, key string, ttl time.Duration) (*Reservation, error)

	// Complete records the outcome under the key so later submissions
	// replay it. The outcome stays until the key expires.
	Complete(ctx context.Context, key string, outcome *Outcome, ttl time.Duration) error

	// Release frees a reservation whose operation failed in a retryable
	// way, letting the caller try again. Completed keys are not touched.
	Release(ctx context.Context, key string) error
}

// Key derives the idempotency key for one logical operation. Two
// requests that would perform the same side effect derive the same key.
func Key(callerService string, orderID uint64, operation string, amountCents int64, scope string) string {
	material := fmt.Sprintf("%s|%d|%s|%d|%s",
		strings.TrimSpace(callerService), orderID, strings.TrimSpace(operation), amountCents, strings.TrimSpace(scope))
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
