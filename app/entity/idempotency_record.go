package entity

import "time"

const (
	IdempotencyStateInFlight  int32 = 1
	IdempotencyStateCompleted int32 = 10
)

// IdempotencyRecord is the durable row backing the SQL idempotency
// store. Key is unique; an in-flight row blocks concurrent submission
// of the same operation until it completes, is released, or expires.
type IdempotencyRecord struct {
	ID uint64

	Key         string
	State       int32
	OutcomeJSON *string

	ExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
