package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idem:"

// redisReleaseScript deletes the reservation only while it is still
// in-flight, so a Release racing a Complete cannot drop a recorded
// outcome.
// KEYS[1] = reservation key
var redisReleaseScript = redis.NewScript(`
local value = redis.call("GET", KEYS[1])
if value == false then
    return 0
end
if value == "1" then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`)

// RedisStore backs the idempotency contract with Redis. An in-flight
// reservation is the sentinel value "1" under the key; a completed
// operation replaces it with the outcome JSON. Expiry is Redis TTL.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (*Reservation, error) {
	fullKey := redisKeyPrefix + key

	set, err := s.client.SetNX(ctx, fullKey, "1", ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if set {
		return &Reservation{Key: key, State: StateReserved}, nil
	}

	value, err := s.client.Get(ctx, fullKey).Result()
	if errors.Is(err, redis.Nil) {
		// Key expired between SETNX and GET; treat the caller as racing
		// a fresh reservation.
		return &Reservation{Key: key, State: StateInFlight}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if value == "1" {
		return &Reservation{Key: key, State: StateInFlight}, nil
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(value), &outcome); err != nil {
		return nil, fmt.Errorf("%w: corrupt outcome for key %s", ErrStoreUnavailable, key)
	}
	return &Reservation{Key: key, State: StateCompleted, Outcome: &outcome}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, outcome *Outcome, ttl time.Duration) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, string(encoded), ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := redisReleaseScript.Run(ctx, s.client, []string{redisKeyPrefix + key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
