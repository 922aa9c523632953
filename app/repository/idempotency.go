package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
	"github.com/advancedpay/ms-go-payment-core/app/idempotency"
)

// IdempotencyRepository backs the idempotency store contract with the
// primary database. Reservation atomicity comes from the unique key on
// idempotency_keys.key_hash: exactly one concurrent INSERT wins.
type IdempotencyRepository struct {
	db  DBTX
	now func() time.Time
}

func NewIdempotencyRepository(db DBTX) *IdempotencyRepository {
	return &IdempotencyRepository{db: db, now: time.Now}
}

func (r *IdempotencyRepository) Reserve(ctx context.Context, key string, ttl time.Duration) (*idempotency.Reservation, error) {
	now := r.now()

	query := `
		INSERT INTO idempotency_keys (key_hash, state, outcome_json, expires_at, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		key, entity.IdempotencyStateInFlight, now.Add(ttl), now, now)
	if err == nil {
		return &idempotency.Reservation{Key: key, State: idempotency.StateReserved}, nil
	}
	if !isDuplicateEntryError(err) {
		return nil, err
	}

	record, err := r.findByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		// Row expired and was purged between INSERT and SELECT.
		return &idempotency.Reservation{Key: key, State: idempotency.StateInFlight}, nil
	}

	if record.State == entity.IdempotencyStateCompleted {
		outcome := &idempotency.Outcome{}
		if record.OutcomeJSON != nil {
			if err := json.Unmarshal([]byte(*record.OutcomeJSON), outcome); err != nil {
				return nil, err
			}
		}
		return &idempotency.Reservation{Key: key, State: idempotency.StateCompleted, Outcome: outcome}, nil
	}

	if now.After(record.ExpiresAt) {
		taken, err := r.takeOverExpired(ctx, record, now, ttl)
		if err != nil {
			return nil, err
		}
		if taken {
			return &idempotency.Reservation{Key: key, State: idempotency.StateReserved}, nil
		}
	}

	return &idempotency.Reservation{Key: key, State: idempotency.StateInFlight}, nil
}

// takeOverExpired claims an abandoned in-flight row. The updated_at
// guard makes the claim a compare-and-set: of several concurrent
// takers, only one matches the old timestamp.
func (r *IdempotencyRepository) takeOverExpired(ctx context.Context, record *entity.IdempotencyRecord, now time.Time, ttl time.Duration) (bool, error) {
	query := `
		UPDATE idempotency_keys
		SET state = ?, outcome_json = NULL, expires_at = ?, updated_at = ?
		WHERE key_hash = ? AND state = ? AND updated_at = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		entity.IdempotencyStateInFlight, now.Add(ttl), now,
		record.Key, entity.IdempotencyStateInFlight, record.UpdatedAt)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key string, outcome *idempotency.Outcome, ttl time.Duration) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return err
	}

	now := r.now()
	query := `
		UPDATE idempotency_keys
		SET state = ?, outcome_json = ?, expires_at = ?, updated_at = ?
		WHERE key_hash = ?
	`
	_, err = r.db.ExecContext(ctx, query,
		entity.IdempotencyStateCompleted, string(encoded), now.Add(ttl), now, key)
	return err
}

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	query := `DELETE FROM idempotency_keys WHERE key_hash = ? AND state = ?`
	_, err := r.db.ExecContext(ctx, query, key, entity.IdempotencyStateInFlight)
	return err
}

// PurgeExpired removes rows past their expiry. Run from the jobs
// worker; completed outcomes stay replayable until then.
func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, now time.Time, limit int32) (int64, error) {
	query := `DELETE FROM idempotency_keys WHERE expires_at < ? LIMIT ?`
	result, err := r.db.ExecContext(ctx, query, now, limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *IdempotencyRepository) findByKey(ctx context.Context, key string) (*entity.IdempotencyRecord, error) {
	query := `
		SELECT id, key_hash, state, outcome_json, expires_at, created_at, updated_at
		FROM idempotency_keys
		WHERE key_hash = ?
	`

	record := &entity.IdempotencyRecord{}
	var outcomeJSON sql.NullString

	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&record.ID, &record.Key, &record.State, &outcomeJSON,
		&record.ExpiresAt, &record.CreatedAt, &record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	record.OutcomeJSON = stringPtrFromNull(outcomeJSON)
	return record, nil
}
