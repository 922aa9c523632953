package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

const subscriptionColumns = `id, origin_order_id, provider,
	provider_subscription_id, provider_customer_id, payment_method_token,
	status, recurring_interval, recurring_interval_count,
	amount_cents, currency, current_period_end,
	created_at, updated_at`

type SubscriptionRepository struct {
	db DBTX
}

func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *entity.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			origin_order_id, provider,
			provider_subscription_id, provider_customer_id, payment_method_token,
			status, recurring_interval, recurring_interval_count,
			amount_cents, currency, current_period_end,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		sub.OriginOrderID,
		sub.Provider,
		nullableStringValue(sub.ProviderSubscriptionID),
		nullableStringValue(sub.ProviderCustomerID),
		nullableStringValue(sub.PaymentMethodToken),
		sub.Status,
		sub.Interval,
		sub.IntervalCount,
		sub.AmountCents,
		sub.Currency,
		nullableTimeValue(sub.CurrentPeriodEnd),
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	sub.ID = uint64(id)
	return nil
}

func (r *SubscriptionRepository) Update(ctx context.Context, sub *entity.Subscription) error {
	query := `
		UPDATE subscriptions SET
			provider_subscription_id = ?,
			provider_customer_id = ?,
			payment_method_token = ?,
			status = ?,
			recurring_interval = ?,
			recurring_interval_count = ?,
			amount_cents = ?,
			currency = ?,
			current_period_end = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(sub.ProviderSubscriptionID),
		nullableStringValue(sub.ProviderCustomerID),
		nullableStringValue(sub.PaymentMethodToken),
		sub.Status,
		sub.Interval,
		sub.IntervalCount,
		sub.AmountCents,
		sub.Currency,
		nullableTimeValue(sub.CurrentPeriodEnd),
		sub.UpdatedAt,
		sub.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

func (r *SubscriptionRepository) FindByID(ctx context.Context, id uint64) (*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *SubscriptionRepository) FindByProviderSubscriptionID(ctx context.Context, provider int32, providerSubscriptionID string) (*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE provider = ? AND provider_subscription_id = ?
		LIMIT 1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, provider, providerSubscriptionID))
}

func (r *SubscriptionRepository) scanOne(row *sql.Row) (*entity.Subscription, error) {
	sub := &entity.Subscription{}
	var providerSubscriptionID, providerCustomerID, paymentMethodToken sql.NullString
	var currentPeriodEnd sql.NullTime

	err := row.Scan(
		&sub.ID, &sub.OriginOrderID, &sub.Provider,
		&providerSubscriptionID, &providerCustomerID, &paymentMethodToken,
		&sub.Status, &sub.Interval, &sub.IntervalCount,
		&sub.AmountCents, &sub.Currency, &currentPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sub.ProviderSubscriptionID = stringPtrFromNull(providerSubscriptionID)
	sub.ProviderCustomerID = stringPtrFromNull(providerCustomerID)
	sub.PaymentMethodToken = stringPtrFromNull(paymentMethodToken)
	sub.CurrentPeriodEnd = timePtrFromNull(currentPeriodEnd)
	return sub, nil
}
