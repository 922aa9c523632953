package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyExists = errors.New("order already exists")
)

const orderColumns = `id, request_id, caller_service, external_order_id, customer_ref,
	amount_cents, currency, status, provider,
	billing_name, billing_email,
	transaction_id, subscription_id,
	refunded_cents, refundable_cents,
	notify_url, metadata_json,
	notify_delivery_status, notify_delivery_attempts, notify_delivery_next_at, notify_delivery_last_error,
	created_at, updated_at`

type OrderFilter struct {
	RequestID       string
	CallerService   string
	ExternalOrderID string
	HasStatus       bool
	Status          int32
	Provider        int32
	Limit           int32
	Offset          int32
}

type OrderRepository struct {
	db DBTX
}

func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *entity.Order) error {
	metadataJSON, err := serializeMetadata(order.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (
			request_id, caller_service, external_order_id, customer_ref,
			amount_cents, currency, status, provider,
			billing_name, billing_email,
			transaction_id, subscription_id,
			refunded_cents, refundable_cents,
			notify_url, metadata_json,
			notify_delivery_status, notify_delivery_attempts, notify_delivery_next_at, notify_delivery_last_error,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		order.RequestID,
		order.CallerService,
		order.ExternalOrderID,
		nullableStringValue(order.CustomerRef),
		order.AmountCents,
		order.Currency,
		order.Status,
		order.Provider,
		order.BillingName,
		order.BillingEmail,
		nullableStringValue(order.TransactionID),
		nullableUint64Value(order.SubscriptionID),
		order.RefundedCents,
		order.RefundableCents,
		order.NotifyURL,
		metadataJSON,
		order.NotifyDeliveryStatus,
		order.NotifyDeliveryAttempts,
		nullableTimeValue(order.NotifyDeliveryNextAt),
		nullableStringValue(order.NotifyDeliveryLastErr),
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrOrderAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	order.ID = uint64(id)
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, order *entity.Order) error {
	metadataJSON, err := serializeMetadata(order.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE orders SET
			customer_ref = ?,
			amount_cents = ?,
			currency = ?,
			status = ?,
			provider = ?,
			billing_name = ?,
			billing_email = ?,
			transaction_id = ?,
			subscription_id = ?,
			refunded_cents = ?,
			refundable_cents = ?,
			notify_url = ?,
			metadata_json = ?,
			notify_delivery_status = ?,
			notify_delivery_attempts = ?,
			notify_delivery_next_at = ?,
			notify_delivery_last_error = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(order.CustomerRef),
		order.AmountCents,
		order.Currency,
		order.Status,
		order.Provider,
		order.BillingName,
		order.BillingEmail,
		nullableStringValue(order.TransactionID),
		nullableUint64Value(order.SubscriptionID),
		order.RefundedCents,
		order.RefundableCents,
		order.NotifyURL,
		metadataJSON,
		order.NotifyDeliveryStatus,
		order.NotifyDeliveryAttempts,
		nullableTimeValue(order.NotifyDeliveryNextAt),
		nullableStringValue(order.NotifyDeliveryLastErr),
		order.UpdatedAt,
		order.ID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id uint64) (*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, id), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) FindByCallerRequestID(ctx context.Context, callerService, requestID string) (*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE caller_service = ? AND request_id = ? LIMIT 1`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, callerService, requestID), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) FindByTransactionID(ctx context.Context, provider int32, transactionID string) (*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE provider = ? AND transaction_id = ? LIMIT 1`

	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, provider, transactionID), order); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) List(ctx context.Context, filter OrderFilter) ([]*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`

	conditions := make([]string, 0, 5)
	args := make([]interface{}, 0, 7)

	if strings.TrimSpace(filter.RequestID) != "" {
		conditions = append(conditions, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if strings.TrimSpace(filter.CallerService) != "" {
		conditions = append(conditions, "caller_service = ?")
		args = append(args, filter.CallerService)
	}
	if strings.TrimSpace(filter.ExternalOrderID) != "" {
		conditions = append(conditions, "external_order_id = ?")
		args = append(args, filter.ExternalOrderID)
	}
	if filter.HasStatus {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Provider > 0 {
		conditions = append(conditions, "provider = ?")
		args = append(args, filter.Provider)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	return r.queryOrders(ctx, query, args...)
}

// ListForReconcile returns non-terminal orders that have not been
// touched since the cutoff, candidates for a provider status poll.
func (r *OrderRepository) ListForReconcile(ctx context.Context, updatedBefore time.Time, limit int32) ([]*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`

	return r.queryOrders(ctx, query,
		entity.OrderStatusPending, entity.OrderStatusProcessing, updatedBefore, limit)
}

func (r *OrderRepository) ListDueNotifyDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE notify_delivery_status = ?
		AND (notify_delivery_next_at IS NULL OR notify_delivery_next_at <= ?)
		ORDER BY id ASC
		LIMIT ?`

	return r.queryOrders(ctx, query, entity.NotifyDeliveryPending, now, limit)
}

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*entity.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]*entity.Order, 0)
	for rows.Next() {
		item, err := scanOrderFromRows(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

func scanOrder(row *sql.Row, order *entity.Order) error {
	var customerRef, transactionID, metadataJSON, notifyLastErr sql.NullString
	var subscriptionID sql.NullInt64
	var notifyNextAt sql.NullTime

	err := row.Scan(
		&order.ID, &order.RequestID, &order.CallerService, &order.ExternalOrderID, &customerRef,
		&order.AmountCents, &order.Currency, &order.Status, &order.Provider,
		&order.BillingName, &order.BillingEmail,
		&transactionID, &subscriptionID,
		&order.RefundedCents, &order.RefundableCents,
		&order.NotifyURL, &metadataJSON,
		&order.NotifyDeliveryStatus, &order.NotifyDeliveryAttempts, &notifyNextAt, &notifyLastErr,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return err
	}

	return assignScannedOrder(order, customerRef, transactionID, metadataJSON, notifyLastErr, subscriptionID, notifyNextAt)
}

func scanOrderFromRows(rows *sql.Rows) (*entity.Order, error) {
	order := &entity.Order{}
	var customerRef, transactionID, metadataJSON, notifyLastErr sql.NullString
	var subscriptionID sql.NullInt64
	var notifyNextAt sql.NullTime

	err := rows.Scan(
		&order.ID, &order.RequestID, &order.CallerService, &order.ExternalOrderID, &customerRef,
		&order.AmountCents, &order.Currency, &order.Status, &order.Provider,
		&order.BillingName, &order.BillingEmail,
		&transactionID, &subscriptionID,
		&order.RefundedCents, &order.RefundableCents,
		&order.NotifyURL, &metadataJSON,
		&order.NotifyDeliveryStatus, &order.NotifyDeliveryAttempts, &notifyNextAt, &notifyLastErr,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := assignScannedOrder(order, customerRef, transactionID, metadataJSON, notifyLastErr, subscriptionID, notifyNextAt); err != nil {
		return nil, err
	}
	return order, nil
}

func assignScannedOrder(order *entity.Order, customerRef, transactionID, metadataJSON, notifyLastErr sql.NullString, subscriptionID sql.NullInt64, notifyNextAt sql.NullTime) error {
	order.CustomerRef = stringPtrFromNull(customerRef)
	order.TransactionID = stringPtrFromNull(transactionID)
	order.SubscriptionID = uint64PtrFromNull(subscriptionID)
	order.NotifyDeliveryNextAt = timePtrFromNull(notifyNextAt)
	order.NotifyDeliveryLastErr = stringPtrFromNull(notifyLastErr)

	metadata, err := parseMetadata(metadataJSON.String)
	if err != nil {
		return err
	}
	order.Metadata = metadata
	return nil
}
