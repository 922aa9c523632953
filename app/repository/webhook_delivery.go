package repository

import (
	"context"
	"database/sql"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
)

type WebhookDeliveryRepository struct {
	db DBTX
}

func NewWebhookDeliveryRepository(db DBTX) *WebhookDeliveryRepository {
	return &WebhookDeliveryRepository{db: db}
}

func (r *WebhookDeliveryRepository) Create(ctx context.Context, delivery *entity.WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (
			order_id, provider, provider_event_id, event_type,
			signature, payload_json, status, error,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableUint64Value(delivery.OrderID),
		delivery.Provider,
		nullableStringValue(delivery.ProviderEventID),
		delivery.EventType,
		delivery.Signature,
		delivery.PayloadJSON,
		delivery.Status,
		nullableStringValue(delivery.Error),
		delivery.CreatedAt,
		delivery.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	delivery.ID = uint64(id)
	return nil
}

func (r *WebhookDeliveryRepository) ListByOrderID(ctx context.Context, orderID uint64) ([]*entity.WebhookDelivery, error) {
	query := `
		SELECT id, order_id, provider, provider_event_id, event_type,
			signature, payload_json, status, error,
			created_at, updated_at
		FROM webhook_deliveries
		WHERE order_id = ?
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := make([]*entity.WebhookDelivery, 0)
	for rows.Next() {
		delivery, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return deliveries, nil
}

func scanWebhookDelivery(rows *sql.Rows) (*entity.WebhookDelivery, error) {
	delivery := &entity.WebhookDelivery{}
	var orderID sql.NullInt64
	var providerEventID, deliveryErr sql.NullString

	err := rows.Scan(
		&delivery.ID, &orderID, &delivery.Provider, &providerEventID, &delivery.EventType,
		&delivery.Signature, &delivery.PayloadJSON, &delivery.Status, &deliveryErr,
		&delivery.CreatedAt, &delivery.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	delivery.OrderID = uint64PtrFromNull(orderID)
	delivery.ProviderEventID = stringPtrFromNull(providerEventID)
	delivery.Error = stringPtrFromNull(deliveryErr)
	return delivery, nil
}
