package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/advancedpay/ms-go-payment-core/app/entity"
)

// ErrEventAlreadyExists means this event id has been applied before.
// The unique key on event_id is what makes duplicate application a
// database-level impossibility rather than a best-effort check.
var ErrEventAlreadyExists = errors.New("payment event already exists")

type PaymentEventRepository struct {
	db DBTX
}

func NewPaymentEventRepository(db DBTX) *PaymentEventRepository {
	return &PaymentEventRepository{db: db}
}

func (r *PaymentEventRepository) Create(ctx context.Context, event *entity.PaymentEvent) error {
	query := `
		INSERT INTO payment_events (
			event_id, order_id, kind, outcome,
			old_status, new_status,
			provider_transaction_id, provider_event_id,
			amount_cents, note, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.OrderID,
		event.Kind,
		event.Outcome,
		nullableInt32Value(event.OldStatus),
		event.NewStatus,
		nullableStringValue(event.ProviderTransactionID),
		nullableStringValue(event.ProviderEventID),
		event.AmountCents,
		nullableStringValue(event.Note),
		event.CreatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrEventAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = uint64(id)
	return nil
}

func (r *PaymentEventRepository) ExistsByEventID(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM payment_events WHERE event_id = ?`, eventID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *PaymentEventRepository) ListByOrderID(ctx context.Context, orderID uint64) ([]*entity.PaymentEvent, error) {
	query := `
		SELECT id, event_id, order_id, kind, outcome,
			old_status, new_status,
			provider_transaction_id, provider_event_id,
			amount_cents, note, created_at
		FROM payment_events
		WHERE order_id = ?
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*entity.PaymentEvent, 0)
	for rows.Next() {
		event := &entity.PaymentEvent{}
		var oldStatus sql.NullInt32
		var providerTransactionID, providerEventID, note sql.NullString

		err := rows.Scan(
			&event.ID, &event.EventID, &event.OrderID, &event.Kind, &event.Outcome,
			&oldStatus, &event.NewStatus,
			&providerTransactionID, &providerEventID,
			&event.AmountCents, &note, &event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		event.OldStatus = int32PtrFromNull(oldStatus)
		event.ProviderTransactionID = stringPtrFromNull(providerTransactionID)
		event.ProviderEventID = stringPtrFromNull(providerEventID)
		event.Note = stringPtrFromNull(note)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}
