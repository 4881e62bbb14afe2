package repository

import (
	"context"
	"fmt"

	"github.com/mmeshcher/sheetmarket-system/internal/model"
)

// RecordPaymentEvent дописывает платёжный сигнал в журнал аудита.
// Журнал только дописывается; ручные подтверждения и аномалии различимы
// по полям source и anomaly.
func (r *PostgresRepository) RecordPaymentEvent(ctx context.Context, e model.PaymentEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_events
		 (order_id, source, provider, transaction_id, outcome, amount, currency, anomaly, note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.OrderID, string(e.Source), string(e.Provider), e.TransactionID, string(e.Outcome),
		e.Amount, string(e.Currency), e.Anomaly, e.Note,
	)
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}

// GetPaymentEvents возвращает журнал сигналов по заказу в порядке поступления.
func (r *PostgresRepository) GetPaymentEvents(ctx context.Context, orderID string) ([]model.PaymentEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, source, provider, transaction_id, outcome, amount, currency, anomaly, note, created_at
		 FROM payment_events
		 WHERE order_id = $1
		 ORDER BY created_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payment events: %w", err)
	}
	defer rows.Close()

	var events []model.PaymentEvent
	for rows.Next() {
		var (
			e        model.PaymentEvent
			source   string
			provider string
			outcome  string
			currency string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &source, &provider, &e.TransactionID,
			&outcome, &e.Amount, &currency, &e.Anomaly, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment event: %w", err)
		}
		e.Source = model.SignalSource(source)
		e.Provider = model.PaymentProvider(provider)
		e.Outcome = model.SignalOutcome(outcome)
		e.Currency = model.Currency(currency)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}
