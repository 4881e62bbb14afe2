package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/sheetmarket-system/internal/model"
)

// NewOrderItemInput описывает позицию нового заказа. Цена — снимок на момент
// оформления, дальше не пересчитывается.
type NewOrderItemInput struct {
	SheetID    string
	SheetTitle string
	FilePath   string
	Price      int64
}

// NewOrderInput описывает новый заказ в статусе pending.
type NewOrderInput struct {
	UserID          int64
	Number          string
	Type            model.OrderType
	TotalAmount     int64
	ChargedAmount   int64
	ChargedCurrency model.Currency
	BonusAmount     int64
	Method          model.PaymentMethod
	Provider        model.PaymentProvider
	DepositorName   string
	Items           []NewOrderItemInput
}

// CreateOrder создаёт заказ с позициями в одной транзакции и возвращает его идентификатор.
func (r *PostgresRepository) CreateOrder(ctx context.Context, in NewOrderInput) (string, error) {
	orderID := uuid.NewString()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO orders
		 (id, user_id, order_number, order_type, total_amount, charged_amount, charged_currency,
		  bonus_amount, status, payment_method, payment_provider, depositor_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		orderID, in.UserID, in.Number, string(in.Type), in.TotalAmount, in.ChargedAmount,
		string(in.ChargedCurrency), in.BonusAmount, string(model.OrderStatusPending),
		string(in.Method), string(in.Provider), in.DepositorName,
	)
	if err != nil {
		return "", fmt.Errorf("insert order: %w", err)
	}

	for _, item := range in.Items {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (id, order_id, sheet_id, sheet_title, file_path, price)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), orderID, item.SheetID, item.SheetTitle, item.FilePath, item.Price,
		)
		if err != nil {
			return "", fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	return orderID, nil
}

// AttachTransaction долговечно сохраняет идентификатор транзакции провайдера
// и зафиксированное сессией списание до передачи управления браузеру
// покупателя. Идентификатор — единственный якорь для согласования, если
// браузер будет закрыт до любого callback; списание — эталон для сверки
// суммы в webhook.
func (r *PostgresRepository) AttachTransaction(ctx context.Context, orderID, transactionID string, provider model.PaymentProvider, chargedAmount int64, chargedCurrency model.Currency) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET transaction_id = $2, payment_provider = $3,
			     charged_amount = $5, charged_currency = $6, updated_at = now()
			 WHERE id = $1 AND status = $4`,
			orderID, transactionID, string(provider), string(model.OrderStatusPending),
			chargedAmount, string(chargedCurrency),
		)
		if err != nil {
			return fmt.Errorf("attach transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrOrderNotFound
		}
		return nil
	})
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o           model.Order
		orderType   string
		status      string
		method      string
		provider    string
		currency    string
		confirmedAt *time.Time
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.Number, &orderType, &o.TotalAmount, &o.ChargedAmount,
		&currency, &o.BonusAmount, &status, &method, &provider, &o.TransactionID,
		&o.DepositorName, &confirmedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.Type = model.OrderType(orderType)
	o.Status = model.OrderStatus(status)
	o.Method = model.PaymentMethod(method)
	o.Provider = model.PaymentProvider(provider)
	o.ChargedCurrency = model.Currency(currency)
	o.PaymentConfirmedAt = confirmedAt
	return &o, nil
}

const orderColumns = `id, user_id, order_number, order_type, total_amount, charged_amount,
	charged_currency, bonus_amount, status, payment_method, payment_provider, transaction_id,
	depositor_name, payment_confirmed_at, created_at, updated_at`

// GetOrderByID возвращает заказ с позициями.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		return nil, err
	}

	items, err := r.getOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

// GetOrderByNumber находит заказ по человекочитаемому номеру. Номер уходит
// провайдерам, которым при инициализации передаётся не внутренний
// идентификатор, а oid заказа.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	if number == "" {
		return nil, ErrOrderNotFound
	}
	return scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, number))
}

// GetOrderByTransactionID находит заказ по идентификатору транзакции провайдера.
func (r *PostgresRepository) GetOrderByTransactionID(ctx context.Context, transactionID string) (*model.Order, error) {
	if transactionID == "" {
		return nil, ErrOrderNotFound
	}
	return scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE transaction_id = $1`, transactionID))
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

func (r *PostgresRepository) getOrderItems(ctx context.Context, orderID string) ([]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, sheet_id, sheet_title, file_path, price,
		        download_count, max_download_count, download_expires_at
		 FROM order_items WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var item model.OrderItem
		if err := rows.Scan(
			&item.ID, &item.OrderID, &item.SheetID, &item.SheetTitle, &item.FilePath,
			&item.Price, &item.DownloadCount, &item.MaxDownloadCount, &item.DownloadExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// GetOrderItem возвращает одну позицию заказа.
func (r *PostgresRepository) GetOrderItem(ctx context.Context, orderID, itemID string) (*model.OrderItem, error) {
	var item model.OrderItem
	err := r.pool.QueryRow(ctx,
		`SELECT id, order_id, sheet_id, sheet_title, file_path, price,
		        download_count, max_download_count, download_expires_at
		 FROM order_items WHERE id = $1 AND order_id = $2`,
		itemID, orderID,
	).Scan(
		&item.ID, &item.OrderID, &item.SheetID, &item.SheetTitle, &item.FilePath,
		&item.Price, &item.DownloadCount, &item.MaxDownloadCount, &item.DownloadExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order item: %w", err)
	}
	return &item, nil
}

// ConfirmResult описывает результат условного подтверждения оплаты.
type ConfirmResult struct {
	// Applied — true, если именно этот вызов перевёл заказ в paid.
	Applied bool
	Order   *model.Order
}

// ConfirmOrderPaid выполняет условный переход pending -> paid и в той же
// транзакции применяет денежные побочные эффекты ровно один раз:
// пополнение баланса для заказов типа cash и активацию права на скачивание
// для заказов на партитуры. Если expectedTransactionID не пуст, переход
// выполняется только при совпадении активной транзакции заказа.
func (r *PostgresRepository) ConfirmOrderPaid(ctx context.Context, orderID, expectedTransactionID, finalTransactionID string, maxDownloads int) (*ConfirmResult, error) {
	var result *ConfirmResult

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var tag int64
		if expectedTransactionID != "" {
			t, err := tx.Exec(ctx,
				`UPDATE orders
				 SET status = $3, payment_confirmed_at = now(), updated_at = now()
				 WHERE id = $1 AND status = $2 AND transaction_id = $4`,
				orderID, string(model.OrderStatusPending), string(model.OrderStatusPaid),
				expectedTransactionID,
			)
			if err != nil {
				return fmt.Errorf("confirm order: %w", err)
			}
			tag = t.RowsAffected()
		} else {
			t, err := tx.Exec(ctx,
				`UPDATE orders
				 SET status = $3, payment_confirmed_at = now(), transaction_id = $4, updated_at = now()
				 WHERE id = $1 AND status = $2`,
				orderID, string(model.OrderStatusPending), string(model.OrderStatusPaid),
				finalTransactionID,
			)
			if err != nil {
				return fmt.Errorf("confirm order: %w", err)
			}
			tag = t.RowsAffected()
		}

		order, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
		if err != nil {
			return err
		}

		if tag == 0 {
			// Условное обновление не прошло: заказ уже в конечном статусе
			// либо идентификатор транзакции не совпал.
			result = &ConfirmResult{Applied: false, Order: order}
			return tx.Commit(ctx)
		}

		switch order.Type {
		case model.OrderTypeCash:
			if err := creditUserTx(ctx, tx, order.UserID, order.ID, order.TotalAmount, order.BonusAmount,
				"top-up via "+string(order.Method)); err != nil {
				return err
			}
		default:
			_, err = tx.Exec(ctx,
				`UPDATE order_items
				 SET download_count = 0, max_download_count = $2
				 WHERE order_id = $1`,
				order.ID, maxDownloads,
			)
			if err != nil {
				return fmt.Errorf("activate downloads: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = &ConfirmResult{Applied: true, Order: order}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// FailOrder выполняет условный переход pending -> failed|cancelled.
// Возвращает true, если переход применён этим вызовом.
func (r *PostgresRepository) FailOrder(ctx context.Context, orderID string, to model.OrderStatus) (bool, error) {
	if to != model.OrderStatusFailed && to != model.OrderStatusCancelled {
		return false, fmt.Errorf("invalid failure status %q", to)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2`,
		orderID, string(model.OrderStatusPending), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("fail order: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// IncrementDownloadCount атомарно увеличивает счётчик скачиваний позиции,
// только если лимит ещё не исчерпан. Возвращает новое значение счётчика.
func (r *PostgresRepository) IncrementDownloadCount(ctx context.Context, itemID string) (int, bool, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`UPDATE order_items
		 SET download_count = download_count + 1
		 WHERE id = $1 AND (max_download_count = 0 OR download_count < max_download_count)
		 RETURNING download_count`,
		itemID,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("increment download count: %w", err)
	}
	return count, true, nil
}
