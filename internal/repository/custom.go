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

const customOrderColumns = `id, user_id, song_title, artist, requirements, status,
	estimated_price, completed_file_path, download_count, max_download_count,
	download_expires_at, latest_admin_reply, created_at, updated_at`

func scanCustomOrder(row pgx.Row) (*model.CustomOrder, error) {
	var (
		co     model.CustomOrder
		status string
	)
	err := row.Scan(
		&co.ID, &co.UserID, &co.SongTitle, &co.Artist, &co.Requirements, &status,
		&co.EstimatedPrice, &co.CompletedFilePath, &co.DownloadCount, &co.MaxDownloadCount,
		&co.DownloadExpiresAt, &co.LatestAdminReply, &co.CreatedAt, &co.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomOrderNotFound
		}
		return nil, fmt.Errorf("scan custom order: %w", err)
	}
	co.Status = model.CustomOrderStatus(status)
	return &co, nil
}

// CreateCustomOrder создаёт заявку на индивидуальную аранжировку в статусе pending.
func (r *PostgresRepository) CreateCustomOrder(ctx context.Context, userID int64, songTitle, artist, requirements string) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO custom_orders (id, user_id, song_title, artist, requirements, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, userID, songTitle, artist, requirements, string(model.CustomStatusPending),
	)
	if err != nil {
		return "", fmt.Errorf("insert custom order: %w", err)
	}
	return id, nil
}

// GetCustomOrder возвращает индивидуальный заказ по идентификатору.
func (r *PostgresRepository) GetCustomOrder(ctx context.Context, id string) (*model.CustomOrder, error) {
	return scanCustomOrder(r.pool.QueryRow(ctx,
		`SELECT `+customOrderColumns+` FROM custom_orders WHERE id = $1`, id))
}

// GetCustomOrdersByUser возвращает индивидуальные заказы пользователя, новые первыми.
func (r *PostgresRepository) GetCustomOrdersByUser(ctx context.Context, userID int64) ([]model.CustomOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+customOrderColumns+` FROM custom_orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select custom orders: %w", err)
	}
	defer rows.Close()

	var orders []model.CustomOrder
	for rows.Next() {
		co, err := scanCustomOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *co)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// AppendMessage дописывает сообщение переписки; ответ администратора дополнительно
// денормализуется в latest_admin_reply для быстрого отображения списка.
func (r *PostgresRepository) AppendMessage(ctx context.Context, customOrderID string, sender model.SenderRole, body string) (*model.Message, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id        int64
		createdAt time.Time
	)
	err = tx.QueryRow(ctx,
		`INSERT INTO custom_order_messages (custom_order_id, sender_role, body)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		customOrderID, string(sender), body,
	).Scan(&id, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if sender == model.SenderAdmin {
		_, err = tx.Exec(ctx,
			`UPDATE custom_orders SET latest_admin_reply = $2, updated_at = now() WHERE id = $1`,
			customOrderID, body,
		)
		if err != nil {
			return nil, fmt.Errorf("update latest admin reply: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &model.Message{
		ID:            id,
		CustomOrderID: customOrderID,
		Sender:        sender,
		Body:          body,
		CreatedAt:     createdAt,
	}, nil
}

// GetMessages возвращает переписку по индивидуальному заказу в хронологическом порядке.
func (r *PostgresRepository) GetMessages(ctx context.Context, customOrderID string) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, custom_order_id, sender_role, body, created_at
		 FROM custom_order_messages
		 WHERE custom_order_id = $1
		 ORDER BY created_at`,
		customOrderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var (
			m      model.Message
			sender string
		)
		if err := rows.Scan(&m.ID, &m.CustomOrderID, &sender, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = model.SenderRole(sender)
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

// SetEstimatedPrice записывает предложенную администратором цену.
// Статус заказа при этом не меняется.
func (r *PostgresRepository) SetEstimatedPrice(ctx context.Context, customOrderID string, price int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE custom_orders SET estimated_price = $2, updated_at = now() WHERE id = $1`,
		customOrderID, price,
	)
	if err != nil {
		return fmt.Errorf("set estimated price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCustomOrderNotFound
	}
	return nil
}

// UpdateCustomOrderStatus выполняет условный переход статуса индивидуального
// заказа: только из указанного текущего статуса и только если он не конечный.
// Попытка перехода из конечного статуса возвращает ErrTerminalState.
func (r *PostgresRepository) UpdateCustomOrderStatus(ctx context.Context, customOrderID string, from, to model.CustomOrderStatus) error {
	if from.Terminal() {
		return ErrTerminalState
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE custom_orders SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2`,
		customOrderID, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("update custom order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.GetCustomOrder(ctx, customOrderID)
		if getErr != nil {
			return getErr
		}
		if current.Status.Terminal() {
			return ErrTerminalState
		}
		return fmt.Errorf("custom order %s status changed concurrently", customOrderID)
	}
	return nil
}

// CompleteCustomOrder сохраняет ссылку на готовый файл, открывает окно
// скачивания и переводит заказ в статус completed одним обновлением.
func (r *PostgresRepository) CompleteCustomOrder(ctx context.Context, customOrderID, filePath string, maxDownloads int, expiresAt *time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE custom_orders
		 SET status = $2, completed_file_path = $3, download_count = 0,
		     max_download_count = $4, download_expires_at = $5, updated_at = now()
		 WHERE id = $1 AND status NOT IN ($6, $7)`,
		customOrderID, string(model.CustomStatusCompleted), filePath, maxDownloads, expiresAt,
		string(model.CustomStatusCompleted), string(model.CustomStatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("complete custom order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetCustomOrder(ctx, customOrderID); getErr != nil {
			return getErr
		}
		return ErrTerminalState
	}
	return nil
}

// IncrementCustomDownloadCount атомарно увеличивает счётчик скачиваний
// индивидуального заказа с учётом лимита. Возвращает новое значение счётчика.
func (r *PostgresRepository) IncrementCustomDownloadCount(ctx context.Context, customOrderID string) (int, bool, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`UPDATE custom_orders
		 SET download_count = download_count + 1, updated_at = now()
		 WHERE id = $1 AND (max_download_count = 0 OR download_count < max_download_count)
		 RETURNING download_count`,
		customOrderID,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("increment custom download count: %w", err)
	}
	return count, true, nil
}
