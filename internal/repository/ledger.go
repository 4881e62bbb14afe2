package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/sheetmarket-system/internal/model"
)

// creditUserTx пополняет баланс пользователя и дописывает запись истории в
// рамках уже открытой транзакции. Баланс и история меняются только вместе.
func creditUserTx(ctx context.Context, tx pgx.Tx, userID int64, orderID string, amount, bonus int64, description string) error {
	var balanceAfter int64
	err := tx.QueryRow(ctx,
		`UPDATE users SET credits = credits + $2 WHERE id = $1 RETURNING credits`,
		userID, amount+bonus,
	).Scan(&balanceAfter)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO cash_transactions
		 (user_id, order_id, transaction_type, amount, bonus_amount, balance_after, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		userID, orderID, string(model.LedgerCharge), amount, bonus, balanceAfter, description,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	return nil
}

// CreditBalance пополняет баланс пользователя вне подтверждающей транзакции
// заказа. Используется для возврата средств, когда списание прошло, а
// подтверждение заказа — нет.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID int64, orderID string, amount, bonus int64, description string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := creditUserTx(ctx, tx, userID, orderID, amount, bonus, description); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// DebitBalance атомарно списывает сумму с баланса пользователя и дописывает
// запись истории. Списание, уводящее баланс в минус, отклоняется целиком:
// условие credits >= $2 в одном UPDATE исключает гонку двух параллельных
// списаний.
func (r *PostgresRepository) DebitBalance(ctx context.Context, userID int64, orderID string, amount int64, description string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var balanceAfter int64
		err = tx.QueryRow(ctx,
			`UPDATE users SET credits = credits - $2
			 WHERE id = $1 AND credits >= $2
			 RETURNING credits`,
			userID, amount,
		).Scan(&balanceAfter)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrInsufficientBalance
			}
			return fmt.Errorf("debit balance: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO cash_transactions
			 (user_id, order_id, transaction_type, amount, balance_after, description)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			userID, orderID, string(model.LedgerSpend), amount, balanceAfter, description,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetBalance возвращает текущий баланс пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var credits int64
	err := r.pool.QueryRow(ctx,
		`SELECT credits FROM users WHERE id = $1`,
		userID,
	).Scan(&credits)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return credits, nil
}

// GetLedgerHistory возвращает историю пополнений и списаний, новые первыми.
func (r *PostgresRepository) GetLedgerHistory(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(order_id::text, ''), transaction_type, amount,
		        bonus_amount, balance_after, description, created_at
		 FROM cash_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger history: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e         model.LedgerEntry
			entryType string
			createdAt time.Time
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.OrderID, &entryType, &e.Amount,
			&e.BonusAmount, &e.BalanceAfter, &e.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Type = model.LedgerEntryType(entryType)
		e.CreatedAt = createdAt
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}
