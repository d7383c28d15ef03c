package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/louise36-g/MysticOracle-sub011/internal/model"
)

// GetAccount возвращает счёт пользователя с текущим балансом и накопленными итогами.
func (r *PostgresRepository) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, balance, total_earned, total_spent, updated_at
		 FROM accounts
		 WHERE user_id = $1`,
		accountID,
	)

	var a model.Account
	err := row.Scan(&a.UserID, &a.Balance, &a.TotalEarned, &a.TotalSpent, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// applyToAccount прибавляет сумму проведённой записи к материализованному балансу.
// Вызывается только внутри транзакции, которая создаёт или проводит запись.
func applyToAccount(ctx context.Context, tx pgx.Tx, accountID, amount int64) (int64, error) {
	var earned, spent int64
	if amount > 0 {
		earned = amount
	} else {
		spent = -amount
	}

	var balance int64
	err := tx.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = balance + $2,
		     total_earned = total_earned + $3,
		     total_spent = total_spent + $4,
		     updated_at = now()
		 WHERE user_id = $1
		 RETURNING balance`,
		accountID, amount, earned, spent,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("apply to account: %w", err)
	}

	return balance, nil
}

// Debit атомарно списывает кредиты со счёта и записывает проведённую запись списания.
// Сумма списания amount должна быть положительной, в журнал она попадает со знаком минус.
// При нехватке кредитов возвращает ErrInsufficientBalance и текущий баланс.
func (r *PostgresRepository) Debit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string) (uuid.UUID, int64, error) {
	var entryID uuid.UUID
	var newBalance int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокируем строку счёта для предотвращения параллельных списаний, превышающих баланс.
		var balance int64
		err = tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`, accountID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("lock account for update: %w", err)
		}

		if balance < amount {
			newBalance = balance
			return ErrInsufficientBalance
		}

		entryID = uuid.New()
		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (id, account_id, kind, amount, description, settlement_status, settled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, now())`,
			entryID, accountID, string(kind), -amount, description, string(model.SettlementCompleted),
		)
		if err != nil {
			return fmt.Errorf("insert debit entry: %w", err)
		}

		newBalance, err = applyToAccount(ctx, tx, accountID, -amount)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})

	return entryID, newBalance, err
}

// Credit атомарно зачисляет кредиты на счёт и записывает проведённую запись зачисления.
// relatedEntryID связывает компенсацию с исходной записью списания.
func (r *PostgresRepository) Credit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string, relatedEntryID *uuid.UUID) (uuid.UUID, int64, error) {
	var entryID uuid.UUID
	var newBalance int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		entryID = uuid.New()
		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (id, account_id, kind, amount, description, settlement_status, related_entry_id, settled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
			entryID, accountID, string(kind), amount, description, string(model.SettlementCompleted), relatedEntryID,
		)
		if err != nil {
			return fmt.Errorf("insert credit entry: %w", err)
		}

		newBalance, err = applyToAccount(ctx, tx, accountID, amount)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})

	return entryID, newBalance, err
}

// CreditExternal зачисляет кредиты по внешнему идентификатору платежа не более одного раза.
// Повторный вызов с тем же идентификатором не меняет баланс и возвращает duplicate = true.
func (r *PostgresRepository) CreditExternal(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description, provider, paymentID string) (uuid.UUID, int64, bool, error) {
	var entryID uuid.UUID
	var newBalance int64
	var duplicate bool

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		entryID = uuid.New()
		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, account_id, kind, amount, description, provider, external_payment_id, settlement_status, settled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			 ON CONFLICT (provider, external_payment_id) WHERE external_payment_id <> '' DO NOTHING`,
			entryID, accountID, string(kind), amount, description, provider, paymentID, string(model.SettlementCompleted),
		)
		if err != nil {
			return fmt.Errorf("insert external credit entry: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			duplicate = true
			err = tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, accountID).Scan(&newBalance)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrAccountNotFound
				}
				return fmt.Errorf("get balance: %w", err)
			}
			return tx.Commit(ctx)
		}

		duplicate = false
		newBalance, err = applyToAccount(ctx, tx, accountID, amount)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})

	return entryID, newBalance, duplicate, err
}

// Adjust применяет ручную корректировку баланса со знаком в любую сторону.
// Отрицательная корректировка, уводящая баланс ниже нуля, отклоняется с
// ErrInvalidAdjustment; с флагом force она усекается до нулевого баланса.
// Фактически применённая сумма возвращается вторым значением.
func (r *PostgresRepository) Adjust(ctx context.Context, accountID, delta int64, description string, relatedEntryID *uuid.UUID, force bool) (uuid.UUID, int64, int64, error) {
	var entryID uuid.UUID
	var applied int64
	var newBalance int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var balance int64
		err = tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`, accountID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("lock account for update: %w", err)
		}

		applied = delta
		if balance+applied < 0 {
			if !force {
				return ErrInvalidAdjustment
			}
			applied = -balance
		}

		if applied == 0 {
			newBalance = balance
			return tx.Commit(ctx)
		}

		entryID = uuid.New()
		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (id, account_id, kind, amount, description, settlement_status, related_entry_id, settled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
			entryID, accountID, string(model.KindAdjustment), applied, description, string(model.SettlementCompleted), relatedEntryID,
		)
		if err != nil {
			return fmt.Errorf("insert adjustment entry: %w", err)
		}

		newBalance, err = applyToAccount(ctx, tx, accountID, applied)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})

	return entryID, applied, newBalance, err
}

// GetHistory возвращает записи журнала по счёту, начиная с самых свежих.
func (r *PostgresRepository) GetHistory(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, kind, amount, description, provider, external_payment_id, settlement_status, related_entry_id, created_at, settled_at
		 FROM transactions
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var kind, status string
		if err := rows.Scan(&t.ID, &t.AccountID, &kind, &t.Amount, &t.Description, &t.Provider, &t.ExternalPaymentID, &status, &t.RelatedEntryID, &t.CreatedAt, &t.SettledAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = model.TransactionKind(kind)
		t.SettlementStatus = model.SettlementStatus(status)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// isUniqueViolation сообщает, что ошибка вызвана нарушением ограничения уникальности.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
