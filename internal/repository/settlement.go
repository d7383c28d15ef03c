package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/louise36-g/MysticOracle-sub011/internal/model"
)

// CreatePendingPurchase записывает покупку кредитов, ожидающую подтверждения от провайдера.
// Сумма покупки фиксируется в записи, но на баланс не влияет до проведения.
func (r *PostgresRepository) CreatePendingPurchase(ctx context.Context, accountID, credits int64, description, provider, paymentID string) (uuid.UUID, error) {
	entryID := uuid.New()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transactions (id, account_id, kind, amount, description, provider, external_payment_id, settlement_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entryID, accountID, string(model.KindPurchase), credits, description, provider, paymentID, string(model.SettlementPending),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrPaymentExists, paymentID)
		}
		return uuid.Nil, fmt.Errorf("insert pending purchase: %w", err)
	}

	return entryID, nil
}

// GetPurchaseByExternalID возвращает запись покупки по внешнему идентификатору платежа.
func (r *PostgresRepository) GetPurchaseByExternalID(ctx context.Context, provider, paymentID string) (*model.Transaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, account_id, kind, amount, description, provider, external_payment_id, settlement_status, related_entry_id, created_at, settled_at
		 FROM transactions
		 WHERE provider = $1 AND external_payment_id = $2 AND kind = $3`,
		provider, paymentID, string(model.KindPurchase),
	)

	var t model.Transaction
	var kind, status string
	err := row.Scan(&t.ID, &t.AccountID, &kind, &t.Amount, &t.Description, &t.Provider, &t.ExternalPaymentID, &status, &t.RelatedEntryID, &t.CreatedAt, &t.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}

	t.Kind = model.TransactionKind(kind)
	t.SettlementStatus = model.SettlementStatus(status)
	return &t, nil
}

// CompletePurchase проводит ожидающую покупку и зачисляет её кредиты на баланс.
// Переход выполняется условным обновлением, поэтому при конкурентных вызовах
// кредиты зачисляются не более одного раза: проигравший получает applied = false.
func (r *PostgresRepository) CompletePurchase(ctx context.Context, provider, paymentID string) (int64, int64, bool, error) {
	var accountID, credits int64
	var applied bool

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var entryID uuid.UUID
		err = tx.QueryRow(ctx,
			`UPDATE transactions
			 SET settlement_status = $4, settled_at = now()
			 WHERE provider = $1 AND external_payment_id = $2 AND kind = $3 AND settlement_status = $5
			 RETURNING id, account_id, amount`,
			provider, paymentID, string(model.KindPurchase),
			string(model.SettlementCompleted), string(model.SettlementPending),
		).Scan(&entryID, &accountID, &credits)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("complete purchase: %w", err)
			}

			// Либо платёж неизвестен, либо уже переведён в терминальный статус.
			err = tx.QueryRow(ctx,
				`SELECT account_id, amount FROM transactions WHERE provider = $1 AND external_payment_id = $2 AND kind = $3`,
				provider, paymentID, string(model.KindPurchase),
			).Scan(&accountID, &credits)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrPaymentNotFound
				}
				return fmt.Errorf("get purchase: %w", err)
			}

			applied = false
			return tx.Commit(ctx)
		}

		applied = true
		if _, err := applyToAccount(ctx, tx, accountID, credits); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})

	return accountID, credits, applied, err
}

// FailPurchase помечает ожидающую покупку как неуспешную. Баланс не меняется,
// потому что кредиты по ожидающей покупке ещё не зачислялись.
func (r *PostgresRepository) FailPurchase(ctx context.Context, provider, paymentID string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE transactions
		 SET settlement_status = $4, settled_at = now()
		 WHERE provider = $1 AND external_payment_id = $2 AND kind = $3 AND settlement_status = $5`,
		provider, paymentID, string(model.KindPurchase),
		string(model.SettlementFailed), string(model.SettlementPending),
	)
	if err != nil {
		return false, fmt.Errorf("fail purchase: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return true, nil
	}

	var exists int
	err = r.pool.QueryRow(ctx,
		`SELECT 1 FROM transactions WHERE provider = $1 AND external_payment_id = $2 AND kind = $3`,
		provider, paymentID, string(model.KindPurchase),
	).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrPaymentNotFound
		}
		return false, fmt.Errorf("get purchase: %w", err)
	}

	return false, nil
}

// RefundPurchase помечает проведённую покупку как возвращённую и создаёт
// обратную корректировку, усечённую так, чтобы баланс не ушёл ниже нуля.
// Возврат применим только к покупкам в статусе COMPLETED: для ожидающей
// покупки событие возврата игнорируется, её закроет штатный перевод в FAILED.
// Возвращает фактически применённую обратную сумму.
func (r *PostgresRepository) RefundPurchase(ctx context.Context, provider, paymentID, description string) (int64, bool, error) {
	var reversed int64
	var changed bool

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var purchaseID uuid.UUID
		var accountID, credits int64
		var status string
		err = tx.QueryRow(ctx,
			`SELECT id, account_id, amount, settlement_status
			 FROM transactions
			 WHERE provider = $1 AND external_payment_id = $2 AND kind = $3
			 FOR UPDATE`,
			provider, paymentID, string(model.KindPurchase),
		).Scan(&purchaseID, &accountID, &credits, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPaymentNotFound
			}
			return fmt.Errorf("lock purchase for update: %w", err)
		}

		switch model.SettlementStatus(status) {
		case model.SettlementCompleted:
			_, err = tx.Exec(ctx,
				`UPDATE transactions SET settlement_status = $2, settled_at = now() WHERE id = $1`,
				purchaseID, string(model.SettlementRefunded),
			)
			if err != nil {
				return fmt.Errorf("refund purchase: %w", err)
			}

			var balance int64
			err = tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`, accountID).Scan(&balance)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrAccountNotFound
				}
				return fmt.Errorf("lock account for update: %w", err)
			}

			reversed = -credits
			if balance+reversed < 0 {
				reversed = -balance
			}

			if reversed != 0 {
				_, err = tx.Exec(ctx,
					`INSERT INTO transactions (id, account_id, kind, amount, description, settlement_status, related_entry_id, settled_at)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
					uuid.New(), accountID, string(model.KindAdjustment), reversed, description, string(model.SettlementCompleted), purchaseID,
				)
				if err != nil {
					return fmt.Errorf("insert reversal entry: %w", err)
				}

				if _, err := applyToAccount(ctx, tx, accountID, reversed); err != nil {
					return err
				}
			}
			changed = true

		default:
			// PENDING ещё не зачислялся, а FAILED и REFUNDED терминальны:
			// в обоих случаях событие возврата ничего не меняет.
			reversed = 0
			changed = false
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})

	return reversed, changed, err
}

// GetStalePendingPurchases возвращает ожидающие покупки, созданные раньше указанного момента.
func (r *PostgresRepository) GetStalePendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, kind, amount, description, provider, external_payment_id, settlement_status, related_entry_id, created_at, settled_at
		 FROM transactions
		 WHERE kind = $1 AND settlement_status = $2 AND created_at < $3
		 ORDER BY created_at
		 LIMIT $4`,
		string(model.KindPurchase), string(model.SettlementPending), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var kind, status string
		if err := rows.Scan(&t.ID, &t.AccountID, &kind, &t.Amount, &t.Description, &t.Provider, &t.ExternalPaymentID, &status, &t.RelatedEntryID, &t.CreatedAt, &t.SettledAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
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

// ExpireStalePurchases переводит давно ожидающие покупки в статус FAILED.
// Возвращает количество закрытых покупок.
func (r *PostgresRepository) ExpireStalePurchases(ctx context.Context, olderThan time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE transactions
		 SET settlement_status = $1, settled_at = now()
		 WHERE kind = $2 AND settlement_status = $3 AND created_at < $4`,
		string(model.SettlementFailed), string(model.KindPurchase), string(model.SettlementPending), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale purchases: %w", err)
	}

	return cmdTag.RowsAffected(), nil
}
