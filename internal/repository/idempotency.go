package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/louise36-g/MysticOracle-sub011/internal/model"
)

// ClaimIdempotencyKey пытается занять ключ идемпотентности для счёта.
// Свободный или просроченный ключ занимается атомарно, claimed = true.
// Если ключ уже занят и не просрочен, возвращается его текущая запись, claimed = false.
func (r *PostgresRepository) ClaimIdempotencyKey(ctx context.Context, accountID int64, key, endpoint string, ttl time.Duration) (*model.IdempotencyRecord, bool, error) {
	expiresAt := time.Now().Add(ttl)

	rec, err := scanIdempotencyRecord(r.pool.QueryRow(ctx,
		`INSERT INTO idempotency_keys (account_id, key, endpoint, state, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (account_id, key) DO UPDATE
		 SET endpoint = EXCLUDED.endpoint,
		     state = EXCLUDED.state,
		     status_code = 0,
		     result = NULL,
		     created_at = now(),
		     completed_at = NULL,
		     expires_at = EXCLUDED.expires_at
		 WHERE idempotency_keys.expires_at <= now()
		 RETURNING account_id, key, endpoint, state, status_code, result, created_at, completed_at, expires_at`,
		accountID, key, endpoint, string(model.IdempotencyPending), expiresAt,
	))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}

	// Ключ занят и не просрочен — возвращаем существующую запись.
	rec, err = scanIdempotencyRecord(r.pool.QueryRow(ctx,
		`SELECT account_id, key, endpoint, state, status_code, result, created_at, completed_at, expires_at
		 FROM idempotency_keys
		 WHERE account_id = $1 AND key = $2`,
		accountID, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrIdempotencyKeyNotFound
		}
		return nil, false, fmt.Errorf("get idempotency key: %w", err)
	}

	return rec, false, nil
}

// CompleteIdempotencyKey сохраняет результат успешно выполненной операции.
// Повторный запрос с тем же ключом получит сохранённый ответ без выполнения операции.
func (r *PostgresRepository) CompleteIdempotencyKey(ctx context.Context, accountID int64, key string, statusCode int, result []byte) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET state = $3, status_code = $4, result = $5, completed_at = now()
		 WHERE account_id = $1 AND key = $2`,
		accountID, key, string(model.IdempotencyCompleted), statusCode, result,
	)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrIdempotencyKeyNotFound
	}

	return nil
}

// ReleaseIdempotencyKey освобождает занятый ключ после неуспешной операции,
// чтобы клиент мог повторить запрос с тем же ключом.
func (r *PostgresRepository) ReleaseIdempotencyKey(ctx context.Context, accountID int64, key string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE account_id = $1 AND key = $2 AND state = $3`,
		accountID, key, string(model.IdempotencyPending),
	)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}

	return nil
}

// DeleteExpiredIdempotencyKeys удаляет просроченные ключи идемпотентности.
// Возвращает количество удалённых ключей.
func (r *PostgresRepository) DeleteExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}

	return cmdTag.RowsAffected(), nil
}

func scanIdempotencyRecord(row pgx.Row) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	var state string
	err := row.Scan(&rec.AccountID, &rec.Key, &rec.Endpoint, &state, &rec.StatusCode, &rec.Result, &rec.CreatedAt, &rec.CompletedAt, &rec.ExpiresAt)
	if err != nil {
		return nil, err
	}
	rec.State = model.IdempotencyState(state)
	return &rec, nil
}
