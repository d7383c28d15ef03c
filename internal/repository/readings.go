package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/louise36-g/MysticOracle-sub011/internal/model"
)

// CreateReading сохраняет новый расклад. Время создания проставляет БД.
func (r *PostgresRepository) CreateReading(ctx context.Context, reading *model.Reading) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO readings (id, user_id, spread, question, cards)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		reading.ID, reading.UserID, string(reading.Spread), reading.Question, reading.Cards,
	).Scan(&reading.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}

	return nil
}

// GetReading возвращает расклад пользователя по идентификатору.
func (r *PostgresRepository) GetReading(ctx context.Context, id uuid.UUID, userID int64) (*model.Reading, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, spread, question, cards, created_at
		 FROM readings
		 WHERE id = $1 AND user_id = $2`,
		id, userID,
	)

	var reading model.Reading
	var spread string
	err := row.Scan(&reading.ID, &reading.UserID, &spread, &reading.Question, &reading.Cards, &reading.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReadingNotFound
		}
		return nil, fmt.Errorf("get reading: %w", err)
	}

	reading.Spread = model.Spread(spread)
	return &reading, nil
}

// GetReadingsByUser возвращает расклады пользователя, начиная с самых свежих.
func (r *PostgresRepository) GetReadingsByUser(ctx context.Context, userID int64, limit int) ([]model.Reading, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, spread, question, cards, created_at
		 FROM readings
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select readings: %w", err)
	}
	defer rows.Close()

	var res []model.Reading
	for rows.Next() {
		var reading model.Reading
		var spread string
		if err := rows.Scan(&reading.ID, &reading.UserID, &spread, &reading.Question, &reading.Cards, &reading.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		reading.Spread = model.Spread(spread)
		res = append(res, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateFollowUp сохраняет уточняющий вопрос к раскладу. Время создания проставляет БД.
func (r *PostgresRepository) CreateFollowUp(ctx context.Context, followUp *model.FollowUp) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO follow_ups (id, reading_id, user_id, question, card)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		followUp.ID, followUp.ReadingID, followUp.UserID, followUp.Question, followUp.Card,
	).Scan(&followUp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert follow-up: %w", err)
	}

	return nil
}
