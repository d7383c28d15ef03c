// Package idempotency реализует шлюз дедупликации запросов по ключам идемпотентности.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louise36-g/MysticOracle-sub011/internal/model"
)

// DefaultTTL задаёт срок жизни ключа идемпотентности по умолчанию.
const DefaultTTL = 24 * time.Hour

// ErrDuplicateInProgress возвращается, если запрос с этим ключом уже выполняется.
var (
	ErrDuplicateInProgress = errors.New("request with this key is in progress")
	// ErrEndpointMismatch возвращается при повторном использовании ключа для другой операции.
	ErrEndpointMismatch = errors.New("idempotency key was used for another endpoint")
)

// Store описывает хранилище ключей идемпотентности, используемое шлюзом.
type Store interface {
	ClaimIdempotencyKey(ctx context.Context, accountID int64, key, endpoint string, ttl time.Duration) (*model.IdempotencyRecord, bool, error)
	CompleteIdempotencyKey(ctx context.Context, accountID int64, key string, statusCode int, result []byte) error
	ReleaseIdempotencyKey(ctx context.Context, accountID int64, key string) error
}

// Gate пропускает каждый ключ идемпотентности к выполнению не более одного раза
// за срок его жизни. Повтор завершённого запроса получает сохранённый ответ,
// повтор выполняющегося — отказ.
type Gate struct {
	store Store
	ttl   time.Duration
}

// NewGate создаёт шлюз поверх указанного хранилища ключей.
func NewGate(store Store, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{store: store, ttl: ttl}
}

// BeginResult описывает исход попытки занять ключ.
type BeginResult struct {
	// Claimed означает, что ключ занят этим запросом и операцию нужно выполнить.
	Claimed bool
	// Replay означает, что операция уже завершена; ниже — сохранённый ответ.
	Replay     bool
	StatusCode int
	Result     []byte
}

// Begin пытается занять ключ для выполнения операции endpoint.
// Просроченный ключ неотличим от нового и занимается заново.
func (g *Gate) Begin(ctx context.Context, accountID int64, key, endpoint string) (*BeginResult, error) {
	rec, claimed, err := g.store.ClaimIdempotencyKey(ctx, accountID, key, endpoint, g.ttl)
	if err != nil {
		return nil, fmt.Errorf("claim key: %w", err)
	}

	if claimed {
		return &BeginResult{Claimed: true}, nil
	}

	switch rec.State {
	case model.IdempotencyPending:
		return nil, ErrDuplicateInProgress
	case model.IdempotencyCompleted:
		if rec.Endpoint != endpoint {
			return nil, ErrEndpointMismatch
		}
		return &BeginResult{
			Replay:     true,
			StatusCode: rec.StatusCode,
			Result:     rec.Result,
		}, nil
	default:
		return nil, fmt.Errorf("unexpected key state %q", rec.State)
	}
}

// Complete сохраняет ответ успешно выполненной операции для будущих повторов.
func (g *Gate) Complete(ctx context.Context, accountID int64, key string, statusCode int, result []byte) error {
	if err := g.store.CompleteIdempotencyKey(ctx, accountID, key, statusCode, result); err != nil {
		return fmt.Errorf("complete key: %w", err)
	}
	return nil
}

// Fail освобождает ключ после неуспешной операции, позволяя клиенту повторить запрос.
func (g *Gate) Fail(ctx context.Context, accountID int64, key string) error {
	if err := g.store.ReleaseIdempotencyKey(ctx, accountID, key); err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}
