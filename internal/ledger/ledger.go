// Package ledger реализует журнал операций с кредитами и целочисленный баланс счетов.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/louise36-g/MysticOracle-sub011/internal/model"
	"github.com/louise36-g/MysticOracle-sub011/internal/repository"
)

// ErrInvalidAmount возвращается, если сумма операции не положительная.
var ErrInvalidAmount = errors.New("amount must be positive")

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_operations_total",
	Help: "Balance-changing ledger operations by outcome.",
}, []string{"operation", "outcome"})

func observeOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	operationsTotal.WithLabelValues(operation, outcome).Inc()
}

// Repository описывает контракт доступа к данным, используемый журналом.
// Методы с изменением баланса атомарны: запись журнала и новый баланс
// фиксируются в одной транзакции БД.
type Repository interface {
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	Debit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string) (uuid.UUID, int64, error)
	Credit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string, relatedEntryID *uuid.UUID) (uuid.UUID, int64, error)
	CreditExternal(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description, provider, paymentID string) (uuid.UUID, int64, bool, error)
	Adjust(ctx context.Context, accountID, delta int64, description string, relatedEntryID *uuid.UUID, force bool) (uuid.UUID, int64, int64, error)
	GetHistory(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error)
}

// Ledger предоставляет операции над балансом кредитов.
type Ledger struct {
	repo Repository
}

// New создаёт журнал поверх указанного репозитория.
func New(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

// GetBalance возвращает текущий баланс счёта и накопленные итоги.
func (l *Ledger) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	a, err := l.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &model.Balance{
		Current:     a.Balance,
		TotalEarned: a.TotalEarned,
		TotalSpent:  a.TotalSpent,
	}, nil
}

// CheckSufficient проверяет, хватает ли кредитов на счёте для операции указанной стоимости.
// Проверка информационная: решение о списании принимает только Debit.
func (l *Ledger) CheckSufficient(ctx context.Context, accountID, required int64) (*model.SufficiencyCheck, error) {
	if required <= 0 {
		return nil, ErrInvalidAmount
	}

	a, err := l.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &model.SufficiencyCheck{
		Sufficient: a.Balance >= required,
		Balance:    a.Balance,
		Required:   required,
	}, nil
}

// Debit списывает кредиты со счёта. При нехватке кредитов возвращает
// ошибку хранилища и баланс на момент проверки.
func (l *Ledger) Debit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string) (*model.OperationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	entryID, newBalance, err := l.repo.Debit(ctx, accountID, amount, kind, description)
	observeOperation("debit", err)
	if err != nil {
		return &model.OperationResult{NewBalance: newBalance}, err
	}

	return &model.OperationResult{
		EntryID:    entryID,
		NewBalance: newBalance,
	}, nil
}

// Credit зачисляет кредиты на счёт.
func (l *Ledger) Credit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string) (*model.OperationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	entryID, newBalance, err := l.repo.Credit(ctx, accountID, amount, kind, description, nil)
	observeOperation("credit", err)
	if err != nil {
		return nil, err
	}

	return &model.OperationResult{
		EntryID:    entryID,
		NewBalance: newBalance,
	}, nil
}

// CreditExternal зачисляет кредиты по внешнему идентификатору платежа не более одного раза.
// Повторное зачисление с тем же идентификатором баланс не меняет: Duplicate = true.
func (l *Ledger) CreditExternal(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string, ref model.ExternalRef) (*model.OperationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	entryID, newBalance, duplicate, err := l.repo.CreditExternal(ctx, accountID, amount, kind, description, ref.Provider, ref.PaymentID)
	observeOperation("credit_external", err)
	if err != nil {
		return nil, err
	}

	return &model.OperationResult{
		EntryID:    entryID,
		NewBalance: newBalance,
		Duplicate:  duplicate,
	}, nil
}

// Refund возвращает на счёт кредиты, списанные ранее записью originalEntryID.
func (l *Ledger) Refund(ctx context.Context, accountID, amount int64, description string, originalEntryID uuid.UUID) (*model.OperationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	entryID, newBalance, err := l.repo.Credit(ctx, accountID, amount, model.KindRefund, description, &originalEntryID)
	observeOperation("refund", err)
	if err != nil {
		return nil, err
	}

	return &model.OperationResult{
		EntryID:    entryID,
		NewBalance: newBalance,
	}, nil
}

// Adjust применяет ручную корректировку баланса со знаком в любую сторону.
// Отрицательная корректировка, уводящая баланс ниже нуля, отклоняется;
// с флагом force она усекается до нулевого баланса. Возвращает фактически
// применённую сумму и новый баланс.
func (l *Ledger) Adjust(ctx context.Context, accountID, delta int64, description string, force bool) (int64, int64, error) {
	if delta == 0 {
		return 0, 0, repository.ErrInvalidAdjustment
	}

	_, applied, newBalance, err := l.repo.Adjust(ctx, accountID, delta, description, nil, force)
	observeOperation("adjust", err)
	if err != nil {
		return 0, 0, err
	}

	return applied, newBalance, nil
}

// GetHistory возвращает записи журнала по счёту, начиная с самых свежих.
func (l *Ledger) GetHistory(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	return l.repo.GetHistory(ctx, accountID, limit)
}
