// Package saga реализует платные операции: списание кредитов перед созданием
// артефакта и компенсирующий возврат, если создание не удалось.
package saga

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/louise36-g/MysticOracle-sub011/internal/model"
	"github.com/louise36-g/MysticOracle-sub011/internal/repository"
)

var (
	compensationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paid_operation_compensations_total",
		Help: "Refunds issued after a failed paid operation.",
	})

	compensationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paid_operation_compensation_failures_total",
		Help: "Failed refunds that require manual reconciliation.",
	})
)

// Ledger описывает операции журнала кредитов, используемые платной операцией.
type Ledger interface {
	CheckSufficient(ctx context.Context, accountID, required int64) (*model.SufficiencyCheck, error)
	Debit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string) (*model.OperationResult, error)
	Refund(ctx context.Context, accountID, amount int64, description string, originalEntryID uuid.UUID) (*model.OperationResult, error)
}

// Definition описывает одну платную операцию. Стоимость вычисляется заранее
// чистой функцией сценария: к моменту списания она уже известна и неизменна.
type Definition[T any] struct {
	Cost        int64
	Kind        model.TransactionKind
	Description string
	// Create выполняет оплачиваемое действие после успешного списания.
	Create func(ctx context.Context) (T, error)
	// AfterSuccess выполняет необязательную доработку после успешного создания.
	// Её ошибка не откатывает уже оплаченную операцию.
	AfterSuccess func(ctx context.Context, artifact T) error
}

// OperationError описывает неудачу оплачиваемого действия после списания кредитов.
// Refunded сообщает, прошла ли компенсация: если нет, запись DebitEntryID
// требует ручной выверки.
type OperationError struct {
	Err          error
	DebitEntryID uuid.UUID
	Refunded     bool
	RefundErr    error
}

// Error возвращает текст ошибки с итогом компенсации.
func (e *OperationError) Error() string {
	if e.Refunded {
		return fmt.Sprintf("paid operation failed, credits refunded: %v", e.Err)
	}
	return fmt.Sprintf("paid operation failed, refund also failed, manual reconciliation required for entry %s: %v (refund: %v)",
		e.DebitEntryID, e.Err, e.RefundErr)
}

// Unwrap возвращает исходную ошибку оплачиваемого действия.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// Execute проводит платную операцию: проверка достаточности, списание, создание.
// При неудаче создания списанные кредиты возвращаются компенсацией,
// итог которой отражён в *OperationError.
// При успехе возвращает созданный артефакт и результат списания.
func Execute[T any](ctx context.Context, l Ledger, accountID int64, def Definition[T]) (T, *model.OperationResult, error) {
	var zero T

	check, err := l.CheckSufficient(ctx, accountID, def.Cost)
	if err != nil {
		return zero, nil, err
	}
	if !check.Sufficient {
		return zero, &model.OperationResult{NewBalance: check.Balance}, repository.ErrInsufficientBalance
	}

	debit, err := l.Debit(ctx, accountID, def.Cost, def.Kind, def.Description)
	if err != nil {
		return zero, debit, err
	}

	artifact, err := def.Create(ctx)
	if err != nil {
		// Компенсация выполняется даже если исходный запрос уже отменён.
		_, refundErr := l.Refund(context.WithoutCancel(ctx), accountID, def.Cost, "refund: "+def.Description, debit.EntryID)
		if refundErr == nil {
			compensationsTotal.Inc()
		} else {
			compensationFailuresTotal.Inc()
		}
		return zero, nil, &OperationError{
			Err:          err,
			DebitEntryID: debit.EntryID,
			Refunded:     refundErr == nil,
			RefundErr:    refundErr,
		}
	}

	if def.AfterSuccess != nil {
		_ = def.AfterSuccess(ctx, artifact)
	}

	return artifact, debit, nil
}
