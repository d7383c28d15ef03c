// Package settlement сводит сигналы платёжного провайдера с локальными
// записями покупок. Вебхуки и результаты опроса приводятся к единому виду
// события, и по каждому внешнему платежу кредиты зачисляются не более
// одного раза — сколько бы сигналов о нём ни пришло и откуда бы они ни пришли.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/louise36-g/MysticOracle-sub011/internal/model"
	"github.com/louise36-g/MysticOracle-sub011/internal/payment"
	"github.com/louise36-g/MysticOracle-sub011/internal/repository"
	"github.com/louise36-g/MysticOracle-sub011/internal/validation"
)

// Repository описывает переходы статуса покупки, используемые при расчётах.
type Repository interface {
	CompletePurchase(ctx context.Context, provider, paymentID string) (int64, int64, bool, error)
	FailPurchase(ctx context.Context, provider, paymentID string) (bool, error)
	RefundPurchase(ctx context.Context, provider, paymentID, description string) (int64, bool, error)
}

// Ledger описывает зачисление кредитов по платежу, неизвестному хранилищу.
type Ledger interface {
	CreditExternal(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string, ref model.ExternalRef) (*model.OperationResult, error)
}

// Reconciler применяет события провайдера к записям покупок и балансам.
type Reconciler struct {
	repo   Repository
	ledger Ledger
	logger *zap.Logger
}

// NewReconciler создаёт обработчик событий расчёта.
func NewReconciler(repo Repository, ledger Ledger, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		repo:   repo,
		ledger: ledger,
		logger: logger,
	}
}

// HandleEvent применяет одно событие расчёта. Обработка идемпотентна:
// повтор события по уже рассчитанному платежу баланс не меняет.
func (rc *Reconciler) HandleEvent(ctx context.Context, ev *model.SettlementEvent) error {
	switch ev.Type {
	case model.SettlementEventCompleted:
		return rc.handleCompleted(ctx, ev)
	case model.SettlementEventFailed:
		return rc.handleFailed(ctx, ev)
	case model.SettlementEventRefunded:
		return rc.handleRefunded(ctx, ev)
	default:
		eventsTotal.WithLabelValues(string(ev.Type), outcomeIgnored).Inc()
		return fmt.Errorf("unknown settlement event type: %s", ev.Type)
	}
}

func (rc *Reconciler) handleCompleted(ctx context.Context, ev *model.SettlementEvent) error {
	accountID, credits, applied, err := rc.repo.CompletePurchase(ctx, ev.Provider, ev.PaymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return rc.handleAnomaly(ctx, ev)
		}
		eventsTotal.WithLabelValues(string(ev.Type), outcomeError).Inc()
		return err
	}

	if !applied {
		duplicatesTotal.Inc()
		eventsTotal.WithLabelValues(string(ev.Type), outcomeDuplicate).Inc()
		return nil
	}

	eventsTotal.WithLabelValues(string(ev.Type), outcomeApplied).Inc()
	rc.logger.Info("purchase settled",
		zap.String("paymentID", ev.PaymentID),
		zap.Int64("accountID", accountID),
		zap.Int64("credits", credits))
	return nil
}

// handleAnomaly обрабатывает подтверждённый провайдером платёж, о котором
// хранилище не знает. Расхождение решается в пользу клиента: кредиты
// зачисляются напрямую по метаданным платежа.
func (rc *Reconciler) handleAnomaly(ctx context.Context, ev *model.SettlementEvent) error {
	anomaliesTotal.Inc()

	if ev.AccountID == nil || ev.Credits == nil || !validation.IsValidAmount(*ev.Credits) {
		// Без метаданных зачислять некому и нечего. Платёж остаётся
		// на ручном разборе, а вызвавшему запросу это не мешает.
		eventsTotal.WithLabelValues(string(ev.Type), outcomeAnomaly).Inc()
		rc.logger.Error("settlement anomaly without usable metadata",
			zap.String("provider", ev.Provider),
			zap.String("paymentID", ev.PaymentID))
		return nil
	}

	res, err := rc.ledger.CreditExternal(ctx, *ev.AccountID, *ev.Credits, model.KindPurchase,
		"purchase settled without local record",
		model.ExternalRef{Provider: ev.Provider, PaymentID: ev.PaymentID})
	if err != nil {
		eventsTotal.WithLabelValues(string(ev.Type), outcomeError).Inc()
		return err
	}

	if res.Duplicate {
		// Между пропуском в CompletePurchase и зачислением запись покупки
		// успела появиться. Проводим её штатным условным переходом: он же
		// отсеет повтор, если запись уже проведена.
		_, _, applied, err := rc.repo.CompletePurchase(ctx, ev.Provider, ev.PaymentID)
		if err != nil {
			eventsTotal.WithLabelValues(string(ev.Type), outcomeError).Inc()
			return err
		}
		if !applied {
			duplicatesTotal.Inc()
			eventsTotal.WithLabelValues(string(ev.Type), outcomeDuplicate).Inc()
			return nil
		}
		eventsTotal.WithLabelValues(string(ev.Type), outcomeApplied).Inc()
		return nil
	}

	eventsTotal.WithLabelValues(string(ev.Type), outcomeAnomaly).Inc()
	rc.logger.Warn("credited payment without local record",
		zap.String("paymentID", ev.PaymentID),
		zap.Int64("accountID", *ev.AccountID),
		zap.Int64("credits", *ev.Credits))
	return nil
}

func (rc *Reconciler) handleFailed(ctx context.Context, ev *model.SettlementEvent) error {
	changed, err := rc.repo.FailPurchase(ctx, ev.Provider, ev.PaymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			// Неуспешный платёж без локальной записи кредитов не трогает.
			eventsTotal.WithLabelValues(string(ev.Type), outcomeIgnored).Inc()
			rc.logger.Warn("failed payment has no local record",
				zap.String("provider", ev.Provider),
				zap.String("paymentID", ev.PaymentID))
			return nil
		}
		eventsTotal.WithLabelValues(string(ev.Type), outcomeError).Inc()
		return err
	}

	if !changed {
		duplicatesTotal.Inc()
		eventsTotal.WithLabelValues(string(ev.Type), outcomeDuplicate).Inc()
		return nil
	}

	eventsTotal.WithLabelValues(string(ev.Type), outcomeApplied).Inc()
	rc.logger.Info("purchase marked failed", zap.String("paymentID", ev.PaymentID))
	return nil
}

func (rc *Reconciler) handleRefunded(ctx context.Context, ev *model.SettlementEvent) error {
	reversed, changed, err := rc.repo.RefundPurchase(ctx, ev.Provider, ev.PaymentID, "provider refund")
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			eventsTotal.WithLabelValues(string(ev.Type), outcomeIgnored).Inc()
			rc.logger.Warn("refunded payment has no local record",
				zap.String("provider", ev.Provider),
				zap.String("paymentID", ev.PaymentID))
			return nil
		}
		eventsTotal.WithLabelValues(string(ev.Type), outcomeError).Inc()
		return err
	}

	if !changed {
		duplicatesTotal.Inc()
		eventsTotal.WithLabelValues(string(ev.Type), outcomeDuplicate).Inc()
		return nil
	}

	eventsTotal.WithLabelValues(string(ev.Type), outcomeApplied).Inc()
	rc.logger.Info("purchase refunded",
		zap.String("paymentID", ev.PaymentID),
		zap.Int64("reversed", reversed))
	return nil
}

// EventFromSession переводит состояние сессии провайдера в событие расчёта.
// Для сессии в состоянии pending или в неизвестном состоянии события нет.
func EventFromSession(s *payment.Session) *model.SettlementEvent {
	var typ model.SettlementEventType
	switch s.Status {
	case payment.SessionStatusCompleted:
		typ = model.SettlementEventCompleted
	case payment.SessionStatusFailed:
		typ = model.SettlementEventFailed
	case payment.SessionStatusRefunded:
		typ = model.SettlementEventRefunded
	default:
		return nil
	}

	ev := &model.SettlementEvent{
		Type:      typ,
		Provider:  payment.ProviderName,
		PaymentID: s.ID,
		Amount:    s.Amount,
		Currency:  s.Currency,
	}
	if s.Metadata.AccountID != 0 {
		accountID := s.Metadata.AccountID
		ev.AccountID = &accountID
	}
	if s.Metadata.Credits != 0 {
		credits := s.Metadata.Credits
		ev.Credits = &credits
	}

	return ev
}
