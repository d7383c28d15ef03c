package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/louise36-g/MysticOracle-sub011/internal/model"
	"github.com/louise36-g/MysticOracle-sub011/internal/payment"
)

// SessionGetter описывает запрос состояния платёжной сессии у провайдера.
type SessionGetter interface {
	GetSession(ctx context.Context, id string) (*payment.Session, error)
}

// StaleSource описывает выборку давно ожидающих покупок.
type StaleSource interface {
	GetStalePendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error)
}

// Poller периодически сверяет зависшие покупки с провайдером. Он закрывает
// окно потерянного вебхука: состояние сессии запрашивается напрямую и
// сводится тем же Reconciler'ом, что и вебхуки.
type Poller struct {
	stale      StaleSource
	reconciler *Reconciler
	sessions   SessionGetter
	logger     *zap.Logger

	interval time.Duration
	minAge   time.Duration
	batch    int
}

// NewPoller создаёт опросчик зависших покупок. Покупки младше minAge не
// опрашиваются: их вебхук ещё может прийти штатно.
func NewPoller(stale StaleSource, rc *Reconciler, sessions SessionGetter, logger *zap.Logger, interval, minAge time.Duration) *Poller {
	return &Poller{
		stale:      stale,
		reconciler: rc,
		sessions:   sessions,
		logger:     logger,
		interval:   interval,
		minAge:     minAge,
		batch:      100,
	}
}

// Start запускает фоновый опрос до отмены контекста.
func (p *Poller) Start(ctx context.Context) {
	if p.sessions == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.processBatch(ctx)
			}
		}
	}()
}

func (p *Poller) processBatch(ctx context.Context) {
	purchases, err := p.stale.GetStalePendingPurchases(ctx, time.Now().Add(-p.minAge), p.batch)
	if err != nil {
		p.logger.Error("select stale purchases error", zap.Error(err))
		return
	}

	for _, purchase := range purchases {
		if err := p.verifyPurchase(ctx, purchase); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("verify stale purchase error",
				zap.Error(err),
				zap.String("paymentID", purchase.ExternalPaymentID))
		}
	}
}

// verifyPurchase запрашивает состояние сессии и применяет его к покупке.
// Сетевые ошибки повторяются с экспоненциальной паузой; неизвестную
// провайдеру сессию позже закроет штатный перевод зависших покупок в FAILED.
func (p *Poller) verifyPurchase(ctx context.Context, purchase model.Transaction) error {
	var session *payment.Session

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := p.sessions.GetSession(ctx, purchase.ExternalPaymentID)
		if err != nil {
			if errors.Is(err, payment.ErrSessionNotFound) {
				return err
			}
			return retry.RetryableError(err)
		}
		session = s
		return nil
	})
	if err != nil {
		if errors.Is(err, payment.ErrSessionNotFound) {
			p.logger.Warn("pending purchase unknown to provider",
				zap.String("paymentID", purchase.ExternalPaymentID),
				zap.Int64("accountID", purchase.AccountID))
			return nil
		}
		return err
	}

	staleVerifiedTotal.Inc()

	ev := EventFromSession(session)
	if ev == nil {
		// Сессия всё ещё не оплачена, вернёмся к ней в следующем цикле.
		return nil
	}

	return p.reconciler.HandleEvent(ctx, ev)
}
