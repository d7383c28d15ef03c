// Package service реализует бизнес-логику сервиса MysticOracle.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/louise36-g/MysticOracle-sub011/internal/model"
	"github.com/louise36-g/MysticOracle-sub011/internal/payment"
	"github.com/louise36-g/MysticOracle-sub011/internal/repository"
	"github.com/louise36-g/MysticOracle-sub011/internal/saga"
	"github.com/louise36-g/MysticOracle-sub011/internal/settlement"
	"github.com/louise36-g/MysticOracle-sub011/internal/tarot"
)

// ErrUnknownPackage возвращается при покупке несуществующего пакета кредитов.
var ErrUnknownPackage = errors.New("unknown credit package")

// ErrUnknownSpread возвращается при заказе расклада неизвестного типа.
var ErrUnknownSpread = errors.New("unknown spread")

// signupBonus — разовое бонусное начисление при регистрации.
const signupBonus int64 = 3

const (
	historyLimit  = 100
	readingsLimit = 50
)

var creditPackages = []model.CreditPackage{
	{ID: "starter", Credits: 10, Price: decimal.RequireFromString("4.99"), Currency: "USD"},
	{ID: "seeker", Credits: 30, Price: decimal.RequireFromString("12.99"), Currency: "USD"},
	{ID: "mystic", Credits: 75, Price: decimal.RequireFromString("24.99"), Currency: "USD"},
	{ID: "oracle", Credits: 200, Price: decimal.RequireFromString("49.99"), Currency: "USD"},
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	AnonymizeUser(ctx context.Context, userID int64) error
	CreatePendingPurchase(ctx context.Context, accountID, credits int64, description, provider, paymentID string) (uuid.UUID, error)
	GetPurchaseByExternalID(ctx context.Context, provider, paymentID string) (*model.Transaction, error)
	CreateReading(ctx context.Context, reading *model.Reading) error
	GetReading(ctx context.Context, id uuid.UUID, userID int64) (*model.Reading, error)
	GetReadingsByUser(ctx context.Context, userID int64, limit int) ([]model.Reading, error)
	CreateFollowUp(ctx context.Context, followUp *model.FollowUp) error
}

// Ledger описывает операции журнала кредитов, используемые сервисом.
type Ledger interface {
	GetBalance(ctx context.Context, accountID int64) (*model.Balance, error)
	GetHistory(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error)
	CheckSufficient(ctx context.Context, accountID, required int64) (*model.SufficiencyCheck, error)
	Debit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string) (*model.OperationResult, error)
	Credit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string) (*model.OperationResult, error)
	Refund(ctx context.Context, accountID, amount int64, description string, originalEntryID uuid.UUID) (*model.OperationResult, error)
	Adjust(ctx context.Context, accountID, delta int64, description string, force bool) (int64, int64, error)
}

// Payments описывает взаимодействие с платёжным провайдером.
type Payments interface {
	CreateSession(ctx context.Context, in payment.CreateSessionRequest) (*payment.Session, error)
	GetSession(ctx context.Context, id string) (*payment.Session, error)
}

// Settlements описывает применение событий расчёта к покупкам.
type Settlements interface {
	HandleEvent(ctx context.Context, ev *model.SettlementEvent) error
}

// Service содержит бизнес-логику сервиса MysticOracle.
type Service struct {
	repo        Repository
	ledger      Ledger
	payments    Payments
	settlements Settlements
}

// NewService создаёт новый сервис поверх репозитория, журнала кредитов,
// платёжного клиента и обработчика расчётов.
func NewService(repo Repository, ledger Ledger, payments Payments, settlements Settlements) *Service {
	return &Service{
		repo:        repo,
		ledger:      ledger,
		payments:    payments,
		settlements: settlements,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя вместе со счётом кредитов
// и начисляет приветственный бонус.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}

	// Бонус не критичен: пользователь уже создан, при сбое начисления
	// счёт просто остаётся пустым.
	_, _ = s.ledger.Credit(ctx, id, signupBonus, model.KindBonus, "signup bonus")

	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetBalance возвращает текущий баланс кредитов пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.ledger.GetBalance(ctx, userID)
}

// GetHistory возвращает записи журнала кредитов пользователя, начиная с самых свежих.
func (s *Service) GetHistory(ctx context.Context, userID int64) ([]model.Transaction, error) {
	return s.ledger.GetHistory(ctx, userID, historyLimit)
}

// GetPackages возвращает каталог пакетов кредитов.
func (s *Service) GetPackages() []model.CreditPackage {
	return creditPackages
}

func findPackage(id string) (model.CreditPackage, bool) {
	for _, p := range creditPackages {
		if p.ID == id {
			return p, true
		}
	}
	return model.CreditPackage{}, false
}

// Checkout начинает покупку пакета кредитов: создаёт платёжную сессию у
// провайдера и записывает ожидающую покупку. Кредиты будут зачислены после
// подтверждения платежа вебхуком, проверкой клиента или фоновым опросом.
func (s *Service) Checkout(ctx context.Context, userID int64, packageID string) (*payment.Session, error) {
	pkg, ok := findPackage(packageID)
	if !ok {
		return nil, ErrUnknownPackage
	}

	session, err := s.payments.CreateSession(ctx, payment.CreateSessionRequest{
		Amount:      pkg.Price,
		Currency:    pkg.Currency,
		Description: fmt.Sprintf("%d credits (%s)", pkg.Credits, pkg.ID),
		Metadata: payment.SessionMetadata{
			AccountID: userID,
			PackageID: pkg.ID,
			Credits:   pkg.Credits,
		},
	})
	if err != nil {
		return nil, err
	}

	// Если запись не создастся, оплаченную сессию всё равно проведёт
	// сверка: метаданных платежа достаточно для зачисления.
	_, err = s.repo.CreatePendingPurchase(ctx, userID, pkg.Credits, "purchase: "+pkg.ID, payment.ProviderName, session.ID)
	if err != nil && !errors.Is(err, repository.ErrPaymentExists) {
		return nil, err
	}

	return session, nil
}

// VerifyPurchase запрашивает у провайдера состояние платежа пользователя и
// применяет его. Возвращает запись покупки после применения: повторная
// проверка уже рассчитанного платежа статус не меняет.
func (s *Service) VerifyPurchase(ctx context.Context, userID int64, paymentID string) (*model.Transaction, error) {
	purchase, err := s.repo.GetPurchaseByExternalID(ctx, payment.ProviderName, paymentID)
	if err != nil {
		return nil, err
	}
	if purchase.AccountID != userID {
		// Чужой платёж неотличим от несуществующего.
		return nil, repository.ErrPaymentNotFound
	}

	session, err := s.payments.GetSession(ctx, paymentID)
	if err != nil {
		if errors.Is(err, payment.ErrSessionNotFound) {
			return purchase, nil
		}
		return nil, err
	}

	ev := settlement.EventFromSession(session)
	if ev == nil {
		return purchase, nil
	}
	if err := s.settlements.HandleEvent(ctx, ev); err != nil {
		return nil, err
	}

	return s.repo.GetPurchaseByExternalID(ctx, payment.ProviderName, paymentID)
}

// ApplySettlementEvent применяет событие провайдера, пришедшее вебхуком.
func (s *Service) ApplySettlementEvent(ctx context.Context, ev *model.SettlementEvent) error {
	return s.settlements.HandleEvent(ctx, ev)
}

// CreateReading создаёт платный расклад: списывает его стоимость, тянет
// карты и сохраняет результат. Если сохранить расклад не удалось,
// списанные кредиты возвращаются компенсацией.
func (s *Service) CreateReading(ctx context.Context, userID int64, spread model.Spread, question string) (*model.Reading, error) {
	cost, ok := spread.Cost()
	if !ok {
		return nil, ErrUnknownSpread
	}

	reading, _, err := saga.Execute(ctx, s.ledger, userID, saga.Definition[*model.Reading]{
		Cost:        cost,
		Kind:        model.KindServiceDebit,
		Description: "reading: " + string(spread),
		Create: func(ctx context.Context) (*model.Reading, error) {
			cards, err := tarot.Draw(spread.CardCount())
			if err != nil {
				return nil, err
			}

			reading := &model.Reading{
				ID:       uuid.New(),
				UserID:   userID,
				Spread:   spread,
				Question: question,
				Cards:    cards,
			}
			if err := s.repo.CreateReading(ctx, reading); err != nil {
				return nil, err
			}
			return reading, nil
		},
	})
	return reading, err
}

// AskFollowUp создаёт платный уточняющий вопрос к существующему раскладу
// пользователя с одной дополнительной картой.
func (s *Service) AskFollowUp(ctx context.Context, userID int64, readingID uuid.UUID, question string) (*model.FollowUp, error) {
	// Принадлежность расклада проверяется до списания кредитов.
	if _, err := s.repo.GetReading(ctx, readingID, userID); err != nil {
		return nil, err
	}

	followUp, _, err := saga.Execute(ctx, s.ledger, userID, saga.Definition[*model.FollowUp]{
		Cost:        model.FollowUpCost,
		Kind:        model.KindServiceDebit,
		Description: "follow-up question",
		Create: func(ctx context.Context) (*model.FollowUp, error) {
			cards, err := tarot.Draw(1)
			if err != nil {
				return nil, err
			}

			followUp := &model.FollowUp{
				ID:        uuid.New(),
				ReadingID: readingID,
				UserID:    userID,
				Question:  question,
				Card:      cards[0],
			}
			if err := s.repo.CreateFollowUp(ctx, followUp); err != nil {
				return nil, err
			}
			return followUp, nil
		},
	})
	return followUp, err
}

// GetReadingsByUser возвращает расклады пользователя, начиная с самых свежих.
func (s *Service) GetReadingsByUser(ctx context.Context, userID int64) ([]model.Reading, error) {
	return s.repo.GetReadingsByUser(ctx, userID, readingsLimit)
}

// DeleteAccount обезличивает пользователя. Остаток кредитов сжигается
// принудительной корректировкой, журнал транзакций сохраняется.
func (s *Service) DeleteAccount(ctx context.Context, userID int64) error {
	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return err
	}

	if balance.Current > 0 {
		if _, _, err := s.ledger.Adjust(ctx, userID, -balance.Current, "account deletion", true); err != nil {
			return err
		}
	}

	return s.repo.AnonymizeUser(ctx, userID)
}

// AdminAdjust применяет ручную корректировку баланса пользователя.
// Без флага force отрицательная корректировка, уводящая баланс ниже нуля,
// отклоняется; с флагом она усекается до нулевого баланса.
func (s *Service) AdminAdjust(ctx context.Context, userID, delta int64, reason string, force bool) (int64, int64, error) {
	description := "manual adjustment"
	if reason != "" {
		description = "manual adjustment: " + reason
	}
	return s.ledger.Adjust(ctx, userID, delta, description, force)
}
