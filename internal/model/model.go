// Package model содержит доменные сущности кредитной подсистемы MysticOracle.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Account хранит баланс кредитов пользователя и накопительные счётчики.
// Баланс изменяется только вместе с записью в журнале транзакций и никогда
// не опускается ниже нуля.
type Account struct {
	UserID      int64
	Balance     int64
	TotalEarned int64
	TotalSpent  int64
	UpdatedAt   time.Time
}

// TransactionKind описывает тип записи журнала транзакций.
type TransactionKind string

const (
	// KindPurchase — пополнение кредитов через платёжного провайдера.
	KindPurchase TransactionKind = "PURCHASE"
	// KindServiceDebit — списание кредитов за платную операцию.
	KindServiceDebit TransactionKind = "SERVICE_DEBIT"
	// KindRefund — компенсирующий возврат после неудавшейся платной операции.
	KindRefund TransactionKind = "REFUND"
	// KindAdjustment — ручная корректировка баланса или сторно возврата платежа.
	KindAdjustment TransactionKind = "ADJUSTMENT"
	// KindBonus — бонусное начисление (например, за регистрацию).
	KindBonus TransactionKind = "BONUS"
)

// SettlementStatus описывает состояние расчёта по внешнему платежу.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementCompleted SettlementStatus = "COMPLETED"
	SettlementFailed    SettlementStatus = "FAILED"
	SettlementRefunded  SettlementStatus = "REFUNDED"
)

// Transaction — неизменяемая запись журнала об одном изменении баланса.
// Для записей вида KindPurchase заполнены поля внешнего платежа, и сумма
// применяется к балансу только при переходе расчёта в статус COMPLETED.
type Transaction struct {
	ID                uuid.UUID
	AccountID         int64
	Kind              TransactionKind
	Amount            int64
	Description       string
	Provider          string
	ExternalPaymentID string
	SettlementStatus  SettlementStatus
	RelatedEntryID    *uuid.UUID
	CreatedAt         time.Time
	SettledAt         *time.Time
}

// ExternalRef связывает запись журнала с платежом у внешнего провайдера.
type ExternalRef struct {
	Provider  string
	PaymentID string
}

// Balance содержит текущий баланс пользователя и накопительные счётчики.
type Balance struct {
	Current     int64 `json:"current"`
	TotalEarned int64 `json:"total_earned"`
	TotalSpent  int64 `json:"total_spent"`
}

// SufficiencyCheck — результат проверки достаточности кредитов.
type SufficiencyCheck struct {
	Sufficient bool  `json:"sufficient"`
	Balance    int64 `json:"balance"`
	Required   int64 `json:"required"`
}

// OperationResult описывает итог операции над балансом.
type OperationResult struct {
	EntryID    uuid.UUID
	NewBalance int64
	Duplicate  bool
}

// IdempotencyState описывает состояние записи о ключе идемпотентности.
type IdempotencyState string

const (
	IdempotencyPending   IdempotencyState = "PENDING"
	IdempotencyCompleted IdempotencyState = "COMPLETED"
)

// IdempotencyRecord хранит результат первого выполнения запроса с ключом
// идемпотентности. Ключ уникален в рамках пары пользователь+эндпоинт.
type IdempotencyRecord struct {
	Key         string
	AccountID   int64
	Endpoint    string
	State       IdempotencyState
	StatusCode  int
	Result      []byte
	CreatedAt   time.Time
	CompletedAt *time.Time
	ExpiresAt   time.Time
}

// SettlementEventType описывает тип нормализованного события расчёта.
type SettlementEventType string

const (
	SettlementEventCompleted SettlementEventType = "completed"
	SettlementEventFailed    SettlementEventType = "failed"
	SettlementEventRefunded  SettlementEventType = "refunded"
)

// SettlementEvent — нормализованное событие платёжного провайдера, единый
// вход Reconciler'а независимо от того, пришло оно вебхуком или опросом.
type SettlementEvent struct {
	Type      SettlementEventType
	Provider  string
	PaymentID string
	AccountID *int64
	Credits   *int64
	Amount    decimal.Decimal
	Currency  string
}

// CreditPackage описывает пакет кредитов из каталога продаж.
type CreditPackage struct {
	ID       string          `json:"id"`
	Credits  int64           `json:"credits"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
}

// Spread описывает тип расклада.
type Spread string

const (
	SpreadCardOfDay    Spread = "card_of_day"
	SpreadThreeCard    Spread = "three_card"
	SpreadRelationship Spread = "relationship"
	SpreadCelticCross  Spread = "celtic_cross"
)

// FollowUpCost — стоимость уточняющего вопроса к существующему раскладу.
const FollowUpCost int64 = 2

var spreadCosts = map[Spread]int64{
	SpreadCardOfDay:    1,
	SpreadThreeCard:    3,
	SpreadRelationship: 5,
	SpreadCelticCross:  10,
}

// Cost возвращает стоимость расклада в кредитах. Для неизвестного типа
// расклада второй результат равен false.
func (s Spread) Cost() (int64, bool) {
	cost, ok := spreadCosts[s]
	return cost, ok
}

// CardCount возвращает количество карт в раскладе.
func (s Spread) CardCount() int {
	switch s {
	case SpreadCardOfDay:
		return 1
	case SpreadThreeCard:
		return 3
	case SpreadRelationship:
		return 5
	case SpreadCelticCross:
		return 10
	default:
		return 0
	}
}

// DrawnCard — одна вытянутая карта в раскладе.
type DrawnCard struct {
	Position int    `json:"position"`
	Name     string `json:"name"`
	Reversed bool   `json:"reversed"`
}

// Reading представляет оплаченный расклад пользователя.
type Reading struct {
	ID        uuid.UUID
	UserID    int64
	Spread    Spread
	Question  string
	Cards     []DrawnCard
	CreatedAt time.Time
}

// FollowUp — оплаченный уточняющий вопрос к раскладу с одной
// дополнительной картой.
type FollowUp struct {
	ID        uuid.UUID
	ReadingID uuid.UUID
	UserID    int64
	Question  string
	Card      DrawnCard
	CreatedAt time.Time
}
