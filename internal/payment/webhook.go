package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/louise36-g/MysticOracle-sub011/internal/model"
	"github.com/shopspring/decimal"
)

// SignatureHeader — заголовок, в котором провайдер передаёт подпись тела вебхука.
const SignatureHeader = "X-Oraclepay-Signature"

// ErrInvalidSignature возвращается для вебхука с неверной или отсутствующей подписью.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnknownEventType возвращается для вебхука с неизвестным типом события.
	ErrUnknownEventType = errors.New("unknown webhook event type")
)

type webhookPayload struct {
	Type      string          `json:"type"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Metadata  SessionMetadata `json:"metadata"`
}

// Sign вычисляет подпись HMAC-SHA256 тела вебхука в шестнадцатеричном виде.
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature сверяет подпись вебхука с подписью, вычисленной по секрету.
func VerifySignature(body []byte, signature string, secret []byte) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ParseWebhook проверяет подпись вебхука и нормализует его событие.
// Вебхук с неверной подписью отклоняется до разбора тела.
func ParseWebhook(body []byte, signature string, secret []byte) (*model.SettlementEvent, error) {
	if !VerifySignature(body, signature, secret) {
		return nil, ErrInvalidSignature
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var eventType model.SettlementEventType
	switch p.Type {
	case "payment.completed":
		eventType = model.SettlementEventCompleted
	case "payment.failed", "payment.expired":
		eventType = model.SettlementEventFailed
	case "payment.refunded":
		eventType = model.SettlementEventRefunded
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, p.Type)
	}

	ev := &model.SettlementEvent{
		Type:      eventType,
		Provider:  ProviderName,
		PaymentID: p.PaymentID,
		Amount:    p.Amount,
		Currency:  p.Currency,
	}
	if p.Metadata.AccountID != 0 {
		accountID := p.Metadata.AccountID
		ev.AccountID = &accountID
	}
	if p.Metadata.Credits != 0 {
		credits := p.Metadata.Credits
		ev.Credits = &credits
	}

	return ev, nil
}
