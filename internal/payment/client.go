// Package payment предоставляет клиент платёжного провайдера и проверку подписи вебхуков.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// ProviderName — имя провайдера во внешних ссылках записей журнала.
const ProviderName = "oraclepay"

// Статусы платёжной сессии провайдера.
const (
	SessionStatusPending   = "pending"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
	SessionStatusRefunded  = "refunded"
)

// ErrSessionNotFound возвращается, если платёжная сессия не найдена у провайдера.
var (
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrNotConfigured возвращается при обращении к ненастроенному клиенту.
	ErrNotConfigured = errors.New("payment client not configured")
)

// Client инкапсулирует HTTP-взаимодействие с платёжным провайдером.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// SessionMetadata передаётся провайдеру при создании сессии и возвращается
// в его событиях, связывая платёж со счётом и числом покупаемых кредитов.
type SessionMetadata struct {
	AccountID int64  `json:"account_id"`
	PackageID string `json:"package_id"`
	Credits   int64  `json:"credits"`
}

// Session описывает платёжную сессию провайдера.
type Session struct {
	ID       string          `json:"id"`
	URL      string          `json:"url"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Metadata SessionMetadata `json:"metadata"`
}

// CreateSessionRequest описывает параметры новой платёжной сессии.
type CreateSessionRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Metadata    SessionMetadata `json:"metadata"`
}

// NewClient создаёт клиент провайдера. Сетевые ошибки и ответы 5xx
// повторяются автоматически.
func NewClient(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: rc.StandardClient(),
	}
}

// CreateSession создаёт платёжную сессию. Оплату пользователь завершает по её URL.
func (c *Client) CreateSession(ctx context.Context, in CreateSessionRequest) (*Session, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/v1/sessions"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &s, nil
}

// GetSession запрашивает текущее состояние платёжной сессии.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/v1/sessions/"+id), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSessionNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &s, nil
}

func (c *Client) endpoint(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}
