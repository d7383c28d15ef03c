// Package handler содержит HTTP-обработчики API сервиса MysticOracle.
package handler

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/louise36-g/MysticOracle-sub011/internal/middleware"
	"github.com/louise36-g/MysticOracle-sub011/internal/model"
	"github.com/louise36-g/MysticOracle-sub011/internal/payment"
	"github.com/louise36-g/MysticOracle-sub011/internal/repository"
	"github.com/louise36-g/MysticOracle-sub011/internal/saga"
	"github.com/louise36-g/MysticOracle-sub011/internal/service"
	"github.com/louise36-g/MysticOracle-sub011/internal/validation"
)

// AdminTokenHeader — заголовок с токеном административного доступа.
const AdminTokenHeader = "X-Admin-Token"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetHistory(ctx context.Context, userID int64) ([]model.Transaction, error)
	GetPackages() []model.CreditPackage
	Checkout(ctx context.Context, userID int64, packageID string) (*payment.Session, error)
	VerifyPurchase(ctx context.Context, userID int64, paymentID string) (*model.Transaction, error)
	ApplySettlementEvent(ctx context.Context, ev *model.SettlementEvent) error
	CreateReading(ctx context.Context, userID int64, spread model.Spread, question string) (*model.Reading, error)
	AskFollowUp(ctx context.Context, userID int64, readingID uuid.UUID, question string) (*model.FollowUp, error)
	GetReadingsByUser(ctx context.Context, userID int64) ([]model.Reading, error)
	DeleteAccount(ctx context.Context, userID int64) error
	AdminAdjust(ctx context.Context, userID, delta int64, reason string, force bool) (int64, int64, error)
}

// Handler реализует HTTP-обработчики API сервиса MysticOracle.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	idempotency    *middleware.IdempotencyMiddleware
	webhookSecret  []byte
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, idem *middleware.IdempotencyMiddleware, webhookSecret []byte, adminToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		idempotency:    idem,
		webhookSecret:  webhookSecret,
		adminToken:     adminToken,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if err == repository.ErrUserNotFound || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает баланс кредитов текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(balance); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type historyEntryResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	PaymentID   string `json:"payment_id,omitempty"`
	Status      string `json:"status,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// GetHistory возвращает журнал кредитов текущего пользователя.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entries, err := h.service.GetHistory(r.Context(), userID)
	if err != nil {
		h.logger.Error("get history error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, historyEntryResponse{
			ID:          e.ID.String(),
			Kind:        string(e.Kind),
			Amount:      e.Amount,
			Description: e.Description,
			PaymentID:   e.ExternalPaymentID,
			Status:      string(e.SettlementStatus),
			CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetPackages возвращает каталог пакетов кредитов. Каталог открыт без
// аутентификации: цены видны до входа.
func (h *Handler) GetPackages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.service.GetPackages()); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type checkoutRequest struct {
	PackageID string `json:"package_id"`
}

type checkoutResponse struct {
	PaymentID string          `json:"payment_id"`
	URL       string          `json:"url"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// Checkout начинает покупку пакета кредитов и возвращает ссылку на оплату.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.PackageID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	session, err := h.service.Checkout(r.Context(), userID, req.PackageID)
	if err != nil {
		if errors.Is(err, service.ErrUnknownPackage) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, payment.ErrNotConfigured) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", userID), zap.String("package", req.PackageID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(checkoutResponse{
		PaymentID: session.ID,
		URL:       session.URL,
		Amount:    session.Amount,
		Currency:  session.Currency,
	}); err != nil {
		h.logger.Error("encode checkout response", zap.Error(err))
	}
}

type verifyRequest struct {
	PaymentID string `json:"payment_id"`
}

type purchaseResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Credits   int64  `json:"credits"`
	CreatedAt string `json:"created_at"`
	SettledAt string `json:"settled_at,omitempty"`
}

func purchaseToResponse(p *model.Transaction) purchaseResponse {
	resp := purchaseResponse{
		PaymentID: p.ExternalPaymentID,
		Status:    string(p.SettlementStatus),
		Credits:   p.Amount,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
	if p.SettledAt != nil {
		resp.SettledAt = p.SettledAt.Format(time.RFC3339)
	}
	return resp
}

// VerifyPurchase сверяет платёж текущего пользователя с провайдером и
// возвращает состояние покупки после применения результата.
func (h *Handler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.PaymentID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	purchase, err := h.service.VerifyPurchase(r.Context(), userID, req.PaymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("verify purchase error", zap.Error(err), zap.Int64("userID", userID), zap.String("paymentID", req.PaymentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(purchaseToResponse(purchase)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type readingRequest struct {
	Spread   string `json:"spread"`
	Question string `json:"question"`
}

type readingResponse struct {
	ID        string            `json:"id"`
	Spread    string            `json:"spread"`
	Question  string            `json:"question,omitempty"`
	Cards     []model.DrawnCard `json:"cards"`
	CreatedAt string            `json:"created_at"`
}

func readingToResponse(rd *model.Reading) readingResponse {
	return readingResponse{
		ID:        rd.ID.String(),
		Spread:    string(rd.Spread),
		Question:  rd.Question,
		Cards:     rd.Cards,
		CreatedAt: rd.CreatedAt.Format(time.RFC3339),
	}
}

// CreateReading создаёт платный расклад для текущего пользователя.
func (h *Handler) CreateReading(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req readingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidQuestion(req.Question) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	reading, err := h.service.CreateReading(r.Context(), userID, model.Spread(req.Spread), req.Question)
	if err != nil {
		h.respondPaidOperationError(w, err, userID, "create reading error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(readingToResponse(reading)); err != nil {
		h.logger.Error("encode reading response", zap.Error(err))
	}
}

// GetReadings возвращает расклады текущего пользователя.
func (h *Handler) GetReadings(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	readings, err := h.service.GetReadingsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get readings error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(readings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]readingResponse, 0, len(readings))
	for i := range readings {
		resp = append(resp, readingToResponse(&readings[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type questionRequest struct {
	Question string `json:"question"`
}

type followUpResponse struct {
	ID        string          `json:"id"`
	ReadingID string          `json:"reading_id"`
	Question  string          `json:"question,omitempty"`
	Card      model.DrawnCard `json:"card"`
	CreatedAt string          `json:"created_at"`
}

// AskFollowUp создаёт платный уточняющий вопрос к раскладу текущего пользователя.
func (h *Handler) AskFollowUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	readingID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Question == "" || !validation.IsValidQuestion(req.Question) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	followUp, err := h.service.AskFollowUp(r.Context(), userID, readingID, req.Question)
	if err != nil {
		if errors.Is(err, repository.ErrReadingNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.respondPaidOperationError(w, err, userID, "ask follow-up error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(followUpResponse{
		ID:        followUp.ID.String(),
		ReadingID: followUp.ReadingID.String(),
		Question:  followUp.Question,
		Card:      followUp.Card,
		CreatedAt: followUp.CreatedAt.Format(time.RFC3339),
	}); err != nil {
		h.logger.Error("encode follow-up response", zap.Error(err))
	}
}

// respondPaidOperationError отображает ошибки платных операций в HTTP-статусы.
// Несостоявшаяся компенсация логируется отдельно: такая запись требует
// ручной выверки.
func (h *Handler) respondPaidOperationError(w http.ResponseWriter, err error, userID int64, msg string) {
	if errors.Is(err, service.ErrUnknownSpread) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	if errors.Is(err, repository.ErrInsufficientBalance) {
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		return
	}

	var opErr *saga.OperationError
	if errors.As(err, &opErr) && !opErr.Refunded {
		h.logger.Error("paid operation failed without refund",
			zap.Error(err),
			zap.Int64("userID", userID),
			zap.String("debitEntryID", opErr.DebitEntryID.String()))
	} else {
		h.logger.Error(msg, zap.Error(err), zap.Int64("userID", userID))
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// DeleteAccount обезличивает учётную запись текущего пользователя.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.DeleteAccount(r.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("delete account error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PaymentWebhook принимает подписанные события платёжного провайдера.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, err := payment.ParseWebhook(body, r.Header.Get(payment.SignatureHeader), h.webhookSecret)
	if err != nil {
		h.logger.Warn("reject payment webhook", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ApplySettlementEvent(r.Context(), ev); err != nil {
		// После 5xx провайдер повторит доставку события.
		h.logger.Error("apply settlement event error", zap.Error(err), zap.String("paymentID", ev.PaymentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type adjustRequest struct {
	UserID int64  `json:"user_id"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

type adjustResponse struct {
	Applied    int64 `json:"applied"`
	NewBalance int64 `json:"new_balance"`
}

// AdminAdjust применяет ручную корректировку баланса по административному токену.
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	if h.adminToken == "" || !hmac.Equal([]byte(r.Header.Get(AdminTokenHeader)), []byte(h.adminToken)) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID <= 0 || req.Delta == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	applied, newBalance, err := h.service.AdminAdjust(r.Context(), req.UserID, req.Delta, req.Reason, req.Force)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAccountNotFound), errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrInvalidAdjustment):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("admin adjust error", zap.Error(err), zap.Int64("userID", req.UserID), zap.Int64("delta", req.Delta))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(adjustResponse{
		Applied:    applied,
		NewBalance: newBalance,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
