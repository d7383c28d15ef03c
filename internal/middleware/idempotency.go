package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/louise36-g/MysticOracle-sub011/internal/idempotency"
	"github.com/louise36-g/MysticOracle-sub011/internal/validation"
)

// IdempotencyKeyHeader — заголовок с клиентским ключом идемпотентности.
const IdempotencyKeyHeader = "Idempotency-Key"

type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// IdempotencyMiddleware выполняет дедупликацию запросов по заголовку
// Idempotency-Key: первый запрос с ключом выполняется и его результат
// сохраняется, повторы получают сохранённый ответ без повторного выполнения.
// Запрос без заголовка проходит без дедупликации.
type IdempotencyMiddleware struct {
	gate   *idempotency.Gate
	logger *zap.Logger
}

// NewIdempotencyMiddleware создаёт middleware поверх указанного шлюза дедупликации.
func NewIdempotencyMiddleware(gate *idempotency.Gate, logger *zap.Logger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		gate:   gate,
		logger: logger,
	}
}

// Middleware применяет протокол дедупликации к запросу.
// Ключ действует в рамках пользователя: требуется аутентификация.
func (m *IdempotencyMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !validation.IsValidIdempotencyKey(key) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		userID, ok := GetUserIDFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		endpoint := r.Method + " " + r.URL.Path

		begin, err := m.gate.Begin(r.Context(), userID, key, endpoint)
		if err != nil {
			switch {
			case errors.Is(err, idempotency.ErrDuplicateInProgress):
				http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			case errors.Is(err, idempotency.ErrEndpointMismatch):
				http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			default:
				m.logger.Error("begin idempotent request error", zap.Error(err), zap.Int64("userID", userID))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
			return
		}

		if begin.Replay {
			// Ответ первого выполнения воспроизводится байт в байт.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(begin.StatusCode)
			_, _ = w.Write(begin.Result)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Итог фиксируется даже если клиент уже отключился: иначе ключ
		// останется занятым до истечения TTL.
		ctx := context.WithoutCancel(r.Context())

		if rec.status >= 200 && rec.status < 300 {
			if err := m.gate.Complete(ctx, userID, key, rec.status, rec.body.Bytes()); err != nil {
				m.logger.Error("complete idempotent request error", zap.Error(err), zap.Int64("userID", userID))
			}
			return
		}

		// Неуспешный результат не сохраняется, ключ освобождается для повтора.
		if err := m.gate.Fail(ctx, userID, key); err != nil {
			m.logger.Error("release idempotency key error", zap.Error(err), zap.Int64("userID", userID))
		}
	})
}
