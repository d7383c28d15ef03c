// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// MaxIdempotencyKeyLength — максимальная длина ключа идемпотентности.
const MaxIdempotencyKeyLength = 128

// MaxQuestionLength — максимальная длина вопроса к раскладу в рунах.
const MaxQuestionLength = 500

// IsValidIdempotencyKey проверяет, что ключ идемпотентности непустой,
// не превышает допустимую длину и состоит из печатаемых ASCII-символов
// без пробелов.
func IsValidIdempotencyKey(key string) bool {
	if key == "" || len(key) > MaxIdempotencyKeyLength {
		return false
	}

	for _, ch := range key {
		if ch <= ' ' || ch > '~' {
			return false
		}
	}

	return true
}

// IsValidQuestion проверяет длину вопроса и отсутствие управляющих символов.
// Пустой вопрос допустим: не каждый расклад требует формулировки.
func IsValidQuestion(question string) bool {
	runes := 0
	for _, ch := range question {
		if unicode.IsControl(ch) && ch != '\n' {
			return false
		}
		runes++
		if runes > MaxQuestionLength {
			return false
		}
	}
	return true
}

// IsValidAmount проверяет, что сумма операции — положительное целое.
func IsValidAmount(amount int64) bool {
	return amount > 0
}
