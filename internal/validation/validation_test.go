package validation

import (
	"strings"
	"testing"
)

func TestIsValidIdempotencyKey(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{
			name:  "simple key",
			key:   "req-2024-0001",
			valid: true,
		},
		{
			name:  "uuid style key",
			key:   "b6e3c9f0-7f1a-4d0e-9c1b-2f64c1a0d9aa",
			valid: true,
		},
		{
			name:  "empty string",
			key:   "",
			valid: false,
		},
		{
			name:  "contains space",
			key:   "key with space",
			valid: false,
		},
		{
			name:  "contains non ascii",
			key:   "ключ-1",
			valid: false,
		},
		{
			name:  "too long",
			key:   strings.Repeat("a", MaxIdempotencyKeyLength+1),
			valid: false,
		},
		{
			name:  "max length",
			key:   strings.Repeat("a", MaxIdempotencyKeyLength),
			valid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidIdempotencyKey(tt.key)
			if got != tt.valid {
				t.Fatalf("IsValidIdempotencyKey(%q) = %v, want %v", tt.key, got, tt.valid)
			}
		})
	}
}

func TestIsValidQuestion(t *testing.T) {
	tests := []struct {
		name     string
		question string
		valid    bool
	}{
		{
			name:     "empty question",
			question: "",
			valid:    true,
		},
		{
			name:     "ordinary question",
			question: "Что меня ждёт в новом деле?",
			valid:    true,
		},
		{
			name:     "multiline question",
			question: "Первый вопрос.\nВторой вопрос.",
			valid:    true,
		},
		{
			name:     "control character",
			question: "вопрос\x00",
			valid:    false,
		},
		{
			name:     "too long",
			question: strings.Repeat("я", MaxQuestionLength+1),
			valid:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidQuestion(tt.question)
			if got != tt.valid {
				t.Fatalf("IsValidQuestion(%q) = %v, want %v", tt.question, got, tt.valid)
			}
		})
	}
}

func TestIsValidAmount(t *testing.T) {
	if !IsValidAmount(1) {
		t.Fatalf("IsValidAmount(1) = false, want true")
	}
	if IsValidAmount(0) {
		t.Fatalf("IsValidAmount(0) = true, want false")
	}
	if IsValidAmount(-5) {
		t.Fatalf("IsValidAmount(-5) = true, want false")
	}
}
