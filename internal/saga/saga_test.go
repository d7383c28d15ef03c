package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/louise36-g/MysticOracle-sub011/internal/model"
	"github.com/louise36-g/MysticOracle-sub011/internal/repository"
)

type entry struct {
	kind    model.TransactionKind
	amount  int64
	related *uuid.UUID
}

type stubLedger struct {
	balance int64
	entries []entry

	debitErr  error
	refundErr error
}

func (s *stubLedger) CheckSufficient(ctx context.Context, accountID, required int64) (*model.SufficiencyCheck, error) {
	return &model.SufficiencyCheck{
		Sufficient: s.balance >= required,
		Balance:    s.balance,
		Required:   required,
	}, nil
}

func (s *stubLedger) Debit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string) (*model.OperationResult, error) {
	if s.debitErr != nil {
		return nil, s.debitErr
	}
	s.balance -= amount
	s.entries = append(s.entries, entry{kind: kind, amount: -amount})
	return &model.OperationResult{EntryID: uuid.New(), NewBalance: s.balance}, nil
}

func (s *stubLedger) Refund(ctx context.Context, accountID, amount int64, description string, originalEntryID uuid.UUID) (*model.OperationResult, error) {
	if s.refundErr != nil {
		return nil, s.refundErr
	}
	s.balance += amount
	s.entries = append(s.entries, entry{kind: model.KindRefund, amount: amount, related: &originalEntryID})
	return &model.OperationResult{EntryID: uuid.New(), NewBalance: s.balance}, nil
}

func TestExecute_Success(t *testing.T) {
	l := &stubLedger{balance: 10}

	artifact, res, err := Execute(context.Background(), l, 1, Definition[string]{
		Cost:        3,
		Kind:        model.KindServiceDebit,
		Description: "three card reading",
		Create: func(ctx context.Context) (string, error) {
			return "reading-1", nil
		},
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if artifact != "reading-1" {
		t.Fatalf("artifact = %q, want %q", artifact, "reading-1")
	}
	if res.NewBalance != 7 {
		t.Fatalf("NewBalance = %d, want 7", res.NewBalance)
	}
	if len(l.entries) != 1 || l.entries[0].amount != -3 {
		t.Fatalf("unexpected entries: %+v", l.entries)
	}
}

func TestExecute_InsufficientCredits(t *testing.T) {
	l := &stubLedger{balance: 1}
	created := false

	_, res, err := Execute(context.Background(), l, 1, Definition[string]{
		Cost:        5,
		Kind:        model.KindServiceDebit,
		Description: "celtic cross",
		Create: func(ctx context.Context) (string, error) {
			created = true
			return "", nil
		},
	})
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if created {
		t.Fatalf("create must not run when credits are insufficient")
	}
	if res == nil || res.NewBalance != 1 {
		t.Fatalf("expected current balance in result, got %+v", res)
	}
	if len(l.entries) != 0 {
		t.Fatalf("no entries expected, got %+v", l.entries)
	}
}

func TestExecute_CreateFails_NetZero(t *testing.T) {
	l := &stubLedger{balance: 10}
	createErr := errors.New("storage unavailable")

	_, _, err := Execute(context.Background(), l, 1, Definition[string]{
		Cost:        3,
		Kind:        model.KindServiceDebit,
		Description: "three card reading",
		Create: func(ctx context.Context) (string, error) {
			return "", createErr
		},
	})

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if !opErr.Refunded {
		t.Fatalf("expected refund to succeed: %+v", opErr)
	}
	if !errors.Is(err, createErr) {
		t.Fatalf("OperationError must wrap the create error, got %v", err)
	}

	if l.balance != 10 {
		t.Fatalf("balance = %d, want 10 (net zero after compensation)", l.balance)
	}
	if len(l.entries) != 2 {
		t.Fatalf("expected debit and refund entries, got %+v", l.entries)
	}
	if l.entries[0].amount != -3 || l.entries[1].amount != 3 {
		t.Fatalf("entries must net to zero: %+v", l.entries)
	}
	if l.entries[1].kind != model.KindRefund {
		t.Fatalf("compensation kind = %s, want %s", l.entries[1].kind, model.KindRefund)
	}
	if l.entries[1].related == nil || *l.entries[1].related != opErr.DebitEntryID {
		t.Fatalf("refund must reference the original debit entry")
	}
}

func TestExecute_RefundFails(t *testing.T) {
	l := &stubLedger{balance: 10, refundErr: errors.New("connection refused")}

	_, _, err := Execute(context.Background(), l, 1, Definition[string]{
		Cost:        3,
		Kind:        model.KindServiceDebit,
		Description: "three card reading",
		Create: func(ctx context.Context) (string, error) {
			return "", errors.New("create failed")
		},
	})

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if opErr.Refunded {
		t.Fatalf("refund must be reported as failed")
	}
	if opErr.RefundErr == nil {
		t.Fatalf("expected refund error to be kept")
	}
	if opErr.DebitEntryID == uuid.Nil {
		t.Fatalf("debit entry id must be kept for manual reconciliation")
	}
}

func TestExecute_AfterSuccessFailureIgnored(t *testing.T) {
	l := &stubLedger{balance: 10}

	artifact, _, err := Execute(context.Background(), l, 1, Definition[string]{
		Cost:        2,
		Kind:        model.KindServiceDebit,
		Description: "follow-up question",
		Create: func(ctx context.Context) (string, error) {
			return "follow-up-1", nil
		},
		AfterSuccess: func(ctx context.Context, artifact string) error {
			return errors.New("counter increment failed")
		},
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if artifact != "follow-up-1" {
		t.Fatalf("artifact = %q, want %q", artifact, "follow-up-1")
	}
	if l.balance != 8 {
		t.Fatalf("balance = %d, want 8", l.balance)
	}
}

func TestExecute_DebitErrorAborts(t *testing.T) {
	debitErr := errors.New("deadlock detected")
	l := &stubLedger{balance: 10, debitErr: debitErr}
	created := false

	_, _, err := Execute(context.Background(), l, 1, Definition[string]{
		Cost:        3,
		Kind:        model.KindServiceDebit,
		Description: "three card reading",
		Create: func(ctx context.Context) (string, error) {
			created = true
			return "", nil
		},
	})
	if !errors.Is(err, debitErr) {
		t.Fatalf("expected debit error, got %v", err)
	}
	if created {
		t.Fatalf("create must not run when debit fails")
	}
}
