package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/louise36-g/MysticOracle-sub011/internal/model"
	"github.com/louise36-g/MysticOracle-sub011/internal/payment"
	"github.com/louise36-g/MysticOracle-sub011/internal/repository"
	"github.com/louise36-g/MysticOracle-sub011/internal/saga"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

type pendingPurchase struct {
	accountID int64
	credits   int64
	provider  string
	paymentID string
}

type stubRepo struct {
	createUserID  int64
	createUserErr error

	getUser    *model.User
	getUserErr error

	anonymized   bool
	anonymizeErr error

	pending          []pendingPurchase
	createPendingErr error

	purchase    *model.Transaction
	purchaseErr error

	reading          *model.Reading
	createReadingErr error
	getReadingErr    error
	readings         []model.Reading

	followUp          *model.FollowUp
	createFollowUpErr error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) AnonymizeUser(ctx context.Context, userID int64) error {
	if s.anonymizeErr != nil {
		return s.anonymizeErr
	}
	s.anonymized = true
	return nil
}

func (s *stubRepo) CreatePendingPurchase(ctx context.Context, accountID, credits int64, description, provider, paymentID string) (uuid.UUID, error) {
	if s.createPendingErr != nil {
		return uuid.Nil, s.createPendingErr
	}
	s.pending = append(s.pending, pendingPurchase{
		accountID: accountID,
		credits:   credits,
		provider:  provider,
		paymentID: paymentID,
	})
	return uuid.New(), nil
}

func (s *stubRepo) GetPurchaseByExternalID(ctx context.Context, provider, paymentID string) (*model.Transaction, error) {
	if s.purchaseErr != nil {
		return nil, s.purchaseErr
	}
	return s.purchase, nil
}

func (s *stubRepo) CreateReading(ctx context.Context, reading *model.Reading) error {
	if s.createReadingErr != nil {
		return s.createReadingErr
	}
	s.reading = reading
	return nil
}

func (s *stubRepo) GetReading(ctx context.Context, id uuid.UUID, userID int64) (*model.Reading, error) {
	if s.getReadingErr != nil {
		return nil, s.getReadingErr
	}
	return s.reading, nil
}

func (s *stubRepo) GetReadingsByUser(ctx context.Context, userID int64, limit int) ([]model.Reading, error) {
	return s.readings, nil
}

func (s *stubRepo) CreateFollowUp(ctx context.Context, followUp *model.FollowUp) error {
	if s.createFollowUpErr != nil {
		return s.createFollowUpErr
	}
	s.followUp = followUp
	return nil
}

type creditCall struct {
	amount int64
	kind   model.TransactionKind
}

type adjustCall struct {
	delta       int64
	description string
	force       bool
}

// stubLedger воспроизводит семантику журнала на одном счёте в памяти.
type stubLedger struct {
	balance    int64
	balanceErr error

	credits []creditCall
	refunds []creditCall
	adjusts []adjustCall
	history []model.Transaction

	debitErr error
}

func (l *stubLedger) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	if l.balanceErr != nil {
		return nil, l.balanceErr
	}
	return &model.Balance{Current: l.balance}, nil
}

func (l *stubLedger) GetHistory(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	return l.history, nil
}

func (l *stubLedger) CheckSufficient(ctx context.Context, accountID, required int64) (*model.SufficiencyCheck, error) {
	return &model.SufficiencyCheck{
		Sufficient: l.balance >= required,
		Balance:    l.balance,
		Required:   required,
	}, nil
}

func (l *stubLedger) Debit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string) (*model.OperationResult, error) {
	if l.debitErr != nil {
		return nil, l.debitErr
	}
	if l.balance < amount {
		return &model.OperationResult{NewBalance: l.balance}, repository.ErrInsufficientBalance
	}
	l.balance -= amount
	return &model.OperationResult{EntryID: uuid.New(), NewBalance: l.balance}, nil
}

func (l *stubLedger) Credit(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description string) (*model.OperationResult, error) {
	l.balance += amount
	l.credits = append(l.credits, creditCall{amount: amount, kind: kind})
	return &model.OperationResult{EntryID: uuid.New(), NewBalance: l.balance}, nil
}

func (l *stubLedger) Refund(ctx context.Context, accountID, amount int64, description string, originalEntryID uuid.UUID) (*model.OperationResult, error) {
	l.balance += amount
	l.refunds = append(l.refunds, creditCall{amount: amount, kind: model.KindRefund})
	return &model.OperationResult{EntryID: uuid.New(), NewBalance: l.balance}, nil
}

func (l *stubLedger) Adjust(ctx context.Context, accountID, delta int64, description string, force bool) (int64, int64, error) {
	applied := delta
	if l.balance+applied < 0 {
		if !force {
			return 0, 0, repository.ErrInvalidAdjustment
		}
		applied = -l.balance
	}
	l.balance += applied
	l.adjusts = append(l.adjusts, adjustCall{delta: delta, description: description, force: force})
	return applied, l.balance, nil
}

type stubPayments struct {
	session   *payment.Session
	createErr error
	created   *payment.CreateSessionRequest

	getSession *payment.Session
	getErr     error
}

func (p *stubPayments) CreateSession(ctx context.Context, in payment.CreateSessionRequest) (*payment.Session, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = &in
	return p.session, nil
}

func (p *stubPayments) GetSession(ctx context.Context, id string) (*payment.Session, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	return p.getSession, nil
}

type stubSettlements struct {
	events  []*model.SettlementEvent
	err     error
	onEvent func(ev *model.SettlementEvent)
}

func (s *stubSettlements) HandleEvent(ctx context.Context, ev *model.SettlementEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	if s.onEvent != nil {
		s.onEvent(ev)
	}
	return nil
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{
		createUserErr: repository.ErrUserExists,
	}
	svc := NewService(repo, &stubLedger{}, nil, nil)

	_, err := svc.RegisterUser(context.Background(), "login", "pass")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestRegisterUser_GrantsSignupBonus(t *testing.T) {
	repo := &stubRepo{createUserID: 7}
	ledger := &stubLedger{}
	svc := NewService(repo, ledger, nil, nil)

	id, err := svc.RegisterUser(context.Background(), "login", "pass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected user id 7, got %d", id)
	}

	if len(ledger.credits) != 1 {
		t.Fatalf("expected one bonus credit, got %d", len(ledger.credits))
	}
	if ledger.credits[0].kind != model.KindBonus || ledger.credits[0].amount != signupBonus {
		t.Fatalf("unexpected bonus: %+v", ledger.credits[0])
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	hashed := hashPassword("user", "correct")
	repo := &stubRepo{
		getUser: &model.User{
			ID:           1,
			Login:        "user",
			PasswordHash: hashed,
		},
	}
	svc := NewService(repo, &stubLedger{}, nil, nil)

	_, err := svc.AuthenticateUser(context.Background(), "user", "wrong")
	if err == nil {
		t.Fatalf("expected error for invalid credentials")
	}
}

func TestCheckout_UnknownPackage(t *testing.T) {
	payments := &stubPayments{}
	svc := NewService(&stubRepo{}, &stubLedger{}, payments, nil)

	_, err := svc.Checkout(context.Background(), 7, "bottomless")
	if !errors.Is(err, ErrUnknownPackage) {
		t.Fatalf("expected ErrUnknownPackage, got %v", err)
	}
	if payments.created != nil {
		t.Fatalf("provider session must not be created for unknown package")
	}
}

func TestCheckout_CreatesSessionAndPendingPurchase(t *testing.T) {
	repo := &stubRepo{}
	payments := &stubPayments{
		session: &payment.Session{ID: "sess-1", URL: "https://pay.example/sess-1", Status: payment.SessionStatusPending},
	}
	svc := NewService(repo, &stubLedger{}, payments, nil)

	session, err := svc.Checkout(context.Background(), 7, "starter")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if session.URL != "https://pay.example/sess-1" {
		t.Fatalf("expected confirmation url, got %q", session.URL)
	}

	if payments.created == nil {
		t.Fatalf("expected provider session request")
	}
	if !payments.created.Amount.Equal(creditPackages[0].Price) {
		t.Fatalf("expected price %s, got %s", creditPackages[0].Price, payments.created.Amount)
	}
	meta := payments.created.Metadata
	if meta.AccountID != 7 || meta.PackageID != "starter" || meta.Credits != 10 {
		t.Fatalf("unexpected session metadata: %+v", meta)
	}

	if len(repo.pending) != 1 {
		t.Fatalf("expected one pending purchase, got %d", len(repo.pending))
	}
	p := repo.pending[0]
	if p.accountID != 7 || p.credits != 10 || p.provider != payment.ProviderName || p.paymentID != "sess-1" {
		t.Fatalf("unexpected pending purchase: %+v", p)
	}
}

func TestVerifyPurchase_ForeignPaymentHidden(t *testing.T) {
	repo := &stubRepo{
		purchase: &model.Transaction{AccountID: 8, ExternalPaymentID: "sess-2", SettlementStatus: model.SettlementPending},
	}
	svc := NewService(repo, &stubLedger{}, &stubPayments{}, &stubSettlements{})

	_, err := svc.VerifyPurchase(context.Background(), 7, "sess-2")
	if !errors.Is(err, repository.ErrPaymentNotFound) {
		t.Fatalf("foreign payment must look missing, got %v", err)
	}
}

func TestVerifyPurchase_AppliesCompletedSession(t *testing.T) {
	repo := &stubRepo{
		purchase: &model.Transaction{AccountID: 7, ExternalPaymentID: "sess-3", SettlementStatus: model.SettlementPending},
	}
	payments := &stubPayments{
		getSession: &payment.Session{ID: "sess-3", Status: payment.SessionStatusCompleted},
	}
	settlements := &stubSettlements{}
	settlements.onEvent = func(ev *model.SettlementEvent) {
		repo.purchase.SettlementStatus = model.SettlementCompleted
	}
	svc := NewService(repo, &stubLedger{}, payments, settlements)

	purchase, err := svc.VerifyPurchase(context.Background(), 7, "sess-3")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if len(settlements.events) != 1 {
		t.Fatalf("expected one settlement event, got %d", len(settlements.events))
	}
	ev := settlements.events[0]
	if ev.Type != model.SettlementEventCompleted || ev.PaymentID != "sess-3" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if purchase.SettlementStatus != model.SettlementCompleted {
		t.Fatalf("expected COMPLETED after verification, got %s", purchase.SettlementStatus)
	}
}

func TestVerifyPurchase_UnknownSessionKeepsPending(t *testing.T) {
	repo := &stubRepo{
		purchase: &model.Transaction{AccountID: 7, ExternalPaymentID: "sess-4", SettlementStatus: model.SettlementPending},
	}
	payments := &stubPayments{getErr: payment.ErrSessionNotFound}
	settlements := &stubSettlements{}
	svc := NewService(repo, &stubLedger{}, payments, settlements)

	purchase, err := svc.VerifyPurchase(context.Background(), 7, "sess-4")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if purchase.SettlementStatus != model.SettlementPending {
		t.Fatalf("expected purchase to stay pending, got %s", purchase.SettlementStatus)
	}
	if len(settlements.events) != 0 {
		t.Fatalf("unknown session must not produce events, got %d", len(settlements.events))
	}
}

func TestCreateReading_UnknownSpread(t *testing.T) {
	svc := NewService(&stubRepo{}, &stubLedger{balance: 10}, nil, nil)

	_, err := svc.CreateReading(context.Background(), 7, "pyramid", "what lies ahead?")
	if !errors.Is(err, ErrUnknownSpread) {
		t.Fatalf("expected ErrUnknownSpread, got %v", err)
	}
}

func TestCreateReading_DebitsAndStores(t *testing.T) {
	repo := &stubRepo{}
	ledger := &stubLedger{balance: 10}
	svc := NewService(repo, ledger, nil, nil)

	reading, err := svc.CreateReading(context.Background(), 7, model.SpreadThreeCard, "what lies ahead?")
	if err != nil {
		t.Fatalf("create reading: %v", err)
	}

	if ledger.balance != 7 {
		t.Fatalf("expected balance 7 after debit, got %d", ledger.balance)
	}
	if repo.reading == nil {
		t.Fatalf("expected reading to be stored")
	}
	if reading.UserID != 7 || reading.Spread != model.SpreadThreeCard {
		t.Fatalf("unexpected reading: %+v", reading)
	}
	if len(reading.Cards) != 3 {
		t.Fatalf("expected 3 cards for three_card spread, got %d", len(reading.Cards))
	}
}

func TestCreateReading_InsufficientCredits(t *testing.T) {
	repo := &stubRepo{}
	ledger := &stubLedger{balance: 1}
	svc := NewService(repo, ledger, nil, nil)

	_, err := svc.CreateReading(context.Background(), 7, model.SpreadCelticCross, "everything")
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if repo.reading != nil {
		t.Fatalf("reading must not be stored without credits")
	}
	if ledger.balance != 1 {
		t.Fatalf("balance must not change, got %d", ledger.balance)
	}
}

func TestCreateReading_StorageFailureRefunds(t *testing.T) {
	repo := &stubRepo{createReadingErr: errors.New("disk full")}
	ledger := &stubLedger{balance: 10}
	svc := NewService(repo, ledger, nil, nil)

	_, err := svc.CreateReading(context.Background(), 7, model.SpreadThreeCard, "what lies ahead?")
	if err == nil {
		t.Fatalf("expected error when storage fails")
	}

	var opErr *saga.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if !opErr.Refunded {
		t.Fatalf("expected refunded compensation")
	}
	if ledger.balance != 10 {
		t.Fatalf("expected net-zero balance 10, got %d", ledger.balance)
	}
	if len(ledger.refunds) != 1 || ledger.refunds[0].amount != 3 {
		t.Fatalf("expected one refund of 3, got %+v", ledger.refunds)
	}
}

func TestAskFollowUp_ChecksOwnershipBeforeDebit(t *testing.T) {
	repo := &stubRepo{getReadingErr: repository.ErrReadingNotFound}
	ledger := &stubLedger{balance: 10}
	svc := NewService(repo, ledger, nil, nil)

	_, err := svc.AskFollowUp(context.Background(), 7, uuid.New(), "and then?")
	if !errors.Is(err, repository.ErrReadingNotFound) {
		t.Fatalf("expected ErrReadingNotFound, got %v", err)
	}
	if ledger.balance != 10 {
		t.Fatalf("credits must not be debited for foreign reading, balance = %d", ledger.balance)
	}
}

func TestAskFollowUp_DebitsAndStores(t *testing.T) {
	readingID := uuid.New()
	repo := &stubRepo{
		reading: &model.Reading{ID: readingID, UserID: 7, Spread: model.SpreadThreeCard},
	}
	ledger := &stubLedger{balance: 10}
	svc := NewService(repo, ledger, nil, nil)

	followUp, err := svc.AskFollowUp(context.Background(), 7, readingID, "and then?")
	if err != nil {
		t.Fatalf("ask follow-up: %v", err)
	}

	if ledger.balance != 10-model.FollowUpCost {
		t.Fatalf("expected balance %d, got %d", 10-model.FollowUpCost, ledger.balance)
	}
	if repo.followUp == nil {
		t.Fatalf("expected follow-up to be stored")
	}
	if followUp.ReadingID != readingID || followUp.Card.Name == "" {
		t.Fatalf("unexpected follow-up: %+v", followUp)
	}
}

func TestDeleteAccount_BurnsBalance(t *testing.T) {
	repo := &stubRepo{}
	ledger := &stubLedger{balance: 5}
	svc := NewService(repo, ledger, nil, nil)

	if err := svc.DeleteAccount(context.Background(), 7); err != nil {
		t.Fatalf("delete account: %v", err)
	}

	if ledger.balance != 0 {
		t.Fatalf("expected balance burned to 0, got %d", ledger.balance)
	}
	if len(ledger.adjusts) != 1 || !ledger.adjusts[0].force || ledger.adjusts[0].delta != -5 {
		t.Fatalf("expected forced adjustment of -5, got %+v", ledger.adjusts)
	}
	if !repo.anonymized {
		t.Fatalf("expected user anonymized")
	}
}

func TestDeleteAccount_ZeroBalance(t *testing.T) {
	repo := &stubRepo{}
	ledger := &stubLedger{}
	svc := NewService(repo, ledger, nil, nil)

	if err := svc.DeleteAccount(context.Background(), 7); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if len(ledger.adjusts) != 0 {
		t.Fatalf("zero balance needs no adjustment, got %+v", ledger.adjusts)
	}
	if !repo.anonymized {
		t.Fatalf("expected user anonymized")
	}
}

func TestAdminAdjust_RejectsOverdraftWithoutForce(t *testing.T) {
	ledger := &stubLedger{balance: 5}
	svc := NewService(&stubRepo{}, ledger, nil, nil)

	_, _, err := svc.AdminAdjust(context.Background(), 7, -10, "correction", false)
	if !errors.Is(err, repository.ErrInvalidAdjustment) {
		t.Fatalf("expected ErrInvalidAdjustment, got %v", err)
	}
	if ledger.balance != 5 {
		t.Fatalf("balance must not change, got %d", ledger.balance)
	}
}

func TestAdminAdjust_ForcedClampsAtZero(t *testing.T) {
	ledger := &stubLedger{balance: 5}
	svc := NewService(&stubRepo{}, ledger, nil, nil)

	applied, newBalance, err := svc.AdminAdjust(context.Background(), 7, -10, "correction", true)
	if err != nil {
		t.Fatalf("forced adjust: %v", err)
	}
	if applied != -5 || newBalance != 0 {
		t.Fatalf("expected clamp to zero, applied %d balance %d", applied, newBalance)
	}
}

func TestGetPackages_Catalog(t *testing.T) {
	svc := NewService(&stubRepo{}, &stubLedger{}, nil, nil)

	packages := svc.GetPackages()
	if len(packages) == 0 {
		t.Fatalf("expected non-empty package catalog")
	}
	for _, p := range packages {
		if p.ID == "" || p.Credits <= 0 || !p.Price.IsPositive() {
			t.Fatalf("invalid package in catalog: %+v", p)
		}
	}
}
