package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"
)

const (
	styleWatercolor = "watercolor"
	styleSketch     = "sketch"
)

func TestDeductReducesBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "user-a")
	store.setBalance(userID, 10)
	service := mustNewService(test, store)

	deduction, err := service.Deduct(context.Background(), userID, mustStyle(test, styleWatercolor), mustCredits(test, 2))
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if deduction.RemainingCredits != 8 {
		test.Fatalf("expected 8 remaining credits, got %d", deduction.RemainingCredits)
	}
	if deduction.Charge.Status != ChargeStatusPending || deduction.Charge.Cost != 2 {
		test.Fatalf("unexpected charge: %+v", deduction.Charge)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected 1 log entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Type != EntrySpent || entry.Amount != 2 || entry.PreviousBalance != 10 || entry.NewBalance != 8 {
		test.Fatalf("unexpected spent entry: %+v", entry)
	}
	if entry.Reference != deduction.Charge.ChargeID.String() {
		test.Fatalf("expected entry to reference charge %s, got %s", deduction.Charge.ChargeID, entry.Reference)
	}
}

func TestDeductInsufficientCreditsLeavesBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "user-b")
	store.setBalance(userID, 1)
	service := mustNewService(test, store)

	_, err := service.Deduct(context.Background(), userID, mustStyle(test, styleWatercolor), mustCredits(test, 2))
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if store.balances[userID.String()] != 1 {
		test.Fatalf("expected balance to remain 1, got %d", store.balances[userID.String()])
	}
	if len(store.entries) != 0 || len(store.charges) != 0 {
		test.Fatalf("expected no writes, got %d entries %d charges", len(store.entries), len(store.charges))
	}
}

func TestDeductBoundaries(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name          string
		balance       Credits
		cost          Credits
		wantErr       error
		wantRemaining Credits
	}{
		{name: "balance equals cost", balance: 5, cost: 5, wantRemaining: 0},
		{name: "balance one below cost", balance: 4, cost: 5, wantErr: ErrInsufficientCredits, wantRemaining: 4},
		{name: "missing account", balance: -1, cost: 1, wantErr: ErrInsufficientCredits, wantRemaining: 0},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			userID := mustUserID(test, "boundary-user")
			if testCase.balance >= 0 {
				store.setBalance(userID, testCase.balance)
			}
			service := mustNewService(test, store)

			_, err := service.Deduct(context.Background(), userID, mustStyle(test, styleSketch), testCase.cost)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			balance, err := service.Balance(context.Background(), userID)
			if err != nil {
				test.Fatalf("balance: %v", err)
			}
			if balance.Credits != testCase.wantRemaining {
				test.Fatalf("expected %d credits, got %d", testCase.wantRemaining, balance.Credits)
			}
		})
	}
}

func TestDeductRejectsNonPositiveCost(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	_, err := service.Deduct(context.Background(), mustUserID(test, "user"), mustStyle(test, styleSketch), 0)
	if !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
}

func TestDeductThenRefundRestoresBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "round-trip")
	store.setBalance(userID, 10)
	service := mustNewService(test, store)
	style := mustStyle(test, styleWatercolor)

	if _, err := service.Deduct(context.Background(), userID, style, mustCredits(test, 2)); err != nil {
		test.Fatalf("deduct: %v", err)
	}
	result, err := service.Refund(context.Background(), userID, RefundRequest{Style: style, Reason: RefundReasonTimeout})
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if result.Credits != 10 {
		test.Fatalf("expected balance restored to 10, got %d", result.Credits)
	}
	if result.Charge.Status != ChargeStatusRefunded || result.Charge.Reason != RefundReasonTimeout {
		test.Fatalf("unexpected refunded charge: %+v", result.Charge)
	}
	last := store.entries[len(store.entries)-1]
	if last.Type != EntryReceived || last.PreviousBalance != 8 || last.NewBalance != 10 {
		test.Fatalf("unexpected refund entry: %+v", last)
	}
}

func TestRefundIsSingleUse(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "double-refund")
	store.setBalance(userID, 4)
	service := mustNewService(test, store)

	deduction, err := service.Deduct(context.Background(), userID, mustStyle(test, styleSketch), mustCredits(test, 3))
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	request := RefundRequest{ChargeID: deduction.Charge.ChargeID, Reason: RefundReasonFailed}
	if _, err := service.Refund(context.Background(), userID, request); err != nil {
		test.Fatalf("first refund: %v", err)
	}
	if _, err := service.Refund(context.Background(), userID, request); !errors.Is(err, ErrChargeClosed) {
		test.Fatalf("expected ErrChargeClosed, got %v", err)
	}
	if _, err := service.Refund(context.Background(), userID, RefundRequest{Style: mustStyle(test, styleSketch)}); !errors.Is(err, ErrChargeNotFound) {
		test.Fatalf("expected ErrChargeNotFound for style lookup, got %v", err)
	}
	if store.balances[userID.String()] != 4 {
		test.Fatalf("expected balance 4, got %d", store.balances[userID.String()])
	}
}

func TestRefundWithoutChargeOrStyle(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	_, err := service.Refund(context.Background(), mustUserID(test, "user"), RefundRequest{})
	if !errors.Is(err, ErrInvalidStyle) {
		test.Fatalf("expected ErrInvalidStyle, got %v", err)
	}
}

func TestClientRefundCannotCloseGenerationCharge(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "generation-user")
	store.setBalance(userID, 10)
	service := mustNewService(test, store)
	style := mustStyle(test, styleWatercolor)

	held, err := service.DeductGeneration(context.Background(), userID, style, mustCredits(test, 2))
	if err != nil {
		test.Fatalf("deduct generation: %v", err)
	}
	if held.Charge.Origin != ChargeOriginGeneration {
		test.Fatalf("expected generation origin, got %q", held.Charge.Origin)
	}
	if _, err := service.Refund(context.Background(), userID, RefundRequest{Style: style}); !errors.Is(err, ErrChargeNotFound) {
		test.Fatalf("expected style refund to skip the generation charge, got %v", err)
	}
	if _, err := service.Refund(context.Background(), userID, RefundRequest{ChargeID: held.Charge.ChargeID}); !errors.Is(err, ErrChargeNotFound) {
		test.Fatalf("expected charge id refund to reject the generation charge, got %v", err)
	}
	if store.charges[held.Charge.ChargeID.String()].Status != ChargeStatusPending || store.balances[userID.String()] != 8 {
		test.Fatalf("generation charge must stay pending at balance 8, got %+v %d", store.charges[held.Charge.ChargeID.String()], store.balances[userID.String()])
	}

	client, err := service.Deduct(context.Background(), userID, style, mustCredits(test, 2))
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	result, err := service.Refund(context.Background(), userID, RefundRequest{Style: style})
	if err != nil || result.Charge.ChargeID != client.Charge.ChargeID {
		test.Fatalf("expected client charge %s refunded, got %+v err=%v", client.Charge.ChargeID, result.Charge, err)
	}

	result, err = service.Refund(context.Background(), userID, RefundRequest{ChargeID: held.Charge.ChargeID, Origin: ChargeOriginGeneration, Reason: RefundReasonTimeout})
	if err != nil || result.Credits != 10 {
		test.Fatalf("generation refund: %+v err=%v", result, err)
	}
}

func TestRefundReasonValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		reason     string
		wantErr    error
		wantReason string
	}{
		{name: "blank defaults to failed", reason: "   ", wantReason: RefundReasonFailed},
		{name: "free form", reason: " user cancelled ", wantReason: "user cancelled"},
		{name: "too long", reason: strings.Repeat("x", maxRefundReasonLength+1), wantErr: ErrInvalidReason},
		{name: "control characters", reason: "bad\nreason", wantErr: ErrInvalidReason},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			userID := mustUserID(test, "reason-user")
			store.setBalance(userID, 3)
			service := mustNewService(test, store)
			deduction, err := service.Deduct(context.Background(), userID, mustStyle(test, styleSketch), mustCredits(test, 1))
			if err != nil {
				test.Fatalf("deduct: %v", err)
			}

			result, err := service.Refund(context.Background(), userID, RefundRequest{ChargeID: deduction.Charge.ChargeID, Reason: testCase.reason})
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if testCase.wantErr != nil {
				if store.charges[deduction.Charge.ChargeID.String()].Status != ChargeStatusPending {
					test.Fatalf("rejected refund must leave the charge pending")
				}
				return
			}
			if result.Charge.Reason != testCase.wantReason {
				test.Fatalf("expected reason %q, got %q", testCase.wantReason, result.Charge.Reason)
			}
		})
	}
}

func TestCaptureClosesCharge(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "capture-user")
	store.setBalance(userID, 5)
	service := mustNewService(test, store)

	deduction, err := service.Deduct(context.Background(), userID, mustStyle(test, styleSketch), mustCredits(test, 2))
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if err := service.Capture(context.Background(), userID, deduction.Charge.ChargeID); err != nil {
		test.Fatalf("capture: %v", err)
	}
	if store.charges[deduction.Charge.ChargeID.String()].Status != ChargeStatusCaptured {
		test.Fatalf("expected captured charge")
	}
	_, err = service.Refund(context.Background(), userID, RefundRequest{ChargeID: deduction.Charge.ChargeID})
	if !errors.Is(err, ErrChargeClosed) {
		test.Fatalf("expected ErrChargeClosed after capture, got %v", err)
	}
}

func TestCreditPurchaseAddsCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "buyer")
	store.setBalance(userID, 3)
	service := mustNewService(test, store)
	metadata := mustMetadata(test, `{"currency":"usd"}`)

	balance, err := service.CreditPurchase(context.Background(), userID, mustCredits(test, 10), "pay_123", metadata)
	if err != nil {
		test.Fatalf("credit purchase: %v", err)
	}
	if balance != 13 {
		test.Fatalf("expected 13 credits, got %d", balance)
	}
	entry := store.entries[0]
	if entry.Type != EntryReceived || entry.Reference != "pay_123" || entry.IdempotencyKey.String() != "payment:pay_123" {
		test.Fatalf("unexpected purchase entry: %+v", entry)
	}
	_, err = service.CreditPurchase(context.Background(), userID, mustCredits(test, 10), "pay_123", metadata)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

func TestCreditPurchaseCreatesMissingAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "new-buyer")

	balance, err := service.CreditPurchase(context.Background(), userID, mustCredits(test, 7), "pay_new", MetadataJSON{})
	if err != nil {
		test.Fatalf("credit purchase: %v", err)
	}
	if balance != 7 || store.entries[0].PreviousBalance != 0 {
		test.Fatalf("expected 7 credits from zero, got %d (%+v)", balance, store.entries[0])
	}
}

func TestGrantWritesPurchaseEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "invoice-user")

	balance, err := service.Grant(context.Background(), userID, mustCredits(test, 50), mustIdempotencyKey(test, "invoice-7"), "invoice 7")
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if balance != 50 || store.entries[0].Type != EntryPurchase {
		test.Fatalf("unexpected grant result %d %+v", balance, store.entries[0])
	}
}

func TestEnsureAccountGrantsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "signup")

	balance, created, err := service.EnsureAccount(context.Background(), userID, mustCredits(test, 10))
	if err != nil {
		test.Fatalf("ensure account: %v", err)
	}
	if !created || balance.Credits != 10 {
		test.Fatalf("expected new account with 10 credits, got created=%v %+v", created, balance)
	}
	balance, created, err = service.EnsureAccount(context.Background(), userID, mustCredits(test, 10))
	if err != nil {
		test.Fatalf("ensure account again: %v", err)
	}
	if created || balance.Credits != 10 {
		test.Fatalf("expected existing account untouched, got created=%v %+v", created, balance)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected single signup entry, got %d", len(store.entries))
	}
}

func TestBalanceTreatsMissingAccountAsZero(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	balance, err := service.Balance(context.Background(), mustUserID(test, "ghost"))
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Credits != 0 {
		test.Fatalf("expected zero credits, got %d", balance.Credits)
	}
}

func TestBalanceNeverNegative(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := mustUserID(test, "fuzz")
	store.setBalance(userID, 5)
	service := mustNewService(test, store)
	random := rand.New(rand.NewSource(7))
	styles := []Style{mustStyle(test, styleSketch), mustStyle(test, styleWatercolor)}

	for step := 0; step < 200; step++ {
		style := styles[random.Intn(len(styles))]
		switch random.Intn(3) {
		case 0:
			_, err := service.Deduct(context.Background(), userID, style, Credits(random.Intn(4)+1))
			if err != nil && !errors.Is(err, ErrInsufficientCredits) {
				test.Fatalf("deduct step %d: %v", step, err)
			}
		case 1:
			_, err := service.Refund(context.Background(), userID, RefundRequest{Style: style})
			if err != nil && !errors.Is(err, ErrChargeNotFound) {
				test.Fatalf("refund step %d: %v", step, err)
			}
		case 2:
			_, err := service.CreditPurchase(context.Background(), userID, Credits(random.Intn(3)+1), fmt.Sprintf("pay-%d", step), MetadataJSON{})
			if err != nil {
				test.Fatalf("purchase step %d: %v", step, err)
			}
		}
		if store.balances[userID.String()] < 0 {
			test.Fatalf("balance went negative at step %d", step)
		}
	}
	for _, entry := range store.entries {
		if int64(entry.NewBalance) != int64(entry.PreviousBalance)+entry.Type.Delta(entry.Amount) {
			test.Fatalf("inconsistent entry: %+v", entry)
		}
	}
}

func TestServiceReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
		run       func(service *Service, userID UserID) error
	}{
		{
			name:      "deduct decrement error",
			configure: func(store *stubStore) { store.decrementError = errStoreFailure },
			run: func(service *Service, userID UserID) error {
				_, err := service.Deduct(context.Background(), userID, Style{value: styleSketch}, 1)
				return err
			},
		},
		{
			name:      "deduct insert entry error",
			configure: func(store *stubStore) { store.insertEntryError = errStoreFailure },
			run: func(service *Service, userID UserID) error {
				_, err := service.Deduct(context.Background(), userID, Style{value: styleSketch}, 1)
				return err
			},
		},
		{
			name:      "refund increment error",
			configure: func(store *stubStore) { store.incrementError = errStoreFailure },
			run: func(service *Service, userID UserID) error {
				_, err := service.Refund(context.Background(), userID, RefundRequest{ChargeID: ChargeID{value: "charge-seeded"}})
				return err
			},
		},
		{
			name:      "balance lookup error",
			configure: func(store *stubStore) { store.getBalanceError = errStoreFailure },
			run: func(service *Service, userID UserID) error {
				_, err := service.Balance(context.Background(), userID)
				return err
			},
		},
		{
			name:      "list entries error",
			configure: func(store *stubStore) { store.listError = errStoreFailure },
			run: func(service *Service, userID UserID) error {
				_, err := service.ListEntries(context.Background(), userID, 0, 10)
				return err
			},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			userID := mustUserID(test, userIDValue)
			store.setBalance(userID, 10)
			store.charges["charge-seeded"] = Charge{ChargeID: ChargeID{value: "charge-seeded"}, UserID: userID, Style: Style{value: styleSketch}, Cost: 1, Status: ChargeStatusPending}
			testCase.configure(store)
			service := mustNewService(test, store)
			if err := testCase.run(service, userID); !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
		})
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}

func TestWithStoreDropsObserver(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	observer := &recorderObserver{}
	service, err := NewService(store, func() int64 { return 1 }, WithBalanceObserver(observer))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	bound := service.WithStore(store)
	if _, err := bound.CreditPurchase(context.Background(), mustUserID(test, "bound"), 3, "pay-bound", MetadataJSON{}); err != nil {
		test.Fatalf("credit purchase: %v", err)
	}
	if len(observer.changes) != 0 {
		test.Fatalf("expected bound service to skip notifications, got %d", len(observer.changes))
	}
}

const (
	userIDValue          = "user-1"
	errorMismatchMessage = "expected %v, got %v"
)

var errStoreFailure = errors.New("store error")

type stubStore struct {
	balances         map[string]Credits
	entries          []Entry
	charges          map[string]Charge
	idempotency      map[string]struct{}
	sequence         int64
	getBalanceError  error
	decrementError   error
	incrementError   error
	insertEntryError error
	listError        error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:    make(map[string]Credits),
		charges:     make(map[string]Charge),
		idempotency: make(map[string]struct{}),
	}
}

func (store *stubStore) setBalance(userID UserID, credits Credits) {
	store.balances[userID.String()] = credits
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	if store.getBalanceError != nil {
		return Balance{}, store.getBalanceError
	}
	credits, ok := store.balances[userID.String()]
	if !ok {
		return Balance{}, ErrAccountNotFound
	}
	return Balance{UserID: userID, Credits: credits}, nil
}

func (store *stubStore) CreateAccount(ctx context.Context, userID UserID, initial Credits, _ int64) (bool, error) {
	if _, ok := store.balances[userID.String()]; ok {
		return false, nil
	}
	store.balances[userID.String()] = initial
	return true, nil
}

func (store *stubStore) DecrementCredits(ctx context.Context, userID UserID, amount Credits, _ int64) (Credits, error) {
	if store.decrementError != nil {
		return 0, store.decrementError
	}
	credits, ok := store.balances[userID.String()]
	if !ok || credits < amount {
		return 0, ErrInsufficientCredits
	}
	store.balances[userID.String()] = credits - amount
	return credits - amount, nil
}

func (store *stubStore) IncrementCredits(ctx context.Context, userID UserID, amount Credits, _ int64) (Credits, error) {
	if store.incrementError != nil {
		return 0, store.incrementError
	}
	store.balances[userID.String()] += amount
	return store.balances[userID.String()], nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	if _, exists := store.idempotency[entry.IdempotencyKey.String()]; exists {
		return ErrDuplicateIdempotencyKey
	}
	store.idempotency[entry.IdempotencyKey.String()] = struct{}{}
	store.sequence++
	entry.EntryID = fmt.Sprintf("entry-%d", store.sequence)
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) ListEntries(ctx context.Context, userID UserID, _ int64, limit int) ([]Entry, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	entries := make([]Entry, 0, len(store.entries))
	for index := len(store.entries) - 1; index >= 0 && len(entries) < limit; index-- {
		if store.entries[index].UserID == userID {
			entries = append(entries, store.entries[index])
		}
	}
	return entries, nil
}

func (store *stubStore) CreateCharge(ctx context.Context, charge Charge) error {
	store.sequence++
	charge.CreatedUnixUTC = store.sequence
	store.charges[charge.ChargeID.String()] = charge
	return nil
}

func (store *stubStore) GetCharge(ctx context.Context, userID UserID, chargeID ChargeID) (Charge, error) {
	charge, ok := store.charges[chargeID.String()]
	if !ok || charge.UserID != userID {
		return Charge{}, ErrChargeNotFound
	}
	return charge, nil
}

func (store *stubStore) FindPendingCharge(ctx context.Context, userID UserID, style Style, origin ChargeOrigin) (Charge, error) {
	pending := make([]Charge, 0)
	for _, charge := range store.charges {
		if charge.UserID == userID && charge.Style == style && charge.Origin == origin && charge.Status == ChargeStatusPending {
			pending = append(pending, charge)
		}
	}
	if len(pending) == 0 {
		return Charge{}, ErrChargeNotFound
	}
	sort.Slice(pending, func(left, right int) bool {
		return pending[left].CreatedUnixUTC > pending[right].CreatedUnixUTC
	})
	return pending[0], nil
}

func (store *stubStore) UpdateChargeStatus(ctx context.Context, userID UserID, chargeID ChargeID, from, to ChargeStatus, reason string, _ int64) error {
	charge, ok := store.charges[chargeID.String()]
	if !ok || charge.UserID != userID {
		return ErrChargeNotFound
	}
	if charge.Status != from {
		return ErrChargeClosed
	}
	charge.Status = to
	charge.Reason = reason
	store.charges[chargeID.String()] = charge
	return nil
}

type recorderObserver struct {
	changes []BalanceChange
}

func (observer *recorderObserver) BalanceChanged(_ context.Context, change BalanceChange) {
	observer.changes = append(observer.changes, change)
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustStyle(test *testing.T, raw string) Style {
	test.Helper()
	style, err := NewStyle(raw)
	if err != nil {
		test.Fatalf("style: %v", err)
	}
	return style
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	credits, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return credits
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
