package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/internal/pricing"
	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"go.uber.org/zap"
)

// Reconciler turns verified external payments into credits exactly once per payment id.
type Reconciler struct {
	store    Store
	verifier Verifier
	service  *ledger.Service
	plans    *pricing.PlanTable
	observer ledger.BalanceObserver
	nowFn    func() int64
	logger   *zap.Logger
}

// ReconcilerOption configures optional Reconciler behavior.
type ReconcilerOption func(*Reconciler)

// WithObserver publishes balance changes after the reconciliation transaction commits.
func WithObserver(observer ledger.BalanceObserver) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.observer = observer
	}
}

// WithLogger overrides the no-op logger.
func WithLogger(logger *zap.Logger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if logger != nil {
			reconciler.logger = logger
		}
	}
}

// WithClock overrides the wall clock used for record timestamps.
func WithClock(now func() int64) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if now != nil {
			reconciler.nowFn = now
		}
	}
}

// NewReconciler wires a Reconciler.
func NewReconciler(store Store, verifier Verifier, service *ledger.Service, plans *pricing.PlanTable, options ...ReconcilerOption) (*Reconciler, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidReconcilerConfig)
	case verifier == nil:
		return nil, fmt.Errorf("%w: verifier dependency is nil", ErrInvalidReconcilerConfig)
	case service == nil:
		return nil, fmt.Errorf("%w: ledger service is nil", ErrInvalidReconcilerConfig)
	case plans == nil:
		return nil, fmt.Errorf("%w: plan table is nil", ErrInvalidReconcilerConfig)
	}
	reconciler := &Reconciler{
		store:    store,
		verifier: verifier,
		service:  service,
		plans:    plans,
		nowFn:    func() int64 { return time.Now().UTC().Unix() },
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// Reconcile verifies the payment with the provider, records it, and credits the owner
// when the provider reports it succeeded. A payment id seen before yields
// ResultAlreadyProcessed with no writes.
func (reconciler *Reconciler) Reconcile(ctx context.Context, request Request) (Result, error) {
	paymentID := strings.TrimSpace(request.PaymentID)
	if paymentID == "" {
		return Result{}, fmt.Errorf("%w: payment id is required", ErrInvalidPayment)
	}

	existing, err := reconciler.store.FindPayment(ctx, paymentID)
	switch {
	case err == nil:
		return reconciler.alreadyProcessed(request, existing)
	case !errors.Is(err, ErrPaymentNotFound):
		return Result{}, err
	}

	verified, err := reconciler.verifier.GetPayment(ctx, paymentID)
	if err != nil {
		reconciler.logger.Warn("payment verification failed", zap.String("payment_id", paymentID), zap.Error(err))
		return Result{}, err
	}
	owner, err := resolveOwner(request.UserID, verified.UserID)
	if err != nil {
		return Result{}, err
	}

	var credits ledger.Credits
	if verified.Status == StatusSucceeded {
		credits = reconciler.plans.CreditsFor(verified.ProductID, verified.Amount)
	}
	record := Record{
		PaymentID:      paymentID,
		UserID:         owner,
		AmountMinor:    verified.Amount.IntPart(),
		Currency:       verified.Currency,
		Status:         verified.Status,
		CreditsAdded:   credits,
		ProductID:      verified.ProductID,
		PaymentMethod:  verified.PaymentMethod,
		CustomerName:   strings.TrimSpace(verified.Customer.Name),
		CustomerEmail:  strings.TrimSpace(verified.Customer.Email),
		CreatedUnixUTC: reconciler.nowFn(),
	}

	var newBalance ledger.Credits
	err = reconciler.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.InsertPayment(ctx, record); err != nil {
			return err
		}
		if credits == 0 {
			return nil
		}
		var creditErr error
		newBalance, creditErr = reconciler.service.WithStore(txStore.Ledger()).CreditPurchase(ctx, owner, credits, paymentID, purchaseMetadata(request, verified))
		return creditErr
	})
	if errors.Is(err, ErrDuplicatePayment) || errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		reconciler.logger.Info("payment reconciled concurrently", zap.String("payment_id", paymentID))
		return Result{Status: ResultAlreadyProcessed, PaymentStatus: verified.Status, UserID: owner}, nil
	}
	if err != nil {
		reconciler.logger.Error("payment reconciliation failed", zap.String("payment_id", paymentID), zap.String("user_id", owner.String()), zap.Error(err))
		return Result{}, err
	}

	if credits > 0 {
		reconciler.publish(ctx, ledger.BalanceChange{
			UserID:    owner.String(),
			Credits:   newBalance.Int64(),
			Delta:     credits.Int64(),
			Type:      ledger.EntryReceived,
			Reference: paymentID,
			AtUnixUTC: record.CreatedUnixUTC,
		})
	} else {
		balance, err := reconciler.service.Balance(ctx, owner)
		if err != nil {
			return Result{}, err
		}
		newBalance = balance.Credits
	}

	reconciler.logger.Info("payment reconciled",
		zap.String("payment_id", paymentID),
		zap.String("user_id", owner.String()),
		zap.String("payment_status", verified.Status.String()),
		zap.Int64("credits_added", credits.Int64()),
	)
	return Result{
		Status:        ResultSuccess,
		PaymentStatus: verified.Status,
		UserID:        owner,
		CreditsAdded:  credits,
		NewBalance:    newBalance,
	}, nil
}

// History lists the user's payment records, newest first.
func (reconciler *Reconciler) History(ctx context.Context, userID ledger.UserID, limit int) ([]Record, error) {
	return reconciler.store.ListPayments(ctx, userID, limit)
}

func (reconciler *Reconciler) alreadyProcessed(request Request, existing Record) (Result, error) {
	if request.UserID.String() != "" && existing.UserID.String() != request.UserID.String() {
		return Result{}, ErrPaymentOwnerMismatch
	}
	return Result{Status: ResultAlreadyProcessed, PaymentStatus: existing.Status, UserID: existing.UserID}, nil
}

func (reconciler *Reconciler) publish(ctx context.Context, change ledger.BalanceChange) {
	if reconciler.observer == nil {
		return
	}
	reconciler.observer.BalanceChanged(ctx, change)
}

func resolveOwner(sessionUser ledger.UserID, metadataUser string) (ledger.UserID, error) {
	if sessionUser.String() == "" {
		owner, err := ledger.NewUserID(metadataUser)
		if err != nil {
			return ledger.UserID{}, fmt.Errorf("%w: payment carries no owner", ErrInvalidPayment)
		}
		return owner, nil
	}
	if metadataUser != "" && metadataUser != sessionUser.String() {
		return ledger.UserID{}, ErrPaymentOwnerMismatch
	}
	return sessionUser, nil
}

func purchaseMetadata(request Request, verified ProviderPayment) ledger.MetadataJSON {
	fields := map[string]string{
		"amount":          verified.Amount.String(),
		"currency":        verified.Currency,
		"product_id":      verified.ProductID,
		"payment_method":  verified.PaymentMethod,
		"reported_status": strings.TrimSpace(request.ReportedStatus),
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return ledger.MetadataJSON{}
	}
	metadata, err := ledger.NewMetadataJSON(string(raw))
	if err != nil {
		return ledger.MetadataJSON{}
	}
	return metadata
}
