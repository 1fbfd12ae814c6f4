package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Service contains the credit domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() int64
	newID    func() string
	logger   OperationLogger
	observer BalanceObserver
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithStore returns a copy operating on store, typically a transaction-bound store
// owned by the caller. The copy does not publish balance changes because the
// caller's transaction has not committed when its operations return.
func (service *Service) WithStore(store Store) *Service {
	bound := *service
	bound.store = store
	bound.observer = nil
	return &bound
}

// Balance returns the current balance, treating a missing account as zero.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	balance, err := service.store.GetBalance(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return Balance{UserID: userID}, nil
	}
	if err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// EnsureAccount creates the account with a starting grant on first sight of a user.
// The boolean reports whether the account was created by this call.
func (service *Service) EnsureAccount(ctx context.Context, userID UserID, grant Credits) (Balance, bool, error) {
	var (
		balance Balance
		created bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		var err error
		created, err = transactionStore.CreateAccount(ctx, userID, grant, nowUnixUTC)
		if err != nil {
			return err
		}
		if created && grant > 0 {
			idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixSignup, userID.String())
			if err != nil {
				return err
			}
			entry := Entry{
				UserID:          userID,
				Type:            EntryReceived,
				Amount:          grant,
				Description:     descriptionSignupGrant,
				PreviousBalance: 0,
				NewBalance:      grant,
				IdempotencyKey:  idempotencyKey,
				Metadata:        metadataFor(map[string]string{"action": operationEnsureAccount}),
				CreatedUnixUTC:  nowUnixUTC,
			}
			if err := transactionStore.InsertEntry(ctx, entry); err != nil {
				return err
			}
		}
		balance, err = transactionStore.GetBalance(ctx, userID)
		return err
	})
	if operationError == nil && created && grant > 0 {
		service.publish(ctx, BalanceChange{UserID: userID.String(), Credits: balance.Credits.Int64(), Delta: grant.Int64(), Type: EntryReceived})
	}
	if created || operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationEnsureAccount,
			UserID:    userID,
			Amount:    grant,
			Balance:   balance.Credits,
			Error:     operationError,
		})
	}
	return balance, created, operationError
}

// Deduct atomically subtracts cost when the balance covers it and opens a pending
// client charge that the caller later refunds by charge id or style.
func (service *Service) Deduct(ctx context.Context, userID UserID, style Style, cost Credits) (Deduction, error) {
	return service.deductFor(ctx, userID, style, cost, ChargeOriginClient)
}

// DeductGeneration is Deduct for a server-side generation. The charge it opens is
// invisible to client refunds, so only the generation can refund or capture it.
func (service *Service) DeductGeneration(ctx context.Context, userID UserID, style Style, cost Credits) (Deduction, error) {
	return service.deductFor(ctx, userID, style, cost, ChargeOriginGeneration)
}

func (service *Service) deductFor(ctx context.Context, userID UserID, style Style, cost Credits, origin ChargeOrigin) (Deduction, error) {
	var deduction Deduction
	operationError := service.deduct(ctx, userID, style, cost, origin, &deduction)
	reference := deduction.Charge.ChargeID.String()
	if operationError == nil {
		service.publish(ctx, BalanceChange{
			UserID:    userID.String(),
			Credits:   deduction.RemainingCredits.Int64(),
			Delta:     EntrySpent.Delta(cost),
			Type:      EntrySpent,
			Reference: reference,
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationDeduct,
		UserID:    userID,
		Reference: reference,
		Amount:    cost,
		Balance:   deduction.RemainingCredits,
		Error:     operationError,
	})
	return deduction, operationError
}

func (service *Service) deduct(ctx context.Context, userID UserID, style Style, cost Credits, origin ChargeOrigin, deduction *Deduction) error {
	if cost <= 0 {
		return fmt.Errorf("%w: cost must be greater than zero", ErrInvalidCredits)
	}
	if style.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidStyle)
	}
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		remaining, err := transactionStore.DecrementCredits(ctx, userID, cost, nowUnixUTC)
		if err != nil {
			return err
		}
		chargeID, err := NewChargeID(service.newID())
		if err != nil {
			return err
		}
		charge := Charge{
			ChargeID:       chargeID,
			UserID:         userID,
			Style:          style,
			Cost:           cost,
			Origin:         origin,
			Status:         ChargeStatusPending,
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.CreateCharge(ctx, charge); err != nil {
			return err
		}
		idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixCharge, chargeID.String(), idempotencySuffixSpend)
		if err != nil {
			return err
		}
		entry := Entry{
			UserID:          userID,
			Type:            EntrySpent,
			Amount:          cost,
			Description:     descriptionGeneration + ": " + style.String(),
			PreviousBalance: remaining + cost,
			NewBalance:      remaining,
			IdempotencyKey:  idempotencyKey,
			Reference:       chargeID.String(),
			Metadata:        metadataFor(map[string]string{"style": style.String()}),
			CreatedUnixUTC:  nowUnixUTC,
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		deduction.Charge = charge
		deduction.RemainingCredits = remaining
		return nil
	})
}

// Refund closes a pending charge and credits its cost back. A charge refunds at most once.
func (service *Service) Refund(ctx context.Context, userID UserID, request RefundRequest) (RefundResult, error) {
	var result RefundResult
	reason, operationError := normalizeRefundReason(request.Reason)
	if operationError == nil {
		operationError = service.refund(ctx, userID, request, reason, &result)
	}
	reference := result.Charge.ChargeID.String()
	if operationError == nil {
		service.publish(ctx, BalanceChange{
			UserID:    userID.String(),
			Credits:   result.Credits.Int64(),
			Delta:     result.Charge.Cost.Int64(),
			Type:      EntryReceived,
			Reference: reference,
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Reference: reference,
		Amount:    result.Charge.Cost,
		Balance:   result.Credits,
		Error:     operationError,
	})
	return result, operationError
}

func (service *Service) refund(ctx context.Context, userID UserID, request RefundRequest, reason string, result *RefundResult) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		charge, err := resolveCharge(ctx, transactionStore, userID, request)
		if err != nil {
			return err
		}
		if charge.Status != ChargeStatusPending {
			return ErrChargeClosed
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.UpdateChargeStatus(ctx, userID, charge.ChargeID, ChargeStatusPending, ChargeStatusRefunded, reason, nowUnixUTC); err != nil {
			return err
		}
		idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixCharge, charge.ChargeID.String(), idempotencySuffixRefund)
		if err != nil {
			return err
		}
		credits, err := service.credit(ctx, transactionStore, creditInput{
			userID:         userID,
			amount:         charge.Cost,
			entryType:      EntryReceived,
			idempotencyKey: idempotencyKey,
			description:    descriptionRefund + ": " + reason,
			reference:      charge.ChargeID.String(),
			metadata:       metadataFor(map[string]string{"style": charge.Style.String(), "reason": reason}),
			atUnixUTC:      nowUnixUTC,
		})
		if err != nil {
			return err
		}
		charge.Status = ChargeStatusRefunded
		charge.Reason = reason
		*result = RefundResult{Charge: charge, Credits: credits}
		return nil
	})
}

// Capture marks a pending charge as fulfilled so it can no longer be refunded.
func (service *Service) Capture(ctx context.Context, userID UserID, chargeID ChargeID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return transactionStore.UpdateChargeStatus(ctx, userID, chargeID, ChargeStatusPending, ChargeStatusCaptured, "", service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCapture,
		UserID:    userID,
		Reference: chargeID.String(),
		Error:     operationError,
	})
	return operationError
}

// CreditPurchase adds credits bought with an external payment. The payment id keys the
// log entry, so a second call for the same payment fails with ErrDuplicateIdempotencyKey.
func (service *Service) CreditPurchase(ctx context.Context, userID UserID, credits Credits, paymentID string, metadata MetadataJSON) (Credits, error) {
	var balance Credits
	operationError := func() error {
		if credits <= 0 {
			return fmt.Errorf("%w: credits must be greater than zero", ErrInvalidCredits)
		}
		idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixPayment, paymentID)
		if err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err = service.credit(ctx, transactionStore, creditInput{
				userID:         userID,
				amount:         credits,
				entryType:      EntryReceived,
				idempotencyKey: idempotencyKey,
				description:    descriptionPurchase + " " + strings.TrimSpace(paymentID),
				reference:      strings.TrimSpace(paymentID),
				metadata:       metadata,
				atUnixUTC:      service.nowFn(),
			})
			return err
		})
	}()
	if operationError == nil {
		service.publish(ctx, BalanceChange{UserID: userID.String(), Credits: balance.Int64(), Delta: credits.Int64(), Type: EntryReceived, Reference: paymentID})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCreditPurchase,
		UserID:    userID,
		Reference: paymentID,
		Amount:    credits,
		Balance:   balance,
		Error:     operationError,
	})
	return balance, operationError
}

// Grant records a manually issued purchase, e.g. an invoice settled outside the payments provider.
func (service *Service) Grant(ctx context.Context, userID UserID, credits Credits, idempotencyKey IdempotencyKey, description string) (Credits, error) {
	var balance Credits
	operationError := func() error {
		if credits <= 0 {
			return fmt.Errorf("%w: credits must be greater than zero", ErrInvalidCredits)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			var err error
			balance, err = service.credit(ctx, transactionStore, creditInput{
				userID:         userID,
				amount:         credits,
				entryType:      EntryPurchase,
				idempotencyKey: idempotencyKey,
				description:    strings.TrimSpace(description),
				metadata:       metadataFor(map[string]string{"action": operationGrant}),
				atUnixUTC:      service.nowFn(),
			})
			return err
		})
	}()
	if operationError == nil {
		service.publish(ctx, BalanceChange{UserID: userID.String(), Credits: balance.Int64(), Delta: credits.Int64(), Type: EntryPurchase})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		Reference: idempotencyKey.String(),
		Amount:    credits,
		Balance:   balance,
		Error:     operationError,
	})
	return balance, operationError
}

// ListEntries lists credit log entries for a user before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, userID, beforeUnixUTC, limit)
}

type creditInput struct {
	userID         UserID
	amount         Credits
	entryType      EntryType
	idempotencyKey IdempotencyKey
	description    string
	reference      string
	metadata       MetadataJSON
	atUnixUTC      int64
}

func (service *Service) credit(ctx context.Context, transactionStore Store, input creditInput) (Credits, error) {
	balance, err := transactionStore.IncrementCredits(ctx, input.userID, input.amount, input.atUnixUTC)
	if err != nil {
		return 0, err
	}
	entry := Entry{
		UserID:          input.userID,
		Type:            input.entryType,
		Amount:          input.amount,
		Description:     input.description,
		PreviousBalance: balance - input.amount,
		NewBalance:      balance,
		IdempotencyKey:  input.idempotencyKey,
		Reference:       input.reference,
		Metadata:        input.metadata,
		CreatedUnixUTC:  input.atUnixUTC,
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return 0, err
	}
	return balance, nil
}

// resolveCharge only sees charges of the requested origin; a charge held by another
// origin is reported as not found.
func resolveCharge(ctx context.Context, transactionStore Store, userID UserID, request RefundRequest) (Charge, error) {
	origin := request.Origin
	if origin == "" {
		origin = ChargeOriginClient
	}
	if !request.ChargeID.IsZero() {
		charge, err := transactionStore.GetCharge(ctx, userID, request.ChargeID)
		if err != nil {
			return Charge{}, err
		}
		if charge.Origin != origin {
			return Charge{}, fmt.Errorf("%w: held by %s", ErrChargeNotFound, charge.Origin)
		}
		return charge, nil
	}
	if request.Style.String() == "" {
		return Charge{}, fmt.Errorf("%w: charge id or style required", ErrInvalidStyle)
	}
	return transactionStore.FindPendingCharge(ctx, userID, request.Style, origin)
}

func normalizeRefundReason(raw string) (string, error) {
	reason := strings.TrimSpace(raw)
	if reason == "" {
		return RefundReasonFailed, nil
	}
	if utf8.RuneCountInString(reason) > maxRefundReasonLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidReason, maxRefundReasonLength)
	}
	for _, character := range reason {
		if unicode.IsControl(character) {
			return "", fmt.Errorf("%w: control characters are not allowed", ErrInvalidReason)
		}
	}
	return reason, nil
}

func (service *Service) publish(ctx context.Context, change BalanceChange) {
	if service.observer == nil {
		return
	}
	if change.AtUnixUTC == 0 {
		change.AtUnixUTC = service.nowFn()
	}
	service.observer.BalanceChanged(ctx, change)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(parts ...string) (IdempotencyKey, error) {
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return IdempotencyKey{}, fmt.Errorf("%w: empty segment", ErrInvalidIdempotencyKey)
		}
		trimmed = append(trimmed, part)
	}
	return NewIdempotencyKey(strings.Join(trimmed, idempotencyKeyDelimiter))
}

func metadataFor(fields map[string]string) MetadataJSON {
	raw, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}
	}
	metadata, err := NewMetadataJSON(string(raw))
	if err != nil {
		return MetadataJSON{}
	}
	return metadata
}
