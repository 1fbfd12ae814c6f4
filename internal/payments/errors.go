package payments

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPayment            = errors.New("payments.invalid_payment")
	ErrPaymentNotFound           = errors.New("payments.not_found")
	ErrDuplicatePayment          = errors.New("payments.duplicate")
	ErrPaymentOwnerMismatch      = errors.New("payments.owner_mismatch")
	ErrPaymentVerificationFailed = errors.New("payments.verification_failed")
	ErrInvalidReconcilerConfig   = errors.New("payments.invalid_reconciler_config")
	ErrInvalidWebhookSignature   = errors.New("payments.invalid_signature")
)

// VerificationError carries the provider's HTTP status for a failed verification.
// A zero StatusCode means the provider could not be reached.
type VerificationError struct {
	PaymentID  string
	StatusCode int
	Err        error
}

func (err *VerificationError) Error() string {
	if err.StatusCode == 0 {
		return fmt.Sprintf("%s: payment %s: %v", ErrPaymentVerificationFailed, err.PaymentID, err.Err)
	}
	return fmt.Sprintf("%s: payment %s: provider status %d", ErrPaymentVerificationFailed, err.PaymentID, err.StatusCode)
}

func (err *VerificationError) Unwrap() []error {
	if err.Err == nil {
		return []error{ErrPaymentVerificationFailed}
	}
	return []error{ErrPaymentVerificationFailed, err.Err}
}
