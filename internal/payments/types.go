package payments

import (
	"context"
	"strings"

	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"github.com/shopspring/decimal"
)

// Status is the provider-reported state of a payment.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// ParseStatus normalizes a provider status. Unknown values map to pending so they
// are recorded without crediting.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusSucceeded, "success", "paid", "completed":
		return StatusSucceeded
	case StatusFailed, "canceled", "cancelled", "declined":
		return StatusFailed
	default:
		return StatusPending
	}
}

func (status Status) String() string {
	return string(status)
}

// ResultStatus reports what a reconciliation did.
type ResultStatus string

const (
	ResultSuccess          ResultStatus = "success"
	ResultAlreadyProcessed ResultStatus = "already_processed"
)

// Record is the immutable audit row written once per external payment.
type Record struct {
	PaymentID      string
	UserID         ledger.UserID
	AmountMinor    int64
	Currency       string
	Status         Status
	CreditsAdded   ledger.Credits
	ProductID      string
	PaymentMethod  string
	CustomerName   string
	CustomerEmail  string
	CreatedUnixUTC int64
}

// Customer identifies the payer.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ProviderPayment is the verified view of a payment returned by the provider.
type ProviderPayment struct {
	ID            string
	Amount        decimal.Decimal
	Currency      string
	Status        Status
	ProductID     string
	PaymentMethod string
	Customer      Customer
	UserID        string
}

// Request is a reconciliation trigger from a redirect or webhook. UserID is the zero
// value for webhooks, which carry the owner in the payment metadata instead.
type Request struct {
	PaymentID      string
	ReportedStatus string
	UserID         ledger.UserID
}

// Result is the outcome of Reconcile.
type Result struct {
	Status        ResultStatus
	PaymentStatus Status
	UserID        ledger.UserID
	CreditsAdded  ledger.Credits
	NewBalance    ledger.Credits
}

// Verifier fetches the authoritative payment state.
type Verifier interface {
	GetPayment(ctx context.Context, paymentID string) (ProviderPayment, error)
}

// Store persists payment records. Ledger exposes the same transaction to the credit ledger.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// FindPayment returns ErrPaymentNotFound when no record exists.
	FindPayment(ctx context.Context, paymentID string) (Record, error)
	// InsertPayment returns ErrDuplicatePayment on a payment_id collision.
	InsertPayment(ctx context.Context, record Record) error
	ListPayments(ctx context.Context, userID ledger.UserID, limit int) ([]Record, error)
	Ledger() ledger.Store
}
