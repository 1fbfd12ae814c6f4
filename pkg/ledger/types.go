package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative count of generation credits.
type Credits int64

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewCredits validates a balance-like value that may be zero.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// NewPositiveCredits validates an amount that must move the balance.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// UserID identifies an account owner in the auth system.
type UserID struct {
	value string
}

// ChargeID identifies a pending deduction.
type ChargeID struct {
	value string
}

// Style selects an illustration aesthetic and its price.
type Style struct {
	value string
}

// IdempotencyKey scopes duplicate detection for log entries.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewChargeID validates and normalizes a charge id.
func NewChargeID(raw string) (ChargeID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChargeID{}, fmt.Errorf("%w: empty value", ErrInvalidChargeID)
	}
	return ChargeID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ChargeID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id ChargeID) IsZero() bool {
	return id.value == ""
}

// NewStyle lowercases and trims a style key.
func NewStyle(raw string) (Style, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Style{}, fmt.Errorf("%w: empty value", ErrInvalidStyle)
	}
	return Style{value: normalized}, nil
}

// String returns the normalized style key.
func (style Style) String() string {
	return style.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// EntryType enumerates credit log entry kinds.
type EntryType string

const (
	EntrySpent    EntryType = "spent"
	EntryReceived EntryType = "received"
	EntryPurchase EntryType = "purchase"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.TrimSpace(raw)) {
	case EntrySpent:
		return EntrySpent, nil
	case EntryReceived:
		return EntryReceived, nil
	case EntryPurchase:
		return EntryPurchase, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// Delta returns the signed balance change an entry of this type records.
func (entryType EntryType) Delta(amount Credits) int64 {
	if entryType == EntrySpent {
		return -amount.Int64()
	}
	return amount.Int64()
}

// ChargeStatus defines the charge lifecycle.
type ChargeStatus string

const (
	ChargeStatusPending  ChargeStatus = "pending"
	ChargeStatusCaptured ChargeStatus = "captured"
	ChargeStatusRefunded ChargeStatus = "refunded"
)

// ParseChargeStatus validates a stored charge status.
func ParseChargeStatus(raw string) (ChargeStatus, error) {
	switch ChargeStatus(strings.TrimSpace(raw)) {
	case ChargeStatusPending:
		return ChargeStatusPending, nil
	case ChargeStatusCaptured:
		return ChargeStatusCaptured, nil
	case ChargeStatusRefunded:
		return ChargeStatusRefunded, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChargeStatus, raw)
	}
}

// String returns the stored representation.
func (status ChargeStatus) String() string {
	return string(status)
}

// ChargeOrigin records which caller opened a charge. Refunds only close charges
// of the origin they name.
type ChargeOrigin string

const (
	// ChargeOriginClient marks charges opened through the deduct endpoint.
	ChargeOriginClient ChargeOrigin = "client"
	// ChargeOriginGeneration marks charges held by a server-side generation.
	ChargeOriginGeneration ChargeOrigin = "generation"
)

// ParseChargeOrigin validates a stored charge origin.
func ParseChargeOrigin(raw string) (ChargeOrigin, error) {
	switch ChargeOrigin(strings.TrimSpace(raw)) {
	case ChargeOriginClient:
		return ChargeOriginClient, nil
	case ChargeOriginGeneration:
		return ChargeOriginGeneration, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChargeOrigin, raw)
	}
}

// String returns the stored representation.
func (origin ChargeOrigin) String() string {
	return string(origin)
}

// Entry is a single immutable line in the credit log.
type Entry struct {
	EntryID         string
	UserID          UserID
	Type            EntryType
	Amount          Credits
	Description     string
	PreviousBalance Credits
	NewBalance      Credits
	IdempotencyKey  IdempotencyKey
	Reference       string
	Metadata        MetadataJSON
	CreatedUnixUTC  int64
}

// Charge links a deduction to the refund or capture that closes it.
type Charge struct {
	ChargeID       ChargeID
	UserID         UserID
	Style          Style
	Cost           Credits
	Origin         ChargeOrigin
	Status         ChargeStatus
	Reason         string
	CreatedUnixUTC int64
}

// Balance is the current credit balance of an account.
type Balance struct {
	UserID         UserID
	Credits        Credits
	UpdatedUnixUTC int64
}

// Deduction is the result of a successful Deduct.
type Deduction struct {
	Charge           Charge
	RemainingCredits Credits
}

// RefundRequest selects the charge to refund. ChargeID wins over Style when both are set.
// An empty Origin means ChargeOriginClient.
type RefundRequest struct {
	ChargeID ChargeID
	Style    Style
	Origin   ChargeOrigin
	Reason   string
}

// RefundResult reports the refunded charge and the restored balance.
type RefundResult struct {
	Charge  Charge
	Credits Credits
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID UserID) (Balance, error)
	CreateAccount(ctx context.Context, userID UserID, initial Credits, atUnixUTC int64) (bool, error)
	// DecrementCredits subtracts amount only when the balance covers it and
	// returns ErrInsufficientCredits otherwise, leaving the row untouched.
	DecrementCredits(ctx context.Context, userID UserID, amount Credits, atUnixUTC int64) (Credits, error)
	// IncrementCredits adds amount, creating the account row when missing.
	IncrementCredits(ctx context.Context, userID UserID, amount Credits, atUnixUTC int64) (Credits, error)
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error)
	CreateCharge(ctx context.Context, charge Charge) error
	GetCharge(ctx context.Context, userID UserID, chargeID ChargeID) (Charge, error)
	// FindPendingCharge returns the newest pending charge of style opened by origin.
	FindPendingCharge(ctx context.Context, userID UserID, style Style, origin ChargeOrigin) (Charge, error)
	UpdateChargeStatus(ctx context.Context, userID UserID, chargeID ChargeID, from, to ChargeStatus, reason string, atUnixUTC int64) error
}
