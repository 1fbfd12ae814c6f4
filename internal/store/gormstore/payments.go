package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/skechum/internal/payments"
	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"gorm.io/gorm"
)

const (
	errorSubjectPayment = "payment"
	errorCodeFind       = "find"
)

// PaymentStore implements payments.Store on the same database as Store.
type PaymentStore struct {
	db *gorm.DB
}

// NewPaymentStore returns a PaymentStore backed by gorm.DB.
func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// WithTx executes fn within a transaction shared with the ledger returned by Ledger.
func (store *PaymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payments.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &PaymentStore{db: transaction})
	})
}

// Ledger returns a ledger store bound to the same connection or transaction.
func (store *PaymentStore) Ledger() ledger.Store {
	return &Store{db: store.db}
}

func (store *PaymentStore) FindPayment(ctx context.Context, paymentID string) (payments.Record, error) {
	var row Payment
	err := store.db.WithContext(ctx).Where("payment_id = ?", paymentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.Record{}, payments.ErrPaymentNotFound
	}
	if err != nil {
		return payments.Record{}, wrapStoreError(errorSubjectPayment, errorCodeFind, err)
	}
	record, err := mapPayment(row)
	if err != nil {
		return payments.Record{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *PaymentStore) InsertPayment(ctx context.Context, record payments.Record) error {
	row := Payment{
		PaymentID:     record.PaymentID,
		UserID:        record.UserID.String(),
		Amount:        record.AmountMinor,
		Currency:      record.Currency,
		Status:        record.Status.String(),
		CreditsAdded:  record.CreditsAdded.Int64(),
		ProductID:     record.ProductID,
		PaymentMethod: record.PaymentMethod,
		CustomerName:  record.CustomerName,
		CustomerEmail: record.CustomerEmail,
		CreatedAt:     unixToTime(record.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return payments.ErrDuplicatePayment
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	return nil
}

func (store *PaymentStore) ListPayments(ctx context.Context, userID ledger.UserID, limit int) ([]payments.Record, error) {
	var rows []Payment
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	records := make([]payments.Record, 0, len(rows))
	for _, row := range rows {
		record, err := mapPayment(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func mapPayment(row Payment) (payments.Record, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return payments.Record{}, err
	}
	credits, err := ledger.NewCredits(row.CreditsAdded)
	if err != nil {
		return payments.Record{}, err
	}
	return payments.Record{
		PaymentID:      row.PaymentID,
		UserID:         userID,
		AmountMinor:    row.Amount,
		Currency:       row.Currency,
		Status:         payments.ParseStatus(row.Status),
		CreditsAdded:   credits,
		ProductID:      row.ProductID,
		PaymentMethod:  row.PaymentMethod,
		CustomerName:   row.CustomerName,
		CustomerEmail:  row.CustomerEmail,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}
