package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON       = "{}"
	pgUniqueViolationCode     = "23505"
	sqliteConstraintCode      = 19
	sqliteConstraintUnique    = 2067
	sqliteConstraintPrimary   = 1555
	errorSubjectAccount       = "account"
	errorSubjectBalance       = "balance"
	errorSubjectEntry         = "entry"
	errorSubjectCharge        = "charge"
	errorCodeCreate           = "create"
	errorCodeDecrement        = "decrement"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeIncrement        = "increment"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeInsufficient     = "insufficient"
	errorCodeList             = "list"
	errorCodeLookup           = "lookup"
	errorCodeUpdateStatus     = "update_status"
	sqlIncrementCreditsUpsert = "user_credits.credits + excluded.credits"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. Nested calls use savepoints.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	var row UserCredits
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	credits, err := ledger.NewCredits(row.Credits)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.Balance{UserID: userID, Credits: credits, UpdatedUnixUTC: row.UpdatedAt.Unix()}, nil
}

func (store *Store) CreateAccount(ctx context.Context, userID ledger.UserID, initial ledger.Credits, atUnixUTC int64) (bool, error) {
	at := unixToTime(atUnixUTC)
	row := UserCredits{UserID: userID.String(), Credits: initial.Int64(), CreatedAt: at, UpdatedAt: at}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) DecrementCredits(ctx context.Context, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&UserCredits{}).
		Where("user_id = ? AND credits >= ?", userID.String(), amount.Int64()).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits - ?", amount.Int64()),
			"updated_at": unixToTime(atUnixUTC),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInsufficient, ledger.ErrInsufficientCredits)
	}
	return store.readCredits(ctx, userID, errorCodeDecrement)
}

func (store *Store) IncrementCredits(ctx context.Context, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Credits, error) {
	at := unixToTime(atUnixUTC)
	row := UserCredits{UserID: userID.String(), Credits: amount.Int64(), CreatedAt: at, UpdatedAt: at}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"credits":    gorm.Expr(sqlIncrementCreditsUpsert),
				"updated_at": at,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	return store.readCredits(ctx, userID, errorCodeIncrement)
}

func (store *Store) readCredits(ctx context.Context, userID ledger.UserID, code string) (ledger.Credits, error) {
	var row UserCredits
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error; err != nil {
		return 0, wrapStoreError(errorSubjectBalance, code, err)
	}
	credits, err := ledger.NewCredits(row.Credits)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return credits, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	row := CreditLog{
		ID:              entry.EntryID,
		UserID:          entry.UserID.String(),
		Amount:          entry.Amount.Int64(),
		Type:            entry.Type.String(),
		Description:     entry.Description,
		PreviousBalance: entry.PreviousBalance.Int64(),
		NewBalance:      entry.NewBalance.Int64(),
		IdempotencyKey:  entry.IdempotencyKey.String(),
		Reference:       entry.Reference,
		Metadata:        datatypesJSON(entry.Metadata.String()),
		CreatedAt:       unixToTime(entry.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditLog
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapCreditLog(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreateCharge(ctx context.Context, charge ledger.Charge) error {
	at := unixToTime(charge.CreatedUnixUTC)
	row := CreditCharge{
		ChargeID:  charge.ChargeID.String(),
		UserID:    charge.UserID.String(),
		Style:     charge.Style.String(),
		Origin:    charge.Origin.String(),
		Cost:      charge.Cost.Int64(),
		Status:    charge.Status.String(),
		Reason:    charge.Reason,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetCharge(ctx context.Context, userID ledger.UserID, chargeID ledger.ChargeID) (ledger.Charge, error) {
	var row CreditCharge
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND charge_id = ?", userID.String(), chargeID.String()).
		Take(&row).Error
	return store.mapChargeResult(row, err)
}

func (store *Store) FindPendingCharge(ctx context.Context, userID ledger.UserID, style ledger.Style, origin ledger.ChargeOrigin) (ledger.Charge, error) {
	var row CreditCharge
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND style = ? AND origin = ? AND status = ?", userID.String(), style.String(), origin.String(), ledger.ChargeStatusPending.String()).
		Order("created_at DESC, id DESC").
		Take(&row).Error
	return store.mapChargeResult(row, err)
}

func (store *Store) mapChargeResult(row CreditCharge, err error) (ledger.Charge, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Charge{}, wrapStoreError(errorSubjectCharge, errorCodeGet, ledger.ErrChargeNotFound)
	}
	if err != nil {
		return ledger.Charge{}, wrapStoreError(errorSubjectCharge, errorCodeGet, err)
	}
	charge, err := mapCreditCharge(row)
	if err != nil {
		return ledger.Charge{}, wrapStoreError(errorSubjectCharge, errorCodeInvalid, err)
	}
	return charge, nil
}

func (store *Store) UpdateChargeStatus(ctx context.Context, userID ledger.UserID, chargeID ledger.ChargeID, from, to ledger.ChargeStatus, reason string, atUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditCharge{}).
		Where("user_id = ? AND charge_id = ? AND status = ?", userID.String(), chargeID.String(), from.String()).
		Updates(map[string]any{
			"status":     to.String(),
			"reason":     reason,
			"updated_at": unixToTime(atUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditCharge{}).
		Where("user_id = ? AND charge_id = ?", userID.String(), chargeID.String()).
		Count(&count).Error
	if err != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeLookup, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectCharge, errorCodeUpdateStatus, ledger.ErrChargeNotFound)
	}
	return wrapStoreError(errorSubjectCharge, errorCodeUpdateStatus, ledger.ErrChargeClosed)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapStoreError(subject, code, err)
}

func mapCreditLog(row CreditLog) (ledger.Entry, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewCredits(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	previousBalance, err := ledger.NewCredits(row.PreviousBalance)
	if err != nil {
		return ledger.Entry{}, err
	}
	newBalance, err := ledger.NewCredits(row.NewBalance)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:         row.ID,
		UserID:          userID,
		Type:            entryType,
		Amount:          amount,
		Description:     row.Description,
		PreviousBalance: previousBalance,
		NewBalance:      newBalance,
		IdempotencyKey:  idempotencyKey,
		Reference:       row.Reference,
		Metadata:        metadata,
		CreatedUnixUTC:  row.CreatedAt.Unix(),
	}, nil
}

func mapCreditCharge(row CreditCharge) (ledger.Charge, error) {
	chargeID, err := ledger.NewChargeID(row.ChargeID)
	if err != nil {
		return ledger.Charge{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Charge{}, err
	}
	style, err := ledger.NewStyle(row.Style)
	if err != nil {
		return ledger.Charge{}, err
	}
	cost, err := ledger.NewPositiveCredits(row.Cost)
	if err != nil {
		return ledger.Charge{}, err
	}
	status, err := ledger.ParseChargeStatus(row.Status)
	if err != nil {
		return ledger.Charge{}, err
	}
	origin, err := ledger.ParseChargeOrigin(row.Origin)
	if err != nil {
		return ledger.Charge{}, err
	}
	return ledger.Charge{
		ChargeID:       chargeID,
		UserID:         userID,
		Style:          style,
		Cost:           cost,
		Origin:         origin,
		Status:         status,
		Reason:         row.Reason,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func unixToTime(atUnixUTC int64) time.Time {
	if atUnixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(atUnixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqliteConstraintUnique || code == sqliteConstraintPrimary {
			return true
		}
		return code&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), "UNIQUE")
	}
	return false
}
