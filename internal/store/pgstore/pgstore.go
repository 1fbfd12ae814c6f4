package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintIdempotencyKey = "uniq_credit_logs_idempotency_key"
	pgUniqueViolationCode    = "23505"
	errorSubjectAccount      = "account"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectCharge       = "charge"
	errorSubjectTransaction  = "transaction"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeCreate          = "create"
	errorCodeDecrement       = "decrement"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeIncrement       = "increment"
	errorCodeInsert          = "insert"
	errorCodeInsufficient    = "insufficient"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeUpdateStatus    = "update_status"

	sqlSelectBalance = `
		select credits, extract(epoch from updated_at)::bigint
		from user_credits
		where user_id = $1
	`

	sqlInsertAccount = `
		insert into user_credits(user_id, credits, created_at, updated_at)
		values($1, $2, to_timestamp($3), to_timestamp($3))
		on conflict (user_id) do nothing
	`

	sqlDecrementCredits = `
		update user_credits
		set credits = credits - $2, updated_at = to_timestamp($3)
		where user_id = $1 and credits >= $2
		returning credits
	`

	sqlRefundCredits = `select refund_credits($1, $2)`

	sqlInsertEntry = `
		insert into credit_logs(
			id, user_id, amount, type, description, previous_balance, new_balance,
			idempotency_key, reference, metadata, created_at
		)
		values(
			coalesce(nullif($1,'')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7,
			$8, $9,
			coalesce(nullif($10,''),'{}')::jsonb,
			to_timestamp($11)
		)
	`

	sqlListEntriesBefore = `
		select
			id::text,
			user_id,
			type,
			amount,
			description,
			previous_balance,
			new_balance,
			idempotency_key,
			reference,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from credit_logs
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlInsertCharge = `
		insert into credit_charges(charge_id, user_id, style, origin, cost, status, reason, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, $7, to_timestamp($8), to_timestamp($8))
	`

	sqlSelectCharge = `
		select charge_id, user_id, style, origin, cost, status, reason, extract(epoch from created_at)::bigint
		from credit_charges
		where user_id = $1 and charge_id = $2
		for update
	`

	sqlSelectPendingCharge = `
		select charge_id, user_id, style, origin, cost, status, reason, extract(epoch from created_at)::bigint
		from credit_charges
		where user_id = $1 and style = $2 and origin = $3 and status = 'pending'
		order by created_at desc, id desc
		limit 1
		for update
	`

	sqlUpdateChargeStatus = `
		update credit_charges
		set status = $4, reason = $5, updated_at = to_timestamp($6)
		where user_id = $1 and charge_id = $2 and status = $3
	`

	sqlChargeExists = `
		select exists(select 1 from credit_charges where user_id = $1 and charge_id = $2)
	`
)

// querier is the statement surface shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store on pgx. The same type serves the pool and
// open transactions; nested WithTx calls become savepoints.
type Store struct {
	db    querier
	begin func(ctx context.Context) (pgx.Tx, error)
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, begin: pool.Begin}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.begin(ctx)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx, begin: tx.Begin}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	var credits, updatedUnix int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(&credits, &updatedUnix)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := ledger.NewCredits(credits)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.Balance{UserID: userID, Credits: balance, UpdatedUnixUTC: updatedUnix}, nil
}

func (store *Store) CreateAccount(ctx context.Context, userID ledger.UserID, initial ledger.Credits, atUnixUTC int64) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertAccount, userID.String(), initial.Int64(), unixOrNow(atUnixUTC))
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) DecrementCredits(ctx context.Context, userID ledger.UserID, amount ledger.Credits, atUnixUTC int64) (ledger.Credits, error) {
	var remaining int64
	err := store.db.QueryRow(ctx, sqlDecrementCredits, userID.String(), amount.Int64(), unixOrNow(atUnixUTC)).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInsufficient, ledger.ErrInsufficientCredits)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	credits, err := ledger.NewCredits(remaining)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return credits, nil
}

// IncrementCredits delegates to the refund_credits upsert function.
func (store *Store) IncrementCredits(ctx context.Context, userID ledger.UserID, amount ledger.Credits, _ int64) (ledger.Credits, error) {
	var total int64
	if err := store.db.QueryRow(ctx, sqlRefundCredits, userID.String(), amount.Int64()).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	credits, err := ledger.NewCredits(total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return credits, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.UserID.String(),
		entry.Amount.Int64(),
		entry.Type.String(),
		entry.Description,
		entry.PreviousBalance.Int64(),
		entry.NewBalance.Int64(),
		entry.IdempotencyKey.String(),
		entry.Reference,
		entry.Metadata.String(),
		unixOrNow(entry.CreatedUnixUTC),
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Add(time.Second).Unix()
	}
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (store *Store) CreateCharge(ctx context.Context, charge ledger.Charge) error {
	_, err := store.db.Exec(ctx, sqlInsertCharge,
		charge.ChargeID.String(),
		charge.UserID.String(),
		charge.Style.String(),
		charge.Origin.String(),
		charge.Cost.Int64(),
		charge.Status.String(),
		charge.Reason,
		unixOrNow(charge.CreatedUnixUTC),
	)
	if err != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetCharge(ctx context.Context, userID ledger.UserID, chargeID ledger.ChargeID) (ledger.Charge, error) {
	return scanCharge(store.db.QueryRow(ctx, sqlSelectCharge, userID.String(), chargeID.String()))
}

func (store *Store) FindPendingCharge(ctx context.Context, userID ledger.UserID, style ledger.Style, origin ledger.ChargeOrigin) (ledger.Charge, error) {
	return scanCharge(store.db.QueryRow(ctx, sqlSelectPendingCharge, userID.String(), style.String(), origin.String()))
}

func (store *Store) UpdateChargeStatus(ctx context.Context, userID ledger.UserID, chargeID ledger.ChargeID, from, to ledger.ChargeStatus, reason string, atUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateChargeStatus,
		userID.String(), chargeID.String(), from.String(), to.String(), reason, unixOrNow(atUnixUTC))
	if err != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlChargeExists, userID.String(), chargeID.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectCharge, errorCodeLookup, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectCharge, errorCodeUpdateStatus, ledger.ErrChargeNotFound)
	}
	return wrapStoreError(errorSubjectCharge, errorCodeUpdateStatus, ledger.ErrChargeClosed)
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var (
			entryID         string
			userIDValue     string
			typeValue       string
			amount          int64
			description     string
			previousBalance int64
			newBalance      int64
			idempotencyKey  string
			reference       string
			metadata        string
			createdUnix     int64
		)
		if err := rows.Scan(&entryID, &userIDValue, &typeValue, &amount, &description, &previousBalance, &newBalance, &idempotencyKey, &reference, &metadata, &createdUnix); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entry, err := buildEntry(entryID, userIDValue, typeValue, amount, description, previousBalance, newBalance, idempotencyKey, reference, metadata, createdUnix)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func buildEntry(entryID, userIDValue, typeValue string, amount int64, description string, previousBalance, newBalance int64, idempotencyKey, reference, metadata string, createdUnix int64) (ledger.Entry, error) {
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(typeValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	amountValue, err := ledger.NewCredits(amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	previousValue, err := ledger.NewCredits(previousBalance)
	if err != nil {
		return ledger.Entry{}, err
	}
	newValue, err := ledger.NewCredits(newBalance)
	if err != nil {
		return ledger.Entry{}, err
	}
	key, err := ledger.NewIdempotencyKey(idempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadataValue, err := ledger.NewMetadataJSON(metadata)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:         entryID,
		UserID:          userID,
		Type:            entryType,
		Amount:          amountValue,
		Description:     description,
		PreviousBalance: previousValue,
		NewBalance:      newValue,
		IdempotencyKey:  key,
		Reference:       reference,
		Metadata:        metadataValue,
		CreatedUnixUTC:  createdUnix,
	}, nil
}

type chargeRow struct {
	chargeID    string
	userID      string
	style       string
	origin      string
	cost        int64
	status      string
	reason      string
	createdUnix int64
}

func scanCharge(row pgx.Row) (ledger.Charge, error) {
	var scanned chargeRow
	err := row.Scan(&scanned.chargeID, &scanned.userID, &scanned.style, &scanned.origin, &scanned.cost, &scanned.status, &scanned.reason, &scanned.createdUnix)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Charge{}, wrapStoreError(errorSubjectCharge, errorCodeGet, ledger.ErrChargeNotFound)
	}
	if err != nil {
		return ledger.Charge{}, wrapStoreError(errorSubjectCharge, errorCodeGet, err)
	}
	charge, err := buildCharge(scanned)
	if err != nil {
		return ledger.Charge{}, wrapStoreError(errorSubjectCharge, errorCodeInvalid, err)
	}
	return charge, nil
}

func buildCharge(scanned chargeRow) (ledger.Charge, error) {
	chargeID, err := ledger.NewChargeID(scanned.chargeID)
	if err != nil {
		return ledger.Charge{}, err
	}
	userID, err := ledger.NewUserID(scanned.userID)
	if err != nil {
		return ledger.Charge{}, err
	}
	style, err := ledger.NewStyle(scanned.style)
	if err != nil {
		return ledger.Charge{}, err
	}
	origin, err := ledger.ParseChargeOrigin(scanned.origin)
	if err != nil {
		return ledger.Charge{}, err
	}
	cost, err := ledger.NewPositiveCredits(scanned.cost)
	if err != nil {
		return ledger.Charge{}, err
	}
	status, err := ledger.ParseChargeStatus(scanned.status)
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
		Reason:         scanned.reason,
		CreatedUnixUTC: scanned.createdUnix,
	}, nil
}

func unixOrNow(atUnixUTC int64) int64 {
	if atUnixUTC == 0 {
		return time.Now().UTC().Unix()
	}
	return atUnixUTC
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapStoreError(subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintIdempotencyKey
}
