// Package pgstore implements the credit store directly on pgx for
// PostgreSQL deployments. The schema matches the gormstore models; on
// Postgres the schema is managed externally.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"

	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectTransaction  = "transaction"
	errorSubjectReservation  = "reservation"
	errorSubjectExpiryRecord = "expiry_record"
	errorSubjectPlan         = "plan"
	errorSubjectSubscription = "subscription"
	errorSubjectAudit        = "audit"
	errorSubjectTx           = "tx"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeSum             = "sum"
	errorCodeUpdate          = "update"
	errorCodeUpdateStatus    = "update_status"
	errorCodeUpsert          = "upsert"

	sqlLockOrCreateAccount = `
		insert into credit_accounts(user_id, balance, created_at, updated_at)
		values($1, 0, now(), now())
		on conflict (user_id) do update set user_id = excluded.user_id
		returning balance
	`

	sqlSetBalance = `
		insert into credit_accounts(user_id, balance, created_at, updated_at)
		values($1, $2, now(), now())
		on conflict (user_id) do update set balance = excluded.balance, updated_at = now()
	`

	sqlReadBalance = `
		select coalesce((select balance from credit_accounts where user_id = $1), 0)
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, credits_added, credits_deducted, resulting_balance, type, description, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, coalesce(to_timestamp(nullif($8,0)), now()))
	`

	sqlListTransactions = `
		select
			transaction_id::text,
			user_id,
			credits_added,
			credits_deducted,
			resulting_balance,
			type,
			coalesce(description, ''),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1
		order by created_at desc
		limit nullif($2, 0)
	`

	sqlInsertReservation = `
		insert into credit_reservations(
			reservation_id, user_id, plan_id, amount, reason, status, expires_at, created_at, updated_at
		)
		values($1, $2, nullif($3,''), $4, $5, $6, to_timestamp(nullif($7,0)), coalesce(to_timestamp(nullif($8,0)), now()), now())
	`

	sqlSelectReservation = `
		select
			reservation_id::text,
			user_id,
			coalesce(plan_id, ''),
			amount,
			coalesce(reason, ''),
			status,
			coalesce(extract(epoch from expires_at)::bigint, 0),
			extract(epoch from created_at)::bigint
		from credit_reservations
		where reservation_id = $1
		for update
	`

	sqlUpdateReservationStatus = `
		update credit_reservations
		set status = $3, updated_at = now()
		where reservation_id = $1 and status = $2
	`

	sqlSumActiveReservations = `
		select coalesce(sum(amount), 0) from credit_reservations
		where user_id = $1 and status = $2
	`

	sqlInsertExpiryRecord = `
		insert into credit_expiry_records(
			record_id, user_id, plan_id, credits, remaining_credits, expires_at, expired, created_at, updated_at
		)
		values($1, $2, nullif($3,''), $4, $5, to_timestamp($6), $7, coalesce(to_timestamp(nullif($8,0)), now()), now())
	`

	sqlListExpiryRecords = `
		select
			record_id::text,
			user_id,
			coalesce(plan_id, ''),
			credits,
			remaining_credits,
			extract(epoch from expires_at)::bigint,
			expired,
			extract(epoch from created_at)::bigint
		from credit_expiry_records
		where user_id = $1
		order by expires_at asc
	`

	sqlMarkExpiryRecordExpired = `
		update credit_expiry_records
		set remaining_credits = 0, expired = true, updated_at = now()
		where record_id = $1 and expired = false
	`

	sqlInsertPlan = `
		insert into credit_subscription_plans(
			plan_id, name, description, credit_limit, price_cents, billing_period, validity_days, is_active, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`

	sqlSelectPlan = `
		select
			plan_id::text,
			name,
			coalesce(description, ''),
			credit_limit,
			price_cents,
			billing_period,
			validity_days,
			is_active,
			extract(epoch from created_at)::bigint
		from credit_subscription_plans
		where plan_id = $1
	`

	sqlUpsertSubscription = `
		insert into credit_user_subscriptions(
			subscription_id, user_id, plan_id, started_at, valid_until, auto_renew, is_active, created_at, updated_at
		)
		values($1, $2, $3, to_timestamp($4), to_timestamp(nullif($5,0)), $6, $7, now(), now())
		on conflict (user_id) do update set
			plan_id = excluded.plan_id,
			started_at = excluded.started_at,
			valid_until = excluded.valid_until,
			auto_renew = excluded.auto_renew,
			is_active = excluded.is_active,
			updated_at = now()
	`

	sqlSelectSubscription = `
		select
			subscription_id::text,
			user_id,
			plan_id,
			extract(epoch from started_at)::bigint,
			coalesce(extract(epoch from valid_until)::bigint, 0),
			auto_renew,
			is_active
		from credit_user_subscriptions
		where user_id = $1
	`

	sqlCreditsInfo = `
		select
			coalesce((select balance from credit_accounts where user_id = $1), 0),
			coalesce((select sum(amount) from credit_reservations where user_id = $1 and status = $2), 0)
	`

	sqlInsertAuditEntry = `
		insert into credit_audit_entries(
			entry_id, event_type, user_id, message, details, correlation_id, created_at
		)
		values($1, $2, $3, $4, $5::jsonb, $6, now())
	`
)

// querier is the slice of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store on a pgx pool in autocommit mode;
// WithTx hands out a transaction-scoped copy.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

// GetBalance locks the account row for the remainder of the enclosing
// transaction, creating the account on first contact.
func (store *Store) GetBalance(ctx context.Context, userID credits.UserID) (int64, error) {
	var balance int64
	if err := store.db.QueryRow(ctx, sqlLockOrCreateAccount, userID.String()).Scan(&balance); err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return balance, nil
}

func (store *Store) SetBalance(ctx context.Context, userID credits.UserID, balance int64) error {
	if _, err := store.db.Exec(ctx, sqlSetBalance, userID.String(), balance); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) AppendTransaction(ctx context.Context, record credits.Transaction) (credits.Transaction, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		record.ID,
		record.UserID,
		record.CreditsAdded,
		record.CreditsDeducted,
		record.ResultingBalance,
		string(record.Type),
		record.Description,
		record.CreatedUnixUTC,
	)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return record, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID, limit int) ([]credits.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), normalizeLimit(limit))
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	records := make([]credits.Transaction, 0, 32)
	for rows.Next() {
		var (
			record    credits.Transaction
			typeValue string
		)
		if err := rows.Scan(
			&record.ID,
			&record.UserID,
			&record.CreditsAdded,
			&record.CreditsDeducted,
			&record.ResultingBalance,
			&typeValue,
			&record.Description,
			&record.CreatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		record.Type = credits.TransactionType(typeValue)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return records, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation credits.Reservation) (credits.Reservation, error) {
	if reservation.ID == "" {
		reservation.ID = uuid.NewString()
	}
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.ID,
		reservation.UserID,
		reservation.PlanID,
		reservation.Amount.Int64(),
		reservation.Reason,
		reservation.Status.String(),
		reservation.ExpiresAtUnixUTC,
		reservation.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeDuplicate, err)
	}
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return reservation, nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (credits.Reservation, error) {
	var (
		amountValue int64
		statusValue string
		reservation credits.Reservation
	)
	err := store.db.QueryRow(ctx, sqlSelectReservation, reservationID).Scan(
		&reservation.ID,
		&reservation.UserID,
		&reservation.PlanID,
		&amountValue,
		&reservation.Reason,
		&statusValue,
		&reservation.ExpiresAtUnixUTC,
		&reservation.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrNotFound)
	}
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	amount, err := credits.NewAmount(amountValue)
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := credits.ParseReservationStatus(statusValue)
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	reservation.Amount = amount
	reservation.Status = status
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to credits.ReservationStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservationStatus, reservationID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, credits.ErrReservationClosed)
	}
	return nil
}

func (store *Store) SumActiveReservations(ctx context.Context, userID credits.UserID) (int64, error) {
	var sum int64
	err := store.db.QueryRow(ctx, sqlSumActiveReservations, userID.String(), credits.ReservationStatusActive.String()).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) AppendExpiryRecord(ctx context.Context, record credits.CreditExpiryRecord) (credits.CreditExpiryRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	_, err := store.db.Exec(ctx, sqlInsertExpiryRecord,
		record.ID,
		record.UserID,
		record.PlanID,
		record.Credits,
		record.RemainingCredits,
		record.ExpiresAtUnixUTC,
		record.Expired,
		record.CreatedUnixUTC,
	)
	if err != nil {
		return credits.CreditExpiryRecord{}, wrapStoreError(errorSubjectExpiryRecord, errorCodeInsert, err)
	}
	return record, nil
}

func (store *Store) ListExpiryRecords(ctx context.Context, userID credits.UserID) ([]credits.CreditExpiryRecord, error) {
	rows, err := store.db.Query(ctx, sqlListExpiryRecords, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectExpiryRecord, errorCodeList, err)
	}
	defer rows.Close()
	records := make([]credits.CreditExpiryRecord, 0, 8)
	for rows.Next() {
		var record credits.CreditExpiryRecord
		if err := rows.Scan(
			&record.ID,
			&record.UserID,
			&record.PlanID,
			&record.Credits,
			&record.RemainingCredits,
			&record.ExpiresAtUnixUTC,
			&record.Expired,
			&record.CreatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectExpiryRecord, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectExpiryRecord, errorCodeList, err)
	}
	return records, nil
}

func (store *Store) MarkExpiryRecordExpired(ctx context.Context, recordID string) error {
	tag, err := store.db.Exec(ctx, sqlMarkExpiryRecordExpired, recordID)
	if err != nil {
		return wrapStoreError(errorSubjectExpiryRecord, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectExpiryRecord, errorCodeUpdate, credits.ErrNotFound)
	}
	return nil
}

func (store *Store) CreateSubscriptionPlan(ctx context.Context, plan credits.SubscriptionPlan) (credits.SubscriptionPlan, error) {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	_, err := store.db.Exec(ctx, sqlInsertPlan,
		plan.ID,
		plan.Name,
		plan.Description,
		plan.CreditLimit,
		plan.PriceCents,
		string(plan.BillingPeriod),
		plan.ValidityDays,
		plan.IsActive,
	)
	if isUniqueViolation(err) {
		return credits.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeDuplicate, credits.ErrPlanExists)
	}
	if err != nil {
		return credits.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeCreate, err)
	}
	return plan, nil
}

func (store *Store) GetSubscriptionPlan(ctx context.Context, planID string) (credits.SubscriptionPlan, error) {
	var (
		plan        credits.SubscriptionPlan
		periodValue string
	)
	err := store.db.QueryRow(ctx, sqlSelectPlan, planID).Scan(
		&plan.ID,
		&plan.Name,
		&plan.Description,
		&plan.CreditLimit,
		&plan.PriceCents,
		&periodValue,
		&plan.ValidityDays,
		&plan.IsActive,
		&plan.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, credits.ErrNotFound)
	}
	if err != nil {
		return credits.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, err)
	}
	plan.BillingPeriod = credits.BillingPeriod(periodValue)
	return plan, nil
}

func (store *Store) UpsertUserSubscription(ctx context.Context, subscription credits.UserSubscription) (credits.UserSubscription, error) {
	if subscription.ID == "" {
		subscription.ID = uuid.NewString()
	}
	_, err := store.db.Exec(ctx, sqlUpsertSubscription,
		subscription.ID,
		subscription.UserID,
		subscription.PlanID,
		subscription.StartedUnixUTC,
		subscription.ValidUntilUnixUTC,
		subscription.AutoRenew,
		subscription.IsActive,
	)
	if err != nil {
		return credits.UserSubscription{}, wrapStoreError(errorSubjectSubscription, errorCodeUpsert, err)
	}
	return subscription, nil
}

func (store *Store) GetUserSubscription(ctx context.Context, userID credits.UserID) (credits.UserSubscription, error) {
	var subscription credits.UserSubscription
	err := store.db.QueryRow(ctx, sqlSelectSubscription, userID.String()).Scan(
		&subscription.ID,
		&subscription.UserID,
		&subscription.PlanID,
		&subscription.StartedUnixUTC,
		&subscription.ValidUntilUnixUTC,
		&subscription.AutoRenew,
		&subscription.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.UserSubscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, credits.ErrNotFound)
	}
	if err != nil {
		return credits.UserSubscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return subscription, nil
}

func (store *Store) GetUserCreditsInfo(ctx context.Context, userID credits.UserID) (credits.CreditInfo, error) {
	var info credits.CreditInfo
	err := store.db.QueryRow(ctx, sqlCreditsInfo, userID.String(), credits.ReservationStatusActive.String()).
		Scan(&info.Balance, &info.Reserved)
	if err != nil {
		return credits.CreditInfo{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	info.Available = info.Balance - info.Reserved
	return info, nil
}

// AppendAuditEntry writes the database half of the audit trail.
func (store *Store) AppendAuditEntry(ctx context.Context, eventType, userID, message string, details map[string]any, correlationID string) error {
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
	}
	_, err = store.db.Exec(ctx, sqlInsertAuditEntry,
		uuid.NewString(),
		eventType,
		userID,
		message,
		string(payload),
		correlationID,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

// normalizeLimit maps any non-positive limit to 0, which nullif in the
// list queries turns into LIMIT NULL (unbounded). Postgres rejects a
// negative LIMIT outright, so the clamp happens here.
func normalizeLimit(limit int) int {
	if limit < 0 {
		return 0
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
