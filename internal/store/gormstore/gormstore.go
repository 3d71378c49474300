package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectTransaction  = "transaction"
	errorSubjectReservation  = "reservation"
	errorSubjectExpiryRecord = "expiry_record"
	errorSubjectPlan         = "plan"
	errorSubjectSubscription = "subscription"
	errorSubjectAudit        = "audit"
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
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetBalance reads the account balance, creating the account lazily. The
// row is locked for update so a concurrent transaction cannot interleave
// between the read and the following write.
func (store *Store) GetBalance(ctx context.Context, userID credits.UserID) (int64, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = Account{UserID: userID.String()}
		if createErr := store.db.WithContext(ctx).Create(&account).Error; createErr != nil {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
		}
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account.Balance, nil
}

// SetBalance writes the account balance, creating the account if needed.
func (store *Store) SetBalance(ctx context.Context, userID credits.UserID, balance int64) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"balance": balance, "updated_at": time.Now().UTC()}),
		}).
		Create(&Account{UserID: userID.String(), Balance: balance}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) AppendTransaction(ctx context.Context, record credits.Transaction) (credits.Transaction, error) {
	model := CreditTransaction{
		UserID:           record.UserID,
		CreditsAdded:     record.CreditsAdded,
		CreditsDeducted:  record.CreditsDeducted,
		ResultingBalance: record.ResultingBalance,
		Type:             string(record.Type),
		Description:      record.Description,
		CreatedAt:        unixOrNow(record.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	record.ID = model.TransactionID
	record.CreatedUnixUTC = model.CreatedAt.Unix()
	return record, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID, limit int) ([]credits.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []CreditTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	records := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		records = append(records, credits.Transaction{
			ID:               row.TransactionID,
			UserID:           row.UserID,
			CreditsAdded:     row.CreditsAdded,
			CreditsDeducted:  row.CreditsDeducted,
			ResultingBalance: row.ResultingBalance,
			Type:             credits.TransactionType(row.Type),
			Description:      row.Description,
			CreatedUnixUTC:   row.CreatedAt.Unix(),
		})
	}
	return records, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation credits.Reservation) (credits.Reservation, error) {
	model := Reservation{
		ReservationID: reservation.ID,
		UserID:        reservation.UserID,
		PlanID:        optionalString(reservation.PlanID),
		Amount:        reservation.Amount.Int64(),
		Reason:        reservation.Reason,
		Status:        reservation.Status.String(),
		ExpiresAt:     optionalTime(reservation.ExpiresAtUnixUTC),
		CreatedAt:     unixOrNow(reservation.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeDuplicate, err)
	}
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	reservation.ID = model.ReservationID
	reservation.CreatedUnixUTC = model.CreatedAt.Unix()
	return reservation, nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (credits.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrNotFound)
	}
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to credits.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, from.String()).
		Updates(map[string]interface{}{"status": to.String(), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, credits.ErrReservationClosed)
	}
	return nil
}

func (store *Store) SumActiveReservations(ctx context.Context, userID credits.UserID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND status = ?", userID.String(), credits.ReservationStatusActive.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReservation, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) AppendExpiryRecord(ctx context.Context, record credits.CreditExpiryRecord) (credits.CreditExpiryRecord, error) {
	model := CreditExpiryRecord{
		RecordID:         record.ID,
		UserID:           record.UserID,
		PlanID:           optionalString(record.PlanID),
		Credits:          record.Credits,
		RemainingCredits: record.RemainingCredits,
		ExpiresAt:        time.Unix(record.ExpiresAtUnixUTC, 0).UTC(),
		Expired:          record.Expired,
		CreatedAt:        unixOrNow(record.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return credits.CreditExpiryRecord{}, wrapStoreError(errorSubjectExpiryRecord, errorCodeInsert, err)
	}
	record.ID = model.RecordID
	record.CreatedUnixUTC = model.CreatedAt.Unix()
	return record, nil
}

func (store *Store) ListExpiryRecords(ctx context.Context, userID credits.UserID) ([]credits.CreditExpiryRecord, error) {
	var rows []CreditExpiryRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("expires_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectExpiryRecord, errorCodeList, err)
	}
	records := make([]credits.CreditExpiryRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, credits.CreditExpiryRecord{
			ID:               row.RecordID,
			UserID:           row.UserID,
			PlanID:           stringOrEmpty(row.PlanID),
			Credits:          row.Credits,
			RemainingCredits: row.RemainingCredits,
			ExpiresAtUnixUTC: row.ExpiresAt.Unix(),
			Expired:          row.Expired,
			CreatedUnixUTC:   row.CreatedAt.Unix(),
		})
	}
	return records, nil
}

func (store *Store) MarkExpiryRecordExpired(ctx context.Context, recordID string) error {
	result := store.db.WithContext(ctx).
		Model(&CreditExpiryRecord{}).
		Where("record_id = ? AND expired = ?", recordID, false).
		Updates(map[string]interface{}{"remaining_credits": 0, "expired": true, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectExpiryRecord, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectExpiryRecord, errorCodeUpdate, credits.ErrNotFound)
	}
	return nil
}

func (store *Store) CreateSubscriptionPlan(ctx context.Context, plan credits.SubscriptionPlan) (credits.SubscriptionPlan, error) {
	model := SubscriptionPlan{
		PlanID:        plan.ID,
		Name:          plan.Name,
		Description:   plan.Description,
		CreditLimit:   plan.CreditLimit,
		PriceCents:    plan.PriceCents,
		BillingPeriod: string(plan.BillingPeriod),
		ValidityDays:  plan.ValidityDays,
		IsActive:      plan.IsActive,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return credits.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeDuplicate, credits.ErrPlanExists)
	}
	if err != nil {
		return credits.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeCreate, err)
	}
	plan.ID = model.PlanID
	plan.CreatedUnixUTC = model.CreatedAt.Unix()
	return plan, nil
}

func (store *Store) GetSubscriptionPlan(ctx context.Context, planID string) (credits.SubscriptionPlan, error) {
	var model SubscriptionPlan
	err := store.db.WithContext(ctx).Where("plan_id = ?", planID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, credits.ErrNotFound)
	}
	if err != nil {
		return credits.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, err)
	}
	return credits.SubscriptionPlan{
		ID:             model.PlanID,
		Name:           model.Name,
		Description:    model.Description,
		CreditLimit:    model.CreditLimit,
		PriceCents:     model.PriceCents,
		BillingPeriod:  credits.BillingPeriod(model.BillingPeriod),
		ValidityDays:   model.ValidityDays,
		IsActive:       model.IsActive,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func (store *Store) UpsertUserSubscription(ctx context.Context, subscription credits.UserSubscription) (credits.UserSubscription, error) {
	model := UserSubscription{
		SubscriptionID: subscription.ID,
		UserID:         subscription.UserID,
		PlanID:         subscription.PlanID,
		StartedAt:      unixOrNow(subscription.StartedUnixUTC),
		ValidUntil:     optionalTime(subscription.ValidUntilUnixUTC),
		AutoRenew:      subscription.AutoRenew,
		IsActive:       subscription.IsActive,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"plan_id":     model.PlanID,
				"started_at":  model.StartedAt,
				"valid_until": model.ValidUntil,
				"auto_renew":  model.AutoRenew,
				"is_active":   model.IsActive,
				"updated_at":  time.Now().UTC(),
			}),
		}).
		Create(&model).Error
	if err != nil {
		return credits.UserSubscription{}, wrapStoreError(errorSubjectSubscription, errorCodeUpsert, err)
	}
	subscription.ID = model.SubscriptionID
	return subscription, nil
}

func (store *Store) GetUserSubscription(ctx context.Context, userID credits.UserID) (credits.UserSubscription, error) {
	var model UserSubscription
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.UserSubscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, credits.ErrNotFound)
	}
	if err != nil {
		return credits.UserSubscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return credits.UserSubscription{
		ID:                model.SubscriptionID,
		UserID:            model.UserID,
		PlanID:            model.PlanID,
		StartedUnixUTC:    model.StartedAt.Unix(),
		ValidUntilUnixUTC: timeOrZero(model.ValidUntil),
		AutoRenew:         model.AutoRenew,
		IsActive:          model.IsActive,
	}, nil
}

// GetUserCreditsInfo reads balance and the active reservation sum in one
// transaction so the aggregate is computed from a consistent snapshot.
func (store *Store) GetUserCreditsInfo(ctx context.Context, userID credits.UserID) (credits.CreditInfo, error) {
	var info credits.CreditInfo
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		scoped := &Store{db: transaction}
		balance, err := scoped.balanceOnly(ctx, userID)
		if err != nil {
			return err
		}
		reserved, err := scoped.SumActiveReservations(ctx, userID)
		if err != nil {
			return err
		}
		info = credits.CreditInfo{Balance: balance, Reserved: reserved, Available: balance - reserved}
		return nil
	})
	if err != nil {
		return credits.CreditInfo{}, err
	}
	return info, nil
}

// balanceOnly reads the balance without locking or lazy creation; a
// missing account reads as zero.
func (store *Store) balanceOnly(ctx context.Context, userID credits.UserID) (int64, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account.Balance, nil
}

// AppendAuditEntry writes the database half of the audit trail.
func (store *Store) AppendAuditEntry(ctx context.Context, eventType, userID, message string, details map[string]any, correlationID string) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
	}
	if len(details) == 0 {
		payload = []byte("{}")
	}
	entry := AuditEntry{
		EventType:     eventType,
		UserID:        userID,
		Message:       message,
		Details:       payload,
		CorrelationID: correlationID,
	}
	if err := store.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

type sqlSum struct {
	Total int64
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapReservation(model Reservation) (credits.Reservation, error) {
	amount, err := credits.NewAmount(model.Amount)
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := credits.ParseReservationStatus(model.Status)
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return credits.Reservation{
		ID:               model.ReservationID,
		UserID:           model.UserID,
		PlanID:           stringOrEmpty(model.PlanID),
		Amount:           amount,
		Reason:           model.Reason,
		Status:           status,
		CreatedUnixUTC:   model.CreatedAt.Unix(),
		ExpiresAtUnixUTC: timeOrZero(model.ExpiresAt),
	}, nil
}

func unixOrNow(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
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
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
