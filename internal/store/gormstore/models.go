package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is signed; forced
// post-hoc deductions may leave it negative.
type Account struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the credit_transactions table. Rows are
// append-only.
type CreditTransaction struct {
	TransactionID    string    `gorm:"type:uuid;primaryKey"`
	UserID           string    `gorm:"not null;index:idx_tx_user_created,priority:1"`
	CreditsAdded     int64     `gorm:"not null"`
	CreditsDeducted  int64     `gorm:"not null"`
	ResultingBalance int64     `gorm:"not null"`
	Type             string    `gorm:"not null"`
	Description      string    `gorm:""`
	CreatedAt        time.Time `gorm:"not null;index:idx_tx_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the credit_reservations table.
type Reservation struct {
	ReservationID string     `gorm:"type:uuid;primaryKey"`
	UserID        string     `gorm:"not null;index:idx_res_user_status,priority:1"`
	PlanID        *string    `gorm:""`
	Amount        int64      `gorm:"not null"`
	Reason        string     `gorm:""`
	Status        string     `gorm:"not null;index:idx_res_user_status,priority:2"`
	ExpiresAt     *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (Reservation) TableName() string { return "credit_reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}

// CreditExpiryRecord mirrors the credit_expiry_records table.
type CreditExpiryRecord struct {
	RecordID         string    `gorm:"type:uuid;primaryKey"`
	UserID           string    `gorm:"not null;index:idx_expiry_user_expires,priority:1"`
	PlanID           *string   `gorm:""`
	Credits          int64     `gorm:"not null"`
	RemainingCredits int64     `gorm:"not null"`
	ExpiresAt        time.Time `gorm:"not null;index:idx_expiry_user_expires,priority:2"`
	Expired          bool      `gorm:"not null;default:false"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (CreditExpiryRecord) TableName() string { return "credit_expiry_records" }

func (record *CreditExpiryRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// SubscriptionPlan mirrors the credit_subscription_plans table.
type SubscriptionPlan struct {
	PlanID        string    `gorm:"type:uuid;primaryKey"`
	Name          string    `gorm:"not null;index:uniq_plan_name,unique"`
	Description   string    `gorm:""`
	CreditLimit   int64     `gorm:"not null"`
	PriceCents    int64     `gorm:"not null"`
	BillingPeriod string    `gorm:"not null"`
	ValidityDays  int       `gorm:"not null"`
	IsActive      bool      `gorm:"not null;default:true"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (SubscriptionPlan) TableName() string { return "credit_subscription_plans" }

func (plan *SubscriptionPlan) BeforeCreate(tx *gorm.DB) error {
	if plan.PlanID == "" {
		plan.PlanID = uuid.NewString()
	}
	return nil
}

// UserSubscription mirrors the credit_user_subscriptions table. One row
// per user.
type UserSubscription struct {
	SubscriptionID string     `gorm:"type:uuid;primaryKey"`
	UserID         string     `gorm:"not null;index:uniq_sub_user,unique"`
	PlanID         string     `gorm:"not null"`
	StartedAt      time.Time  `gorm:"not null"`
	ValidUntil     *time.Time `gorm:""`
	AutoRenew      bool       `gorm:"not null;default:true"`
	IsActive       bool       `gorm:"not null;default:true"`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (UserSubscription) TableName() string { return "credit_user_subscriptions" }

func (subscription *UserSubscription) BeforeCreate(tx *gorm.DB) error {
	if subscription.SubscriptionID == "" {
		subscription.SubscriptionID = uuid.NewString()
	}
	return nil
}

// AuditEntry mirrors the credit_audit_entries table, the database half of
// the append-only audit trail.
type AuditEntry struct {
	EntryID       string         `gorm:"type:uuid;primaryKey"`
	EventType     string         `gorm:"not null"`
	UserID        string         `gorm:"index"`
	Message       string         `gorm:"not null"`
	Details       datatypes.JSON `gorm:"not null"`
	CorrelationID string         `gorm:""`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (AuditEntry) TableName() string { return "credit_audit_entries" }

func (entry *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Models lists every table for schema migration.
func Models() []any {
	return []any{
		&Account{},
		&CreditTransaction{},
		&Reservation{},
		&CreditExpiryRecord{},
		&SubscriptionPlan{},
		&UserSubscription{},
		&AuditEntry{},
	}
}
