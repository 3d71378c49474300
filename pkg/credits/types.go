package credits

import (
	"context"
	"fmt"
	"strings"
)

// UserID identifies an account owner.
type UserID struct {
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

// Amount is a strictly positive credit quantity.
type Amount int64

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Int64 returns the raw quantity.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// TransactionType enumerates credit transaction kinds.
type TransactionType string

const (
	TransactionAdd            TransactionType = "ADD"
	TransactionDeduct         TransactionType = "DEDUCT"
	TransactionExpire         TransactionType = "EXPIRE"
	TransactionCommitReserved TransactionType = "COMMIT_RESERVED"

	// Reservations and releases only move the reserved total, not the
	// balance, so no operation writes these rows; they are part of the
	// stored enum so histories carrying them still parse.
	TransactionReserve     TransactionType = "RESERVE"
	TransactionReleaseHold TransactionType = "RELEASE_RESERVED"
)

// Transaction is a single immutable line in the credit history.
type Transaction struct {
	ID               string
	UserID           string
	CreditsAdded     int64
	CreditsDeducted  int64
	ResultingBalance int64
	Type             TransactionType
	Description      string
	CreatedUnixUTC   int64
}

// ReservationStatus defines the reservation lifecycle. A reservation
// leaves the active state exactly once.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
)

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// ParseReservationStatus maps a stored value back to a status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusActive, ReservationStatusCommitted, ReservationStatusReleased:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// Reservation is a temporary hold against a user's balance.
type Reservation struct {
	ID               string
	UserID           string
	PlanID           string
	Amount           Amount
	Reason           string
	Status           ReservationStatus
	CreatedUnixUTC   int64
	ExpiresAtUnixUTC int64
}

// CreditExpiryRecord is a chunk of granted credits with its own expiry.
// RemainingCredits only ever decreases; once expired it stays expired.
type CreditExpiryRecord struct {
	ID               string
	UserID           string
	PlanID           string
	Credits          int64
	RemainingCredits int64
	ExpiresAtUnixUTC int64
	Expired          bool
	CreatedUnixUTC   int64
}

// BillingPeriod enumerates subscription billing cadences.
type BillingPeriod string

const (
	BillingDaily   BillingPeriod = "daily"
	BillingMonthly BillingPeriod = "monthly"
	BillingYearly  BillingPeriod = "yearly"
)

// SubscriptionPlan is shared plan configuration.
type SubscriptionPlan struct {
	ID             string
	Name           string
	Description    string
	CreditLimit    int64
	PriceCents     int64
	BillingPeriod  BillingPeriod
	ValidityDays   int
	IsActive       bool
	CreatedUnixUTC int64
}

// UserSubscription tracks which plan a user is on.
type UserSubscription struct {
	ID                string
	UserID            string
	PlanID            string
	StartedUnixUTC    int64
	ValidUntilUnixUTC int64
	AutoRenew         bool
	IsActive          bool
}

// CreditInfo is the per-user aggregate every admission check reads.
// Available is always Balance minus the sum of active reservation amounts.
type CreditInfo struct {
	Balance   int64 `json:"balance"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

// Store is the persistence contract used by Service. Implementations own
// the source of truth; WithTx scopes commit-on-success/rollback-on-error
// semantics where the backend supports it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID UserID) (int64, error)
	SetBalance(ctx context.Context, userID UserID, balance int64) error
	AppendTransaction(ctx context.Context, record Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
	CreateReservation(ctx context.Context, reservation Reservation) (Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus) error
	SumActiveReservations(ctx context.Context, userID UserID) (int64, error)
	AppendExpiryRecord(ctx context.Context, record CreditExpiryRecord) (CreditExpiryRecord, error)
	ListExpiryRecords(ctx context.Context, userID UserID) ([]CreditExpiryRecord, error)
	MarkExpiryRecordExpired(ctx context.Context, recordID string) error
	CreateSubscriptionPlan(ctx context.Context, plan SubscriptionPlan) (SubscriptionPlan, error)
	GetSubscriptionPlan(ctx context.Context, planID string) (SubscriptionPlan, error)
	UpsertUserSubscription(ctx context.Context, subscription UserSubscription) (UserSubscription, error)
	GetUserSubscription(ctx context.Context, userID UserID) (UserSubscription, error)
	GetUserCreditsInfo(ctx context.Context, userID UserID) (CreditInfo, error)
}
