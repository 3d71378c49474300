package credits

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// stubStore is an in-memory Store with per-method error injection.
type stubStore struct {
	balances     map[string]int64
	transactions []Transaction
	reservations map[string]Reservation
	expiryRecs   map[string]CreditExpiryRecord
	plans        map[string]SubscriptionPlan
	subs         map[string]UserSubscription
	nextID       int

	withTxError            error
	getBalanceError        error
	setBalanceError        error
	appendTransactionError error
	createReservationError error
	getReservationError    error
	updateStatusError      error
	sumActiveError         error
	creditsInfoError       error
	listExpiryError        error
	markExpiredError       error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:     map[string]int64{},
		reservations: map[string]Reservation{},
		expiryRecs:   map[string]CreditExpiryRecord{},
		plans:        map[string]SubscriptionPlan{},
		subs:         map[string]UserSubscription{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(_ context.Context, userID UserID) (int64, error) {
	if store.getBalanceError != nil {
		return 0, store.getBalanceError
	}
	return store.balances[userID.String()], nil
}

func (store *stubStore) SetBalance(_ context.Context, userID UserID, balance int64) error {
	if store.setBalanceError != nil {
		return store.setBalanceError
	}
	store.balances[userID.String()] = balance
	return nil
}

func (store *stubStore) AppendTransaction(_ context.Context, record Transaction) (Transaction, error) {
	if store.appendTransactionError != nil {
		return Transaction{}, store.appendTransactionError
	}
	store.nextID++
	record.ID = fmt.Sprintf("tx-%d", store.nextID)
	store.transactions = append(store.transactions, record)
	return record, nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, limit int) ([]Transaction, error) {
	var records []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		if store.transactions[index].UserID != userID.String() {
			continue
		}
		records = append(records, store.transactions[index])
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

func (store *stubStore) CreateReservation(_ context.Context, reservation Reservation) (Reservation, error) {
	if store.createReservationError != nil {
		return Reservation{}, store.createReservationError
	}
	store.nextID++
	reservation.ID = fmt.Sprintf("res-%d", store.nextID)
	store.reservations[reservation.ID] = reservation
	return reservation, nil
}

func (store *stubStore) GetReservation(_ context.Context, reservationID string) (Reservation, error) {
	if store.getReservationError != nil {
		return Reservation{}, store.getReservationError
	}
	reservation, exists := store.reservations[reservationID]
	if !exists {
		return Reservation{}, ErrNotFound
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservationStatus(_ context.Context, reservationID string, from, to ReservationStatus) error {
	if store.updateStatusError != nil {
		return store.updateStatusError
	}
	reservation, exists := store.reservations[reservationID]
	if !exists {
		return ErrNotFound
	}
	if reservation.Status != from {
		return ErrReservationClosed
	}
	reservation.Status = to
	store.reservations[reservationID] = reservation
	return nil
}

func (store *stubStore) SumActiveReservations(_ context.Context, userID UserID) (int64, error) {
	if store.sumActiveError != nil {
		return 0, store.sumActiveError
	}
	var total int64
	for _, reservation := range store.reservations {
		if reservation.UserID == userID.String() && reservation.Status == ReservationStatusActive {
			total += reservation.Amount.Int64()
		}
	}
	return total, nil
}

func (store *stubStore) AppendExpiryRecord(_ context.Context, record CreditExpiryRecord) (CreditExpiryRecord, error) {
	store.nextID++
	record.ID = fmt.Sprintf("exp-%d", store.nextID)
	store.expiryRecs[record.ID] = record
	return record, nil
}

func (store *stubStore) ListExpiryRecords(_ context.Context, userID UserID) ([]CreditExpiryRecord, error) {
	if store.listExpiryError != nil {
		return nil, store.listExpiryError
	}
	var records []CreditExpiryRecord
	for _, record := range store.expiryRecs {
		if record.UserID == userID.String() {
			records = append(records, record)
		}
	}
	return records, nil
}

func (store *stubStore) MarkExpiryRecordExpired(_ context.Context, recordID string) error {
	if store.markExpiredError != nil {
		return store.markExpiredError
	}
	record, exists := store.expiryRecs[recordID]
	if !exists {
		return ErrNotFound
	}
	record.RemainingCredits = 0
	record.Expired = true
	store.expiryRecs[recordID] = record
	return nil
}

func (store *stubStore) CreateSubscriptionPlan(_ context.Context, plan SubscriptionPlan) (SubscriptionPlan, error) {
	store.nextID++
	plan.ID = fmt.Sprintf("plan-%d", store.nextID)
	store.plans[plan.ID] = plan
	return plan, nil
}

func (store *stubStore) GetSubscriptionPlan(_ context.Context, planID string) (SubscriptionPlan, error) {
	plan, exists := store.plans[planID]
	if !exists {
		return SubscriptionPlan{}, ErrNotFound
	}
	return plan, nil
}

func (store *stubStore) UpsertUserSubscription(_ context.Context, subscription UserSubscription) (UserSubscription, error) {
	if subscription.ID == "" {
		store.nextID++
		subscription.ID = fmt.Sprintf("sub-%d", store.nextID)
	}
	store.subs[subscription.UserID] = subscription
	return subscription, nil
}

func (store *stubStore) GetUserSubscription(_ context.Context, userID UserID) (UserSubscription, error) {
	subscription, exists := store.subs[userID.String()]
	if !exists {
		return UserSubscription{}, ErrNotFound
	}
	return subscription, nil
}

func (store *stubStore) GetUserCreditsInfo(ctx context.Context, userID UserID) (CreditInfo, error) {
	if store.creditsInfoError != nil {
		return CreditInfo{}, store.creditsInfoError
	}
	balance := store.balances[userID.String()]
	reserved, err := store.SumActiveReservations(ctx, userID)
	if err != nil {
		return CreditInfo{}, err
	}
	return CreditInfo{Balance: balance, Reserved: reserved, Available: balance - reserved}, nil
}

// stubCache is an in-memory Cache that records deletes.
type stubCache struct {
	values  map[string][]byte
	ttls    map[string]time.Duration
	deletes []string
}

func newStubCache(test *testing.T) *stubCache {
	test.Helper()
	return &stubCache{values: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (cache *stubCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, exists := cache.values[key]
	return value, exists, nil
}

func (cache *stubCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cache.values[key] = value
	cache.ttls[key] = ttl
	return nil
}

func (cache *stubCache) Delete(_ context.Context, key string) error {
	delete(cache.values, key)
	cache.deletes = append(cache.deletes, key)
	return nil
}

// recordingAuditSink captures audit messages for assertions.
type recordingAuditSink struct {
	transactions []string
	errors       []string
}

func (sink *recordingAuditSink) LogTransaction(_ context.Context, _ string, message string, _ map[string]any, _ string) {
	sink.transactions = append(sink.transactions, message)
}

func (sink *recordingAuditSink) LogError(_ context.Context, _ string, message string, _ map[string]any, _ string) {
	sink.errors = append(sink.errors, message)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustAmount(test *testing.T, raw int64) Amount {
	test.Helper()
	amount, err := NewAmount(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}
