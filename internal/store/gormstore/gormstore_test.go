package gormstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestStore(test *testing.T) *gormstore.Store {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/credits.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	store := gormstore.New(database)
	if err := store.Migrate(); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return store
}

func mustUserID(test *testing.T, raw string) credits.UserID {
	test.Helper()
	userID, err := credits.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustAmount(test *testing.T, raw int64) credits.Amount {
	test.Helper()
	amount, err := credits.NewAmount(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func TestGetBalanceCreatesAccountLazily(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "lazy-user")

	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected zero balance for new account, got %d", balance)
	}

	if err := store.SetBalance(ctx, userID, 250); err != nil {
		test.Fatalf("set balance: %v", err)
	}
	balance, err = store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance != 250 {
		test.Fatalf("expected balance 250, got %d", balance)
	}
}

func TestSetBalanceUpsertsExistingAccount(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "upsert-user")

	if err := store.SetBalance(ctx, userID, 10); err != nil {
		test.Fatalf("first set: %v", err)
	}
	if err := store.SetBalance(ctx, userID, -40); err != nil {
		test.Fatalf("second set: %v", err)
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance != -40 {
		test.Fatalf("expected balance -40, got %d", balance)
	}
}

func TestAppendTransactionAssignsIDAndListsNewestFirst(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "history-user")

	base := time.Now().UTC().Add(-time.Hour).Unix()
	for index := int64(0); index < 3; index++ {
		record, err := store.AppendTransaction(ctx, credits.Transaction{
			UserID:           userID.String(),
			CreditsAdded:     10 * (index + 1),
			ResultingBalance: 10 * (index + 1),
			Type:             credits.TransactionAdd,
			Description:      "seed",
			CreatedUnixUTC:   base + index,
		})
		if err != nil {
			test.Fatalf("append transaction: %v", err)
		}
		if record.ID == "" {
			test.Fatalf("expected generated transaction id")
		}
	}

	records, err := store.ListTransactions(ctx, userID, 2)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(records) != 2 {
		test.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].CreatedUnixUTC < records[1].CreatedUnixUTC {
		test.Fatalf("expected newest-first ordering, got %+v", records)
	}
	if records[0].CreditsAdded != 30 {
		test.Fatalf("expected newest record first, got %+v", records[0])
	}
}

func TestListTransactionsNonPositiveLimitReturnsAll(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "unbounded-user")

	base := time.Now().UTC().Add(-time.Hour).Unix()
	for index := int64(0); index < 3; index++ {
		if _, err := store.AppendTransaction(ctx, credits.Transaction{
			UserID:           userID.String(),
			CreditsAdded:     5,
			ResultingBalance: 5 * (index + 1),
			Type:             credits.TransactionAdd,
			CreatedUnixUTC:   base + index,
		}); err != nil {
			test.Fatalf("append transaction: %v", err)
		}
	}

	for _, limit := range []int{0, -1} {
		records, err := store.ListTransactions(ctx, userID, limit)
		if err != nil {
			test.Fatalf("list transactions with limit %d: %v", limit, err)
		}
		if len(records) != 3 {
			test.Fatalf("expected all 3 records for limit %d, got %d", limit, len(records))
		}
	}
}

func TestReservationLifecycle(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "reservation-user")

	created, err := store.CreateReservation(ctx, credits.Reservation{
		UserID: userID.String(),
		Amount: mustAmount(test, 40),
		Reason: "api call",
		Status: credits.ReservationStatusActive,
	})
	if err != nil {
		test.Fatalf("create reservation: %v", err)
	}
	if created.ID == "" {
		test.Fatalf("expected generated reservation id")
	}

	fetched, err := store.GetReservation(ctx, created.ID)
	if err != nil {
		test.Fatalf("get reservation: %v", err)
	}
	if fetched.Status != credits.ReservationStatusActive || fetched.Amount.Int64() != 40 {
		test.Fatalf("unexpected reservation: %+v", fetched)
	}

	sum, err := store.SumActiveReservations(ctx, userID)
	if err != nil {
		test.Fatalf("sum active: %v", err)
	}
	if sum != 40 {
		test.Fatalf("expected active sum 40, got %d", sum)
	}

	err = store.UpdateReservationStatus(ctx, created.ID, credits.ReservationStatusActive, credits.ReservationStatusReleased)
	if err != nil {
		test.Fatalf("release: %v", err)
	}

	sum, err = store.SumActiveReservations(ctx, userID)
	if err != nil {
		test.Fatalf("sum active: %v", err)
	}
	if sum != 0 {
		test.Fatalf("expected active sum 0 after release, got %d", sum)
	}
}

func TestUpdateReservationStatusRejectsClosedReservation(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()

	created, err := store.CreateReservation(ctx, credits.Reservation{
		UserID: "closed-user",
		Amount: mustAmount(test, 5),
		Status: credits.ReservationStatusActive,
	})
	if err != nil {
		test.Fatalf("create reservation: %v", err)
	}
	if err := store.UpdateReservationStatus(ctx, created.ID, credits.ReservationStatusActive, credits.ReservationStatusCommitted); err != nil {
		test.Fatalf("commit: %v", err)
	}

	err = store.UpdateReservationStatus(ctx, created.ID, credits.ReservationStatusActive, credits.ReservationStatusReleased)
	if !errors.Is(err, credits.ErrReservationClosed) {
		test.Fatalf("expected ErrReservationClosed, got %v", err)
	}

	fetched, err := store.GetReservation(ctx, created.ID)
	if err != nil {
		test.Fatalf("get reservation: %v", err)
	}
	if fetched.Status != credits.ReservationStatusCommitted {
		test.Fatalf("terminal status must not change, got %s", fetched.Status)
	}
}

func TestGetReservationUnknownReturnsNotFound(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)

	_, err := store.GetReservation(context.Background(), "missing-reservation")
	if !errors.Is(err, credits.ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiryRecordsSweep(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "expiry-user")

	early := time.Now().UTC().Add(-time.Hour).Unix()
	late := time.Now().UTC().Add(time.Hour).Unix()
	first, err := store.AppendExpiryRecord(ctx, credits.CreditExpiryRecord{
		UserID:           userID.String(),
		PlanID:           "plan-basic",
		Credits:          100,
		RemainingCredits: 100,
		ExpiresAtUnixUTC: late,
	})
	if err != nil {
		test.Fatalf("append expiry: %v", err)
	}
	second, err := store.AppendExpiryRecord(ctx, credits.CreditExpiryRecord{
		UserID:           userID.String(),
		Credits:          30,
		RemainingCredits: 30,
		ExpiresAtUnixUTC: early,
	})
	if err != nil {
		test.Fatalf("append expiry: %v", err)
	}

	records, err := store.ListExpiryRecords(ctx, userID)
	if err != nil {
		test.Fatalf("list expiry: %v", err)
	}
	if len(records) != 2 {
		test.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != second.ID {
		test.Fatalf("expected soonest-expiring record first, got %+v", records[0])
	}

	if err := store.MarkExpiryRecordExpired(ctx, second.ID); err != nil {
		test.Fatalf("mark expired: %v", err)
	}
	records, err = store.ListExpiryRecords(ctx, userID)
	if err != nil {
		test.Fatalf("list expiry: %v", err)
	}
	for _, record := range records {
		if record.ID == second.ID && (!record.Expired || record.RemainingCredits != 0) {
			test.Fatalf("expected expired record drained, got %+v", record)
		}
		if record.ID == first.ID && record.Expired {
			test.Fatalf("unexpired record must stay live, got %+v", record)
		}
	}

	err = store.MarkExpiryRecordExpired(ctx, second.ID)
	if !errors.Is(err, credits.ErrNotFound) {
		test.Fatalf("second expiry of same record must report not found, got %v", err)
	}
}

func TestSubscriptionPlanUniqueName(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()

	plan := credits.SubscriptionPlan{
		Name:          "starter",
		CreditLimit:   1000,
		PriceCents:    999,
		BillingPeriod: credits.BillingMonthly,
		ValidityDays:  30,
		IsActive:      true,
	}
	created, err := store.CreateSubscriptionPlan(ctx, plan)
	if err != nil {
		test.Fatalf("create plan: %v", err)
	}
	if created.ID == "" {
		test.Fatalf("expected generated plan id")
	}

	_, err = store.CreateSubscriptionPlan(ctx, plan)
	if !errors.Is(err, credits.ErrPlanExists) {
		test.Fatalf("expected ErrPlanExists, got %v", err)
	}

	fetched, err := store.GetSubscriptionPlan(ctx, created.ID)
	if err != nil {
		test.Fatalf("get plan: %v", err)
	}
	if fetched.Name != "starter" || fetched.CreditLimit != 1000 {
		test.Fatalf("unexpected plan: %+v", fetched)
	}
}

func TestUpsertUserSubscriptionReplacesPlan(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "subscriber")

	validUntil := time.Now().UTC().Add(30 * 24 * time.Hour).Unix()
	if _, err := store.UpsertUserSubscription(ctx, credits.UserSubscription{
		UserID:            userID.String(),
		PlanID:            "plan-starter",
		StartedUnixUTC:    time.Now().UTC().Unix(),
		ValidUntilUnixUTC: validUntil,
		AutoRenew:         true,
		IsActive:          true,
	}); err != nil {
		test.Fatalf("first upsert: %v", err)
	}
	if _, err := store.UpsertUserSubscription(ctx, credits.UserSubscription{
		UserID:            userID.String(),
		PlanID:            "plan-pro",
		StartedUnixUTC:    time.Now().UTC().Unix(),
		ValidUntilUnixUTC: validUntil,
		AutoRenew:         false,
		IsActive:          true,
	}); err != nil {
		test.Fatalf("second upsert: %v", err)
	}

	subscription, err := store.GetUserSubscription(ctx, userID)
	if err != nil {
		test.Fatalf("get subscription: %v", err)
	}
	if subscription.PlanID != "plan-pro" || subscription.AutoRenew {
		test.Fatalf("expected replaced subscription, got %+v", subscription)
	}
}

func TestGetUserCreditsInfoAggregates(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "aggregate-user")

	if err := store.SetBalance(ctx, userID, 120); err != nil {
		test.Fatalf("set balance: %v", err)
	}
	if _, err := store.CreateReservation(ctx, credits.Reservation{
		UserID: userID.String(),
		Amount: mustAmount(test, 45),
		Status: credits.ReservationStatusActive,
	}); err != nil {
		test.Fatalf("create reservation: %v", err)
	}
	released, err := store.CreateReservation(ctx, credits.Reservation{
		UserID: userID.String(),
		Amount: mustAmount(test, 20),
		Status: credits.ReservationStatusActive,
	})
	if err != nil {
		test.Fatalf("create reservation: %v", err)
	}
	if err := store.UpdateReservationStatus(ctx, released.ID, credits.ReservationStatusActive, credits.ReservationStatusReleased); err != nil {
		test.Fatalf("release: %v", err)
	}

	info, err := store.GetUserCreditsInfo(ctx, userID)
	if err != nil {
		test.Fatalf("credits info: %v", err)
	}
	if info.Balance != 120 || info.Reserved != 45 || info.Available != 75 {
		test.Fatalf("unexpected aggregate: %+v", info)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "rollback-user")

	failure := errors.New("deliberate failure")
	err := store.WithTx(ctx, func(ctx context.Context, txStore credits.Store) error {
		if err := txStore.SetBalance(ctx, userID, 500); err != nil {
			return err
		}
		if _, err := txStore.AppendTransaction(ctx, credits.Transaction{
			UserID:           userID.String(),
			CreditsAdded:     500,
			ResultingBalance: 500,
			Type:             credits.TransactionAdd,
		}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		test.Fatalf("expected the injected failure, got %v", err)
	}

	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected rollback to zero balance, got %d", balance)
	}
	records, err := store.ListTransactions(ctx, userID, 0)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(records) != 0 {
		test.Fatalf("expected no transactions after rollback, got %d", len(records))
	}
}

func TestAppendAuditEntryPersistsDetails(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)

	err := store.AppendAuditEntry(
		context.Background(),
		"transaction",
		"audit-user",
		"Credits added",
		map[string]any{"amount": 25, "operation": "add"},
		"req-123",
	)
	if err != nil {
		test.Fatalf("append audit entry: %v", err)
	}
}

func TestServiceEndToEndOnSQLite(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "e2e-user")

	service, err := credits.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("service init: %v", err)
	}

	if _, err := service.Add(ctx, userID, mustAmount(test, 100), "signup grant", ""); err != nil {
		test.Fatalf("add: %v", err)
	}
	reservation, err := service.Reserve(ctx, userID, mustAmount(test, 60), "inference hold", "")
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Reserve(ctx, userID, mustAmount(test, 50), "second hold", ""); !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected insufficient credits, got %v", err)
	}
	if _, err := service.Commit(ctx, reservation.ID, "inference complete"); err != nil {
		test.Fatalf("commit: %v", err)
	}

	info, err := service.CreditInfo(ctx, userID)
	if err != nil {
		test.Fatalf("credit info: %v", err)
	}
	if info.Balance != 40 || info.Reserved != 0 || info.Available != 40 {
		test.Fatalf("unexpected aggregate after commit: %+v", info)
	}
}
