package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestReserveCreatesActiveReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-123")
	if _, err := service.Add(context.Background(), userID, mustAmount(test, 100), "seed", ""); err != nil {
		test.Fatalf("add: %v", err)
	}

	reservation, err := service.Reserve(context.Background(), userID, mustAmount(test, 40), "api-call", "")
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if reservation.Status != ReservationStatusActive {
		test.Fatalf("expected active reservation, got %s", reservation.Status)
	}
	if store.balances[userID.String()] != 100 {
		test.Fatalf("reserve must not touch balance, got %d", store.balances[userID.String()])
	}
	info, err := service.CreditInfo(context.Background(), userID)
	if err != nil {
		test.Fatalf("credit info: %v", err)
	}
	if info.Reserved != 40 || info.Available != 60 {
		test.Fatalf("expected reserved 40 available 60, got %+v", info)
	}
}

func TestSecondReserveBeyondAvailableFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-overlap")
	if _, err := service.Add(context.Background(), userID, mustAmount(test, 100), "seed", ""); err != nil {
		test.Fatalf("add: %v", err)
	}
	first, err := service.Reserve(context.Background(), userID, mustAmount(test, 60), "first", "")
	if err != nil {
		test.Fatalf("first reserve: %v", err)
	}
	_, err = service.Reserve(context.Background(), userID, mustAmount(test, 50), "second", "")
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	// The failed attempt must leave the first hold active and counted.
	if store.reservations[first.ID].Status != ReservationStatusActive {
		test.Fatalf("first reservation no longer active")
	}
	info, err := service.CreditInfo(context.Background(), userID)
	if err != nil {
		test.Fatalf("credit info: %v", err)
	}
	if info.Reserved != 60 || info.Available != 40 {
		test.Fatalf("expected reserved 60 available 40, got %+v", info)
	}
}

// The inherited numeric scenario: add 100, reserve 50, reserve 55 fails,
// release the 50, reserve 55 succeeds. With balance 100 and reserved 55 a
// further reserve of 10 fits inside the available 45 and succeeds; 46 is
// the smallest amount that fails.
func TestReserveReleaseReserveScenario(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-scenario")
	ctx := context.Background()

	if _, err := service.Add(ctx, userID, mustAmount(test, 100), "seed", ""); err != nil {
		test.Fatalf("add: %v", err)
	}
	first, err := service.Reserve(ctx, userID, mustAmount(test, 50), "first", "")
	if err != nil {
		test.Fatalf("reserve 50: %v", err)
	}
	if _, err := service.Reserve(ctx, userID, mustAmount(test, 55), "too-big", ""); !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("reserve 55 over available 50: expected ErrInsufficientCredits, got %v", err)
	}
	if _, err := service.Unreserve(ctx, first.ID); err != nil {
		test.Fatalf("unreserve: %v", err)
	}
	if _, err := service.Reserve(ctx, userID, mustAmount(test, 55), "retry", ""); err != nil {
		test.Fatalf("reserve 55 after release: %v", err)
	}
	if _, err := service.Reserve(ctx, userID, mustAmount(test, 10), "small", ""); err != nil {
		test.Fatalf("reserve 10 within available 45: %v", err)
	}
	if _, err := service.Reserve(ctx, userID, mustAmount(test, 36), "overflow", ""); !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("reserve beyond remaining available: expected ErrInsufficientCredits, got %v", err)
	}
}

func TestUnreserveFreesAmountForImmediateReserve(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-release")
	ctx := context.Background()
	if _, err := service.Add(ctx, userID, mustAmount(test, 80), "seed", ""); err != nil {
		test.Fatalf("add: %v", err)
	}
	reservation, err := service.Reserve(ctx, userID, mustAmount(test, 80), "all", "")
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	released, err := service.Unreserve(ctx, reservation.ID)
	if err != nil {
		test.Fatalf("unreserve: %v", err)
	}
	if released.Status != ReservationStatusReleased {
		test.Fatalf("expected released status, got %s", released.Status)
	}
	if _, err := service.Reserve(ctx, userID, mustAmount(test, 80), "again", ""); err != nil {
		test.Fatalf("re-reserve freed amount: %v", err)
	}
}

func TestCommitMovesBalanceAndReservedTogether(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-commit")
	ctx := context.Background()
	if _, err := service.Add(ctx, userID, mustAmount(test, 100), "seed", ""); err != nil {
		test.Fatalf("add: %v", err)
	}
	reservation, err := service.Reserve(ctx, userID, mustAmount(test, 30), "work", "")
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	record, err := service.Commit(ctx, reservation.ID, "work done")
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	if record.Type != TransactionCommitReserved || record.ResultingBalance != 70 {
		test.Fatalf("unexpected commit transaction: %+v", record)
	}
	info, err := service.CreditInfo(ctx, userID)
	if err != nil {
		test.Fatalf("credit info: %v", err)
	}
	if info.Balance != 70 || info.Reserved != 0 || info.Available != 70 {
		test.Fatalf("expected balance 70 reserved 0, got %+v", info)
	}
}

func TestUnreserveAfterCommitDoesNotDoubleRelease(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-double")
	ctx := context.Background()
	if _, err := service.Add(ctx, userID, mustAmount(test, 100), "seed", ""); err != nil {
		test.Fatalf("add: %v", err)
	}
	reservation, err := service.Reserve(ctx, userID, mustAmount(test, 30), "work", "")
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Commit(ctx, reservation.ID, ""); err != nil {
		test.Fatalf("commit: %v", err)
	}
	if _, err := service.Unreserve(ctx, reservation.ID); !errors.Is(err, ErrReservationClosed) {
		test.Fatalf("expected ErrReservationClosed, got %v", err)
	}
	info, err := service.CreditInfo(ctx, userID)
	if err != nil {
		test.Fatalf("credit info: %v", err)
	}
	if info.Reserved != 0 {
		test.Fatalf("reserved double-decremented or resurrected: %+v", info)
	}
}

func TestCommitInsufficientRawBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-raw")
	ctx := context.Background()
	if _, err := service.Add(ctx, userID, mustAmount(test, 40), "seed", ""); err != nil {
		test.Fatalf("add: %v", err)
	}
	reservation, err := service.Reserve(ctx, userID, mustAmount(test, 40), "work", "")
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	// Forced post-hoc usage drains the raw balance below the hold.
	if _, err := service.DeductAfterService(ctx, userID, mustAmount(test, 25), "overage"); err != nil {
		test.Fatalf("deduct after service: %v", err)
	}
	if _, err := service.Commit(ctx, reservation.ID, ""); !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits on commit, got %v", err)
	}
}

func TestConcurrentReservesNeverOverspend(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-concurrent")
	ctx := context.Background()
	if _, err := service.Add(ctx, userID, mustAmount(test, 100), "seed", ""); err != nil {
		test.Fatalf("add: %v", err)
	}

	// Only three of these holds fit; every admitted reservation must have
	// seen an available figure that still covered it.
	const workers = 20
	var waitGroup sync.WaitGroup
	waitGroup.Add(workers)
	for index := 0; index < workers; index++ {
		go func() {
			defer waitGroup.Done()
			_, err := service.Reserve(ctx, userID, mustAmount(test, 30), "burst", "")
			if err != nil && !errors.Is(err, ErrInsufficientCredits) {
				test.Errorf("reserve: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	info, err := service.CreditInfo(ctx, userID)
	if err != nil {
		test.Fatalf("credit info: %v", err)
	}
	if info.Reserved != 90 {
		test.Fatalf("expected 90 reserved after the burst, got %d", info.Reserved)
	}
	if info.Reserved > info.Balance {
		test.Fatalf("reserved %d exceeds balance %d", info.Reserved, info.Balance)
	}
	if info.Available != info.Balance-info.Reserved {
		test.Fatalf("available %d != balance %d - reserved %d", info.Available, info.Balance, info.Reserved)
	}
}

func TestUnreserveUnknownReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	if _, err := service.Unreserve(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
}
