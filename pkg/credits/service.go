package credits

import (
	"context"
	"fmt"
	"time"
)

// Service enforces the reserve/commit/release/deduct/expire semantics over
// a Store and keeps the cached per-user aggregate consistent with it.
type Service struct {
	store   Store
	cache   Cache
	audit   AuditSink
	logger  OperationLogger
	nowFn   func() int64
	locks   *userLocks
	infoTTL time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:   store,
		audit:   nopAuditSink{},
		nowFn:   now,
		locks:   newUserLocks(),
		infoTTL: defaultInfoTTL,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Add increases the user's balance and records a positive transaction.
// When planID is set, the granted credits carry the default 30-day expiry
// horizon; plan-specific horizons go through AddWithValidity.
func (service *Service) Add(ctx context.Context, userID UserID, amount Amount, description string, planID string) (Transaction, error) {
	return service.AddWithValidity(ctx, userID, amount, description, planID, defaultExpiryHorizonDays)
}

// AddWithValidity is Add with an explicit expiry horizon in days for the
// granted chunk. The horizon only applies when planID is set.
func (service *Service) AddWithValidity(ctx context.Context, userID UserID, amount Amount, description string, planID string, validityDays int) (Transaction, error) {
	unlock := service.locks.acquire(userID)
	defer unlock()

	if validityDays <= 0 {
		validityDays = defaultExpiryHorizonDays
	}
	var record Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		balance, err := txStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		newBalance := balance + amount.Int64()
		if err := txStore.SetBalance(ctx, userID, newBalance); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		record, err = txStore.AppendTransaction(ctx, Transaction{
			UserID:           userID.String(),
			CreditsAdded:     amount.Int64(),
			ResultingBalance: newBalance,
			Type:             TransactionAdd,
			Description:      description,
			CreatedUnixUTC:   nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if planID != "" {
			_, err = txStore.AppendExpiryRecord(ctx, CreditExpiryRecord{
				UserID:           userID.String(),
				PlanID:           planID,
				Credits:          amount.Int64(),
				RemainingCredits: amount.Int64(),
				ExpiresAtUnixUTC: nowUnixUTC + int64(validityDays)*secondsPerDay,
				CreatedUnixUTC:   nowUnixUTC,
			})
		}
		return err
	})
	if operationError == nil {
		service.audit.LogTransaction(ctx, userID.String(), "Credits added", map[string]any{
			"amount":      amount.Int64(),
			"new_balance": record.ResultingBalance,
			"description": description,
		}, CorrelationIDFrom(ctx))
		service.applyCreditInfoDelta(ctx, userID, amount.Int64(), 0)
		service.setCachedBalance(ctx, userID, record.ResultingBalance)
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationAdd,
		UserID:      userID,
		Amount:      amount.Int64(),
		Description: description,
		Error:       operationError,
	})
	return record, operationError
}

// Deduct removes credits behind an admission check against the available
// figure. It never drives a balance negative on its own.
func (service *Service) Deduct(ctx context.Context, userID UserID, amount Amount, description string) (Transaction, error) {
	unlock := service.locks.acquire(userID)
	defer unlock()

	var record Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		info, err := txStore.GetUserCreditsInfo(ctx, userID)
		if err != nil {
			return err
		}
		if info.Available < amount.Int64() {
			service.audit.LogError(ctx, userID.String(), "Insufficient credits for deduction", map[string]any{
				"requested": amount.Int64(),
				"balance":   info.Balance,
				"reserved":  info.Reserved,
				"available": info.Available,
			}, CorrelationIDFrom(ctx))
			return ErrInsufficientCredits
		}
		record, err = service.deductTx(ctx, txStore, userID, amount, info.Balance, description)
		return err
	})
	service.finishDeduct(ctx, operationDeduct, userID, amount, description, record, operationError)
	return record, operationError
}

// DeductAfterService removes credits without an admission check, letting
// the balance go negative. It reconciles actual post-hoc usage that may
// exceed what was reserved; the overage is carried as debt.
func (service *Service) DeductAfterService(ctx context.Context, userID UserID, amount Amount, description string) (Transaction, error) {
	unlock := service.locks.acquire(userID)
	defer unlock()

	var record Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		balance, err := txStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		record, err = service.deductTx(ctx, txStore, userID, amount, balance, description)
		return err
	})
	service.finishDeduct(ctx, operationDeductAfterService, userID, amount, description, record, operationError)
	return record, operationError
}

func (service *Service) deductTx(ctx context.Context, txStore Store, userID UserID, amount Amount, currentBalance int64, description string) (Transaction, error) {
	newBalance := currentBalance - amount.Int64()
	if err := txStore.SetBalance(ctx, userID, newBalance); err != nil {
		return Transaction{}, err
	}
	return txStore.AppendTransaction(ctx, Transaction{
		UserID:           userID.String(),
		CreditsDeducted:  amount.Int64(),
		ResultingBalance: newBalance,
		Type:             TransactionDeduct,
		Description:      description,
		CreatedUnixUTC:   service.nowFn(),
	})
}

func (service *Service) finishDeduct(ctx context.Context, operation string, userID UserID, amount Amount, description string, record Transaction, operationError error) {
	if operationError == nil {
		service.audit.LogTransaction(ctx, userID.String(), "Credits deducted", map[string]any{
			"amount":      amount.Int64(),
			"new_balance": record.ResultingBalance,
			"description": description,
		}, CorrelationIDFrom(ctx))
		service.applyCreditInfoDelta(ctx, userID, -amount.Int64(), 0)
		service.setCachedBalance(ctx, userID, record.ResultingBalance)
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operation,
		UserID:      userID,
		Amount:      amount.Int64(),
		Description: description,
		Error:       operationError,
	})
}

// Reserve places a hold against the available balance without touching the
// balance itself.
func (service *Service) Reserve(ctx context.Context, userID UserID, amount Amount, reason string, planID string) (Reservation, error) {
	unlock := service.locks.acquire(userID)
	defer unlock()

	var reservation Reservation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		info, err := txStore.GetUserCreditsInfo(ctx, userID)
		if err != nil {
			return err
		}
		if info.Available < amount.Int64() {
			service.audit.LogError(ctx, userID.String(), "Insufficient credits for reservation", map[string]any{
				"requested": amount.Int64(),
				"balance":   info.Balance,
				"reserved":  info.Reserved,
				"available": info.Available,
			}, CorrelationIDFrom(ctx))
			return ErrInsufficientCredits
		}
		reservation, err = txStore.CreateReservation(ctx, Reservation{
			UserID:         userID.String(),
			PlanID:         planID,
			Amount:         amount,
			Reason:         reason,
			Status:         ReservationStatusActive,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	if operationError == nil {
		service.audit.LogTransaction(ctx, userID.String(), "Credits reserved", map[string]any{
			"amount": amount.Int64(),
			"reason": reason,
		}, CorrelationIDFrom(ctx))
		service.applyCreditInfoDelta(ctx, userID, 0, amount.Int64())
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		UserID:        userID,
		ReservationID: reservation.ID,
		Amount:        amount.Int64(),
		Description:   reason,
		Error:         operationError,
	})
	return reservation, operationError
}

// Unreserve cancels an active reservation without deducting. A terminal
// reservation is rejected with ErrReservationClosed; the reserved total is
// never decremented twice for one hold.
func (service *Service) Unreserve(ctx context.Context, reservationID string) (Reservation, error) {
	reservation, userID, err := service.loadReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	unlock := service.locks.acquire(userID)
	defer unlock()

	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if current.Status != ReservationStatusActive {
			return ErrReservationClosed
		}
		reservation = current
		return txStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusActive, ReservationStatusReleased)
	})
	if operationError == nil {
		reservation.Status = ReservationStatusReleased
		service.audit.LogTransaction(ctx, userID.String(), "Reserved credits released", map[string]any{
			"reservation_id": reservation.ID,
			"credits":        reservation.Amount.Int64(),
		}, CorrelationIDFrom(ctx))
		service.applyCreditInfoDelta(ctx, userID, 0, -reservation.Amount.Int64())
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationRelease,
		UserID:        userID,
		ReservationID: reservationID,
		Amount:        reservation.Amount.Int64(),
		Error:         operationError,
	})
	return reservation, operationError
}

// Commit converts an active reservation into a permanent deduction. The
// admission check runs against the raw balance since the hold itself
// already excludes the amount from available.
func (service *Service) Commit(ctx context.Context, reservationID string, description string) (Transaction, error) {
	reservation, userID, err := service.loadReservation(ctx, reservationID)
	if err != nil {
		return Transaction{}, err
	}
	unlock := service.locks.acquire(userID)
	defer unlock()

	var record Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if current.Status != ReservationStatusActive {
			return ErrReservationClosed
		}
		reservation = current
		balance, err := txStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		if balance < reservation.Amount.Int64() {
			service.audit.LogError(ctx, userID.String(), "Insufficient credits to commit reservation", map[string]any{
				"reservation_id": reservation.ID,
				"reserved":       reservation.Amount.Int64(),
				"current":        balance,
			}, CorrelationIDFrom(ctx))
			return ErrInsufficientCredits
		}
		if err := txStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusActive, ReservationStatusCommitted); err != nil {
			return err
		}
		newBalance := balance - reservation.Amount.Int64()
		if err := txStore.SetBalance(ctx, userID, newBalance); err != nil {
			return err
		}
		record, err = txStore.AppendTransaction(ctx, Transaction{
			UserID:           userID.String(),
			CreditsDeducted:  reservation.Amount.Int64(),
			ResultingBalance: newBalance,
			Type:             TransactionCommitReserved,
			Description:      description,
			CreatedUnixUTC:   service.nowFn(),
		})
		return err
	})
	if operationError == nil {
		service.audit.LogTransaction(ctx, userID.String(), "Reserved credits committed", map[string]any{
			"reservation_id": reservation.ID,
			"credits":        reservation.Amount.Int64(),
			"new_balance":    record.ResultingBalance,
		}, CorrelationIDFrom(ctx))
		service.applyCreditInfoDelta(ctx, userID, -reservation.Amount.Int64(), -reservation.Amount.Int64())
		service.setCachedBalance(ctx, userID, record.ResultingBalance)
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		UserID:        userID,
		ReservationID: reservationID,
		Amount:        reservation.Amount.Int64(),
		Description:   description,
		Error:         operationError,
	})
	return record, operationError
}

// Expire zeroes every non-expired record whose expiry is at or before
// asOfUnixUTC and deducts the expired total, clamping the balance at zero.
// Pass 0 for asOfUnixUTC to expire as of now. Returns the expired total.
func (service *Service) Expire(ctx context.Context, userID UserID, asOfUnixUTC int64) (int64, error) {
	unlock := service.locks.acquire(userID)
	defer unlock()

	if asOfUnixUTC == 0 {
		asOfUnixUTC = service.nowFn()
	}
	var expiredTotal int64
	var balanceDelta int64
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		records, err := txStore.ListExpiryRecords(ctx, userID)
		if err != nil {
			return err
		}
		expiredTotal = 0
		for _, record := range records {
			if record.Expired || record.ExpiresAtUnixUTC > asOfUnixUTC {
				continue
			}
			expiredTotal += record.RemainingCredits
			if err := txStore.MarkExpiryRecordExpired(ctx, record.ID); err != nil {
				return err
			}
		}
		if expiredTotal == 0 {
			return nil
		}
		balance, err := txStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		newBalance = balance - expiredTotal
		if newBalance < 0 {
			newBalance = 0
		}
		balanceDelta = newBalance - balance
		if err := txStore.SetBalance(ctx, userID, newBalance); err != nil {
			return err
		}
		_, err = txStore.AppendTransaction(ctx, Transaction{
			UserID:           userID.String(),
			CreditsDeducted:  expiredTotal,
			ResultingBalance: newBalance,
			Type:             TransactionExpire,
			Description:      "Credits expired",
			CreatedUnixUTC:   service.nowFn(),
		})
		return err
	})
	if operationError == nil && expiredTotal > 0 {
		service.audit.LogTransaction(ctx, userID.String(), "Credits expired", map[string]any{
			"expired_total": expiredTotal,
			"new_balance":   newBalance,
		}, CorrelationIDFrom(ctx))
		service.applyCreditInfoDelta(ctx, userID, balanceDelta, 0)
		service.setCachedBalance(ctx, userID, newBalance)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationExpire,
		UserID:    userID,
		Amount:    expiredTotal,
		Error:     operationError,
	})
	return expiredTotal, operationError
}

// CreditInfo returns the per-user aggregate, read through the cache. A
// missing or corrupted cached payload falls back to the store and
// repopulates the cache under the self-heal TTL.
func (service *Service) CreditInfo(ctx context.Context, userID UserID) (CreditInfo, error) {
	if service.cache != nil {
		key := creditInfoCacheKey(userID)
		info, lookup := service.lookupCreditInfo(ctx, key)
		switch lookup {
		case cacheHit:
			return info, nil
		case cacheCorrupted:
			_ = service.cache.Delete(ctx, key)
		}
	}
	info, err := service.store.GetUserCreditsInfo(ctx, userID)
	if err != nil {
		return CreditInfo{}, err
	}
	if service.cache != nil {
		service.setCachedInfo(ctx, userID, info)
	}
	return info, nil
}

func (service *Service) loadReservation(ctx context.Context, reservationID string) (Reservation, UserID, error) {
	reservation, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, UserID{}, err
	}
	userID, err := NewUserID(reservation.UserID)
	if err != nil {
		return Reservation{}, UserID{}, err
	}
	return reservation, userID, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
