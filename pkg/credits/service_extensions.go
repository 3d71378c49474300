package credits

import "context"

// History lists the user's transactions, newest first. A non-positive
// limit returns everything the store will hand back.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID, limit)
}

// ReservedTotal sums the amounts of the user's active reservations.
func (service *Service) ReservedTotal(ctx context.Context, userID UserID) (int64, error) {
	return service.store.SumActiveReservations(ctx, userID)
}

// ExpiringWithin returns non-expired expiry records with credits remaining
// whose expiry falls inside the next `days` days.
func (service *Service) ExpiringWithin(ctx context.Context, userID UserID, days int) ([]CreditExpiryRecord, error) {
	records, err := service.store.ListExpiryRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	cutoff := service.nowFn() + int64(days)*secondsPerDay
	expiring := make([]CreditExpiryRecord, 0, len(records))
	for _, record := range records {
		if record.Expired || record.RemainingCredits <= 0 || record.ExpiresAtUnixUTC > cutoff {
			continue
		}
		expiring = append(expiring, record)
	}
	return expiring, nil
}
