package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is a key/value accelerator with TTL. It holds a derived,
// disposable view: discarding any entry at any point is always safe.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// cacheLookup tags the outcome of reading the cached aggregate.
type cacheLookup int

const (
	cacheMiss cacheLookup = iota
	cacheHit
	cacheCorrupted
)

func creditInfoCacheKey(userID UserID) string {
	return fmt.Sprintf(cacheKeyInfoFormat, userID.String())
}

func balanceCacheKey(userID UserID) string {
	return fmt.Sprintf(cacheKeyBalanceFormat, userID.String())
}

// lookupCreditInfo reads the cached aggregate. A payload that fails to
// decode, or whose available figure contradicts balance minus reserved,
// is reported as corrupted rather than surfaced as an error.
func (service *Service) lookupCreditInfo(ctx context.Context, key string) (CreditInfo, cacheLookup) {
	payload, found, err := service.cache.Get(ctx, key)
	if err != nil || !found {
		return CreditInfo{}, cacheMiss
	}
	var info CreditInfo
	if unmarshalError := json.Unmarshal(payload, &info); unmarshalError != nil {
		return CreditInfo{}, cacheCorrupted
	}
	if info.Available != info.Balance-info.Reserved {
		return CreditInfo{}, cacheCorrupted
	}
	return info, cacheHit
}

func (service *Service) setCachedInfo(ctx context.Context, userID UserID, info CreditInfo) {
	payload, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = service.cache.Set(ctx, creditInfoCacheKey(userID), payload, service.infoTTL)
}

func (service *Service) setCachedBalance(ctx context.Context, userID UserID, balance int64) {
	if service.cache == nil {
		return
	}
	payload, err := json.Marshal(balance)
	if err != nil {
		return
	}
	_ = service.cache.Set(ctx, balanceCacheKey(userID), payload, service.infoTTL)
}

// applyCreditInfoDelta adjusts the cached aggregate in place. A miss is
// left alone (the next read repopulates from the store); a corrupted
// payload is deleted so the read-through path self-heals.
func (service *Service) applyCreditInfoDelta(ctx context.Context, userID UserID, balanceDelta int64, reservedDelta int64) {
	if service.cache == nil {
		return
	}
	key := creditInfoCacheKey(userID)
	current, lookup := service.lookupCreditInfo(ctx, key)
	switch lookup {
	case cacheCorrupted:
		_ = service.cache.Delete(ctx, key)
	case cacheHit:
		balance := current.Balance + balanceDelta
		reserved := current.Reserved + reservedDelta
		service.setCachedInfo(ctx, userID, CreditInfo{
			Balance:   balance,
			Reserved:  reserved,
			Available: balance - reserved,
		})
	}
}
