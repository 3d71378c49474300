package credits

import "time"

const (
	operationAdd                = "add"
	operationDeduct             = "deduct"
	operationDeductAfterService = "deduct_after_service"
	operationReserve            = "reserve"
	operationRelease            = "release"
	operationCommit             = "commit"
	operationExpire             = "expire"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	cacheKeyInfoFormat    = "credit:user:%s:info"
	cacheKeyBalanceFormat = "credit:user:%s:balance"

	defaultInfoTTL           = 300 * time.Second
	defaultExpiryHorizonDays = 30

	secondsPerDay = 24 * 60 * 60
)
