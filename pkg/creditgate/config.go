package creditgate

import "strings"

const (
	defaultPathPrefix     = "/api"
	defaultUserIDHeader   = "X-User-Id"
	defaultEstimateHeader = "X-Estimated-Credits"
	defaultEstimate       = 100
	defaultUsageKey       = "total_token"
	defaultReserveReason  = "api-middleware"

	requestIDHeader       = "X-Request-Id"
	creditsDeductedHeader = "X-Credits-Deducted"
	authorizationHeader   = "Authorization"
	bearerScheme          = "Bearer"
	userIDClaim           = "user_id"
)

// Config controls which requests the gate applies to and how usage is
// estimated and read back.
type Config struct {
	// PathPrefix scopes the gate; requests outside it pass through.
	PathPrefix string
	// SkipPaths are exempt even inside the prefix.
	SkipPaths []string
	// UserIDHeader names the trusted identity header.
	UserIDHeader string
	// JWTSigningKey, when set, allows identity via an HS256 bearer token
	// carrying a user_id claim.
	JWTSigningKey []byte
	// EstimateHeader names the client's usage estimate header.
	EstimateHeader string
	// DefaultEstimate is used when the header is absent or malformed.
	DefaultEstimate int64
	// UsageKey is a dot-notation path into the JSON response body where
	// the actual usage figure lives.
	UsageKey string
	// ReserveReason labels reservations made by the gate.
	ReserveReason string
}

func (config Config) normalized() Config {
	if config.PathPrefix == "" {
		config.PathPrefix = defaultPathPrefix
	}
	config.PathPrefix = strings.TrimRight(config.PathPrefix, "/")
	if config.UserIDHeader == "" {
		config.UserIDHeader = defaultUserIDHeader
	}
	if config.EstimateHeader == "" {
		config.EstimateHeader = defaultEstimateHeader
	}
	if config.DefaultEstimate < 1 {
		config.DefaultEstimate = defaultEstimate
	}
	if config.UsageKey == "" {
		config.UsageKey = defaultUsageKey
	}
	if config.ReserveReason == "" {
		config.ReserveReason = defaultReserveReason
	}
	return config
}

func (config Config) applies(path string) bool {
	if path != config.PathPrefix && !strings.HasPrefix(path, config.PathPrefix+"/") {
		return false
	}
	for _, skip := range config.SkipPaths {
		if path == skip || strings.HasPrefix(path, strings.TrimRight(skip, "/")+"/") {
			return false
		}
	}
	return true
}
