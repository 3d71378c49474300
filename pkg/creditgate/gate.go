// Package creditgate meters HTTP APIs with the reserve → execute →
// reconcile flow: an estimated hold is taken before the handler runs,
// and after the response is produced the actual usage read from its
// body is deducted while the hold is released. The net effect on the
// balance is always the actual usage, never the estimate.
package creditgate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Engine is the slice of the credit service the gate needs.
type Engine interface {
	Reserve(ctx context.Context, userID credits.UserID, amount credits.Amount, reason string, planID string) (credits.Reservation, error)
	Unreserve(ctx context.Context, reservationID string) (credits.Reservation, error)
	DeductAfterService(ctx context.Context, userID credits.UserID, amount credits.Amount, description string) (credits.Transaction, error)
}

// Middleware returns the gin handler implementing the gate.
func Middleware(engine Engine, config Config, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.normalized()

	return func(ginContext *gin.Context) {
		if !config.applies(ginContext.Request.URL.Path) {
			ginContext.Next()
			return
		}

		rawUserID, ok := config.identify(ginContext)
		if !ok {
			ginContext.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Missing user identification (e.g. X-User-Id header).",
			})
			return
		}
		userID, err := credits.NewUserID(rawUserID)
		if err != nil {
			ginContext.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Invalid user identification.",
			})
			return
		}

		requestContext := ginContext.Request.Context()
		if requestID := ginContext.GetHeader(requestIDHeader); requestID != "" {
			requestContext = credits.WithCorrelationID(requestContext, requestID)
			ginContext.Request = ginContext.Request.WithContext(requestContext)
		}

		estimate := config.estimate(ginContext)
		reservation, err := engine.Reserve(requestContext, userID, estimate, config.ReserveReason, "")
		if err != nil {
			if errors.Is(err, credits.ErrInsufficientCredits) {
				ginContext.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
					"detail": "Insufficient credits for this request.",
					"code":   "INSUFFICIENT_CREDITS",
				})
				return
			}
			logger.Error("credit reservation failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			ginContext.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"detail": "Credit reservation failed.",
			})
			return
		}

		originalWriter := ginContext.Writer
		recorder := &bufferedWriter{ResponseWriter: originalWriter, status: http.StatusOK}
		ginContext.Writer = recorder

		// A panic in the handler unwinds through here on its way to the
		// recovery middleware; the hold must not outlive the request.
		completed := false
		defer func() {
			if completed {
				return
			}
			ginContext.Writer = originalWriter
			releaseHold(requestContext, engine, logger, reservation)
		}()

		ginContext.Next()
		completed = true

		deducted := config.reconcile(ginContext, engine, logger, userID, reservation, recorder.body.Bytes())
		if deducted > 0 {
			recorder.Header().Set(creditsDeductedHeader, strconv.FormatInt(deducted, 10))
		}
		recorder.flush()
	}
}

// reconcile settles the hold against the response. When the body
// carries a positive usage figure at the configured key, the hold is
// released and the actual amount deducted; otherwise only the hold is
// released. Returns the deducted amount.
func (config Config) reconcile(ginContext *gin.Context, engine Engine, logger *zap.Logger, userID credits.UserID, reservation credits.Reservation, body []byte) int64 {
	requestContext := ginContext.Request.Context()
	actual, found := usageFromBody(body, config.UsageKey)
	if !found || actual <= 0 {
		if !found && len(body) > 0 {
			logger.Debug("no usage figure in response",
				zap.String("path", ginContext.Request.URL.Path),
				zap.String("user_id", userID.String()))
		}
		releaseHold(requestContext, engine, logger, reservation)
		return 0
	}

	releaseHold(requestContext, engine, logger, reservation)
	amount, err := credits.NewAmount(actual)
	if err != nil {
		return 0
	}
	if _, err := engine.DeductAfterService(requestContext, userID, amount, config.ReserveReason); err != nil {
		logger.Error("post-service deduction failed",
			zap.String("user_id", userID.String()),
			zap.Int64("amount", actual),
			zap.Error(err))
		return 0
	}
	return actual
}

func releaseHold(ctx context.Context, engine Engine, logger *zap.Logger, reservation credits.Reservation) {
	if _, err := engine.Unreserve(ctx, reservation.ID); err != nil {
		logger.Warn("hold release failed",
			zap.String("reservation_id", reservation.ID),
			zap.Error(err))
	}
}

// identify resolves the caller: the trusted identity header first, then
// an HS256 bearer token carrying a user_id claim when a signing key is
// configured.
func (config Config) identify(ginContext *gin.Context) (string, bool) {
	if userID := ginContext.GetHeader(config.UserIDHeader); userID != "" {
		return userID, true
	}
	if len(config.JWTSigningKey) == 0 {
		return "", false
	}
	authorization := ginContext.GetHeader(authorizationHeader)
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || parts[0] != bearerScheme {
		return "", false
	}
	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		return config.JWTSigningKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	userID, ok := claims[userIDClaim].(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// estimate reads the client's estimate header. A malformed value falls
// back to the default; a valid value is floored at one credit.
func (config Config) estimate(ginContext *gin.Context) credits.Amount {
	raw := ginContext.GetHeader(config.EstimateHeader)
	estimated := config.DefaultEstimate
	if raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			estimated = parsed
		}
	}
	if estimated < 1 {
		estimated = 1
	}
	amount, err := credits.NewAmount(estimated)
	if err != nil {
		amount, _ = credits.NewAmount(1)
	}
	return amount
}

// usageFromBody walks a dot-notation key path through the JSON body.
func usageFromBody(body []byte, keyPath string) (int64, bool) {
	if len(body) == 0 {
		return 0, false
	}
	var document map[string]any
	if err := json.Unmarshal(body, &document); err != nil {
		return 0, false
	}
	var current any = document
	for _, key := range strings.Split(strings.TrimSpace(keyPath), ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return 0, false
		}
		current, ok = node[key]
		if !ok {
			return 0, false
		}
	}
	switch value := current.(type) {
	case float64:
		return int64(value), true
	case string:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// bufferedWriter holds the handler's response so headers can still be
// amended after the body is inspected.
type bufferedWriter struct {
	gin.ResponseWriter
	body    bytes.Buffer
	status  int
	flushed bool
}

func (writer *bufferedWriter) WriteHeader(status int) {
	writer.status = status
}

// WriteHeaderNow is deferred until flush so the usage header can still
// be added after the handler returns.
func (writer *bufferedWriter) WriteHeaderNow() {}

func (writer *bufferedWriter) Write(payload []byte) (int, error) {
	return writer.body.Write(payload)
}

func (writer *bufferedWriter) WriteString(payload string) (int, error) {
	return writer.body.WriteString(payload)
}

func (writer *bufferedWriter) Status() int {
	return writer.status
}

func (writer *bufferedWriter) Size() int {
	return writer.body.Len()
}

func (writer *bufferedWriter) Written() bool {
	return writer.flushed
}

func (writer *bufferedWriter) flush() {
	if writer.flushed {
		return
	}
	writer.flushed = true
	writer.ResponseWriter.WriteHeader(writer.status)
	_, _ = writer.ResponseWriter.Write(writer.body.Bytes())
}
