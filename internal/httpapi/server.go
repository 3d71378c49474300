// Package httpapi exposes the credit service over HTTP: an admin
// surface under /credits and a metered example endpoint behind the
// credit gate.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/creditgate"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader     = "X-Request-Id"
	defaultHistoryLimit = 50
	chatTokenCap        = 50
)

// Config carries the HTTP façade settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	Gate           creditgate.Config
}

// Run boots the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func Run(ctx context.Context, cfg Config, service *credits.Service, subscriptions *credits.Subscriptions, logger *zap.Logger) error {
	router := NewRouter(cfg, service, subscriptions, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter assembles the gin engine with CORS, correlation ids, the
// admin surface, and the gated example endpoint.
func NewRouter(cfg Config, service *credits.Service, subscriptions *credits.Subscriptions, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", "X-User-Id", "X-Estimated-Credits", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(correlationMiddleware())

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{
		logger:        logger,
		service:       service,
		subscriptions: subscriptions,
	}

	adminGroup := router.Group("/credits")
	adminGroup.POST("/add", handler.handleAdd)
	adminGroup.POST("/deduct", handler.handleDeduct)
	adminGroup.GET("/balance/:user_id", handler.handleBalance)
	adminGroup.GET("/info/:user_id", handler.handleInfo)
	adminGroup.GET("/history/:user_id", handler.handleHistory)
	adminGroup.GET("/expiring/:user_id", handler.handleExpiring)
	adminGroup.POST("/reserve", handler.handleReserve)
	adminGroup.POST("/reservations/:id/commit", handler.handleCommit)
	adminGroup.POST("/reservations/:id/release", handler.handleRelease)
	adminGroup.POST("/expire", handler.handleExpire)
	adminGroup.POST("/plans", handler.handleCreatePlan)
	adminGroup.GET("/plans/:id", handler.handlePlan)
	adminGroup.POST("/subscriptions", handler.handleSubscribe)
	adminGroup.GET("/subscriptions/:user_id", handler.handleSubscription)

	meteredGroup := router.Group("/api", creditgate.Middleware(service, cfg.Gate, logger))
	meteredGroup.POST("/chat", handler.handleChat)

	return router
}

// correlationMiddleware threads X-Request-Id through the request
// context, minting one when the client did not send it.
func correlationMiddleware() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		requestID := ginContext.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			ginContext.Request.Header.Set(requestIDHeader, requestID)
		}
		ginContext.Header(requestIDHeader, requestID)
		requestContext := credits.WithCorrelationID(ginContext.Request.Context(), requestID)
		ginContext.Request = ginContext.Request.WithContext(requestContext)
		ginContext.Next()
	}
}

type httpHandler struct {
	logger        *zap.Logger
	service       *credits.Service
	subscriptions *credits.Subscriptions
}

type amountRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
	PlanID      string `json:"plan_id"`
}

type reserveRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
	PlanID string `json:"plan_id"`
}

type descriptionRequest struct {
	Description string `json:"description"`
}

type expireRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type planRequest struct {
	Name          string `json:"name" binding:"required"`
	Description   string `json:"description"`
	CreditLimit   int64  `json:"credit_limit" binding:"required"`
	PriceCents    int64  `json:"price_cents"`
	BillingPeriod string `json:"billing_period" binding:"required"`
	ValidityDays  int    `json:"validity_days" binding:"required"`
}

type subscribeRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	PlanID    string `json:"plan_id" binding:"required"`
	AutoRenew bool   `json:"auto_renew"`
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

func (handler *httpHandler) handleAdd(ginContext *gin.Context) {
	var payload amountRequest
	if err := ginContext.ShouldBindJSON(&payload); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	userID, amount, ok := handler.parseUserAmount(ginContext, payload.UserID, payload.Amount)
	if !ok {
		return
	}
	if _, err := handler.service.Add(ginContext.Request.Context(), userID, amount, payload.Description, payload.PlanID); err != nil {
		handler.respondError(ginContext, err)
		return
	}
	handler.respondInfo(ginContext, userID)
}

func (handler *httpHandler) handleDeduct(ginContext *gin.Context) {
	var payload amountRequest
	if err := ginContext.ShouldBindJSON(&payload); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	userID, amount, ok := handler.parseUserAmount(ginContext, payload.UserID, payload.Amount)
	if !ok {
		return
	}
	if _, err := handler.service.Deduct(ginContext.Request.Context(), userID, amount, payload.Description); err != nil {
		handler.respondError(ginContext, err)
		return
	}
	handler.respondInfo(ginContext, userID)
}

func (handler *httpHandler) handleBalance(ginContext *gin.Context) {
	userID, ok := handler.parseUserID(ginContext, ginContext.Param("user_id"))
	if !ok {
		return
	}
	info, err := handler.service.CreditInfo(ginContext.Request.Context(), userID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "credits": info.Balance})
}

func (handler *httpHandler) handleInfo(ginContext *gin.Context) {
	userID, ok := handler.parseUserID(ginContext, ginContext.Param("user_id"))
	if !ok {
		return
	}
	handler.respondInfo(ginContext, userID)
}

func (handler *httpHandler) handleHistory(ginContext *gin.Context) {
	userID, ok := handler.parseUserID(ginContext, ginContext.Param("user_id"))
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := ginContext.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := handler.service.History(ginContext.Request.Context(), userID, limit)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "transactions": transactionViews(records)})
}

func (handler *httpHandler) handleExpiring(ginContext *gin.Context) {
	userID, ok := handler.parseUserID(ginContext, ginContext.Param("user_id"))
	if !ok {
		return
	}
	days := 0
	if raw := ginContext.Query("days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			days = parsed
		}
	}
	records, err := handler.service.ExpiringWithin(ginContext.Request.Context(), userID, days)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "expiring": expiryViews(records)})
}

func (handler *httpHandler) handleReserve(ginContext *gin.Context) {
	var payload reserveRequest
	if err := ginContext.ShouldBindJSON(&payload); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	userID, amount, ok := handler.parseUserAmount(ginContext, payload.UserID, payload.Amount)
	if !ok {
		return
	}
	reservation, err := handler.service.Reserve(ginContext.Request.Context(), userID, amount, payload.Reason, payload.PlanID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, reservationView(reservation))
}

func (handler *httpHandler) handleCommit(ginContext *gin.Context) {
	// The commit body is optional; an absent description is fine.
	var payload descriptionRequest
	_ = ginContext.ShouldBindJSON(&payload)
	record, err := handler.service.Commit(ginContext.Request.Context(), ginContext.Param("id"), payload.Description)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, transactionView(record))
}

func (handler *httpHandler) handleRelease(ginContext *gin.Context) {
	reservation, err := handler.service.Unreserve(ginContext.Request.Context(), ginContext.Param("id"))
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, reservationView(reservation))
}

func (handler *httpHandler) handleExpire(ginContext *gin.Context) {
	var payload expireRequest
	if err := ginContext.ShouldBindJSON(&payload); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	userID, ok := handler.parseUserID(ginContext, payload.UserID)
	if !ok {
		return
	}
	expired, err := handler.service.Expire(ginContext.Request.Context(), userID, time.Now().UTC().Unix())
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "expired": expired})
}

func (handler *httpHandler) handleCreatePlan(ginContext *gin.Context) {
	var payload planRequest
	if err := ginContext.ShouldBindJSON(&payload); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	plan, err := handler.subscriptions.CreatePlan(ginContext.Request.Context(), credits.SubscriptionPlan{
		Name:          payload.Name,
		Description:   payload.Description,
		CreditLimit:   payload.CreditLimit,
		PriceCents:    payload.PriceCents,
		BillingPeriod: credits.BillingPeriod(payload.BillingPeriod),
		ValidityDays:  payload.ValidityDays,
		IsActive:      true,
	})
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, planView(plan))
}

func (handler *httpHandler) handlePlan(ginContext *gin.Context) {
	plan, err := handler.subscriptions.Plan(ginContext.Request.Context(), ginContext.Param("id"))
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, planView(plan))
}

func (handler *httpHandler) handleSubscribe(ginContext *gin.Context) {
	var payload subscribeRequest
	if err := ginContext.ShouldBindJSON(&payload); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	userID, ok := handler.parseUserID(ginContext, payload.UserID)
	if !ok {
		return
	}
	requestContext := ginContext.Request.Context()
	plan, err := handler.subscriptions.Plan(requestContext, payload.PlanID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	subscription, err := handler.subscriptions.SetUserPlan(requestContext, userID, plan, payload.AutoRenew)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	if _, err := handler.subscriptions.AllocateSubscriptionCredits(requestContext, subscription, plan); err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, subscriptionView(subscription))
}

func (handler *httpHandler) handleSubscription(ginContext *gin.Context) {
	userID, ok := handler.parseUserID(ginContext, ginContext.Param("user_id"))
	if !ok {
		return
	}
	subscription, err := handler.subscriptions.UserPlan(ginContext.Request.Context(), userID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, subscriptionView(subscription))
}

// handleChat is the metered example endpoint: the reported token count
// drives the gate's post-service deduction.
func (handler *httpHandler) handleChat(ginContext *gin.Context) {
	var payload chatRequest
	if err := ginContext.ShouldBindJSON(&payload); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	totalTokens := len(strings.Fields(payload.Message)) * 2
	if totalTokens > chatTokenCap {
		totalTokens = chatTokenCap
	}
	ginContext.JSON(http.StatusOK, gin.H{
		"message":     "Echo: " + payload.Message,
		"total_token": totalTokens,
	})
}

func (handler *httpHandler) parseUserID(ginContext *gin.Context, raw string) (credits.UserID, bool) {
	userID, err := credits.NewUserID(raw)
	if err != nil {
		ginContext.JSON(http.StatusBadRequest, errorBody(err))
		return credits.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) parseUserAmount(ginContext *gin.Context, rawUserID string, rawAmount int64) (credits.UserID, credits.Amount, bool) {
	userID, ok := handler.parseUserID(ginContext, rawUserID)
	if !ok {
		return credits.UserID{}, 0, false
	}
	amount, err := credits.NewAmount(rawAmount)
	if err != nil {
		ginContext.JSON(http.StatusBadRequest, errorBody(err))
		return credits.UserID{}, 0, false
	}
	return userID, amount, true
}

func (handler *httpHandler) respondInfo(ginContext *gin.Context, userID credits.UserID) {
	info, err := handler.service.CreditInfo(ginContext.Request.Context(), userID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{
		"user_id":   userID.String(),
		"balance":   info.Balance,
		"reserved":  info.Reserved,
		"available": info.Available,
	})
}

func (handler *httpHandler) respondError(ginContext *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, credits.ErrInvalidUserID), errors.Is(err, credits.ErrInvalidReservationStatus):
		status = http.StatusBadRequest
	case errors.Is(err, credits.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, credits.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, credits.ErrReservationClosed), errors.Is(err, credits.ErrPlanExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.Error(err))
	}
	ginContext.JSON(status, errorBody(err))
}

func errorBody(err error) gin.H {
	return gin.H{"detail": err.Error()}
}
