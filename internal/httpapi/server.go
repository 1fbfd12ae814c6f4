// Package httpapi exposes the credit ledger, payment reconciliation and paid
// generations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/skechum/internal/generation"
	"github.com/MarkoPoloResearchLab/skechum/internal/notify"
	"github.com/MarkoPoloResearchLab/skechum/internal/observability"
	"github.com/MarkoPoloResearchLab/skechum/internal/payments"
	"github.com/MarkoPoloResearchLab/skechum/internal/pricing"
	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// CreditService is the slice of ledger.Service the handlers use.
type CreditService interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	EnsureAccount(ctx context.Context, userID ledger.UserID, grant ledger.Credits) (ledger.Balance, bool, error)
	Deduct(ctx context.Context, userID ledger.UserID, style ledger.Style, cost ledger.Credits) (ledger.Deduction, error)
	Refund(ctx context.Context, userID ledger.UserID, request ledger.RefundRequest) (ledger.RefundResult, error)
	ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// PaymentReconciler is implemented by payments.Reconciler.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, request payments.Request) (payments.Result, error)
	History(ctx context.Context, userID ledger.UserID, limit int) ([]payments.Record, error)
}

// ImageGenerator is implemented by generation.Orchestrator.
type ImageGenerator interface {
	Generate(ctx context.Context, request generation.Request) (generation.Outcome, error)
	Images(ctx context.Context, userID ledger.UserID, limit int) ([]generation.Image, error)
}

// Dependencies are the collaborators the router dispatches to.
type Dependencies struct {
	Credits   CreditService
	Styles    *pricing.StyleTable
	Payments  PaymentReconciler
	Generator ImageGenerator
	Broker    notify.Broker
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

func (deps Dependencies) validate() error {
	switch {
	case deps.Credits == nil:
		return errors.New("credit service is required")
	case deps.Styles == nil:
		return errors.New("style table is required")
	case deps.Payments == nil:
		return errors.New("payment reconciler is required")
	case deps.Generator == nil:
		return errors.New("image generator is required")
	case deps.Broker == nil:
		return errors.New("balance broker is required")
	}
	return nil
}

// NewHandler validates cfg and builds the gin router.
func NewHandler(cfg Config, deps Dependencies) (http.Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		cfg:       cfg,
		logger:    deps.Logger,
		credits:   deps.Credits,
		styles:    deps.Styles,
		payments:  deps.Payments,
		generator: deps.Generator,
		broker:    deps.Broker,
		metrics:   deps.Metrics,
	}
	return setupRouter(cfg, handler, sessionValidator), nil
}

// Run serves the API on cfg.ListenAddr until ctx is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	router, err := NewHandler(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", cfg.ListenAddr), zap.String("environment", cfg.Environment))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
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

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(handler.metrics.Handler()))
	if cfg.WebhookSecret != "" {
		router.POST("/webhooks/payments", handler.handlePaymentWebhook)
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/credits", handler.handleBalance)
	api.POST("/credits/deduct", handler.handleDeduct)
	api.POST("/credits/refund", handler.handleRefund)
	api.GET("/credits/history", handler.handleHistory)
	api.GET("/credits/stream", handler.handleStream)
	api.POST("/payments/success", handler.handlePaymentSuccess)
	api.GET("/payments/history", handler.handlePaymentHistory)
	api.POST("/generations", handler.handleGeneration)
	api.GET("/images", handler.handleImages)

	return router
}

type httpHandler struct {
	cfg       Config
	logger    *zap.Logger
	credits   CreditService
	styles    *pricing.StyleTable
	payments  PaymentReconciler
	generator ImageGenerator
	broker    notify.Broker
	metrics   *observability.Metrics
}

// sessionUser resolves the authenticated user or writes a 401.
func (handler *httpHandler) sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return ledger.UserID{}, false
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "session carries no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

// ensureAccount applies the signup grant the first time a user reaches a credit route.
func (handler *httpHandler) ensureAccount(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	grant, err := ledger.NewCredits(handler.cfg.SignupGrantCredits)
	if err != nil {
		return ledger.Balance{}, err
	}
	balance, _, err := handler.credits.EnsureAccount(ctx, userID, grant)
	return balance, err
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}
