package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/crosslogic/metering/internal/billing"
	"github.com/crosslogic/metering/internal/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerServiceToken   = "X-Service-Token"
	headerOrganizationID = "X-Organization-ID"
	headerUserID         = "X-User-ID"
)

type contextKey int

const (
	orgIDKey contextKey = iota
	userIDKey
)

// HealthCheck is a named dependency check used by /ready.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Options configures the HTTP surface.
type Options struct {
	// ServiceToken authenticates the upstream API handlers. Requests are rejected when empty.
	ServiceToken   string
	AllowedOrigins []string
	MaxBodyBytes   int64
	MetricsPath    string
	RequestTimeout time.Duration
}

// Gateway is the service-to-service HTTP API over the metering engine.
// Identity is resolved upstream and arrives as X-Organization-ID / X-User-ID.
type Gateway struct {
	engine         *billing.Engine
	ledger         *ledger.Ledger
	webhookHandler *billing.WebhookHandler
	checks         []HealthCheck
	opts           Options
	logger         *zap.Logger
	router         *chi.Mux
}

// NewGateway creates the HTTP API. webhookHandler may be nil when Stripe is not configured.
func NewGateway(engine *billing.Engine, l *ledger.Ledger, webhookHandler *billing.WebhookHandler, checks []HealthCheck, opts Options, logger *zap.Logger) *Gateway {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	g := &Gateway{
		engine:         engine,
		ledger:         l,
		webhookHandler: webhookHandler,
		checks:         checks,
		opts:           opts,
		logger:         logger.Named("gateway"),
		router:         chi.NewRouter(),
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(g.opts.RequestTimeout))
	g.router.Use(SecurityMiddleware(DefaultSecurityConfig()))
	g.router.Use(RequestSizeLimitMiddleware(g.opts.MaxBodyBytes))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", headerServiceToken, headerOrganizationID, headerUserID},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	g.registerMetrics()

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// signature verified by the handler
	if g.webhookHandler != nil {
		g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)
	}

	g.router.Group(func(r chi.Router) {
		r.Use(g.serviceAuthMiddleware)
		r.Use(APISecurityMiddleware())
		r.Use(g.organizationMiddleware)

		r.Post("/v1/usage/deduct", g.handleDeductUsage)
		r.Post("/v1/usage/estimate", g.handleEstimateCost)
		r.Get("/v1/usage/summary", g.handleUsageSummary)
		r.Get("/v1/usage/records", g.handleUsageRecords)

		r.Post("/v1/credits/check", g.handleCheckCredits)
		r.Get("/v1/credits/balance", g.handleGetBalance)
		r.Get("/v1/credits/transactions", g.handleListTransactions)
	})

	g.router.Group(func(r chi.Router) {
		r.Use(g.serviceAuthMiddleware)
		r.Use(APISecurityMiddleware())
		r.Use(g.adminAuditMiddleware)

		r.Post("/admin/organizations", g.handleCreateOrganization)
		r.Get("/admin/organizations/{org_id}", g.handleGetOrganization)
		r.Delete("/admin/organizations/{org_id}", g.handleDeleteOrganization)
		r.Put("/admin/organizations/{org_id}/auto-topup", g.handleUpdateAutoTopUp)
		r.Get("/admin/organizations/{org_id}/reconcile", g.handleReconcile)
		r.Post("/admin/credits", g.handleAddCredits)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetrics periodically publishes dependency health until ctx is done.
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		g.updateHealthMetrics(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	for _, hc := range g.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		status := 0.0
		if err := hc.Check(checkCtx); err == nil {
			status = 1.0
		}
		cancel()
		dependencyUp.WithLabelValues(hc.Name).Set(status)
	}
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) serviceAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(headerServiceToken)
		if token == "" || g.opts.ServiceToken == "" {
			g.writeError(w, http.StatusUnauthorized, "unauthorized", "missing service token")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(g.opts.ServiceToken)) != 1 {
			g.logger.Warn("invalid service token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid service token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// organizationMiddleware reads the tenant and actor resolved by the identity layer.
func (g *Gateway) organizationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(headerOrganizationID)))
		if err != nil {
			g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), "missing or invalid "+headerOrganizationID)
			return
		}

		ctx := context.WithValue(r.Context(), orgIDKey, orgID)

		if raw := strings.TrimSpace(r.Header.Get(headerUserID)); raw != "" {
			userID, err := uuid.Parse(raw)
			if err != nil {
				g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), "invalid "+headerUserID)
				return
			}
			ctx = context.WithValue(ctx, userIDKey, userID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) adminAuditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r)
	})
}

func organizationFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(orgIDKey).(uuid.UUID)
	return id
}

func userFrom(ctx context.Context) *uuid.UUID {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	if !ok {
		return nil
	}
	return &id
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for _, hc := range g.checks {
		if err := hc.Check(ctx); err != nil {
			g.logger.Warn("readiness check failed", zap.String("dependency", hc.Name), zap.Error(err))
			g.writeError(w, http.StatusServiceUnavailable, "not_ready", hc.Name+" not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Debug("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// writeLedgerError maps ledger sentinels onto HTTP statuses.
func (g *Gateway) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrOrganizationNotFound):
		g.writeError(w, http.StatusNotFound, "not_found", "organization not found")
	case errors.Is(err, ledger.ErrOrganizationExists):
		g.writeError(w, http.StatusConflict, "conflict", "organization already exists")
	case errors.Is(err, ledger.ErrInvalidAmount):
		g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		g.writeError(w, http.StatusPaymentRequired, string(billing.ErrorCodeInsufficientCredits), err.Error())
	case errors.Is(err, ledger.ErrUnavailable):
		g.writeError(w, http.StatusServiceUnavailable, string(billing.ErrorCodeLedgerUnavailable), "credit ledger unavailable")
	default:
		g.logger.Error("request failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), "invalid JSON body")
		return false
	}
	return true
}
