package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// InventoryLedger is the record surface served over HTTP
type InventoryLedger interface {
	Get(ctx context.Context, itemKey, locationID string) (*models.InventoryRecord, error)
	Adjust(ctx context.Context, itemKey, locationID string, delta int64, reason string) (*models.InventoryRecord, error)
	Audit(ctx context.Context, itemKey, locationID string) ([]models.AdjustmentAudit, error)
}

// ReservationEngine is the reservation surface served over HTTP
type ReservationEngine interface {
	CreateReservation(ctx context.Context, orderID string, lines []models.LineRequest) (*models.Reservation, error)
	CommitReservation(ctx context.Context, id int64, reason string) (*models.Reservation, error)
	ReleaseReservation(ctx context.Context, id int64, reason string) (*models.Reservation, error)
	ExpireReservation(ctx context.Context, id int64, now time.Time) (*models.Reservation, error)
	GetReservation(ctx context.Context, id int64) (*models.Reservation, error)
	GetReservationByOrderID(ctx context.Context, orderID string) (*models.Reservation, error)
	DefaultLocationID() string
}

// ReadinessCheck reports whether a dependency can serve requests
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	ledger  InventoryLedger
	engine  ReservationEngine
	checks  map[string]ReadinessCheck
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewHandler creates a new HTTP handler. checks are run by GET /ready.
func NewHandler(ledger InventoryLedger, engine ReservationEngine, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		ledger:  ledger,
		engine:  engine,
		checks:  checks,
		logger:  util.Component("http"),
		nowFunc: time.Now,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	inv := router.Group("/api/inventory")
	{
		inv.GET("/items", h.getItem)
		inv.POST("/items/adjust", h.adjustItem)
		inv.GET("/items/audit", h.getAudit)

		inv.POST("/reservations", h.createReservation)
		inv.GET("/reservations/:id", h.getReservation)
		inv.POST("/reservations/:id/commit", h.commitReservation)
		inv.POST("/reservations/:id/release", h.releaseReservation)
		inv.POST("/reservations/:id/expire", h.expireReservation)
		inv.GET("/reservations/by-order/:orderId", h.getReservationByOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"checks": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// errorResponse is the body returned for every failed request
type errorResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Path      string    `json:"path"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrNegativeQuantity),
		errors.Is(err, models.ErrBelowReservedFloor):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateOrder),
		errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrCommitFailed),
		errors.Is(err, models.ErrReleaseFailed):
		return http.StatusConflict
	case errors.Is(err, models.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a domain error onto the HTTP error body
func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("Unexpected error",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		message = "Unexpected error"
	}
	h.abort(c, status, message)
}

func (h *Handler) abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Timestamp: h.nowFunc().UTC(),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
		Path:      c.Request.URL.Path,
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
