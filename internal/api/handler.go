package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"farm-market/internal/models"
	"farm-market/internal/service"
	"farm-market/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck is one dependency probed by /ready
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	placement  *service.PlacementCoordinator
	orders     *service.OrderService
	catalog    *service.CatalogService
	reconciler *service.StockReconciler
	checks     []ReadinessCheck
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	placement *service.PlacementCoordinator,
	orders *service.OrderService,
	catalog *service.CatalogService,
	reconciler *service.StockReconciler,
	checks ...ReadinessCheck,
) *Handler {
	return &Handler{
		placement:  placement,
		orders:     orders,
		catalog:    catalog,
		reconciler: reconciler,
		checks:     checks,
		logger:     util.GetLogger(),
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

	v1 := router.Group("/api/v1")

	products := v1.Group("/products")
	{
		products.GET("", h.listProducts)
		products.GET("/mine", requirePrincipal(), h.listMyProducts)
		products.GET("/:id", h.getProduct)
		products.POST("", requirePrincipal(), h.createProduct)
		products.PUT("/:id", requirePrincipal(), h.updateProduct)
		products.DELETE("/:id", requirePrincipal(), h.deleteProduct)
	}

	orders := v1.Group("/orders", requirePrincipal())
	{
		orders.POST("", h.placeOrder)
		orders.GET("/mine", h.listMyOrders)
		orders.GET("/farmer", h.listFarmerOrders)
	}

	admin := v1.Group("/admin", requirePrincipal(), requireRole(models.RoleAdmin))
	{
		admin.GET("/orders", h.adminListOrders)
		admin.GET("/orders/reconciliation", h.adminListFlaggedOrders)
		admin.GET("/orders/:id", h.adminGetOrder)
		admin.PUT("/orders/:id/status", h.adminUpdateOrderStatus)
		admin.POST("/orders/:id/reconcile", h.adminReconcileOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			failed[check.Name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
