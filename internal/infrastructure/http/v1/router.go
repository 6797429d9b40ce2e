// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/http/v1/dto"
	"stockledger/internal/infrastructure/http/v1/handlers"
	"stockledger/internal/infrastructure/http/v1/middleware"
	"stockledger/pkg/logger"
)

// RoleStockAdmin may quarantine batches and rebuild product aggregates.
const RoleStockAdmin = "stock_admin"

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Tenants binds the tenant database named by X-Tenant-ID
	Tenants middleware.TenantBinder

	// Ledger serves single-pharmacy operations; its storage comes from the request context
	Ledger *ledger.Service

	// Transfers moves stock between pharmacies
	Transfers *ledger.Coordinator

	// Logger for request logging
	Logger *logger.Logger

	// HealthChecks are pinged by /health/ready
	HealthChecks map[string]handlers.Pinger

	// Idempotency enables X-Idempotency-Key handling when set
	Idempotency middleware.IdempotencyStoreFunc

	// Mode is the gin mode, release unless set
	Mode string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) (*gin.Engine, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	if err := dto.RegisterValidators(); err != nil {
		return nil, err
	}

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.HealthChecks)
	router.GET("/health", healthHandler.Live)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.TenantDB(cfg.Tenants)) // 1. Resolve tenant, bind its database
	v1.Use(middleware.Identity())            // 2. Actor from the gateway headers
	if cfg.Idempotency != nil {
		v1.Use(middleware.Idempotency(cfg.Idempotency))
	}

	base := handlers.NewBaseHandler()
	registerProductRoutes(v1, handlers.NewProductHandler(base, cfg.Ledger))
	registerBatchRoutes(v1, handlers.NewBatchHandler(base, cfg.Ledger))
	registerStockRoutes(v1, handlers.NewStockHandler(base, cfg.Ledger))
	if cfg.Transfers != nil {
		registerTransferRoutes(v1, handlers.NewTransferHandler(base, cfg.Ledger, cfg.Transfers))
	}

	return router, nil
}

func registerProductRoutes(rg *gin.RouterGroup, h *handlers.ProductHandler) {
	products := rg.Group("/products")
	products.POST("", h.Create)
	products.PATCH("/:id", h.Update)
	products.GET("/:id/summary", h.Summary)
	products.GET("/:id/batches", h.Batches)
	products.GET("/:id/movements", h.Movements)
	products.GET("/:id/verify", h.Verify)
	products.POST("/:id/receipts", h.Receive)
	products.POST("/:id/write-off-expired", h.WriteOffExpired)
	products.POST("/:id/rebuild", middleware.RequireRole(RoleStockAdmin), h.Rebuild)
}

func registerBatchRoutes(rg *gin.RouterGroup, h *handlers.BatchHandler) {
	batches := rg.Group("/batches")
	batches.GET("/:id/movements", h.Movements)
	batches.GET("/:id/verify", h.Verify)
	batches.POST("/:id/block", middleware.RequireRole(RoleStockAdmin), h.Block)
}

func registerStockRoutes(rg *gin.RouterGroup, h *handlers.StockHandler) {
	rg.POST("/reservations", h.Reserve)
	rg.GET("/reservations/:id", h.GetReservation)
	rg.POST("/reservations/:id/release", h.Release)
	rg.POST("/reservations/:id/consume", h.Consume)
	rg.POST("/adjustments", h.Adjust)
	rg.POST("/returns", h.Return)
}

func registerTransferRoutes(rg *gin.RouterGroup, h *handlers.TransferHandler) {
	rg.POST("/transfers", h.Create)
	rg.GET("/transfers/:id", h.Get)
}
