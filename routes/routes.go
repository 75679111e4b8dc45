package routes

import (
	"database/sql"

	"github.com/gin-gonic/gin"

	"github.com/coffeebudget/coffee-budget-backend-sub001/handlers"
	"github.com/coffeebudget/coffee-budget-backend-sub001/services"
)

// SetupAuthRoutes sets up public authentication routes.
func SetupAuthRoutes(rg *gin.RouterGroup, db *sql.DB) {
	authHandler := &handlers.AuthHandler{DB: db}

	rg.POST("/auth/signup", authHandler.Signup)
	rg.POST("/auth/login", authHandler.Login)
}

// SetupUserRoutes sets up protected user routes.
func SetupUserRoutes(rg *gin.RouterGroup, db *sql.DB) {
	authHandler := &handlers.AuthHandler{DB: db}

	rg.POST("/user/2fa/setup", authHandler.SetupTOTP)
	rg.POST("/user/2fa/verify", authHandler.VerifyTOTP)
}

// SetupBankingRoutes sets up the linking flow and connection management.
func SetupBankingRoutes(rg *gin.RouterGroup, connections *services.ConnectionService, gc *services.GoCardlessService, paypal *services.PayPalService, sync *services.SyncService) {
	gcHandler := handlers.NewGoCardlessHandler(connections, gc)
	connHandler := handlers.NewConnectionHandler(connections, paypal, sync)

	rg.GET("/banking/institutions", gcHandler.GetInstitutions)
	rg.POST("/banking/connections", gcHandler.CreateBankConnection)
	rg.GET("/banking/connections/callback", gcHandler.CompleteConnection)

	rg.GET("/banking/connections", connHandler.ListConnections)
	rg.GET("/banking/connections/alerts", connHandler.GetExpirationAlerts)
	rg.DELETE("/banking/connections/:id", connHandler.Disconnect)
	rg.POST("/banking/paypal/link", connHandler.LinkPayPal)
	rg.POST("/banking/sync", connHandler.TriggerSync)
}

// SetupReconciliationRoutes sets up the reconciliation review surface.
func SetupReconciliationRoutes(rg *gin.RouterGroup, reconciliation *services.ReconciliationService) {
	h := handlers.NewReconciliationHandler(reconciliation)

	rg.POST("/reconciliation/run", h.RunForUser)
	rg.GET("/reconciliation/pending", h.ListPending)
	rg.POST("/reconciliation/manual", h.ManualReconcile)
}

// SetupCronRoutes sets up the shared-secret scheduler endpoint.
func SetupCronRoutes(rg *gin.RouterGroup, sync *services.SyncService) {
	h := handlers.NewSyncHandler(sync)

	rg.POST("/cron/sync", h.CronSync)
}
