package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/coffeebudget/coffee-budget-backend-sub001/config"
	"github.com/coffeebudget/coffee-budget-backend-sub001/handlers"
	"github.com/coffeebudget/coffee-budget-backend-sub001/middleware"
	"github.com/coffeebudget/coffee-budget-backend-sub001/routes"
	"github.com/coffeebudget/coffee-budget-backend-sub001/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	db, err := config.InitDB()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	log.Println("✅ Database connected successfully")

	if err := config.RunMigrations(db); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	wsHandler := handlers.NewWSHandler()

	gcService := services.NewGoCardlessService()
	connectionService := services.NewConnectionService(db)
	paypalService := services.NewPayPalService(db)
	reconciliationService := services.NewReconciliationService(db)
	bankImporter := services.NewTransactionImporter(db, gcService)
	syncService := services.NewSyncService(db, connectionService, paypalService, bankImporter, reconciliationService, wsHandler)

	go scheduleSync(syncService)

	router := gin.Default()

	frontendURL := os.Getenv("FRONTEND_URL")
	if frontendURL == "" {
		frontendURL = "http://localhost:3000"
	}

	corsConfig := cors.Config{
		AllowOrigins:     []string{frontendURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Cron-Secret"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           86400,
	}
	router.Use(cors.New(corsConfig))

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("📨 %s %s - %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	})

	router.Use(middleware.RateLimiter())

	v1 := router.Group("/api/v1")
	{
		routes.SetupAuthRoutes(v1, db)
		routes.SetupCronRoutes(v1, syncService)

		protected := v1.Group("/")
		protected.Use(middleware.AuthMiddleware())
		{
			protected.GET("/ws", wsHandler.HandleWS)
			routes.SetupUserRoutes(protected, db)
			routes.SetupBankingRoutes(protected, connectionService, gcService, paypalService, syncService)
			routes.SetupReconciliationRoutes(protected, reconciliationService)
		}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("🚀 Server starting on port %s...", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

// scheduleSync runs the multi-user import on a fixed interval. One run per
// tick; a failing run only logs.
func scheduleSync(sync *services.SyncService) {
	intervalHours := 12
	if v := os.Getenv("SYNC_INTERVAL_HOURS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			intervalHours = parsed
		}
	}

	ticker := time.NewTicker(time.Duration(intervalHours) * time.Hour)
	defer ticker.Stop()

	runScheduledSync(sync)
	for range ticker.C {
		runScheduledSync(sync)
	}
}

func runScheduledSync(sync *services.SyncService) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	summary := sync.RunScheduledSync(ctx)
	if summary.UsersFailed > 0 {
		log.Printf("⚠️ Scheduled sync had %d failing users", summary.UsersFailed)
	}
}
