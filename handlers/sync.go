package handlers

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/coffeebudget/coffee-budget-backend-sub001/services"
)

type SyncHandler struct {
	Sync *services.SyncService
}

func NewSyncHandler(sync *services.SyncService) *SyncHandler {
	return &SyncHandler{Sync: sync}
}

// CronSync is the authenticated scheduler entry point. A bad shared secret
// gets a 401; an internal sync failure gets a structured error body, never
// a raw 5xx.
func (h *SyncHandler) CronSync(c *gin.Context) {
	secret := os.Getenv("CRON_SECRET")
	if secret == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "Cron secret not configured"})
		return
	}

	provided := c.GetHeader("X-Cron-Secret")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "Invalid cron secret"})
		return
	}

	summary := h.Sync.RunScheduledSync(c.Request.Context())
	if summary.UsersFailed > 0 && summary.UsersProcessed == 0 {
		log.Printf("❌ Cron sync finished with every user failing")
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Sync failed for all users", "summary": summary})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "summary": summary})
}
