package handlers

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olahol/melody"

	"github.com/coffeebudget/coffee-budget-backend-sub001/middleware"
	"github.com/coffeebudget/coffee-budget-backend-sub001/models"
)

type WSHandler struct {
	M *melody.Melody
}

func NewWSHandler() *WSHandler {
	m := melody.New()

	m.Config.MaxMessageSize = 1024 * 1024

	// Keep-Alive Configuration (Critical for cloud hosting)
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second

	m.HandleConnect(func(s *melody.Session) {
		userID, _ := s.Get("user_id")
		log.Printf("✅ Client connected: %v", userID)
	})

	m.HandleDisconnect(func(s *melody.Session) {
		userID, _ := s.Get("user_id")
		log.Printf("🔌 Client disconnected: %v", userID)
	})

	m.HandleError(func(s *melody.Session, err error) {
		log.Printf("❌ WebSocket Error: %v", err)
	})

	return &WSHandler{M: m}
}

// HandleWS upgrades the request and pins the session to the authenticated
// user. The identity travels as a per-request session key so concurrent
// upgrades can never tag each other's sessions.
func (h *WSHandler) HandleWS(c *gin.Context) {
	userID := middleware.GetUserID(c)

	keys := map[string]interface{}{"user_id": userID}
	if err := h.M.HandleRequestWithKeys(c.Writer, c.Request, keys); err != nil {
		log.Printf("❌ Failed to upgrade websocket: %v", err)
	}
}

// SyncCompleted pushes a report summary to the user's open sessions.
// Implements services.SyncNotifier.
func (h *WSHandler) SyncCompleted(userID string, report *models.SyncReport) {
	msg, err := json.Marshal(gin.H{
		"type":      "sync_completed",
		"report_id": report.ID,
		"status":    report.Status(),
		"imported":  report.TotalImported(),
		"failed":    report.AccountsFailed(),
	})
	if err != nil {
		return
	}

	err = h.M.BroadcastFilter(msg, func(q *melody.Session) bool {
		id, exists := q.Get("user_id")
		return exists && id == userID
	})
	if err != nil {
		log.Printf("⚠️ Error broadcasting sync report to user %s: %v", userID, err)
	}
}
