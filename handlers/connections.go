package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coffeebudget/coffee-budget-backend-sub001/middleware"
	"github.com/coffeebudget/coffee-budget-backend-sub001/models"
	"github.com/coffeebudget/coffee-budget-backend-sub001/services"
)

type ConnectionHandler struct {
	Connections *services.ConnectionService
	PayPal      *services.PayPalService
	Sync        *services.SyncService
}

func NewConnectionHandler(connections *services.ConnectionService, paypal *services.PayPalService, sync *services.SyncService) *ConnectionHandler {
	return &ConnectionHandler{Connections: connections, PayPal: paypal, Sync: sync}
}

// ListConnections renvoie les connexions avec leurs statuts recalculés.
func (h *ConnectionHandler) ListConnections(c *gin.Context) {
	userID := middleware.GetUserID(c)

	// Recompute persists any status drift before we read the list back.
	if _, err := h.Connections.RecomputeAndAlert(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load connections"})
		return
	}

	connections, err := h.Connections.GetUserConnections(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load connections"})
		return
	}

	type connectionView struct {
		models.BankConnection
		Accounts []models.BankAccount `json:"accounts,omitempty"`
	}

	views := make([]connectionView, 0, len(connections))
	for _, conn := range connections {
		view := connectionView{BankConnection: conn}
		if accounts, err := h.Connections.GetAccountsByConnection(c.Request.Context(), conn.ID); err == nil {
			view.Accounts = accounts
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"connections": views})
}

// GetExpirationAlerts renvoie les consentements à renouveler, les plus
// urgents d'abord.
func (h *ConnectionHandler) GetExpirationAlerts(c *gin.Context) {
	userID := middleware.GetUserID(c)

	alerts, err := h.Connections.RecomputeAndAlert(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute alerts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// Disconnect marque la connexion DISCONNECTED (jamais supprimée).
func (h *ConnectionHandler) Disconnect(c *gin.Context) {
	userID := middleware.GetUserID(c)
	connectionID := c.Param("id")

	err := h.Connections.Disconnect(c.Request.Context(), connectionID, userID)
	if errors.Is(err, services.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to disconnect"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Connection disconnected"})
}

// LinkPayPal active l'import PayPal pour l'utilisateur.
func (h *ConnectionHandler) LinkPayPal(c *gin.Context) {
	userID := middleware.GetUserID(c)

	conn, err := h.PayPal.LinkConnection(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to link PayPal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"connection": conn})
}

// TriggerSync lance une synchronisation manuelle (fenêtre élargie).
func (h *ConnectionHandler) TriggerSync(c *gin.Context) {
	userID := middleware.GetUserID(c)

	report, err := h.Sync.SyncUser(c.Request.Context(), userID, true)
	if err != nil {
		log.Printf("❌ Manual sync failed for user %s: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sync failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report": report,
		"status": report.Status(),
	})
}
