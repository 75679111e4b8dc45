package handlers

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coffeebudget/coffee-budget-backend-sub001/middleware"
	"github.com/coffeebudget/coffee-budget-backend-sub001/models"
	"github.com/coffeebudget/coffee-budget-backend-sub001/services"
)

// Consent durations requested on every new agreement.
const (
	agreementHistoricalDays = 90
	agreementValidDays      = 90
)

type GoCardlessHandler struct {
	Connections *services.ConnectionService
	GCService   *services.GoCardlessService
}

func NewGoCardlessHandler(connections *services.ConnectionService, gc *services.GoCardlessService) *GoCardlessHandler {
	return &GoCardlessHandler{
		Connections: connections,
		GCService:   gc,
	}
}

// 1. Lister les banques disponibles
func (h *GoCardlessHandler) GetInstitutions(c *gin.Context) {
	country := c.DefaultQuery("country", "IT")
	institutions, err := h.GCService.GetInstitutions(c.Request.Context(), country)
	if err != nil {
		log.Printf("❌ Failed to fetch institutions: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch institutions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"institutions": institutions})
}

// 2. Démarrer le linking flow: agreement + requisition
func (h *GoCardlessHandler) CreateBankConnection(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req struct {
		InstitutionID   string `json:"institution_id" binding:"required"`
		InstitutionName string `json:"institution_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	agreement, err := h.GCService.CreateAgreement(ctx, req.InstitutionID, agreementHistoricalDays, agreementValidDays)
	if err != nil {
		log.Printf("❌ Failed to create agreement: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create agreement"})
		return
	}

	redirectURL := os.Getenv("FRONTEND_URL") + "/accounts/callback"
	reference := uuid.NewString()

	requisition, err := h.GCService.CreateRequisition(ctx, req.InstitutionID, redirectURL, reference, agreement.ID)
	if err != nil {
		log.Printf("❌ Failed to create requisition: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create requisition"})
		return
	}

	conn := &models.BankConnection{
		UserID:             userID,
		RequisitionID:      requisition.ID,
		Reference:          reference,
		InstitutionID:      req.InstitutionID,
		InstitutionName:    req.InstitutionName,
		Status:             models.ConnectionActive,
		ConnectedAt:        time.Now(),
		AccessValidForDays: agreement.AccessValidForDays,
	}
	if err := h.Connections.CreateConnection(c.Request.Context(), conn); err != nil {
		log.Printf("❌ Failed to store connection: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store connection"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connection_id": conn.ID,
		"auth_link":     requisition.Link, // Frontend redirige l'utilisateur vers cette URL
	})
}

// 3. Callback après connexion bancaire: lier les comptes au consentement
func (h *GoCardlessHandler) CompleteConnection(c *gin.Context) {
	userID := middleware.GetUserID(c)
	reference := c.Query("ref")
	if reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing reference"})
		return
	}

	ctx := c.Request.Context()

	conn, err := h.Connections.FindByReference(ctx, reference, userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}

	requisition, err := h.GCService.GetRequisition(ctx, conn.RequisitionID)
	if err != nil {
		log.Printf("❌ Failed to fetch requisition %s: %v", conn.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch requisition"})
		return
	}

	if len(requisition.Accounts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No accounts linked yet"})
		return
	}

	// Le consentement démarre maintenant; expires_at est dérivé.
	if err := h.Connections.FinalizeConnection(ctx, conn.ID, requisition.Accounts, time.Now(), conn.AccessValidForDays); err != nil {
		log.Printf("❌ Failed to finalize connection %s: %v", conn.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to finalize connection"})
		return
	}

	// Détails + solde par compte, best-effort
	for _, accountID := range requisition.Accounts {
		details, err := h.GCService.GetAccountDetails(ctx, accountID)
		if err != nil {
			continue
		}

		balance, currency, err := h.GCService.GetAccountBalance(ctx, accountID)
		if err != nil {
			continue
		}

		mask := ""
		if len(details.IBAN) >= 4 {
			mask = details.IBAN[len(details.IBAN)-4:]
		}

		h.Connections.SaveAccount(ctx, conn.ID, accountID, details.Name, mask, currency, balance)
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Bank connected successfully",
		"accounts": len(requisition.Accounts),
	})
}
