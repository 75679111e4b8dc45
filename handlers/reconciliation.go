package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coffeebudget/coffee-budget-backend-sub001/middleware"
	"github.com/coffeebudget/coffee-budget-backend-sub001/services"
)

type ReconciliationHandler struct {
	Reconciliation *services.ReconciliationService
}

func NewReconciliationHandler(reconciliation *services.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{Reconciliation: reconciliation}
}

// RunForUser déclenche la passe de réconciliation pour l'utilisateur.
func (h *ReconciliationHandler) RunForUser(c *gin.Context) {
	userID := middleware.GetUserID(c)

	summary, err := h.Reconciliation.ProcessForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Reconciliation failed"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// ListPending renvoie les enregistrements en attente de réconciliation.
func (h *ReconciliationHandler) ListPending(c *gin.Context) {
	userID := middleware.GetUserID(c)

	records, err := h.Reconciliation.GetPendingRecords(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": records})
}

// ManualReconcile lie manuellement un enregistrement à une transaction.
func (h *ReconciliationHandler) ManualReconcile(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req struct {
		RecordID      string `json:"record_id" binding:"required"`
		TransactionID string `json:"transaction_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.Reconciliation.ManualReconcile(c.Request.Context(), req.RecordID, req.TransactionID, userID)
	if errors.Is(err, services.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reconcile"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Reconciled"})
}
