package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/interfaces"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

type MappingHandler struct {
	mappings interfaces.StatusMappingService
}

func NewMappingHandler(mappings interfaces.StatusMappingService) *MappingHandler {
	return &MappingHandler{mappings: mappings}
}

type mappingRequest struct {
	AcquirerCode   string `json:"acquirer_code" binding:"required"`
	AcquirerStatus string `json:"acquirer_status" binding:"required"`
	Canonical      string `json:"canonical_status" binding:"required"`
	Active         *bool  `json:"active"`
}

// UpsertMapping adds or changes a gateway status translation without a deploy.
func (h *MappingHandler) UpsertMapping(c *gin.Context) {
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Error decoding status mapping", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "message": "invalid request body"})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	saved, err := h.mappings.UpsertMapping(c.Request.Context(), models.StatusMapping{
		AcquirerCode:   req.AcquirerCode,
		AcquirerStatus: req.AcquirerStatus,
		Canonical:      models.PaymentStatus(strings.ToUpper(req.Canonical)),
		Active:         active,
	})
	if err != nil {
		respondError(c, "upsert_mapping", err)
		return
	}
	c.JSON(http.StatusOK, saved)
}
