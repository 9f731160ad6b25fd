package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/acquirer"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/apperror"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/interfaces"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/models"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

const maxWebhookBody = 1 << 20

type PaymentHandler struct {
	payments interfaces.PaymentService
}

func NewPaymentHandler(payments interfaces.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req models.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Error decoding initiate request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "message": "invalid request body"})
		return
	}

	res, err := h.payments.Initiate(c.Request.Context(), req)
	if err != nil {
		respondError(c, "initiate", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Callback accepts the browser return from checkout, as a form post, a JSON
// body or query parameters.
func (h *PaymentHandler) Callback(c *gin.Context) {
	fields, err := callbackFields(c)
	if err != nil {
		telemetry.Logger.Warn("Error decoding callback", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "message": "invalid callback body"})
		return
	}

	reference := fields["reference"]
	if reference == "" {
		reference = fields["external_reference"]
	}
	if reference == "" {
		respondError(c, "callback", apperror.Validation("reference is required"))
		return
	}

	res, err := h.payments.VerifyCallback(c.Request.Context(), reference, acquirer.CallbackData{
		Reference: reference,
		Fields:    fields,
	})
	if err != nil {
		respondError(c, "callback", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func callbackFields(c *gin.Context) (map[string]string, error) {
	fields := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	if c.Request.Method == http.MethodGet || c.Request.ContentLength == 0 {
		return fields, nil
	}

	if strings.HasPrefix(c.ContentType(), gin.MIMEJSON) {
		dec := json.NewDecoder(c.Request.Body)
		dec.UseNumber()
		var body map[string]any
		if err := dec.Decode(&body); err != nil {
			return nil, err
		}
		for k, v := range body {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case json.Number:
				fields[k] = val.String()
			case nil:
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		return fields, nil
	}

	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields, nil
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	p, err := h.payments.Get(c.Request.Context(), c.Param("reference"))
	if err != nil {
		respondError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PaymentHandler) GetStatus(c *gin.Context) {
	res, err := h.payments.CheckStatus(c.Request.Context(), c.Param("reference"))
	if err != nil {
		respondError(c, "check_status", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (h *PaymentHandler) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Error decoding refund request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "message": "invalid request body"})
		return
	}

	res, err := h.payments.ProcessRefund(c.Request.Context(), c.Param("reference"), req.Amount, req.Reason)
	if err != nil {
		respondError(c, "refund", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *PaymentHandler) ReconcileRefunds(c *gin.Context) {
	res, err := h.payments.ReconcileRefunds(c.Request.Context(), c.Param("reference"))
	if err != nil {
		respondError(c, "reconcile_refunds", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *PaymentHandler) Capture(c *gin.Context) {
	res, err := h.payments.CapturePayment(c.Request.Context(), c.Param("reference"))
	if err != nil {
		respondError(c, "capture", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *PaymentHandler) Cancel(c *gin.Context) {
	res, err := h.payments.Cancel(c.Request.Context(), c.Param("reference"))
	if err != nil {
		respondError(c, "cancel", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Webhook always acknowledges so gateways do not retry forever; failures are
// logged and counted instead.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	code := c.Param("acquirer")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		telemetry.Logger.Error("Error reading webhook body", zap.String("acquirer", code), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	req := models.WebhookRequest{
		RawBody: body,
		Headers: make(map[string]string, len(c.Request.Header)),
		Query:   make(map[string]string),
	}
	for k, v := range c.Request.Header {
		if len(v) > 0 {
			req.Headers[k] = v[0]
		}
	}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			req.Query[k] = v[0]
		}
	}

	outcome, err := h.payments.HandleWebhook(c.Request.Context(), code, req)
	if err != nil {
		telemetry.Logger.Warn("Webhook not applied", zap.String("acquirer", code), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	telemetry.Logger.Info("Webhook processed",
		zap.String("acquirer", code),
		zap.String("reference", outcome.Reference),
		zap.String("status", string(outcome.Status)),
		zap.Bool("duplicate", outcome.Duplicate),
		zap.Bool("orphaned", outcome.Orphaned),
	)
	c.JSON(http.StatusOK, gin.H{"received": true})
}
