package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/flight-booking/payment-orchestrator/internal/handlers"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/interfaces"
	"github.com/akylbek/flight-booking/payment-orchestrator/internal/telemetry"
)

// NewRouter wires the payment and admin routes. acquirers is reported by the
// health check.
func NewRouter(payments interfaces.PaymentService, mappings interfaces.StatusMappingService, acquirers []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": telemetry.ServiceName, "acquirers": acquirers})
	})

	paymentHandler := handlers.NewPaymentHandler(payments)
	p := r.Group("/payments")
	{
		p.POST("", paymentHandler.InitiatePayment)
		p.POST("/callback", paymentHandler.Callback)
		p.GET("/callback", paymentHandler.Callback)
		p.POST("/webhook/:acquirer", paymentHandler.Webhook)
		p.GET("/:reference", paymentHandler.GetPayment)
		p.GET("/:reference/status", paymentHandler.GetStatus)
		p.POST("/:reference/refund", paymentHandler.Refund)
		p.POST("/:reference/refunds/reconcile", paymentHandler.ReconcileRefunds)
		p.POST("/:reference/capture", paymentHandler.Capture)
		p.POST("/:reference/cancel", paymentHandler.Cancel)
	}

	mappingHandler := handlers.NewMappingHandler(mappings)
	r.PUT("/admin/status-mappings", mappingHandler.UpsertMapping)

	return r
}
