package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tulipay/mpesa-gateway/internal/handlers"
	"github.com/tulipay/mpesa-gateway/internal/telemetry"
)

func NewRouter(callbackHandler *handlers.CallbackHandler, paymentHandler *handlers.PaymentHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mpesa-gateway"})
	})

	// Provider webhook
	r.POST("/mpesa/callback", callbackHandler.Receive)

	// Payment routes
	r.POST("/payments", paymentHandler.InitiatePayment)
	r.GET("/payments/:checkoutRequestID", paymentHandler.GetPayment)
	r.POST("/payments/:checkoutRequestID/reverse", paymentHandler.ReversePayment)

	return r
}
