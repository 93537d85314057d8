package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tulipay/mpesa-gateway/internal/interfaces"
	"github.com/tulipay/mpesa-gateway/internal/models"
	"github.com/tulipay/mpesa-gateway/internal/mpesa"
	"github.com/tulipay/mpesa-gateway/internal/service"
	"github.com/tulipay/mpesa-gateway/internal/telemetry"
)

const maxCallbackBody = 1 << 20

// CallbackHandler is the HTTP boundary for the provider's asynchronous
// result notification.
type CallbackHandler struct {
	audit  interfaces.AuditLog
	recon  *service.Reconciler
	logger *zap.Logger
}

func NewCallbackHandler(audit interfaces.AuditLog, recon *service.Reconciler, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{audit: audit, recon: recon, logger: logger}
}

// Receive ingests one callback delivery. The raw body is audited before
// anything else; 400 is reserved for payloads matching no known shape
// (the provider does not retry on 400); every recognized delivery is
// acknowledged with 200 even when reconciliation declines it, because a
// non-200 would trigger a provider retry storm for an outcome that is
// already final on our side.
func (h *CallbackHandler) Receive(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Unreadable body"})
		return
	}
	ctx := c.Request.Context()

	rawRef, err := h.audit.Append(ctx, &models.AuditEvent{
		Type:    models.AuditRawCallback,
		Payload: raw,
	})
	if err != nil {
		// Without the audit entry the callback would be lost; a 500 makes
		// the provider redeliver.
		c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "Temporarily unavailable"})
		return
	}

	outcome, err := mpesa.ParseCallback(raw)
	if err != nil {
		telemetry.CallbackDecisions.WithLabelValues(string(models.AuditUnknownShape)).Inc()
		_, _ = h.audit.Append(ctx, &models.AuditEvent{
			Type:   models.AuditUnknownShape,
			Detail: "raw " + rawRef.String(),
		})
		h.logger.Warn("unrecognized callback payload", zap.String("raw_ref", rawRef.String()))
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Unrecognized payload"})
		return
	}

	outcome.RawRef = rawRef.String()

	if _, _, err := h.recon.Apply(ctx, outcome); err != nil {
		// Store trouble is not the provider's problem: acknowledge and
		// let the background sweep pick the record up.
		h.logger.Error("reconciliation failed, deferring to sweep",
			zap.String("checkout_request_id", outcome.CheckoutRequestID),
			zap.Error(err),
		)
	}

	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}
