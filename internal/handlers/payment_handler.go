package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tulipay/mpesa-gateway/internal/interfaces"
	"github.com/tulipay/mpesa-gateway/internal/models"
	"github.com/tulipay/mpesa-gateway/internal/mpesa"
	"github.com/tulipay/mpesa-gateway/internal/service"
)

const maxReferenceLen = 64

// pushGateway is the slice of the provider client the handler needs.
type pushGateway interface {
	InitiatePushPayment(ctx context.Context, phoneNumber string, amount decimal.Decimal, reference, description string) (*mpesa.InitiateResult, error)
	ReverseTransaction(ctx context.Context, transactionID string, amount decimal.Decimal, counterpartyMsisdn string) (bool, error)
}

type PaymentHandler struct {
	store   interfaces.PaymentStore
	gateway pushGateway
	recon   *service.Reconciler
	logger  *zap.Logger
}

func NewPaymentHandler(store interfaces.PaymentStore, gateway pushGateway, recon *service.Reconciler, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{store: store, gateway: gateway, recon: recon, logger: logger}
}

type initiateRequest struct {
	PhoneNumber string          `json:"phone_number" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
}

// InitiatePayment triggers an STK push and stores the pending record
// under the provider-issued checkout request id.
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Reference) > maxReferenceLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference too long"})
		return
	}

	ctx := c.Request.Context()
	res, err := h.gateway.InitiatePushPayment(ctx, req.PhoneNumber, req.Amount, req.Reference, req.Description)
	if err != nil {
		h.renderGatewayError(c, err)
		return
	}

	rec := &models.PaymentRecord{
		ID:                uuid.New(),
		CheckoutRequestID: res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		Amount:            req.Amount,
		PhoneNumber:       req.PhoneNumber,
		Reference:         req.Reference,
		Status:            models.StatusPending,
		CreatedAt:         time.Now().UTC(),
	}
	if err := h.store.Create(ctx, rec); err != nil {
		// The push is already on the payer's phone; an early callback for
		// this id lands as an orphan and the sweep recovers it.
		h.logger.Error("failed to persist initiated payment",
			zap.String("checkout_request_id", res.CheckoutRequestID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":               "payment initiated but not recorded",
			"checkout_request_id": res.CheckoutRequestID,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"checkout_request_id": res.CheckoutRequestID,
		"merchant_request_id": res.MerchantRequestID,
		"customer_message":    res.CustomerMessage,
	})
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("checkoutRequestID"))
	if errors.Is(err, models.ErrPaymentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch payment"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ReversePayment asks the provider to reverse a successful payment. 202
// means queued: the reversal result itself arrives asynchronously.
func (h *PaymentHandler) ReversePayment(c *gin.Context) {
	ctx := c.Request.Context()
	checkoutRequestID := c.Param("checkoutRequestID")

	rec, err := h.store.Get(ctx, checkoutRequestID)
	if errors.Is(err, models.ErrPaymentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch payment"})
		return
	}
	if rec.Status != models.StatusSuccess || rec.ReceiptNumber == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "only settled payments can be reversed"})
		return
	}

	accepted, err := h.gateway.ReverseTransaction(ctx, rec.ReceiptNumber, rec.Amount, rec.PhoneNumber)
	if err != nil {
		h.renderGatewayError(c, err)
		return
	}
	if !accepted {
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider declined the reversal"})
		return
	}

	if _, err := h.recon.MarkReversed(ctx, checkoutRequestID); err != nil {
		h.logger.Error("failed to mark record reversed",
			zap.String("checkout_request_id", checkoutRequestID),
			zap.Error(err),
		)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"checkout_request_id": checkoutRequestID,
		"status":              models.StatusReversed,
	})
}

// renderGatewayError maps the typed provider errors onto HTTP statuses
// for the initiating caller.
func (h *PaymentHandler) renderGatewayError(c *gin.Context, err error) {
	var (
		invalidAmount *mpesa.InvalidAmountError
		authErr       *mpesa.AuthError
		gatewayErr    *mpesa.GatewayError
		timeoutErr    *mpesa.TimeoutError
	)
	switch {
	case errors.As(err, &invalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": invalidAmount.Error()})
	case errors.As(err, &timeoutErr):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "provider timed out"})
	case errors.As(err, &authErr):
		h.logger.Error("provider auth failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider authentication failed"})
	case errors.As(err, &gatewayErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      "provider rejected the request",
			"error_code": gatewayErr.Code,
			"error_desc": gatewayErr.Description,
		})
	default:
		h.logger.Error("gateway call failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "gateway call failed"})
	}
}
