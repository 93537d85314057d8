package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tulipay/mpesa-gateway/internal/interfaces"
	"github.com/tulipay/mpesa-gateway/internal/models"
	"github.com/tulipay/mpesa-gateway/internal/telemetry"
)

const subjectPaymentSettled = "payments.settled"

// natsPublisher is satisfied by *nats.Conn.
type natsPublisher interface {
	Publish(subj string, data []byte) error
}

type notifyTask struct {
	checkoutRequestID string
	payload           []byte
}

// Notifier delivers post-payment notifications to subscribers over NATS.
// Enqueue never blocks the HTTP path: tasks go through a buffered channel
// drained by a single worker, which retries each delivery with doubling
// backoff up to a cap. Exhaustion is audited, never retried forever.
type Notifier struct {
	nc          natsPublisher
	audit       interfaces.AuditLog
	logger      *zap.Logger
	tasks       chan notifyTask
	maxAttempts int
	baseDelay   time.Duration
}

func NewNotifier(nc natsPublisher, audit interfaces.AuditLog, logger *zap.Logger, maxAttempts int, baseDelay time.Duration) *Notifier {
	return &Notifier{
		nc:          nc,
		audit:       audit,
		logger:      logger,
		tasks:       make(chan notifyTask, 256),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Enqueue schedules a settled-payment notification. A full queue drops
// the task with an audit entry; the record itself is already committed,
// so nothing is lost except the push, which operators can replay from the
// audit trail.
func (n *Notifier) Enqueue(rec *models.PaymentRecord) bool {
	payload, err := json.Marshal(map[string]interface{}{
		"checkout_request_id": rec.CheckoutRequestID,
		"receipt_number":      rec.ReceiptNumber,
		"amount":              rec.Amount,
		"phone_number":        rec.PhoneNumber,
		"reference":           rec.Reference,
		"processed_at":        rec.ProcessedAt,
	})
	if err != nil {
		n.logger.Error("failed to marshal notification", zap.Error(err))
		return false
	}

	select {
	case n.tasks <- notifyTask{checkoutRequestID: rec.CheckoutRequestID, payload: payload}:
		return true
	default:
		n.logger.Warn("notification queue full, dropping task",
			zap.String("checkout_request_id", rec.CheckoutRequestID),
		)
		_, _ = n.audit.Append(context.Background(), &models.AuditEvent{
			Type:              models.AuditNotifyDropped,
			CheckoutRequestID: rec.CheckoutRequestID,
			Detail:            "notification queue full",
		})
		return false
	}
}

// Run drains the queue until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-n.tasks:
			n.deliver(ctx, task)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, task notifyTask) {
	delay := n.baseDelay
	var err error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		err = n.nc.Publish(subjectPaymentSettled, task.payload)
		if err == nil {
			n.logger.Info("Settled-payment notification delivered",
				zap.String("checkout_request_id", task.checkoutRequestID),
				zap.Int("attempt", attempt),
			)
			return
		}

		telemetry.NotifyRetries.Inc()
		n.logger.Warn("notification publish failed",
			zap.String("checkout_request_id", task.checkoutRequestID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}

	_, _ = n.audit.Append(ctx, &models.AuditEvent{
		Type:              models.AuditNotifyExhausted,
		CheckoutRequestID: task.checkoutRequestID,
		Detail:            err.Error(),
	})
}
