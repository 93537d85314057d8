package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tulipay/mpesa-gateway/internal/interfaces"
	"github.com/tulipay/mpesa-gateway/internal/models"
	"github.com/tulipay/mpesa-gateway/internal/telemetry"
)

// sideEffects is the post-payment hook fired exactly once per record, on
// the winning compare-and-swap only.
type sideEffects interface {
	Enqueue(rec *models.PaymentRecord) bool
}

// Reconciler merges normalized provider outcomes into payment records.
// The provider delivers callbacks at least once; the conditional update
// on pending collapses those deliveries into at most one state transition
// and one side-effect firing per checkout request id.
type Reconciler struct {
	store    interfaces.PaymentStore
	audit    interfaces.AuditLog
	notifier sideEffects
	events   eventPublisher
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(store interfaces.PaymentStore, audit interfaces.AuditLog, notifier sideEffects, events eventPublisher, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		audit:    audit,
		notifier: notifier,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// Apply commits the outcome to the record identified by its checkout
// request id. It reports applied=false for orphans, duplicates and lost
// races; none of those are errors, all of them are audited.
func (r *Reconciler) Apply(ctx context.Context, outcome *models.CallbackOutcome) (bool, *models.PaymentRecord, error) {
	rec, err := r.store.Get(ctx, outcome.CheckoutRequestID)
	if errors.Is(err, models.ErrPaymentNotFound) {
		// Expected when a callback beats the initiation insert; the
		// background sweep retries these.
		r.decide(ctx, models.AuditOrphan, outcome.CheckoutRequestID, "no record for callback", outcome.RawRef)
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	if rec.Status.Terminal() {
		r.decide(ctx, models.AuditDuplicate, rec.CheckoutRequestID, "record already "+string(rec.Status), outcome.RawRef)
		r.recordRawTouch(ctx, rec.CheckoutRequestID, outcome.RawRef)
		return false, rec, nil
	}

	target := models.StatusFailed
	if outcome.Success() {
		target = models.StatusSuccess
	}

	code := outcome.ResultCode
	update := models.StatusUpdate{
		Status:      target,
		ResultCode:  &code,
		ResultDesc:  outcome.ResultDesc,
		ProcessedAt: r.now().UTC(),
		RawRef:      outcome.RawRef,
	}
	if target == models.StatusSuccess {
		update.ReceiptNumber = outcome.ReceiptNumber
		update.TransactionDate = outcome.TransactionDate
	}

	swapped, err := r.store.CompareAndSwap(ctx, rec.CheckoutRequestID, models.StatusPending, update)
	if err != nil {
		return false, rec, err
	}
	if !swapped {
		// Another delivery won the race between our read and the update.
		r.decide(ctx, models.AuditDuplicate, rec.CheckoutRequestID, "lost transition race", outcome.RawRef)
		r.recordRawTouch(ctx, rec.CheckoutRequestID, outcome.RawRef)
		return false, rec, nil
	}

	rec.Status = target
	rec.ResultCode = update.ResultCode
	rec.ResultDesc = update.ResultDesc
	rec.ReceiptNumber = update.ReceiptNumber
	rec.TransactionDate = update.TransactionDate
	processedAt := update.ProcessedAt
	rec.ProcessedAt = &processedAt

	r.publishTransition(ctx, rec, models.StatusPending, target)

	if target == models.StatusSuccess {
		r.notifier.Enqueue(rec)
	}

	r.decide(ctx, models.AuditApplied, rec.CheckoutRequestID, string(models.StatusPending)+" -> "+string(target), outcome.RawRef)

	r.logger.Info("Payment reconciled",
		zap.String("checkout_request_id", rec.CheckoutRequestID),
		zap.String("status", string(target)),
		zap.Int("result_code", outcome.ResultCode),
	)

	return true, rec, nil
}

// MarkReversed layers a reversal on an already successful record. A
// failed swap means the record never reached success; that illegal
// transition is a logged no-op.
func (r *Reconciler) MarkReversed(ctx context.Context, checkoutRequestID string) (bool, error) {
	swapped, err := r.store.CompareAndSwap(ctx, checkoutRequestID, models.StatusSuccess, models.StatusUpdate{
		Status:      models.StatusReversed,
		ProcessedAt: r.now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if !swapped {
		r.decide(ctx, models.AuditIllegalTransition, checkoutRequestID, "reversal on non-success record", "")
		r.logger.Warn("Ignoring illegal reversal transition",
			zap.String("checkout_request_id", checkoutRequestID),
		)
		return false, nil
	}

	r.decide(ctx, models.AuditReversalRequested, checkoutRequestID, string(models.StatusSuccess)+" -> "+string(models.StatusReversed), "")

	rec, err := r.store.Get(ctx, checkoutRequestID)
	if err == nil {
		r.publishTransition(ctx, rec, models.StatusSuccess, models.StatusReversed)
	}
	return true, nil
}

// recordRawTouch links a raw callback audit entry to an existing record
// even when the delivery was a duplicate, for traceability.
func (r *Reconciler) recordRawTouch(ctx context.Context, checkoutRequestID, rawRef string) {
	if rawRef == "" {
		return
	}
	if err := r.store.AppendRawRef(ctx, checkoutRequestID, rawRef); err != nil {
		r.logger.Warn("failed to link raw callback ref",
			zap.String("checkout_request_id", checkoutRequestID),
			zap.Error(err),
		)
	}
}

// decide appends a reconciliation decision to the audit trail. Decision
// appends are best-effort: the repository already logged the failure to
// the secondary sink.
func (r *Reconciler) decide(ctx context.Context, decision models.AuditEventType, checkoutRequestID, detail, rawRef string) {
	telemetry.CallbackDecisions.WithLabelValues(string(decision)).Inc()

	d := detail
	if rawRef != "" {
		d = detail + " (raw " + rawRef + ")"
	}
	_, _ = r.audit.Append(ctx, &models.AuditEvent{
		Type:              decision,
		CheckoutRequestID: checkoutRequestID,
		Detail:            d,
	})
}

func (r *Reconciler) publishTransition(ctx context.Context, rec *models.PaymentRecord, from, to models.PaymentStatus) {
	event := map[string]interface{}{
		"checkout_request_id": rec.CheckoutRequestID,
		"status":              to,
		"previous_status":     from,
		"result_desc":         rec.ResultDesc,
		"timestamp":           r.now().UTC(),
	}
	payload, _ := json.Marshal(event)

	if err := r.events.Publish(ctx, rec.CheckoutRequestID, payload); err != nil {
		r.logger.Error("failed to publish state change",
			zap.String("checkout_request_id", rec.CheckoutRequestID),
			zap.Error(err),
		)
	}
}
