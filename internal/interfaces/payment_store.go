package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tulipay/mpesa-gateway/internal/models"
)

// PaymentStore is the durable keyed store for payment records. It is the
// only shared mutable state in the system; all cross-request coordination
// goes through CompareAndSwap.
type PaymentStore interface {
	Create(ctx context.Context, rec *models.PaymentRecord) error

	// Get returns models.ErrPaymentNotFound when no record exists for the
	// checkout request id.
	Get(ctx context.Context, checkoutRequestID string) (*models.PaymentRecord, error)

	// CompareAndSwap applies the update only if the record's current
	// status equals expected. It reports false when another writer got
	// there first.
	CompareAndSwap(ctx context.Context, checkoutRequestID string, expected models.PaymentStatus, update models.StatusUpdate) (bool, error)

	// AppendRawRef records that a raw callback audit entry touched the
	// record, without changing its status.
	AppendRawRef(ctx context.Context, checkoutRequestID, ref string) error

	// ListStalePending returns pending records created before the cutoff
	// that have been swept fewer than maxAttempts times.
	ListStalePending(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*models.PaymentRecord, error)

	// IncrementSweepAttempts bumps the sweep counter and returns the new
	// value.
	IncrementSweepAttempts(ctx context.Context, checkoutRequestID string) (int, error)
}

// AuditLog is an append-only sink for raw callbacks and reconciliation
// decisions. Implementations must not lose entries silently: an append
// failure is reported to the caller and logged to a secondary sink.
type AuditLog interface {
	Append(ctx context.Context, event *models.AuditEvent) (uuid.UUID, error)
}
