package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tulipay/mpesa-gateway/internal/models"
)

// AuditRepository is the append-only audit trail. A failed append is
// logged to the process logger as the secondary sink and returned to the
// caller, who decides whether the failure is fatal (raw callbacks) or
// best-effort (decision events).
type AuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAuditRepository(db *sql.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

func (r *AuditRepository) Append(ctx context.Context, event *models.AuditEvent) (uuid.UUID, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, checkout_request_id, detail, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.Type, event.CheckoutRequestID, event.Detail, event.Payload, event.CreatedAt)
	if err != nil {
		r.logger.Error("audit append failed",
			zap.String("event_type", string(event.Type)),
			zap.String("checkout_request_id", event.CheckoutRequestID),
			zap.Error(err),
		)
		return event.ID, fmt.Errorf("append audit event: %w", err)
	}
	return event.ID, nil
}
