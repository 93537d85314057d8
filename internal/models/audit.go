package models

import (
	"time"

	"github.com/google/uuid"
)

type AuditEventType string

const (
	// AuditRawCallback holds a verbatim webhook body, written before any
	// parsing or reconciliation runs.
	AuditRawCallback AuditEventType = "raw_callback"

	AuditApplied           AuditEventType = "applied"
	AuditDuplicate         AuditEventType = "duplicate"
	AuditOrphan            AuditEventType = "orphan"
	AuditUnknownShape      AuditEventType = "unknown_shape"
	AuditIllegalTransition AuditEventType = "illegal_transition"
	AuditReversalRequested AuditEventType = "reversal_requested"
	AuditSweepExhausted    AuditEventType = "sweep_exhausted"
	AuditNotifyDropped     AuditEventType = "notify_dropped"
	AuditNotifyExhausted   AuditEventType = "notify_exhausted"
)

// AuditEvent is one append-only entry in the reconciliation audit trail.
type AuditEvent struct {
	ID                uuid.UUID      `json:"id"`
	Type              AuditEventType `json:"type"`
	CheckoutRequestID string         `json:"checkout_request_id,omitempty"`
	Detail            string         `json:"detail,omitempty"`
	Payload           []byte         `json:"payload,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}
