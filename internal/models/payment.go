package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusPending  PaymentStatus = "pending"
	StatusSuccess  PaymentStatus = "success"
	StatusFailed   PaymentStatus = "failed"
	StatusReversed PaymentStatus = "reversed"
)

var validTransitions = map[PaymentStatus][]PaymentStatus{
	StatusPending: {StatusSuccess, StatusFailed},
	StatusSuccess: {StatusReversed},
	// failed and reversed are final
	StatusFailed:   {},
	StatusReversed: {},
}

// IsValidTransition reports whether moving from one status to another is
// allowed by the payment lifecycle.
func IsValidTransition(from, to PaymentStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status has left pending. A terminal record
// never accepts another callback-driven transition.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusReversed
}

// ErrPaymentNotFound is returned by the store when no record exists for a
// checkout request id.
var ErrPaymentNotFound = errors.New("payment record not found")

// PaymentRecord is the durable state of one STK push attempt, keyed by the
// provider-issued CheckoutRequestID.
type PaymentRecord struct {
	ID                uuid.UUID       `json:"id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	MerchantRequestID string          `json:"merchant_request_id"`
	Amount            decimal.Decimal `json:"amount"`
	PhoneNumber       string          `json:"phone_number"`
	Reference         string          `json:"reference"`
	Status            PaymentStatus   `json:"status"`
	ResultCode        *int            `json:"result_code,omitempty"`
	ResultDesc        string          `json:"result_desc,omitempty"`
	ReceiptNumber     string          `json:"receipt_number,omitempty"`
	TransactionDate   string          `json:"transaction_date,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	RawCallbackRefs   []string        `json:"raw_callback_refs,omitempty"`
	SweepAttempts     int             `json:"sweep_attempts"`
}

// CallbackOutcome is a normalized provider result, extracted either from a
// webhook delivery or from a status query during the background sweep.
type CallbackOutcome struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            decimal.Decimal
	ReceiptNumber     string
	TransactionDate   string
	PhoneNumber       string

	// RawRef points at the audit entry holding the verbatim payload this
	// outcome was extracted from. Empty for sweep-originated outcomes.
	RawRef string
}

// Success reports whether the provider resolved the payment successfully.
// Daraja uses result code 0 for success and non-zero codes for every
// failure mode (1032 user cancelled, 1037 timeout, ...).
func (o *CallbackOutcome) Success() bool {
	return o.ResultCode == 0
}

// StatusUpdate carries the fields applied on a winning compare-and-swap.
// Empty strings and a nil result code leave the stored value untouched, so
// a reversal does not clobber the receipt written by the success
// transition.
type StatusUpdate struct {
	Status          PaymentStatus
	ResultCode      *int
	ResultDesc      string
	ReceiptNumber   string
	TransactionDate string
	ProcessedAt     time.Time
	RawRef          string
}
