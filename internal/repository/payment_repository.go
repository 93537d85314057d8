package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tulipay/mpesa-gateway/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_records (
			id UUID PRIMARY KEY,
			checkout_request_id VARCHAR(64) NOT NULL UNIQUE,
			merchant_request_id VARCHAR(64) NOT NULL DEFAULT '',
			amount NUMERIC(12, 0) NOT NULL,
			phone_number VARCHAR(15) NOT NULL,
			reference VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			result_code INT,
			result_desc TEXT NOT NULL DEFAULT '',
			receipt_number VARCHAR(32) NOT NULL DEFAULT '',
			transaction_date VARCHAR(14) NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			processed_at TIMESTAMP,
			raw_callback_refs TEXT[] NOT NULL DEFAULT '{}',
			sweep_attempts INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_records_status ON payment_records(status)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id UUID PRIMARY KEY,
			event_type VARCHAR(32) NOT NULL,
			checkout_request_id VARCHAR(64) NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_checkout ON audit_events(checkout_request_id)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (r *PaymentRepository) Create(ctx context.Context, rec *models.PaymentRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_records
			(id, checkout_request_id, merchant_request_id, amount, phone_number, reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.CheckoutRequestID, rec.MerchantRequestID, rec.Amount.String(),
		rec.PhoneNumber, rec.Reference, rec.Status, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment record: %w", err)
	}
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, checkoutRequestID string) (*models.PaymentRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, checkout_request_id, merchant_request_id, amount, phone_number, reference,
		       status, result_code, result_desc, receipt_number, transaction_date,
		       created_at, processed_at, raw_callback_refs, sweep_attempts
		FROM payment_records WHERE checkout_request_id = $1
	`, checkoutRequestID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment record: %w", err)
	}
	return rec, nil
}

// CompareAndSwap is the single write primitive for status transitions:
// the conditional UPDATE commits only against the expected status, so the
// first writer wins and every later one observes zero affected rows.
// Empty update fields keep the stored value, and processed_at is written
// only once.
func (r *PaymentRepository) CompareAndSwap(ctx context.Context, checkoutRequestID string, expected models.PaymentStatus, update models.StatusUpdate) (bool, error) {
	var resultCode sql.NullInt64
	if update.ResultCode != nil {
		resultCode = sql.NullInt64{Int64: int64(*update.ResultCode), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_records
		SET status = $1,
		    result_code = COALESCE($2, result_code),
		    result_desc = CASE WHEN $3 = '' THEN result_desc ELSE $3 END,
		    receipt_number = CASE WHEN $4 = '' THEN receipt_number ELSE $4 END,
		    transaction_date = CASE WHEN $5 = '' THEN transaction_date ELSE $5 END,
		    processed_at = COALESCE(processed_at, $6),
		    raw_callback_refs = CASE WHEN $7 = '' THEN raw_callback_refs
		                             ELSE array_append(raw_callback_refs, $7) END
		WHERE checkout_request_id = $8 AND status = $9
	`, update.Status, resultCode, update.ResultDesc, update.ReceiptNumber,
		update.TransactionDate, update.ProcessedAt, update.RawRef,
		checkoutRequestID, expected)
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *PaymentRepository) AppendRawRef(ctx context.Context, checkoutRequestID, ref string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_records
		SET raw_callback_refs = array_append(raw_callback_refs, $1)
		WHERE checkout_request_id = $2
	`, ref, checkoutRequestID)
	return err
}

func (r *PaymentRepository) ListStalePending(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*models.PaymentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, checkout_request_id, merchant_request_id, amount, phone_number, reference,
		       status, result_code, result_desc, receipt_number, transaction_date,
		       created_at, processed_at, raw_callback_refs, sweep_attempts
		FROM payment_records
		WHERE status = $1 AND created_at < $2 AND sweep_attempts < $3
		ORDER BY created_at
		LIMIT 100
	`, models.StatusPending, cutoff, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	var recs []*models.PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *PaymentRepository) IncrementSweepAttempts(ctx context.Context, checkoutRequestID string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE payment_records
		SET sweep_attempts = sweep_attempts + 1
		WHERE checkout_request_id = $1
		RETURNING sweep_attempts
	`, checkoutRequestID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("increment sweep attempts: %w", err)
	}
	return attempts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.PaymentRecord, error) {
	var (
		rec         models.PaymentRecord
		amount      string
		resultCode  sql.NullInt64
		processedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.CheckoutRequestID, &rec.MerchantRequestID, &amount,
		&rec.PhoneNumber, &rec.Reference, &rec.Status, &resultCode, &rec.ResultDesc,
		&rec.ReceiptNumber, &rec.TransactionDate, &rec.CreatedAt, &processedAt,
		pq.Array(&rec.RawCallbackRefs), &rec.SweepAttempts)
	if err != nil {
		return nil, err
	}

	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	if resultCode.Valid {
		code := int(resultCode.Int64)
		rec.ResultCode = &code
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return &rec, nil
}
