package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tulipay/mpesa-gateway/internal/models"
	"github.com/tulipay/mpesa-gateway/internal/mpesa"
)

type fakeQuerier struct {
	result *mpesa.StatusResult
	err    error
	calls  int
}

func (q *fakeQuerier) QueryStatus(_ context.Context, _ string) (*mpesa.StatusResult, error) {
	q.calls++
	return q.result, q.err
}

func newTestSweeper(store *memStore, audit *memAudit, recon *Reconciler, q statusQuerier) *Sweeper {
	return NewSweeper(store, audit, recon, q, nil, zap.NewNop(), time.Minute, 2*time.Minute, 3)
}

func TestSweepResolvesStalePending(t *testing.T) {
	recon, store, _, notifier := newTestReconciler()
	ctx := context.Background()

	rec := pendingRecord("ws_1")
	rec.CreatedAt = time.Now().Add(-10 * time.Minute)
	store.Create(ctx, rec)

	q := &fakeQuerier{result: &mpesa.StatusResult{ResultCode: 0, ResultDesc: "processed"}}
	s := newTestSweeper(store, &memAudit{}, recon, q)

	s.sweepRecord(ctx, rec)

	got, _ := store.Get(ctx, "ws_1")
	if got.Status != models.StatusSuccess {
		t.Errorf("got status %s, want success", got.Status)
	}
	if got.SweepAttempts != 1 {
		t.Errorf("got %d sweep attempts, want 1", got.SweepAttempts)
	}
	if notifier.count() != 1 {
		t.Errorf("side effects fired %d times, want 1", notifier.count())
	}
}

func TestSweepSkipsStillProcessing(t *testing.T) {
	recon, store, _, _ := newTestReconciler()
	ctx := context.Background()

	rec := pendingRecord("ws_1")
	rec.CreatedAt = time.Now().Add(-10 * time.Minute)
	store.Create(ctx, rec)

	q := &fakeQuerier{err: &mpesa.GatewayError{Code: "500.001.1001", Description: "The transaction is being processed"}}
	audit := &memAudit{}
	s := newTestSweeper(store, audit, recon, q)

	s.sweepRecord(ctx, rec)

	got, _ := store.Get(ctx, "ws_1")
	if got.Status != models.StatusPending {
		t.Errorf("got status %s, want pending", got.Status)
	}
	if audit.countType(models.AuditSweepExhausted) != 0 {
		t.Error("still-processing must not be treated as exhaustion")
	}
}

func TestSweepExhaustionAudited(t *testing.T) {
	recon, store, _, _ := newTestReconciler()
	ctx := context.Background()

	rec := pendingRecord("ws_1")
	rec.CreatedAt = time.Now().Add(-10 * time.Minute)
	rec.SweepAttempts = 2 // next attempt hits the cap of 3
	store.Create(ctx, rec)

	q := &fakeQuerier{err: &mpesa.GatewayError{Code: "http_503", Description: "unavailable"}}
	audit := &memAudit{}
	s := newTestSweeper(store, audit, recon, q)

	s.sweepRecord(ctx, rec)

	if audit.countType(models.AuditSweepExhausted) != 1 {
		t.Error("exhausted sweep must be audited")
	}
	got, _ := store.Get(ctx, "ws_1")
	if got.Status != models.StatusPending {
		t.Errorf("exhausted record must stay pending for manual review, got %s", got.Status)
	}
}
