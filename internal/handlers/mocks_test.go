package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tulipay/mpesa-gateway/internal/models"
	"github.com/tulipay/mpesa-gateway/internal/mpesa"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]*models.PaymentRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*models.PaymentRecord)}
}

func (s *memStore) Create(_ context.Context, rec *models.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.CheckoutRequestID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, checkoutRequestID string) (*models.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[checkoutRequestID]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) CompareAndSwap(_ context.Context, checkoutRequestID string, expected models.PaymentStatus, update models.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[checkoutRequestID]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Status = update.Status
	if update.ResultCode != nil {
		code := *update.ResultCode
		rec.ResultCode = &code
	}
	if update.ResultDesc != "" {
		rec.ResultDesc = update.ResultDesc
	}
	if update.ReceiptNumber != "" {
		rec.ReceiptNumber = update.ReceiptNumber
	}
	if update.TransactionDate != "" {
		rec.TransactionDate = update.TransactionDate
	}
	if rec.ProcessedAt == nil {
		t := update.ProcessedAt
		rec.ProcessedAt = &t
	}
	if update.RawRef != "" {
		rec.RawCallbackRefs = append(rec.RawCallbackRefs, update.RawRef)
	}
	return true, nil
}

func (s *memStore) AppendRawRef(_ context.Context, checkoutRequestID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[checkoutRequestID]; ok {
		rec.RawCallbackRefs = append(rec.RawCallbackRefs, ref)
	}
	return nil
}

func (s *memStore) ListStalePending(_ context.Context, cutoff time.Time, maxAttempts int) ([]*models.PaymentRecord, error) {
	return nil, nil
}

func (s *memStore) IncrementSweepAttempts(_ context.Context, checkoutRequestID string) (int, error) {
	return 0, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (a *memAudit) Append(_ context.Context, event *models.AuditEvent) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	cp := *event
	a.events = append(a.events, &cp)
	return event.ID, nil
}

func (a *memAudit) countType(t models.AuditEventType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ev := range a.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu   sync.Mutex
	recs []*models.PaymentRecord
}

func (f *fakeNotifier) Enqueue(rec *models.PaymentRecord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return true
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

type fakePublisher struct{}

func (fakePublisher) Publish(_ context.Context, _ string, _ []byte) error { return nil }

type fakeGateway struct {
	initiateResult *mpesa.InitiateResult
	initiateErr    error
	reverseErr     error
	reversed       []string
}

func (g *fakeGateway) InitiatePushPayment(_ context.Context, _ string, _ decimal.Decimal, _, _ string) (*mpesa.InitiateResult, error) {
	return g.initiateResult, g.initiateErr
}

func (g *fakeGateway) ReverseTransaction(_ context.Context, transactionID string, _ decimal.Decimal, _ string) (bool, error) {
	if g.reverseErr != nil {
		return false, g.reverseErr
	}
	g.reversed = append(g.reversed, transactionID)
	return true, nil
}
