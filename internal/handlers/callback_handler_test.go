package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tulipay/mpesa-gateway/internal/models"
	"github.com/tulipay/mpesa-gateway/internal/service"
)

type callbackFixture struct {
	router   *gin.Engine
	store    *memStore
	audit    *memAudit
	notifier *fakeNotifier
}

func newCallbackFixture() *callbackFixture {
	gin.SetMode(gin.TestMode)
	store := newMemStore()
	audit := &memAudit{}
	notifier := &fakeNotifier{}
	recon := service.NewReconciler(store, audit, notifier, fakePublisher{}, zap.NewNop())
	h := NewCallbackHandler(audit, recon, zap.NewNop())

	r := gin.New()
	r.POST("/mpesa/callback", h.Receive)
	return &callbackFixture{router: r, store: store, audit: audit, notifier: notifier}
}

func (f *callbackFixture) post(body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)
	return w
}

func (f *callbackFixture) createPending(checkoutRequestID string) {
	f.store.Create(context.Background(), &models.PaymentRecord{
		ID:                uuid.New(),
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: "mr_1",
		Amount:            decimal.NewFromInt(100),
		PhoneNumber:       "254700000000",
		Reference:         "INV-42",
		Status:            models.StatusPending,
		CreatedAt:         time.Now().UTC(),
	})
}

func successBody(envelope, checkoutRequestID string) string {
	return fmt.Sprintf(`{
		"Body": {
			"%s": {
				"MerchantRequestID": "mr_1",
				"CheckoutRequestID": "%s",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 100.00},
						{"Name": "MpesaReceiptNumber", "Value": "ABC123"},
						{"Name": "TransactionDate", "Value": 20260314150926},
						{"Name": "PhoneNumber", "Value": 254700000000}
					]
				}
			}
		}
	}`, envelope, checkoutRequestID)
}

// End-to-end shape of a duplicated provider delivery: one transition, one
// side effect, both raw payloads audited.
func TestCallbackDuplicateDelivery(t *testing.T) {
	f := newCallbackFixture()
	f.createPending("ws_1")

	// The provider redelivers with either envelope casing.
	if w := f.post(successBody("stkCallback", "ws_1")); w.Code != http.StatusOK {
		t.Fatalf("first delivery: got %d, want 200", w.Code)
	}
	if w := f.post(successBody("StkCallback", "ws_1")); w.Code != http.StatusOK {
		t.Fatalf("second delivery: got %d, want 200", w.Code)
	}

	rec, err := f.store.Get(context.Background(), "ws_1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.StatusSuccess {
		t.Errorf("got status %s, want success", rec.Status)
	}
	if rec.ReceiptNumber != "ABC123" {
		t.Errorf("got receipt %q, want ABC123", rec.ReceiptNumber)
	}

	if n := f.notifier.count(); n != 1 {
		t.Errorf("side effects fired %d times, want 1", n)
	}
	if n := f.audit.countType(models.AuditRawCallback); n != 2 {
		t.Errorf("got %d raw audit entries, want 2", n)
	}
	if n := f.audit.countType(models.AuditApplied); n != 1 {
		t.Errorf("got %d applied decisions, want 1", n)
	}
	if n := f.audit.countType(models.AuditDuplicate); n != 1 {
		t.Errorf("got %d duplicate decisions, want 1", n)
	}
}

func TestCallbackUserCancelled(t *testing.T) {
	f := newCallbackFixture()
	f.createPending("ws_1")

	body := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "mr_1",
				"CheckoutRequestID": "ws_1",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`
	if w := f.post(body); w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}

	rec, _ := f.store.Get(context.Background(), "ws_1")
	if rec.Status != models.StatusFailed {
		t.Errorf("got status %s, want failed", rec.Status)
	}
	if rec.ResultDesc != "Request cancelled by user" {
		t.Errorf("got desc %q", rec.ResultDesc)
	}
	if f.notifier.count() != 0 {
		t.Error("cancelled payments must not fire side effects")
	}
}

func TestCallbackOrphanAcknowledged(t *testing.T) {
	f := newCallbackFixture()

	w := f.post(successBody("stkCallback", "ws_unknown"))
	if w.Code != http.StatusOK {
		t.Errorf("orphan callback: got %d, want 200", w.Code)
	}
	if n := f.audit.countType(models.AuditOrphan); n != 1 {
		t.Errorf("got %d orphan decisions, want 1", n)
	}
	// Raw payload is audited even though nothing matched it.
	if n := f.audit.countType(models.AuditRawCallback); n != 1 {
		t.Errorf("got %d raw audit entries, want 1", n)
	}
}

func TestCallbackUnknownShape(t *testing.T) {
	f := newCallbackFixture()

	w := f.post(`{"Result": {"code": "weird"}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", w.Code)
	}
	// Audit-first: the raw body is persisted before shape validation.
	if n := f.audit.countType(models.AuditRawCallback); n != 1 {
		t.Errorf("got %d raw audit entries, want 1", n)
	}
	if n := f.audit.countType(models.AuditUnknownShape); n != 1 {
		t.Errorf("got %d unknown-shape events, want 1", n)
	}
}
