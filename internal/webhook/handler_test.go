package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"github.com/peopleops/pulse/internal/delivery"
)

func newTestHandler(t *testing.T, secret string) *Handler {
	t.Helper()
	f := newFixture(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(f.processor, secret, nil, log)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postEvent(t *testing.T, h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	r := mux.NewRouter()
	h.Register(r)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/channel", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerAcceptsSignedEvent(t *testing.T) {
	h := newTestHandler(t, "topsecret")
	body := []byte(`{"id":"ev1","event":"status","data":{"message_id":"msg_x","status":"delivered"}}`)

	w := postEvent(t, h, body, sign("topsecret", body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	h := newTestHandler(t, "topsecret")
	body := []byte(`{"id":"ev1","event":"status","data":{}}`)

	for _, sig := range []string{"", "sha256=deadbeef", sign("wrongsecret", body)} {
		if w := postEvent(t, h, body, sig); w.Code != http.StatusUnauthorized {
			t.Errorf("signature %q: status = %d, want %d", sig, w.Code, http.StatusUnauthorized)
		}
	}
}

func TestHandlerSkipsVerificationWithoutSecret(t *testing.T) {
	h := newTestHandler(t, "")
	body := []byte(`{"id":"ev1","event":"inbound","data":{"from":"12025550100","text":"hi"}}`)

	if w := postEvent(t, h, body, ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandlerRejectsMalformedJSON(t *testing.T) {
	h := newTestHandler(t, "")
	if w := postEvent(t, h, []byte("{not json"), ""); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// memDedup is an in-memory DedupStore with redis SetNX/Del semantics.
type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDedup() *memDedup {
	return &memDedup{seen: make(map[string]bool)}
}

func (d *memDedup) Register(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedup) Release(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

// flakyLedger fails the first n provider-id lookups, then delegates.
type flakyLedger struct {
	delivery.Ledger
	mu       sync.Mutex
	failures int
}

func (l *flakyLedger) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*delivery.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, errTransientStore
	}
	return l.Ledger.FindByProviderMessageID(ctx, providerMessageID)
}

func TestHandlerRedeliveryAfterProcessingFailure(t *testing.T) {
	ledger := delivery.NewMemoryLedger()
	flaky := &flakyLedger{Ledger: ledger, failures: 1}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	processor := NewProcessor(flaky, &memoryResponses{}, fakeContent{}, nil, nil, log)
	h := NewHandler(processor, "", newMemDedup(), log)

	f := &fixture{ledger: ledger}
	rec := f.sentRecord(t, "s1", "e1", "12025550100", "msg_1")

	body := []byte(`{"id":"ev-9","event":"status","data":{"message_id":"msg_1","status":"delivered"}}`)

	// First attempt hits a ledger failure: the provider is told to
	// redeliver and the dedup mark must not stick.
	if w := postEvent(t, h, body, ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("first delivery status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if got := ledger.Get(rec.ID); got.Status != delivery.StatusSent {
		t.Fatalf("record status after failed attempt = %s, want sent", got.Status)
	}

	// The redelivery carries the same event id and must be processed.
	w := postEvent(t, h, body, "")
	if w.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d (body %s), want %d", w.Code, w.Body.String(), http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "duplicate") {
		t.Fatal("redelivery was dropped as a duplicate")
	}
	if got := ledger.Get(rec.ID); got.Status != delivery.StatusDelivered {
		t.Fatalf("record status after redelivery = %s, want delivered", got.Status)
	}

	// Now that the event is applied, a further redelivery is a duplicate.
	w = postEvent(t, h, body, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "duplicate") {
		t.Errorf("third delivery = %d %q, want 200 duplicate", w.Code, w.Body.String())
	}
	if got := ledger.Get(rec.ID); got.DeliveredAt == nil {
		t.Error("delivered_at not set after redelivery")
	}
}
