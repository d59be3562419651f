package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/peopleops/pulse/pkg/jsonutil"
)

const (
	signatureHeader = "X-Pulse-Signature"
	maxBodyBytes    = 1 << 20
)

// Handler terminates the provider's webhook HTTP callbacks: it
// authenticates the payload, drops redeliveries, and hands fresh events
// to the processor.
type Handler struct {
	processor *Processor
	secret    string
	dedup     DedupStore
	log       *slog.Logger
}

func NewHandler(processor *Processor, secret string, dedup DedupStore, log *slog.Logger) *Handler {
	return &Handler{
		processor: processor,
		secret:    secret,
		dedup:     dedup,
		log:       log,
	}
}

// Register mounts the webhook route.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/channel", h.handleEvent).Methods(http.MethodPost)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !h.verifySignature(body, r.Header.Get(signatureHeader)) {
		h.log.Warn("rejecting webhook with bad signature", "remote", r.RemoteAddr)
		jsonutil.WriteErrorJSON(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if h.isDuplicate(r, &ev) {
		jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := h.processor.Process(r.Context(), &ev); err != nil {
		// Ledger failure: release the dedup mark and ask the provider to
		// redeliver, so the retry is not swallowed as a duplicate.
		h.release(r, &ev)
		h.log.Error("webhook processing failed", "event_id", ev.ID, "error", err)
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "processing failed")
		return
	}

	jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// verifySignature checks the HMAC-SHA256 of the raw body against the
// shared secret. Header format: "sha256=<hex>".
func (h *Handler) verifySignature(body []byte, header string) bool {
	if h.secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

// isDuplicate registers the event id and reports whether it was seen
// before. Without a dedup store (or an event id) every event is treated as
// fresh; the ledger's guarded updates make redelivery harmless anyway.
func (h *Handler) isDuplicate(r *http.Request, ev *Event) bool {
	if h.dedup == nil || ev.ID == "" {
		return false
	}
	first, err := h.dedup.Register(r.Context(), ev.ID)
	if err != nil {
		h.log.Warn("dedup check failed, processing anyway", "error", err)
		return false
	}
	return !first
}

func (h *Handler) release(r *http.Request, ev *Event) {
	if h.dedup == nil || ev.ID == "" {
		return
	}
	if err := h.dedup.Release(r.Context(), ev.ID); err != nil {
		h.log.Warn("failed to release dedup mark, redelivery may be dropped",
			"event_id", ev.ID, "error", err)
	}
}
