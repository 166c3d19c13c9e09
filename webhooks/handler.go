package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/goliatone/go-graph-gateway/core"
)

// Handler serves the Graph webhook endpoint: GET for the subscription
// handshake and POST for signed deliveries.
type Handler struct {
	ingress *Ingress
}

func NewHandler(ingress *Ingress) *Handler {
	return &Handler{ingress: ingress}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		challenge, err := h.ingress.Handshake(r.Context(), r.URL.Query())
		if err != nil {
			writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "reason": "verification_failed"})
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
	case http.MethodPost:
		h.serveDelivery(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "reason": "method_not_allowed"})
	}
}

func (h *Handler) serveDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.ingress.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"ok": false, "reason": "body_too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "reason": "unreadable_body"})
		return
	}

	result, err := h.ingress.Ingest(r.Context(), InboundRequest{Header: r.Header, Body: body})
	if err != nil {
		reason := "internal_error"
		if failure, ok := core.AsFailure(err); ok {
			switch failure.Kind {
			case core.FailureSignatureInvalid:
				reason = "invalid_signature"
			case core.FailureClientError:
				reason = "invalid_payload"
			}
		}
		writeJSON(w, result.StatusCode, map[string]any{"ok": false, "reason": reason})
		return
	}
	writeJSON(w, result.StatusCode, map[string]any{
		"ok":         true,
		"queued":     len(result.Queued),
		"duplicates": len(result.Duplicates),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
