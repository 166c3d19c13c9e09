package webhooks

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goliatone/go-graph-gateway/core"
)

func TestHandler_HandshakeAndDelivery(t *testing.T) {
	ingress, _, queue := newTestIngress(t, core.WebhookConfig{VerifyToken: "verify-me"})
	server := httptest.NewServer(NewHandler(ingress))
	defer server.Close()

	res, err := http.Get(server.URL + "?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=abc")
	if err != nil {
		t.Fatalf("handshake request: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK || string(body) != "abc" {
		t.Fatalf("expected challenge echo, got %d %q", res.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(feedDelivery))
	req.Header.Set(HeaderSignature256, NewSignatureVerifier(testSecret, false).Sign([]byte(feedDelivery)))
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delivery request: %v", err)
	}
	var payload struct {
		OK     bool `json:"ok"`
		Queued int  `json:"queued"`
	}
	_ = json.NewDecoder(res.Body).Decode(&payload)
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK || !payload.OK || payload.Queued != 2 || queue.count() != 2 {
		t.Fatalf("unexpected delivery response %d %#v", res.StatusCode, payload)
	}
}

func TestHandler_RejectsWithConfiguredStatus(t *testing.T) {
	ingress, _, queue := newTestIngress(t, core.WebhookConfig{RejectStatus: http.StatusUnauthorized})
	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/graph", strings.NewReader(feedDelivery))
	req.Header.Set(HeaderSignature256, "sha256=deadbeef")

	NewHandler(ingress).ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected configured reject status, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "invalid_signature") || queue.count() != 0 {
		t.Fatalf("unexpected rejection body %q", recorder.Body.String())
	}
}

func TestHandler_BodyLimitAndMethods(t *testing.T) {
	ingress, _, _ := newTestIngress(t, core.WebhookConfig{MaxBodyBytes: 16})
	handler := NewHandler(ingress)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(bytes.Repeat([]byte("x"), 64))))
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}
}
