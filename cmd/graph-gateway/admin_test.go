package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gateway "github.com/goliatone/go-graph-gateway"
	"github.com/goliatone/go-graph-gateway/adapters/gocommand"
	"github.com/goliatone/go-graph-gateway/core"
	gatewayquery "github.com/goliatone/go-graph-gateway/query"
)

func newAdminServer(t *testing.T) *httptest.Server {
	t.Helper()
	server, _ := newAdminServerWithMetrics(t)
	return server
}

func newAdminServerWithMetrics(t *testing.T) (*httptest.Server, *core.MemoryMetrics) {
	t.Helper()
	cfg := gateway.DefaultConfig()
	cfg.Webhook.AppSecret = "admin-secret"
	metrics := core.NewMemoryMetrics()
	gw, err := gateway.New(context.Background(), cfg, gateway.WithMetricsRecorder(metrics))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })

	wiring, err := gocommand.Wire(gocommand.NewRegistryAdapter(nil), gw.CommandHandlers())
	if err != nil {
		t.Fatalf("wire: %v", err)
	}
	t.Cleanup(wiring.Unsubscribe)

	server := httptest.NewServer(newAdminMux(metrics))
	t.Cleanup(server.Close)
	return server, metrics
}

func TestAdmin_CredentialRoundTrip(t *testing.T) {
	server := newAdminServer(t)

	res, err := http.Post(server.URL+"/admin/credentials", "application/json", strings.NewReader(
		`{"identity":"page:111","access_token":"EAAB-page","token_type":"page","scopes":["pages_manage_posts"]}`))
	if err != nil {
		t.Fatalf("post credential: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.StatusCode)
	}

	res, err = http.Get(server.URL + "/admin/credentials/page:111")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	var view gatewayquery.CredentialView
	if err := json.NewDecoder(res.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Identity != "page:111" || view.TokenFingerprint != core.TokenFingerprint("EAAB-page") {
		t.Fatalf("unexpected view %#v", view)
	}
}

func TestAdmin_ErrorsMapToStatus(t *testing.T) {
	server := newAdminServer(t)

	res, err := http.Get(server.URL + "/admin/credentials/page:missing")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing credential, got %d", res.StatusCode)
	}

	res, err = http.Post(server.URL+"/admin/events/ack", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing delivery id, got %d", res.StatusCode)
	}

	res, err = http.Get(server.URL + "/admin/events/next")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on empty queue, got %d", res.StatusCode)
	}

	res, err = http.Get(server.URL + "/admin/events/ack")
	if err != nil {
		t.Fatalf("get ack: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for wrong method, got %d", res.StatusCode)
	}
}

func TestAdmin_MetricsSnapshot(t *testing.T) {
	server, metrics := newAdminServerWithMetrics(t)
	metrics.IncCounter(context.Background(), "graph.test.total", 2, map[string]string{"status": "success"})

	res, err := http.Get(server.URL + "/admin/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	var snapshot core.MetricsSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.Counters["graph.test.total{status=success}"] != 2 {
		t.Fatalf("unexpected counters %#v", snapshot.Counters)
	}
}

func TestLayeredLoader_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph-gateway.json")
	if err := os.WriteFile(path, []byte(`{"webhook":{"app_secret":"from-file","verify_token":"vt"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GGTEST_WEBHOOK__APP_SECRET", "from-env")

	raw, err := layeredLoader{path: path, prefix: "GGTEST_"}.LoadRaw(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	webhook, ok := raw["webhook"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested webhook config, got %#v", raw)
	}
	if webhook["app_secret"] != "from-env" || webhook["verify_token"] != "vt" {
		t.Fatalf("unexpected merged webhook config %#v", webhook)
	}
}

func TestLayeredLoader_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("GGTEST_DATABASE__DRIVER", "sqlite")

	raw, err := layeredLoader{path: filepath.Join(t.TempDir(), "absent.json"), prefix: "GGTEST_"}.LoadRaw(context.Background())
	if err != nil {
		t.Fatalf("expected absent file to be ignored, got %v", err)
	}
	database, ok := raw["database"].(map[string]any)
	if !ok || database["driver"] != "sqlite" {
		t.Fatalf("expected env-only database config, got %#v", raw)
	}
	if _, ok := raw["webhook"]; ok {
		t.Fatalf("expected no webhook keys without a file, got %#v", raw)
	}
}

func TestLayeredLoader_RejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph-gateway.json")
	if err := os.WriteFile(path, []byte(`{"webhook":`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := (layeredLoader{path: path}).LoadRaw(context.Background()); err == nil {
		t.Fatalf("expected malformed config file to fail")
	}
}
