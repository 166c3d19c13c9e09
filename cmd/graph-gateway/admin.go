package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goliatone/go-graph-gateway/adapters/gocommand"
	gatewaycommand "github.com/goliatone/go-graph-gateway/command"
	"github.com/goliatone/go-graph-gateway/core"
	gatewayquery "github.com/goliatone/go-graph-gateway/query"
	"github.com/goliatone/go-graph-gateway/ratelimit"
)

type credentialPayload struct {
	Identity    string     `json:"identity"`
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	SubjectID   string     `json:"subject_id"`
	AppID       string     `json:"app_id"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type eventPayload struct {
	DeliveryID string `json:"delivery_id"`
	Reason     string `json:"reason"`
}

// newAdminMux routes admin calls through the go-command dispatcher. Handlers
// must already be wired. A nil metrics disables /admin/metrics.
func newAdminMux(metrics *core.MemoryMetrics) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/admin/credentials", putCredential)
	r.Get("/admin/credentials/expiring", listExpiringCredentials)
	r.Get("/admin/credentials/{identity}", getCredential)
	r.Get("/admin/events/next", nextEvent)
	r.Get("/admin/events/failed", failedEvents)
	r.Post("/admin/events/ack", ackEvent)
	r.Post("/admin/events/nack", nackEvent)
	r.Post("/admin/events/requeue", requeueEvent)
	r.Get("/admin/budgets/{kind}/{id}", rateBudget)
	if metrics != nil {
		r.Get("/admin/metrics", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, metrics.Snapshot())
		})
	}
	return r
}

func putCredential(w http.ResponseWriter, r *http.Request) {
	var payload credentialPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, core.NewFailure(core.FailureClientError, "invalid_body", err.Error()))
		return
	}
	err := gocommand.Dispatch(r.Context(), gatewaycommand.PutCredentialMessage{Credential: core.Credential{
		Identity:    payload.Identity,
		AccessToken: payload.AccessToken,
		TokenType:   core.TokenType(payload.TokenType),
		SubjectID:   payload.SubjectID,
		AppID:       payload.AppID,
		Scopes:      payload.Scopes,
		ExpiresAt:   payload.ExpiresAt,
	}})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func getCredential(w http.ResponseWriter, r *http.Request) {
	view, err := gocommand.Query[gatewayquery.GetCredentialMessage, gatewayquery.CredentialView](r.Context(),
		gatewayquery.GetCredentialMessage{Identity: chi.URLParam(r, "identity")})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func listExpiringCredentials(w http.ResponseWriter, r *http.Request) {
	msg := gatewayquery.ListExpiringCredentialsMessage{}
	if raw := r.URL.Query().Get("window"); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, core.NewFailure(core.FailureClientError, "invalid_window", err.Error()))
			return
		}
		msg.Window = window
	}
	views, err := gocommand.Query[gatewayquery.ListExpiringCredentialsMessage, []gatewayquery.CredentialView](r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func nextEvent(w http.ResponseWriter, r *http.Request) {
	result, err := gocommand.Query[gatewayquery.DequeueEventMessage, gatewayquery.DequeueResult](r.Context(),
		gatewayquery.DequeueEventMessage{Wait: r.URL.Query().Get("wait") == "true"})
	if err != nil {
		writeError(w, err)
		return
	}
	if !result.Found {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	writeJSON(w, http.StatusOK, result.Event)
}

func failedEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := gocommand.Query[gatewayquery.ListFailedEventsMessage, []core.WebhookEvent](r.Context(),
		gatewayquery.ListFailedEventsMessage{Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func ackEvent(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeEventPayload(w, r)
	if !ok {
		return
	}
	respond(w, gocommand.Dispatch(r.Context(), gatewaycommand.AckEventMessage{DeliveryID: payload.DeliveryID}))
}

func nackEvent(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeEventPayload(w, r)
	if !ok {
		return
	}
	respond(w, gocommand.Dispatch(r.Context(), gatewaycommand.NackEventMessage{
		DeliveryID: payload.DeliveryID,
		Reason:     payload.Reason,
	}))
}

func requeueEvent(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeEventPayload(w, r)
	if !ok {
		return
	}
	respond(w, gocommand.Dispatch(r.Context(), gatewaycommand.RequeueEventMessage{DeliveryID: payload.DeliveryID}))
}

func rateBudget(w http.ResponseWriter, r *http.Request) {
	scope := ratelimit.Scope{
		Kind: ratelimit.ScopeKind(strings.ToLower(chi.URLParam(r, "kind"))),
		ID:   chi.URLParam(r, "id"),
	}
	budget, err := gocommand.Query[gatewayquery.RateBudgetMessage, ratelimit.Budget](r.Context(),
		gatewayquery.RateBudgetMessage{Scope: scope})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

func decodeEventPayload(w http.ResponseWriter, r *http.Request) (eventPayload, bool) {
	var payload eventPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, core.NewFailure(core.FailureClientError, "invalid_body", err.Error()))
		return eventPayload{}, false
	}
	return payload, true
}

func respond(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func writeError(w http.ResponseWriter, err error) {
	mapped := core.MapError(err)
	writeJSON(w, mapped.Code, map[string]any{
		"ok":    false,
		"code":  mapped.TextCode,
		"error": mapped.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
