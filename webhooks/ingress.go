package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-graph-gateway/core"
)

// Enqueuer receives events that reached the queued state.
type Enqueuer interface {
	Enqueue(ctx context.Context, event core.WebhookEvent) error
}

// InboundRequest is one webhook delivery as received by the transport.
// Body must be the raw bytes the signature was computed over.
type InboundRequest struct {
	Header     http.Header
	Body       []byte
	ReceivedAt time.Time
}

// IngestResult tells the transport how to answer the delivery.
type IngestResult struct {
	StatusCode int
	Accepted   bool
	Queued     []string
	Duplicates []string
	Ignored    int
}

type Option func(*Ingress)

func WithLogger(logger core.Logger) Option {
	return func(i *Ingress) {
		i.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(i *Ingress) {
		i.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(i *Ingress) {
		i.metrics = recorder
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Ingress) {
		if now != nil {
			i.now = now
		}
	}
}

// Ingress verifies, normalizes, deduplicates and enqueues webhook deliveries.
type Ingress struct {
	cfg            core.WebhookConfig
	verifier       SignatureVerifier
	store          core.EventStore
	queue          Enqueuer
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	observer       core.Observer
	now            func() time.Time
}

func NewIngress(cfg core.WebhookConfig, store core.EventStore, queue Enqueuer, opts ...Option) (*Ingress, error) {
	if store == nil {
		return nil, fmt.Errorf("webhooks: event store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("webhooks: enqueuer is required")
	}
	if cfg.RejectStatus == 0 {
		cfg.RejectStatus = http.StatusOK
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = core.DefaultWebhookMaxBody
	}
	i := &Ingress{
		cfg:      cfg,
		verifier: NewSignatureVerifier(cfg.AppSecret, cfg.AllowSHA1),
		store:    store,
		queue:    queue,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(i)
	}
	i.logger = core.ResolveLogger("graph.webhooks", i.loggerProvider, i.logger)
	i.observer = core.NewObserver("graph", i.logger, i.metrics)
	return i, nil
}

// Handshake answers the subscription verification request and returns the
// challenge to echo.
func (i *Ingress) Handshake(ctx context.Context, query url.Values) (string, error) {
	mode := strings.TrimSpace(query.Get("hub.mode"))
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")
	expected := strings.TrimSpace(i.cfg.VerifyToken)
	if mode != "subscribe" || expected == "" || token != expected || challenge == "" {
		i.observer.Log(ctx, core.LogLevelWarn, "webhook verification handshake rejected", map[string]any{
			"mode": mode,
		})
		i.observer.Count(ctx, "webhook_handshake.total", 1, map[string]string{"status": "rejected"})
		return "", goerrors.New("webhook verification handshake rejected", goerrors.CategoryAuthz).
			WithCode(http.StatusForbidden).
			WithTextCode(core.ErrorForbidden)
	}
	i.observer.Log(ctx, core.LogLevelInfo, "webhook verification handshake accepted", nil)
	i.observer.Count(ctx, "webhook_handshake.total", 1, map[string]string{"status": "accepted"})
	return challenge, nil
}

// Ingest processes one signed delivery. A signature mismatch returns a
// SignatureInvalid failure with the configured reject status; the body is
// never parsed or logged in that case.
func (i *Ingress) Ingest(ctx context.Context, req InboundRequest) (result IngestResult, err error) {
	startedAt := time.Now()
	defer func() {
		i.observer.ObserveOperation(ctx, startedAt, "webhook_ingest", err, map[string]any{
			"body_bytes": len(req.Body),
			"queued":     len(result.Queued),
			"duplicates": len(result.Duplicates),
		})
	}()

	if err := i.verifier.Verify(req.Header, req.Body); err != nil {
		i.observer.Count(ctx, "webhook_rejected.total", 1, nil)
		return IngestResult{StatusCode: i.cfg.RejectStatus}, err
	}

	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = i.now()
	}
	events, err := Normalize(req.Body, receivedAt)
	if err != nil {
		return IngestResult{StatusCode: http.StatusBadRequest}, err
	}

	result = IngestResult{StatusCode: http.StatusOK, Accepted: true}
	for _, event := range events {
		if !i.subscribed(event.Object) {
			result.Ignored++
			continue
		}
		stored, inserted, err := i.store.InsertIfAbsent(ctx, event)
		if err != nil {
			return IngestResult{StatusCode: http.StatusInternalServerError}, webhookWrapError(err,
				goerrors.CategoryInternal, "persist webhook event", http.StatusInternalServerError,
				map[string]any{"delivery_id": event.DeliveryID})
		}
		if !inserted {
			result.Duplicates = append(result.Duplicates, stored.DeliveryID)
			i.observer.Count(ctx, "webhook_duplicate.total", 1, map[string]string{"object": event.Object, "field": event.Field})
			i.observer.Log(ctx, core.LogLevelDebug, "webhook delivery already recorded", map[string]any{
				"delivery_id": stored.DeliveryID,
				"state":       string(stored.State),
			})
			continue
		}
		if err := i.enqueue(ctx, stored); err != nil {
			return IngestResult{StatusCode: http.StatusInternalServerError}, err
		}
		result.Queued = append(result.Queued, stored.DeliveryID)
	}
	return result, nil
}

// Recover pushes events left received or queued by a previous process back
// onto the queue, oldest first.
func (i *Ingress) Recover(ctx context.Context, limit int) (int, error) {
	recovered := 0
	for _, state := range []core.EventState{core.EventStateQueued, core.EventStateReceived} {
		events, err := i.store.ListByState(ctx, state, limit)
		if err != nil {
			return recovered, webhookWrapError(err, goerrors.CategoryInternal,
				"list webhook events for recovery", http.StatusInternalServerError,
				map[string]any{"state": string(state)})
		}
		for _, event := range events {
			if err := i.enqueue(ctx, event); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	if recovered > 0 {
		i.observer.Log(ctx, core.LogLevelInfo, "recovered webhook events", map[string]any{"count": recovered})
	}
	return recovered, nil
}

func (i *Ingress) enqueue(ctx context.Context, event core.WebhookEvent) error {
	now := i.now()
	if event.State != core.EventStateQueued {
		if err := i.store.UpdateState(ctx, core.EventStateUpdate{
			DeliveryID: event.DeliveryID,
			State:      core.EventStateQueued,
			Attempts:   event.Attempts,
			UpdatedAt:  now,
		}); err != nil {
			return webhookWrapError(err, goerrors.CategoryInternal, "mark webhook event queued",
				http.StatusInternalServerError, map[string]any{"delivery_id": event.DeliveryID})
		}
		if err := event.TransitionTo(core.EventStateQueued, "", now); err != nil {
			return err
		}
	}
	if err := i.queue.Enqueue(ctx, event); err != nil {
		return webhookWrapError(err, goerrors.CategoryInternal, "enqueue webhook event",
			http.StatusInternalServerError, map[string]any{"delivery_id": event.DeliveryID})
	}
	i.observer.Count(ctx, "webhook_queued.total", 1, map[string]string{"object": event.Object, "field": event.Field})
	return nil
}

func (i *Ingress) subscribed(object string) bool {
	if len(i.cfg.Objects) == 0 {
		return true
	}
	return slices.ContainsFunc(i.cfg.Objects, func(candidate string) bool {
		return strings.EqualFold(strings.TrimSpace(candidate), object)
	})
}
