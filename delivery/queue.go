package delivery

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-graph-gateway/core"
)

var ErrQueueClosed = errors.New("delivery: queue closed")

type Option func(*Queue)

func WithLogger(logger core.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(q *Queue) {
		q.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(q *Queue) {
		q.metrics = recorder
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

type lease struct {
	event    core.WebhookEvent
	deadline time.Time
}

// Queue is safe for concurrent use. State changes are persisted through the
// event store, which stays the source of truth across restarts.
type Queue struct {
	cfg            core.DeliveryConfig
	store          core.EventStore
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	observer       core.Observer
	now            func() time.Time

	mu       sync.Mutex
	pending  *list.List
	index    map[string]*list.Element
	inflight map[string]*lease
	wake     chan struct{}
	closed   bool
}

func New(cfg core.DeliveryConfig, store core.EventStore, opts ...Option) *Queue {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.MaxRedeliveries < 0 {
		cfg.MaxRedeliveries = 0
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Second
	}
	if store == nil {
		store = core.NewMemoryEventStore()
	}
	q := &Queue{
		cfg:      cfg,
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		pending:  list.New(),
		index:    map[string]*list.Element{},
		inflight: map[string]*lease{},
		wake:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(q)
	}
	q.logger = core.ResolveLogger("graph.delivery", q.loggerProvider, q.logger)
	q.observer = core.NewObserver("graph", q.logger, q.metrics)
	return q
}

// Enqueue appends a queued event. Events already pending or in flight are
// left where they are.
func (q *Queue) Enqueue(ctx context.Context, event core.WebhookEvent) error {
	deliveryID := strings.TrimSpace(event.DeliveryID)
	if deliveryID == "" {
		return fmt.Errorf("delivery: delivery id is required")
	}
	event.DeliveryID = deliveryID
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if _, ok := q.index[deliveryID]; ok {
		q.mu.Unlock()
		return nil
	}
	if _, ok := q.inflight[deliveryID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.index[deliveryID] = q.pending.PushBack(event.Clone())
	q.signalLocked()
	q.mu.Unlock()

	q.observer.Count(ctx, "delivery_enqueued.total", 1, nil)
	return nil
}

// TryDequeue returns the head of the queue without waiting. Expired leases
// are reclaimed first.
func (q *Queue) TryDequeue(ctx context.Context) (core.WebhookEvent, bool) {
	q.ReapExpired(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Dequeue blocks until an event is available or ctx is done. The returned
// event is leased until Ack, Nack or the ack timeout.
func (q *Queue) Dequeue(ctx context.Context) (core.WebhookEvent, error) {
	for {
		q.ReapExpired(ctx)

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return core.WebhookEvent{}, ErrQueueClosed
		}
		if event, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return event, nil
		}
		wake := q.wake
		q.mu.Unlock()

		timer := time.NewTimer(q.cfg.ReapInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.WebhookEvent{}, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *Queue) popLocked() (core.WebhookEvent, bool) {
	front := q.pending.Front()
	if front == nil {
		return core.WebhookEvent{}, false
	}
	event := q.pending.Remove(front).(core.WebhookEvent)
	delete(q.index, event.DeliveryID)
	event.Attempts++
	q.inflight[event.DeliveryID] = &lease{event: event, deadline: q.now().Add(q.cfg.AckTimeout)}
	return event.Clone(), true
}

// Ack marks an event delivered. Acking an event that was already returned to
// the queue by a timeout still counts: it is removed and delivered.
func (q *Queue) Ack(ctx context.Context, deliveryID string) error {
	startedAt := time.Now()
	deliveryID = strings.TrimSpace(deliveryID)
	q.mu.Lock()
	event, ok := q.takeLocked(deliveryID)
	q.mu.Unlock()
	if !ok {
		return notInFlight(deliveryID)
	}

	err := q.store.UpdateState(ctx, core.EventStateUpdate{
		DeliveryID: deliveryID,
		State:      core.EventStateDelivered,
		Attempts:   event.Attempts,
		UpdatedAt:  q.now(),
	})
	q.observer.ObserveOperation(ctx, startedAt, "delivery_ack", err, map[string]any{
		"delivery_id": deliveryID,
		"attempts":    event.Attempts,
	})
	return err
}

// Nack returns an event to the front of the queue, or fails it once the
// redelivery budget is spent.
func (q *Queue) Nack(ctx context.Context, deliveryID string, reason string) error {
	deliveryID = strings.TrimSpace(deliveryID)
	q.mu.Lock()
	held, ok := q.inflight[deliveryID]
	if ok {
		delete(q.inflight, deliveryID)
	}
	q.mu.Unlock()
	if !ok {
		return notInFlight(deliveryID)
	}
	return q.redeliver(ctx, held.event, reason, false)
}

// Fail moves an in-flight event straight to failed without spending the
// rest of its redelivery budget.
func (q *Queue) Fail(ctx context.Context, deliveryID string, reason string) error {
	deliveryID = strings.TrimSpace(deliveryID)
	q.mu.Lock()
	held, ok := q.inflight[deliveryID]
	if ok {
		delete(q.inflight, deliveryID)
	}
	q.mu.Unlock()
	if !ok {
		return notInFlight(deliveryID)
	}
	return q.redeliver(ctx, held.event, reason, true)
}

// ReapExpired reclaims leases whose ack timeout elapsed and returns how many
// were reclaimed.
func (q *Queue) ReapExpired(ctx context.Context) int {
	now := q.now()
	q.mu.Lock()
	var expired []*lease
	for id, held := range q.inflight {
		if !now.Before(held.deadline) {
			expired = append(expired, held)
			delete(q.inflight, id)
		}
	}
	q.mu.Unlock()

	// Pushed to the front newest first so the oldest lease ends up at the head.
	slices.SortFunc(expired, func(a, b *lease) int { return b.deadline.Compare(a.deadline) })
	for _, held := range expired {
		if err := q.redeliver(ctx, held.event, "ack timeout", false); err != nil {
			q.observer.Log(ctx, core.LogLevelError, "failed to reclaim expired delivery", map[string]any{
				"delivery_id": held.event.DeliveryID,
				"error":       err.Error(),
			})
		}
	}
	return len(expired)
}

func (q *Queue) redeliver(ctx context.Context, event core.WebhookEvent, reason string, terminal bool) error {
	now := q.now()
	reason = strings.TrimSpace(reason)
	if terminal || event.Attempts > q.cfg.MaxRedeliveries {
		err := q.store.UpdateState(ctx, core.EventStateUpdate{
			DeliveryID: event.DeliveryID,
			State:      core.EventStateFailed,
			Attempts:   event.Attempts,
			LastError:  reason,
			UpdatedAt:  now,
		})
		q.observer.Count(ctx, "delivery_failed.total", 1, nil)
		q.observer.Log(ctx, core.LogLevelError, "webhook event failed", map[string]any{
			"delivery_id": event.DeliveryID,
			"attempts":    event.Attempts,
			"reason":      reason,
		})
		return err
	}

	event.LastError = reason
	event.UpdatedAt = now
	q.mu.Lock()
	if !q.closed {
		if _, ok := q.index[event.DeliveryID]; !ok {
			q.index[event.DeliveryID] = q.pending.PushFront(event)
			q.signalLocked()
		}
	}
	q.mu.Unlock()

	q.observer.Count(ctx, "delivery_redelivered.total", 1, nil)
	return q.store.UpdateState(ctx, core.EventStateUpdate{
		DeliveryID: event.DeliveryID,
		State:      core.EventStateQueued,
		Attempts:   event.Attempts,
		LastError:  reason,
		UpdatedAt:  now,
	})
}

// Failed lists events whose redelivery budget is spent.
func (q *Queue) Failed(ctx context.Context, limit int) ([]core.WebhookEvent, error) {
	return q.store.ListByState(ctx, core.EventStateFailed, limit)
}

// Requeue puts a failed event back at the end of the queue with a fresh
// redelivery budget.
func (q *Queue) Requeue(ctx context.Context, deliveryID string) error {
	event, err := q.store.Get(ctx, deliveryID)
	if err != nil {
		return err
	}
	if event.State != core.EventStateFailed {
		return goerrors.New("only failed events can be requeued", goerrors.CategoryConflict).
			WithCode(http.StatusConflict).
			WithTextCode(core.ErrorConflict).
			WithMetadata(map[string]any{"delivery_id": event.DeliveryID, "state": string(event.State)})
	}
	if err := q.store.UpdateState(ctx, core.EventStateUpdate{
		DeliveryID: event.DeliveryID,
		State:      core.EventStateQueued,
		UpdatedAt:  q.now(),
	}); err != nil {
		return err
	}
	event.State = core.EventStateQueued
	event.Attempts = 0
	return q.Enqueue(ctx, event)
}

// Run reclaims expired leases every reap interval until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.ReapExpired(ctx)
		}
	}
}

// Close wakes blocked consumers. Pending events stay persisted as queued and
// are picked up again by recovery.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *Queue) takeLocked(deliveryID string) (core.WebhookEvent, bool) {
	if held, ok := q.inflight[deliveryID]; ok {
		delete(q.inflight, deliveryID)
		return held.event, true
	}
	if element, ok := q.index[deliveryID]; ok {
		event := q.pending.Remove(element).(core.WebhookEvent)
		delete(q.index, deliveryID)
		return event, true
	}
	return core.WebhookEvent{}, false
}

// signalLocked wakes every waiting Dequeue.
func (q *Queue) signalLocked() {
	if q.closed {
		return
	}
	close(q.wake)
	q.wake = make(chan struct{})
}

func notInFlight(deliveryID string) error {
	return goerrors.New("webhook event is not pending delivery", goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(core.ErrorNotFound).
		WithMetadata(map[string]any{"delivery_id": deliveryID})
}
