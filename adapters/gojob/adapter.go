package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/delivery"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const JobIDDeliverEvent = "graph.webhook.deliver"

// EventQueue is the part of the delivery queue the adapters drive.
type EventQueue interface {
	Dequeue(ctx context.Context) (core.WebhookEvent, error)
	Ack(ctx context.Context, deliveryID string) error
	Nack(ctx context.Context, deliveryID string, reason string) error
	Fail(ctx context.Context, deliveryID string, reason string) error
}

// ToExecutionMessage maps a webhook event to a go-job message. The delivery
// id doubles as the idempotency key so downstream queues can drop
// redeliveries.
func ToExecutionMessage(event core.WebhookEvent) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:      JobIDDeliverEvent,
		ScriptPath: scriptPath(event),
		Parameters: map[string]any{
			"delivery_id": event.DeliveryID,
			"object":      event.Object,
			"entry_id":    event.EntryID,
			"field":       event.Field,
			"attempts":    event.Attempts,
			"payload":     copyAnyMap(event.NormalizedPayload),
			"received_at": event.ReceivedAt.UTC().Format(time.RFC3339Nano),
		},
		IdempotencyKey: event.DeliveryID,
	}
}

// DeliveryID extracts the delivery id carried by msg.
func DeliveryID(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	id, _ := msg.Parameters["delivery_id"].(string)
	return strings.TrimSpace(id)
}

func scriptPath(event core.WebhookEvent) string {
	parts := []string{"graph.webhook"}
	for _, part := range []string{event.Object, event.Field} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ".")
}

// QueueDequeuer exposes the delivery queue as a go-job dequeuer so go-job
// workers can consume webhook events directly.
type QueueDequeuer struct {
	events EventQueue
}

func NewQueueDequeuer(events EventQueue) *QueueDequeuer {
	return &QueueDequeuer{events: events}
}

func (d *QueueDequeuer) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if d == nil || d.events == nil {
		return nil, fmt.Errorf("gojob: event queue is not configured")
	}
	event, err := d.events.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return &eventDelivery{events: d.events, deliveryID: event.DeliveryID, msg: ToExecutionMessage(event)}, nil
}

type eventDelivery struct {
	events     EventQueue
	deliveryID string
	msg        *job.ExecutionMessage
}

func (d *eventDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *eventDelivery) Ack(ctx context.Context) error {
	return d.events.Ack(ctx, d.deliveryID)
}

// Nack hands the event back to the delivery queue. Delays are not honored;
// the queue redelivers at the front and fails the event once its
// redelivery budget is spent. Dead-letter, failed and canceled dispositions
// fail the event immediately.
func (d *eventDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		reason = "nack"
	}
	switch opts.Disposition {
	case queue.NackDispositionDeadLetter:
		return d.events.Fail(ctx, d.deliveryID, "dead_letter: "+reason)
	case queue.NackDispositionFailed:
		return d.events.Fail(ctx, d.deliveryID, reason)
	case queue.NackDispositionCanceled:
		return d.events.Fail(ctx, d.deliveryID, "canceled: "+reason)
	default:
		return d.events.Nack(ctx, d.deliveryID, reason)
	}
}

type Option func(*options)

type options struct {
	logger  core.Logger
	metrics core.MetricsRecorder
}

func WithLogger(logger core.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = recorder
	}
}

func resolveOptions(name string, opts []Option) core.Observer {
	resolved := options{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&resolved)
	}
	logger := core.ResolveLogger(name, nil, resolved.logger)
	return core.NewObserver(name, logger, resolved.metrics)
}

// Forwarder moves events from the delivery queue into a go-job queue. An
// event is acked locally only once the target accepted it.
type Forwarder struct {
	source   EventQueue
	target   queue.Enqueuer
	observer core.Observer
}

func NewForwarder(source EventQueue, target queue.Enqueuer, opts ...Option) *Forwarder {
	return &Forwarder{
		source:   source,
		target:   target,
		observer: resolveOptions("graph.gojob", opts),
	}
}

func (f *Forwarder) ForwardOne(ctx context.Context) (err error) {
	if f == nil || f.source == nil || f.target == nil {
		return fmt.Errorf("gojob: forwarder is not configured")
	}
	event, err := f.source.Dequeue(ctx)
	if err != nil {
		return err
	}
	startedAt := time.Now()
	defer func() {
		f.observer.ObserveOperation(ctx, startedAt, "forward", err, map[string]any{
			"delivery_id": event.DeliveryID,
			"object":      event.Object,
			"field":       event.Field,
		})
	}()

	if _, err = f.target.Enqueue(ctx, ToExecutionMessage(event)); err != nil {
		if nackErr := f.source.Nack(ctx, event.DeliveryID, "forward failed: "+err.Error()); nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return err
	}
	return f.source.Ack(ctx, event.DeliveryID)
}

// Run forwards until ctx is done or the delivery queue closes. Enqueue
// failures are logged and retried through the queue's redelivery.
func (f *Forwarder) Run(ctx context.Context) error {
	if f == nil || f.source == nil || f.target == nil {
		return fmt.Errorf("gojob: forwarder is not configured")
	}
	for {
		err := f.ForwardOne(ctx)
		switch {
		case err == nil:
		case errors.Is(err, delivery.ErrQueueClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		}
	}
}

// LoggingHook reports go-job worker lifecycle events for webhook jobs.
type LoggingHook struct {
	observer core.Observer
}

func NewLoggingHook(opts ...Option) *LoggingHook {
	return &LoggingHook{observer: resolveOptions("graph.gojob.worker", opts)}
}

func (h *LoggingHook) OnStart(ctx context.Context, event worker.Event) {
	h.observer.Log(ctx, core.LogLevelDebug, "webhook job started", workerFields(event))
}

func (h *LoggingHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.observer.ObserveOperation(ctx, event.StartedAt, "job", nil, workerFields(event))
}

func (h *LoggingHook) OnFailure(ctx context.Context, event worker.Event) {
	h.observer.ObserveOperation(ctx, event.StartedAt, "job", event.Err, workerFields(event))
}

func (h *LoggingHook) OnRetry(ctx context.Context, event worker.Event) {
	fields := workerFields(event)
	fields["delay_ms"] = event.Delay.Milliseconds()
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	h.observer.Count(ctx, "job.retry", 1, nil)
	h.observer.Log(ctx, core.LogLevelWarn, "webhook job retry scheduled", fields)
}

func workerFields(event worker.Event) map[string]any {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	fields := map[string]any{"attempt": event.Attempt}
	if message != nil {
		fields["job_id"] = message.JobID
		fields["delivery_id"] = DeliveryID(message)
	}
	return fields
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ queue.Dequeuer = (*QueueDequeuer)(nil)
	_ queue.Delivery = (*eventDelivery)(nil)
	_ worker.Hook    = (*LoggingHook)(nil)
	_ EventQueue     = (*delivery.Queue)(nil)
)
