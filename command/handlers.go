package command

import (
	"context"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/webhooks"
)

type CredentialWriter interface {
	Put(ctx context.Context, identity string, credential core.Credential) error
}

type WebhookIngester interface {
	Ingest(ctx context.Context, req webhooks.InboundRequest) (webhooks.IngestResult, error)
}

// EventAcknowledger settles events handed out by the delivery queue.
type EventAcknowledger interface {
	Ack(ctx context.Context, deliveryID string) error
	Nack(ctx context.Context, deliveryID string, reason string) error
	Requeue(ctx context.Context, deliveryID string) error
}

type PutCredentialCommand struct {
	writer CredentialWriter
}

func NewPutCredentialCommand(writer CredentialWriter) *PutCredentialCommand {
	return &PutCredentialCommand{writer: writer}
}

func (c *PutCredentialCommand) Execute(ctx context.Context, msg PutCredentialMessage) error {
	if c == nil || c.writer == nil {
		return commandDependencyError("command: credential store is required")
	}
	credential := msg.Credential.Clone()
	credential.Identity = strings.TrimSpace(credential.Identity)
	return c.writer.Put(ctx, credential.Identity, credential)
}

// IngestWebhookCommand runs one delivery through the ingress. The ingest
// result is stored in the context collector even when ingestion fails, so
// callers can answer with its status code.
type IngestWebhookCommand struct {
	ingester WebhookIngester
}

func NewIngestWebhookCommand(ingester WebhookIngester) *IngestWebhookCommand {
	return &IngestWebhookCommand{ingester: ingester}
}

func (c *IngestWebhookCommand) Execute(ctx context.Context, msg IngestWebhookMessage) error {
	if c == nil || c.ingester == nil {
		return commandDependencyError("command: webhook ingress is required")
	}
	out, err := c.ingester.Ingest(ctx, msg.Request)
	storeResult(ctx, out)
	return err
}

type AckEventCommand struct {
	events EventAcknowledger
}

func NewAckEventCommand(events EventAcknowledger) *AckEventCommand {
	return &AckEventCommand{events: events}
}

func (c *AckEventCommand) Execute(ctx context.Context, msg AckEventMessage) error {
	if c == nil || c.events == nil {
		return commandDependencyError("command: delivery queue is required")
	}
	return c.events.Ack(ctx, strings.TrimSpace(msg.DeliveryID))
}

type NackEventCommand struct {
	events EventAcknowledger
}

func NewNackEventCommand(events EventAcknowledger) *NackEventCommand {
	return &NackEventCommand{events: events}
}

func (c *NackEventCommand) Execute(ctx context.Context, msg NackEventMessage) error {
	if c == nil || c.events == nil {
		return commandDependencyError("command: delivery queue is required")
	}
	reason := strings.TrimSpace(msg.Reason)
	if reason == "" {
		reason = "nack"
	}
	return c.events.Nack(ctx, strings.TrimSpace(msg.DeliveryID), reason)
}

type RequeueEventCommand struct {
	events EventAcknowledger
}

func NewRequeueEventCommand(events EventAcknowledger) *RequeueEventCommand {
	return &RequeueEventCommand{events: events}
}

func (c *RequeueEventCommand) Execute(ctx context.Context, msg RequeueEventMessage) error {
	if c == nil || c.events == nil {
		return commandDependencyError("command: delivery queue is required")
	}
	return c.events.Requeue(ctx, strings.TrimSpace(msg.DeliveryID))
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
