package command

import (
	"strings"

	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/webhooks"
)

const (
	TypePutCredential = "graph.command.credential.put"
	TypeIngestWebhook = "graph.command.webhook.ingest"
	TypeAckEvent      = "graph.command.event.ack"
	TypeNackEvent     = "graph.command.event.nack"
	TypeRequeueEvent  = "graph.command.event.requeue"
)

type PutCredentialMessage struct {
	Credential core.Credential
}

func (PutCredentialMessage) Type() string { return TypePutCredential }

func (m PutCredentialMessage) Validate() error {
	if strings.TrimSpace(m.Credential.Identity) == "" {
		return commandValidationError("identity", "identity is required")
	}
	if strings.TrimSpace(m.Credential.AccessToken) == "" {
		return commandValidationError("access_token", "access token is required")
	}
	return commandWrapValidation(m.Credential.Validate(), "command: invalid credential")
}

type IngestWebhookMessage struct {
	Request webhooks.InboundRequest
}

func (IngestWebhookMessage) Type() string { return TypeIngestWebhook }

func (m IngestWebhookMessage) Validate() error {
	if len(m.Request.Body) == 0 {
		return commandValidationError("body", "delivery body is required")
	}
	return nil
}

type AckEventMessage struct {
	DeliveryID string
}

func (AckEventMessage) Type() string { return TypeAckEvent }

func (m AckEventMessage) Validate() error {
	return validateDeliveryID(m.DeliveryID)
}

type NackEventMessage struct {
	DeliveryID string
	Reason     string
}

func (NackEventMessage) Type() string { return TypeNackEvent }

func (m NackEventMessage) Validate() error {
	return validateDeliveryID(m.DeliveryID)
}

type RequeueEventMessage struct {
	DeliveryID string
}

func (RequeueEventMessage) Type() string { return TypeRequeueEvent }

func (m RequeueEventMessage) Validate() error {
	return validateDeliveryID(m.DeliveryID)
}

func validateDeliveryID(id string) error {
	if strings.TrimSpace(id) == "" {
		return commandValidationError("delivery_id", "delivery id is required")
	}
	return nil
}
