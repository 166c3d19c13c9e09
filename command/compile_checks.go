package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[PutCredentialMessage] = (*PutCredentialCommand)(nil)
	_ gocmd.Commander[IngestWebhookMessage] = (*IngestWebhookCommand)(nil)
	_ gocmd.Commander[AckEventMessage]      = (*AckEventCommand)(nil)
	_ gocmd.Commander[NackEventMessage]     = (*NackEventCommand)(nil)
	_ gocmd.Commander[RequeueEventMessage]  = (*RequeueEventCommand)(nil)
)
