package sqlstore

import "github.com/goliatone/go-graph-gateway/core"

var (
	_ core.TokenStore     = (*CredentialStore)(nil)
	_ core.ExpiringLister = (*CredentialStore)(nil)
	_ core.EventStore     = (*WebhookEventStore)(nil)
)
