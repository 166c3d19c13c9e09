package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/ratelimit"
)

var (
	_ gocmd.Querier[GetCredentialMessage, CredentialView]             = (*GetCredentialQuery)(nil)
	_ gocmd.Querier[ListExpiringCredentialsMessage, []CredentialView] = (*ListExpiringCredentialsQuery)(nil)
	_ gocmd.Querier[DequeueEventMessage, DequeueResult]               = (*DequeueEventQuery)(nil)
	_ gocmd.Querier[ListFailedEventsMessage, []core.WebhookEvent]     = (*ListFailedEventsQuery)(nil)
	_ gocmd.Querier[RateBudgetMessage, ratelimit.Budget]              = (*RateBudgetQuery)(nil)
)
