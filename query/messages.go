package query

import (
	"strings"
	"time"

	"github.com/goliatone/go-graph-gateway/ratelimit"
)

const (
	TypeGetCredential          = "graph.query.credential.get"
	TypeListExpiringCredential = "graph.query.credential.expiring"
	TypeDequeueEvent           = "graph.query.event.dequeue"
	TypeListFailedEvents       = "graph.query.event.failed"
	TypeRateBudget             = "graph.query.rate_budget.get"
)

type GetCredentialMessage struct {
	Identity string
}

func (GetCredentialMessage) Type() string { return TypeGetCredential }

func (m GetCredentialMessage) Validate() error {
	if strings.TrimSpace(m.Identity) == "" {
		return queryValidationError("identity", "identity is required")
	}
	return nil
}

// ListExpiringCredentialsMessage selects credentials expiring within Window
// of Now. Zero values fall back to the default window and the current time.
type ListExpiringCredentialsMessage struct {
	Window time.Duration
	Now    time.Time
}

func (ListExpiringCredentialsMessage) Type() string { return TypeListExpiringCredential }

func (m ListExpiringCredentialsMessage) Validate() error {
	if m.Window < 0 {
		return queryValidationError("window", "window must not be negative")
	}
	return nil
}

// DequeueEventMessage takes the next event without blocking when Wait is
// false.
type DequeueEventMessage struct {
	Wait bool
}

func (DequeueEventMessage) Type() string { return TypeDequeueEvent }

func (DequeueEventMessage) Validate() error { return nil }

type ListFailedEventsMessage struct {
	Limit int
}

func (ListFailedEventsMessage) Type() string { return TypeListFailedEvents }

func (m ListFailedEventsMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}

type RateBudgetMessage struct {
	Scope ratelimit.Scope
}

func (RateBudgetMessage) Type() string { return TypeRateBudget }

func (m RateBudgetMessage) Validate() error {
	if err := m.Scope.Validate(); err != nil {
		return queryValidationError("scope", err.Error())
	}
	return nil
}
