package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrCredentialNotFound          = errors.New("core: credential not found")
	ErrEventNotFound               = errors.New("core: webhook event not found")
	ErrInvalidEventStateTransition = errors.New("core: invalid webhook event state transition")
	ErrInvalidTokenType            = errors.New("core: invalid token type")
)

type TokenType string

const (
	TokenTypeUser       TokenType = "user"
	TokenTypePage       TokenType = "page"
	TokenTypeInstagram  TokenType = "instagram"
	TokenTypeAdAccount  TokenType = "ad_account"
	TokenTypeSystemUser TokenType = "system_user"
)

func (t TokenType) Validate() error {
	switch t {
	case TokenTypeUser, TokenTypePage, TokenTypeInstagram, TokenTypeAdAccount, TokenTypeSystemUser:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTokenType, string(t))
	}
}

// Credential is an access token record keyed by a logical identity such as
// "page:1234" or "system_user:app".
type Credential struct {
	Identity    string
	AccessToken string
	TokenType   TokenType
	SubjectID   string
	AppID       string
	Scopes      []string
	IssuedAt    time.Time
	ExpiresAt   *time.Time
	Metadata    map[string]any
	UpdatedAt   time.Time
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.Identity) == "" {
		return fmt.Errorf("core: credential identity is required")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("core: credential access token is required")
	}
	if c.TokenType != "" {
		if err := c.TokenType.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Expired reports whether the credential is expired at now, treating tokens
// that expire within skew as already expired.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(*c.ExpiresAt)
}

// MissingScopes returns the required scopes the credential was not granted.
func (c Credential) MissingScopes(required ...string) []string {
	missing := []string{}
	for _, scope := range required {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if !slices.Contains(c.Scopes, scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}

// Fingerprint identifies the token without exposing it. It is stable for a
// given access token and safe to log or use as a rate-limit scope id.
func (c Credential) Fingerprint() string {
	return TokenFingerprint(c.AccessToken)
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential(%s, %s, token=%s)", c.Identity, c.TokenType, RedactedValue)
}

// LogFields returns a log-safe view of the credential.
func (c Credential) LogFields() map[string]any {
	fields := map[string]any{
		"identity":          c.Identity,
		"token_type":        string(c.TokenType),
		"subject_id":        c.SubjectID,
		"token_fingerprint": c.Fingerprint(),
		"scopes":            append([]string(nil), c.Scopes...),
	}
	if c.ExpiresAt != nil {
		fields["expires_at"] = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fields
}

func (c Credential) Clone() Credential {
	cloned := c
	cloned.Scopes = append([]string(nil), c.Scopes...)
	cloned.Metadata = cloneFields(c.Metadata)
	if c.ExpiresAt != nil {
		value := *c.ExpiresAt
		cloned.ExpiresAt = &value
	}
	return cloned
}

func TokenFingerprint(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

type EventState string

const (
	EventStateReceived  EventState = "received"
	EventStateQueued    EventState = "queued"
	EventStateDelivered EventState = "delivered"
	EventStateFailed    EventState = "failed"
)

// WebhookEvent is one normalized change from a verified webhook delivery.
type WebhookEvent struct {
	DeliveryID        string
	Object            string
	EntryID           string
	Field             string
	RawPayload        []byte
	Verified          bool
	NormalizedPayload map[string]any
	State             EventState
	Attempts          int
	LastError         string
	ReceivedAt        time.Time
	UpdatedAt         time.Time
}

func (e *WebhookEvent) TransitionTo(state EventState, reason string, now time.Time) error {
	if e == nil {
		return nil
	}
	if e.State == state {
		e.UpdatedAt = now
		if strings.TrimSpace(reason) != "" {
			e.LastError = strings.TrimSpace(reason)
		}
		return nil
	}
	if !eventTransitionAllowed(e.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidEventStateTransition, e.State, state)
	}
	e.State = state
	e.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		e.LastError = strings.TrimSpace(reason)
	}
	if state == EventStateDelivered {
		e.LastError = ""
	}
	return nil
}

func (e WebhookEvent) Clone() WebhookEvent {
	cloned := e
	cloned.RawPayload = append([]byte(nil), e.RawPayload...)
	cloned.NormalizedPayload = cloneFields(e.NormalizedPayload)
	return cloned
}

func eventTransitionAllowed(current, next EventState) bool {
	allowed := map[EventState]map[EventState]struct{}{
		EventStateReceived: {
			EventStateQueued: {},
			EventStateFailed: {},
		},
		EventStateQueued: {
			EventStateDelivered: {},
			EventStateFailed:    {},
		},
		EventStateFailed: {
			EventStateQueued: {},
		},
	}
	nextStates, ok := allowed[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}
