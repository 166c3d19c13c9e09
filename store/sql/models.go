package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type credentialRecord struct {
	bun.BaseModel `bun:"table:graph_credentials,alias:gc"`

	ID               string         `bun:"id,pk"`
	Identity         string         `bun:"identity,notnull"`
	EncryptedToken   []byte         `bun:"encrypted_token,notnull"`
	TokenFingerprint string         `bun:"token_fingerprint,notnull"`
	TokenType        string         `bun:"token_type,notnull"`
	SubjectID        string         `bun:"subject_id,notnull"`
	AppID            string         `bun:"app_id,notnull"`
	Scopes           []string       `bun:"scopes,type:jsonb,notnull"`
	Metadata         map[string]any `bun:"metadata,type:jsonb,notnull"`
	IssuedAt         *time.Time     `bun:"issued_at,nullzero"`
	ExpiresAt        *time.Time     `bun:"expires_at,nullzero"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:graph_webhook_events,alias:gwe"`

	ID                string         `bun:"id,pk"`
	DeliveryID        string         `bun:"delivery_id,notnull"`
	Object            string         `bun:"object,notnull"`
	EntryID           string         `bun:"entry_id,notnull"`
	Field             string         `bun:"field,notnull"`
	RawPayload        []byte         `bun:"raw_payload,notnull"`
	Verified          bool           `bun:"verified,notnull"`
	NormalizedPayload map[string]any `bun:"normalized_payload,type:jsonb,notnull"`
	State             string         `bun:"state,notnull"`
	Attempts          int            `bun:"attempts,notnull"`
	LastError         string         `bun:"last_error,notnull"`
	ReceivedAt        time.Time      `bun:"received_at,notnull"`
	UpdatedAt         time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateBudgetRecord struct {
	bun.BaseModel `bun:"table:graph_rate_budgets,alias:grb"`

	ID            string     `bun:"id,pk"`
	ScopeKind     string     `bun:"scope_kind,notnull"`
	ScopeID       string     `bun:"scope_id,notnull"`
	State         string     `bun:"state,notnull"`
	WindowStart   time.Time  `bun:"window_start,notnull"`
	WindowEnd     time.Time  `bun:"window_end,notnull"`
	Consumed      float64    `bun:"consumed,notnull"`
	LimitValue    float64    `bun:"limit_value,notnull"`
	ResetAt       *time.Time `bun:"reset_at,nullzero"`
	CooldownUntil *time.Time `bun:"cooldown_until,nullzero"`
	Source        string     `bun:"source,notnull"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
