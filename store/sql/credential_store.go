package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// CredentialStore keeps one credential per identity. Access tokens are sealed
// with the configured secret provider before they are written.
type CredentialStore struct {
	db      *bun.DB
	repo    repository.Repository[*credentialRecord]
	secrets core.SecretProvider
}

func NewCredentialStore(db *bun.DB, secrets core.SecretProvider) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("sqlstore: secret provider is required to store credentials")
	}
	repo := repository.NewRepository[*credentialRecord](db, credentialHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credential repository wiring: %w", err)
		}
	}
	return &CredentialStore{db: db, repo: repo, secrets: secrets}, nil
}

func (s *CredentialStore) Get(ctx context.Context, identity string) (core.Credential, error) {
	if s == nil || s.repo == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	identity = strings.TrimSpace(identity)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("identity", "=", identity),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Credential{}, err
	}
	if len(records) == 0 {
		return core.Credential{}, fmt.Errorf("%w: %q", core.ErrCredentialNotFound, identity)
	}
	return s.toDomain(ctx, records[0])
}

// Put replaces the credential stored for identity.
func (s *CredentialStore) Put(ctx context.Context, identity string, credential core.Credential) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	credential.Identity = strings.TrimSpace(identity)
	if err := credential.Validate(); err != nil {
		return err
	}
	sealed, err := s.secrets.Encrypt(ctx, []byte(credential.AccessToken))
	if err != nil {
		return fmt.Errorf("sqlstore: seal access token: %w", err)
	}
	now := time.Now().UTC()
	if !credential.UpdatedAt.IsZero() {
		now = credential.UpdatedAt.UTC()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &credentialRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.identity = ?", credential.Identity).
			Limit(1).
			Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		record := newCredentialRecord(credential, sealed, now)
		if errors.Is(err, sql.ErrNoRows) {
			record.ID = uuid.NewString()
			_, createErr := s.repo.CreateTx(ctx, tx, record)
			return createErr
		}
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		_, updateErr := tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Exec(ctx)
		return updateErr
	})
}

// ExpiringWithin lists credentials expiring before now+window, soonest first.
func (s *CredentialStore) ExpiringWithin(ctx context.Context, window time.Duration, now time.Time) ([]core.Credential, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	if window <= 0 {
		window = core.DefaultExpiryWindow
	}
	var records []*credentialRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.expires_at IS NOT NULL").
		Where("?TableAlias.expires_at <= ?", now.Add(window).UTC()).
		OrderExpr("?TableAlias.expires_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.Credential, 0, len(records))
	for _, record := range records {
		credential, err := s.toDomain(ctx, record)
		if err != nil {
			return nil, err
		}
		out = append(out, credential)
	}
	return out, nil
}

func newCredentialRecord(credential core.Credential, sealed []byte, now time.Time) *credentialRecord {
	record := &credentialRecord{
		Identity:         credential.Identity,
		EncryptedToken:   sealed,
		TokenFingerprint: credential.Fingerprint(),
		TokenType:        string(credential.TokenType),
		SubjectID:        strings.TrimSpace(credential.SubjectID),
		AppID:            strings.TrimSpace(credential.AppID),
		Scopes:           append([]string{}, credential.Scopes...),
		Metadata:         copyAnyMap(credential.Metadata),
		ExpiresAt:        copyTimePointer(credential.ExpiresAt),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !credential.IssuedAt.IsZero() {
		issued := credential.IssuedAt.UTC()
		record.IssuedAt = &issued
	}
	return record
}

func (s *CredentialStore) toDomain(ctx context.Context, record *credentialRecord) (core.Credential, error) {
	token, err := s.secrets.Decrypt(ctx, record.EncryptedToken)
	if err != nil {
		return core.Credential{}, fmt.Errorf("sqlstore: open access token for %q: %w", record.Identity, err)
	}
	credential := core.Credential{
		Identity:    record.Identity,
		AccessToken: string(token),
		TokenType:   core.TokenType(record.TokenType),
		SubjectID:   record.SubjectID,
		AppID:       record.AppID,
		Scopes:      append([]string(nil), record.Scopes...),
		ExpiresAt:   copyTimePointer(record.ExpiresAt),
		Metadata:    copyAnyMap(record.Metadata),
		UpdatedAt:   record.UpdatedAt.UTC(),
	}
	if record.IssuedAt != nil {
		credential.IssuedAt = record.IssuedAt.UTC()
	}
	return credential, nil
}

func copyTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
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
