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

// WebhookEventStore persists webhook events. delivery_id carries a unique
// constraint; a conflicting insert is reported as an existing event.
type WebhookEventStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookEventRecord]
}

func NewWebhookEventStore(db *bun.DB) (*WebhookEventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookEventRecord](db, webhookEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook event repository wiring: %w", err)
		}
	}
	return &WebhookEventStore{db: db, repo: repo}, nil
}

func (s *WebhookEventStore) InsertIfAbsent(ctx context.Context, event core.WebhookEvent) (core.WebhookEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	event.DeliveryID = strings.TrimSpace(event.DeliveryID)
	if event.DeliveryID == "" {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: delivery id is required")
	}
	record := newWebhookEventRecord(event)

	res, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (delivery_id) DO NOTHING").
		Exec(ctx)
	if err != nil && !isUniqueViolation(err) {
		return core.WebhookEvent{}, false, err
	}
	if err == nil {
		if affected, rowsErr := res.RowsAffected(); rowsErr == nil && affected > 0 {
			return record.toDomain(), true, nil
		}
	}
	existing, getErr := s.Get(ctx, event.DeliveryID)
	if getErr != nil {
		return core.WebhookEvent{}, false, getErr
	}
	return existing, false, nil
}

func (s *WebhookEventStore) Get(ctx context.Context, deliveryID string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	record, err := findWebhookEvent(ctx, s.db, deliveryID)
	if err != nil {
		return core.WebhookEvent{}, err
	}
	return record.toDomain(), nil
}

// UpdateState applies a state transition. Transitions the event lifecycle
// does not allow are rejected without writing.
func (s *WebhookEventStore) UpdateState(ctx context.Context, update core.EventStateUpdate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findWebhookEvent(ctx, tx, update.DeliveryID)
		if err != nil {
			return err
		}
		event := record.toDomain()
		if err := event.TransitionTo(update.State, update.LastError, updatedAt); err != nil {
			return err
		}
		_, err = tx.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("state = ?", string(event.State)).
			Set("attempts = ?", update.Attempts).
			Set("last_error = ?", event.LastError).
			Set("updated_at = ?", event.UpdatedAt.UTC()).
			Where("id = ?", record.ID).
			Exec(ctx)
		return err
	})
}

func (s *WebhookEventStore) ListByState(ctx context.Context, state core.EventState, limit int) ([]core.WebhookEvent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	criteria := []repository.SelectCriteria{
		repository.SelectBy("state", "=", string(state)),
		repository.OrderBy("received_at ASC"),
		repository.OrderBy("delivery_id ASC"),
	}
	if limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(limit, 0))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.WebhookEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func findWebhookEvent(ctx context.Context, db bun.IDB, deliveryID string) (*webhookEventRecord, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	record := &webhookEventRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.delivery_id = ?", deliveryID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", core.ErrEventNotFound, deliveryID)
		}
		return nil, err
	}
	return record, nil
}

func newWebhookEventRecord(event core.WebhookEvent) *webhookEventRecord {
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	updatedAt := event.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = receivedAt
	}
	state := event.State
	if state == "" {
		state = core.EventStateReceived
	}
	return &webhookEventRecord{
		ID:                uuid.NewString(),
		DeliveryID:        event.DeliveryID,
		Object:            event.Object,
		EntryID:           event.EntryID,
		Field:             event.Field,
		RawPayload:        append([]byte{}, event.RawPayload...),
		Verified:          event.Verified,
		NormalizedPayload: copyAnyMap(event.NormalizedPayload),
		State:             string(state),
		Attempts:          event.Attempts,
		LastError:         event.LastError,
		ReceivedAt:        receivedAt.UTC(),
		UpdatedAt:         updatedAt.UTC(),
	}
}

func (r *webhookEventRecord) toDomain() core.WebhookEvent {
	if r == nil {
		return core.WebhookEvent{}
	}
	return core.WebhookEvent{
		DeliveryID:        r.DeliveryID,
		Object:            r.Object,
		EntryID:           r.EntryID,
		Field:             r.Field,
		RawPayload:        append([]byte(nil), r.RawPayload...),
		Verified:          r.Verified,
		NormalizedPayload: copyAnyMap(r.NormalizedPayload),
		State:             core.EventState(r.State),
		Attempts:          r.Attempts,
		LastError:         r.LastError,
		ReceivedAt:        r.ReceivedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
