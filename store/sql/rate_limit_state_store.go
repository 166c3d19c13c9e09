package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-graph-gateway/ratelimit"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RateLimitStateStore keeps the last budget snapshot of each scope so a
// restarted limiter starts from observed usage.
type RateLimitStateStore struct {
	db   *bun.DB
	repo repository.Repository[*rateBudgetRecord]
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*rateBudgetRecord](db, rateBudgetHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid rate-limit state repository wiring: %w", err)
		}
	}
	return &RateLimitStateStore{db: db, repo: repo}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, scope ratelimit.Scope) (ratelimit.Budget, error) {
	if s == nil || s.db == nil {
		return ratelimit.Budget{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	scope = normalizeRateScope(scope)
	if err := scope.Validate(); err != nil {
		return ratelimit.Budget{}, err
	}
	record, err := findRateBudget(ctx, s.db, scope)
	if err != nil {
		return ratelimit.Budget{}, err
	}
	if record == nil {
		return ratelimit.Budget{}, ratelimit.ErrStateNotFound
	}
	return record.toDomain(), nil
}

func (s *RateLimitStateStore) Upsert(ctx context.Context, budget ratelimit.Budget) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	budget.Scope = normalizeRateScope(budget.Scope)
	if err := budget.Scope.Validate(); err != nil {
		return err
	}
	if budget.UpdatedAt.IsZero() {
		budget.UpdatedAt = time.Now().UTC()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findRateBudget(ctx, tx, budget.Scope)
		if err != nil {
			return err
		}
		created := false
		if record == nil {
			created = true
			record = &rateBudgetRecord{
				ID:        uuid.NewString(),
				CreatedAt: budget.UpdatedAt.UTC(),
			}
		}
		record.ScopeKind = string(budget.Scope.Kind)
		record.ScopeID = budget.Scope.ID
		record.State = string(budget.State)
		record.WindowStart = budget.WindowStart.UTC()
		record.WindowEnd = budget.WindowEnd.UTC()
		record.Consumed = budget.Consumed
		record.LimitValue = budget.Limit
		record.ResetAt = copyTimePointer(budget.ResetAt)
		record.CooldownUntil = copyTimePointer(budget.CooldownUntil)
		record.Source = budget.Source
		record.UpdatedAt = budget.UpdatedAt.UTC()

		if created {
			_, insertErr := tx.NewInsert().Model(record).Exec(ctx)
			return insertErr
		}
		_, updateErr := tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Exec(ctx)
		return updateErr
	})
}

// List returns every persisted budget, ordered by scope.
func (s *RateLimitStateStore) List(ctx context.Context) ([]ratelimit.Budget, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.OrderBy("scope_kind ASC"),
		repository.OrderBy("scope_id ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]ratelimit.Budget, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func findRateBudget(ctx context.Context, db bun.IDB, scope ratelimit.Scope) (*rateBudgetRecord, error) {
	record := &rateBudgetRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.scope_kind = ?", string(scope.Kind)).
		Where("?TableAlias.scope_id = ?", scope.ID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func (r *rateBudgetRecord) toDomain() ratelimit.Budget {
	if r == nil {
		return ratelimit.Budget{}
	}
	return ratelimit.Budget{
		Scope:         ratelimit.Scope{Kind: ratelimit.ScopeKind(r.ScopeKind), ID: r.ScopeID},
		State:         ratelimit.BudgetState(r.State),
		WindowStart:   r.WindowStart.UTC(),
		WindowEnd:     r.WindowEnd.UTC(),
		Consumed:      r.Consumed,
		Limit:         r.LimitValue,
		ResetAt:       copyTimePointer(r.ResetAt),
		CooldownUntil: copyTimePointer(r.CooldownUntil),
		Source:        r.Source,
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func normalizeRateScope(scope ratelimit.Scope) ratelimit.Scope {
	return ratelimit.Scope{
		Kind: ratelimit.ScopeKind(strings.ToLower(strings.TrimSpace(string(scope.Kind)))),
		ID:   strings.TrimSpace(scope.ID),
	}
}

var _ ratelimit.StateStore = (*RateLimitStateStore)(nil)
