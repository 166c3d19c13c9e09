package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
	"golang.org/x/time/rate"
)

var ErrLimiterClosed = errors.New("ratelimit: limiter closed")

// Decision is the outcome of a reservation: a grant holding a Reservation, or
// a deferral telling the caller how long to wait before asking again.
type Decision struct {
	Granted     bool
	Reservation *Reservation
	RetryAfter  time.Duration
	ResetAt     time.Time
	Governing   Scope
}

// Reservation holds the tokens granted across every scope of one request.
type Reservation struct {
	grants   []grant
	released atomic.Bool
}

type grant struct {
	scope       Scope
	reservation *rate.Reservation
}

func (r *Reservation) Scopes() []Scope {
	if r == nil {
		return nil
	}
	scopes := make([]Scope, 0, len(r.grants))
	for _, item := range r.grants {
		scopes = append(scopes, item.scope)
	}
	return scopes
}

type Option func(*Limiter)

func WithStateStore(store StateStore) Option {
	return func(l *Limiter) {
		l.store = store
	}
}

func WithLogger(logger core.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(l *Limiter) {
		l.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(l *Limiter) {
		l.metrics = recorder
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter gates outgoing requests per scope. Every scope is owned by one actor
// goroutine; reserve, observe, release and snapshot requests are closures sent
// over the actor's inbox, so budget state is never touched concurrently.
type Limiter struct {
	cfg            core.RateLimitConfig
	store          StateStore
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	observer       core.Observer
	now            func() time.Time

	mu     sync.Mutex
	actors map[string]*scopeActor

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type scopeActor struct {
	inbox chan func(*scopeState)
}

func New(cfg core.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		actors: map[string]*scopeActor{},
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(l)
	}
	l.logger = core.ResolveLogger("graph.ratelimit", l.loggerProvider, l.logger)
	l.observer = core.NewObserver("graph.ratelimit", l.logger, l.metrics)
	return l
}

// Reserve asks every scope for one token. All scopes must grant; when any
// scope defers, tokens already granted are returned and the longest delay is
// reported, with ties going to the scope that resets first.
func (l *Limiter) Reserve(ctx context.Context, scopes ...Scope) (Decision, error) {
	scopes, err := normalizeScopes(scopes)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()
	granted := &Reservation{}
	deferred := Decision{}
	for _, scope := range scopes {
		var (
			res     *rate.Reservation
			delay   time.Duration
			resetAt time.Time
		)
		err := l.do(ctx, scope, func(state *scopeState) {
			res, delay, resetAt = state.reserve(now)
		})
		if err != nil {
			l.Release(granted)
			return Decision{}, err
		}
		if res != nil {
			granted.grants = append(granted.grants, grant{scope: scope, reservation: res})
			continue
		}
		if governs(delay, resetAt, deferred) {
			deferred = Decision{RetryAfter: delay, ResetAt: resetAt, Governing: scope}
		}
	}
	if deferred.RetryAfter > 0 {
		l.Release(granted)
		l.observer.Count(ctx, "reserve.deferred", 1, map[string]string{"scope_kind": string(deferred.Governing.Kind)})
		return deferred, nil
	}
	return Decision{Granted: true, Reservation: granted}, nil
}

func governs(delay time.Duration, resetAt time.Time, current Decision) bool {
	if delay <= 0 {
		return false
	}
	if delay != current.RetryAfter {
		return delay > current.RetryAfter
	}
	return current.ResetAt.IsZero() || resetAt.Before(current.ResetAt)
}

// Release returns the tokens of a reservation whose request was never sent.
// Releasing twice is a no-op.
func (l *Limiter) Release(reservation *Reservation) {
	if reservation == nil || !reservation.released.CompareAndSwap(false, true) {
		return
	}
	now := l.now()
	for _, item := range reservation.grants {
		target := item.reservation
		err := l.do(context.Background(), item.scope, func(*scopeState) {
			target.CancelAt(now)
		})
		if err != nil {
			target.CancelAt(now)
		}
	}
}

// Observe folds the rate headers of a response into the given scopes.
func (l *Limiter) Observe(ctx context.Context, scopes []Scope, header http.Header) (Usage, error) {
	now := l.now()
	usage := ParseUsage(header, now)
	if usage.Empty() {
		return usage, nil
	}
	scopes, err := normalizeScopes(scopes)
	if err != nil {
		return usage, err
	}
	for _, scope := range scopes {
		var snapshot Budget
		err := l.do(ctx, scope, func(state *scopeState) {
			state.observe(now, usage)
			snapshot = state.snapshot(now)
		})
		if err != nil {
			return usage, err
		}
		l.persist(ctx, snapshot)
	}
	return usage, nil
}

// Throttle puts scopes into cooldown after an upstream 429. A zero retryAfter
// falls back to the known reset time or the configured default cooldown.
func (l *Limiter) Throttle(ctx context.Context, scopes []Scope, retryAfter time.Duration) error {
	scopes, err := normalizeScopes(scopes)
	if err != nil {
		return err
	}
	now := l.now()
	for _, scope := range scopes {
		var snapshot Budget
		err := l.do(ctx, scope, func(state *scopeState) {
			state.throttle(now, retryAfter)
			snapshot = state.snapshot(now)
		})
		if err != nil {
			return err
		}
		l.persist(ctx, snapshot)
	}
	return nil
}

// Budget returns a snapshot of scope.
func (l *Limiter) Budget(ctx context.Context, scope Scope) (Budget, error) {
	scope = normalizeScope(scope)
	if err := scope.Validate(); err != nil {
		return Budget{}, err
	}
	var snapshot Budget
	err := l.do(ctx, scope, func(state *scopeState) {
		snapshot = state.snapshot(l.now())
	})
	return snapshot, err
}

// Close stops every scope actor. Pending callers receive ErrLimiterClosed.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
	return nil
}

func (l *Limiter) do(ctx context.Context, scope Scope, fn func(*scopeState)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	actor, err := l.actor(ctx, scope)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	op := func(state *scopeState) {
		defer close(done)
		fn(state)
	}
	select {
	case actor.inbox <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return ErrLimiterClosed
	}
	<-done
	return nil
}

func (l *Limiter) actor(ctx context.Context, scope Scope) (*scopeActor, error) {
	select {
	case <-l.stop:
		return nil, ErrLimiterClosed
	default:
	}
	key := scope.Key()
	l.mu.Lock()
	actor, ok := l.actors[key]
	l.mu.Unlock()
	if ok {
		return actor, nil
	}

	now := l.now()
	state := newScopeState(scope, l.cfg, now)
	if l.store != nil {
		persisted, err := l.store.Get(ctx, scope)
		switch {
		case err == nil:
			state.seed(persisted, now)
		case !errors.Is(err, ErrStateNotFound):
			l.observer.Log(ctx, core.LogLevelWarn, "rate limit state load failed", map[string]any{
				"scope_kind": string(scope.Kind),
				"scope_id":   scope.ID,
				"error":      err.Error(),
			})
		}
	}
	state.onChange = func(from, to BudgetState, budget Budget) {
		l.logTransition(from, to, budget)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.actors[key]; ok {
		return existing, nil
	}
	actor = &scopeActor{inbox: make(chan func(*scopeState))}
	l.actors[key] = actor
	l.wg.Add(1)
	go l.run(actor, state)
	return actor, nil
}

func (l *Limiter) run(actor *scopeActor, state *scopeState) {
	defer l.wg.Done()
	for {
		select {
		case op := <-actor.inbox:
			op(state)
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) persist(ctx context.Context, budget Budget) {
	if l.store == nil {
		return
	}
	if err := l.store.Upsert(ctx, budget); err != nil {
		l.observer.Log(ctx, core.LogLevelWarn, "rate limit state persist failed", map[string]any{
			"scope_kind": string(budget.Scope.Kind),
			"scope_id":   budget.Scope.ID,
			"error":      err.Error(),
		})
	}
}

func (l *Limiter) logTransition(from, to BudgetState, budget Budget) {
	fields := map[string]any{
		"scope_kind": string(budget.Scope.Kind),
		"scope_id":   budget.Scope.ID,
		"from":       string(from),
		"to":         string(to),
		"usage_pct":  budget.UsagePercent(),
	}
	if budget.CooldownUntil != nil {
		fields["cooldown_until"] = budget.CooldownUntil.UTC().Format(time.RFC3339)
	}
	level := core.LogLevelInfo
	if to == StateCooldown {
		level = core.LogLevelWarn
	}
	l.observer.Log(context.Background(), level, "rate limit state changed", fields)
	l.observer.Count(context.Background(), "state_transition", 1, map[string]string{
		"scope_kind": string(budget.Scope.Kind),
		"to":         string(to),
	})
}

func normalizeScopes(scopes []Scope) ([]Scope, error) {
	if len(scopes) == 0 {
		return nil, fmt.Errorf("ratelimit: at least one scope is required")
	}
	seen := map[string]struct{}{}
	out := make([]Scope, 0, len(scopes))
	for _, scope := range scopes {
		scope = normalizeScope(scope)
		if err := scope.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[scope.Key()]; ok {
			continue
		}
		seen[scope.Key()] = struct{}{}
		out = append(out, scope)
	}
	return out, nil
}
