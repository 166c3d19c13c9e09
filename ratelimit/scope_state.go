package ratelimit

import (
	"math"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
	"golang.org/x/time/rate"
)

// minPaceFactor bounds how far near-limit pacing slows a scope down.
const minPaceFactor = 0.1

// scopeState is owned by a single actor goroutine and never shared.
type scopeState struct {
	budget    Budget
	bucket    *rate.Limiter
	baseLimit rate.Limit
	baseBurst int
	cfg       core.RateLimitConfig
	onChange  func(from, to BudgetState, budget Budget)
}

func newScopeState(scope Scope, cfg core.RateLimitConfig, now time.Time) *scopeState {
	perMinute := cfg.CredentialPerMinute
	if scope.Kind == ScopeGlobal {
		perMinute = cfg.GlobalPerMinute
	}
	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
		burst = perMinute
	}
	state := &scopeState{
		bucket:    rate.NewLimiter(limit, burst),
		baseLimit: limit,
		baseBurst: burst,
		cfg:       cfg,
		budget: Budget{
			Scope:     scope,
			State:     StateNormal,
			Limit:     float64(burst),
			Source:    SourceEstimate,
			UpdatedAt: now,
		},
	}
	state.startWindow(now)
	return state
}

// seed restores a persisted snapshot. Expired windows and elapsed cooldowns
// are ignored.
func (s *scopeState) seed(persisted Budget, now time.Time) {
	if persisted.Source == SourceHeaders && now.Before(persisted.WindowEnd) {
		s.budget.Consumed = persisted.Consumed
		s.budget.Limit = persisted.Limit
		s.budget.Source = SourceHeaders
		s.budget.WindowStart = persisted.WindowStart
		s.budget.WindowEnd = persisted.WindowEnd
		if persisted.ResetAt != nil {
			resetAt := *persisted.ResetAt
			s.budget.ResetAt = &resetAt
		}
		if persisted.State == StateNearLimit {
			s.pace(now, persisted.Consumed)
			s.setState(StateNearLimit)
		}
	}
	if persisted.CooldownUntil != nil && now.Before(*persisted.CooldownUntil) {
		until := *persisted.CooldownUntil
		s.budget.CooldownUntil = &until
		s.setState(StateCooldown)
	}
}

func (s *scopeState) startWindow(now time.Time) {
	s.budget.WindowStart = now
	window := s.cfg.UsageWindow
	if window <= 0 {
		window = time.Hour
	}
	s.budget.WindowEnd = now.Add(window)
}

// refresh applies time-driven transitions: cooldown expiry and window roll.
func (s *scopeState) refresh(now time.Time) {
	if s.budget.State == StateCooldown {
		if s.budget.CooldownUntil != nil && now.Before(*s.budget.CooldownUntil) {
			return
		}
		s.budget.CooldownUntil = nil
		s.resetWindow(now)
		s.restorePace(now)
		s.setState(StateNormal)
		return
	}
	if !now.Before(s.budget.WindowEnd) {
		s.resetWindow(now)
		if s.budget.State == StateNearLimit {
			s.restorePace(now)
			s.setState(StateNormal)
		}
	}
}

func (s *scopeState) resetWindow(now time.Time) {
	s.startWindow(now)
	s.budget.ResetAt = nil
	if s.budget.Source == SourceHeaders {
		s.budget.Consumed = 0
	}
}

// reserve takes one token from the scope. A zero delay means granted.
func (s *scopeState) reserve(now time.Time) (*rate.Reservation, time.Duration, time.Time) {
	s.refresh(now)
	if s.budget.State == StateCooldown && s.budget.CooldownUntil != nil {
		return nil, s.budget.CooldownUntil.Sub(now), *s.budget.CooldownUntil
	}
	reservation := s.bucket.ReserveN(now, 1)
	if !reservation.OK() {
		delay := s.cooldownDefault()
		return nil, delay, now.Add(delay)
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		resetAt := now.Add(delay)
		if s.budget.ResetAt != nil && s.budget.ResetAt.After(now) && s.budget.ResetAt.Before(resetAt) {
			resetAt = *s.budget.ResetAt
		}
		return nil, delay, resetAt
	}
	return reservation, 0, time.Time{}
}

func (s *scopeState) observe(now time.Time, usage Usage) {
	s.refresh(now)
	s.budget.UpdatedAt = now

	pct, hasPct := usage.ForScope(s.budget.Scope.Kind)
	if hasPct {
		if s.budget.Source == SourceHeaders && pct < s.budget.Consumed {
			s.resetWindow(now)
		}
		s.budget.Consumed = pct
		s.budget.Limit = 100
		s.budget.Source = SourceHeaders
	}
	if usage.ResetAt != nil && usage.ResetAt.After(now) {
		resetAt := *usage.ResetAt
		s.budget.ResetAt = &resetAt
		if resetAt.After(s.budget.WindowStart) {
			s.budget.WindowEnd = resetAt
		}
	}

	regain := time.Duration(0)
	if s.budget.Scope.Kind == ScopeCredential {
		regain = usage.RegainAccess
	}

	switch {
	case (hasPct && pct >= 100) || regain > 0:
		s.enterCooldown(now, regain)
	case s.budget.State == StateCooldown:
	case hasPct && pct >= s.nearLimitPercent():
		s.pace(now, pct)
		s.setState(StateNearLimit)
	case hasPct:
		s.restorePace(now)
		s.setState(StateNormal)
	}
}

// throttle records an upstream 429.
func (s *scopeState) throttle(now time.Time, retryAfter time.Duration) {
	s.refresh(now)
	s.budget.UpdatedAt = now
	s.enterCooldown(now, retryAfter)
}

func (s *scopeState) enterCooldown(now time.Time, hint time.Duration) {
	var until time.Time
	switch {
	case hint > 0:
		until = now.Add(hint)
	case s.budget.ResetAt != nil && s.budget.ResetAt.After(now):
		until = *s.budget.ResetAt
	default:
		until = now.Add(s.cooldownDefault())
	}
	if s.budget.CooldownUntil != nil && s.budget.CooldownUntil.After(until) {
		until = *s.budget.CooldownUntil
	}
	s.budget.CooldownUntil = &until
	s.setState(StateCooldown)
}

func (s *scopeState) pace(now time.Time, pct float64) {
	nearLimit := s.nearLimitPercent()
	factor := 1.0
	if nearLimit < 100 {
		factor = (100 - pct) / (100 - nearLimit)
	}
	factor = math.Max(minPaceFactor, math.Min(1, factor))
	if s.baseLimit != rate.Inf {
		s.bucket.SetLimitAt(now, s.baseLimit*rate.Limit(factor))
	}
	s.bucket.SetBurstAt(now, max(1, int(float64(s.baseBurst)*factor)))
}

func (s *scopeState) restorePace(now time.Time) {
	s.bucket.SetLimitAt(now, s.baseLimit)
	s.bucket.SetBurstAt(now, s.baseBurst)
}

func (s *scopeState) setState(next BudgetState) {
	current := s.budget.State
	if current == next || !transitionAllowed(current, next) {
		return
	}
	s.budget.State = next
	if s.onChange != nil {
		s.onChange(current, next, s.budget.Clone())
	}
}

func (s *scopeState) snapshot(now time.Time) Budget {
	s.refresh(now)
	budget := s.budget.Clone()
	if budget.Source == SourceEstimate && s.baseLimit != rate.Inf {
		tokens := s.bucket.TokensAt(now)
		burst := float64(s.bucket.Burst())
		budget.Limit = float64(s.baseBurst)
		budget.Consumed = math.Max(0, burst-tokens)
	}
	return budget
}

func (s *scopeState) nearLimitPercent() float64 {
	if s.cfg.NearLimitPercent > 0 {
		return s.cfg.NearLimitPercent
	}
	return 80
}

func (s *scopeState) cooldownDefault() time.Duration {
	if s.cfg.CooldownDefault > 0 {
		return s.cfg.CooldownDefault
	}
	return time.Minute
}
