package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

type ScopeKind string

const (
	ScopeGlobal     ScopeKind = "global"
	ScopeCredential ScopeKind = "credential"
)

// Scope names one rate-limit budget: the app-wide budget or the budget of a
// single credential.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func GlobalScope(appID string) Scope {
	return Scope{Kind: ScopeGlobal, ID: strings.TrimSpace(appID)}
}

func CredentialScope(id string) Scope {
	return Scope{Kind: ScopeCredential, ID: strings.TrimSpace(id)}
}

func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

func (s Scope) String() string {
	return s.Key()
}

func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal, ScopeCredential:
	default:
		return fmt.Errorf("ratelimit: invalid scope kind %q", s.Kind)
	}
	if s.Kind == ScopeCredential && strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("ratelimit: credential scope requires an id")
	}
	return nil
}

func normalizeScope(s Scope) Scope {
	return Scope{
		Kind: ScopeKind(strings.ToLower(strings.TrimSpace(string(s.Kind)))),
		ID:   strings.TrimSpace(s.ID),
	}
}

type BudgetState string

const (
	StateNormal    BudgetState = "normal"
	StateNearLimit BudgetState = "near_limit"
	StateCooldown  BudgetState = "cooldown"
)

const (
	SourceEstimate = "estimate"
	SourceHeaders  = "headers"
)

// Budget is a snapshot of one scope. Consumed is a predictive figure: it can
// exceed Limit after a burst and is corrected by the next header observation.
type Budget struct {
	Scope         Scope
	State         BudgetState
	WindowStart   time.Time
	WindowEnd     time.Time
	Consumed      float64
	Limit         float64
	ResetAt       *time.Time
	CooldownUntil *time.Time
	Source        string
	UpdatedAt     time.Time
}

// UsagePercent returns consumed as a percentage of limit.
func (b Budget) UsagePercent() float64 {
	if b.Limit <= 0 {
		return 0
	}
	return b.Consumed / b.Limit * 100
}

func (b Budget) Clone() Budget {
	cloned := b
	if b.ResetAt != nil {
		value := *b.ResetAt
		cloned.ResetAt = &value
	}
	if b.CooldownUntil != nil {
		value := *b.CooldownUntil
		cloned.CooldownUntil = &value
	}
	return cloned
}

var stateTransitions = map[BudgetState][]BudgetState{
	StateNormal:    {StateNearLimit, StateCooldown},
	StateNearLimit: {StateNormal, StateCooldown},
	StateCooldown:  {StateNormal},
}

func transitionAllowed(current, next BudgetState) bool {
	if current == next {
		return true
	}
	for _, candidate := range stateTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}
