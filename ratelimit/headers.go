package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderAppUsage             = "X-App-Usage"
	HeaderBusinessUseCaseUsage = "X-Business-Use-Case-Usage"
	HeaderAdAccountUsage       = "X-Ad-Account-Usage"
	HeaderRateLimitLimit       = "X-Ratelimit-Limit"
	HeaderRateLimitRemaining   = "X-Ratelimit-Remaining"
	HeaderRateLimitReset       = "X-Ratelimit-Reset"
	HeaderRetryAfter           = "Retry-After"
)

// Usage is the rate information carried by one response. Percentages are
// in [0, 100+]; a nil pointer means the header was absent or unreadable.
type Usage struct {
	App             *float64
	BusinessUseCase *float64
	AdAccount       *float64
	Generic         *float64
	ResetAt         *time.Time
	RegainAccess    time.Duration
	RetryAfter      time.Duration
}

// Empty reports whether no rate information was found.
func (u Usage) Empty() bool {
	return u.App == nil && u.BusinessUseCase == nil && u.AdAccount == nil &&
		u.Generic == nil && u.ResetAt == nil && u.RegainAccess == 0 && u.RetryAfter == 0
}

// ForScope returns the usage percentage that applies to kind. The app header
// governs the global scope; business use case and ad account headers govern
// credential scopes. Generic x-ratelimit headers apply to both.
func (u Usage) ForScope(kind ScopeKind) (float64, bool) {
	var candidates []*float64
	switch kind {
	case ScopeGlobal:
		candidates = []*float64{u.App, u.Generic}
	default:
		candidates = []*float64{u.BusinessUseCase, u.AdAccount, u.Generic}
	}
	found := false
	maximum := 0.0
	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if !found || *candidate > maximum {
			maximum = *candidate
		}
		found = true
	}
	return maximum, found
}

// LogFields returns the usage as flat fields.
func (u Usage) LogFields() map[string]any {
	fields := map[string]any{}
	for key, value := range map[string]*float64{
		"app_usage_pct":        u.App,
		"business_usage_pct":   u.BusinessUseCase,
		"ad_account_usage_pct": u.AdAccount,
		"ratelimit_usage_pct":  u.Generic,
	} {
		if value != nil {
			fields[key] = *value
		}
	}
	if u.ResetAt != nil {
		fields["reset_at"] = u.ResetAt.UTC().Format(time.RFC3339)
	}
	if u.RegainAccess > 0 {
		fields["regain_access_ms"] = u.RegainAccess.Milliseconds()
	}
	if u.RetryAfter > 0 {
		fields["retry_after_ms"] = u.RetryAfter.Milliseconds()
	}
	return fields
}

type appUsageHeader struct {
	CallCount    float64 `json:"call_count"`
	TotalTime    float64 `json:"total_time"`
	TotalCPUTime float64 `json:"total_cputime"`
}

type businessUseCaseEntry struct {
	Type                        string  `json:"type"`
	CallCount                   float64 `json:"call_count"`
	TotalTime                   float64 `json:"total_time"`
	TotalCPUTime                float64 `json:"total_cputime"`
	EstimatedTimeToRegainAccess float64 `json:"estimated_time_to_regain_access"`
}

type adAccountUsageHeader struct {
	AccIDUtilPct      float64 `json:"acc_id_util_pct"`
	ResetTimeDuration float64 `json:"reset_time_duration"`
}

// ParseUsage reads Meta usage headers together with the generic
// x-ratelimit-* and Retry-After headers.
func ParseUsage(header http.Header, now time.Time) Usage {
	usage := Usage{}
	if header == nil {
		return usage
	}

	if raw := strings.TrimSpace(header.Get(HeaderAppUsage)); raw != "" {
		var app appUsageHeader
		if err := json.Unmarshal([]byte(raw), &app); err == nil {
			value := max(app.CallCount, app.TotalTime, app.TotalCPUTime)
			usage.App = &value
		}
	}

	if raw := strings.TrimSpace(header.Get(HeaderBusinessUseCaseUsage)); raw != "" {
		var buc map[string][]businessUseCaseEntry
		if err := json.Unmarshal([]byte(raw), &buc); err == nil {
			found := false
			maximum := 0.0
			for _, entries := range buc {
				for _, entry := range entries {
					value := max(entry.CallCount, entry.TotalTime, entry.TotalCPUTime)
					if !found || value > maximum {
						maximum = value
					}
					found = true
					regain := time.Duration(entry.EstimatedTimeToRegainAccess * float64(time.Minute))
					usage.RegainAccess = max(usage.RegainAccess, regain)
				}
			}
			if found {
				usage.BusinessUseCase = &maximum
			}
		}
	}

	if raw := strings.TrimSpace(header.Get(HeaderAdAccountUsage)); raw != "" {
		var account adAccountUsageHeader
		if err := json.Unmarshal([]byte(raw), &account); err == nil {
			value := account.AccIDUtilPct
			usage.AdAccount = &value
			if account.ResetTimeDuration > 0 {
				resetAt := now.Add(time.Duration(account.ResetTimeDuration * float64(time.Second)))
				usage.ResetAt = laterOf(usage.ResetAt, resetAt)
			}
		}
	}

	limit, hasLimit := parseHeaderInt(header, HeaderRateLimitLimit)
	remaining, hasRemaining := parseHeaderInt(header, HeaderRateLimitRemaining)
	if hasLimit && hasRemaining && limit > 0 {
		value := float64(limit-remaining) / float64(limit) * 100
		usage.Generic = &value
	}
	if resetAt, ok := parseHeaderResetAt(header); ok {
		usage.ResetAt = laterOf(usage.ResetAt, resetAt)
	}

	if retryAfter, ok := ParseRetryAfter(header, now); ok {
		usage.RetryAfter = retryAfter
	}
	return usage
}

// ParseRetryAfter reads Retry-After as delta seconds or an HTTP date.
func ParseRetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}
	raw := strings.TrimSpace(header.Get(HeaderRetryAfter))
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds * float64(time.Second)), true
	}
	if retryAt, err := httpDate(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}

func parseHeaderInt(header http.Header, key string) (int, bool) {
	value := strings.TrimSpace(header.Get(key))
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(header http.Header) (time.Time, bool) {
	value := strings.TrimSpace(header.Get(HeaderRateLimitReset))
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func httpDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("ratelimit: empty date")
	}
	parsed, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("ratelimit: invalid http date")
	}
	return parsed.UTC(), nil
}

func laterOf(current *time.Time, candidate time.Time) *time.Time {
	if current != nil && current.After(candidate) {
		return current
	}
	value := candidate.UTC()
	return &value
}
