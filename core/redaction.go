package core

import (
	"regexp"
	"strings"
)

const RedactedValue = "[REDACTED]"

const bodyExcerptLimit = 512

var (
	accessTokenParamPattern = regexp.MustCompile(`(?i)(access_token["']?\s*[=:]\s*["']?)[^"'&\s,}]+`)
	bearerPattern           = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`)
)

// RedactBody returns a log-safe excerpt of a response body: access tokens and
// bearer credentials are masked and the result is truncated to limit bytes.
func RedactBody(body []byte, limit int) string {
	if len(body) == 0 {
		return ""
	}
	if limit <= 0 {
		limit = bodyExcerptLimit
	}
	excerpt := string(body)
	truncated := false
	if len(excerpt) > limit {
		excerpt = excerpt[:limit]
		truncated = true
	}
	excerpt = accessTokenParamPattern.ReplaceAllString(excerpt, "${1}"+RedactedValue)
	excerpt = bearerPattern.ReplaceAllString(excerpt, "${1}"+RedactedValue)
	if truncated {
		excerpt += "..."
	}
	return excerpt
}

// ScrubSecrets replaces every occurrence of the given secrets in text.
func ScrubSecrets(text string, secrets ...string) string {
	for _, secret := range secrets {
		if strings.TrimSpace(secret) == "" {
			continue
		}
		text = strings.ReplaceAll(text, secret, RedactedValue)
	}
	return text
}

func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	sensitiveTokens := []string{
		"password",
		"secret",
		"token",
		"authorization",
		"api_key",
		"apikey",
		"access_key",
		"refresh",
		"credential",
		"signature",
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "identity",
		"scope_kind",
		"scope_id",
		"token_fingerprint",
		"token_type",
		"delivery_id",
		"idempotency_key",
		"fbtrace_id",
		"trace_id",
		"request_id":
		return true
	default:
		return false
	}
}
