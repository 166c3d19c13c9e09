package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorTransientNetwork  = "GRAPH_TRANSIENT_NETWORK"
	ErrorRateLimited       = "GRAPH_RATE_LIMITED"
	ErrorServerError       = "GRAPH_SERVER_ERROR"
	ErrorClientError       = "GRAPH_CLIENT_ERROR"
	ErrorSignatureInvalid  = "GRAPH_SIGNATURE_INVALID"
	ErrorDuplicateDelivery = "GRAPH_DUPLICATE_DELIVERY"
	ErrorExhausted         = "GRAPH_RETRY_EXHAUSTED"
	ErrorCancelled         = "GRAPH_CANCELLED"
	ErrorBadInput          = "GRAPH_BAD_INPUT"
	ErrorNotFound          = "GRAPH_NOT_FOUND"
	ErrorUnauthorized      = "GRAPH_UNAUTHORIZED"
	ErrorForbidden         = "GRAPH_FORBIDDEN"
	ErrorConflict          = "GRAPH_CONFLICT"
	ErrorExternalFailure   = "GRAPH_EXTERNAL_FAILURE"
	ErrorInternal          = "GRAPH_INTERNAL_ERROR"
)

type FailureKind string

const (
	FailureTransientNetwork  FailureKind = "transient_network"
	FailureRateLimited       FailureKind = "rate_limited"
	FailureServerError       FailureKind = "server_error"
	FailureClientError       FailureKind = "client_error"
	FailureSignatureInvalid  FailureKind = "signature_invalid"
	FailureDuplicateDelivery FailureKind = "duplicate_delivery"
	FailureExhausted         FailureKind = "exhausted"
	FailureCancelled         FailureKind = "cancelled"
)

// Advice tells tool-facing callers what to do with a failure.
type Advice string

const (
	AdviceRetryLater     Advice = "retry_later"
	AdviceFixRequest     Advice = "fix_request"
	AdviceUntrustedInput Advice = "untrusted_input"
	AdviceNone           Advice = "none"
)

const (
	ReasonAuth                   = "auth"
	ReasonPermission             = "permission"
	ReasonNotFound               = "not_found"
	ReasonConflict               = "conflict"
	ReasonValidation             = "validation"
	ReasonTimeout                = "timeout"
	ReasonCredentialNotFound     = "credential_not_found"
	ReasonCredentialExpired      = "credential_expired"
	ReasonMissingScopes          = "missing_scopes"
	ReasonIdempotencyKeyRequired = "idempotency_key_required"
	ReasonInvalidRequest         = "invalid_request"
	ReasonMalformedPayload       = "malformed_payload"
	ReasonBatchItemTimeout       = "batch_item_timeout"
)

// graphCodeInvalidToken is the Graph API error code for an expired or
// invalidated access token.
const graphCodeInvalidToken = 190

// GraphError is the error object returned by the Graph API in the body of
// non-2xx responses.
type GraphError struct {
	Message     string `json:"message"`
	Type        string `json:"type"`
	Code        int    `json:"code"`
	Subcode     int    `json:"error_subcode"`
	FBTraceID   string `json:"fbtrace_id"`
	UserTitle   string `json:"error_user_title"`
	UserMessage string `json:"error_user_msg"`
}

// ParseGraphError extracts the "error" object from a Graph response body.
func ParseGraphError(body []byte) (GraphError, bool) {
	if len(body) == 0 {
		return GraphError{}, false
	}
	var envelope struct {
		Error *GraphError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return GraphError{}, false
	}
	return *envelope.Error, true
}

// Failure is the structured failure returned by every gateway operation.
type Failure struct {
	Kind        FailureKind
	Reason      string
	StatusCode  int
	Message     string
	BodyExcerpt string
	Graph       *GraphError
	RetryAfter  time.Duration
	Attempts    int
	Details     map[string]any
	Cause       error
}

func NewFailure(kind FailureKind, reason string, message string) *Failure {
	return &Failure{Kind: kind, Reason: strings.TrimSpace(reason), Message: strings.TrimSpace(message)}
}

func (f *Failure) Error() string {
	if f == nil {
		return "graph: <nil failure>"
	}
	var b strings.Builder
	b.WriteString("graph: ")
	b.WriteString(string(f.Kind))
	if f.Reason != "" {
		b.WriteString(" (" + f.Reason + ")")
	}
	if f.Message != "" {
		b.WriteString(": " + f.Message)
	}
	if f.StatusCode > 0 {
		fmt.Fprintf(&b, " [status %d]", f.StatusCode)
	}
	if f.Kind == FailureExhausted && f.Cause != nil {
		fmt.Fprintf(&b, " after %d attempts: %s", f.Attempts, f.Cause.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// Retryable reports whether the failure class is retried by the client core.
func (f *Failure) Retryable() bool {
	if f == nil {
		return false
	}
	switch f.Kind {
	case FailureTransientNetwork, FailureRateLimited, FailureServerError:
		return true
	default:
		return false
	}
}

func (f *Failure) Advice() Advice {
	if f == nil {
		return AdviceNone
	}
	switch f.Kind {
	case FailureTransientNetwork, FailureRateLimited, FailureServerError, FailureExhausted:
		return AdviceRetryLater
	case FailureClientError:
		return AdviceFixRequest
	case FailureSignatureInvalid:
		return AdviceUntrustedInput
	default:
		return AdviceNone
	}
}

// LastFailure returns the failure that caused exhaustion, or f itself.
func (f *Failure) LastFailure() *Failure {
	if f == nil {
		return nil
	}
	var cause *Failure
	if f.Kind == FailureExhausted && errors.As(f.Cause, &cause) {
		return cause
	}
	return f
}

func (f *Failure) ToServiceError() *goerrors.Error {
	if f == nil {
		return nil
	}
	category, code, textCode := f.classify()
	metadata := map[string]any{
		"kind":   string(f.Kind),
		"advice": string(f.Advice()),
	}
	if f.Reason != "" {
		metadata["reason"] = f.Reason
	}
	if f.StatusCode > 0 {
		metadata["status_code"] = f.StatusCode
	}
	if f.BodyExcerpt != "" {
		metadata["body_excerpt"] = f.BodyExcerpt
	}
	if f.RetryAfter > 0 {
		metadata["retry_after_ms"] = f.RetryAfter.Milliseconds()
	}
	if f.Attempts > 0 {
		metadata["attempts"] = f.Attempts
	}
	if f.Graph != nil {
		metadata["graph_code"] = f.Graph.Code
		metadata["graph_subcode"] = f.Graph.Subcode
		metadata["graph_type"] = f.Graph.Type
		metadata["fbtrace_id"] = f.Graph.FBTraceID
	}
	for key, value := range RedactSensitiveMap(f.Details) {
		metadata[key] = value
	}
	var rich *goerrors.Error
	if f.Cause != nil {
		rich = goerrors.Wrap(f.Cause, category, f.Error())
	} else {
		rich = goerrors.New(f.Error(), category)
	}
	return rich.WithCode(code).WithTextCode(textCode).WithMetadata(metadata)
}

func (f *Failure) classify() (goerrors.Category, int, string) {
	switch f.Kind {
	case FailureTransientNetwork:
		return goerrors.CategoryExternal, http.StatusBadGateway, ErrorTransientNetwork
	case FailureRateLimited:
		return goerrors.CategoryRateLimit, http.StatusTooManyRequests, ErrorRateLimited
	case FailureServerError:
		return goerrors.CategoryExternal, http.StatusBadGateway, ErrorServerError
	case FailureSignatureInvalid:
		return goerrors.CategoryAuth, http.StatusUnauthorized, ErrorSignatureInvalid
	case FailureDuplicateDelivery:
		return goerrors.CategoryConflict, http.StatusConflict, ErrorDuplicateDelivery
	case FailureExhausted:
		return goerrors.CategoryExternal, http.StatusServiceUnavailable, ErrorExhausted
	case FailureCancelled:
		return goerrors.CategoryOperation, http.StatusRequestTimeout, ErrorCancelled
	}
	code := f.StatusCode
	switch f.Reason {
	case ReasonAuth, ReasonCredentialExpired:
		return goerrors.CategoryAuth, orStatus(code, http.StatusUnauthorized), ErrorClientError
	case ReasonPermission, ReasonMissingScopes:
		return goerrors.CategoryAuthz, orStatus(code, http.StatusForbidden), ErrorClientError
	case ReasonNotFound, ReasonCredentialNotFound:
		return goerrors.CategoryNotFound, orStatus(code, http.StatusNotFound), ErrorClientError
	case ReasonConflict:
		return goerrors.CategoryConflict, orStatus(code, http.StatusConflict), ErrorClientError
	default:
		return goerrors.CategoryBadInput, orStatus(code, http.StatusBadRequest), ErrorClientError
	}
}

func orStatus(code int, fallback int) int {
	if code > 0 {
		return code
	}
	return fallback
}

// ClassifyStatus maps a Graph response to a failure, or nil for 2xx/3xx.
func ClassifyStatus(statusCode int, body []byte) *Failure {
	if statusCode < 400 {
		return nil
	}
	failure := &Failure{StatusCode: statusCode, BodyExcerpt: RedactBody(body, bodyExcerptLimit)}
	if graphErr, ok := ParseGraphError(body); ok {
		failure.Graph = &graphErr
		failure.Message = graphErr.Message
	}
	if failure.Message == "" {
		failure.Message = strings.ToLower(http.StatusText(statusCode))
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		failure.Kind = FailureRateLimited
	case statusCode >= 500:
		failure.Kind = FailureServerError
	default:
		failure.Kind = FailureClientError
		failure.Reason = clientReason(statusCode, failure.Graph)
	}
	return failure
}

func clientReason(statusCode int, graphErr *GraphError) string {
	if statusCode == http.StatusUnauthorized || (graphErr != nil && graphErr.Code == graphCodeInvalidToken) {
		return ReasonAuth
	}
	switch statusCode {
	case http.StatusForbidden:
		return ReasonPermission
	case http.StatusNotFound:
		return ReasonNotFound
	case http.StatusConflict:
		return ReasonConflict
	default:
		return ReasonValidation
	}
}

func AsFailure(err error) (*Failure, bool) {
	var failure *Failure
	if errors.As(err, &failure) && failure != nil {
		return failure, true
	}
	return nil, false
}

func IsFailureKind(err error, kind FailureKind) bool {
	failure, ok := AsFailure(err)
	return ok && failure.Kind == kind
}

// MapError normalizes any error into a go-errors envelope with a stable text
// code and HTTP status.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if failure, ok := AsFailure(err); ok {
		return failure.ToServiceError()
	}

	// Sentinels win over envelopes added by dispatch layers.
	switch {
	case errors.Is(err, ErrCredentialNotFound), errors.Is(err, ErrEventNotFound):
		return newEnvelope(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case errors.Is(err, ErrInvalidEventStateTransition):
		return newEnvelope(err.Error(), goerrors.CategoryConflict, ErrorConflict)
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return newEnvelope(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newEnvelope(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newEnvelope(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(goerrors.New(message, category).WithTextCode(textCode))
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = HTTPStatusForCategory(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = TextCodeForCategory(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func TextCodeForCategory(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth:
		return ErrorUnauthorized
	case goerrors.CategoryAuthz:
		return ErrorForbidden
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryExternal:
		return ErrorExternalFailure
	default:
		return ErrorInternal
	}
}

func HTTPStatusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
