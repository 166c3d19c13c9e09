package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestClassifyStatus_Taxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   FailureKind
		reason string
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, kind: FailureRateLimited},
		{name: "server error", status: http.StatusServiceUnavailable, kind: FailureServerError},
		{name: "unauthorized", status: http.StatusUnauthorized, kind: FailureClientError, reason: ReasonAuth},
		{
			name:   "expired token code",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"Error validating access token","type":"OAuthException","code":190,"fbtrace_id":"AbC"}}`,
			kind:   FailureClientError,
			reason: ReasonAuth,
		},
		{name: "forbidden", status: http.StatusForbidden, kind: FailureClientError, reason: ReasonPermission},
		{name: "not found", status: http.StatusNotFound, kind: FailureClientError, reason: ReasonNotFound},
		{name: "conflict", status: http.StatusConflict, kind: FailureClientError, reason: ReasonConflict},
		{name: "validation", status: http.StatusUnprocessableEntity, kind: FailureClientError, reason: ReasonValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			failure := ClassifyStatus(tc.status, []byte(tc.body))
			if failure == nil {
				t.Fatalf("expected failure for status %d", tc.status)
			}
			if failure.Kind != tc.kind || failure.Reason != tc.reason {
				t.Fatalf("expected %s/%s, got %s/%s", tc.kind, tc.reason, failure.Kind, failure.Reason)
			}
			if failure.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, failure.StatusCode)
			}
		})
	}
	if failure := ClassifyStatus(http.StatusOK, nil); failure != nil {
		t.Fatalf("expected nil failure for 200, got %v", failure)
	}
}

func TestClassifyStatus_ParsesGraphErrorAndRedactsBody(t *testing.T) {
	body := []byte(`{"error":{"message":"Invalid parameter","code":100,"error_subcode":33,"fbtrace_id":"trace-1"},"access_token":"EAAB-leaked"}`)
	failure := ClassifyStatus(http.StatusBadRequest, body)
	if failure.Graph == nil || failure.Graph.Code != 100 || failure.Graph.FBTraceID != "trace-1" {
		t.Fatalf("expected parsed graph error, got %#v", failure.Graph)
	}
	if failure.Message != "Invalid parameter" {
		t.Fatalf("expected graph message, got %q", failure.Message)
	}
	if strings.Contains(failure.BodyExcerpt, "EAAB-leaked") {
		t.Fatalf("expected body excerpt to redact access token: %s", failure.BodyExcerpt)
	}
	if failure.Retryable() {
		t.Fatalf("expected client error to be terminal")
	}
	if failure.Advice() != AdviceFixRequest {
		t.Fatalf("expected fix_request advice, got %q", failure.Advice())
	}
}

func TestFailureToServiceError_MapsCategoriesAndMetadata(t *testing.T) {
	cause := ClassifyStatus(http.StatusServiceUnavailable, nil)
	exhausted := &Failure{Kind: FailureExhausted, Message: "retry budget exhausted", Attempts: 3, Cause: cause}

	rich := exhausted.ToServiceError()
	if rich.Category != goerrors.CategoryExternal || rich.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected envelope %s/%d", rich.Category, rich.Code)
	}
	if rich.TextCode != ErrorExhausted {
		t.Fatalf("expected %s, got %s", ErrorExhausted, rich.TextCode)
	}
	if rich.Metadata["attempts"] != 3 || rich.Metadata["advice"] != string(AdviceRetryLater) {
		t.Fatalf("unexpected metadata: %#v", rich.Metadata)
	}
	if exhausted.LastFailure() != cause {
		t.Fatalf("expected last failure to be the 503 cause")
	}
	if !strings.Contains(exhausted.Error(), "after 3 attempts") {
		t.Fatalf("expected attempts in error text: %s", exhausted.Error())
	}

	expired := &Failure{Kind: FailureClientError, Reason: ReasonCredentialExpired}
	if got := expired.ToServiceError(); got.Category != goerrors.CategoryAuth || got.Code != http.StatusUnauthorized {
		t.Fatalf("expected auth/401 for expired credential, got %s/%d", got.Category, got.Code)
	}
	cancelled := &Failure{Kind: FailureCancelled}
	if got := cancelled.ToServiceError(); got.TextCode != ErrorCancelled || got.Code != http.StatusRequestTimeout {
		t.Fatalf("unexpected cancelled mapping %s/%d", got.TextCode, got.Code)
	}
}

func TestMapError_NormalizesPlainErrors(t *testing.T) {
	if MapError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}

	wrapped := fmt.Errorf("lookup: %w", ErrCredentialNotFound)
	if got := MapError(wrapped); got.Category != goerrors.CategoryNotFound || got.TextCode != ErrorNotFound {
		t.Fatalf("expected not found envelope, got %s/%s", got.Category, got.TextCode)
	}

	if got := MapError(ErrInvalidEventStateTransition); got.Code != http.StatusConflict {
		t.Fatalf("expected conflict for invalid transition, got %d", got.Code)
	}

	failure := &Failure{Kind: FailureSignatureInvalid, Message: "signature mismatch"}
	if got := MapError(fmt.Errorf("ingest: %w", failure)); got.TextCode != ErrorSignatureInvalid {
		t.Fatalf("expected signature text code, got %s", got.TextCode)
	}

	internal := MapError(errors.New("boom"))
	if internal.Code == 0 || strings.TrimSpace(internal.TextCode) == "" {
		t.Fatalf("expected envelope to be completed, got %#v", internal)
	}
}

func TestIsFailureKind(t *testing.T) {
	err := fmt.Errorf("execute: %w", NewFailure(FailureRateLimited, "", "slow down"))
	if !IsFailureKind(err, FailureRateLimited) {
		t.Fatalf("expected wrapped failure kind to match")
	}
	if IsFailureKind(errors.New("plain"), FailureRateLimited) {
		t.Fatalf("expected plain error to not match")
	}
}
