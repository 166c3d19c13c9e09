package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWebhookEventTransitionTo_ValidAndInvalid(t *testing.T) {
	now := time.Now().UTC()
	event := WebhookEvent{DeliveryID: "page:1:1:feed:0", State: EventStateReceived}

	if err := event.TransitionTo(EventStateQueued, "", now); err != nil {
		t.Fatalf("expected received->queued to work: %v", err)
	}
	if err := event.TransitionTo(EventStateQueued, "ack timeout", now); err != nil {
		t.Fatalf("expected queued->queued redelivery to work: %v", err)
	}
	if event.LastError != "ack timeout" {
		t.Fatalf("expected last error to be recorded, got %q", event.LastError)
	}
	if err := event.TransitionTo(EventStateDelivered, "", now); err != nil {
		t.Fatalf("expected queued->delivered to work: %v", err)
	}
	if event.LastError != "" {
		t.Fatalf("expected delivered to clear last error")
	}

	err := event.TransitionTo(EventStateQueued, "", now)
	if !errors.Is(err, ErrInvalidEventStateTransition) {
		t.Fatalf("expected invalid transition error, got: %v", err)
	}
}

func TestWebhookEventTransitionTo_FailedCanBeRequeued(t *testing.T) {
	now := time.Now().UTC()
	event := WebhookEvent{State: EventStateQueued}
	if err := event.TransitionTo(EventStateFailed, "max redeliveries", now); err != nil {
		t.Fatalf("expected queued->failed: %v", err)
	}
	if err := event.TransitionTo(EventStateQueued, "", now); err != nil {
		t.Fatalf("expected failed->queued for manual requeue: %v", err)
	}
	if err := event.TransitionTo(EventStateReceived, "", now); !errors.Is(err, ErrInvalidEventStateTransition) {
		t.Fatalf("expected queued->received to be rejected, got %v", err)
	}
}

func TestCredential_ExpiredRejectsWithinSkew(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	expiresAt := now.Add(2 * time.Minute)
	credential := Credential{Identity: "page:1", AccessToken: "EAAB", ExpiresAt: &expiresAt}

	if credential.Expired(now, 0) {
		t.Fatalf("expected credential to be valid without skew")
	}
	if !credential.Expired(now, 5*time.Minute) {
		t.Fatalf("expected credential inside skew window to count as expired")
	}
	if !credential.Expired(expiresAt, 0) {
		t.Fatalf("expected credential to be expired at its expiry instant")
	}

	noExpiry := Credential{Identity: "system_user:1", AccessToken: "EAAC"}
	if noExpiry.Expired(now, time.Hour) {
		t.Fatalf("expected credential without expiry to never expire")
	}
}

func TestCredential_NeverExposesToken(t *testing.T) {
	credential := Credential{
		Identity:    "page:42",
		AccessToken: "EAAB-very-secret",
		TokenType:   TokenTypePage,
		Scopes:      []string{"pages_manage_posts"},
	}
	if strings.Contains(credential.String(), credential.AccessToken) {
		t.Fatalf("expected String() to redact the token")
	}
	for key, value := range credential.LogFields() {
		if text, ok := value.(string); ok && strings.Contains(text, credential.AccessToken) {
			t.Fatalf("expected log field %q to not contain the token", key)
		}
	}
	if credential.Fingerprint() == "" || credential.Fingerprint() != TokenFingerprint("EAAB-very-secret") {
		t.Fatalf("expected stable fingerprint")
	}
}

func TestCredential_MissingScopes(t *testing.T) {
	credential := Credential{Scopes: []string{"ads_read", "pages_show_list"}}
	missing := credential.MissingScopes("ads_read", "ads_management", " ")
	if len(missing) != 1 || missing[0] != "ads_management" {
		t.Fatalf("expected ads_management to be missing, got %#v", missing)
	}
}

func TestTokenType_Validate(t *testing.T) {
	if err := TokenTypeAdAccount.Validate(); err != nil {
		t.Fatalf("expected ad_account to be valid: %v", err)
	}
	if err := TokenType("bot").Validate(); !errors.Is(err, ErrInvalidTokenType) {
		t.Fatalf("expected invalid token type error, got %v", err)
	}
}
