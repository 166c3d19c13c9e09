package security

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestKeyringSecretProvider_EncryptDecryptRoundTrip(t *testing.T) {
	provider, err := NewKeyringSecretProviderFromString("super-secret-test-key", WithKeyID("tokens-2026"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	plaintext := []byte("EAAB-page-token-123")
	encrypted, err := provider.Encrypt(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(encrypted, plaintext) {
		t.Fatalf("expected sealed payload to hide plaintext")
	}
	if !bytes.HasPrefix(encrypted, []byte(envelopePrefix)) {
		t.Fatalf("expected envelope prefix")
	}
	keyID, err := EnvelopeKeyID(encrypted)
	if err != nil || keyID != "tokens-2026" {
		t.Fatalf("expected key id tokens-2026, got %q (%v)", keyID, err)
	}

	decrypted, err := provider.Decrypt(context.Background(), encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected roundtrip plaintext; got %q", string(decrypted))
	}
	if provider.NeedsRotation(encrypted) {
		t.Fatalf("expected token sealed by primary key to be current")
	}
}

func TestKeyringSecretProvider_DecryptsWithRetiredKey(t *testing.T) {
	ctx := context.Background()
	old, err := NewKeyringSecretProviderFromString("old-key", WithKeyID("k1"))
	if err != nil {
		t.Fatalf("new old provider: %v", err)
	}
	sealed, err := old.Encrypt(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	rotated, err := NewKeyringSecretProviderFromString("new-key",
		WithKeyID("k2"),
		WithRetiredKey("k1", []byte("old-key")),
	)
	if err != nil {
		t.Fatalf("new rotated provider: %v", err)
	}
	plaintext, err := rotated.Decrypt(ctx, sealed)
	if err != nil {
		t.Fatalf("decrypt with retired key: %v", err)
	}
	if string(plaintext) != "payload" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
	if !rotated.NeedsRotation(sealed) {
		t.Fatalf("expected token sealed by retired key to need rotation")
	}
}

func TestKeyringSecretProvider_Rejects(t *testing.T) {
	ctx := context.Background()
	provider, err := NewKeyringSecretProviderFromString("key-a", WithKeyID("a"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	sealed, err := provider.Encrypt(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	sameIDOtherKey, err := NewKeyringSecretProviderFromString("key-b", WithKeyID("a"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	unknownID, err := NewKeyringSecretProviderFromString("key-a", WithKeyID("b"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	cases := []struct {
		name     string
		provider *KeyringSecretProvider
		input    []byte
	}{
		{name: "wrong key material", provider: sameIDOtherKey, input: sealed},
		{name: "unknown key id", provider: unknownID, input: sealed},
		{name: "missing prefix", provider: provider, input: []byte(strings.TrimPrefix(string(sealed), envelopePrefix))},
		{name: "plaintext", provider: provider, input: []byte("EAAB-raw-token")},
		{name: "empty", provider: provider, input: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.provider.Decrypt(ctx, tc.input); err == nil {
				t.Fatalf("expected decrypt error")
			}
		})
	}

	if _, err := provider.Encrypt(ctx, nil); err == nil {
		t.Fatalf("expected empty plaintext to be rejected")
	}
	if _, err := NewKeyringSecretProvider([]byte("  ")); err == nil {
		t.Fatalf("expected blank key material to be rejected")
	}
}
