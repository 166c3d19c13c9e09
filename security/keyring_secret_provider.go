package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-graph-gateway/core"
)

const DefaultKeyID = "app-key"

type Option func(*KeyringSecretProvider)

// KeyringSecretProvider seals access tokens with AES-GCM. The primary key
// encrypts; retired keys stay available for decryption so stored tokens
// survive a key rotation.
type KeyringSecretProvider struct {
	primary string
	keys    map[string]cipher.AEAD
}

// WithKeyID names the primary key. The id is stored in every envelope.
func WithKeyID(id string) Option {
	return func(p *KeyringSecretProvider) {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" || trimmed == p.primary {
			return
		}
		p.keys[trimmed] = p.keys[p.primary]
		delete(p.keys, p.primary)
		p.primary = trimmed
	}
}

// WithRetiredKey registers a decrypt-only key. Registering the primary key
// id is ignored.
func WithRetiredKey(id string, keyMaterial []byte) Option {
	return func(p *KeyringSecretProvider) {
		id = strings.TrimSpace(id)
		if id == "" || id == p.primary {
			return
		}
		aead, err := newAEAD(keyMaterial)
		if err != nil {
			return
		}
		p.keys[id] = aead
	}
}

func NewKeyringSecretProvider(keyMaterial []byte, opts ...Option) (*KeyringSecretProvider, error) {
	aead, err := newAEAD(keyMaterial)
	if err != nil {
		return nil, err
	}
	provider := &KeyringSecretProvider{
		primary: DefaultKeyID,
		keys:    map[string]cipher.AEAD{DefaultKeyID: aead},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	return provider, nil
}

func NewKeyringSecretProviderFromString(key string, opts ...Option) (*KeyringSecretProvider, error) {
	return NewKeyringSecretProvider([]byte(key), opts...)
}

func (p *KeyringSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	aead := p.keys[p.primary]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(p.primary))
	return encodeEnvelope(p.primary, nonce, sealed)
}

func (p *KeyringSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	aead, ok := p.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("security: unknown key id %q", env.KeyID)
	}
	nonce, sealed, err := env.parts()
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce size %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(env.KeyID))
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

// NeedsRotation reports whether ciphertext was sealed by a key other than
// the primary one.
func (p *KeyringSecretProvider) NeedsRotation(ciphertext []byte) bool {
	keyID, err := EnvelopeKeyID(ciphertext)
	if err != nil {
		return true
	}
	return p == nil || keyID != p.primary
}

func (p *KeyringSecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.primary
}

func newAEAD(keyMaterial []byte) (cipher.AEAD, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	block, err := aes.NewCipher(normalizeKey(key))
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return aead, nil
}

// normalizeKey hashes passphrases to an AES-256 key; raw 32-byte keys are
// used as given.
func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	return sum[:]
}

var _ core.SecretProvider = (*KeyringSecretProvider)(nil)
