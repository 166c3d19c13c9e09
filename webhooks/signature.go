package webhooks

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"net/http"
	"strings"

	"github.com/goliatone/go-graph-gateway/core"
)

const (
	HeaderSignature256  = "X-Hub-Signature-256"
	HeaderSignatureSHA1 = "X-Hub-Signature"
)

// SignatureVerifier checks the HMAC Graph attaches to every delivery.
type SignatureVerifier struct {
	Secret    string
	AllowSHA1 bool
}

func NewSignatureVerifier(secret string, allowSHA1 bool) SignatureVerifier {
	return SignatureVerifier{Secret: secret, AllowSHA1: allowSHA1}
}

// Verify compares the signature header against an HMAC of body. The sha256
// header wins when present; the sha1 header is only consulted when allowed.
func (v SignatureVerifier) Verify(header http.Header, body []byte) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return signatureFailure("webhook secret is not configured")
	}

	scheme, signature := "sha256", strings.TrimSpace(header.Get(HeaderSignature256))
	if signature == "" && v.AllowSHA1 {
		scheme, signature = "sha1", strings.TrimSpace(header.Get(HeaderSignatureSHA1))
	}
	if signature == "" {
		return signatureFailure("signature header is required")
	}

	prefix, value, ok := strings.Cut(signature, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(prefix), scheme) {
		return signatureFailure("signature header must use the " + scheme + "= scheme")
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return signatureFailure("signature is not hex encoded")
	}

	var newHash func() hash.Hash = sha256.New
	if scheme == "sha1" {
		newHash = sha1.New
	}
	mac := hmac.New(newHash, []byte(secret))
	_, _ = mac.Write(body)
	if subtle.ConstantTimeCompare(decoded, mac.Sum(nil)) != 1 {
		return signatureFailure("signature verification failed")
	}
	return nil
}

// Sign returns the sha256 header value for body. Used by senders and tests.
func (v SignatureVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(v.Secret)))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signatureFailure(message string) *core.Failure {
	return &core.Failure{
		Kind:       core.FailureSignatureInvalid,
		StatusCode: http.StatusUnauthorized,
		Message:    message,
	}
}
