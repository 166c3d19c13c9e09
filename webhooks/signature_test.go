package webhooks

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/goliatone/go-graph-gateway/core"
)

func TestSignatureVerifier_AcceptsSHA256OverRawBody(t *testing.T) {
	verifier := NewSignatureVerifier("app-secret", false)
	body := []byte(`{"object":"page","entry":[]}`)
	header := http.Header{}
	header.Set(HeaderSignature256, verifier.Sign(body))

	if err := verifier.Verify(header, body); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := verifier.Verify(header, append(body, ' ')); !core.IsFailureKind(err, core.FailureSignatureInvalid) {
		t.Fatalf("expected a single extra byte to invalidate the signature, got %v", err)
	}
}

func TestSignatureVerifier_Rejections(t *testing.T) {
	body := []byte(`{"object":"page"}`)
	sha1Header := func(secret string) string {
		mac := hmac.New(sha1.New, []byte(secret))
		_, _ = mac.Write(body)
		return "sha1=" + hex.EncodeToString(mac.Sum(nil))
	}

	tests := []struct {
		name     string
		verifier SignatureVerifier
		header   http.Header
		wantErr  bool
	}{
		{name: "missing header", verifier: NewSignatureVerifier("s", false), header: http.Header{}, wantErr: true},
		{name: "missing secret", verifier: NewSignatureVerifier("", false), header: http.Header{HeaderSignature256: {"sha256=00"}}, wantErr: true},
		{name: "wrong scheme", verifier: NewSignatureVerifier("s", false), header: http.Header{HeaderSignature256: {"md5=00"}}, wantErr: true},
		{name: "not hex", verifier: NewSignatureVerifier("s", false), header: http.Header{HeaderSignature256: {"sha256=zz"}}, wantErr: true},
		{name: "sha1 disallowed", verifier: NewSignatureVerifier("s", false), header: http.Header{HeaderSignatureSHA1: {sha1Header("s")}}, wantErr: true},
		{name: "sha1 allowed", verifier: NewSignatureVerifier("s", true), header: http.Header{HeaderSignatureSHA1: {sha1Header("s")}}, wantErr: false},
		{name: "sha1 wrong secret", verifier: NewSignatureVerifier("s", true), header: http.Header{HeaderSignatureSHA1: {sha1Header("other")}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.verifier.Verify(tt.header, body)
			if tt.wantErr {
				failure, ok := core.AsFailure(err)
				if !ok || failure.Kind != core.FailureSignatureInvalid || failure.Advice() != core.AdviceUntrustedInput {
					t.Fatalf("expected signature failure, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected signature to verify, got %v", err)
			}
		})
	}
}
