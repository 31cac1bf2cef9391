package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testProjectID = "logqr-test"

type jwksFixture struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
	requests   *atomic.Int32
}

func newJWKSFixture(t *testing.T) jwksFixture {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	document := map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": "test-key",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
		}},
	}

	requests := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_ = json.NewEncoder(w).Encode(document)
	}))
	t.Cleanup(server.Close)

	return jwksFixture{privateKey: privateKey, server: server, requests: requests}
}

func (f jwksFixture) verifier(t *testing.T) *FirebaseVerifier {
	t.Helper()
	verifier, err := NewFirebaseVerifier(FirebaseVerifierConfig{
		ProjectID:  testProjectID,
		JWKSURL:    f.server.URL,
		HTTPClient: f.server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return verifier
}

func (f jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(f.privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	now := time.Now().UTC()
	return jwt.MapClaims{
		"aud":            testProjectID,
		"iss":            "https://securetoken.google.com/" + testProjectID,
		"sub":            "firebase-uid-1",
		"email":          "Owner@Example.com ",
		"email_verified": true,
		"name":           "Café Owner",
		"auth_time":      now.Add(-time.Minute).Unix(),
		"iat":            now.Unix(),
		"exp":            now.Add(5 * time.Minute).Unix(),
	}
}

func TestFirebaseVerifierReturnsIdentity(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier := fixture.verifier(t)

	identity, err := verifier.Verify(context.Background(), fixture.sign(t, validClaims()))
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	if identity.Subject != "firebase-uid-1" {
		t.Fatalf("unexpected subject %q", identity.Subject)
	}
	if identity.Email != "owner@example.com" {
		t.Fatalf("expected normalised email, got %q", identity.Email)
	}
	if identity.DisplayName() != "Café Owner" || !identity.EmailVerified {
		t.Fatalf("unexpected identity %+v", identity)
	}

	if _, err := verifier.Verify(context.Background(), fixture.sign(t, validClaims())); err != nil {
		t.Fatalf("second verification failed: %v", err)
	}
	if fixture.requests.Load() != 1 {
		t.Fatalf("expected JWKS to be fetched once, got %d", fixture.requests.Load())
	}
}

func TestFirebaseVerifierRejectsInvalidTokens(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier := fixture.verifier(t)

	testCases := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{name: "wrong audience", mutate: func(c jwt.MapClaims) { c["aud"] = "other-project" }},
		{name: "wrong issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://accounts.google.com" }},
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() }},
		{name: "missing subject", mutate: func(c jwt.MapClaims) { delete(c, "sub") }},
		{name: "future auth time", mutate: func(c jwt.MapClaims) { c["auth_time"] = time.Now().Add(time.Hour).Unix() }},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			claims := validClaims()
			testCase.mutate(claims)
			_, err := verifier.Verify(context.Background(), fixture.sign(t, claims))
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}

	if _, err := verifier.Verify(context.Background(), "  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected empty token to be rejected, got %v", err)
	}
	if _, err := verifier.Verify(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected malformed token to be rejected, got %v", err)
	}
}

func TestFirebaseVerifierRejectsForeignSigningKey(t *testing.T) {
	fixture := newJWKSFixture(t)
	other := newJWKSFixture(t)

	_, err := fixture.verifier(t).Verify(context.Background(), other.sign(t, validClaims()))
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch to be rejected, got %v", err)
	}
}

func TestNewFirebaseVerifierRequiresProjectAndJWKS(t *testing.T) {
	if _, err := NewFirebaseVerifier(FirebaseVerifierConfig{JWKSURL: "https://example.com/jwks"}); !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected missing project error, got %v", err)
	}
	if _, err := NewFirebaseVerifier(FirebaseVerifierConfig{ProjectID: testProjectID}); !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected missing jwks error, got %v", err)
	}
}

func TestIdentityDisplayNameFallback(t *testing.T) {
	if (Identity{}).DisplayName() != "Anonymous" {
		t.Fatalf("expected placeholder display name")
	}
}
