package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func mustJWT(t *testing.T, secret string, header, claims map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + enc.EncodeToString(mac.Sum(nil))
}

func fixedVerifier(now time.Time) jwtVerifier {
	return jwtVerifier{
		secret: []byte("secret"),
		now:    func() time.Time { return now },
	}
}

func TestJWTVerifier_Verify_ReturnsIdentity(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier(now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256", "typ": "JWT"}, map[string]any{
		"username": "alice",
		"role":     "Patient",
		"iat":      now.Unix(),
		"exp":      now.Add(5 * time.Minute).Unix(),
	})

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserName != "alice" || id.Role != "Patient" {
		t.Fatalf("identity=%+v, want alice/Patient", id)
	}
}

func TestJWTVerifier_Verify_ExpIsOptional(t *testing.T) {
	v := fixedVerifier(time.Unix(1_000_000, 0))

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{"username": "bob"})
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserName != "bob" || id.Role != "" {
		t.Fatalf("identity=%+v, want bob with no role", id)
	}
}

func TestJWTVerifier_Verify_Rejects(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier(now)
	hs256 := map[string]any{"alg": "HS256"}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{
			name:  "expired",
			token: mustJWT(t, "secret", hs256, map[string]any{"username": "a", "exp": now.Add(-time.Second).Unix()}),
			want:  ErrInvalidCredentials,
		},
		{
			name:  "not yet valid",
			token: mustJWT(t, "secret", hs256, map[string]any{"username": "a", "nbf": now.Add(time.Minute).Unix()}),
			want:  ErrInvalidCredentials,
		},
		{
			name:  "string exp",
			token: mustJWT(t, "secret", hs256, map[string]any{"username": "a", "exp": "tomorrow"}),
			want:  ErrInvalidCredentials,
		},
		{
			name:  "bad signature",
			token: mustJWT(t, "other", hs256, map[string]any{"username": "a"}),
			want:  ErrInvalidCredentials,
		},
		{
			name:  "missing username",
			token: mustJWT(t, "secret", hs256, map[string]any{"role": "Patient"}),
			want:  ErrInvalidCredentials,
		},
		{
			name:  "non-string role",
			token: mustJWT(t, "secret", hs256, map[string]any{"username": "a", "role": 7}),
			want:  ErrInvalidCredentials,
		},
		{
			name:  "unsupported alg",
			token: mustJWT(t, "secret", map[string]any{"alg": "none"}, map[string]any{"username": "a"}),
			want:  ErrUnsupportedJWT,
		},
		{
			name:  "missing alg",
			token: mustJWT(t, "secret", map[string]any{"typ": "JWT"}, map[string]any{"username": "a"}),
			want:  ErrInvalidCredentials,
		},
		{name: "empty", token: "", want: ErrInvalidCredentials},
		{name: "two parts", token: "a.b", want: ErrInvalidCredentials},
		{name: "padded", token: "eyJhbGciOiJIUzI1NiJ9.e30=." + strings.Repeat("A", 43), want: ErrInvalidCredentials},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestSign_RoundTripsThroughVerifier(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token, err := Sign("secret", Claims{
		UserName:  "carol",
		Role:      "Doctor",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	id, err := fixedVerifier(now).Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserName != "carol" || id.Role != "Doctor" {
		t.Fatalf("identity=%+v, want carol/Doctor", id)
	}

	if _, err := Sign("", Claims{UserName: "x"}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestDecodeSegment(t *testing.T) {
	cases := map[string]bool{
		"":     false,
		"A":    false,
		"AA":   true,
		"AB":   false, // unused bits set
		"QQ":   true,
		"QUI":  true,
		"QUJ":  false,
		"QUJD": true,
		"AA==": false,
		"a-_9": true,
		"a+/9": false,
	}
	for in, want := range cases {
		if _, got := decodeSegment(in, 64); got != want {
			t.Fatalf("decodeSegment(%q) ok=%v, want %v", in, got, want)
		}
	}
	if _, ok := decodeSegment(strings.Repeat("A", 68), 64); ok {
		t.Fatalf("decodeSegment accepted a segment over the limit")
	}
}

func TestJWTVerifier_Verify_FractionalTimestamps(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"username": "dave",
		"exp":      float64(now.Unix()) + 0.5,
	})
	if _, err := fixedVerifier(now).Verify(token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
