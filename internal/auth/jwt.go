package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	// HMAC-SHA256 output size in bytes.
	hmacSHA256SigLen = 32
	// 32 bytes encode to 43 base64url characters without padding.
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

type jwtVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) Verifier {
	return jwtVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Verify checks an HS256 token and returns the identity in its username and
// role claims. exp and nbf are enforced when present.
func (v jwtVerifier) Verify(token string) (Identity, error) {
	if token == "" || len(token) > maxJWTLen {
		return Identity{}, ErrInvalidCredentials
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, ErrInvalidCredentials
	}
	headerJSON, ok := decodeSegment(parts[0], maxJWTHeaderB64Len)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	payloadJSON, ok := decodeSegment(parts[1], maxJWTPayloadB64Len)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	sig, ok := decodeSegment(parts[2], hmacSHA256SigB64Len)
	if !ok || len(sig) != hmacSHA256SigLen {
		return Identity{}, ErrInvalidCredentials
	}

	var header struct {
		Alg *string `json:"alg"`
	}
	if json.Unmarshal(headerJSON, &header) != nil || header.Alg == nil {
		return Identity{}, ErrInvalidCredentials
	}
	if *header.Alg != "HS256" {
		return Identity{}, ErrUnsupportedJWT
	}
	if !hmac.Equal(sig, signHS256(v.secret, parts[0], parts[1])) {
		return Identity{}, ErrInvalidCredentials
	}

	// Typed fields reject a string exp or a numeric role.
	var claims struct {
		UserName  string   `json:"username"`
		Role      string   `json:"role"`
		ExpiresAt *float64 `json:"exp"`
		NotBefore *float64 `json:"nbf"`
	}
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	now := float64(v.now().Unix())
	if claims.ExpiresAt != nil && now >= *claims.ExpiresAt {
		return Identity{}, ErrInvalidCredentials
	}
	if claims.NotBefore != nil && now < *claims.NotBefore {
		return Identity{}, ErrInvalidCredentials
	}
	if strings.TrimSpace(claims.UserName) == "" {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{UserName: claims.UserName, Role: claims.Role}, nil
}

// Claims is the payload minted by Sign.
type Claims struct {
	UserName  string `json:"username"`
	Role      string `json:"role,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	NotBefore int64  `json:"nbf,omitempty"`
}

// Sign produces an HS256 token that jwtVerifier accepts. It exists for local
// development and tests; production tokens come from the identity provider.
func Sign(secret string, claims Claims) (string, error) {
	if secret == "" {
		return "", errors.New("empty secret")
	}
	headerJSON, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	headerB64 := enc.EncodeToString(headerJSON)
	payloadB64 := enc.EncodeToString(payloadJSON)
	sig := signHS256([]byte(secret), headerB64, payloadB64)
	return headerB64 + "." + payloadB64 + "." + enc.EncodeToString(sig), nil
}

func signHS256(secret []byte, headerB64, payloadB64 string) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

// decodeSegment decodes one unpadded base64url token segment. Strict decoding
// rejects padding, foreign alphabets and non-zero trailing bits, so every
// accepted segment has exactly one encoding.
func decodeSegment(seg string, maxLen int) ([]byte, bool) {
	if seg == "" || len(seg) > maxLen {
		return nil, false
	}
	b, err := base64.RawURLEncoding.Strict().DecodeString(seg)
	if err != nil {
		return nil, false
	}
	return b, true
}
