package supervisor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/neuroplc/cortex/core"
)

// Claims is the HMAC-signed auth token body. The spine validates tokens
// cortex signs; cortex never needs to validate its own tokens in
// production, but VerifyToken exists so tests can round-trip it.
type Claims struct {
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Audience  string   `json:"aud"`
	Scope     []string `json:"scope"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	Nonce     string   `json:"nonce"`
}

// TokenIssuer signs auth tokens for the outbound recommendation frames.
// The zero value with an empty Secret is a no-op issuer: Sign returns an
// empty token and callers should omit auth_token entirely.
type TokenIssuer struct {
	Secret   []byte
	Issuer   string
	Subject  string
	Audience string
	Scope    []string
	MaxAge   int64 // seconds; exp = iat + MaxAge
	now      func() int64
}

func NewTokenIssuer(secret, issuer, subject, audience string, scope []string, maxAgeSeconds int64) *TokenIssuer {
	return &TokenIssuer{
		Secret:   []byte(secret),
		Issuer:   issuer,
		Subject:  subject,
		Audience: audience,
		Scope:    scope,
		MaxAge:   maxAgeSeconds,
	}
}

func (t *TokenIssuer) Enabled() bool {
	return t != nil && len(t.Secret) > 0
}

// Sign builds and signs a fresh token for nowUnixSeconds.
func (t *TokenIssuer) Sign(nowUnixSeconds int64) (string, error) {
	if !t.Enabled() {
		return "", nil
	}
	claims := Claims{
		Issuer:    t.Issuer,
		Subject:   t.Subject,
		Audience:  t.Audience,
		Scope:     t.Scope,
		IssuedAt:  nowUnixSeconds,
		ExpiresAt: nowUnixSeconds + t.MaxAge,
		Nonce:     uuid.NewString(),
	}
	return signClaims(t.Secret, claims)
}

func signClaims(secret []byte, claims Claims) (string, error) {
	body, err := core.CanonicalJSON(claims)
	if err != nil {
		return "", fmt.Errorf("supervisor: canonicalize claims: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	sig := mac.Sum(nil)

	encBody := base64.RawURLEncoding.EncodeToString(body)
	encSig := base64.RawURLEncoding.EncodeToString(sig)
	return encBody + "." + encSig, nil
}

// VerifyToken checks a token's signature against secret and returns its
// claims. Exposed for tests; the spine performs the equivalent check in
// production.
func VerifyToken(secret []byte, token string) (Claims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Claims{}, core.NewCortexError("supervisor.VerifyToken", "protocol", core.ErrProtocolViolation)
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, core.NewCortexError("supervisor.VerifyToken", "protocol", fmt.Errorf("%w: %v", core.ErrProtocolViolation, err))
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, core.NewCortexError("supervisor.VerifyToken", "protocol", fmt.Errorf("%w: %v", core.ErrProtocolViolation, err))
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(sig, expected) {
		return Claims{}, core.NewCortexError("supervisor.VerifyToken", "auth", core.ErrAuthFailed)
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return Claims{}, core.NewCortexError("supervisor.VerifyToken", "protocol", fmt.Errorf("%w: %v", core.ErrProtocolViolation, err))
	}
	return claims, nil
}
