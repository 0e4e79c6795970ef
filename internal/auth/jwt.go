// Package auth validates the HMAC-SHA256 bearer tokens carried by every
// RPC. Adapted from the teacher's internal/auth/jwt.go: the RS256 path,
// issuer validation, and domain.PolicyBinding/tier extraction are
// dropped (no per-instance authorization model in this spec beyond the
// `aud` claim) in favor of the `{exp, nbf, aud}` contract this system
// requires, with `aud` checked per call against an expected value.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrUnauthenticated is returned for any token validation failure; the
// specific reason is logged but never surfaced to the RPC caller
// verbatim.
type ErrUnauthenticated struct{ Reason string }

func (e *ErrUnauthenticated) Error() string { return "auth: unauthenticated: " + e.Reason }

// Claims is the minimal set this system's tokens carry.
type Claims struct {
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
	Aud string `json:"aud"`
}

// Validator checks bearer tokens signed HS256 against a fixed secret.
type Validator struct {
	secret []byte
}

// NewValidator constructs a Validator. An empty secret means
// authentication is disabled; see Enabled.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Enabled reports whether a secret was configured.
func (v *Validator) Enabled() bool {
	return len(v.secret) > 0
}

// Validate parses and verifies tokenStr, checks exp/nbf, and compares
// the aud claim against expectedAud ("" for global operations that
// ignore audience). A no-op when authentication is disabled.
func (v *Validator) Validate(tokenStr, expectedAud string) error {
	if !v.Enabled() {
		return nil
	}
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return &ErrUnauthenticated{Reason: "malformed token"}
	}
	headerB64, payloadB64, sigB64 := parts[0], parts[1], parts[2]

	sig, err := base64URLDecode(sigB64)
	if err != nil {
		return &ErrUnauthenticated{Reason: "bad signature encoding"}
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(headerB64 + "." + payloadB64))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return &ErrUnauthenticated{Reason: "signature mismatch"}
	}

	payload, err := base64URLDecode(payloadB64)
	if err != nil {
		return &ErrUnauthenticated{Reason: "bad payload encoding"}
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return &ErrUnauthenticated{Reason: "bad claims"}
	}

	now := time.Now().Unix()
	if claims.Exp != 0 && now >= claims.Exp {
		return &ErrUnauthenticated{Reason: "expired"}
	}
	if claims.Nbf != 0 && now < claims.Nbf {
		return &ErrUnauthenticated{Reason: "not yet valid"}
	}
	if expectedAud != "" && claims.Aud != expectedAud {
		return &ErrUnauthenticated{Reason: "audience mismatch"}
	}
	return nil
}

// Sign produces an HS256 token for claims. Used by tests; the
// orchestrator itself only verifies.
func (v *Validator) Sign(claims Claims) (string, error) {
	header := base64URLEncode([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("auth: marshal claims: %w", err)
	}
	signingInput := header + "." + base64URLEncode(payload)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64URLEncode(mac.Sum(nil)), nil
}

func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}

func base64URLEncode(b []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b), "=")
}
