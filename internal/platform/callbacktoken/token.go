// Package callbacktoken mints and verifies the short-lived credential a
// control container uses to report results back to the platform.
package callbacktoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const tokenPrefix = "scanplane_cb_v1"

var (
	ErrTokenInvalid = errors.New("callback token is invalid")
	ErrTokenExpired = errors.New("callback token is expired")
)

// Claims binds a token to one execution.
type Claims struct {
	TenantID      string `json:"tenant_id"`
	JitEventID    string `json:"jit_event_id"`
	ExecutionID   string `json:"execution_id"`
	IssuedAtUnix  int64  `json:"iat"`
	ExpiresAtUnix int64  `json:"exp"`
}

func (c Claims) validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant_id is required")
	}
	if strings.TrimSpace(c.JitEventID) == "" {
		return errors.New("jit_event_id is required")
	}
	if strings.TrimSpace(c.ExecutionID) == "" {
		return errors.New("execution_id is required")
	}
	return nil
}

// Generate mints a token for the given claims.
func Generate(secret string, claims Claims, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	if err := claims.validate(); err != nil {
		return "", err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.IssuedAtUnix == 0 {
		claims.IssuedAtUnix = now.UTC().Unix()
	}
	if claims.ExpiresAtUnix == 0 {
		return "", errors.New("exp is required")
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return "", errors.New("exp must be in the future")
	}

	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	sigB64 := sign(secret, payloadB64)
	return strings.Join([]string{tokenPrefix, payloadB64, sigB64}, "."), nil
}

// Verify checks signature and expiry and returns the claims.
func Verify(secret, token string, now time.Time) (Claims, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Claims{}, errors.New("secret is required")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return Claims{}, ErrTokenInvalid
	}
	expected := sign(secret, parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return Claims{}, ErrTokenInvalid
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Claims{}, ErrTokenInvalid
	}
	if err := claims.validate(); err != nil {
		return Claims{}, ErrTokenInvalid
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return Claims{}, ErrTokenExpired
	}
	return claims, nil
}

func sign(secret, payloadB64 string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tokenPrefix + "." + payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
