package callbacktoken

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testClaims(exp time.Time) Claims {
	return Claims{
		TenantID:      "tenant-1",
		JitEventID:    "event-1",
		ExecutionID:   "exec-1",
		ExpiresAtUnix: exp.Unix(),
	}
}

func TestGenerateVerifyRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token, err := Generate("secret", testClaims(now.Add(time.Hour)), now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(token, tokenPrefix+".") {
		t.Fatalf("unexpected token shape: %s", token)
	}

	claims, err := Verify("secret", token, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.TenantID != "tenant-1" || claims.ExecutionID != "exec-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.IssuedAtUnix != now.Unix() {
		t.Fatalf("expected iat defaulted to now, got %d", claims.IssuedAtUnix)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token, err := Generate("secret", testClaims(now.Add(time.Hour)), now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := Verify("other-secret", token, now); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected invalid for wrong secret, got %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := strings.Join([]string{parts[0], parts[1] + "x", parts[2]}, ".")
	if _, err := Verify("secret", tampered, now); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected invalid for tampered payload, got %v", err)
	}

	if _, err := Verify("secret", "garbage", now); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected invalid for malformed token, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token, err := Generate("secret", testClaims(now.Add(time.Minute)), now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify("secret", token, now.Add(2*time.Minute)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestGenerateRequiresFutureExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if _, err := Generate("secret", testClaims(now.Add(-time.Minute)), now); err == nil {
		t.Fatal("expected error for past expiry")
	}
	claims := testClaims(now.Add(time.Hour))
	claims.TenantID = ""
	if _, err := Generate("secret", claims, now); err == nil {
		t.Fatal("expected error for missing tenant")
	}
}
