package tokencrypt

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	sealer, err := New("arn:aws:kms:us-east-1:1:key/abc", "secret-material")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sealed, err := sealer.Seal("callback-token-value")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "callback-token-value" {
		t.Fatal("sealed value must not equal plaintext")
	}
	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "callback-token-value" {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestOpenRejectsWrongKeyName(t *testing.T) {
	a, err := New("key-a", "secret-material")
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New("key-b", "secret-material")
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	sealed, err := a.Seal("value")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("expected open to fail under a different key name")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	sealer, err := New("key-a", "secret-material")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := sealer.Open("!!not-base64!!"); err == nil {
		t.Fatal("expected malformed error")
	}
	if _, err := sealer.Open("dG9vc2hvcnQ"); err == nil {
		t.Fatal("expected truncated error")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", "secret"); err == nil {
		t.Fatal("expected key name required")
	}
	if _, err := New("key", " "); err == nil {
		t.Fatal("expected secret required")
	}
}
