package sms

import (
	"strings"
	"testing"
	"time"
)

func TestNewGeneratesID(t *testing.T) {
	s := New("", "", "+4915112345678", "hi", time.Now(), false)
	if s.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestNewPreservesSuppliedID(t *testing.T) {
	s := New("abc-123", "", "+4915112345678", "hi", time.Now(), false)
	if s.ID != "abc-123" {
		t.Fatalf("id = %q, want abc-123", s.ID)
	}
}

func TestAge(t *testing.T) {
	s := New("", "", "+4915112345678", "hi", time.Now().Add(-time.Minute), false)
	if s.Age() < 59*time.Second {
		t.Fatalf("age = %v, want >= 59s", s.Age())
	}
}

func TestNormalizePhoneIdempotent(t *testing.T) {
	cases := []string{"+49 151 1234", "0049-151-1234", "+4915112345678", "abc"}
	for _, c := range cases {
		once := NormalizePhone(c)
		twice := NormalizePhone(once)
		if once != twice {
			t.Errorf("NormalizePhone not idempotent for %q: %q vs %q", c, once, twice)
		}
	}
}

func TestValidPhone(t *testing.T) {
	if !ValidPhone(NormalizePhone("+49 151 1234")) {
		t.Error("expected +49 151 1234 to normalize to a valid phone")
	}
	if ValidPhone(NormalizePhone("abc")) {
		t.Error("expected abc to be invalid")
	}
	if ValidPhone("") {
		t.Error("expected empty string to be invalid")
	}
}

func TestNewLoopbackToken(t *testing.T) {
	tok := NewLoopbackToken()
	if !strings.HasPrefix(tok, LoopbackPrefix) {
		t.Fatalf("token %q missing prefix", tok)
	}
	if tok == NewLoopbackToken() {
		t.Fatal("expected distinct tokens")
	}
}

func TestSMSString(t *testing.T) {
	s := New("id1", "+1", "+2", "hello", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), false)
	out := s.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "+2") {
		t.Fatalf("unexpected body: %q", out)
	}
}
