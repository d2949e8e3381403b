package smtp

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kgibson/smsgate/internal/config"
	"github.com/kgibson/smsgate/internal/health"
	"github.com/kgibson/smsgate/internal/sms"
)

func TestNewRejectsPort25AsCriticalNotError(t *testing.T) {
	r := New(config.Mail{Server: "mail.example.com", Port: 25, User: "gateway@example.com"}, nil)
	st := r.HealthState()
	if st.Level != health.Critical {
		t.Fatalf("expected CRITICAL for port 25, got %v", st.Level)
	}
	if !strings.Contains(st.Message, "STARTTLS") {
		t.Fatalf("expected STARTTLS message, got %q", st.Message)
	}
}

func TestSendMailOnPort25AlwaysFails(t *testing.T) {
	r := New(config.Mail{Server: "mail.example.com", Port: 25}, nil)
	s := sms.New("", "+49100", "+49200", "hi", time.Now(), false)
	if r.SendMail("ops@example.com", s) {
		t.Fatal("expected send_mail to fail on port 25")
	}
}

func TestAsciiEscapeRoundTripsPlainASCII(t *testing.T) {
	if got := asciiEscape("hello world"); got != "hello world" {
		t.Fatalf("expected ascii text untouched, got %q", got)
	}
}

func TestAsciiEscapeEscapesNonASCII(t *testing.T) {
	got := asciiEscape("café")
	want := "caf\\u00e9"
	if got != want {
		t.Fatalf("asciiEscape(%q) = %q, want %q", "café", got, want)
	}
}

func TestContainsNonASCII(t *testing.T) {
	if containsNonASCII("plain text") {
		t.Fatal("expected false for plain ASCII")
	}
	if !containsNonASCII("€100") {
		t.Fatal("expected true for euro sign")
	}
}

func TestClassifyErrorCategories(t *testing.T) {
	cases := []struct {
		err  error
		want health.Level
	}{
		{errors.New("HELO: bad greeting"), health.Critical},
		{errors.New("AUTH: 535 invalid credentials"), health.Critical},
		{errors.New("502 not implemented"), health.Critical},
	}
	for _, c := range cases {
		level, msg := classifyError(c.err)
		if level != c.want {
			t.Errorf("classifyError(%v) level = %v, want %v", c.err, level, c.want)
		}
		if msg == "" {
			t.Errorf("classifyError(%v) returned empty message", c.err)
		}
	}
}

func TestBuildMessageIncludesHeaders(t *testing.T) {
	msg := string(buildMessage("from@example.com", "to@example.com", "subject line", "body text"))
	if !strings.Contains(msg, "From: from@example.com") ||
		!strings.Contains(msg, "To: to@example.com") ||
		!strings.Contains(msg, "Subject: subject line") ||
		!strings.Contains(msg, "body text") {
		t.Fatalf("message missing expected headers/body: %q", msg)
	}
}
