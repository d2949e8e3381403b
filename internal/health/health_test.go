package health

import "testing"

func TestHighestEmpty(t *testing.T) {
	s := Highest()
	if s.Level != OK || s.Message != "" {
		t.Fatalf("empty Highest = %v, want OK/empty", s)
	}
}

func TestHighestOrdering(t *testing.T) {
	s := Highest(
		State{Level: OK, Message: ""},
		State{Level: Warning, Message: "low signal"},
		State{Level: Critical, Message: "no SIM"},
	)
	if s.Level != Critical {
		t.Fatalf("level = %v, want CRITICAL", s.Level)
	}
	if s.Message != "low signal; no SIM" {
		t.Fatalf("message = %q", s.Message)
	}
}

func TestLevelString(t *testing.T) {
	cases := map[Level]string{OK: "OK", Warning: "WARNING", Critical: "CRITICAL"}
	for l, want := range cases {
		if got := l.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", l, got, want)
		}
	}
}
