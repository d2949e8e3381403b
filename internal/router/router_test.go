package router

import (
	"testing"

	"github.com/kgibson/smsgate/internal/health"
)

type fakeHealth struct{ state health.State }

func (f *fakeHealth) HealthState() health.State { return f.state }

func TestCheapestHealthyWins(t *testing.T) {
	r := New()
	a := &fakeHealth{state: health.State{Level: health.OK}}
	b := &fakeHealth{state: health.State{Level: health.OK}}
	r.Add("A", []string{"+49"}, 0.10, a)
	r.Add("B", []string{"+49151"}, 0.09, b)

	id, ok := r.Get("+4915199999999")
	if !ok || id != "B" {
		t.Fatalf("Get = %q, %v, want B", id, ok)
	}

	b.state = health.State{Level: health.Critical}
	// Get caches each worker's health for maxHealthAge; age B's cached
	// entry past that window so the next Get re-reads it.
	r.modem["B"].cachedAt = r.modem["B"].cachedAt.Add(-2 * maxHealthAge)
	id, ok = r.Get("+4915199999999")
	if !ok || id != "A" {
		t.Fatalf("Get after B critical = %q, %v, want A", id, ok)
	}
}

func TestNoCandidatesReturnsFalse(t *testing.T) {
	r := New()
	r.Add("A", []string{"+44"}, 0.10, &fakeHealth{state: health.State{Level: health.OK}})
	if _, ok := r.Get("+4915199999999"); ok {
		t.Fatal("expected no match")
	}
}

func TestExactPrefixEqualToFullNumberDoesNotMatch(t *testing.T) {
	// The inner loop stops one character short of the full number, so a
	// prefix registered as the complete recipient number never matches.
	r := New()
	r.Add("A", []string{"+4915199999999"}, 0.10, &fakeHealth{state: health.State{Level: health.OK}})
	if _, ok := r.Get("+4915199999999"); ok {
		t.Fatal("expected the untrimmed full number to never match as a prefix")
	}
}

func TestAllUnhealthyReturnsFalse(t *testing.T) {
	r := New()
	r.Add("A", []string{"+49"}, 0.10, &fakeHealth{state: health.State{Level: health.Critical}})
	if _, ok := r.Get("+4915199999999"); ok {
		t.Fatal("expected no healthy candidate")
	}
}
