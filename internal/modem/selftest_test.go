package modem

import (
	"testing"
	"time"

	"github.com/kgibson/smsgate/internal/config"
)

func TestSelfTestDayMatchesDaily(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC) // a Wednesday
	if !selfTestDayMatches(config.SelfTestDaily, now) {
		t.Fatal("daily should always match")
	}
}

func TestSelfTestDayMatchesWeeklyIsMonday(t *testing.T) {
	monday := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	if monday.Weekday() != time.Monday {
		t.Fatalf("test fixture is not a Monday: %v", monday.Weekday())
	}
	if !selfTestDayMatches(config.SelfTestWeekly, monday) {
		t.Fatal("expected weekly to match on Monday")
	}
	tuesday := monday.AddDate(0, 0, 1)
	if selfTestDayMatches(config.SelfTestWeekly, tuesday) {
		t.Fatal("expected weekly to not match on Tuesday")
	}
}

func TestSelfTestDayMatchesMonthlyIsFirst(t *testing.T) {
	first := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	if !selfTestDayMatches(config.SelfTestMonthly, first) {
		t.Fatal("expected monthly to match on the 1st")
	}
	second := time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)
	if selfTestDayMatches(config.SelfTestMonthly, second) {
		t.Fatal("expected monthly to not match on the 2nd")
	}
}
