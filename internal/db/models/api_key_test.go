package models

import (
	"testing"
	"time"
)

func TestCoolingDown(t *testing.T) {
	now := time.Now()
	cooldown := 5 * time.Minute

	healthy := APIKey{}
	if healthy.CoolingDown(now, cooldown) {
		t.Error("a key with no error stamp is not cooling down")
	}

	recent := now.Add(-time.Minute)
	sick := APIKey{LastErrorAt: &recent}
	if !sick.CoolingDown(now, cooldown) {
		t.Error("a key with a recent error should be cooling down")
	}

	old := now.Add(-10 * time.Minute)
	recovered := APIKey{LastErrorAt: &old}
	if recovered.CoolingDown(now, cooldown) {
		t.Error("a key past the cooldown window should be eligible again")
	}
}

func TestUsageDay_UTC(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC.
	loc := time.FixedZone("UTC-5", -5*60*60)
	local := time.Date(2026, 8, 27, 23, 30, 0, 0, loc)

	if got := UsageDay(local); got != "2026-08-28" {
		t.Errorf("UsageDay() = %q, want 2026-08-28 (ledger days are UTC)", got)
	}
}
