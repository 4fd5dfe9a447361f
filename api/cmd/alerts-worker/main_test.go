package main

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestWatcher() *failureWatcher {
	return &failureWatcher{
		windows:    make(map[string]*failureWindow),
		lastAlert:  make(map[string]time.Time),
		window:     10 * time.Minute,
		cooldown:   5 * time.Minute,
		thresholds: [3]int{3, 5, 10},
	}
}

func TestRecordFailureLevels(t *testing.T) {
	w := newTestWatcher()
	tenantID := uuid.New()
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		if _, level := w.recordFailure(tenantID, "ubuntu-22.04", now); level != "" {
			t.Fatalf("level after %d failures = %q, want none", i+1, level)
		}
	}
	count, level := w.recordFailure(tenantID, "ubuntu-22.04", now)
	if count != 3 || level != "L1" {
		t.Fatalf("got count=%d level=%q, want 3/L1", count, level)
	}
	for i := 0; i < 2; i++ {
		_, level = w.recordFailure(tenantID, "ubuntu-22.04", now)
	}
	if level != "L2" {
		t.Fatalf("level after 5 failures = %q, want L2", level)
	}
}

func TestRecordFailurePrunesWindow(t *testing.T) {
	w := newTestWatcher()
	tenantID := uuid.New()
	old := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		w.recordFailure(tenantID, "debian-12", old)
	}
	count, level := w.recordFailure(tenantID, "debian-12", time.Now().UTC())
	if count != 1 || level != "" {
		t.Fatalf("got count=%d level=%q after window expiry, want 1 and none", count, level)
	}
}

func TestWindowsAreKeyedPerTenantAndTemplate(t *testing.T) {
	w := newTestWatcher()
	a := uuid.New()
	b := uuid.New()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		w.recordFailure(a, "ubuntu-22.04", now)
	}
	if count, _ := w.recordFailure(b, "ubuntu-22.04", now); count != 1 {
		t.Fatalf("tenant b count = %d, want 1", count)
	}
	if count, _ := w.recordFailure(a, "windows-2022", now); count != 1 {
		t.Fatalf("second template count = %d, want 1", count)
	}
}

func TestShouldAlertHonorsCooldown(t *testing.T) {
	w := newTestWatcher()
	tenantID := uuid.New()
	now := time.Now().UTC()

	if !w.shouldAlert(tenantID, "ubuntu-22.04", now) {
		t.Fatal("first alert should fire")
	}
	if w.shouldAlert(tenantID, "ubuntu-22.04", now.Add(time.Minute)) {
		t.Fatal("alert inside cooldown should not fire")
	}
	if !w.shouldAlert(tenantID, "ubuntu-22.04", now.Add(6*time.Minute)) {
		t.Fatal("alert after cooldown should fire")
	}
}
