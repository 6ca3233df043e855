package reloader

import (
	"testing"
	"time"

	"github.com/tiler/proxy-balancer/internal/config"
)

func newTestReloader(hour, minute, second, periodicityDays int) *Reloader {
	cfg := &config.Config{}
	cfg.Server.WorkerReloadTime = config.ReloadTime{Hour: hour, Minute: minute, Second: second}
	cfg.Server.WorkerReloadPeriodicityDays = periodicityDays
	return &Reloader{cfg: cfg}
}

func TestNextTriggerDelayLaterToday(t *testing.T) {
	r := newTestReloader(15, 0, 0, 1)
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	wait := r.nextTriggerDelay(now)
	want := 5 * time.Hour
	if wait != want {
		t.Errorf("nextTriggerDelay = %v, want %v (trigger later today)", wait, want)
	}
}

func TestNextTriggerDelayAlreadyPassedToday(t *testing.T) {
	r := newTestReloader(8, 0, 0, 1)
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	wait := r.nextTriggerDelay(now)
	want := 22 * time.Hour
	if wait != want {
		t.Errorf("nextTriggerDelay = %v, want %v (rolls to tomorrow)", wait, want)
	}
}

func TestNextTriggerDelayMultiDayPeriodicity(t *testing.T) {
	r := newTestReloader(8, 0, 0, 3)
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	wait := r.nextTriggerDelay(now)
	want := (3*24 - 2) * time.Hour
	if wait != want {
		t.Errorf("nextTriggerDelay = %v, want %v (3-day periodicity after today's trigger passed)", wait, want)
	}
}

func TestNextTriggerDelayZeroPeriodicityDefaultsToOneDay(t *testing.T) {
	r := newTestReloader(8, 0, 0, 0)
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	wait := r.nextTriggerDelay(now)
	want := 22 * time.Hour
	if wait != want {
		t.Errorf("nextTriggerDelay = %v, want %v (periodicity<=0 should default to 1 day)", wait, want)
	}
}
