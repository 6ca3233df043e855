// Package reloader fires the daily calendar-triggered worker reload,
// deferring when a pyramid build is still in flight (spec C5 / §4.5).
package reloader

import (
	"time"

	"go.uber.org/zap"

	"github.com/tiler/proxy-balancer/internal/config"
	"github.com/tiler/proxy-balancer/internal/pyramidtracker"
	"github.com/tiler/proxy-balancer/internal/workerpool"
)

// Reloader is a single goroutine that sleeps until the next calendar
// trigger, then runs the attempt/backoff sequence.
type Reloader struct {
	cfg     *config.Config
	pool    *workerpool.Manager
	tracker *pyramidtracker.Tracker
	logger  *zap.Logger

	stop chan struct{}
}

// New constructs a Reloader bound to the given worker pool and pyramid
// tracker.
func New(cfg *config.Config, pool *workerpool.Manager, tracker *pyramidtracker.Tracker, logger *zap.Logger) *Reloader {
	return &Reloader{cfg: cfg, pool: pool, tracker: tracker, logger: logger, stop: make(chan struct{})}
}

// Start runs the trigger loop until Stop is called.
func (r *Reloader) Start() {
	go r.loop()
}

// Stop ends the trigger loop.
func (r *Reloader) Stop() {
	close(r.stop)
}

func (r *Reloader) loop() {
	for {
		wait := r.nextTriggerDelay(time.Now())
		select {
		case <-r.stop:
			return
		case <-time.After(wait):
			r.onTrigger()
		}
	}
}

// nextTriggerDelay computes the duration until the next
// worker_reload_time occurrence, spaced worker_reload_periodicity_days
// apart.
func (r *Reloader) nextTriggerDelay(now time.Time) time.Duration {
	t := r.cfg.Server.WorkerReloadTime
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, t.Second, 0, now.Location())
	if !next.After(now) {
		days := r.cfg.Server.WorkerReloadPeriodicityDays
		if days <= 0 {
			days = 1
		}
		next = next.AddDate(0, 0, days)
	}
	return next.Sub(now)
}

// onTrigger implements §4.5's attempt/backoff sequence: ask the pool
// whether a reload is already underway (idempotence guard), then retry up
// to worker_reload_repeat_attempts times, spaced worker_reload_repeat_minutes
// apart, waiting for no pyramid to be in flight before actually reloading.
func (r *Reloader) onTrigger() {
	if r.pool.GetWorkerState() == workerpool.StateReloading {
		r.logger.Info("reloader: reload already in progress, skipping this trigger")
		return
	}

	attempts := r.cfg.Server.WorkerReloadRepeatAttempts
	if attempts <= 0 {
		attempts = 1
	}
	spacing := time.Duration(r.cfg.Server.WorkerReloadRepeatMinutes) * time.Minute

	for i := 0; i < attempts; i++ {
		running, err := r.tracker.AnyRunning()
		if err != nil {
			r.logger.Warn("reloader: pyramid tracker query failed", zap.Error(err))
			running = true // fail safe: treat as running, try again next attempt
		}
		if !running {
			r.logger.Info("reloader: no pyramid running, reloading workers")
			r.pool.ReloadWorkers()
			return
		}
		r.logger.Info("reloader: pyramid build in flight, deferring", zap.Int("attempt", i+1), zap.Int("max_attempts", attempts))
		if i < attempts-1 {
			select {
			case <-r.stop:
				return
			case <-time.After(spacing):
			}
		}
	}
	r.logger.Info("reloader: all attempts saw a running pyramid, skipping this period")
}
