// Package jobrunner polls the durable job queue and dispatches pyramid
// jobs to the deterministic single worker (or a remote peer), classifying
// the outcome into completion or retry (spec C7 / §4.4).
package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tiler/proxy-balancer/internal/cachedb"
	"github.com/tiler/proxy-balancer/internal/config"
	"github.com/tiler/proxy-balancer/internal/datasource"
	"github.com/tiler/proxy-balancer/internal/jobqueue"
	"github.com/tiler/proxy-balancer/internal/tilecache"
	"github.com/tiler/proxy-balancer/internal/workerpool"
)

// jobConcurrency bounds how many jobs one poll pulls at once.
const jobConcurrency = 10

// Runner is the C7 actor: a single goroutine loop, no shared mutable state
// beyond what it owns locally, matching the actor-per-subsystem design used
// throughout (§9).
type Runner struct {
	cfg         *config.Config
	queue       *jobqueue.Queue
	datasources *datasource.Registry
	pool        *workerpool.Manager
	cache       *cachedb.Registry
	nats        *nats.Conn
	logger      *zap.Logger
	client      *http.Client

	stop chan struct{}
}

// New constructs a Runner. natsConn may be nil (pure polling mode).
func New(cfg *config.Config, queue *jobqueue.Queue, datasources *datasource.Registry, pool *workerpool.Manager, cache *cachedb.Registry, natsConn *nats.Conn, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:         cfg,
		queue:       queue,
		datasources: datasources,
		pool:        pool,
		cache:       cache,
		nats:        natsConn,
		logger:      logger,
		client:      &http.Client{Timeout: time.Duration(cfg.Server.TimeoutWorkerResponseS) * time.Second},
		stop:        make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called.
func (r *Runner) Start() {
	go r.loop()
}

// Stop ends the poll loop.
func (r *Runner) Stop() {
	close(r.stop)
}

func (r *Runner) loop() {
	interval := time.Duration(r.cfg.Server.TimeoutPullJobS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wake <-chan *nats.Msg
	if r.nats != nil {
		ch := make(chan *nats.Msg, 8)
		sub, err := r.nats.ChanSubscribe("jobs.enqueued", ch)
		if err != nil {
			r.logger.Warn("jobrunner: nats subscribe failed, falling back to pure polling", zap.Error(err))
		} else {
			defer sub.Unsubscribe()
			wake = ch
		}
	}

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.pollOnce()
		case <-wake:
			r.pollOnce()
		}
	}
}

func (r *Runner) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Server.TimeoutWorkerResponseS)*time.Second)
	defer cancel()

	jobs, err := r.queue.Pull(ctx, jobConcurrency)
	if err != nil {
		r.logger.Error("jobrunner: pull failed", zap.Error(err))
		return
	}
	// Throttling heuristic (§4.4): act only on a full batch, so a single
	// straggler job doesn't monopolize a worker ahead of a busier period.
	if len(jobs) < jobConcurrency {
		return
	}

	job := jobs[0]
	if err := r.dispatch(ctx, job); err != nil {
		r.logger.Warn("jobrunner: dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
		if failErr := r.queue.Fail(context.Background(), job.ID); failErr != nil {
			r.logger.Error("jobrunner: fail_job failed", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return
	}
	if err := r.queue.Complete(context.Background(), job.ID); err != nil {
		r.logger.Error("jobrunner: complete failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// dispatch sends the job to its target and classifies the HTTP result by
// its status code's leading digit: 2xx/3xx -> success, anything else (or a
// transport error) -> failure (§4.4).
func (r *Runner) dispatch(ctx context.Context, job jobqueue.Job) error {
	if job.Detail.Type != jobqueue.JobTypePyramid {
		return fmt.Errorf("jobrunner: unsupported job type %q", job.Detail.Type)
	}

	info, ok := r.datasources.Lookup(job.Detail.DataSourceID)
	if ok && !info.Local(r.cfg.Server.Address) {
		return r.dispatchRemote(ctx, info, job.Detail.DataSourceID)
	}
	return r.dispatchLocal(ctx, job.Detail.DataSourceID)
}

func (r *Runner) dispatchRemote(ctx context.Context, info datasource.Info, dsID string) error {
	body, err := json.Marshal(map[string]string{"datasource_id": dsID})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/api/pyramid", info.Host, info.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classify(resp.StatusCode)
}

// dispatchLocal performs the local pyramid sequence from §4.2: drop the
// cache-DB handle (and mark the triplet for removal), then proxy to the
// deterministic worker ports[0] so all pyramid builds for this node share
// one renderer process.
func (r *Runner) dispatchLocal(ctx context.Context, dsID string) error {
	r.cache.Remove(tilecache.CacheDBPath(r.cfg.CWD, dsID), false, true)

	data := r.pool.GetWorkerData()
	if data == nil || len(data.Ports) == 0 {
		return fmt.Errorf("jobrunner: no workers available to dispatch pyramid job")
	}
	port := data.Ports[0]

	url := fmt.Sprintf("http://127.0.0.1:%d/api/pyramid", port)
	body, err := json.Marshal(map[string]string{"datasource_id": dsID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := data.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return classify(resp.StatusCode)
}

func classify(status int) error {
	switch status / 100 {
	case 2, 3:
		return nil
	default:
		return fmt.Errorf("jobrunner: non-success status %d", status)
	}
}
