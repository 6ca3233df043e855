// Package jobqueue is the durable, at-least-once queue of pyramid and
// calculation jobs (spec C6), backed by the `queue` table and dispatched
// with `FOR UPDATE SKIP LOCKED` so many nodes can pull disjoint job sets
// without a coordinator. Grounded on the teacher's internal/queue
// (same SKIP LOCKED claim-by-UPDATE pattern) and internal/messaging/nats
// (publish-only notification queue, adapted here into a latency-optimizing
// wake-up rather than the job transport itself).
package jobqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/tiler/proxy-balancer/internal/datastore"
)

// Status mirrors §3's Job.status enum, stored as a small integer for
// dispatch-path speed.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusFailed
)

// JobType distinguishes the two job shapes carried in JobDetail.
type JobType string

const (
	JobTypePyramid     JobType = "pyramid"
	JobTypeCalculation JobType = "calculation"
)

// Detail is the job_detail JSONB payload (§3 "JobDetail").
type Detail struct {
	Type         JobType         `json:"jt"`
	DataSourceID string          `json:"datasource_id,omitempty"`
	Name         string          `json:"name,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Job is one row of the durable queue.
type Job struct {
	ID             string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ScheduledFor   time.Time
	FailedAttempts int
	Status         Status
	Detail         Detail
}

// Queue wraps the Postgres connection pool and an optional NATS connection
// used purely to wake up a local runner faster than its poll interval (not
// correctness-bearing: a missed publish is recovered by the next poll).
type Queue struct {
	db     *datastore.DB
	nats   *nats.Conn
	logger *zap.Logger
}

// New builds a Queue. natsConn may be nil when no NATS_URL is configured;
// the queue degrades to pure polling in that case.
func New(db *datastore.DB, natsConn *nats.Conn, logger *zap.Logger) *Queue {
	return &Queue{db: db, nats: natsConn, logger: logger}
}

// Push inserts one job row, scheduled immediately unless detail carries a
// future ScheduledFor (§4.2 pyramid endpoint's scheduled_for path). The
// job_id is a ULID's 16 raw bytes parsed as a uuid.UUID, so the wire
// format is an ordinary UUID string while sort order stays
// creation-time-monotonic.
func (q *Queue) Push(ctx context.Context, detail Detail) (string, error) {
	id := uuid.UUID(ulid.Make()).String()
	scheduledFor := time.Now().UTC()
	if detail.ScheduledFor != nil {
		scheduledFor = *detail.ScheduledFor
	}

	payload, err := json.Marshal(detail)
	if err != nil {
		return "", err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue (job_id, created_at, updated_at, scheduled_for, failed_attempts, status, job_detail)
		VALUES ($1, now(), now(), $2, 0, $3, $4)`,
		id, scheduledFor, int(StatusQueued), payload)
	if err != nil {
		return "", err
	}

	q.notify()
	return id, nil
}

// notify is a fire-and-forget latency optimization: it lets a local runner
// wake immediately instead of waiting out its poll interval. Never treated
// as a delivery guarantee.
func (q *Queue) notify() {
	if q.nats == nil {
		return
	}
	if err := q.nats.Publish("jobs.enqueued", nil); err != nil {
		q.logger.Warn("jobqueue: notify publish failed", zap.Error(err))
	}
}

// Pull claims up to n eligible jobs atomically, transitioning them
// Queued -> Running. Two concurrent Pull calls (even across nodes) return
// disjoint sets because of FOR UPDATE SKIP LOCKED (§4.4, §8).
func (q *Queue) Pull(ctx context.Context, n int) ([]Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE queue SET status = $1, updated_at = now()
		WHERE job_id IN (
			SELECT job_id FROM queue
			WHERE status = $2 AND scheduled_for <= now() AND failed_attempts < 3
			ORDER BY scheduled_for
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING job_id, created_at, updated_at, scheduled_for, failed_attempts, status, job_detail`,
		int(StatusRunning), int(StatusQueued), n)
	if err != nil {
		return nil, err
	}

	var jobs []Job
	for rows.Next() {
		var j Job
		var statusInt int
		var detailRaw []byte
		if err := rows.Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt, &j.ScheduledFor, &j.FailedAttempts, &statusInt, &detailRaw); err != nil {
			rows.Close()
			return nil, err
		}
		j.Status = Status(statusInt)
		if err := json.Unmarshal(detailRaw, &j.Detail); err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, tx.Commit()
}

// Complete deletes a successfully dispatched job (§3 "on success, delete row").
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue WHERE job_id = $1`, jobID)
	return err
}

// Fail returns a job to Queued and increments its failure counter (§3 "on
// failure, Running -> Queued and increment failed_attempts").
func (q *Queue) Fail(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue SET status = $1, failed_attempts = failed_attempts + 1, updated_at = now()
		WHERE job_id = $2`, int(StatusQueued), jobID)
	return err
}
