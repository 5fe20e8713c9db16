package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/courier/internal/cache"
)

// ErrJobNotFound is returned when a job id does not exist in its lane
var ErrJobNotFound = errors.New("job not found")

// priorityScale spreads priorities far enough apart that the monotonic
// sequence number never crosses priority bands in the ready score.
const priorityScale = 1e12

// promoteBatch caps how many delayed jobs a single promotion pass moves
const promoteBatch = 100

// Config holds the queue tuning knobs shared by all lanes.
type Config struct {
	MaxAttempts        int           `toml:"max_attempts"`
	RetryBase          time.Duration `toml:"retry_base"`
	LockDuration       time.Duration `toml:"lock_duration"`
	StalledInterval    time.Duration `toml:"stalled_interval"`
	MaxStalledCount    int           `toml:"max_stalled_count"`
	CompletedRetention time.Duration `toml:"completed_retention"`
	CompletedMax       int           `toml:"completed_max"`
	FailedRetention    time.Duration `toml:"failed_retention"`
	PollInterval       time.Duration `toml:"poll_interval"`
	PromoteInterval    time.Duration `toml:"promote_interval"`
	CleanupInterval    time.Duration `toml:"cleanup_interval"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		RetryBase:          5 * time.Minute,
		LockDuration:       90 * time.Second,
		StalledInterval:    30 * time.Second,
		MaxStalledCount:    1,
		CompletedRetention: 24 * time.Hour,
		CompletedMax:       1000,
		FailedRetention:    7 * 24 * time.Hour,
		PollInterval:       time.Second,
		PromoteInterval:    5 * time.Second,
		CleanupInterval:    time.Hour,
	}
}

// Queue is a durable three-lane job queue layered on a sorted-set cache.
// Each lane keeps its own ready, delayed, active, completed and failed
// sets; the job record itself lives at a per-job key as JSON.
type Queue struct {
	cache  cache.SortedSetCache
	config Config
	logger *slog.Logger
	now    func() time.Time
	rand   *rand.Rand
}

// New creates a queue on top of the given cache backend
func New(c cache.SortedSetCache, config Config) *Queue {
	return &Queue{
		cache:  c,
		config: config,
		logger: slog.Default().With("component", "queue"),
		now:    time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (q *Queue) laneKey(lane Lane, part string) string {
	return fmt.Sprintf("courier:queue:%s:%s", lane, part)
}

func (q *Queue) jobKey(lane Lane, id string) string {
	return fmt.Sprintf("courier:queue:%s:job:%s", lane, id)
}

// readyScore orders ready jobs by priority first, then enqueue sequence.
// Higher priority sorts lower (popped first); within a priority band the
// sequence keeps first-in-first-out order.
func readyScore(priority int, seq int64) float64 {
	return -float64(priority)*priorityScale + float64(seq)
}

func (q *Queue) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	job.UpdatedAt = q.now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return q.cache.Set(ctx, q.jobKey(job.Lane, job.ID), string(data), ttl)
}

func (q *Queue) loadJob(ctx context.Context, lane Lane, id string) (*Job, error) {
	data, err := q.cache.Get(ctx, q.jobKey(lane, id))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Enqueue adds one job to the given lane. A positive Delay parks the job
// in the delayed set until its ready time; otherwise it is immediately
// claimable.
func (q *Queue) Enqueue(ctx context.Context, payload EmailJob, lane Lane, opts EnqueueOptions) (*Job, error) {
	if !lane.Valid() {
		return nil, fmt.Errorf("unknown lane %q", lane)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	seq, err := q.cache.Increment(ctx, q.laneKey(lane, "seq"), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	now := q.now()
	job := &Job{
		ID:          uuid.New().String(),
		Lane:        lane,
		Payload:     payload,
		Priority:    opts.Priority,
		Seq:         seq,
		MaxAttempts: q.config.MaxAttempts,
		EnqueuedAt:  now,
	}

	if opts.Delay > 0 {
		job.State = StateDelayed
		readyAt := now.Add(opts.Delay)
		if err := q.saveJob(ctx, job, 0); err != nil {
			return nil, err
		}
		if err := q.cache.ZAdd(ctx, q.laneKey(lane, "delayed"), float64(readyAt.UnixMilli()), job.ID); err != nil {
			return nil, fmt.Errorf("failed to add job to delayed set: %w", err)
		}
	} else {
		job.State = StateWaiting
		if err := q.saveJob(ctx, job, 0); err != nil {
			return nil, err
		}
		if err := q.cache.ZAdd(ctx, q.laneKey(lane, "ready"), readyScore(job.Priority, job.Seq), job.ID); err != nil {
			return nil, fmt.Errorf("failed to add job to ready set: %w", err)
		}
	}

	q.logger.Info("job enqueued",
		"job_id", job.ID,
		"lane", lane,
		"to", payload.To,
		"priority", job.Priority,
		"delay", opts.Delay)
	return job, nil
}

// Dequeue claims the highest-priority ready job in the lane. Returns
// (nil, nil) when the lane has no ready work. The claimed job is moved to
// the active set with a lock deadline; a worker that dies before finishing
// leaves the job there until the stalled reaper recovers it.
//
// The claim is peek-then-remove: the job enters the active set before it
// leaves the ready set, so a crash mid-claim leaves it present in both sets
// and the reaper can recover it. Popping first would open a window where
// the job is in neither set and lost for good. The ZRem result arbitrates
// between concurrent workers peeking the same id.
func (q *Queue) Dequeue(ctx context.Context, lane Lane) (*Job, error) {
	readyKey := q.laneKey(lane, "ready")
	activeKey := q.laneKey(lane, "active")

	for {
		candidates, err := q.cache.ZRangeByScore(ctx, readyKey, math.Inf(-1), math.Inf(1), 1)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		id := candidates[0]

		deadline := q.now().Add(q.config.LockDuration)
		if err := q.cache.ZAdd(ctx, activeKey, float64(deadline.UnixMilli()), id); err != nil {
			return nil, fmt.Errorf("failed to add job to active set: %w", err)
		}
		if err := q.cache.ZRem(ctx, readyKey, id); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				// another worker won the claim. The active entry stays:
				// the winner added it too and our ZAdd only refreshed
				// its deadline.
				continue
			}
			return nil, err
		}

		job, err := q.loadJob(ctx, lane, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				// record expired or was cancelled underneath us
				q.logger.Warn("ready set entry without a job record", "job_id", id, "lane", lane)
				if err := q.cache.ZRem(ctx, activeKey, id); err != nil && !errors.Is(err, cache.ErrNotFound) {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		job.State = StateActive
		job.Attempts++
		if err := q.saveJob(ctx, job, 0); err != nil {
			return nil, err
		}
		return job, nil
	}
}

// Complete marks an active job as finished. The record is kept for the
// completed retention window and the completed set is trimmed to the
// configured cap.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	if err := q.cache.ZRem(ctx, q.laneKey(job.Lane, "active"), job.ID); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	job.State = StateCompleted
	job.FinishedAt = q.now()
	if err := q.saveJob(ctx, job, q.config.CompletedRetention); err != nil {
		return err
	}
	if err := q.cache.ZAdd(ctx, q.laneKey(job.Lane, "completed"), float64(job.FinishedAt.UnixMilli()), job.ID); err != nil {
		return err
	}
	return q.trimCompleted(ctx, job.Lane)
}

func (q *Queue) trimCompleted(ctx context.Context, lane Lane) error {
	key := q.laneKey(lane, "completed")
	count, err := q.cache.ZCard(ctx, key)
	if err != nil {
		return err
	}
	for count > int64(q.config.CompletedMax) {
		member, err := q.cache.ZPopMin(ctx, key)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := q.cache.Delete(ctx, q.jobKey(lane, member.Member)); err != nil && !errors.Is(err, cache.ErrNotFound) {
			return err
		}
		count--
	}
	return nil
}

// Fail records a failed attempt. Retryable failures below the attempt cap
// go back to the delayed set with exponential backoff; everything else
// moves to the failed set. Returns true when the job was scheduled for
// retry.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error, retryable bool) (bool, error) {
	if err := q.cache.ZRem(ctx, q.laneKey(job.Lane, "active"), job.ID); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return false, err
	}
	if jobErr != nil {
		job.LastError = jobErr.Error()
	}

	if retryable && job.Attempts < job.MaxAttempts {
		delay := q.retryDelay(job.Attempts)
		job.State = StateDelayed
		job.NextRetry = q.now().Add(delay)
		if err := q.saveJob(ctx, job, 0); err != nil {
			return false, err
		}
		if err := q.cache.ZAdd(ctx, q.laneKey(job.Lane, "delayed"), float64(job.NextRetry.UnixMilli()), job.ID); err != nil {
			return false, err
		}
		q.logger.Info("job scheduled for retry",
			"job_id", job.ID,
			"lane", job.Lane,
			"attempt", job.Attempts,
			"next_retry", job.NextRetry,
			"error", job.LastError)
		return true, nil
	}

	job.State = StateFailed
	job.FinishedAt = q.now()
	if err := q.saveJob(ctx, job, q.config.FailedRetention); err != nil {
		return false, err
	}
	if err := q.cache.ZAdd(ctx, q.laneKey(job.Lane, "failed"), float64(job.FinishedAt.UnixMilli()), job.ID); err != nil {
		return false, err
	}
	q.logger.Warn("job failed permanently",
		"job_id", job.ID,
		"lane", job.Lane,
		"attempts", job.Attempts,
		"error", job.LastError)
	return false, nil
}

// retryDelay doubles the base delay per attempt with +/-10% jitter so
// retries from a burst do not land on the same instant.
func (q *Queue) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(math.Pow(2, float64(attempt-1))) * q.config.RetryBase
	jitter := 0.9 + q.rand.Float64()*0.2
	return time.Duration(float64(delay) * jitter)
}

// Get returns the job record, or ErrJobNotFound
func (q *Queue) Get(ctx context.Context, lane Lane, id string) (*Job, error) {
	return q.loadJob(ctx, lane, id)
}

// Cancel removes a waiting or delayed job. Active and finished jobs are
// not cancellable; the call reports false for those.
func (q *Queue) Cancel(ctx context.Context, lane Lane, id string) (bool, error) {
	job, err := q.loadJob(ctx, lane, id)
	if err != nil {
		return false, err
	}

	var setKey string
	switch job.State {
	case StateWaiting:
		setKey = q.laneKey(lane, "ready")
	case StateDelayed:
		setKey = q.laneKey(lane, "delayed")
	default:
		return false, nil
	}

	if err := q.cache.ZRem(ctx, setKey, id); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			// a worker claimed it between the load and the remove
			return false, nil
		}
		return false, err
	}
	if err := q.cache.Delete(ctx, q.jobKey(lane, id)); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return false, err
	}
	q.logger.Info("job cancelled", "job_id", id, "lane", lane)
	return true, nil
}

// Retry requeues a failed or delayed job immediately, resetting its
// position in the lane. Reports false when the job is in any other state.
func (q *Queue) Retry(ctx context.Context, lane Lane, id string) (bool, error) {
	job, err := q.loadJob(ctx, lane, id)
	if err != nil {
		return false, err
	}

	var setKey string
	switch job.State {
	case StateFailed:
		setKey = q.laneKey(lane, "failed")
	case StateDelayed:
		setKey = q.laneKey(lane, "delayed")
	default:
		return false, nil
	}
	if err := q.cache.ZRem(ctx, setKey, id); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return false, err
	}

	seq, err := q.cache.Increment(ctx, q.laneKey(lane, "seq"), 1)
	if err != nil {
		return false, err
	}
	job.State = StateWaiting
	job.Seq = seq
	job.NextRetry = time.Time{}
	job.FinishedAt = time.Time{}
	if err := q.saveJob(ctx, job, 0); err != nil {
		return false, err
	}
	if err := q.cache.ZAdd(ctx, q.laneKey(lane, "ready"), readyScore(job.Priority, job.Seq), job.ID); err != nil {
		return false, err
	}
	q.logger.Info("job requeued", "job_id", id, "lane", lane, "attempts", job.Attempts)
	return true, nil
}

// PromoteDelayed moves delayed jobs whose ready time has passed into the
// ready set. Returns how many jobs were promoted.
func (q *Queue) PromoteDelayed(ctx context.Context, lane Lane) (int, error) {
	delayedKey := q.laneKey(lane, "delayed")
	due, err := q.cache.ZRangeByScore(ctx, delayedKey, math.Inf(-1), float64(q.now().UnixMilli()), promoteBatch)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range due {
		// the remove doubles as a claim against concurrent promoters
		if err := q.cache.ZRem(ctx, delayedKey, id); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				continue
			}
			return promoted, err
		}
		job, err := q.loadJob(ctx, lane, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return promoted, err
		}
		job.State = StateWaiting
		if err := q.saveJob(ctx, job, 0); err != nil {
			return promoted, err
		}
		if err := q.cache.ZAdd(ctx, q.laneKey(lane, "ready"), readyScore(job.Priority, job.Seq), job.ID); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RecoverStalled requeues active jobs whose lock deadline has passed. A
// job is recovered at most MaxStalledCount times; beyond that it is moved
// to the failed set. Returns (requeued, failed) counts.
func (q *Queue) RecoverStalled(ctx context.Context, lane Lane) (int, int, error) {
	activeKey := q.laneKey(lane, "active")
	expired, err := q.cache.ZRangeByScore(ctx, activeKey, math.Inf(-1), float64(q.now().UnixMilli()), promoteBatch)
	if err != nil {
		return 0, 0, err
	}

	requeued, failed := 0, 0
	for _, id := range expired {
		if err := q.cache.ZRem(ctx, activeKey, id); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				continue
			}
			return requeued, failed, err
		}
		job, err := q.loadJob(ctx, lane, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return requeued, failed, err
		}

		// The job record is authoritative: an active entry for a job in
		// any other state is leftover from an interrupted claim or an
		// already-finished run.
		switch job.State {
		case StateActive:
		case StateWaiting:
			// claim that never completed; restore the ready entry if the
			// dequeue got far enough to remove it
			if _, err := q.cache.ZScore(ctx, q.laneKey(lane, "ready"), id); err != nil {
				if !errors.Is(err, cache.ErrNotFound) {
					return requeued, failed, err
				}
				if err := q.cache.ZAdd(ctx, q.laneKey(lane, "ready"), readyScore(job.Priority, job.Seq), job.ID); err != nil {
					return requeued, failed, err
				}
				requeued++
			}
			continue
		default:
			continue
		}

		job.StalledCount++
		if job.StalledCount > q.config.MaxStalledCount {
			job.State = StateFailed
			job.LastError = "job stalled: worker lock expired"
			job.FinishedAt = q.now()
			if err := q.saveJob(ctx, job, q.config.FailedRetention); err != nil {
				return requeued, failed, err
			}
			if err := q.cache.ZAdd(ctx, q.laneKey(lane, "failed"), float64(job.FinishedAt.UnixMilli()), job.ID); err != nil {
				return requeued, failed, err
			}
			q.logger.Warn("stalled job failed", "job_id", job.ID, "lane", lane, "stalled_count", job.StalledCount)
			failed++
			continue
		}

		job.State = StateWaiting
		if err := q.saveJob(ctx, job, 0); err != nil {
			return requeued, failed, err
		}
		if err := q.cache.ZAdd(ctx, q.laneKey(lane, "ready"), readyScore(job.Priority, job.Seq), job.ID); err != nil {
			return requeued, failed, err
		}
		q.logger.Warn("stalled job recovered", "job_id", job.ID, "lane", lane, "stalled_count", job.StalledCount)
		requeued++
	}
	return requeued, failed, nil
}

// Cleanup prunes completed and failed records past their retention
// windows. Returns how many records were removed.
func (q *Queue) Cleanup(ctx context.Context, lane Lane) (int, error) {
	removed := 0
	now := q.now()

	for _, part := range []struct {
		set       string
		retention time.Duration
	}{
		{"completed", q.config.CompletedRetention},
		{"failed", q.config.FailedRetention},
	} {
		key := q.laneKey(lane, part.set)
		cutoff := float64(now.Add(-part.retention).UnixMilli())
		stale, err := q.cache.ZRangeByScore(ctx, key, math.Inf(-1), cutoff, 0)
		if err != nil {
			return removed, err
		}
		if len(stale) == 0 {
			continue
		}
		if _, err := q.cache.ZRemRangeByScore(ctx, key, math.Inf(-1), cutoff); err != nil {
			return removed, err
		}
		for _, id := range stale {
			if err := q.cache.Delete(ctx, q.jobKey(lane, id)); err != nil && !errors.Is(err, cache.ErrNotFound) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Stats counts the jobs in each state of the lane
func (q *Queue) Stats(ctx context.Context, lane Lane) (LaneStats, error) {
	var stats LaneStats
	for _, part := range []struct {
		set  string
		dest *int64
	}{
		{"ready", &stats.Waiting},
		{"active", &stats.Active},
		{"completed", &stats.Completed},
		{"failed", &stats.Failed},
		{"delayed", &stats.Delayed},
	} {
		count, err := q.cache.ZCard(ctx, q.laneKey(lane, part.set))
		if err != nil {
			return stats, err
		}
		*part.dest = count
	}
	return stats, nil
}
