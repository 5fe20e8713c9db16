package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/courierhq/courier/internal/metrics"
)

// Handler processes one claimed job. A nil return completes the job; a
// non-nil return fails the attempt, and the error's Retryable method (if
// any) decides whether the job is retried.
type Handler func(ctx context.Context, job *Job) error

// defaultLaneConcurrency is the per-lane worker cap used when the
// configuration does not override it.
var defaultLaneConcurrency = map[Lane]int{
	Immediate: 5,
	Scheduled: 3,
	Bulk:      10,
}

// Worker drives the queue: per-lane poll loops claim ready jobs and run
// the handler under a concurrency cap, while background loops promote
// delayed jobs, recover stalled ones and prune old records.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency map[Lane]int
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWorker creates a worker for the queue. Lanes missing from the
// concurrency map fall back to the built-in defaults.
func NewWorker(q *Queue, handler Handler, concurrency map[Lane]int) *Worker {
	merged := make(map[Lane]int, len(Lanes))
	for _, lane := range Lanes {
		merged[lane] = defaultLaneConcurrency[lane]
		if n, ok := concurrency[lane]; ok && n > 0 {
			merged[lane] = n
		}
	}
	return &Worker{
		queue:       q,
		handler:     handler,
		concurrency: merged,
		logger:      slog.Default().With("component", "queue-worker"),
	}
}

// Start launches the lane loops and maintenance loops. Safe to call once.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.ctx, w.cancel = context.WithCancel(context.Background())

		for _, lane := range Lanes {
			w.wg.Add(1)
			go w.runLane(lane, w.concurrency[lane])
		}
		w.wg.Add(3)
		go w.runPromoter()
		go w.runReaper()
		go w.runCleanup()

		w.logger.Info("worker started",
			"immediate", w.concurrency[Immediate],
			"scheduled", w.concurrency[Scheduled],
			"bulk", w.concurrency[Bulk])
	})
}

// Stop cancels all loops and waits for in-flight jobs to finish
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel == nil {
			return
		}
		w.cancel()
		w.wg.Wait()
		w.logger.Info("worker stopped")
	})
}

// runLane polls one lane and dispatches claimed jobs to a bounded set of
// goroutines.
func (w *Worker) runLane(lane Lane, concurrency int) {
	defer w.wg.Done()

	sem := make(chan struct{}, concurrency)
	ticker := time.NewTicker(w.queue.config.PollInterval)
	defer ticker.Stop()

	var jobs sync.WaitGroup
	defer jobs.Wait()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}

		// drain everything ready on this tick, up to the lane cap
		for {
			select {
			case <-w.ctx.Done():
				return
			case sem <- struct{}{}:
			}

			job, err := w.queue.Dequeue(w.ctx, lane)
			if err != nil {
				<-sem
				if w.ctx.Err() == nil {
					w.logger.Error("dequeue failed", "lane", lane, "error", err)
				}
				break
			}
			if job == nil {
				<-sem
				break
			}

			jobs.Add(1)
			go func(job *Job) {
				defer jobs.Done()
				defer func() { <-sem }()
				w.process(job)
			}(job)
		}
	}
}

func (w *Worker) process(job *Job) {
	lane := string(job.Lane)
	metrics.JobsProcessed.WithLabelValues(lane).Inc()

	// detached from w.ctx: shutdown stops claiming but lets claimed jobs
	// finish naturally; Stop blocks on them through the lane's jobs group
	ctx, cancel := context.WithTimeout(context.Background(), w.queue.config.LockDuration)
	defer cancel()

	err := w.handler(ctx, job)
	if err == nil {
		if cerr := w.queue.Complete(context.Background(), job); cerr != nil {
			w.logger.Error("failed to mark job completed", "job_id", job.ID, "error", cerr)
			return
		}
		metrics.JobsCompleted.WithLabelValues(lane).Inc()
		return
	}

	// completion bookkeeping must survive shutdown cancellation
	retried, ferr := w.queue.Fail(context.Background(), job, err, isRetryable(err))
	if ferr != nil {
		w.logger.Error("failed to mark job failed", "job_id", job.ID, "error", ferr)
		return
	}
	if retried {
		metrics.JobsRetried.WithLabelValues(lane).Inc()
	} else {
		metrics.JobsFailed.WithLabelValues(lane).Inc()
	}
}

// isRetryable classifies a handler error. Errors carrying a Retryable or
// Temporary method decide for themselves; anything unclassified is
// treated as retryable so transient infrastructure faults get another
// attempt.
func isRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

func (w *Worker) runPromoter() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.queue.config.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, lane := range Lanes {
				if _, err := w.queue.PromoteDelayed(w.ctx, lane); err != nil && w.ctx.Err() == nil {
					w.logger.Error("delayed promotion failed", "lane", lane, "error", err)
				}
			}
			w.updateDepthGauges()
		}
	}
}

func (w *Worker) runReaper() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.queue.config.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, lane := range Lanes {
				requeued, failed, err := w.queue.RecoverStalled(w.ctx, lane)
				if err != nil {
					if w.ctx.Err() == nil {
						w.logger.Error("stalled recovery failed", "lane", lane, "error", err)
					}
					continue
				}
				if requeued+failed > 0 {
					metrics.JobsStalled.WithLabelValues(string(lane)).Add(float64(requeued + failed))
				}
			}
		}
	}
}

func (w *Worker) runCleanup() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.queue.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, lane := range Lanes {
				removed, err := w.queue.Cleanup(w.ctx, lane)
				if err != nil {
					if w.ctx.Err() == nil {
						w.logger.Error("cleanup failed", "lane", lane, "error", err)
					}
					continue
				}
				if removed > 0 {
					w.logger.Info("pruned old job records", "lane", lane, "removed", removed)
				}
			}
		}
	}
}

func (w *Worker) updateDepthGauges() {
	for _, lane := range Lanes {
		stats, err := w.queue.Stats(w.ctx, lane)
		if err != nil {
			continue
		}
		l := string(lane)
		metrics.QueueDepth.WithLabelValues(l, "waiting").Set(float64(stats.Waiting))
		metrics.QueueDepth.WithLabelValues(l, "active").Set(float64(stats.Active))
		metrics.QueueDepth.WithLabelValues(l, "delayed").Set(float64(stats.Delayed))
		metrics.QueueDepth.WithLabelValues(l, "failed").Set(float64(stats.Failed))
	}
}
