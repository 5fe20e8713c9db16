package queue

import (
	"context"
	"fmt"
	"log/slog"
)

// Service is the application-facing surface of the queue. It applies the
// lane defaults the API and CLI rely on and fans batch submissions out to
// the underlying queue.
type Service struct {
	queue  *Queue
	logger *slog.Logger
}

// NewService wraps a queue in the application-facing service
func NewService(q *Queue) *Service {
	return &Service{
		queue:  q,
		logger: slog.Default().With("component", "queue-service"),
	}
}

// AddEmailJob enqueues a single email. A zero lane defaults to Immediate;
// callers that set a delay should pick Scheduled themselves.
func (s *Service) AddEmailJob(ctx context.Context, payload EmailJob, lane Lane, opts EnqueueOptions) (*Job, error) {
	if lane == "" {
		lane = Immediate
	}
	return s.queue.Enqueue(ctx, payload, lane, opts)
}

// AddBulkJobs enqueues a batch of emails. A zero lane defaults to Bulk.
// The batch is not atomic: on the first failure the jobs already enqueued
// stay queued and the error reports the failing index.
func (s *Service) AddBulkJobs(ctx context.Context, payloads []EmailJob, lane Lane, opts EnqueueOptions) ([]*Job, error) {
	if lane == "" {
		lane = Bulk
	}
	jobs := make([]*Job, 0, len(payloads))
	for i, payload := range payloads {
		job, err := s.queue.Enqueue(ctx, payload, lane, opts)
		if err != nil {
			return jobs, fmt.Errorf("failed to enqueue job %d of %d: %w", i+1, len(payloads), err)
		}
		jobs = append(jobs, job)
	}
	s.logger.Info("bulk jobs enqueued", "count", len(jobs), "lane", lane)
	return jobs, nil
}

// GetJobStatus returns the current job record
func (s *Service) GetJobStatus(ctx context.Context, lane Lane, id string) (*Job, error) {
	return s.queue.Get(ctx, lane, id)
}

// CancelJob cancels a waiting or delayed job
func (s *Service) CancelJob(ctx context.Context, lane Lane, id string) (bool, error) {
	return s.queue.Cancel(ctx, lane, id)
}

// RetryJob requeues a failed or delayed job immediately
func (s *Service) RetryJob(ctx context.Context, lane Lane, id string) (bool, error) {
	return s.queue.Retry(ctx, lane, id)
}

// GetQueueStats reports per-lane state counts for all lanes
func (s *Service) GetQueueStats(ctx context.Context) (map[Lane]LaneStats, error) {
	stats := make(map[Lane]LaneStats, len(Lanes))
	for _, lane := range Lanes {
		laneStats, err := s.queue.Stats(ctx, lane)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s lane stats: %w", lane, err)
		}
		stats[lane] = laneStats
	}
	return stats, nil
}
