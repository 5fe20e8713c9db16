package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/api"
	"github.com/courierhq/courier/internal/bounce"
	"github.com/courierhq/courier/internal/delivery"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/ratelimit"
	"github.com/courierhq/courier/internal/tracking"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the delivery worker and API server",
	Long: `Start the long-running delivery process: lane workers pulling from the
job queue, the send pipeline, and the HTTP API for job submission and
queue inspection.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := slog.Default().With("component", "main")
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := connectCache(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	pg, err := connectStore()
	if err != nil {
		return err
	}
	defer func() { _ = pg.Close() }()

	queueConfig := queue.Config{
		MaxAttempts:        cfg.Queue.MaxAttempts,
		RetryBase:          cfg.Queue.RetryBase,
		LockDuration:       cfg.Queue.LockDuration,
		StalledInterval:    cfg.Queue.StalledInterval,
		MaxStalledCount:    cfg.Queue.MaxStalledCount,
		CompletedRetention: cfg.Queue.CompletedRetention,
		CompletedMax:       cfg.Queue.CompletedMax,
		FailedRetention:    cfg.Queue.FailedRetention,
		PollInterval:       cfg.Queue.PollInterval,
		PromoteInterval:    queue.DefaultConfig().PromoteInterval,
		CleanupInterval:    queue.DefaultConfig().CleanupInterval,
	}
	q := queue.New(c, queueConfig)

	rlCache, err := connectRateLimitCache(ctx, c)
	if err != nil {
		return err
	}
	if rlCache != c {
		defer func() { _ = rlCache.Close() }()
	}

	bounces := bounce.NewProcessor(pg)
	limiter := ratelimit.NewLimiter(rlCache)
	pipeline := delivery.NewPipeline(delivery.Deps{
		Logs:      pg,
		Profiles:  pg,
		Templates: pg,
		Bounces:   bounces,
		Limiter:   limiter,
		Tracker:   tracking.NewInjector(cfg.Tracking.TrackingBaseURL),
		Unsubs:    tracking.NewCacheUnsubscribes(c, cfg.Tracking.AppBaseURL),
		Transport: delivery.NewSMTPTransport(cfg.Transport.Timeout),
	})

	worker := queue.NewWorker(q, pipeline.Handle, map[queue.Lane]int{
		queue.Immediate: cfg.Queue.ImmediateConcurrency,
		queue.Scheduled: cfg.Queue.ScheduledConcurrency,
		queue.Bulk:      cfg.Queue.BulkConcurrency,
	})
	worker.Start()

	server := api.NewServer(cfg.Server.Listen, queue.NewService(q), bounces, pg, pg, limiter)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("api server failed", "error", err)
		}
	}

	// stop taking requests, then let in-flight jobs finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}
	worker.Stop()

	logger.Info("worker exited cleanly")
	return nil
}
