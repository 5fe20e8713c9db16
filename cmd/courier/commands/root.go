package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/cache"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/logging"
	"github.com/courierhq/courier/internal/store"
)

var (
	// Global configuration
	configPath string
	cfg        *config.Config

	// Root command
	rootCmd = &cobra.Command{
		Use:   "courier",
		Short: "Courier email delivery worker",
		Long: `A command line tool for running and managing the Courier email delivery
pipeline: the three-lane job queue, per-profile rate limiting, bounce
suppression and the SMTP send worker.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return
			}

			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}
			if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
				fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
				os.Exit(1)
			}
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

// connectCache dials the shared key-value store that backs the queue and
// rate limiter. The queue needs sorted-set support, so memcached is
// rejected at config validation already.
func connectCache(ctx context.Context) (cache.SortedSetCache, error) {
	c, err := cache.Factory(cache.Config{
		Type:     cfg.Cache.Type,
		Name:     "courier",
		Host:     cfg.Cache.Host,
		Port:     cfg.Cache.Port,
		Password: cfg.Cache.Password,
		Database: cfg.Cache.Database,
	})
	if err != nil {
		return nil, err
	}
	if err := cache.ConnectWithRetry(ctx, c, 30*time.Second); err != nil {
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	sorted, ok := c.(cache.SortedSetCache)
	if !ok {
		return nil, fmt.Errorf("cache type %s does not support queue operations", cfg.Cache.Type)
	}
	return sorted, nil
}

// connectRateLimitCache dials the dedicated rate-limiter cache when one is
// configured, falling back to the shared queue cache otherwise. This is the
// one place a memcached backend can serve: the limiter only needs flat
// increment-with-expiry.
func connectRateLimitCache(ctx context.Context, fallback cache.Cache) (cache.Cache, error) {
	if cfg.RateLimitCache.Type == "" {
		return fallback, nil
	}

	c, err := cache.Factory(cache.Config{
		Type:     cfg.RateLimitCache.Type,
		Name:     "courier-ratelimit",
		Host:     cfg.RateLimitCache.Host,
		Port:     cfg.RateLimitCache.Port,
		Password: cfg.RateLimitCache.Password,
		Database: cfg.RateLimitCache.Database,
	})
	if err != nil {
		return nil, err
	}
	if err := cache.ConnectWithRetry(ctx, c, 30*time.Second); err != nil {
		return nil, fmt.Errorf("failed to connect to rate-limit cache: %w", err)
	}
	return c, nil
}

// connectStore dials the persistent store
func connectStore() (*store.Postgres, error) {
	pg := store.NewPostgres(store.PostgresConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Username: cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err := pg.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pg, nil
}
