package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the job queue",
	Long:  `Inspect and manage the three-lane email job queue`,
}

func init() {
	rootCmd.AddCommand(queueCmd)

	var statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show per-lane job counts",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			service := mustQueueService(ctx)

			stats, err := service.GetQueueStats(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LANE\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tFAILED")
			for _, lane := range queue.Lanes {
				s := stats[lane]
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
					lane, s.Waiting, s.Active, s.Delayed, s.Completed, s.Failed)
			}
			w.Flush()
		},
	}

	var showCmd = &cobra.Command{
		Use:   "show [lane] [job ID]",
		Short: "Show one job record",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			service := mustQueueService(ctx)

			job, err := service.GetJobStatus(ctx, queue.Lane(args[0]), args[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			out, _ := json.MarshalIndent(job, "", "  ")
			fmt.Println(string(out))
		},
	}

	var cancelCmd = &cobra.Command{
		Use:   "cancel [lane] [job ID]",
		Short: "Cancel a waiting or delayed job",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			service := mustQueueService(ctx)

			ok, err := service.CancelJob(ctx, queue.Lane(args[0]), args[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !ok {
				fmt.Println("Job is no longer cancellable")
				os.Exit(1)
			}
			fmt.Println("Job cancelled")
		},
	}

	var retryCmd = &cobra.Command{
		Use:   "retry [lane] [job ID]",
		Short: "Requeue a failed or delayed job immediately",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			service := mustQueueService(ctx)

			ok, err := service.RetryJob(ctx, queue.Lane(args[0]), args[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !ok {
				fmt.Println("Job is not in a retryable state")
				os.Exit(1)
			}
			fmt.Println("Job requeued")
		},
	}

	queueCmd.AddCommand(statsCmd)
	queueCmd.AddCommand(showCmd)
	queueCmd.AddCommand(cancelCmd)
	queueCmd.AddCommand(retryCmd)
}

func mustQueueService(ctx context.Context) *queue.Service {
	c, err := connectCache(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return queue.NewService(queue.New(c, queue.DefaultConfig()))
}
