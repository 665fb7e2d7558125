package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/rabbitq/internal/config"
	"github.com/dontdude/rabbitq/internal/platform/logging"
	"github.com/dontdude/rabbitq/internal/platform/queue"
)

// app carries what PersistentPreRunE prepared for the subcommands.
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "rabbitq",
		Short:         "Dispatch and inspect rabbitq jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
				cfg.Log.Level = lvl
			}
			a.cfg = cfg
			a.logger = logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	rootCmd.PersistentFlags().String("env-file", "", "Path to a .env file (default .env when present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringP("queue", "q", "", "Queue name (default RABBITQ_QUEUE)")

	// push
	pushCmd := &cobra.Command{
		Use:   "push JOB [DATA]",
		Short: "Publish a job for immediate processing",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[1:])
			if err != nil {
				return err
			}
			queueName, _ := cmd.Flags().GetString("queue")
			return a.withQueue(cmd.Context(), func(ctx context.Context, q *queue.RabbitQueue) error {
				id, err := q.Push(ctx, args[0], data, queueName)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	rootCmd.AddCommand(pushCmd)

	// later
	laterCmd := &cobra.Command{
		Use:     "later DELAY JOB [DATA]",
		Short:   "Publish a job that becomes visible after DELAY (e.g. 5s, 1m30s)",
		Args:    cobra.RangeArgs(2, 3),
		Example: `  rabbitq later 5s SendEmail '{"to":"a@b.com"}' -q emails`,
		RunE: func(cmd *cobra.Command, args []string) error {
			delay, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid delay %q: %w", args[0], err)
			}
			data, err := parseData(args[2:])
			if err != nil {
				return err
			}
			queueName, _ := cmd.Flags().GetString("queue")
			return a.withQueue(cmd.Context(), func(ctx context.Context, q *queue.RabbitQueue) error {
				id, err := q.Later(ctx, delay, args[1], data, queueName)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	rootCmd.AddCommand(laterCmd)

	// pop
	popCmd := &cobra.Command{
		Use:   "pop",
		Short: "Fetch one job and settle it (release is the default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			ack, _ := cmd.Flags().GetBool("ack")
			fail, _ := cmd.Flags().GetString("fail")
			release, _ := cmd.Flags().GetDuration("release")
			if ack && fail != "" {
				return errors.New("--ack and --fail are mutually exclusive")
			}
			return a.withQueue(cmd.Context(), func(ctx context.Context, q *queue.RabbitQueue) error {
				job, err := q.Pop(ctx, queueName)
				if err != nil {
					return err
				}
				if job == nil {
					fmt.Println("queue is empty")
					return nil
				}
				out, _ := json.Marshal(map[string]any{
					"id":       job.ID(),
					"job":      job.Name(),
					"data":     job.Data(),
					"attempts": job.Attempts(),
					"queue":    job.Queue(),
				})
				fmt.Println(string(out))

				switch {
				case ack:
					return job.Delete(ctx)
				case fail != "":
					return job.Fail(ctx, errors.New(fail))
				default:
					return job.Release(ctx, release)
				}
			})
		},
	}
	popCmd.Flags().Bool("ack", false, "Acknowledge the job, removing it permanently")
	popCmd.Flags().String("fail", "", "Move the job to the failed-jobs queue with this reason")
	popCmd.Flags().Duration("release", 0, "Release the job back to its queue after this delay")
	rootCmd.AddCommand(popCmd)

	// retry-failed
	retryCmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Move jobs from the failed-jobs queue back onto their queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			limit, _ := cmd.Flags().GetInt("limit")
			return a.withQueue(cmd.Context(), func(ctx context.Context, q *queue.RabbitQueue) error {
				res, err := q.RetryFailed(ctx, queueName, limit)
				if err != nil {
					return err
				}
				fmt.Printf("requeued %d, skipped %d\n", res.Requeued, res.Skipped)
				return nil
			})
		},
	}
	retryCmd.Flags().Int("limit", 100, "Maximum number of failed jobs to move")
	rootCmd.AddCommand(retryCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

// withQueue connects, opens a queue for fn and tears both down afterwards.
func (a *app) withQueue(ctx context.Context, fn func(context.Context, *queue.RabbitQueue) error) error {
	conn, err := queue.Connect(a.cfg.AMQP)
	if err != nil {
		return err
	}
	defer conn.Close()

	q, err := queue.Open(conn, a.cfg.AMQP, a.logger)
	if err != nil {
		return err
	}
	defer q.Close()

	return fn(ctx, q)
}

// parseData decodes the optional DATA argument as JSON.
func parseData(args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid([]byte(args[0])) {
		return nil, fmt.Errorf("DATA must be valid JSON: %s", args[0])
	}
	return json.RawMessage(args[0]), nil
}
