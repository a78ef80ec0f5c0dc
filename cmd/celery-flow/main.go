// Command celery-flow runs the task-monitoring engine against a broker and
// prints the reconstructed task activity.
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/iansokolskyi/celery-flow/engine"
	"github.com/iansokolskyi/celery-flow/event"
	transportmem "github.com/iansokolskyi/celery-flow/event/memory"
	"github.com/iansokolskyi/celery-flow/hub"
	riverflow "github.com/iansokolskyi/celery-flow/river"
	"github.com/iansokolskyi/celery-flow/store"
	storemem "github.com/iansokolskyi/celery-flow/store/memory"
	"github.com/iansokolskyi/celery-flow/store/pgstore"
)

// Version is stamped at build time.
var Version = "dev"

var (
	flagBrokerURL   string
	flagDatabaseURL string
	flagMaxNodes    int
	flagHealthEvery time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "celery-flow",
		Short: "Task flow monitor for distributed task pipelines",
		Long: `celery-flow consumes task lifecycle events from a broker and rebuilds
the live state and dependency graph of every task, serving queries and
push subscriptions over the reconstructed model.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(demoCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func consumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run the event consumer",
		Long: `Consume task lifecycle events from the broker and print applied diffs.

Broker URLs:
  memory://            in-process transport (testing)
  postgres://...       poll a River pipeline's job table

With --database-url set, task state is persisted to PostgreSQL and
survives restarts; otherwise an in-memory repository is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&flagBrokerURL, "broker-url", "b", os.Getenv("CELERY_FLOW_BROKER_URL"),
		"Broker URL for consuming events")
	cmd.Flags().StringVar(&flagDatabaseURL, "database-url", "",
		"PostgreSQL URL for durable task state (optional)")
	cmd.Flags().IntVar(&flagMaxNodes, "max-nodes", 0,
		"Graph retention ceiling (0 = default)")
	cmd.Flags().DurationVar(&flagHealthEvery, "health-every", 30*time.Second,
		"Interval between health log lines")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("celery-flow %s\n", Version)
		},
	}
}

func runConsume(ctx context.Context) error {
	if flagBrokerURL == "" {
		return fmt.Errorf("broker URL is required (--broker-url or CELERY_FLOW_BROKER_URL)")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := stdLogger{}

	transport, closeTransport, err := buildTransport(ctx, flagBrokerURL)
	if err != nil {
		return err
	}
	defer closeTransport()

	repo, closeRepo, err := buildRepository(ctx, flagDatabaseURL)
	if err != nil {
		return err
	}
	defer closeRepo()

	eng, err := engine.New(engine.Config{
		Transport:  transport,
		Repository: repo,
		Logger:     logger,
		MaxNodes:   flagMaxNodes,
	})
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	sub, err := eng.Subscribe(hub.DefaultBuffer)
	if err != nil {
		return err
	}

	logger.Info("consuming", "broker", flagBrokerURL)

	ticker := time.NewTicker(flagHealthEvery)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			logger.Info("health", "status", eng.Health().String())
		case d, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Warn("subscription ended", "reason", err)
				}
				break loop
			}
			logger.Info("task", "task_id", d.TaskID, "state", d.After.String(), "was", d.Before.String())
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), engine.DefaultShutdownTimeout)
	defer cancel()
	return eng.Stop(stopCtx)
}

// buildTransport constructs the transport for a broker URL.
func buildTransport(ctx context.Context, brokerURL string) (event.Transport, func(), error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse broker URL: %w", err)
	}

	switch u.Scheme {
	case "memory":
		t := transportmem.New()
		return t, t.Close, nil

	case "postgres", "postgresql":
		pool, err := pgxpool.New(ctx, brokerURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to pipeline database: %w", err)
		}
		poller, err := riverflow.NewPoller(riverflow.PollerConfig{Pool: pool})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return poller, pool.Close, nil

	default:
		return nil, nil, &event.UnsupportedSchemeError{Scheme: u.Scheme}
	}
}

// buildRepository constructs the repository, durable when a database URL is
// given.
func buildRepository(ctx context.Context, databaseURL string) (store.Repository, func(), error) {
	if databaseURL == "" {
		return storemem.New(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to state database: %w", err)
	}
	if err := pgstore.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pgstore.New(pool), pool.Close, nil
}

// stdLogger writes key-value log lines through the standard library logger.
type stdLogger struct{}

func (stdLogger) Debug(msg string, kv ...any) {}
func (stdLogger) Info(msg string, kv ...any)  { logKV("INFO", msg, kv) }
func (stdLogger) Warn(msg string, kv ...any)  { logKV("WARN", msg, kv) }
func (stdLogger) Error(msg string, kv ...any) { logKV("ERROR", msg, kv) }

func logKV(level, msg string, kv []any) {
	line := level + " " + msg
	for i := 0; i+1 < len(kv); i += 2 {
		line += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
	}
	log.Println(line)
}
