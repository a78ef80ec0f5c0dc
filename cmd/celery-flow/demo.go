package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/iansokolskyi/celery-flow/engine"
	riverflow "github.com/iansokolskyi/celery-flow/river"
	storemem "github.com/iansokolskyi/celery-flow/store/memory"
)

var (
	flagDemoDatabaseURL string
	flagDemoFanout      int
)

func demoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a small instrumented pipeline and monitor it",
		Long: `Run a River pipeline of demo tasks in this process and monitor it
through the in-process subscriber: a root task fans out into a group of
extract tasks, one of which fails once and is retried.

River's schema is migrated into the target database if missing. The demo
leaves its finished jobs behind in river_job.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&flagDemoDatabaseURL, "database-url", "",
		"PostgreSQL URL hosting the demo job queue (required)")
	cmd.Flags().IntVar(&flagDemoFanout, "fanout", 3,
		"Number of extract tasks in the group")

	return cmd
}

// demoRunArgs is the root task of the demo pipeline.
type demoRunArgs struct{}

func (demoRunArgs) Kind() string { return "demo.run" }

type demoRunWorker struct {
	river.WorkerDefaults[demoRunArgs]
}

func (w *demoRunWorker) Work(ctx context.Context, job *river.Job[demoRunArgs]) error {
	return nil
}

// demoExtractArgs is one member of the extract group.
type demoExtractArgs struct {
	Source    string `json:"source"`
	FailFirst bool   `json:"fail_first,omitempty"`
}

func (demoExtractArgs) Kind() string { return "demo.extract" }

// demoExtractWorker simulates work, failing the first attempt when asked so
// the monitor can observe a retry.
type demoExtractWorker struct {
	river.WorkerDefaults[demoExtractArgs]
}

func (w *demoExtractWorker) Work(ctx context.Context, job *river.Job[demoExtractArgs]) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(100+rand.Intn(400)) * time.Millisecond):
	}
	if job.Args.FailFirst && job.Attempt == 1 {
		return fmt.Errorf("transient failure extracting %s", job.Args.Source)
	}
	return nil
}

func runDemo(ctx context.Context) error {
	if flagDemoDatabaseURL == "" {
		return errors.New("database URL is required (--database-url)")
	}

	logger := stdLogger{}

	pool, err := pgxpool.New(ctx, flagDemoDatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("migrate job queue: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &demoRunWorker{})
	river.AddWorker(workers, &demoExtractWorker{})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers: workers,
	})
	if err != nil {
		return fmt.Errorf("create job client: %w", err)
	}

	subscriber, err := riverflow.NewSubscriber(riverflow.SubscriberConfig{Client: client})
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Transport:  subscriber,
		Repository: storemem.New(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	sub, err := eng.Subscribe(0)
	if err != nil {
		return err
	}

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start job client: %w", err)
	}

	total, err := insertDemoJobs(ctx, client, flagDemoFanout)
	if err != nil {
		return err
	}
	logger.Info("demo pipeline started", "tasks", total)

	// One terminal diff per task, plus one extra terminal transition for
	// the retried task.
	terminal := 0
	for terminal < total {
		select {
		case <-ctx.Done():
			terminal = total
		case d, ok := <-sub.Events():
			if !ok {
				terminal = total
				break
			}
			logger.Info("task", "task_id", d.TaskID, "state", d.After.String(), "was", d.Before.String())
			if d.After.IsTerminal() {
				terminal++
			}
		}
	}

	logger.Info("demo pipeline finished", "health", eng.Health().String())

	stopCtx, cancel := context.WithTimeout(context.Background(), engine.DefaultShutdownTimeout)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Warn("job client stop", "error", err)
	}
	return eng.Stop(stopCtx)
}

// insertDemoJobs enqueues the root task and its extract group, wiring the
// lineage metadata the monitor reads. Returns the number of tasks inserted.
func insertDemoJobs(ctx context.Context, client *river.Client[pgx.Tx], fanout int) (int, error) {
	if fanout < 1 {
		fanout = 1
	}

	root, err := client.Insert(ctx, demoRunArgs{}, nil)
	if err != nil {
		return 0, fmt.Errorf("insert root task: %w", err)
	}
	rootID := strconv.FormatInt(root.Job.ID, 10)
	groupID := "demo-extract-" + rootID

	for i := 0; i < fanout; i++ {
		source := fmt.Sprintf("source-%d", i+1)
		meta, err := json.Marshal(map[string]string{
			"parent_id": rootID,
			"root_id":   rootID,
			"group_id":  groupID,
		})
		if err != nil {
			return 0, err
		}
		_, err = client.Insert(ctx, demoExtractArgs{
			Source:    source,
			FailFirst: i == 0,
		}, &river.InsertOpts{
			MaxAttempts: 3,
			Metadata:    meta,
		})
		if err != nil {
			return 0, fmt.Errorf("insert extract task: %w", err)
		}
	}
	return fanout + 1, nil
}
