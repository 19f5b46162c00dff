package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/noetl/noetl/api/client"
	fsstore "github.com/noetl/noetl/runtime/workflow/artifact/fs"
	"github.com/noetl/noetl/runtime/workflow/bus"
	buspulse "github.com/noetl/noetl/runtime/workflow/bus/pulse"
	"github.com/noetl/noetl/runtime/workflow/driver"
	"github.com/noetl/noetl/runtime/workflow/driver/httpdriver"
	"github.com/noetl/noetl/runtime/workflow/driver/sqldriver"
	leaseredis "github.com/noetl/noetl/runtime/workflow/lease/redis"
	"github.com/noetl/noetl/runtime/workflow/pipeline"
	"github.com/noetl/noetl/runtime/workflow/policy"
	"github.com/noetl/noetl/runtime/workflow/telemetry"
	"github.com/noetl/noetl/runtime/workflow/tmpl"
	"github.com/noetl/noetl/runtime/workflow/worker"
)

var (
	workerFlagServer      string
	workerFlagRedis       string
	workerFlagQueue       string
	workerFlagGroup       string
	workerFlagConcurrency int
	workerFlagArtifacts   string
	workerFlagLeaseTTL    time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker pool against a remote control plane",
	Long: `Worker consumes step commands from the Redis command bus, executes
the step pipelines, and reports progress by appending events through the
control plane API. Step runs are guarded by Redis leases so redelivered
commands never execute twice concurrently.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerFlagServer, "server", "", "Control plane base URL (required)")
	workerCmd.Flags().StringVar(&workerFlagRedis, "redis", "localhost:6379", "Redis address for the command bus and leases")
	workerCmd.Flags().StringVar(&workerFlagQueue, "queue", bus.DefaultQueue, "Step command queue name")
	workerCmd.Flags().StringVar(&workerFlagGroup, "group", "workers", "Consumer group name")
	workerCmd.Flags().IntVar(&workerFlagConcurrency, "concurrency", 4, "Concurrent step runs")
	workerCmd.Flags().StringVar(&workerFlagArtifacts, "artifacts", "./data/artifacts", "Artifact store directory")
	workerCmd.Flags().DurationVar(&workerFlagLeaseTTL, "lease-ttl", 30*time.Second, "Step lease time to live")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	if workerFlagServer == "" {
		return errors.New("--server is required")
	}
	ctx, stop := signal.NotifyContext(logContext(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: workerFlagRedis})
	defer func() { _ = rdb.Close() }()

	cmdBus, err := buspulse.New(buspulse.Options{Redis: rdb})
	if err != nil {
		return err
	}
	leases, err := leaseredis.New(rdb, "")
	if err != nil {
		return err
	}
	store, err := fsstore.New(workerFlagArtifacts)
	if err != nil {
		return err
	}
	drivers, err := driver.NewRegistry(
		driver.Noop{},
		driver.Transform{},
		httpdriver.New(httpdriver.Options{}),
		sqldriver.New(sqldriver.Options{}),
	)
	if err != nil {
		return err
	}

	remote := client.New(workerFlagServer)
	tm := tmpl.New()
	tel := telemetry.Clue()

	pipes, err := pipeline.New(pipeline.Options{
		Tmpl:      tm,
		Policy:    policy.New(tm),
		Drivers:   drivers,
		Sink:      remote,
		Artifacts: store,
		Telemetry: tel,
	})
	if err != nil {
		return err
	}
	runner, err := worker.New(worker.Options{
		Pipelines: pipes,
		Tmpl:      tm,
		State:     remote,
		Sink:      remote,
		Leases:    leases,
		Bus:       cmdBus,
		Watcher:   remote,
		LeaseTTL:  workerFlagLeaseTTL,
		Telemetry: tel,
	})
	if err != nil {
		return err
	}
	pool, err := worker.NewPool(worker.PoolOptions{
		Runner:      runner,
		Bus:         cmdBus,
		Queue:       workerFlagQueue,
		Group:       workerFlagGroup,
		Concurrency: workerFlagConcurrency,
		Telemetry:   tel,
	})
	if err != nil {
		return err
	}

	log.Printf(ctx, "worker consuming queue %q from %q", workerFlagQueue, workerFlagRedis)
	return pool.Run(ctx)
}
