package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/noetl/noetl/api"
	"github.com/noetl/noetl/playbook/catalog"
	fsstore "github.com/noetl/noetl/runtime/workflow/artifact/fs"
	"github.com/noetl/noetl/runtime/workflow/bus"
	businmem "github.com/noetl/noetl/runtime/workflow/bus/inmem"
	buspulse "github.com/noetl/noetl/runtime/workflow/bus/pulse"
	"github.com/noetl/noetl/runtime/workflow/control"
	"github.com/noetl/noetl/runtime/workflow/driver"
	"github.com/noetl/noetl/runtime/workflow/driver/httpdriver"
	"github.com/noetl/noetl/runtime/workflow/driver/sqldriver"
	"github.com/noetl/noetl/runtime/workflow/eventlog"
	eventloginmem "github.com/noetl/noetl/runtime/workflow/eventlog/inmem"
	eventlogmongo "github.com/noetl/noetl/runtime/workflow/eventlog/mongo"
	"github.com/noetl/noetl/runtime/workflow/keychain"
	"github.com/noetl/noetl/runtime/workflow/lease"
	leaseinmem "github.com/noetl/noetl/runtime/workflow/lease/inmem"
	leaseredis "github.com/noetl/noetl/runtime/workflow/lease/redis"
	"github.com/noetl/noetl/runtime/workflow/pipeline"
	"github.com/noetl/noetl/runtime/workflow/policy"
	"github.com/noetl/noetl/runtime/workflow/telemetry"
	"github.com/noetl/noetl/runtime/workflow/tmpl"
	"github.com/noetl/noetl/runtime/workflow/worker"
)

var (
	serveFlagAddr      string
	serveFlagPlaybooks string
	serveFlagArtifacts string
	serveFlagRedis     string
	serveFlagMongo     string
	serveFlagMongoDB   string
	serveFlagQueue     string
	serveFlagNoWorker  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane and orchestration API",
	Long: `Serve hosts the event log, the projector, the router and the
scheduler, plus the HTTP API. Without --redis and --mongo it runs fully
in-memory, which is suitable for development and tests. By default it also
runs an embedded worker pool so playbooks execute without separate worker
processes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlagAddr, "http-addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveFlagPlaybooks, "playbooks", "./playbooks", "Directory of playbook YAML documents")
	serveCmd.Flags().StringVar(&serveFlagArtifacts, "artifacts", "./data/artifacts", "Artifact store directory")
	serveCmd.Flags().StringVar(&serveFlagRedis, "redis", "", "Redis address for the command bus and leases (empty: in-memory)")
	serveCmd.Flags().StringVar(&serveFlagMongo, "mongo", "", "MongoDB URI for the event log (empty: in-memory)")
	serveCmd.Flags().StringVar(&serveFlagMongoDB, "mongo-db", "noetl", "MongoDB database name")
	serveCmd.Flags().StringVar(&serveFlagQueue, "queue", bus.DefaultQueue, "Step command queue name")
	serveCmd.Flags().BoolVar(&serveFlagNoWorker, "no-worker", false, "Disable the embedded worker pool")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(logContext(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drivers, err := driver.NewRegistry(
		driver.Noop{},
		driver.Transform{},
		httpdriver.New(httpdriver.Options{}),
		sqldriver.New(sqldriver.Options{}),
	)
	if err != nil {
		return err
	}

	var checks []health.Pinger

	var evlog eventlog.Log
	if serveFlagMongo != "" {
		mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(serveFlagMongo))
		if err != nil {
			return err
		}
		defer func() { _ = mc.Disconnect(context.Background()) }()
		ml, err := eventlogmongo.New(eventlogmongo.Options{Client: mc, Database: serveFlagMongoDB})
		if err != nil {
			return err
		}
		evlog = ml
		checks = append(checks, ml)
	} else {
		evlog = eventloginmem.New()
	}

	var (
		cmdBus bus.Bus
		leases lease.Store
	)
	if serveFlagRedis != "" {
		rdb := redis.NewClient(&redis.Options{Addr: serveFlagRedis})
		defer func() { _ = rdb.Close() }()
		pb, err := buspulse.New(buspulse.Options{Redis: rdb})
		if err != nil {
			return err
		}
		rl, err := leaseredis.New(rdb, "")
		if err != nil {
			return err
		}
		cmdBus, leases = pb, rl
		checks = append(checks, pb, rl)
	} else {
		b := businmem.New(0)
		defer b.Close()
		cmdBus, leases = b, leaseinmem.New()
	}

	store, err := fsstore.New(serveFlagArtifacts)
	if err != nil {
		return err
	}

	tm := tmpl.New()
	tel := telemetry.Clue()
	eng, err := control.New(control.Options{
		Log:       evlog,
		Bus:       cmdBus,
		Tmpl:      tm,
		Keys:      keychain.NewChain(keychain.Env{}),
		Kinds:     drivers,
		Leases:    leases,
		Queue:     serveFlagQueue,
		Telemetry: tel,
	})
	if err != nil {
		return err
	}

	cat, err := catalog.Load(serveFlagPlaybooks, drivers)
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "playbooks", V: len(cat.Paths())})

	if !serveFlagNoWorker {
		pipes, err := pipeline.New(pipeline.Options{
			Tmpl:      tm,
			Policy:    policy.New(tm),
			Drivers:   drivers,
			Sink:      eng,
			Artifacts: store,
			Telemetry: tel,
		})
		if err != nil {
			return err
		}
		runner, err := worker.New(worker.Options{
			Pipelines: pipes,
			Tmpl:      tm,
			State:     eng,
			Sink:      eng,
			Leases:    leases,
			Bus:       cmdBus,
			Watcher:   eng,
			Telemetry: tel,
		})
		if err != nil {
			return err
		}
		pool, err := worker.NewPool(worker.PoolOptions{
			Runner:    runner,
			Bus:       cmdBus,
			Queue:     serveFlagQueue,
			Telemetry: tel,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := pool.Run(ctx); err != nil {
				log.Errorf(ctx, err, "embedded worker pool stopped")
			}
		}()
	}

	apiServer, err := api.New(api.Options{
		Engine:    eng,
		Catalog:   cat,
		Artifacts: store,
		StoreName: fsstore.StoreName,
		Checks:    checks,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              serveFlagAddr,
		Handler:           apiServer.Handler(ctx),
		ReadHeaderTimeout: 60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", serveFlagAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Printf(ctx, "shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
