package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arl/statsviz"
	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "go.uber.org/automaxprocs"

	appipam "github.com/ferretworks/burrow/internal/application/ipam"
	"github.com/ferretworks/burrow/internal/application/placement"
	"github.com/ferretworks/burrow/internal/application/provision"
	"github.com/ferretworks/burrow/internal/application/worker"
	"github.com/ferretworks/burrow/internal/config"
	"github.com/ferretworks/burrow/internal/domain/ipam"
	"github.com/ferretworks/burrow/internal/domain/job"
	httpServer "github.com/ferretworks/burrow/internal/infra/adapters/http"
	handler "github.com/ferretworks/burrow/internal/infra/adapters/http/handler"
	auditSink "github.com/ferretworks/burrow/internal/infra/audit"
	"github.com/ferretworks/burrow/internal/infra/executor"
	"github.com/ferretworks/burrow/internal/infra/metrics"
	"github.com/ferretworks/burrow/internal/infra/storage"
	ipamStore "github.com/ferretworks/burrow/internal/infra/storage/ipam/postgres"
	jobStore "github.com/ferretworks/burrow/internal/infra/storage/job/postgres"
	podStore "github.com/ferretworks/burrow/internal/infra/storage/pod/postgres"
	quotaStore "github.com/ferretworks/burrow/internal/infra/storage/quota/postgres"
	"github.com/ferretworks/burrow/pkg/common/logger"
	commonotel "github.com/ferretworks/burrow/pkg/common/otel"
)

const serviceType = "orchestrator"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var log *logger.Logger
	events := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			log.Info(ctx, "******* SEND ALERT *******")
		},
	}
	traceIDFn := func(ctx context.Context) string {
		return commonotel.GetTraceID(ctx)
	}
	log = logger.NewWithEvents(os.Stdout, logger.LevelInfo, cfg.ServiceName, traceIDFn, events)

	ctx := context.Background()
	if err := run(ctx, log, cfg); err != nil {
		log.Error(ctx, "startup failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config) error {
	log.Info(ctx, "starting service", "service", cfg.ServiceName, "build", cfg.Build)
	defer log.Info(ctx, "shutdown complete")

	traceProvider, telemetryCleanup, err := commonotel.InitTelemetry(log, commonotel.Config{
		ServiceName:      cfg.ServiceName,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/healthz": {},
			"/readyz":  {},
		},
		Probability: cfg.TraceProbability,
		ResourceAttributes: map[string]string{
			"service.type": serviceType,
			"build":        cfg.Build,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryCleanup(context.Background())
	tracer := traceProvider.Tracer(cfg.ServiceName)

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	metricsRegistry, err := metrics.NewRegistry(commonotel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	sink, err := auditSink.NewLogSink(log, commonotel.GetMeterProvider().Meter("burrow-audit"))
	if err != nil {
		return fmt.Errorf("initializing audit sink: %w", err)
	}

	pods := podStore.NewPodStore(pool, tracer)
	jobs := jobStore.NewJobStore(pool, tracer)
	quotas := quotaStore.NewQuotaStore(pool, tracer)
	ipamRepo := ipamStore.NewIPAMStore(pool, cfg.ReservationTTL, tracer)

	poolSpan, err := ipam.NewRange(cfg.IPRangeStart, cfg.IPRangeEnd)
	if err != nil {
		return fmt.Errorf("building address range: %w", err)
	}
	prober := appipam.NewTCPProber(cfg.ProbeTimeout)
	allocator := appipam.NewAllocator(ipamRepo, prober, poolSpan, log, tracer)

	strategy := placement.NewLeastLoaded(cfg.Nodes, pods)
	exec := executor.NewSSHExecutor(cfg.SSHUser, cfg.SSHKey, cfg.JobTimeout, log, tracer)

	provisionSvc := provision.NewService(pods, jobs, quotas, strategy, sink, storage.PoolTransactor{Pool: pool}, cfg.MaxAttempts, log, tracer)

	handlers := worker.NewHandlers(pods, quotas, allocator, prober, exec, sink, storage.PoolTransactor{Pool: pool}, log)
	workerPool := worker.NewPool(jobs, handlers, worker.Config{
		Workers:       cfg.WorkerCount,
		PollInterval:  cfg.PollInterval,
		LeaseDuration: cfg.LeaseDuration,
		JobTimeout:    cfg.JobTimeout,
		RetryPolicy: job.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	}, metricsRegistry.Worker, log, tracer)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerPool.Start(workerCtx)

	go func() {
		log.Info(ctx, "debug server listening", "addr", cfg.DebugAddr)
		if err := http.ListenAndServe(cfg.DebugAddr, debugMux()); err != nil {
			log.Error(ctx, "debug server failed", "error", err)
		}
	}()

	podHandler := handler.NewPodHandler(provisionSvc)
	apiServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpServer.NewRouter(httpServer.Config{
			Build:      cfg.Build,
			PodHandler: podHandler,
			DB:         pool,
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info(ctx, "api server listening", "addr", cfg.HTTPAddr)
		serverErrors <- apiServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("api server: %w", err)
	case sig := <-shutdown:
		log.Info(ctx, "shutdown started", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		// Stop taking requests first, then drain the workers so
		// in-flight jobs finish under their leases.
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			_ = apiServer.Close()
			log.Error(ctx, "api server forced to close", "error", err)
		}
		stopWorkers()
		workerPool.Wait()
	}

	return nil
}

func debugMux() *http.ServeMux {
	mux := http.NewServeMux()
	_ = statsviz.Register(mux)
	return mux
}

// runMigrations applies all up migrations from the configured directory
// over a database/sql handle opened from the pool.
func runMigrations(pool *pgxpool.Pool, dir string) error {
	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
