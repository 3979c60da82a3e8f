package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/soko-payments/internal/app"
	"github.com/frahmantamala/soko-payments/internal/notification"
	"github.com/frahmantamala/soko-payments/internal/worker"
	"github.com/frahmantamala/soko-payments/pkg/logger"
	"github.com/frahmantamala/soko-payments/pkg/metrics"
	"github.com/frahmantamala/soko-payments/pkg/redis"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start the background sweeps that keep payments and artisan payouts moving`,
}

var disbursementWorkerCmd = &cobra.Command{
	Use:   "disbursements",
	Short: "Start the disbursement sweeper",
	Long:  `Retry due payouts, split settled payments that were never split and expire collections that never reached the gateway`,
	Run: func(cmd *cobra.Command, args []string) {
		startDisbursementWorker()
	},
}

var (
	sweepInterval time.Duration
	maxWorkers    int
	batchSize     int
	runOnce       bool
	metricsAddr   string
)

func startDisbursementWorker() {
	cfg := mustLoadConfig()
	log := logger.LoggerWrapper()

	if sweepInterval > 0 {
		cfg.Disbursement.SweepInterval = sweepInterval
	}
	if maxWorkers > 0 {
		cfg.Disbursement.MaxWorkers = maxWorkers
	}
	if batchSize > 0 {
		cfg.Disbursement.BatchSize = batchSize
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, gormDB, err := initDB(ctx, cfg.Database)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	var (
		lock worker.Lock = worker.NewLocalLock()
		sink notification.Sink = notification.NoopSink{}
	)
	if cfg.Redis.Enabled() {
		client, err := redis.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()

		lock, err = worker.NewRedisLock(client, cfg.Redis.LockKey, cfg.Redis.LockTTL)
		if err != nil {
			log.Error("failed to create sweep lock", "error", err)
			os.Exit(1)
		}
		sink = notification.NewRelaySink(client, cfg.Notification.RelayChannel)
	} else {
		log.Warn("redis not configured: sweeps are not coordinated across workers and notifications are dropped")
	}

	application, err := app.New(app.Params{
		Config:   cfg,
		DB:       gormDB,
		Commerce: sqlDB,
		Sink:     sink,
		Logger:   log,
	})
	if err != nil {
		log.Error("failed to assemble application", "error", err)
		os.Exit(1)
	}

	jobs, err := application.Jobs()
	if err != nil {
		log.Error("failed to register jobs", "error", err)
		os.Exit(1)
	}
	runner, err := worker.NewRunner(worker.RunnerParams{
		Logger:   log.With("component", "sweeper"),
		Registry: jobs,
		Lock:     lock,
		Metrics:  application.JobMetrics,
		Interval: cfg.Disbursement.SweepInterval,
	})
	if err != nil {
		log.Error("failed to create sweeper", "error", err)
		os.Exit(1)
	}

	if metricsAddr != "" && cfg.Observability.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Observability.Metrics.Path, metrics.Handler(application.Registry))
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer metricsServer.Close()
	}

	log.Info("disbursement worker started",
		"sweep_interval", cfg.Disbursement.SweepInterval,
		"max_workers", cfg.Disbursement.MaxWorkers,
		"batch_size", cfg.Disbursement.BatchSize)

	if runOnce {
		err = runner.RunOnce(ctx)
	} else {
		err = runner.Run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sweeper stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	application.Shutdown(shutdownCtx)
	log.Info("disbursement worker shutdown complete")
}

func init() {
	disbursementWorkerCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "time between sweeps (overrides config)")
	disbursementWorkerCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "concurrent gateway calls (overrides config)")
	disbursementWorkerCmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per sweep and job (overrides config)")
	disbursementWorkerCmd.Flags().BoolVar(&runOnce, "once", false, "run a single sweep and exit")
	disbursementWorkerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102")

	workerCmd.AddCommand(disbursementWorkerCmd)
}
