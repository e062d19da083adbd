// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/paperpilot-orchestrator/internal/adminapi"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/artifacts"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/config"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/consumer"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/dlqproc"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/jobstore"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/notify"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/obs"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/progress"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/queue"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/redisclient"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/stage"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/stage/builtin"
	"github.com/flyingrobots/paperpilot-orchestrator/internal/watchdog"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: consumer|dlq|watchdog|ingress|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	blobs, err := artifacts.New(artifacts.Config{
		Bucket:          cfg.Artifacts.Bucket,
		Region:          cfg.Artifacts.Region,
		Endpoint:        cfg.Artifacts.Endpoint,
		AccessKeyID:     cfg.Artifacts.AccessKeyID,
		SecretAccessKey: cfg.Artifacts.SecretAccessKey,
		ResultsPrefix:   cfg.Artifacts.ResultsPrefix,
	}, logger)
	if err != nil {
		logger.Fatal("failed to init artifact store", obs.Err(err))
	}

	store := jobstore.New(rdb, logger, nil)
	q := queue.New(rdb, logger, queue.Config{
		HeartbeatTTL:     cfg.Queue.HeartbeatTTL,
		ReceiveTimeout:   cfg.Queue.ReceiveTimeout,
		MaxDeliveryCount: cfg.Queue.MaxDeliveryCount,
	})
	reporter := progress.New(store, logger, cfg.Orchestrator.MaxJobEvents)

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notify.Enabled {
		notifier = notify.NewSMTPNotifier(cfg.Notify, logger)
	}

	executor := stage.New(stage.Config{
		ScratchRoot:   cfg.Orchestrator.ScratchDir,
		ReportTimeout: cfg.Orchestrator.ReportTimeout,
	}, blobs, q, cfg.Queue.Name, reporter, builtin.Registry(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error {
		if err := store.Ping(c); err != nil {
			return err
		}
		return q.Ping(c)
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	consumerID := "consumer-" + uuid.NewString()[:8]

	switch role {
	case "consumer":
		c := consumer.New(q, cfg.Queue.Name, consumerID, store, reporter, executor, notifier, cfg.Orchestrator.JobStaleMinutes, logger)
		c.Run(ctx)
	case "dlq":
		d := dlqproc.New(q, cfg.Queue.Name, cfg.Queue.DLQConsumerID, store, reporter, logger)
		if cfg.Queue.DLQSweepCron != "" {
			if err := d.RunScheduled(ctx, cfg.Queue.DLQSweepCron); err != nil {
				logger.Fatal("dlq scheduled sweep error", obs.Err(err))
			}
		} else {
			d.Run(ctx)
		}
	case "watchdog":
		wd := watchdog.New(watchdog.Config{
			StaleMinutes:         cfg.Orchestrator.JobStaleMinutes,
			RunningRescueMinutes: cfg.Orchestrator.JobRunningRescueMinutes,
			QueuedSeconds:        cfg.Orchestrator.JobQueuedSeconds,
			StaleFailPeriod:      5 * time.Minute,
			QueuedRescuePeriod:   10 * time.Second,
			RunningRescuePeriod:  time.Minute,
		}, store, reporter, executor, q, cfg.Queue.Name, logger)
		wd.Run(ctx)
	case "ingress":
		runIngress(cfg, store, q, blobs, logger)
		<-ctx.Done()
	case "all":
		runAll(ctx, cfg, store, q, blobs, reporter, executor, notifier, consumerID, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runAll(ctx context.Context, cfg *config.Config, store *jobstore.Client, q *queue.Client, blobs *artifacts.Store,
	reporter *progress.Reporter, executor *stage.Executor, notifier notify.Notifier, consumerID string, logger *zap.Logger) {
	c := consumer.New(q, cfg.Queue.Name, consumerID, store, reporter, executor, notifier, cfg.Orchestrator.JobStaleMinutes, logger)
	d := dlqproc.New(q, cfg.Queue.Name, cfg.Queue.DLQConsumerID, store, reporter, logger)
	runDLQ := func(ctx context.Context) {
		if cfg.Queue.DLQSweepCron != "" {
			if err := d.RunScheduled(ctx, cfg.Queue.DLQSweepCron); err != nil {
				logger.Error("dlq scheduled sweep error", obs.Err(err))
			}
			return
		}
		d.Run(ctx)
	}
	wd := watchdog.New(watchdog.Config{
		StaleMinutes:         cfg.Orchestrator.JobStaleMinutes,
		RunningRescueMinutes: cfg.Orchestrator.JobRunningRescueMinutes,
		QueuedSeconds:        cfg.Orchestrator.JobQueuedSeconds,
		StaleFailPeriod:      5 * time.Minute,
		QueuedRescuePeriod:   10 * time.Second,
		RunningRescuePeriod:  time.Minute,
	}, store, reporter, executor, q, cfg.Queue.Name, logger)

	runIngress(cfg, store, q, blobs, logger)

	go runDLQ(ctx)
	go wd.Run(ctx)
	c.Run(ctx)
}

func runIngress(cfg *config.Config, store *jobstore.Client, q *queue.Client, blobs *artifacts.Store, logger *zap.Logger) {
	apiCfg := adminapi.DefaultConfig()
	apiCfg.ListenAddr = cfg.Ingress.ListenAddr
	apiCfg.RequireAuth = cfg.Ingress.RequireAuth
	apiCfg.BearerToken = cfg.Ingress.BearerToken
	handler := adminapi.NewHandler(cfg, store, q, blobs, logger)
	srv := adminapi.NewServer(apiCfg, handler, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("ingress server error", obs.Err(err))
		}
	}()
}
