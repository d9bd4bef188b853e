package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_push/internal/config"
	"github.com/austindbirch/harbor_push/internal/health"
	"github.com/austindbirch/harbor_push/internal/logging"
	"github.com/austindbirch/harbor_push/internal/metrics"
	"github.com/austindbirch/harbor_push/internal/tracing"
	"github.com/austindbirch/harbor_push/internal/transport"
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logging.Plain().WithError(err).Warn("invalid LOG_LEVEL, using info")
	}
	logger := logging.New("harbor-push-worker")
	logging.SetDefault(logger)
	defer func() { _ = logger.Sync() }()

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "harbor-push-worker", cfg.OTLPEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(nil, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = 1000
	consumer, err := nsq.NewConsumer(cfg.NSQ.PushTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	// DLQ producer
	var dlq transport.Publisher
	if cfg.Worker.PublishDLQ {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer prod.Stop()
		dlq = prod
	}

	pusher := transport.NewHTTPPusher(&http.Client{Timeout: cfg.Push.Timeout}, cfg.Push.Secret, cfg.Push.Path)
	consumer.AddHandler(newWorker(cfg, pusher, dlq, logger))

	monitor := &backlogMonitor{
		statsURL: nsqdStatsURL(cfg.NSQ.NsqdTCPAddr),
		topic:    cfg.NSQ.PushTopic,
		channel:  cfg.NSQ.WorkerChannel,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
	go monitor.run(ctx)

	// Connecting directly to nsqd forces channel creation
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":        cfg.NSQ.PushTopic,
		"channel":      cfg.NSQ.WorkerChannel,
		"max_attempts": cfg.Worker.MaxAttempts,
		"publish_dlq":  cfg.Worker.PublishDLQ,
	}).Info("push worker started")

	<-ctx.Done()

	logger.Plain().Info("Shutting down push worker")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("push worker stopped")
}
