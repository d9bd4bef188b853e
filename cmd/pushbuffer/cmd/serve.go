package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_push/internal/auth"
	"github.com/austindbirch/harbor_push/internal/config"
	"github.com/austindbirch/harbor_push/internal/db"
	"github.com/austindbirch/harbor_push/internal/health"
	"github.com/austindbirch/harbor_push/internal/intake"
	"github.com/austindbirch/harbor_push/internal/logging"
	"github.com/austindbirch/harbor_push/internal/metrics"
	"github.com/austindbirch/harbor_push/internal/push"
	"github.com/austindbirch/harbor_push/internal/pushswitch"
	"github.com/austindbirch/harbor_push/internal/tracing"
	"github.com/austindbirch/harbor_push/internal/transport"
)

const monitorInterval = 5 * time.Second

var withoutDB bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the push buffer service",
	Long: `Run the push buffer: the intent intake API, the sharded drain loops and
the committer selected by PUSH_TRANSPORT. Settings come from the environment;
flags override them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := config.NewViper()
		for flag, key := range map[string]string{
			"http-port": "HTTP_PORT",
			"grpc-port": "GRPC_PORT",
			"buckets":   "BUFFER_BUCKETS",
			"wait":      "BUFFER_WAIT",
			"transport": "PUSH_TRANSPORT",
			"log-level": "LOG_LEVEL",
		} {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
		cfg := config.FromViper(v)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().String("http-port", ":8080", "HTTP listen address")
	serveCmd.Flags().String("grpc-port", ":50051", "gRPC health listen address")
	serveCmd.Flags().Int("buckets", 8, "number of buffer shards")
	serveCmd.Flags().String("wait", "200ms", "drain interval per shard")
	serveCmd.Flags().String("transport", "nsq", "commit transport (nsq or http)")
	serveCmd.Flags().String("log-level", "info", "log level")
	serveCmd.Flags().BoolVar(&withoutDB, "without-db", false, "keep the push switch in memory only")

	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Config) error {
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	logger := logging.New(cfg.AppName)
	logging.SetDefault(logger)
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Warn("tracing disabled")
	} else {
		defer shutdownTracing()
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	sw := pushswitch.New()
	var (
		pinger health.Pinger
		store  *pushswitch.Store
	)
	if !withoutDB {
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		pinger = pool

		store = pushswitch.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	} else {
		logger.Plain().Warn("running without database, push switch changes are not persisted")
	}

	committer, closeCommitter, err := newCommitter(cfg)
	if err != nil {
		return err
	}
	defer closeCommitter()

	buf := push.New(cfg.Buffer.Buckets, sw, committer,
		push.WithInterval(cfg.Buffer.Wait),
		push.WithLogger(logger),
	)

	opts := []intake.Option{
		intake.WithDefaultDelay(cfg.Buffer.DefaultDelay),
		intake.WithLogger(logger),
	}
	if store != nil {
		opts = append(opts, intake.WithSwitchStore(store))
	}
	if cfg.Auth.JWTPublicKey != "" {
		validator, err := auth.NewJWTValidator(cfg.Auth.JWTPublicKey, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return fmt.Errorf("jwt validator: %w", err)
		}
		opts = append(opts, intake.WithAdminAuth(validator.HTTPMiddleware))
	} else {
		logger.Plain().Warn("JWT_PUBLIC_KEY not set, admin routes disabled")
	}

	srv := intake.NewServer(buf, sw, opts...)
	router := srv.Router()
	router.Get("/healthz", health.HTTPHandler(pinger, buf))
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}

	buf.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if store != nil {
		refresher := pushswitch.NewRefresher(sw, store, cfg.Switch.Refresh, logger)
		g.Go(func() error { return refresher.Run(gctx) })
	}
	g.Go(func() error {
		monitor(gctx, buf, hs)
		return nil
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("shutting down")
		hs.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return errors.Join(err, buf.Close())
	})

	err = g.Wait()
	logger.Plain().Info("push buffer stopped")
	return err
}

// newCommitter builds the transport the drain loops commit through
func newCommitter(cfg config.Config) (push.Committer, func(), error) {
	switch cfg.Push.Transport {
	case "http":
		client := &http.Client{Timeout: cfg.Push.Timeout}
		pusher := transport.NewHTTPPusher(client, cfg.Push.Secret, cfg.Push.Path)
		return transport.NewHTTPCommitter(pusher), func() {}, nil
	default:
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("nsq producer: %w", err)
		}
		return transport.NewNSQCommitter(prod, cfg.NSQ.PushTopic), prod.Stop, nil
	}
}

// monitor publishes the buffer size gauge and mirrors suspension into
// the gRPC health status.
func monitor(ctx context.Context, buf *push.Buffer, hs *grpc_health.Server) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		metrics.UpdateBufferSize(buf.Size())
		status := healthpb.HealthCheckResponse_SERVING
		if buf.Suspended() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
