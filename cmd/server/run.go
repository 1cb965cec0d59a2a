package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/and161185/mam-keeper/internal/archiver"
	"github.com/and161185/mam-keeper/internal/config"
	"github.com/and161185/mam-keeper/internal/limiter"
	"github.com/and161185/mam-keeper/internal/migrate"
	"github.com/and161185/mam-keeper/internal/repository/postgres"
	grpcserver "github.com/and161185/mam-keeper/internal/server/grpc"
	"github.com/and161185/mam-keeper/internal/server/httpserver"
	"github.com/and161185/mam-keeper/internal/service"
	"github.com/and161185/mam-keeper/internal/transport/ws"
	"github.com/and161185/mam-keeper/internal/worker"
)

const stopTimeout = 5 * time.Second

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the archive server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := config.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("domain", cfg.Domain),
	)

	if cfg.Datastore.Migrate {
		if err := migrate.Up(ctx, cfg.Datastore.URI); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	}
	db, err := postgres.New(ctx, cfg.Datastore.URI, cfg.Datastore.MaxWait, logger.Named("db"))
	if err != nil {
		return err
	}
	defer db.Close()

	admins, err := service.NewStaticAdmins(cfg.Admins)
	if err != nil {
		return fmt.Errorf("admins: %w", err)
	}
	archiveRepo := postgres.NewArchiveRepo(db)
	mucRepo := postgres.NewMUCRepo(db, cfg.MUC.CacheSize, cfg.MUC.CacheTTL)

	// The archiver and the pool outlive the signal context so that queries can drain.
	arch := archiver.New(archiveRepo, archiver.Config{
		FlushInterval: cfg.Archive.FlushInterval,
		BatchSize:     cfg.Archive.BatchSize,
	}, logger.Named("archiver"))
	arch.Start(context.Background())
	pool := worker.New(context.Background(), cfg.Query.Workers, logger.Named("worker"))

	lim := limiter.NewPG(db.Pool, limiter.Config{
		Window:   cfg.Auth.LimiterWindow,
		MaxFails: cfg.Auth.LimiterMaxFails,
		BlockFor: cfg.Auth.LimiterBlockFor,
	})
	hub := ws.NewHub(ws.Config{Domain: cfg.Domain, SigningKey: []byte(cfg.Auth.SigningKey)}, arch, lim, logger.Named("ws"))

	authz := service.NewAuthorizer(cfg.Domain, mucRepo, admins, logger.Named("authz"))
	waiter := service.NewWaiter(arch, logger.Named("waiter"))
	opts := service.Options{
		ForceRSM:        cfg.Query.ForceRSM,
		DefaultPageSize: cfg.Query.DefaultPageSize,
		MaxPageSize:     cfg.Query.MaxPageSize,
	}
	for _, variant := range service.Variants() {
		log := logger.Named("mam").With(zap.String("ns", variant.Namespace))
		pipeline := service.NewPipeline(variant, archiveRepo, waiter, hub, log)
		h := service.NewQueryHandler(variant, authz, pipeline, pool, hub, opts, log)
		hub.Handle("query", h.Namespace(), h)
		hub.Advertise(h.Features()...)
	}

	grpcSrv := grpcserver.New(logger.Named("grpc"), cfg.GRPC.Reflection)
	httpSrv := httpserver.New(httpserver.NewRouter(httpserver.Deps{
		WS:       hub,
		DB:       db,
		Draining: pool.Draining,
		Logger:   logger.Named("http"),
	}), logger.Named("http"))

	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- grpcSrv.Serve(grpcLis) }()
	go func() { errCh <- httpSrv.Serve(httpLis) }()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	grpcSrv.SetServing(false)
	pool.Shutdown(cfg.Query.ShutdownGrace)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := arch.Close(stopCtx); err != nil {
		logger.Error("archiver close", zap.Error(err))
	}
	hub.Close()
	if err := httpSrv.Shutdown(stopCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.Stop(stopTimeout)

	logger.Info("shutdown complete")
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
