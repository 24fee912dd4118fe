package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/cache"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/config"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/database"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/grpcutil"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/telemetry"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/eval"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/runtime"
)

const serviceName = "llmeval"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, telemetry.FromBase(cfg))
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tp.Shutdown(context.Background())

	logger := tp.Logger()

	// Storage
	var db *database.DB
	if !cfg.UseMemoryStorage() {
		db, err = database.Connect(ctx, database.DefaultConfig(database.Dialect(cfg.DatabaseDriver()), cfg.DatabaseDSN()))
		if err != nil {
			return err
		}
		defer db.Close()
		db = db.WithLogger(logger)
		logger.Info("connected to database", "backend", cfg.StorageBackend)
	}

	taskStore, err := eval.NewStore(eval.StoreOptions{Backend: cfg.StorageBackend, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create task store: %w", err)
	}
	questionStore, err := datasets.NewStore(datasets.StoreOptions{Backend: cfg.StorageBackend, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create question store: %w", err)
	}
	if db != nil {
		if err := questionStore.(*datasets.SQLStore).Migrate(ctx); err != nil {
			return err
		}
		if err := taskStore.(*eval.SQLStore).Migrate(ctx); err != nil {
			return err
		}
	}
	logger.Info("initialized storage backend", "backend", cfg.StorageBackend)

	// Models
	catalog := runtime.DefaultCatalog()
	if cfg.Engine.ModelCatalogPath != "" {
		catalog, err = runtime.LoadCatalog(cfg.Engine.ModelCatalogPath)
		if err != nil {
			return err
		}
	}
	pool := runtime.NewPool(logger)
	defer pool.Close()

	adapterCfg := eval.DefaultAdapterConfig()
	adapterCfg.CallTimeout = cfg.Engine.CallTimeout
	adapterCfg.MaxRetries = cfg.Engine.MaxRetries
	adapterCfg.DefaultCostPer1K = cfg.Engine.DefaultCostPer1K
	adapter := eval.NewAdapter(pool, catalog, cfg.ProviderAPIKey, adapterCfg, logger)

	svc := eval.NewService(taskStore, questionStore, catalog, adapter, eval.ServiceConfig{
		ItemDelay:  cfg.Engine.ItemDelay,
		RunLockTTL: cfg.Engine.RunLockTTL,
	}, logger)
	defer svc.Close()

	if cfg.RedisURL != "" {
		redisCfg, err := cache.ConfigFromURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		client, err := cache.Connect(ctx, redisCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		svc.WithRunLocker(eval.RedisLocker{Client: client.WithLogger(logger).WithKeyPrefix(serviceName + ":")})
		logger.Info("cross-process run lock enabled")
	}

	// Server
	serverCfg := grpcutil.DefaultServerConfig(cfg.GRPCPort, serviceName)
	serverCfg.LogFields = []string{"id", "name", "dataset_id", "model_id"}
	serverCfg.UnaryInterceptors = []grpc.UnaryServerInterceptor{
		grpcutil.ErrorMappingUnaryInterceptor(eval.ErrorCodes),
	}
	server := grpcutil.NewServer(serverCfg, logger)

	handler := eval.NewHandler(logger, svc)
	handler.Register(server.GRPCServer())

	logger.Info("starting llmeval service",
		"port", cfg.GRPCPort,
		"env", cfg.Environment,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		n, err := svc.ResumeInterrupted(gctx)
		if err != nil {
			logger.Error("failed to resume interrupted tasks", "error", err)
			return nil
		}
		if n > 0 {
			logger.Info("resumed interrupted tasks", "count", n)
		}
		return nil
	})
	return g.Wait()
}
