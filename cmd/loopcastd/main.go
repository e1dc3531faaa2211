// Command loopcastd runs the stream coordinator behind its control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"loopcast/internal/acquire"
	"loopcast/internal/api"
	"loopcast/internal/broadcast"
	"loopcast/internal/cache"
	"loopcast/internal/config"
	"loopcast/internal/coordinator"
	"loopcast/internal/encoder"
	"loopcast/internal/observability/logging"
	"loopcast/internal/observability/metrics"
	"loopcast/internal/serverutil"
	"loopcast/internal/storage"
	"loopcast/internal/workspace"
)

type flagOverrides struct {
	addr          string
	dataPath      string
	storeDriver   string
	workspaceRoot string
	logLevel      string
}

func (o flagOverrides) apply(cfg *config.Config) {
	if v := strings.TrimSpace(o.addr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(o.dataPath); v != "" {
		cfg.Store.DataPath = v
		if o.storeDriver == "" && cfg.Store.Driver == config.DriverMemory {
			cfg.Store.Driver = config.DriverJSON
		}
	}
	if v := strings.TrimSpace(o.storeDriver); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(o.workspaceRoot); v != "" {
		cfg.Workspace.Root = v
	}
	if v := strings.TrimSpace(o.logLevel); v != "" {
		cfg.LogLevel = v
	}
}

func main() {
	var overrides flagOverrides
	flag.StringVar(&overrides.addr, "addr", "", "HTTP listen address (overrides LOOPCAST_HTTP_ADDR)")
	flag.StringVar(&overrides.dataPath, "data", "", "path to the JSON datastore; selects the json driver unless -storage-driver is set")
	flag.StringVar(&overrides.storeDriver, "storage-driver", "", "datastore driver (memory, json or postgres)")
	flag.StringVar(&overrides.workspaceRoot, "workspace", "", "root directory for per-stream workspaces")
	flag.StringVar(&overrides.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	envFile := flag.String("env-file", ".env", "optional dotenv file read before the environment")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loopcastd: %v\n", err)
		os.Exit(2)
	}
	overrides.apply(&cfg)

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration rejected", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, serverutil.TLSConfig{CertFile: *tlsCert, KeyFile: *tlsKey}, logger); err != nil {
		logger.Error("loopcastd stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("loopcastd stopped")
}

func run(ctx context.Context, cfg config.Config, tlsCfg serverutil.TLSConfig, logger *slog.Logger) error {
	recorder := metrics.Default()

	repo, err := openRepository(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("close datastore", "error", err)
		}
	}()

	procCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer procCache.Close()

	acquireOpts := []acquire.Option{
		acquire.WithLogger(logger),
		acquire.WithMetrics(recorder),
		acquire.WithResolver(acquire.NewYTDLP(cfg.Acquire, logger)),
	}
	if cfg.ObjectStore.Enabled() {
		presigner, err := acquire.NewObjectPresigner(cfg.ObjectStore)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		acquireOpts = append(acquireOpts, acquire.WithPresigner(presigner))
	}

	lifecycle := broadcast.New(cfg.Broadcast, repo, logger, recorder)
	coord, err := coordinator.New(coordinator.Config{
		LoopCount:         cfg.LoopCount,
		HeartbeatInterval: cfg.Encoder.HeartbeatInterval,
		StaleFactor:       cfg.StaleFactor,
		CacheTTL:          cfg.CacheTTL,
		OrphanTermWait:    cfg.Encoder.TermWait,
		Profile:           cfg.Profile,
	}, coordinator.Deps{
		Repository: repo,
		Cache:      procCache,
		Workspace:  workspace.New(cfg.Workspace, logger),
		Broadcasts: coordinator.LifecycleAuthenticator(lifecycle),
		Acquirer:   acquire.New(cfg.Acquire, acquireOpts...),
		Encoders:   coordinator.SupervisorLauncher(encoder.NewSupervisor(cfg.Encoder, logger, recorder)),
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		return err
	}

	reconcileCtx, cancelReconcile := context.WithCancel(ctx)
	defer cancelReconcile()
	go coord.RunReconciler(reconcileCtx, cfg.ReconcileInterval)

	handler := api.NewHandler(coord, repo, logger)
	handler.Store = repo
	handler.Cache = procCache
	handler.APIToken = cfg.APIToken
	handler.Metrics = recorder

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	logger.Info("loopcastd starting",
		"store", cfg.Store.Driver,
		"cache", cacheKind(cfg),
		"workspace", cfg.Workspace.Root,
		"object_store", cfg.ObjectStore.Enabled())

	return serverutil.Run(ctx, serverutil.Config{
		Server:          server,
		TLS:             tlsCfg,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Drain: func(ctx context.Context) error {
			cancelReconcile()
			return coord.Shutdown(ctx)
		},
	})
}

func openRepository(ctx context.Context, cfg config.StoreConfig) (storage.Repository, error) {
	opts := []storage.Option{storage.WithLogRetention(cfg.LogRetention)}
	if sealer := storage.NewSealer(cfg.TokenPassphrase); sealer != nil {
		opts = append(opts, storage.WithSealer(sealer))
	}
	switch cfg.Driver {
	case config.DriverMemory, "":
		return storage.NewMemory(opts...), nil
	case config.DriverJSON:
		repo, err := storage.NewJSONRepository(cfg.DataPath, opts...)
		if err != nil {
			return nil, fmt.Errorf("open json datastore: %w", err)
		}
		return repo, nil
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		repo, err := storage.NewPostgresRepository(connectCtx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres datastore: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// openCache returns the Redis mirror when configured. An unreachable Redis is
// logged and tolerated because the durable store stays authoritative.
func openCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (cache.ProcessCache, error) {
	if !cfg.RedisEnabled() {
		return cache.NewMemory(), nil
	}
	redisCfg := cfg.Redis
	redisCfg.Logger = logger
	redisCache, err := cache.NewRedis(redisCfg)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisCache.Ping(pingCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("redis cache unreachable, continuing without it until it recovers", "error", err)
	}
	return redisCache, nil
}

func cacheKind(cfg config.Config) string {
	if cfg.RedisEnabled() {
		return "redis"
	}
	return "memory"
}
