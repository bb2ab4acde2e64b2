package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"github.com/stableexo/warden-relay/adapters/postgres"
	redisadapter "github.com/stableexo/warden-relay/adapters/redis"
	"github.com/stableexo/warden-relay/jsonrpcserver"
	"github.com/stableexo/warden-relay/multibuilder"
	"github.com/stableexo/warden-relay/retry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug              = os.Getenv("DEBUG") == "1"
	defaultLogProd            = os.Getenv("LOG_PROD") == "1"
	defaultLogService         = os.Getenv("LOG_SERVICE")
	defaultPort               = cli.GetEnv("PORT", "8080")
	defaultMetricsPort        = cli.GetEnv("METRICS_PORT", "8088")
	defaultBuildersConfig     = cli.GetEnv("BUILDERS_CONFIG", "")
	defaultStrategy           = cli.GetEnv("SELECTION_STRATEGY", "top_n")
	defaultTopN               = cli.GetEnv("TOP_N", "3")
	defaultValueThresholdLow  = cli.GetEnv("VALUE_THRESHOLD_LOW", "100")
	defaultValueThresholdMed  = cli.GetEnv("VALUE_THRESHOLD_MEDIUM", "1000")
	defaultValueThresholdHigh = cli.GetEnv("VALUE_THRESHOLD_HIGH", "10000")
	defaultMinSuccessRate     = cli.GetEnv("MIN_SUCCESS_RATE", "0.5")
	defaultParallel           = cli.GetEnv("PARALLEL", "1")
	defaultBuilderTimeoutMs   = cli.GetEnv("BUILDER_TIMEOUT_MS", "5000")
	defaultBuilderMaxRetries  = cli.GetEnv("BUILDER_MAX_RETRIES", "3")
	defaultMetricsEnabled     = cli.GetEnv("METRICS_ENABLED", "1")
	defaultRedisEndpoint      = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultPostgresDSN        = cli.GetEnv("POSTGRES_DSN", "")
	defaultEthEndpoint        = cli.GetEnv("ETH_ENDPOINT", "")
	defaultHealthInterval     = cli.GetEnv("HEALTH_INTERVAL", "30s")
	defaultSnapshotInterval   = cli.GetEnv("SNAPSHOT_INTERVAL", "1m")

	// Flags
	debugPtr            = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr          = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr       = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr             = flag.String("port", defaultPort, "port to listen on")
	metricsPortPtr      = flag.String("metrics-port", defaultMetricsPort, "port of the metrics and pprof server")
	buildersConfigPtr   = flag.String("builders-config", defaultBuildersConfig, "builders config file, the built-in catalog is used when empty")
	strategyPtr         = flag.String("strategy", defaultStrategy, "builder selection strategy (all, top_n, value_based, performance_based, adaptive)")
	topNPtr             = flag.String("top-n", defaultTopN, "number of builders for top_n selection")
	valueLowPtr         = flag.String("value-threshold-low", defaultValueThresholdLow, "low bundle value threshold")
	valueMediumPtr      = flag.String("value-threshold-medium", defaultValueThresholdMed, "medium bundle value threshold")
	valueHighPtr        = flag.String("value-threshold-high", defaultValueThresholdHigh, "high bundle value threshold")
	minSuccessRatePtr   = flag.String("min-success-rate", defaultMinSuccessRate, "min success rate for performance_based selection (0-1)")
	parallelPtr         = flag.String("parallel", defaultParallel, "submit to builders in parallel (0-1)")
	builderTimeoutPtr   = flag.String("builder-timeout-ms", defaultBuilderTimeoutMs, "timeout of a single builder request in ms")
	builderRetriesPtr   = flag.String("builder-max-retries", defaultBuilderMaxRetries, "attempts per builder and bundle")
	metricsEnabledPtr   = flag.String("metrics-enabled", defaultMetricsEnabled, "track builder reputation (0-1)")
	redisPtr            = flag.String("redis", defaultRedisEndpoint, "redis url string, disabled when empty")
	postgresDSNPtr      = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, disabled when empty")
	ethPtr              = flag.String("eth", defaultEthEndpoint, "eth endpoint used to reject stale target blocks, disabled when empty")
	healthIntervalPtr   = flag.String("health-interval", defaultHealthInterval, "interval of builder health sweeps, 0 disables them")
	snapshotIntervalPtr = flag.String("snapshot-interval", defaultSnapshotInterval, "interval of builder metrics snapshots to redis")
	healthTogglePtr     = flag.Bool("health-auto-toggle", false, "deactivate unhealthy builders and reactivate recovered ones")
)

func configFromFlags() (multibuilder.Config, error) {
	cfg := multibuilder.DefaultConfig()

	strategy, err := multibuilder.ParseSelectionStrategy(*strategyPtr)
	if err != nil {
		return cfg, err
	}
	cfg.Strategy = strategy

	if _, err := fmt.Sscanf(*topNPtr, "%d", &cfg.TopN); err != nil {
		return cfg, fmt.Errorf("top n: %w", err)
	}
	for _, v := range []struct {
		s   string
		dst *float64
	}{
		{*valueLowPtr, &cfg.LowValueThreshold},
		{*valueMediumPtr, &cfg.MediumValueThreshold},
		{*valueHighPtr, &cfg.HighValueThreshold},
		{*minSuccessRatePtr, &cfg.MinSuccessRate},
	} {
		f, err := strconv.ParseFloat(v.s, 64)
		if err != nil {
			return cfg, err
		}
		*v.dst = f
	}

	timeoutMs, err := strconv.Atoi(*builderTimeoutPtr)
	if err != nil {
		return cfg, fmt.Errorf("builder timeout: %w", err)
	}
	cfg.Timeout = time.Duration(timeoutMs) * time.Millisecond

	attempts, err := strconv.Atoi(*builderRetriesPtr)
	if err != nil {
		return cfg, fmt.Errorf("builder max retries: %w", err)
	}
	cfg.Retry = retry.DefaultPolicy()
	cfg.Retry.MaxAttempts = attempts

	cfg.Parallel = *parallelPtr == "1"
	cfg.MetricsEnabled = *metricsEnabledPtr == "1"
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting warden-relay", zap.String("version", version))

	cfg, err := configFromFlags()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	healthInterval, err := time.ParseDuration(*healthIntervalPtr)
	if err != nil {
		logger.Fatal("Failed to parse health interval", zap.Error(err))
	}
	snapshotInterval, err := time.ParseDuration(*snapshotIntervalPtr)
	if err != nil {
		logger.Fatal("Failed to parse snapshot interval", zap.Error(err))
	}

	registry := multibuilder.NewDefaultRegistry()
	if *buildersConfigPtr != "" {
		registry, err = multibuilder.LoadBuilderConfig(*buildersConfigPtr)
		if err != nil {
			logger.Fatal("Failed to load builders config", zap.Error(err))
		}
	}
	logger.Info("Builders loaded", zap.Int("count", registry.Len()), zap.Int("active", len(registry.GetActiveBuilders())))

	var opts []multibuilder.Option
	var snapshotStore *redisadapter.MetricsSnapshotStore
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		opts = append(opts, multibuilder.WithReplacementIndex(
			redisadapter.NewReplacementIndex(redisClient, multibuilder.DefaultReplacementTTL, "warden:"),
		))
		snapshotStore = redisadapter.NewMetricsSnapshotStore(redisClient, "warden:")
	}

	if *postgresDSNPtr != "" {
		store, err := postgres.NewSubmissionStore(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate postgres schema", zap.Error(err))
		}
		opts = append(opts, multibuilder.WithSubmissionRecorder(store))
	}

	manager, err := multibuilder.NewManager(logger, registry, cfg, opts...)
	if err != nil {
		logger.Fatal("Failed to create manager", zap.Error(err))
	}

	if snapshotStore != nil {
		snapshot, err := snapshotStore.Load(ctx)
		if err != nil {
			logger.Error("Failed to load builder metrics snapshot", zap.Error(err))
		} else {
			manager.RestoreMetrics(snapshot)
			logger.Info("Builder metrics restored", zap.Int("builders", len(snapshot)))
		}
	}

	var eth multibuilder.BlockNumberSource
	if *ethPtr != "" {
		ethBackend, err := ethclient.Dial(*ethPtr)
		if err != nil {
			logger.Fatal("Failed to connect to ethBackend endpoint", zap.Error(err))
		}
		eth = multibuilder.NewCachingEthClient(ethBackend, multibuilder.DefaultBlockNumberFreshness)
	}

	backgroundWg := &sync.WaitGroup{}
	if healthInterval > 0 {
		monitor := multibuilder.NewHealthMonitor(logger, manager, healthInterval/2)
		monitor.AutoToggle = *healthTogglePtr
		backgroundWg.Add(1)
		go func() {
			defer backgroundWg.Done()
			monitor.Run(ctx, healthInterval)
		}()
	}
	if snapshotStore != nil && snapshotInterval > 0 {
		backgroundWg.Add(1)
		go func() {
			defer backgroundWg.Done()
			ticker := time.NewTicker(snapshotInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					// final snapshot on shutdown
					if err := snapshotStore.Save(context.Background(), manager.MetricsSnapshot()); err != nil {
						logger.Error("Failed to save builder metrics snapshot", zap.Error(err))
					}
					return
				case <-ticker.C:
					if err := snapshotStore.Save(ctx, manager.MetricsSnapshot()); err != nil {
						logger.Error("Failed to save builder metrics snapshot", zap.Error(err))
					}
				}
			}
		}()
	}

	api := multibuilder.NewAPI(logger, manager, eth)

	jsonRPCServer, err := jsonrpcserver.NewHandler(api.Methods())
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	backgroundWg.Wait()
}
