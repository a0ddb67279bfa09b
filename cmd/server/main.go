// Command server starts the StreamForge API service: transcode submission,
// live ingest callbacks, and the presence websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamforge/internal/api"
	"streamforge/internal/events"
	"streamforge/internal/live"
	"streamforge/internal/media"
	"streamforge/internal/observability/logging"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/presence"
	"streamforge/internal/server"
	"streamforge/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to the JSON datastore file")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory, json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	busDriver := flag.String("bus-driver", "", "event bus driver (memory or redis)")
	redisAddr := flag.String("bus-redis-addr", "", "Redis address for the event bus")
	redisAddrs := flag.String("bus-redis-addrs", "", "comma separated Redis addresses for the event bus")
	redisUsername := flag.String("bus-redis-username", "", "Redis username for the event bus")
	redisPassword := flag.String("bus-redis-password", "", "Redis password for the event bus")
	redisStream := flag.String("bus-redis-stream", "", "Redis stream key for bus events")
	redisMasterName := flag.String("bus-redis-sentinel-master", "", "Redis sentinel master name for the event bus")
	ingestBase := flag.String("ingest-base", "", "RTMP application URL broadcasters publish to (e.g. rtmp://ingest.local/live)")
	playbackBase := flag.String("playback-base", "", "base URL where live HLS output is served")
	hookToken := flag.String("ingest-hook-token", "", "shared token required on media-server hook callbacks")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket for transcoded artifacts")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for playback URLs")
	publishDir := flag.String("publish-dir", "", "local directory artifacts are mirrored to when no object store is set")
	publishBase := flag.String("publish-base", "", "base URL the local publish directory is served from")
	workDir := flag.String("work-dir", "", "scratch directory for in-flight transcodes")
	transcodeWorkers := flag.Int("transcode-workers", 0, "background transcode worker count")
	transcodeAttempts := flag.Int("transcode-attempts", 0, "attempts per rung encode before the job fails")
	rungParallelism := flag.Int("rung-parallelism", 0, "concurrent rung encodes per job")
	jobTimeout := flag.Duration("job-timeout", 0, "per-job timeout for background transcodes")
	heartbeatInterval := flag.Duration("ws-heartbeat", 0, "websocket ping interval (0 disables)")
	fanoutBatch := flag.Int("fanout-batch", 0, "notification rows inserted per batch")
	flag.Parse()

	logger := logging.Init(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("STREAMFORGE_LOG_LEVEL"))})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMFORGE_ADDR"), ":8080")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, storeSettings{
		driver:   firstNonEmpty(*storageDriver, os.Getenv("STREAMFORGE_STORAGE_DRIVER")),
		dataPath: firstNonEmpty(*dataPath, os.Getenv("STREAMFORGE_DATA")),
		dsn:      firstNonEmpty(*postgresDSN, os.Getenv("STREAMFORGE_POSTGRES_DSN")),
		maxConns: int32(intSetting(*postgresMaxConns, "STREAMFORGE_POSTGRES_MAX_CONNS", logger)),
		appName:  firstNonEmpty(*postgresAppName, os.Getenv("STREAMFORGE_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("datastore close failed", "error", err)
		}
	}()

	bus, err := openBus(busSettings{
		driver:     firstNonEmpty(*busDriver, os.Getenv("STREAMFORGE_BUS_DRIVER")),
		addr:       firstNonEmpty(*redisAddr, os.Getenv("STREAMFORGE_BUS_REDIS_ADDR")),
		addrs:      splitList(firstNonEmpty(*redisAddrs, os.Getenv("STREAMFORGE_BUS_REDIS_ADDRS"))),
		username:   firstNonEmpty(*redisUsername, os.Getenv("STREAMFORGE_BUS_REDIS_USERNAME")),
		password:   firstNonEmpty(*redisPassword, os.Getenv("STREAMFORGE_BUS_REDIS_PASSWORD")),
		stream:     firstNonEmpty(*redisStream, os.Getenv("STREAMFORGE_BUS_REDIS_STREAM")),
		masterName: firstNonEmpty(*redisMasterName, os.Getenv("STREAMFORGE_BUS_REDIS_SENTINEL_MASTER")),
	}, logger)
	if err != nil {
		logger.Error("failed to configure event bus", "error", err)
		os.Exit(1)
	}

	objectStore := storage.NewObjectStore(storage.ObjectStoreConfig{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("STREAMFORGE_OBJECT_ENDPOINT")),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("STREAMFORGE_OBJECT_PUBLIC_ENDPOINT")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("STREAMFORGE_OBJECT_BUCKET")),
		Prefix:         strings.TrimSpace(firstNonEmpty(*objectPrefix, os.Getenv("STREAMFORGE_OBJECT_PREFIX"))),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("STREAMFORGE_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("STREAMFORGE_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("STREAMFORGE_OBJECT_SECRET_KEY")),
		UseSSL:         *objectUseSSL || boolSetting("STREAMFORGE_OBJECT_USE_SSL", logger),
	})

	fanout := live.NewFanout(live.FanoutConfig{
		Store:     store,
		BatchSize: intSetting(*fanoutBatch, "STREAMFORGE_FANOUT_BATCH", logger),
		Logger:    logging.WithComponent(logger, "fanout"),
		Metrics:   recorder,
	})
	gateway := live.NewGateway(live.GatewayConfig{
		Store:        store,
		Bus:          bus,
		Fanout:       fanout,
		IngestBase:   firstNonEmpty(*ingestBase, os.Getenv("STREAMFORGE_INGEST_BASE")),
		PlaybackBase: firstNonEmpty(*playbackBase, os.Getenv("STREAMFORGE_PLAYBACK_BASE")),
		Logger:       logging.WithComponent(logger, "live"),
		Metrics:      recorder,
	})
	hub := presence.NewHub(presence.HubConfig{
		Store:             store,
		Bus:               bus,
		HeartbeatInterval: *heartbeatInterval,
		Logger:            logging.WithComponent(logger, "presence"),
		Metrics:           recorder,
	})

	pipeline := media.NewPipeline(media.PipelineConfig{
		Repository: store,
		Prober:     media.FFProbe{},
		Engine:     media.FFmpegEngine{Logger: logging.WithComponent(logger, "ffmpeg")},
		Downloader: media.Downloader{},
		Publisher: &media.Publisher{
			Store:     objectStore,
			LocalDir:  firstNonEmpty(*publishDir, os.Getenv("STREAMFORGE_PUBLISH_DIR")),
			LocalBase: firstNonEmpty(*publishBase, os.Getenv("STREAMFORGE_PUBLISH_BASE")),
			Logger:    logging.WithComponent(logger, "publisher"),
		},
		WorkRoot:          firstNonEmpty(*workDir, os.Getenv("STREAMFORGE_WORK_DIR")),
		RungParallelism:   intSetting(*rungParallelism, "STREAMFORGE_RUNG_PARALLELISM", logger),
		TranscodeAttempts: intSetting(*transcodeAttempts, "STREAMFORGE_TRANSCODE_ATTEMPTS", logger),
		Logger:            logging.WithComponent(logger, "pipeline"),
		Metrics:           recorder,
	})
	processor := media.NewProcessor(media.ProcessorConfig{
		Store:    store,
		Pipeline: pipeline,
		Workers:  intSetting(*transcodeWorkers, "STREAMFORGE_TRANSCODE_WORKERS", logger),
		Timeout:  *jobTimeout,
		Logger:   logging.WithComponent(logger, "processor"),
	})

	handler := &api.Handler{
		Store:           store,
		Gateway:         gateway,
		Pipeline:        pipeline,
		Processor:       processor,
		Metrics:         recorder,
		Logger:          logging.WithComponent(logger, "api"),
		IngestHookToken: firstNonEmpty(*hookToken, os.Getenv("STREAMFORGE_INGEST_HOOK_TOKEN")),
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMFORGE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMFORGE_TLS_KEY")),
		},
		Hub:     hub,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	fanout.Start()
	processor.Start()
	hub.Start()

	logger.Info("server listening", "addr", listenAddr)
	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("presence shutdown failed", "error", err)
	}
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("processor shutdown failed", "error", err)
	}
	if err := fanout.Shutdown(shutdownCtx); err != nil {
		logger.Warn("fanout shutdown failed", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("server exited", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type storeSettings struct {
	driver   string
	dataPath string
	dsn      string
	maxConns int32
	appName  string
}

func openStore(ctx context.Context, settings storeSettings) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.driver))
	if driver == "" {
		if settings.dsn != "" {
			driver = "postgres"
		} else if settings.dataPath != "" {
			driver = "json"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "postgres":
		if settings.dsn == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             settings.dsn,
			MaxConnections:  settings.maxConns,
			ApplicationName: firstNonEmpty(settings.appName, "streamforge"),
		})
	case "json":
		if settings.dataPath == "" {
			return nil, fmt.Errorf("json driver requires a data path")
		}
		return storage.NewStorage(settings.dataPath)
	case "memory":
		return storage.NewStorage("")
	default:
		return nil, fmt.Errorf("unknown storage driver %q", settings.driver)
	}
}

type busSettings struct {
	driver     string
	addr       string
	addrs      []string
	username   string
	password   string
	stream     string
	masterName string
}

func openBus(settings busSettings, logger *slog.Logger) (events.Bus, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.driver))
	if driver == "" {
		if settings.addr != "" || len(settings.addrs) > 0 {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "redis":
		return events.NewRedisBus(events.RedisBusConfig{
			Addr:       settings.addr,
			Addrs:      settings.addrs,
			Username:   settings.username,
			Password:   settings.password,
			Stream:     settings.stream,
			MasterName: settings.masterName,
		})
	case "memory":
		return events.NewMemoryBus(256), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", settings.driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// intSetting prefers the flag value, falling back to the named environment
// variable. Invalid environment values are logged and ignored.
func intSetting(flagValue int, envName string, logger *slog.Logger) int {
	if flagValue != 0 {
		return flagValue
	}
	env := strings.TrimSpace(os.Getenv(envName))
	if env == "" {
		return 0
	}
	value, err := strconv.Atoi(env)
	if err != nil {
		logger.Warn("invalid integer setting", "name", envName, "value", env, "error", err)
		return 0
	}
	return value
}

func boolSetting(envName string, logger *slog.Logger) bool {
	env := strings.TrimSpace(os.Getenv(envName))
	if env == "" {
		return false
	}
	value, err := strconv.ParseBool(env)
	if err != nil {
		logger.Warn("invalid boolean setting", "name", envName, "value", env, "error", err)
		return false
	}
	return value
}
