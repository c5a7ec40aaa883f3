package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/filesift/internal/app/dispatch"
	"github.com/ahrav/filesift/internal/app/extraction"
	appmetrics "github.com/ahrav/filesift/internal/app/metrics"
	"github.com/ahrav/filesift/internal/app/orchestration"
	"github.com/ahrav/filesift/internal/config"
	"github.com/ahrav/filesift/internal/config/fileloader"
	"github.com/ahrav/filesift/internal/domain/triage"
	"github.com/ahrav/filesift/internal/infra/blob/disk"
	"github.com/ahrav/filesift/internal/infra/blob/minio"
	kafkaqueue "github.com/ahrav/filesift/internal/infra/queue/kafka"
	memqueue "github.com/ahrav/filesift/internal/infra/queue/memory"
	redisqueue "github.com/ahrav/filesift/internal/infra/queue/redis"
	memstore "github.com/ahrav/filesift/internal/infra/storage/memory"
	"github.com/ahrav/filesift/internal/infra/storage/postgres"
	redisstore "github.com/ahrav/filesift/internal/infra/storage/redis"
	"github.com/ahrav/filesift/pkg/common"
	"github.com/ahrav/filesift/pkg/common/logger"
	"github.com/ahrav/filesift/pkg/common/otel"
)

const serviceType = "siftd"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			// Output the error event with valid JSON details.
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("SIFTD-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	// TODO: Adjust the min log level via env var.
	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	// Setup signal handling.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := fileloader.NewFileLoader(cfgPath).Load(ctx)
	if err != nil {
		log.Error(ctx, "failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	// Telemetry exports only when a collector endpoint is configured;
	// otherwise spans are no-ops and instruments stay in-process.
	var (
		tracer trace.Tracer
		mp     metric.MeterProvider
	)
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
		if err != nil {
			log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
			os.Exit(1)
		}
		tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceType,
			ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ExcludedRoutes: map[string]struct{}{
				"/v1/health":    {},
				"/v1/readiness": {},
			},
			Probability: prob,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"k8s.pod.name":     os.Getenv("POD_NAME"),
				"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
				"k8s.container.id": hostname,
			},
			InsecureExporter: true, // TODO: Come back to setup TLS.
		})
		if err != nil {
			log.Error(ctx, "failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer telemetryTeardown(ctx)

		tracer = tp.Tracer(serviceType)
		mp = otel.GetMeterProvider()
	} else {
		tracer = noop.NewTracerProvider().Tracer(serviceType)
		mp, err = otel.NewMeterProvider(serviceType)
		if err != nil {
			log.Error(ctx, "failed to create meter provider", "error", err)
			os.Exit(1)
		}
	}

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	metricCollector, err := appmetrics.New(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	var (
		tasks   triage.TaskRepository
		reports triage.ReportRepository
		files   triage.FileRepository
	)
	switch cfg.Storage.Kind {
	case config.StorageKindMemory:
		tasks = memstore.NewTaskStore()
		reports = memstore.NewReportStore()
		files = memstore.NewFileStore()
	case config.StorageKindRedis:
		client, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			log.Error(ctx, "failed to connect to redis storage", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		tasks = redisstore.NewTaskStore(client)
		reports = redisstore.NewReportStore(client)
		files = redisstore.NewFileStore(client)
	case config.StorageKindPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{DSN: cfg.Storage.Postgres.DSN})
		if err != nil {
			log.Error(ctx, "failed to open db", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := postgres.RunMigrations(pool); err != nil {
			log.Error(ctx, "failed to run migrations", "error", err)
			os.Exit(1)
		}
		log.Info(ctx, "Migrations applied successfully")

		tasks = postgres.NewTaskStore(pool, tracer)
		reports = postgres.NewReportStore(pool, tracer)
		files = postgres.NewFileStore(pool, tracer)
	default:
		log.Error(ctx, "unsupported storage kind", "kind", cfg.Storage.Kind)
		os.Exit(1)
	}

	var blobs triage.BlobStore
	switch cfg.Blob.Kind {
	case config.BlobKindDisk:
		store, err := disk.NewStore(cfg.Blob.Disk.Root)
		if err != nil {
			log.Error(ctx, "failed to open blob root", "error", err)
			os.Exit(1)
		}
		blobs = store
	case config.BlobKindMinio:
		store, err := minio.NewStore(ctx, minio.Config{
			Endpoint:  cfg.Blob.Minio.Endpoint,
			AccessKey: cfg.Blob.Minio.AccessKey,
			SecretKey: cfg.Blob.Minio.SecretKey,
			Bucket:    cfg.Blob.Minio.Bucket,
			Region:    cfg.Blob.Minio.Region,
			UseSSL:    cfg.Blob.Minio.UseSSL,
		}, log)
		if err != nil {
			log.Error(ctx, "failed to connect to object store", "error", err)
			os.Exit(1)
		}
		blobs = store
	default:
		log.Error(ctx, "unsupported blob kind", "kind", cfg.Blob.Kind)
		os.Exit(1)
	}

	var queue triage.TaskQueue
	switch cfg.Queue.Kind {
	case config.QueueKindMemory:
		queue = memqueue.NewQueue()
	case config.QueueKindRedis:
		client, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		if err != nil {
			log.Error(ctx, "failed to connect to redis queue", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		queue = redisqueue.NewQueue(client, redisqueue.Config{MaxLen: cfg.Queue.Redis.MaxLen},
			log, metricCollector, tracer)
	case config.QueueKindKafka:
		q, err := kafkaqueue.ConnectWithRetry(kafkaqueue.Config{
			Brokers:  cfg.Queue.Kafka.Brokers,
			Topic:    cfg.Queue.Kafka.Topic,
			ClientID: cfg.Queue.Kafka.ClientID,
		}, log, metricCollector, tracer)
		if err != nil {
			log.Error(ctx, "failed to connect to kafka", "error", err)
			os.Exit(1)
		}
		queue = q
	default:
		log.Error(ctx, "unsupported queue kind", "kind", cfg.Queue.Kind)
		os.Exit(1)
	}

	// Every configured worker group counts toward per-task convergence, so
	// names are fixed before the tracker and coordinator are built. The
	// extractor is the one worker this build ships; additional analysis
	// workers register the same way.
	workerNames := make([]string, 0, len(cfg.Workers))
	for name := range cfg.Workers {
		if name != extraction.WorkerName {
			log.Warn(ctx, "Config: worker not present in this build; ignoring", "worker", name)
			continue
		}
		workerNames = append(workerNames, name)
	}
	sort.Strings(workerNames)
	if len(workerNames) == 0 {
		log.Error(ctx, "no runnable workers configured")
		os.Exit(1)
	}

	tracker := dispatch.NewTracker(len(workerNames), tasks, reports, log, metricCollector)

	coordinator := orchestration.NewCoordinator(orchestration.Config{
		MaxUploadBytes: cfg.Intake.MaxUploadBytes,
		RatePerSecond:  cfg.Intake.RatePerSecond,
		RateBurst:      cfg.Intake.RateBurst,
	}, workerNames, tasks, reports, files, blobs, queue, log, metricCollector, tracer)

	extCfg := extraction.Config{
		MaxFiles:       cfg.Extraction.MaxFiles,
		MaxSizeBytes:   cfg.Extraction.MaxFileBytes,
		MaxIsError:     cfg.Extraction.MaxIsError,
		Passwords:      cfg.Extraction.Passwords,
		MaxDepth:       cfg.Extraction.MaxDepth,
		MaxDescendants: cfg.Extraction.MaxDescendants,
		WorkDir:        cfg.Extraction.WorkDir,
	}

	registry := dispatch.NewRegistry()
	extractorCfg := cfg.Workers[extraction.WorkerName]
	err = registry.Register(
		dispatch.Settings{
			Name:     extraction.WorkerName,
			Enabled:  extractorCfg.Enabled,
			Timeout:  extractorCfg.Timeout,
			Replicas: extractorCfg.Replicas,
			Options:  extractorCfg.Options,
		},
		func(dispatch.Settings) (dispatch.Worker, error) {
			return extraction.NewWorker(extCfg, blobs, tasks,
				coordinator, coordinator, tracker, log, metricCollector, tracer), nil
		},
	)
	if err != nil {
		log.Error(ctx, "failed to register extractor", "error", err)
		os.Exit(1)
	}

	pool := dispatch.NewPool(registry, queue, tasks, files, reports, tracker,
		log, metricCollector, tracer)
	if err := pool.Start(ctx); err != nil {
		log.Error(ctx, "failed to start worker pool", "error", err)
		os.Exit(1)
	}

	ready.Store(true)
	log.Info(ctx, "Daemon ready",
		"workers", workerNames,
		"queue", cfg.Queue.Kind,
		"storage", cfg.Storage.Kind,
		"blob", cfg.Blob.Kind)

	sig := <-sigCh
	log.Info(ctx, "Received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := queue.Close(); err != nil {
		log.Error(shutdownCtx, "Failed to close task queue", "error", err)
	}
}
