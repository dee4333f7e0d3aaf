// Command workq runs the queue service against Redis: reapers for every
// queue, an optional logging worker, dead-letter archives and an ops endpoint
// serving /metrics, /livez and /readyz.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/forgeworks/workq/core/config"
	"github.com/forgeworks/workq/core/health"
	"github.com/forgeworks/workq/core/logger"
	"github.com/forgeworks/workq/core/queue"
	"github.com/forgeworks/workq/core/server"
	"github.com/forgeworks/workq/integration/database/mongo"
	"github.com/forgeworks/workq/integration/database/opensearch"
	"github.com/forgeworks/workq/integration/database/pg"
	"github.com/forgeworks/workq/integration/database/redis"
	"github.com/forgeworks/workq/integration/email/postmark"
	"github.com/forgeworks/workq/integration/metrics/queuemetrics"
	"github.com/forgeworks/workq/integration/queue/amqpsink"
	"github.com/forgeworks/workq/integration/queue/kafkasink"
	"github.com/forgeworks/workq/integration/queue/redisstore"
	"github.com/forgeworks/workq/integration/storage/s3"
)

type appConfig struct {
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"APP_NAME" envDefault:"workq"`
	KeyPrefix   string `env:"WORKQ_KEY_PREFIX" envDefault:"workq"`

	// LogHandlers registers a handler on every queue that logs and acks.
	LogHandlers bool `env:"WORKQ_LOG_HANDLERS" envDefault:"false"`

	// Optional archives are enabled by their connection setting.
	PostgresURL string `env:"PG_CONN_URL"`
	MongoURL    string `env:"MONGODB_URL"`

	Queue      queue.Config
	Redis      redis.Config
	HTTP       server.Config
	S3         s3.Config
	Kafka      kafkasink.Config
	AMQP       amqpsink.Config
	Postmark   postmark.Config
	OpenSearch opensearch.Config
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg)
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()

	checks := []health.Check{redis.Healthcheck(client)}

	archives, closers, archiveChecks, err := openArchives(ctx, cfg, log)
	defer func() {
		errs := make([]error, 0, len(closers))
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		if errors.Join(errs...) != nil {
			log.Warn("failed to close archives", logger.Errors(errs...))
		}
	}()
	if err != nil {
		return err
	}
	checks = append(checks, archiveChecks...)

	store := redisstore.New(client,
		redisstore.WithKeyPrefix(cfg.KeyPrefix),
		redisstore.WithPromoteBatch(cfg.Redis.ScanBatchSize))

	opts := []queue.ServiceOption{queue.WithServiceLogger(log)}
	if len(archives) > 0 {
		opts = append(opts, queue.WithDeadLetterArchive(queue.Archives(archives...)))
	}
	svc, err := queue.NewService(cfg.Queue, store, opts...)
	if err != nil {
		return fmt.Errorf("create queue service: %w", err)
	}
	checks = append(checks, svc.Healthcheck)

	if cfg.LogHandlers {
		for _, q := range svc.Queues() {
			if err := svc.RegisterHandler(q.Name, loggingHandler(log)); err != nil {
				return err
			}
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		queuemetrics.New(svc, queuemetrics.WithLogger(log)),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /livez", health.Liveness)
	mux.Handle("GET /readyz", health.Readiness(log, checks...))

	srv, err := server.NewFromConfig(cfg.HTTP, server.WithLogger(log))
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "workq started",
		logger.Count("queues", len(svc.Queues())),
		logger.Count("archives", len(archives)),
		logger.Group("server", slog.String("addr", cfg.HTTP.Addr)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(srv.Run(gctx, mux))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("workq stopped")
	return nil
}

func newLogger(cfg appConfig) *slog.Logger {
	switch cfg.Env {
	case "production":
		return logger.New(logger.WithProduction(cfg.ServiceName))
	case "staging":
		return logger.New(logger.WithStaging(cfg.ServiceName))
	default:
		return logger.New(logger.WithDevelopment(cfg.ServiceName))
	}
}

// openArchives connects every configured dead-letter archive.
func openArchives(ctx context.Context, cfg appConfig, log *slog.Logger) ([]queue.Archive, []io.Closer, []health.Check, error) {
	var (
		archives []queue.Archive
		closers  []io.Closer
		checks   []health.Check
	)

	if cfg.PostgresURL != "" {
		var pgCfg pg.Config
		if err := config.Load(&pgCfg); err != nil {
			return nil, closers, nil, fmt.Errorf("load postgres config: %w", err)
		}
		pool, err := pg.Connect(ctx, pgCfg)
		if err != nil {
			return nil, closers, nil, err
		}
		closers = append(closers, closerFunc(func() error { pool.Close(); return nil }))
		if err := pg.Migrate(ctx, pool, log); err != nil {
			return nil, closers, nil, err
		}
		archive, err := pg.NewDeadLetterArchive(pool)
		if err != nil {
			return nil, closers, nil, err
		}
		archives = append(archives, archive)
		checks = append(checks, pg.Healthcheck(pool))
	}

	if cfg.MongoURL != "" {
		var mongoCfg mongo.Config
		if err := config.Load(&mongoCfg); err != nil {
			return nil, closers, nil, fmt.Errorf("load mongo config: %w", err)
		}
		db, err := mongo.NewWithDatabase(ctx, mongoCfg)
		if err != nil {
			return nil, closers, nil, err
		}
		client := db.Client()
		closers = append(closers, closerFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		}))
		archive, err := mongo.NewDeadLetterArchive(ctx, db, mongo.DefaultCollection)
		if err != nil {
			return nil, closers, nil, err
		}
		archives = append(archives, archive)
		checks = append(checks, mongo.Healthcheck(client))
	}

	if len(cfg.OpenSearch.Addresses) > 0 {
		client, err := opensearch.New(ctx, cfg.OpenSearch)
		if err != nil {
			return nil, closers, nil, err
		}
		archive, err := opensearch.NewDeadLetterArchive(client, cfg.OpenSearch.Index)
		if err != nil {
			return nil, closers, nil, err
		}
		archives = append(archives, archive)
		checks = append(checks, opensearch.Healthcheck(client))
	}

	if cfg.S3.Bucket != "" {
		archive, err := s3.New(ctx, cfg.S3, s3.WithUploadTimeout(30*time.Second))
		if err != nil {
			return nil, closers, nil, err
		}
		archives = append(archives, archive)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafkasink.New(cfg.Kafka)
		if err != nil {
			return nil, closers, nil, err
		}
		archives = append(archives, sink)
		closers = append(closers, sink)
	}

	if cfg.AMQP.URL != "" {
		sink, err := amqpsink.Dial(cfg.AMQP)
		if err != nil {
			return nil, closers, nil, err
		}
		archives = append(archives, sink)
		closers = append(closers, sink)
	}

	if cfg.Postmark.PostmarkServerToken != "" {
		alert, err := postmark.New(cfg.Postmark)
		if err != nil {
			return nil, closers, nil, err
		}
		archives = append(archives, alert)
	}

	return archives, closers, checks, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// loggingHandler acknowledges every message after logging it. Useful to drain
// queues and to smoke-test a deployment.
func loggingHandler(log *slog.Logger) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, msg *queue.Message) error {
		log.InfoContext(ctx, "message received",
			logger.Queue(msg.Queue),
			logger.MessageID(msg.ID),
			logger.TraceID(msg.Metadata.TraceID),
			logger.Priority(msg.Priority),
			logger.RetryCount(msg.Metadata.RetryCount),
			slog.Int("payload_bytes", len(msg.Payload)))
		return nil
	})
}
