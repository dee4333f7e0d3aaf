// Package pg provides PostgreSQL connection management and a durable archive
// for dead-lettered queue messages.
//
// Connect opens a pgx pool with exponential-backoff retries, Healthcheck wraps
// a ping for readiness probes and Migrate applies the embedded dead_letters
// schema with goose.
//
// # Configuration
//
//	type Config struct {
//		ConnectionString  string        `env:"PG_CONN_URL,required"`
//		MaxOpenConns      int32         `env:"PG_MAX_OPEN_CONNS" envDefault:"10"`
//		MaxIdleConns      int32         `env:"PG_MAX_IDLE_CONNS" envDefault:"5"`
//		HealthCheckPeriod time.Duration `env:"PG_HEALTHCHECK_PERIOD" envDefault:"1m"`
//		MaxConnIdleTime   time.Duration `env:"PG_MAX_CONN_IDLE_TIME" envDefault:"10m"`
//		MaxConnLifetime   time.Duration `env:"PG_MAX_CONN_LIFETIME" envDefault:"30m"`
//		RetryAttempts     int           `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
//		RetryInterval     time.Duration `env:"PG_RETRY_INTERVAL" envDefault:"5s"`
//	}
//
// # Dead-letter archive
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	if err := pg.Migrate(ctx, pool, logger); err != nil {
//		return err
//	}
//	archive, err := pg.NewDeadLetterArchive(pool)
//	if err != nil {
//		return err
//	}
//	svc, err := queue.NewService(qcfg, store, queue.WithDeadLetterArchive(archive))
//
// Archive writes are idempotent per (dead-letter queue, message id, time). A
// transaction attached with WithTx is used instead of the pool, so archiving can
// join a caller's unit of work. Driver errors are returned wrapped, so callers
// can inspect them with errors.As against *pgconn.PgError.
package pg
