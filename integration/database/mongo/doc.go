// Package mongo provides MongoDB client initialization with retries, a
// health check and a dead-letter archive backed by a collection.
//
//	db, err := mongo.NewWithDatabase(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	archive, err := mongo.NewDeadLetterArchive(ctx, db, mongo.DefaultCollection)
//	if err != nil {
//		return err
//	}
//	svc, err := queue.NewService(qcfg, store, queue.WithDeadLetterArchive(archive))
//
// # Configuration
//
//	MONGODB_URL                 (required)
//	MONGODB_DATABASE            (default: workq)
//	MONGODB_CONNECT_TIMEOUT     (default: 10s)
//	MONGODB_MAX_POOL_SIZE       (default: 100)
//	MONGODB_MIN_POOL_SIZE       (default: 1)
//	MONGODB_MAX_CONN_IDLE_TIME  (default: 300s)
//	MONGODB_RETRY_WRITES        (default: true)
//	MONGODB_RETRY_READS         (default: true)
//	MONGODB_RETRY_ATTEMPTS      (default: 3)
//	MONGODB_RETRY_INTERVAL      (default: 5s)
//
// New retries with exponential backoff so a cold Atlas cluster does not fail
// startup. Archive relies on a unique index over (dead_letter_queue,
// message_id, dead_lettered_at) and treats duplicates as success.
package mongo
