// Package queue provides a priority message queue for workflow orchestration with
// leased delivery, jittered exponential retries, dead-lettering and a reaper that
// reclaims messages whose consumer disappeared.
//
// # Features
//
//   - Five priority classes, each served strictly before the next
//   - FIFO order within a class by enqueue time; a retried message re-enters
//     at the rank of its retry time, behind messages enqueued before then
//   - At-least-once delivery through visibility-timeout leases
//   - Per-queue retry budget with capped exponential backoff and jitter
//   - Append-only dead-letter queues with an optional external archive
//   - A circuit breaker in front of the store that fails callers fast
//   - In-memory storage for tests; see integration/queue/redisstore for Redis
//
// # Ordering
//
// Every pending message carries a rank computed by Rank:
//
//	rank = PriorityWeight(priority) + notBefore in Unix milliseconds
//
// The weight step is large enough that any message of a more urgent class outranks
// every message of a less urgent one. Messages with equal rank are served by id;
// ids are UUIDv7 and therefore sort by creation time.
//
// Messages that are not yet eligible (scheduled or waiting for a retry backoff) sit
// in a delayed set keyed by eligibility time. Each Lease promotes due entries into
// the pending set before popping the best one, so a delayed critical retry never
// jumps ahead while it is still waiting.
//
// # Basic Usage
//
//	storage := queue.NewMemoryStorage()
//	defer storage.Close()
//
//	svc, err := queue.NewService(queue.DefaultConfig(), storage)
//	if err != nil {
//		return err
//	}
//
//	type Resize struct {
//		ImageID string `json:"image_id"`
//	}
//
//	svc.RegisterHandler(queue.PriorityHigh.QueueName(),
//		queue.NewPayloadHandler(func(ctx context.Context, r Resize) error {
//			return resize(ctx, r.ImageID)
//		}))
//
//	go svc.Run(ctx)
//
//	_, err = svc.Enqueue(ctx, Resize{ImageID: "42"}, queue.WithPriority(queue.PriorityHigh))
//
// # Pull Consumers
//
// Callers that do not want the worker can lease messages directly:
//
//	msg, err := svc.Dequeue(ctx, "critical", 5*time.Second)
//	if errors.Is(err, queue.ErrQueueEmpty) {
//		return nil
//	}
//	if err := process(msg); err != nil {
//		return svc.Nack(ctx, msg, true, err)
//	}
//	return svc.Ack(ctx, msg)
//
// Ack and Nack take the message returned by Dequeue. Its receipt names that one
// delivery, so settling a copy whose lease was reclaimed and handed out again
// leaves the new delivery alone. A message that is neither acked nor nacked
// before its visibility timeout is reclaimed by the reaper and counts as a failed
// attempt.
//
// # Error Handling
//
// Handlers return Permanent(err) for failures that retrying cannot fix; such
// messages go straight to the dead-letter queue. Store outages surface as
// ErrStoreUnavailable, and once the breaker opens as ErrCircuitOpen.
package queue
