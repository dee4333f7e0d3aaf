package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/forgeworks/workq/core/queue"
)

const (
	defaultPrefix       = "workq"
	defaultPromoteBatch = 1000
)

// Store implements queue.Storage on Redis. Every state transition runs as a
// single Lua script, so concurrent consumers and reapers on any number of
// processes see each message in exactly one set.
type Store struct {
	client       goredis.UniversalClient
	prefix       string
	promoteBatch int
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key. Defaults to "workq".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithPromoteBatch caps how many due delayed entries one lease promotes.
func WithPromoteBatch(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.promoteBatch = n
		}
	}
}

// New creates a store on client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:       client,
		prefix:       defaultPrefix,
		promoteBatch: defaultPromoteBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ queue.Storage = (*Store)(nil)

type queueKeys struct {
	pending, delayed, ranks, processing, leases, messages string
}

func (s *Store) keys(name string) queueKeys {
	base := s.prefix + ":" + name
	return queueKeys{
		pending:    base + ":pending",
		delayed:    base + ":delayed",
		ranks:      base + ":ranks",
		processing: base + ":processing",
		leases:     base + ":leases",
		messages:   base + ":messages",
	}
}

func (s *Store) deadKey(deadLetterQueue string) string {
	return s.prefix + ":" + deadLetterQueue + ":dead"
}

// Insert implements queue.Storage.
func (s *Store) Insert(ctx context.Context, name string, msg *queue.Message, rank float64, notBefore, now time.Time) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	k := s.keys(name)
	err = insertScript.Run(ctx, s.client,
		[]string{k.pending, k.delayed, k.ranks, k.messages},
		msg.ID, data, formatScore(rank), millis(notBefore), millis(now),
	).Err()
	return storeErr(err)
}

// Lease implements queue.Storage.
func (s *Store) Lease(ctx context.Context, name string, now, expiresAt time.Time) (*queue.Lease, error) {
	k := s.keys(name)
	token := uuid.NewString()
	res, err := leaseScript.Run(ctx, s.client,
		[]string{k.pending, k.delayed, k.ranks, k.processing, k.messages, k.leases},
		millis(now), millis(expiresAt), s.promoteBatch, token,
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, queue.ErrQueueEmpty
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("%w: unexpected lease reply of %d elements", queue.ErrStoreUnavailable, len(res))
	}

	id, _ := res[0].(string)
	data, _ := res[1].(string)
	lease := decodeLease(name, id, data)
	lease.Token = token
	lease.ExpiresAt = time.UnixMilli(expiresAt.UnixMilli())
	return &lease, nil
}

// Release implements queue.Storage.
func (s *Store) Release(ctx context.Context, name, id string, cond queue.Condition) (bool, error) {
	k := s.keys(name)
	n, err := releaseScript.Run(ctx, s.client,
		[]string{k.processing, k.messages, k.leases},
		id, cond.Token,
	).Int()
	return n == 1, storeErr(err)
}

// Extend implements queue.Storage.
func (s *Store) Extend(ctx context.Context, name, id string, expiresAt time.Time, cond queue.Condition) (bool, error) {
	k := s.keys(name)
	n, err := extendScript.Run(ctx, s.client,
		[]string{k.processing, k.leases},
		id, millis(expiresAt), cond.Token,
	).Int()
	return n == 1, storeErr(err)
}

// Expired implements queue.Storage. The scan is a read; the moves that follow
// are conditional and tolerate entries that changed in between.
func (s *Store) Expired(ctx context.Context, name string, now time.Time, limit int) ([]queue.Lease, error) {
	k := s.keys(name)
	entries, err := s.client.ZRangeByScoreWithScores(ctx, k.processing, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i], _ = e.Member.(string)
	}
	pipe := s.client.Pipeline()
	bodies := pipe.HMGet(ctx, k.messages, ids...)
	tokens := pipe.HMGet(ctx, k.leases, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr(err)
	}
	raw, held := bodies.Val(), tokens.Val()

	leases := make([]queue.Lease, 0, len(entries))
	for i, e := range entries {
		data, ok := raw[i].(string)
		if !ok {
			// Acked between the two reads.
			continue
		}
		lease := decodeLease(name, ids[i], data)
		lease.Token, _ = held[i].(string)
		lease.ExpiresAt = time.UnixMilli(int64(e.Score))
		leases = append(leases, lease)
	}
	return leases, nil
}

// Requeue implements queue.Storage.
func (s *Store) Requeue(ctx context.Context, name string, msg *queue.Message, rank float64, notBefore, now time.Time, cond queue.Condition) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	k := s.keys(name)
	n, err := requeueScript.Run(ctx, s.client,
		[]string{k.processing, k.pending, k.delayed, k.ranks, k.messages, k.leases},
		msg.ID, data, formatScore(rank), millis(notBefore), millis(now), conditionArg(cond), cond.Token,
	).Int()
	return n == 1, storeErr(err)
}

// DeadLetter implements queue.Storage.
func (s *Store) DeadLetter(ctx context.Context, rec *queue.DeadLetterRecord, cond queue.Condition) (bool, error) {
	if rec == nil || rec.Message == nil {
		return false, errors.New("dead letter record cannot be nil")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode dead letter record %s: %w", rec.Message.ID, err)
	}

	k := s.keys(rec.OriginalQueue)
	n, err := deadLetterScript.Run(ctx, s.client,
		[]string{k.processing, k.messages, s.deadKey(rec.DeadLetterQueue), k.leases},
		rec.Message.ID, data, conditionArg(cond), cond.Token,
	).Int()
	return n == 1, storeErr(err)
}

// DeadLetters implements queue.Storage.
func (s *Store) DeadLetters(ctx context.Context, deadLetterQueue string, limit int) ([]*queue.DeadLetterRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.client.LRange(ctx, s.deadKey(deadLetterQueue), 0, stop).Result()
	if err != nil {
		return nil, storeErr(err)
	}

	out := make([]*queue.DeadLetterRecord, 0, len(raw))
	for _, data := range raw {
		var rec queue.DeadLetterRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Stats implements queue.Storage.
func (s *Store) Stats(ctx context.Context, name, deadLetterQueue string) (queue.QueueStats, error) {
	k := s.keys(name)
	stats := queue.QueueStats{Queue: name, DeadLetterQueue: deadLetterQueue}

	pipe := s.client.Pipeline()
	pending := pipe.ZCard(ctx, k.pending)
	delayed := pipe.ZCard(ctx, k.delayed)
	processing := pipe.ZCard(ctx, k.processing)
	dead := pipe.LLen(ctx, s.deadKey(deadLetterQueue))
	if _, err := pipe.Exec(ctx); err != nil {
		return stats, storeErr(err)
	}

	stats.Pending = pending.Val()
	stats.Delayed = delayed.Val()
	stats.Processing = processing.Val()
	stats.DeadLettered = dead.Val()
	return stats, nil
}

// Ping implements queue.Storage.
func (s *Store) Ping(ctx context.Context) error {
	return storeErr(s.client.Ping(ctx).Err())
}

// storeErr marks transport and server failures as ErrStoreUnavailable so the
// breaker counts them. Context errors pass through unchanged.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", queue.ErrStoreUnavailable, err)
	}
}

func decodeMessage(data string) (*queue.Message, error) {
	if data == "" {
		return nil, errors.New("message body missing")
	}
	var msg queue.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// decodeLease builds the lease of a stored body. A body that does not decode
// yields a lease carrying DecodeErr and a stand-in message that keeps the raw
// body as payload, so it can be dead-lettered for inspection.
func decodeLease(name, id, data string) queue.Lease {
	lease := queue.Lease{MessageID: id, Queue: name}
	msg, err := decodeMessage(data)
	if err == nil {
		lease.Message = msg
		return lease
	}

	payload := json.RawMessage(data)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(data)
	}
	lease.Message = &queue.Message{ID: id, Queue: name, Payload: payload}
	lease.DecodeErr = fmt.Errorf("%w: message %s: %w", queue.ErrUndecodable, id, err)
	return lease
}

func conditionArg(cond queue.Condition) int64 {
	if cond.ExpiredBy.IsZero() {
		return 0
	}
	return cond.ExpiredBy.UnixMilli()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
