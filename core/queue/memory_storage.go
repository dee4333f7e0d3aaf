package queue

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage in process memory for tests and local development.
// One mutex serialises every operation, which makes each of them atomic.
type MemoryStorage struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	dead   map[string][]*DeadLetterRecord
	closed bool
}

type memQueue struct {
	pending    scoredSet
	delayed    scoredSet
	processing scoredSet
	ranks      map[string]float64
	tokens     map[string]string
	messages   map[string]*Message
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		queues: make(map[string]*memQueue),
		dead:   make(map[string][]*DeadLetterRecord),
	}
}

// Close makes every subsequent call fail with ErrStoreUnavailable.
func (ms *MemoryStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

// Insert implements Storage.
func (ms *MemoryStorage) Insert(ctx context.Context, queue string, msg *Message, rank float64, notBefore, now time.Time) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(ctx); err != nil {
		return err
	}

	q := ms.queueLocked(queue)
	if _, exists := q.messages[msg.ID]; exists {
		return nil
	}

	q.messages[msg.ID] = storedCopy(msg)
	q.enqueue(msg.ID, rank, notBefore, now)
	return nil
}

// Lease implements Storage.
func (ms *MemoryStorage) Lease(ctx context.Context, queue string, now, expiresAt time.Time) (*Lease, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(ctx); err != nil {
		return nil, err
	}

	q, ok := ms.queues[queue]
	if !ok {
		return nil, ErrQueueEmpty
	}

	q.promote(now)

	id, ok := q.pending.popMin()
	if !ok {
		return nil, ErrQueueEmpty
	}
	q.processing.add(id, millis(expiresAt))
	token := uuid.NewString()
	q.tokens[id] = token

	return &Lease{
		MessageID: id,
		Queue:     queue,
		ExpiresAt: expiresAt,
		Message:   q.messages[id].Clone(),
		Token:     token,
	}, nil
}

// Release implements Storage.
func (ms *MemoryStorage) Release(ctx context.Context, queue, id string, cond Condition) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(ctx); err != nil {
		return false, err
	}

	q, ok := ms.queues[queue]
	if !ok || !q.holds(id, cond) {
		return false, nil
	}
	q.unlease(id)
	delete(q.messages, id)
	return true, nil
}

// Extend implements Storage.
func (ms *MemoryStorage) Extend(ctx context.Context, queue, id string, expiresAt time.Time, cond Condition) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(ctx); err != nil {
		return false, err
	}

	q, ok := ms.queues[queue]
	if !ok || !q.holds(id, cond) {
		return false, nil
	}
	q.processing.add(id, millis(expiresAt))
	return true, nil
}

// Expired implements Storage.
func (ms *MemoryStorage) Expired(ctx context.Context, queue string, now time.Time, limit int) ([]Lease, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(ctx); err != nil {
		return nil, err
	}

	q, ok := ms.queues[queue]
	if !ok {
		return nil, nil
	}

	entries := q.processing.rangeByScore(millis(now), limit)
	leases := make([]Lease, 0, len(entries))
	for _, e := range entries {
		leases = append(leases, Lease{
			MessageID: e.id,
			Queue:     queue,
			ExpiresAt: time.UnixMilli(int64(e.score)),
			Message:   q.messages[e.id].Clone(),
			Token:     q.tokens[e.id],
		})
	}
	return leases, nil
}

// Requeue implements Storage.
func (ms *MemoryStorage) Requeue(ctx context.Context, queue string, msg *Message, rank float64, notBefore, now time.Time, cond Condition) (bool, error) {
	if msg == nil {
		return false, errors.New("message cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(ctx); err != nil {
		return false, err
	}

	q, ok := ms.queues[queue]
	if !ok || !q.holds(msg.ID, cond) {
		return false, nil
	}

	q.unlease(msg.ID)
	q.messages[msg.ID] = storedCopy(msg)
	q.enqueue(msg.ID, rank, notBefore, now)
	return true, nil
}

// DeadLetter implements Storage.
func (ms *MemoryStorage) DeadLetter(ctx context.Context, rec *DeadLetterRecord, cond Condition) (bool, error) {
	if rec == nil || rec.Message == nil {
		return false, errors.New("dead letter record cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(ctx); err != nil {
		return false, err
	}

	q, ok := ms.queues[rec.OriginalQueue]
	if !ok || !q.holds(rec.Message.ID, cond) {
		return false, nil
	}

	q.unlease(rec.Message.ID)
	delete(q.messages, rec.Message.ID)

	stored := *rec
	stored.Message = storedCopy(rec.Message)
	ms.dead[rec.DeadLetterQueue] = append(ms.dead[rec.DeadLetterQueue], &stored)
	return true, nil
}

// DeadLetters implements Storage.
func (ms *MemoryStorage) DeadLetters(ctx context.Context, deadLetterQueue string, limit int) ([]*DeadLetterRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(ctx); err != nil {
		return nil, err
	}

	records := ms.dead[deadLetterQueue]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	out := make([]*DeadLetterRecord, 0, len(records))
	for _, r := range records {
		c := *r
		c.Message = r.Message.Clone()
		out = append(out, &c)
	}
	return out, nil
}

// Stats implements Storage.
func (ms *MemoryStorage) Stats(ctx context.Context, queue, deadLetterQueue string) (QueueStats, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stats := QueueStats{Queue: queue, DeadLetterQueue: deadLetterQueue}
	if err := ms.checkLocked(ctx); err != nil {
		return stats, err
	}

	if q, ok := ms.queues[queue]; ok {
		stats.Pending = int64(q.pending.len())
		stats.Delayed = int64(q.delayed.len())
		stats.Processing = int64(q.processing.len())
	}
	stats.DeadLettered = int64(len(ms.dead[deadLetterQueue]))
	return stats, nil
}

// Ping implements Storage.
func (ms *MemoryStorage) Ping(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.checkLocked(ctx)
}

func (ms *MemoryStorage) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ms.closed {
		return ErrStoreUnavailable
	}
	return nil
}

func (ms *MemoryStorage) queueLocked(name string) *memQueue {
	q, ok := ms.queues[name]
	if !ok {
		q = &memQueue{
			ranks:    make(map[string]float64),
			tokens:   make(map[string]string),
			messages: make(map[string]*Message),
		}
		ms.queues[name] = q
	}
	return q
}

func (q *memQueue) enqueue(id string, rank float64, notBefore, now time.Time) {
	if notBefore.After(now) {
		q.ranks[id] = rank
		q.delayed.add(id, millis(notBefore))
		return
	}
	q.pending.add(id, rank)
}

// promote moves every delayed message that is due into the pending set.
func (q *memQueue) promote(now time.Time) {
	for _, e := range q.delayed.rangeByScore(millis(now), 0) {
		q.delayed.remove(e.id)
		q.pending.add(e.id, q.ranks[e.id])
		delete(q.ranks, e.id)
	}
}

func (q *memQueue) holds(id string, cond Condition) bool {
	expiry, ok := q.processing.score(id)
	if !ok {
		return false
	}
	if cond.Token != "" && q.tokens[id] != cond.Token {
		return false
	}
	return cond.ExpiredBy.IsZero() || expiry <= millis(cond.ExpiredBy)
}

func (q *memQueue) unlease(id string) {
	q.processing.remove(id)
	delete(q.tokens, id)
}

// storedCopy drops the delivery receipt, which belongs to one handed-out copy.
func storedCopy(msg *Message) *Message {
	c := msg.Clone()
	c.Receipt = ""
	return c
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

type scoredEntry struct {
	id    string
	score float64
}

// scoredSet is a sorted set ordered by (score, id).
type scoredSet struct {
	entries []scoredEntry
	scores  map[string]float64
}

func compareEntries(a, b scoredEntry) int {
	if c := cmp.Compare(a.score, b.score); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

func (s *scoredSet) len() int {
	return len(s.entries)
}

func (s *scoredSet) score(id string) (float64, bool) {
	sc, ok := s.scores[id]
	return sc, ok
}

func (s *scoredSet) add(id string, score float64) {
	if s.scores == nil {
		s.scores = make(map[string]float64)
	}
	if _, ok := s.scores[id]; ok {
		s.remove(id)
	}
	e := scoredEntry{id: id, score: score}
	i, _ := slices.BinarySearchFunc(s.entries, e, compareEntries)
	s.entries = slices.Insert(s.entries, i, e)
	s.scores[id] = score
}

func (s *scoredSet) remove(id string) bool {
	sc, ok := s.scores[id]
	if !ok {
		return false
	}
	i, found := slices.BinarySearchFunc(s.entries, scoredEntry{id: id, score: sc}, compareEntries)
	if found {
		s.entries = slices.Delete(s.entries, i, i+1)
	}
	delete(s.scores, id)
	return true
}

func (s *scoredSet) popMin() (string, bool) {
	if len(s.entries) == 0 {
		return "", false
	}
	e := s.entries[0]
	s.entries = slices.Delete(s.entries, 0, 1)
	delete(s.scores, e.id)
	return e.id, true
}

// rangeByScore returns entries with score <= maxScore in order. limit <= 0 means no limit.
func (s *scoredSet) rangeByScore(maxScore float64, limit int) []scoredEntry {
	var out []scoredEntry
	for _, e := range s.entries {
		if e.score > maxScore || (limit > 0 && len(out) >= limit) {
			break
		}
		out = append(out, e)
	}
	return out
}
