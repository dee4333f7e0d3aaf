package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/forgeworks/workq/core/queue"
)

// DefaultCollection is where dead-letter records land unless overridden.
const DefaultCollection = "dead_letters"

// deadLetterDoc is the stored shape of a record. The payload is kept as the
// original JSON text so it round-trips byte for byte.
type deadLetterDoc struct {
	MessageID       string            `bson:"message_id"`
	OriginalQueue   string            `bson:"original_queue"`
	DeadLetterQueue string            `bson:"dead_letter_queue"`
	Priority        string            `bson:"priority"`
	TraceID         string            `bson:"trace_id"`
	Payload         string            `bson:"payload,omitempty"`
	Attributes      map[string]string `bson:"attributes,omitempty"`
	CreatedAt       time.Time         `bson:"created_at"`
	FinalRetryCount int               `bson:"final_retry_count"`
	Reason          string            `bson:"reason,omitempty"`
	DeadLetteredAt  time.Time         `bson:"dead_lettered_at"`
}

func toDoc(rec *queue.DeadLetterRecord) deadLetterDoc {
	msg := rec.Message
	return deadLetterDoc{
		MessageID:       msg.ID,
		OriginalQueue:   rec.OriginalQueue,
		DeadLetterQueue: rec.DeadLetterQueue,
		Priority:        msg.Priority.String(),
		TraceID:         msg.Metadata.TraceID,
		Payload:         string(msg.Payload),
		Attributes:      msg.Metadata.Attributes,
		CreatedAt:       msg.Metadata.CreatedAt,
		FinalRetryCount: rec.FinalRetryCount,
		Reason:          rec.Reason,
		DeadLetteredAt:  rec.DeadLetteredAt,
	}
}

func (d deadLetterDoc) record() (*queue.DeadLetterRecord, error) {
	p, err := queue.ParsePriority(d.Priority)
	if err != nil {
		return nil, err
	}
	msg := &queue.Message{
		ID:       d.MessageID,
		Queue:    d.OriginalQueue,
		Priority: p,
		Metadata: queue.Metadata{
			CreatedAt:  d.CreatedAt,
			RetryCount: d.FinalRetryCount,
			TraceID:    d.TraceID,
			LastError:  d.Reason,
			Attributes: d.Attributes,
		},
	}
	if d.Payload != "" {
		msg.Payload = json.RawMessage(d.Payload)
	}
	return &queue.DeadLetterRecord{
		Message:         msg,
		DeadLetterQueue: d.DeadLetterQueue,
		OriginalQueue:   d.OriginalQueue,
		DeadLetteredAt:  d.DeadLetteredAt,
		FinalRetryCount: d.FinalRetryCount,
		Reason:          d.Reason,
	}, nil
}

// DeadLetterArchive mirrors dead-letter records into a MongoDB collection.
type DeadLetterArchive struct {
	coll *mongo.Collection
}

var _ queue.Archive = (*DeadLetterArchive)(nil)

// NewDeadLetterArchive returns an archive writing to db.Collection(name). It
// ensures the unique index that makes Archive idempotent.
func NewDeadLetterArchive(ctx context.Context, db *mongo.Database, name string) (*DeadLetterArchive, error) {
	if db == nil {
		return nil, errors.New("mongo: database cannot be nil")
	}
	if name == "" {
		name = DefaultCollection
	}
	coll := db.Collection(name)

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "dead_letter_queue", Value: 1},
			{Key: "message_id", Value: 1},
			{Key: "dead_lettered_at", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dead letter index: %w", err)
	}
	return &DeadLetterArchive{coll: coll}, nil
}

// Archive implements queue.Archive. A duplicate record is ignored.
func (a *DeadLetterArchive) Archive(ctx context.Context, rec *queue.DeadLetterRecord) error {
	if rec == nil || rec.Message == nil {
		return errors.New("mongo: dead letter record cannot be nil")
	}
	if _, err := a.coll.InsertOne(ctx, toDoc(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("archive dead letter %s: %w", rec.Message.ID, err)
	}
	return nil
}

// List returns archived records of a dead-letter queue, oldest first.
func (a *DeadLetterArchive) List(ctx context.Context, deadLetterQueue string, limit int) ([]*queue.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	cur, err := a.coll.Find(ctx,
		bson.M{"dead_letter_queue": deadLetterQueue},
		options.Find().SetSort(bson.D{{Key: "dead_lettered_at", Value: 1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	var docs []deadLetterDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode dead letters: %w", err)
	}

	records := make([]*queue.DeadLetterRecord, 0, len(docs))
	for _, d := range docs {
		rec, err := d.record()
		if err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", d.MessageID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
