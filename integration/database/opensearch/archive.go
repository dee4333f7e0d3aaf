package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/forgeworks/workq/core/queue"
)

// DeadLetterArchive indexes dead-letter records so operators can search them
// by queue, reason or trace id.
type DeadLetterArchive struct {
	client *opensearch.Client
	index  string
}

var _ queue.Archive = (*DeadLetterArchive)(nil)

// NewDeadLetterArchive returns an archive writing into index.
func NewDeadLetterArchive(client *opensearch.Client, index string) (*DeadLetterArchive, error) {
	if client == nil {
		return nil, errors.New("opensearch: client cannot be nil")
	}
	if index == "" {
		return nil, errors.New("opensearch: index is required")
	}
	return &DeadLetterArchive{client: client, index: index}, nil
}

// document flattens the fields operators filter on next to the full record.
type document struct {
	MessageID       string                  `json:"message_id"`
	OriginalQueue   string                  `json:"original_queue"`
	DeadLetterQueue string                  `json:"dead_letter_queue"`
	Priority        string                  `json:"priority"`
	TraceID         string                  `json:"trace_id"`
	Reason          string                  `json:"reason"`
	FinalRetryCount int                     `json:"final_retry_count"`
	DeadLetteredAt  string                  `json:"dead_lettered_at"`
	Record          *queue.DeadLetterRecord `json:"record"`
}

// DocumentID identifies rec. Re-indexing the same record overwrites it.
func DocumentID(rec *queue.DeadLetterRecord) string {
	return rec.DeadLetterQueue + ":" + rec.Message.ID + ":" + strconv.FormatInt(rec.DeadLetteredAt.UnixMilli(), 10)
}

// Archive implements queue.Archive.
func (a *DeadLetterArchive) Archive(ctx context.Context, rec *queue.DeadLetterRecord) error {
	if rec == nil || rec.Message == nil {
		return errors.New("opensearch: dead letter record cannot be nil")
	}

	body, err := json.Marshal(document{
		MessageID:       rec.Message.ID,
		OriginalQueue:   rec.OriginalQueue,
		DeadLetterQueue: rec.DeadLetterQueue,
		Priority:        rec.Message.Priority.String(),
		TraceID:         rec.Message.Metadata.TraceID,
		Reason:          rec.Reason,
		FinalRetryCount: rec.FinalRetryCount,
		DeadLetteredAt:  rec.DeadLetteredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Record:          rec,
	})
	if err != nil {
		return fmt.Errorf("failed to encode dead letter record %s: %w", rec.Message.ID, err)
	}

	resp, err := opensearchapi.IndexRequest{
		Index:      a.index,
		DocumentID: DocumentID(rec),
		Body:       bytes.NewReader(body),
	}.Do(ctx, a.client)
	if err != nil {
		return fmt.Errorf("index dead letter %s: %w", rec.Message.ID, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("index dead letter %s: status %d: %s", rec.Message.ID, resp.StatusCode, msg)
	}
	return nil
}
