package pg_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/workq/core/queue"
	"github.com/forgeworks/workq/integration/database/pg"
)

type execCall struct {
	sql  string
	args []any
}

type fakeQuerier struct {
	calls []execCall
	err   error
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type fakeTx struct {
	pgx.Tx
	q *fakeQuerier
}

func (t fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.q.Exec(ctx, sql, args...)
}

func deadLetter() *queue.DeadLetterRecord {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &queue.DeadLetterRecord{
		Message: &queue.Message{
			ID:       "msg-1",
			Queue:    "emails",
			Priority: queue.PriorityHigh,
			Payload:  []byte(`{"to":"a@b.c"}`),
			Metadata: queue.Metadata{
				CreatedAt:  at.Add(-time.Hour),
				TraceID:    "trace-1",
				Attributes: map[string]string{"tenant": "acme"},
			},
		},
		DeadLetterQueue: "emails.dlq",
		OriginalQueue:   "emails",
		DeadLetteredAt:  at,
		FinalRetryCount: 3,
		Reason:          "smtp rejected",
	}
}

func TestDeadLetterArchive_Archive(t *testing.T) {
	t.Parallel()

	t.Run("inserts record", func(t *testing.T) {
		t.Parallel()

		db := &fakeQuerier{}
		archive, err := pg.NewDeadLetterArchive(db)
		require.NoError(t, err)

		rec := deadLetter()
		require.NoError(t, archive.Archive(context.Background(), rec))
		require.Len(t, db.calls, 1)

		call := db.calls[0]
		assert.Contains(t, call.sql, "INSERT INTO dead_letters")
		require.Len(t, call.args, 11)
		assert.Equal(t, "msg-1", call.args[0])
		assert.Equal(t, "emails", call.args[1])
		assert.Equal(t, "emails.dlq", call.args[2])
		assert.Equal(t, "high", call.args[3])
		assert.Equal(t, `{"to":"a@b.c"}`, call.args[5])
		assert.Equal(t, map[string]string{"tenant": "acme"}, call.args[6])
		assert.Equal(t, 3, call.args[8])
		assert.Equal(t, rec.DeadLetteredAt, call.args[10])
	})

	t.Run("empty payload stored as null", func(t *testing.T) {
		t.Parallel()

		db := &fakeQuerier{}
		archive, err := pg.NewDeadLetterArchive(db)
		require.NoError(t, err)

		rec := deadLetter()
		rec.Message.Payload = nil
		rec.Message.Metadata.Attributes = nil
		require.NoError(t, archive.Archive(context.Background(), rec))
		assert.Nil(t, db.calls[0].args[5])
		assert.Nil(t, db.calls[0].args[6])
	})

	t.Run("transaction in context wins", func(t *testing.T) {
		t.Parallel()

		db := &fakeQuerier{}
		txq := &fakeQuerier{}
		archive, err := pg.NewDeadLetterArchive(db)
		require.NoError(t, err)

		ctx := pg.WithTx(context.Background(), fakeTx{q: txq})
		require.NoError(t, archive.Archive(ctx, deadLetter()))
		assert.Empty(t, db.calls)
		assert.Len(t, txq.calls, 1)
	})

	t.Run("exec error is wrapped", func(t *testing.T) {
		t.Parallel()

		cause := &pgconn.PgError{Code: "23503"}
		archive, err := pg.NewDeadLetterArchive(&fakeQuerier{err: cause})
		require.NoError(t, err)

		err = archive.Archive(context.Background(), deadLetter())
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "msg-1")
	})

	t.Run("invalid input", func(t *testing.T) {
		t.Parallel()

		_, err := pg.NewDeadLetterArchive(nil)
		assert.Error(t, err)

		archive, err := pg.NewDeadLetterArchive(&fakeQuerier{})
		require.NoError(t, err)
		assert.Error(t, archive.Archive(context.Background(), nil))
		assert.Error(t, archive.Archive(context.Background(), &queue.DeadLetterRecord{}))
	})
}

func TestConnect_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := pg.Connect(context.Background(), pg.Config{})
	assert.ErrorIs(t, err, pg.ErrEmptyConnectionString)

	_, err = pg.Connect(context.Background(), pg.Config{ConnectionString: "postgres://user@localhost:notaport/db"})
	assert.ErrorIs(t, err, pg.ErrFailedToParseDBConfig)
}

func TestWithTx(t *testing.T) {
	t.Parallel()

	_, ok := pg.TxFromContext(context.Background())
	assert.False(t, ok)

	ctx := context.Background()
	assert.Equal(t, ctx, pg.WithTx(ctx, nil))

	tx := fakeTx{q: &fakeQuerier{}}
	got, ok := pg.TxFromContext(pg.WithTx(ctx, tx))
	require.True(t, ok)
	assert.Equal(t, tx, got)
}
