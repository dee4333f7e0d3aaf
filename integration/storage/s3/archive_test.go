package s3_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/workq/core/queue"
	"github.com/forgeworks/workq/integration/storage/s3"
)

type MockS3Client struct {
	mock.Mock
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3aws.PutObjectInput, _ ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3aws.PutObjectOutput)
	return out, args.Error(1)
}

func (m *MockS3Client) GetObject(ctx context.Context, params *s3aws.GetObjectInput, _ ...func(*s3aws.Options)) (*s3aws.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3aws.GetObjectOutput)
	return out, args.Error(1)
}

func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3aws.ListObjectsV2Input, _ ...func(*s3aws.Options)) (*s3aws.ListObjectsV2Output, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3aws.ListObjectsV2Output)
	return out, args.Error(1)
}

func record() *queue.DeadLetterRecord {
	return &queue.DeadLetterRecord{
		Message: &queue.Message{
			ID:       "msg-1",
			Queue:    "reports",
			Priority: queue.PriorityLow,
			Payload:  []byte(`{"report":42}`),
			Metadata: queue.Metadata{TraceID: "trace-1", RetryCount: 5},
		},
		DeadLetterQueue: "reports.dlq",
		OriginalQueue:   "reports",
		DeadLetteredAt:  time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC),
		FinalRetryCount: 5,
		Reason:          "retries exhausted",
	}
}

func newArchive(t *testing.T, client s3.S3Client) *s3.DeadLetterArchive {
	t.Helper()

	a, err := s3.New(context.Background(), s3.Config{Bucket: "archive", Region: "eu-west-1", Prefix: "dlq"},
		s3.WithS3Client(client), s3.WithUploadTimeout(time.Second))
	require.NoError(t, err)
	return a
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := s3.New(context.Background(), s3.Config{Region: "eu-west-1"})
	assert.ErrorIs(t, err, s3.ErrInvalidConfig)
}

func TestDeadLetterArchive_Archive(t *testing.T) {
	t.Parallel()

	client := &MockS3Client{}
	a := newArchive(t, client)
	rec := record()

	const key = "dlq/reports.dlq/2025/03/01/msg-1-1740825000000.json"
	assert.Equal(t, key, a.Key(rec))

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3aws.PutObjectInput) bool {
		if aws.ToString(in.Bucket) != "archive" || aws.ToString(in.Key) != key {
			return false
		}
		body, _ := io.ReadAll(in.Body)
		var got queue.DeadLetterRecord
		return json.Unmarshal(body, &got) == nil &&
			got.Message.ID == "msg-1" &&
			got.FinalRetryCount == 5 &&
			in.Metadata["trace-id"] == "trace-1"
	})).Return(&s3aws.PutObjectOutput{}, nil).Once()

	require.NoError(t, a.Archive(context.Background(), rec))
	client.AssertExpectations(t)

	assert.Error(t, a.Archive(context.Background(), nil))
}

func TestDeadLetterArchive_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing bucket", &types.NoSuchBucket{}, s3.ErrBucketNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, s3.ErrAccessDenied},
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown"}, s3.ErrServiceUnavailable},
		{"deadline", context.DeadlineExceeded, s3.ErrOperationTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &MockS3Client{}
			client.On("PutObject", mock.Anything, mock.Anything).Return(nil, tt.err)
			err := newArchive(t, client).Archive(context.Background(), record())
			assert.ErrorIs(t, err, tt.want)
		})
	}

	client := &MockS3Client{}
	client.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: refused"))
	err := newArchive(t, client).Archive(context.Background(), record())
	assert.ErrorContains(t, err, "archive operation failed")
}

func TestDeadLetterArchive_List(t *testing.T) {
	t.Parallel()

	client := &MockS3Client{}
	a := newArchive(t, client)
	rec := record()
	body, err := json.Marshal(rec)
	require.NoError(t, err)

	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3aws.ListObjectsV2Input) bool {
		return aws.ToString(in.Prefix) == "dlq/reports.dlq/" && aws.ToInt32(in.MaxKeys) == 10
	})).Return(&s3aws.ListObjectsV2Output{
		Contents: []types.Object{{Key: aws.String(a.Key(rec))}},
	}, nil).Once()
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3aws.GetObjectInput) bool {
		return aws.ToString(in.Key) == a.Key(rec)
	})).Return(&s3aws.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil).Once()

	records, err := a.List(context.Background(), "reports.dlq", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "msg-1", records[0].Message.ID)
	assert.Equal(t, "reports", records[0].OriginalQueue)
	client.AssertExpectations(t)

	client.On("ListObjectsV2", mock.Anything, mock.Anything).Return(nil, &types.NoSuchBucket{}).Once()
	_, err = a.List(context.Background(), "reports.dlq", 0)
	assert.ErrorIs(t, err, s3.ErrBucketNotFound)
}
