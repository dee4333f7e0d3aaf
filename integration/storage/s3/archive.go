package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/forgeworks/workq/core/queue"
)

// S3Client defines the S3 operations used by the archive.
type S3Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3aws.GetObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3aws.ListObjectsV2Input, optFns ...func(*s3aws.Options)) (*s3aws.ListObjectsV2Output, error)
}

// Config contains the bucket and credentials of the archive.
type Config struct {
	Bucket         string `env:"DLQ_S3_BUCKET"`
	Region         string `env:"DLQ_S3_REGION" envDefault:"us-east-1"`
	AccessKeyID    string `env:"DLQ_S3_ACCESS_KEY_ID"`
	SecretKey      string `env:"DLQ_S3_SECRET_KEY"`
	Endpoint       string `env:"DLQ_S3_ENDPOINT"`         // MinIO, Wasabi and other S3-compatible services
	ForcePathStyle bool   `env:"DLQ_S3_FORCE_PATH_STYLE"` // required for MinIO
	Prefix         string `env:"DLQ_S3_PREFIX" envDefault:"dead-letters"`
}

// Option configures the archive.
type Option func(*options)

type options struct {
	httpClient      *http.Client
	s3Client        S3Client
	s3ConfigOptions []func(*config.LoadOptions) error
	uploadTimeout   time.Duration
}

// WithS3Client sets a pre-configured client. Primarily used for testing.
func WithS3Client(client S3Client) Option {
	return func(o *options) {
		o.s3Client = client
	}
}

// WithHTTPClient sets a custom HTTP client for S3 requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithS3ConfigOption adds a custom AWS config option.
func WithS3ConfigOption(option func(*config.LoadOptions) error) Option {
	return func(o *options) {
		o.s3ConfigOptions = append(o.s3ConfigOptions, option)
	}
}

// WithUploadTimeout bounds a single PutObject call.
func WithUploadTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.uploadTimeout = timeout
	}
}

// DeadLetterArchive writes each dead-letter record as a JSON object under
// <prefix>/<dead-letter queue>/<yyyy>/<mm>/<dd>/<message id>-<unix ms>.json.
type DeadLetterArchive struct {
	client        S3Client
	bucket        string
	prefix        string
	uploadTimeout time.Duration
}

var _ queue.Archive = (*DeadLetterArchive)(nil)

// New creates an archive for cfg.Bucket.
func New(ctx context.Context, cfg Config, opts ...Option) (*DeadLetterArchive, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidConfig
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	client := o.s3Client
	if client == nil {
		awsOptions := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		// Static credentials when provided, IAM roles and env vars otherwise.
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions,
				config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")),
			)
		}
		if o.httpClient != nil {
			awsOptions = append(awsOptions, config.WithHTTPClient(o.httpClient))
		}
		awsOptions = append(awsOptions, o.s3ConfigOptions...)

		awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		client = s3aws.NewFromConfig(awsConfig, func(so *s3aws.Options) {
			if cfg.Endpoint != "" {
				so.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			so.UsePathStyle = cfg.ForcePathStyle
		})
	}

	return &DeadLetterArchive{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        cfg.Prefix,
		uploadTimeout: o.uploadTimeout,
	}, nil
}

// Archive implements queue.Archive. The key is deterministic, so archiving the
// same record twice overwrites one object.
func (a *DeadLetterArchive) Archive(ctx context.Context, rec *queue.DeadLetterRecord) error {
	if rec == nil || rec.Message == nil {
		return errors.New("s3: dead letter record cannot be nil")
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter record %s: %w", rec.Message.ID, err)
	}

	if a.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.uploadTimeout)
		defer cancel()
	}

	_, err = a.client.PutObject(ctx, &s3aws.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(rec)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"message-id":     rec.Message.ID,
			"original-queue": rec.OriginalQueue,
			"trace-id":       rec.Message.Metadata.TraceID,
		},
	})
	return classifyS3Error(err, "archive")
}

// Key returns the object key of rec.
func (a *DeadLetterArchive) Key(rec *queue.DeadLetterRecord) string {
	at := rec.DeadLetteredAt.UTC()
	name := rec.Message.ID + "-" + strconv.FormatInt(at.UnixMilli(), 10) + ".json"
	return path.Join(a.prefix, rec.DeadLetterQueue, at.Format("2006/01/02"), name)
}

// List reads up to limit archived records of a dead-letter queue in key order,
// which is chronological per message within a day.
func (a *DeadLetterArchive) List(ctx context.Context, deadLetterQueue string, limit int) ([]*queue.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	resp, err := a.client.ListObjectsV2(ctx, &s3aws.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(path.Join(a.prefix, deadLetterQueue) + "/"),
		MaxKeys: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, classifyS3Error(err, "list")
	}

	records := make([]*queue.DeadLetterRecord, 0, len(resp.Contents))
	for _, obj := range resp.Contents {
		rec, err := a.read(ctx, aws.ToString(obj.Key))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (a *DeadLetterArchive) read(ctx context.Context, key string) (*queue.DeadLetterRecord, error) {
	out, err := a.client.GetObject(ctx, &s3aws.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err, "get")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var rec queue.DeadLetterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &rec, nil
}
