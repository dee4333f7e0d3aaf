// Package s3 archives dead-lettered queue messages into Amazon S3 or an
// S3-compatible service such as MinIO.
//
// Every record becomes one JSON object keyed by dead-letter queue and day:
//
//	archive, err := s3.New(ctx, s3.Config{
//		Bucket:         "workq-archive",
//		Region:         "us-east-1",
//		Endpoint:       "http://localhost:9000",
//		ForcePathStyle: true,
//	})
//	if err != nil {
//		return err
//	}
//	svc, err := queue.NewService(cfg, store, queue.WithDeadLetterArchive(archive))
//
// Static credentials are used when AccessKeyID and SecretKey are set. Otherwise
// the default AWS credential chain applies.
//
// SDK errors are mapped to ErrBucketNotFound, ErrObjectNotFound,
// ErrAccessDenied, ErrServiceUnavailable, ErrOperationTimeout and
// ErrOperationCanceled.
package s3
