// Package opensearch creates OpenSearch clients and indexes dead-lettered
// queue messages for search.
//
//	client, err := opensearch.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	archive, err := opensearch.NewDeadLetterArchive(client, cfg.Index)
//
// New pings the cluster before returning. Documents are keyed by dead-letter
// queue, message id and quarantine time, so indexing a record twice keeps one
// document.
//
// # Configuration
//
//	OPENSEARCH_ADDRESSES      comma-separated cluster URLs
//	OPENSEARCH_USERNAME
//	OPENSEARCH_PASSWORD
//	OPENSEARCH_MAX_RETRIES    (default: 3)
//	OPENSEARCH_DISABLE_RETRY  (default: false)
//	OPENSEARCH_DLQ_INDEX      (default: workq-dead-letters)
package opensearch
