// Package logger provides structured logging utilities built on Go's standard slog package.
// It offers environment-specific configurations, context-aware attribute extraction and
// a set of pre-built attributes for the queue's log records.
//
// # Basic Usage
//
//	import "github.com/forgeworks/workq/core/logger"
//
//	// Development: text format, debug level, stdout
//	log := logger.New(logger.WithDevelopment("workq"))
//
//	// Production: JSON format, info level, stdout
//	log := logger.New(logger.WithProduction("workq"))
//
//	// Custom configuration
//	log := logger.New(
//		logger.WithLevel(slog.LevelWarn),
//		logger.WithJSONFormatter(),
//		logger.WithAttr(slog.String("region", "eu-west-1")),
//		logger.WithOutput(os.Stderr),
//	)
//
// # Context-Aware Logging
//
// Extract and inject attributes automatically from context values:
//
//	log := logger.New(
//		logger.WithProduction("workq"),
//		logger.WithContextValue("tenant", tenantKey{}),
//	)
//	log.InfoContext(ctx, "message leased")
//
// # Attribute Helpers
//
// Attribute helpers return an empty slog.Attr for nil or empty inputs, so they are
// safe to pass without checks:
//
//	log.Error("message handler failed",
//		logger.Queue("critical"),
//		logger.MessageID(msg.ID),
//		logger.TraceID(msg.Metadata.TraceID),
//		logger.RetryCount(msg.Metadata.RetryCount),
//		logger.Error(err),
//	)
package logger
