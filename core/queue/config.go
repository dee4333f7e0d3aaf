package queue

import (
	"fmt"
	"time"
)

// DeadLetterSuffix is appended to a queue name to derive its default dead-letter queue.
const DeadLetterSuffix = ".dlq"

// QueueConfig is the static, per-queue configuration.
type QueueConfig struct {
	Name              string
	MaxConcurrency    int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	MaxRetries        int
	DeadLetterQueue   string
	VisibilityTimeout time.Duration
	ReapInterval      time.Duration
	ReapBatchSize     int
}

// Validate checks required fields. Call WithDefaults first to fill in zero values.
func (c QueueConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: empty queue name", ErrInvalidConfig)
	case c.DeadLetterQueue == c.Name:
		return fmt.Errorf("%w: queue %q cannot dead-letter into itself", ErrInvalidConfig, c.Name)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: queue %q has negative max retries", ErrInvalidConfig, c.Name)
	case c.VisibilityTimeout <= 0:
		return fmt.Errorf("%w: queue %q needs a positive visibility timeout", ErrInvalidConfig, c.Name)
	case c.MaxRetryDelay < c.RetryDelay:
		return fmt.Errorf("%w: queue %q max retry delay below base delay", ErrInvalidConfig, c.Name)
	}
	return nil
}

// WithDefaults fills zero fields from the global config.
func (c QueueConfig) WithDefaults(d Config) QueueConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.DeadLetterQueue == "" {
		c.DeadLetterQueue = c.Name + DeadLetterSuffix
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.ReapBatchSize <= 0 {
		c.ReapBatchSize = d.ReapBatchSize
	}
	return c
}

// Config holds defaults for every queue plus consumer and service settings.
// Designed for environment-based configuration with caarlos0/env.
type Config struct {
	// Per-queue defaults
	MaxConcurrency    int           `env:"QUEUE_MAX_CONCURRENCY" envDefault:"10"`
	RetryDelay        time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"1s"`
	MaxRetryDelay     time.Duration `env:"QUEUE_MAX_RETRY_DELAY" envDefault:"5m"`
	MaxRetries        int           `env:"QUEUE_MAX_RETRIES" envDefault:"3"`
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"5m"`
	ReapInterval      time.Duration `env:"QUEUE_REAP_INTERVAL" envDefault:"30s"`
	ReapBatchSize     int           `env:"QUEUE_REAP_BATCH_SIZE" envDefault:"100"`

	// Consumer
	PollInterval    time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"100ms"`
	DequeueTimeout  time.Duration `env:"QUEUE_DEQUEUE_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Resilience
	BreakerFailureThreshold int           `env:"QUEUE_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerMonitoringPeriod time.Duration `env:"QUEUE_BREAKER_MONITORING_PERIOD" envDefault:"1m"`
	BreakerResetTimeout     time.Duration `env:"QUEUE_BREAKER_RESET_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:          10,
		RetryDelay:              time.Second,
		MaxRetryDelay:           5 * time.Minute,
		MaxRetries:              3,
		VisibilityTimeout:       5 * time.Minute,
		ReapInterval:            30 * time.Second,
		ReapBatchSize:           100,
		PollInterval:            100 * time.Millisecond,
		DequeueTimeout:          5 * time.Second,
		ShutdownTimeout:         30 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerMonitoringPeriod: time.Minute,
		BreakerResetTimeout:     30 * time.Second,
	}
}

// QueueConfig returns the config for a queue that only overrides the name.
func (c Config) QueueConfig(name string) QueueConfig {
	return QueueConfig{
		Name:       name,
		MaxRetries: c.MaxRetries,
	}.WithDefaults(c)
}

// DefaultTopology returns one queue per priority class, each with its own dead-letter queue.
func DefaultTopology(c Config) []QueueConfig {
	queues := make([]QueueConfig, 0, len(Priorities()))
	for _, p := range Priorities() {
		queues = append(queues, c.QueueConfig(p.QueueName()))
	}
	return queues
}
