// Package queuemetrics exports queue depth, circuit breaker state and
// worker/reaper counters of a queue.Service as Prometheus metrics.
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(queuemetrics.New(svc))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// Values are read at scrape time, so nothing is recorded between scrapes.
package queuemetrics

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgeworks/workq/core/logger"
	"github.com/forgeworks/workq/core/queue"
	"github.com/forgeworks/workq/pkg/breaker"
)

const namespace = "workq"

// Source is the part of *queue.Service the collector reads.
type Source interface {
	AllStats(ctx context.Context) ([]queue.QueueStats, error)
	Breaker() *breaker.Breaker
	Worker() *queue.Worker
	Reapers() []*queue.Reaper
}

// Collector implements prometheus.Collector.
type Collector struct {
	src     Source
	timeout time.Duration
	logger  *slog.Logger

	pending      *prometheus.Desc
	delayed      *prometheus.Desc
	processing   *prometheus.Desc
	deadLettered *prometheus.Desc
	breakerState *prometheus.Desc
	scrapeError  *prometheus.Desc

	tasksProcessed *prometheus.Desc
	tasksFailed    *prometheus.Desc
	tasksActive    *prometheus.Desc

	reaperRequeued     *prometheus.Desc
	reaperDeadLettered *prometheus.Desc
	reaperScanErrors   *prometheus.Desc
}

// Option configures a Collector.
type Option func(*Collector)

// WithTimeout bounds the store reads of one scrape. Defaults to 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger logs failed scrapes.
func WithLogger(log *slog.Logger) Option {
	return func(c *Collector) {
		if log != nil {
			c.logger = log
		}
	}
}

// New creates a collector over src.
func New(src Source, opts ...Option) *Collector {
	queueLabels := []string{"queue"}
	c := &Collector{
		src:     src,
		timeout: 5 * time.Second,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),

		pending:      desc("queue", "pending", "Messages waiting to be leased.", queueLabels),
		delayed:      desc("queue", "delayed", "Messages waiting for their backoff or delay to elapse.", queueLabels),
		processing:   desc("queue", "processing", "Messages currently leased by a consumer.", queueLabels),
		deadLettered: desc("queue", "dead_lettered", "Records in the dead-letter queue.", []string{"queue", "dead_letter_queue"}),
		breakerState: desc("breaker", "state", "Store circuit breaker state: 0 closed, 1 open, 2 half-open.", []string{"breaker"}),
		scrapeError:  desc("", "scrape_error", "1 if reading queue stats failed during the last scrape.", nil),

		tasksProcessed: desc("worker", "tasks_processed_total", "Messages acked after a successful handler run.", nil),
		tasksFailed:    desc("worker", "tasks_failed_total", "Messages nacked by the worker.", nil),
		tasksActive:    desc("worker", "tasks_active", "Messages being handled right now.", nil),

		reaperRequeued:     desc("reaper", "requeued_total", "Expired leases put back with backoff.", queueLabels),
		reaperDeadLettered: desc("reaper", "dead_lettered_total", "Expired leases that exhausted their retries.", queueLabels),
		reaperScanErrors:   desc("reaper", "scan_errors_total", "Reaper passes aborted by a store error.", queueLabels),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func desc(subsystem, name, help string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.pending, c.delayed, c.processing, c.deadLettered, c.breakerState, c.scrapeError,
		c.tasksProcessed, c.tasksFailed, c.tasksActive,
		c.reaperRequeued, c.reaperDeadLettered, c.reaperScanErrors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	scrapeErr := 0.0
	stats, err := c.src.AllStats(ctx)
	if err != nil {
		scrapeErr = 1
		c.logger.WarnContext(ctx, "failed to read queue stats",
			logger.Component("metrics"),
			logger.Error(err))
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, scrapeErr)

	for _, s := range stats {
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending), s.Queue)
		ch <- prometheus.MustNewConstMetric(c.delayed, prometheus.GaugeValue, float64(s.Delayed), s.Queue)
		ch <- prometheus.MustNewConstMetric(c.processing, prometheus.GaugeValue, float64(s.Processing), s.Queue)
		ch <- prometheus.MustNewConstMetric(c.deadLettered, prometheus.GaugeValue, float64(s.DeadLettered), s.Queue, s.DeadLetterQueue)
	}

	if b := c.src.Breaker(); b != nil {
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, float64(b.State()), b.Name())
	}

	if w := c.src.Worker(); w != nil {
		ws := w.Stats()
		ch <- prometheus.MustNewConstMetric(c.tasksProcessed, prometheus.CounterValue, float64(ws.TasksProcessed))
		ch <- prometheus.MustNewConstMetric(c.tasksFailed, prometheus.CounterValue, float64(ws.TasksFailed))
		ch <- prometheus.MustNewConstMetric(c.tasksActive, prometheus.GaugeValue, float64(ws.ActiveTasks))
	}

	for _, r := range c.src.Reapers() {
		rs := r.Stats()
		ch <- prometheus.MustNewConstMetric(c.reaperRequeued, prometheus.CounterValue, float64(rs.Requeued), rs.Queue)
		ch <- prometheus.MustNewConstMetric(c.reaperDeadLettered, prometheus.CounterValue, float64(rs.DeadLettered), rs.Queue)
		ch <- prometheus.MustNewConstMetric(c.reaperScanErrors, prometheus.CounterValue, float64(rs.ScanErrors), rs.Queue)
	}
}
