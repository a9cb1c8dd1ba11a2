// Package metrics collects and exposes Prometheus metrics for the
// batch-job engine: chunk throughput, claim contention, iteration
// errors, timeouts, and worker lifecycle events.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus metrics. A nil *Collector is
// valid and records nothing, so instrumented code paths need no guards.
type Collector struct {
	chunksClaimed   prometheus.Counter
	chunksCompleted prometheus.Counter
	chunksSkipped   prometheus.Counter
	claimConflicts  prometheus.Counter
	iterationErrors prometheus.Counter
	chunkTimeouts   prometheus.Counter
	workersLaunched prometheus.Counter
	workersReplaced prometheus.Counter

	chunkDuration prometheus.Histogram

	chunksRemaining prometheus.Gauge
	workersActive   prometheus.Gauge
}

// NewCollector creates a collector and registers its metrics with reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		chunksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchjob_chunks_claimed_total",
			Help: "Total number of chunk claims established",
		}),
		chunksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchjob_chunks_completed_total",
			Help: "Total number of chunks computed and recorded",
		}),
		chunksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchjob_chunks_skipped_total",
			Help: "Total number of chunks abandoned to the skip-on-timeout policy",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchjob_claim_conflicts_total",
			Help: "Total number of claim attempts lost to another worker",
		}),
		iterationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchjob_iteration_errors_total",
			Help: "Total number of iterations recorded as error placeholders",
		}),
		chunkTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchjob_chunk_timeouts_total",
			Help: "Total number of per-chunk deadlines that fired",
		}),
		workersLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchjob_workers_launched_total",
			Help: "Total number of worker processes launched",
		}),
		workersReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batchjob_workers_replaced_total",
			Help: "Total number of stalled workers killed and replaced",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchjob_chunk_duration_seconds",
			Help:    "Wall-clock time spent computing one chunk",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		chunksRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchjob_chunks_remaining",
			Help: "Chunks without a recorded result",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchjob_workers_active",
			Help: "Worker processes believed alive",
		}),
	}

	reg.MustRegister(
		c.chunksClaimed,
		c.chunksCompleted,
		c.chunksSkipped,
		c.claimConflicts,
		c.iterationErrors,
		c.chunkTimeouts,
		c.workersLaunched,
		c.workersReplaced,
		c.chunkDuration,
		c.chunksRemaining,
		c.workersActive,
	)

	return c
}

// RecordClaim counts an established chunk claim.
func (c *Collector) RecordClaim() {
	if c == nil {
		return
	}
	c.chunksClaimed.Inc()
}

// RecordCompleted counts a recorded chunk and observes its duration.
func (c *Collector) RecordCompleted(seconds float64) {
	if c == nil {
		return
	}
	c.chunksCompleted.Inc()
	c.chunkDuration.Observe(seconds)
}

// RecordSkipped counts a chunk written off by the skip policy.
func (c *Collector) RecordSkipped() {
	if c == nil {
		return
	}
	c.chunksSkipped.Inc()
}

// RecordClaimConflict counts a claim attempt lost to another worker.
func (c *Collector) RecordClaimConflict() {
	if c == nil {
		return
	}
	c.claimConflicts.Inc()
}

// RecordIterationError counts an iteration recorded as a placeholder.
func (c *Collector) RecordIterationError() {
	if c == nil {
		return
	}
	c.iterationErrors.Inc()
}

// RecordTimeout counts a fired per-chunk deadline.
func (c *Collector) RecordTimeout() {
	if c == nil {
		return
	}
	c.chunkTimeouts.Inc()
}

// RecordLaunch counts a launched worker process.
func (c *Collector) RecordLaunch() {
	if c == nil {
		return
	}
	c.workersLaunched.Inc()
}

// RecordReplacement counts a stalled worker killed and relaunched.
func (c *Collector) RecordReplacement() {
	if c == nil {
		return
	}
	c.workersReplaced.Inc()
}

// UpdateProgress sets the instantaneous job gauges.
func (c *Collector) UpdateProgress(chunksRemaining, workersActive int) {
	if c == nil {
		return
	}
	c.chunksRemaining.Set(float64(chunksRemaining))
	c.workersActive.Set(float64(workersActive))
}

// StartServer exposes /metrics on the given port. Blocks; run it in a
// goroutine.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
