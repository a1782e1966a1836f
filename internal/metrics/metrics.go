// Package metrics exposes Prometheus instrumentation for the batch pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultNamespace = "synchrony"

	subsystemBatch  = "batch"
	subsystemCommit = "commit"
	subsystemAudit  = "audit"

	LabelOutcome = "outcome"
)

// Batch outcomes.
const (
	OutcomeCommitted       = "committed"
	OutcomeInvalid         = "invalid"
	OutcomeCycle           = "cycle"
	OutcomeEffectFailed    = "effect_failed"
	OutcomeLinearizability = "linearizability"
	OutcomeCommitFailed    = "commit_failed"
	OutcomeCancelled       = "cancelled"
)

// Collector receives pipeline events.
type Collector interface {
	// BatchProcessed counts a batch by outcome.
	BatchProcessed(outcome string)
	// BatchScheduled records the shape of a schedulable batch.
	BatchScheduled(txs, levels, width int)
	// ExecutionDuration records the time spent executing all levels.
	ExecutionDuration(d time.Duration)
	// CommitDuration records BEGIN through COMMIT.
	CommitDuration(d time.Duration)
	// LinearizabilityAlarm counts a failed post-hoc audit.
	LinearizabilityAlarm()
	// RecoveryRollback counts a batch rolled back during crash recovery.
	RecoveryRollback()
	// CommittedSeq reports the latest committed sequence number.
	CommittedSeq(seq int64)
}

// PipelineCollector is the Prometheus implementation of Collector.
type PipelineCollector struct {
	batches      *prometheus.CounterVec
	txsPerBatch  prometheus.Histogram
	levels       prometheus.Histogram
	levelWidth   prometheus.Histogram
	execDuration prometheus.Histogram
	commitDur    prometheus.Histogram
	alarms       prometheus.Counter
	rollbacks    prometheus.Counter
	seq          prometheus.Gauge
}

var _ Collector = (*PipelineCollector)(nil)

// NewPipelineCollector registers the pipeline metrics with reg.
func NewPipelineCollector(reg prometheus.Registerer, namespace string) *PipelineCollector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &PipelineCollector{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBatch,
			Name:      "processed_total",
			Help:      "number of submitted batches by outcome",
		}, []string{LabelOutcome}),
		txsPerBatch: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemBatch,
			Name:      "transactions",
			Help:      "transactions per scheduled batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		levels: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemBatch,
			Name:      "levels",
			Help:      "independent-set levels per scheduled batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		levelWidth: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemBatch,
			Name:      "max_level_width",
			Help:      "size of the widest level per scheduled batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		execDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemBatch,
			Name:      "execution_seconds",
			Help:      "time spent executing all levels of a batch",
			Buckets:   prometheus.DefBuckets,
		}),
		commitDur: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemCommit,
			Name:      "duration_seconds",
			Help:      "time from WAL BEGIN to WAL COMMIT",
			Buckets:   prometheus.DefBuckets,
		}),
		alarms: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAudit,
			Name:      "linearizability_alarms_total",
			Help:      "batches whose parallel result differed from sequential re-execution",
		}),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCommit,
			Name:      "recovery_rollbacks_total",
			Help:      "incomplete batches rolled back during crash recovery",
		}),
		seq: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemCommit,
			Name:      "sequence",
			Help:      "latest committed batch sequence number",
		}),
	}
}

func (c *PipelineCollector) BatchProcessed(outcome string) {
	c.batches.WithLabelValues(outcome).Inc()
}

func (c *PipelineCollector) BatchScheduled(txs, levels, width int) {
	c.txsPerBatch.Observe(float64(txs))
	c.levels.Observe(float64(levels))
	c.levelWidth.Observe(float64(width))
}

func (c *PipelineCollector) ExecutionDuration(d time.Duration) {
	c.execDuration.Observe(d.Seconds())
}

func (c *PipelineCollector) CommitDuration(d time.Duration) {
	c.commitDur.Observe(d.Seconds())
}

func (c *PipelineCollector) LinearizabilityAlarm() {
	c.alarms.Inc()
}

func (c *PipelineCollector) RecoveryRollback() {
	c.rollbacks.Inc()
}

func (c *PipelineCollector) CommittedSeq(seq int64) {
	c.seq.Set(float64(seq))
}
