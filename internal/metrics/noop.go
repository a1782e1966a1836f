package metrics

import "time"

type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

var _ Collector = (*NoopCollector)(nil)

func (nc *NoopCollector) BatchProcessed(string)           {}
func (nc *NoopCollector) BatchScheduled(int, int, int)    {}
func (nc *NoopCollector) ExecutionDuration(time.Duration) {}
func (nc *NoopCollector) CommitDuration(time.Duration)    {}
func (nc *NoopCollector) LinearizabilityAlarm()           {}
func (nc *NoopCollector) RecoveryRollback()               {}
func (nc *NoopCollector) CommittedSeq(int64)              {}
