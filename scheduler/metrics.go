package scheduler

import (
	"time"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/policy"
)

// Metrics captures observability events of the scheduler.
type Metrics interface {
	RecordOutcome(outcome Outcome)
	RecordDispatchLag(lag time.Duration)
	RecordQueueDepth(depth int)
	RecordCompletion(status admission.Status, duplicate bool)
	RecordPolicyFailure(policyName string, hook policy.Hook)
	RecordRecovery(promoted int)
}

type noopMetrics struct{}

func (noopMetrics) RecordOutcome(Outcome)                   {}
func (noopMetrics) RecordDispatchLag(time.Duration)         {}
func (noopMetrics) RecordQueueDepth(int)                    {}
func (noopMetrics) RecordCompletion(admission.Status, bool) {}
func (noopMetrics) RecordPolicyFailure(string, policy.Hook) {}
func (noopMetrics) RecordRecovery(int)                      {}
