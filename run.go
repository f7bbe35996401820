package admission

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusRequested Status = "requested"
	StatusScheduled Status = "scheduled"
	StatusDelayed   Status = "delayed"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
	StatusPausing   Status = "pausing"
	StatusPaused    Status = "paused"
	StatusResuming  Status = "resuming"
)

var allStatuses = []Status{
	StatusRequested, StatusScheduled, StatusDelayed, StatusRunning,
	StatusSucceeded, StatusFailed, StatusTimedOut, StatusCanceling,
	StatusCanceled, StatusPausing, StatusPaused, StatusResuming,
}

// ActiveStatuses are the statuses counted against a concurrency ceiling.
var ActiveStatuses = []Status{StatusScheduled, StatusRunning}

// Statuses returns every known status.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", cloneError(ErrInvalidRun, fmt.Sprintf("unknown run status %q", raw), nil, map[string]any{
			"status": raw,
		})
	}
	return status, nil
}

func (s Status) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, candidate := range allStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// IsCompleted reports whether the runner is done with the run.
func (s Status) IsCompleted() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCanceled:
		return true
	}
	return false
}

// IsCancelState reports whether s is canceling or canceled. Both are terminal
// for admission purposes.
func (s Status) IsCancelState() bool {
	return s == StatusCanceling || s == StatusCanceled
}

// IsAdmissible reports whether the scheduler may still take an admission
// decision for a run in this status.
func (s Status) IsAdmissible() bool {
	return s == StatusRequested || s == StatusDelayed
}

// Run is one concrete execution attempt of an action.
type Run struct {
	ID             string         `json:"id" yaml:"id"`
	ActionRef      string         `json:"action_ref" yaml:"action_ref"`
	Parameters     map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Status         Status         `json:"status" yaml:"status"`
	StartTimestamp time.Time      `json:"start_timestamp" yaml:"start_timestamp"`
	EndTimestamp   *time.Time     `json:"end_timestamp,omitempty" yaml:"end_timestamp,omitempty"`
	Context        map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	Result         map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
	Revision       int64          `json:"revision" yaml:"revision"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Parameters = CloneMap(r.Parameters)
	cp.Context = CloneMap(r.Context)
	cp.Result = CloneMap(r.Result)
	if r.EndTimestamp != nil {
		end := *r.EndTimestamp
		cp.EndTimestamp = &end
	}
	return &cp
}

// Validate checks the fields required to persist a run.
func (r *Run) Validate() error {
	if r == nil {
		return cloneError(ErrInvalidRun, "run is nil", nil, nil)
	}
	if strings.TrimSpace(r.ActionRef) == "" {
		return cloneError(ErrInvalidRun, "run action_ref is required", nil, map[string]any{
			"run_id": r.ID,
		})
	}
	if r.Status != "" && !r.Status.Valid() {
		return cloneError(ErrInvalidRun, "run status is invalid", nil, map[string]any{
			"run_id": r.ID,
			"status": string(r.Status),
		})
	}
	return nil
}

const policiesContextKey = "policies"

// DispatchContextKey is the run context key holding the dispatch claim written
// by the scheduler. It describes one attempt and is never copied to a retry.
const DispatchContextKey = "scheduler"

// PolicyState returns the policy-specific state recorded under
// context.policies[name], or nil.
func (r *Run) PolicyState(name string) map[string]any {
	if r == nil {
		return nil
	}
	policies := asMap(r.Context[policiesContextKey])
	if policies == nil {
		return nil
	}
	return asMap(policies[name])
}

// SetPolicyState records state under context.policies[name].
func (r *Run) SetPolicyState(name string, state map[string]any) {
	if r.Context == nil {
		r.Context = map[string]any{}
	}
	policies := asMap(r.Context[policiesContextKey])
	if policies == nil {
		policies = map[string]any{}
	}
	policies[name] = state
	r.Context[policiesContextKey] = policies
}

// Order sorts query results.
type Order string

const (
	OrderStartAsc  Order = "start_timestamp_asc"
	OrderStartDesc Order = "start_timestamp_desc"
)

// Filter selects runs in the Run Store.
type Filter struct {
	ActionRef     string
	Statuses      []Status
	Parameters    map[string]any
	StartedBefore *time.Time
}

// Matches evaluates the filter against a run in memory.
func (f Filter) Matches(run *Run) bool {
	if run == nil {
		return false
	}
	if f.ActionRef != "" && run.ActionRef != f.ActionRef {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if run.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StartedBefore != nil && !run.StartTimestamp.Before(*f.StartedBefore) {
		return false
	}
	// a missing parameter compares equal to nil
	for key, want := range f.Parameters {
		if !ParamEqual(run.Parameters[key], want) {
			return false
		}
	}
	return true
}

// ParamEqual compares parameter values by their canonical string form so
// that values decoded from JSON (float64) match values set in Go (int).
func ParamEqual(a, b any) bool {
	return CanonicalParam(a) == CanonicalParam(b)
}

// CanonicalParam renders a parameter value in a stable textual form.
func CanonicalParam(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case float32:
		return CanonicalParam(float64(val))
	case map[string]any:
		keys := SortedKeys(val)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+":"+CanonicalParam(val[k]))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, CanonicalParam(item))
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloneMap deep copies nested maps and slices.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return val
	}
}

func asMap(v any) map[string]any {
	switch val := v.(type) {
	case map[string]any:
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = item
		}
		return out
	}
	return nil
}

// IntValue reads an integer out of a loosely typed value.
func IntValue(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int32:
		return int(val), true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	case float32:
		return int(val), true
	}
	return 0, false
}
