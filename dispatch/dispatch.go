package dispatch

import (
	"context"
	"time"

	apperrors "github.com/goliatone/go-errors"

	admission "github.com/goliatone/go-admission"
)

// Completion is reported by a runner once a run reaches a final status.
type Completion struct {
	RunID  string           `json:"run_id"`
	Status admission.Status `json:"status"`
	Result map[string]any   `json:"result,omitempty"`
	At     time.Time        `json:"at,omitempty"`
}

// Transport hands scheduled runs to runners and delivers their completions.
// The completion channel is never closed; consumers stop on their own
// context.
type Transport interface {
	Submit(ctx context.Context, run *admission.Run) error
	Cancel(ctx context.Context, run *admission.Run) error
	Completions() <-chan Completion
	Close() error
}

// Marker is the dispatch claim stored under run.Context[DispatchContextKey].
// Writing it with a revision-checked update is what entitles a scheduler to
// submit the run.
type Marker struct {
	DispatchedBy string
	DispatchedAt time.Time
	Affinity     string
}

// MarkerOf reads the dispatch claim of run.
func MarkerOf(run *admission.Run) (Marker, bool) {
	if run == nil || run.Context == nil {
		return Marker{}, false
	}
	raw, ok := run.Context[admission.DispatchContextKey].(map[string]any)
	if !ok {
		return Marker{}, false
	}
	m := Marker{}
	m.DispatchedBy, _ = raw["dispatched_by"].(string)
	m.Affinity, _ = raw["affinity"].(string)
	switch at := raw["dispatched_at"].(type) {
	case time.Time:
		m.DispatchedAt = at
	case string:
		m.DispatchedAt, _ = time.Parse(time.RFC3339Nano, at)
	}
	return m, m.DispatchedBy != ""
}

// SetMarker records the dispatch claim on run.
func SetMarker(run *admission.Run, m Marker) {
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	entry := map[string]any{
		"dispatched_by": m.DispatchedBy,
		"dispatched_at": m.DispatchedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.Affinity != "" {
		entry["affinity"] = m.Affinity
	}
	run.Context[admission.DispatchContextKey] = entry
}

var errTransportClosed = apperrors.New("transport closed", apperrors.CategoryExternal)

func submitError(run *admission.Run, err error) error {
	meta := map[string]any{}
	if run != nil {
		meta["run_id"] = run.ID
		meta["action_ref"] = run.ActionRef
	}
	return admission.NewError(admission.ErrTransportSubmit, "", err, meta)
}
