package cron

import (
	"strconv"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Status is the state of a scheduled job.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusStopped   Status = "stopped"
)

// Handle observes and controls one scheduled job.
type Handle interface {
	ID() int64
	Name() string
	Status() Status
	// Err is the error of the latest run, nil once a later run succeeds.
	Err() error
	LastRun() time.Time
	Runs() int
	// Done is closed when the job will not run again.
	Done() <-chan struct{}
	Cancel()
}

type handle struct {
	owner   *Scheduler
	id      int64
	name    string
	once    bool
	entryID rcron.EntryID
	done    chan struct{}

	mu      sync.Mutex
	status  Status
	err     error
	lastRun time.Time
	runs    int
	ended   bool
}

func newHandle(owner *Scheduler, id int64, name string, once bool) *handle {
	if name == "" {
		name = "job-" + strconv.FormatInt(id, 10)
	}
	return &handle{
		owner:  owner,
		id:     id,
		name:   name,
		once:   once,
		status: StatusScheduled,
		done:   make(chan struct{}),
	}
}

func (h *handle) ID() int64             { return h.id }
func (h *handle) Name() string          { return h.name }
func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *handle) LastRun() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRun
}

func (h *handle) Runs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

// Cancel unschedules the job. A run already in progress finishes.
func (h *handle) Cancel() {
	if h.owner != nil {
		h.owner.forget(h.id)
	}
	h.end(StatusCanceled, nil)
}

// begin records the start of a run unless the job has ended.
func (h *handle) begin(at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	h.status = StatusRunning
	h.lastRun = at
	h.runs++
	return true
}

func (h *handle) finish(err error) {
	if h.once {
		status := StatusCompleted
		if err != nil {
			status = StatusFailed
		}
		h.end(status, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.err = err
	h.status = StatusIdle
	if err != nil {
		h.status = StatusFailed
	}
}

// end moves the handle to a final status. Only the first call counts.
func (h *handle) end(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.ended = true
	h.status = status
	h.err = err
	close(h.done)
}
