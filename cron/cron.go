// Package cron runs the service's background jobs, such as the delayed run
// recovery sweep, on a cron cadence or once after a delay.
package cron

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/retry"
)

const defaultRetryDelay = time.Second

// Job is the unit of work run on a schedule. ctx is canceled when the
// scheduler stops or the job's timeout elapses.
type Job func(ctx context.Context) error

// JobConfig describes how a job runs.
type JobConfig struct {
	Name       string
	Expression string
	// Timeout bounds one execution, retries included. Zero means none.
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Scheduler owns a robfig/cron instance plus the one-shot timers started by
// ScheduleAfter, and tracks a Handle for each.
type Scheduler struct {
	cron    *rcron.Cron
	parser  rcron.ScheduleParser
	logger  admission.Logger
	onError func(error)

	location *time.Location
	seconds  bool

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup

	mu   sync.Mutex
	seq  int64
	jobs map[int64]*handle
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		jobs:     make(map[int64]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = admission.NormalizeLogger(s.logger)
	if s.onError == nil {
		s.onError = func(err error) {
			s.logger.Error("cron job failed: %v", err)
		}
	}

	fields := rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor
	if s.seconds {
		fields |= rcron.Second
	}
	s.parser = rcron.NewParser(fields)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(
		rcron.WithLocation(s.location),
		rcron.WithParser(s.parser),
		rcron.WithLogger(cronLogger{logger: s.logger}),
	)
	return s
}

// ScheduleCron runs job on every tick of cfg.Expression. A tick that fires
// while the previous run is still going is skipped. A failed run does not
// unschedule the job.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job Job) (Handle, error) {
	meta := map[string]any{"job": cfg.Name, "expression": cfg.Expression}
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, admission.NewError(admission.ErrInvalidConfig, "cron expression cannot be empty", nil, meta)
	}
	if job == nil {
		return nil, admission.NewError(admission.ErrInvalidConfig, "cron job cannot be nil", nil, meta)
	}
	schedule, err := s.parser.Parse(cfg.Expression)
	if err != nil {
		return nil, admission.NewError(admission.ErrInvalidConfig, "invalid cron expression", err, meta)
	}

	h := s.track(cfg.Name, false)
	run := s.runnable(cfg, job)
	wrapped := rcron.NewChain(rcron.SkipIfStillRunning(cronLogger{logger: s.logger})).
		Then(rcron.FuncJob(func() { s.execute(h, run) }))

	s.mu.Lock()
	h.entryID = s.cron.Schedule(schedule, wrapped)
	s.mu.Unlock()
	return h, nil
}

// ScheduleAfter runs job once after delay. The handle is forgotten once the
// run finishes.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job Job) (Handle, error) {
	if job == nil {
		return nil, admission.NewError(admission.ErrInvalidConfig, "job cannot be nil", nil, map[string]any{
			"job": cfg.Name,
		})
	}
	if delay < 0 {
		delay = 0
	}

	h := s.track(cfg.Name, true)
	run := s.runnable(cfg, job)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer s.forget(h.id)

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.execute(h, run)
		case <-h.done:
		case <-s.ctx.Done():
		}
	}()
	return h, nil
}

// Handles lists tracked jobs in scheduling order.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*handle, 0, len(s.jobs))
	for _, h := range s.jobs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	handles := make([]Handle, len(out))
	for i, h := range out {
		handles[i] = h
	}
	return handles
}

// Start starts the cron clock. One-shot jobs run whether or not the
// scheduler was started.
func (s *Scheduler) Start(context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the clock, cancels the context handed to running jobs, marks
// every tracked job stopped and waits for in-flight runs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.cancel()
	cronDone := s.cron.Stop()

	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[int64]*handle)
	s.mu.Unlock()
	for _, h := range jobs {
		h.end(StatusStopped, nil)
	}

	allDone := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.pending.Wait()
		close(allDone)
	}()
	select {
	case <-allDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) execute(h *handle, run func() error) {
	if !h.begin(time.Now()) {
		return
	}
	err := run()
	if err != nil && s.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// stopping, not failing
		return
	}
	h.finish(err)
	if err != nil {
		s.onError(err)
	}
}

// runnable applies the timeout and retries of cfg and converts panics into
// errors.
func (s *Scheduler) runnable(cfg JobConfig, job Job) func() error {
	if cfg.MaxRetries <= 0 && cfg.Timeout <= 0 {
		return func() (err error) {
			defer admission.CapturePanic("cron job "+cfg.Name, &err)
			return job(s.ctx)
		}
	}

	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	opts := []retry.Option{
		retry.WithName(cfg.Name),
		retry.WithLogger(s.logger),
		retry.WithMaxRetries(cfg.MaxRetries),
		retry.WithStrategy(retry.ConstantStrategy{Delay: delay}),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, retry.WithTimeout(cfg.Timeout))
	}
	h := retry.NewHandler(opts...)
	return func() (err error) {
		defer admission.CapturePanic("cron job "+cfg.Name, &err)
		return h.Run(s.ctx, job)
	}
}

func (s *Scheduler) track(name string, once bool) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	h := newHandle(s, s.seq, name, once)
	s.jobs[h.id] = h
	return h
}

func (s *Scheduler) forget(id int64) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.jobs[id]
	delete(s.jobs, id)
	if h != nil && h.entryID > 0 {
		s.cron.Remove(h.entryID)
	}
	return h
}
