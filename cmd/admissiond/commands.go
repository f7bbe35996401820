package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/bootstrap"
	"github.com/goliatone/go-admission/cron"
	"github.com/goliatone/go-admission/policy"
	"github.com/goliatone/go-admission/scheduler"
)

const shutdownTimeout = 10 * time.Second

type ServeCmd struct {
	NoMetrics           bool `help:"Do not serve the metrics endpoint." name:"no-metrics"`
	SkipStartupRecovery bool `help:"Do not sweep stuck runs on start." name:"skip-startup-recovery"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	logger := g.logger(cfg.Log)
	ctx := g.context()

	svc, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	jobs := cron.NewScheduler(cron.WithLogger(logger))
	if _, err := svc.Scheduler.ScheduleRecovery(jobs, cfg.Scheduler.RecoverySchedule); err != nil {
		return err
	}
	if !c.SkipStartupRecovery {
		// runs left stuck by a previous process would otherwise wait for
		// the first cron tick
		_, err := jobs.ScheduleAfter(0, cron.JobConfig{Name: "startup-recovery"}, func(ctx context.Context) error {
			_, err := svc.Scheduler.Recover(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}
	if err := jobs.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := jobs.Stop(stopCtx); err != nil {
			logger.Warn("cron stop: %v", err)
		}
	}()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return svc.Scheduler.Run(gctx)
	})

	if cfg.Metrics.Enabled && !c.NoMetrics {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, svc.Metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			health := svc.Scheduler.Health(r.Context())
			w.Header().Set("Content-Type", "application/json")
			if !health.Healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(health)
		})
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("metrics listening on %s%s", cfg.Metrics.Addr, cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("admissiond serving as %s", svc.Scheduler.WorkerID())
	return group.Wait()
}

type RecoverCmd struct{}

func (c *RecoverCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	svc, err := bootstrap.Build(g.context(), cfg, g.logger(cfg.Log))
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.Scheduler.Recover(g.context())
	if encErr := g.print(report); encErr != nil && err == nil {
		err = encErr
	}
	return err
}

type RequestCmd struct {
	ActionRef  string            `arg:"" help:"Action reference, for example core.http." name:"action"`
	Parameters map[string]string `help:"Run parameter as key=value. Repeatable." short:"p" name:"param"`
	Delay      time.Duration     `help:"Wait this long before the run becomes eligible."`
	Priority   int               `help:"Lower values are picked first among runs eligible at the same time."`
	Affinity   string            `help:"Runner pool that should execute the run."`
}

func (c *RequestCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	svc, err := bootstrap.Build(g.context(), cfg, g.logger(cfg.Log))
	if err != nil {
		return err
	}
	defer svc.Close()

	params := make(map[string]any, len(c.Parameters))
	for k, v := range c.Parameters {
		params[k] = v
	}
	run, err := svc.Scheduler.Request(g.context(), &admission.Run{
		ActionRef:  c.ActionRef,
		Parameters: params,
	}, scheduler.RequestOptions{
		Delay:    c.Delay,
		Priority: c.Priority,
		Affinity: c.Affinity,
	})
	if err != nil {
		return err
	}
	return g.print(run)
}

type CancelCmd struct {
	RunID string `arg:"" help:"Identifier of the run to cancel." name:"run-id"`
}

func (c *CancelCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	svc, err := bootstrap.Build(g.context(), cfg, g.logger(cfg.Log))
	if err != nil {
		return err
	}
	defer svc.Close()

	run, err := svc.Scheduler.Cancel(g.context(), c.RunID)
	if err != nil {
		return err
	}
	return g.print(run)
}

type PoliciesCmd struct {
	Validate PoliciesValidateCmd `cmd:"" help:"Resolve policy definitions and report errors."`
}

type PoliciesValidateCmd struct {
	File string `arg:"" optional:"" type:"existingfile" help:"Policy file to check instead of the configured policies."`
}

type policySummary struct {
	Name        string `json:"name"`
	ResourceRef string `json:"resource_ref"`
	Type        string `json:"policy_type"`
	Enabled     bool   `json:"enabled"`
}

func (c *PoliciesValidateCmd) Run(g *Globals) error {
	var policies []policy.Policy
	var err error
	if c.File != "" {
		policies, err = policy.LoadFile(c.File, policy.DefaultRegistry())
	} else {
		cfg, cfgErr := g.load()
		if cfgErr != nil {
			return cfgErr
		}
		policies, err = bootstrap.LoadPolicies(cfg.Policies, policy.DefaultRegistry())
	}
	if err != nil {
		return err
	}

	out := make([]policySummary, 0, len(policies))
	for _, p := range policies {
		out = append(out, policySummary{
			Name:        p.Name,
			ResourceRef: p.ResourceRef,
			Type:        string(p.Type),
			Enabled:     p.Enabled,
		})
	}
	return g.print(out)
}

func (g *Globals) print(v any) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
