// Command admissiond runs the admission scheduler and its operator commands.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	glog "github.com/goliatone/go-logger/glog"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/config"
)

// Globals is shared by every subcommand.
type Globals struct {
	Config   string `help:"Path to the YAML configuration file." type:"path" env:"ADMISSION_CONFIG" short:"c"`
	LogLevel string `help:"Log level override (trace, debug, info, warn, error)." name:"log-level"`

	ctx    context.Context `kong:"-"`
	out    io.Writer       `kong:"-"`
	logOut io.Writer       `kong:"-"`
}

type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Run the scheduler loop, the recovery sweep and the metrics endpoint."`
	Recover  RecoverCmd  `cmd:"" help:"Run one recovery sweep over delayed runs and runs without a queue entry."`
	Request  RequestCmd  `cmd:"" help:"Request a run of an action."`
	Cancel   CancelCmd   `cmd:"" help:"Cancel a run."`
	Policies PoliciesCmd `cmd:"" help:"Inspect policy definitions."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "admissiond:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out, logOut io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("admissiond"),
		kong.Description("Admission control and scheduling for action runs."),
		kong.UsageOnError(),
		kong.Writers(out, logOut),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	cli.Globals.ctx = ctx
	cli.Globals.out = out
	cli.Globals.logOut = logOut
	return kctx.Run(&cli.Globals)
}

// load reads the configuration and applies the --log-level flag.
func (g *Globals) load() (config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return cfg, err
	}
	if lvl := strings.TrimSpace(g.LogLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func (g *Globals) logger(cfg config.LogConfig) admission.Logger {
	switch strings.ToLower(cfg.Format) {
	case "plain":
		return admission.NewFmtLogger(g.logOut).WithLevel(admission.ParseLevel(cfg.Level))
	case "json":
		return admission.NewGLogger(glog.NewLogger(
			glog.WithWriter(g.logOut),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(cfg.Level),
		))
	}
	return admission.NewGLogger(glog.NewLogger(
		glog.WithWriter(g.logOut),
		glog.WithLevel(cfg.Level),
	))
}

func (g *Globals) context() context.Context {
	if g.ctx == nil {
		return context.Background()
	}
	return g.ctx
}
