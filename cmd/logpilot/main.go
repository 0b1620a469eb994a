// Command logpilot appends to, reads from and manages consumer cursors of a
// LogPilot storage engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fluxorio/logpilot/pkg/core"
	"github.com/fluxorio/logpilot/pkg/engine"
	"github.com/fluxorio/logpilot/pkg/observability/tracing"
	"github.com/fluxorio/logpilot/pkg/storage"
	"github.com/fluxorio/logpilot/pkg/storage/instrumented"
)

const usage = `usage: logpilot [-config path] <command> [flags]

commands:
  append   -channel C -level L -message M [-meta JSON]
  read     -channel C -consumer ID [-limit N] [-peek]
  tail     [-channel C] [-limit N]
  commit   -channel C -consumer ID -id N
  seek     -channel C -consumer ID -to beginning|end|<id>
  offset   -channel C -consumer ID
  consume  -channel C [-consumer ID] [-interval 1s] [-limit N] [-max N] [-metrics-addr :9090]
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// app carries what every command needs.
type app struct {
	cfg    *AppConfig
	engine storage.Engine
	log    core.Logger
	out    io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("logpilot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "configuration file (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	name, cmdArgs := fs.Arg(0), fs.Args()[1:]

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "logpilot: unknown command %q\n", name)
		fs.Usage()
		return 2
	}
	cfs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfs.SetOutput(stderr)
	exec := cmd(cfs)
	if err := cfs.Parse(cmdArgs); err != nil {
		return 2
	}
	if cfs.NArg() > 0 {
		fmt.Fprintf(stderr, "logpilot %s: unexpected arguments %v\n", name, cfs.Args())
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "logpilot: %v\n", err)
		return 1
	}
	level, err := core.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "logpilot: %v\n", err)
		return 1
	}
	logger := core.NewWriterLogger(level, stderr)

	cfg.Tracing.Output = stderr
	shutdown, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		fmt.Fprintf(stderr, "logpilot: %v\n", err)
		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warnf("tracing shutdown: %v", err)
		}
	}()

	eng, err := engine.Open(ctx, cfg.Storage, logger)
	if err != nil {
		fmt.Fprintf(stderr, "logpilot: %v\n", err)
		return 1
	}
	a := &app{
		cfg:    cfg,
		engine: instrumented.Wrap(eng, instrumented.WithLogger(logger)),
		log:    logger,
		out:    stdout,
	}
	defer func() {
		if err := a.engine.Close(); err != nil {
			logger.Errorf("close: %v", err)
		}
	}()

	if err := exec(ctx, a); err != nil {
		fmt.Fprintf(stderr, "logpilot %s: %v\n", name, err)
		return 1
	}
	return 0
}
