package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/tokenflow/kernel"
	"github.com/nmxmxh/tokenflow/kernel/threads/processing"
	"github.com/nmxmxh/tokenflow/kernel/utils"
)

// Usage errors exit with 255, like a failed getopt.
const exitUsage = 255

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	config := kernel.DefaultConfig()
	config.Console = stdout
	config.LogOutput = stderr

	fs := flag.NewFlagSet("tokenflow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokenflow [-f initial_program] [-t timeout]\n")
		fs.PrintDefaults()
	}

	filename := fs.String("f", "", "initial module file")
	timeout := fs.Int("t", 5, "run-time budget in seconds, 0 for none")
	fs.BoolVar(&config.TrapEnabled, "trap", config.TrapEnabled, "verify results of untrusted instructions")
	trapBoundary := fs.Uint("trap-boundary", uint(config.TrapBoundary), "first untrusted instruction address")
	fs.IntVar(&config.MatchingTableSize, "table", config.MatchingTableSize, "matching table slots")
	fs.IntVar(&config.QueueCapacity, "queue", config.QueueCapacity, "capacity of each pipeline queue")
	fs.StringVar(&config.ModuleDir, "modules", "", "directory for dynamically loaded modules")
	fs.StringVar(&config.WorkDir, "workdir", "", "directory for program file I/O")
	noPatch := fs.Bool("no-opcode-patch", false, "reject modules that import into opcode fields")
	loadBreaker := fs.Uint("load-breaker", uint(config.BreakerFailures), "consecutive failed loads that suspend loading, 0 to never suspend")
	fs.DurationVar(&config.BreakerCooldown, "load-cooldown", config.BreakerCooldown, "how long loading stays suspended")
	level := fs.String("log-level", "info", "debug, info, warn or error")
	fs.BoolVar(&config.Colorize, "color", false, "colorize log output")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return exitUsage
	}
	if *filename == "" {
		fmt.Fprintln(stderr, "Error, must specify an initial filename.")
		return exitUsage
	}
	if *timeout < 0 {
		fmt.Fprintln(stderr, "Error, timeout must not be negative.")
		return exitUsage
	}

	var err error
	if config.LogLevel, err = utils.ParseLevel(*level); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	config.TrapBoundary = uint32(*trapBoundary)
	config.AllowOpcodePatch = !*noPatch
	config.BreakerFailures = uint32(*loadBreaker)

	engine, err := kernel.NewEngine(config, processing.NewEvaluator(nil, nil))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*timeout)*time.Second)
		defer cancel()
	}

	err = engine.Run(ctx, *filename)
	var halt *processing.HaltError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &halt):
		return halt.ExitCode()
	default:
		fmt.Fprintf(stderr, "tokenflow: %v\n", err)
		return 1
	}
}
