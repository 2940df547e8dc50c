// Package main is the tagsync agent: a background service that keeps
// Bluetooth tags connected and reports their location, plus client commands
// that drive a running service over IPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dotside-studios/tagsync-agent/buildinfo"
	"github.com/dotside-studios/tagsync-agent/config"
	"github.com/dotside-studios/tagsync-agent/telemetry"
)

// errUsage marks a bad invocation; main prints usage and exits 2.
var errUsage = errors.New("usage")

// errFailed is returned by commands that ran but did not succeed.
var errFailed = errors.New("command failed")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"serve", "run the background tag service", runServe},
	{"sync", "sync a tag's location now: sync <device>", runSync},
	{"ring", "ring or stop ringing a tag: ring [-stop] [-bluetooth-only] <device>", runRing},
	{"state", "print a tag's connection state and settings: state <device>", runState},
	{"events", "stream presence, tag and sync events: events [-rssi] <device>", runEvents},
	{"version", "print version information", runVersion},
}

// env is what every command receives after global flags are parsed.
type env struct {
	config *config.Config
	logger *slog.Logger
	stdout io.Writer

	// remoteURL overrides config remote.url.
	remoteURL string
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "Usage: %s [flags] <command> [args]\n\nCommands:\n", buildinfo.Name)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w, "\nFlags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(buildinfo.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to config file (default $XDG_CONFIG_HOME/"+buildinfo.DirName+"/config.yaml)")
	logLevel := fs.String("log-level", "", "override log.level (debug, info, warn, error)")
	remoteURL := fs.String("url", "", "service URL for client commands (default: config remote.url, then mDNS)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			usage(stdout, fs)
			return 0
		}
		fmt.Fprintln(stderr, err)
		usage(stderr, fs)
		return 2
	}
	if fs.NArg() == 0 {
		usage(stderr, fs)
		return 2
	}

	name := fs.Arg(0)
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		usage(stderr, fs)
		return 2
	}

	e := &env{stdout: stdout, remoteURL: *remoteURL}
	if cmd.name != "version" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		if *logLevel != "" {
			cfg.Log.Level = *logLevel
		}
		e.config = cfg
		e.logger = telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, stderr)
		slog.SetDefault(e.logger)
	}

	err := cmd.run(ctx, e, fs.Args()[1:])
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	case errors.Is(err, errFailed):
		return 1
	default:
		fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
		return 1
	}
}

func runServe(ctx context.Context, e *env, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: serve takes no arguments", errUsage)
	}
	return NewAgent(e.config, e.logger).Run(ctx)
}

func runVersion(_ context.Context, e *env, _ []string) error {
	fmt.Fprintln(e.stdout, buildinfo.BuildInfo())
	return nil
}
