package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/custody/pkg/canonicalize"
	"github.com/Mindburn-Labs/custody/pkg/config"
	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/observability"
	"github.com/Mindburn-Labs/custody/pkg/policy"
)

// globalFlags are accepted by every command.
type globalFlags struct {
	root       string
	configPath string
	jsonOut    bool
	statusOut  string
	logLevel   string
	logJSON    bool
}

func (g *globalFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&g.root, "root", "", "custody root (default: config root, then current directory)")
	fs.StringVar(&g.configPath, "config", "", "config file (default: custody.yaml or custody.jsonc in the root)")
	fs.BoolVar(&g.jsonOut, "json", false, "print the status record as JSON")
	fs.StringVar(&g.statusOut, "status-out", "", "also write the status record to this file")
	fs.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&g.logJSON, "log-json", false, "emit logs as JSON")
}

// env is the per-invocation wiring shared by all commands.
type env struct {
	flags     globalFlags
	cfg       *config.Config
	stdout    io.Writer
	stderr    io.Writer
	telemetry *observability.Provider
	acceptor  *policy.Acceptor
}

// newFlagSet returns a flag set carrying the global flags.
func newFlagSet(name string, g *globalFlags, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	g.add(fs)
	return fs
}

// parse parses args; it returns false and prints usage on error.
func parse(fs *pflag.FlagSet, args []string) (bool, int) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, 0
		}
		return false, 2
	}
	return true, 0
}

// setup loads configuration, installs logging and telemetry, and compiles
// the acceptance policy. Failures are reported as a status record.
func setup(ctx context.Context, stage string, g globalFlags, stdout, stderr io.Writer) (*env, int) {
	dir := g.root
	if dir == "" {
		dir = "."
	}
	cfg, err := config.Load(dir, g.configPath)
	if err != nil {
		emitRaw(stdout, stderr, g, conform.RecordFor(stage, err))
		return nil, 2
	}
	if g.root != "" {
		cfg.Root = g.root
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	installLogger(stderr, cfg.LogLevel, g.logJSON)

	acceptor, err := policy.New(cfg.Policy.Accept)
	if err != nil {
		emitRaw(stdout, stderr, g, conform.RecordFor(stage, err))
		return nil, 2
	}

	tcfg := observability.DefaultConfig()
	tcfg.Enabled = cfg.Telemetry.Enabled
	tcfg.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.Endpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		tcfg.ServiceName = cfg.Telemetry.ServiceName
	}
	tp, err := observability.New(ctx, tcfg)
	if err != nil {
		slog.WarnContext(ctx, "telemetry disabled", "error", err)
		tp, _ = observability.New(ctx, nil)
	}

	return &env{flags: g, cfg: cfg, stdout: stdout, stderr: stderr, telemetry: tp, acceptor: acceptor}, 0
}

func installLogger(w io.Writer, level string, asJSON bool) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if asJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// signalContext is cancelled on SIGINT/SIGTERM so an interrupted update
// discards its staged documents.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (e *env) normalizer() (*canonicalize.Normalizer, error) {
	return e.cfg.Normalizer()
}

// stage runs fn under a telemetry span and reports its record.
func (e *env) stage(ctx context.Context, name, epochID string, fn func(context.Context) conform.StatusRecord) int {
	ctx, done := e.telemetry.TrackStage(ctx, name, epochID)
	rec := fn(ctx)
	done(rec)
	code := e.finish(rec, epochID)
	_ = e.telemetry.Shutdown(ctx)
	return code
}

// finish applies the acceptance policy, emits the record and returns the
// exit code.
func (e *env) finish(rec conform.StatusRecord, epochID string) int {
	code := 0
	if err := e.acceptor.Accept(rec, epochID); err != nil {
		code = 1
		if rec.Status == conform.StatusPass {
			// A PASS rejected by a custom policy still needs a reason.
			rec = conform.RecordFor(rec.Stage, err)
		}
		if policy.Promotable(rec.Status) {
			rec = rec.WithDetail("policy", e.acceptor.Expression())
		}
	}
	if err := emitRaw(e.stdout, e.stderr, e.flags, rec); err != nil {
		_, _ = fmt.Fprintf(e.stderr, "Error: %v\n", err)
		return 2
	}
	return code
}
