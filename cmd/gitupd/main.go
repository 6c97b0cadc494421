package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/gitup/internal/config"
	"git.home.luguber.info/inful/gitup/internal/ferr"
	"git.home.luguber.info/inful/gitup/internal/logfields"
	"git.home.luguber.info/inful/gitup/internal/metrics"
	"git.home.luguber.info/inful/gitup/internal/sync"
	"git.home.luguber.info/inful/gitup/internal/transport"
	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Set at build time with: -ldflags "-X main.version=1.0.0-rc1"
var version = "dev"

// CLI is the root command definition and flag set (spec.md §6).
type CLI struct {
	Section string `arg:"" help:"Configuration section naming the repository to synchronize."`

	Config string `short:"C" help:"Configuration file path." default:"gitup.yaml"`

	Clone        bool   `short:"c" help:"Force a fresh clone, ignoring any existing manifest."`
	KeepPackFile bool   `short:"k" help:"Keep the downloaded packfile as <section>-<want>.pack."`
	LowMemory    bool   `short:"l" help:"Page large objects to a scratch file instead of holding them in memory."`
	Repair       bool   `short:"r" help:"Run a standalone repair pass and exit, without an incremental pull."`
	Verbose      bool   `short:"V" help:"Collect run metrics and dump them as text to stderr at exit."`
	DisplayDepth int    `short:"d" help:"Display depth, overriding the section's display_depth. The value is passed into the run options and does not change any output." default:"0"`
	Have         string `short:"h" help:"Override the previously-recorded commit hash."`
	Tag          string `short:"t" help:"Target tag name, overriding branch/quarterly resolution."`
	UsePackFile  string `short:"u" help:"Decode a previously saved packfile instead of fetching one over the wire."`
	Verbosity    int    `short:"v" help:"Log verbosity level, overriding the section's verbosity." default:"0"`
	Want         string `short:"w" help:"Target commit hash, overriding ref resolution entirely."`
	Branch       string `short:"b" help:"Target branch name, overriding the section's configured branch."`

	Help    bool             `help:"Show context-sensitive help and exit."`
	Version kong.VersionFlag `name:"version" help:"Show version and exit."`
}

// AfterApply runs after flag parsing; sets up logging once.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbosity > 0 {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// Run executes one synchronization cycle for the named section.
func (c *CLI) Run() error {
	runID := uuid.NewString()
	logger := slog.Default().With(logfields.RunID(runID))

	sec, err := config.Load(c.Config, c.Section)
	if err != nil {
		return ferr.ConfigErr(fmt.Sprintf("load config %s section %s", c.Config, c.Section)).WithCause(err).Build()
	}

	var proxy *transport.ProxyConfig
	if sec.ProxyHost != "" {
		proxy = &transport.ProxyConfig{
			Host:     sec.ProxyHost,
			Port:     sec.ProxyPort,
			Username: sec.ProxyUsername,
			Password: sec.ProxyPassword,
		}
	}

	var reg *prom.Registry
	var rec metrics.Recorder = metrics.NoopRecorder{}
	if c.Verbose {
		reg = prom.NewRegistry()
		rec = metrics.NewPrometheusRecorder(reg)
	}

	opts := sync.Options{
		Section:        c.Section,
		Host:           sec.Host,
		Port:           sec.Port,
		Proxy:          proxy,
		Repository:     sec.Repository,
		Branch:         firstNonEmpty(c.Branch, sec.Branch),
		Tag:            c.Tag,
		Want:           c.Want,
		Have:           c.Have,
		DisplayDepth:   firstNonZero(c.DisplayDepth, sec.DisplayDepth),
		Target:         sec.Target,
		WorkDirectory:  sec.WorkDirectory,
		IgnorePrefixes: sec.Ignore,
		Clone:          c.Clone,
		Repair:         c.Repair,
		LowMemory:      c.LowMemory || sec.LowMemory,
		KeepPackFile:   c.KeepPackFile,
		UsePackFile:    c.UsePackFile,
		Verbosity:      firstNonZero(c.Verbosity, sec.Verbosity),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, runErr := sync.Run(ctx, opts, logger, rec, time.Now())
	if runErr == nil {
		logAndPrintResult(logger, result)
	}

	if c.Verbose && reg != nil {
		dumpMetrics(reg)
	}
	return runErr
}

func logAndPrintResult(logger *slog.Logger, result *sync.Result) {
	if result == nil {
		return
	}
	logger.Info("sync complete",
		logfields.Action(string(result.Action)),
		logfields.Want(result.Want),
		logfields.Branch(result.RefLabel))
	if result.RepairDeferred {
		fmt.Println("repaired mismatched local files; pull deferred to next run")
		return
	}
	for _, notice := range result.Notices {
		fmt.Printf("notice: %s was updated\n", notice)
	}
	fmt.Printf("%s: %s (%s) complete\n", result.Action, result.Want, result.RefLabel)
}

// dumpMetrics gathers reg's metric families and writes them as Prometheus
// text exposition format to stderr (spec.md §6's -V behavior: metrics are
// never served over HTTP, only dumped once at exit).
func dumpMetrics(reg *prom.Registry) {
	families, err := reg.Gather()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitup: gather metrics: %v\n", err)
		return
	}
	enc := expfmt.NewEncoder(os.Stderr, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			fmt.Fprintf(os.Stderr, "gitup: encode metric: %v\n", err)
			return
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func main() {
	cli := &CLI{}
	parser := kong.Parse(cli,
		kong.Description("gitup: a minimal Git Smart HTTP v2 client for mirroring a single branch or tag."),
		kong.Vars{"version": version},
	)

	logger := slog.Default()
	errorAdapter := ferr.NewCLIErrorAdapter(cli.Verbose, logger)

	if err := parser.Run(); err != nil {
		errorAdapter.HandleError(err)
	}
}
