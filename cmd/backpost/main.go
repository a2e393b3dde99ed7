package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mattjoyce/backpost/internal/api"
	"github.com/mattjoyce/backpost/internal/config"
	"github.com/mattjoyce/backpost/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "worker":
		return runNoun("worker", args, map[string]func([]string) int{
			"run":  runWorkerRun,
			"loop": runWorkerLoop,
		})
	case "watchdog":
		return runNoun("watchdog", args, map[string]func([]string) int{
			"sweep": runWatchdogSweep,
		})
	case "job":
		return runNoun("job", args, map[string]func([]string) int{
			"enqueue": runJobEnqueue,
			"show":    runJobShow,
			"cancel":  runJobCancel,
			"kill":    runJobKill,
		})
	case "queue":
		return runNoun("queue", args, map[string]func([]string) int{
			"list":  runQueueList,
			"watch": runQueueWatch,
		})
	case "network":
		return runNoun("network", args, map[string]func([]string) int{
			"list": runNetworkList,
			"pick": runNetworkPick,
		})
	case "config":
		return runNoun("config", args, map[string]func([]string) int{
			"check": runConfigCheck,
			"lock":  runConfigLock,
		})
	case "verify":
		return runVerify(args)
	case "serve":
		return runServe(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func runNoun(noun string, args []string, actions map[string]func([]string) int) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printUsage(os.Stdout)
		return 0
	}
	action, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	return action(args[1:])
}

func isHelpToken(s string) bool {
	return s == "help" || s == "--help" || s == "-h"
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func currentVersion() versionInfo {
	info := versionInfo{Version: version, Commit: gitCommit, BuildTime: buildDate}
	if bi, ok := debug.ReadBuildInfo(); ok && info.Commit == "unknown" {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				info.Commit = s.Value
			}
		}
	}
	return info
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return fail("Flag error: %v", err)
	}
	info := currentVersion()
	if *jsonOut {
		return printJSON(info)
	}
	fmt.Printf("backpost %s (commit %s, built %s)\n", info.Version, info.Commit, info.BuildTime)
	return 0
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail("encode json: %v", err)
	}
	fmt.Println(string(data))
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	listen := fs.String("listen", "", "Override api.listen")
	loop := fs.Bool("loop", false, "Also run the worker loop in this process")
	if err := fs.Parse(args); err != nil {
		return fail("Flag error: %v", err)
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, *configPath)
	if err != nil {
		return fail("Startup failed: %v", err)
	}
	defer a.Close()

	if a.cfg.API.APIKey == "" {
		return fail("api.api_key is required to serve")
	}
	addr := a.cfg.API.Listen
	if *listen != "" {
		addr = *listen
	}

	n := a.notifier()
	a.logger.Info("backpost starting", "version", version, "config", a.cfg.SourcePath, "listen", addr)

	errCh := make(chan error, 2)
	if *loop {
		w := a.newWorker(ctx, n)
		go func() {
			errCh <- w.Loop(ctx, a.cfg.Worker.PollInterval, a.cfg.Worker.MaxJobsPerRun)
		}()
	}

	srv := api.New(api.Config{
		Listen:        addr,
		APIKey:        a.cfg.API.APIKey,
		MaxJobsPerRun: a.cfg.Worker.MaxJobsPerRun * 10,
	}, a.store, a.store.Mirror(), runner{a: a, notifier: n}, log.WithComponent("api"))
	go func() { errCh <- srv.Start(ctx) }()

	err = <-errCh
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("backpost stopped with error", "error", err)
		return 1
	}
	a.logger.Info("backpost stopped")
	return 0
}

func runConfigCheck(args []string) int {
	return configCheck(args, os.Stdout)
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return fail("Flag error: %v", err)
	}
	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return fail("Failed to discover config: %v", err)
		}
		path = discovered
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}
	manifest, err := config.Lock(path)
	if err != nil {
		return fail("Lock failed: %v", err)
	}
	fmt.Printf("Locked %d file(s)\n", len(manifest.Hashes))
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, strings.TrimLeft(`
backpost - queue-driven backlink publishing worker

Usage:
  backpost <noun> <action> [flags]

Commands:
  worker run      [--max-jobs N] [--json]      Sweep, then process up to N jobs
  worker loop     [--poll D] [--max-jobs N]     Run the worker until interrupted
  watchdog sweep  [--json]                      Requeue or fail stale running jobs
  job enqueue     --project ID --url URL [...]  Queue a publishing job
  job show        <uuid> [--json] [--tail N]    Show a job and its transcript tail
  job cancel      <uuid>                        Request cooperative cancellation
  job kill        <uuid>                        SIGTERM the recorded publisher pid
  queue list      [--limit N] [--json]          List live queue entries
  queue watch     [--url URL] [--api-key K]     Terminal monitor for a running server
  network list    [--json]                      List enabled networks
  network pick    [--region R] [--topic T]      Weighted random network choice
  verify          <url> [--link L] [--text T]   Run verification against a URL
  serve           [--listen ADDR] [--loop]      Start the HTTP API
  config check    [--json]                      Validate configuration
  config lock                                   Write config checksums
  version         [--json]                      Print version

All commands accept --config <path>. BACKPOST_CONFIG is honoured when unset.
`, "\n"))
}
