package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/backpost/internal/dispatch"
	"github.com/mattjoyce/backpost/internal/doctor"
	"github.com/mattjoyce/backpost/internal/inspect"
	"github.com/mattjoyce/backpost/internal/network"
	"github.com/mattjoyce/backpost/internal/queue"
	"github.com/mattjoyce/backpost/internal/tui"
	"github.com/mattjoyce/backpost/internal/verify"
)

func runWorkerRun(args []string) int {
	fs := flag.NewFlagSet("worker run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	maxJobs := fs.Int("max-jobs", 0, "Jobs to process (default worker.max_jobs_per_run)")
	jsonOut := fs.Bool("json", false, "Print the run report as JSON")
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

	n := *maxJobs
	if n <= 0 {
		n = a.cfg.Worker.MaxJobsPerRun
	}
	rep, err := a.newWorker(ctx, a.notifier()).Run(ctx, n)
	if err != nil {
		return fail("Worker run failed: %v", err)
	}
	if *jsonOut {
		return printJSON(rep)
	}
	fmt.Printf("claimed=%d stopped=%s", rep.Claimed, rep.Stopped)
	for st, c := range rep.Outcomes {
		fmt.Printf(" %s=%d", st, c)
	}
	fmt.Println()
	return 0
}

func runWorkerLoop(args []string) int {
	fs := flag.NewFlagSet("worker loop", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	poll := fs.Duration("poll", 0, "Idle poll interval (default worker.poll_interval)")
	maxJobs := fs.Int("max-jobs", 0, "Jobs per run (default worker.max_jobs_per_run)")
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

	interval := *poll
	if interval <= 0 {
		interval = a.cfg.Worker.PollInterval
	}
	n := *maxJobs
	if n <= 0 {
		n = a.cfg.Worker.MaxJobsPerRun
	}
	if err := a.newWorker(ctx, a.notifier()).Loop(ctx, interval, n); err != nil {
		return fail("Worker loop failed: %v", err)
	}
	return 0
}

func runWatchdogSweep(args []string) int {
	fs := flag.NewFlagSet("watchdog sweep", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Print the sweep report as JSON")
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

	snap := a.snapshot(ctx)
	rep, err := queue.NewWatchdog(a.store, snap.StaleAfter, snap.MaxAttempts).Sweep(ctx)
	if err != nil {
		return fail("Sweep failed: %v", err)
	}
	if *jsonOut {
		return printJSON(rep)
	}
	fmt.Printf("checked=%d released=%d failed=%d\n", rep.Checked, rep.Released, rep.Failed)
	return 0
}

func runJobEnqueue(args []string) int {
	fs := flag.NewFlagSet("job enqueue", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	project := fs.Int64("project", 0, "Project id")
	target := fs.String("url", "", "Target URL the backlink points at")
	anchor := fs.String("anchor", "", "Anchor text")
	slug := fs.String("network", "", "Force a network slug")
	payload := fs.String("payload", "", "Payload JSON object")
	at := fs.String("at", "", "Schedule time (RFC3339); default now")
	if err := fs.Parse(args); err != nil {
		return fail("Flag error: %v", err)
	}

	req := queue.EnqueueRequest{
		ProjectID: *project,
		TargetURL: *target,
		Anchor:    *anchor,
		Network:   *slug,
	}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) || !strings.HasPrefix(strings.TrimSpace(*payload), "{") {
			return fail("--payload must be a JSON object")
		}
		req.Payload = json.RawMessage(*payload)
	}
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fail("--at: %v", err)
		}
		req.ScheduledAt = t
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		return fail("Startup failed: %v", err)
	}
	defer a.Close()

	job, err := a.store.Enqueue(ctx, req)
	if err != nil {
		return fail("Enqueue failed: %v", err)
	}
	fmt.Println(job.UUID)
	return 0
}

func runJobShow(args []string) int {
	fs := flag.NewFlagSet("job show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	tail := fs.Int("tail", inspect.DefaultTail, "Transcript lines to show")
	uuid, err := parsePositional(fs, args)
	if err != nil {
		return fail("Flag error: %v", err)
	}
	if uuid == "" {
		return fail("Usage: backpost job show <uuid> [--json] [--tail N]")
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		return fail("Startup failed: %v", err)
	}
	defer a.Close()

	job, err := a.store.GetByUUID(ctx, uuid)
	if err != nil {
		return fail("Lookup failed: %v", err)
	}

	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	out, err := build(job, a.cfg.Service.DataDir, *tail)
	if err != nil {
		return fail("Report failed: %v", err)
	}
	fmt.Println(strings.TrimRight(out, "\n"))
	return 0
}

func runJobCancel(args []string) int {
	fs := flag.NewFlagSet("job cancel", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	uuid, err := parsePositional(fs, args)
	if err != nil {
		return fail("Flag error: %v", err)
	}
	if uuid == "" {
		return fail("Usage: backpost job cancel <uuid>")
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		return fail("Startup failed: %v", err)
	}
	defer a.Close()

	st, err := a.store.RequestCancel(ctx, uuid)
	switch {
	case errors.Is(err, queue.ErrNotCancellable):
		return fail("Job %s is already %s", uuid, st)
	case err != nil:
		return fail("Cancel failed: %v", err)
	case st == queue.StatusRunning:
		fmt.Printf("Cancellation requested; the worker stops job %s at its next poll\n", uuid)
	default:
		fmt.Printf("Job %s cancelled\n", uuid)
	}
	return 0
}

func runJobKill(args []string) int {
	fs := flag.NewFlagSet("job kill", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	uuid, err := parsePositional(fs, args)
	if err != nil {
		return fail("Flag error: %v", err)
	}
	if uuid == "" {
		return fail("Usage: backpost job kill <uuid>")
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		return fail("Startup failed: %v", err)
	}
	defer a.Close()

	job, err := a.store.GetByUUID(ctx, uuid)
	if err != nil {
		return fail("Lookup failed: %v", err)
	}
	if job.Status != queue.StatusRunning || job.PID == 0 {
		return fail("Job %s has no running publisher (status %s)", uuid, job.Status)
	}
	if err := dispatch.Terminate(job.PID); err != nil {
		return fail("Kill pid %d failed: %v", job.PID, err)
	}
	a.logger.Warn("publisher terminated by operator", "job_id", job.ID, "job_uuid", job.UUID, "pid", job.PID)
	fmt.Printf("Sent SIGTERM to pid %d\n", job.PID)
	return 0
}

func runQueueList(args []string) int {
	fs := flag.NewFlagSet("queue list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 100, "Maximum entries")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return fail("Flag error: %v", err)
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		return fail("Startup failed: %v", err)
	}
	defer a.Close()

	entries, err := a.store.Mirror().List(ctx, *limit)
	if err != nil {
		return fail("List failed: %v", err)
	}
	if *jsonOut {
		return printJSON(entries)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tUUID\tPROJECT\tNETWORK\tSTATUS\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n", e.JobID, e.JobUUID, e.ProjectID, e.Network, e.Status, e.UpdatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}

func runQueueWatch(args []string) int {
	fs := flag.NewFlagSet("queue watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	baseURL := fs.String("url", "", "Server URL (default http://<api.listen>)")
	apiKey := fs.String("api-key", "", "API key (default api.api_key)")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return fail("Flag error: %v", err)
	}

	if *baseURL == "" || *apiKey == "" {
		cfg, err := loadConfigForTool(*configPath)
		if err != nil {
			return fail("Load error: %v", err)
		}
		if *baseURL == "" {
			*baseURL = "http://" + cfg.API.Listen
		}
		if *apiKey == "" {
			*apiKey = cfg.API.APIKey
		}
	}
	if err := tui.Run(tui.NewHTTPSource(*baseURL, *apiKey), *interval); err != nil {
		return fail("Monitor failed: %v", err)
	}
	return 0
}

func runNetworkList(args []string) int {
	fs := flag.NewFlagSet("network list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return fail("Flag error: %v", err)
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		return fail("Startup failed: %v", err)
	}
	defer a.Close()

	nets, err := a.directory().Enabled(ctx)
	if err != nil {
		return fail("List failed: %v", err)
	}
	if *jsonOut {
		return printJSON(nets)
	}
	writeNetworks(os.Stdout, nets)
	return 0
}

func writeNetworks(w io.Writer, nets []network.Descriptor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tKIND\tPRIORITY\tREGIONS\tTOPICS\tTARGET")
	for _, n := range nets {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			n.Slug, n.HandlerKind, n.Priority,
			strings.Join(n.Meta.Regions, ","), strings.Join(n.Meta.Topics, ","),
			n.InvocationTarget)
	}
	_ = tw.Flush()
}

func runNetworkPick(args []string) int {
	fs := flag.NewFlagSet("network pick", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	region := fs.String("region", "", "Prefer networks tagged with this region")
	topic := fs.String("topic", "", "Prefer networks tagged with this topic")
	if err := fs.Parse(args); err != nil {
		return fail("Flag error: %v", err)
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		return fail("Startup failed: %v", err)
	}
	defer a.Close()

	nets, err := a.directory().Enabled(ctx)
	if err != nil {
		return fail("List failed: %v", err)
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	n, ok := network.Pick(network.Filter(nets, *region, *topic), rnd)
	if !ok {
		return fail("No enabled networks")
	}
	fmt.Println(n.Slug)
	return 0
}

func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	link := fs.String("link", "", "Link the page must contain")
	text := fs.String("text", "", "Text sample the page must contain")
	slug := fs.String("network", "", "Network slug, enables alternate URLs")
	target, err := parsePositional(fs, args)
	if err != nil {
		return fail("Flag error: %v", err)
	}
	if target == "" {
		return fail("Usage: backpost verify <url> [--link L] [--text T] [--network SLUG]")
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, *configPath)
	if err != nil {
		return fail("Startup failed: %v", err)
	}
	defer a.Close()

	exp := verify.Expectations{
		LinkURL:    *link,
		TextSample: *text,
		CheckLink:  *link != "",
		CheckText:  *text != "",
	}
	res := a.verifier().Verify(ctx, target, exp, *slug)
	printJSON(res)
	if res.Status == verify.StatusFailed || res.Status == verify.StatusError {
		return 1
	}
	return 0
}

func configCheck(args []string, w io.Writer) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return fail("Flag error: %v", err)
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		return fail("Configuration invalid: %v", err)
	}

	ctx := context.Background()
	var nets []network.Descriptor
	if cfg.Networks.Source == "dir" {
		nets, err = network.NewManifestDirectory(cfg.Networks.Dir).Enabled(ctx)
		if err != nil {
			return fail("Network discovery failed: %v", err)
		}
	} else {
		a, err := openApp(ctx, *configPath)
		if err != nil {
			return fail("Startup failed: %v", err)
		}
		defer a.Close()
		if nets, err = a.directory().Enabled(ctx); err != nil {
			return fail("Network listing failed: %v", err)
		}
	}
	_, runtimeErr := dispatch.ResolverFromConfig(cfg.Runtime).Resolve(ctx)

	res := doctor.New(cfg, nets, runtimeErr).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(res)
		if err != nil {
			return fail("encode json: %v", err)
		}
		fmt.Fprintln(w, out)
	} else {
		fmt.Fprint(w, doctor.FormatHuman(res))
	}
	if !res.Valid {
		return 1
	}
	return 0
}

// parsePositional accepts the positional argument before or after the flags.
func parsePositional(fs *flag.FlagSet, args []string) (string, error) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], fs.Parse(args[1:])
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return fs.Arg(0), nil
}
