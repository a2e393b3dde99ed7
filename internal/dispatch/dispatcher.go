package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mattjoyce/backpost/internal/log"
	"github.com/mattjoyce/backpost/internal/metrics"
	"github.com/mattjoyce/backpost/internal/network"
	"github.com/mattjoyce/backpost/internal/protocol"
)

// Classification codes.
const (
	CodeBinaryNotFound = "NODE_BINARY_NOT_FOUND"
	CodeProcOpenFailed = "PROC_OPEN_FAILED"
	CodeTimeout        = "NODE_TIMEOUT"
	CodeCancelled      = "CANCELLED"
	CodeReturnEmpty    = "NODE_RETURN_EMPTY"
	CodeInvalidJSON    = "INVALID_JSON"
	CodeNetworkError   = "NETWORK_ERROR"
)

const (
	defaultTick      = 200 * time.Millisecond
	defaultKillGrace = 5 * time.Second
	// defaultOutputDrain bounds how long output is still read after the
	// publisher exits while a leftover child holds its pipes open.
	defaultOutputDrain = 500 * time.Millisecond
	maxStderrBytes     = 64 * 1024
	maxLineBytes       = 4 * 1024 * 1024
	lineBuffer         = 256
)

// TranscriptDir is where transcripts are written, relative to the data dir.
var TranscriptDir = filepath.Join("logs", "jobs")

// PIDRecorder is told the child's pid as soon as it is running.
type PIDRecorder func(pid int)

// Request is one publisher invocation.
type Request struct {
	JobID      int64
	JobUUID    string
	Network    network.Descriptor
	Descriptor any
	Timeout    time.Duration
}

// Result describes how the publisher ended. OK is true only when the
// publisher reported ok=true on its last stdout line.
type Result struct {
	OK         bool
	Code       string
	Detail     string
	Response   *protocol.Result
	PID        int
	LogFile    string
	Duration   time.Duration
	Candidates []string
	Stderr     string
}

// PublishedURL returns the URL reported by a successful publisher.
func (r Result) PublishedURL() string {
	if r.Response == nil {
		return ""
	}
	return r.Response.PublishedURL
}

type Options struct {
	Resolver    *Resolver
	DataDir     string
	KillGrace   time.Duration
	Tick        time.Duration
	OutputDrain time.Duration
}

// Dispatcher spawns publisher processes.
type Dispatcher struct {
	resolver    *Resolver
	dataDir     string
	killGrace   time.Duration
	tick        time.Duration
	outputDrain time.Duration
	log         *slog.Logger
}

func New(opts Options) *Dispatcher {
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.OutputDrain <= 0 {
		opts.OutputDrain = defaultOutputDrain
	}
	return &Dispatcher{
		resolver:    opts.Resolver,
		dataDir:     opts.DataDir,
		killGrace:   opts.KillGrace,
		tick:        opts.Tick,
		outputDrain: opts.OutputDrain,
		log:         log.WithComponent("dispatch"),
	}
}

type stream int

const (
	streamStdout stream = iota
	streamStderr
)

func (s stream) String() string {
	if s == streamStderr {
		return "stderr"
	}
	return "stdout"
}

type outputLine struct {
	stream stream
	text   string
}

// Dispatch runs the publisher to completion, timeout or cancellation. It never
// returns an error; every failure is a classified Result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, onStart PIDRecorder) (res Result) {
	start := time.Now()
	logger := d.log.With(
		slog.Int64("job_id", req.JobID),
		slog.String("job_uuid", req.JobUUID),
		slog.String("network", req.Network.Slug),
	)
	defer func() {
		res.Duration = time.Since(start)
		outcome := "ok"
		if !res.OK {
			outcome = res.Code
		}
		metrics.ObserveDispatch(req.Network.Slug, outcome, res.Duration)
	}()

	argv, err := d.command(ctx, req.Network)
	if err != nil {
		var nf *RuntimeNotFoundError
		if errors.As(err, &nf) {
			logger.Error("runtime not found", "candidates", nf.Candidates)
			return Result{Code: CodeBinaryNotFound, Detail: err.Error(), Candidates: nf.Candidates}
		}
		return Result{Code: CodeProcOpenFailed, Detail: err.Error()}
	}

	payload, err := protocol.EncodeDescriptor(req.Descriptor)
	if err != nil {
		return Result{Code: CodeProcOpenFailed, Detail: err.Error()}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		protocol.EnvJob+"="+payload,
		protocol.EnvJobID+"="+strconv.FormatInt(req.JobID, 10),
		protocol.EnvJobUUID+"="+req.JobUUID,
	)
	setProcessGroup(cmd)

	// Plain pipes instead of StdoutPipe: the process is waited on independently
	// of the readers, so a grandchild holding the write end cannot stall it.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return Result{Code: CodeProcOpenFailed, Detail: fmt.Sprintf("stdout pipe: %v", err)}
	}
	defer stdout.Close()
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdoutW.Close()
		return Result{Code: CodeProcOpenFailed, Detail: fmt.Sprintf("stderr pipe: %v", err)}
	}
	defer stderr.Close()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	transcript, logFile := d.openTranscript(req.JobUUID, logger)
	if transcript != nil {
		defer transcript.Close()
	}

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		logger.Error("failed to start publisher", "argv", argv, "error", err)
		return Result{Code: CodeProcOpenFailed, Detail: err.Error(), LogFile: logFile}
	}
	pid := cmd.Process.Pid
	logger.Info("publisher started", "pid", pid, "argv", argv, "timeout", req.Timeout)
	if onStart != nil {
		onStart(pid)
	}

	lines := make(chan outputLine, lineBuffer)
	exited := make(chan error, 1)
	var readers sync.WaitGroup
	readers.Add(2)
	go readLines(stdout, streamStdout, lines, &readers)
	go readLines(stderr, streamStderr, lines, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()
	go func() { exited <- cmd.Wait() }()

	var (
		out        = transcriptWriter(transcript)
		lastStdout string
		stderrTail []byte
	)
	handle := func(l outputLine) {
		if out != nil {
			fmt.Fprintf(out, "%s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), l.stream, l.text)
		}
		switch l.stream {
		case streamStdout:
			if strings.TrimSpace(l.text) != "" {
				lastStdout = l.text
			}
		case streamStderr:
			stderrTail = appendTail(stderrTail, l.text)
		}
	}

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	var timeoutC <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var (
		in          = lines
		exitC       = exited
		ctxDone     = ctx.Done()
		grace       <-chan time.Time
		drain       <-chan time.Time
		terminating bool
		timedOut    bool
		cancelled   bool
		waitErr     error
	)
	terminate := func(reason string) {
		if terminating {
			return
		}
		terminating = true
		logger.Warn("terminating publisher", "pid", pid, "reason", reason)
		if err := terminateGroup(pid); err != nil {
			logger.Debug("SIGTERM failed", "pid", pid, "error", err)
		}
		grace = time.After(d.killGrace)
	}

loop:
	for {
		select {
		case l, ok := <-in:
			if !ok {
				in = nil
				if exitC == nil {
					break loop
				}
				continue
			}
			handle(l)
		case waitErr = <-exitC:
			exitC = nil
			if in == nil {
				break loop
			}
			// The result is decided by the exit; stop the clocks and give
			// buffered output a short window to arrive.
			timeoutC, ctxDone, grace = nil, nil, nil
			drain = time.After(d.outputDrain)
		case <-drain:
			drain = nil
			logger.Warn("publisher exited but its output is still open, closing", "pid", pid)
			if err := killGroup(pid); err != nil {
				logger.Debug("SIGKILL of leftover children failed", "pid", pid, "error", err)
			}
			stdout.Close()
			stderr.Close()
		case <-ticker.C:
			if out != nil {
				_ = out.Flush()
			}
		case <-timeoutC:
			timeoutC = nil
			if !cancelled {
				timedOut = true
			}
			terminate("timeout")
		case <-ctxDone:
			ctxDone = nil
			if !timedOut {
				cancelled = true
			}
			terminate("cancelled")
		case <-grace:
			grace = nil
			logger.Warn("publisher ignored SIGTERM, killing", "pid", pid)
			if err := killGroup(pid); err != nil {
				logger.Debug("SIGKILL failed", "pid", pid, "error", err)
			}
		}
	}
	if out != nil {
		_ = out.Flush()
	}

	res = Result{PID: pid, LogFile: logFile, Stderr: string(stderrTail)}
	d.classify(&res, req, lastStdout, waitErr, timedOut, cancelled, context.Cause(ctx))

	logger.Info("publisher exited",
		"pid", pid,
		"ok", res.OK,
		"code", res.Code,
		"exit", exitDescription(waitErr),
		"log_file", res.LogFile,
	)
	return res
}

func (d *Dispatcher) classify(res *Result, req Request, last string, waitErr error, timedOut, cancelled bool, cause error) {
	switch {
	case timedOut:
		res.Code = CodeTimeout
		res.Detail = fmt.Sprintf("publisher exceeded timeout of %s", req.Timeout)
		return
	case cancelled:
		res.Code = CodeCancelled
		if cause != nil {
			res.Detail = cause.Error()
		}
		return
	}

	resp, err := protocol.ParseResultLine([]byte(last))
	if err != nil {
		if errors.Is(err, protocol.ErrEmptyOutput) {
			res.Code = CodeReturnEmpty
		} else {
			res.Code = CodeInvalidJSON
		}
		res.Detail = err.Error()
		if waitErr != nil {
			res.Detail += " (" + exitDescription(waitErr) + ")"
		}
		if tail := lastLines(res.Stderr, 5); tail != "" {
			res.Detail += ": " + tail
		}
		return
	}

	res.Response = resp
	if resp.LogFile != "" {
		res.LogFile = resp.LogFile
	}
	if resp.Succeeded() {
		res.OK = true
		return
	}
	res.Code = strings.TrimSpace(resp.Error)
	if res.Code == "" {
		res.Code = CodeNetworkError
	}
	res.Detail = resp.DetailText()
}

// command builds argv for the network's handler kind.
func (d *Dispatcher) command(ctx context.Context, n network.Descriptor) ([]string, error) {
	target := strings.TrimSpace(n.InvocationTarget)
	if target == "" {
		return nil, fmt.Errorf("network %q has no invocation target", n.Slug)
	}
	switch n.HandlerKind {
	case network.KindNode, "":
		if d.resolver == nil {
			return nil, &RuntimeNotFoundError{}
		}
		bin, err := d.resolver.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		return []string{bin, target}, nil
	case network.KindExec:
		return []string{target}, nil
	default:
		return nil, fmt.Errorf("network %q has unknown handler kind %q", n.Slug, n.HandlerKind)
	}
}

// openTranscript creates the per-run transcript. A transcript that cannot be
// created is logged and skipped; it never fails the job.
func (d *Dispatcher) openTranscript(jobUUID string, logger *slog.Logger) (*os.File, string) {
	if d.dataDir == "" {
		return nil, ""
	}
	dir := filepath.Join(d.dataDir, TranscriptDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("failed to create transcript directory", "dir", dir, "error", err)
		return nil, ""
	}
	name := ulid.Make().String()
	if jobUUID != "" {
		name += "-" + jobUUID
	}
	rel := filepath.Join(TranscriptDir, name+".log")
	f, err := os.OpenFile(filepath.Join(d.dataDir, rel), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		logger.Warn("failed to open transcript", "path", rel, "error", err)
		return nil, ""
	}
	return f, filepath.ToSlash(rel)
}

func transcriptWriter(f *os.File) *bufio.Writer {
	if f == nil {
		return nil
	}
	return bufio.NewWriter(f)
}

func readLines(r io.Reader, s stream, out chan<- outputLine, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		out <- outputLine{stream: s, text: strings.TrimRight(sc.Text(), "\r")}
	}
	if sc.Err() != nil {
		// Keep the pipe drained so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}
}

func appendTail(buf []byte, line string) []byte {
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if len(buf) > maxStderrBytes {
		buf = append([]byte(nil), buf[len(buf)-maxStderrBytes:]...)
	}
	return buf
}

func lastLines(s string, n int) string {
	parts := strings.Split(strings.TrimSpace(s), "\n")
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	return strings.TrimSpace(strings.Join(parts, " | "))
}

func exitDescription(err error) string {
	if err == nil {
		return "exit 0"
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ProcessState.String()
	}
	return err.Error()
}

// Terminate sends SIGTERM to a publisher's process group. It is the external
// force-stop path for a job whose worker is gone or unresponsive; the
// watchdog reconciles the row afterwards.
func Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return terminateGroup(pid)
}
