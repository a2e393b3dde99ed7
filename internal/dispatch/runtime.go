package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/backpost/internal/config"
)

const defaultProbeTimeout = 3 * time.Second

// Strategy yields runtime candidates in preference order. Candidates are
// computed when the strategy is reached, not up front.
type Strategy interface {
	Name() string
	Candidates() []string
}

// ExplicitPath is the configured runtime path.
type ExplicitPath string

func (p ExplicitPath) Name() string { return "explicit" }
func (p ExplicitPath) Candidates() []string {
	if strings.TrimSpace(string(p)) == "" {
		return nil
	}
	return []string{string(p)}
}

// EnvVar reads a path from an environment variable.
type EnvVar string

func (e EnvVar) Name() string { return "env:" + string(e) }
func (e EnvVar) Candidates() []string {
	if e == "" {
		return nil
	}
	if v := strings.TrimSpace(os.Getenv(string(e))); v != "" {
		return []string{v}
	}
	return nil
}

// CommonPaths lists well-known install locations.
type CommonPaths []string

func (c CommonPaths) Name() string         { return "common" }
func (c CommonPaths) Candidates() []string { return c }

// PathScan looks names up on PATH.
type PathScan []string

func (p PathScan) Name() string { return "path" }
func (p PathScan) Candidates() []string {
	var out []string
	for _, name := range p {
		if path, err := exec.LookPath(name); err == nil {
			out = append(out, path)
		}
	}
	return out
}

// RuntimeNotFoundError lists every candidate that was tried.
type RuntimeNotFoundError struct {
	Candidates []string
}

func (e *RuntimeNotFoundError) Error() string {
	if len(e.Candidates) == 0 {
		return "runtime binary not found (no candidates)"
	}
	return "runtime binary not found (tried: " + strings.Join(e.Candidates, ", ") + ")"
}

// Resolver finds the runtime binary once and remembers it.
type Resolver struct {
	strategies   []Strategy
	probeTimeout time.Duration

	mu     sync.Mutex
	cached string
}

func NewResolver(probeTimeout time.Duration, strategies ...Strategy) *Resolver {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &Resolver{strategies: strategies, probeTimeout: probeTimeout}
}

// ResolverFromConfig orders the strategies explicit, env, common, PATH.
func ResolverFromConfig(rc config.RuntimeConfig) *Resolver {
	names := rc.Names
	if len(names) == 0 {
		names = []string{"node", "nodejs"}
	}
	return NewResolver(rc.ProbeTimeout,
		ExplicitPath(rc.NodePath),
		EnvVar(rc.EnvVar),
		CommonPaths(rc.CommonPaths),
		PathScan(names),
	)
}

// Resolve returns the cached binary or probes candidates until one answers.
// Failures are not cached, so a runtime installed later is picked up.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != "" {
		return r.cached, nil
	}

	var tried []string
	seen := map[string]bool{}
	for _, s := range r.strategies {
		for _, c := range s.Candidates() {
			if seen[c] {
				continue
			}
			seen[c] = true
			tried = append(tried, c)
			if r.probe(ctx, c) {
				r.cached = c
				return c, nil
			}
		}
	}
	return "", &RuntimeNotFoundError{Candidates: tried}
}

// Cached returns the resolved binary without probing.
func (r *Resolver) Cached() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached
}

func (r *Resolver) probe(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(pctx, path, "--version").Output()
	return err == nil && len(strings.TrimSpace(string(out))) > 0
}

func (r *Resolver) String() string {
	names := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		names = append(names, s.Name())
	}
	return fmt.Sprintf("resolver[%s]", strings.Join(names, ","))
}
