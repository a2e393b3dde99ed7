package network

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/backpost/internal/log"
)

const manifestFilename = "network.yaml"

// manifest is the on-disk form of <dir>/<slug>/network.yaml. Entrypoint is
// relative to the manifest's directory.
type manifest struct {
	Slug        string `yaml:"slug"`
	Title       string `yaml:"title"`
	Entrypoint  string `yaml:"entrypoint"`
	HandlerKind string `yaml:"handler_kind"`
	Priority    int    `yaml:"priority"`
	Enabled     *bool  `yaml:"enabled"`
	Meta        Meta   `yaml:"meta"`
}

// ManifestDirectory discovers publishers from manifests under a root
// directory. The scan happens once, on first use.
type ManifestDirectory struct {
	root string
	log  *slog.Logger

	once     sync.Once
	networks map[string]Descriptor
	err      error
}

func NewManifestDirectory(root string) *ManifestDirectory {
	return &ManifestDirectory{root: root, log: log.WithComponent("network")}
}

func (m *ManifestDirectory) load() error {
	m.once.Do(func() {
		m.networks, m.err = Discover(m.root, m.log)
	})
	return m.err
}

func (m *ManifestDirectory) Enabled(ctx context.Context) ([]Descriptor, error) {
	if err := m.load(); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(m.networks))
	for _, d := range m.networks {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *ManifestDirectory) Get(ctx context.Context, slug string) (*Descriptor, error) {
	if err := m.load(); err != nil {
		return nil, err
	}
	d, ok := m.networks[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// Discover scans root for network.yaml manifests. Invalid manifests are
// logged and skipped; duplicate slugs keep the first discovered.
func Discover(root string, logger *slog.Logger) (map[string]Descriptor, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	absRoot, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve networks dir %q: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("networks dir does not exist: %s", absRoot)
		}
		return nil, fmt.Errorf("failed to stat networks dir %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("networks dir is not a directory: %s", absRoot)
	}

	found := make(map[string]Descriptor)
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		dir := filepath.Dir(path)
		desc, err := loadManifest(dir, absRoot)
		if err != nil {
			logger.Warn("failed to load network manifest", "path", dir, "error", err.Error())
			return nil
		}
		if existing, ok := found[desc.Slug]; ok {
			logger.Warn("duplicate network ignored (keeping first discovered)",
				"network", desc.Slug, "ignored_path", desc.InvocationTarget, "kept_path", existing.InvocationTarget)
			return nil
		}
		found[desc.Slug] = desc
		logger.Debug("loaded network", "network", desc.Slug, "target", desc.InvocationTarget, "priority", desc.Priority)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan networks dir %s: %w", absRoot, err)
	}
	return found, nil
}

func loadManifest(dir, root string) (Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if m.Slug == "" {
		m.Slug = filepath.Base(dir)
	}
	if m.Entrypoint == "" {
		return Descriptor{}, fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return Descriptor{}, fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	kind := m.HandlerKind
	if kind == "" {
		kind = KindNode
	}
	if kind != KindNode && kind != KindExec {
		return Descriptor{}, fmt.Errorf("invalid handler_kind %q (valid: node, exec)", kind)
	}
	if m.Priority < 0 || m.Priority > MaxPriority {
		return Descriptor{}, fmt.Errorf("priority %d out of range 0..%d", m.Priority, MaxPriority)
	}

	target := filepath.Join(dir, m.Entrypoint)
	if err := validateTrust(target, dir, root, kind == KindExec); err != nil {
		return Descriptor{}, fmt.Errorf("trust validation failed: %w", err)
	}

	enabled := true
	if m.Enabled != nil {
		enabled = *m.Enabled
	}
	return Descriptor{
		Slug:             m.Slug,
		Title:            m.Title,
		InvocationTarget: target,
		HandlerKind:      kind,
		Priority:         m.Priority,
		Enabled:          enabled,
		Meta:             m.Meta,
	}, nil
}

// validateTrust keeps entrypoints inside their network directory and the
// networks root, and refuses world-writable network directories.
func validateTrust(target, dir, root string, needExec bool) error {
	resolvedTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint: %w", err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve network dir: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve networks root: %w", err)
	}

	sep := string(os.PathSeparator)
	if !strings.HasPrefix(resolvedTarget, resolvedRoot+sep) {
		return fmt.Errorf("entrypoint %s is not under networks root %s", resolvedTarget, resolvedRoot)
	}
	if !strings.HasPrefix(resolvedTarget, resolvedDir+sep) {
		return fmt.Errorf("entrypoint %s is not under network directory %s", resolvedTarget, resolvedDir)
	}

	info, err := os.Stat(resolvedTarget)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if needExec && info.Mode()&0o111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedTarget)
	}

	dirInfo, err := os.Stat(resolvedDir)
	if err != nil {
		return fmt.Errorf("network directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("network directory is world-writable: %s", resolvedDir)
	}
	return nil
}
