package verify

import (
	"net/url"
	"sort"
	"strings"
	"sync"
)

// AltURLFunc derives alternate endpoints for a published URL, typically a raw
// or API view that is easier to check than the rendered page.
type AltURLFunc func(u *url.URL) []string

// Registry maps network slugs to alternate-URL strategies.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]AltURLFunc
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]AltURLFunc)}
}

// DefaultRegistry returns a registry with the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("telegraph", telegraphAPI)
	r.Register("pastebin", pastebinRaw)
	r.Register("rentry", rentryRaw)
	r.Register("gist", gistRaw)
	r.Register("writeas", writeasText)
	return r
}

// Register adds or replaces the strategy for slug.
func (r *Registry) Register(slug string, fn AltURLFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[strings.ToLower(strings.TrimSpace(slug))] = fn
}

// Alternates returns the alternate URLs for slug, or nil when none is known.
func (r *Registry) Alternates(slug string, u *url.URL) []string {
	if r == nil || u == nil {
		return nil
	}
	r.mu.RLock()
	fn := r.fns[strings.ToLower(strings.TrimSpace(slug))]
	r.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(u)
}

// Slugs lists registered slugs, sorted.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for s := range r.fns {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func segments(u *url.URL) []string {
	var out []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func telegraphAPI(u *url.URL) []string {
	seg := segments(u)
	if len(seg) == 0 {
		return nil
	}
	return []string{"https://api.telegra.ph/getPage/" + url.PathEscape(seg[0]) + "?return_content=true"}
}

func pastebinRaw(u *url.URL) []string {
	seg := segments(u)
	if len(seg) == 0 {
		return nil
	}
	id := seg[len(seg)-1]
	return []string{u.Scheme + "://" + u.Host + "/raw/" + id}
}

func rentryRaw(u *url.URL) []string {
	seg := segments(u)
	if len(seg) == 0 {
		return nil
	}
	return []string{u.Scheme + "://" + u.Host + "/" + seg[0] + "/raw"}
}

func gistRaw(u *url.URL) []string {
	seg := segments(u)
	if len(seg) < 2 {
		return nil
	}
	return []string{"https://gist.githubusercontent.com/" + seg[0] + "/" + seg[1] + "/raw"}
}

func writeasText(u *url.URL) []string {
	seg := segments(u)
	if len(seg) == 0 {
		return nil
	}
	last := seg[len(seg)-1]
	if strings.HasSuffix(last, ".txt") {
		return nil
	}
	return []string{u.Scheme + "://" + u.Host + "/" + strings.Join(seg, "/") + ".txt"}
}
