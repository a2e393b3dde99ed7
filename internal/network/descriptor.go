// Package network is the read-only directory of publishers ("networks") a job
// can be dispatched to, and the weighted choice between them.
package network

import (
	"context"
	"errors"
)

// Handler kinds.
const (
	KindNode = "node" // target is a script run by the resolved runtime
	KindExec = "exec" // target is executed directly
)

const MaxPriority = 999

var ErrNotFound = errors.New("network not found")

type Meta struct {
	Regions []string `json:"regions,omitempty" yaml:"regions,omitempty"`
	Topics  []string `json:"topics,omitempty" yaml:"topics,omitempty"`
}

// Descriptor describes one publisher.
type Descriptor struct {
	Slug             string `json:"slug" yaml:"slug"`
	Title            string `json:"title,omitempty" yaml:"title,omitempty"`
	InvocationTarget string `json:"invocation_target" yaml:"invocation_target"`
	HandlerKind      string `json:"handler_kind" yaml:"handler_kind"`
	Priority         int    `json:"priority" yaml:"priority"`
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Meta             Meta   `json:"meta" yaml:"meta"`
}

// Directory looks up publishers. Implementations never write.
type Directory interface {
	// Enabled returns enabled networks ordered by slug.
	Enabled(ctx context.Context) ([]Descriptor, error)
	// Get returns a network by slug regardless of its enabled flag.
	Get(ctx context.Context, slug string) (*Descriptor, error)
}
