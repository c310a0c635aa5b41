// Package jobs runs migration jobs: a registry of job types, a store of
// job records and a scheduler that executes them.
package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/pepperpark/mailshift/internal/config"
	"github.com/pepperpark/mailshift/internal/migrate"
)

// Handler is one job type.
type Handler interface {
	// LoadConfig reads and validates a job configuration file.
	LoadConfig(path string) (*config.Config, error)
	// Open authenticates and connects both endpoints.
	Open(ctx context.Context, cfg *config.Config) (*Session, error)
	// Migrate opens a session, runs it and closes it.
	Migrate(ctx context.Context, cfg *config.Config) (migrate.Summary, error)
}

// Registry maps job type names to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under name, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown job type %q (known: %v)", name, r.Types())
	}
	return h, nil
}

// Types lists the registered names in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry holds every built-in pipeline.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range []struct{ src, dst string }{
		{config.KindIMAP, config.KindIMAP},
		{config.KindIMAP, config.KindGmail},
		{config.KindMbox, config.KindIMAP},
		{config.KindMbox, config.KindGmail},
	} {
		h := NewPipeline(p.src, p.dst)
		r.Register(h.Name(), h)
	}
	return r
}
