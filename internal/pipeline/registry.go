package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rugfeed/internal/archive"
	"rugfeed/internal/broadcast"
	"rugfeed/internal/metrics"
)

// Component is an optional submodule started after the core pipeline and
// stopped before it.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Constructor builds a component against a constructed pipeline.
type Constructor func(ctx context.Context, p *Pipeline) (Component, error)

// Registry maps component names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// DefaultRegistry knows every optional component shipped with rugfeed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("kafka_broadcast", func(_ context.Context, p *Pipeline) (Component, error) {
		return broadcast.NewForwarder(p.cfg.Broadcast.Kafka, p.Bus)
	})
	r.MustRegister("s3_archive", func(ctx context.Context, p *Pipeline) (Component, error) {
		return archive.NewUploader(ctx, p.cfg.Storage.S3, p.cfg.Rugfeed.Version, p.Bus)
	})
	r.MustRegister("cloudwatch_metrics", func(ctx context.Context, p *Pipeline) (Component, error) {
		cw := p.cfg.Metrics.CloudWatch
		return metrics.NewCloudWatchPublisher(ctx, cw.Region, cw.Namespace, cw.Interval, p.Metrics)
	})
	return r
}

func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("component name and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[name]; ok {
		return fmt.Errorf("component %q already registered", name)
	}
	r.ctors[name] = ctor
	return nil
}

func (r *Registry) MustRegister(name string, ctor Constructor) {
	if err := r.Register(name, ctor); err != nil {
		panic(err)
	}
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build resolves names eagerly. An unknown name or a failing constructor
// aborts the whole build.
func (r *Registry) Build(ctx context.Context, p *Pipeline, names []string) ([]Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(names))
	out := make([]Component, 0, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		ctor, ok := r.ctors[name]
		if !ok {
			return nil, fmt.Errorf("unknown component %q", name)
		}
		c, err := ctor(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("build component %s: %w", name, err)
		}
		out = append(out, c)
	}
	return out, nil
}
