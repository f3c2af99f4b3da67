package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"tunnelprobe/internal/model"
)

var (
	// ErrUnknownTarget is returned by Lookup for a name that was never started.
	ErrUnknownTarget = errors.New("unknown probe target")
	// ErrDuplicateTarget is returned by Start when the name is already in use.
	ErrDuplicateTarget = errors.New("duplicate probe target")
)

// Group tracks independent probe runs by target name.
type Group struct {
	mu      sync.RWMutex
	names   []string
	results map[string]*Result
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{results: make(map[string]*Result)}
}

// Start launches a run for cfg.Name, which must be non-empty and unique in
// the group.
func (g *Group) Start(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("probe target name is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.results[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTarget, cfg.Name)
	}
	res := Run(ctx, cfg)
	g.results[cfg.Name] = res
	g.names = append(g.names, cfg.Name)
	return res, nil
}

// Lookup returns the result handle for name.
func (g *Group) Lookup(name string) (*Result, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res, ok := g.results[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	return res, nil
}

// Names returns target names in start order.
func (g *Group) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.names...)
}

// Snapshot returns the current discovery state of every target, in start
// order.
func (g *Group) Snapshot() []model.Discovery {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.Discovery, 0, len(g.names))
	for _, name := range g.names {
		out = append(out, g.results[name].Discovery(name))
	}
	return out
}

// Wait blocks until every run has resolved or ended, or until ctx is done,
// and then returns a snapshot.
func (g *Group) Wait(ctx context.Context) []model.Discovery {
	g.mu.RLock()
	pending := make([]*Result, 0, len(g.results))
	for _, res := range g.results {
		pending = append(pending, res)
	}
	g.mu.RUnlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, res := range pending {
		res := res
		eg.Go(func() error {
			res.Wait(egCtx)
			return nil
		})
	}
	_ = eg.Wait()
	return g.Snapshot()
}
