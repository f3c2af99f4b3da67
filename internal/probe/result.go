package probe

import (
	"context"
	"fmt"
	"sync"

	"tunnelprobe/internal/model"
)

// State describes where a Result is in its lifecycle.
type State int

const (
	StatePending State = iota
	StateResolved
	StateUnresolved
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateUnresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Result is the single-assignment outcome of one probe run.
//
// Only the run that created it resolves it, at most once. Any number of
// readers may poll or wait on it, before or after resolution.
type Result struct {
	mu         sync.Mutex
	url        string
	candidates []string
	isSet      bool
	resolved   chan struct{}
	done       chan struct{}
}

func newResult() *Result {
	return &Result{
		resolved: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// resolve sets the final URL. It reports false if the result was already set.
func (r *Result) resolve(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isSet {
		return false
	}
	r.url = url
	r.isSet = true
	close(r.resolved)
	return true
}

func (r *Result) observe(urls []string) {
	r.mu.Lock()
	r.candidates = append([]string(nil), urls...)
	r.mu.Unlock()
}

func (r *Result) finish() {
	close(r.done)
}

// URL returns the resolved URL, if any.
func (r *Result) URL() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url, r.isSet
}

// Candidates returns every public URL reported by the scan that resolved
// the result, in response order. URL is one of them. It is nil until the
// result resolves.
func (r *Result) Candidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.candidates...)
}

// Resolved is closed once a URL has been published.
func (r *Result) Resolved() <-chan struct{} {
	return r.resolved
}

// Done is closed when the run has ended, resolved or not.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// State reports pending while the run is active and unresolved once it has
// ended without a URL.
func (r *Result) State() State {
	if _, ok := r.URL(); ok {
		return StateResolved
	}
	select {
	case <-r.done:
		// Resolution happens before the run ends; re-check to avoid a race
		// between the two channels.
		if _, ok := r.URL(); ok {
			return StateResolved
		}
		return StateUnresolved
	default:
		return StatePending
	}
}

// Wait blocks until the result resolves, the run ends, or ctx is done.
// The bool is false when no URL was published; that is a normal outcome.
func (r *Result) Wait(ctx context.Context) (string, bool) {
	select {
	case <-r.resolved:
	case <-r.done:
	case <-ctx.Done():
	}
	return r.URL()
}

// Discovery snapshots the result for target.
func (r *Result) Discovery(target string) model.Discovery {
	url, ok := r.URL()
	return model.Discovery{
		Target:     target,
		URL:        url,
		Resolved:   ok,
		Candidates: r.Candidates(),
	}
}
