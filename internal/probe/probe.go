package probe

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"tunnelprobe/internal/addrutil"
	"tunnelprobe/internal/api"
	"tunnelprobe/internal/model"
)

const (
	DefaultPort           = 4040
	DefaultPollInterval   = 1 * time.Second
	DefaultInitialDelay   = 5 * time.Second
	DefaultTimeout        = 60 * time.Second
	DefaultRequestTimeout = api.DefaultRequestTimeout
)

// DefaultHosts is used when a Config names no candidate hosts.
var DefaultHosts = []string{"localhost"}

// Config is the configuration of a single probe run. Zero values take the
// Default* constants, except InitialDelay: zero there means poll at once
// (config.ApplyDefaults fills in DefaultInitialDelay for file-based runs).
// A zero Deadline means DefaultTimeout from the call to Run.
type Config struct {
	// Name labels log lines and attempts; optional.
	Name string
	// Hosts are tried in order on every attempt.
	Hosts          []string
	Port           int
	PollInterval   time.Duration
	InitialDelay   time.Duration
	RequestTimeout time.Duration
	Deadline       time.Time

	// Logf receives one line per event. Defaults to log.Printf.
	Logf func(format string, args ...any)
	// OnAttempt, when set, is called after every inspection request from the
	// run's goroutine.
	OnAttempt func(model.Attempt)
}

func (c Config) withDefaults(now time.Time) Config {
	if len(c.Hosts) == 0 {
		c.Hosts = DefaultHosts
	}
	c.Hosts = append([]string(nil), c.Hosts...)
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Deadline.IsZero() {
		c.Deadline = now.Add(DefaultTimeout)
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Run starts a probe in the background and returns its result handle
// immediately. The run stops when a URL is published, when cfg.Deadline
// passes, or when ctx is cancelled; none of these are errors. Result.Done
// is closed when it has stopped.
func Run(ctx context.Context, cfg Config) *Result {
	res := newResult()
	p := &prober{cfg: cfg.withDefaults(time.Now()), res: res}
	if p.cfg.Name != "" {
		p.prefix = "probe[" + p.cfg.Name + "]: "
	} else {
		p.prefix = "probe: "
	}
	go p.run(ctx)
	return res
}

type prober struct {
	cfg    Config
	res    *Result
	client *api.Client
	prefix string
}

func (p *prober) logf(format string, args ...any) {
	p.cfg.Logf(p.prefix+format, args...)
}

func (p *prober) run(parent context.Context) {
	p.client = api.NewClient(p.cfg.RequestTimeout)
	ctx, cancel := context.WithDeadline(parent, p.cfg.Deadline)
	defer func() {
		if r := recover(); r != nil {
			p.logf("stopped after panic: %v", r)
		}
		cancel()
		p.client.Close()
		p.res.finish()
	}()

	p.loop(ctx)
}

func (p *prober) loop(ctx context.Context) {
	p.logf("waiting %s before polling hosts=%s port=%d", p.cfg.InitialDelay, strings.Join(p.cfg.Hosts, ","), p.cfg.Port)
	if !sleep(ctx, p.cfg.InitialDelay) {
		p.logStop(ctx)
		return
	}

	for attempt := 1; ; attempt++ {
		tunnels, answered := p.attempt(ctx, attempt)
		// An answer that arrived before the deadline is still published.
		if answered {
			if publicURL, ok := selectURL(tunnels); ok {
				p.publish(publicURL, tunnels)
				return
			}
			p.logf("attempt %d: no tunnels yet", attempt)
		}
		if ctx.Err() != nil {
			p.logStop(ctx)
			return
		}
		if !sleep(ctx, p.cfg.PollInterval) {
			p.logStop(ctx)
			return
		}
	}
}

// attempt asks each host in order and stops at the first one that answers,
// even if it reports no tunnels.
func (p *prober) attempt(ctx context.Context, n int) ([]api.TunnelRecord, bool) {
	for _, host := range p.cfg.Hosts {
		inspectionURL := addrutil.InspectionURL(host, p.cfg.Port)

		reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		start := time.Now()
		tunnels, err := p.client.Tunnels(reqCtx, inspectionURL)
		cancel()
		p.record(ctx, host, inspectionURL, start, tunnels, err)

		if err == nil {
			return tunnels, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		p.logf("attempt %d: host=%s: %v", n, host, err)
	}
	p.logf("attempt %d: no inspection endpoint answered", n)
	return nil, false
}

// publish resolves the result once. Callers stop the run afterwards.
func (p *prober) publish(publicURL string, tunnels []api.TunnelRecord) {
	urls := make([]string, 0, len(tunnels))
	for _, t := range tunnels {
		urls = append(urls, t.PublicURL)
	}
	p.res.observe(urls)
	p.res.resolve(publicURL)
	p.logf("tunnel url resolved: %s", publicURL)
}

func (p *prober) record(ctx context.Context, host, inspectionURL string, start time.Time, tunnels []api.TunnelRecord, err error) {
	if p.cfg.OnAttempt == nil {
		return
	}
	a := model.Attempt{
		Timestamp: start.UTC(),
		Target:    p.cfg.Name,
		Host:      host,
		URL:       inspectionURL,
		Outcome:   model.OutcomeOK,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		Tunnels:   len(tunnels),
	}
	var ierr *api.InspectionError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		a.Outcome = model.OutcomeCancelled
	case errors.As(err, &ierr):
		a.Outcome = ierr.Kind.String()
		a.StatusCode = ierr.StatusCode
	default:
		a.Outcome = api.KindUnreachable.String()
	}
	p.cfg.OnAttempt(a)
}

func (p *prober) logStop(ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.logf("no tunnel url before deadline")
		return
	}
	p.logf("cancelled")
}

// selectURL picks the first https URL of a scan, else its first URL.
func selectURL(tunnels []api.TunnelRecord) (string, bool) {
	var fallback string
	for _, t := range tunnels {
		if isSecure(t.PublicURL) {
			return t.PublicURL, true
		}
		if fallback == "" {
			fallback = t.PublicURL
		}
	}
	return fallback, fallback != ""
}

func isSecure(publicURL string) bool {
	u, err := url.Parse(publicURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "https")
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return ctx.Err() == nil
	}
}
