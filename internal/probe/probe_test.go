package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tunnelprobe/internal/api"
	"tunnelprobe/internal/model"
)

// agentFunc answers the n-th inspection request (starting at 1).
type agentFunc func(n int, r *http.Request) (int, string)

func newAgent(t *testing.T, fn agentFunc) (int, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		status, body := fn(n, r)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)

	u, err := url.Parse(s.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("server port: %v", err)
	}
	return port, hits
}

func sequence(bodies ...string) agentFunc {
	return func(n int, r *http.Request) (int, string) {
		if n > len(bodies) {
			n = len(bodies)
		}
		return http.StatusOK, bodies[n-1]
	}
}

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *logRecorder) Logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logRecorder) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func fastConfig(port int, logs *logRecorder) Config {
	return Config{
		Name:           "web",
		Hosts:          []string{"127.0.0.1"},
		Port:           port,
		PollInterval:   20 * time.Millisecond,
		RequestTimeout: time.Second,
		Deadline:       time.Now().Add(5 * time.Second),
		Logf:           logs.Logf,
	}
}

func waitDone(t *testing.T, res *Result, within time.Duration) {
	t.Helper()
	select {
	case <-res.Done():
	case <-time.After(within):
		t.Fatalf("probe did not stop within %s", within)
	}
}

func TestRun_PrefersSecureWithinScan(t *testing.T) {
	t.Parallel()

	port, _ := newAgent(t, sequence(`{"tunnels":[{"public_url":"http://x"},{"public_url":"https://y"}]}`))
	res := Run(context.Background(), fastConfig(port, &logRecorder{}))
	waitDone(t, res, 3*time.Second)

	got, ok := res.URL()
	if !ok || got != "https://y" {
		t.Fatalf("url=%q ok=%v", got, ok)
	}
	if res.State() != StateResolved {
		t.Fatalf("state=%s", res.State())
	}
	if c := res.Candidates(); len(c) != 2 || c[0] != "http://x" || c[1] != "https://y" {
		t.Fatalf("candidates=%v", c)
	}
}

func TestRun_FirstURLWinsAcrossAttempts(t *testing.T) {
	t.Parallel()

	port, hits := newAgent(t, sequence(
		`{"tunnels":[{"public_url":"http://x"}]}`,
		`{"tunnels":[{"public_url":"https://y"}]}`,
	))
	res := Run(context.Background(), fastConfig(port, &logRecorder{}))
	waitDone(t, res, 3*time.Second)

	got, ok := res.URL()
	if !ok || got != "http://x" {
		t.Fatalf("url=%q ok=%v", got, ok)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("hits=%d", n)
	}
	if c := res.Candidates(); len(c) != 1 || c[0] != "http://x" {
		t.Fatalf("candidates=%v", c)
	}
}

func TestRun_AnswerBeforeDeadlineIsPublished(t *testing.T) {
	t.Parallel()

	logs := &logRecorder{}
	port, hits := newAgent(t, sequence(`{"tunnels":[{"public_url":"https://y"}]}`))
	cfg := fastConfig(port, logs)
	cfg.Deadline = time.Now().Add(200 * time.Millisecond)
	// The response is in hand before the deadline; the deadline passes
	// while the attempt is still being recorded.
	cfg.OnAttempt = func(model.Attempt) {
		time.Sleep(350 * time.Millisecond)
	}

	res := Run(context.Background(), cfg)
	waitDone(t, res, 3*time.Second)

	got, ok := res.URL()
	if !ok || got != "https://y" {
		t.Fatalf("url=%q ok=%v logs=%v", got, ok, logs.lines)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("hits=%d", n)
	}
	if logs.contains("no tunnel url before deadline") {
		t.Fatalf("unexpected deadline log: %v", logs.lines)
	}
}

func TestRun_EmptyAndMalformedResponsesContinue(t *testing.T) {
	t.Parallel()

	logs := &logRecorder{}
	port, hits := newAgent(t, sequence(
		`{"tunnels":[]}`,
		`{"tunnels":[`,
		``,
		`{"tunnels":[{"public_url":"https://z"}]}`,
	))
	res := Run(context.Background(), fastConfig(port, logs))
	waitDone(t, res, 3*time.Second)

	got, ok := res.URL()
	if !ok || got != "https://z" {
		t.Fatalf("url=%q ok=%v", got, ok)
	}
	if n := hits.Load(); n != 4 {
		t.Fatalf("hits=%d", n)
	}
	if !logs.contains("no tunnels yet") {
		t.Fatalf("missing empty-list log: %v", logs.lines)
	}
	if !logs.contains("malformed") {
		t.Fatalf("missing malformed log: %v", logs.lines)
	}
}

func TestRun_DeadlineLeavesResultUnset(t *testing.T) {
	t.Parallel()

	logs := &logRecorder{}
	port, hits := newAgent(t, func(int, *http.Request) (int, string) {
		return http.StatusServiceUnavailable, "starting"
	})
	cfg := fastConfig(port, logs)
	cfg.PollInterval = 50 * time.Millisecond
	start := time.Now()
	cfg.Deadline = start.Add(300 * time.Millisecond)

	res := Run(context.Background(), cfg)
	waitDone(t, res, 3*time.Second)
	elapsed := time.Since(start)

	if _, ok := res.URL(); ok {
		t.Fatalf("expected unresolved")
	}
	if res.State() != StateUnresolved {
		t.Fatalf("state=%s", res.State())
	}
	if elapsed < 250*time.Millisecond {
		t.Fatalf("stopped before deadline: %s", elapsed)
	}
	if elapsed > 300*time.Millisecond+cfg.PollInterval+250*time.Millisecond {
		t.Fatalf("stopped too late: %s", elapsed)
	}
	if hits.Load() < 2 {
		t.Fatalf("hits=%d", hits.Load())
	}
	if !logs.contains("no tunnel url before deadline") {
		t.Fatalf("missing deadline log: %v", logs.lines)
	}
}

func TestRun_CancelDuringInitialDelayMakesNoRequest(t *testing.T) {
	t.Parallel()

	port, hits := newAgent(t, sequence(`{"tunnels":[{"public_url":"https://y"}]}`))
	cfg := fastConfig(port, &logRecorder{})
	cfg.InitialDelay = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	res := Run(ctx, cfg)
	time.Sleep(20 * time.Millisecond)
	cancel()
	waitDone(t, res, time.Second)

	if n := hits.Load(); n != 0 {
		t.Fatalf("hits=%d", n)
	}
	if _, ok := res.URL(); ok {
		t.Fatalf("expected unresolved")
	}
}

func TestRun_CancelMidRequest(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	port, _ := newAgent(t, func(_ int, r *http.Request) (int, string) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-r.Context().Done()
		return http.StatusOK, `{"tunnels":[{"public_url":"https://late"}]}`
	})
	cfg := fastConfig(port, &logRecorder{})
	cfg.RequestTimeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	res := Run(ctx, cfg)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the agent")
	}
	start := time.Now()
	cancel()
	waitDone(t, res, 2*time.Second)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancel took %s", elapsed)
	}
	if _, ok := res.URL(); ok {
		t.Fatalf("expected unresolved")
	}
}

func TestRun_StopsAtFirstAnsweringHost(t *testing.T) {
	t.Parallel()

	var localhostHits atomic.Int32
	port, _ := newAgent(t, func(_ int, r *http.Request) (int, string) {
		if strings.HasPrefix(r.Host, "localhost") {
			localhostHits.Add(1)
			return http.StatusOK, `{"tunnels":[{"public_url":"https://second"}]}`
		}
		return http.StatusOK, `{"tunnels":[]}`
	})
	cfg := fastConfig(port, &logRecorder{})
	cfg.Hosts = []string{"127.0.0.1", "localhost"}
	cfg.Deadline = time.Now().Add(200 * time.Millisecond)

	res := Run(context.Background(), cfg)
	waitDone(t, res, 3*time.Second)

	if _, ok := res.URL(); ok {
		t.Fatalf("expected unresolved")
	}
	if n := localhostHits.Load(); n != 0 {
		t.Fatalf("second host was tried %d times", n)
	}
}

func TestRun_FallsThroughFailingHost(t *testing.T) {
	t.Parallel()

	var attempts []model.Attempt
	var mu sync.Mutex
	port, _ := newAgent(t, func(_ int, r *http.Request) (int, string) {
		if strings.HasPrefix(r.Host, "localhost") {
			return http.StatusBadGateway, "no agent"
		}
		return http.StatusOK, `{"tunnels":[{"public_url":"https://ok"}]}`
	})
	cfg := fastConfig(port, &logRecorder{})
	cfg.Hosts = []string{"localhost", "127.0.0.1"}
	cfg.OnAttempt = func(a model.Attempt) {
		mu.Lock()
		attempts = append(attempts, a)
		mu.Unlock()
	}

	res := Run(context.Background(), cfg)
	waitDone(t, res, 3*time.Second)

	if got, ok := res.URL(); !ok || got != "https://ok" {
		t.Fatalf("url=%q ok=%v", got, ok)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 {
		t.Fatalf("attempts=%+v", attempts)
	}
	if attempts[0].Outcome != api.KindUnavailable.String() || attempts[0].StatusCode != http.StatusBadGateway {
		t.Fatalf("first attempt=%+v", attempts[0])
	}
	if attempts[1].Outcome != model.OutcomeOK || attempts[1].Tunnels != 1 || attempts[1].Target != "web" {
		t.Fatalf("second attempt=%+v", attempts[1])
	}
}

func TestRun_RecoversFromPanickingObserver(t *testing.T) {
	t.Parallel()

	logs := &logRecorder{}
	port, _ := newAgent(t, sequence(`{"tunnels":[]}`))
	cfg := fastConfig(port, logs)
	cfg.OnAttempt = func(model.Attempt) { panic("observer bug") }

	res := Run(context.Background(), cfg)
	waitDone(t, res, 3*time.Second)

	if !logs.contains("stopped after panic: observer bug") {
		t.Fatalf("missing panic log: %v", logs.lines)
	}
}

func TestSelectURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"http://a"}, "http://a"},
		{[]string{"http://a", "http://b"}, "http://a"},
		{[]string{"http://a", "HTTPS://b", "https://c"}, "HTTPS://b"},
		{[]string{"tcp://0.tcp.ngrok.io:1234"}, "tcp://0.tcp.ngrok.io:1234"},
	}
	for _, tc := range cases {
		records := make([]api.TunnelRecord, 0, len(tc.in))
		for _, u := range tc.in {
			records = append(records, api.TunnelRecord{PublicURL: u})
		}
		got, ok := selectURL(records)
		if got != tc.want || ok != (tc.want != "") {
			t.Fatalf("selectURL(%v)=%q,%v", tc.in, got, ok)
		}
	}
}
