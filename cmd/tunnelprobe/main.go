package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tunnelprobe/internal/addrutil"
	"tunnelprobe/internal/api"
	"tunnelprobe/internal/config"
	"tunnelprobe/internal/logstream"
	"tunnelprobe/internal/metrics"
	"tunnelprobe/internal/model"
	"tunnelprobe/internal/probe"
	"tunnelprobe/internal/server"
	"tunnelprobe/internal/store"
	"tunnelprobe/internal/stunutil"
)

const usage = `tunnelprobe - discover public tunnel URLs from a local inspection API

Usage:
  tunnelprobe wait [--config <path>] [--target <name>] [--hosts a,b] [--port n]
                   [--timeout 60s] [--initial-delay 5s] [--out <file>] [--require]
  tunnelprobe inspect --host <host> [--port n] [--timeout 10s]
  tunnelprobe serve --config <path> [--listen addr]
  tunnelprobe doctor --config <path>
  tunnelprobe init --config <path> [--target <name>] [--hosts a,b] [--port n] [--force]
  tunnelprobe url --snapshot <file> --target <name>
  tunnelprobe stats [--config <path>] [--attempts <csv>] [--target <name>]
  tunnelprobe export csv [--config <path>] [--attempts <csv>] [--target <name>] --out <file>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "wait":
		handleWait(os.Args[2:])
	case "inspect":
		handleInspect(os.Args[2:])
	case "serve":
		handleServe(os.Args[2:])
	case "doctor":
		handleDoctor(os.Args[2:])
	case "init":
		handleInit(os.Args[2:])
	case "url":
		handleURL(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleWait(args []string) {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or TOML config")
	target := fs.String("target", "", "only probe this target")
	hosts := fs.String("hosts", "", "comma-separated candidate hosts")
	port := fs.Int("port", 0, "inspection API port")
	timeout := fs.Duration("timeout", 0, "overall deadline")
	initialDelay := fs.Duration("initial-delay", -1, "delay before the first attempt")
	out := fs.String("out", "", "merge discoveries into the snapshot at this file")
	require := fs.Bool("require", false, "exit 1 if any target is unresolved")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	overrideProbe(&cfg, *hosts, *port, *timeout, *initialDelay)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	targets, err := selectTargets(cfg, *target)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	attempts := newAttemptLog(cfg.AttemptsPath)
	group := probe.NewGroup()
	now := time.Now()
	for _, t := range targets {
		pc := probeConfig(cfg, t, now)
		pc.OnAttempt = attempts.record
		if _, err := group.Start(ctx, pc); err != nil {
			fatal(err)
		}
	}

	discoveries := group.Wait(ctx)
	unresolved := 0
	for _, d := range discoveries {
		if d.Resolved {
			fmt.Fprintf(os.Stdout, "%s %s\n", d.Target, d.URL)
			continue
		}
		unresolved++
		fmt.Fprintf(os.Stdout, "%s -\n", d.Target)
	}

	if *out != "" {
		if err := mergeSnapshot(*out, discoveries); err != nil {
			fatal(err)
		}
	}
	if cfg.AttemptsPath != "" {
		printSummary(os.Stderr, attempts.items(), "")
	}
	if *require && unresolved > 0 {
		fatal(fmt.Errorf("%d target(s) unresolved", unresolved))
	}
}

func handleInspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	host := fs.String("host", config.DefaultHost, "agent host")
	port := fs.Int("port", config.DefaultPort, "inspection API port")
	timeout := fs.Duration("timeout", config.DefaultRequestTimeout, "request timeout")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	client := api.NewClient(*timeout)
	defer client.Close()

	target := addrutil.InspectionURL(*host, *port)
	records, err := client.Tunnels(ctx, target)
	if err != nil {
		fatal(err)
	}
	if len(records) == 0 {
		fmt.Fprintf(os.Stdout, "%s: no tunnels\n", target)
		return
	}
	for _, r := range records {
		fmt.Fprintln(os.Stdout, r.PublicURL)
	}
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or TOML config")
	listen := fs.String("listen", "", "status API listen address")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Serve == nil {
		cfg.Serve = &config.ServeConfig{}
	}
	if *listen != "" {
		cfg.Serve.Listen = *listen
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	bus := logstream.NewBus()
	defer bus.Close()
	attempts := newAttemptLog(cfg.AttemptsPath)
	group := probe.NewGroup()
	now := time.Now()
	for _, t := range cfg.Targets {
		pc := probeConfig(cfg, t, now)
		pc.Logf = bus.Logf(t.Name)
		pc.OnAttempt = attempts.record
		if _, err := group.Start(ctx, pc); err != nil {
			fatal(err)
		}
	}

	srv := server.New(cfg.Serve.Listen, group, bus)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Run(egCtx)
	})
	eg.Go(func() error {
		for _, d := range group.Wait(egCtx) {
			if d.Resolved {
				log.Printf("target %s resolved: %s", d.Target, d.URL)
			} else {
				log.Printf("target %s unresolved", d.Target)
			}
		}
		return nil
	})
	fatal(eg.Wait())
}

func handleDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or TOML config")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := api.NewClient(cfg.Probe.RequestTimeout.Std())
	defer client.Close()

	for _, t := range cfg.Targets {
		port := t.EffectivePort(cfg.Probe)
		for _, host := range t.Hosts {
			a := inspectOnce(ctx, client, t.Name, host, port)
			fmt.Fprintf(os.Stdout, "target=%s host=%s outcome=%s latency=%.1fms tunnels=%d\n",
				t.Name, host, a.Outcome, a.LatencyMs, a.Tunnels)
			if a.URL != "" {
				fmt.Fprintf(os.Stdout, "  first_url=%s\n", a.URL)
			}
		}
	}

	if len(cfg.STUNServers) == 0 {
		return
	}
	report, err := stunutil.Probe(ctx, cfg.STUNServers, 3*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stdout, "stun error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stdout, "public_addr=%s nat_type=%s stun_answered=%d/%d\n",
		report.PublicAddr, report.NATType, report.Answered, len(cfg.STUNServers))
	if report.BehindNAT() {
		fmt.Fprintln(os.Stdout, "host is behind NAT; inbound access needs a tunnel")
	}
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path of the config to write (.yaml or .toml)")
	target := fs.String("target", "default", "target name")
	hosts := fs.String("hosts", "", "comma-separated candidate hosts")
	port := fs.Int("port", 0, "inspection API port")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	if _, err := os.Stat(*configPath); err == nil && !*force {
		fatal(fmt.Errorf("%s already exists (use --force to overwrite)", *configPath))
	}

	cfg := starterConfig(*target, splitList(*hosts), *port)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func handleURL(args []string) {
	fs := flag.NewFlagSet("url", flag.ExitOnError)
	snapshotPath := fs.String("snapshot", "", "snapshot written by wait --out")
	target := fs.String("target", "", "target name")
	_ = fs.Parse(args)

	if *snapshotPath == "" || *target == "" {
		fatal(errors.New("--snapshot and --target are required"))
	}
	snap, err := store.LoadSnapshot(*snapshotPath)
	if err != nil {
		fatal(err)
	}
	u, ok := snap.URL(*target)
	if !ok {
		fatal(fmt.Errorf("no resolved url for %s in %s", *target, *snapshotPath))
	}
	fmt.Fprintln(os.Stdout, u)
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or TOML config")
	path := fs.String("attempts", "", "attempts CSV path override")
	target := fs.String("target", "", "only this target")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	attemptsPath := selectAttemptsPath(cfg, *path)
	if attemptsPath == "" {
		fatal(errors.New("attempts path required"))
	}

	items, err := metrics.ReadCSV(attemptsPath)
	if err != nil {
		fatal(err)
	}
	printSummary(os.Stdout, items, *target)
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or TOML config")
	path := fs.String("attempts", "", "attempts CSV path override")
	target := fs.String("target", "", "only this target")
	out := fs.String("out", "", "output file")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	attemptsPath := selectAttemptsPath(cfg, *path)
	if attemptsPath == "" {
		fatal(errors.New("attempts path required"))
	}

	n, err := exportAttempts(attemptsPath, *out, *target)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %d attempts to %s\n", n, *out)
}

func exportAttempts(src, dst, target string) (int, error) {
	items, err := metrics.ReadCSV(src)
	if err != nil {
		return 0, err
	}
	items = metrics.ForTarget(items, target)

	file, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	if err := metrics.WriteCSV(file, items); err != nil {
		file.Close()
		return 0, err
	}
	return len(items), file.Close()
}

func mergeSnapshot(path string, discoveries []model.Discovery) error {
	snap, err := store.LoadSnapshot(path)
	if err != nil {
		return err
	}
	snap.Merge(discoveries)
	return store.SaveSnapshot(path, snap)
}

func starterConfig(target string, hosts []string, port int) config.Config {
	if target == "" {
		target = "default"
	}
	if len(hosts) == 0 {
		hosts = []string{config.DefaultHost, "host.docker.internal"}
	}
	cfg := config.Config{
		Probe:   config.ProbeConfig{Port: port},
		Targets: []config.TargetConfig{{Name: target, Hosts: hosts}},
		Serve:   &config.ServeConfig{},
	}
	config.ApplyDefaults(&cfg)
	return cfg
}

func selectAttemptsPath(cfg config.Config, override string) string {
	if override != "" {
		return override
	}
	return cfg.AttemptsPath
}

func inspectOnce(ctx context.Context, client *api.Client, target, host string, port int) model.Attempt {
	url := addrutil.InspectionURL(host, port)
	start := time.Now()
	records, err := client.Tunnels(ctx, url)
	a := model.Attempt{
		Timestamp: start.UTC(),
		Target:    target,
		Host:      host,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		Tunnels:   len(records),
		Outcome:   model.OutcomeOK,
	}
	var ie *api.InspectionError
	switch {
	case err == nil:
		if len(records) > 0 {
			a.URL = records[0].PublicURL
		}
	case errors.As(err, &ie):
		a.Outcome = ie.Kind.String()
		a.StatusCode = ie.StatusCode
	default:
		a.Outcome = model.OutcomeCancelled
	}
	return a
}

func probeConfig(cfg config.Config, t config.TargetConfig, now time.Time) probe.Config {
	return probe.Config{
		Name:           t.Name,
		Hosts:          t.Hosts,
		Port:           t.EffectivePort(cfg.Probe),
		PollInterval:   cfg.Probe.PollInterval.Std(),
		InitialDelay:   cfg.Probe.Warmup(),
		RequestTimeout: cfg.Probe.RequestTimeout.Std(),
		Deadline:       now.Add(cfg.Probe.Timeout.Std()),
	}
}

func selectTargets(cfg config.Config, name string) ([]config.TargetConfig, error) {
	if name == "" {
		return cfg.Targets, nil
	}
	t, ok := cfg.FindTarget(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", probe.ErrUnknownTarget, name)
	}
	return []config.TargetConfig{t}, nil
}

// overrideProbe applies command-line flags. Without a config file, a single
// target named "default" is probed.
func overrideProbe(cfg *config.Config, hosts string, port int, timeout, initialDelay time.Duration) {
	if len(cfg.Targets) == 0 {
		cfg.Targets = []config.TargetConfig{{Name: "default"}}
	}
	if hosts != "" {
		list := splitList(hosts)
		for i := range cfg.Targets {
			cfg.Targets[i].Hosts = list
		}
	}
	if port > 0 {
		cfg.Probe.Port = port
		for i := range cfg.Targets {
			cfg.Targets[i].Port = 0
		}
	}
	if timeout > 0 {
		cfg.Probe.Timeout = config.Duration(timeout)
	}
	config.ApplyDefaults(cfg)
	// Applied after defaults so that an explicit zero disables the delay.
	if initialDelay >= 0 {
		cfg.Probe.InitialDelay = config.NewDuration(initialDelay)
	}
}

// attemptLog collects attempts from concurrent runs and appends them to the
// CSV at path as they arrive.
type attemptLog struct {
	path string
	mu   sync.Mutex
	all  []model.Attempt
}

func newAttemptLog(path string) *attemptLog {
	return &attemptLog{path: path}
}

func (l *attemptLog) record(a model.Attempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, a)
	if l.path == "" {
		return
	}
	if err := metrics.AppendCSV(l.path, []model.Attempt{a}); err != nil {
		log.Printf("append attempt: %v", err)
	}
}

func (l *attemptLog) items() []model.Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Attempt(nil), l.all...)
}

func printSummary(w io.Writer, items []model.Attempt, target string) {
	summary := metrics.Summarize(items, target)
	if summary.Count == 0 {
		fmt.Fprintln(w, "no attempts recorded")
		return
	}
	outcomes := make([]string, 0, len(summary.ByOutcome))
	for outcome, n := range summary.ByOutcome {
		outcomes = append(outcomes, fmt.Sprintf("%s=%d", outcome, n))
	}
	sort.Strings(outcomes)
	fmt.Fprintf(w, "attempts=%d from=%s to=%s %s\n", summary.Count,
		summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339), strings.Join(outcomes, " "))
	fmt.Fprintf(w, "latency avg=%.2fms p95=%.2fms max=%.2fms\n",
		summary.AvgLatencyMs, summary.P95LatencyMs, summary.MaxLatencyMs)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
