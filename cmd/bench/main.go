package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/config"
	"github.com/cjwcoding/ADSkipper/internal/engine"
	"github.com/cjwcoding/ADSkipper/internal/rules"
	"github.com/cjwcoding/ADSkipper/internal/state"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

type benchFixture struct {
	Name string
	App  string
	Root *state.Element
}

type benchLatencyStats struct {
	Min    float64 `json:"minMs"`
	Mean   float64 `json:"meanMs"`
	Median float64 `json:"medianMs"`
	P95    float64 `json:"p95Ms"`
	Max    float64 `json:"maxMs"`
}

type benchAllocationStats struct {
	Total         uint64  `json:"totalAllocations"`
	PerEvent      float64 `json:"allocationsPerEvent"`
	BytesTotal    uint64  `json:"bytesTotal"`
	BytesPerEvent float64 `json:"bytesPerEvent"`
}

type benchSummary struct {
	Fixtures           []string             `json:"fixtures"`
	Iterations         int                  `json:"iterations"`
	WarmupIterations   int                  `json:"warmupIterations"`
	EventsPerIteration int                  `json:"eventsPerIteration"`
	TotalEvents        int                  `json:"totalEvents"`
	Outcomes           map[string]int       `json:"outcomes"`
	NodesVisited       int                  `json:"nodesVisited"`
	LeakedHandles      int                  `json:"leakedHandles"`
	Latency            benchLatencyStats    `json:"latency"`
	Allocations        benchAllocationStats `json:"allocations"`
	TotalDurationMs    float64              `json:"totalDurationMs"`
	EventsPerSecond    float64              `json:"eventsPerSecond"`
}

type benchReport struct {
	Summary     benchSummary `json:"summary"`
	DurationsMs []float64    `json:"durationsMs"`
}

type iterationResult struct {
	durations []time.Duration
	outcomes  map[string]int
	visited   int
	leaked    int
}

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (defaults when empty)")
	dumps := flag.String("dumps", "", "comma-separated uiautomator dumps or globs to replay")
	app := flag.String("app", "", "application id for dumps without a package attribute")
	iterations := flag.Int("iterations", 100, "number of times to replay the fixtures")
	warmup := flag.Int("warmup", 5, "number of warm-up iterations to run before timing")
	cpuProfile := flag.String("cpu-profile", "", "write CPU profile to file")
	memProfile := flag.String("mem-profile", "", "write heap profile to file")
	logLevel := flag.String("log-level", "warn", "log level (trace|debug|info|warn|error)")
	outputPath := flag.String("output", "-", "write JSON report to file ('-' for stdout)")
	humanSummary := flag.Bool("human", false, "print a tabular summary alongside the JSON output")
	flag.Parse()

	if *iterations <= 0 {
		exitErr(errors.New("iterations must be positive"))
	}
	if *warmup < 0 {
		exitErr(errors.New("warmup must be zero or positive"))
	}
	logger := util.NewLogger(util.ParseLogLevel(*logLevel))

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			exitErr(fmt.Errorf("load config: %w", err))
		}
	}
	matcher, err := rules.NewMatcher(cfg.ShortLabelMax, cfg.CountdownPatterns...)
	if err != nil {
		exitErr(fmt.Errorf("compile countdown patterns: %w", err))
	}
	resolver := rules.NewResolver(nil, rules.BuildDefaults(cfg.Keywords, cfg.ExtraKeywords), cfg.StoreTimeout(), logger)

	fixtures := defaultFixtures()
	if strings.TrimSpace(*dumps) != "" {
		if fixtures, err = loadFixtures(*dumps, *app); err != nil {
			exitErr(fmt.Errorf("load fixtures: %w", err))
		}
	}
	if len(fixtures) == 0 {
		exitErr(errors.New("no fixtures to replay"))
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			exitErr(fmt.Errorf("create cpu profile: %w", err))
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			exitErr(fmt.Errorf("start cpu profile: %w", err))
		}
		defer pprof.StopCPUProfile()
	}

	ctx := context.Background()
	opts := engine.Options{MaxDepth: cfg.MaxDepth, MaxClimb: cfg.MaxClimb, DryRun: true}
	for i := 0; i < *warmup; i++ {
		replayIteration(ctx, fixtures, opts, matcher, resolver, logger)
	}

	runtime.GC()
	var startMem runtime.MemStats
	runtime.ReadMemStats(&startMem)

	var results []iterationResult
	for i := 0; i < *iterations; i++ {
		results = append(results, replayIteration(ctx, fixtures, opts, matcher, resolver, logger))
	}

	runtime.GC()
	var endMem runtime.MemStats
	runtime.ReadMemStats(&endMem)

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			exitErr(fmt.Errorf("create mem profile: %w", err))
		}
		defer f.Close()
		if err := pprof.WriteHeapProfile(f); err != nil {
			exitErr(fmt.Errorf("write heap profile: %w", err))
		}
	}

	report := buildReport(fixtures, *warmup, results, startMem, endMem)
	if err := writeReport(report, *outputPath); err != nil {
		exitErr(fmt.Errorf("encode report: %w", err))
	}
	if *humanSummary {
		if err := printHumanSummary(report.Summary, os.Stdout); err != nil {
			exitErr(fmt.Errorf("print human summary: %w", err))
		}
	}
}

// replayIteration runs every fixture once through a fresh engine so the
// cooldown never masks the pipeline.
func replayIteration(ctx context.Context, fixtures []benchFixture, opts engine.Options, matcher *rules.Matcher, resolver *rules.Resolver, logger *util.Logger) iterationResult {
	result := iterationResult{
		durations: make([]time.Duration, 0, len(fixtures)),
		outcomes:  make(map[string]int),
	}
	for _, fixture := range fixtures {
		tree := state.NewTree(fixture.Root)
		eng := engine.New(tree, nil, resolver, matcher, logger, opts)
		start := time.Now()
		outcome := eng.OnUIChanged(ctx, fixture.App, engine.EventWindowState)
		result.durations = append(result.durations, time.Since(start))
		result.outcomes[string(outcome)]++
		result.visited += tree.Acquired()
		result.leaked += tree.Outstanding()
	}
	return result
}

func buildReport(fixtures []benchFixture, warmup int, results []iterationResult, start, end runtime.MemStats) benchReport {
	var durations []time.Duration
	summary := benchSummary{
		Iterations:         len(results),
		WarmupIterations:   warmup,
		EventsPerIteration: len(fixtures),
		Outcomes:           make(map[string]int),
	}
	for _, f := range fixtures {
		summary.Fixtures = append(summary.Fixtures, f.Name)
	}
	for _, res := range results {
		durations = append(durations, res.durations...)
		for outcome, n := range res.outcomes {
			summary.Outcomes[outcome] += n
		}
		summary.NodesVisited += res.visited
		summary.LeakedHandles += res.leaked
	}
	summary.TotalEvents = len(durations)
	latency, total := buildLatencyStats(durations)
	summary.Latency = latency
	summary.TotalDurationMs = toMillis(total)
	summary.EventsPerSecond = eventsPerSecond(total, len(durations))

	allocs := end.Mallocs - start.Mallocs
	bytes := end.TotalAlloc - start.TotalAlloc
	summary.Allocations = benchAllocationStats{
		Total:         allocs,
		PerEvent:      safeDivide(int(allocs), len(durations)),
		BytesTotal:    bytes,
		BytesPerEvent: safeDivide(int(bytes), len(durations)),
	}

	report := benchReport{Summary: summary, DurationsMs: make([]float64, 0, len(durations))}
	for _, d := range durations {
		report.DurationsMs = append(report.DurationsMs, toMillis(d))
	}
	return report
}

func buildLatencyStats(durations []time.Duration) (benchLatencyStats, time.Duration) {
	stats := benchLatencyStats{}
	if len(durations) == 0 {
		return stats, 0
	}
	total := time.Duration(0)
	for _, d := range durations {
		total += d
	}
	mean := total / time.Duration(len(durations))
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	stats.Min = toMillis(sorted[0])
	stats.Mean = toMillis(mean)
	stats.Median = toMillis(percentile(sorted, 0.50))
	stats.P95 = toMillis(percentile(sorted, 0.95))
	stats.Max = toMillis(sorted[len(sorted)-1])
	return stats, total
}

func safeDivide(total int, count int) float64 {
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}

func writeReport(report benchReport, outputPath string) error {
	var w io.Writer = os.Stdout
	if outputPath != "" && outputPath != "-" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func printHumanSummary(summary benchSummary, w io.Writer) error {
	outcomes := make([]string, 0, len(summary.Outcomes))
	for outcome, n := range summary.Outcomes {
		outcomes = append(outcomes, fmt.Sprintf("%s=%d", outcome, n))
	}
	sort.Strings(outcomes)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Fixtures:\t%s\n", strings.Join(summary.Fixtures, ", "))
	fmt.Fprintf(tw, "Iterations:\t%d (+%d warmup)\n", summary.Iterations, summary.WarmupIterations)
	fmt.Fprintf(tw, "Total events:\t%d\n", summary.TotalEvents)
	fmt.Fprintf(tw, "Outcomes:\t%s\n", strings.Join(outcomes, " "))
	fmt.Fprintf(tw, "Nodes visited:\t%d (%.1f / event)\n", summary.NodesVisited, safeDivide(summary.NodesVisited, summary.TotalEvents))
	fmt.Fprintf(tw, "Leaked handles:\t%d\n", summary.LeakedHandles)
	latency := summary.Latency
	fmt.Fprintf(tw, "Latency (ms):\tmin %.3f | mean %.3f | median %.3f | p95 %.3f | max %.3f\n", latency.Min, latency.Mean, latency.Median, latency.P95, latency.Max)
	fmt.Fprintf(tw, "Allocations:\t%d total (%.1f / event)\n", summary.Allocations.Total, summary.Allocations.PerEvent)
	fmt.Fprintf(tw, "Events/sec:\t%.0f\n", summary.EventsPerSecond)
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func eventsPerSecond(total time.Duration, events int) float64 {
	if total <= 0 || events == 0 {
		return 0
	}
	return float64(events) / total.Seconds()
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(p*float64(len(sorted)-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func loadFixtures(patterns, app string) ([]benchFixture, error) {
	var paths []string
	for _, part := range strings.Split(patterns, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		matches, err := filepath.Glob(part)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%s: %w", part, os.ErrNotExist)
		}
		paths = append(paths, matches...)
	}
	fixtures := make([]benchFixture, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		tree, err := state.DecodeUIAutomator(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		pkg := tree.ForegroundPackage()
		if app != "" {
			pkg = app
		}
		fixtures = append(fixtures, benchFixture{Name: filepath.Base(path), App: pkg, Root: tree.RootElement()})
	}
	return fixtures, nil
}

// defaultFixtures synthesizes feed-like trees: a wide list of cards with the
// skip control buried near the depth limit, and one tree with no control.
func defaultFixtures() []benchFixture {
	buried := syntheticFeed(12, 7)
	var leaf *state.Element
	for leaf = buried; len(leaf.Children) > 0; leaf = leaf.Children[len(leaf.Children)-1] {
	}
	leaf.Children = []*state.Element{{Clickable: true, Children: []*state.Element{{Text: "5s 跳过"}}}}
	return []benchFixture{
		{Name: "synthetic-buried", App: "com.example.video", Root: buried},
		{Name: "synthetic-miss", App: "com.example.news", Root: syntheticFeed(12, 8)},
	}
}

func syntheticFeed(cards, depth int) *state.Element {
	root := &state.Element{Class: "android.widget.FrameLayout"}
	for i := 0; i < cards; i++ {
		card := &state.Element{Class: "android.view.ViewGroup", Clickable: true}
		node := card
		for d := 1; d < depth; d++ {
			child := &state.Element{Class: "android.widget.LinearLayout", Text: fmt.Sprintf("item %d.%d", i, d)}
			node.Children = append(node.Children, child)
			node = child
		}
		root.Children = append(root.Children, card)
	}
	return root
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
