package tui

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/control/client"
	"github.com/cjwcoding/ADSkipper/internal/metrics"
)

const (
	defaultRefresh = 500 * time.Millisecond
	labelWidth     = 24
	historyRows    = 12
)

// Source is the subset of the control client the dashboard polls.
type Source interface {
	Status(ctx context.Context) (client.Status, error)
	History(ctx context.Context) (client.History, error)
}

// Renderer periodically polls the daemon and renders a textual dashboard.
type Renderer struct {
	Source  Source
	Writer  io.Writer
	Refresh time.Duration
	now     func() time.Time
}

// New returns a renderer configured with sensible defaults.
func New(src Source, w io.Writer) *Renderer {
	return &Renderer{Source: src, Writer: w, Refresh: defaultRefresh, now: time.Now}
}

// Run starts the render loop until the context is cancelled.
func (r *Renderer) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.Writer == nil {
		r.Writer = os.Stdout
	}
	if r.Source == nil {
		return fmt.Errorf("tui renderer requires a control client")
	}

	refresh := r.Refresh
	if refresh <= 0 {
		refresh = defaultRefresh
	}

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	fmt.Fprint(r.Writer, "\033[?25l")
	defer fmt.Fprint(r.Writer, "\033[?25h")

	r.render(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.render(ctx)
		}
	}
}

func (r *Renderer) render(ctx context.Context) {
	fmt.Fprint(r.Writer, r.frame(ctx))
}

func (r *Renderer) frame(ctx context.Context) string {
	now := time.Now()
	if r.now != nil {
		now = r.now()
	}
	var buf bytes.Buffer
	buf.WriteString("\033[H\033[2J")
	buf.WriteString("adskipper monitor (Ctrl+C to exit)\n")
	buf.WriteString(now.Format(time.RFC1123))
	buf.WriteString("\n\n")

	status, err := r.Source.Status(ctx)
	if err != nil {
		buf.WriteString(fmt.Sprintf("error: %v\n", err))
		return buf.String()
	}
	buf.WriteString(formatGate(status, now))
	buf.WriteByte('\n')
	if status.Metrics != nil {
		buf.WriteString(renderApps(*status.Metrics))
	}

	history, err := r.Source.History(ctx)
	if err != nil {
		buf.WriteString(fmt.Sprintf("history unavailable: %v\n", err))
		return buf.String()
	}
	buf.WriteString(renderHistory(history))
	return buf.String()
}

func formatGate(status client.Status, now time.Time) string {
	var b strings.Builder
	state := string(status.State)
	if status.DryRun {
		state += " (dry run)"
	}
	b.WriteString(fmt.Sprintf("Gate: %s\n", state))
	if last := status.Cooldown.LastActivation; !last.IsZero() {
		b.WriteString(fmt.Sprintf("Last activation: %s, %s ago\n", status.Cooldown.LastApp, now.Sub(last).Round(100*time.Millisecond)))
	} else {
		b.WriteString("Last activation: (none)\n")
	}
	b.WriteString(fmt.Sprintf("Cooldown %dms, depth %d, climb %d\n", status.CooldownMs, status.MaxDepth, status.MaxClimb))
	return b.String()
}

func renderApps(snap metrics.Snapshot) string {
	var b strings.Builder
	b.WriteString("Apps:\n")
	if len(snap.Apps) == 0 {
		b.WriteString("  (none)\n\n")
		return b.String()
	}
	apps := append([]metrics.AppMetrics(nil), snap.Apps...)
	sort.Slice(apps, func(i, j int) bool {
		return apps[i].Outcomes["activated"] > apps[j].Outcomes["activated"] ||
			(apps[i].Outcomes["activated"] == apps[j].Outcomes["activated"] && apps[i].App < apps[j].App)
	})
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "App\tActivated\tNo match\tErrors\tStore errors")
	for _, app := range apps {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", app.App, app.Outcomes["activated"], app.Outcomes["no-match"], app.Outcomes["error"], app.StoreErrors)
	}
	tw.Flush()
	b.WriteByte('\n')
	return b.String()
}

func renderHistory(history client.History) string {
	var b strings.Builder
	b.WriteString("Recent:\n")
	entries := history.Entries
	if len(entries) == 0 {
		b.WriteString("  (none)\n")
		return b.String()
	}
	if len(entries) > historyRows {
		entries = entries[len(entries)-historyRows:]
	}
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Time\tApp\tOutcome\tLabel\tLevel")
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		label := entry.Label
		if entry.Error != "" {
			label = entry.Error
		}
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", entry.Timestamp.Format(time.TimeOnly), entry.App, entry.Outcome, truncate(label, labelWidth), entry.Level)
	}
	tw.Flush()
	return b.String()
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}
