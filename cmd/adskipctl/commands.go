package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjwcoding/ADSkipper/internal/control/client"
	"github.com/cjwcoding/ADSkipper/internal/metrics"
	"github.com/cjwcoding/ADSkipper/internal/ui/tui"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gate state, cooldown and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, ctx, cancel, err := opts.dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			status, err := cli.Status(ctx)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status, time.Now())
			return nil
		},
	}
}

func printStatus(w io.Writer, status client.Status, now time.Time) {
	fmt.Fprintf(w, "State: %s\n", status.State)
	if last := status.Cooldown.LastActivation; !last.IsZero() {
		fmt.Fprintf(w, "Last activation: %s (%s ago)\n", status.Cooldown.LastApp, now.Sub(last).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Cooldown: %dms  depth: %d  climb: %d\n", status.CooldownMs, status.MaxDepth, status.MaxClimb)
	if status.DryRun {
		fmt.Fprintln(w, "Dry run: on")
	}
	if status.Metrics != nil {
		printTotals(w, *status.Metrics)
	}
}

func printTotals(w io.Writer, snap metrics.Snapshot) {
	if len(snap.Totals) == 0 {
		return
	}
	outcomes := make([]string, 0, len(snap.Totals))
	for outcome := range snap.Totals {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	parts := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		parts = append(parts, fmt.Sprintf("%s=%d", outcome, snap.Totals[outcome]))
	}
	fmt.Fprintf(w, "Outcomes: %s\n", strings.Join(parts, " "))
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent matches and failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, ctx, cancel, err := opts.dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			history, err := cli.History(ctx)
			if err != nil {
				return err
			}
			if limit > 0 && len(history.Entries) > limit {
				history.Entries = history.Entries[len(history.Entries)-limit:]
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), history)
			}
			printHistory(cmd.OutOrStdout(), history)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 for all)")
	return cmd
}

func printHistory(w io.Writer, history client.History) {
	if len(history.Entries) == 0 {
		fmt.Fprintln(w, "No activations recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tAPP\tOUTCOME\tLABEL\tDEPTH\tLEVEL")
	for _, entry := range history.Entries {
		label := entry.Label
		if entry.Error != "" {
			label = entry.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", entry.Timestamp.Format(time.TimeOnly), entry.App, entry.Outcome, label, entry.Depth, entry.Level)
	}
	_ = tw.Flush()
}

func newReloadCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Trigger a live config reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, ctx, cancel, err := opts.dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			if err := cli.Reload(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Reload requested")
			return nil
		},
	}
}

func newRulesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage per-app custom keywords",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <app>",
			Short: "Show the custom keywords and effective set for an app",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cli, ctx, cancel, err := opts.dial(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				entry, err := cli.Rule(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), entry)
				}
				out := cmd.OutOrStdout()
				if entry.Raw == "" {
					fmt.Fprintf(out, "%s: no custom keywords\n", entry.App)
				} else {
					fmt.Fprintf(out, "%s: %s\n", entry.App, strings.ReplaceAll(entry.Raw, "\n", ", "))
				}
				fmt.Fprintf(out, "Effective: %s\n", strings.Join(entry.Keywords, " | "))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <app> <keywords>",
			Short: "Store custom keywords (comma, full-width comma or newline separated)",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cli, ctx, cancel, err := opts.dial(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				raw := strings.Join(args[1:], ",")
				if err := cli.SetRule(ctx, args[0], raw); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved keywords for %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear <app>",
			Short: "Remove the custom keywords for an app",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cli, ctx, cancel, err := opts.dial(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				if err := cli.ClearRule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared keywords for %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List every app with custom keywords",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cli, ctx, cancel, err := opts.dial(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				list, err := cli.Rules(ctx)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), list)
				}
				if len(list.Rules) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No custom rules")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "APP\tKEYWORDS\tUPDATED")
				for _, rule := range list.Rules {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", rule.App, strings.ReplaceAll(rule.Raw, "\n", ", "), rule.UpdatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}

func newAppsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Browse installed applications",
	}
	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List installed apps, optionally filtered by label or package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, ctx, cancel, err := opts.dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			apps, err := cli.Apps(ctx, filter)
			if err != nil {
				return err
			}
			return writeApps(cmd.OutOrStdout(), apps, opts.json)
		},
	}
	list.Flags().StringVarP(&filter, "filter", "f", "", "case-insensitive substring of label or package")
	scan := &cobra.Command{
		Use:   "scan",
		Short: "Refresh the installed app list from the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, ctx, cancel, err := opts.dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			apps, err := cli.ScanApps(ctx)
			if err != nil {
				return err
			}
			return writeApps(cmd.OutOrStdout(), apps, opts.json)
		},
	}
	cmd.AddCommand(list, scan)
	return cmd
}

func writeApps(w io.Writer, list client.AppList, asJSON bool) error {
	if asJSON {
		return printJSON(w, list)
	}
	if len(list.Apps) == 0 {
		fmt.Fprintln(w, "No apps")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tPACKAGE\tRULE")
	for _, app := range list.Apps {
		rule := ""
		if app.HasRule {
			rule = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", app.Label, app.Package, rule)
	}
	return tw.Flush()
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of gate state and recent activations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := client.New(opts.socket)
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			renderer := tui.New(cli, cmd.OutOrStdout())
			renderer.Refresh = refresh
			if err := renderer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 500*time.Millisecond, "refresh interval")
	return cmd
}
