package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cjwcoding/ADSkipper/internal/config"
	"github.com/cjwcoding/ADSkipper/internal/engine"
	"github.com/cjwcoding/ADSkipper/internal/ipc"
	"github.com/cjwcoding/ADSkipper/internal/rules"
	"github.com/cjwcoding/ADSkipper/internal/state"
	"github.com/cjwcoding/ADSkipper/internal/store"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

func newCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(configPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "path to configuration file")
	return cmd
}

func runCheck(configPath string, stdout, stderr io.Writer) error {
	if configPath == "" {
		return fmt.Errorf("check requires --config <path>")
	}
	lintErrs, err := config.LintFile(configPath)
	if err != nil {
		return err
	}
	if len(lintErrs) == 0 {
		fmt.Fprintln(stdout, "Configuration OK")
		return nil
	}

	fmt.Fprintf(stderr, "Configuration has %d issue(s):\n", len(lintErrs))
	for _, lintErr := range lintErrs {
		fmt.Fprintf(stderr, "- %s\n", lintErr.Error())
	}
	return fmt.Errorf("configuration validation failed")
}

type scanOptions struct {
	dump       string
	app        string
	keywords   string
	configPath string
	verbose    bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the skip pipeline against a saved uiautomator dump without tapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.dump, "dump", "", "uiautomator XML dump to scan")
	cmd.Flags().StringVar(&opts.app, "app", "", "application id (defaults to the dump's package)")
	cmd.Flags().StringVar(&opts.keywords, "keywords", "", "custom keywords for the app")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "config file supplying keywords and bounds")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline traces")
	_ = cmd.MarkFlagRequired("dump")
	return cmd
}

func runScan(ctx context.Context, opts *scanOptions, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}

	f, err := os.Open(opts.dump)
	if err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()
	tree, err := state.DecodeUIAutomator(f)
	if err != nil {
		return err
	}
	app := strings.TrimSpace(opts.app)
	if app == "" {
		app = tree.ForegroundPackage()
	}
	if app == "" {
		return fmt.Errorf("dump has no package; pass --app")
	}

	level := util.LevelWarn
	if opts.verbose {
		level = util.LevelTrace
	}
	logger := util.NewLoggerWithWriter(level, stderr)

	rs := store.NewMemory()
	if err := rs.SetRawKeywords(ctx, app, opts.keywords); err != nil {
		return err
	}
	matcher, err := rules.NewMatcher(cfg.ShortLabelMax, cfg.CountdownPatterns...)
	if err != nil {
		return err
	}
	resolver := rules.NewResolver(rs, rules.BuildDefaults(cfg.Keywords, cfg.ExtraKeywords), cfg.StoreTimeout(), logger)
	eng := engine.New(tree, nil, resolver, matcher, logger, engine.Options{
		Cooldown: cfg.Cooldown(),
		MaxDepth: cfg.MaxDepth,
		MaxClimb: cfg.MaxClimb,
		DryRun:   true,
	})

	outcome := eng.OnUIChanged(ctx, app, engine.EventWindowState)
	fmt.Fprintf(stdout, "%s: %s\n", app, outcome)
	history := eng.History()
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1]
	if last.Label != "" {
		fmt.Fprintf(stdout, "  label: %q (%s, depth %d)\n", last.Label, last.Field, last.Depth)
	}
	if last.Target != "" {
		fmt.Fprintf(stdout, "  target: %s (level %d)\n", last.Target, last.Level)
	}
	if last.Error != "" {
		fmt.Fprintf(stdout, "  error: %s\n", last.Error)
	}
	return nil
}

func newEmitCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "emit <kind> <app>",
		Short: "Publish a UI change event to a socket-sourced daemon",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := socket
			if path == "" {
				var err error
				if path, err = ipc.EventSocketPath(); err != nil {
					return err
				}
			}
			kind := engine.ParseEventKind(args[0])
			if kind == engine.EventOther {
				return fmt.Errorf("unknown event kind %q (want windowstate or windowcontent)", args[0])
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := ipc.Publish(ctx, path, ipc.Event{Kind: string(kind), Payload: args[1]}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s for %s\n", kind, args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&socket, "events-socket", "", "event socket path (defaults to $XDG_RUNTIME_DIR/adskipper/events.sock)")
	return cmd
}
