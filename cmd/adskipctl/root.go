package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjwcoding/ADSkipper/internal/control/client"
)

type globalOptions struct {
	socket  string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "adskipctl",
		Short:         "Control and inspect the adskipd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.socket, "socket", "", "path to adskipd control socket")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 3*time.Second, "control request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newReloadCmd(opts),
		newRulesCmd(opts),
		newAppsCmd(opts),
		newWatchCmd(opts),
		newCheckCmd(),
		newScanCmd(),
		newEmitCmd(),
	)
	return root
}

func (o *globalOptions) dial(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	cli, err := client.New(o.socket)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create client: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cancel := func() {}
	if o.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	return cli, ctx, cancel, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
