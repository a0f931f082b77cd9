package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/samrose/pg-erl/registry"
)

type nodesOptions struct {
	*rootOptions
	Watch bool
}

func newNodesCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &nodesOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "nodes <node>",
		Short: "List the local processes connected to a node",
		Long: `List the connections to node that pgerl clients published in the
etcd directory (directory.endpoints).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if len(cfg.Directory.Endpoints) == 0 {
				return errors.New("directory.endpoints is not configured")
			}
			dir, err := registry.NewEtcdDirectory(cfg.Directory.Endpoints, cfg.Timeouts.Dial)
			if err != nil {
				return err
			}
			defer dir.Close()

			ctx := cmd.Context()
			if !opts.Watch {
				entries, err := dir.Discover(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntries(cmd.OutOrStdout(), entries)
			}
			for entries := range dir.Watch(ctx, args[0]) {
				if err := printEntries(cmd.OutOrStdout(), entries); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "print the list again whenever it changes")

	return cmd
}

func printEntries(w io.Writer, entries []registry.NodeEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tLOCAL\tHOST\tCONNECTED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Node, e.Local, e.Host, e.ConnectedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
