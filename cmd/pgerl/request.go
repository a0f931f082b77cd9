package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/samrose/pg-erl/client"
	"github.com/samrose/pg-erl/message"
)

type callOptions struct {
	*rootOptions
	Timeout time.Duration
	Retries int
}

func newCallCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &callOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call <node> <module> <function> [args-json]",
		Short: "Call a function and print its result as JSON",
		Long: `Call module:function on node and print the result as JSON.

A JSON array is the argument list; any other value is passed as the single
argument.

Example:
  pgerl call app@db1 erlang node
  pgerl call app@db1 lists reverse '[[1,2,3]]' --timeout 2s`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.open(cmd.Context(), args[0], func(cfg *client.Config) {
				cfg.Retries = max(cfg.Retries, opts.Retries)
			})
			if err != nil {
				return err
			}
			defer b.Client().Close()

			out, err := b.Call(cmd.Context(), args[0], args[1], args[2], argsJSON(args, 3), opts.Timeout.Milliseconds())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 0, "reply timeout (0 uses request.default_timeout)")
	cmd.Flags().IntVar(&opts.Retries, "retries", 0, "retry timed out calls; the function may run more than once")

	return cmd
}

func newCastCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cast <node> <module> <function> [args-json]",
		Short: "Send a function call without waiting for a result",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := rootOpts.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer b.Client().Close()

			ok := b.Cast(cmd.Context(), args[0], args[1], args[2], argsJSON(args, 3))
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			if !ok {
				return &exitError{code: exitFailure, err: errors.New("cast was not sent")}
			}
			return nil
		},
	}
	return cmd
}

type asyncOptions struct {
	*rootOptions
	Timeout      time.Duration
	PollInterval time.Duration
}

func newAsyncCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &asyncOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "async <node> <module> <function> [args-json]",
		Short: "Send an async call and poll until its result arrives",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := opts.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer b.Client().Close()

			handle, err := b.SendAsync(ctx, args[0], args[1], args[2], argsJSON(args, 3))
			if err != nil {
				return err
			}

			deadline := time.Now().Add(opts.Timeout)
			for polls := 1; ; polls++ {
				resp, err := b.Client().PollAsync(ctx, handle, opts.PollInterval)
				if err != nil {
					return err
				}
				switch resp.Outcome {
				case message.OutcomeValue:
					// completed handles answer from the cache
					out, err := b.PollAsync(ctx, handle, 0)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "handle %d completed after %d polls\n", handle, polls)
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
					return nil
				case message.OutcomeError:
					return &exitError{code: exitFailure, err: fmt.Errorf("handle %d: %s", handle, resp.Reason)}
				}
				if time.Now().After(deadline) {
					return &exitError{code: exitFailure, err: fmt.Errorf("handle %d: no reply within %s", handle, opts.Timeout)}
				}
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 5*time.Second, "give up after this long")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", 100*time.Millisecond, "wait per poll")

	return cmd
}

func newPingCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping <node>",
		Short: "Check that a node accepts our cookie",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := rootOpts.open(cmd.Context(), args[0])
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "pang")
				return &exitError{code: exitFailure, err: err}
			}
			defer b.Client().Close()

			if !b.CheckConnection(args[0]) {
				fmt.Fprintln(cmd.OutOrStdout(), "pang")
				return &exitError{code: exitFailure, err: fmt.Errorf("%s: connection lost", args[0])}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pong")
			return nil
		},
	}
}
