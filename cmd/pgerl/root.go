package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/samrose/pg-erl/bridge"
	"github.com/samrose/pg-erl/client"
	"github.com/samrose/pg-erl/config"
	"github.com/samrose/pg-erl/observability"
)

const (
	exitFailure      = 1 // the remote side answered negatively (pang, cast not sent)
	exitCommandError = 2 // bad input or unreachable node
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitCommandError
}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Cookie     string
	LogLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "pgerl",
		Short:         "Call functions on remote distribution nodes",
		Long:          "pgerl connects to named nodes through the port mapper and runs calls, casts and async calls against their rpc dispatcher.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Cookie, "cookie", os.Getenv("PGERL_COOKIE"), "shared secret (default $PGERL_COOKIE or ~/.erlang.cookie)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level, overrides log.level")

	cmd.AddCommand(newCallCommand(opts))
	cmd.AddCommand(newCastCommand(opts))
	cmd.AddCommand(newAsyncCommand(opts))
	cmd.AddCommand(newPingCommand(opts))
	cmd.AddCommand(newNodesCommand(opts))
	cmd.AddCommand(newServeCommand(opts))

	return cmd
}

// load reads the configuration and installs the logger.
func (o *rootOptions) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level := cfg.Log.Level
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	return cfg, observability.InitLogger("pgerl", level), nil
}

// cookie returns the configured secret, falling back to the cookie file the
// runtime itself uses.
func (o *rootOptions) cookie() (string, error) {
	if o.Cookie != "" {
		return o.Cookie, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no --cookie given: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(home, ".erlang.cookie"))
	if err != nil {
		return "", fmt.Errorf("no --cookie given: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// open builds a bridge and connects it to node. The caller closes the
// returned client.
func (o *rootOptions) open(ctx context.Context, node string, tweak ...func(*client.Config)) (*bridge.Bridge, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, err
	}
	cookie, err := o.cookie()
	if err != nil {
		return nil, err
	}
	ccfg, err := cfg.ClientConfig(logger)
	if err != nil {
		return nil, err
	}
	for _, fn := range tweak {
		fn(&ccfg)
	}

	b := bridge.New(client.New(ccfg), logger)
	if err := b.Client().Connect(ctx, node, cookie); err != nil {
		b.Client().Close()
		return nil, err
	}
	return b, nil
}

// argsJSON returns the optional trailing argument document.
func argsJSON(args []string, at int) []byte {
	if len(args) > at {
		return []byte(args[at])
	}
	return nil
}
