package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/samrose/pg-erl/middleware"
	"github.com/samrose/pg-erl/observability"
	"github.com/samrose/pg-erl/server"
)

type serveOptions struct {
	*rootOptions
	Name         string
	Listen       string
	EPMD         string
	EmbeddedEPMD bool
	Metrics      string
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node that answers calls with demo handlers",
		Long: `Run a distribution node that answers rpc calls and casts for the demo
module (echo, add, sleep). It registers with the port mapper at --epmd, or
runs its own with --embedded-epmd.

Example:
  pgerl serve --name demo@127.0.0.1 --cookie secret --embedded-epmd`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "node name, alias@host")
	cmd.Flags().StringVar(&opts.Listen, "listen", "0.0.0.0:0", "distribution listen address")
	cmd.Flags().StringVar(&opts.EPMD, "epmd", "", "port mapper address (default 127.0.0.1:epmd.port)")
	cmd.Flags().BoolVar(&opts.EmbeddedEPMD, "embedded-epmd", false, "serve the port mapper in this process")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "address for /health and /metrics, overrides metrics.addr")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	cookie, err := opts.cookie()
	if err != nil {
		return err
	}
	if opts.EPMD == "" {
		opts.EPMD = net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.EPMD.Port))
	}
	if opts.Metrics == "" {
		opts.Metrics = cfg.Metrics.Addr
	}

	scfg := server.Config{Name: opts.Name, Cookie: cookie, Logger: logger}
	scfg.Transport.HandshakeTimeout = cfg.Timeouts.Handshake
	scfg.Transport.ReadTimeout = cfg.Timeouts.Read
	scfg.Transport.WriteTimeout = cfg.Timeouts.Write
	scfg.Transport.TickInterval = cfg.Timeouts.Tick

	svr, stop, err := startNode(ctx, scfg, opts)
	if err != nil {
		return err
	}
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.MetricsMiddleware())
	if err := svr.Register(&Demo{}); err != nil {
		stop()
		return err
	}

	var admin *http.Server
	if opts.Metrics != "" {
		admin = &http.Server{
			Addr: opts.Metrics,
			Handler: observability.NewAdminRouter(logger, func() gin.H {
				return gin.H{"node": opts.Name, "connections": svr.Connections()}
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("admin server")
			}
		}()
	}

	logger.Info().Str("node", opts.Name).Str("addr", svr.Addr().String()).Msg("serving")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	if admin != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = admin.Shutdown(sctx)
		cancel()
	}
	return stop()
}

// startNode starts the distribution listener and registers it with the port
// mapper. The returned func shuts both down.
func startNode(ctx context.Context, cfg server.Config, opts *serveOptions) (*server.Server, func() error, error) {
	if opts.EmbeddedEPMD {
		s, err := server.StartStandalone(cfg, opts.EPMD, opts.Listen)
		if err != nil {
			return nil, nil, err
		}
		return s.Server, s.Close, nil
	}

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return nil, nil, err
	}
	svr := server.NewServer(cfg)
	go func() {
		if err := svr.Serve(ln); err != nil {
			cfg.Logger.Error().Err(err).Msg("serve")
		}
	}()

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svr.RegisterEPMD(rctx, opts.EPMD, ln.Addr().(*net.TCPAddr).Port); err != nil {
		svr.Shutdown(time.Second)
		return nil, nil, fmt.Errorf("register with %s: %w", opts.EPMD, err)
	}
	return svr, func() error { return svr.Shutdown(5 * time.Second) }, nil
}

// Demo is the module served by `pgerl serve`.
type Demo struct{}

// Echo returns its arguments, or the single argument when there is one.
func (d *Demo) Echo(ctx context.Context, args []any) (any, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return args, nil
}

// Add sums integer or float arguments.
func (d *Demo) Add(ctx context.Context, args []any) (any, error) {
	var ints int64
	var floats float64
	isFloat := false
	for _, a := range args {
		switch n := a.(type) {
		case int64:
			ints += n
		case float64:
			floats += n
			isFloat = true
		default:
			return nil, fmt.Errorf("badarg: %v", a)
		}
	}
	if isFloat {
		return floats + float64(ints), nil
	}
	return ints, nil
}

// Sleep waits for the given number of milliseconds.
func (d *Demo) Sleep(ctx context.Context, args []any) (any, error) {
	if len(args) != 1 {
		return nil, errors.New("badarg: sleep takes one argument")
	}
	ms, ok := args[0].(int64)
	if !ok || ms < 0 {
		return nil, fmt.Errorf("badarg: %v", args[0])
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return "ok", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

