// Package cli implements the whatsgonow command line client.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"whatsgonow/internal/authclient"
	"whatsgonow/internal/sessionclient"
	"whatsgonow/internal/util"
	"whatsgonow/pkg/authgate"
	"whatsgonow/pkg/devicestore"
	"whatsgonow/pkg/guestsession"
	"whatsgonow/pkg/rolerouter"
	"whatsgonow/pkg/uploadsession"
)

type Option func(*env)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(e *env) { e.now = now }
}

// env holds what a command needs once flags and config are resolved.
type env struct {
	configPath string
	logLevel   string
	now        func() time.Time

	cfg      Config
	timeout  time.Duration
	logger   *slog.Logger
	kv       *devicestore.SQLite
	auth     *authclient.Provider
	sessions *sessionclient.Client
	guest    *guestsession.Store
}

// NewRootCmd builds the command tree.
func NewRootCmd(opts ...Option) *cobra.Command {
	e := &env{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}

	root := &cobra.Command{
		Use:           "whatsgonow",
		Short:         "whatsgonow client",
		Long:          "Sign in, see where your role lands you, and upload files into guest sessions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.open(cmd)
		},
	}
	root.PersistentFlags().StringVar(&e.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/whatsgonow/config.yaml)")
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newLoginCmd(e),
		newLogoutCmd(e),
		newWhoamiCmd(e),
		newGuestCmd(e),
		newLangCmd(e),
	)
	closeAfterRun(e, root)
	return root
}

// closeAfterRun releases device storage when any command returns, including
// on error, which PersistentPostRun would skip.
func closeAfterRun(e *env, cmd *cobra.Command) {
	for _, c := range cmd.Commands() {
		closeAfterRun(e, c)
	}
	run := cmd.RunE
	if run == nil {
		return
	}
	cmd.RunE = func(c *cobra.Command, args []string) (err error) {
		defer func() { err = errors.Join(err, e.close()) }()
		return run(c, args)
	}
}

// ExecuteContext runs the CLI with ctx.
func ExecuteContext(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (e *env) open(cmd *cobra.Command) error {
	cfg, err := LoadConfig(e.configPath)
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		cfg.LogLevel = e.logLevel
	}
	e.cfg = cfg
	e.timeout, _ = cfg.timeout()
	e.logger = util.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	kv, err := devicestore.OpenSQLite(cmd.Context(), cfg.DataPath)
	if err != nil {
		return err
	}
	e.kv = kv
	e.auth = authclient.NewProvider(authclient.NewClient(cfg.AuthURL), kv,
		authclient.WithClock(e.now), authclient.WithLogger(e.logger))
	e.sessions = sessionclient.NewClient(cfg.SessionsURL)
	e.guest = guestsession.New(kv, guestsession.WithClock(e.now), guestsession.WithLogger(e.logger))
	return nil
}

func (e *env) close() error {
	if e.kv == nil {
		return nil
	}
	err := e.kv.Close()
	e.kv = nil
	return err
}

// startGate returns a started gate. An unreachable identity check is logged
// and left to the caller to surface through the gate state.
func (e *env) startGate(ctx context.Context) (*authgate.Gate, error) {
	g := authgate.New(e.auth, e.auth,
		authgate.WithLogger(e.logger),
		authgate.WithFetchTimeout(e.timeout))
	if err := g.Start(ctx); err != nil && !isIdentityCheck(err) {
		g.Close()
		return nil, err
	}
	return g, nil
}

// router prints every navigation as "-> <path>".
func (e *env) router(cmd *cobra.Command) *rolerouter.Router {
	out := cmd.OutOrStdout()
	return rolerouter.New(rolerouter.NavigatorFunc(func(path string) {
		fmt.Fprintf(out, "-> %s\n", path)
	}), rolerouter.WithLogger(e.logger))
}

func (e *env) resolver() *uploadsession.Resolver {
	return uploadsession.NewResolver(e.sessions,
		uploadsession.WithClock(e.now),
		uploadsession.WithLogger(e.logger),
		uploadsession.WithFetchTimeout(e.timeout))
}

func (e *env) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 2*e.timeout)
}
