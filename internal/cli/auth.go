package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"whatsgonow/pkg/authgate"
)

func isIdentityCheck(err error) bool {
	return errors.Is(err, authgate.ErrIdentityCheck)
}

func newLoginCmd(e *env) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and show your dashboard",
		Long: `Sign in with email and password. The password is read from stdin when
--password is omitted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(email) == "" {
				return errors.New("--email is required")
			}
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("password required (--password or stdin)")
				}
				password = strings.TrimRight(line, "\r\n")
			}
			ctx, cancel := e.withTimeout(cmd.Context())
			defer cancel()

			g, err := e.startGate(ctx)
			if err != nil {
				return err
			}
			defer g.Close()
			res, err := g.SignIn(ctx, authgate.Credentials{Email: email, Password: password})
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "signed in as %s\n", res.User.Email)
			if res.ProfileErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", res.ProfileErr)
			}
			e.router(cmd).Evaluate(g.State())
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func newLogoutCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := e.withTimeout(cmd.Context())
			defer cancel()
			g, err := e.startGate(ctx)
			if err != nil {
				return err
			}
			defer g.Close()
			if err := g.SignOut(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			e.router(cmd).Evaluate(g.State())
			return nil
		},
	}
}

func newWhoamiCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user, their role and landing page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := e.withTimeout(cmd.Context())
			defer cancel()
			g, err := e.startGate(ctx)
			if err != nil {
				return err
			}
			defer g.Close()
			st, err := g.WaitReady(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case st.User == nil && st.Err != nil:
				return st.Err
			case st.User == nil:
				fmt.Fprintln(out, "not signed in")
			case st.Profile == nil:
				fmt.Fprintf(out, "%s (profile unavailable: %v)\n", st.User.Email, st.Err)
			default:
				name := st.Profile.Name
				if name == "" {
					name = st.User.Email
				}
				fmt.Fprintf(out, "%s <%s> role=%s\n", name, st.User.Email, st.Profile.Role)
			}
			e.router(cmd).Evaluate(st)
			return nil
		},
	}
}
