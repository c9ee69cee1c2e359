package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"whatsgonow/pkg/domain"
	"whatsgonow/pkg/uploadsession"
)

var errNotSignedIn = errors.New("not signed in; run `whatsgonow login` first")

func newGuestCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guest",
		Short: "Work with guest upload sessions",
	}
	cmd.AddCommand(
		newGuestOpenCmd(e),
		newGuestUploadCmd(e),
		newGuestCreateCmd(e),
		newGuestCompleteCmd(e),
		newGuestURLCmd(e),
		newGuestStatusCmd(e),
		newGuestClearCmd(e),
	)
	return cmd
}

// resolve loads id through the resolver and keeps the device marker in step:
// a live session is remembered, an invalid one forgotten.
func (e *env) resolve(cmd *cobra.Command, id string) (domain.UploadSession, error) {
	if strings.TrimSpace(id) == "" {
		return domain.UploadSession{}, errors.New("session id is required")
	}
	ctx, cancel := e.withTimeout(cmd.Context())
	defer cancel()

	r := e.resolver()
	defer r.Close()
	r.SetSessionID(id)
	st, err := r.Wait(ctx)
	if err != nil {
		return domain.UploadSession{}, err
	}
	if st.Status == uploadsession.StatusErrored {
		if m, ok, _ := e.guest.LocalSession(ctx); ok && m.SessionID == st.SessionID {
			if err := e.guest.ClearLocalSession(ctx); err != nil {
				e.logger.Warn("guest_marker_clear_failed", "error", err)
			}
		}
		return domain.UploadSession{}, st.Err
	}
	if st.Session == nil {
		return domain.UploadSession{}, errors.New(uploadsession.InvalidSessionMessage)
	}
	us := *st.Session
	if err := e.guest.RememberLocalSession(ctx, us.SessionID, us.ExpiresAt); err != nil {
		return domain.UploadSession{}, err
	}
	return us, nil
}

func newGuestOpenCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "open <session-id>",
		Short: "Open a guest session from a shared link id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := e.resolve(cmd, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s\n", us.SessionID)
			fmt.Fprintf(out, "target:  %s\n", us.Target)
			fmt.Fprintf(out, "expires: %s (%s)\n", us.ExpiresAt.Format(time.RFC3339), e.guest.FormatExpiry(us.ExpiresAt))
			fmt.Fprintf(out, "files:   %d\n", len(us.UploadedFiles))
			if us.Completed {
				fmt.Fprintln(out, "status:  completed")
			}
			return nil
		},
	}
}

func newGuestUploadCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <session-id> <file>...",
		Short: "Upload files into a guest session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := e.resolve(cmd, args[0])
			if err != nil {
				return err
			}
			if e.guest.IsExpired(us.ExpiresAt) {
				return errors.New(uploadsession.InvalidSessionMessage)
			}
			if us.Completed {
				return fmt.Errorf("session %s is already completed", us.SessionID)
			}
			for _, path := range args[1:] {
				key, err := e.uploadOne(cmd, us.SessionID, path)
				if err != nil {
					return fmt.Errorf("upload %s: %w", filepath.Base(path), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s -> %s\n", filepath.Base(path), key)
			}
			return nil
		},
	}
}

func (e *env) uploadOne(cmd *cobra.Command, sessionID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	ctx, cancel := e.withTimeout(cmd.Context())
	defer cancel()
	return e.sessions.Upload(ctx, sessionID, filepath.Base(path), f)
}

func newGuestCreateCmd(e *env) *cobra.Command {
	var target string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a guest session and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target == "" {
				return errors.New("--target is required")
			}
			ctx, cancel := e.withTimeout(cmd.Context())
			defer cancel()
			token, err := e.auth.AccessToken(ctx)
			if err != nil {
				return err
			}
			if token == "" {
				return errNotSignedIn
			}
			us, err := e.sessions.Create(ctx, token, target, ttl)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, us.SessionID)
			fmt.Fprintf(out, "expires %s (%s)\n", us.ExpiresAt.Format(time.RFC3339), e.guest.FormatExpiry(us.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "what the uploads are for, e.g. order:123")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "session lifetime (service default when 0)")
	return cmd
}

func newGuestCompleteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <session-id>",
		Short: "Mark a guest session as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := e.withTimeout(cmd.Context())
			defer cancel()
			us, err := e.sessions.Complete(ctx, args[0])
			if err != nil {
				return err
			}
			if m, ok, _ := e.guest.LocalSession(ctx); ok && m.SessionID == us.SessionID {
				if err := e.guest.ClearLocalSession(ctx); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed %s with %d file(s)\n", us.SessionID, len(us.UploadedFiles))
			return nil
		},
	}
}

func newGuestURLCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "url <session-id> <file-name>",
		Short: "Print a download link for an uploaded file (session owner only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := e.withTimeout(cmd.Context())
			defer cancel()
			token, err := e.auth.AccessToken(ctx)
			if err != nil {
				return err
			}
			if token == "" {
				return errNotSignedIn
			}
			url, err := e.sessions.FileURL(ctx, token, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
}

func newGuestStatusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the guest session remembered on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, ok, err := e.guest.LocalSession(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintln(out, "no guest session")
				return nil
			}
			if e.guest.IsExpired(m.ExpiresAt) {
				fmt.Fprintf(out, "%s expired\n", m.SessionID)
				return nil
			}
			fmt.Fprintf(out, "%s %s\n", m.SessionID, e.guest.FormatExpiry(m.ExpiresAt))
			return nil
		},
	}
}

func newGuestClearCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the guest session on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.guest.ClearLocalSession(cmd.Context())
		},
	}
}
