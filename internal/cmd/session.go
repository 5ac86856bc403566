package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/studentenathome/sahguard/internal/appdir"
	"github.com/studentenathome/sahguard/internal/client"
	"github.com/studentenathome/sahguard/internal/config"
	"github.com/studentenathome/sahguard/internal/httpx"
	"github.com/studentenathome/sahguard/internal/logging"
	"github.com/studentenathome/sahguard/internal/secrets"
	"github.com/studentenathome/sahguard/internal/session"
)

var (
	serverURL     string
	loginEmail    string
	loginPassword string
	passwordStdin bool
	statusRemote  bool
	watchRenew    bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store a session",
	Long: `Log in to a sahguard server and store the session locally.
The session is valid for 24 hours; use "sahguard renew" to extend it.

Example:
  sahguard login --email me@example.com              # Prompt for the password
  echo "$PW" | sahguard login --email me@example.com --password-stdin`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the stored session and forget it",
	RunE:  runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	RunE:  runStatus,
}

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Exchange the stored session for a fresh one",
	RunE:  runRenew,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the stored session and warn before it expires",
	Long: `Check the stored session once a minute (client.check_interval),
print a warning when it enters its final minutes and exit when it
expires. With --renew the session is renewed instead of warned about.`,
	RunE: runWatch,
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, logoutCmd, statusCmd, renewCmd, watchCmd} {
		c.Flags().StringVar(&serverURL, "server", "", "Server URL (default: client.server_url from config)")
		rootCmd.AddCommand(c)
	}

	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (prefer --password-stdin)")
	loginCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	_ = loginCmd.MarkFlagRequired("email")

	statusCmd.Flags().BoolVar(&statusRemote, "remote", false, "Also ask the server whether the session is still accepted")
	watchCmd.Flags().BoolVar(&watchRenew, "renew", false, "Renew the session automatically when it is about to expire")
}

// sessionPath returns the configured session file or the default one in
// the data directory.
func sessionPath(c *config.Config) (string, error) {
	if c.Client.SessionFile != "" {
		return c.Client.SessionFile, nil
	}
	if _, err := appdir.EnsureDir(); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return appdir.SessionPath()
}

// sessionStorage picks where the CLI keeps its session. The keychain is
// used when configured and available, the session file otherwise.
func sessionStorage(c *config.Config, store secrets.Store) (session.Storage, error) {
	if c.Client.SessionStore == "keychain" {
		if store.IsSupported() {
			return session.NewSecretStorage(store, secrets.ServiceName, secrets.AccountSession), nil
		}
		logging.Session().Warn("Keychain not available on this platform, using the session file")
	}
	path, err := sessionPath(c)
	if err != nil {
		return nil, err
	}
	return session.NewFileStorage(path), nil
}

// newSessionManager wires the API client and the session storage into a
// session manager.
func newSessionManager(c *config.Config) (*session.Manager, *client.Client, error) {
	storage, err := sessionStorage(c, secrets.Default())
	if err != nil {
		return nil, nil, err
	}
	base := c.Client.ServerURL
	if serverURL != "" {
		base = serverURL
	}
	var opts []client.Option
	if c.Client.Timeout > 0 {
		opts = append(opts, client.WithTimeout(c.Client.Timeout))
	}
	api := client.New(base, opts...)

	m := session.NewManager(api, storage, logging.Session(),
		session.WithWarnBefore(c.Client.WarnBefore),
		session.WithCheckInterval(c.Client.CheckInterval),
	)
	return m, api, nil
}

// readPassword returns the first line of r without the line terminator.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printSession(w io.Writer, s *session.Session, now time.Time) {
	role := "user"
	if s.IsAdmin {
		role = "admin"
	}
	fmt.Fprintf(w, "   Email:   %s\n", s.Email)
	fmt.Fprintf(w, "   Role:    %s\n", role)
	fmt.Fprintf(w, "   Expires: %s (in %s)\n", s.ExpiresAt.Local().Format(time.RFC1123), s.Remaining(now).Round(time.Second))
}

func runLogin(cmd *cobra.Command, args []string) error {
	password := loginPassword
	if passwordStdin || password == "" {
		if !passwordStdin {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		}
		var err error
		if password, err = readPassword(cmd.InOrStdin()); err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
	}

	m, _, err := newSessionManager(cfg)
	if err != nil {
		return err
	}
	s, err := m.Login(cmd.Context(), session.Credentials{Email: loginEmail, Password: password})
	switch {
	case client.IsCode(err, httpx.CodeInvalidCredentials):
		return errors.New("invalid email or password")
	case client.IsCode(err, httpx.CodeRateLimitExceeded):
		return errors.New("too many login attempts, please try again later")
	case client.IsCode(err, httpx.CodeIPBlocked):
		return errors.New("access from this address is blocked")
	case err != nil:
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "✅ Logged in")
	printSession(cmd.OutOrStdout(), s, time.Now())
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	m, _, err := newSessionManager(cfg)
	if err != nil {
		return err
	}
	s := m.Check()
	if s == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
		return nil
	}
	m.Logout(cmd.Context(), s)
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, api, err := newSessionManager(cfg)
	if err != nil {
		return err
	}
	now := time.Now()
	state := m.State(now)
	s := m.Check()
	if s == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Session: %s\n", state)
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Session: %s\n", state)
	printSession(cmd.OutOrStdout(), s, now)

	if statusRemote {
		if _, err := api.Session(cmd.Context(), s.Token); err != nil {
			if client.IsCode(err, httpx.CodeSessionInvalid) {
				fmt.Fprintln(cmd.OutOrStdout(), "   Server:  rejected (log in again)")
				return nil
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "   Server:  accepted")
	}
	return nil
}

func runRenew(cmd *cobra.Command, args []string) error {
	m, _, err := newSessionManager(cfg)
	if err != nil {
		return err
	}
	s := m.Check()
	if s == nil {
		return errors.New("not logged in")
	}
	fresh, err := m.Renew(cmd.Context(), s)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "🔄 Session renewed")
	printSession(cmd.OutOrStdout(), fresh, time.Now())
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	m, _, err := newSessionManager(cfg)
	if err != nil {
		return err
	}
	if m.Check() == nil {
		return errors.New("not logged in")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	err = m.Watch(ctx, session.Events{
		OnWarning: func(s *session.Session, remaining time.Duration) {
			if !watchRenew {
				fmt.Fprintf(out, "⚠️  Session expires in %s; run \"sahguard renew\" to extend it\n", remaining.Round(time.Second))
				return
			}
			if _, err := m.Renew(ctx, s); err != nil {
				fmt.Fprintf(out, "⚠️  Renewal failed (%v); session expires in %s\n", err, remaining.Round(time.Second))
				return
			}
			fmt.Fprintln(out, "🔄 Session renewed")
		},
		OnExpired: func() {
			fmt.Fprintln(out, "Session expired, please log in again")
		},
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
