package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/studentenathome/sahguard/internal/appdir"
	"github.com/studentenathome/sahguard/internal/config"
	"github.com/studentenathome/sahguard/internal/lifecycle"
	"github.com/studentenathome/sahguard/internal/logging"
	"github.com/studentenathome/sahguard/internal/store"
	"github.com/studentenathome/sahguard/internal/web"
)

// shutdownTimeout bounds how long in-flight requests may take to finish.
const shutdownTimeout = 10 * time.Second

var (
	servePort  int
	serveHost  string
	serveWatch bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the HTTP API server with the abuse-mitigation middleware:
IP blocking, rate limiting, CSRF protection and session authentication.

When the server was started from a configuration file, edits to the
file's admin_emails and security.whitelist are applied without a
restart.

Example:
  sahguard serve                         # Listen on the configured address
  sahguard serve --port 9090             # Override the port
  sahguard serve --port 0                # Use a random port`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default: from config). Use 0 for a random port")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "HTTP host (default: from config)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch-config", true, "Reload admin_emails and whitelist when the config file changes")
}

// databasePath returns the configured database path or the default one in
// the data directory.
func databasePath(c *config.Config) (string, error) {
	if c.Database.Path != "" {
		return c.Database.Path, nil
	}
	if _, err := appdir.EnsureDir(); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return appdir.DatabasePath()
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.Web()

	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}

	dbPath, err := databasePath(cfg)
	if err != nil {
		return err
	}
	users, err := store.Open(dbPath)
	if err != nil {
		return err
	}

	srv, err := web.New(cfg, web.Options{Users: users})
	if err != nil {
		users.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	l, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		users.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr(), err)
	}

	shutdown := lifecycle.NewShutdownManager(logging.Shutdown())

	if serveWatch && cfgSource != "" {
		w, err := config.NewWatcher(cfgSource, logging.Settings())
		if err != nil {
			logger.Warn("Config file watching disabled", "path", cfgSource, "error", err)
		} else {
			w.OnReload(srv.Reload)
			w.Start()
			shutdown.AddCleanup(func(string) {
				if err := w.Close(); err != nil {
					logger.Warn("Failed to stop config watcher", "error", err)
				}
			})
		}
	}

	shutdown.AddCleanup(func(reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown failed", "error", err)
		}
	})
	shutdown.AddCleanup(func(string) {
		if err := users.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	})
	shutdown.Start()

	fmt.Fprintf(cmd.OutOrStdout(), "🛡️  sahguard listening on http://%s\n", l.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "   Database: %s\n", dbPath)
	fmt.Fprintf(cmd.OutOrStdout(), "   Rate limit backend: %s\n", cfg.RateLimit.Backend)
	fmt.Fprintf(cmd.OutOrStdout(), "   Press Ctrl+C to stop\n")

	serveErr := srv.Serve(l)
	if serveErr != nil {
		shutdown.Shutdown("serve_error")
		return serveErr
	}
	<-shutdown.Done()
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped (%s)\n", shutdown.Reason())
	return nil
}
