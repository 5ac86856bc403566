// Package cmd provides the CLI commands for sahguard.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/studentenathome/sahguard/internal/appdir"
	"github.com/studentenathome/sahguard/internal/config"
	"github.com/studentenathome/sahguard/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgSource is the file cfg was loaded from, or "" for built-in defaults.
	cfgSource string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sahguard",
	Short: "sahguard - abuse mitigation and session lifecycle for StudentenAtHome",
	Long: `sahguard protects the StudentenAtHome API against brute force,
request floods and cross-site request forgery, and manages the
lifecycle of login sessions.

Run "sahguard serve" to start the API server, or use the session
commands (login, status, renew, watch, logout) against a running one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		var err error
		cfg, cfgSource, err = loadConfig(configPath)
		if err != nil {
			return err
		}

		if err := logging.Initialize(loggingConfig(cfg)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if cfgSource != "" {
			logging.Settings().Debug("Configuration loaded", "path", cfgSource)
		} else {
			logging.Settings().Debug("Using built-in configuration")
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (YAML). Defaults to $SAHGUARD_CONFIG, then config.yaml in the data directory")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config, else info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'web,security,auth'). Empty means all components.")
}

// resolveConfigPath picks the config file to load:
//  1. --config flag
//  2. SAHGUARD_CONFIG environment variable
//  3. config.yaml in the data directory, if it exists
//
// An empty result means the built-in defaults apply.
func resolveConfigPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv(config.EnvConfigPath); env != "" {
		return env, nil
	}
	p, err := appdir.ConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return p, nil
}

// loadConfig resolves and loads the configuration. It returns the path
// the configuration came from.
func loadConfig(flag string) (*config.Config, string, error) {
	path, err := resolveConfigPath(flag)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
		return c, path, nil
	}

	c := config.Default()
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return nil, "", err
	}
	return c, "", nil
}

// loggingConfig merges the logging flags over the configuration file.
// Priority: --log-level flag > --debug flag > config > info.
func loggingConfig(c *config.Config) logging.Config {
	lc := logging.Config{
		Level:      c.Logging.Level,
		FileLevel:  c.Logging.FileLevel,
		JSON:       c.Logging.JSON,
		Components: c.Logging.Components,
	}
	switch {
	case logLevel != "":
		lc.Level = logLevel
	case debug:
		lc.Level = "debug"
	case lc.Level == "":
		lc.Level = "info"
	}

	path := c.Logging.File
	if logFile != "" {
		path = logFile
	}
	if path != "" {
		lc.File = &logging.FileConfig{
			Path:       path,
			MaxSizeMB:  c.Logging.MaxSizeMB,
			MaxBackups: c.Logging.MaxBackups,
		}
	}

	if logComponents != "" {
		lc.Components = splitList(logComponents)
	}
	return lc
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
