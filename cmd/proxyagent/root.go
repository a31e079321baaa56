package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sardanioss/proxyagent/logging"
	"github.com/sardanioss/proxyagent/proxy"
)

var (
	// Global flags
	cfgFile string
	verbose bool

	rootFlags struct {
		proxyURL  string
		tunnel    bool
		preset    string
		logLevel  string
		logFormat string
	}
)

var rootCmd = &cobra.Command{
	Use:   "proxyagent",
	Short: "Send HTTP requests through an authenticating forward proxy",
	Long: `proxyagent routes HTTP requests through a forward proxy.

The proxy is reached either in plain mode, where it forwards absolute-form
requests itself, or in tunnel mode, where a CONNECT tunnel is opened and TLS
runs end to end with the origin. Static Basic credentials and NTLM
challenge-response authentication are supported.

Configuration comes from a YAML file (--config), PROXYAGENT_* environment
variables and flags, in increasing order of precedence.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
	rootCmd.PersistentFlags().StringVarP(&rootFlags.proxyURL, "proxy", "x", "", "proxy URL, overrides the config file (userinfo becomes the Basic credential)")
	rootCmd.PersistentFlags().BoolVar(&rootFlags.tunnel, "tunnel", false, "use CONNECT tunnels")
	rootCmd.PersistentFlags().StringVar(&rootFlags.preset, "preset", "", "TLS fingerprint preset for tunnels (golang, chrome, firefox, safari, edge, ios)")
	rootCmd.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootFlags.logFormat, "log-format", "text", "log format (text, json)")
}

// loadConfig builds the proxy configuration from the config file, the
// environment and the flags of cmd.
func loadConfig(cmd *cobra.Command) (*proxy.Config, error) {
	cfg := &proxy.Config{}
	if cfgFile != "" {
		var err error
		if cfg, err = proxy.Load(cfgFile); err != nil {
			return nil, err
		}
	}
	proxy.ApplyEnvOverrides(cfg)
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	proxy.ApplyDefaults(cfg)
	if err := proxy.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies the flags the user set onto cfg.
func applyFlags(cmd *cobra.Command, cfg *proxy.Config) error {
	flags := cmd.Flags()
	if rootFlags.proxyURL != "" {
		fromURL, err := proxy.FromURL(rootFlags.proxyURL)
		if err != nil {
			return fmt.Errorf("--proxy: %w", err)
		}
		cfg.URL = fromURL.URL
		if fromURL.Credential != "" {
			cfg.Credential = fromURL.Credential
		}
	}
	if flags.Changed("tunnel") {
		cfg.Tunnel = rootFlags.tunnel
	}
	if rootFlags.preset != "" {
		cfg.Preset = rootFlags.preset
	}
	return nil
}

func newLogger() (*slog.Logger, error) {
	level := rootFlags.logLevel
	if verbose {
		level = "debug"
	}
	return logging.New(logging.Config{Level: level, Format: rootFlags.logFormat})
}
