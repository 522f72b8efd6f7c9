package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/starbox/internal/config"
)

var version = "0.1.0"

var (
	configFlag  string
	verboseFlag bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "starbox",
	Short: "starbox - run Starlark scripts in a capability sandbox",
	Long: `starbox runs untrusted Starlark scripts in a fresh, isolated guest.

A script sees no host files unless a directory is granted to it with
-m host:guest[:ro|rw], and every invocation starts from a clean slate.`,
	Version:           version,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: search for starbox.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging")
}

// loadConfig reads the config and installs the process logger. Logs go to
// stderr so stdout carries only script results.
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg = c

	level, _ := cfg.Level()
	if verboseFlag {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// exitError ends the process with a status after its message has already
// been printed.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "starbox:", err)
		os.Exit(1)
	}
}
