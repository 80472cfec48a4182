package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/leixiaohui-1974/pestcal/internal/config"
	"github.com/leixiaohui-1974/pestcal/internal/logging"
	"github.com/leixiaohui-1974/pestcal/internal/store"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pestcal",
		Short: "Parameter estimation for numerical models",
		Long: `pestcal calibrates the parameters of a numerical model against observed data.

It estimates sensitivities by finite differences, updates parameters with
SVD-assist, Tikhonov or Levenberg-Marquardt steps, and keeps a history of
every run for later inspection and export.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("root", ".", "Project root directory")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newRunCmd(),
		newRunsCmd(),
		newShowCmd(),
		newDeleteCmd(),
		// Archive commands
		newExportCmd(),
		newImportCmd(),
		newVerifyCmd(),
		newPruneCmd(),
		newConfigCmd(),
		newMCPServerCmd(),
	)

	return rootCmd
}

// loadSettings loads and validates operator settings.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return settings, nil
}

// openStore opens the run database named by settings.
func openStore(settings *config.Settings) (*store.SQLiteRunStore, error) {
	path, err := settings.StorePath()
	if err != nil {
		return nil, err
	}
	runs, err := store.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return runs, nil
}

// newLogger builds the stderr logger, honoring --log-level when the command
// defines it.
func newLogger(cmd *cobra.Command, settings *config.Settings) *slog.Logger {
	level := settings.Logging.Level
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		level = f.Value.String()
	}
	return logging.NewLogger(level, cmd.ErrOrStderr())
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
