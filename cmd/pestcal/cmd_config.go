package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/leixiaohui-1974/pestcal/internal/archive"
	"github.com/leixiaohui-1974/pestcal/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// configKeys lists the settable keys in display order.
var configKeys = []string{
	"logging.level",
	"engine.workers",
	"engine.perturbation",
	"engine.max_iterations",
	"engine.tolerance",
	"engine.model_timeout",
	"store.path",
	"export.dir",
	"export.keep",
	"export.max_age",
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage pestcal settings",
		Long: `View and modify pestcal settings.

Settings are stored in ~/.pestcal/config.yaml. Environment variables
(PESTCAL_LOG_LEVEL, PESTCAL_WORKERS, PESTCAL_MAX_ITERATIONS,
PESTCAL_TOLERANCE, PESTCAL_STORE_PATH) override the file.

Examples:
  pestcal config list                         # Show all settings
  pestcal config get engine.workers           # Get a specific setting
  pestcal config set engine.workers 8         # Set a setting
  pestcal config set export.max_age 30d`,
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigGetCmd(),
		newConfigSetCmd(),
	)

	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			settings, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), settings)
			}
			data, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Settings (~/.pestcal/config.yaml + environment):")
			fmt.Fprintln(cmd.OutOrStdout())
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key := args[0]

			settings, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			value, found := getConfigValue(settings, key)
			if !found {
				return fmt.Errorf("unknown configuration key: %s (valid: %v)", key, configKeys)
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"key": key, "value": value})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, value)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a setting",
		// Flags are parsed in RunE so negative values such as -1 are not
		// taken for shorthand flags.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			positional, flags := splitSetArgs(args)
			if err := cmd.ParseFlags(flags); err != nil {
				if errors.Is(err, pflag.ErrHelp) {
					return cmd.Help()
				}
				return err
			}
			if err := cobra.ExactArgs(2)(cmd, positional); err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			key, value := positional[0], positional[1]

			dir, err := config.Dir()
			if err != nil {
				return err
			}
			path := filepath.Join(dir, "config.yaml")

			// Edit the file contents only, so environment overrides are not
			// persisted.
			settings := config.Default()
			if _, err := os.Stat(path); err == nil {
				settings, err = config.LoadFromFile(path)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			}

			if err := setConfigValue(settings, key, value); err != nil {
				return err
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			if err := settings.Save(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"status": "updated",
					"key":    key,
					"value":  value,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			return nil
		},
	}
}

// splitSetArgs separates flags from positional arguments. Anything that
// parses as a number or duration is a value, and everything after "--" is positional.
func splitSetArgs(args []string) (positional, flags []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return append(positional, args[i+1:]...), flags
		case !strings.HasPrefix(arg, "-") || arg == "-":
			positional = append(positional, arg)
		case isSignedValue(arg):
			positional = append(positional, arg)
		default:
			flags = append(flags, arg)
			// --root takes a separate value unless given as --root=dir.
			if arg == "--root" && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		}
	}
	return positional, flags
}

func isSignedValue(s string) bool {
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	_, err := time.ParseDuration(s)
	return err == nil
}

// getConfigValue retrieves a setting by dot-notation key.
func getConfigValue(s *config.Settings, key string) (any, bool) {
	switch key {
	case "logging.level":
		return s.Logging.Level, true
	case "engine.workers":
		return s.Engine.Workers, true
	case "engine.perturbation":
		return s.Engine.Perturbation, true
	case "engine.max_iterations":
		return s.Engine.MaxIterations, true
	case "engine.tolerance":
		return s.Engine.Tolerance, true
	case "engine.model_timeout":
		return s.Engine.ModelTimeout.String(), true
	case "store.path":
		return s.Store.Path, true
	case "export.dir":
		return s.Export.Dir, true
	case "export.keep":
		return s.Export.Keep, true
	case "export.max_age":
		return s.Export.MaxAge.String(), true
	default:
		return nil, false
	}
}

// setConfigValue sets a setting by dot-notation key. Range checks are left
// to Settings.Validate.
func setConfigValue(s *config.Settings, key, value string) error {
	var err error
	switch key {
	case "logging.level":
		s.Logging.Level = value
	case "engine.workers":
		s.Engine.Workers, err = strconv.Atoi(value)
	case "engine.perturbation":
		s.Engine.Perturbation, err = strconv.ParseFloat(value, 64)
	case "engine.max_iterations":
		s.Engine.MaxIterations, err = strconv.Atoi(value)
	case "engine.tolerance":
		s.Engine.Tolerance, err = strconv.ParseFloat(value, 64)
	case "engine.model_timeout":
		s.Engine.ModelTimeout, err = time.ParseDuration(value)
	case "store.path":
		s.Store.Path = value
	case "export.dir":
		s.Export.Dir = value
	case "export.keep":
		s.Export.Keep, err = strconv.Atoi(value)
	case "export.max_age":
		s.Export.MaxAge, err = archive.ParseAge(value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q", key, value)
	}
	return nil
}
