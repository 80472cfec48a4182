package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/leixiaohui-1974/pestcal/internal/config"
	"github.com/leixiaohui-1974/pestcal/internal/store"
	"github.com/spf13/cobra"
)

// exampleProblem calibrates y = a*x + b against three noisy points. It runs
// without an external simulator.
const exampleProblem = `# pestcal calibration problem
#
# Run with:   pestcal run problem.yaml
# Inspect:    pestcal runs; pestcal show <id>
name: example
method: lm            # svd | tikhonov | lm
max_iterations: 20
tolerance: 1.0e-6

parameter_groups:
  - name: line
    parameters:
      - {name: a, initial: 1.0, lower: -10, upper: 10}
      - {name: b, initial: 0.0, lower: -10, upper: 10}

observation_groups:
  - name: heads
    names: [h1, h2, h3]
    values: [3.1, 4.9, 7.0]
    sigmas: [0.1, 0.1, 0.1]

# Replace with kind: command to drive an external simulator, which reads
# {"parameters": {...}} on stdin and prints {"simulated": [...]} on stdout.
model:
  kind: linear
  matrix:
    - [1, 1]
    - [2, 1]
    - [3, 1]
`

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an example problem and the .pestcal directory",
		Long: `Initialize a project for calibration.

Creates <root>/.pestcal/ for decision logs and writes an example
problem.yaml unless one already exists. With --global, also writes
~/.pestcal/config.yaml with default settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			globalInit, _ := cmd.Flags().GetBool("global")
			jsonOut, _ := cmd.Flags().GetBool("json")

			pestcalDir := store.LocalPestcalPath(root)
			if err := os.MkdirAll(pestcalDir, 0700); err != nil {
				return fmt.Errorf("failed to create .pestcal directory: %w", err)
			}

			problemPath := filepath.Join(root, "problem.yaml")
			created, err := writeIfMissing(problemPath, []byte(exampleProblem), 0644)
			if err != nil {
				return fmt.Errorf("failed to write example problem: %w", err)
			}

			result := map[string]any{
				"status":          "initialized",
				"path":            pestcalDir,
				"problem":         problemPath,
				"problem_created": created,
			}

			if globalInit {
				if err := store.EnsureGlobalPestcalDir(); err != nil {
					return fmt.Errorf("failed to initialize global directory: %w", err)
				}
				dir, err := store.GlobalPestcalPath()
				if err != nil {
					return err
				}
				configPath := filepath.Join(dir, "config.yaml")
				if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
					if err := config.Default().Save(configPath); err != nil {
						return err
					}
				}
				result["config"] = configPath
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initialized %s\n", pestcalDir)
			if created {
				fmt.Fprintf(out, "  Wrote example problem: %s\n", problemPath)
			} else {
				fmt.Fprintf(out, "  Kept existing problem: %s\n", problemPath)
			}
			if path, ok := result["config"]; ok {
				fmt.Fprintf(out, "  Settings: %s\n", path)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Next: pestcal run problem.yaml")
			return nil
		},
	}

	cmd.Flags().Bool("global", false, "Also write default settings to ~/.pestcal/config.yaml")
	return cmd
}

// writeIfMissing creates path with data and reports whether it did.
func writeIfMissing(path string, data []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
