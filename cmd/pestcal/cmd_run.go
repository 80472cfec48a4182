package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/leixiaohui-1974/pestcal/internal/logging"
	"github.com/leixiaohui-1974/pestcal/internal/runner"
	"github.com/leixiaohui-1974/pestcal/internal/store"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <problem.yaml>",
		Short: "Calibrate a problem and store the run",
		Long: `Run a calibration described by a problem file.

Progress is logged to stderr. The finished run, including one that was
interrupted with Ctrl+C, is stored and can be inspected with 'pestcal show'.

Examples:
  pestcal run problem.yaml
  pestcal run problem.yaml --log-level debug   # also write .pestcal/decisions.jsonl
  pestcal run problem.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			jsonOut, _ := cmd.Flags().GetBool("json")

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if f := cmd.Flags().Lookup("log-level"); f.Changed {
				settings.Logging.Level = f.Value.String()
			}
			if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
				settings.Engine.Workers = workers
			}

			runs, err := openStore(settings)
			if err != nil {
				return err
			}
			defer runs.Close()

			decisions := logging.NewDecisionLogger(store.LocalPestcalPath(root), settings.Logging.Level)
			defer decisions.Close()

			r := &runner.Runner{
				Settings:  settings,
				Store:     runs,
				Logger:    newLogger(cmd, settings),
				Decisions: decisions,
				Source:    "cli",
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			run, runErr := r.RunFile(ctx, args[0])
			if run == nil {
				return fmt.Errorf("calibration failed: %w", runErr)
			}

			if jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), map[string]any{
					"run":        run.Summarize(),
					"parameters": run.Result.Parameters,
				}); err != nil {
					return err
				}
			} else {
				printRunSummary(cmd.OutOrStdout(), run)
			}
			return runErr
		},
	}

	cmd.Flags().String("log-level", "info", "Log level: warn, info, debug, trace")
	cmd.Flags().Int("workers", 0, "Concurrent forward runs for the Jacobian (default from config)")
	return cmd
}

// printRunSummary writes the outcome and final parameters of run.
func printRunSummary(w io.Writer, run *store.Run) {
	res := run.Result
	status := "did not converge"
	if res.Converged {
		status = "converged"
	}
	fmt.Fprintf(w, "Run %s (%s): %s\n", run.ID, run.Problem, status)
	fmt.Fprintf(w, "  Method:       %s\n", res.Method)
	fmt.Fprintf(w, "  Reason:       %s\n", res.Reason)
	fmt.Fprintf(w, "  Objective:    %.6g\n", res.Objective)
	fmt.Fprintf(w, "  Iterations:   %d\n", res.Iterations)
	fmt.Fprintf(w, "  Forward runs: %d\n", res.ForwardRuns)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Parameters:")
	printParameters(w, res.Parameters)
}

// printParameters lists values as group/name = value in sorted order.
func printParameters(w io.Writer, values map[string]map[string]float64) {
	groups := make([]string, 0, len(values))
	for g := range values {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		names := make([]string, 0, len(values[g]))
		for n := range values[g] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(w, "  %-24s %.6g\n", g+"/"+n, values[g][n])
		}
	}
}
