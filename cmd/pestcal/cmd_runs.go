package main

import (
	"errors"
	"fmt"

	"github.com/leixiaohui-1974/pestcal/internal/store"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored calibration runs",
		Long: `List stored runs, newest first.

Examples:
  pestcal runs
  pestcal runs --problem example --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			problem, _ := cmd.Flags().GetString("problem")
			limit, _ := cmd.Flags().GetInt("limit")

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			runs, err := openStore(settings)
			if err != nil {
				return err
			}
			defer runs.Close()

			summaries, err := runs.ListRuns(cmd.Context(), store.ListOptions{Problem: problem, Limit: limit})
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"runs":  summaries,
					"count": len(summaries),
				})
			}

			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No runs stored. Start one with 'pestcal run <problem.yaml>'.")
				return nil
			}
			fmt.Fprintf(out, "%-26s %-16s %-9s %-16s %12s %5s\n", "ID", "PROBLEM", "METHOD", "REASON", "PHI", "ITER")
			for _, s := range summaries {
				fmt.Fprintf(out, "%-26s %-16s %-9s %-16s %12.6g %5d\n", s.ID, s.Problem, s.Method, s.Reason, s.Objective, s.Iterations)
			}
			return nil
		},
	}

	cmd.Flags().String("problem", "", "Only list runs of this problem")
	cmd.Flags().Int("limit", 20, "Maximum number of runs (0 for all)")
	cmd.AddCommand(newRunsCheckCmd())
	return cmd
}

func newRunsCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the run database for corruption",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			runs, err := openStore(settings)
			if err != nil {
				return err
			}
			defer runs.Close()

			checkErr := runs.Check(cmd.Context())
			if jsonOut {
				result := map[string]any{"path": runs.Path(), "ok": checkErr == nil}
				if checkErr != nil {
					result["error"] = checkErr.Error()
				}
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				return checkErr
			}
			if checkErr != nil {
				return fmt.Errorf("run database %s: %w", runs.Path(), checkErr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run database OK: %s\n", runs.Path())
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stored run",
		Long: `Show the outcome, final parameters and objective history of a run.

Examples:
  pestcal show 20260402T100000-1a2b3c4d
  pestcal show 20260402T100000-1a2b3c4d --history --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			history, _ := cmd.Flags().GetBool("history")

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			runs, err := openStore(settings)
			if err != nil {
				return err
			}
			defer runs.Close()

			run, err := runs.GetRun(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("run not found: %s", args[0])
				}
				return err
			}

			if jsonOut {
				if history {
					return writeJSON(cmd.OutOrStdout(), run)
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"run":        run.Summarize(),
					"parameters": run.Result.Parameters,
					"objectives": run.Result.History.Objectives(),
				})
			}

			out := cmd.OutOrStdout()
			printRunSummary(out, run)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Objective history:")
			for _, rec := range run.Result.History {
				mark := ""
				if rec.Updated && !rec.Accepted {
					mark = "  (rejected)"
				}
				fmt.Fprintf(out, "  %3d  %.6g%s\n", rec.Iteration, rec.Objective, mark)
				if history {
					for _, w := range rec.Warnings {
						fmt.Fprintf(out, "       warning: %s: %s\n", w.Parameter, w.Message)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().Bool("history", false, "Include full iteration records")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			runs, err := openStore(settings)
			if err != nil {
				return err
			}
			defer runs.Close()

			if err := runs.DeleteRun(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("run not found: %s", args[0])
				}
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"status": "deleted", "id": args[0]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
			return nil
		},
	}
}
