package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/leixiaohui-1974/pestcal/internal/archive"
	"github.com/leixiaohui-1974/pestcal/internal/config"
	"github.com/leixiaohui-1974/pestcal/internal/pathutil"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [id...]",
		Short: "Export stored runs to a compressed archive",
		Long: `Export runs with their full iteration history to a zstd-compressed
archive with an xxhash checksum. With no IDs every stored run is exported.

Default location: ~/.pestcal/exports/pestcal-runs-YYYYMMDD-HHMMSS.pcz
Afterwards the export directory is pruned by export.keep and export.max_age.

Examples:
  pestcal export                                # Export all runs
  pestcal export 20260402T100000-1a2b3c4d       # Export one run
  pestcal export --output .pestcal/exports/a.pcz
  pestcal export list                           # List archives`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			jsonOut, _ := cmd.Flags().GetBool("json")
			outputPath, _ := cmd.Flags().GetString("output")

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			exportDir, err := settings.ExportDir()
			if err != nil {
				return err
			}

			if outputPath == "" {
				outputPath = archive.GeneratePath(exportDir, time.Now())
			} else {
				outputPath, err = pathutil.Within(outputPath, pathutil.ExportRoots(exportDir, root))
				if err != nil {
					return fmt.Errorf("export path rejected: %w", err)
				}
			}

			runs, err := openStore(settings)
			if err != nil {
				return err
			}
			defer runs.Close()

			header, err := archive.Export(cmd.Context(), runs, args, outputPath, map[string]string{"source": "cli", "version": version})
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			policy := archive.NewPolicy(settings.Export.Keep, settings.Export.MaxAge)
			removed, err := archive.Prune(filepath.Dir(outputPath), policy, false)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to apply retention: %v\n", err)
			}

			var sizeBytes int64
			if info, err := os.Stat(outputPath); err == nil {
				sizeBytes = info.Size()
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"path":            outputPath,
					"run_count":       header.RunCount,
					"iteration_count": header.IterationCount,
					"checksum":        header.Checksum,
					"size_bytes":      sizeBytes,
					"pruned":          removed,
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Exported %d runs (%d iterations, %s)\n", header.RunCount, header.IterationCount, humanize.Bytes(uint64(sizeBytes)))
			fmt.Fprintf(out, "  Path:     %s\n", outputPath)
			fmt.Fprintf(out, "  Checksum: %s\n", header.Checksum)
			if len(removed) > 0 {
				fmt.Fprintf(out, "  Pruned %d old archives\n", len(removed))
			}
			return nil
		},
	}

	cmd.Flags().String("output", "", "Output file path (default: auto-generated in the export directory)")
	cmd.AddCommand(newExportListCmd())
	return cmd
}

func newExportListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archives in the export directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			dir, err := exportDir()
			if err != nil {
				return err
			}
			infos, err := archive.List(dir)
			if err != nil {
				return fmt.Errorf("failed to list archives: %w", err)
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"archives":    infos,
					"total_count": len(infos),
					"directory":   dir,
				})
			}

			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintf(out, "No archives found in %s\n", dir)
				return nil
			}
			fmt.Fprintf(out, "Archives in %s:\n", dir)
			var total int64
			for _, info := range infos {
				total += info.Size
				fmt.Fprintf(out, "  %s  %4d runs  %8s  %s\n",
					info.CreatedAt.Local().Format("2006-01-02 15:04:05"), info.Runs,
					humanize.Bytes(uint64(info.Size)), filepath.Base(info.Path))
			}
			fmt.Fprintf(out, "\nTotal: %d archives, %s\n", len(infos), humanize.Bytes(uint64(total)))
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import runs from an archive",
		Long: `Import runs from an archive into the run store. The checksum is
verified first.

Modes:
  skip    - Keep runs whose ID already exists (default)
  replace - Overwrite existing runs with the archived copy

Examples:
  pestcal import ~/.pestcal/exports/pestcal-runs-20260402-100000.pcz
  pestcal import shared.pcz --mode replace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			jsonOut, _ := cmd.Flags().GetBool("json")
			mode, _ := cmd.Flags().GetString("mode")

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			dir, err := settings.ExportDir()
			if err != nil {
				return err
			}
			inputPath, err := pathutil.Within(args[0], pathutil.ExportRoots(dir, root))
			if err != nil {
				return fmt.Errorf("import path rejected: %w", err)
			}

			runs, err := openStore(settings)
			if err != nil {
				return err
			}
			defer runs.Close()

			result, err := archive.Import(cmd.Context(), runs, inputPath, archive.ImportMode(mode))
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Import complete (mode: %s): %d imported, %d skipped\n", mode, result.Imported, result.Skipped)
			return nil
		},
	}

	cmd.Flags().String("mode", string(archive.ImportSkip), "Import mode: skip or replace")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify archive integrity",
		Long: `Verify an archive by recomputing the checksum of its payload.

Examples:
  pestcal verify ~/.pestcal/exports/pestcal-runs-20260402-100000.pcz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath := args[0]
			jsonOut, _ := cmd.Flags().GetBool("json")

			header, err := archive.Verify(filePath)
			if jsonOut {
				result := map[string]any{"file": filePath, "valid": err == nil}
				if err != nil {
					result["error"] = err.Error()
				} else {
					result["version"] = header.Version
					result["checksum"] = header.Checksum
					result["run_count"] = header.RunCount
				}
				if encErr := writeJSON(cmd.OutOrStdout(), result); encErr != nil {
					return encErr
				}
				return err
			}
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Archive is valid")
			fmt.Fprintf(out, "  File:     %s\n", filePath)
			fmt.Fprintf(out, "  Created:  %s\n", header.CreatedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "  Runs:     %d (%d iterations)\n", header.RunCount, header.IterationCount)
			fmt.Fprintf(out, "  Checksum: %s\n", header.Checksum)
			return nil
		},
	}
}

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old archives from the export directory",
		Long: `Remove archives that fall outside the retention limits. Flags
override export.keep and export.max_age from the settings; an archive
is kept only if every limit keeps it.

Examples:
  pestcal prune --keep 5
  pestcal prune --max-age 30d --max-size 500MB --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			policy, err := prunePolicy(cmd, settings)
			if err != nil {
				return err
			}
			dir, err := settings.ExportDir()
			if err != nil {
				return err
			}

			removed, err := archive.Prune(dir, policy, dryRun)
			if err != nil {
				return fmt.Errorf("prune failed: %w", err)
			}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"removed": removed,
					"count":   len(removed),
					"dry_run": dryRun,
				})
			}

			out := cmd.OutOrStdout()
			verb := "Removed"
			if dryRun {
				verb = "Would remove"
			}
			fmt.Fprintf(out, "%s %d archives\n", verb, len(removed))
			for _, path := range removed {
				fmt.Fprintf(out, "  %s\n", filepath.Base(path))
			}
			return nil
		},
	}

	cmd.Flags().Int("keep", 0, "Keep at most this many archives (default from config)")
	cmd.Flags().String("max-age", "", "Remove archives older than this, e.g. 72h, 30d, 2w")
	cmd.Flags().String("max-size", "", "Keep the newest archives up to this total size, e.g. 500MB")
	cmd.Flags().Bool("dry-run", false, "List what would be removed without deleting")
	return cmd
}

// prunePolicy combines the prune flags with the settings' retention limits.
func prunePolicy(cmd *cobra.Command, settings *config.Settings) (archive.Policy, error) {
	keep := settings.Export.Keep
	if cmd.Flags().Changed("keep") {
		keep, _ = cmd.Flags().GetInt("keep")
	}
	maxAge := settings.Export.MaxAge
	if s, _ := cmd.Flags().GetString("max-age"); s != "" {
		d, err := archive.ParseAge(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-age: %w", err)
		}
		maxAge = d
	}

	policies := archive.All{archive.NewPolicy(keep, maxAge)}
	if s, _ := cmd.Flags().GetString("max-size"); s != "" {
		n, err := archive.ParseSize(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-size: %w", err)
		}
		policies = append(policies, archive.KeepUnderSize{MaxBytes: n})
	}
	return policies, nil
}

// exportDir loads the settings and returns the archive directory.
func exportDir() (string, error) {
	settings, err := loadSettings()
	if err != nil {
		return "", err
	}
	return settings.ExportDir()
}
