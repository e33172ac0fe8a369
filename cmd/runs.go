package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cwbudde/gdescent/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage saved runs",
	Long: `Manage runs saved with 'gdescent run --save' or by the server,
including listing, inspecting and cleaning old runs.`,
}

var listRunsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all saved runs",
	Long:  `Display all runs with metadata including run ID, timestamp, objective, iterations, final value and size on disk.`,
	RunE:  runListRuns,
}

var showRunCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one saved run",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRun,
}

var cleanRunsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old runs",
	Long: `Delete old runs based on retention policy.
You can specify how many runs to keep or delete runs older than N days.`,
	RunE: runCleanRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.AddCommand(listRunsCmd)
	runsCmd.AddCommand(showRunCmd)
	runsCmd.AddCommand(cleanRunsCmd)

	runsCmd.PersistentFlags().String("data-dir", "./data", "Base directory for runs and traces")

	showRunCmd.Flags().Bool("trace", false, "Print the run's trace")

	cleanRunsCmd.Flags().Int("keep-last", 0, "Keep only the last N runs (0 = keep all)")
	cleanRunsCmd.Flags().Int("older-than", 0, "Delete runs older than N days (0 = no age limit)")
	cleanRunsCmd.Flags().BoolP("force", "f", false, "Skip confirmation prompt")
}

func runListRuns(cmd *cobra.Command, args []string) error {
	dataDir := viper.GetString("data-dir")
	runStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	infos, err := runStore.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tTIMESTAMP\tOBJECTIVE\tMETHOD\tDIM\tITERATIONS\tVALUE\tREASON\tSIZE")
	fmt.Fprintln(w, "------\t---------\t---------\t------\t---\t----------\t-----\t------\t----")

	for _, info := range infos {
		sizeStr := "unknown"
		if size, err := getDirSize(runStore.RunDir(info.ID)); err == nil {
			sizeStr = formatBytes(size)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.6g\t%s\t%s\n",
			shortID(info.ID),
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Objective,
			info.Method,
			info.Dim,
			info.Iterations,
			info.FinalValue,
			info.Reason,
			sizeStr,
		)
	}

	w.Flush()

	fmt.Fprintf(out, "\nTotal runs: %d\n", len(infos))
	return nil
}

func runShowRun(cmd *cobra.Command, args []string) error {
	runStore, err := store.NewFSStore(viper.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	run, err := runStore.LoadRun(args[0])
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run: %s\n", run.ID)
	fmt.Fprintf(out, "Saved: %s\n", run.Timestamp.Format(time.RFC3339))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Objective: %s\n", run.Config.Objective)
	fmt.Fprintf(out, "  Method: %s\n", run.Config.Method)
	fmt.Fprintf(out, "  Start: %s\n", formatPoint(run.Config.Start))
	fmt.Fprintf(out, "  Step size: %g\n", run.Config.StepSize)
	fmt.Fprintf(out, "  Max iterations: %d\n", run.Config.MaxIterations)
	fmt.Fprintf(out, "  Difference step: %g\n", run.Config.DifferenceStep)
	fmt.Fprintf(out, "  Gradient threshold: %g\n", run.Config.GradientThreshold)
	if run.Config.Method == store.MethodMayfly {
		fmt.Fprintf(out, "  Population: %d\n", run.Config.PopSize)
		fmt.Fprintf(out, "  Seed: %d\n", run.Config.Seed)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Result:")
	fmt.Fprintf(out, "  Function location: %s\n", formatPoint(run.FinalPoint))
	fmt.Fprintf(out, "  Function value: %g\n", run.FinalValue)
	fmt.Fprintf(out, "  Initial value: %g\n", run.InitialValue)
	fmt.Fprintf(out, "  Iterations: %d (%s)\n", run.Iterations, run.Reason)
	fmt.Fprintf(out, "  Evaluations: %d\n", run.Evaluations)
	fmt.Fprintf(out, "  Gradient norm: %g\n", run.GradientNorm)

	if !viper.GetBool("trace") {
		return nil
	}

	reader, err := store.NewTraceReader(runStore.BaseDir(), run.ID)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintln(out, "\nNo trace recorded.")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITERATION\tVALUE\tGRADIENT NORM\tPOINT")
	for _, entry := range entries {
		fmt.Fprintf(w, "%d\t%.6g\t%.6g\t%s\n", entry.Iteration, entry.Value, entry.GradientNorm, formatPoint(entry.Point))
	}
	return w.Flush()
}

func runCleanRuns(cmd *cobra.Command, args []string) error {
	keepLast := viper.GetInt("keep-last")
	olderThanDays := viper.GetInt("older-than")
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	runStore, err := store.NewFSStore(viper.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	infos, err := runStore.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No runs to clean.")
		return nil
	}

	toDelete := selectRunsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No runs match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%s, %d iterations, %s)\n",
			shortID(info.ID),
			info.Objective,
			info.Iterations,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !viper.GetBool("force") {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		response = strings.TrimSpace(response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		if err := runStore.DeleteRun(info.ID); err != nil {
			slog.Error("Failed to delete run", "run_id", info.ID, "error", err)
			failed++
		} else {
			slog.Info("Deleted run", "run_id", info.ID)
			deleted++
		}
	}

	fmt.Fprintf(out, "\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectRunsForDeletion returns the runs older than olderThanDays plus the
// oldest runs beyond the newest keepLast, each at most once, oldest first.
// A zero limit disables that rule.
func selectRunsForDeletion(infos []store.RunInfo, keepLast int, olderThanDays int, now time.Time) []store.RunInfo {
	sorted := make([]store.RunInfo, len(infos))
	copy(sorted, infos)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	excess := 0
	if keepLast > 0 && len(sorted) > keepLast {
		excess = len(sorted) - keepLast
	}

	var cutoff time.Time
	if olderThanDays > 0 {
		cutoff = now.AddDate(0, 0, -olderThanDays)
	}

	var toDelete []store.RunInfo
	for i, info := range sorted {
		if i < excess || (olderThanDays > 0 && info.Timestamp.Before(cutoff)) {
			toDelete = append(toDelete, info)
		}
	}
	return toDelete
}

// shortID truncates a run ID for display
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
