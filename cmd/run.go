package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cwbudde/gdescent/internal/opt"
	"github.com/cwbudde/gdescent/internal/solve"
	"github.com/cwbudde/gdescent/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Minimize an objective",
	Long: `Minimizes a catalog objective, by default with the finite-difference
gradient descent and optionally with the mayfly swarm optimizer.

Without flags this minimizes f(x) = x^2 from x = 1 with step size 0.1
for 50 iterations.`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.String("objective", "square", "Objective to minimize (see 'gdescent objectives')")
	f.String("method", store.MethodDescent, "Optimization method (descent, mayfly)")
	f.Int("dim", 0, "Dimensionality (0 = objective default, or length of --start)")
	f.String("start", "", "Start point as comma-separated coordinates (default: objective start point)")
	f.Float64("step-size", 0.1, "Descent step size")
	f.Int("max-iters", 50, "Maximum number of iterations")
	f.Float64("h", opt.DefaultDifferenceStep, "Finite-difference step")
	f.Float64("threshold", opt.DefaultGradientThreshold, "Stop once the gradient norm falls below this")
	f.Bool("strict", false, "Reject degenerate settings instead of running them")
	f.Int("pop", opt.MinMayflyPopulation, "Mayfly population size")
	f.Int64("seed", 42, "Mayfly random seed")
	f.Int("patience", 0, "Stop after N iterations without relative improvement (0 = off)")
	f.Float64("stall-threshold", 1e-6, "Minimum relative improvement counted by --patience")
	f.Bool("save", false, "Persist the run under --data-dir")
	f.Bool("trace", false, "Write a per-iteration trace under --data-dir")
	f.String("data-dir", "./data", "Base directory for runs and traces")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	config, err := runConfigFromViper()
	if err != nil {
		return err
	}

	save := viper.GetBool("save")
	tracing := viper.GetBool("trace")

	var runStore *store.FSStore
	if save || tracing {
		runStore, err = store.NewFSStore(viper.GetString("data-dir"))
		if err != nil {
			return fmt.Errorf("failed to create run store: %w", err)
		}
	}

	runID := uuid.New().String()

	var trace *store.TraceWriter
	var traceProgress opt.ProgressFunc
	if tracing {
		trace, err = store.NewTraceWriter(runStore.BaseDir(), runID, false)
		if err != nil {
			return fmt.Errorf("failed to open trace: %w", err)
		}
		traceProgress = trace.Progress(true)
	}
	progress := opt.ChainProgress(traceProgress, stallProgress())

	outcome, err := solve.Solve(config, progress)
	if trace != nil {
		if cerr := trace.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close trace: %w", cerr)
		}
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printOutcome(out, outcome)

	if save {
		if err := runStore.SaveRun(runID, outcome.NewRun(runID)); err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		fmt.Fprintf(out, "Saved run: %s\n", runID)
	}
	if trace != nil {
		fmt.Fprintf(out, "Trace: %s (%d entries)\n", trace.Path(), trace.Written())
	}

	return nil
}

// runConfigFromViper assembles a run configuration from the bound flags,
// environment and config file.
func runConfigFromViper() (store.RunConfig, error) {
	start, err := parseStart(viper.GetString("start"))
	if err != nil {
		return store.RunConfig{}, err
	}

	config := store.RunConfig{
		Objective: viper.GetString("objective"),
		Method:    viper.GetString("method"),
		Dim:       viper.GetInt("dim"),
		Start:     start,
		PopSize:   viper.GetInt("pop"),
		Seed:      viper.GetInt64("seed"),
	}
	config.StepSize = viper.GetFloat64("step-size")
	config.MaxIterations = viper.GetInt("max-iters")
	config.DifferenceStep = viper.GetFloat64("h")
	config.GradientThreshold = viper.GetFloat64("threshold")
	config.Strict = viper.GetBool("strict")

	return config, nil
}

// stallProgress returns the stall detector configured by --patience, or nil.
func stallProgress() opt.ProgressFunc {
	patience := viper.GetInt("patience")
	if patience <= 0 {
		return nil
	}
	tracker := opt.NewConvergenceTracker(opt.ConvergenceConfig{
		Enabled:   true,
		Patience:  patience,
		Threshold: viper.GetFloat64("stall-threshold"),
	})
	return tracker.Progress()
}

// parseStart parses "1.5, -2" into a point. An empty string yields nil.
func parseStart(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	fields := strings.Split(s, ",")
	point := make([]float64, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid start coordinate %q: %w", field, err)
		}
		point = append(point, v)
	}
	return point, nil
}

func formatPoint(point []float64) string {
	parts := make([]string, len(point))
	for i, v := range point {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ", ")
}

func printOutcome(w io.Writer, outcome *solve.Outcome) {
	fmt.Fprintf(w, "Function location: %s\n", formatPoint(outcome.Point))
	fmt.Fprintf(w, "Function value: %g\n", outcome.Value)
	fmt.Fprintf(w, "Iterations: %d (%s)\n", outcome.Iterations, outcome.Reason)
	fmt.Fprintf(w, "Gradient norm: %g\n", outcome.GradientNorm)
	fmt.Fprintf(w, "Evaluations: %d in %s\n", outcome.Evaluations, outcome.Elapsed)
}
