package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cwbudde/gdescent/internal/opt"
	"github.com/cwbudde/gdescent/internal/solve"
	"github.com/cwbudde/gdescent/internal/store"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue a saved descent run",
	Long: `Continues a saved descent run from its final point for another
--max-iters iterations. The run record is updated in place and its trace,
if any, is extended.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	f := resumeCmd.Flags()
	f.Int("max-iters", 50, "Additional iterations to run")
	f.Float64("step-size", 0, "Override the step size (0 = keep the saved one)")
	f.String("data-dir", "./data", "Base directory for runs and traces")

	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]

	runStore, err := store.NewFSStore(viper.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	run, err := runStore.LoadRun(runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}

	resumed, err := resumeRun(runStore, run, viper.GetInt("max-iters"), viper.GetFloat64("step-size"))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Resumed run: %s\n", runID)
	fmt.Fprintf(out, "Function location: %s\n", formatPoint(resumed.FinalPoint))
	fmt.Fprintf(out, "Function value: %g\n", resumed.FinalValue)
	fmt.Fprintf(out, "Iterations: %d total (%s)\n", resumed.Iterations, resumed.Reason)
	fmt.Fprintf(out, "Gradient norm: %g\n", resumed.GradientNorm)
	return nil
}

// resumeRun continues run from its final point and saves the extended
// record. Trace entries of the new leg are numbered after the old ones.
func resumeRun(runStore *store.FSStore, run *store.Run, extraIters int, stepSize float64) (*store.Run, error) {
	if run.Config.Method != store.MethodDescent {
		return nil, fmt.Errorf("only %s runs can be resumed, run %s used %s", store.MethodDescent, run.ID, run.Config.Method)
	}
	if extraIters <= 0 {
		return nil, fmt.Errorf("--max-iters must be positive, got %d", extraIters)
	}

	config := run.Config
	config.Start = run.FinalPoint
	config.MaxIterations = extraIters
	if stepSize != 0 {
		config.StepSize = stepSize
	}
	if err := run.IsCompatible(config); err != nil {
		return nil, err
	}

	// Only runs that were traced from the start get their trace extended
	var trace *store.TraceWriter
	reader, err := store.NewTraceReader(runStore.BaseDir(), run.ID)
	switch {
	case err == nil:
		reader.Close()
		trace, err = store.NewTraceWriter(runStore.BaseDir(), run.ID, true)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to check trace: %w", err)
	}

	var progress opt.ProgressFunc
	if trace != nil {
		progress = offsetProgress(run.Iterations, trace.Progress(true))
	}

	outcome, err := solve.Solve(config, progress)
	if trace != nil {
		if cerr := trace.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close trace: %w", cerr)
		}
	}
	if err != nil {
		return nil, err
	}

	resumed := outcome.NewRun(run.ID)
	resumed.Config = run.Config
	resumed.Config.StepSize = config.StepSize
	resumed.Config.MaxIterations = run.Config.MaxIterations + extraIters
	resumed.InitialValue = run.InitialValue
	resumed.Iterations += run.Iterations
	resumed.Evaluations += run.Evaluations

	if err := runStore.SaveRun(run.ID, resumed); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}
	return resumed, nil
}

// offsetProgress shifts the iteration number seen by fn by offset.
func offsetProgress(offset int, fn opt.ProgressFunc) opt.ProgressFunc {
	return func(p opt.Progress) error {
		p.Iteration += offset
		return fn(p)
	}
}
