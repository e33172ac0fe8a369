// Package solve turns a run configuration into an optimization run.
package solve

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cwbudde/gdescent/internal/objective"
	"github.com/cwbudde/gdescent/internal/opt"
	"github.com/cwbudde/gdescent/internal/store"
)

// Outcome holds the output of an optimization run
type Outcome struct {
	// Config is the normalized configuration the run used
	Config store.RunConfig

	Point        []float64
	Value        float64
	InitialValue float64
	Iterations   int
	Evaluations  int
	GradientNorm float64
	Reason       opt.StopReason
	Elapsed      time.Duration
}

// Normalize resolves the objective and fills every unset field of cfg:
// method, dimension, start point, difference step, gradient threshold and,
// for mayfly, population size. The returned config is fully explicit.
//
// Zero DifferenceStep and GradientThreshold mean "unset" here; a literal
// h = 0 is only reachable through opt.GradientDescent directly.
func Normalize(cfg store.RunConfig) (store.RunConfig, error) {
	if cfg.Method == "" {
		cfg.Method = store.MethodDescent
	}
	if cfg.Method != store.MethodDescent && cfg.Method != store.MethodMayfly {
		return cfg, fmt.Errorf("unknown method %q (use %s or %s)", cfg.Method, store.MethodDescent, store.MethodMayfly)
	}

	obj, err := objective.Lookup(cfg.Objective)
	if err != nil {
		return cfg, err
	}

	switch {
	case cfg.Start != nil:
		if cfg.Dim != 0 && cfg.Dim != len(cfg.Start) {
			return cfg, fmt.Errorf("start point has %d coordinates but dim is %d", len(cfg.Start), cfg.Dim)
		}
		cfg.Dim = len(cfg.Start)
		if err := obj.CheckDim(cfg.Dim); err != nil {
			return cfg, err
		}
		cfg.Start = append([]float64{}, cfg.Start...)
	default:
		if cfg.Dim == 0 {
			cfg.Dim = obj.DefaultDim()
		}
		start, err := obj.StartPoint(cfg.Dim)
		if err != nil {
			return cfg, err
		}
		cfg.Start = start
	}

	if cfg.DifferenceStep == 0 {
		cfg.DifferenceStep = opt.DefaultDifferenceStep
	}
	if cfg.GradientThreshold == 0 {
		cfg.GradientThreshold = opt.DefaultGradientThreshold
	}
	if cfg.Method == store.MethodMayfly && cfg.PopSize < opt.MinMayflyPopulation {
		cfg.PopSize = opt.MinMayflyPopulation
	}

	return cfg, nil
}

// Solve runs the configured method on the configured objective.
//
// For the descent method, progress observes every iteration and may stop or
// abort the run. The mayfly method has no per-iteration hook; progress is
// not called for it.
func Solve(cfg store.RunConfig, progress opt.ProgressFunc) (*Outcome, error) {
	cfg, err := Normalize(cfg)
	if err != nil {
		return nil, err
	}
	obj, err := objective.Lookup(cfg.Objective)
	if err != nil {
		return nil, err
	}

	slog.Info("Starting optimization",
		"objective", cfg.Objective,
		"method", cfg.Method,
		"dim", cfg.Dim,
		"max_iterations", cfg.MaxIterations,
		"step_size", cfg.StepSize,
	)

	start := time.Now()
	initialValue := obj.Eval(cfg.Start)

	var outcome *Outcome
	switch cfg.Method {
	case store.MethodMayfly:
		outcome = runMayfly(obj, cfg)
	default:
		outcome, err = runDescent(obj, cfg, progress)
		if err != nil {
			return nil, err
		}
	}

	outcome.Config = cfg
	outcome.InitialValue = initialValue
	outcome.Elapsed = time.Since(start)

	slog.Info("Optimization complete",
		"objective", cfg.Objective,
		"method", cfg.Method,
		"initial_value", outcome.InitialValue,
		"final_value", outcome.Value,
		"iterations", outcome.Iterations,
		"reason", outcome.Reason,
		"elapsed", outcome.Elapsed,
	)

	return outcome, nil
}

func runDescent(obj *objective.Objective, cfg store.RunConfig, progress opt.ProgressFunc) (*Outcome, error) {
	gd := opt.NewGradientDescent()
	gd.Configure(cfg.Config)
	gd.SetObjectiveFunc(obj.Eval)
	gd.SetStartPoint(cfg.Start)
	gd.SetProgress(progress)

	result, err := gd.Optimize()
	if err != nil {
		return nil, fmt.Errorf("descent on %s: %w", obj.Name, err)
	}

	return &Outcome{
		Point:        result.Point,
		Value:        result.Value,
		Iterations:   result.Iterations,
		Evaluations:  result.Evaluations,
		GradientNorm: result.GradientNorm,
		Reason:       result.Reason,
	}, nil
}

// runMayfly searches the objective's box, then measures the finite-difference
// gradient at the best point so both methods report comparable figures.
func runMayfly(obj *objective.Objective, cfg store.RunConfig) *Outcome {
	var evaluations atomic.Int64
	eval := func(x []float64) float64 {
		evaluations.Add(1)
		return obj.Eval(x)
	}

	lower, upper := obj.Bounds(cfg.Dim)
	optimizer := opt.NewMayfly(cfg.MaxIterations, cfg.PopSize, cfg.Seed)
	best, value := optimizer.Run(eval, lower, upper, cfg.Dim)

	gd := opt.NewGradientDescent()
	gd.Configure(cfg.Config)
	gd.SetObjectiveFunc(obj.Eval)
	gd.SetStartPoint(best)
	gradientNorm := opt.GradientMagnitude(gd.ComputeGradientVector())

	return &Outcome{
		Point:        best,
		Value:        value,
		Iterations:   cfg.MaxIterations,
		Evaluations:  int(evaluations.Load()),
		GradientNorm: gradientNorm,
		Reason:       opt.StopMaxIterations,
	}
}

// NewRun builds the persisted record of a finished outcome.
func (o *Outcome) NewRun(runID string) *store.Run {
	return store.NewRun(runID, o.Config, o.Point, o.Value, o.InitialValue,
		o.Iterations, o.Evaluations, o.GradientNorm, string(o.Reason))
}
