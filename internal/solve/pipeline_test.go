package solve

import (
	"errors"
	"math"
	"testing"

	"github.com/cwbudde/gdescent/internal/objective"
	"github.com/cwbudde/gdescent/internal/opt"
	"github.com/cwbudde/gdescent/internal/store"
)

func descentConfig(name string, maxIters int) store.RunConfig {
	return store.RunConfig{
		Objective: name,
		Config: opt.Config{
			StepSize:      0.1,
			MaxIterations: maxIters,
		},
	}
}

func TestNormalize_Defaults(t *testing.T) {
	cfg, err := Normalize(store.RunConfig{Objective: "sphere"})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if cfg.Method != store.MethodDescent {
		t.Errorf("Expected method %s, got %s", store.MethodDescent, cfg.Method)
	}
	if cfg.Dim != 2 {
		t.Errorf("Expected dim 2, got %d", cfg.Dim)
	}
	if len(cfg.Start) != 2 || cfg.Start[0] != 3 || cfg.Start[1] != -2 {
		t.Errorf("Expected start [3 -2], got %v", cfg.Start)
	}
	if cfg.DifferenceStep != opt.DefaultDifferenceStep {
		t.Errorf("Expected h=%g, got %g", opt.DefaultDifferenceStep, cfg.DifferenceStep)
	}
	if cfg.GradientThreshold != opt.DefaultGradientThreshold {
		t.Errorf("Expected threshold %g, got %g", opt.DefaultGradientThreshold, cfg.GradientThreshold)
	}
	if cfg.PopSize != 0 {
		t.Errorf("Expected no population for descent, got %d", cfg.PopSize)
	}
}

func TestNormalize_ExplicitStartSetsDim(t *testing.T) {
	start := []float64{1, 2, 3}
	cfg, err := Normalize(store.RunConfig{Objective: "rosenbrock", Start: start})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if cfg.Dim != 3 {
		t.Errorf("Expected dim 3, got %d", cfg.Dim)
	}

	start[0] = 99
	if cfg.Start[0] != 1 {
		t.Error("Normalized start point aliases the caller's slice")
	}
}

func TestNormalize_MayflyPopulation(t *testing.T) {
	cfg, err := Normalize(store.RunConfig{Objective: "booth", Method: store.MethodMayfly, PopSize: 5})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if cfg.PopSize != opt.MinMayflyPopulation {
		t.Errorf("Expected population %d, got %d", opt.MinMayflyPopulation, cfg.PopSize)
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  store.RunConfig
	}{
		{"unknown objective", store.RunConfig{Objective: "himmelblau"}},
		{"unknown method", store.RunConfig{Objective: "square", Method: "newton"}},
		{"dim mismatch", store.RunConfig{Objective: "sphere", Dim: 3, Start: []float64{1, 2}}},
		{"dim too small", store.RunConfig{Objective: "rosenbrock", Dim: 1}},
		{"dim too large", store.RunConfig{Objective: "square", Start: []float64{1, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Normalize(tt.cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestNormalize_UnknownObjectiveError(t *testing.T) {
	_, err := Normalize(store.RunConfig{Objective: "nope"})

	var unknown *objective.UnknownError
	if !errors.As(err, &unknown) {
		t.Fatalf("Expected UnknownError, got %T: %v", err, err)
	}
	if unknown.Name != "nope" {
		t.Errorf("Expected name nope, got %s", unknown.Name)
	}
}

func TestSolve_SquareDescent(t *testing.T) {
	outcome, err := Solve(descentConfig("square", 50), nil)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	if outcome.InitialValue != 1 {
		t.Errorf("Expected initial value 1, got %g", outcome.InitialValue)
	}
	if outcome.Value >= 1e-3 {
		t.Errorf("Expected final value below 1e-3, got %g", outcome.Value)
	}
	if outcome.Iterations != 50 {
		t.Errorf("Expected 50 iterations, got %d", outcome.Iterations)
	}
	if outcome.Reason != opt.StopMaxIterations {
		t.Errorf("Expected reason %s, got %s", opt.StopMaxIterations, outcome.Reason)
	}
	if outcome.Config.Dim != 1 || outcome.Config.Method != store.MethodDescent {
		t.Errorf("Expected normalized config, got %+v", outcome.Config)
	}
	if outcome.Elapsed <= 0 {
		t.Error("Expected positive elapsed time")
	}
}

func TestSolve_SphereMatchesDirectDescent(t *testing.T) {
	outcome, err := Solve(descentConfig("sphere", 30), nil)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	gd := opt.NewGradientDescent()
	gd.SetObjectiveFunc(objective.Sphere)
	gd.SetStartPoint([]float64{3, -2})
	gd.SetStepSize(0.1)
	gd.SetMaxIterations(30)
	direct, err := gd.Optimize()
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}

	for i := range direct.Point {
		if outcome.Point[i] != direct.Point[i] {
			t.Errorf("Coordinate %d: pipeline %g, direct %g", i, outcome.Point[i], direct.Point[i])
		}
	}
	if outcome.Evaluations != direct.Evaluations {
		t.Errorf("Expected %d evaluations, got %d", direct.Evaluations, outcome.Evaluations)
	}
}

func TestSolve_FlatConvergesOnThreshold(t *testing.T) {
	outcome, err := Solve(descentConfig("flat", 10), nil)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	if outcome.Iterations != 1 {
		t.Errorf("Expected 1 iteration, got %d", outcome.Iterations)
	}
	if outcome.Reason != opt.StopThreshold {
		t.Errorf("Expected reason %s, got %s", opt.StopThreshold, outcome.Reason)
	}
}

func TestSolve_ProgressCalledPerIteration(t *testing.T) {
	calls := 0
	progress := func(p opt.Progress) error {
		if p.Iteration != calls {
			t.Errorf("Expected iteration %d, got %d", calls, p.Iteration)
		}
		calls++
		return nil
	}

	outcome, err := Solve(descentConfig("booth", 12), progress)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	if calls != outcome.Iterations {
		t.Errorf("Expected %d progress calls, got %d", outcome.Iterations, calls)
	}
}

func TestSolve_ProgressErrorAborts(t *testing.T) {
	boom := errors.New("cancelled")
	_, err := Solve(descentConfig("square", 10), func(opt.Progress) error { return boom })

	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped progress error, got %v", err)
	}
}

func TestSolve_ResumeContinuesTrajectory(t *testing.T) {
	full, err := Solve(descentConfig("matyas", 20), nil)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	first, err := Solve(descentConfig("matyas", 12), nil)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	cfg := descentConfig("matyas", 8)
	cfg.Start = first.Point
	second, err := Solve(cfg, nil)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	for i := range full.Point {
		if second.Point[i] != full.Point[i] {
			t.Errorf("Coordinate %d: resumed %g, uninterrupted %g", i, second.Point[i], full.Point[i])
		}
	}
}

func TestSolve_Mayfly(t *testing.T) {
	cfg := store.RunConfig{
		Objective: "booth",
		Method:    store.MethodMayfly,
		Seed:      42,
		Config:    opt.Config{MaxIterations: 60},
	}

	called := false
	outcome, err := Solve(cfg, func(opt.Progress) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	if called {
		t.Error("Progress should not be called for mayfly")
	}
	if outcome.Value >= outcome.InitialValue {
		t.Errorf("Mayfly did not improve: initial=%g, final=%g", outcome.InitialValue, outcome.Value)
	}
	if len(outcome.Point) != 2 {
		t.Errorf("Expected 2 coordinates, got %d", len(outcome.Point))
	}
	if outcome.Evaluations == 0 {
		t.Error("Expected evaluations to be counted")
	}
	if math.IsNaN(outcome.GradientNorm) || math.IsInf(outcome.GradientNorm, 0) {
		t.Errorf("Expected finite gradient norm, got %g", outcome.GradientNorm)
	}
}

func TestOutcome_NewRun(t *testing.T) {
	outcome, err := Solve(descentConfig("sphere", 5), nil)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	run := outcome.NewRun("run-1")

	if err := run.Validate(); err != nil {
		t.Fatalf("Run should be valid: %v", err)
	}
	if run.Config.Objective != "sphere" || run.Config.Dim != 2 {
		t.Errorf("Unexpected run config %+v", run.Config)
	}
	if run.Reason != string(opt.StopMaxIterations) {
		t.Errorf("Expected reason %s, got %s", opt.StopMaxIterations, run.Reason)
	}
}
