package opt

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// DefaultDifferenceStep is the forward-difference step h used in every dimension.
	DefaultDifferenceStep = 0.001

	// DefaultGradientThreshold stops the descent once the gradient magnitude falls to it.
	DefaultGradientThreshold = 1e-9

	// DefaultMaxIterations is used when the caller never sets an iteration cap.
	DefaultMaxIterations = 1
)

// ObjectiveFunc is the scalar function being minimized.
// It must be deterministic and must not modify x.
type ObjectiveFunc func(x []float64) float64

// Config holds the tunable parameters of a GradientDescent.
type Config struct {
	StepSize          float64 `json:"stepSize"`
	MaxIterations     int     `json:"maxIterations"`
	DifferenceStep    float64 `json:"differenceStep"`
	GradientThreshold float64 `json:"gradientThreshold"`

	// Strict rejects degenerate settings (h == 0, negative iteration cap,
	// empty start point) instead of letting them propagate as NaN/Inf.
	Strict bool `json:"strict,omitempty"`
}

// DefaultConfig returns the configuration a new GradientDescent starts with.
// The step size is zero: there is no default that guarantees convergence.
func DefaultConfig() Config {
	return Config{
		StepSize:          0,
		MaxIterations:     DefaultMaxIterations,
		DifferenceStep:    DefaultDifferenceStep,
		GradientThreshold: DefaultGradientThreshold,
	}
}

// StopReason describes why Optimize left its loop.
type StopReason string

const (
	StopThreshold     StopReason = "threshold"
	StopMaxIterations StopReason = "max_iterations"
	StopCallback      StopReason = "callback"
	StopNonFinite     StopReason = "non_finite"
)

// Result is the outcome of one Optimize call.
type Result struct {
	Point        []float64  `json:"point"`
	Value        float64    `json:"value"`
	Iterations   int        `json:"iterations"`
	GradientNorm float64    `json:"gradientNorm"`
	Evaluations  int        `json:"evaluations"`
	Reason       StopReason `json:"reason"`
}

// Converged reports whether the run ended on the gradient threshold.
func (r *Result) Converged() bool {
	return r.Reason == StopThreshold
}

// Progress is passed to a ProgressFunc once per iteration, after the gradient
// at Point has been estimated and before the step away from Point is taken.
// Point and Gradient are owned by the optimizer and must not be modified or
// retained.
type Progress struct {
	Iteration    int
	Point        []float64
	Value        float64
	Gradient     []float64
	GradientNorm float64
}

// ProgressFunc observes a running descent. Returning ErrStop ends the run
// normally with StopCallback; any other error aborts Optimize.
type ProgressFunc func(p Progress) error

// ErrStop is returned by a ProgressFunc to end the descent early.
var ErrStop = errors.New("stop requested by progress callback")

// GradientDescent minimizes an ObjectiveFunc with fixed-step gradient descent,
// estimating the gradient by one-sided forward differences.
//
// A GradientDescent is not safe for concurrent use: Optimize mutates the
// current point. Use one instance per concurrent run.
type GradientDescent struct {
	objective ObjectiveFunc
	progress  ProgressFunc

	start    []float64
	hasStart bool
	dim      int

	stepSize          float64
	maxIterations     int
	differenceStep    float64
	gradientThreshold float64
	strict            bool

	current     []float64
	evaluations int
}

// NewGradientDescent creates an optimizer with DefaultConfig.
func NewGradientDescent() *GradientDescent {
	gd := &GradientDescent{}
	gd.Configure(DefaultConfig())
	return gd
}

// Configure applies every field of cfg.
func (gd *GradientDescent) Configure(cfg Config) {
	gd.SetStepSize(cfg.StepSize)
	gd.SetMaxIterations(cfg.MaxIterations)
	gd.SetDifferenceStep(cfg.DifferenceStep)
	gd.SetGradientThresh(cfg.GradientThreshold)
	gd.SetStrict(cfg.Strict)
}

// Config returns the current configuration.
func (gd *GradientDescent) Config() Config {
	return Config{
		StepSize:          gd.stepSize,
		MaxIterations:     gd.maxIterations,
		DifferenceStep:    gd.differenceStep,
		GradientThreshold: gd.gradientThreshold,
		Strict:            gd.strict,
	}
}

// SetObjectiveFunc installs the function to minimize.
func (gd *GradientDescent) SetObjectiveFunc(fn ObjectiveFunc) {
	gd.objective = fn
}

// SetStartPoint stores a copy of the initial location and derives the
// dimensionality from its length. The current point is reset to it.
func (gd *GradientDescent) SetStartPoint(point []float64) {
	gd.start = clonePoint(point)
	gd.hasStart = true
	gd.dim = len(point)
	gd.current = clonePoint(point)
}

// SetStepSize sets the multiplier applied to the negative gradient.
func (gd *GradientDescent) SetStepSize(stepSize float64) {
	gd.stepSize = stepSize
}

// SetMaxIterations sets the upper bound on gradient-update steps.
func (gd *GradientDescent) SetMaxIterations(n int) {
	gd.maxIterations = n
}

// SetGradientThresh sets the gradient magnitude at or below which the descent stops.
func (gd *GradientDescent) SetGradientThresh(thresh float64) {
	gd.gradientThreshold = thresh
}

// SetDifferenceStep sets the forward-difference step h.
func (gd *GradientDescent) SetDifferenceStep(h float64) {
	gd.differenceStep = h
}

// SetStrict enables configuration validation of degenerate settings.
func (gd *GradientDescent) SetStrict(strict bool) {
	gd.strict = strict
}

// SetProgress installs an optional per-iteration observer. nil removes it.
func (gd *GradientDescent) SetProgress(fn ProgressFunc) {
	gd.progress = fn
}

// Dim returns the dimensionality derived from the start point.
func (gd *GradientDescent) Dim() int {
	return gd.dim
}

// CurrentPoint returns a copy of the current iterate.
func (gd *GradientDescent) CurrentPoint() []float64 {
	return clonePoint(gd.current)
}

// Validate reports the configuration error Optimize would fail with, if any.
func (gd *GradientDescent) Validate() error {
	if gd.objective == nil {
		return ErrNoObjective
	}
	if !gd.hasStart {
		return ErrNoStartPoint
	}
	if !gd.strict {
		return nil
	}
	if gd.dim == 0 {
		return ErrEmptyStartPoint
	}
	if gd.differenceStep == 0 || math.IsNaN(gd.differenceStep) || math.IsInf(gd.differenceStep, 0) {
		return ErrZeroStep
	}
	if gd.maxIterations < 0 {
		return ErrNegativeIterations
	}
	return nil
}

// Optimize runs the descent from the configured start point and returns the
// final point and the objective value there.
//
// Exhausting the iteration cap is a normal outcome: a nil error only means the
// run completed. Result.Reason tells how it ended.
func (gd *GradientDescent) Optimize() (*Result, error) {
	if err := gd.Validate(); err != nil {
		return nil, err
	}

	gd.current = clonePoint(gd.start)
	gd.evaluations = 0

	// The sentinel exceeds any finite threshold so the first gradient is always computed.
	gradientNorm := math.Inf(1)
	if gd.dim == 0 {
		gradientNorm = 0
	}

	slog.Debug("Starting gradient descent",
		"dim", gd.dim,
		"step_size", gd.stepSize,
		"max_iterations", gd.maxIterations,
		"h", gd.differenceStep,
		"threshold", gd.gradientThreshold,
	)

	iterations := 0
	stopped := false
	for iterations < gd.maxIterations && gradientNorm > gd.gradientThreshold {
		value := gd.evaluate(gd.current)
		gradient := gd.gradientAt(gd.current, value)
		gradientNorm = GradientMagnitude(gradient)

		if gd.progress != nil {
			err := gd.progress(Progress{
				Iteration:    iterations,
				Point:        gd.current,
				Value:        value,
				Gradient:     gradient,
				GradientNorm: gradientNorm,
			})
			if errors.Is(err, ErrStop) {
				stopped = true
				break
			}
			if err != nil {
				return nil, fmt.Errorf("progress callback at iteration %d: %w", iterations, err)
			}
		}

		// Every component moves against the gradient taken at the same point.
		next := clonePoint(gd.current)
		floats.AddScaled(next, -gd.stepSize, gradient)
		gd.current = next

		iterations++
	}

	result := &Result{
		Point:        clonePoint(gd.current),
		Value:        gd.evaluate(gd.current),
		Iterations:   iterations,
		GradientNorm: gradientNorm,
		Evaluations:  gd.evaluations,
	}
	if math.IsInf(gradientNorm, 1) && iterations == 0 {
		// No gradient was estimated; the sentinel is not a measurement.
		result.GradientNorm = 0
	}

	switch {
	case stopped:
		result.Reason = StopCallback
	case iterations > 0 && (math.IsNaN(gradientNorm) || math.IsInf(gradientNorm, 0)):
		result.Reason = StopNonFinite
	case gradientNorm <= gd.gradientThreshold:
		result.Reason = StopThreshold
	default:
		result.Reason = StopMaxIterations
	}

	slog.Debug("Gradient descent finished",
		"iterations", result.Iterations,
		"value", result.Value,
		"gradient_norm", result.GradientNorm,
		"evaluations", result.Evaluations,
		"reason", result.Reason,
	)

	return result, nil
}

// ComputeGradient estimates the partial derivative along dim at the current
// point: (f(x + h·e_dim) − f(x)) / h. The baseline f(x) is evaluated afresh.
// It returns NaN without evaluating anything when no objective is set or dim
// is outside [0, Dim()).
func (gd *GradientDescent) ComputeGradient(dim int) float64 {
	if gd.objective == nil || dim < 0 || dim >= len(gd.current) {
		return math.NaN()
	}
	base := gd.evaluate(gd.current)
	return gd.forwardDifference(gd.current, dim, base, clonePoint(gd.current))
}

// ComputeGradientVector estimates all partial derivatives at the current point.
// Without an objective every component is NaN.
func (gd *GradientDescent) ComputeGradientVector() []float64 {
	if gd.objective == nil {
		gradient := make([]float64, len(gd.current))
		for i := range gradient {
			gradient[i] = math.NaN()
		}
		return gradient
	}
	return gd.gradientAt(gd.current, gd.evaluate(gd.current))
}

// gradientAt shares one baseline evaluation across all dimensions.
func (gd *GradientDescent) gradientAt(x []float64, base float64) []float64 {
	gradient := make([]float64, len(x))
	scratch := clonePoint(x)
	for i := range gradient {
		gradient[i] = gd.forwardDifference(x, i, base, scratch)
	}
	return gradient
}

// forwardDifference perturbs scratch[dim] by h, evaluates, and restores it.
func (gd *GradientDescent) forwardDifference(x []float64, dim int, base float64, scratch []float64) float64 {
	scratch[dim] = x[dim] + gd.differenceStep
	perturbed := gd.evaluate(scratch)
	scratch[dim] = x[dim]
	return (perturbed - base) / gd.differenceStep
}

func (gd *GradientDescent) evaluate(x []float64) float64 {
	gd.evaluations++
	return gd.objective(x)
}

// GradientMagnitude returns the Euclidean norm of v.
func GradientMagnitude(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Norm(v, 2)
}

func clonePoint(p []float64) []float64 {
	if p == nil {
		return []float64{}
	}
	return append(make([]float64, 0, len(p)), p...)
}
