package store

import (
	"math"
	"strconv"
	"time"

	"github.com/cwbudde/gdescent/internal/opt"
)

// Methods understood by the solve pipeline.
const (
	MethodDescent = "descent"
	MethodMayfly  = "mayfly"
)

// RunConfig describes one optimization run: which objective, where to start
// and how the optimizer is tuned. It is shared by the CLI, the server and the
// persisted record.
type RunConfig struct {
	Objective string    `json:"objective"`
	Method    string    `json:"method"` // descent, mayfly
	Dim       int       `json:"dim,omitempty"`
	Start     []float64 `json:"start,omitempty"`

	opt.Config

	// Mayfly settings
	PopSize int   `json:"popSize,omitempty"`
	Seed    int64 `json:"seed,omitempty"`
}

// Run is the persisted outcome of an optimization run.
//
// Only the final iterate is kept. A resumed run restarts the descent from
// FinalPoint; since the descent has no internal state beyond its current
// point, this continues the same trajectory exactly.
type Run struct {
	// ID is the unique identifier for this run
	ID string `json:"id"`

	// Config holds the configuration the run was started with
	Config RunConfig `json:"config"`

	// FinalPoint is where the run ended
	FinalPoint []float64 `json:"finalPoint"`

	// FinalValue is the objective value at FinalPoint
	FinalValue float64 `json:"finalValue"`

	// InitialValue is the objective value at the start point
	InitialValue float64 `json:"initialValue"`

	// Iterations counts the gradient steps taken, across resumes
	Iterations int `json:"iterations"`

	// Evaluations counts objective calls, across resumes
	Evaluations int `json:"evaluations"`

	// GradientNorm is the last measured gradient magnitude
	GradientNorm float64 `json:"gradientNorm"`

	// Reason records how the last leg of the run ended
	Reason string `json:"reason"`

	// Timestamp records when this record was written
	Timestamp time.Time `json:"timestamp"`
}

// RunInfo contains metadata about a run without the point data.
type RunInfo struct {
	ID         string    `json:"id"`
	Objective  string    `json:"objective"`
	Method     string    `json:"method"`
	Dim        int       `json:"dim"`
	FinalValue float64   `json:"finalValue"`
	Iterations int       `json:"iterations"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewRun creates a run record stamped with the current time.
func NewRun(runID string, config RunConfig, finalPoint []float64, finalValue, initialValue float64, iterations, evaluations int, gradientNorm float64, reason string) *Run {
	return &Run{
		ID:           runID,
		Config:       config,
		FinalPoint:   finalPoint,
		FinalValue:   finalValue,
		InitialValue: initialValue,
		Iterations:   iterations,
		Evaluations:  evaluations,
		GradientNorm: gradientNorm,
		Reason:       reason,
		Timestamp:    time.Now(),
	}
}

// ToInfo converts a full Run to RunInfo (metadata only).
func (r *Run) ToInfo() RunInfo {
	return RunInfo{
		ID:         r.ID,
		Objective:  r.Config.Objective,
		Method:     r.Config.Method,
		Dim:        len(r.FinalPoint),
		FinalValue: r.FinalValue,
		Iterations: r.Iterations,
		Reason:     r.Reason,
		Timestamp:  r.Timestamp,
	}
}

// Validate checks if the run has valid data.
// Non-finite numbers are rejected because JSON cannot represent them.
func (r *Run) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "ID", Reason: "cannot be empty"}
	}
	if r.FinalPoint == nil {
		return &ValidationError{Field: "FinalPoint", Reason: "cannot be nil"}
	}
	for i, v := range r.FinalPoint {
		if !finite(v) {
			return &ValidationError{Field: "FinalPoint[" + strconv.Itoa(i) + "]", Reason: "must be finite"}
		}
	}
	if !finite(r.FinalValue) {
		return &ValidationError{Field: "FinalValue", Reason: "must be finite"}
	}
	if !finite(r.InitialValue) {
		return &ValidationError{Field: "InitialValue", Reason: "must be finite"}
	}
	if !finite(r.GradientNorm) {
		return &ValidationError{Field: "GradientNorm", Reason: "must be finite"}
	}
	if r.Iterations < 0 {
		return &ValidationError{Field: "Iterations", Reason: "cannot be negative"}
	}
	if r.Evaluations < 0 {
		return &ValidationError{Field: "Evaluations", Reason: "cannot be negative"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if r.Config.Objective == "" {
		return &ValidationError{Field: "Config.Objective", Reason: "cannot be empty"}
	}
	if r.Config.Method == "" {
		return &ValidationError{Field: "Config.Method", Reason: "cannot be empty"}
	}
	if r.Config.Dim != 0 && r.Config.Dim != len(r.FinalPoint) {
		return &ValidationError{
			Field:  "FinalPoint",
			Reason: "length mismatch: expected " + strconv.Itoa(r.Config.Dim) + " coordinates",
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ValidationError represents a run validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this run can be resumed with the given config.
// The objective and dimensionality must match; tuning may change.
func (r *Run) IsCompatible(config RunConfig) error {
	if r.Config.Objective != config.Objective {
		return &CompatibilityError{
			Field:    "Objective",
			Expected: r.Config.Objective,
			Actual:   config.Objective,
		}
	}
	if config.Dim != 0 && len(r.FinalPoint) != config.Dim {
		return &CompatibilityError{
			Field:    "Dim",
			Expected: strconv.Itoa(len(r.FinalPoint)),
			Actual:   strconv.Itoa(config.Dim),
		}
	}
	return nil
}

// CompatibilityError represents a resume compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
