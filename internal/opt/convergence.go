package opt

import (
	"log/slog"
	"math"
)

// ConvergenceConfig defines parameters for detecting a stalled descent
type ConvergenceConfig struct {
	// Enabled controls whether stall detection is active
	Enabled bool

	// Patience is the number of consecutive iterations with no significant
	// improvement of the objective value before stopping
	Patience int

	// Threshold is the minimum relative improvement required to count as progress
	// Example: 0.001 = 0.1% improvement required
	// Relative improvement = (oldValue - newValue) / |oldValue|
	Threshold float64
}

// DefaultConvergenceConfig returns sensible defaults for stall detection
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		Enabled:   true,
		Patience:  10,
		Threshold: 1e-6,
	}
}

// DisabledConvergenceConfig returns a config with stall detection disabled
func DisabledConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		Enabled: false,
	}
}

// ConvergenceTracker tracks the objective value history of a descent and
// detects when it has stopped making progress. It complements the gradient
// threshold, which a descent on a flat but tilted region may never reach.
type ConvergenceTracker struct {
	config          ConvergenceConfig
	history         []float64
	bestValue       float64 // Best value ever seen
	lastSignificant float64 // Last value that was a significant improvement
	staleCount      int     // Iterations without significant improvement
}

// NewConvergenceTracker creates a new convergence tracker with the given config
func NewConvergenceTracker(config ConvergenceConfig) *ConvergenceTracker {
	return &ConvergenceTracker{
		config:          config,
		history:         []float64{},
		bestValue:       math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records a new objective value and returns true if a stall is detected
func (c *ConvergenceTracker) Update(value float64) bool {
	if !c.config.Enabled {
		return false
	}

	c.history = append(c.history, value)

	if value < c.bestValue {
		c.bestValue = value
	}

	if len(c.history) == 1 {
		c.lastSignificant = value
		return false
	}

	if c.relativeImprovement(value) >= c.config.Threshold {
		c.lastSignificant = value
		c.staleCount = 0
		return false
	}

	c.staleCount++
	slog.Debug("No significant objective improvement",
		"value", value,
		"last_significant", c.lastSignificant,
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
	)

	if c.staleCount >= c.config.Patience {
		slog.Info("Descent stalled - stopping early",
			"stale_count", c.staleCount,
			"patience", c.config.Patience,
			"best_value", c.bestValue,
		)
		return true
	}

	return false
}

// relativeImprovement is zero when the reference value is zero or not finite.
func (c *ConvergenceTracker) relativeImprovement(value float64) float64 {
	ref := math.Abs(c.lastSignificant)
	if ref == 0 || math.IsInf(ref, 0) || math.IsNaN(ref) {
		return 0
	}
	return (c.lastSignificant - value) / ref
}

// Progress adapts the tracker to a ProgressFunc that requests a stop on stall.
func (c *ConvergenceTracker) Progress() ProgressFunc {
	return func(p Progress) error {
		if c.Update(p.Value) {
			return ErrStop
		}
		return nil
	}
}

// BestValue returns the best objective value seen so far
func (c *ConvergenceTracker) BestValue() float64 {
	return c.bestValue
}

// History returns the full value history
func (c *ConvergenceTracker) History() []float64 {
	return append([]float64{}, c.history...)
}

// StaleCount returns the current number of iterations without improvement
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

// Reset clears the tracker's state
func (c *ConvergenceTracker) Reset() {
	c.history = []float64{}
	c.bestValue = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.staleCount = 0
}
