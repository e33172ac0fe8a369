package opt

import (
	"log/slog"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MinMayflyPopulation is the smallest population the mayfly library accepts.
const MinMayflyPopulation = 20

// MayflyAdapter runs the mayfly swarm optimizer over a box.
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly returns an Optimizer backed by github.com/cwbudde/mayfly.
// Populations below MinMayflyPopulation are raised to it.
func NewMayfly(maxIters, popSize int, seed int64) Optimizer {
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  max(popSize, MinMayflyPopulation),
		seed:     seed,
	}
}

// Run searches the box [lower, upper] for the minimum of eval. The library
// only supports one interval for every coordinate, taken from lower[0] and
// upper[0]. Runs with the same seed are reproducible.
func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64) {
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = lower[0]
	config.UpperBound = upper[0]
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		center := make([]float64, dim)
		for i := range center {
			center[i] = (lower[i] + upper[i]) / 2
		}
		slog.Error("Mayfly search failed, falling back to box center", "error", err, "dim", dim)
		return center, eval(center)
	}

	best := append([]float64(nil), result.GlobalBest.Position...)
	return best, result.GlobalBest.Cost
}
