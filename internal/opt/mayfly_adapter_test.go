package opt

import (
	"math"
	"reflect"
	"testing"
)

func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

// shiftedSphere has its minimum at (1, 2, 3, ...).
func shiftedSphere(x []float64) float64 {
	var sum float64
	for i, v := range x {
		d := v - float64(i+1)
		sum += d * d
	}
	return sum
}

func box(dim int, lo, hi float64) (lower, upper []float64) {
	lower = make([]float64, dim)
	upper = make([]float64, dim)
	for i := range lower {
		lower[i], upper[i] = lo, hi
	}
	return lower, upper
}

func TestMayflyAdapter_FindsMinimum(t *testing.T) {
	tests := []struct {
		name string
		fn   ObjectiveFunc
		dim  int
		want []float64
	}{
		{"sphere", sphere, 3, []float64{0, 0, 0}},
		{"shifted", shiftedSphere, 2, []float64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lower, upper := box(tt.dim, -10, 10)
			best, value := NewMayfly(100, 20, 42).Run(tt.fn, lower, upper, tt.dim)

			if len(best) != tt.dim {
				t.Fatalf("Expected %d coordinates, got %d", tt.dim, len(best))
			}
			if value >= 0.1 {
				t.Errorf("Expected value below 0.1, got %v", value)
			}
			for i := range best {
				if math.Abs(best[i]-tt.want[i]) > 1.0 {
					t.Errorf("Coordinate %d: expected near %v, got %v", i, tt.want[i], best[i])
				}
			}
		})
	}
}

func TestMayflyAdapter_Deterministic(t *testing.T) {
	lower, upper := box(2, -5, 5)

	best1, value1 := NewMayfly(50, 20, 123).Run(sphere, lower, upper, 2)
	best2, value2 := NewMayfly(50, 20, 123).Run(sphere, lower, upper, 2)

	if value1 != value2 || !reflect.DeepEqual(best1, best2) {
		t.Errorf("Same seed gave different results: %v at %v vs %v at %v", value1, best1, value2, best2)
	}
}

func TestNewMayfly_RaisesSmallPopulation(t *testing.T) {
	adapter, ok := NewMayfly(10, 5, 1).(*MayflyAdapter)
	if !ok {
		t.Fatal("NewMayfly should return *MayflyAdapter")
	}
	if adapter.popSize != MinMayflyPopulation {
		t.Errorf("Expected population %d, got %d", MinMayflyPopulation, adapter.popSize)
	}

	adapter = NewMayfly(10, 40, 1).(*MayflyAdapter)
	if adapter.popSize != 40 {
		t.Errorf("Expected population 40, got %d", adapter.popSize)
	}
}
