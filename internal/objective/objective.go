// Package objective provides named benchmark functions for the descent, each
// with a default start point and a search box for bounded global methods.
package objective

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/gdescent/internal/opt"
)

// Objective is a catalog entry.
type Objective struct {
	Name        string
	Description string

	// MinDim and MaxDim bound the supported dimensionality (MaxDim 0 = unbounded)
	MinDim int
	MaxDim int

	// Lower and Upper bound every coordinate of the search box
	Lower float64
	Upper float64

	// Minimum is the known global minimum value
	Minimum float64

	Eval opt.ObjectiveFunc

	start func(dim int) []float64
}

// DimError reports a dimensionality the objective does not support.
type DimError struct {
	Objective string
	Dim       int
	MinDim    int
	MaxDim    int
}

func (e *DimError) Error() string {
	if e.MaxDim == 0 {
		return fmt.Sprintf("objective %s: dimension %d not supported (need at least %d)", e.Objective, e.Dim, e.MinDim)
	}
	return fmt.Sprintf("objective %s: dimension %d not supported (need %d..%d)", e.Objective, e.Dim, e.MinDim, e.MaxDim)
}

// UnknownError reports a name that is not in the catalog.
type UnknownError struct {
	Name string
}

func (e *UnknownError) Error() string {
	return "unknown objective: " + e.Name
}

// CheckDim returns a *DimError if dim is outside the supported range.
func (o *Objective) CheckDim(dim int) error {
	if dim < o.MinDim || (o.MaxDim > 0 && dim > o.MaxDim) {
		return &DimError{Objective: o.Name, Dim: dim, MinDim: o.MinDim, MaxDim: o.MaxDim}
	}
	return nil
}

// DefaultDim is the dimensionality used when the caller does not choose one.
func (o *Objective) DefaultDim() int {
	if o.MaxDim == 1 || o.MinDim > 2 {
		return o.MinDim
	}
	return 2
}

// StartPoint returns the default start point for dim.
func (o *Objective) StartPoint(dim int) ([]float64, error) {
	if err := o.CheckDim(dim); err != nil {
		return nil, err
	}
	return o.start(dim), nil
}

// Bounds returns the per-coordinate search box for dim.
func (o *Objective) Bounds(dim int) (lower, upper []float64) {
	lower = make([]float64, dim)
	upper = make([]float64, dim)
	for i := 0; i < dim; i++ {
		lower[i] = o.Lower
		upper[i] = o.Upper
	}
	return lower, upper
}

var catalog = map[string]*Objective{}

func register(o *Objective) {
	catalog[o.Name] = o
}

// Lookup returns the objective registered under name.
func Lookup(name string) (*Objective, error) {
	o, ok := catalog[name]
	if !ok {
		return nil, &UnknownError{Name: name}
	}
	return o, nil
}

// Names returns the catalog names in sorted order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the catalog entries sorted by name.
func All() []*Objective {
	names := Names()
	all := make([]*Objective, len(names))
	for i, name := range names {
		all[i] = catalog[name]
	}
	return all
}

func filled(dim int, v float64) []float64 {
	p := make([]float64, dim)
	for i := range p {
		p[i] = v
	}
	return p
}

func init() {
	register(&Objective{
		Name:        "square",
		Description: "f(x) = x^2",
		MinDim:      1,
		MaxDim:      1,
		Lower:       -10,
		Upper:       10,
		Eval:        Square,
		start:       func(int) []float64 { return []float64{1.0} },
	})
	register(&Objective{
		Name:        "sphere",
		Description: "f(x) = sum x_i^2",
		MinDim:      1,
		Lower:       -10,
		Upper:       10,
		Eval:        Sphere,
		start: func(dim int) []float64 {
			if dim == 2 {
				return []float64{3.0, -2.0}
			}
			return filled(dim, 1.0)
		},
	})
	register(&Objective{
		Name:        "rosenbrock",
		Description: "f(x) = sum (1-x_i)^2 + 100(x_{i+1}-x_i^2)^2",
		MinDim:      2,
		Lower:       -5,
		Upper:       10,
		Eval:        Rosenbrock,
		start: func(dim int) []float64 {
			p := make([]float64, dim)
			for i := range p {
				if i%2 == 0 {
					p[i] = -1.2
				} else {
					p[i] = 1.0
				}
			}
			return p
		},
	})
	register(&Objective{
		Name:        "booth",
		Description: "f(x,y) = (x+2y-7)^2 + (2x+y-5)^2",
		MinDim:      2,
		MaxDim:      2,
		Lower:       -10,
		Upper:       10,
		Eval:        Booth,
		start:       func(int) []float64 { return []float64{0, 0} },
	})
	register(&Objective{
		Name:        "matyas",
		Description: "f(x,y) = 0.26(x^2+y^2) - 0.48xy",
		MinDim:      2,
		MaxDim:      2,
		Lower:       -10,
		Upper:       10,
		Eval:        Matyas,
		start:       func(int) []float64 { return []float64{1, 1} },
	})
	register(&Objective{
		Name:        "flat",
		Description: "f(x) = 1",
		MinDim:      1,
		Lower:       -10,
		Upper:       10,
		Minimum:     1,
		Eval:        Flat,
		start:       func(dim int) []float64 { return filled(dim, 1.0) },
	})
}

// Square is x^2 in one dimension.
func Square(x []float64) float64 {
	return x[0] * x[0]
}

// Sphere is the squared Euclidean norm.
func Sphere(x []float64) float64 {
	return floats.Dot(x, x)
}

// Rosenbrock is the chained Rosenbrock valley; minimum 0 at (1, ..., 1).
func Rosenbrock(x []float64) float64 {
	var sum float64
	for i := 0; i < len(x)-1; i++ {
		a := 1 - x[i]
		b := x[i+1] - x[i]*x[i]
		sum += a*a + 100*b*b
	}
	return sum
}

// Booth has its minimum 0 at (1, 3).
func Booth(x []float64) float64 {
	a := x[0] + 2*x[1] - 7
	b := 2*x[0] + x[1] - 5
	return a*a + b*b
}

// Matyas has its minimum 0 at the origin.
func Matyas(x []float64) float64 {
	return 0.26*(x[0]*x[0]+x[1]*x[1]) - 0.48*x[0]*x[1]
}

// Flat is constant; its estimated gradient is zero everywhere.
func Flat([]float64) float64 {
	return 1
}
