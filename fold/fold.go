// Package fold holds the pure per-element transforms and associative merges
// the pipeline applies. Operators are selected by name from configuration.
package fold

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Transform maps one input element. It must be pure: the map stage may run it
// any number of times for the same element.
type Transform func(v float64) (float64, error)

// Merge combines two partial aggregates. Fn must be associative. Pair order
// inside the reduce stage is undefined, so non-commutative merges are unsafe.
type Merge struct {
	Name string
	Fn   func(a, b float64) float64
	// Identity is the neutral element, valid only when HasIdentity is true.
	Identity    float64
	HasIdentity bool
}

// ErrNegativeSqrt is returned by the sqrt transform on negative input.
// Such an element fails on every delivery and ends up dead-lettered.
var ErrNegativeSqrt = errors.New("sqrt of negative value")

var transforms = map[string]Transform{
	"identity":  func(v float64) (float64, error) { return v, nil },
	"double":    func(v float64) (float64, error) { return v * 2, nil },
	"square":    func(v float64) (float64, error) { return v * v, nil },
	"negate":    func(v float64) (float64, error) { return -v, nil },
	"increment": func(v float64) (float64, error) { return v + 1, nil },
	"sqrt": func(v float64) (float64, error) {
		if v < 0 {
			return 0, fmt.Errorf("%w: %v", ErrNegativeSqrt, v)
		}
		return math.Sqrt(v), nil
	},
}

var merges = map[string]Merge{
	"sum":     {Name: "sum", Fn: func(a, b float64) float64 { return a + b }, Identity: 0, HasIdentity: true},
	"product": {Name: "product", Fn: func(a, b float64) float64 { return a * b }, Identity: 1, HasIdentity: true},
	"max":     {Name: "max", Fn: math.Max},
	"min":     {Name: "min", Fn: math.Min},
}

// LookupTransform returns the named transform.
func LookupTransform(name string) (Transform, error) {
	t, ok := transforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q (available: %v)", name, TransformNames())
	}
	return t, nil
}

// LookupMerge returns the named merge.
func LookupMerge(name string) (Merge, error) {
	m, ok := merges[name]
	if !ok {
		return Merge{}, fmt.Errorf("unknown merge %q (available: %v)", name, MergeNames())
	}
	return m, nil
}

// TransformNames returns the registered transform names, sorted.
func TransformNames() []string {
	return sortedKeys(transforms)
}

// MergeNames returns the registered merge names, sorted.
func MergeNames() []string {
	return sortedKeys(merges)
}

// EmptyValue is the value reported for a collection with no elements.
func (m Merge) EmptyValue() float64 {
	if m.HasIdentity {
		return m.Identity
	}
	return 0
}

// Fold is the sequential reference: transform every element, then fold left.
// The second return is false for an empty input.
func Fold(values []float64, t Transform, m Merge) (float64, bool, error) {
	if len(values) == 0 {
		return m.EmptyValue(), false, nil
	}
	var acc float64
	for i, v := range values {
		out, err := t(v)
		if err != nil {
			return 0, false, fmt.Errorf("element %d: %w", i, err)
		}
		if i == 0 {
			acc = out
			continue
		}
		acc = m.Fn(acc, out)
	}
	return acc, true, nil
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
