package tensor

import (
	"fmt"
	"math"
)

// MaxAbsDiff returns the largest elementwise absolute difference
func MaxAbsDiff(a, b Tensor) (float64, error) {
	if !sameShape(a.Shape, b.Shape) {
		return 0, fmt.Errorf("tensors must have same shape: %v vs %v", a.Shape, b.Shape)
	}

	maxDiff := 0.0
	for i := range a.Data {
		d := math.Abs(float64(a.Data[i]) - float64(b.Data[i]))
		if d > maxDiff || d != d {
			maxDiff = d
		}
	}
	return maxDiff, nil
}

// AllClose reports whether every element of a is within atol of b
func AllClose(a, b Tensor, atol float64) bool {
	d, err := MaxAbsDiff(a, b)
	if err != nil {
		return false
	}
	return d <= atol
}

// Validate checks a tensor for NaN or Inf values
func Validate(t Tensor) error {
	if t.Numel() != len(t.Data) {
		return fmt.Errorf("shape %v does not match %d values", t.Shape, len(t.Data))
	}
	for i, v := range t.Data {
		if math.IsNaN(float64(v)) {
			return fmt.Errorf("tensor contains NaN at index %d", i)
		}
		if math.IsInf(float64(v), 0) {
			return fmt.Errorf("tensor contains Inf at index %d", i)
		}
	}
	return nil
}
