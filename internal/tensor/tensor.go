// Package tensor holds the dense float32 tensors exchanged between the
// orchestrator, the generation pipeline and the model backends.
package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor is a row-major float32 array with an explicit shape.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// New validates that data matches shape and wraps both without copying.
func New(shape []int, data []float32) (Tensor, error) {
	if n := numel(shape); n != len(data) {
		return Tensor{}, fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// Randn fills a tensor with standard normal samples drawn from rng.
func Randn(rng *rand.Rand, shape ...int) Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Numel returns the number of elements.
func (t Tensor) Numel() int {
	return numel(t.Shape)
}

// Clone deep-copies the tensor.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// FlattenFrames rearranges a video batch "b c f h w -> (b f) c h w".
func FlattenFrames(t Tensor) (Tensor, error) {
	if len(t.Shape) != 5 {
		return Tensor{}, fmt.Errorf("expected (b, c, f, h, w), got shape %v", t.Shape)
	}
	b, c, f, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], t.Shape[4]
	hw := h * w
	out := Zeros(b*f, c, h, w)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for fi := 0; fi < f; fi++ {
				src := ((bi*c+ci)*f + fi) * hw
				dst := ((bi*f+fi)*c + ci) * hw
				copy(out.Data[dst:dst+hw], t.Data[src:src+hw])
			}
		}
	}
	return out, nil
}

// UnflattenFrames rearranges "(b f) c h w -> b c f h w" for the given b.
func UnflattenFrames(t Tensor, b int) (Tensor, error) {
	if len(t.Shape) != 4 {
		return Tensor{}, fmt.Errorf("expected ((b f), c, h, w), got shape %v", t.Shape)
	}
	if b <= 0 || t.Shape[0]%b != 0 {
		return Tensor{}, fmt.Errorf("cannot split %d frames into %d videos", t.Shape[0], b)
	}
	f := t.Shape[0] / b
	c, h, w := t.Shape[1], t.Shape[2], t.Shape[3]
	hw := h * w
	out := Zeros(b, c, f, h, w)
	for bi := 0; bi < b; bi++ {
		for fi := 0; fi < f; fi++ {
			for ci := 0; ci < c; ci++ {
				src := ((bi*f+fi)*c + ci) * hw
				dst := ((bi*c+ci)*f + fi) * hw
				copy(out.Data[dst:dst+hw], t.Data[src:src+hw])
			}
		}
	}
	return out, nil
}

// Stack joins equally shaped tensors along a new leading dimension.
func Stack(ts []Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Tensor{}, fmt.Errorf("nothing to stack")
	}
	inner := ts[0].Shape
	data := make([]float32, 0, len(ts)*ts[0].Numel())
	for i, t := range ts {
		if !sameShape(t.Shape, inner) {
			return Tensor{}, fmt.Errorf("tensor %d has shape %v, want %v", i, t.Shape, inner)
		}
		data = append(data, t.Data...)
	}
	return Tensor{Shape: append([]int{len(ts)}, inner...), Data: data}, nil
}

// Concat joins tensors along dimension 0.
func Concat(ts ...Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Tensor{}, fmt.Errorf("nothing to concatenate")
	}
	for i, t := range ts {
		if len(t.Shape) == 0 {
			return Tensor{}, fmt.Errorf("tensor %d has no dimensions to concatenate along", i)
		}
	}
	inner := ts[0].Shape[1:]
	rows := 0
	var data []float32
	for i, t := range ts {
		if !sameShape(t.Shape[1:], inner) {
			return Tensor{}, fmt.Errorf("tensor %d has shape %v, incompatible with %v", i, t.Shape, ts[0].Shape)
		}
		rows += t.Shape[0]
		data = append(data, t.Data...)
	}
	return Tensor{Shape: append([]int{rows}, inner...), Data: data}, nil
}

// Chunk splits a tensor into n equal parts along dimension 0.
func Chunk(t Tensor, n int) ([]Tensor, error) {
	if len(t.Shape) == 0 || n <= 0 || t.Shape[0]%n != 0 {
		return nil, fmt.Errorf("cannot chunk shape %v into %d parts", t.Shape, n)
	}
	rows := t.Shape[0] / n
	size := len(t.Data) / n
	out := make([]Tensor, n)
	for i := range out {
		shape := append([]int{rows}, t.Shape[1:]...)
		out[i] = Tensor{Shape: shape, Data: t.Data[i*size : (i+1)*size]}
	}
	return out, nil
}

// Scale returns s*t.
func Scale(t Tensor, s float32) Tensor {
	out := Zeros(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = v * s
	}
	return out
}

// Combine returns a*x + b*y for equally shaped x and y.
func Combine(a float32, x Tensor, b float32, y Tensor) (Tensor, error) {
	if !sameShape(x.Shape, y.Shape) {
		return Tensor{}, fmt.Errorf("shape mismatch: %v vs %v", x.Shape, y.Shape)
	}
	out := Zeros(x.Shape...)
	for i := range x.Data {
		out.Data[i] = a*x.Data[i] + b*y.Data[i]
	}
	return out, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
