package tensor

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func arange(shape ...int) Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = float32(i)
	}
	return t
}

func TestFlattenFrames(t *testing.T) {
	// b=1, c=2, f=3, h=1, w=2
	video := arange(1, 2, 3, 1, 2)

	flat, err := FlattenFrames(video)
	if err != nil {
		t.Fatalf("FlattenFrames failed: %v", err)
	}

	if diff := cmp.Diff([]int{3, 2, 1, 2}, flat.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	// frame 1 holds channel 0 frame 1 followed by channel 1 frame 1
	want := []float32{0, 1, 6, 7, 2, 3, 8, 9, 4, 5, 10, 11}
	if diff := cmp.Diff(want, flat.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestUnflattenFramesInvertsFlatten(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
	}{
		{"single video", []int{1, 3, 4, 2, 2}},
		{"two videos", []int{2, 4, 3, 2, 3}},
		{"single frame", []int{1, 1, 1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			video := Randn(rand.New(rand.NewSource(1)), tt.shape...)

			flat, err := FlattenFrames(video)
			if err != nil {
				t.Fatalf("FlattenFrames failed: %v", err)
			}
			back, err := UnflattenFrames(flat, tt.shape[0])
			if err != nil {
				t.Fatalf("UnflattenFrames failed: %v", err)
			}

			if diff := cmp.Diff(video, back); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFlattenFramesRejectsWrongRank(t *testing.T) {
	if _, err := FlattenFrames(Zeros(2, 3, 4, 4)); err == nil {
		t.Error("expected error for 4-d input")
	}
	if _, err := UnflattenFrames(Zeros(5, 3, 4, 4), 2); err == nil {
		t.Error("expected error when frames do not divide evenly")
	}
}

func TestChunkAndConcat(t *testing.T) {
	x := arange(4, 3)

	parts, err := Chunk(x, 2)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(parts))
	}
	if diff := cmp.Diff([]int{2, 3}, parts[1].Shape); diff != "" {
		t.Errorf("chunk shape mismatch (-want +got):\n%s", diff)
	}
	if parts[1].Data[0] != 6 {
		t.Errorf("expected second chunk to start at 6, got %v", parts[1].Data[0])
	}

	joined, err := Concat(parts...)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if diff := cmp.Diff(x, joined); diff != "" {
		t.Errorf("concat mismatch (-want +got):\n%s", diff)
	}

	if _, err := Chunk(x, 3); err == nil {
		t.Error("expected error chunking 4 rows into 3")
	}
	if _, err := Concat(Zeros(1, 2), Zeros(1, 3)); err == nil {
		t.Error("expected error concatenating mismatched shapes")
	}
}

func TestConcatRejectsScalars(t *testing.T) {
	scalar := Tensor{Data: []float32{0.5}}

	tests := []struct {
		name string
		ts   []Tensor
	}{
		{"scalar first", []Tensor{scalar, Zeros(1, 3)}},
		{"scalar last", []Tensor{Zeros(1, 3), scalar}},
		{"only scalars", []Tensor{scalar, scalar}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Concat(tt.ts...); err == nil {
				t.Error("expected error concatenating a tensor without dimensions")
			}
		})
	}
}

func TestStack(t *testing.T) {
	a, b := arange(2, 2), Scale(arange(2, 2), 2)

	s, err := Stack([]Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 2, 2}, s.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if s.Data[7] != 6 {
		t.Errorf("expected last element 6, got %v", s.Data[7])
	}

	if _, err := Stack([]Tensor{a, Zeros(3)}); err == nil {
		t.Error("expected error stacking mismatched shapes")
	}
}

func TestCombine(t *testing.T) {
	x, _ := New([]int{3}, []float32{1, 2, 3})
	y, _ := New([]int{3}, []float32{10, 20, 30})

	got, err := Combine(2, x, 0.5, y)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	if diff := cmp.Diff([]float32{7, 14, 21}, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestNewValidatesShape(t *testing.T) {
	if _, err := New([]int{2, 2}, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for mismatched data length")
	}
}

func TestRandnIsSeeded(t *testing.T) {
	a := Randn(rand.New(rand.NewSource(42)), 2, 8)
	b := Randn(rand.New(rand.NewSource(42)), 2, 8)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed produced different samples (-a +b):\n%s", diff)
	}
}
