package tensor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// WriteFile writes a tensor to a binary file
// Format: uint32 rank, uint32 dims, then LittleEndian float32 values
func WriteFile(fs afero.Fs, path string, t Tensor) error {
	if t.Numel() != len(t.Data) {
		return fmt.Errorf("tensor shape %v does not match %d values", t.Shape, len(t.Data))
	}
	if len(t.Data) == 0 {
		return fmt.Errorf("tensor cannot be empty")
	}

	file, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create tensor file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.Shape))); err != nil {
		return fmt.Errorf("failed to write tensor rank: %w", err)
	}
	for _, d := range t.Shape {
		if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
			return fmt.Errorf("failed to write tensor shape: %w", err)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, t.Data); err != nil {
		return fmt.Errorf("failed to write tensor values: %w", err)
	}
	return w.Flush()
}

// ReadFile reads a tensor written by WriteFile
func ReadFile(fs afero.Fs, path string) (Tensor, error) {
	file, err := fs.Open(path)
	if err != nil {
		return Tensor{}, fmt.Errorf("failed to open tensor file: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return Tensor{}, fmt.Errorf("failed to read tensor rank: %w", err)
	}
	if rank == 0 || rank > 8 {
		return Tensor{}, fmt.Errorf("invalid tensor rank: %d", rank)
	}

	shape := make([]int, rank)
	for i := range shape {
		var d uint32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return Tensor{}, fmt.Errorf("failed to read tensor shape: %w", err)
		}
		shape[i] = int(d)
	}

	data := make([]float32, numel(shape))
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Tensor{}, fmt.Errorf("tensor file truncated: want %d values", len(data))
		}
		return Tensor{}, fmt.Errorf("failed to read tensor values: %w", err)
	}

	return Tensor{Shape: shape, Data: data}, nil
}
