package models

import "github.com/pders01/ckpt-eval/internal/tensor"

// Batch is one collated group of training examples
type Batch struct {
	// PromptIDs holds one token id row per example
	PromptIDs [][]int
	// Images is shaped (count, channels, frames, height, width)
	Images tensor.Tensor
}

// Size returns the number of videos in the batch
func (b Batch) Size() int {
	if len(b.Images.Shape) == 0 {
		return 0
	}
	return b.Images.Shape[0]
}

// InversionResult is the latent trajectory recovered for the source video
type InversionResult struct {
	// Trajectory holds one latent per inversion step, least noisy first
	Trajectory []tensor.Tensor
	// InitialLatent seeds conditioned generation; the last trajectory element
	InitialLatent tensor.Tensor
}
