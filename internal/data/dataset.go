// Package data supplies training-video batches to the evaluation run.
package data

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pders01/ckpt-eval/internal/tensor"
	"github.com/spf13/afero"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Example is one dataset item before collation.
type Example struct {
	PromptIDs []int
	// Images is shaped (channels, frames, height, width), values in [-1, 1].
	Images tensor.Tensor
}

// Dataset is a finite, indexable source of examples.
type Dataset interface {
	Len() int
	Example(i int) (Example, error)
}

// SequenceOptions describes how clips are cut from a frame directory.
type SequenceOptions struct {
	Path             string
	NSampleFrame     int
	SamplingRate     int
	Stride           int
	StartSampleFrame int
	Width            int
	Height           int
}

// ImageSequence serves fixed-length clips from a directory of frame images.
type ImageSequence struct {
	fs        afero.Fs
	opts      SequenceOptions
	frames    []string
	starts    []int
	promptIDs []int
}

var frameExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".webp": true}

// NewImageSequence scans opts.Path for frames and plans the clips.
func NewImageSequence(fs afero.Fs, opts SequenceOptions, promptIDs []int) (*ImageSequence, error) {
	if opts.NSampleFrame < 1 {
		return nil, fmt.Errorf("n_sample_frame must be positive, got %d", opts.NSampleFrame)
	}
	if opts.SamplingRate < 1 {
		opts.SamplingRate = 1
	}
	if opts.Width < 1 || opts.Height < 1 {
		return nil, fmt.Errorf("invalid frame size %dx%d", opts.Width, opts.Height)
	}

	entries, err := afero.ReadDir(fs, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames in %s: %w", opts.Path, err)
	}

	var frames []string
	for _, e := range entries {
		if e.IsDir() || !frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		frames = append(frames, e.Name())
	}
	sortFrames(frames)

	span := (opts.NSampleFrame-1)*opts.SamplingRate + 1
	if opts.StartSampleFrame < 0 || opts.StartSampleFrame+span > len(frames) {
		return nil, fmt.Errorf("%s has %d frames, clip needs %d starting at %d",
			opts.Path, len(frames), span, opts.StartSampleFrame)
	}

	starts := []int{opts.StartSampleFrame}
	if opts.Stride > 0 {
		for s := opts.StartSampleFrame + opts.Stride; s+span <= len(frames); s += opts.Stride {
			starts = append(starts, s)
		}
	}

	return &ImageSequence{
		fs:        fs,
		opts:      opts,
		frames:    frames,
		starts:    starts,
		promptIDs: promptIDs,
	}, nil
}

// sortFrames orders frame files numerically when every stem is a number
// (1.png, 2.png, 10.png) and lexically otherwise.
func sortFrames(names []string) {
	nums := make(map[string]int, len(names))
	for _, n := range names {
		v, err := strconv.Atoi(strings.TrimSuffix(n, filepath.Ext(n)))
		if err != nil {
			sort.Strings(names)
			return
		}
		nums[n] = v
	}
	sort.Slice(names, func(i, j int) bool { return nums[names[i]] < nums[names[j]] })
}

func (s *ImageSequence) Len() int {
	return len(s.starts)
}

// Example loads clip i as a (c, f, h, w) tensor.
func (s *ImageSequence) Example(i int) (Example, error) {
	if i < 0 || i >= len(s.starts) {
		return Example{}, fmt.Errorf("clip %d out of range [0, %d)", i, len(s.starts))
	}

	w, h, f := s.opts.Width, s.opts.Height, s.opts.NSampleFrame
	hw := w * h
	images := tensor.Zeros(3, f, h, w)
	for fi := 0; fi < f; fi++ {
		name := s.frames[s.starts[i]+fi*s.opts.SamplingRate]
		img, err := s.loadFrame(filepath.Join(s.opts.Path, name))
		if err != nil {
			return Example{}, err
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := img.PixOffset(x, y)
				for c := 0; c < 3; c++ {
					images.Data[(c*f+fi)*hw+y*w+x] = float32(img.Pix[off+c])/127.5 - 1
				}
			}
		}
	}

	return Example{PromptIDs: s.promptIDs, Images: images}, nil
}

func (s *ImageSequence) loadFrame(path string) (*image.RGBA, error) {
	file, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer file.Close()

	src, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %s: %w", path, err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, s.opts.Width, s.opts.Height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}
