// Package sample renders generated and source videos for inspection.
package sample

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pders01/ckpt-eval/internal/pipeline"
	"github.com/pders01/ckpt-eval/internal/tensor"
	"github.com/spf13/afero"
)

// DefaultFPS is the playback rate of written GIFs.
const DefaultFPS = 8

// Config is the sample logger section of editing_config.
type Config struct {
	// EditingPrompts are sampled in order. Without any, the source prompt
	// is sampled as a reconstruction.
	EditingPrompts []string
	SourcePrompt   string
	NegativePrompt string
	GuidanceScale  float32
	SampleSeeds    []int64
	FPS            int
	// MaxSize caps the longer side of written GIFs; 0 keeps full size.
	MaxSize int
}

// Request is one sampling round.
type Request struct {
	// Images is the flattened (frames, 3, H, W) source video.
	Images   tensor.Tensor
	Pipeline pipeline.Pipeline
	Device   string
	Step     int
	// InitLatents overrides the sampler's starting noise when set.
	InitLatents *tensor.Tensor
}

// Logger writes one GIF per editing prompt and seed under logdir/sample.
type Logger struct {
	cfg    Config
	fs     afero.Fs
	dir    string
	logger *slog.Logger
}

func NewLogger(fs afero.Fs, logdir string, cfg Config, logger *slog.Logger) *Logger {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if len(cfg.SampleSeeds) == 0 {
		cfg.SampleSeeds = []int64{0}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{cfg: cfg, fs: fs, dir: filepath.Join(logdir, "sample"), logger: logger}
}

// Prompts returns the prompts a round samples.
func (l *Logger) Prompts() []string {
	if len(l.cfg.EditingPrompts) > 0 {
		return l.cfg.EditingPrompts
	}
	return []string{l.cfg.SourcePrompt}
}

// LogSampleImages samples every prompt and seed and returns the written
// paths. The source video is written alongside as input.gif.
func (l *Logger) LogSampleImages(ctx context.Context, req Request) ([]string, error) {
	if req.Pipeline == nil {
		return nil, fmt.Errorf("sample logger needs a pipeline")
	}
	if len(req.Images.Shape) != 4 {
		return nil, fmt.Errorf("expected (frames, 3, H, W) images, got shape %v", req.Images.Shape)
	}
	if err := l.fs.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sample dir: %w", err)
	}

	var written []string
	input := filepath.Join(l.dir, "input.gif")
	if err := WriteGIF(l.fs, input, req.Images, l.cfg.FPS, l.cfg.MaxSize); err != nil {
		return nil, err
	}
	written = append(written, input)

	frames, height, width := req.Images.Shape[0], req.Images.Shape[2], req.Images.Shape[3]
	for i, prompt := range l.Prompts() {
		for _, seed := range l.cfg.SampleSeeds {
			video, err := req.Pipeline.Generate(ctx, pipeline.GenerateRequest{
				Prompt:         prompt,
				NegativePrompt: l.cfg.NegativePrompt,
				GuidanceScale:  l.cfg.GuidanceScale,
				Latents:        req.InitLatents,
				Seed:           seed,
				Frames:         frames,
				Height:         height,
				Width:          width,
			})
			if err != nil {
				return written, fmt.Errorf("failed to sample %q: %w", prompt, err)
			}

			path := filepath.Join(l.dir, l.fileName(req.Step, i, prompt, seed))
			if err := WriteGIF(l.fs, path, video, l.cfg.FPS, l.cfg.MaxSize); err != nil {
				return written, err
			}
			l.logger.Info("saved sample", "prompt", prompt, "seed", seed, "device", req.Device, "path", path)
			written = append(written, path)
		}
	}
	return written, nil
}

func (l *Logger) fileName(step, i int, prompt string, seed int64) string {
	name := fmt.Sprintf("step_%d_%d_%s", step, i, Slug(prompt))
	if len(l.cfg.SampleSeeds) > 1 {
		name += fmt.Sprintf("_seed%d", seed)
	}
	return name + ".gif"
}

// Slug turns a prompt into a short file name component.
func Slug(prompt string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(prompt) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	s := strings.TrimSuffix(b.String(), "_")
	if r := []rune(s); len(r) > 48 {
		s = strings.TrimSuffix(string(r[:48]), "_")
	}
	if s == "" {
		return "empty"
	}
	return s
}
