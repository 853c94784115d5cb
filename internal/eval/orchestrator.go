// Package eval runs the evaluation of a single checkpoint.
package eval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pders01/ckpt-eval/internal/backend"
	"github.com/pders01/ckpt-eval/internal/config"
	"github.com/pders01/ckpt-eval/internal/data"
	"github.com/pders01/ckpt-eval/internal/dist"
	"github.com/pders01/ckpt-eval/internal/inversion"
	"github.com/pders01/ckpt-eval/internal/models"
	"github.com/pders01/ckpt-eval/internal/pipeline"
	"github.com/pders01/ckpt-eval/internal/sample"
	"github.com/pders01/ckpt-eval/internal/tensor"
	"github.com/spf13/afero"
)

// State is a step of the evaluation state machine.
type State string

const (
	StateInit             State = "Init"
	StateModelsLoaded     State = "ModelsLoaded"
	StateDataReady        State = "DataReady"
	StateInversionDone    State = "InversionDone"
	StateSamplesGenerated State = "SamplesGenerated"
	StateFinalized        State = "Finalized"
)

// Output file names inside a run directory.
const (
	ConfigFile       = "config.yml"
	MetadataFile     = "meta.json"
	TrainSamplesFile = "train_samples.gif"
)

// DefaultInferenceSteps is used when editing_config sets none.
const DefaultInferenceSteps = 50

// RunContext is the per-worker execution context of a run.
type RunContext struct {
	Group     dist.Group
	Device    string
	Precision tensor.DType
	Logger    *slog.Logger
}

// SampleLogger renders edited samples for a run.
type SampleLogger interface {
	LogSampleImages(ctx context.Context, req sample.Request) ([]string, error)
}

// Report records how far a run got.
type Report struct {
	RunID       string
	Logdir      string
	Pipeline    string
	Transitions []State
	// Inversion is nil unless inverted latents were requested.
	Inversion *models.InversionResult
	Samples   []string
}

func (r *Report) enter(s State) {
	r.Transitions = append(r.Transitions, s)
}

// Reached reports whether the run passed through s.
func (r *Report) Reached(s State) bool {
	for _, t := range r.Transitions {
		if t == s {
			return true
		}
	}
	return false
}

// Orchestrator wires the collaborators of a run.
type Orchestrator struct {
	Fs        afero.Fs
	Loader    backend.Loader
	Pipelines *pipeline.Registry

	// NewDataset builds the source video dataset. Defaults to an image
	// sequence read from Fs.
	NewDataset func(fs afero.Fs, cfg config.DatasetConfig, promptIDs []int) (data.Dataset, error)
	// NewSampleLogger builds the sample logger of a run directory.
	// Defaults to sample.NewLogger.
	NewSampleLogger func(fs afero.Fs, logdir string, cfg *config.RunConfig, logger *slog.Logger) SampleLogger

	// Revision is the source revision recorded in meta.json.
	Revision string
	// Out receives the pipeline description on the main worker.
	Out io.Writer
	Now func() time.Time
}

// Run evaluates cfg.PretrainedModelPath into cfg.Logdir. Only the main
// worker writes to the run directory. The returned report is valid even
// when err is not nil.
func (o *Orchestrator) Run(ctx context.Context, rc RunContext, cfg *config.RunConfig, cp models.Checkpoint) (report *Report, err error) {
	if rc.Group == nil {
		rc.Group = dist.Single()
	}
	if rc.Logger == nil {
		rc.Logger = slog.Default()
	}
	if rc.Precision == "" {
		rc.Precision = cfg.DType()
	}
	logger := rc.Logger.With("rank", rc.Group.Rank(), "checkpoint", cp.Name())
	isMain := rc.Group.IsMain()

	report = &Report{RunID: uuid.NewString(), Logdir: cfg.Logdir}
	report.enter(StateInit)

	target, err := cfg.ResolvePipeline(o.Pipelines.Resolve)
	if err != nil {
		return report, err
	}
	report.Pipeline = target

	if isMain {
		if err := o.initRunDir(cfg, cp, rc, report); err != nil {
			return report, err
		}
	}

	// Init -> ModelsLoaded
	comps, err := o.Loader.Load(ctx, cfg.PretrainedModelPath, backend.LoadOptions{
		DType:       rc.Precision,
		Device:      rc.Device,
		ModelConfig: cfg.ModelConfig,
	})
	if err != nil {
		return report, fmt.Errorf("failed to load models: %w", err)
	}
	pipe, err := o.Pipelines.New(target, comps, pipeline.Options{DiskStore: cfg.DiskStore, Logger: logger})
	if err != nil {
		comps.Close()
		return report, fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer func() {
		if cerr := pipe.Close(); cerr != nil {
			logger.Warn("failed to release pipeline", "error", cerr)
		}
		report.enter(StateFinalized)
	}()

	steps := DefaultInferenceSteps
	if cfg.EditingConfig != nil {
		steps = cfg.EditingConfig.NumInferenceSteps
	}
	if err := pipe.SetInferenceSteps(steps); err != nil {
		return report, err
	}
	if err := pipe.EnableMemoryEfficientAttention(ctx); err != nil {
		var unavailable *pipeline.OptionalFeatureUnavailable
		if !errors.As(err, &unavailable) {
			return report, err
		}
		logger.Warn("continuing without optimization", "error", err)
	}
	if err := pipe.Freeze(ctx); err != nil {
		return report, fmt.Errorf("failed to freeze models: %w", err)
	}
	if isMain && o.Out != nil {
		fmt.Fprint(o.Out, pipe.Describe())
	}
	report.enter(StateModelsLoaded)

	// ModelsLoaded -> DataReady
	batch, err := o.firstBatch(ctx, rc, cfg, pipe)
	if err != nil {
		return report, err
	}
	if isMain {
		o.saveTrainSamples(cfg, batch, logger)
	}
	report.enter(StateDataReady)

	// DataReady -> InversionDone
	editing := cfg.EditingConfig
	if editing != nil && editing.UseInvertionLatents {
		cache := inversion.New(inversion.Options{
			Prompt:         cfg.DatasetConfig.Prompt,
			NegativePrompt: editing.NegativePrompt,
			DType:          rc.Precision,
			StoreAttention: editing.UseInversionAttention,
			Verbose:        cfg.Verbose && isMain,
			Fs:             o.Fs,
			Dir:            cfg.Logdir,
			Logger:         logger,
		})
		report.Inversion, err = cache.Invert(ctx, batch, pipe)
		if err != nil {
			return report, err
		}
		report.enter(StateInversionDone)
	}

	// -> SamplesGenerated
	images, err := tensor.FlattenFrames(batch.Images)
	if err != nil {
		return report, err
	}
	if isMain && editing != nil {
		var initLatents *tensor.Tensor
		if report.Inversion != nil {
			initLatents = &report.Inversion.InitialLatent
		}
		report.Samples, err = o.sampleLogger(cfg, logger).LogSampleImages(ctx, sample.Request{
			Images:      images,
			Pipeline:    pipe,
			Device:      rc.Device,
			Step:        0,
			InitLatents: initLatents,
		})
		if err != nil {
			return report, fmt.Errorf("failed to log samples: %w", err)
		}
	}
	if err := rc.Group.Barrier(ctx); err != nil {
		return report, err
	}
	report.enter(StateSamplesGenerated)
	return report, nil
}

func (o *Orchestrator) initRunDir(cfg *config.RunConfig, cp models.Checkpoint, rc RunContext, report *Report) error {
	if err := o.Fs.MkdirAll(cfg.Logdir, 0755); err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}
	if err := cfg.WriteFile(o.Fs, filepath.Join(cfg.Logdir, ConfigFile)); err != nil {
		return err
	}

	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	meta := models.RunMetadata{
		RunID:          report.RunID,
		CreatedAt:      now().UTC(),
		Checkpoint:     cp.Path,
		Pipeline:       report.Pipeline,
		MixedPrecision: cfg.MixedPrecision,
		WorldSize:      rc.Group.Size(),
		Seed:           cfg.Seed,
		Inversion:      cfg.EditingConfig != nil && cfg.EditingConfig.UseInvertionLatents,
		Revision:       o.Revision,
	}
	if cp.HasEpoch {
		epoch := cp.Epoch
		meta.Epoch = &epoch
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := afero.WriteFile(o.Fs, filepath.Join(cfg.Logdir, MetadataFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (o *Orchestrator) firstBatch(ctx context.Context, rc RunContext, cfg *config.RunConfig, pipe pipeline.Pipeline) (models.Batch, error) {
	promptIDs, err := pipe.Tokenize(ctx, cfg.DatasetConfig.Prompt)
	if err != nil {
		return models.Batch{}, fmt.Errorf("failed to tokenize prompt: %w", err)
	}

	newDataset := o.NewDataset
	if newDataset == nil {
		newDataset = ImageSequenceDataset
	}
	ds, err := newDataset(o.Fs, cfg.DatasetConfig, promptIDs)
	if err != nil {
		return models.Batch{}, fmt.Errorf("failed to build dataset: %w", err)
	}

	loader, err := data.NewBatchLoader(ds, data.LoaderOptions{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Seed:      cfg.SeedOr(0),
		Rank:      rc.Group.Rank(),
		WorldSize: rc.Group.Size(),
	})
	if err != nil {
		return models.Batch{}, err
	}
	return data.NewCyclicSource(loader, rc.Group).Next(ctx)
}

// ImageSequenceDataset reads the dataset_config frame directory.
func ImageSequenceDataset(fs afero.Fs, cfg config.DatasetConfig, promptIDs []int) (data.Dataset, error) {
	return data.NewImageSequence(fs, data.SequenceOptions{
		Path:             cfg.Path,
		NSampleFrame:     cfg.NSampleFrame,
		SamplingRate:     cfg.SamplingRate,
		Stride:           cfg.Stride,
		StartSampleFrame: cfg.StartSampleFrame,
		Width:            cfg.Width,
		Height:           cfg.Height,
	}, promptIDs)
}

// saveTrainSamples writes a preview of the source batch. Failures only warn.
func (o *Orchestrator) saveTrainSamples(cfg *config.RunConfig, batch models.Batch, logger *slog.Logger) {
	video, err := sample.TileVideos(batch.Images)
	if err == nil {
		fps := sample.DefaultFPS
		if cfg.EditingConfig != nil && cfg.EditingConfig.FPS > 0 {
			fps = cfg.EditingConfig.FPS
		}
		err = sample.WriteGIF(o.Fs, filepath.Join(cfg.Logdir, TrainSamplesFile), video, fps, sample.DefaultPreviewSize)
	}
	if err != nil {
		logger.Warn("failed to save train samples", "error", err)
	}
}

func (o *Orchestrator) sampleLogger(cfg *config.RunConfig, logger *slog.Logger) SampleLogger {
	if o.NewSampleLogger != nil {
		return o.NewSampleLogger(o.Fs, cfg.Logdir, cfg, logger)
	}
	return NewSampleLogger(o.Fs, cfg.Logdir, cfg, logger)
}

// NewSampleLogger builds the GIF sample logger for cfg.
func NewSampleLogger(fs afero.Fs, logdir string, cfg *config.RunConfig, logger *slog.Logger) SampleLogger {
	editing := cfg.EditingConfig
	return sample.NewLogger(fs, logdir, sample.Config{
		EditingPrompts: editing.EditingPrompts,
		SourcePrompt:   cfg.DatasetConfig.Prompt,
		NegativePrompt: editing.NegativePrompt,
		GuidanceScale:  editing.GuidanceScale,
		SampleSeeds:    editing.SampleSeeds,
		FPS:            editing.FPS,
		MaxSize:        sample.DefaultPreviewSize,
	}, logger)
}
