// Package config loads and validates the evaluation run configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pders01/ckpt-eval/internal/tensor"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CKPT_EVAL_BATCH_SIZE.
const EnvPrefix = "CKPT_EVAL"

// Sweep failure policies.
const (
	PolicyContinue = "continue"
	PolicyAbort    = "abort"
)

// ConfigError reports a missing or malformed configuration key.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid config: %v", e.Err)
	}
	return fmt.Sprintf("config key %q: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var errMissing = errors.New("required key is missing")

// DatasetConfig describes the source video.
type DatasetConfig struct {
	Path             string `mapstructure:"path" yaml:"path"`
	Prompt           string `mapstructure:"prompt" yaml:"prompt"`
	NSampleFrame     int    `mapstructure:"n_sample_frame" yaml:"n_sample_frame"`
	SamplingRate     int    `mapstructure:"sampling_rate" yaml:"sampling_rate"`
	Stride           int    `mapstructure:"stride" yaml:"stride"`
	StartSampleFrame int    `mapstructure:"start_sample_frame" yaml:"start_sample_frame"`
	Width            int    `mapstructure:"width" yaml:"width"`
	Height           int    `mapstructure:"height" yaml:"height"`
}

// EditingConfig drives inversion and sample generation.
type EditingConfig struct {
	NumInferenceSteps     int      `mapstructure:"num_inference_steps" yaml:"num_inference_steps"`
	UseInvertionLatents   bool     `mapstructure:"use_invertion_latents" yaml:"use_invertion_latents"`
	UseInversionAttention bool     `mapstructure:"use_inversion_attention" yaml:"use_inversion_attention"`
	EditingPrompts        []string `mapstructure:"editing_prompts" yaml:"editing_prompts,omitempty"`
	GuidanceScale         float32  `mapstructure:"guidance_scale" yaml:"guidance_scale"`
	NegativePrompt        string   `mapstructure:"negative_prompt" yaml:"negative_prompt,omitempty"`
	SampleSeeds           []int64  `mapstructure:"sample_seeds" yaml:"sample_seeds,omitempty"`
	FPS                   int      `mapstructure:"fps" yaml:"fps"`
}

// PipelineConfig selects the generation pipeline variant.
type PipelineConfig struct {
	Target string `mapstructure:"target" yaml:"target,omitempty"`
}

// BackendConfig locates the model server and the prompt encoder.
type BackendConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TextEncoder string        `mapstructure:"text_encoder" yaml:"text_encoder"`
	OllamaURL   string        `mapstructure:"ollama_url" yaml:"ollama_url,omitempty"`
	OllamaModel string        `mapstructure:"ollama_model" yaml:"ollama_model,omitempty"`
}

// RunConfig is the resolved configuration of one evaluation run.
type RunConfig struct {
	PretrainedModelPath string `mapstructure:"pretrained_model_path" yaml:"pretrained_model_path"`
	Logdir              string `mapstructure:"logdir" yaml:"logdir,omitempty"`
	// PretrainedEpochList is nil when every checkpoint is evaluated.
	PretrainedEpochList []int `mapstructure:"-" yaml:"pretrained_epoch_list,omitempty"`

	MixedPrecision     string         `mapstructure:"mixed_precision" yaml:"mixed_precision"`
	BatchSize          int            `mapstructure:"batch_size" yaml:"batch_size"`
	Seed               *int64         `mapstructure:"seed" yaml:"seed,omitempty"`
	NumProcesses       int            `mapstructure:"num_processes" yaml:"num_processes"`
	Device             string         `mapstructure:"device" yaml:"device"`
	Verbose            bool           `mapstructure:"verbose" yaml:"verbose"`
	DiskStore          bool           `mapstructure:"disk_store" yaml:"disk_store"`
	SweepFailurePolicy string         `mapstructure:"sweep_failure_policy" yaml:"sweep_failure_policy"`
	TestPipelineConfig PipelineConfig `mapstructure:"test_pipeline_config" yaml:"test_pipeline_config"`
	ModelBackend       BackendConfig  `mapstructure:"model_backend" yaml:"model_backend"`
	ModelConfig        map[string]any `mapstructure:"model_config" yaml:"model_config,omitempty"`

	DatasetConfig DatasetConfig `mapstructure:"dataset_config" yaml:"dataset_config"`
	// EditingConfig is nil when no samples are requested.
	EditingConfig *EditingConfig `mapstructure:"editing_config" yaml:"editing_config,omitempty"`

	// Source is the file the config was loaded from.
	Source string `mapstructure:"-" yaml:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logdir", "")
	v.SetDefault("mixed_precision", "fp16")
	v.SetDefault("batch_size", 1)
	v.SetDefault("num_processes", 1)
	v.SetDefault("device", "cuda")
	v.SetDefault("verbose", true)
	v.SetDefault("disk_store", false)
	v.SetDefault("sweep_failure_policy", PolicyContinue)
	v.SetDefault("test_pipeline_config.target", "")
	v.SetDefault("model_backend.url", "http://localhost:7860")
	v.SetDefault("model_backend.timeout", "10m")
	v.SetDefault("model_backend.text_encoder", "server")
	v.SetDefault("model_backend.ollama_url", "")
	v.SetDefault("model_backend.ollama_model", "")

	v.SetDefault("dataset_config.path", "")
	v.SetDefault("dataset_config.n_sample_frame", 8)
	v.SetDefault("dataset_config.sampling_rate", 1)
	v.SetDefault("dataset_config.stride", -1)
	v.SetDefault("dataset_config.start_sample_frame", 0)
	v.SetDefault("dataset_config.width", 512)
	v.SetDefault("dataset_config.height", 512)
}

func defaultEditingConfig() EditingConfig {
	return EditingConfig{
		NumInferenceSteps: 50,
		GuidanceScale:     7.5,
		FPS:               8,
	}
}

// Load reads the config file at path from fs. Environment variables
// prefixed with EnvPrefix override file values.
func Load(fs afero.Fs, path string) (*RunConfig, error) {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	for _, key := range []string{"pretrained_model_path", "dataset_config"} {
		if !v.InConfig(key) && v.GetString(key) == "" {
			return nil, &ConfigError{Key: key, Err: errMissing}
		}
	}

	cfg := &RunConfig{Source: path}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, &ConfigError{Key: "", Err: fmt.Errorf("failed to decode config: %w", err)}
	}

	if v.IsSet("pretrained_epoch_list") {
		epochs, err := epochList(v.Get("pretrained_epoch_list"))
		if err != nil {
			return nil, &ConfigError{Key: "pretrained_epoch_list", Err: err}
		}
		cfg.PretrainedEpochList = epochs
	}

	if v.InConfig("editing_config") {
		editing := defaultEditingConfig()
		if err := v.UnmarshalKey("editing_config", &editing, hook); err != nil {
			return nil, &ConfigError{Key: "editing_config", Err: err}
		}
		cfg.EditingConfig = &editing
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// epochList accepts a sequence or a comma/space separated string.
func epochList(raw any) ([]int, error) {
	if s, ok := raw.(string); ok {
		raw = strings.Fields(strings.ReplaceAll(s, ",", " "))
	}
	epochs, err := cast.ToIntSliceE(raw)
	if err != nil {
		return nil, fmt.Errorf("must be a list of integers: %w", err)
	}
	if epochs == nil {
		epochs = []int{}
	}
	return epochs, nil
}

type bound struct {
	key   string
	value int
}

// Validate checks value ranges. Pipeline targets are validated against
// the registry separately.
func (c *RunConfig) Validate() error {
	if strings.TrimSpace(c.PretrainedModelPath) == "" {
		return &ConfigError{Key: "pretrained_model_path", Err: errMissing}
	}
	if strings.TrimSpace(c.DatasetConfig.Prompt) == "" {
		return &ConfigError{Key: "dataset_config.prompt", Err: errMissing}
	}
	if _, err := tensor.DTypeForMixedPrecision(c.MixedPrecision); err != nil {
		return &ConfigError{Key: "mixed_precision", Err: err}
	}

	positive := []bound{
		{"batch_size", c.BatchSize},
		{"num_processes", c.NumProcesses},
		{"dataset_config.n_sample_frame", c.DatasetConfig.NSampleFrame},
		{"dataset_config.sampling_rate", c.DatasetConfig.SamplingRate},
		{"dataset_config.width", c.DatasetConfig.Width},
		{"dataset_config.height", c.DatasetConfig.Height},
	}
	if c.EditingConfig != nil {
		positive = append(positive, bound{"editing_config.num_inference_steps", c.EditingConfig.NumInferenceSteps})
	}
	for _, p := range positive {
		if p.value < 1 {
			return &ConfigError{Key: p.key, Err: fmt.Errorf("must be positive, got %d", p.value)}
		}
	}
	if c.DatasetConfig.StartSampleFrame < 0 {
		return &ConfigError{Key: "dataset_config.start_sample_frame", Err: fmt.Errorf("must not be negative")}
	}

	switch c.SweepFailurePolicy {
	case PolicyContinue, PolicyAbort:
	default:
		return &ConfigError{Key: "sweep_failure_policy", Err: fmt.Errorf("must be %s or %s, got %q", PolicyContinue, PolicyAbort, c.SweepFailurePolicy)}
	}
	switch c.ModelBackend.TextEncoder {
	case "server", "ollama":
	default:
		return &ConfigError{Key: "model_backend.text_encoder", Err: fmt.Errorf("must be server or ollama, got %q", c.ModelBackend.TextEncoder)}
	}
	return nil
}

// DType is the precision of inference weights and inputs.
func (c *RunConfig) DType() tensor.DType {
	dt, err := tensor.DTypeForMixedPrecision(c.MixedPrecision)
	if err != nil {
		return tensor.Float32
	}
	return dt
}

// SeedOr returns the configured seed or def.
func (c *RunConfig) SeedOr(def int64) int64 {
	if c.Seed == nil {
		return def
	}
	return *c.Seed
}

// ResolvePipeline validates test_pipeline_config.target with resolve.
func (c *RunConfig) ResolvePipeline(resolve func(string) (string, error)) (string, error) {
	name, err := resolve(c.TestPipelineConfig.Target)
	if err != nil {
		return "", &ConfigError{Key: "test_pipeline_config.target", Err: err}
	}
	return name, nil
}
