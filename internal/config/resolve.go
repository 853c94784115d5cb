package config

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.yaml.in/yaml/v3"
)

// TimestampLayout formats run timestamps as yymmdd-HHMMSS.
const TimestampLayout = "060102-150405"

// DefaultLogdir names the output root after the config file: "config"
// becomes "result" and the extension is dropped.
func DefaultLogdir(configPath string) string {
	dir := strings.ReplaceAll(configPath, "config", "result")
	return strings.TrimSuffix(dir, filepath.Ext(dir))
}

// RunDir is the output directory of one run: base, namespaced by the
// checkpoint name when there is one, suffixed with the timestamp.
func RunDir(base, checkpoint string, now time.Time) string {
	if checkpoint != "" {
		base = filepath.Join(base, checkpoint)
	}
	return base + "_" + now.Format(TimestampLayout)
}

// Clone returns a deep copy.
func (c *RunConfig) Clone() *RunConfig {
	out := *c
	if c.PretrainedEpochList != nil {
		out.PretrainedEpochList = slices.Clone(c.PretrainedEpochList)
	}
	if c.Seed != nil {
		seed := *c.Seed
		out.Seed = &seed
	}
	if c.ModelConfig != nil {
		out.ModelConfig = cloneMap(c.ModelConfig)
	}
	if c.EditingConfig != nil {
		editing := *c.EditingConfig
		editing.EditingPrompts = slices.Clone(c.EditingConfig.EditingPrompts)
		editing.SampleSeeds = slices.Clone(c.EditingConfig.SampleSeeds)
		out.EditingConfig = &editing
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// WriteFile saves the resolved config as YAML.
func (c *RunConfig) WriteFile(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
