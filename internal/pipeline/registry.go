package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// DefaultTarget is used when test_pipeline_config has no target.
const DefaultTarget = "spatio_temporal"

// ErrUnknownTarget is returned for a target no factory is registered under.
var ErrUnknownTarget = errors.New("unknown pipeline target")

// Options are construction-time settings shared by all variants.
type Options struct {
	DiskStore bool
	Logger    *slog.Logger
}

// Factory builds a pipeline variant from loaded components.
type Factory func(c Components, opts Options) (Pipeline, error)

// Registry maps target names (and their aliases) to factories.
type Registry struct {
	factories map[string]Factory
	aliases   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		aliases:   map[string]string{},
	}
}

// Register adds a factory under name and any aliases.
func (r *Registry) Register(name string, f Factory, aliases ...string) {
	r.factories[name] = f
	for _, a := range aliases {
		r.aliases[a] = name
	}
}

// Resolve maps a configured target to its canonical name. An empty target
// resolves to DefaultTarget.
func (r *Registry) Resolve(target string) (string, error) {
	if target == "" {
		target = DefaultTarget
	}
	if canonical, ok := r.aliases[target]; ok {
		target = canonical
	}
	if _, ok := r.factories[target]; !ok {
		return "", fmt.Errorf("%w %q (available: %s)", ErrUnknownTarget, target, strings.Join(r.Names(), ", "))
	}
	return target, nil
}

// Names lists the canonical targets.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the pipeline registered for target.
func (r *Registry) New(target string, c Components, opts Options) (Pipeline, error) {
	name, err := r.Resolve(target)
	if err != nil {
		return nil, err
	}
	return r.factories[name](c, opts)
}

// DefaultRegistry knows the built-in variants, also under the class paths
// used by existing training configs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(DefaultTarget, func(c Components, opts Options) (Pipeline, error) {
		return newSpatioTemporal(DefaultTarget, false, c, opts)
	}, "video_diffusion.pipelines.stable_diffusion.SpatioTemporalStableDiffusionPipeline")
	r.Register("p2p", func(c Components, opts Options) (Pipeline, error) {
		return newSpatioTemporal("p2p", true, c, opts)
	}, "video_diffusion.pipelines.p2p_ddim_spatial_temporal.P2pDDIMSpatioTemporalPipeline")
	return r
}
