package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plugind/pkg/engine"
)

var _ engine.PluginLoader = (*Registry)(nil)

// PluginInfo summarizes a registered plugin version.
type PluginInfo struct {
	PluginID     string              `json:"pluginId"`
	Version      string              `json:"version"`
	Runtime      engine.Runtime      `json:"runtime"`
	Checksum     string              `json:"checksum"`
	Capabilities []engine.Capability `json:"capabilities,omitempty"`
	Actions      []string            `json:"actions,omitempty"`
}

// Registry holds verified plugin versions in memory and resolves version
// constraints. It implements engine.PluginLoader.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]*registered
	logger  zerolog.Logger
}

type registered struct {
	version *semver.Version
	unit    *engine.ExecutableUnit
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With().Str("component", "plugin_registry").Logger()
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		plugins: make(map[string]map[string]*registered),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register verifies and adds a unit, replacing any unit with the same ID and
// version. An empty checksum is computed; a mismatching one is rejected.
func (r *Registry) Register(unit *engine.ExecutableUnit) error {
	if unit == nil || unit.PluginID == "" {
		return engine.NewValidationError("plugin id is required", nil)
	}
	v, err := semver.StrictNewVersion(unit.Version)
	if err != nil {
		return engine.NewValidationError(fmt.Sprintf("invalid plugin version %q", unit.Version), err).
			WithPlugin(unit.PluginID)
	}

	actual := Checksum(unit.Code)
	if unit.Checksum == "" {
		unit.Checksum = actual
	} else if unit.Checksum != actual {
		return engine.NewValidationError("plugin code does not match its checksum", nil).
			WithCode(engine.ErrCodeChecksumMismatch).
			WithPlugin(unit.PluginID).
			WithDetail("expected", unit.Checksum).
			WithDetail("actual", actual)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.plugins[unit.PluginID]
	if !ok {
		versions = make(map[string]*registered)
		r.plugins[unit.PluginID] = versions
	}
	versions[v.String()] = &registered{version: v, unit: unit}

	r.logger.Debug().
		Str("plugin_id", unit.PluginID).
		Str("version", v.String()).
		Str("checksum", unit.Checksum).
		Msg("Plugin registered")
	return nil
}

// Remove drops one version, or every version when version is empty.
// It returns the removed units.
func (r *Registry) Remove(pluginID, version string) []*engine.ExecutableUnit {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.plugins[pluginID]
	if !ok {
		return nil
	}
	var removed []*engine.ExecutableUnit
	for key, reg := range versions {
		if version == "" || key == version {
			removed = append(removed, reg.unit)
			delete(versions, key)
		}
	}
	if len(versions) == 0 {
		delete(r.plugins, pluginID)
	}
	return removed
}

// Load implements engine.PluginLoader. An empty version or "latest" selects
// the highest stable version; anything else is an exact version or a
// semver constraint such as "^1.2" or ">= 1.0, < 2".
func (r *Registry) Load(_ context.Context, pluginID, version string) (*engine.ExecutableUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.plugins[pluginID]
	if !ok || len(versions) == 0 {
		return nil, notFound(pluginID, version)
	}

	if version != "" && version != "latest" {
		if v, err := semver.StrictNewVersion(version); err == nil {
			if reg, ok := versions[v.String()]; ok {
				return reg.unit, nil
			}
			return nil, notFound(pluginID, version)
		}
	}

	var constraint *semver.Constraints
	if version != "" && version != "latest" {
		c, err := semver.NewConstraint(version)
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("invalid version constraint %q", version), err).
				WithPlugin(pluginID)
		}
		constraint = c
	}

	var best *registered
	for _, reg := range versions {
		if constraint == nil && reg.version.Prerelease() != "" {
			continue
		}
		if constraint != nil && !constraint.Check(reg.version) {
			continue
		}
		if best == nil || reg.version.GreaterThan(best.version) {
			best = reg
		}
	}
	if best == nil {
		return nil, notFound(pluginID, version)
	}
	return best.unit, nil
}

func notFound(pluginID, version string) error {
	msg := fmt.Sprintf("plugin %q not found", pluginID)
	if version != "" {
		msg = fmt.Sprintf("plugin %q has no version matching %q", pluginID, version)
	}
	return engine.NewValidationError(msg, nil).
		WithCode(engine.ErrCodePluginNotFound).
		WithPlugin(pluginID)
}

// List returns every registered version ordered by plugin ID then version.
func (r *Registry) List() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PluginInfo
	for _, versions := range r.plugins {
		for _, reg := range versions {
			out = append(out, PluginInfo{
				PluginID:     reg.unit.PluginID,
				Version:      reg.unit.Version,
				Runtime:      reg.unit.Runtime,
				Checksum:     reg.unit.Checksum,
				Capabilities: reg.unit.Capabilities,
				Actions:      reg.unit.Actions,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PluginID != out[j].PluginID {
			return out[i].PluginID < out[j].PluginID
		}
		return semver.MustParse(out[i].Version).LessThan(semver.MustParse(out[j].Version))
	})
	return out
}

// LoadDir registers every <dir>/<id>/<version>/manifest.yaml. Invalid
// plugins are skipped and reported in the joined error; valid ones are
// still registered.
func (r *Registry) LoadDir(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*", ManifestFile))
	if err != nil {
		return 0, fmt.Errorf("failed to scan plugin directory: %w", err)
	}

	var errs []error
	loaded := 0
	for _, path := range matches {
		if err := r.registerManifest(path); err != nil {
			r.logger.Warn().Err(err).Str("manifest", path).Msg("Skipping plugin")
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// ReloadPlugin replaces every version of pluginID with what is on disk
// under dir. It returns the units that were replaced.
func (r *Registry) ReloadPlugin(dir, pluginID string) ([]*engine.ExecutableUnit, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pluginID, "*", ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to scan plugin directory: %w", err)
	}

	type loaded struct {
		manifest *Manifest
		code     []byte
	}
	var fresh []loaded
	for _, path := range matches {
		m, code, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		if m.ID != pluginID {
			return nil, fmt.Errorf("manifest %s declares id %q", path, m.ID)
		}
		fresh = append(fresh, loaded{manifest: m, code: code})
	}

	removed := r.Remove(pluginID, "")
	var errs []error
	for _, l := range fresh {
		if err := r.Register(l.manifest.Unit(l.code)); err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func (r *Registry) registerManifest(path string) error {
	m, code, err := LoadManifest(path)
	if err != nil {
		return err
	}
	if got := filepath.Base(filepath.Dir(filepath.Dir(path))); got != m.ID {
		return fmt.Errorf("manifest %s declares id %q but lives under %q", path, m.ID, got)
	}
	return r.Register(m.Unit(code))
}

// pluginDirs lists plugin ID directories under dir.
func pluginDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
