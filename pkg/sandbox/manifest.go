package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/plugind/pkg/engine"
)

// ManifestFile is the file name of a plugin manifest inside a version
// directory: <plugins>/<id>/<version>/manifest.yaml.
const ManifestFile = "manifest.yaml"

// Manifest describes one plugin version on disk.
type Manifest struct {
	ID             string   `yaml:"id"`
	Version        string   `yaml:"version"`
	Runtime        string   `yaml:"runtime"`
	Entrypoint     string   `yaml:"entrypoint"`
	Checksum       string   `yaml:"checksum,omitempty"`
	Capabilities   []string `yaml:"capabilities,omitempty"`
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`
	Actions        []string `yaml:"actions,omitempty"`
	Description    string   `yaml:"description,omitempty"`
}

// LoadManifest reads a manifest and the code it points at.
func LoadManifest(path string) (*Manifest, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	codePath := m.Entrypoint
	if !filepath.IsAbs(codePath) {
		codePath = filepath.Join(filepath.Dir(path), codePath)
	}
	code, err := os.ReadFile(codePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read plugin code: %w", err)
	}
	return &m, code, nil
}

// Validate checks required fields and known values.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not a semantic version: %w", m.Version, err)
	}
	switch engine.Runtime(m.Runtime) {
	case engine.RuntimeStarlark, engine.RuntimeWASM:
	default:
		return fmt.Errorf("unsupported runtime %q", m.Runtime)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint must stay inside the version directory")
	}
	for _, c := range m.Capabilities {
		switch engine.Capability(c) {
		case engine.CapabilityNetOutbound, engine.CapabilitySecretsRead:
		default:
			return fmt.Errorf("unknown capability %q", c)
		}
	}
	return nil
}

// Unit builds the executable unit for code.
func (m *Manifest) Unit(code []byte) *engine.ExecutableUnit {
	caps := make([]engine.Capability, len(m.Capabilities))
	for i, c := range m.Capabilities {
		caps[i] = engine.Capability(c)
	}
	return &engine.ExecutableUnit{
		PluginID:       m.ID,
		Version:        m.Version,
		Runtime:        engine.Runtime(m.Runtime),
		Code:           code,
		Checksum:       strings.ToLower(m.Checksum),
		Capabilities:   caps,
		AllowedDomains: m.AllowedDomains,
		Actions:        m.Actions,
	}
}

// Checksum returns the hex sha256 of code.
func Checksum(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}
