package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/gcscope/internal/constants"
	"github.com/coral-mesh/gcscope/internal/privilege"
	"github.com/coral-mesh/gcscope/internal/safe"
)

// Layer names a configuration source.
type Layer string

const (
	LayerDefaults Layer = "defaults"
	LayerFile     Layer = "file"
	LayerEnv      Layer = "env"
	LayerFlags    Layer = "flags"
)

// Loaded is a resolved configuration and where its values came from.
type Loaded struct {
	Config *Config

	// Path is the file that was read, or "" when only defaults applied.
	Path string

	// Layers lists the sources applied, in order.
	Layers []Layer

	// EnvOverrides lists the environment variables that were applied.
	EnvOverrides []string
}

// Loader handles loading and saving configuration files.
type Loader struct {
	homeDir string
	lookup  LookupFunc
}

// NewLoader creates a new config loader.
// The base directory is resolved in this order:
//  1. GCSCOPE_CONFIG environment variable.
//  2. User home directory (~/).
//  3. /tmp/gcscope-fallback (containers without a home directory).
func NewLoader() *Loader {
	return newLoader(os.LookupEnv)
}

func newLoader(lookup LookupFunc) *Loader {
	if baseDir, ok := lookup(constants.ConfigEnv); ok && baseDir != "" {
		return &Loader{homeDir: baseDir, lookup: lookup}
	}
	// Under sudo the invoking user's config is the one they edited.
	if u, err := privilege.DetectOriginalUser(); err == nil && u.HomeDir != "" {
		return &Loader{homeDir: u.HomeDir, lookup: lookup}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return &Loader{homeDir: homeDir, lookup: lookup}
	}
	return &Loader{homeDir: "/tmp/gcscope-fallback", lookup: lookup}
}

// Dir returns the gcscope configuration directory.
func (l *Loader) Dir() string {
	return filepath.Join(l.homeDir, constants.DefaultDir)
}

// ConfigPath returns the path to the default config file.
func (l *Loader) ConfigPath() string {
	return filepath.Join(l.Dir(), constants.ConfigFile)
}

// ResolvePath makes a relative path absolute under Dir.
func (l *Loader) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Dir(), p)
}

// Load applies defaults, then the file, then environment overrides.
// An explicit path must exist; the default path is optional.
func (l *Loader) Load(path string) (*Loaded, error) {
	loaded := &Loaded{
		Config: DefaultConfig(),
		Layers: []Layer{LayerDefaults},
	}

	explicit := path != ""
	if !explicit {
		path = l.ConfigPath()
	}

	data, err := safe.ReadFile(path, &safe.ReadOptions{AllowSymlinks: true})
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, loaded.Config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		loaded.Path = path
		loaded.Layers = append(loaded.Layers, LayerFile)
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	applied, err := LoadFromEnvWith(loaded.Config, l.lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if len(applied) > 0 {
		loaded.EnvOverrides = applied
		loaded.Layers = append(loaded.Layers, LayerEnv)
	}
	return loaded, nil
}

// Save writes cfg to path, or to ConfigPath when path is empty.
func (l *Loader) Save(cfg *Config, path string) error {
	if path == "" {
		path = l.ConfigPath()
	}

	dir := filepath.Dir(path)
	//nolint:gosec // G301: Directory needs standard permissions for traversal
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	for _, p := range []string{dir, path} {
		if err := privilege.FixFileOwnership(p); err != nil {
			return err
		}
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
