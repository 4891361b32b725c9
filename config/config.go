// Package config loads manager and lookup-cache settings from YAML.
//
// Values missing from the file keep their defaults; unknown keys are
// rejected so typos do not silently fall back to a default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/meigma/resfile/internal/restype"
	"github.com/meigma/resfile/vfs"
)

// Config is the root configuration document.
type Config struct {
	// MaxOpenFiles is the budget of simultaneously active archives.
	MaxOpenFiles int `yaml:"max_open_files"`

	// IdleFrames is how many frames an untouched archive keeps its
	// directory before the idle sweep releases it.
	IdleFrames int `yaml:"idle_frames"`

	// FormatVersion is the header version written by newly created archives.
	FormatVersion int32 `yaml:"format_version"`

	// SwapEndian writes archives and lookup databases big-endian.
	SwapEndian bool `yaml:"swap_endian"`

	Stream StreamConfig `yaml:"stream"`
	Lookup LookupConfig `yaml:"lookup"`
}

// StreamConfig sizes the worker engine.
type StreamConfig struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

// LookupConfig configures a lookup-cache database.
type LookupConfig struct {
	// Path of the database file. Empty disables persistence.
	Path string `yaml:"path"`

	// CacheRoot is stripped from archive paths to form cache keys.
	CacheRoot string `yaml:"cache_root"`

	// Marker is the path segment after which archive paths are keyed when
	// they are not under CacheRoot.
	Marker string `yaml:"marker"`

	// CacheVersion is the expected record version, as major.minor.
	CacheVersion float64 `yaml:"cache_version"`

	// ReadOnly loads the database without ever writing it back.
	ReadOnly bool `yaml:"read_only"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		MaxOpenFiles:  64,
		IdleFrames:    300,
		FormatVersion: restype.DefaultVersion,
		Stream: StreamConfig{
			Workers:    2,
			QueueDepth: 64,
		},
		Lookup: LookupConfig{
			Path:         "lookupdata.bin",
			Marker:       "shaders/cache/",
			CacheVersion: 1.0,
		},
	}
}

// Parse decodes YAML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", restype.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the YAML file at path.
func Load(fsys vfs.FS, path string) (*Config, error) {
	data, err := vfs.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Validate reports the first unsupported value.
func (c *Config) Validate() error {
	switch {
	case c.MaxOpenFiles < 1:
		return fmt.Errorf("%w: max_open_files must be >= 1, got %d", restype.ErrConfig, c.MaxOpenFiles)
	case c.IdleFrames < 0:
		return fmt.Errorf("%w: idle_frames must be >= 0, got %d", restype.ErrConfig, c.IdleFrames)
	case !restype.SupportedVersion(c.FormatVersion):
		return fmt.Errorf("%w: unsupported format_version %d", restype.ErrConfig, c.FormatVersion)
	case c.Stream.Workers < 1:
		return fmt.Errorf("%w: stream.workers must be >= 1, got %d", restype.ErrConfig, c.Stream.Workers)
	case c.Stream.QueueDepth < 1:
		return fmt.Errorf("%w: stream.queue_depth must be >= 1, got %d", restype.ErrConfig, c.Stream.QueueDepth)
	case c.Lookup.CacheVersion < 0 || c.Lookup.CacheVersion >= math.MaxUint16:
		return fmt.Errorf("%w: lookup.cache_version out of range: %v", restype.ErrConfig, c.Lookup.CacheVersion)
	}
	return nil
}
