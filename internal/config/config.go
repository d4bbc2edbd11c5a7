// Package config loads wsping defaults from a YAML file.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the content of a wsping configuration file. Fields are pointers so
// that keys missing from the file can be told apart from zero values.
type File struct {
	Count            *int              `yaml:"count"`
	Interval         *int              `yaml:"interval"`
	Timeout          *time.Duration    `yaml:"timeout"`
	HandshakeTimeout *time.Duration    `yaml:"handshake_timeout"`
	Subprotocol      *string           `yaml:"subprotocol"`
	Headers          map[string]string `yaml:"headers"`
	NoPayload        *bool             `yaml:"no_payload"`
	Insecure         *bool             `yaml:"insecure"`
	CACert           *string           `yaml:"cacert"`
	DataDir          *string           `yaml:"datadir"`
}

// Load reads and validates the configuration file at path.
func Load(ctx context.Context, path string) (File, error) {
	var cfg File

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values set in the file.
func (f File) Validate() error {
	switch {
	case f.Count != nil && *f.Count < 1:
		return errors.New("count must be positive")
	case f.Interval != nil && *f.Interval < 0:
		return errors.New("interval must not be negative")
	case f.Timeout != nil && *f.Timeout < 0:
		return errors.New("timeout must not be negative")
	case f.HandshakeTimeout != nil && *f.HandshakeTimeout <= 0:
		return errors.New("handshake_timeout must be positive")
	}
	return nil
}
