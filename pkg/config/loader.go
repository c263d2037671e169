package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse validates YAML data against the schema, decodes it and applies
// defaults.
func Parse(data []byte) (*File, error) {
	if err := CheckSchema(data); err != nil {
		return nil, err
	}

	f := &File{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadFile reads and parses a YAML configuration file.
func LoadFile(filename string) (*File, error) {
	data, err := os.ReadFile(filename) // NOSONAR: path supplied by the caller
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return f, nil
}

// Load reads the optional YAML file (empty filename means defaults only),
// then overlays the process environment.
func Load(filename string) (*File, error) {
	f := Default()
	if filename != "" {
		var err error
		if f, err = LoadFile(filename); err != nil {
			return nil, err
		}
	}
	if err := f.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return f, nil
}
