package config

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"go.labforge.io/labkernel/logging"
)

// Read reads a config from the given file. ${VAR} references are substituted from the
// environment before parsing.
func Read(filePath string, logger logging.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return FromReader(filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func FromReader(originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	cfg := Config{
		ConfigFilePath: originalPath,
	}
	if isYAML(originalPath) {
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "failed to decode Config from yaml")
		}
	} else {
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.Wrap(err, "failed to decode Config from json")
		}
	}
	return processConfig(&cfg, logger)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func processConfig(cfg *Config, logger logging.Logger) (*Config, error) {
	cfg.Normalize()
	if err := ApplyEnvironment(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to apply environment overrides")
	}
	if err := cfg.Global.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid global section")
	}
	logger.Debugw("config read",
		"path", cfg.ConfigFilePath,
		"modules", len(cfg.Declarations()),
		"address", cfg.Global.Address())
	return cfg, nil
}
