package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/courier/internal/model"
)

// ConfigFileName is the config file inside the data directory.
const ConfigFileName = "config.yaml"

// ErrConfigExists is returned by WriteConfig when overwrite is false.
var ErrConfigExists = errors.New("config file already exists")

func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, ConfigFileName)
}

// LoadConfig reads <dataDir>/config.yaml, fills defaults and validates the
// result. A missing file yields the default configuration.
func LoadConfig(dataDir string) (model.Config, error) {
	data, err := os.ReadFile(ConfigPath(dataDir))
	if errors.Is(err, os.ErrNotExist) {
		return model.DefaultConfig(), nil
	}
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", ConfigFileName, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a config document. Unknown keys are rejected.
func ParseConfig(data []byte) (model.Config, error) {
	var cfg model.Config
	dec := yamlv3.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return model.Config{}, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return model.Config{}, fmt.Errorf("invalid %s: %w", ConfigFileName, err)
	}
	return cfg, nil
}

// WriteConfig writes cfg to <dataDir>/config.yaml.
func WriteConfig(dataDir string, cfg model.Config, overwrite bool) error {
	path := ConfigPath(dataDir)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrConfigExists)
		}
	}
	return AtomicWrite(path, cfg)
}

// RestoreConfig replaces config.yaml with the backup left by the last write.
func RestoreConfig(dataDir string) error {
	path := ConfigPath(dataDir)
	content, err := os.ReadFile(path + ".bak")
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if _, err := ParseConfig(content); err != nil {
		return fmt.Errorf("backup is not usable: %w", err)
	}
	return AtomicWriteRaw(path, content)
}
