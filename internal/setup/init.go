// Package setup handles courier data directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlcfg "github.com/msageha/courier/internal/yaml"
	"github.com/msageha/courier/templates"
)

// DataDirName is the data directory created inside a project directory.
const DataDirName = ".courier"

// Run initializes <projectDir>/.courier with the default config.yaml and
// the directories the daemon writes to. It returns the data directory path.
// An existing config.yaml is only replaced when force is set.
func Run(projectDir string, force bool) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, DataDirName)

	if _, err := os.Stat(yamlcfg.ConfigPath(base)); err == nil && !force {
		return "", fmt.Errorf("%s: %w", yamlcfg.ConfigPath(base), yamlcfg.ErrConfigExists)
	}

	for _, d := range []string{"locks", "logs", "audit"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return "", fmt.Errorf("read config template: %w", err)
	}
	// The template must load cleanly so a fresh install never starts broken.
	if _, err := yamlcfg.ParseConfig(data); err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	if err := yamlcfg.AtomicWriteRaw(yamlcfg.ConfigPath(base), data); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return base, nil
}

// FindDataDir walks up from dir looking for a .courier directory.
func FindDataDir(dir string) string {
	for {
		candidate := filepath.Join(dir, DataDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
