package setup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlcfg "github.com/msageha/courier/internal/yaml"
)

func TestRun_CreatesDataDir(t *testing.T) {
	projectDir := t.TempDir()

	base, err := Run(projectDir, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if base != filepath.Join(projectDir, DataDirName) {
		t.Errorf("base: got %s", base)
	}

	for _, d := range []string{"locks", "logs", "audit"} {
		info, err := os.Stat(filepath.Join(base, d))
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}

	data, err := os.ReadFile(yamlcfg.ConfigPath(base))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# courier configuration") {
		t.Error("config.yaml should keep the template comments")
	}

	cfg, err := yamlcfg.LoadConfig(base)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Type != "echo" {
		t.Errorf("agents: got %+v", cfg.Agents)
	}
}

func TestRun_RefusesExistingConfig(t *testing.T) {
	projectDir := t.TempDir()
	if _, err := Run(projectDir, false); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	_, err := Run(projectDir, false)
	if !errors.Is(err, yamlcfg.ErrConfigExists) {
		t.Fatalf("second Run: got %v, want ErrConfigExists", err)
	}

	if _, err := Run(projectDir, true); err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if _, err := os.Stat(yamlcfg.ConfigPath(filepath.Join(projectDir, DataDirName)) + ".bak"); err != nil {
		t.Errorf("forced Run should leave a backup: %v", err)
	}
}

func TestFindDataDir(t *testing.T) {
	projectDir := t.TempDir()
	if got := FindDataDir(projectDir); got != "" {
		t.Errorf("before init: got %q", got)
	}
	base, err := Run(projectDir, false)
	if err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(projectDir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if got := FindDataDir(nested); got != base {
		t.Errorf("from nested dir: got %q, want %q", got, base)
	}
}
