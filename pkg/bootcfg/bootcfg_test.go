package bootcfg

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boot.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
num_cpus = 4
quantum_millis = 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NumCPUs != 4 {
		t.Fatalf("NumCPUs = %d, want 4", cfg.NumCPUs)
	}
	if cfg.Quantum().Milliseconds() != 5 {
		t.Fatalf("Quantum = %v, want 5ms", cfg.Quantum())
	}
	// Fields omitted from the file keep their defaults.
	if cfg.DefaultMaxHandles != Default().DefaultMaxHandles {
		t.Fatalf("expected DefaultMaxHandles to keep its default, got %d", cfg.DefaultMaxHandles)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeTempConfig(t, "num_cpus = 0\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load to reject num_cpus = 0")
	}
}

func TestDiffReportsChangedFields(t *testing.T) {
	old := Default()
	updated := Default()
	updated.NumCPUs = 8

	ops, err := Diff(old, updated)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	found := false
	for _, op := range ops {
		if op.Path == "/num_cpus" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a patch operation touching /num_cpus, got %+v", ops)
	}
}
