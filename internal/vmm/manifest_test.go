package vmm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifestMissingFileReturnsZeroValue(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.LogLevel != "" || m.ExtraArgs != nil {
		t.Fatalf("expected zero Manifest, got %+v", m)
	}
}

func TestLoadManifestEmptyPathReturnsZeroValue(t *testing.T) {
	m, err := LoadManifest("")
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.LogLevel != "" || m.ExtraArgs != nil {
		t.Fatalf("expected zero Manifest, got %+v", m)
	}
}

func TestLoadManifestParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jail.yaml")
	content := "log_level: Debug\nextra_args:\n  - --cgroup-version\n  - \"2\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.LogLevel != "Debug" {
		t.Errorf("LogLevel = %q, want Debug", m.LogLevel)
	}
	want := []string{"--cgroup-version", "2"}
	if len(m.ExtraArgs) != len(want) {
		t.Fatalf("ExtraArgs = %v, want %v", m.ExtraArgs, want)
	}
	for i := range want {
		if m.ExtraArgs[i] != want[i] {
			t.Errorf("ExtraArgs[%d] = %q, want %q", i, m.ExtraArgs[i], want[i])
		}
	}
}

func TestLoadManifestRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("log_level: [unterminated"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}
