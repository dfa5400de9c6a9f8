package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLEmptyPathIsNoop(t *testing.T) {
	dest := struct{ Name string }{Name: "untouched"}
	if err := LoadYAML("", &dest); err != nil {
		t.Fatalf("load: %v", err)
	}
	if dest.Name != "untouched" {
		t.Fatalf("got %q", dest.Name)
	}
}

func TestLoadYAMLDecodesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte("name: widget\ncount: 3\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var dest struct {
		Name  string `yaml:"name"`
		Count int    `yaml:"count"`
	}
	if err := LoadYAML(path, &dest); err != nil {
		t.Fatalf("load: %v", err)
	}
	if dest.Name != "widget" || dest.Count != 3 {
		t.Fatalf("got %+v", dest)
	}
}

func TestLoadYAMLMissingFile(t *testing.T) {
	var dest struct{}
	if err := LoadYAML("/nonexistent/path.yaml", &dest); err == nil {
		t.Fatal("expected error for missing file")
	}
}
