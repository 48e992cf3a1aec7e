package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "infermesh.yaml", `
server:
  listen: ":9090"
  database: /var/lib/infermesh.db
  user_secret: hunter2
node:
  server: https://mesh.example.com
  id: node_abc
  secret: deadbeef
  models: [llama3.2, mistral]
  poll_interval: 5s
  pull_only: true
`)

	cfg, name, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if name != "infermesh.yaml" {
		t.Errorf("name = %q", name)
	}
	if cfg.Server.Listen != ":9090" || cfg.Server.UserSecret != "hunter2" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if len(cfg.Node.Models) != 2 || !cfg.Node.PullOnly {
		t.Errorf("node = %+v", cfg.Node)
	}
	if cfg.Node.PollInterval.Duration() != 5*time.Second {
		t.Errorf("poll interval = %v", cfg.Node.PollInterval.Duration())
	}
	// Defaults fill the gaps.
	if cfg.Node.Ollama != "http://127.0.0.1:11434" {
		t.Errorf("ollama = %q", cfg.Node.Ollama)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "infermesh.toml", `
[server]
listen = ":7070"

[node]
id = "node_xyz"
poll_interval = "10s"
`)

	cfg, _, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":7070" || cfg.Node.ID != "node_xyz" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Node.PollInterval.Duration() != 10*time.Second {
		t.Errorf("poll interval = %v", cfg.Node.PollInterval.Duration())
	}
}

func TestLoadRejectsUnknownYAMLFields(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "infermesh.yaml", `
server:
  listne: ":9090"
`)

	if _, _, err := Load(dir); err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestLoadNoConfig(t *testing.T) {
	_, _, err := Load(t.TempDir())
	if !errors.Is(err, ErrNoConfig) {
		t.Errorf("err = %v, want ErrNoConfig", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Listen != ":8080" || cfg.Server.Database != "infermesh.db" {
		t.Errorf("defaults = %+v", cfg.Server)
	}
	if cfg.Node.PollInterval.Duration() != 2*time.Second {
		t.Errorf("poll interval = %v", cfg.Node.PollInterval.Duration())
	}
}
