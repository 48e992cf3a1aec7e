// Package config loads infermesh configuration files. YAML, TOML, and JSON
// are accepted; YAML parsing is strict about unknown fields.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no infermesh config file found")

// Config is the parsed infermesh configuration. Server and Node sections
// feed the respective subcommands; flags and environment override both.
type Config struct {
	Server ServerConfig `yaml:"server" toml:"server" json:"server"`
	Node   NodeConfig   `yaml:"node" toml:"node" json:"node"`
}

// ServerConfig configures the control plane.
type ServerConfig struct {
	// Listen is the bind address. Default: :8080.
	Listen string `yaml:"listen" toml:"listen" json:"listen"`

	// Database is the SQLite DSN. Default: infermesh.db.
	Database string `yaml:"database" toml:"database" json:"database"`

	// UserSecret signs user bearer tokens (required to serve users).
	UserSecret string `yaml:"user_secret" toml:"user_secret" json:"user_secret"`

	// EncryptionSecret encrypts node secrets at rest. Optional; plaintext
	// storage when empty.
	EncryptionSecret string `yaml:"encryption_secret" toml:"encryption_secret" json:"encryption_secret"`
}

// NodeConfig configures the node agent.
type NodeConfig struct {
	// Server is the control plane base URL.
	Server string `yaml:"server" toml:"server" json:"server"`

	// ID and Secret are the credentials minted at registration.
	ID     string `yaml:"id" toml:"id" json:"id"`
	Secret string `yaml:"secret" toml:"secret" json:"secret"`

	// Models the node serves. Empty means advertise the runtime's list.
	Models []string `yaml:"models" toml:"models" json:"models"`

	Region  string `yaml:"region" toml:"region" json:"region"`
	Runtime string `yaml:"runtime" toml:"runtime" json:"runtime"`

	// PullOnly disables the push socket.
	PullOnly bool `yaml:"pull_only" toml:"pull_only" json:"pull_only"`

	// PollInterval between pull-path polls. Default: 2s.
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`

	// Ollama is the local runtime URL. Default: http://127.0.0.1:11434.
	Ollama string `yaml:"ollama" toml:"ollama" json:"ollama"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load finds and parses an infermesh config file from the given directory.
// Returns the parsed config and the file name it came from.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{"infermesh.yaml", parseYAML},
		{"infermesh.yml", parseYAML},
		{"infermesh.toml", parseTOML},
		{"infermesh.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // file doesn't exist, try next
		}

		var cfg Config
		if err := c.parser(data, &cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		cfg.applyDefaults()
		return &cfg, c.name, nil
	}

	return nil, "", ErrNoConfig
}

// Default returns a config with every default applied, for running without
// a file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Database == "" {
		c.Server.Database = "infermesh.db"
	}
	if c.Node.PollInterval == 0 {
		c.Node.PollInterval = Duration(2 * time.Second)
	}
	if c.Node.Ollama == "" {
		c.Node.Ollama = "http://127.0.0.1:11434"
	}
}
