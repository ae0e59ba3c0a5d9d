// Package config loads the daemon's YAML configuration: listen address,
// database path, poll intervals, integration credentials, and ignore globs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Tracked-branch strategies accepted by github.branch_strategy. They mirror
// the sync loop's strategies.
var branchStrategies = map[string]bool{
	"pinned-only":         true,
	"current-only":        true,
	"pinned-then-current": true,
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Listen      string         `yaml:"listen"`
	Database    DatabaseConfig `yaml:"database"`
	Poll        PollConfig     `yaml:"poll"`
	GitHub      GitHubConfig   `yaml:"github"`
	Linear      LinearConfig   `yaml:"linear"`
	IgnoreGlobs []string       `yaml:"ignore_globs"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type PollConfig struct {
	GitStatus  Duration `yaml:"git_status"`
	GitHubSync Duration `yaml:"github_sync"`
}

type GitHubConfig struct {
	Token          string          `yaml:"token"`
	BranchStrategy string          `yaml:"branch_strategy"`
	App            GitHubAppConfig `yaml:"app"`
}

type GitHubAppConfig struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Configured reports whether any app-auth field is set.
func (a GitHubAppConfig) Configured() bool {
	return a.ClientID != "" || a.InstallationID != 0 || a.PrivateKeyPath != ""
}

// Complete reports whether all app-auth fields are set.
func (a GitHubAppConfig) Complete() bool {
	return a.ClientID != "" && a.InstallationID != 0 && a.PrivateKeyPath != ""
}

type LinearConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// Default returns the configuration used when no config file exists. The
// database lands next to the working directory the daemon starts in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7533"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(baseDir, "switchboard.db")
	}
	if c.Poll.GitStatus == 0 {
		c.Poll.GitStatus = Duration(5 * time.Second)
	}
	if c.Poll.GitHubSync == 0 {
		c.Poll.GitHubSync = Duration(60 * time.Second)
	}
	if c.GitHub.BranchStrategy == "" {
		c.GitHub.BranchStrategy = "pinned-then-current"
	}
	if c.Linear.APIKeyEnv == "" {
		c.Linear.APIKeyEnv = "LINEAR_API_KEY"
	}
}

// Load reads and parses a config file at the given path. Relative paths in
// the file (like database.path) resolve against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	baseDir := filepath.Dir(absPath)
	cfg.applyDefaults(baseDir)
	if !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(baseDir, cfg.Database.Path)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Discover walks up from the current directory looking for
// .switchboard/switchboard.yaml.
func Discover() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, ".switchboard", "switchboard.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return nil, fmt.Errorf("no .switchboard/switchboard.yaml found in current directory or parents")
}

// Resolve tries the explicit path first, then Discover, then falls back to
// the default configuration when no file exists anywhere.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	cfg, err := Discover()
	if err != nil {
		return Default(), nil
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("missing required field: listen")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("missing required field: database.path")
	}
	if c.Poll.GitStatus <= 0 {
		return fmt.Errorf("poll.git_status must be positive")
	}
	if c.Poll.GitHubSync <= 0 {
		return fmt.Errorf("poll.github_sync must be positive")
	}
	if !branchStrategies[c.GitHub.BranchStrategy] {
		return fmt.Errorf("github.branch_strategy must be one of pinned-only, current-only, pinned-then-current")
	}
	if c.GitHub.App.Configured() && !c.GitHub.App.Complete() {
		return fmt.Errorf("github.app requires client_id, installation_id, and private_key_path together")
	}
	if c.GitHub.Token != "" && c.GitHub.App.Configured() {
		return fmt.Errorf("github.token and github.app are mutually exclusive")
	}
	return nil
}
