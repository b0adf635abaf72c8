// Package config loads the sync configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/bbpulls/internal/model"
)

// Environment fallbacks for the default credentials.
const (
	EnvUsername = "BITBUCKET_USERNAME"
	EnvPassword = "BITBUCKET_PASSWORD"
)

// Config is the on-disk configuration.
//
//	product: cloud
//	api: https://api.bitbucket.org/2.0/repositories
//	key: <base64 24-byte key>
//	username: svc-sync
//	password: <plaintext default password, or use BITBUCKET_PASSWORD>
//	database: ~/.cache/bbpulls/pulls.db
//	repos:
//	  - id: team/api
//	    url: https://bitbucket.org/team/api.git
//	    branch: main
type Config struct {
	Product  string        `yaml:"product"`
	API      string        `yaml:"api"`
	Key      string        `yaml:"key"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Database string        `yaml:"database"`
	LogLevel string        `yaml:"log_level"`
	LogFile  string        `yaml:"log_file"`
	Parallel int           `yaml:"parallel"`
	Timeout  time.Duration `yaml:"timeout"`
	Repos    []RepoConfig  `yaml:"repos"`
}

// RepoConfig is one repository entry.
type RepoConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Branch   string `yaml:"branch"`
	UserID   string `yaml:"user_id"`
	Password string `yaml:"password"` // ciphertext
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPath is ~/.config/bbpulls/config.yml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yml"
	}
	return filepath.Join(home, ".config", "bbpulls", "config.yml")
}

func (c *Config) applyDefaults() {
	if c.Username == "" {
		c.Username = os.Getenv(EnvUsername)
	}
	if c.Password == "" {
		c.Password = os.Getenv(EnvPassword)
	}
	if c.Database == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Database = filepath.Join(home, ".cache", "bbpulls", "pulls.db")
		} else {
			c.Database = "pulls.db"
		}
	} else if strings.HasPrefix(c.Database, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.Database = filepath.Join(home, c.Database[2:])
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Parallel <= 0 {
		c.Parallel = 1
	}
	for i := range c.Repos {
		if c.Repos[i].ID == "" {
			c.Repos[i].ID = c.Repos[i].URL
		}
	}
}

// Validate checks settings every sync depends on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Product) == "" {
		return fmt.Errorf("config: product is required (cloud or server)")
	}
	if strings.TrimSpace(c.API) == "" {
		return fmt.Errorf("config: api is required")
	}
	seen := make(map[string]bool)
	for i, r := range c.Repos {
		if strings.TrimSpace(r.URL) == "" {
			return fmt.Errorf("config: repos[%d]: url is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("config: repos[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if r.Password != "" && c.Key == "" {
			return fmt.Errorf("config: repos[%d]: encrypted password requires key", i)
		}
	}
	return nil
}

// Credentials returns the default credentials used when a repository carries none.
func (c *Config) Credentials() model.Credentials {
	return model.Credentials{Username: c.Username, Password: c.Password}
}

// Repo converts an entry into the model used by the sync engine.
func (r RepoConfig) Repo() model.Repo {
	return model.Repo{
		ID:       r.ID,
		URL:      r.URL,
		Branch:   r.Branch,
		UserID:   r.UserID,
		Password: r.Password,
	}
}

// Select returns the repositories named by ids, or all of them when ids is empty.
func (c *Config) Select(ids []string) ([]model.Repo, error) {
	if len(ids) == 0 {
		repos := make([]model.Repo, len(c.Repos))
		for i, r := range c.Repos {
			repos[i] = r.Repo()
		}
		return repos, nil
	}

	byID := make(map[string]RepoConfig, len(c.Repos))
	for _, r := range c.Repos {
		byID[r.ID] = r
	}
	repos := make([]model.Repo, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("repository %q is not configured", id)
		}
		repos = append(repos, r.Repo())
	}
	return repos, nil
}
