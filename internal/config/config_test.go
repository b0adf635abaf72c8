package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
product: cloud
api: https://api.bitbucket.org/2.0/repositories
key: a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5
username: svc
password: plain
database: /tmp/pulls.db
parallel: 4
timeout: 10s
repos:
  - id: team/api
    url: https://bitbucket.org/team/api.git
    branch: main
  - url: ssh://git@bitbucket.org/team/web.git
    user_id: deploy
    password: c2VjcmV0c2VjcmV0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Product != "cloud" || cfg.Parallel != 4 || cfg.Timeout != 10*time.Second {
		t.Errorf("unexpected settings: %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want info", cfg.LogLevel)
	}
	if len(cfg.Repos) != 2 {
		t.Fatalf("expected 2 repos, got %d", len(cfg.Repos))
	}
	if cfg.Repos[1].ID != "ssh://git@bitbucket.org/team/web.git" {
		t.Errorf("repo id should default to its URL, got %q", cfg.Repos[1].ID)
	}
	if creds := cfg.Credentials(); creds.Username != "svc" || creds.Password != "plain" {
		t.Errorf("Credentials() = %+v", creds)
	}

	repo := cfg.Repos[0].Repo()
	if repo.ID != "team/api" || repo.TargetBranch() != "main" {
		t.Errorf("Repo() = %+v", repo)
	}
	if cfg.Repos[1].Repo().TargetBranch() != "master" {
		t.Errorf("branch should default to master")
	}
}

func TestLoadEnvironmentCredentials(t *testing.T) {
	t.Setenv(EnvUsername, "env-user")
	t.Setenv(EnvPassword, "env-pass")

	cfg, err := Load(writeConfig(t, "product: server\napi: /rest/api/1.0\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Username != "env-user" || cfg.Password != "env-pass" {
		t.Errorf("expected credentials from environment, got %q/%q", cfg.Username, cfg.Password)
	}
	if cfg.Parallel != 1 {
		t.Errorf("Parallel default = %d, want 1", cfg.Parallel)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		errContains string
	}{
		{"missing product", "api: /x\n", "product is required"},
		{"missing api", "product: cloud\n", "api is required"},
		{"repo without url", "product: cloud\napi: /x\nrepos:\n  - id: a\n", "url is required"},
		{"duplicate id", "product: cloud\napi: /x\nrepos:\n  - {id: a, url: 'https://h/p/r'}\n  - {id: a, url: 'https://h/p/s'}\n", "duplicate id"},
		{"password without key", "product: cloud\napi: /x\nrepos:\n  - {url: 'https://h/p/r', password: abc}\n", "requires key"},
		{"not yaml", "product: [", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q should contain %q", err, tt.errContains)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSelect(t *testing.T) {
	cfg := &Config{Repos: []RepoConfig{
		{ID: "a", URL: "https://h/p/a"},
		{ID: "b", URL: "https://h/p/b"},
	}}

	all, err := cfg.Select(nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("Select(nil) = %v, %v", all, err)
	}

	one, err := cfg.Select([]string{"b"})
	if err != nil || len(one) != 1 || one[0].ID != "b" {
		t.Fatalf("Select(b) = %v, %v", one, err)
	}

	if _, err := cfg.Select([]string{"c"}); err == nil {
		t.Error("expected error for unknown repository")
	}
}
