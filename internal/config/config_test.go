package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PoolMaxSize != 3 {
		t.Errorf("PoolMaxSize = %d, want 3", cfg.PoolMaxSize)
	}
	if cfg.SessionTTL.Std() != 5*time.Minute {
		t.Errorf("SessionTTL = %v, want 5m", cfg.SessionTTL.Std())
	}
	if cfg.MaxRetries != 2 || cfg.BaseDelay.Std() != time.Second {
		t.Errorf("retry = %d/%v, want 2/1s", cfg.MaxRetries, cfg.BaseDelay.Std())
	}
	if cfg.CacheMaxEntries != 50 || cfg.CacheMaxBytes != 50*1024*1024 {
		t.Errorf("cache bounds = %d/%d, want 50/50MB", cfg.CacheMaxEntries, cfg.CacheMaxBytes)
	}
	if cfg.QueryTool != "grand_debat_query_all" {
		t.Errorf("QueryTool = %q", cfg.QueryTool)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoad_DefaultWhenMissing(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UpstreamURL != DefaultConfig().UpstreamURL {
		t.Fatalf("UpstreamURL = %q, want %q", cfg.UpstreamURL, DefaultConfig().UpstreamURL)
	}
}

func TestLoad_OverridesFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, `{
		"upstream_url": "https://graph.example.org/mcp",
		"pool_max_size": 5,
		"session_ttl": "90s",
		"base_delay": 250,
		"tool_arguments": {"mode": "local"}
	}`)

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UpstreamURL != "https://graph.example.org/mcp" {
		t.Errorf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.PoolMaxSize != 5 {
		t.Errorf("PoolMaxSize = %d, want 5", cfg.PoolMaxSize)
	}
	if cfg.SessionTTL.Std() != 90*time.Second {
		t.Errorf("SessionTTL = %v, want 90s", cfg.SessionTTL.Std())
	}
	if cfg.BaseDelay.Std() != 250*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 250ms (integer milliseconds)", cfg.BaseDelay.Std())
	}
	if cfg.ToolArguments["mode"] != "local" {
		t.Errorf("ToolArguments = %v", cfg.ToolArguments)
	}
	// Untouched keys keep their defaults
	if cfg.CacheTTL.Std() != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want default 5m", cfg.CacheTTL.Std())
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, `{not json}`)

	if _, err := Load(tmpDir); err == nil {
		t.Fatalf("Load() expected error, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	for _, body := range []string{`{"session_ttl": "five minutes"}`, `{"session_ttl": true}`, `{"session_ttl": 1.5}`} {
		tmpDir := t.TempDir()
		writeConfig(t, tmpDir, body)

		if _, err := Load(tmpDir); err == nil {
			t.Errorf("Load(%s) expected error, got nil", body)
		}
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `"1.5s"` {
		t.Errorf("Marshal() = %s, want \"1.5s\"", data)
	}

	var back Duration
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back != d {
		t.Errorf("round trip = %v, want %v", back.Std(), d.Std())
	}
}

func TestLoad_DisabledTools(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, `{"disabled_tools": ["graph_history", " graph_cache_stats "]}`)

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.DisabledTools) != 2 {
		t.Fatalf("DisabledTools length = %d, want 2", len(cfg.DisabledTools))
	}
	if cfg.DisabledTools[1] != "graph_cache_stats" {
		t.Errorf("DisabledTools[1] = %q, want trimmed name", cfg.DisabledTools[1])
	}
}

func TestLoadWithRepo_BothPresent(t *testing.T) {
	globalDir := t.TempDir()
	repoRoot := t.TempDir()

	writeConfig(t, globalDir, `{"pool_max_size": 4, "disabled_tools": ["graph_history"], "tool_arguments": {"mode": "global", "k": 3}}`)
	writeConfig(t, filepath.Join(repoRoot, ".borges"), `{"pool_max_size": 2, "disabled_tools": ["graph_health"], "tool_arguments": {"mode": "local"}}`)

	cfg, err := LoadWithRepo(globalDir, repoRoot)
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}

	// Repo overrides scalar
	if cfg.PoolMaxSize != 2 {
		t.Errorf("PoolMaxSize = %d, want 2 (repo override)", cfg.PoolMaxSize)
	}

	// Arrays merged
	if len(cfg.DisabledTools) != 2 {
		t.Errorf("DisabledTools length = %d, want 2", len(cfg.DisabledTools))
	}

	// Maps merged, repo keys win
	if cfg.ToolArguments["mode"] != "local" {
		t.Errorf("ToolArguments[mode] = %v, want local", cfg.ToolArguments["mode"])
	}
	if cfg.ToolArguments["k"] != float64(3) {
		t.Errorf("ToolArguments[k] = %v, want 3 from global", cfg.ToolArguments["k"])
	}
}

func TestLoadWithRepo_NeitherPresent(t *testing.T) {
	cfg, err := LoadWithRepo(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}

	// All defaults
	if cfg.PoolMaxSize != 3 {
		t.Errorf("PoolMaxSize = %d, want 3", cfg.PoolMaxSize)
	}
	if len(cfg.DisabledTools) != 0 {
		t.Errorf("DisabledTools = %v, want empty", cfg.DisabledTools)
	}
	if cfg.ToolArguments != nil {
		t.Errorf("ToolArguments = %v, want nil", cfg.ToolArguments)
	}
}

func TestLoadWithRepo_WalksUpward(t *testing.T) {
	tmpDir := t.TempDir()
	globalDir := t.TempDir()

	writeConfig(t, filepath.Join(tmpDir, ".borges"), `{"query_tool": "local_search"}`)

	subdir := filepath.Join(tmpDir, "subdir", "deeper")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	cfg, err := LoadWithRepo(globalDir, subdir)
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}
	if cfg.QueryTool != "local_search" {
		t.Errorf("QueryTool = %q, want local_search", cfg.QueryTool)
	}
}

func TestLoad_ZeroRetries(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, `{"max_retries": 0}`)

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0 (explicit)", cfg.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadWithRepo_ZeroRetries(t *testing.T) {
	tests := []struct {
		name   string
		global string
		repo   string
		want   int
	}{
		{"global zero, repo silent", `{"max_retries": 0}`, `{"pool_max_size": 2}`, 0},
		{"repo zero over global", `{"max_retries": 4}`, `{"max_retries": 0}`, 0},
		{"repo silent keeps global", `{"max_retries": 4}`, `{}`, 4},
		{"nothing set", `{}`, `{}`, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			globalDir := t.TempDir()
			repoRoot := t.TempDir()
			writeConfig(t, globalDir, tt.global)
			writeConfig(t, filepath.Join(repoRoot, ".borges"), tt.repo)

			cfg, err := LoadWithRepo(globalDir, repoRoot)
			if err != nil {
				t.Fatalf("LoadWithRepo() error = %v", err)
			}
			if cfg.MaxRetries != tt.want {
				t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, tt.want)
			}
		})
	}
}

func TestFindRepoConfig_NotFound(t *testing.T) {
	if found := FindRepoConfig(t.TempDir()); found != "" {
		t.Errorf("FindRepoConfig() = %q, want empty string", found)
	}
}

func TestMerge_ScalarOverride(t *testing.T) {
	base := &Config{PoolMaxSize: 3, DBMaxOpenConns: 5, CacheTTL: Duration(time.Minute)}
	overlay := &Config{PoolMaxSize: 6} // other fields are zero

	result := Merge(base, overlay)

	if result.PoolMaxSize != 6 {
		t.Errorf("PoolMaxSize = %d, want 6 (overlay)", result.PoolMaxSize)
	}
	if result.DBMaxOpenConns != 5 {
		t.Errorf("DBMaxOpenConns = %d, want 5 (base, overlay is zero)", result.DBMaxOpenConns)
	}
	if result.CacheTTL.Std() != time.Minute {
		t.Errorf("CacheTTL = %v, want 1m (base)", result.CacheTTL.Std())
	}
}

func TestMerge_BooleanOr(t *testing.T) {
	result := Merge(&Config{DisableHistory: true}, &Config{DisableHistory: false})

	if !result.DisableHistory {
		t.Error("DisableHistory should be true (base OR overlay)")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		EnvUpstreamURL:   " https://override.example/mcp ",
		EnvUpstreamToken: "tok",
	}

	ApplyEnv(cfg, func(k string) string { return env[k] })

	if cfg.UpstreamURL != "https://override.example/mcp" {
		t.Errorf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.UpstreamToken != "tok" {
		t.Errorf("UpstreamToken = %q", cfg.UpstreamToken)
	}

	ApplyEnv(cfg, func(string) string { return "" })
	if cfg.UpstreamURL != "https://override.example/mcp" {
		t.Errorf("empty environment must not clear UpstreamURL")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty url", func(c *Config) { c.UpstreamURL = " " }},
		{"empty tool", func(c *Config) { c.QueryTool = "" }},
		{"zero pool", func(c *Config) { c.PoolMaxSize = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero delay", func(c *Config) { c.BaseDelay = 0 }},
		{"zero timeout", func(c *Config) { c.CallTimeout = 0 }},
		{"zero cache entries", func(c *Config) { c.CacheMaxEntries = 0 }},
		{"negative cache bytes", func(c *Config) { c.CacheMaxBytes = -1 }},
		{"zero cache ttl", func(c *Config) { c.CacheTTL = 0 }},
		{"zero session ttl", func(c *Config) { c.SessionTTL = 0 }},
		{"zero reap interval", func(c *Config) { c.ReapInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() expected error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero retries is valid: %v", err)
	}
}
