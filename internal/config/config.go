package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Environment variables that override file configuration.
const (
	EnvUpstreamURL   = "BORGES_UPSTREAM_URL"
	EnvUpstreamToken = "BORGES_UPSTREAM_TOKEN"
)

// Duration is a time.Duration that reads from JSON as a Go duration string
// ("5m", "1.5s") or as an integer number of milliseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON encodes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or integer milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s: want a string like \"5m\" or integer milliseconds", data)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Config holds application configuration.
type Config struct {
	// UpstreamURL is the streamable HTTP endpoint of the question-answering
	// service.
	UpstreamURL string `json:"upstream_url"`

	// UpstreamToken, when set, is sent as a bearer token.
	UpstreamToken string `json:"upstream_token,omitempty"`

	// QueryTool is the upstream tool invoked for every query.
	QueryTool string `json:"query_tool"`

	// ToolArguments are extra arguments added to every tool call (e.g. "mode").
	// The query text and scope ids always take precedence.
	ToolArguments map[string]any `json:"tool_arguments,omitempty"`

	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`

	PoolMaxSize  int      `json:"pool_max_size"`
	SessionTTL   Duration `json:"session_ttl"`
	ReapInterval Duration `json:"reap_interval"`

	// MaxRetries may be 0; a file that sets it explicitly wins over the
	// layers below it even then.
	MaxRetries    int      `json:"max_retries"`
	BaseDelay     Duration `json:"base_delay"`
	CallTimeout   Duration `json:"call_timeout"`
	maxRetriesSet bool

	CacheMaxEntries int      `json:"cache_max_entries"`
	CacheMaxBytes   int64    `json:"cache_max_bytes"`
	CacheTTL        Duration `json:"cache_ttl"`

	// ListenAddr is the address of the HTTP API.
	ListenAddr string `json:"listen_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// DisableHistory turns off the query journal.
	DisableHistory bool `json:"disable_history,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is locked" errors).
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		UpstreamURL:     "http://localhost:8000/mcp",
		QueryTool:       "grand_debat_query_all",
		ClientName:      "borges",
		PoolMaxSize:     3,
		SessionTTL:      Duration(5 * time.Minute),
		ReapInterval:    Duration(60 * time.Second),
		MaxRetries:      2,
		BaseDelay:       Duration(time.Second),
		CallTimeout:     Duration(30 * time.Second),
		CacheMaxEntries: 50,
		CacheMaxBytes:   50 * 1024 * 1024,
		CacheTTL:        Duration(5 * time.Minute),
		ListenAddr:      "127.0.0.1:7070",
		LogLevel:        "info",
	}
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.borges.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.borges) and repo (.borges) directories.
// Repo config is found by walking upward from startDir to find the nearest .borges/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	// Walk upward from startDir to find repo config
	repoConfigPath := FindRepoConfig(startDir)
	repo, err := loadFileRaw(repoConfigPath)
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .borges/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".borges", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root, not found
			return ""
		}
		dir = parent
	}
}

// ApplyEnv overrides upstream settings from the environment. getenv is
// usually os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvUpstreamURL)); v != "" {
		cfg.UpstreamURL = v
	}
	if v := strings.TrimSpace(getenv(EnvUpstreamToken)); v != "" {
		cfg.UpstreamToken = v
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.UpstreamURL) == "":
		return errors.New("config: upstream_url is required")
	case strings.TrimSpace(c.QueryTool) == "":
		return errors.New("config: query_tool is required")
	case c.PoolMaxSize <= 0:
		return fmt.Errorf("config: pool_max_size must be positive, got %d", c.PoolMaxSize)
	case c.SessionTTL <= 0:
		return errors.New("config: session_ttl must be positive")
	case c.ReapInterval <= 0:
		return errors.New("config: reap_interval must be positive")
	case c.MaxRetries < 0:
		return fmt.Errorf("config: max_retries must not be negative, got %d", c.MaxRetries)
	case c.BaseDelay <= 0:
		return errors.New("config: base_delay must be positive")
	case c.CallTimeout <= 0:
		return errors.New("config: call_timeout must be positive")
	case c.CacheMaxEntries <= 0:
		return fmt.Errorf("config: cache_max_entries must be positive, got %d", c.CacheMaxEntries)
	case c.CacheMaxBytes <= 0:
		return fmt.Errorf("config: cache_max_bytes must be positive, got %d", c.CacheMaxBytes)
	case c.CacheTTL <= 0:
		return errors.New("config: cache_ttl must be positive")
	}
	return nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// File doesn't exist, return zero config
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	// Knobs where zero is a valid setting need to know whether the file
	// named them.
	var present struct {
		MaxRetries *int `json:"max_retries"`
	}
	if err := json.Unmarshal(data, &present); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}
	cfg.maxRetriesSet = present.MaxRetries != nil

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.UpstreamURL = pick(overlay.UpstreamURL, base.UpstreamURL)
	result.UpstreamToken = pick(overlay.UpstreamToken, base.UpstreamToken)
	result.QueryTool = pick(overlay.QueryTool, base.QueryTool)
	result.ClientName = pick(overlay.ClientName, base.ClientName)
	result.ClientVersion = pick(overlay.ClientVersion, base.ClientVersion)
	result.PoolMaxSize = pick(overlay.PoolMaxSize, base.PoolMaxSize)
	result.SessionTTL = pick(overlay.SessionTTL, base.SessionTTL)
	result.ReapInterval = pick(overlay.ReapInterval, base.ReapInterval)
	result.MaxRetries = pick(overlay.MaxRetries, base.MaxRetries)
	if overlay.maxRetriesSet {
		result.MaxRetries = overlay.MaxRetries
	}
	result.maxRetriesSet = base.maxRetriesSet || overlay.maxRetriesSet
	result.BaseDelay = pick(overlay.BaseDelay, base.BaseDelay)
	result.CallTimeout = pick(overlay.CallTimeout, base.CallTimeout)
	result.CacheMaxEntries = pick(overlay.CacheMaxEntries, base.CacheMaxEntries)
	result.CacheMaxBytes = pick(overlay.CacheMaxBytes, base.CacheMaxBytes)
	result.CacheTTL = pick(overlay.CacheTTL, base.CacheTTL)
	result.ListenAddr = pick(overlay.ListenAddr, base.ListenAddr)
	result.LogLevel = pick(overlay.LogLevel, base.LogLevel)
	result.DBMaxOpenConns = pick(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pick(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	// Booleans: overlay wins if true, else base
	result.DisableHistory = base.DisableHistory || overlay.DisableHistory

	// Maps: overlay keys win
	if len(base.ToolArguments)+len(overlay.ToolArguments) > 0 {
		result.ToolArguments = make(map[string]any, len(base.ToolArguments)+len(overlay.ToolArguments))
		maps.Copy(result.ToolArguments, base.ToolArguments)
		maps.Copy(result.ToolArguments, overlay.ToolArguments)
	}

	// Arrays: merge and deduplicate
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

// pick returns overlay unless it is the zero value.
func pick[T comparable](overlay, base T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
