// Package config loads the server configuration from a JSON or flat YAML
// file.
package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Port           string `json:"port"`
	DebugEnabled   bool   `json:"debug_enabled"`
	DebugLogChunks bool   `json:"debug_log_chunks"`

	StoreMode     string `json:"store_mode"` // "memory", "redis", or "sqlite"
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisPrefix   string `json:"redis_prefix"`
	SQLitePath    string `json:"sqlite_path"`

	ProviderBaseURL        string `json:"provider_base_url"`
	ProviderAPIKey         string `json:"provider_api_key"`
	ProviderModel          string `json:"provider_model"`
	TitleModel             string `json:"title_model"`
	ProviderTimeout        int    `json:"provider_timeout"` // seconds, non-streaming calls
	StreamTimeout          int    `json:"stream_timeout"`   // seconds, whole streamed turn
	ProviderTLSImpersonate bool   `json:"provider_tls_impersonate"`

	DefaultLanguage  string `json:"default_language"`
	SubscriberBuffer int    `json:"subscriber_buffer"`

	ConcurrencyLimit   int `json:"concurrency_limit"`
	ConcurrencyTimeout int `json:"concurrency_timeout"` // seconds

	RecentCacheSize       int `json:"recent_cache_size"`
	RecentCacheTTLSeconds int `json:"recent_cache_ttl_seconds"`

	JanitorIntervalSeconds int `json:"janitor_interval_seconds"`
}

func Load(path string) (*Config, string, error) {
	resolvedPath, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Config{}
	ext := strings.ToLower(filepath.Ext(resolvedPath))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse config json: %w", err)
		}
	case ".yaml", ".yml":
		m, err := parseYAMLFlat(data)
		if err != nil {
			return nil, "", err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, "", fmt.Errorf("failed to normalize yaml: %w", err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse config yaml: %w", err)
		}
	default:
		return nil, "", fmt.Errorf("unsupported config extension: %s", ext)
	}

	ApplyDefaults(&cfg)
	return &cfg, resolvedPath, nil
}

func resolveConfigPath(path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		return path, nil
	}

	candidates := []string{"config.json", "config.yaml", "config.yml"}
	for _, name := range candidates {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}

	return "", errors.New("config.json/config.yaml/config.yml not found")
}

func ApplyDefaults(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = "3004"
	}
	if cfg.StoreMode == "" {
		cfg.StoreMode = "memory"
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "chatrelay:"
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "chatrelay.db"
	}
	if cfg.ProviderBaseURL == "" {
		cfg.ProviderBaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.ProviderModel == "" {
		cfg.ProviderModel = "gemini-2.0-flash"
	}
	if cfg.TitleModel == "" {
		cfg.TitleModel = "gemini-2.0-flash-lite"
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 120
	}
	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = 600
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "English"
	}
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = 128
	}
	if cfg.ConcurrencyLimit == 0 {
		cfg.ConcurrencyLimit = 100
	}
	if cfg.ConcurrencyTimeout == 0 {
		cfg.ConcurrencyTimeout = 300
	}
	if cfg.RecentCacheSize == 0 {
		cfg.RecentCacheSize = 256
	}
	if cfg.RecentCacheTTLSeconds == 0 {
		cfg.RecentCacheTTLSeconds = 60
	}
	if cfg.JanitorIntervalSeconds == 0 {
		cfg.JanitorIntervalSeconds = 60
	}
}

func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func parseYAMLFlat(data []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Only strip inline comments where # is preceded by whitespace,
		// to avoid corrupting values containing # (URLs, keys, etc.)
		if idx := strings.Index(line, " #"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		} else if idx := strings.Index(line, "\t#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid yaml line: %q", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, "\"'")

		if key == "" {
			continue
		}
		if value == "" {
			out[key] = ""
			continue
		}
		if value == "true" || value == "false" {
			out[key] = value == "true"
			continue
		}
		if num, err := strconv.Atoi(value); err == nil {
			out[key] = num
			continue
		}
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
