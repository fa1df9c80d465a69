package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	cacheMu sync.Mutex
	cache   = map[string]*Config{}
)

// Load reads and parses a YAML config file, expanding environment
// variables first (teacher: os.ExpandEnv in internal/config/loader.go).
// An empty path returns Default(). Results are cached per absolute path;
// call ClearCache to force a reload (used by tests).
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cacheMu.Lock()
	if cfg, ok := cache[abs]; ok {
		cacheMu.Unlock()
		return cfg, nil
	}
	cacheMu.Unlock()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cacheMu.Lock()
	cache[abs] = cfg
	cacheMu.Unlock()

	return cfg, nil
}

// ClearCache drops all cached configs, forcing the next Load to re-read
// from disk. Intended for test reloads only.
func ClearCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = map[string]*Config{}
}
