package swcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"SWCACHE_PORT"`
		Origin string `yaml:"origin" env:"SWCACHE_ORIGIN"`
	} `yaml:"server"`

	Cache CacheConfig `yaml:"cache"`

	Storage struct {
		Path string `yaml:"path" env:"SWCACHE_STORAGE_PATH"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level" env:"SWCACHE_LOG_LEVEL"`
		StatsEvery string `yaml:"statsEvery" env:"SWCACHE_STATS_EVERY"`

		// compiled
		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// CacheConfig is the versioned part of the configuration: bumping Label
// evicts every bucket written under a previous label on the next activate.
type CacheConfig struct {
	Label  string   `yaml:"label" env:"SWCACHE_LABEL"`
	Assets []string `yaml:"assets" env:"SWCACHE_ASSETS" envSeparator:","`
}

// LoadConfig reads the YAML file at path, applies SWCACHE_* environment
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}

	cc, err := cfg.Cache.normalize()
	if err != nil {
		return err
	}
	cfg.Cache = cc
	return nil
}

func (c CacheConfig) normalize() (CacheConfig, error) {
	label := strings.TrimSpace(c.Label)
	if label == "" {
		return CacheConfig{}, fmt.Errorf("cache.label is required")
	}
	if strings.ContainsRune(label, 0) {
		return CacheConfig{}, fmt.Errorf("cache.label must not contain NUL")
	}

	seen := make(map[string]struct{}, len(c.Assets))
	assets := make([]string, 0, len(c.Assets))
	for i, a := range c.Assets {
		p, err := normalizeAssetPath(a)
		if err != nil {
			return CacheConfig{}, fmt.Errorf("cache.assets[%d]: %w", i, err)
		}
		if _, dup := seen[p]; dup {
			return CacheConfig{}, fmt.Errorf("cache.assets[%d]: duplicate asset %q", i, p)
		}
		seen[p] = struct{}{}
		assets = append(assets, p)
	}
	return CacheConfig{Label: label, Assets: assets}, nil
}

// normalizeAssetPath turns a configured asset into the escaped request URI
// an incoming request for it carries, so install and fetch agree on keys.
func normalizeAssetPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return "", fmt.Errorf("absolute URL %q not supported, use a path relative to the origin", p)
	}
	p = strings.TrimPrefix(p, "./")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u, err := url.Parse(p)
	if err != nil {
		return "", err
	}
	if u.Scheme != "" || u.Host != "" {
		return "", fmt.Errorf("path %q names a host", p)
	}
	return u.RequestURI(), nil
}

// clone returns a copy whose asset slice is not shared with c.
func (c CacheConfig) clone() CacheConfig {
	out := c
	out.Assets = append([]string(nil), c.Assets...)
	return out
}
