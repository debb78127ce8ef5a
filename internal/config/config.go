// Package config loads daemon configuration: compiled defaults, then an
// optional YAML file, then VYNOS_* environment overrides, highest last. A
// .env file in the working directory is folded into the environment before
// anything is read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	RPCAddr        string        `yaml:"rpcAddr"`
	RPCToken       string        `yaml:"rpcToken"`
	DataDir        string        `yaml:"dataDir"`
	StoreSecret    string        `yaml:"storeSecret"`
	HubURL         string        `yaml:"hubUrl"`
	HubAddress     string        `yaml:"hubAddress"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	ThreadDeposit  string        `yaml:"threadDeposit"`
	TokenSupport   *bool         `yaml:"tokenSupport"`
	RetryAttempts  int           `yaml:"retryAttempts"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
	RateRPS        float64       `yaml:"rateRps"`
	RateBurst      int           `yaml:"rateBurst"`
}

func Default() Config {
	return Config{
		RPCAddr:        "127.0.0.1:8777",
		DataDir:        "data",
		AllowedOrigins: []string{"*"},
		ThreadDeposit:  "10000000000000000",
		RetryAttempts:  10,
		RetryInterval:  5 * time.Second,
		RateRPS:        20,
		RateBurst:      40,
	}
}

// Load resolves the effective configuration. A missing file at the default
// locations is fine; a missing file at an explicitly given path is an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	candidates := []string{"configs/vynos.yaml", "vynos.yaml"}
	explicit := path != ""
	if explicit {
		candidates = []string{path}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if explicit {
				return Config{}, fmt.Errorf("config file %s: %w", p, err)
			}
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", p, err)
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	if cfg.HubURL == "" {
		return Config{}, fmt.Errorf("hub URL is required (hubUrl or VYNOS_HUB_URL)")
	}
	return cfg, nil
}

func merge(dst *Config, src Config) {
	if src.RPCAddr != "" {
		dst.RPCAddr = src.RPCAddr
	}
	if src.RPCToken != "" {
		dst.RPCToken = src.RPCToken
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.StoreSecret != "" {
		dst.StoreSecret = src.StoreSecret
	}
	if src.HubURL != "" {
		dst.HubURL = src.HubURL
	}
	if src.HubAddress != "" {
		dst.HubAddress = src.HubAddress
	}
	if src.AllowedOrigins != nil {
		dst.AllowedOrigins = src.AllowedOrigins
	}
	if src.ThreadDeposit != "" {
		dst.ThreadDeposit = src.ThreadDeposit
	}
	if src.TokenSupport != nil {
		dst.TokenSupport = src.TokenSupport
	}
	if src.RetryAttempts != 0 {
		dst.RetryAttempts = src.RetryAttempts
	}
	if src.RetryInterval != 0 {
		dst.RetryInterval = src.RetryInterval
	}
	if src.RateRPS != 0 {
		dst.RateRPS = src.RateRPS
	}
	if src.RateBurst != 0 {
		dst.RateBurst = src.RateBurst
	}
}

func applyEnvOverrides(cfg *Config) {
	setString("VYNOS_RPC_ADDR", &cfg.RPCAddr)
	setString("VYNOS_RPC_TOKEN", &cfg.RPCToken)
	setString("VYNOS_DATA_DIR", &cfg.DataDir)
	setString("VYNOS_STORE_SECRET", &cfg.StoreSecret)
	setString("VYNOS_HUB_URL", &cfg.HubURL)
	setString("VYNOS_HUB_ADDRESS", &cfg.HubAddress)
	setString("VYNOS_THREAD_DEPOSIT", &cfg.ThreadDeposit)

	if raw := strings.TrimSpace(os.Getenv("VYNOS_ALLOWED_ORIGINS")); raw != "" {
		parts := strings.Split(raw, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.AllowedOrigins = origins
	}
	if raw := strings.TrimSpace(os.Getenv("VYNOS_TOKEN_SUPPORT")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.TokenSupport = &v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("VYNOS_RETRY_ATTEMPTS")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.RetryAttempts = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("VYNOS_RETRY_INTERVAL")); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			cfg.RetryInterval = v
		}
	}
}

func setString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// TokenSupportEnabled resolves the tri-state flag, off by default.
func (c Config) TokenSupportEnabled() bool {
	return c.TokenSupport != nil && *c.TokenSupport
}
