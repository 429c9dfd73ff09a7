package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PlatformConfig holds the connection settings for the API platform.
type PlatformConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token is the bearer token. Values prefixed with "enc:" are decrypted
	// at load time with APISTUDIO_PASSPHRASE.
	Token       string        `yaml:"token"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
}

// GeneratorConfig controls the retry controller and generation preflight.
type GeneratorConfig struct {
	RetryBudget int           `yaml:"retry_budget"` // automatic retries per cycle, default 3
	RetryDelay  time.Duration `yaml:"retry_delay"`  // inter-attempt delay, default 1.5s
	AutoRetry   bool          `yaml:"auto_retry"`
	// RatePerMinute caps generation attempts per minute, 0 = unlimited.
	RatePerMinute int `yaml:"rate_per_minute"`
	// MaxPromptTokens warns when the API code snapshot exceeds this estimate.
	MaxPromptTokens int `yaml:"max_prompt_tokens"`
}

// LoaderConfig controls harness compilation and execution.
type LoaderConfig struct {
	Entry           string        `yaml:"entry"`       // default CustomAPITest
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	WASMMaxMemoryMB int           `yaml:"wasm_max_memory_mb"`
}

// CacheConfig holds the local component cache settings.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Config is the top-level application configuration.
type Config struct {
	Platform  PlatformConfig  `yaml:"platform"`
	Generator GeneratorConfig `yaml:"generator"`
	Loader    LoaderConfig    `yaml:"loader"`
	Cache     CacheConfig     `yaml:"cache"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// Default returns a Config with working defaults for everything but the
// platform URL and token.
func Default() Config {
	return Config{
		Platform: PlatformConfig{
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
		},
		Generator: GeneratorConfig{
			RetryBudget:     3,
			RetryDelay:      1500 * time.Millisecond,
			AutoRetry:       true,
			RatePerMinute:   0,
			MaxPromptTokens: 24000,
		},
		Loader: LoaderConfig{
			Entry:           "CustomAPITest",
			ExecTimeout:     30 * time.Second,
			WASMMaxMemoryMB: 64,
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    defaultCachePath(),
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "apistudio.db"
	}
	return dir + string(os.PathSeparator) + "apistudio" + string(os.PathSeparator) + "components.db"
}

// Load reads the YAML file at path (if it exists), applies APISTUDIO_* env
// overrides, decrypts encrypted values and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Env-only configuration is fine.
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := decryptSecrets(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays APISTUDIO_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("APISTUDIO_PLATFORM_URL"); v != "" {
		cfg.Platform.BaseURL = v
	}
	if v := os.Getenv("APISTUDIO_PLATFORM_TOKEN"); v != "" {
		cfg.Platform.Token = v
	}
	if v := os.Getenv("APISTUDIO_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("APISTUDIO_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("APISTUDIO_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("APISTUDIO_AUTO_RETRY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Generator.AutoRetry = b
		}
	}
	if v := os.Getenv("APISTUDIO_RETRY_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Generator.RetryBudget = n
		}
	}
	if v := os.Getenv("APISTUDIO_TRACE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracer.Enabled = b
			if b && cfg.Tracer.Exporter == "noop" {
				cfg.Tracer.Exporter = "stdout"
			}
		}
	}
}

// decryptSecrets resolves any "enc:" prefixed values using the passphrase
// from APISTUDIO_PASSPHRASE.
func decryptSecrets(cfg *Config) error {
	if !strings.HasPrefix(cfg.Platform.Token, "enc:") {
		return nil
	}
	passphrase := os.Getenv("APISTUDIO_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("platform token is encrypted but APISTUDIO_PASSPHRASE is not set")
	}
	plain, err := DecryptValue(strings.TrimPrefix(cfg.Platform.Token, "enc:"), passphrase)
	if err != nil {
		return fmt.Errorf("decrypt platform token: %w", err)
	}
	cfg.Platform.Token = plain
	return nil
}
