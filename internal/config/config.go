// Package config loads and hot-reloads the proxy's YAML configuration,
// merged with the recognized environment-variable overrides from spec §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application's configuration, loaded from a YAML file and
// overlaid with environment variables.
type Config struct {
	// APIKey, if set, is compared against the client's x-api-key header
	// on every /v1/* request.
	APIKey string `yaml:"api_key"`
	// Port is the HTTP listen port.
	Port int `yaml:"port"`
	// Debug enables gin's debug mode and verbose logging.
	Debug bool `yaml:"debug"`

	// MySQLHost and the other mysql_* fields are read and surfaced only
	// (see DESIGN.md): setting them does not switch the account store,
	// which is always the bbolt-backed implementation.
	MySQLHost     string `yaml:"mysql_host"`
	MySQLPort     int    `yaml:"mysql_port"`
	MySQLUser     string `yaml:"mysql_user"`
	MySQLPassword string `yaml:"mysql_password"`
	MySQLDatabase string `yaml:"mysql_database"`

	GeminiDonateClientID     string `yaml:"gemini_donate_client_id"`
	GeminiDonateClientSecret string `yaml:"gemini_donate_client_secret"`

	EnableAutoRefresh         bool `yaml:"enable_auto_refresh"`
	TokenRefreshIntervalHours int  `yaml:"token_refresh_interval_hours"`

	EnableSessionBinding bool `yaml:"enable_session_binding"`
	EnableToolDedup      bool `yaml:"enable_tool_dedup"`

	AmazonQMaxInputTokens  int  `yaml:"amazonq_max_input_tokens"`
	DisableInputValidation bool `yaml:"disable_input_validation"`

	// RedisAddr, when non-empty, backs the cache/cooldown layer with
	// Redis instead of the in-process maps, for multi-instance
	// deployments. Overridable with REDIS_URL, matching the env var name
	// the rest of the one-api family uses for this setting.
	RedisAddr string `yaml:"redis_addr"`

	// GeminiOnlyModels, AmazonQOnlyModels, SupportedModels, and
	// ModelMapping are the whitelisted keys the admin /v2/config endpoint
	// may read and update, per spec §6.
	GeminiOnlyModels  []string          `yaml:"gemini_only_models"`
	AmazonQOnlyModels []string          `yaml:"amazonq_only_models"`
	SupportedModels   []string          `yaml:"supported_models"`
	ModelMapping      map[string]string `yaml:"model_mapping"`

	DataDir string `yaml:"data_dir"`
}

// TokenRefreshInterval returns TokenRefreshIntervalHours as a Duration,
// defaulting to 6h per spec §6.
func (c *Config) TokenRefreshInterval() time.Duration {
	if c.TokenRefreshIntervalHours <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.TokenRefreshIntervalHours) * time.Hour
}

// Default returns a Config populated with every documented default.
func Default() *Config {
	return &Config{
		Port:                   8080,
		EnableSessionBinding:   true,
		EnableToolDedup:        true,
		AmazonQMaxInputTokens:  100000,
		DataDir:                "./data",
	}
}

// Load reads a YAML config file at path (if it exists; a missing file is
// not an error, since every field has a usable default) and overlays the
// recognized environment variables on top, per spec §6.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// no config file is fine; env vars and defaults carry it
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("API_KEY"); ok {
		cfg.APIKey = v
	}
	if v, ok := envInt("PORT"); ok {
		cfg.Port = v
	}
	if v, ok := os.LookupEnv("MYSQL_HOST"); ok {
		cfg.MySQLHost = v
	}
	if v, ok := os.LookupEnv("GEMINI_DONATE_CLIENT_ID"); ok {
		cfg.GeminiDonateClientID = v
	}
	if v, ok := os.LookupEnv("GEMINI_DONATE_CLIENT_SECRET"); ok {
		cfg.GeminiDonateClientSecret = v
	}
	if v, ok := envBool("ENABLE_AUTO_REFRESH"); ok {
		cfg.EnableAutoRefresh = v
	}
	if v, ok := envInt("TOKEN_REFRESH_INTERVAL_HOURS"); ok {
		cfg.TokenRefreshIntervalHours = v
	}
	if v, ok := envBool("ENABLE_SESSION_BINDING"); ok {
		cfg.EnableSessionBinding = v
	}
	if v, ok := envBool("ENABLE_TOOL_DEDUP"); ok {
		cfg.EnableToolDedup = v
	}
	if v, ok := envInt("AMAZONQ_MAX_INPUT_TOKENS"); ok {
		cfg.AmazonQMaxInputTokens = v
	}
	if v, ok := envBool("DISABLE_INPUT_VALIDATION"); ok {
		cfg.DisableInputValidation = v
	}
	if v, ok := os.LookupEnv("REDIS_URL"); ok {
		cfg.RedisAddr = v
	}
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
