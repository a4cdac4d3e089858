package appbuilder

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	defaults "github.com/Paranoid-AF/appbuilder/default"
)

// Config represents the backend configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Model       ModelConfig       `toml:"model"`
	Negotiation NegotiationConfig `toml:"negotiation"`
	Backend     BackendConfig     `toml:"backend"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// ModelConfig holds settings for the Gemini API.
type ModelConfig struct {
	APIKey         string   `toml:"api_key"`
	Model          string   `toml:"model"`
	Temperature    *float32 `toml:"temperature,omitempty"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	MaxRetries     int      `toml:"max_retries"`
}

// NegotiationConfig controls validation of model replies.
type NegotiationConfig struct {
	// Strict requires a known action discriminator and its payload fields.
	Strict *bool `toml:"strict,omitempty"`
}

// BackendConfig holds the Supabase credentials checked at startup.
type BackendConfig struct {
	URL     string `toml:"url"`
	AnonKey string `toml:"anon_key"`
}

// ConfigDir returns the config directory path.
// Resolution order: $APPBUILDER_CONFIG_DIR > $XDG_CONFIG_HOME/appbuilder > ~/.config/appbuilder
func ConfigDir() string {
	if dir := os.Getenv("APPBUILDER_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "appbuilder")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "appbuilder-config")
	}
	return filepath.Join(home, ".config", "appbuilder")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// PromptPath returns the custom prompt template path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// DefaultConfig returns the default configuration from the embedded default_config.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.Decode(defaults.DefaultConfigTOML, &cfg); err != nil {
		panic("appbuilder: invalid embedded default_config.toml: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from the default path or returns defaults if not found.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile loads config from path, filling missing fields from defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing fields
	defaults := DefaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaults.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = defaults.Server.AllowedOrigins
	}
	if cfg.Model.Model == "" {
		cfg.Model.Model = defaults.Model.Model
	}
	if cfg.Model.Temperature == nil {
		cfg.Model.Temperature = defaults.Model.Temperature
	}
	if cfg.Model.TimeoutSeconds == 0 {
		cfg.Model.TimeoutSeconds = defaults.Model.TimeoutSeconds
	}
	if cfg.Negotiation.Strict == nil {
		cfg.Negotiation.Strict = defaults.Negotiation.Strict
	}

	return &cfg, nil
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	if ResolveModelAPIKey(cfg) == "" {
		warnings = append(warnings, "Gemini API key not configured; set GEMINI_API_KEY. Chat requests will fail until it is set")
	}
	if ResolveBackendURL(cfg) == "" || ResolveBackendAnonKey(cfg) == "" {
		warnings = append(warnings, "Supabase URL or Key not found in environment variables. Supabase client not initialized")
	}
	if cfg.Model.MaxRetries < 0 {
		warnings = append(warnings, "model.max_retries is negative; retries are disabled")
	}
	if cfg.Model.TimeoutSeconds < 0 {
		warnings = append(warnings, "model.timeout_seconds is negative; the default timeout is used")
	}
	return warnings
}

// ResolveHost returns the listen host.
// Priority: $APPBUILDER_HOST env > config value.
func ResolveHost(cfg *Config) string {
	if host := os.Getenv("APPBUILDER_HOST"); host != "" {
		return host
	}
	if cfg != nil {
		return cfg.Server.Host
	}
	return ""
}

// ResolvePort returns the listen port.
// Priority: $PORT env > config value.
func ResolvePort(cfg *Config) int {
	if port, err := strconv.Atoi(os.Getenv("PORT")); err == nil && port > 0 {
		return port
	}
	if cfg != nil {
		return cfg.Server.Port
	}
	return 0
}

// ResolveModelAPIKey returns the Gemini API key.
// Priority: $GEMINI_API_KEY env > $GOOGLE_API_KEY env > config value.
func ResolveModelAPIKey(cfg *Config) string {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return key
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Model.APIKey
	}
	return ""
}

// ResolveModelName returns the Gemini model name.
// Priority: $GEMINI_MODEL env > config value.
func ResolveModelName(cfg *Config) string {
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Model.Model
	}
	return ""
}

// ResolveBackendURL returns the Supabase project URL.
// Priority: $SUPABASE_URL env > config value.
func ResolveBackendURL(cfg *Config) string {
	if url := os.Getenv("SUPABASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Backend.URL
	}
	return ""
}

// ResolveBackendAnonKey returns the Supabase anon key.
// Priority: $SUPABASE_ANON_KEY env > config value.
func ResolveBackendAnonKey(cfg *Config) string {
	if key := os.Getenv("SUPABASE_ANON_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Backend.AnonKey
	}
	return ""
}

// ModelTimeout returns the per-attempt timeout for the model call.
func ModelTimeout(cfg *Config) time.Duration {
	if cfg == nil || cfg.Model.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(cfg.Model.TimeoutSeconds) * time.Second
}

// ModelMaxRetries returns how many times a failed model call may be retried.
func ModelMaxRetries(cfg *Config) int {
	if cfg == nil || cfg.Model.MaxRetries < 0 {
		return 0
	}
	return cfg.Model.MaxRetries
}

// StrictNegotiation returns whether model replies must be well-formed actions.
func StrictNegotiation(cfg *Config) bool {
	if cfg == nil || cfg.Negotiation.Strict == nil {
		return true // default true
	}
	return *cfg.Negotiation.Strict
}
