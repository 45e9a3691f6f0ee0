// Package config manages kbchat configuration. Values are layered:
// built-in defaults, then ~/.kbchat/config.json, then KBCHAT_* environment
// variables (a .env file in the working directory is loaded first).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ConfigDirName   = ".kbchat"
	ConfigFileName  = "config.json"
	EnvPrefix       = "KBCHAT"
	DefaultLogLevel = "info"
	DefaultRegion   = "eu-west-1"
	DefaultTenantID = "iberdrola-aws"
)

// GlobalConfig holds user-level configuration for the kbchat CLI and servers.
type GlobalConfig struct {
	DefaultRegion string `json:"default_region" mapstructure:"default_region" validate:"required"`
	TenantID      string `json:"tenant_id" mapstructure:"tenant_id" validate:"required"`

	LogLevel      string `json:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFile       string `json:"log_file" mapstructure:"log_file"` // empty: console only
	LogMaxSizeMB  int    `json:"log_max_size_mb" mapstructure:"log_max_size_mb" validate:"min=0"`
	LogMaxBackups int    `json:"log_max_backups" mapstructure:"log_max_backups" validate:"min=0"`
	LogMaxAgeDays int    `json:"log_max_age_days" mapstructure:"log_max_age_days" validate:"min=0"`

	DataDir    string `json:"data_dir" mapstructure:"data_dir" validate:"required"`
	SecretMode string `json:"secret_mode" mapstructure:"secret_mode" validate:"oneof=vault memory_only"`

	// Query backend. Empty APIBaseURL sends queries straight to Bedrock.
	APIBaseURL string `json:"api_base_url" mapstructure:"api_base_url" validate:"omitempty,url"`
	APIKey     string `json:"api_key" mapstructure:"api_key"` // sent as x-api-key

	// Managed document backend: an HTTP endpoint or a Lambda function.
	DocumentsURL      string `json:"documents_url" mapstructure:"documents_url" validate:"omitempty,url"`
	DocumentsFunction string `json:"documents_function" mapstructure:"documents_function"`
	DocumentsAuth     string `json:"documents_auth" mapstructure:"documents_auth" validate:"oneof=headers sigv4"`
	EndpointParameter string `json:"endpoint_parameter" mapstructure:"endpoint_parameter"` // SSM parameter with backend URLs
	BackendLogGroup   string `json:"backend_log_group" mapstructure:"backend_log_group"`

	RequestTimeoutSeconds int `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds" validate:"min=1"`
	MaxRetries            int `json:"max_retries" mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelayMillis      int `json:"retry_delay_millis" mapstructure:"retry_delay_millis" validate:"min=0"`
	HealthRetries         int `json:"health_retries" mapstructure:"health_retries" validate:"min=0,max=10"`
	RateLimitPerService   int `json:"rate_limit_per_service" mapstructure:"rate_limit_per_service" validate:"min=1"` // req/s
	CacheTTLSeconds       int `json:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds" validate:"min=0"`

	HTTPAddr       string   `json:"http_addr" mapstructure:"http_addr"`
	GRPCAddr       string   `json:"grpc_addr" mapstructure:"grpc_addr"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`

	DefaultModel         string `json:"default_model" mapstructure:"default_model" validate:"required"`
	DefaultKnowledgeBase string `json:"default_knowledge_base" mapstructure:"default_knowledge_base"`
}

// DefaultGlobalConfig returns sensible defaults.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		DefaultRegion:         DefaultRegion,
		TenantID:              DefaultTenantID,
		LogLevel:              DefaultLogLevel,
		LogMaxSizeMB:          10,
		LogMaxBackups:         3,
		LogMaxAgeDays:         28,
		DataDir:               ConfigDir(),
		SecretMode:            "vault",
		DocumentsAuth:         "headers",
		RequestTimeoutSeconds: 60,
		MaxRetries:            3,
		RetryDelayMillis:      1000,
		HealthRetries:         1,
		RateLimitPerService:   10,
		CacheTTLSeconds:       300,
		HTTPAddr:              "127.0.0.1:8787",
		GRPCAddr:              "127.0.0.1:8788",
		AllowedOrigins:        []string{"http://localhost:5173", "http://localhost:3000"},
		DefaultModel:          "anthropic.claude-sonnet-4-20250514-v1:0",
		DefaultKnowledgeBase:  "TJ8IMVJVQW",
	}
}

// ConfigDir returns the global kbchat config directory path.
func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// DefaultConfigPath returns ~/.kbchat/config.json.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), ConfigFileName)
}

// RequestTimeout returns the per-attempt timeout for backend requests.
func (c GlobalConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// RetryDelay returns the linear retry base delay.
func (c GlobalConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}

// CacheTTL returns the AWS response cache lifetime.
func (c GlobalConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// MemoryOnly reports whether secrets must never touch disk.
func (c GlobalConfig) MemoryOnly() bool {
	return c.SecretMode == "memory_only"
}

// Validate checks field constraints.
func (c GlobalConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadGlobalConfig loads configuration from the default path.
func LoadGlobalConfig() (GlobalConfig, error) {
	return Load(DefaultConfigPath())
}

// Load reads configuration from path layered over defaults and the
// environment. A missing file is not an error.
func Load(path string) (GlobalConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, DefaultGlobalConfig())

	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return GlobalConfig{}, fmt.Errorf("reading %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return GlobalConfig{}, err
		}
	}

	var cfg GlobalConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return GlobalConfig{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg GlobalConfig) {
	data, _ := json.Marshal(cfg)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	for k, val := range m {
		v.SetDefault(k, val)
	}
}

// SaveGlobalConfig persists the config to ~/.kbchat/config.json.
func SaveGlobalConfig(cfg GlobalConfig) error {
	return Save(DefaultConfigPath(), cfg)
}

// Save writes cfg as indented JSON to path.
func Save(path string, cfg GlobalConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
