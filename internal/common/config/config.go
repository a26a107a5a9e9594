// Package config provides configuration management for Routa.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/routa-dev/routa/internal/common/logger"
)

// Config holds all configuration sections for the Routa server.
type Config struct {
	Server       ServerConfig         `mapstructure:"server"`
	Database     DatabaseConfig       `mapstructure:"database"`
	NATS         NATSConfig           `mapstructure:"nats"`
	Logging      logger.LoggingConfig `mapstructure:"logging"`
	GitHub       GitHubConfig         `mapstructure:"github"`
	Orchestrator OrchestratorConfig   `mapstructure:"orchestrator"`
	Background   BackgroundConfig     `mapstructure:"background"`
	Tracing      TracingConfig        `mapstructure:"tracing"`
	Providers    []ProviderConfig     `mapstructure:"providers"`
	Specialists  SpecialistsConfig    `mapstructure:"specialists"`
}

// ProviderConfig describes one agent provider: a subprocess command and the
// wire dialect it speaks.
type ProviderConfig struct {
	Name      string   `mapstructure:"name"`
	Transport string   `mapstructure:"transport"` // jsonrpc, streamjson
	Command   []string `mapstructure:"command"`
	Env       []string `mapstructure:"env"`
}

// SpecialistsConfig points at specialist definition directories. User
// definitions shadow bundled ones.
type SpecialistsConfig struct {
	UserDir    string `mapstructure:"userDir"`
	BundledDir string `mapstructure:"bundledDir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	MCPPort      int    `mapstructure:"mcpPort"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite" (default), "postgres", or "memory".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	URL      string `mapstructure:"url"`  // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration. When URL is empty the
// in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GitHubConfig holds webhook and polling configuration.
type GitHubConfig struct {
	PollIntervalSeconds int    `mapstructure:"pollIntervalSeconds"`
	Token               string `mapstructure:"token"`
	APIBaseURL          string `mapstructure:"apiBaseUrl"`
}

// OrchestratorConfig holds delegation orchestrator configuration.
type OrchestratorConfig struct {
	DefaultCwd          string `mapstructure:"defaultCwd"`
	MaxDelegationDepth  int    `mapstructure:"maxDelegationDepth"`
	AutoReportSettleSec int    `mapstructure:"autoReportSettleSec"`
	DefaultProvider     string `mapstructure:"defaultProvider"`
	CrafterProvider     string `mapstructure:"crafterProvider"`
	GateProvider        string `mapstructure:"gateProvider"`
}

// BackgroundConfig holds background task engine configuration.
type BackgroundConfig struct {
	OrphanThresholdMinutes int `mapstructure:"orphanThresholdMinutes"`
	TickSeconds            int `mapstructure:"tickSeconds"`
	MaxConcurrent          int `mapstructure:"maxConcurrent"`
}

// TracingConfig holds OpenTelemetry export configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// PollInterval returns the GitHub polling interval as a duration.
func (c GitHubConfig) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// OrphanThreshold returns the orphan re-claim threshold as a duration.
func (c BackgroundConfig) OrphanThreshold() time.Duration {
	if c.OrphanThresholdMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.OrphanThresholdMinutes) * time.Minute
}

// Load reads configuration from the given file (optional), environment
// variables with the ROUTA_ prefix, and built-in defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ROUTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy flat environment names kept for operator compatibility.
	_ = v.BindEnv("background.orphanThresholdMinutes", "ORPHAN_THRESHOLD_MINUTES")
	_ = v.BindEnv("github.pollIntervalSeconds", "INTERVAL_SECONDS")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("github.token", "GITHUB_TOKEN")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mcpPort", 8081)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "routa.db")
	v.SetDefault("database.maxConns", 10)

	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("github.pollIntervalSeconds", 30)
	v.SetDefault("github.apiBaseUrl", "https://api.github.com")

	v.SetDefault("orchestrator.maxDelegationDepth", 2)
	v.SetDefault("orchestrator.autoReportSettleSec", 2)

	v.SetDefault("background.orphanThresholdMinutes", 5)
	v.SetDefault("background.tickSeconds", 5)
	v.SetDefault("background.maxConcurrent", 4)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	v.SetDefault("orchestrator.defaultProvider", "claude")
	v.SetDefault("providers", []map[string]any{
		{
			"name":      "claude",
			"transport": "streamjson",
			"command": []string{
				"claude", "--input-format", "stream-json",
				"--output-format", "stream-json", "--verbose",
			},
		},
		{
			"name":      "gemini",
			"transport": "jsonrpc",
			"command":   []string{"gemini", "--experimental-acp"},
		},
	})
}
