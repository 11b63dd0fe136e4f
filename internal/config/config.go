package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	Prompts        PromptsConfig        `yaml:"prompts"`
	Database       DatabaseConfig       `yaml:"database"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	AppName         string        `yaml:"app_name"`
	CorsOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig describes the Ollama-compatible model server
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	DefaultModel   string        `yaml:"default_model"`
	AllowedModels  []string      `yaml:"allowed_models"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	HealthCacheTTL time.Duration `yaml:"health_cache_ttl"`
	QueueSize      int           `yaml:"queue_size"`
	Temperature    float64       `yaml:"temperature"`
	TopP           float64       `yaml:"top_p"`
	TopK           int           `yaml:"top_k"`
}

type PromptsConfig struct {
	DefaultTemplate string `yaml:"default_template"`
	TemplatesFile   string `yaml:"templates_file"`
}

type DatabaseConfig struct {
	EnablePersistence bool   `yaml:"enable_persistence"`
	Driver            string `yaml:"driver"`
	URL               string `yaml:"url"`
	Host              string `yaml:"host"`
	Port              string `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	Name              string `yaml:"name"`
	SSLMode           string `yaml:"ssl_mode"`
	Workers           int    `yaml:"workers"`
	BufferSize        int    `yaml:"buffer_size"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	ReportCaller bool   `yaml:"report_caller"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

// LoadYAML loads configuration from YAML file with environment variable overrides
func LoadYAML(configPath string) (*Config, error) {
	// Set default config path if not provided
	if configPath == "" {
		configPath = "config.yaml"
	}

	config := getDefaultConfig()

	// Load YAML file if it exists; keys it omits keep their defaults
	if _, err := os.Stat(configPath); err == nil {
		yamlFile, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in YAML content
		expandedYAML := os.ExpandEnv(string(yamlFile))

		if err := yaml.Unmarshal([]byte(expandedYAML), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		logrus.WithField("config_file", configPath).Info("Loaded configuration from YAML file")
	} else {
		logrus.WithField("config_file", configPath).Warn("Config file not found, using defaults and environment variables")
	}

	// Apply environment variable overrides
	config = applyEnvironmentOverrides(config)

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with sensible defaults
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			AppName:         "DevAssistant",
			CorsOrigins:     []string{"http://localhost:4200"},
			ShutdownTimeout: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "http://localhost:11434",
			DefaultModel:   "llama3.2",
			RequestTimeout: 5 * time.Minute,
			HealthTimeout:  5 * time.Second,
			HealthCacheTTL: 5 * time.Second,
			QueueSize:      16,
			Temperature:    0.7,
			TopP:           0.9,
			TopK:           40,
		},
		Prompts: PromptsConfig{
			DefaultTemplate: "general",
		},
		Database: DatabaseConfig{
			EnablePersistence: false, // The relay runs fine without an audit store
			Driver:            "postgres",
			Host:              "localhost",
			Port:              "5432",
			User:              "devassistant",
			Name:              "devassistant",
			SSLMode:           "disable",
			Workers:           2,
			BufferSize:        256,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "auto",
			ReportCaller: false,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
			MaxRequests:      1,
		},
	}
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(config *Config) *Config {
	// Server overrides
	if val := os.Getenv("HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		config.Server.Port = val
	}
	if val := os.Getenv("APP_NAME"); val != "" {
		config.Server.AppName = val
	}
	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		config.Server.CorsOrigins = splitList(val)
	}
	if val := os.Getenv("SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Server.ShutdownTimeout = d
		}
	}

	// Upstream overrides
	if val := os.Getenv("OLLAMA_BASE_URL"); val != "" {
		config.Upstream.BaseURL = val
	}
	if val := os.Getenv("DEFAULT_MODEL"); val != "" {
		config.Upstream.DefaultModel = val
	}
	if val := os.Getenv("ALLOWED_MODELS"); val != "" {
		config.Upstream.AllowedModels = splitList(val)
	}
	if val := os.Getenv("OLLAMA_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Upstream.RequestTimeout = d
		}
	}
	if val := os.Getenv("OLLAMA_HEALTH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Upstream.HealthTimeout = d
		}
	}
	if val := os.Getenv("STREAM_QUEUE_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Upstream.QueueSize = i
		}
	}
	if val := os.Getenv("TEMPERATURE"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Upstream.Temperature = f
		}
	}
	if val := os.Getenv("TOP_P"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Upstream.TopP = f
		}
	}
	if val := os.Getenv("TOP_K"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Upstream.TopK = i
		}
	}

	// Prompt overrides
	if val := os.Getenv("DEFAULT_TEMPLATE"); val != "" {
		config.Prompts.DefaultTemplate = val
	}
	if val := os.Getenv("TEMPLATES_FILE"); val != "" {
		config.Prompts.TemplatesFile = val
	}

	// Database overrides
	if val := os.Getenv("ENABLE_PERSISTENCE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Database.EnablePersistence = b
		}
	}
	if val := os.Getenv("DATABASE_DRIVER"); val != "" {
		config.Database.Driver = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Database.URL = val
	}
	if val := os.Getenv("DATABASE_HOST"); val != "" {
		config.Database.Host = val
	}
	if val := os.Getenv("DATABASE_PORT"); val != "" {
		config.Database.Port = val
	}
	if val := os.Getenv("DATABASE_USER"); val != "" {
		config.Database.User = val
	}
	if val := os.Getenv("DATABASE_PASSWORD"); val != "" {
		config.Database.Password = val
	}
	if val := os.Getenv("DATABASE_NAME"); val != "" {
		config.Database.Name = val
	}
	if val := os.Getenv("DATABASE_SSL_MODE"); val != "" {
		config.Database.SSLMode = val
	}
	if val := os.Getenv("DATABASE_WORKERS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Database.Workers = i
		}
	}
	if val := os.Getenv("DATABASE_BUFFER_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Database.BufferSize = i
		}
	}

	// Logging overrides
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_REPORT_CALLER"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Logging.ReportCaller = b
		}
	}

	// Circuit breaker overrides
	if val := os.Getenv("CIRCUIT_BREAKER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.CircuitBreaker.Enabled = b
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.FailureThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.CircuitBreaker.Timeout = d
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.MaxRequests = uint32(i)
		}
	}

	return config
}

// validateConfig validates the configuration and returns errors for invalid values
func validateConfig(config *Config) error {
	var errors []string

	// Validate required fields
	if u, err := url.Parse(config.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, fmt.Sprintf("OLLAMA_BASE_URL must be an http(s) URL (current: %q)", config.Upstream.BaseURL))
	}

	if strings.TrimSpace(config.Upstream.DefaultModel) == "" {
		errors = append(errors, "DEFAULT_MODEL is required")
	}

	if len(config.Upstream.AllowedModels) > 0 && !slices.Contains(config.Upstream.AllowedModels, config.Upstream.DefaultModel) {
		errors = append(errors, fmt.Sprintf("DEFAULT_MODEL %q must be one of the allowed models", config.Upstream.DefaultModel))
	}

	if _, err := strconv.Atoi(config.Server.Port); err != nil {
		errors = append(errors, fmt.Sprintf("PORT must be numeric (current: %q)", config.Server.Port))
	}

	// Validate sampling parameters
	if config.Upstream.Temperature < 0 || config.Upstream.Temperature > 2 {
		errors = append(errors, fmt.Sprintf("TEMPERATURE must be between 0 and 2 (current: %.2f)", config.Upstream.Temperature))
	}

	if config.Upstream.TopP <= 0 || config.Upstream.TopP > 1 {
		errors = append(errors, fmt.Sprintf("TOP_P must be in (0, 1] (current: %.2f)", config.Upstream.TopP))
	}

	if config.Upstream.TopK < 0 {
		errors = append(errors, fmt.Sprintf("TOP_K must not be negative (current: %d)", config.Upstream.TopK))
	}

	if config.Upstream.QueueSize <= 0 {
		errors = append(errors, fmt.Sprintf("STREAM_QUEUE_SIZE must be positive (current: %d)", config.Upstream.QueueSize))
	}

	if config.Server.ShutdownTimeout <= 0 {
		errors = append(errors, "server shutdown_timeout must be positive")
	}

	if config.Upstream.RequestTimeout <= 0 {
		errors = append(errors, "upstream request_timeout must be positive")
	}

	if strings.TrimSpace(config.Prompts.DefaultTemplate) == "" {
		errors = append(errors, "DEFAULT_TEMPLATE is required")
	}

	if config.Database.EnablePersistence {
		switch config.Database.Driver {
		case "postgres", "sqlite":
		default:
			errors = append(errors, fmt.Sprintf("DATABASE_DRIVER must be postgres or sqlite (current: %q)", config.Database.Driver))
		}
		if config.Database.Driver == "sqlite" && config.Database.URL == "" {
			errors = append(errors, "DATABASE_URL is required for the sqlite driver")
		}
	}

	// Unknown formats fall back to text (warn but don't fail)
	switch config.Logging.Format {
	case "json", "text", "auto", "":
	default:
		logrus.WithField("format", config.Logging.Format).Warn("Unknown log format, using text")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// GetDatabaseDSN constructs the database connection string
func (c *Config) GetDatabaseDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Load reads config.yaml from the working directory
func Load() (*Config, error) {
	return LoadYAML("")
}
