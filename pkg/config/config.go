// Package config loads stagegate's host configuration: where runs are
// written, how stages are executed, SMTP and chat endpoints, credential
// sources and the optional triage provider.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/stagegate/pkg/executor"
)

// Config holds the application configuration.
type Config struct {
	ConfigDir      string
	RunsDir        string
	Shell          string
	DefaultTimeout time.Duration
	LogLevel       string
	LogFormat      string
	ReportBaseURL  string

	SMTP            SMTPConfig
	SlackWebhookURL string

	// Credentials maps a credential name to its source (env:VAR or file:path).
	Credentials map[string]string

	Triage          TriageConfig
	TriageTimeout   time.Duration
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
}

// SMTPConfig configures email notifications. Password is env-only.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
}

// TriageConfig selects the failure summarizer. An empty provider disables it.
type TriageConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	TailLines int    `yaml:"tail_lines"`
	// Timeout bounds one model call, e.g. "30s".
	Timeout string `yaml:"timeout"`
}

// FileConfig represents the structure of ~/.stagegate/config.yaml. Secrets
// are deliberately absent.
type FileConfig struct {
	RunsDir        string            `yaml:"runs_dir"`
	Shell          string            `yaml:"shell"`
	DefaultTimeout string            `yaml:"default_timeout"`
	Log            LogConfig         `yaml:"log"`
	ReportBaseURL  string            `yaml:"report_base_url"`
	SMTP           SMTPConfig        `yaml:"smtp"`
	Credentials    map[string]string `yaml:"credentials"`
	Triage         TriageConfig      `yaml:"triage"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from path, or ~/.stagegate/config.yaml when path
// is empty, and applies environment overrides. A missing default file is not
// an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir, "config.yaml")
	}
	fileConfig, err := loadFileConfig(path, explicit)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ConfigDir:     configDir,
		RunsDir:       getEnvOrDefault("STAGEGATE_RUNS_DIR", fileConfig.RunsDir),
		Shell:         getEnvOrDefault("STAGEGATE_SHELL", fileConfig.Shell),
		LogLevel:      getEnvOrDefault("STAGEGATE_LOG_LEVEL", fileConfig.Log.Level),
		LogFormat:     getEnvOrDefault("STAGEGATE_LOG_FORMAT", fileConfig.Log.Format),
		ReportBaseURL: getEnvOrDefault("STAGEGATE_REPORT_BASE_URL", fileConfig.ReportBaseURL),
		SMTP: SMTPConfig{
			Host:     getEnvOrDefault("SMTP_HOST", fileConfig.SMTP.Host),
			Port:     fileConfig.SMTP.Port,
			From:     getEnvOrDefault("SMTP_FROM", fileConfig.SMTP.From),
			Username: getEnvOrDefault("SMTP_USERNAME", fileConfig.SMTP.Username),
			Password: os.Getenv("SMTP_PASSWORD"),
		},
		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
		Credentials:     fileConfig.Credentials,
		Triage:          fileConfig.Triage,
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
	}
	cfg.Triage.Provider = getEnvOrDefault("STAGEGATE_TRIAGE_PROVIDER", cfg.Triage.Provider)
	cfg.Triage.Model = getEnvOrDefault("STAGEGATE_TRIAGE_MODEL", cfg.Triage.Model)

	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT %q: %w", port, err)
		}
		cfg.SMTP.Port = p
	}

	if timeout := getEnvOrDefault("STAGEGATE_DEFAULT_TIMEOUT", fileConfig.DefaultTimeout); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid default timeout %q", timeout)
		}
		cfg.DefaultTimeout = d
	}

	if cfg.Triage.Timeout != "" {
		d, err := time.ParseDuration(cfg.Triage.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid triage timeout %q", cfg.Triage.Timeout)
		}
		cfg.TriageTimeout = d
	}

	for name, source := range cfg.Credentials {
		if _, _, err := executor.ParseSource(source); err != nil {
			return nil, fmt.Errorf("credentials.%s: %w", name, err)
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RunsDir == "" {
		cfg.RunsDir = filepath.Join(cfg.ConfigDir, "runs")
	}
	if cfg.Shell == "" {
		cfg.Shell = executor.DefaultShell
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = executor.DefaultTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 25
	}
	if cfg.Credentials == nil {
		cfg.Credentials = map[string]string{}
	}
}

// APIKey returns the key for a triage provider.
func (c *Config) APIKey(provider string) string {
	switch strings.ToLower(provider) {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "google", "gemini":
		return c.GoogleAPIKey
	default:
		return ""
	}
}

// TriageEnabled reports whether a summarizer should be built.
func (c *Config) TriageEnabled() bool {
	return c.Triage.Provider != ""
}

// loadFileConfig reads the config file, returning empty config if the
// default file does not exist.
func loadFileConfig(path string, explicit bool) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".stagegate")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return configDir, nil
}
