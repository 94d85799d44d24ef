package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Strategy names recognized in the strategies priority list
const (
	StrategyAPIProbe     = "api-probe"
	StrategyGraphQLProbe = "graphql-probe"
	StrategyPageScrape   = "page-scrape"
	StrategyYtDlp        = "yt-dlp"
)

// KnownStrategies lists every strategy name in default priority order
var KnownStrategies = []string{
	StrategyAPIProbe,
	StrategyGraphQLProbe,
	StrategyPageScrape,
	StrategyYtDlp,
}

// Config holds application configuration
type Config struct {
	// Upstream credentials; absent implies anonymous-only strategies
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	SessionFile string `yaml:"session_file"`
	// Seconds an Authenticated session is trusted without a verification probe
	SessionFreshness int `yaml:"session_freshness"`

	ProxyURL       string `yaml:"proxy"`
	DefaultTimeout int    `yaml:"timeout"`
	MaxRetries     int    `yaml:"max_retries"`
	// Backoff unit in milliseconds; attempt k sleeps in [k, 2k] units
	RetryUnitMillis int    `yaml:"retry_unit_ms"`
	MaxPayload      string `yaml:"max_payload"`
	RateLimit       string `yaml:"rate_limit"`
	WorkspaceRoot   string `yaml:"workspace_root"`

	Strategies      []string `yaml:"strategies"`
	AllowedDomains  []string `yaml:"allowed_domains"`
	PlatformBaseURL string   `yaml:"platform_base_url"`
	UserAgentList   []string `yaml:"user_agents"`
	YtDlpPath       string   `yaml:"yt_dlp_path"`

	TelegramToken string `yaml:"telegram_token"`

	// Logging configuration
	LogLevel    string `yaml:"log_level"`
	EnableDebug bool   `yaml:"debug"`
	QuietMode   bool   `yaml:"quiet"`
	LogFile     string `yaml:"log_file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		SessionFreshness: 600,
		DefaultTimeout:   60,
		MaxRetries:       3,
		RetryUnitMillis:  1000,
		// Telegram bots cannot upload more than 50 MB
		MaxPayload:    "50MB",
		WorkspaceRoot: filepath.Join(os.TempDir(), "reelfetch"),
		Strategies:    append([]string(nil), KnownStrategies...),
		AllowedDomains: []string{
			"instagram.com",
			"www.instagram.com",
			"m.instagram.com",
			"instagr.am",
		},
		PlatformBaseURL: "https://www.instagram.com",
		UserAgentList: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		YtDlpPath: "yt-dlp",

		// Logging defaults
		LogLevel:    "info",
		EnableDebug: false,
		QuietMode:   false,
		LogFile:     "", // Empty means stderr
	}
}

// LoadFromFile overlays values from a YAML configuration file
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return NewValidationErrorWithValue("config", fmt.Sprintf("invalid YAML: %v", err), path).
			WithSuggestion("Check the file against the documented option names")
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("REELFETCH_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("REELFETCH_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("REELFETCH_SESSION_FILE"); v != "" {
		c.SessionFile = v
	}
	if v := os.Getenv("REELFETCH_PROXY"); v != "" {
		c.ProxyURL = v
	}

	if timeout := os.Getenv("REELFETCH_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			c.DefaultTimeout = t
		}
	}

	if retries := os.Getenv("REELFETCH_MAX_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil && r > 0 {
			c.MaxRetries = r
		}
	}

	if v := os.Getenv("REELFETCH_MAX_PAYLOAD"); v != "" {
		c.MaxPayload = v
	}
	if v := os.Getenv("REELFETCH_RATE_LIMIT"); v != "" {
		c.RateLimit = v
	}
	if v := os.Getenv("REELFETCH_WORKSPACE"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("REELFETCH_STRATEGIES"); v != "" {
		c.Strategies = splitList(v)
	}
	if v := os.Getenv("REELFETCH_YTDLP"); v != "" {
		c.YtDlpPath = v
	}
	if v := os.Getenv("REELFETCH_TELEGRAM_TOKEN"); v != "" {
		c.TelegramToken = v
	}

	// Load logging configuration from environment
	if logLevel := os.Getenv("REELFETCH_LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}

	if debug := os.Getenv("REELFETCH_DEBUG"); debug != "" {
		c.EnableDebug = debug == "true" || debug == "1"
	}

	if quiet := os.Getenv("REELFETCH_QUIET"); quiet != "" {
		c.QuietMode = quiet == "true" || quiet == "1"
	}

	if logFile := os.Getenv("REELFETCH_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Credentials returns the configured upstream credentials
func (c *Config) Credentials() Credentials {
	return Credentials{Username: c.Username, Password: c.Password}
}

// MaxPayloadBytes parses MaxPayload ("50MB", "1.5GiB", "12000000")
func (c *Config) MaxPayloadBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxPayload)
	if err != nil {
		return 0, fmt.Errorf("invalid max payload %q: %w", c.MaxPayload, err)
	}
	return int64(n), nil
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	if c.DefaultTimeout < 1 {
		return fmt.Errorf("invalid default timeout: %d (must be > 0)", c.DefaultTimeout)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("invalid max retries: %d (must be >= 1)", c.MaxRetries)
	}

	if c.RetryUnitMillis < 0 {
		return fmt.Errorf("invalid retry unit: %d (must be >= 0)", c.RetryUnitMillis)
	}

	if size, err := c.MaxPayloadBytes(); err != nil {
		return err
	} else if size <= 0 {
		return fmt.Errorf("max payload must be positive")
	}

	if (c.Username == "") != (c.Password == "") {
		return NewValidationError("credentials", "username and password must be set together").
			WithSuggestion("Set both REELFETCH_USERNAME and REELFETCH_PASSWORD, or neither for anonymous mode")
	}

	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace root cannot be empty")
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("strategy list cannot be empty")
	}
	seen := make(map[string]bool, len(c.Strategies))
	for _, name := range c.Strategies {
		if !isKnownStrategy(name) {
			return NewValidationErrorWithValue("strategies", "unknown strategy", name).
				WithSuggestion(fmt.Sprintf("Use any of: %s", strings.Join(KnownStrategies, ", ")))
		}
		if seen[name] {
			return NewValidationErrorWithValue("strategies", "duplicate strategy", name)
		}
		seen[name] = true
	}

	if len(c.UserAgentList) == 0 {
		return fmt.Errorf("user agent list cannot be empty")
	}

	if len(c.AllowedDomains) == 0 {
		return fmt.Errorf("allowed domains list cannot be empty")
	}

	return nil
}

func isKnownStrategy(name string) bool {
	for _, known := range KnownStrategies {
		if name == known {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
