package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"

	"github.com/MimeLyc/caption-floater/internal/retry"
	"github.com/MimeLyc/caption-floater/pkg/log"
)

// Config holds all application configuration
// Supports environment variables (and an optional .env file) with sensible defaults
//
// Environment Variables:
// LLM Configuration:
// - LLM_API_KEY: API key for the translation API (optional, can be set later via settings)
// - LLM_API_URL: API endpoint URL (default: https://api.siliconflow.cn/v1)
// - LLM_MODEL: preferred model id (optional, first eligible model otherwise)
// - LLM_MAX_TOKENS: Maximum tokens for responses (default: 1000)
// - LLM_TEMPERATURE: Temperature for responses (default: 0.3)
// - LLM_TIMEOUT: Request timeout in seconds (default: 30)
// - LLM_SITE_URL / LLM_APP_NAME: optional HTTP-Referer and X-Title headers
// - LLM_MODEL_PREFIXES: comma separated model id allow-list (default: qwen/,deepseek/)
// - LLM_RATE_LIMIT: outbound requests per second, 0 disables (default: 0)
// - LLM_RATE_BURST: limiter burst (default: 4)
//
// Caption Configuration:
// - CAPTION_WATCH_URL: watch page base URL (default: https://www.youtube.com/watch)
// - CAPTION_LANGUAGE: preferred caption language (default: en)
// - CAPTION_USER_AGENT: User-Agent sent to the video site
// - CAPTION_TIMEOUT: fetch timeout in seconds (default: 30)
//
// Translate Configuration:
// - TRANSLATE_ENABLED: translate cues in panel sessions (default: false)
// - TRANSLATE_TARGET_LANGUAGE: target language (default: zh)
// - TRANSLATE_MIX_RATIO: share of each line to translate (default: 1.0)
// - TRANSLATE_CONCURRENCY: parallel translations when rendering all cues (default: 4)
// - MODEL_REFRESH_CRON: model catalog refresh schedule (default: 0 */6 * * *)
//
// Retry Configuration:
// - RETRY_MAX_ATTEMPTS: attempts per operation (default: 3)
// - RETRY_BASE_DELAY_MS: linear backoff base (default: 1000)
//
// System Configuration:
// - HTTP_ADDR: listen address (default: :8080)
// - SERVER_URL: base URL the CLI uses with --server (default: http://127.0.0.1:8080)
// - PANEL_ALLOWED_ORIGINS: comma separated origin host patterns allowed to open
//   panel websockets besides the server's own host (default: none)
// - SETTINGS_FILE: persisted panel settings (default: /app/config/settings.json)
// - LOG_LEVEL: debug, info, warn, error (default: info)
type Config struct {
	LLM       LLMConfig       `json:"llm"`
	Caption   CaptionConfig   `json:"caption"`
	Translate TranslateConfig `json:"translate"`
	Retry     RetryConfig     `json:"retry"`
	HTTP      HTTPConfig      `json:"http"`
	System    SystemConfig    `json:"system"`
}

// LLMConfig holds the configuration for the translation API
type LLMConfig struct {
	APIKey        string   `json:"api_key"`
	APIURL        string   `json:"api_url"`
	Model         string   `json:"model"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	Timeout       int      `json:"timeout"`
	SiteURL       string   `json:"site_url"`
	AppName       string   `json:"app_name"`
	ModelPrefixes []string `json:"model_prefixes"`
	RateLimit     float64  `json:"rate_limit"`
	RateBurst     int      `json:"rate_burst"`
}

type CaptionConfig struct {
	WatchURL  string `json:"watch_url"`
	Language  string `json:"language"`
	UserAgent string `json:"user_agent"`
	Timeout   int    `json:"timeout"`
}

type TranslateConfig struct {
	Enabled          bool         `json:"enabled"`
	TargetLanguage   language.Tag `json:"target_language"`
	MixRatio         float64      `json:"mix_ratio"`
	Concurrency      int          `json:"concurrency"`
	ModelRefreshCron string       `json:"model_refresh_cron"`
}

type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMS int `json:"base_delay_ms"`
}

// Policy converts the configuration into a retry policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.BaseDelayMS) * time.Millisecond,
	}
}

type HTTPConfig struct {
	Addr           string   `json:"addr"`
	ServerURL      string   `json:"server_url"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type SystemConfig struct {
	LogLevel     string `json:"log_level"`
	SettingsFile string `json:"settings_file"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// LoadDotEnv loads .env style files into the environment. Missing files are
// ignored; variables already set win.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			log.Warn("Failed to load %s: %v", p, err)
		}
	}
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	targetLanguage, err := language.Parse(getEnvString("TRANSLATE_TARGET_LANGUAGE", "zh"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRANSLATE_TARGET_LANGUAGE: %w", err)
	}

	config := &Config{
		LLM: LLMConfig{
			APIKey:        getEnvString("LLM_API_KEY", ""),
			APIURL:        getEnvString("LLM_API_URL", "https://api.siliconflow.cn/v1"),
			Model:         getEnvString("LLM_MODEL", ""),
			MaxTokens:     getEnvInt("LLM_MAX_TOKENS", 1000),
			Temperature:   getEnvFloat("LLM_TEMPERATURE", 0.3),
			Timeout:       getEnvInt("LLM_TIMEOUT", 30),
			SiteURL:       getEnvString("LLM_SITE_URL", ""),
			AppName:       getEnvString("LLM_APP_NAME", ""),
			ModelPrefixes: getEnvList("LLM_MODEL_PREFIXES", []string{"qwen/", "deepseek/"}),
			RateLimit:     getEnvFloat("LLM_RATE_LIMIT", 0),
			RateBurst:     getEnvInt("LLM_RATE_BURST", 4),
		},
		Caption: CaptionConfig{
			WatchURL:  getEnvString("CAPTION_WATCH_URL", "https://www.youtube.com/watch"),
			Language:  getEnvString("CAPTION_LANGUAGE", "en"),
			UserAgent: getEnvString("CAPTION_USER_AGENT", ""),
			Timeout:   getEnvInt("CAPTION_TIMEOUT", 30),
		},
		Translate: TranslateConfig{
			Enabled:          getEnvBool("TRANSLATE_ENABLED", false),
			TargetLanguage:   targetLanguage,
			MixRatio:         getEnvFloat("TRANSLATE_MIX_RATIO", 1.0),
			Concurrency:      getEnvInt("TRANSLATE_CONCURRENCY", 4),
			ModelRefreshCron: getEnvString("MODEL_REFRESH_CRON", "0 */6 * * *"),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelayMS: getEnvInt("RETRY_BASE_DELAY_MS", 1000),
		},
		HTTP: HTTPConfig{
			Addr:      getEnvString("HTTP_ADDR", ":8080"),
			ServerURL: getEnvString("SERVER_URL", "http://127.0.0.1:8080"),

			AllowedOrigins: getEnvList("PANEL_ALLOWED_ORIGINS", nil),
		},
		System: SystemConfig{
			LogLevel:     getEnvString("LOG_LEVEL", "info"),
			SettingsFile: SettingsFilePath(),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %s", config)
	return config, nil
}

// String renders the config with the API key masked.
func (c *Config) String() string {
	redacted := *c
	if redacted.LLM.APIKey != "" {
		redacted.LLM.APIKey = "***"
	}
	return fmt.Sprintf("%+v", redacted)
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if strings.TrimSpace(c.LLM.APIURL) == "" {
		return fmt.Errorf("LLM_API_URL is required")
	}
	if strings.TrimSpace(c.Caption.WatchURL) == "" {
		return fmt.Errorf("CAPTION_WATCH_URL is required")
	}
	if c.Translate.MixRatio < 0 || c.Translate.MixRatio > 1 {
		return fmt.Errorf("TRANSLATE_MIX_RATIO must be between 0 and 1")
	}
	if c.Translate.Concurrency < 1 {
		return fmt.Errorf("TRANSLATE_CONCURRENCY must be greater than 0")
	}
	if _, err := cron.ParseStandard(c.Translate.ModelRefreshCron); err != nil {
		return fmt.Errorf("invalid MODEL_REFRESH_CRON: %w", err)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be greater than 0")
	}
	if c.Retry.BaseDelayMS < 0 {
		return fmt.Errorf("RETRY_BASE_DELAY_MS must not be negative")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value. A set but blank variable
// yields an empty list.
func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	out := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
