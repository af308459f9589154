package llm

import (
	"fmt"
	"strings"
)

const (
	DefaultAPIURL      = "https://api.siliconflow.cn/v1"
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.3
	DefaultTimeout     = 30
)

// DefaultModelPrefixes is the allow-list applied to the discovered catalog.
var DefaultModelPrefixes = []string{"qwen/", "deepseek/"}

// Config holds the configuration for the translation API client.
// The credential is not part of it: it changes at runtime and lives on the Gateway.
//
// APIURL: OpenAI-compatible base URL
// ModelPrefixes: case-insensitive id prefixes kept from the catalog; empty keeps all
// RateLimit: requests per second, 0 disables limiting
type Config struct {
	APIURL        string   `json:"api_url"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	Timeout       int      `json:"timeout"`
	SiteURL       string   `json:"site_url"`
	AppName       string   `json:"app_name"`
	ModelPrefixes []string `json:"model_prefixes"`
	RateLimit     float64  `json:"rate_limit"`
	RateBurst     int      `json:"rate_burst"`
}

func DefaultConfig() *Config {
	return &Config{
		APIURL:        DefaultAPIURL,
		MaxTokens:     DefaultMaxTokens,
		Temperature:   DefaultTemperature,
		Timeout:       DefaultTimeout,
		ModelPrefixes: append([]string(nil), DefaultModelPrefixes...),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return fmt.Errorf("API URL is required")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max tokens must be greater than 0")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

// headers returns the request headers for the given credential.
func (c *Config) headers(credential string) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + credential,
		"Content-Type":  "application/json",
	}

	if c.SiteURL != "" {
		headers["HTTP-Referer"] = c.SiteURL
	}
	if c.AppName != "" {
		headers["X-Title"] = c.AppName
	}

	return headers
}
