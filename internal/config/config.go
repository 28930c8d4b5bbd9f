package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cheersplit/internal/log"
	"cheersplit/internal/settle"
)

// ConfigFileEnv names the environment variable pointing at an optional YAML file.
const ConfigFileEnv = "CHEERSPLIT_CONFIG"

type Config struct {
	// HTTP Server
	Port               string
	RateLimitPerMinute int
	CORSOrigins        []string

	// Settlement
	SettlementMode string
	Currency       string

	// Result cache
	CacheSize int
	CacheTTL  time.Duration

	// AMQP, disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Logging
	LogLevel  string
	LogFormat string

	// File the values were read from, if any
	ConfigFile string

	// values that could not be parsed and were replaced by their default
	parseProblems []string
}

var defaults = map[string]any{
	"port":                  "8081",
	"rate_limit_per_minute": 60,
	"cors_origins":          "",
	"settlement_mode":       string(settle.ModeFloat),
	"currency":              "AUD",
	"cache_size":            256,
	"cache_ttl":             "10m",
	"amqp_url":              "",
	"amqp_exchange":         "cheersplit",
	"amqp_queue":            "settlement_requests",
	"log_level":             "info",
	"log_format":            "text",
}

// Load resolves the configuration from the environment, falling back to the
// YAML file named by CHEERSPLIT_CONFIG and then to defaults.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(ConfigFileEnv))
}

// LoadFrom is Load with an explicit config file path. An empty path skips the file.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var problems []string
	cfg := &Config{
		Port:               v.GetString("port"),
		RateLimitPerMinute: getInt(v, "rate_limit_per_minute", &problems),
		CORSOrigins:        splitList(v.GetString("cors_origins")),

		SettlementMode: strings.ToLower(strings.TrimSpace(v.GetString("settlement_mode"))),
		Currency:       strings.ToUpper(strings.TrimSpace(v.GetString("currency"))),

		CacheSize: getInt(v, "cache_size", &problems),
		CacheTTL:  getDuration(v, "cache_ttl", &problems),

		AMQPURL:      v.GetString("amqp_url"),
		AMQPExchange: v.GetString("amqp_exchange"),
		AMQPQueue:    v.GetString("amqp_queue"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: strings.ToLower(v.GetString("log_format")),

		ConfigFile: path,

		parseProblems: problems,
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	errors := append([]string(nil), c.parseProblems...)

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if _, err := settle.ParseMode(c.SettlementMode); err != nil {
		errors = append(errors, fmt.Sprintf("invalid settlement mode '%s': must be one of [float exact]", c.SettlementMode))
	}

	if len(c.Currency) != 3 || strings.ToUpper(c.Currency) != c.Currency || strings.ContainsAny(c.Currency, "0123456789") {
		errors = append(errors, fmt.Sprintf("invalid currency '%s': must be a 3-letter ISO code", c.Currency))
	}

	if c.CacheSize < 1 || c.CacheSize > 100000 {
		errors = append(errors, fmt.Sprintf("invalid cache size %d: must be between 1 and 100000", c.CacheSize))
	}
	if c.CacheTTL < 0 || c.CacheTTL > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid cache TTL %v: must be between 0 and 24 hours", c.CacheTTL))
	}

	if c.RateLimitPerMinute < 1 || c.RateLimitPerMinute > 10000 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be between 1 and 10000 requests per minute", c.RateLimitPerMinute))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of [debug info warn error]", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// Mode returns the parsed settlement mode. Call Validate first.
func (c *Config) Mode() settle.Mode {
	m, _ := settle.ParseMode(c.SettlementMode)
	return m
}

// AMQPEnabled reports whether a broker is configured.
func (c *Config) AMQPEnabled() bool {
	return c.AMQPURL != ""
}

// Malformed numbers fall back to the default and are recorded in problems,
// which Validate reports.
func getInt(v *viper.Viper, key string, problems *[]string) int {
	raw := strings.TrimSpace(v.GetString(key))
	i, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("invalid %s '%s': must be a whole number", strings.ToUpper(key), raw))
		return defaults[key].(int)
	}
	return i
}

func getDuration(v *viper.Viper, key string, problems *[]string) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("invalid %s '%s': must be a duration such as 10m", strings.ToUpper(key), raw))
		d, _ = time.ParseDuration(defaults[key].(string))
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
