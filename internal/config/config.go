// Package config loads the YAML configuration of the failover server and
// turns it into router, task and rate limit settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/nghyane/llm-failover/internal/usage"
	"gopkg.in/yaml.v3"
)

// Provider types understood by the server.
const (
	ProviderTypeOpenAI = "openai"
	ProviderTypeMock   = "mock"
	ProviderTypeTask   = "task"
	ProviderTypeGenAI  = "genai"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	Port          int  `yaml:"port" json:"port"`
	Debug         bool `yaml:"debug" json:"debug"`
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
	// LogDir is where the rotating log file lives when LoggingToFile is set.
	LogDir string `yaml:"log-dir,omitempty" json:"log-dir,omitempty"`

	Router    RouterConfig      `yaml:"router" json:"router"`
	Providers []ProviderConfig  `yaml:"providers,omitempty" json:"providers,omitempty"`
	Tasks     TasksConfig       `yaml:"tasks" json:"tasks"`
	RateLimit map[string]Rule   `yaml:"rate-limits,omitempty" json:"rate-limits,omitempty"`
	Usage     UsagePersistence  `yaml:"usage-persistence" json:"usage-persistence"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// WebhookSecret, when set, must be presented by webhook callers.
	WebhookSecret string `yaml:"webhook-secret,omitempty" json:"-"`
}

// RouterConfig selects the failover policy.
type RouterConfig struct {
	Primary         string        `yaml:"primary" json:"primary"`
	Fallback        string        `yaml:"fallback" json:"fallback"`
	FallbackEnabled bool          `yaml:"fallback-enabled" json:"fallback-enabled"`
	RequestTimeout  time.Duration `yaml:"request-timeout" json:"request-timeout"`
	RetryBackoff    time.Duration `yaml:"retry-backoff" json:"retry-backoff"`
}

// ProviderConfig describes one backend.
type ProviderConfig struct {
	ID      string `yaml:"id" json:"id"`
	Type    string `yaml:"type" json:"type"`
	BaseURL string `yaml:"base-url,omitempty" json:"base-url,omitempty"`
	APIKey  string `yaml:"api-key,omitempty" json:"-"`
	// OAuth2 client credentials, used instead of APIKey when TokenURL is set.
	TokenURL     string   `yaml:"token-url,omitempty" json:"token-url,omitempty"`
	ClientID     string   `yaml:"client-id,omitempty" json:"client-id,omitempty"`
	ClientSecret string   `yaml:"client-secret,omitempty" json:"-"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	Model              string            `yaml:"model,omitempty" json:"model,omitempty"`
	ImageModel         string            `yaml:"image-model,omitempty" json:"image-model,omitempty"`
	SpeechModel        string            `yaml:"speech-model,omitempty" json:"speech-model,omitempty"`
	TranscriptionModel string            `yaml:"transcription-model,omitempty" json:"transcription-model,omitempty"`
	Voice              string            `yaml:"voice,omitempty" json:"voice,omitempty"`
	Timeout            time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ProxyURL           string            `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`
	Headers            map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// Agent enables the agent capability on mock providers.
	Agent bool `yaml:"agent,omitempty" json:"agent,omitempty"`
}

// TasksConfig tunes task queue reconciliation.
type TasksConfig struct {
	PollInterval time.Duration `yaml:"poll-interval" json:"poll-interval"`
	WaitTimeout  time.Duration `yaml:"wait-timeout" json:"wait-timeout"`
	// CacheTTL defaults to WaitTimeout plus five minutes.
	CacheTTL time.Duration `yaml:"cache-ttl" json:"cache-ttl"`
}

// Rule is the YAML form of a rate limit rule.
type Rule struct {
	MaxCalls int           `yaml:"max-calls" json:"max-calls"`
	Window   time.Duration `yaml:"window" json:"window"`
}

// UsagePersistence defines database persistence settings for call records.
type UsagePersistence struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// DSN is a SQLite file path or a postgres:// URL.
	DSN           string        `yaml:"dsn" json:"dsn"`
	BatchSize     int           `yaml:"batch-size" json:"batch-size"`
	FlushInterval time.Duration `yaml:"flush-interval" json:"flush-interval"`
	RetentionDays int           `yaml:"retention-days" json:"retention-days"`
}

const taskCacheGrace = 5 * time.Minute

// NewDefaultConfig creates a Config that runs against the built-in mock provider.
func NewDefaultConfig() *Config {
	return &Config{
		Port: 8318,
		Router: RouterConfig{
			Primary:        "mock",
			RequestTimeout: 60 * time.Second,
			RetryBackoff:   500 * time.Millisecond,
		},
		Providers: []ProviderConfig{{ID: "mock", Type: ProviderTypeMock, Agent: true}},
		Tasks: TasksConfig{
			PollInterval: time.Second,
			WaitTimeout:  2 * time.Minute,
		},
		Usage: UsagePersistence{
			DSN:           "~/.local/share/llm-failover/usage.db",
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			RetentionDays: 30,
		},
	}
}

// LoadConfig reads a YAML configuration file and applies environment overrides.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing or empty, it returns a default Config.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			cfg := NewDefaultConfig()
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if optional && len(strings.TrimSpace(string(data))) == 0 {
		cfg := NewDefaultConfig()
		cfg.normalize()
		return cfg, nil
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := NewDefaultConfig()
	// A file that lists providers replaces the default mock entry.
	cfg.Providers = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = NewDefaultConfig().Providers
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Router.Primary = strings.ToLower(strings.TrimSpace(c.Router.Primary))
	c.Router.Fallback = strings.ToLower(strings.TrimSpace(c.Router.Fallback))
	for i := range c.Providers {
		p := &c.Providers[i]
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		p.BaseURL = strings.TrimSpace(p.BaseURL)
		p.APIKey = strings.TrimSpace(p.APIKey)
		p.Headers = NormalizeHeaders(p.Headers)
	}
	c.Headers = NormalizeHeaders(c.Headers)
	if c.Tasks.CacheTTL <= 0 {
		c.Tasks.CacheTTL = c.Tasks.WaitTimeout + taskCacheGrace
	}
}

// Validate reports configuration errors that would make every call fail.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		switch p.Type {
		case ProviderTypeOpenAI, ProviderTypeTask:
			if p.BaseURL == "" {
				return fmt.Errorf("provider %q: base-url is required for type %s", p.ID, p.Type)
			}
		case ProviderTypeMock, ProviderTypeGenAI:
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
		}
	}
	for name := range c.RateLimit {
		if _, ok := provider.ParseModality(name); !ok {
			return fmt.Errorf("rate-limits: unknown modality %q", name)
		}
	}
	return nil
}

// ApplyEnv overrides router settings and provider keys from the environment.
// Malformed values are reported and leave the configured value in place.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	var errs []error
	if v := strings.TrimSpace(getenv("PRIMARY_PROVIDER")); v != "" {
		c.Router.Primary = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv("FALLBACK_PROVIDER")); v != "" {
		c.Router.Fallback = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv("FALLBACK_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FALLBACK_ENABLED: %w", err))
		} else {
			c.Router.FallbackEnabled = b
		}
	}
	if v := strings.TrimSpace(getenv("REQUEST_TIMEOUT")); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT: %w", err))
		} else {
			c.Router.RequestTimeout = d
		}
	}
	if v := strings.TrimSpace(getenv("RETRY_BACKOFF")); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RETRY_BACKOFF: %w", err))
		} else {
			c.Router.RetryBackoff = d
		}
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if key := strings.TrimSpace(getenv(envKey(p.ID) + "_API_KEY")); key != "" {
			p.APIKey = key
		}
	}
	return errors.Join(errs...)
}

// parseDuration accepts Go durations and bare integers as milliseconds.
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func envKey(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// RouterSettings converts the router section into provider.Settings. The
// provider registry is left untouched so reloads keep live adapters.
func (c *Config) RouterSettings() provider.Settings {
	s := provider.Settings{
		Primary:         provider.Ptr(c.Router.Primary),
		Fallback:        provider.Ptr(c.Router.Fallback),
		FallbackEnabled: provider.Ptr(c.Router.FallbackEnabled),
	}
	if c.Router.RequestTimeout > 0 {
		s.RequestTimeout = provider.Ptr(c.Router.RequestTimeout)
	}
	if c.Router.RetryBackoff >= 0 {
		s.RetryBackoff = provider.Ptr(c.Router.RetryBackoff)
	}
	return s
}

// RateRules converts the rate-limits section into limiter rules.
func (c *Config) RateRules() map[provider.Modality]usage.Rule {
	rules := make(map[provider.Modality]usage.Rule, len(c.RateLimit))
	for name, r := range c.RateLimit {
		m, ok := provider.ParseModality(name)
		if !ok {
			continue
		}
		rules[m] = usage.Rule{MaxCalls: r.MaxCalls, Window: r.Window}
	}
	return rules
}

// NormalizeHeaders trims header keys and values and removes empty pairs.
func NormalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	clean := make(map[string]string, len(headers))
	for k, v := range headers {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(v)
		if key == "" || val == "" {
			continue
		}
		clean[key] = val
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}
