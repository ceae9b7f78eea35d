package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/askrelay.ini"
	envPrefix        = "ASKRELAY_"
)

// DefaultSystemPrompt is the instruction sent ahead of every question.
const DefaultSystemPrompt = "You are a helpful legal assistant who excels at drafting and reviewing contracts."

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the daemon and the CLI.
type Config struct {
	Environment string

	HTTPAddress   string
	AllowedOrigin string
	TLSCertFile   string
	TLSKeyFile    string

	// Provider selects the upstream adapter: openai or loopback.
	Provider       string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIOrg      string
	Model          string
	SystemPrompt   string
	PromptsFile    string
	PromptProfile  string
	RequestTimeout time.Duration

	PollInterval    time.Duration
	PingInterval    time.Duration
	StreamTimeout   time.Duration
	SessionTTL      time.Duration
	UpstreamRetries int

	RateLimitRPS   float64
	RateLimitBurst int

	// LedgerPath is a SQLite file or a postgres:// DSN. "-" disables the ledger.
	LedgerPath string
	LogFile    string
	LogLevel   string

	// Client side.
	ServerURL      string
	BatchThreshold int
	MaxReconnects  int
}

// envOverrides holds ASKRELAY_* variables. Empty values leave the INI
// setting in place.
type envOverrides struct {
	HTTPAddress     string `env:"HTTP_ADDRESS"`
	AllowedOrigin   string `env:"ALLOWED_ORIGIN"`
	TLSCertFile     string `env:"TLS_CERT_FILE"`
	TLSKeyFile      string `env:"TLS_KEY_FILE"`
	Provider        string `env:"PROVIDER"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	OpenAIOrg       string `env:"OPENAI_ORG"`
	Model           string `env:"MODEL"`
	SystemPrompt    string `env:"SYSTEM_PROMPT"`
	PromptsFile     string `env:"PROMPTS_FILE"`
	PromptProfile   string `env:"PROMPT_PROFILE"`
	RequestTimeout  string `env:"REQUEST_TIMEOUT"`
	PollInterval    string `env:"POLL_INTERVAL"`
	PingInterval    string `env:"PING_INTERVAL"`
	StreamTimeout   string `env:"STREAM_TIMEOUT"`
	SessionTTL      string `env:"SESSION_TTL"`
	UpstreamRetries string `env:"UPSTREAM_RETRIES"`
	RateLimitRPS    string `env:"RATE_LIMIT_RPS"`
	RateLimitBurst  string `env:"RATE_LIMIT_BURST"`
	LedgerPath      string `env:"LEDGER_PATH"`
	LogFile         string `env:"LOG_FILE"`
	LogLevel        string `env:"LOG_LEVEL"`
	ServerURL       string `env:"SERVER_URL"`
	BatchThreshold  string `env:"BATCH_THRESHOLD"`
	MaxReconnects   string `env:"MAX_RECONNECTS"`
}

func (o envOverrides) apply(values map[string]string) {
	set := func(key, v string) {
		if strings.TrimSpace(v) != "" {
			values[key] = v
		}
	}
	set("http_address", o.HTTPAddress)
	set("allowed_origin", o.AllowedOrigin)
	set("tls_cert_file", o.TLSCertFile)
	set("tls_key_file", o.TLSKeyFile)
	set("provider", o.Provider)
	set("openai_api_key", o.OpenAIAPIKey)
	set("openai_base_url", o.OpenAIBaseURL)
	set("openai_org", o.OpenAIOrg)
	set("model", o.Model)
	set("system_prompt", o.SystemPrompt)
	set("prompts_file", o.PromptsFile)
	set("prompt_profile", o.PromptProfile)
	set("request_timeout", o.RequestTimeout)
	set("poll_interval", o.PollInterval)
	set("ping_interval", o.PingInterval)
	set("stream_timeout", o.StreamTimeout)
	set("session_ttl", o.SessionTTL)
	set("upstream_retries", o.UpstreamRetries)
	set("rate_limit_rps", o.RateLimitRPS)
	set("rate_limit_burst", o.RateLimitBurst)
	set("ledger_path", o.LedgerPath)
	set("log_file", o.LogFile)
	set("log_level", o.LogLevel)
	set("server_url", o.ServerURL)
	set("batch_threshold", o.BatchThreshold)
	set("max_reconnects", o.MaxReconnects)
}

// providerEnv reads the provider's conventional variable.
type providerEnv struct {
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
}

// Load reads the current environment and loads the matching askrelay.ini,
// then applies environment variable overrides.
func Load(root string) (Config, error) {
	return load(root, nil)
}

// load takes the environment as a map so tests need not touch the process
// environment. A nil map reads os.Environ.
func load(root string, environ map[string]string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	// OPENAI_API_KEY sits below ASKRELAY_OPENAI_API_KEY but above the files.
	var pe providerEnv
	if err := env.ParseWithOptions(&pe, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if strings.TrimSpace(pe.OpenAIAPIKey) != "" {
		merged["openai_api_key"] = pe.OpenAIAPIKey
	}
	var overrides envOverrides
	if err := env.ParseWithOptions(&overrides, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	overrides.apply(merged)

	cfg := Config{
		Environment:   s.Environment,
		HTTPAddress:   firstNonEmpty(merged["http_address"], ":9000"),
		AllowedOrigin: firstNonEmpty(merged["allowed_origin"], "https://localhost:3000"),
		TLSCertFile:   merged["tls_cert_file"],
		TLSKeyFile:    merged["tls_key_file"],
		Provider:      strings.ToLower(firstNonEmpty(merged["provider"], "openai")),
		OpenAIAPIKey:  strings.TrimSpace(merged["openai_api_key"]),
		OpenAIBaseURL: merged["openai_base_url"],
		OpenAIOrg:     merged["openai_org"],
		Model:         firstNonEmpty(merged["model"], "gpt-3.5-turbo-0613"),
		SystemPrompt:  firstNonEmpty(merged["system_prompt"], DefaultSystemPrompt),
		PromptsFile:   merged["prompts_file"],
		PromptProfile: merged["prompt_profile"],
		LedgerPath:    firstNonEmpty(merged["ledger_path"], DefaultLedgerPath()),
		LogFile:       merged["log_file"],
		LogLevel:      strings.ToLower(firstNonEmpty(merged["log_level"], "info")),
		ServerURL:     strings.TrimRight(firstNonEmpty(merged["server_url"], "http://localhost:9000"), "/"),
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"request_timeout", &cfg.RequestTimeout, 60 * time.Second},
		{"poll_interval", &cfg.PollInterval, 2 * time.Second},
		{"ping_interval", &cfg.PingInterval, 15 * time.Second},
		{"stream_timeout", &cfg.StreamTimeout, 0},
		{"session_ttl", &cfg.SessionTTL, 10 * time.Minute},
	}
	for _, d := range durations {
		v, err := parseOptionalDuration(merged[d.key], d.fallback)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", d.key, merged[d.key], err)
		}
		*d.dst = v
	}

	ints := []struct {
		key      string
		dst      *int
		fallback int
	}{
		{"upstream_retries", &cfg.UpstreamRetries, 2},
		{"rate_limit_burst", &cfg.RateLimitBurst, 10},
		{"batch_threshold", &cfg.BatchThreshold, 100},
		{"max_reconnects", &cfg.MaxReconnects, 5},
	}
	for _, n := range ints {
		v, err := parseOptionalInt(merged[n.key], n.fallback)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", n.key, merged[n.key], err)
		}
		*n.dst = v
	}

	cfg.RateLimitRPS = 5
	if v := strings.TrimSpace(merged["rate_limit_rps"]); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid rate_limit_rps %q: %w", v, err)
		}
		cfg.RateLimitRPS = parsed
	}

	if cfg.PromptsFile != "" {
		prompts, err := LoadPrompts(cfg.PromptsFile)
		if err != nil {
			return Config{}, err
		}
		profile, err := prompts.Resolve(cfg.PromptProfile)
		if err != nil {
			return Config{}, err
		}
		if profile.System != "" {
			cfg.SystemPrompt = profile.System
		}
		if profile.Model != "" {
			cfg.Model = profile.Model
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. A missing API key is not an error here; it
// is reported per request so the daemon can still serve other routes.
func (c Config) Validate() error {
	switch c.Provider {
	case "openai", "loopback":
	default:
		return fmt.Errorf("unknown provider %q (want openai or loopback)", c.Provider)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	for name, d := range map[string]time.Duration{
		"request_timeout": c.RequestTimeout,
		"ping_interval":   c.PingInterval,
		"stream_timeout":  c.StreamTimeout,
		"session_ttl":     c.SessionTTL,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.UpstreamRetries < 0 || c.MaxReconnects < 0 || c.RateLimitBurst < 0 || c.RateLimitRPS < 0 {
		return errors.New("retry, reconnect and rate limit settings must not be negative")
	}
	if c.BatchThreshold <= 0 {
		return errors.New("batch_threshold must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// TLSEnabled reports whether both certificate files are configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// LedgerEnabled reports whether usage should be recorded.
func (c Config) LedgerEnabled() bool {
	return strings.TrimSpace(c.LedgerPath) != "-"
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	if v == "0" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

func parseOptionalInt(v string, fallback int) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "askrelay-ledger.db"
	}
	return filepath.Join(home, ".askrelay", "ledger.db")
}
