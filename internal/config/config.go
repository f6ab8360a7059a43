package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/huluohu/chatgpt-slackbot/internal/chatgpt"
)

const (
	// DefaultTimeout bounds every backend request unless OPENAI_TIME_OUT overrides it.
	DefaultTimeout = 5 * time.Second

	DefaultSlashResetCommand = "/reset"
)

// DefaultProxyPool lists the reverse-proxy conversation endpoints for TOKEN
// mode, in rotation order. An OPENAI_REVERSE_PROXY endpoint, when set, is
// prepended ahead of these at startup.
var DefaultProxyPool = []string{
	"https://gpt.pawan.krd/backend-api/conversation",
	"https://server.chatgpt.yt/api/conversation",
	"https://chat.duti.tech/api/conversation",
}

// Config captures all runtime settings. Values come from the environment
// (optionally seeded from a .env file by the caller); there is no config file.
type Config struct {
	SlackBotToken      string
	SlackAppToken      string
	SlackSigningSecret string

	OpenAIAPIKey      string
	OpenAIAccessToken string

	Timeout     time.Duration
	DefaultMode chatgpt.Mode
	ProxyPool   []string
	ExtraProxy  string

	InternetEnabled bool
	GoogleSearchKey string
	GoogleSearchCX  string

	SlashResetCommand string
	Debug             bool
}

// EnvLookup resolves one environment variable, reporting presence.
type EnvLookup func(key string) (string, bool)

type loadOptions struct {
	envLookup EnvLookup
}

// Option customizes Load, primarily for tests.
type Option func(*loadOptions)

// WithEnv replaces the environment lookup used by Load.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.envLookup = lookup
		}
	}
}

// Load builds a Config from the environment, applying defaults first and
// validating that the credentials for the selected mode are present.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{envLookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}
	env := options.envLookup

	cfg := Config{
		Timeout:           DefaultTimeout,
		DefaultMode:       chatgpt.ModeToken,
		ProxyPool:         append([]string(nil), DefaultProxyPool...),
		SlashResetCommand: DefaultSlashResetCommand,
	}

	cfg.SlackBotToken = envString(env, "SLACK_BOT_TOKEN", "")
	cfg.SlackAppToken = envString(env, "SLACK_APP_TOKEN", "")
	cfg.SlackSigningSecret = envString(env, "SLACK_SIGNING_SECRET", "")
	cfg.OpenAIAPIKey = envString(env, "OPENAI_API_KEY", "")
	cfg.OpenAIAccessToken = envString(env, "OPENAI_ACCESS_TOKEN", "")
	cfg.ExtraProxy = envString(env, "OPENAI_REVERSE_PROXY", "")
	cfg.GoogleSearchKey = envString(env, "GOOGLE_SEARCH_KEY", "")
	cfg.GoogleSearchCX = envString(env, "GOOGLE_SEARCH_CX", "")
	cfg.InternetEnabled = envBool(env, "INTERNET", false)
	cfg.Debug = envBool(env, "DEBUG", false)

	if raw, ok := env("OPENAI_TIME_OUT"); ok {
		ms, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("invalid OPENAI_TIME_OUT %q", raw)
		}
		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}

	if raw, ok := env("TYPE"); ok {
		mode, err := chatgpt.ParseMode(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TYPE: %w", err)
		}
		cfg.DefaultMode = mode
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SlackBotToken == "" {
		return fmt.Errorf("SLACK_BOT_TOKEN is required")
	}
	if c.SlackAppToken == "" {
		return fmt.Errorf("SLACK_APP_TOKEN is required for socket mode")
	}
	if !strings.HasPrefix(c.SlackAppToken, "xapp-") {
		return fmt.Errorf("SLACK_APP_TOKEN must start with xapp-")
	}
	switch c.DefaultMode {
	case chatgpt.ModeKey:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required in KEY mode")
		}
	case chatgpt.ModeToken:
		if c.OpenAIAccessToken == "" {
			return fmt.Errorf("OPENAI_ACCESS_TOKEN is required in TOKEN mode")
		}
	}
	return nil
}

// SearchConfigured reports whether the web-search credentials are present.
func (c Config) SearchConfigured() bool {
	return c.GoogleSearchKey != "" && c.GoogleSearchCX != ""
}

func envString(env EnvLookup, key, fallback string) string {
	if raw, ok := env(key); ok {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(env EnvLookup, key string, fallback bool) bool {
	raw, ok := env(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off", "":
		return false
	default:
		return fallback
	}
}
