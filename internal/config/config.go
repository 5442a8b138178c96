// Package config handles Secretaria configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/secretaria/config.yaml, /etc/secretaria/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "secretaria", "config.yaml"))
	}

	paths = append(paths, "/etc/secretaria/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Secretaria configuration.
type Config struct {
	Listen       ListenConfig   `yaml:"listen"`
	DatabasePath string         `yaml:"database_path"`
	OpenAI       OpenAIConfig   `yaml:"openai"`
	Twilio       TwilioConfig   `yaml:"twilio"`
	Calendar     CalendarConfig `yaml:"calendar"`
	Search       SearchConfig   `yaml:"search"`
	Agent        AgentConfig    `yaml:"agent"`
	PersonaFile  string         `yaml:"persona_file"`
	Timezone     string         `yaml:"timezone"`
	LogLevel     string         `yaml:"log_level"`
}

// ListenConfig defines the webhook server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OpenAIConfig defines the OpenAI API settings used for chat completions
// and audio transcription.
type OpenAIConfig struct {
	APIKey             string `yaml:"api_key"`
	Model              string `yaml:"model"`
	TranscriptionModel string `yaml:"transcription_model"`
	BaseURL            string `yaml:"base_url"` // override for compatible gateways
}

// TwilioConfig defines the Twilio messaging settings.
type TwilioConfig struct {
	AccountSID  string `yaml:"account_sid"`
	AuthToken   string `yaml:"auth_token"`
	WebhookPath string `yaml:"webhook_path"` // default: /webhook/twilio
}

// CalendarConfig defines the Google Calendar tool settings.
type CalendarConfig struct {
	CredentialsFile   string   `yaml:"credentials_file"`
	TokenFile         string   `yaml:"token_file"`
	DefaultCalendarID string   `yaml:"default_calendar_id"`
	Scopes            []string `yaml:"scopes"`
}

// SearchConfig defines web search provider settings.
type SearchConfig struct {
	Primary string `yaml:"primary"` // "tavily" or "brave"
	Tavily  struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"tavily"`
	Brave struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"brave"`
}

// AgentConfig defines agent loop limits.
type AgentConfig struct {
	// MaxToolRounds bounds tool-call chaining within one turn.
	// A hard constant once loaded; the model cannot override it.
	MaxToolRounds int `yaml:"max_tool_rounds"`
	// LLMRetries is the number of retries after a failed model call.
	LLMRetries int `yaml:"llm_retries"`
	// ToolTimeoutSec bounds a single tool invocation.
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
	// TurnTimeoutSec bounds a whole turn end to end.
	TurnTimeoutSec int `yaml:"turn_timeout_sec"`
	// RateLimit is messages per sender per minute; 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:       ListenConfig{Port: 8080},
		DatabasePath: "secretaria.db",
		OpenAI: OpenAIConfig{
			Model:              "gpt-4o-mini",
			TranscriptionModel: "whisper-1",
		},
		Twilio: TwilioConfig{
			WebhookPath: "/webhook/twilio",
		},
		Calendar: CalendarConfig{
			CredentialsFile:   "credentials.json",
			TokenFile:         "token.json",
			DefaultCalendarID: "primary",
			Scopes:            []string{"https://www.googleapis.com/auth/calendar.events"},
		},
		Search: SearchConfig{Primary: "tavily"},
		Agent: AgentConfig{
			MaxToolRounds:  5,
			LLMRetries:     2,
			ToolTimeoutSec: 30,
			TurnTimeoutSec: 300,
		},
		Timezone: "America/Argentina/Buenos_Aires",
	}
}
