package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Slack (optional — agent starts without Slack in mgmt-only mode)
	SlackBotToken string `envconfig:"AGENT_SLACK_BOT_TOKEN"`
	SlackAppToken string `envconfig:"AGENT_SLACK_APP_TOKEN"` // xapp- token for Socket Mode

	// Language model (optional — proactive sends disabled without it)
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	LLMModel        string `envconfig:"LLM_MODEL"`

	// Persona
	PersonaFile string `envconfig:"PERSONA_FILE"`
	PersonaName string `envconfig:"PERSONA_NAME"`

	// State persistence
	StateFile         string        `envconfig:"STATE_FILE" default:"engage_state.json"`
	StateSaveInterval time.Duration `envconfig:"STATE_SAVE_INTERVAL" default:"5m"`

	// Inactivity nudges
	TickInterval         time.Duration `envconfig:"TICK_INTERVAL" default:"30s"`
	InactiveThreshold    time.Duration `envconfig:"INACTIVE_THRESHOLD" default:"2h"`
	MaxResponseDelay     time.Duration `envconfig:"MAX_RESPONSE_DELAY" default:"1h"`
	MaxConsecutiveNudges int           `envconfig:"MAX_CONSECUTIVE_NUDGES" default:"3"`

	// Active hours (local wall clock)
	ActiveHoursEnabled bool `envconfig:"ACTIVE_HOURS_ENABLED" default:"true"`
	ActiveStartHour    int  `envconfig:"ACTIVE_START_HOUR" default:"8"`
	ActiveEndHour      int  `envconfig:"ACTIVE_END_HOUR" default:"23"`

	// Whitelist
	WhitelistEnabled bool   `envconfig:"WHITELIST_ENABLED" default:"false"`
	WhitelistUserIDs string `envconfig:"WHITELIST_USER_IDS"` // comma-separated

	// Daily greetings
	GreetingsEnabled bool          `envconfig:"GREETINGS_ENABLED" default:"true"`
	MorningHour      int           `envconfig:"MORNING_HOUR" default:"8"`
	MorningMinute    int           `envconfig:"MORNING_MINUTE" default:"30"`
	NightHour        int           `envconfig:"NIGHT_HOUR" default:"22"`
	NightMinute      int           `envconfig:"NIGHT_MINUTE" default:"30"`
	SelectionRatio   float64       `envconfig:"SELECTION_RATIO" default:"0.4"`
	MinSelectedUsers int           `envconfig:"MIN_SELECTED_USERS" default:"1"`
	GreetingCatchUp  time.Duration `envconfig:"GREETING_CATCH_UP" default:"2h"`

	// Daily-life shares
	SharingEnabled     bool          `envconfig:"SHARING_ENABLED" default:"true"`
	SharingMinInterval time.Duration `envconfig:"SHARING_MIN_INTERVAL" default:"180m"`
	SharingProbability float64       `envconfig:"SHARING_PROBABILITY" default:"0.01"`

	// Persona day plan
	DayPlanEnabled bool `envconfig:"DAYPLAN_ENABLED" default:"true"`
	DayPlanHour    int  `envconfig:"DAYPLAN_HOUR" default:"0"`
	DayPlanMinute  int  `envconfig:"DAYPLAN_MINUTE" default:"5"`

	// Weather context (Seniverse)
	WeatherEnabled  bool   `envconfig:"WEATHER_ENABLED" default:"false"`
	WeatherAPIKey   string `envconfig:"WEATHER_API_KEY"`
	WeatherLocation string `envconfig:"WEATHER_LOCATION" default:"beijing"`

	// Management API
	MgmtListenAddr string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode   string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey     string `envconfig:"MGMT_API_KEY"`
}

// SlackEnabled returns true if Slack tokens are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// LLMEnabled returns true if a language model credential is configured.
func (c *Config) LLMEnabled() bool {
	return c.AnthropicAPIKey != ""
}

// WeatherConfigured returns true if the weather context can be fetched.
func (c *Config) WeatherConfigured() bool {
	return c.WeatherEnabled && c.WeatherAPIKey != ""
}

// WhitelistIDs returns the parsed whitelist user IDs.
func (c *Config) WhitelistIDs() []string {
	if c.WhitelistUserIDs == "" {
		return nil
	}
	parts := strings.Split(c.WhitelistUserIDs, ",")
	ids := make([]string, 0, len(parts))
	for _, id := range parts {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
