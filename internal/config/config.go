package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration of the companion server.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Persona  PersonaConfig  `mapstructure:"persona"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// OpenAIConfig holds the provider settings.  APIKey is the server credential;
// when empty each patient supplies their own.
type OpenAIConfig struct {
	APIKey             string `mapstructure:"api_key"`
	BaseURL            string `mapstructure:"base_url"`
	ChatModel          string `mapstructure:"chat_model"`
	TranscriptionModel string `mapstructure:"transcription_model"`
	SpeechModel        string `mapstructure:"speech_model"`
	Voice              string `mapstructure:"voice"`
}

type ChatConfig struct {
	HistoryWindow int `mapstructure:"history_window"`
}

type PersonaConfig struct {
	Default string `mapstructure:"default"`
	File    string `mapstructure:"file"` // optional TOML merged over the built-in variants
}

type AudioConfig struct {
	PCMSampleRate int `mapstructure:"pcm_sample_rate"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // memory, postgres or sqlite
	URL    string `mapstructure:"url"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Secret        string        `mapstructure:"secret"`
}

// EnvPrefix is prepended to every environment override, e.g.
// IVF_CHAT_HISTORY_WINDOW for chat.history_window.
const EnvPrefix = "IVF"

// Load reads configuration from configPath (or config.yaml in the working
// directory), a .env file if present, and environment variables.
func Load(configPath string) (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// unprefixed names kept for existing deployments
	for key, env := range map[string]string{
		"openai.api_key": "OPENAI_API_KEY",
		"database.url":   "DATABASE_URL",
		"server.port":    "PORT",
	} {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.chat_model", "gpt-4o")
	v.SetDefault("openai.transcription_model", "whisper-1")
	v.SetDefault("openai.speech_model", "tts-1")
	v.SetDefault("openai.voice", "shimmer")

	v.SetDefault("chat.history_window", 5)

	v.SetDefault("persona.default", "big-sister")
	v.SetDefault("persona.file", "")

	v.SetDefault("audio.pcm_sample_rate", 16000)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.url", "")

	v.SetDefault("session.idle_timeout", "2h")
	v.SetDefault("session.sweep_interval", "5m")
	v.SetDefault("session.secret", "")
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Chat.HistoryWindow < 0 {
		return fmt.Errorf("chat.history_window must not be negative: %d", c.Chat.HistoryWindow)
	}
	if c.Audio.PCMSampleRate <= 0 {
		return fmt.Errorf("audio.pcm_sample_rate must be positive: %d", c.Audio.PCMSampleRate)
	}
	switch c.Database.Driver {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required for driver %q", c.Database.Driver)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
