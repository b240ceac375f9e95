package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Dialog     DialogConfig
	Catalog    CatalogConfig
	Retrieval  RetrievalConfig
	Completion CompletionConfig
	Embedding  EmbeddingConfig
	Ollama     OllamaConfig
	Channel    ChannelConfig
	Handoff    HandoffConfig
	Bot        BotConfig
	Reminder   ReminderConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type DialogConfig struct {
	MaxHistory int
}

type CatalogConfig struct {
	Path             string
	EmbedBatchSize   int
	EmbedParallelism int
	Watch            bool
	RefreshRetry     time.Duration
}

type RetrievalConfig struct {
	TopK             int
	MaxContextTokens int
}

type CompletionConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	MaxRetries  int
}

type EmbeddingConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

type OllamaConfig struct {
	BaseURL string
}

type ChannelConfig struct {
	WebhookURL    string
	Token         string
	RatePerSecond float64
	Burst         int
}

type HandoffConfig struct {
	WebhookURL string
	Token      string
}

type BotConfig struct {
	SystemPrompt        string
	BannedWords         string
	HandoffMarker       string
	HandoffText         string
	CatalogUpdatingText string
	ApologyText         string
	ReplyDelay          time.Duration
}

type ReminderConfig struct {
	Period      time.Duration
	FirstDelay  time.Duration
	SecondDelay time.Duration
	FirstText   string
	FinalText   string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Dialog: DialogConfig{
			MaxHistory: 10,
		},
		Catalog: CatalogConfig{
			EmbedBatchSize:   100,
			EmbedParallelism: 2,
			Watch:            true,
			RefreshRetry:     time.Minute,
		},
		Retrieval: RetrievalConfig{
			TopK:             5,
			MaxContextTokens: 4000,
		},
		Completion: CompletionConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Timeout:     60 * time.Second,
			MaxTokens:   400,
			Temperature: 0.3,
			MaxRetries:  2,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Channel: ChannelConfig{
			RatePerSecond: 20,
			Burst:         5,
		},
		Bot: BotConfig{
			SystemPrompt: "You are a friendly sales consultant. Answer briefly using only the products listed below. " +
				"If the customer wants to buy or asks for a person, reply with the word bitrix.",
			HandoffMarker:       "bitrix",
			HandoffText:         "Great, I understand! A manager will join shortly and continue the consultation.",
			CatalogUpdatingText: "We are updating our product catalog right now. The first available manager will answer you!",
			ApologyText:         "The service is temporarily unavailable. Please try again later.",
			ReplyDelay:          30 * time.Second,
		},
		Reminder: ReminderConfig{
			Period:      10 * time.Second,
			FirstDelay:  2 * time.Hour,
			SecondDelay: 24 * time.Hour,
			FirstText:   "Are you still choosing? I am happy to help with any question.",
			FinalText:   "We are here whenever you need us. Just write to this chat.",
		},
	}
}

// Load reads configuration from the YAML file, then applies SALESAGENT_*
// environment variables, and validates the result.
//
// The file is $SALESAGENT_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/salesagent/config.yaml. A missing file is not an error.
// Secrets (API keys, tokens) are read from the environment only.
func Load() (Config, error) {
	cfg, err := Read()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without validation, for displaying what is configured.
func Read() (Config, error) {
	b, err := newFileBackend(configFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// One key serves both when the same hosted provider does both jobs.
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == cfg.Completion.Provider {
		cfg.Embedding.APIKey = cfg.Completion.APIKey
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Dialog.MaxHistory < 1 {
		errs = append(errs, fmt.Errorf("dialog.max_history must be at least 1"))
	}
	if c.Catalog.Path == "" {
		errs = append(errs, fmt.Errorf("missing required config: catalog.path (env SALESAGENT_CATALOG_PATH)"))
	}
	if c.Catalog.EmbedBatchSize < 1 {
		errs = append(errs, fmt.Errorf("catalog.embed_batch_size must be at least 1"))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be at least 1"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	switch c.Completion.Provider {
	case "openai", "anthropic":
		if c.Completion.APIKey == "" {
			errs = append(errs, fmt.Errorf("missing required config: completion API key. Set it via environment variable SALESAGENT_COMPLETION_API_KEY"))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("completion.provider %q must be openai, anthropic or ollama", c.Completion.Provider))
	}
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			errs = append(errs, fmt.Errorf("missing required config: embedding API key. Set it via environment variable SALESAGENT_EMBEDDING_API_KEY"))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q must be openai or ollama", c.Embedding.Provider))
	}

	if c.Completion.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("completion.timeout must be positive"))
	}
	if c.Bot.ReplyDelay < 0 {
		errs = append(errs, fmt.Errorf("bot.reply_delay must not be negative"))
	}
	if c.Reminder.Period <= 0 {
		errs = append(errs, fmt.Errorf("reminder.period must be positive"))
	}
	if c.Reminder.SecondDelay < c.Reminder.FirstDelay {
		errs = append(errs, fmt.Errorf("reminder.second_delay (%s) must not be shorter than reminder.first_delay (%s)",
			c.Reminder.SecondDelay, c.Reminder.FirstDelay))
	}

	return errors.Join(errs...)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "salesagent-data"
		}
	}
	return filepath.Join(dir, "salesagent")
}

func configFilePath() string {
	if p := strings.TrimSpace(os.Getenv("SALESAGENT_CONFIG")); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "salesagent", "config.yaml")
}
