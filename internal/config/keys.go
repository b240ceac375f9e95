package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SALESAGENT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SALESAGENT_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SALESAGENT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SALESAGENT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "SALESAGENT_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "dialog.max_history", typ: kInt, env: "SALESAGENT_DIALOG_MAX_HISTORY",
		apply:   func(cfg *Config, v any) { cfg.Dialog.MaxHistory = v.(int) },
		extract: func(cfg Config) any { return cfg.Dialog.MaxHistory },
	},
	{
		key: "catalog.path", typ: kString, env: "SALESAGENT_CATALOG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Catalog.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Catalog.Path },
	},
	{
		key: "catalog.embed_batch_size", typ: kInt, env: "SALESAGENT_CATALOG_EMBED_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Catalog.EmbedBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Catalog.EmbedBatchSize },
	},
	{
		key: "catalog.embed_parallelism", typ: kInt, env: "SALESAGENT_CATALOG_EMBED_PARALLELISM",
		apply:   func(cfg *Config, v any) { cfg.Catalog.EmbedParallelism = v.(int) },
		extract: func(cfg Config) any { return cfg.Catalog.EmbedParallelism },
	},
	{
		key: "catalog.watch", typ: kBool, env: "SALESAGENT_CATALOG_WATCH",
		apply:   func(cfg *Config, v any) { cfg.Catalog.Watch = v.(bool) },
		extract: func(cfg Config) any { return cfg.Catalog.Watch },
	},
	{
		key: "catalog.refresh_retry", typ: kDuration, env: "SALESAGENT_CATALOG_REFRESH_RETRY",
		apply:   func(cfg *Config, v any) { cfg.Catalog.RefreshRetry = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Catalog.RefreshRetry },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "SALESAGENT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "SALESAGENT_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "completion.provider", typ: kString, env: "SALESAGENT_COMPLETION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Completion.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Provider },
	},
	{
		key: "completion.model", typ: kString, env: "SALESAGENT_COMPLETION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Completion.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Model },
	},
	{
		key: "completion.api_key", typ: kString, env: "SALESAGENT_COMPLETION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Completion.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.APIKey },
	},
	{
		key: "completion.base_url", typ: kString, env: "SALESAGENT_COMPLETION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Completion.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.BaseURL },
	},
	{
		key: "completion.timeout", typ: kDuration, env: "SALESAGENT_COMPLETION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Completion.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Completion.Timeout },
	},
	{
		key: "completion.max_tokens", typ: kInt, env: "SALESAGENT_COMPLETION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Completion.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Completion.MaxTokens },
	},
	{
		key: "completion.temperature", typ: kFloat, env: "SALESAGENT_COMPLETION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Completion.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Completion.Temperature },
	},
	{
		key: "completion.max_retries", typ: kInt, env: "SALESAGENT_COMPLETION_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Completion.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Completion.MaxRetries },
	},
	{
		key: "embedding.provider", typ: kString, env: "SALESAGENT_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString, env: "SALESAGENT_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.api_key", typ: kString, env: "SALESAGENT_EMBEDDING_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.base_url", typ: kString, env: "SALESAGENT_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SALESAGENT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "channel.webhook_url", typ: kString, env: "SALESAGENT_CHANNEL_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Channel.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Channel.WebhookURL },
	},
	{
		key: "channel.token", typ: kString, env: "SALESAGENT_CHANNEL_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Channel.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Channel.Token },
	},
	{
		key: "channel.rate_per_second", typ: kFloat, env: "SALESAGENT_CHANNEL_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Channel.RatePerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Channel.RatePerSecond },
	},
	{
		key: "channel.burst", typ: kInt, env: "SALESAGENT_CHANNEL_BURST",
		apply:   func(cfg *Config, v any) { cfg.Channel.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Channel.Burst },
	},
	{
		key: "handoff.webhook_url", typ: kString, env: "SALESAGENT_HANDOFF_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Handoff.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Handoff.WebhookURL },
	},
	{
		key: "handoff.token", typ: kString, env: "SALESAGENT_HANDOFF_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Handoff.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Handoff.Token },
	},
	{
		key: "bot.system_prompt", typ: kString, env: "SALESAGENT_BOT_SYSTEM_PROMPT",
		apply:   func(cfg *Config, v any) { cfg.Bot.SystemPrompt = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.SystemPrompt },
	},
	{
		key: "bot.banned_words", typ: kString, env: "SALESAGENT_BOT_BANNED_WORDS",
		apply:   func(cfg *Config, v any) { cfg.Bot.BannedWords = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.BannedWords },
	},
	{
		key: "bot.handoff_marker", typ: kString, env: "SALESAGENT_BOT_HANDOFF_MARKER",
		apply:   func(cfg *Config, v any) { cfg.Bot.HandoffMarker = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.HandoffMarker },
	},
	{
		key: "bot.handoff_text", typ: kString, env: "SALESAGENT_BOT_HANDOFF_TEXT",
		apply:   func(cfg *Config, v any) { cfg.Bot.HandoffText = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.HandoffText },
	},
	{
		key: "bot.catalog_updating_text", typ: kString, env: "SALESAGENT_BOT_CATALOG_UPDATING_TEXT",
		apply:   func(cfg *Config, v any) { cfg.Bot.CatalogUpdatingText = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.CatalogUpdatingText },
	},
	{
		key: "bot.apology_text", typ: kString, env: "SALESAGENT_BOT_APOLOGY_TEXT",
		apply:   func(cfg *Config, v any) { cfg.Bot.ApologyText = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.ApologyText },
	},
	{
		key: "bot.reply_delay", typ: kDuration, env: "SALESAGENT_BOT_REPLY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Bot.ReplyDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Bot.ReplyDelay },
	},
	{
		key: "reminder.period", typ: kDuration, env: "SALESAGENT_REMINDER_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Reminder.Period = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reminder.Period },
	},
	{
		key: "reminder.first_delay", typ: kDuration, env: "SALESAGENT_REMINDER_FIRST_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Reminder.FirstDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reminder.FirstDelay },
	},
	{
		key: "reminder.second_delay", typ: kDuration, env: "SALESAGENT_REMINDER_SECOND_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Reminder.SecondDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reminder.SecondDelay },
	},
	{
		key: "reminder.first_text", typ: kString, env: "SALESAGENT_REMINDER_FIRST_TEXT",
		apply:   func(cfg *Config, v any) { cfg.Reminder.FirstText = v.(string) },
		extract: func(cfg Config) any { return cfg.Reminder.FirstText },
	},
	{
		key: "reminder.final_text", typ: kString, env: "SALESAGENT_REMINDER_FINAL_TEXT",
		apply:   func(cfg *Config, v any) { cfg.Reminder.FinalText = v.(string) },
		extract: func(cfg Config) any { return cfg.Reminder.FinalText },
	},
}

// parse converts raw text to the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok {
				continue
			}
			v, err := s.parse(raw)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", s.key, err)
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// format renders a value the way parse reads it back.
func (s keySpec) format(cfg Config) string {
	v := s.extract(cfg)
	if d, ok := v.(time.Duration); ok {
		return d.String()
	}
	return fmt.Sprintf("%v", v)
}
