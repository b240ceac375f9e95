package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/salesagent/internal/api"
	"github.com/kalambet/salesagent/internal/catalog"
	"github.com/kalambet/salesagent/internal/channel"
	"github.com/kalambet/salesagent/internal/composer"
	"github.com/kalambet/salesagent/internal/config"
	"github.com/kalambet/salesagent/internal/delivery"
	"github.com/kalambet/salesagent/internal/llm"
	"github.com/kalambet/salesagent/internal/ollama"
	"github.com/kalambet/salesagent/internal/orchestrator"
	"github.com/kalambet/salesagent/internal/reminder"
	"github.com/kalambet/salesagent/internal/retrieval"
	"github.com/kalambet/salesagent/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent: event intake, reply delivery and reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve catalog search and dialog inspection over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func completionBackend(cfg config.Config) llm.BackendConfig {
	base := cfg.Completion.BaseURL
	if base == "" && cfg.Completion.Provider == llm.ProviderOllama {
		base = cfg.Ollama.BaseURL
	}
	return llm.BackendConfig{
		Provider:   cfg.Completion.Provider,
		Model:      cfg.Completion.Model,
		APIKey:     cfg.Completion.APIKey,
		BaseURL:    base,
		MaxRetries: cfg.Completion.MaxRetries,
	}
}

func embeddingBackend(cfg config.Config) llm.BackendConfig {
	base := cfg.Embedding.BaseURL
	if base == "" && cfg.Embedding.Provider == llm.ProviderOllama {
		base = cfg.Ollama.BaseURL
	}
	return llm.BackendConfig{
		Provider:   cfg.Embedding.Provider,
		EmbedModel: cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    base,
		MaxRetries: cfg.Completion.MaxRetries,
	}
}

// ensureOllama pulls the local models the configuration relies on.
func ensureOllama(ctx context.Context, cfg config.Config, withCompletion bool) error {
	var models []string
	if withCompletion && cfg.Completion.Provider == llm.ProviderOllama {
		models = append(models, cfg.Completion.Model)
	}
	if cfg.Embedding.Provider == llm.ProviderOllama {
		models = append(models, cfg.Embedding.Model)
	}
	if len(models) == 0 {
		return nil
	}
	return ollama.EnsureReady(ctx, ollama.New(cfg.Ollama.BaseURL), os.Stderr, models...)
}

// catalogStack is what both serve and mcp need to search the catalog.
type catalogStack struct {
	store     *storage.Store
	source    *catalog.CSVSource
	index     *catalog.Index
	retriever *retrieval.Retriever
}

func openCatalogStack(ctx context.Context, cfg config.Config) (*catalogStack, error) {
	store, err := storage.Open(cfg.Storage.DataDir, storage.WithMaxHistory(cfg.Dialog.MaxHistory))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	embedder, err := llm.NewEmbedder(embeddingBackend(cfg))
	if err != nil {
		store.Close()
		return nil, err
	}

	source := catalog.NewCSVSource(cfg.Catalog.Path)
	index := catalog.NewIndex(source, embedder, store,
		catalog.WithBatchSize(cfg.Catalog.EmbedBatchSize),
		catalog.WithParallelism(cfg.Catalog.EmbedParallelism),
		catalog.WithLogger(slog.Default().With("component", "catalog")),
	)
	if err := index.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	return &catalogStack{
		store:     store,
		source:    source,
		index:     index,
		retriever: retrieval.NewRetriever(embedder, index),
	}, nil
}

func (c *catalogStack) Close() {
	if err := c.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// outbound picks the webhook when configured and logs traffic otherwise.
func outbound(cfg config.Config) (channel.Channel, channel.Handoff) {
	var ch channel.Channel = channel.Log{Logger: slog.Default().With("component", "channel")}
	var handoff channel.Handoff = channel.Log{Logger: slog.Default().With("component", "handoff")}

	if cfg.Channel.WebhookURL != "" {
		wh := channel.NewWebhook(channel.WebhookOptions{
			URL:           cfg.Channel.WebhookURL,
			Token:         cfg.Channel.Token,
			RatePerSecond: cfg.Channel.RatePerSecond,
			Burst:         cfg.Channel.Burst,
		})
		ch, handoff = wh, wh
	} else {
		printWarning("channel.webhook_url is not set; replies are only logged")
	}

	if cfg.Handoff.WebhookURL != "" {
		handoff = channel.NewWebhook(channel.WebhookOptions{
			URL:   cfg.Handoff.WebhookURL,
			Token: cfg.Handoff.Token,
		})
	}
	return ch, handoff
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "salesagent version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureOllama(ctx, cfg, true); err != nil {
		return err
	}

	completer, err := llm.NewCompleter(completionBackend(cfg))
	if err != nil {
		return err
	}

	cat, err := openCatalogStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	ch, handoff := outbound(cfg)

	comp := composer.New(cfg.Retrieval.MaxContextTokens)
	comp.MaxTokens = cfg.Completion.MaxTokens
	comp.Temperature = cfg.Completion.Temperature

	orch := orchestrator.New(orchestrator.Deps{
		Store:     cat.store,
		Catalog:   cat.index,
		Source:    cat.source,
		Retriever: cat.retriever,
		Composer:  comp,
		Completer: completer,
		Channel:   ch,
		Handoff:   handoff,
		Replies:   delivery.NewQueue(cat.store),
		Logger:    slog.Default().With("component", "orchestrator"),
	}, orchestrator.Settings{
		SystemPrompt:        cfg.Bot.SystemPrompt,
		BannedWords:         orchestrator.ParseBannedWords(cfg.Bot.BannedWords),
		HandoffMarker:       cfg.Bot.HandoffMarker,
		HandoffText:         cfg.Bot.HandoffText,
		CatalogUpdatingText: cfg.Bot.CatalogUpdatingText,
		ApologyText:         cfg.Bot.ApologyText,
		ReplyDelay:          cfg.Bot.ReplyDelay,
		CompletionTimeout:   cfg.Completion.Timeout,
		RefreshRetry:        cfg.Catalog.RefreshRetry,
		RetrievalK:          cfg.Retrieval.TopK,
	})

	// Build the index before taking traffic. On failure the last good
	// snapshot serves and the first turn retries.
	printStep("Checking catalog %s", cfg.Catalog.Path)
	if token, err := cat.source.Token(ctx); err != nil {
		printWarning("catalog source unavailable: %v", err)
	} else if freshness, err := cat.index.EnsureFresh(ctx, token); err != nil {
		printWarning("catalog index not refreshed: %v", err)
	} else {
		orch.ObserveToken(token)
		st := cat.index.Status()
		printSuccess("Catalog %s: %d entries", freshness, st.Entries)
	}

	if cfg.Catalog.Watch {
		go func() {
			// Rebuild ahead of the next turn so it only has to notice the change.
			err := cat.source.Watch(ctx, func(token string) {
				if _, err := cat.index.EnsureFresh(ctx, token); err != nil {
					slog.Warn("catalog pre-build failed", "token", token, "error", err)
				}
			})
			if err != nil {
				slog.Error("catalog watcher stopped", "error", err)
			}
		}()
	}

	if n, err := cat.store.RequeueRunningJobs(ctx); err != nil {
		return fmt.Errorf("requeueing interrupted replies: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted replies", "count", n)
	}
	go delivery.NewWorker(cat.store, ch, 0).Run(ctx)
	go reminder.NewScheduler(cat.store, ch, reminder.Settings{
		Period:      cfg.Reminder.Period,
		FirstDelay:  cfg.Reminder.FirstDelay,
		SecondDelay: cfg.Reminder.SecondDelay,
		FirstText:   cfg.Reminder.FirstText,
		FinalText:   cfg.Reminder.FinalText,
	}).Run(ctx)

	if cfg.Server.APIToken == "" {
		printWarning("SALESAGENT_API_TOKEN is not set; the API accepts unauthenticated requests")
	}
	handler := api.NewServer(api.Deps{
		Dialogs: cat.store,
		Catalog: cat.index,
		Source:  cat.source,
		Search:  cat.retriever,
		Turns:   orch,
		Token:   cfg.Server.APIToken,
		Logger:  slog.Default().With("component", "api"),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "salesagent listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		handler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timed out with turns still running")
	}
	return nil
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr.
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureOllama(ctx, cfg, false); err != nil {
		return err
	}

	cat, err := openCatalogStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	mcpSrv := api.NewMCPServer(api.Deps{
		Dialogs: cat.store,
		Catalog: cat.index,
		Search:  cat.retriever,
	}, version)

	slog.Info("MCP server started (stdio transport)")
	stdio := server.NewStdioServer(mcpSrv)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
