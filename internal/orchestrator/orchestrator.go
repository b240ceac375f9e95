// Package orchestrator decides what happens to each inbound customer
// message: drop it, answer it from the catalog, or hand the dialog to a
// human operator.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/salesagent/internal/catalog"
	"github.com/kalambet/salesagent/internal/channel"
	"github.com/kalambet/salesagent/internal/composer"
	"github.com/kalambet/salesagent/internal/llm"
	"github.com/kalambet/salesagent/internal/storage"
)

// Outcome is the terminal state of one turn.
type Outcome int

const (
	Dropped Outcome = iota
	Replied
	Escalated
)

func (o Outcome) String() string {
	switch o {
	case Replied:
		return "replied"
	case Escalated:
		return "escalated"
	default:
		return "dropped"
	}
}

// Store is the slice of the dialog store a turn touches.
type Store interface {
	IsBlacklisted(ctx context.Context, key storage.DialogKey) (bool, error)
	Blacklist(ctx context.Context, key storage.DialogKey, reason storage.BlacklistReason) error
	SetReminderStage(ctx context.Context, key storage.DialogKey, stage int) error
	History(ctx context.Context, key storage.DialogKey) ([]storage.Message, error)
	AppendMessage(ctx context.Context, key storage.DialogKey, msg storage.Message) error
}

// Catalog keeps the catalog index current.
type Catalog interface {
	EnsureFresh(ctx context.Context, token string) (catalog.Freshness, error)
}

// TokenSource reports the live catalog revision.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, history []storage.Message, newText string, k int) ([]catalog.Hit, error)
}

// ReplyQueue delivers a text after a delay. Scheduled replies are not
// cancelled by later turns.
type ReplyQueue interface {
	Enqueue(ctx context.Context, key storage.DialogKey, text string, delay time.Duration) (string, error)
}

// Settings holds the bot's texts and tunables.
type Settings struct {
	SystemPrompt string
	BannedWords  []string
	// HandoffMarker in a completion, matched case-insensitively, requests an
	// operator. Empty disables marker detection.
	HandoffMarker       string
	HandoffText         string
	CatalogUpdatingText string
	ApologyText         string
	ReplyDelay          time.Duration
	CompletionTimeout   time.Duration
	TypingInterval      time.Duration
	// RefreshRetry spaces out rebuild attempts for a catalog revision whose
	// first rebuild failed.
	RefreshRetry time.Duration
	RetrievalK   int
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     Store
	Catalog   Catalog
	Source    TokenSource
	Retriever Retriever
	Composer  *composer.Composer
	Completer llm.Completer
	Channel   channel.Channel
	Handoff   channel.Handoff
	Replies   ReplyQueue
	Logger    *slog.Logger
}

// Orchestrator runs turns. HandleTurn is safe for concurrent use.
type Orchestrator struct {
	Deps
	settings Settings
	logger   *slog.Logger

	now func() time.Time

	mu             sync.Mutex
	observedToken  string
	attemptedToken string
	lastAttempt    time.Time
}

// New creates an Orchestrator. Zero settings fall back to defaults: 30s reply
// delay, 60s completion timeout, 4s typing refresh, a minute between catalog
// rebuild retries, 5 retrieved entries.
func New(deps Deps, settings Settings) *Orchestrator {
	if settings.ReplyDelay < 0 {
		settings.ReplyDelay = 0
	}
	if settings.CompletionTimeout <= 0 {
		settings.CompletionTimeout = 60 * time.Second
	}
	if settings.TypingInterval <= 0 {
		settings.TypingInterval = 4 * time.Second
	}
	if settings.RefreshRetry <= 0 {
		settings.RefreshRetry = time.Minute
	}
	if settings.RetrievalK <= 0 {
		settings.RetrievalK = 5
	}
	if deps.Composer == nil {
		deps.Composer = composer.New(0)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{Deps: deps, settings: settings, logger: logger, now: time.Now}
}

// ObserveToken records the catalog revision this instance already serves,
// normally right after the startup index load.
func (o *Orchestrator) ObserveToken(token string) {
	o.mu.Lock()
	o.observedToken = token
	o.mu.Unlock()
}

// ObservedToken returns the last catalog revision this instance handled.
func (o *Orchestrator) ObservedToken() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.observedToken
}

// HandleTurn processes one inbound event to completion. Failures are logged
// and never affect other dialogs.
func (o *Orchestrator) HandleTurn(ctx context.Context, ev channel.Event) Outcome {
	key := ev.DialogKey
	log := o.logger.With("turn", uuid.NewString(), "dialog", key)

	if key == "" {
		log.Warn("event without dialog key dropped")
		return Dropped
	}

	blocked, err := o.Store.IsBlacklisted(ctx, key)
	if err != nil {
		log.Error("checking blacklist", "error", err)
		return Dropped
	}
	if blocked {
		log.Debug("dialog is blacklisted")
		return Dropped
	}

	if reason := nonText(ev); reason != "" {
		log.Info("non-text content, escalating", "reason", reason)
		return o.escalate(ctx, log, ev, o.settings.HandoffText)
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		log.Debug("empty text dropped")
		return Dropped
	}

	if o.refreshCatalog(ctx, log, ev) {
		return Escalated
	}

	if err := o.Store.SetReminderStage(ctx, key, storage.StageActive); err != nil {
		log.Error("resetting reminder stage", "error", err)
		return Dropped
	}

	if word, ok := containsBanned(text, o.settings.BannedWords); ok {
		if err := o.Store.Blacklist(ctx, key, storage.ReasonBannedWord); err != nil {
			log.Error("blacklisting for banned word", "error", err)
			return Dropped
		}
		log.Info("banned word, dialog blacklisted", "word", word)
		return Dropped
	}

	if err := o.Channel.MarkRead(ctx, key, ev.MessageID); err != nil {
		log.Debug("mark read failed", "error", err)
	}
	o.keepTyping(ctx, log, key)

	return o.answer(ctx, log, ev, text)
}

// answer runs retrieval and completion and schedules the reply.
func (o *Orchestrator) answer(ctx context.Context, log *slog.Logger, ev channel.Event, text string) Outcome {
	key := ev.DialogKey

	history, err := o.Store.History(ctx, key)
	if err != nil {
		log.Error("reading history", "error", err)
		return Dropped
	}
	if err := o.Store.AppendMessage(ctx, key, storage.Message{Role: storage.RoleUser, Content: text}); err != nil {
		log.Error("appending user turn", "error", err)
		return Dropped
	}

	hits, err := o.Retriever.Retrieve(ctx, history, text, o.settings.RetrievalK)
	if err != nil {
		log.Warn("retrieval failed, answering without catalog context", "error", err)
		hits = nil
	}

	req := o.Composer.Compose(o.settings.SystemPrompt, hits, history, text)
	cctx, cancel := context.WithTimeout(ctx, o.settings.CompletionTimeout)
	completion, err := o.Completer.Complete(cctx, req)
	cancel()
	if err != nil {
		if errors.Is(err, llm.ErrRateLimited) {
			log.Warn("completion rate limited", "error", err)
		} else {
			log.Error("completion failed", "error", err)
		}
		return o.schedule(ctx, log, key, o.settings.ApologyText)
	}

	reply := strings.TrimSpace(completion.Text)
	if completion.Handoff || o.hasMarker(reply) {
		log.Info("completion requested an operator")
		return o.escalate(ctx, log, ev, o.settings.HandoffText)
	}
	if reply == "" {
		log.Warn("completion returned no text")
		return o.schedule(ctx, log, key, o.settings.ApologyText)
	}

	if err := o.Store.AppendMessage(ctx, key, storage.Message{Role: storage.RoleAssistant, Content: reply}); err != nil {
		log.Error("appending assistant turn", "error", err)
		return Dropped
	}
	return o.schedule(ctx, log, key, reply)
}

func (o *Orchestrator) schedule(ctx context.Context, log *slog.Logger, key storage.DialogKey, text string) Outcome {
	id, err := o.Replies.Enqueue(ctx, key, text, o.settings.ReplyDelay)
	if err != nil {
		log.Error("scheduling reply", "error", err)
		return Dropped
	}
	log.Debug("reply scheduled", "job_id", id, "delay", o.settings.ReplyDelay)
	return Replied
}

// escalate stops automatic handling and hands the dialog to an operator.
func (o *Orchestrator) escalate(ctx context.Context, log *slog.Logger, ev channel.Event, ack string) Outcome {
	if err := o.Store.Blacklist(ctx, ev.DialogKey, storage.ReasonEscalated); err != nil {
		log.Error("blacklisting escalated dialog", "error", err)
		return Dropped
	}
	o.openHandoff(ctx, log, ev)
	if ack != "" {
		if err := o.Channel.Send(ctx, ev.DialogKey, ack); err != nil {
			log.Warn("sending handoff acknowledgement", "error", err)
		}
	}
	return Escalated
}

func (o *Orchestrator) openHandoff(ctx context.Context, log *slog.Logger, ev channel.Event) {
	if o.Handoff == nil {
		return
	}
	if err := o.Handoff.OpenHandoff(ctx, ev.DialogKey, ev.Sender); err != nil {
		log.Warn("opening handoff", "error", err)
	}
}

// refreshCatalog reports whether the turn was consumed by a catalog update.
// Only the first turn to see a new revision announces it and is consumed.
// If that rebuild fails, later turns are answered from the last good index
// and retry the rebuild at most once per RefreshRetry.
func (o *Orchestrator) refreshCatalog(ctx context.Context, log *slog.Logger, ev channel.Event) bool {
	if o.Source == nil || o.Catalog == nil {
		return false
	}
	token, err := o.Source.Token(ctx)
	if err != nil {
		log.Warn("reading catalog token", "error", err)
		return false
	}

	first, retry := o.claimRefresh(token)
	switch {
	case first:
		log.Info("catalog changed, refreshing", "token", token)
		if o.settings.CatalogUpdatingText != "" {
			if err := o.Channel.Send(ctx, ev.DialogKey, o.settings.CatalogUpdatingText); err != nil {
				log.Warn("sending catalog notice", "error", err)
			}
		}
		o.openHandoff(ctx, log, ev)
	case retry:
		log.Info("retrying catalog refresh", "token", token)
	default:
		return false
	}

	freshness, err := o.Catalog.EnsureFresh(ctx, token)
	if err != nil {
		log.Error("catalog refresh failed, serving last good index", "token", token, "error", err)
		return first
	}
	o.ObserveToken(token)
	log.Info("catalog refreshed", "token", token, "result", freshness)
	return first
}

// claimRefresh decides what this turn does about the source token. first is
// true for exactly one turn per unobserved revision; retry is true when a
// failed rebuild of that revision is due for another attempt.
func (o *Orchestrator) claimRefresh(token string) (first, retry bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if token == o.observedToken {
		return false, false
	}
	now := o.now()
	if token != o.attemptedToken {
		o.attemptedToken = token
		o.lastAttempt = now
		return true, false
	}
	if now.Sub(o.lastAttempt) < o.settings.RefreshRetry {
		return false, false
	}
	o.lastAttempt = now
	return false, true
}

func (o *Orchestrator) hasMarker(text string) bool {
	m := o.settings.HandoffMarker
	return m != "" && strings.Contains(strings.ToLower(text), strings.ToLower(m))
}

// keepTyping shows the typing indicator now and refreshes it until the
// reply is due. The refresh outlives ctx.
func (o *Orchestrator) keepTyping(ctx context.Context, log *slog.Logger, key storage.DialogKey) {
	if err := o.Channel.Typing(ctx, key); err != nil {
		log.Debug("typing indicator failed", "error", err)
		return
	}
	if o.settings.ReplyDelay <= o.settings.TypingInterval {
		return
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.settings.ReplyDelay)
	go func() {
		defer cancel()
		ticker := time.NewTicker(o.settings.TypingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				if err := o.Channel.Typing(tctx, key); err != nil {
					return
				}
			}
		}
	}()
}

// nonText names why an event cannot be handled as plain text, or "".
func nonText(ev channel.Event) string {
	switch {
	case ev.System:
		return "system notification"
	case len(ev.Attachments) > 0:
		return "attachment"
	case ev.RichPreview:
		return "rich preview"
	case looksLikeURL(ev.Text):
		return "link"
	}
	return ""
}

func looksLikeURL(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "http") || strings.Contains(lower, "url")
}

func containsBanned(text string, words []string) (string, bool) {
	for _, w := range words {
		if w != "" && strings.Contains(text, w) {
			return w, true
		}
	}
	return "", false
}

// ParseBannedWords splits a comma-separated list, trimming entries and
// dropping empty ones.
func ParseBannedWords(list string) []string {
	var out []string
	for _, w := range strings.Split(list, ",") {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}
