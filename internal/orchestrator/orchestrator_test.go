package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/salesagent/internal/catalog"
	"github.com/kalambet/salesagent/internal/channel"
	"github.com/kalambet/salesagent/internal/llm"
	"github.com/kalambet/salesagent/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu       sync.Mutex
	sent     []string
	read     []string
	typing   int
	handoffs []string
}

func (c *fakeChannel) Send(_ context.Context, _ storage.DialogKey, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChannel) MarkRead(_ context.Context, _ storage.DialogKey, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.read = append(c.read, id)
	return nil
}

func (c *fakeChannel) Typing(context.Context, storage.DialogKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing++
	return nil
}

func (c *fakeChannel) OpenHandoff(_ context.Context, key storage.DialogKey, contact string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handoffs = append(c.handoffs, fmt.Sprintf("%s/%s", key, contact))
	return nil
}

type scheduled struct {
	key   storage.DialogKey
	text  string
	delay time.Duration
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []scheduled
}

func (q *fakeQueue) Enqueue(_ context.Context, key storage.DialogKey, text string, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, scheduled{key, text, delay})
	return fmt.Sprintf("job-%d", len(q.jobs)), nil
}

type fakeRetriever struct {
	mu      sync.Mutex
	hits    []catalog.Hit
	err     error
	queries []string
}

func (r *fakeRetriever) Retrieve(_ context.Context, history []storage.Message, newText string, _ int) ([]catalog.Hit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, fmt.Sprintf("%d:%s", len(history), newText))
	return r.hits, r.err
}

type fakeCatalog struct {
	token   atomic.Value
	ensured atomic.Int64
	err     error
}

func (c *fakeCatalog) Token(context.Context) (string, error) {
	return c.token.Load().(string), nil
}

func (c *fakeCatalog) EnsureFresh(context.Context, string) (catalog.Freshness, error) {
	c.ensured.Add(1)
	if c.err != nil {
		return catalog.Unchanged, c.err
	}
	return catalog.Rebuilt, nil
}

type harness struct {
	orch      *Orchestrator
	store     *storage.Store
	ch        *fakeChannel
	queue     *fakeQueue
	retriever *fakeRetriever
	cat       *fakeCatalog
	calls     atomic.Int64
	requests  []llm.CompletionRequest
	complete  func(req llm.CompletionRequest) (llm.Completion, error)
}

var testSettings = Settings{
	SystemPrompt:        "You sell gadgets.",
	BannedWords:         ParseBannedWords("scam, fraud"),
	HandoffMarker:       "bitrix",
	HandoffText:         "A manager will join shortly.",
	CatalogUpdatingText: "We are updating our catalog.",
	ApologyText:         "Sorry, please try again later.",
	ReplyDelay:          30 * time.Second,
	TypingInterval:      time.Hour,
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:     store,
		ch:        &fakeChannel{},
		queue:     &fakeQueue{},
		retriever: &fakeRetriever{hits: []catalog.Hit{{Entry: catalog.Entry{ID: 1, Name: "Phone", Description: "Smart", Price: "300"}}}},
		cat:       &fakeCatalog{},
		complete: func(llm.CompletionRequest) (llm.Completion, error) {
			return llm.Completion{Text: "The Phone costs 300."}, nil
		},
	}
	h.cat.token.Store("v1")

	var mu sync.Mutex
	h.orch = New(Deps{
		Store:     store,
		Catalog:   h.cat,
		Source:    h.cat,
		Retriever: h.retriever,
		Completer: llm.CompleterFunc(func(_ context.Context, req llm.CompletionRequest) (llm.Completion, error) {
			h.calls.Add(1)
			mu.Lock()
			h.requests = append(h.requests, req)
			mu.Unlock()
			return h.complete(req)
		}),
		Channel: h.ch,
		Handoff: h.ch,
		Replies: h.queue,
	}, testSettings)
	h.orch.ObserveToken("v1")
	return h
}

func (h *harness) history(t *testing.T, key storage.DialogKey) []storage.Message {
	t.Helper()
	msgs, err := h.store.History(context.Background(), key)
	require.NoError(t, err)
	return msgs
}

func (h *harness) reason(t *testing.T, key storage.DialogKey) storage.BlacklistReason {
	t.Helper()
	r, err := h.store.BlacklistReason(context.Background(), key)
	require.NoError(t, err)
	return r
}

func event(key, text string) channel.Event {
	return channel.Event{DialogKey: storage.DialogKey(key), MessageID: "m1", Text: text, Sender: "Ann | VK"}
}

func TestHandleTurn_Replied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	got := h.orch.HandleTurn(ctx, event("42", "  need a phone "))
	assert.Equal(t, Replied, got)

	msgs := h.history(t, "42")
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.RoleUser, msgs[0].Role)
	assert.Equal(t, "need a phone", msgs[0].Content)
	assert.Equal(t, "The Phone costs 300.", msgs[1].Content)

	require.Len(t, h.queue.jobs, 1)
	assert.Equal(t, scheduled{"42", "The Phone costs 300.", 30 * time.Second}, h.queue.jobs[0])
	assert.Empty(t, h.ch.sent, "replies go through the delayed queue")
	assert.Equal(t, []string{"m1"}, h.ch.read)
	assert.Equal(t, 1, h.ch.typing)

	require.Len(t, h.requests, 1)
	req := h.requests[0]
	assert.Contains(t, req.System, "You sell gadgets.")
	assert.Contains(t, req.System, "Name: Phone")
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "need a phone", req.Messages[0].Content)
}

func TestHandleTurn_RetrievalUsesPriorHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Equal(t, Replied, h.orch.HandleTurn(ctx, event("42", "first")))
	require.Equal(t, Replied, h.orch.HandleTurn(ctx, event("42", "second")))

	assert.Equal(t, []string{"0:first", "2:second"}, h.retriever.queries)
	require.Len(t, h.requests, 2)
	assert.Len(t, h.requests[1].Messages, 3)
}

func TestHandleTurn_ResetsReminderStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SetReminderStage(ctx, "42", storage.StageFinalReminded))

	h.orch.HandleTurn(ctx, event("42", "hello again"))

	st, err := h.store.ReminderStage(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, storage.StageActive, st)
}

func TestHandleTurn_BannedWordBlacklistsWithoutCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, Replied, h.orch.HandleTurn(ctx, event("42", "hi")))
	calls := h.calls.Load()

	got := h.orch.HandleTurn(ctx, event("42", "this is a scam"))
	assert.Equal(t, Dropped, got)
	assert.Equal(t, calls, h.calls.Load(), "no completion call for banned words")
	assert.Equal(t, storage.ReasonBannedWord, h.reason(t, "42"))
	assert.Empty(t, h.history(t, "42"))

	// Later turns are dropped.
	assert.Equal(t, Dropped, h.orch.HandleTurn(ctx, event("42", "hello")))
	assert.Equal(t, calls, h.calls.Load())
}

func TestHandleTurn_BannedWordShowsNoActivity(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, Dropped, h.orch.HandleTurn(context.Background(), event("42", "total fraud")))
	assert.Empty(t, h.ch.read)
	assert.Zero(t, h.ch.typing)
}

func TestHandleTurn_BannedWordIsCaseSensitive(t *testing.T) {
	h := newHarness(t)

	got := h.orch.HandleTurn(context.Background(), event("42", "is this a SCAM"))
	assert.Equal(t, Replied, got)
}

func TestHandleTurn_MarkerEscalates(t *testing.T) {
	h := newHarness(t)
	h.complete = func(llm.CompletionRequest) (llm.Completion, error) {
		return llm.Completion{Text: "Connecting you. BITRIX"}, nil
	}

	got := h.orch.HandleTurn(context.Background(), event("42", "I want to order"))
	assert.Equal(t, Escalated, got)
	assert.Equal(t, storage.ReasonEscalated, h.reason(t, "42"))
	assert.Equal(t, []string{"42/Ann | VK"}, h.ch.handoffs)
	assert.Equal(t, []string{testSettings.HandoffText}, h.ch.sent)
	assert.Empty(t, h.queue.jobs)
	assert.Empty(t, h.history(t, "42"))
}

func TestHandleTurn_DeclaredHandoffEscalates(t *testing.T) {
	h := newHarness(t)
	h.complete = func(llm.CompletionRequest) (llm.Completion, error) {
		return llm.Completion{Handoff: true}, nil
	}

	assert.Equal(t, Escalated, h.orch.HandleTurn(context.Background(), event("42", "call a human")))
	assert.Equal(t, storage.ReasonEscalated, h.reason(t, "42"))
}

func TestHandleTurn_NonTextEscalates(t *testing.T) {
	cases := map[string]channel.Event{
		"attachment":   {Attachments: []string{"photo"}},
		"rich preview": {RichPreview: true, Text: "look"},
		"link":         {Text: "see HTTPS://shop.example/item"},
		"url word":     {Text: "what is the url"},
		"system":       {System: true, Text: "joined"},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ev.DialogKey = "42"

			got := h.orch.HandleTurn(context.Background(), ev)
			assert.Equal(t, Escalated, got)
			assert.Zero(t, h.calls.Load())
			assert.Equal(t, storage.ReasonEscalated, h.reason(t, "42"))
			assert.Len(t, h.ch.handoffs, 1)
			assert.Empty(t, h.history(t, "42"), "no history slot consumed")
		})
	}
}

func TestHandleTurn_Drops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, Dropped, h.orch.HandleTurn(ctx, event("", "hi")))
	assert.Equal(t, Dropped, h.orch.HandleTurn(ctx, event("42", "   ")))

	require.NoError(t, h.store.Blacklist(ctx, "7", storage.ReasonOther))
	assert.Equal(t, Dropped, h.orch.HandleTurn(ctx, event("7", "hi")))

	assert.Zero(t, h.calls.Load())
	assert.Empty(t, h.ch.sent)
	assert.Empty(t, h.ch.read)
}

func TestHandleTurn_CatalogChangeShortCircuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cat.token.Store("v2")

	got := h.orch.HandleTurn(ctx, event("42", "need a phone"))
	assert.Equal(t, Escalated, got)
	assert.EqualValues(t, 1, h.cat.ensured.Load())
	assert.Equal(t, "v2", h.orch.ObservedToken())
	assert.Equal(t, []string{testSettings.CatalogUpdatingText}, h.ch.sent)
	assert.Len(t, h.ch.handoffs, 1)
	assert.Zero(t, h.calls.Load())

	blocked, err := h.store.IsBlacklisted(ctx, "42")
	require.NoError(t, err)
	assert.False(t, blocked, "catalog refresh does not blacklist")

	// The next turn is answered normally.
	assert.Equal(t, Replied, h.orch.HandleTurn(ctx, event("42", "need a phone")))
	assert.EqualValues(t, 1, h.cat.ensured.Load())
}

func TestHandleTurn_FailedRefreshKeepsAnswering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cat.token.Store("v2")
	h.cat.err = catalog.ErrRebuildFailed

	// The first turn after the change announces it once.
	assert.Equal(t, Escalated, h.orch.HandleTurn(ctx, event("42", "hi")))
	assert.Equal(t, "v1", h.orch.ObservedToken())
	assert.EqualValues(t, 1, h.cat.ensured.Load())

	// Later turns from any dialog are answered from the last good index.
	for _, key := range []string{"42", "43", "44"} {
		assert.Equal(t, Replied, h.orch.HandleTurn(ctx, event(key, "need a phone")))
	}
	assert.EqualValues(t, 3, h.calls.Load())
	assert.EqualValues(t, 1, h.cat.ensured.Load(), "no retry before the retry interval")
	assert.Equal(t, []string{testSettings.CatalogUpdatingText}, h.ch.sent)
	assert.Len(t, h.ch.handoffs, 1)
}

func TestHandleTurn_FailedRefreshRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	h.orch.now = func() time.Time { return now }
	h.cat.token.Store("v2")
	h.cat.err = catalog.ErrRebuildFailed

	assert.Equal(t, Escalated, h.orch.HandleTurn(ctx, event("42", "hi")))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, Replied, h.orch.HandleTurn(ctx, event("42", "hi")))
	assert.EqualValues(t, 2, h.cat.ensured.Load())
	assert.Equal(t, "v1", h.orch.ObservedToken())

	now = now.Add(2 * time.Minute)
	h.cat.err = nil
	assert.Equal(t, Replied, h.orch.HandleTurn(ctx, event("42", "hi")))
	assert.EqualValues(t, 3, h.cat.ensured.Load())
	assert.Equal(t, "v2", h.orch.ObservedToken())

	// Once observed, the revision is not rebuilt again.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, Replied, h.orch.HandleTurn(ctx, event("42", "hi")))
	assert.EqualValues(t, 3, h.cat.ensured.Load())
	assert.Len(t, h.ch.handoffs, 1)
}

func TestHandleTurn_CompletionFailureApologises(t *testing.T) {
	for name, cerr := range map[string]error{
		"rate limited": fmt.Errorf("openai: %w", llm.ErrRateLimited),
		"unavailable":  fmt.Errorf("openai: %w", llm.ErrUnavailable),
		"timeout":      context.DeadlineExceeded,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.complete = func(llm.CompletionRequest) (llm.Completion, error) {
				return llm.Completion{}, cerr
			}

			got := h.orch.HandleTurn(context.Background(), event("42", "hi"))
			assert.Equal(t, Replied, got)
			require.Len(t, h.queue.jobs, 1)
			assert.Equal(t, testSettings.ApologyText, h.queue.jobs[0].text)

			msgs := h.history(t, "42")
			require.Len(t, msgs, 1, "apology is not written to history")
			assert.Equal(t, storage.RoleUser, msgs[0].Role)

			blocked, err := h.store.IsBlacklisted(context.Background(), "42")
			require.NoError(t, err)
			assert.False(t, blocked)
		})
	}
}

func TestHandleTurn_CompletionTimeout(t *testing.T) {
	h := newHarness(t)
	h.orch.settings.CompletionTimeout = 20 * time.Millisecond
	h.orch.Completer = llm.CompleterFunc(func(ctx context.Context, _ llm.CompletionRequest) (llm.Completion, error) {
		<-ctx.Done()
		return llm.Completion{}, ctx.Err()
	})

	assert.Equal(t, Replied, h.orch.HandleTurn(context.Background(), event("42", "hi")))
	require.Len(t, h.queue.jobs, 1)
	assert.Equal(t, testSettings.ApologyText, h.queue.jobs[0].text)
}

func TestHandleTurn_RetrievalFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.retriever.err = errors.New("embedding down")

	assert.Equal(t, Replied, h.orch.HandleTurn(context.Background(), event("42", "hi")))
	require.Len(t, h.requests, 1)
	assert.Equal(t, testSettings.SystemPrompt, h.requests[0].System)
}

func TestHandleTurn_ConcurrentDialogs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("d%d", i)
			assert.Equal(t, Replied, h.orch.HandleTurn(ctx, event(key, "hello")))
		}()
	}
	wg.Wait()

	assert.Len(t, h.queue.jobs, 8)
	keys, err := h.store.KnownDialogKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 8)
}

func TestParseBannedWords(t *testing.T) {
	assert.Equal(t, []string{"a b", "c"}, ParseBannedWords(" a b ,, c ,"))
	assert.Empty(t, ParseBannedWords(""))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "replied", Replied.String())
	assert.Equal(t, "escalated", Escalated.String())
	assert.Equal(t, "dropped", Dropped.String())
}
