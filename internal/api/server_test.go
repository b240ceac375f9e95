package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/salesagent/internal/catalog"
	"github.com/kalambet/salesagent/internal/channel"
	"github.com/kalambet/salesagent/internal/orchestrator"
	"github.com/kalambet/salesagent/internal/storage"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockTurns struct {
	mu      sync.Mutex
	events  []channel.Event
	outcome orchestrator.Outcome
}

func (m *mockTurns) HandleTurn(_ context.Context, ev channel.Event) orchestrator.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.outcome
}

func (m *mockTurns) seen() []channel.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]channel.Event(nil), m.events...)
}

type mockCatalog struct {
	mu        sync.Mutex
	status    catalog.Status
	err       error
	refreshed []string
}

func (m *mockCatalog) EnsureFresh(_ context.Context, token string) (catalog.Freshness, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return catalog.Unchanged, m.err
	}
	m.refreshed = append(m.refreshed, token)
	m.status.Token = token
	return catalog.Rebuilt, nil
}

func (m *mockCatalog) Status() catalog.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

type mockSource struct {
	token string
	err   error
}

func (m mockSource) Token(context.Context) (string, error) { return m.token, m.err }

type mockSearcher struct {
	hits  []catalog.Hit
	err   error
	query string
	k     int
}

func (m *mockSearcher) Retrieve(_ context.Context, _ []storage.Message, newText string, k int) ([]catalog.Hit, error) {
	m.query, m.k = newText, k
	return m.hits, m.err
}

// --- helpers ---

type testServer struct {
	*Server
	store   *storage.Store
	turns   *mockTurns
	catalog *mockCatalog
	search  *mockSearcher
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ts := &testServer{
		store:   store,
		turns:   &mockTurns{outcome: orchestrator.Replied},
		catalog: &mockCatalog{status: catalog.Status{Token: "v1", Entries: 3, Ready: true}},
		search:  &mockSearcher{},
	}
	ts.Server = NewServer(Deps{
		Dialogs: store,
		Catalog: ts.catalog,
		Source:  mockSource{token: "v2"},
		Search:  ts.search,
		Turns:   ts.turns,
		Token:   token,
	})
	return ts
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	s := newTestServer(t, testToken)

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["catalog_ready"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestAuth_Rejects(t *testing.T) {
	s := newTestServer(t, testToken)

	for name, token := range map[string]string{"missing": "", "wrong": "nope"} {
		t.Run(name, func(t *testing.T) {
			rr := serve(s, authReq(http.MethodGet, "/catalog/status", "", token))
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), "authentication_error") {
				t.Errorf("body = %s", rr.Body.String())
			}
		})
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	s := newTestServer(t, "")

	rr := serve(s, authReq(http.MethodGet, "/catalog/status", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestEvent_AcceptedAndHandled(t *testing.T) {
	s := newTestServer(t, testToken)

	body := `{"dialog_key": 42, "message_id": "m1", "text": "do you have tables?"}`
	rr := serve(s, authReq(http.MethodPost, "/events", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}

	s.Wait()
	events := s.turns.seen()
	if len(events) != 1 {
		t.Fatalf("handled %d events, want 1", len(events))
	}
	if events[0].DialogKey != "42" || events[0].Text != "do you have tables?" || events[0].MessageID != "m1" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestEvent_WaitReturnsOutcome(t *testing.T) {
	s := newTestServer(t, testToken)
	s.turns.outcome = orchestrator.Escalated

	rr := serve(s, authReq(http.MethodPost, "/events?wait=true", `{"dialog_key":"d1","text":"hi"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["outcome"] != "escalated" {
		t.Errorf("outcome = %q, want escalated", body["outcome"])
	}
}

func TestEvent_Malformed(t *testing.T) {
	s := newTestServer(t, testToken)

	for name, body := range map[string]string{
		"not json":  `{"dialog_key":`,
		"bad key":   `{"dialog_key": true, "text": "hi"}`,
		"bad shape": `[1,2,3]`,
	} {
		t.Run(name, func(t *testing.T) {
			rr := serve(s, authReq(http.MethodPost, "/events", body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
		})
	}
	s.Wait()
	if n := len(s.turns.seen()); n != 0 {
		t.Errorf("malformed events reached the orchestrator %d times", n)
	}
}

func TestGetDialog(t *testing.T) {
	s := newTestServer(t, testToken)
	ctx := context.Background()

	if err := s.store.AppendMessage(ctx, "d1", storage.Message{Role: storage.RoleUser, Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := s.store.AppendMessage(ctx, "d1", storage.Message{Role: storage.RoleAssistant, Content: "hi there"}); err != nil {
		t.Fatal(err)
	}
	if err := s.store.SetReminderStage(ctx, "d1", storage.StageFirstReminded); err != nil {
		t.Fatal(err)
	}

	rr := serve(s, authReq(http.MethodGet, "/dialogs/d1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}

	var view dialogView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if len(view.Messages) != 2 || view.Messages[0].Content != "hello" || view.Messages[1].Role != storage.RoleAssistant {
		t.Errorf("messages = %+v", view.Messages)
	}
	if view.ReminderStage != storage.StageFirstReminded {
		t.Errorf("reminder stage = %d, want 1", view.ReminderStage)
	}
	if view.Blacklisted {
		t.Error("dialog should not be blacklisted")
	}
}

func TestGetDialog_Blacklisted(t *testing.T) {
	s := newTestServer(t, testToken)
	ctx := context.Background()

	if err := s.store.AppendMessage(ctx, "d1", storage.Message{Role: storage.RoleUser, Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := s.store.Blacklist(ctx, "d1", storage.ReasonBannedWord); err != nil {
		t.Fatal(err)
	}

	rr := serve(s, authReq(http.MethodGet, "/dialogs/d1", "", testToken))
	var view dialogView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if !view.Blacklisted || view.BlacklistReason != storage.ReasonBannedWord {
		t.Errorf("view = %+v", view)
	}
	if len(view.Messages) != 0 {
		t.Errorf("blacklisted dialog still has %d messages", len(view.Messages))
	}
}

func TestListAndResetDialogs(t *testing.T) {
	s := newTestServer(t, testToken)
	ctx := context.Background()

	for _, key := range []storage.DialogKey{"a", "b"} {
		if err := s.store.AppendMessage(ctx, key, storage.Message{Role: storage.RoleUser, Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.store.Blacklist(ctx, "c", storage.ReasonEscalated); err != nil {
		t.Fatal(err)
	}

	rr := serve(s, authReq(http.MethodGet, "/dialogs", "", testToken))
	var keys []string
	if err := json.NewDecoder(rr.Body).Decode(&keys); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want [a b]", keys)
	}

	rr = serve(s, authReq(http.MethodDelete, "/dialogs", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	blocked, err := s.store.IsBlacklisted(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Error("reset should clear the blacklist")
	}
	rr = serve(s, authReq(http.MethodGet, "/dialogs", "", testToken))
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("dialogs after reset = %s, want []", got)
	}
}

func TestCatalogRefresh(t *testing.T) {
	s := newTestServer(t, testToken)

	rr := serve(s, authReq(http.MethodPost, "/catalog/refresh", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Result string         `json:"result"`
		Status catalog.Status `json:"status"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Result != "rebuilt" || body.Status.Token != "v2" {
		t.Errorf("body = %+v", body)
	}
}

func TestCatalogRefresh_Failure(t *testing.T) {
	s := newTestServer(t, testToken)
	s.catalog.err = catalog.ErrRebuildFailed

	rr := serve(s, authReq(http.MethodPost, "/catalog/refresh", "", testToken))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if s.catalog.Status().Token != "v1" {
		t.Error("failed refresh must keep the index in service")
	}
}

func TestCatalogStatus(t *testing.T) {
	s := newTestServer(t, testToken)
	s.catalog.status.BuiltAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rr := serve(s, authReq(http.MethodGet, "/catalog/status", "", testToken))
	var st catalog.Status
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Token != "v1" || st.Entries != 3 || !st.BuiltAt.Equal(s.catalog.status.BuiltAt) {
		t.Errorf("status = %+v", st)
	}
}

func TestCatalogSearch(t *testing.T) {
	s := newTestServer(t, testToken)
	s.search.hits = []catalog.Hit{{Entry: catalog.Entry{ID: 7, Name: "Oak table"}, Distance: 0.1}}

	rr := serve(s, authReq(http.MethodGet, "/catalog/search?q=table&k=500", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var hits []catalog.Hit
	if err := json.NewDecoder(rr.Body).Decode(&hits); err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Entry.Name != "Oak table" {
		t.Errorf("hits = %+v", hits)
	}
	if s.search.query != "table" || s.search.k != 50 {
		t.Errorf("search called with %q/%d, want table/50", s.search.query, s.search.k)
	}
}

func TestCatalogSearch_Errors(t *testing.T) {
	s := newTestServer(t, testToken)

	rr := serve(s, authReq(http.MethodGet, "/catalog/search", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d, want 400", rr.Code)
	}

	s.search.err = errors.New("embedder down")
	rr = serve(s, authReq(http.MethodGet, "/catalog/search?q=chair", "", testToken))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("search failure: status = %d, want 502", rr.Code)
	}
}
