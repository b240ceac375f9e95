package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/salesagent/internal/config"
	"github.com/kalambet/salesagent/internal/llm"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedRequest(nil), ts.requests...)
}

// useServer points the CLI commands at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

// captureStderr collects the status lines commands print.
func captureStderr(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old, oldColor := stderr, noColor
	stderr, noColor = &buf, true
	t.Cleanup(func() { stderr, noColor = old, oldColor })
	return &buf
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})

	resp, err := ts.client().get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	anon := ts.client()
	anon.token = ""
	resp, err = anon.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	reqs := ts.recorded()
	if reqs[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", reqs[0].Auth)
	}
	if reqs[1].Auth != "" {
		t.Errorf("auth without token = %q, want none", reqs[1].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/catalog/status")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestServerNotReachable(t *testing.T) {
	client := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: http.DefaultClient}
	_, err := client.get(ctx, "/health")
	if err == nil || !strings.Contains(err.Error(), "salesagent serve") {
		t.Fatalf("error = %v, want a hint to start the server", err)
	}
}

func TestCatalogSearchCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /catalog/search": `[{"entry":{"id":3,"name":"Oak table","description":"solid oak","price":"120"},"distance":0.12}]`,
	})
	useServer(t, ts)

	if err := execute(t, "catalog", "search", "--limit", "3", "oak", "&", "pine"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := ts.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	u, err := url.Parse(reqs[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Query().Get("q"); got != "oak & pine" {
		t.Errorf("q = %q, want %q", got, "oak & pine")
	}
	if got := u.Query().Get("k"); got != "3" {
		t.Errorf("k = %q, want 3", got)
	}
}

func TestCatalogReindexCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /catalog/refresh": `{"result":"rebuilt","status":{"token":"v2","entries":10,"dim":3,"ready":true}}`,
	})
	useServer(t, ts)
	out := captureStderr(t)

	if err := execute(t, "catalog", "reindex"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reqs := ts.recorded()
	if len(reqs) != 1 || reqs[0].Method != http.MethodPost || reqs[0].Path != "/catalog/refresh" {
		t.Errorf("requests = %+v", reqs)
	}
	for _, want := range []string{"✓ Catalog rebuilt", "Catalog: 10 entries, 3 dimensions", "Token: v2"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output = %q, want it to contain %q", out.String(), want)
		}
	}
}

func TestCatalogReindexCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	if err := execute(t, "catalog", "reindex"); err == nil {
		t.Fatal("expected error when the server rejects the refresh")
	}
}

func TestDialogSendCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /events": `{"outcome":"replied"}`,
	})
	useServer(t, ts)

	if err := execute(t, "dialog", "send", "42", "do", "you", "have", "chairs?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqs := ts.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Path != "/events?wait=true" {
		t.Errorf("path = %q, want /events?wait=true", reqs[0].Path)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(reqs[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["dialog_key"] != "42" || body["text"] != "do you have chairs?" {
		t.Errorf("body = %v", body)
	}
}

func TestDialogShowCommand_EscapesKey(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /dialogs/a b": `{"dialog_key":"a b","messages":[],"reminder_stage":0,"blacklisted":false}`,
	})
	useServer(t, ts)

	if err := execute(t, "dialog", "show", "--json", "a b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reqs := ts.recorded(); reqs[0].Path != "/dialogs/a%20b" {
		t.Errorf("path = %q, want /dialogs/a%%20b", reqs[0].Path)
	}
}

func TestDialogResetCommand_RequiresConfirm(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /dialogs": `{"status":"reset"}`,
	})
	useServer(t, ts)
	out := captureStderr(t)

	if err := execute(t, "dialog", "reset", "--confirm=false"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(ts.recorded()); n != 0 {
		t.Fatalf("reset without --confirm sent %d requests", n)
	}
	if !strings.Contains(out.String(), "⚠ This will delete ALL dialog state") {
		t.Errorf("output = %q, want a warning", out.String())
	}

	if err := execute(t, "dialog", "reset", "--confirm"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reqs := ts.recorded()
	if len(reqs) != 1 || reqs[0].Method != http.MethodDelete || reqs[0].Path != "/dialogs" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(nil)

	if err := execute(t, "version"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "salesagent "+version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := loadEnvFile(""); err != nil {
		t.Fatalf("missing default .env should be ignored: %v", err)
	}
	if err := loadEnvFile(filepath.Join(dir, "absent.env")); err == nil {
		t.Fatal("missing explicit env file should fail")
	}

	t.Setenv("SALESAGENT_TEST_PRESET", "from-env")
	path := filepath.Join(dir, ".env")
	content := "SALESAGENT_TEST_FROM_FILE=hello\nSALESAGENT_TEST_PRESET=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SALESAGENT_TEST_FROM_FILE", "")
	os.Unsetenv("SALESAGENT_TEST_FROM_FILE")

	if err := loadEnvFile(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("SALESAGENT_TEST_FROM_FILE"); got != "hello" {
		t.Errorf("SALESAGENT_TEST_FROM_FILE = %q, want hello", got)
	}
	if got := os.Getenv("SALESAGENT_TEST_PRESET"); got != "from-env" {
		t.Errorf("existing variables must win, got %q", got)
	}
}

func TestBackends_OllamaBaseURL(t *testing.T) {
	var cfg config.Config
	cfg.Ollama.BaseURL = "http://ollama:11434"
	cfg.Completion.Provider = llm.ProviderOllama
	cfg.Completion.Model = "llama3.1"
	cfg.Embedding.Provider = llm.ProviderOpenAI
	cfg.Embedding.Model = "text-embedding-3-small"
	cfg.Embedding.APIKey = "sk"

	c := completionBackend(cfg)
	if c.BaseURL != "http://ollama:11434" || c.Model != "llama3.1" {
		t.Errorf("completion backend = %+v", c)
	}
	e := embeddingBackend(cfg)
	if e.BaseURL != "" || e.EmbedModel != "text-embedding-3-small" || e.APIKey != "sk" {
		t.Errorf("embedding backend = %+v", e)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "error"); result != "error" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "error"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("стол дубовый", 4); got != "стол..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
