// Package api exposes the HTTP event intake, the management endpoints and
// the MCP tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/salesagent/internal/catalog"
	"github.com/kalambet/salesagent/internal/channel"
	"github.com/kalambet/salesagent/internal/orchestrator"
	"github.com/kalambet/salesagent/internal/storage"
)

const maxEventBodySize = 1 << 20 // 1MB

// DialogStore is the read and reset side of the dialog store.
type DialogStore interface {
	History(ctx context.Context, key storage.DialogKey) ([]storage.Message, error)
	ReminderStage(ctx context.Context, key storage.DialogKey) (int, error)
	BlacklistReason(ctx context.Context, key storage.DialogKey) (storage.BlacklistReason, error)
	KnownDialogKeys(ctx context.Context) ([]storage.DialogKey, error)
	ResetDialogs(ctx context.Context) error
}

// CatalogIndex is the management view of the catalog index.
type CatalogIndex interface {
	EnsureFresh(ctx context.Context, token string) (catalog.Freshness, error)
	Status() catalog.Status
}

// TokenSource reports the live catalog revision.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Searcher answers free-text catalog queries.
type Searcher interface {
	Retrieve(ctx context.Context, history []storage.Message, newText string, k int) ([]catalog.Hit, error)
}

// TurnHandler runs one inbound event.
type TurnHandler interface {
	HandleTurn(ctx context.Context, ev channel.Event) orchestrator.Outcome
}

type Deps struct {
	Dialogs DialogStore
	Catalog CatalogIndex
	Source  TokenSource
	Search  Searcher
	Turns   TurnHandler
	Token   string
	Logger  *slog.Logger
}

// Server routes HTTP requests. Events are accepted immediately and handled
// in the background; Wait blocks until those turns finish.
type Server struct {
	deps     Deps
	router   chi.Router
	logger   *slog.Logger
	inflight sync.WaitGroup
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, logger: deps.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/events", s.handleEvent)
		r.Get("/dialogs", s.handleListDialogs)
		r.Delete("/dialogs", s.handleResetDialogs)
		r.Get("/dialogs/{key}", s.handleGetDialog)
		r.Get("/catalog/status", s.handleCatalogStatus)
		r.Post("/catalog/refresh", s.handleCatalogRefresh)
		r.Get("/catalog/search", s.handleCatalogSearch)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Wait blocks until every accepted event has been handled.
func (s *Server) Wait() {
	s.inflight.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := false
	if s.deps.Catalog != nil {
		ready = s.deps.Catalog.Status().Ready
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "catalog_ready": ready})
}

// handleEvent accepts one inbound message. With ?wait=true the turn runs
// inline and the response carries its outcome.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBodySize)
	defer r.Body.Close()

	ev, err := channel.DecodeEvent(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		outcome := s.deps.Turns.HandleTurn(r.Context(), ev)
		writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome.String()})
		return
	}

	ctx := context.WithoutCancel(r.Context())
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		outcome := s.deps.Turns.HandleTurn(ctx, ev)
		s.logger.Debug("event handled", "dialog", ev.DialogKey, "outcome", outcome)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type messageView struct {
	Role      storage.Role `json:"role"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
}

type dialogView struct {
	DialogKey       storage.DialogKey       `json:"dialog_key"`
	Messages        []messageView           `json:"messages"`
	ReminderStage   int                     `json:"reminder_stage"`
	Blacklisted     bool                    `json:"blacklisted"`
	BlacklistReason storage.BlacklistReason `json:"blacklist_reason,omitempty"`
}

func loadDialog(ctx context.Context, store DialogStore, key storage.DialogKey) (dialogView, error) {
	view := dialogView{DialogKey: key, Messages: []messageView{}}

	reason, err := store.BlacklistReason(ctx, key)
	switch {
	case err == nil:
		view.Blacklisted = true
		view.BlacklistReason = reason
	case !errors.Is(err, storage.ErrNotFound):
		return dialogView{}, fmt.Errorf("reading blacklist: %w", err)
	}

	history, err := store.History(ctx, key)
	if err != nil {
		return dialogView{}, fmt.Errorf("reading history: %w", err)
	}
	for _, m := range history {
		view.Messages = append(view.Messages, messageView{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}

	stage, err := store.ReminderStage(ctx, key)
	if err != nil {
		return dialogView{}, fmt.Errorf("reading reminder stage: %w", err)
	}
	view.ReminderStage = stage
	return view, nil
}

func (s *Server) handleListDialogs(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Dialogs.KnownDialogKeys(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list dialogs: %v", err)
		return
	}
	if keys == nil {
		keys = []storage.DialogKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleGetDialog(w http.ResponseWriter, r *http.Request) {
	key := storage.DialogKey(chi.URLParam(r, "key"))

	view, err := loadDialog(r.Context(), s.deps.Dialogs, key)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load dialog: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResetDialogs(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Dialogs.ResetDialogs(r.Context()); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to reset dialogs: %v", err)
		return
	}
	s.logger.Info("all dialogs reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleCatalogStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Catalog.Status())
}

// handleCatalogRefresh rebuilds the index if the source moved. Customers
// still get the catalog notice on their next turn.
func (s *Server) handleCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	token, err := s.deps.Source.Token(r.Context())
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "failed to read catalog token: %v", err)
		return
	}

	freshness, err := s.deps.Catalog.EnsureFresh(r.Context(), token)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "catalog refresh failed: %v", err)
		return
	}
	s.logger.Info("catalog refreshed via api", "token", token, "result", freshness)

	writeJSON(w, http.StatusOK, map[string]any{
		"result": freshness.String(),
		"status": s.deps.Catalog.Status(),
	})
}

func (s *Server) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
		return
	}
	k := parseIntParam(r, "k", 5, 50)

	hits, err := s.deps.Search.Retrieve(r.Context(), nil, query, k)
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
		return
	}
	if hits == nil {
		hits = []catalog.Hit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
