package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/salesagent/internal/storage"
	"github.com/kalambet/salesagent/internal/vectorindex"
	"golang.org/x/sync/errgroup"
)

// ErrRebuildFailed means the catalog could not be re-indexed. The previous
// snapshot and index stay in service.
var ErrRebuildFailed = errors.New("catalog rebuild failed")

// Freshness reports what EnsureFresh did.
type Freshness int

const (
	Unchanged Freshness = iota
	Rebuilt
)

func (f Freshness) String() string {
	if f == Rebuilt {
		return "rebuilt"
	}
	return "unchanged"
}

// Embedder turns texts into vectors, one per input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SnapshotStore persists the snapshot together with the serialized index.
type SnapshotStore interface {
	LoadCatalogSnapshot(ctx context.Context) (storage.CatalogSnapshot, error)
	SaveCatalogSnapshot(ctx context.Context, snap storage.CatalogSnapshot) error
	UpdateCatalogToken(ctx context.Context, token string) error
}

// Hit is one search result. Distance is squared L2 between unit vectors.
type Hit struct {
	Entry    Entry   `json:"entry"`
	Distance float32 `json:"distance"`
}

// Status describes the index currently in service.
type Status struct {
	Token   string    `json:"token"`
	Entries int       `json:"entries"`
	Dim     int       `json:"dim"`
	BuiltAt time.Time `json:"built_at"`
	Ready   bool      `json:"ready"`
}

type snapshotEntry struct {
	Entry
	Hashes
}

// state is immutable once published.
type state struct {
	token   string
	entries map[int64]snapshotEntry
	index   *vectorindex.FlatL2
	builtAt time.Time
}

// Index owns the catalog snapshot and its vector index. Readers see the
// last published state; EnsureFresh replaces it wholesale.
type Index struct {
	source    Source
	embedder  Embedder
	store     SnapshotStore
	batchSize int
	parallel  int
	logger    *slog.Logger

	rebuildMu sync.Mutex
	current   atomic.Pointer[state]
}

// Option configures an Index.
type Option func(*Index)

// WithBatchSize sets how many entries go into one embedding call.
func WithBatchSize(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

// WithParallelism bounds concurrent embedding calls during a rebuild.
func WithParallelism(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.parallel = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

func NewIndex(source Source, embedder Embedder, store SnapshotStore, opts ...Option) *Index {
	ix := &Index{
		source:    source,
		embedder:  embedder,
		store:     store,
		batchSize: 100,
		parallel:  2,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Load publishes the persisted snapshot, if any. An unreadable index blob
// is treated as missing so the next EnsureFresh rebuilds.
func (ix *Index) Load(ctx context.Context) error {
	snap, err := ix.store.LoadCatalogSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("loading catalog snapshot: %w", err)
	}

	st := &state{
		token:   snap.Token,
		entries: make(map[int64]snapshotEntry, len(snap.Rows)),
		builtAt: snap.BuiltAt,
	}
	for _, r := range snap.Rows {
		st.entries[r.ID] = snapshotEntry{
			Entry:  Entry{ID: r.ID, Name: r.Name, Description: r.Description, Price: r.Price},
			Hashes: Hashes{Name: r.NameHash, Description: r.DescriptionHash, Price: r.PriceHash},
		}
	}
	if snap.Index != nil {
		flat, err := vectorindex.Decode(snap.Index)
		if err != nil {
			ix.logger.Warn("persisted catalog index is unreadable, will rebuild", "error", err)
		} else if !sameIDs(flat, st.entries) {
			ix.logger.Warn("persisted catalog index does not match snapshot, will rebuild")
		} else {
			st.index = flat
		}
	}

	ix.current.Store(st)
	ix.logger.Info("catalog snapshot loaded", "token", st.token, "entries", len(st.entries), "indexed", st.index != nil)
	return nil
}

// EnsureFresh brings the index in line with the source revision token.
// Concurrent callers queue on a single rebuild and do not repeat it.
func (ix *Index) EnsureFresh(ctx context.Context, token string) (Freshness, error) {
	if ix.isCurrent(token) {
		return Unchanged, nil
	}

	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	if ix.isCurrent(token) {
		return Unchanged, nil
	}

	entries, err := ix.source.Entries(ctx)
	if err != nil {
		return Unchanged, fmt.Errorf("%w: reading source: %w", ErrRebuildFailed, err)
	}

	prev := ix.current.Load()
	if prev != nil && prev.index != nil && !isDirty(prev.entries, entries) {
		if err := ix.store.UpdateCatalogToken(ctx, token); err != nil {
			return Unchanged, fmt.Errorf("%w: recording token: %w", ErrRebuildFailed, err)
		}
		ix.current.Store(&state{token: token, entries: prev.entries, index: prev.index, builtAt: prev.builtAt})
		ix.logger.Info("catalog token advanced without changes", "token", token)
		return Unchanged, nil
	}

	if err := ix.rebuild(ctx, token, entries); err != nil {
		return Unchanged, err
	}
	return Rebuilt, nil
}

func (ix *Index) isCurrent(token string) bool {
	st := ix.current.Load()
	return st != nil && st.index != nil && st.token == token
}

// isDirty reports whether any entry is new, changed in any field, or gone.
func isDirty(prev map[int64]snapshotEntry, entries []Entry) bool {
	if len(prev) != len(entries) {
		return true
	}
	for _, e := range entries {
		old, ok := prev[e.ID]
		if !ok || old.Hashes != HashEntry(e) {
			return true
		}
	}
	return false
}

func (ix *Index) rebuild(ctx context.Context, token string, entries []Entry) error {
	start := time.Now()
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	vectors, err := ix.embedAll(ctx, sorted)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRebuildFailed, err)
	}

	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	flat := vectorindex.New(dim)
	next := &state{
		token:   token,
		entries: make(map[int64]snapshotEntry, len(sorted)),
		index:   flat,
		builtAt: time.Now().UTC(),
	}
	rows := make([]storage.CatalogRow, 0, len(sorted))
	for i, e := range sorted {
		vectorindex.Normalize(vectors[i])
		if err := flat.Add(e.ID, vectors[i]); err != nil {
			return fmt.Errorf("%w: %w", ErrRebuildFailed, err)
		}
		h := HashEntry(e)
		next.entries[e.ID] = snapshotEntry{Entry: e, Hashes: h}
		rows = append(rows, storage.CatalogRow{
			ID: e.ID, Name: e.Name, Description: e.Description, Price: e.Price,
			NameHash: h.Name, DescriptionHash: h.Description, PriceHash: h.Price,
		})
	}

	blob, err := flat.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: encoding index: %w", ErrRebuildFailed, err)
	}
	if err := ix.store.SaveCatalogSnapshot(ctx, storage.CatalogSnapshot{
		Token:   token,
		Rows:    rows,
		Index:   blob,
		BuiltAt: next.builtAt,
	}); err != nil {
		return fmt.Errorf("%w: persisting snapshot: %w", ErrRebuildFailed, err)
	}

	ix.current.Store(next)
	ix.logger.Info("catalog rebuilt", "token", token, "entries", len(sorted), "dim", dim, "duration", time.Since(start))
	return nil
}

// embedAll embeds entries in batches, running up to ix.parallel batches at
// once. The result is aligned with entries.
func (ix *Index) embedAll(ctx context.Context, entries []Entry) ([][]float32, error) {
	out := make([][]float32, len(entries))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(ix.parallel)

	for start := 0; start < len(entries); start += ix.batchSize {
		end := min(start+ix.batchSize, len(entries))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, e := range entries[start:end] {
				texts = append(texts, EmbedText(e))
			}
			vecs, err := ix.embedder.Embed(gCtx, texts)
			if err != nil {
				return fmt.Errorf("embedding entries %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("embedding entries %d-%d: got %d vectors", start, end-1, len(vecs))
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, v := range out {
		if len(v) == 0 || len(v) != len(out[0]) {
			return nil, fmt.Errorf("entry %d: inconsistent embedding dimension %d", entries[i].ID, len(v))
		}
	}
	return out, nil
}

// Search returns up to k entries nearest to vec, closest first. vec is
// normalised on a copy. An index that was never built yields no hits.
func (ix *Index) Search(_ context.Context, vec []float32, k int) ([]Hit, error) {
	st := ix.current.Load()
	if st == nil || st.index == nil || st.index.Len() == 0 {
		return nil, nil
	}

	q := make([]float32, len(vec))
	copy(q, vec)
	vectorindex.Normalize(q)

	results, err := st.index.Search(q, k)
	if err != nil {
		return nil, fmt.Errorf("searching catalog: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		e, ok := st.entries[r.ID]
		if !ok {
			return nil, fmt.Errorf("searching catalog: index references unknown entry %d", r.ID)
		}
		hits = append(hits, Hit{Entry: e.Entry, Distance: r.Distance})
	}
	return hits, nil
}

// Entry looks up one entry of the published snapshot.
func (ix *Index) Entry(id int64) (Entry, bool) {
	st := ix.current.Load()
	if st == nil {
		return Entry{}, false
	}
	e, ok := st.entries[id]
	return e.Entry, ok
}

func (ix *Index) Status() Status {
	st := ix.current.Load()
	if st == nil {
		return Status{}
	}
	s := Status{Token: st.token, Entries: len(st.entries), BuiltAt: st.builtAt, Ready: st.index != nil}
	if st.index != nil {
		s.Dim = st.index.Dim()
	}
	return s
}

func sameIDs(flat *vectorindex.FlatL2, entries map[int64]snapshotEntry) bool {
	ids := flat.IDs()
	if len(ids) != len(entries) {
		return false
	}
	for _, id := range ids {
		if _, ok := entries[id]; !ok {
			return false
		}
	}
	return true
}
