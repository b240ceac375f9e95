package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source is the live catalog. Token changes whenever a new catalog is
// published; Entries returns the current rows.
type Source interface {
	Token(ctx context.Context) (string, error)
	Entries(ctx context.Context) ([]Entry, error)
}

// CSVSource reads a catalog exported as CSV with a header row naming the
// name, description and price columns. An id column is optional; without
// it the zero-based row number is the id.
type CSVSource struct {
	path   string
	logger *slog.Logger
}

func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path, logger: slog.Default()}
}

func (s *CSVSource) Path() string { return s.path }

// Token is derived from the file's modification time and size.
func (s *CSVSource) Token(_ context.Context) (string, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return "", fmt.Errorf("stat catalog: %w", err)
	}
	return fmt.Sprintf("%d-%d", fi.ModTime().UnixNano(), fi.Size()), nil
}

func (s *CSVSource) Entries(_ context.Context) ([]Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()
	return ParseCSV(f)
}

// ParseCSV decodes catalog rows. Column lookup is case-insensitive.
func ParseCSV(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading catalog header: %w", err)
	}

	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, required := range []string{"name", "description", "price"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("catalog header is missing column %q", required)
		}
	}
	idCol, hasID := cols["id"]

	var entries []Entry
	seen := map[int64]bool{}
	for row := 0; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading catalog row %d: %w", row, err)
		}

		id := int64(row)
		if hasID {
			id, err = strconv.ParseInt(strings.TrimSpace(field(rec, idCol)), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("catalog row %d: bad id: %w", row, err)
			}
		}
		if seen[id] {
			return nil, fmt.Errorf("catalog row %d: duplicate id %d", row, id)
		}
		seen[id] = true

		entries = append(entries, Entry{
			ID:          id,
			Name:        strings.TrimSpace(field(rec, cols["name"])),
			Description: strings.TrimSpace(field(rec, cols["description"])),
			Price:       strings.TrimSpace(field(rec, cols["price"])),
		})
	}
	return entries, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

const watchDebounce = 250 * time.Millisecond

// Watch calls onChange with the new token each time the catalog file is
// rewritten, until ctx is done. The parent directory is watched so that
// atomic replace-by-rename is seen too.
func (s *CSVSource) Watch(ctx context.Context, onChange func(token string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	name := filepath.Base(s.path)

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)
		case <-debounce.C:
			token, err := s.Token(ctx)
			if err != nil {
				s.logger.Warn("catalog changed but cannot be read", "path", s.path, "error", err)
				continue
			}
			onChange(token)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("catalog watcher error", "error", err)
		}
	}
}
