package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Catalog snapshot ---

// LoadCatalogSnapshot returns the last persisted snapshot. A database that was
// never indexed yields an empty snapshot with a nil Index.
func (s *Store) LoadCatalogSnapshot(ctx context.Context) (CatalogSnapshot, error) {
	var snap CatalogSnapshot
	var builtAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT source_token, index_blob, built_at FROM catalog_state WHERE id = 1`,
	).Scan(&snap.Token, &snap.Index, &builtAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return CatalogSnapshot{}, nil
	case err != nil:
		return CatalogSnapshot{}, unavailable("reading catalog state", err)
	}
	if snap.BuiltAt, err = parseTime(builtAt); err != nil {
		return CatalogSnapshot{}, fmt.Errorf("parsing built_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, price, name_hash, description_hash, price_hash
		FROM catalog_entries ORDER BY id ASC`)
	if err != nil {
		return CatalogSnapshot{}, unavailable("querying catalog entries", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r CatalogRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Price, &r.NameHash, &r.DescriptionHash, &r.PriceHash); err != nil {
			return CatalogSnapshot{}, unavailable("scanning catalog entry", err)
		}
		snap.Rows = append(snap.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return CatalogSnapshot{}, unavailable("iterating catalog entries", err)
	}
	return snap, nil
}

// SaveCatalogSnapshot replaces the snapshot rows, the source token and the
// serialized index in a single transaction.
func (s *Store) SaveCatalogSnapshot(ctx context.Context, snap CatalogSnapshot) error {
	builtAt := snap.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning snapshot transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_entries`); err != nil {
		return unavailable("clearing catalog entries", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog_entries (id, name, description, price, name_hash, description_hash, price_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return unavailable("preparing catalog insert", err)
	}
	defer stmt.Close()

	for _, r := range snap.Rows {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Name, r.Description, r.Price, r.NameHash, r.DescriptionHash, r.PriceHash); err != nil {
			return unavailable(fmt.Sprintf("inserting catalog entry %d", r.ID), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO catalog_state (id, source_token, index_blob, built_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_token = excluded.source_token,
			index_blob = excluded.index_blob,
			built_at = excluded.built_at`,
		snap.Token, snap.Index, formatTime(builtAt),
	); err != nil {
		return unavailable("writing catalog state", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing snapshot", err)
	}
	return nil
}

// UpdateCatalogToken records a new source token for an unchanged snapshot.
func (s *Store) UpdateCatalogToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE catalog_state SET source_token = ? WHERE id = 1`, token)
	if err != nil {
		return unavailable("updating catalog token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("checking catalog token update", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
