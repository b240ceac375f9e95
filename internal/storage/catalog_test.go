package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestLoadCatalogSnapshot_Empty(t *testing.T) {
	s := openTestStore(t)

	snap, err := s.LoadCatalogSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LoadCatalogSnapshot: %v", err)
	}
	if snap.Token != "" || len(snap.Rows) != 0 || snap.Index != nil {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestSaveCatalogSnapshot_ReplacesPrevious(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := CatalogSnapshot{
		Token: "v1",
		Rows: []CatalogRow{
			{ID: 1, Name: "Phone", Description: "smart", Price: "100", NameHash: "h1", DescriptionHash: "d1", PriceHash: "p1"},
			{ID: 2, Name: "Case", Description: "leather", Price: "10", NameHash: "h2", DescriptionHash: "d2", PriceHash: "p2"},
		},
		Index: []byte{1, 2, 3},
	}
	if err := s.SaveCatalogSnapshot(ctx, first); err != nil {
		t.Fatalf("SaveCatalogSnapshot v1: %v", err)
	}

	second := CatalogSnapshot{
		Token: "v2",
		Rows: []CatalogRow{
			{ID: 2, Name: "Case", Description: "leather", Price: "12", NameHash: "h2", DescriptionHash: "d2", PriceHash: "p3"},
		},
		Index: []byte{4, 5},
	}
	if err := s.SaveCatalogSnapshot(ctx, second); err != nil {
		t.Fatalf("SaveCatalogSnapshot v2: %v", err)
	}

	got, err := s.LoadCatalogSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadCatalogSnapshot: %v", err)
	}
	if got.Token != "v2" {
		t.Errorf("token = %q, want v2", got.Token)
	}
	if len(got.Rows) != 1 || got.Rows[0].Price != "12" || got.Rows[0].PriceHash != "p3" {
		t.Errorf("rows = %+v", got.Rows)
	}
	if !bytes.Equal(got.Index, []byte{4, 5}) {
		t.Errorf("index = %v, want [4 5]", got.Index)
	}
	if got.BuiltAt.IsZero() {
		t.Error("BuiltAt not set")
	}
}

func TestUpdateCatalogToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpdateCatalogToken(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateCatalogToken before any snapshot: err = %v, want ErrNotFound", err)
	}

	if err := s.SaveCatalogSnapshot(ctx, CatalogSnapshot{Token: "a", Index: []byte{9}}); err != nil {
		t.Fatalf("SaveCatalogSnapshot: %v", err)
	}
	if err := s.UpdateCatalogToken(ctx, "b"); err != nil {
		t.Fatalf("UpdateCatalogToken: %v", err)
	}

	got, err := s.LoadCatalogSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadCatalogSnapshot: %v", err)
	}
	if got.Token != "b" || !bytes.Equal(got.Index, []byte{9}) {
		t.Errorf("snapshot = %+v, want token b with index kept", got)
	}
}
