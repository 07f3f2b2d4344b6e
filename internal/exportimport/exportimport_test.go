package exportimport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/internal/metadatastore/sqlite"
)

func newStoreWithRecords(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:", "0xOwner", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	records := []core.Record{
		{EntityID: "a", Owner: "0xowner", Title: "A", EntityStatus: core.StatusActive, ContentStatus: core.ContentNotCached, SchemaVersion: core.CurrentSchemaVersion},
		{EntityID: "b", Owner: "0xowner", Title: "B", EntityStatus: core.StatusActive, ContentStatus: core.ContentNotCached, SchemaVersion: core.CurrentSchemaVersion},
	}
	if err := s.PutMany(records); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func TestExport_ProducesValidChecksum(t *testing.T) {
	store := newStoreWithRecords(t)
	bundle, err := Export(store, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if bundle.Version != BundleVersion || bundle.RecordCount != 2 || bundle.Owner != "0xowner" {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}

	recomputed, err := computeChecksum(bundle.Records, bundle.Metadata)
	if err != nil || recomputed != bundle.Checksum {
		t.Errorf("checksum mismatch: got=%s recomputed=%s err=%v", bundle.Checksum, recomputed, err)
	}
}

func TestFilename(t *testing.T) {
	date, err := time.Parse("2006-01-02", "2024-03-05")
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	got := Filename("0xAbCdEf123456", date)
	if got != "library-0xabcdef-2024-03-05.json" {
		t.Errorf("filename = %q", got)
	}
}

// P9: import(export(owner), owner, PreferImport) after a full export
// yields a store semantically equivalent to the original.
func TestImport_IdempotentRoundTrip(t *testing.T) {
	store := newStoreWithRecords(t)
	bundle, err := Export(store, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data, _ := json.Marshal(bundle)

	result := Import(data, "0xowner", store, ImportOptions{MergeStrategy: PreferImport})
	if !result.Success {
		t.Fatalf("import failed: %+v", result)
	}
	if result.Imported != 2 {
		t.Errorf("expected 2 records re-imported under PreferImport, got %d", result.Imported)
	}

	all, _ := store.GetAll()
	if len(all) != 2 {
		t.Errorf("expected store to retain exactly the original 2 records, got %d", len(all))
	}
}

func TestImport_RejectsOversizedFile(t *testing.T) {
	store := newStoreWithRecords(t)
	result := Import([]byte("{}"), "0xowner", store, ImportOptions{MaxFileSize: 1})
	if result.Success {
		t.Error("expected rejection for oversized file")
	}
}

func TestImport_RejectsMalformedJSON(t *testing.T) {
	store := newStoreWithRecords(t)
	result := Import([]byte("not json"), "0xowner", store, ImportOptions{})
	if result.Success {
		t.Error("expected rejection for malformed JSON")
	}
}

func TestImport_RejectsOwnerMismatch(t *testing.T) {
	store := newStoreWithRecords(t)
	bundle, _ := Export(store, "2024-01-01T00:00:00Z")
	data, _ := json.Marshal(bundle)

	result := Import(data, "someone-else", store, ImportOptions{})
	if result.Success {
		t.Error("expected rejection for owner mismatch")
	}
}

// S6 — Checksum mismatch on import: tamper a title without updating the
// checksum. Expect success=true, imported>0, a checksum warning, and the
// tampered record admitted.
func TestImport_S6_ChecksumMismatchWarnsButContinues(t *testing.T) {
	store := newStoreWithRecords(t)
	bundle, _ := Export(store, "2024-01-01T00:00:00Z")
	bundle.Records[0].Title = "Tampered Title"
	data, _ := json.Marshal(bundle)

	fresh, err := sqlite.Open(":memory:", "0xowner", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fresh.Close()

	result := Import(data, "0xowner", fresh, ImportOptions{MergeStrategy: PreferImport})
	if !result.Success || result.Imported == 0 {
		t.Fatalf("expected successful import despite checksum mismatch: %+v", result)
	}
	if len(result.Errors) == 0 {
		t.Error("expected a checksum-mismatch warning in errors")
	}

	got, err := fresh.Get(bundle.Records[0].EntityID)
	if err != nil || got.Title != "Tampered Title" {
		t.Errorf("expected tampered record admitted, got %+v err=%v", got, err)
	}
}

func TestImport_SkipsCollisionsWithoutPreferImport(t *testing.T) {
	store := newStoreWithRecords(t)
	bundle, _ := Export(store, "2024-01-01T00:00:00Z")
	data, _ := json.Marshal(bundle)

	result := Import(data, "0xowner", store, ImportOptions{MergeStrategy: SkipExisting})
	if !result.Success {
		t.Fatalf("import failed: %+v", result)
	}
	if result.Skipped != 2 || result.Imported != 0 {
		t.Errorf("expected all records skipped as collisions, got %+v", result)
	}
}
