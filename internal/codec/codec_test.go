package codec

import (
	"testing"

	"github.com/haven-hvn/vidcache/internal/core"
)

func sampleEntity() core.WireEntity {
	block := uint64(1000)
	return core.WireEntity{
		ID:             "0xabc123",
		Owner:          "0xOWNER",
		Title:          "A Video",
		Description:    "desc",
		ContentAddress: "ar://content",
		MintID:         "mint-1",
		SourceURI:      "https://example.com/v",
		Handle:         "@creator",
		Variants: []core.Variant{
			{Address: "ar://480p", Quality: "480p"},
		},
		ExpiresAtBlock: &block,
		CreatedAt:      "2024-01-01T00:00:00Z",
		UpdatedAt:      "2024-01-01T00:00:00Z",
	}
}

func TestToRecord_NewRecordSetsCacheFields(t *testing.T) {
	e := sampleEntity()
	r := ToRecord(e, nil)

	if r.Owner != "0xowner" {
		t.Errorf("owner not normalized: %s", r.Owner)
	}
	if r.SchemaVersion != core.CurrentSchemaVersion {
		t.Errorf("schema version = %d, want %d", r.SchemaVersion, core.CurrentSchemaVersion)
	}
	if r.EntityStatus != core.StatusActive {
		t.Errorf("entity status = %s, want active", r.EntityStatus)
	}
	if r.CachedAt > r.LastSyncedAt {
		t.Error("I1 violated: cached_at > last_synced_at")
	}
	if r.LastAccessedAt < r.CachedAt {
		t.Error("I2 violated: last_accessed_at < cached_at")
	}
	if r.SyncHash == "" {
		t.Error("sync hash not computed")
	}
}

func TestToRecord_PreservesCacheFieldsFromExisting(t *testing.T) {
	e := sampleEntity()
	existing := ToRecord(e, nil)
	existing.CachedAt = 111
	existing.LastAccessedAt = 222

	e.Title = "Renamed"
	updated := ToRecord(e, &existing)

	if updated.CachedAt != 111 {
		t.Errorf("cached_at not preserved: %d", updated.CachedAt)
	}
	if updated.LastAccessedAt != 222 {
		t.Errorf("last_accessed_at not preserved: %d", updated.LastAccessedAt)
	}
}

func TestSyncHash_IgnoresTransientFields(t *testing.T) {
	e1 := sampleEntity()
	e2 := sampleEntity()
	e2.Loading = true
	e2.Error = "boom"

	if SyncHash(e1) != SyncHash(e2) {
		t.Error("transient fields affected sync hash")
	}
}

func TestSyncHash_DiscriminatesSemanticChange(t *testing.T) {
	e1 := sampleEntity()
	e2 := sampleEntity()
	e2.Title = "Different Title"

	if SyncHash(e1) == SyncHash(e2) {
		t.Error("sync hash did not change for a semantic field change")
	}
}

func TestHasChanged(t *testing.T) {
	e := sampleEntity()
	r := ToRecord(e, nil)

	if HasChanged(e, r) {
		t.Error("unchanged entity reported as changed")
	}

	e.Title = "New title"
	if !HasChanged(e, r) {
		t.Error("changed entity reported as unchanged")
	}
}

func TestFromRecord_RoundTripSemanticFields(t *testing.T) {
	e := sampleEntity()
	r := ToRecord(e, nil)
	view := FromRecord(r)

	if view.ID != e.ID || view.Title != e.Title || view.ContentAddress != e.ContentAddress {
		t.Error("round trip lost semantic fields")
	}
	if SyncHash(view) != SyncHash(e) {
		t.Error("round tripped entity hashes differently from the original")
	}
}
