// Package codec converts between the remote's wire-form entities and the
// Metadata Store's cache-annotated Records (C1 of the design). It is the
// only package that needs to reason about which fields are semantic
// (participate in change detection) versus cache-only.
package codec

import (
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/haven-hvn/vidcache/internal/core"
	"lukechampine.com/blake3"
)

// nowFunc is overridable in tests.
var nowFunc = func() int64 { return time.Now().UnixMilli() }

// ToRecord builds a Record from a wire entity. When existing is non-nil,
// CachedAt and LastAccessedAt are preserved from it (spec I1, I2, P5);
// LastSyncedAt is always refreshed to "now".
func ToRecord(e core.WireEntity, existing *core.Record) core.Record {
	now := nowFunc()

	r := core.Record{
		Owner:                   normalizeOwner(e.Owner),
		EntityID:                e.ID,
		Title:                   e.Title,
		Description:             e.Description,
		DurationSeconds:         e.DurationSeconds,
		ContentAddress:          e.ContentAddress,
		EncryptedContentAddress: e.EncryptedContentAddress,
		Encrypted:               e.Encrypted,
		EncryptionMetadata:      e.EncryptionMetadata,
		AIMetadataAddress:       e.AIMetadataAddress,
		MintID:                  e.MintID,
		SourceURI:               e.SourceURI,
		Handle:                  e.Handle,
		Variants:                e.Variants,
		SegmentDescriptor:       e.SegmentDescriptor,
		ExpiresAtBlock:          e.ExpiresAtBlock,
		EntityCreatedAt:         parseTimestamp(e.CreatedAt),
		EntityUpdatedAt:         parseTimestamp(e.UpdatedAt),

		LastSyncedAt:  now,
		SchemaVersion: core.CurrentSchemaVersion,
		EntityStatus:  core.StatusActive,
		ContentStatus: core.ContentNotCached,
	}

	if existing != nil {
		r.CachedAt = existing.CachedAt
		r.LastAccessedAt = existing.LastAccessedAt
		r.ContentStatus = existing.ContentStatus
		r.ContentCachedAt = existing.ContentCachedAt
		r.Tags = existing.Tags
	} else {
		r.CachedAt = now
		r.LastAccessedAt = now
	}

	// I1: cached_at <= last_synced_at always.
	if r.CachedAt > r.LastSyncedAt {
		r.CachedAt = r.LastSyncedAt
	}
	// I2: last_accessed_at >= cached_at.
	if r.LastAccessedAt < r.CachedAt {
		r.LastAccessedAt = r.CachedAt
	}

	r.SyncHash = SyncHash(e)
	return r
}

// FromRecord strips cache-only fields and rehydrates a wire-shaped view for
// callers that only care about semantic content plus the current status.
func FromRecord(r core.Record) core.WireEntity {
	return core.WireEntity{
		ID:                      r.EntityID,
		Owner:                   r.Owner,
		Title:                   r.Title,
		Description:             r.Description,
		DurationSeconds:         r.DurationSeconds,
		ContentAddress:          r.ContentAddress,
		EncryptedContentAddress: r.EncryptedContentAddress,
		Encrypted:               r.Encrypted,
		EncryptionMetadata:      r.EncryptionMetadata,
		AIMetadataAddress:       r.AIMetadataAddress,
		MintID:                  r.MintID,
		SourceURI:               r.SourceURI,
		Handle:                  r.Handle,
		Variants:                r.Variants,
		SegmentDescriptor:       r.SegmentDescriptor,
		ExpiresAtBlock:          r.ExpiresAtBlock,
		CreatedAt:               formatTimestamp(r.EntityCreatedAt),
		UpdatedAt:               formatTimestamp(r.EntityUpdatedAt),
	}
}

// SyncHash computes a deterministic 256-bit hex digest over the ordered
// tuple of semantic fields of e. UI-transient fields (Loading, Error) never
// reach this function's input set, so they cannot affect the digest (P3).
func SyncHash(e core.WireEntity) string {
	h := blake3.New(32, nil)

	write := func(s string) {
		fmt.Fprintf(h, "%d:%s|", len(s), s)
	}
	writeBool := func(b bool) {
		if b {
			h.Write([]byte("1|"))
		} else {
			h.Write([]byte("0|"))
		}
	}

	write(e.ID)
	write(normalizeOwner(e.Owner))
	write(e.Title)
	write(e.Description)
	fmt.Fprintf(h, "%g|", e.DurationSeconds)
	write(e.ContentAddress)
	write(e.EncryptedContentAddress)
	writeBool(e.Encrypted)
	h.Write(e.EncryptionMetadata)
	h.Write([]byte("|"))
	write(e.AIMetadataAddress)
	write(e.MintID)
	write(e.SourceURI)
	write(e.Handle)

	variants := append([]core.Variant(nil), e.Variants...)
	sort.Slice(variants, func(i, j int) bool { return variants[i].Address < variants[j].Address })
	for _, v := range variants {
		write(v.Address)
		write(v.Quality)
		fmt.Fprintf(h, "%d:%d:%d|", v.Width, v.Height, v.BitrateBps)
	}

	if e.SegmentDescriptor != nil {
		for _, s := range e.SegmentDescriptor.Segments {
			fmt.Fprintf(h, "%d:%g:%g|", s.Index, s.Start, s.End)
		}
	}

	if e.ExpiresAtBlock != nil {
		fmt.Fprintf(h, "exp:%d|", *e.ExpiresAtBlock)
	} else {
		h.Write([]byte("exp:none|"))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// HasChanged reports whether e's semantic fields differ from the Record's
// last recorded SyncHash.
func HasChanged(e core.WireEntity, r core.Record) bool {
	return SyncHash(e) != r.SyncHash
}

func normalizeOwner(owner string) string {
	out := make([]byte, len(owner))
	for i := 0; i < len(owner); i++ {
		c := owner[i]
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		out[i] = c
	}
	return string(out)
}

func parseTimestamp(iso string) int64 {
	if iso == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		t, err = time.Parse(time.RFC3339, iso)
		if err != nil {
			return 0
		}
	}
	return t.UnixMilli()
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
