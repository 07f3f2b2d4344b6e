// Package core defines the data model shared by every vidcache component:
// the wire-form entity fetched from the remote store, the cache-annotated
// Record persisted locally, and the small value types that travel between
// components (metadata entries, content entries, sync results).
package core

// CurrentSchemaVersion is the schema version new Records are stamped with.
// Bump this and add a Migration (internal/migration) whenever the Record
// shape changes.
const CurrentSchemaVersion = 3

// EntityStatus reports whether the remote still serves a given entity.
type EntityStatus string

const (
	StatusActive  EntityStatus = "active"
	StatusExpired EntityStatus = "expired"
	StatusUnknown EntityStatus = "unknown"
)

func (s EntityStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusUnknown:
		return true
	default:
		return false
	}
}

// ContentStatus reports whether the Content Store holds bytes for a Record.
type ContentStatus string

const (
	ContentNotCached ContentStatus = "not_cached"
	ContentCached    ContentStatus = "cached"
	ContentStale     ContentStatus = "stale"
)

func (s ContentStatus) IsValid() bool {
	switch s {
	case ContentNotCached, ContentCached, ContentStale:
		return true
	default:
		return false
	}
}

// Variant is one transcoded rendition of a video entity.
type Variant struct {
	Address    string `json:"address"`
	Quality    string `json:"quality"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	BitrateBps int64  `json:"bitrate_bps,omitempty"`
}

// Segment describes one chunk of a segmented (e.g. HLS-style) video.
type Segment struct {
	Index int64   `json:"index"`
	Start float64 `json:"start_seconds"`
	End   float64 `json:"end_seconds"`
}

// SegmentDescriptor is the opaque-to-the-core segmentation manifest for an
// entity, present only for segmented content.
type SegmentDescriptor struct {
	Segments []Segment `json:"segments"`
}

// Record is the stored, cache-annotated representation of a remote entity.
// Identity is the pair (Owner, EntityID); EntityID is globally unique,
// Owner is normalized to lowercase hex by every component that touches it.
type Record struct {
	Owner    string
	EntityID string

	// Content fields (semantic, participate in SyncHash).
	Title                   string
	Description             string
	DurationSeconds         float64
	ContentAddress          string
	EncryptedContentAddress string // empty when absent
	Encrypted               bool
	EncryptionMetadata      []byte // opaque, may be nil
	AIMetadataAddress       string // empty when absent
	MintID                  string
	SourceURI               string
	Handle                  string
	Variants                []Variant
	SegmentDescriptor       *SegmentDescriptor
	ExpiresAtBlock          *uint64

	// EntityCreatedAt/EntityUpdatedAt are remote provenance, not semantic
	// content: they do not participate in SyncHash.
	EntityCreatedAt int64 // ms, from the remote
	EntityUpdatedAt int64 // ms, from the remote

	// Cache fields (non-semantic, excluded from SyncHash).
	CachedAt       int64 // ms
	LastSyncedAt   int64 // ms
	LastAccessedAt int64 // ms
	SchemaVersion  int
	EntityStatus   EntityStatus
	SyncHash       string // hex digest over semantic fields
	IsDirty        bool
	ContentStatus  ContentStatus
	ContentCachedAt *int64 // ms, nil unless ContentStatus == ContentCached

	// Tags is a local convenience annotation, UI-transient like Loading/Error
	// on WireEntity: it never affects SyncHash.
	Tags []string
}

// Clone returns a deep copy of the Record so callers can mutate the result
// without aliasing slices or pointers held by the original.
func (r Record) Clone() Record {
	out := r
	if r.EncryptionMetadata != nil {
		out.EncryptionMetadata = append([]byte(nil), r.EncryptionMetadata...)
	}
	if r.Variants != nil {
		out.Variants = append([]Variant(nil), r.Variants...)
	}
	if r.SegmentDescriptor != nil {
		sd := *r.SegmentDescriptor
		sd.Segments = append([]Segment(nil), r.SegmentDescriptor.Segments...)
		out.SegmentDescriptor = &sd
	}
	if r.ExpiresAtBlock != nil {
		v := *r.ExpiresAtBlock
		out.ExpiresAtBlock = &v
	}
	if r.ContentCachedAt != nil {
		v := *r.ContentCachedAt
		out.ContentCachedAt = &v
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	return out
}
