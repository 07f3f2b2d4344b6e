package core

// WireEntity is the stable snake_case-schema payload returned by the
// remote entity client (pkg/remote.EntityClient). The codec (internal/codec)
// is the only place that is allowed to know this shape end to end; every
// other component operates on Record.
type WireEntity struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Title       string `json:"title"`
	Description string `json:"description"`

	DurationSeconds         float64            `json:"duration_seconds"`
	ContentAddress          string             `json:"content_address"`
	EncryptedContentAddress string             `json:"encrypted_content_address,omitempty"`
	Encrypted               bool               `json:"encrypted"`
	EncryptionMetadata      []byte             `json:"encryption_metadata,omitempty"`
	AIMetadataAddress       string             `json:"ai_metadata_address,omitempty"`
	MintID                  string             `json:"mint_id"`
	SourceURI               string             `json:"source_uri"`
	Handle                  string             `json:"handle"`
	Variants                []Variant          `json:"variants,omitempty"`
	SegmentDescriptor       *SegmentDescriptor `json:"segment_descriptor,omitempty"`
	ExpiresAtBlock          *uint64            `json:"expires_at_block,omitempty"`

	CreatedAt string `json:"created_at"` // ISO-8601
	UpdatedAt string `json:"updated_at"` // ISO-8601

	// UI-transient fields: MUST NOT affect SyncHash (spec P3).
	Loading bool   `json:"-"`
	Error   string `json:"-"`
}

// MetadataEntry is a single key/value row in a Metadata Store's reserved
// key space (schemaVersion, lastFullSync, migrationFailed, ...).
type MetadataEntry struct {
	Key       string
	Value     any // string | float64 | bool
	UpdatedAt int64
}

// Reserved MetadataEntry keys.
const (
	MetaKeySchemaVersion   = "schemaVersion"
	MetaKeyLastFullSync    = "lastFullSync"
	MetaKeyMigrationFailed = "migrationFailed"
)

// ContentEntry describes one blob held by the Content Store.
type ContentEntry struct {
	EntityID   string
	MimeType   string
	ByteLength int64
	CachedAt   int64
	TTL        *int64 // seconds, nil = no expiry
}

// SyncResult is the outcome of one reconciliation pass (C6).
type SyncResult struct {
	Added     int
	Updated   int
	Expired   int
	Unchanged int
	Errors    []string
	SyncedAt  int64 // ms
}

// ExpirationSeverity bands the urgency of an upcoming expiry.
type ExpirationSeverity string

const (
	SeverityLow      ExpirationSeverity = "low"
	SeverityMedium   ExpirationSeverity = "medium"
	SeverityHigh     ExpirationSeverity = "high"
	SeverityCritical ExpirationSeverity = "critical"
)

// ExpirationDisposition is the coarse status derived from blocks remaining.
type ExpirationDisposition string

const (
	DispositionSafe         ExpirationDisposition = "safe"
	DispositionExpiringSoon ExpirationDisposition = "expiring_soon"
	DispositionExpired      ExpirationDisposition = "expired"
)

// ExpirationInfo is the per-record view produced by the Expiration Tracker.
type ExpirationInfo struct {
	EntityID          string
	ExpiresAtBlock    uint64
	BlocksRemaining   int64
	EstimatedWallTime int64 // unix ms
	Status            ExpirationDisposition
	Severity          ExpirationSeverity
}
