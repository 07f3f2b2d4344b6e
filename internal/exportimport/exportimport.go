// Package exportimport implements the Export/Import component (C10): a
// versioned, checksummed, identity-bound Bundle format. It generalizes
// the teacher's internal/importer (ExportData/ImportResult, structural
// validation before field-by-field checks) from acorde's JSON/CSV entry
// bundles into this spec's Record/MetadataEntry Bundle shape, backed by
// JSON-schema structural validation instead of hand-rolled field checks.
package exportimport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/internal/metadatastore"
	"github.com/haven-hvn/vidcache/internal/recovery"
	"github.com/hashicorp/go-multierror"
	"github.com/xeipuuv/gojsonschema"
)

// BundleVersion is the only version this implementation accepts on import.
const BundleVersion = 1

// DefaultMaxFileSize is the import size ceiling (spec default: 50 MiB).
const DefaultMaxFileSize = 50 * 1024 * 1024

// AppVersion stamps exported bundles; callers may assign this variable to override it.
var AppVersion = "0.1.0"

// Bundle is the on-disk export format.
type Bundle struct {
	Version     int                  `json:"version"`
	ExportedAt  string               `json:"exported_at"`
	AppVersion  string               `json:"app_version"`
	Owner       string               `json:"owner"`
	RecordCount int                  `json:"record_count"`
	Records     []core.Record        `json:"records"`
	Metadata    []core.MetadataEntry `json:"metadata"`
	Checksum    string               `json:"checksum"`
}

// checksumPayload is the {records, metadata} shape the checksum is
// computed over, matching Bundle's field order.
type checksumPayload struct {
	Records  []core.Record        `json:"records"`
	Metadata []core.MetadataEntry `json:"metadata"`
}

func computeChecksum(records []core.Record, metadata []core.MetadataEntry) (string, error) {
	payload, err := json.Marshal(checksumPayload{Records: records, Metadata: metadata})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Export builds a Bundle for owner from store's current contents.
func Export(store metadatastore.Store, nowISO string) (Bundle, error) {
	records, err := store.GetAll()
	if err != nil {
		return Bundle{}, fmt.Errorf("exportimport: load records: %w", err)
	}
	metadata, err := store.GetAllMetadata()
	if err != nil {
		return Bundle{}, fmt.Errorf("exportimport: load metadata: %w", err)
	}

	checksum, err := computeChecksum(records, metadata)
	if err != nil {
		return Bundle{}, fmt.Errorf("exportimport: checksum: %w", err)
	}

	return Bundle{
		Version:     BundleVersion,
		ExportedAt:  nowISO,
		AppVersion:  AppVersion,
		Owner:       strings.ToLower(store.Owner()),
		RecordCount: len(records),
		Records:     records,
		Metadata:    metadata,
		Checksum:    checksum,
	}, nil
}

// Filename returns the spec's export filename convention:
// library-{owner_prefix8}-{YYYY-MM-DD}.json.
func Filename(owner string, date time.Time) string {
	prefix := strings.ToLower(owner)
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("library-%s-%s.json", prefix, date.Format("2006-01-02"))
}

// MergeStrategy governs how colliding ids are resolved on import.
type MergeStrategy int

const (
	SkipExisting MergeStrategy = iota
	PreferImport
)

// ImportOptions tune one Import call.
type ImportOptions struct {
	MergeStrategy MergeStrategy
	MaxFileSize   int64 // bytes; 0 means DefaultMaxFileSize
}

// ImportResult reports the outcome of an Import call.
type ImportResult struct {
	Success  bool
	Imported int
	Skipped  int
	Errors   []string
	Message  string
}

// bundleSchema is the structural JSON schema validated before any field is
// inspected by hand (spec step 3).
const bundleSchema = `{
  "type": "object",
  "required": ["version", "owner", "records", "checksum"],
  "properties": {
    "version": {"type": "integer"},
    "owner": {"type": "string", "minLength": 1},
    "records": {"type": "array"},
    "metadata": {"type": "array"},
    "checksum": {"type": "string", "minLength": 1}
  }
}`

// Import parses, validates, binds, and applies data as a Bundle for owner.
func Import(data []byte, owner string, store metadatastore.Store, opts ImportOptions) ImportResult {
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if int64(len(data)) > maxSize {
		return ImportResult{Success: false, Message: "file exceeds maximum import size"}
	}

	schemaLoader := gojsonschema.NewStringLoader(bundleSchema)
	docLoader := gojsonschema.NewBytesLoader(data)
	schemaResult, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return ImportResult{Success: false, Message: "malformed JSON: " + err.Error()}
	}
	if !schemaResult.Valid() {
		var errs []string
		for _, e := range schemaResult.Errors() {
			errs = append(errs, e.String())
		}
		return ImportResult{Success: false, Errors: errs, Message: "bundle failed structural validation"}
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return ImportResult{Success: false, Message: "malformed JSON: " + err.Error()}
	}

	if bundle.Version != BundleVersion {
		return ImportResult{Success: false, Message: fmt.Sprintf("unsupported bundle version %d", bundle.Version)}
	}

	spotCheck := bundle.Records
	if len(spotCheck) > 5 {
		spotCheck = spotCheck[:5]
	}
	for _, r := range spotCheck {
		if !recovery.IsValid(r) {
			return ImportResult{Success: false, Message: "bundle failed record spot-check"}
		}
	}

	if !strings.EqualFold(bundle.Owner, owner) {
		return ImportResult{Success: false, Message: "bundle owner does not match the requested identity"}
	}

	var warnings []string
	recomputed, err := computeChecksum(bundle.Records, bundle.Metadata)
	if err != nil || recomputed != bundle.Checksum {
		warnings = append(warnings, "checksum mismatch: bundle contents may have been modified")
	}

	existing, err := store.GetAll()
	if err != nil {
		return ImportResult{Success: false, Message: "failed to read current store: " + err.Error()}
	}
	existingIDs := make(map[string]bool, len(existing))
	for _, r := range existing {
		existingIDs[r.EntityID] = true
	}

	var toImport []core.Record
	skipped := 0
	for _, r := range bundle.Records {
		if existingIDs[r.EntityID] && opts.MergeStrategy != PreferImport {
			skipped++
			continue
		}
		toImport = append(toImport, r)
	}

	if len(toImport) > 0 {
		if err := store.PutMany(toImport); err != nil {
			return ImportResult{Success: false, Errors: warnings, Message: "failed to persist imported records: " + err.Error()}
		}
	}

	var metaErrs *multierror.Error
	for _, m := range bundle.Metadata {
		if err := store.SetMetadata(m); err != nil {
			metaErrs = multierror.Append(metaErrs, fmt.Errorf("metadata key %s: %w", m.Key, err))
		}
	}
	if metaErrs.ErrorOrNil() != nil {
		for _, e := range metaErrs.Errors {
			warnings = append(warnings, e.Error())
		}
	}

	return ImportResult{
		Success:  true,
		Imported: len(toImport),
		Skipped:  skipped,
		Errors:   warnings,
		Message:  fmt.Sprintf("imported %d, skipped %d", len(toImport), skipped),
	}
}
