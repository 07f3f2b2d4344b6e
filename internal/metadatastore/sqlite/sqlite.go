// Package sqlite implements the Metadata Store (C3) contract on top of
// SQLite, one database file per normalized owner, generalizing the
// teacher's content-addressed entries table (Put/Get/List/Delete/
// ApplyBatch, upsert-on-conflict) to cache-annotated video Records with
// the secondary indexes the spec requires.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/internal/metadatastore"
	"github.com/haven-hvn/vidcache/internal/migration"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a per-owner SQLite-backed Metadata Store.
type Store struct {
	db     *sql.DB
	owner  string
	path   string
	ladder *migration.Ladder
}

// Open opens (creating if necessary) the metadata store at path for owner,
// running the migration ladder to bring the schema up to
// core.CurrentSchemaVersion. A nil ladder skips migration entirely (tests
// exercising a bare schema); production callers pass migration.Default().
func Open(path, owner string, ladder *migration.Ladder) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("metadatastore: open: %w", err)
	}

	s := &Store{db: db, owner: normalizeOwner(owner), path: path, ladder: ladder}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadatastore: init schema: %w", err)
	}

	if ladder != nil {
		current, err := s.schemaVersion()
		if err != nil {
			db.Close()
			return nil, err
		}
		if _, err := ladder.Run(db, current, core.CurrentSchemaVersion, s.migrationMarker, s.setSchemaVersion); err != nil {
			// Partial migration is better than none: the open still succeeds
			// at whatever version the ladder reached.
			_ = err
		}
	}

	return s, nil
}

// Reconnect closes and reopens the underlying SQLite connection, the
// Metadata Store half of the DbBlocked recovery strategy.
func (s *Store) Reconnect() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", s.path+"?_foreign_keys=on")
	if err != nil {
		return err
	}
	s.db = db
	return s.initSchema()
}

// ensureLatest applies the migration ladder's lazy per-record upgrade to
// every record this store returns from a read. The upgraded value is not
// written back; the next Put persists it.
func (s *Store) ensureLatest(r core.Record) core.Record {
	if s.ladder == nil {
		return r
	}
	return s.ladder.EnsureLatest(r)
}

func (s *Store) Owner() string { return s.owner }

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			entity_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			content_address TEXT NOT NULL,
			encrypted_content_address TEXT NOT NULL DEFAULT '',
			encrypted INTEGER NOT NULL DEFAULT 0,
			encryption_metadata BLOB,
			ai_metadata_address TEXT NOT NULL DEFAULT '',
			mint_id TEXT NOT NULL DEFAULT '',
			source_uri TEXT NOT NULL DEFAULT '',
			handle TEXT NOT NULL DEFAULT '',
			variants_json TEXT NOT NULL DEFAULT '[]',
			segment_json TEXT,
			expires_at_block INTEGER,
			entity_created_at INTEGER NOT NULL DEFAULT 0,
			entity_updated_at INTEGER NOT NULL DEFAULT 0,

			cached_at INTEGER NOT NULL,
			last_synced_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			entity_status TEXT NOT NULL,
			sync_hash TEXT NOT NULL,
			is_dirty INTEGER NOT NULL DEFAULT 0,
			content_status TEXT NOT NULL,
			content_cached_at INTEGER,
			tags_json TEXT NOT NULL DEFAULT '[]'
		);

		CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner);
		CREATE INDEX IF NOT EXISTS idx_records_cached_at ON records(cached_at);
		CREATE INDEX IF NOT EXISTS idx_records_last_synced ON records(last_synced_at);
		CREATE INDEX IF NOT EXISTS idx_records_last_accessed ON records(last_accessed_at);
		CREATE INDEX IF NOT EXISTS idx_records_status ON records(entity_status);

		CREATE TABLE IF NOT EXISTS metadata_entries (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS vidcache_meta (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) schemaVersion() (int, error) {
	var v string
	err := s.db.QueryRow(`SELECT v FROM vidcache_meta WHERE k = 'schemaVersion'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n, nil
}

func (s *Store) migrationMarker() (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT v FROM vidcache_meta WHERE k = 'migrationFailed'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s *Store) setSchemaVersion(version int, failedMarker string) error {
	_, err := s.db.Exec(`
		INSERT INTO vidcache_meta (k, v) VALUES ('schemaVersion', ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v
	`, fmt.Sprintf("%d", version))
	if err != nil {
		return err
	}
	if failedMarker == "" {
		_, err = s.db.Exec(`DELETE FROM vidcache_meta WHERE k = 'migrationFailed'`)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO vidcache_meta (k, v) VALUES ('migrationFailed', ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v
	`, failedMarker)
	return err
}

// Put upserts a single Record (spec: "put overwrites existing record for
// the same key").
func (s *Store) Put(r core.Record) error {
	return s.PutMany([]core.Record{r})
}

// PutMany writes every record inside one atomic transaction: either all
// are written, or — on any failure — none are (spec §5, §4.3).
func (s *Store) PutMany(rs []core.Record) error {
	if len(rs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("metadatastore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO records (
			entity_id, owner, title, description, duration_seconds, content_address,
			encrypted_content_address, encrypted, encryption_metadata, ai_metadata_address,
			mint_id, source_uri, handle, variants_json, segment_json, expires_at_block,
			entity_created_at, entity_updated_at, cached_at, last_synced_at, last_accessed_at,
			schema_version, entity_status, sync_hash, is_dirty, content_status, content_cached_at,
			tags_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			owner = excluded.owner, title = excluded.title, description = excluded.description,
			duration_seconds = excluded.duration_seconds, content_address = excluded.content_address,
			encrypted_content_address = excluded.encrypted_content_address, encrypted = excluded.encrypted,
			encryption_metadata = excluded.encryption_metadata, ai_metadata_address = excluded.ai_metadata_address,
			mint_id = excluded.mint_id, source_uri = excluded.source_uri, handle = excluded.handle,
			variants_json = excluded.variants_json, segment_json = excluded.segment_json,
			expires_at_block = excluded.expires_at_block, entity_created_at = excluded.entity_created_at,
			entity_updated_at = excluded.entity_updated_at, cached_at = excluded.cached_at,
			last_synced_at = excluded.last_synced_at, last_accessed_at = excluded.last_accessed_at,
			schema_version = excluded.schema_version, entity_status = excluded.entity_status,
			sync_hash = excluded.sync_hash, is_dirty = excluded.is_dirty,
			content_status = excluded.content_status, content_cached_at = excluded.content_cached_at,
			tags_json = excluded.tags_json
	`)
	if err != nil {
		return fmt.Errorf("metadatastore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rs {
		row, err := rowFromRecord(r)
		if err != nil {
			return fmt.Errorf("metadatastore: encode %s: %w", r.EntityID, err)
		}
		if _, err := stmt.Exec(row.args()...); err != nil {
			return fmt.Errorf("metadatastore: put %s: %w", r.EntityID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) Get(entityID string) (core.Record, error) {
	row := s.db.QueryRow(selectColumns+` WHERE entity_id = ?`, entityID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return core.Record{}, metadatastore.ErrNotFound{EntityID: entityID}
	}
	if err != nil {
		return core.Record{}, err
	}
	return s.ensureLatest(r), nil
}

func (s *Store) GetAll() ([]core.Record, error) {
	return s.List(metadatastore.ListFilter{})
}

func (s *Store) List(filter metadatastore.ListFilter) ([]core.Record, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []any

	if filter.Status != nil {
		query += ` AND entity_status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Tag != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(records.tags_json) WHERE json_each.value = ?)`
		args = append(args, filter.Tag)
	}
	query += ` ORDER BY entity_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: list: %w", err)
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s.ensureLatest(r))
	}
	return out, rows.Err()
}

func (s *Store) ByLastAccessed(limit int) ([]core.Record, error) {
	query := selectColumns + ` ORDER BY last_accessed_at ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s.ensureLatest(r))
	}
	return out, rows.Err()
}

func (s *Store) Delete(entityID string) error {
	return s.DeleteMany([]string{entityID})
}

func (s *Store) DeleteMany(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM records WHERE entity_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("metadatastore: delete %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Clear removes all Records but preserves metadata entries.
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM records`)
	return err
}

func (s *Store) GetMetadata(key string) (core.MetadataEntry, bool, error) {
	var valueJSON string
	var updatedAt int64
	err := s.db.QueryRow(`SELECT value_json, updated_at FROM metadata_entries WHERE key = ?`, key).
		Scan(&valueJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return core.MetadataEntry{}, false, nil
	}
	if err != nil {
		return core.MetadataEntry{}, false, err
	}
	var value any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return core.MetadataEntry{}, false, err
	}
	return core.MetadataEntry{Key: key, Value: value, UpdatedAt: updatedAt}, true, nil
}

func (s *Store) SetMetadata(e core.MetadataEntry) error {
	valueJSON, err := json.Marshal(e.Value)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO metadata_entries (key, value_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at
	`, e.Key, string(valueJSON), e.UpdatedAt)
	return err
}

func (s *Store) GetAllMetadata() ([]core.MetadataEntry, error) {
	rows, err := s.db.Query(`SELECT key, value_json, updated_at FROM metadata_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.MetadataEntry
	for rows.Next() {
		var key, valueJSON string
		var updatedAt int64
		if err := rows.Scan(&key, &valueJSON, &updatedAt); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
			return nil, err
		}
		out = append(out, core.MetadataEntry{Key: key, Value: value, UpdatedAt: updatedAt})
	}
	return out, rows.Err()
}

func (s *Store) Stats() (metadatastore.Stats, error) {
	var stats metadatastore.Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN entity_status = 'active' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN entity_status = 'expired' THEN 1 ELSE 0 END), 0),
		       COALESCE(MIN(cached_at), 0),
		       COALESCE(MAX(cached_at), 0)
		FROM records
	`).Scan(&stats.Total, &stats.Active, &stats.Expired, &stats.Oldest, &stats.Newest)
	if err != nil {
		return stats, err
	}

	if entry, ok, err := s.GetMetadata(core.MetaKeyLastFullSync); err == nil && ok {
		if f, ok := entry.Value.(float64); ok {
			stats.LastFullSync = int64(f)
		}
	}

	var total sql.NullInt64
	s.db.QueryRow(`SELECT SUM(LENGTH(encryption_metadata) + LENGTH(title) + LENGTH(description)) FROM records`).Scan(&total)
	stats.ApproxSizeBytes = total.Int64

	return stats, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT entity_id, owner, title, description, duration_seconds, content_address,
	       encrypted_content_address, encrypted, encryption_metadata, ai_metadata_address,
	       mint_id, source_uri, handle, variants_json, segment_json, expires_at_block,
	       entity_created_at, entity_updated_at, cached_at, last_synced_at, last_accessed_at,
	       schema_version, entity_status, sync_hash, is_dirty, content_status, content_cached_at,
	       tags_json
	FROM records`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (core.Record, error) {
	var r core.Record
	var encrypted, isDirty int
	var encContentAddr, aiAddr, mintID, sourceURI, handle sql.NullString
	var variantsJSON string
	var segmentJSON sql.NullString
	var expiresAtBlock sql.NullInt64
	var contentCachedAt sql.NullInt64
	var entityStatus, contentStatus string
	var tagsJSON string

	err := row.Scan(
		&r.EntityID, &r.Owner, &r.Title, &r.Description, &r.DurationSeconds, &r.ContentAddress,
		&encContentAddr, &encrypted, &r.EncryptionMetadata, &aiAddr,
		&mintID, &sourceURI, &handle, &variantsJSON, &segmentJSON, &expiresAtBlock,
		&r.EntityCreatedAt, &r.EntityUpdatedAt, &r.CachedAt, &r.LastSyncedAt, &r.LastAccessedAt,
		&r.SchemaVersion, &entityStatus, &r.SyncHash, &isDirty, &contentStatus, &contentCachedAt,
		&tagsJSON,
	)
	if err != nil {
		return core.Record{}, err
	}

	r.EncryptedContentAddress = encContentAddr.String
	r.Encrypted = encrypted != 0
	r.AIMetadataAddress = aiAddr.String
	r.MintID = mintID.String
	r.SourceURI = sourceURI.String
	r.Handle = handle.String
	r.IsDirty = isDirty != 0
	r.EntityStatus = core.EntityStatus(entityStatus)
	r.ContentStatus = core.ContentStatus(contentStatus)

	if variantsJSON != "" {
		json.Unmarshal([]byte(variantsJSON), &r.Variants)
	}
	if segmentJSON.Valid && segmentJSON.String != "" {
		var sd core.SegmentDescriptor
		if err := json.Unmarshal([]byte(segmentJSON.String), &sd); err == nil {
			r.SegmentDescriptor = &sd
		}
	}
	if expiresAtBlock.Valid {
		v := uint64(expiresAtBlock.Int64)
		r.ExpiresAtBlock = &v
	}
	if contentCachedAt.Valid {
		v := contentCachedAt.Int64
		r.ContentCachedAt = &v
	}
	if tagsJSON != "" {
		json.Unmarshal([]byte(tagsJSON), &r.Tags)
	}

	return r, nil
}

type recordRow struct {
	entityID, owner, title, description                     string
	durationSeconds                                          float64
	contentAddress, encContentAddress                        string
	encrypted                                                int
	encryptionMetadata                                       []byte
	aiAddr, mintID, sourceURI, handle                        string
	variantsJSON                                             string
	segmentJSON                                              sql.NullString
	expiresAtBlock                                           sql.NullInt64
	entityCreatedAt, entityUpdatedAt                         int64
	cachedAt, lastSyncedAt, lastAccessedAt                   int64
	schemaVersion                                            int
	entityStatus, syncHash                                   string
	isDirty                                                  int
	contentStatus                                            string
	contentCachedAt                                          sql.NullInt64
	tagsJSON                                                 string
}

func (r recordRow) args() []any {
	return []any{
		r.entityID, r.owner, r.title, r.description, r.durationSeconds, r.contentAddress,
		r.encContentAddress, r.encrypted, r.encryptionMetadata, r.aiAddr,
		r.mintID, r.sourceURI, r.handle, r.variantsJSON, r.segmentJSON, r.expiresAtBlock,
		r.entityCreatedAt, r.entityUpdatedAt, r.cachedAt, r.lastSyncedAt, r.lastAccessedAt,
		r.schemaVersion, r.entityStatus, r.syncHash, r.isDirty, r.contentStatus, r.contentCachedAt,
		r.tagsJSON,
	}
}

func rowFromRecord(r core.Record) (recordRow, error) {
	variantsJSON, err := json.Marshal(r.Variants)
	if err != nil {
		return recordRow{}, err
	}

	var segmentJSON sql.NullString
	if r.SegmentDescriptor != nil {
		b, err := json.Marshal(r.SegmentDescriptor)
		if err != nil {
			return recordRow{}, err
		}
		segmentJSON = sql.NullString{String: string(b), Valid: true}
	}

	var expiresAtBlock sql.NullInt64
	if r.ExpiresAtBlock != nil {
		expiresAtBlock = sql.NullInt64{Int64: int64(*r.ExpiresAtBlock), Valid: true}
	}

	var contentCachedAt sql.NullInt64
	if r.ContentCachedAt != nil {
		contentCachedAt = sql.NullInt64{Int64: *r.ContentCachedAt, Valid: true}
	}

	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return recordRow{}, err
	}

	encrypted := 0
	if r.Encrypted {
		encrypted = 1
	}
	isDirty := 0
	if r.IsDirty {
		isDirty = 1
	}

	return recordRow{
		entityID:            r.EntityID,
		owner:                normalizeOwner(r.Owner),
		title:                r.Title,
		description:          r.Description,
		durationSeconds:      r.DurationSeconds,
		contentAddress:       r.ContentAddress,
		encContentAddress:    r.EncryptedContentAddress,
		encrypted:            encrypted,
		encryptionMetadata:   r.EncryptionMetadata,
		aiAddr:               r.AIMetadataAddress,
		mintID:               r.MintID,
		sourceURI:            r.SourceURI,
		handle:               r.Handle,
		variantsJSON:         string(variantsJSON),
		segmentJSON:          segmentJSON,
		expiresAtBlock:       expiresAtBlock,
		entityCreatedAt:      r.EntityCreatedAt,
		entityUpdatedAt:      r.EntityUpdatedAt,
		cachedAt:             r.CachedAt,
		lastSyncedAt:         r.LastSyncedAt,
		lastAccessedAt:       r.LastAccessedAt,
		schemaVersion:        r.SchemaVersion,
		entityStatus:         string(r.EntityStatus),
		syncHash:             r.SyncHash,
		isDirty:              isDirty,
		contentStatus:        string(r.ContentStatus),
		contentCachedAt:      contentCachedAt,
		tagsJSON:             string(tagsJSON),
	}, nil
}

func normalizeOwner(owner string) string {
	return strings.ToLower(owner)
}
