// Package contentstore implements the Content Store (C4): a synthetic-URL
// keyed, process-wide blob store with range-read support. It generalizes
// the teacher's content-addressed blob.Store (hash-addressed files,
// atomic temp-then-rename writes) to entity-id addressing, fronted by an
// in-memory LRU so repeated has()/get_url() calls skip the SQLite index.
package contentstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haven-hvn/vidcache/internal/core"
	lru "github.com/hashicorp/golang-lru"
	_ "github.com/mattn/go-sqlite3"
)

// namespaceVersion is bumped whenever the on-disk blob layout changes.
// Stores tagged with an older version are purged on Activate (spec §4.4
// "Versioning").
const namespaceVersion = 1

// StorageEstimate mirrors the optional navigator.storage.estimate() shape.
type StorageEstimate struct {
	UsageBytes int64
	QuotaBytes int64
}

// Store is the process-wide Content Store.
type Store struct {
	dir string
	db  *sql.DB

	mu    sync.RWMutex
	cache *lru.Cache // entity_id -> core.ContentEntry
}

// Open opens or creates a content store rooted at dir. It takes no quota;
// StorageEstimate receives the quota to report as its own argument.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("contentstore: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.db")+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("contentstore: open index: %w", err)
	}

	s := &Store{dir: dir, db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	cache, err := lru.New(512)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.cache = cache

	if err := s.activate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS vidcache_content_meta (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS blobs (
			entity_id TEXT PRIMARY KEY,
			mime_type TEXT NOT NULL,
			byte_length INTEGER NOT NULL,
			cached_at INTEGER NOT NULL,
			ttl_seconds INTEGER,
			sha256 TEXT NOT NULL
		);
	`)
	return err
}

// activate purges any blobs written under an older namespace tag, then
// claims the current tag (spec §4.4 Versioning).
func (s *Store) activate() error {
	var stored string
	err := s.db.QueryRow(`SELECT v FROM vidcache_content_meta WHERE k = 'namespace'`).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	current := fmt.Sprintf("%d", namespaceVersion)
	if stored != "" && stored != current {
		if err := s.ClearAll(); err != nil {
			return fmt.Errorf("contentstore: purge stale namespace: %w", err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO vidcache_content_meta (k, v) VALUES ('namespace', ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v
	`, current)
	return err
}

func (s *Store) blobPath(entityID string) string {
	h := sha256.Sum256([]byte(entityID))
	name := hex.EncodeToString(h[:])
	return filepath.Join(s.dir, name[:2], name)
}

// Has reports whether entityID has admitted content.
func (s *Store) Has(entityID string) bool {
	s.mu.RLock()
	if _, ok := s.cache.Get(entityID); ok {
		s.mu.RUnlock()
		return true
	}
	s.mu.RUnlock()

	var count int
	s.db.QueryRow(`SELECT COUNT(*) FROM blobs WHERE entity_id = ?`, entityID).Scan(&count)
	return count > 0
}

// Put admits bytes for entityID, overwriting any prior entry.
func (s *Store) Put(entityID string, data []byte, mimeType string, cachedAt int64) error {
	path := s.blobPath(entityID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("contentstore: mkdir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("contentstore: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("contentstore: finalize: %w", err)
	}

	sum := sha256.Sum256(data)
	entry := core.ContentEntry{
		EntityID:   entityID,
		MimeType:   mimeType,
		ByteLength: int64(len(data)),
		CachedAt:   cachedAt,
	}

	_, err := s.db.Exec(`
		INSERT INTO blobs (entity_id, mime_type, byte_length, cached_at, ttl_seconds, sha256)
		VALUES (?, ?, ?, ?, NULL, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			mime_type = excluded.mime_type, byte_length = excluded.byte_length,
			cached_at = excluded.cached_at, sha256 = excluded.sha256
	`, entityID, mimeType, entry.ByteLength, cachedAt, hex.EncodeToString(sum[:]))
	if err != nil {
		return fmt.Errorf("contentstore: index: %w", err)
	}

	s.mu.Lock()
	s.cache.Add(entityID, entry)
	s.mu.Unlock()
	return nil
}

// Get returns the raw bytes for entityID.
func (s *Store) Get(entityID string) ([]byte, error) {
	if !s.Has(entityID) {
		return nil, fmt.Errorf("contentstore: not found: %s", entityID)
	}
	data, err := os.ReadFile(s.blobPath(entityID))
	if err != nil {
		return nil, fmt.Errorf("contentstore: read: %w", err)
	}
	return data, nil
}

// GetURL returns the synthetic URL that the in-process handler serves.
func (s *Store) GetURL(entityID string) string {
	return "/v/" + entityID
}

// Delete removes entityID's blob and index entry.
func (s *Store) Delete(entityID string) error {
	if err := os.Remove(s.blobPath(entityID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("contentstore: remove: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM blobs WHERE entity_id = ?`, entityID); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache.Remove(entityID)
	s.mu.Unlock()
	return nil
}

// ClearAll wipes every blob and index row, process-wide.
func (s *Store) ClearAll() error {
	rows, err := s.db.Query(`SELECT entity_id FROM blobs`)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		os.Remove(s.blobPath(id))
	}
	if _, err := s.db.Exec(`DELETE FROM blobs`); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// List returns every ContentEntry currently admitted.
func (s *Store) List() ([]core.ContentEntry, error) {
	rows, err := s.db.Query(`SELECT entity_id, mime_type, byte_length, cached_at, ttl_seconds FROM blobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.ContentEntry
	for rows.Next() {
		var e core.ContentEntry
		var ttl sql.NullInt64
		if err := rows.Scan(&e.EntityID, &e.MimeType, &e.ByteLength, &e.CachedAt, &ttl); err != nil {
			return nil, err
		}
		if ttl.Valid {
			v := ttl.Int64
			e.TTL = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StorageEstimate reports aggregate usage. quotaBytes <= 0 means unknown,
// callers should treat that as "no estimate available" per spec
// (storage_estimate() -> {usage, quota} | None).
func (s *Store) StorageEstimate(quotaBytes int64) (*StorageEstimate, error) {
	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(byte_length) FROM blobs`).Scan(&total); err != nil {
		return nil, err
	}
	if quotaBytes <= 0 {
		return nil, nil
	}
	return &StorageEstimate{UsageBytes: total.Int64, QuotaBytes: quotaBytes}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
