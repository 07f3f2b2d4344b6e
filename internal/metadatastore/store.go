// Package metadatastore defines the per-owner keyed Metadata Store
// contract (C3): primary key entity_id, secondary indexes by owner,
// cached_at, last_synced_at and status, plus atomic batch writes.
package metadatastore

import "github.com/haven-hvn/vidcache/internal/core"

// ListFilter narrows GetAll-style reads. Zero value means no filtering.
type ListFilter struct {
	Status *core.EntityStatus
	// Tag, when non-empty, restricts results to records whose Tags
	// contains this exact value.
	Tag   string
	Limit int
}

// Stats summarizes one owner's store for diagnostics and UI display.
type Stats struct {
	Total           int
	Active          int
	Expired         int
	ApproxSizeBytes int64
	LastFullSync    int64
	Oldest          int64
	Newest          int64
}

// ErrNotFound is returned when a Record is missing for the given id.
type ErrNotFound struct {
	EntityID string
}

func (e ErrNotFound) Error() string {
	return "record not found: " + e.EntityID
}

// Store is the per-owner Metadata Store contract. Every implementation is
// bound to exactly one normalized owner at construction time; no operation
// is allowed to cross owners.
type Store interface {
	Owner() string

	Get(entityID string) (core.Record, error)
	GetAll() ([]core.Record, error)
	List(filter ListFilter) ([]core.Record, error)

	Put(r core.Record) error
	PutMany(rs []core.Record) error

	Delete(entityID string) error
	DeleteMany(ids []string) error
	Clear() error

	GetMetadata(key string) (core.MetadataEntry, bool, error)
	SetMetadata(e core.MetadataEntry) error
	GetAllMetadata() ([]core.MetadataEntry, error)

	// ByLastAccessed returns Records in ascending last_accessed_at order
	// (oldest first), the shape LRU eviction needs. limit <= 0 means all.
	ByLastAccessed(limit int) ([]core.Record, error)

	Stats() (Stats, error)

	Close() error
}
