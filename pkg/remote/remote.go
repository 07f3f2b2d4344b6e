// Package remote defines the external collaborator surfaces the engine
// consumes: the remote entity directory, the content fetcher/decryptor
// pair, and optional persistent-storage permission. Every implementation
// is opaque to the core — it may fail arbitrarily, and the core never
// assumes anything about transport, retry, or caching behavior beneath
// these interfaces.
package remote

import (
	"context"

	"github.com/haven-hvn/vidcache/internal/core"
)

// QueryOptions page through an owner's entities.
type QueryOptions struct {
	Limit  int
	Cursor string
}

// BlockTiming reports the remote chain's current block and its average
// block interval, used by the Expiration Tracker (C7).
type BlockTiming struct {
	CurrentBlock     uint64
	BlockTimeSeconds uint32
}

// EntityClient is the remote entity directory.
type EntityClient interface {
	ListByOwner(ctx context.Context, owner string, limit int) ([]core.WireEntity, error)
	QueryByOwner(ctx context.Context, owner string, opts QueryOptions) ([]core.WireEntity, error)
	GetEntity(ctx context.Context, id string) (*core.WireEntity, error)
	BlockTiming(ctx context.Context) (BlockTiming, error)
}

// FetchOptions tunes a single content fetch.
type FetchOptions struct {
	TimeoutSeconds int
	OnProgress     func(fraction float64)
}

// ContentFetcher retrieves raw bytes for a content address. Implementations
// may fail arbitrarily (network, remote-side errors); such failures
// surface to the Cache-First Loader (C9) as a Fetch fault.
type ContentFetcher interface {
	Fetch(ctx context.Context, contentAddress string, opts FetchOptions) ([]byte, error)
}

// Decryptor decrypts content addressed by entity using the entity's own
// EncryptionMetadata. Implementations may fail arbitrarily; such failures
// surface to C9 as a Decryption fault.
type Decryptor interface {
	Decrypt(entity core.WireEntity, ciphertext []byte) ([]byte, error)
}

// PersistentStorage is the optional browser-storage-permission collaborator.
// A nil PersistentStorage means the host environment offers no such
// concept; callers must treat that as "persistence unknown", not "denied".
type PersistentStorage interface {
	RequestPersistent(ctx context.Context) (bool, error)
	IsPersisted(ctx context.Context) (bool, error)
	StorageEstimate(ctx context.Context) (usageBytes, quotaBytes int64, err error)
}
