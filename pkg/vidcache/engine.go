// Package vidcache is the public API surface for this module: the only
// package an embedding application should import. It wires the Metadata
// Store (C3), Content Store (C4), Error Classifier & Recovery (C5),
// Reconciliation Engine (C6), Expiration Tracker (C7), Background
// Scheduler (C8), Cache-First Loader (C9), and Export/Import (C10)
// components behind one Engine, the way the teacher's pkg/engine wraps its
// own internal implementation package.
package vidcache

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/haven-hvn/vidcache/internal/contentstore"
	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/internal/exportimport"
	"github.com/haven-hvn/vidcache/internal/expiration"
	"github.com/haven-hvn/vidcache/internal/loader"
	"github.com/haven-hvn/vidcache/internal/metadatastore"
	"github.com/haven-hvn/vidcache/internal/metadatastore/sqlite"
	"github.com/haven-hvn/vidcache/internal/migration"
	"github.com/haven-hvn/vidcache/internal/reconcile"
	"github.com/haven-hvn/vidcache/internal/recovery"
	"github.com/haven-hvn/vidcache/internal/scheduler"
	"github.com/haven-hvn/vidcache/pkg/remote"
)

// Config configures one owner's Engine.
type Config struct {
	// DataDir holds the owner's SQLite metadata file, content blobs, and
	// scheduler bookkeeping. Required unless InMemory is set.
	DataDir string

	// InMemory runs the metadata store against an in-memory SQLite
	// database and creates no scheduler, for tests and demos; Content Store
	// blobs still need a directory (DataDir, or ./vidcache-content when
	// DataDir is empty).
	InMemory bool

	Owner string

	EntityClient      remote.EntityClient
	ContentFetcher    remote.ContentFetcher
	Decryptor         remote.Decryptor
	PersistentStorage remote.PersistentStorage

	SchedulerConfig scheduler.Config
	Gate            scheduler.Gate
}

// Engine is the full public surface: loading, syncing, querying,
// expiration status, export/import, and cache maintenance for one owner.
type Engine struct {
	owner string

	store   metadatastore.Store
	content *contentstore.Store
	handler *contentstore.Handler

	reconciler *reconcile.Engine
	tracker    *expiration.Tracker
	ld         *loader.Loader
	registry   *scheduler.Registry
	sched      *scheduler.Scheduler

	entityClient remote.EntityClient
}

// New opens or creates every store Config names and wires the full
// pipeline for Config.Owner.
func New(cfg Config) (*Engine, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("vidcache: owner is required")
	}

	metaPath := ":memory:"
	contentDir := cfg.DataDir
	bookPath := ""
	if !cfg.InMemory {
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("vidcache: DataDir is required unless InMemory is set")
		}
		metaPath = filepath.Join(cfg.DataDir, "metadata.db")
		bookPath = filepath.Join(cfg.DataDir, "scheduler.bbolt")
	} else if contentDir == "" {
		contentDir = filepath.Join(".", "vidcache-content")
	}

	store, err := sqlite.Open(metaPath, cfg.Owner, migration.Default())
	if err != nil {
		return nil, fmt.Errorf("vidcache: open metadata store: %w", err)
	}

	content, err := contentstore.Open(contentDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("vidcache: open content store: %w", err)
	}

	ld := loader.New(content, store, cfg.ContentFetcher, cfg.Decryptor, cfg.PersistentStorage)
	reconciler := reconcile.NewEngine(store)
	tracker := expiration.NewTracker()

	e := &Engine{
		owner:        store.Owner(),
		store:        store,
		content:      content,
		handler:      contentstore.NewHandler(content),
		reconciler:   reconciler,
		tracker:      tracker,
		ld:           ld,
		entityClient: cfg.EntityClient,
	}

	if bookPath != "" {
		registry, err := scheduler.NewRegistry(bookPath)
		if err != nil {
			content.Close()
			store.Close()
			return nil, fmt.Errorf("vidcache: open scheduler bookkeeping: %w", err)
		}
		e.registry = registry
		cfgSched := cfg.SchedulerConfig
		if cfgSched == (scheduler.Config{}) {
			cfgSched = scheduler.DefaultConfig()
		}
		e.sched = registry.GetOrCreate(e.owner, cfgSched, cfg.Gate, e.syncOnceNow)
	}

	return e, nil
}

// Handler exposes the Content Store's range-read HTTP handler, for an
// embedder that wants to serve "/v/{id}" directly.
func (e *Engine) Handler() *contentstore.Handler { return e.handler }

// Load begins (or adopts) the Cache-First Loader pipeline for entity.
func (e *Engine) Load(ctx context.Context, entity core.WireEntity) *loader.Handle {
	return e.ld.Load(ctx, entity)
}

// Evict removes one entity's cached content.
func (e *Engine) Evict(id string) error {
	return e.ld.Evict(id)
}

func (e *Engine) syncOnceNow(ctx context.Context) (core.SyncResult, error) {
	if e.entityClient == nil {
		return core.SyncResult{}, fmt.Errorf("vidcache: no entity client configured")
	}
	snapshot, err := e.entityClient.ListByOwner(ctx, e.owner, 0)
	if err != nil {
		return core.SyncResult{}, fmt.Errorf("vidcache: list entities: %w", err)
	}
	nowMs := time.Now().UnixMilli()

	result, err := e.reconciler.SyncOnce(snapshot, nowMs)
	if err != nil {
		return result, err
	}

	if timing, err := e.entityClient.BlockTiming(ctx); err == nil {
		e.tracker.UpdateBlockTiming(timing, nowMs)
		e.tracker.MarkExpiredVideos(ctx, e.store, nowMs)
		e.tracker.RefreshExpiringSoon(ctx, e.store, e.entityClient, nowMs)
	}
	return result, nil
}

// SyncOnce runs one reconciliation pass immediately, outside the
// scheduler's gating (an explicit user-triggered sync).
func (e *Engine) SyncOnce(ctx context.Context) (core.SyncResult, error) {
	return e.syncOnceNow(ctx)
}

// StartScheduler begins the gated background sync loop, if a scheduler was
// configured (InMemory unset at New).
func (e *Engine) StartScheduler(ctx context.Context) {
	if e.sched != nil {
		e.sched.Start(ctx)
	}
}

// StopScheduler halts the background sync loop, waiting for any in-flight
// sync to finish.
func (e *Engine) StopScheduler() {
	if e.sched != nil {
		e.sched.Stop()
	}
}

// NotifyUserActivity, NotifyOnline, NotifyVisible forward the scheduler's
// host-environment signals; they are no-ops without a configured scheduler.
func (e *Engine) NotifyUserActivity() {
	if e.sched != nil {
		e.sched.NotifyUserActivity()
	}
}

func (e *Engine) NotifyOnline(ctx context.Context) {
	if e.sched != nil {
		e.sched.NotifyOnline(ctx)
	}
}

func (e *Engine) NotifyVisible(ctx context.Context) {
	if e.sched != nil {
		e.sched.NotifyVisible(ctx)
	}
}

// Stats reports the owner's current store summary.
func (e *Engine) Stats() (metadatastore.Stats, error) {
	return e.store.Stats()
}

// Records returns every stored Record for the owner.
func (e *Engine) Records() ([]core.Record, error) {
	return e.store.GetAll()
}

// Record returns one stored Record by id.
func (e *Engine) Record(id string) (core.Record, error) {
	return e.store.Get(id)
}

// Merge returns the UI-facing merge of a fresh snapshot against locally
// stored Expired records (spec §4.6 merge view).
func (e *Engine) Merge(snapshot []core.WireEntity) ([]core.WireEntity, error) {
	stored, err := e.store.GetAll()
	if err != nil {
		return nil, err
	}
	return reconcile.Merge(snapshot, stored), nil
}

// ExpirationStatus reports the expiration disposition of every given
// record against the Expiration Tracker's current block height.
func (e *Engine) ExpirationStatus(records []core.Record) expiration.StatusSummary {
	return e.tracker.StatusAll(records, time.Now().UnixMilli())
}

// ClearExpired deletes every Expired record and its cached content.
func (e *Engine) ClearExpired() (int, error) {
	all, err := e.store.GetAll()
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, r := range all {
		if r.EntityStatus == core.StatusExpired {
			ids = append(ids, r.EntityID)
		}
	}
	for _, id := range ids {
		e.content.Delete(id)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := e.store.DeleteMany(ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ClearAll wipes every stored record and every cached blob for the owner.
func (e *Engine) ClearAll() error {
	if err := e.content.ClearAll(); err != nil {
		return err
	}
	return e.store.Clear()
}

// Export builds a portable Bundle of the owner's current library.
func (e *Engine) Export() (exportimport.Bundle, error) {
	return exportimport.Export(e.store, time.Now().UTC().Format(time.RFC3339))
}

// Import applies a previously exported Bundle back into the owner's store.
func (e *Engine) Import(data []byte, opts exportimport.ImportOptions) exportimport.ImportResult {
	return exportimport.Import(data, e.owner, e.store, opts)
}

// WithRecovery runs a fallible mutation through the Error Classifier &
// Recovery envelope, evicting/reconnecting/retrying as the classified
// fault allows, and returning fallback rather than propagating the error
// (spec §4.5).
func (e *Engine) WithRecovery(ctx context.Context, op recovery.Op, fallback any) any {
	var reconnector recovery.Reconnector
	if r, ok := e.store.(recovery.Reconnector); ok {
		reconnector = r
	}
	return recovery.WithRecovery(ctx, e.owner, op, fallback, e.store, reconnector)
}

// Close releases every underlying store and stops the scheduler if one was
// started.
func (e *Engine) Close() error {
	if e.sched != nil {
		e.sched.Stop()
	}
	if e.registry != nil {
		e.registry.Close()
	}
	if err := e.content.Close(); err != nil {
		e.store.Close()
		return err
	}
	return e.store.Close()
}
