// Package loader implements the Cache-First Loader (C9): the
// check-cache → fetch → authenticate → decrypt → admit pipeline for one
// entity at a time, with cancellation, at-most-once admission, and
// opportunistic persistent-storage requests. It generalizes the teacher's
// pkg/crypto encrypt/decrypt-at-the-boundary pattern and the blob store's
// idempotent Put into a full state machine with progress reporting.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haven-hvn/vidcache/internal/contentstore"
	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/internal/metadatastore"
	"github.com/haven-hvn/vidcache/internal/telemetry"
	"github.com/haven-hvn/vidcache/pkg/remote"
	"github.com/rs/zerolog/log"
)

// Stage is a position in the loader's state machine.
type Stage int

const (
	CheckingCache Stage = iota
	Fetching
	Authenticating
	Decrypting
	Caching
	Ready
	Error
	Cancelled
)

// Progress returns the percent weight for each stage (spec §4.9).
func (s Stage) Progress() int {
	switch s {
	case CheckingCache:
		return 5
	case Fetching:
		return 10
	case Authenticating:
		return 30
	case Decrypting:
		return 70
	case Caching:
		return 90
	case Ready:
		return 100
	default:
		return 0
	}
}

func (s Stage) String() string {
	switch s {
	case CheckingCache:
		return "CheckingCache"
	case Fetching:
		return "Fetching"
	case Authenticating:
		return "Authenticating"
	case Decrypting:
		return "Decrypting"
	case Caching:
		return "Caching"
	case Ready:
		return "Ready"
	case Cancelled:
		return "Cancelled"
	default:
		return "Error"
	}
}

// Clock is the time source Loader threads through to its collaborators.
// New sets it to the wall clock; the field holding it is unexported, so
// only code inside this package can replace it.
type Clock func() int64

func defaultClock() int64 { return time.Now().UnixMilli() }

// Handle is the live view of one Load: its current stage, progress, and
// (once Ready) the synthetic URL to play.
type Handle struct {
	ID string
	// SessionID distinguishes this particular run from any earlier or
	// later run against the same entity id, for log/cancellation
	// correlation across retries.
	SessionID string

	mu         sync.Mutex
	stage      Stage
	stageStart time.Time
	progress   int
	url        string
	cached     bool
	err        error

	loader *Loader
	entity core.WireEntity
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) snapshot() (Stage, int, string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stage, h.progress, h.url, h.cached, h.err
}

func (h *Handle) Stage() Stage     { s, _, _, _, _ := h.snapshot(); return s }
func (h *Handle) Progress() int    { _, p, _, _, _ := h.snapshot(); return p }
func (h *Handle) URL() string      { _, _, u, _, _ := h.snapshot(); return u }
func (h *Handle) Cached() bool     { _, _, _, c, _ := h.snapshot(); return c }
func (h *Handle) Err() error       { _, _, _, _, e := h.snapshot(); return e }
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) setStage(s Stage) {
	h.mu.Lock()
	prev, since := h.stage, h.stageStart
	h.stage = s
	h.progress = s.Progress()
	h.stageStart = time.Now()
	h.mu.Unlock()
	if !since.IsZero() {
		telemetry.LoaderStageDuration.WithLabelValues(prev.String()).Observe(time.Since(since).Seconds())
	}
}

func (h *Handle) finishReady(url string, cached bool) {
	h.mu.Lock()
	h.stage = Ready
	h.progress = Ready.Progress()
	h.url = url
	h.cached = cached
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.stage = Error
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) markCancelled() {
	h.mu.Lock()
	h.stage = Cancelled
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Retry restarts the pipeline from CheckingCache with the same entity.
func (h *Handle) Retry(ctx context.Context) *Handle {
	return h.loader.Load(ctx, h.entity)
}

// Loader runs the pipeline for exactly one in-flight entity at a time: a
// new Load for a different id cancels any prior in-flight operation; a
// Load for the same id while one is running returns the existing Handle.
type Loader struct {
	content    *contentstore.Store
	store      metadatastore.Store
	fetcher    remote.ContentFetcher
	decryptor  remote.Decryptor
	persistent remote.PersistentStorage
	clock      Clock

	mu      sync.Mutex
	current *Handle

	admissionMu sync.Mutex
	admitting   map[string]bool
	persisted   bool
}

func New(content *contentstore.Store, store metadatastore.Store, fetcher remote.ContentFetcher, decryptor remote.Decryptor, persistent remote.PersistentStorage) *Loader {
	return &Loader{
		content:    content,
		store:      store,
		fetcher:    fetcher,
		decryptor:  decryptor,
		persistent: persistent,
		clock:      defaultClock,
		admitting:  make(map[string]bool),
	}
}

// Load begins (or adopts) the pipeline for entity.
func (l *Loader) Load(ctx context.Context, entity core.WireEntity) *Handle {
	l.mu.Lock()
	if l.current != nil && l.current.ID == entity.ID && !l.current.isDone() {
		h := l.current
		l.mu.Unlock()
		return h
	}
	if l.current != nil && !l.current.isDone() {
		l.current.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ID:        entity.ID,
		SessionID: uuid.NewString(),
		stage:     CheckingCache,
		loader:    l,
		entity:    entity,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	l.current = h
	l.mu.Unlock()

	go l.run(runCtx, h)
	return h
}

func (l *Loader) run(ctx context.Context, h *Handle) {
	entity := h.entity
	log.Debug().Str("entity_id", entity.ID).Str("session_id", h.SessionID).Msg("loader run started")
	h.setStage(CheckingCache)

	if l.content.Has(entity.ID) {
		telemetry.CacheHits.Inc()
		l.touchLastAccessed(entity.ID)
		h.finishReady(l.content.GetURL(entity.ID), true)
		return
	}
	telemetry.CacheMisses.Inc()

	if ctx.Err() != nil {
		h.markCancelled()
		return
	}

	h.setStage(Fetching)
	address := entity.ContentAddress
	if entity.Encrypted {
		address = entity.EncryptedContentAddress
	}
	raw, err := l.fetcher.Fetch(ctx, address, remote.FetchOptions{})
	if err != nil {
		if ctx.Err() != nil {
			h.markCancelled()
			return
		}
		h.fail(err)
		return
	}
	if ctx.Err() != nil {
		h.markCancelled()
		return
	}

	data := raw
	if entity.Encrypted {
		h.setStage(Authenticating)
		h.setStage(Decrypting)
		plaintext, err := l.decryptor.Decrypt(entity, raw)
		if err != nil {
			h.fail(err)
			return
		}
		data = plaintext
	}

	if ctx.Err() != nil {
		h.markCancelled()
		return
	}

	if !l.claimAdmission(entity.ID) {
		// another in-flight admission for this id owns the expensive
		// crypto/IO work; drop this run rather than duplicate it.
		h.markCancelled()
		return
	}
	defer l.releaseAdmission(entity.ID)

	h.setStage(Caching)
	mimeType := "video/mp4"
	if err := l.content.Put(entity.ID, data, mimeType, l.clock()); err != nil {
		h.fail(err)
		return
	}
	l.markCached(entity.ID)
	l.requestPersistentOnce(ctx)

	h.finishReady(l.content.GetURL(entity.ID), true)
}

func (l *Loader) claimAdmission(id string) bool {
	l.admissionMu.Lock()
	defer l.admissionMu.Unlock()
	if l.admitting[id] {
		return false
	}
	l.admitting[id] = true
	return true
}

func (l *Loader) releaseAdmission(id string) {
	l.admissionMu.Lock()
	delete(l.admitting, id)
	l.admissionMu.Unlock()
}

func (l *Loader) touchLastAccessed(id string) {
	r, err := l.store.Get(id)
	if err != nil {
		return
	}
	r.LastAccessedAt = l.clock()
	if err := l.store.Put(r); err != nil {
		log.Debug().Str("entity_id", id).Err(err).Msg("failed to update last_accessed_at")
	}
}

func (l *Loader) markCached(id string) {
	r, err := l.store.Get(id)
	if err != nil {
		return
	}
	r.ContentStatus = core.ContentCached
	cachedAt := l.clock()
	r.ContentCachedAt = &cachedAt
	if err := l.store.Put(r); err != nil {
		log.Debug().Str("entity_id", id).Err(err).Msg("failed to mark record cached")
	}
}

func (l *Loader) requestPersistentOnce(ctx context.Context) {
	if l.persistent == nil {
		return
	}
	l.admissionMu.Lock()
	already := l.persisted
	l.persisted = true
	l.admissionMu.Unlock()
	if already {
		return
	}
	if _, err := l.persistent.RequestPersistent(ctx); err != nil {
		log.Debug().Err(err).Msg("persistent storage request failed (best effort)")
	}
}

// Evict deletes id from the content store and marks the record
// uncached.
func (l *Loader) Evict(id string) error {
	if err := l.content.Delete(id); err != nil {
		return err
	}
	telemetry.Evictions.WithLabelValues("manual").Inc()
	if r, err := l.store.Get(id); err == nil {
		r.ContentStatus = core.ContentNotCached
		r.ContentCachedAt = nil
		return l.store.Put(r)
	}
	return nil
}
