// Package scheduler implements the Background Scheduler (C8): a
// cooperative, single-threaded-per-owner sync loop gated by visibility,
// network, and user-idle signals, with a process-wide registry enforcing
// at most one scheduler per normalized owner. It generalizes the
// teacher's sync.SyncService Start/Stop/Metrics lifecycle from a
// libp2p-host-driven loop into a time.Ticker-driven loop backed by a
// bbolt bookkeeping store that survives process restarts.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

// State is the scheduler's position in its lifecycle state machine.
type State int

const (
	Idle State = iota
	Scheduled
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "Scheduled"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return "Idle"
	}
}

// Config tunes one owner's scheduler.
type Config struct {
	// BaseInterval is the tick period between gated sync attempts.
	// Default: 30s.
	BaseInterval time.Duration

	// IdleThreshold is how long without user activity before ticks are
	// gated unless the idle-override multiple has elapsed. Default: 15m.
	IdleThreshold time.Duration

	// IdleOverrideMultiple: a gated-idle tick still fires once this many
	// base intervals have elapsed since the last sync. Default: 3.
	IdleOverrideMultiple int

	// VisibleSyncStaleness: on becoming visible, sync immediately if the
	// last sync is older than this. Default: 5m.
	VisibleSyncStaleness time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseInterval:         30 * time.Second,
		IdleThreshold:        15 * time.Minute,
		IdleOverrideMultiple: 3,
		VisibleSyncStaleness: 5 * time.Minute,
	}
}

// Gate reports the environmental signals that gate a tick. A headless
// deployment can supply a Gate that always reports visible/online.
type Gate interface {
	Visible() bool
	Online() bool
}

// SyncFunc performs one reconciliation pass for the owner.
type SyncFunc func(ctx context.Context) (core.SyncResult, error)

// Metrics mirrors the teacher's SyncMetrics shape for this loop.
type Metrics struct {
	TickCount    int64
	SyncAttempts int64
	SyncFailures int64
}

// Scheduler runs gated sync_once ticks for exactly one owner.
type Scheduler struct {
	owner  string
	cfg    Config
	gate   Gate
	syncFn SyncFunc
	book   *bookkeeper

	mu               sync.Mutex
	state            State
	isRunning        bool // at-most-one in-flight sync_once
	lastUserActivity time.Time
	metrics          Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

func newScheduler(owner string, cfg Config, gate Gate, syncFn SyncFunc, book *bookkeeper) *Scheduler {
	return &Scheduler{
		owner:            owner,
		cfg:              cfg,
		gate:             gate,
		syncFn:           syncFn,
		book:             book,
		state:            Idle,
		lastUserActivity: time.Now(),
	}
}

// Start transitions Idle/Stopped -> Scheduled and begins ticking. A
// follow-up Start after Stop restarts cleanly.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state == Scheduled || s.state == Running {
		s.mu.Unlock()
		return
	}
	s.state = Scheduled
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(runCtx)
}

// Stop clears the tick source; an in-flight sync_once runs to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
}

// NotifyUserActivity refreshes last_user_activity_at (pointer/key/touch/
// scroll events).
func (s *Scheduler) NotifyUserActivity() {
	s.mu.Lock()
	s.lastUserActivity = time.Now()
	s.mu.Unlock()
}

// NotifyOnline triggers an immediate sync_once.
func (s *Scheduler) NotifyOnline(ctx context.Context) {
	s.runOnce(ctx)
}

// NotifyVisible triggers sync_once if last_synced_at is older than
// VisibleSyncStaleness.
func (s *Scheduler) NotifyVisible(ctx context.Context) {
	last := s.book.lastSyncedAt(s.owner)
	if last.IsZero() || time.Since(last) > s.cfg.VisibleSyncStaleness {
		s.runOnce(ctx)
	}
}

func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.BaseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.metrics.TickCount++
			s.mu.Unlock()
			if s.shouldSkip() {
				continue
			}
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) shouldSkip() bool {
	if s.gate != nil && !s.gate.Visible() {
		return true
	}
	if s.gate != nil && !s.gate.Online() {
		return true
	}

	s.mu.Lock()
	idleFor := time.Since(s.lastUserActivity)
	s.mu.Unlock()

	if idleFor > s.cfg.IdleThreshold {
		last := s.book.lastSyncedAt(s.owner)
		staleFor := time.Since(last)
		if last.IsZero() || staleFor <= time.Duration(s.cfg.IdleOverrideMultiple)*s.cfg.BaseInterval {
			return true
		}
	}
	return false
}

// runOnce enforces at-most-one in-flight sync_once (the is_running mutex).
func (s *Scheduler) runOnce(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.state = Running
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		if s.state == Running {
			s.state = Scheduled
		}
		s.mu.Unlock()
	}()

	runToken := uuid.NewString()

	s.mu.Lock()
	s.metrics.SyncAttempts++
	s.mu.Unlock()

	_, err := s.syncFn(ctx)
	if err != nil {
		s.mu.Lock()
		s.metrics.SyncFailures++
		s.mu.Unlock()
		log.Warn().Str("owner", s.owner).Str("run_token", runToken).Err(err).Msg("scheduled sync_once failed")
		return
	}
	s.book.setLastSyncedAt(s.owner, time.Now())
	log.Debug().Str("owner", s.owner).Str("run_token", runToken).Msg("scheduled sync_once completed")
}

// Registry enforces at most one Scheduler instance per normalized owner,
// backed by a bbolt store for bookkeeping that outlives any one process.
type Registry struct {
	mu         sync.Mutex
	schedulers map[string]*Scheduler
	book       *bookkeeper
}

// NewRegistry opens (or creates) the bbolt bookkeeping store at path.
func NewRegistry(path string) (*Registry, error) {
	book, err := openBookkeeper(path)
	if err != nil {
		return nil, err
	}
	return &Registry{schedulers: make(map[string]*Scheduler), book: book}, nil
}

// GetOrCreate returns the Scheduler for owner, creating it with cfg/gate/
// syncFn if none exists yet. Subsequent calls for the same owner ignore
// cfg/gate/syncFn and return the existing instance.
func (r *Registry) GetOrCreate(owner string, cfg Config, gate Gate, syncFn SyncFunc) *Scheduler {
	owner = strings.ToLower(owner)
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.schedulers[owner]; ok {
		return s
	}
	s := newScheduler(owner, cfg, gate, syncFn, r.book)
	r.schedulers[owner] = s
	return s
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.schedulers {
		s.Stop()
	}
	return r.book.close()
}

// bookkeeper persists per-owner scheduler state in bbolt so last_synced_at
// survives a process restart independent of the metadata DB.
type bookkeeper struct {
	db *bolt.DB
}

var schedulerBucket = []byte("scheduler")

func openBookkeeper(path string) (*bookkeeper, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("scheduler: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(schedulerBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &bookkeeper{db: db}, nil
}

func (b *bookkeeper) lastSyncedAt(owner string) time.Time {
	var out time.Time
	b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(schedulerBucket).Get([]byte(owner + ".last_synced_at"))
		if v == nil {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, string(v))
		if err == nil {
			out = t
		}
		return nil
	})
	return out
}

func (b *bookkeeper) setLastSyncedAt(owner string, t time.Time) {
	b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(schedulerBucket).Put([]byte(owner+".last_synced_at"), []byte(t.Format(time.RFC3339Nano)))
	})
}

func (b *bookkeeper) close() error {
	return b.db.Close()
}
