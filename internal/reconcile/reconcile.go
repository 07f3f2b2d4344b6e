// Package reconcile implements the Reconciliation Engine (C6): it diffs a
// remote snapshot against the Metadata Store and produces a SyncResult,
// then exposes a merge view for the UI. It generalizes the teacher's
// internal/sync diff classification (added/updated/removed against a
// prior replica state) from a CRDT multi-writer merge to a single-writer,
// last-snapshot-wins reconciliation appropriate for a read-through cache.
package reconcile

import (
	"fmt"
	"sort"
	"sync"

	"github.com/haven-hvn/vidcache/internal/codec"
	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/internal/metadatastore"
	"github.com/haven-hvn/vidcache/internal/telemetry"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// ErrSyncInProgress is returned when SyncOnce is called while a prior call
// against the same Engine has not yet completed (spec §5: a concurrent
// sync_once is rejected).
var ErrSyncInProgress = fmt.Errorf("reconcile: sync already in progress")

// Engine runs reconciliation passes against one owner's Metadata Store.
type Engine struct {
	store metadatastore.Store

	mu      sync.Mutex
	syncing bool
}

func NewEngine(store metadatastore.Store) *Engine {
	return &Engine{store: store}
}

// SyncOnce reconciles snapshot (taken at wall time nowMs) against the
// store and returns the resulting SyncResult. Per-entity transform errors
// are collected into SyncResult.Errors without aborting the batch; a
// store-level failure (GetAll or PutMany) yields a single-item Errors
// slice and zeroed counters.
func (en *Engine) SyncOnce(snapshot []core.WireEntity, nowMs int64) (core.SyncResult, error) {
	en.mu.Lock()
	if en.syncing {
		en.mu.Unlock()
		telemetry.SyncOutcomes.WithLabelValues("rejected").Inc()
		return core.SyncResult{}, ErrSyncInProgress
	}
	en.syncing = true
	en.mu.Unlock()
	defer func() {
		en.mu.Lock()
		en.syncing = false
		en.mu.Unlock()
	}()

	existingList, err := en.store.GetAll()
	if err != nil {
		telemetry.SyncOutcomes.WithLabelValues("store_error").Inc()
		return core.SyncResult{Errors: []string{"failed to load existing records: " + err.Error()}, SyncedAt: nowMs}, nil
	}

	existing := make(map[string]core.Record, len(existingList))
	for _, r := range existingList {
		existing[r.EntityID] = r
	}

	var result core.SyncResult
	result.SyncedAt = nowMs

	var skipErrs *multierror.Error
	snapshotIDs := make(map[string]bool, len(snapshot))
	var toPut []core.Record

	for i, e := range snapshot {
		if e.ID == "" {
			skipErrs = multierror.Append(skipErrs, fmt.Errorf("snapshot entry %d: empty id", i))
			continue
		}
		snapshotIDs[e.ID] = true

		prior, ok := existing[e.ID]
		if !ok {
			result.Added++
			toPut = append(toPut, codec.ToRecord(e, nil))
			continue
		}
		if codec.HasChanged(e, prior) {
			result.Updated++
			toPut = append(toPut, codec.ToRecord(e, &prior))
			continue
		}
		result.Unchanged++
	}

	for _, r := range existingList {
		if snapshotIDs[r.EntityID] {
			continue
		}
		if r.EntityStatus != core.StatusActive {
			continue
		}
		result.Expired++
		toPut = append(toPut, markExpired(r, nowMs))
	}

	if len(toPut) > 0 {
		if err := en.store.PutMany(toPut); err != nil {
			telemetry.SyncOutcomes.WithLabelValues("store_error").Inc()
			return core.SyncResult{Errors: []string{"failed to persist reconciled records: " + err.Error()}, SyncedAt: nowMs}, nil
		}
	}

	if err := en.store.SetMetadata(core.MetadataEntry{
		Key:       core.MetaKeyLastFullSync,
		Value:     float64(nowMs),
		UpdatedAt: nowMs,
	}); err != nil {
		log.Warn().Err(err).Str("owner", en.store.Owner()).Msg("failed to record lastFullSync")
	}

	if skipErrs.ErrorOrNil() != nil {
		for _, e := range skipErrs.Errors {
			result.Errors = append(result.Errors, e.Error())
		}
	}

	telemetry.SyncOutcomes.WithLabelValues("success").Inc()
	return result, nil
}

// markExpired sets entity_status = Expired and refreshes last_synced_at,
// retaining every other field of r.
func markExpired(r core.Record, nowMs int64) core.Record {
	out := r.Clone()
	out.EntityStatus = core.StatusExpired
	out.LastSyncedAt = nowMs
	return out
}

// Merge returns the union of snapshot and every locally stored Expired
// record, sorted by descending EntityCreatedAt. Active records present in
// snapshot override any stored copy of the same id.
func Merge(snapshot []core.WireEntity, stored []core.Record) []core.WireEntity {
	byID := make(map[string]core.WireEntity, len(snapshot)+len(stored))
	order := make([]string, 0, len(snapshot)+len(stored))

	for _, e := range snapshot {
		if _, seen := byID[e.ID]; !seen {
			order = append(order, e.ID)
		}
		byID[e.ID] = e
	}
	for _, r := range stored {
		if r.EntityStatus != core.StatusExpired {
			continue
		}
		if _, present := byID[r.EntityID]; present {
			continue // snapshot's Active copy wins
		}
		byID[r.EntityID] = codec.FromRecord(r)
		order = append(order, r.EntityID)
	}

	merged := make([]core.WireEntity, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt > merged[j].CreatedAt
	})
	return merged
}
