// Package expiration implements the Expiration Tracker (C7): it derives a
// per-record urgency band from the remote chain's current block height,
// and exposes the two maintenance actions that act on that classification.
package expiration

import (
	"context"

	"github.com/haven-hvn/vidcache/internal/codec"
	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/internal/metadatastore"
	"github.com/haven-hvn/vidcache/pkg/remote"
	"github.com/rs/zerolog/log"
)

// Thresholds, in blocks remaining, banding ExpiringSoon severity.
const (
	ImminentBlocks     = 300
	CriticalBlocks     = 1800
	ExpiringSoonBlocks = 7200
)

// Tracker holds the remote chain's current block timing state.
type Tracker struct {
	currentBlock      uint64
	blockTimeSeconds  uint32
	lastBlockUpdateAt int64
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// UpdateBlockTiming refreshes the tracker's view of chain time.
func (t *Tracker) UpdateBlockTiming(timing remote.BlockTiming, nowMs int64) {
	t.currentBlock = timing.CurrentBlock
	t.blockTimeSeconds = timing.BlockTimeSeconds
	t.lastBlockUpdateAt = nowMs
}

// Status derives the ExpirationInfo for r. Returns false when the record
// has no expiry block or the tracker has no current block yet.
func (t *Tracker) Status(r core.Record, nowMs int64) (core.ExpirationInfo, bool) {
	if t.currentBlock == 0 || r.ExpiresAtBlock == nil {
		return core.ExpirationInfo{}, false
	}

	blocksRemaining := int64(*r.ExpiresAtBlock) - int64(t.currentBlock)
	info := core.ExpirationInfo{
		EntityID:        r.EntityID,
		ExpiresAtBlock:  *r.ExpiresAtBlock,
		BlocksRemaining: blocksRemaining,
	}

	switch {
	case blocksRemaining <= 0:
		info.Status = core.DispositionExpired
		info.Severity = core.SeverityCritical
	case blocksRemaining <= ImminentBlocks:
		info.Status = core.DispositionExpiringSoon
		info.Severity = core.SeverityCritical
	case blocksRemaining <= CriticalBlocks:
		info.Status = core.DispositionExpiringSoon
		info.Severity = core.SeverityHigh
	case blocksRemaining <= ExpiringSoonBlocks:
		info.Status = core.DispositionExpiringSoon
		info.Severity = core.SeverityMedium
	default:
		info.Status = core.DispositionSafe
		info.Severity = core.SeverityLow
	}

	blocksRemainingForEstimate := blocksRemaining
	if blocksRemainingForEstimate < 0 {
		blocksRemainingForEstimate = 0
	}
	info.EstimatedWallTime = nowMs + blocksRemainingForEstimate*int64(t.blockTimeSeconds)*1000

	return info, true
}

// StatusAll classifies every record, returning counts by severity and the
// subsets that are expired / expiring soon (for the §6 expiration.status
// surface).
type StatusSummary struct {
	Expiring       []core.ExpirationInfo
	Expired        []core.ExpirationInfo
	CountsBySeverity map[core.ExpirationSeverity]int
}

func (t *Tracker) StatusAll(records []core.Record, nowMs int64) StatusSummary {
	summary := StatusSummary{CountsBySeverity: map[core.ExpirationSeverity]int{}}
	for _, r := range records {
		info, ok := t.Status(r, nowMs)
		if !ok {
			continue
		}
		summary.CountsBySeverity[info.Severity]++
		switch info.Status {
		case core.DispositionExpired:
			summary.Expired = append(summary.Expired, info)
		case core.DispositionExpiringSoon:
			summary.Expiring = append(summary.Expiring, info)
		}
	}
	return summary
}

// MarkExpiredVideos sets entity_status = Expired for every record this
// tracker currently classifies as Expired. No-op when current_block == 0.
func (t *Tracker) MarkExpiredVideos(ctx context.Context, store metadatastore.Store, nowMs int64) error {
	if t.currentBlock == 0 {
		return nil
	}

	records, err := store.GetAll()
	if err != nil {
		return err
	}

	var toUpdate []core.Record
	for _, r := range records {
		info, ok := t.Status(r, nowMs)
		if !ok || info.Status != core.DispositionExpired {
			continue
		}
		if r.EntityStatus == core.StatusExpired {
			continue
		}
		updated := r.Clone()
		updated.EntityStatus = core.StatusExpired
		toUpdate = append(toUpdate, updated)
	}

	if len(toUpdate) == 0 {
		return nil
	}
	return store.PutMany(toUpdate)
}

// RefreshExpiringSoon re-fetches a fresh wire entity for every record
// currently classified ExpiringSoon. On fetch failure the cached version
// is left intact; on success the record is re-admitted via the codec.
// No-op when current_block == 0.
func (t *Tracker) RefreshExpiringSoon(ctx context.Context, store metadatastore.Store, client remote.EntityClient, nowMs int64) error {
	if t.currentBlock == 0 {
		return nil
	}

	records, err := store.GetAll()
	if err != nil {
		return err
	}

	var toUpdate []core.Record
	for _, r := range records {
		info, ok := t.Status(r, nowMs)
		if !ok || info.Status != core.DispositionExpiringSoon {
			continue
		}

		fresh, err := client.GetEntity(ctx, r.EntityID)
		if err != nil || fresh == nil {
			log.Debug().Str("entity_id", r.EntityID).Err(err).Msg("refresh_expiring_soon: fetch failed, keeping cached record")
			continue
		}
		toUpdate = append(toUpdate, codec.ToRecord(*fresh, &r))
	}

	if len(toUpdate) == 0 {
		return nil
	}
	return store.PutMany(toUpdate)
}
