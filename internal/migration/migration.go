// Package migration implements the schema migration ladder (C2): an
// ordered registry of structural and data transitions applied at store-open
// time, plus the lazy per-record upgrade path applied on every read.
//
// Each structural migration runs in a transaction of its own that the
// ladder opens and commits for that step; the data migration of the same
// step runs afterward against the *sql.DB, and the ladder opens no
// transaction around it, so its statements commit one by one.
package migration

import (
	"database/sql"
	"fmt"

	"github.com/haven-hvn/vidcache/internal/core"
)

// Migration is one schema transition.
type Migration struct {
	FromVersion int
	ToVersion   int
	Description string

	// Structural runs inside a transaction opened for this step. May be nil.
	Structural func(tx *sql.Tx) error

	// Data runs after Structural has committed, directly against db; no
	// transaction is opened around it. May be nil.
	Data func(db *sql.DB) error

	// RecordUpgrade is the pure-function per-version transform applied
	// lazily by EnsureLatest. May be nil for structural-only migrations.
	RecordUpgrade func(core.Record) core.Record
}

// Ladder is an ordered, ascending-version registry of migrations.
type Ladder struct {
	migrations []Migration
}

// NewLadder builds a ladder from migrations, sorted ascending by FromVersion.
func NewLadder(migrations ...Migration) *Ladder {
	sorted := append([]Migration(nil), migrations...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].FromVersion > sorted[j].FromVersion; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return &Ladder{migrations: sorted}
}

// schemaMetaTable must already exist in db; callers create it before Run.
const schemaMetaTable = "vidcache_meta"

// Run applies every migration whose FromVersion >= current, in ascending
// order, until target is reached or one fails. On the first failure the
// stored version is pinned at the last successful ToVersion, a
// "migrationFailed" marker is written, and the remaining migrations are
// skipped — the open is allowed to succeed with a partial migration
// (spec §4.2 step 3).
func (l *Ladder) Run(db *sql.DB, current, target int, getMeta func() (failedMarker string, err error), setMeta func(version int, failedMarker string) error) (finalVersion int, err error) {
	finalVersion = current

	failedMarker, err := getMeta()
	if err != nil {
		return current, fmt.Errorf("migration: read meta: %w", err)
	}

	resumeFrom := current
	if failedMarker != "" {
		// Retry the migration named by the marker on reopen.
		for _, m := range l.migrations {
			if markerFor(m) == failedMarker {
				resumeFrom = m.FromVersion
				break
			}
		}
	}

	for _, m := range l.migrations {
		if m.FromVersion < resumeFrom || m.ToVersion > target {
			continue
		}
		if m.FromVersion < finalVersion {
			continue
		}

		if err := l.apply(db, m); err != nil {
			marker := markerFor(m)
			_ = setMeta(finalVersion, marker)
			return finalVersion, fmt.Errorf("migration %s failed, stopped at v%d: %w", marker, finalVersion, err)
		}

		finalVersion = m.ToVersion
		if err := setMeta(finalVersion, ""); err != nil {
			return finalVersion, fmt.Errorf("migration: persist version: %w", err)
		}
	}

	return finalVersion, nil
}

func (l *Ladder) apply(db *sql.DB, m Migration) error {
	if m.Structural != nil {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := m.Structural(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	if m.Data != nil {
		if err := m.Data(db); err != nil {
			return err
		}
	}

	return nil
}

func markerFor(m Migration) string {
	return fmt.Sprintf("v%d→v%d", m.FromVersion, m.ToVersion)
}

// EnsureLatest applies every RecordUpgrade transform whose FromVersion is
// >= the record's current SchemaVersion, in ascending order, without
// writing back to storage (spec §4.2 step 5: "the next write persists the
// upgrade").
func (l *Ladder) EnsureLatest(r core.Record) core.Record {
	for _, m := range l.migrations {
		if m.FromVersion < r.SchemaVersion {
			continue
		}
		if m.RecordUpgrade != nil {
			r = m.RecordUpgrade(r)
		}
		r.SchemaVersion = m.ToVersion
	}
	return r
}
