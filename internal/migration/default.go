package migration

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/haven-hvn/vidcache/internal/core"
)

// Default returns the production migration ladder, bringing a store opened
// at any historical schema version up to core.CurrentSchemaVersion. Every
// vidcached process wires this into sqlite.Open; only tests build a bespoke
// Ladder.
func Default() *Ladder {
	return NewLadder(
		Migration{
			FromVersion: 0,
			ToVersion:   1,
			Description: "add content_cached_at for cache-admission timestamps",
			Structural:  addColumnIfMissing("records", "content_cached_at", "INTEGER"),
		},
		Migration{
			FromVersion: 1,
			ToVersion:   2,
			Description: "add tags_json for the local tag annotation",
			Structural:  addColumnIfMissing("records", "tags_json", "TEXT NOT NULL DEFAULT '[]'"),
			RecordUpgrade: func(r core.Record) core.Record {
				if r.Tags == nil {
					r.Tags = []string{}
				}
				return r
			},
		},
		Migration{
			FromVersion: 2,
			ToVersion:   3,
			Description: "normalize stored owner identifiers to lowercase",
			Data: func(db *sql.DB) error {
				_, err := db.Exec(`UPDATE records SET owner = LOWER(owner) WHERE owner != LOWER(owner)`)
				return err
			},
			RecordUpgrade: func(r core.Record) core.Record {
				r.Owner = strings.ToLower(r.Owner)
				return r
			},
		},
	)
}

// addColumnIfMissing builds a Structural step that adds column to table,
// tolerating "duplicate column name" when a prior partial migration (or a
// store that was never behind) already added it.
func addColumnIfMissing(table, column, decl string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
			return nil
		}
		return err
	}
}
