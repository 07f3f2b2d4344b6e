// Package recovery implements the Error Classifier & Recovery layer (C5):
// it translates raw storage faults into a closed ErrorKind taxonomy and
// applies a typed recovery strategy per kind. It generalizes the teacher's
// storage-error-to-public-error conversion boundary (a single convertError
// function keyed on error type) into a substring-matching classifier plus
// a pluggable per-kind recovery action, since this spec's faults originate
// from a real SQLite/filesystem stack rather than a closed set of sentinel
// types.
package recovery

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrorKind is the closed taxonomy of storage faults this layer recognizes.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	QuotaExceeded
	DbBlocked
	DbCorrupted
	StorageEvicted
	PermissionDenied
	TransactionFailed
	SerializationError
)

func (k ErrorKind) String() string {
	switch k {
	case QuotaExceeded:
		return "QuotaExceeded"
	case DbBlocked:
		return "DbBlocked"
	case DbCorrupted:
		return "DbCorrupted"
	case StorageEvicted:
		return "StorageEvicted"
	case PermissionDenied:
		return "PermissionDenied"
	case TransactionFailed:
		return "TransactionFailed"
	case SerializationError:
		return "SerializationError"
	default:
		return "Unknown"
	}
}

// classifiedSubstrings maps lower-cased message fragments to their kind.
// Order matters: earlier entries win on ambiguous messages.
var classifiedSubstrings = []struct {
	substr string
	kind   ErrorKind
}{
	{"quota", QuotaExceeded},
	{"disk full", QuotaExceeded},
	{"no space", QuotaExceeded},
	{"database is locked", DbBlocked},
	{"database table is locked", DbBlocked},
	{"busy", DbBlocked},
	{"malformed", DbCorrupted},
	{"file is not a database", DbCorrupted},
	{"corrupt", DbCorrupted},
	{"no such table", StorageEvicted},
	{"no such file or directory", StorageEvicted},
	{"permission denied", PermissionDenied},
	{"access is denied", PermissionDenied},
	{"transaction", TransactionFailed},
	{"serializ", SerializationError},
}

// Classify maps a raw error to its ErrorKind. Classification is
// best-effort: an error this layer has never seen classifies as Unknown,
// which callers propagate rather than attempt to recover.
func Classify(raw error) ErrorKind {
	if raw == nil {
		return Unknown
	}
	if errors.Is(raw, sql.ErrTxDone) || errors.Is(raw, sql.ErrConnDone) {
		return TransactionFailed
	}

	msg := strings.ToLower(raw.Error())
	for _, c := range classifiedSubstrings {
		if strings.Contains(msg, c.substr) {
			return c.kind
		}
	}
	return Unknown
}

// RecoveryResult reports the outcome of a recovery attempt.
type RecoveryResult struct {
	Success  bool
	Strategy string
	Message  string
}

// Evictor is the subset of the Metadata Store a QuotaExceeded recovery
// needs: enough records to choose an eviction set, and a way to delete
// them.
type Evictor interface {
	GetAll() ([]core.Record, error)
	DeleteMany(entityIDs []string) error
}

// Reconnector abstracts reopening a blocked connection.
type Reconnector interface {
	Reconnect() error
}

// Recover applies the strategy for kind and reports the result. evictor and
// reconnector may be nil when the caller's storage backend doesn't support
// that strategy (the corresponding kind then degrades to "none").
func Recover(kind ErrorKind, owner string, evictor Evictor, reconnector Reconnector) RecoveryResult {
	switch kind {
	case QuotaExceeded:
		return recoverQuota(owner, evictor)
	case DbCorrupted:
		return recoverCorruption(owner, evictor)
	case StorageEvicted:
		return RecoveryResult{Success: true, Strategy: "recreate", Message: "store absent or empty, awaiting next sync"}
	case DbBlocked:
		return recoverBlocked(owner, reconnector)
	case TransactionFailed:
		return RecoveryResult{Success: true, Strategy: "retry", Message: "caller should retry the operation once"}
	case PermissionDenied:
		return RecoveryResult{Success: false, Strategy: "fallback", Message: "cache path disabled; remote remains usable"}
	default:
		return RecoveryResult{Success: false, Strategy: "none", Message: "unrecognized error, propagating"}
	}
}

// recoverQuota evicts at least 20% of owner's records, preferring expired
// records first, then ascending last_accessed_at (P6).
func recoverQuota(owner string, evictor Evictor) RecoveryResult {
	if evictor == nil {
		return RecoveryResult{Success: false, Strategy: "none", Message: "no evictor configured"}
	}
	all, err := evictor.GetAll()
	if err != nil {
		return RecoveryResult{Success: false, Strategy: "evict-lru", Message: "failed to enumerate records: " + err.Error()}
	}
	if len(all) == 0 {
		return RecoveryResult{Success: true, Strategy: "evict-lru", Message: "nothing to evict"}
	}

	target := (len(all) + 4) / 5
	if target == 0 {
		target = 1
	}

	ids := EvictionOrder(all)
	if target > len(ids) {
		target = len(ids)
	}
	victims := ids[:target]

	if err := evictor.DeleteMany(victims); err != nil {
		return RecoveryResult{Success: false, Strategy: "evict-lru", Message: "eviction failed: " + err.Error()}
	}
	telemetry.Evictions.WithLabelValues("evict-lru").Add(float64(len(victims)))
	return RecoveryResult{Success: true, Strategy: "evict-lru", Message: "evicted " + strconv.Itoa(len(victims)) + " of " + strconv.Itoa(len(all)) + " records"}
}

// EvictionOrder returns entity ids ordered for eviction: expired records
// first, then active/unknown records, each group ascending by
// last_accessed_at (oldest evicted first — P6).
func EvictionOrder(records []core.Record) []string {
	sorted := make([]core.Record, len(records))
	copy(sorted, records)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		aExpired := a.EntityStatus == core.StatusExpired
		bExpired := b.EntityStatus == core.StatusExpired
		if aExpired != bExpired {
			return aExpired
		}
		return a.LastAccessedAt < b.LastAccessedAt
	})

	ids := make([]string, len(sorted))
	for i, r := range sorted {
		ids[i] = r.EntityID
	}
	return ids
}

// recoverCorruption deletes records failing IsValid; if even enumeration
// fails, the caller should drop and recreate the store (full-reset),
// signaled by Strategy == "full-reset".
func recoverCorruption(owner string, evictor Evictor) RecoveryResult {
	if evictor == nil {
		return RecoveryResult{Success: false, Strategy: "none", Message: "no evictor configured"}
	}
	all, err := evictor.GetAll()
	if err != nil {
		return RecoveryResult{Success: false, Strategy: "full-reset", Message: "store unreadable, recreate required: " + err.Error()}
	}

	var invalid []string
	for _, r := range all {
		if !IsValid(r) {
			invalid = append(invalid, r.EntityID)
		}
	}
	if len(invalid) == 0 {
		return RecoveryResult{Success: true, Strategy: "remove-corrupted", Message: "no invalid records found"}
	}
	if err := evictor.DeleteMany(invalid); err != nil {
		return RecoveryResult{Success: false, Strategy: "full-reset", Message: "failed to remove corrupted records: " + err.Error()}
	}
	telemetry.Evictions.WithLabelValues("remove-corrupted").Add(float64(len(invalid)))
	return RecoveryResult{Success: true, Strategy: "remove-corrupted", Message: "removed " + strconv.Itoa(len(invalid)) + " corrupted records"}
}

func recoverBlocked(owner string, reconnector Reconnector) RecoveryResult {
	if reconnector == nil {
		return RecoveryResult{Success: false, Strategy: "none", Message: "no reconnector configured"}
	}
	time.Sleep(50 * time.Millisecond)
	if err := reconnector.Reconnect(); err != nil {
		return RecoveryResult{Success: false, Strategy: "reconnect", Message: "reconnect failed: " + err.Error()}
	}
	return RecoveryResult{Success: true, Strategy: "reconnect", Message: "reconnected"}
}

// IsValid reports whether every required field of r is well-formed:
// non-empty identity, a recognized status pair, and finite timestamps.
func IsValid(r core.Record) bool {
	if r.EntityID == "" || r.Owner == "" {
		return false
	}
	if !r.EntityStatus.IsValid() {
		return false
	}
	if !r.ContentStatus.IsValid() {
		return false
	}
	if r.CachedAt < 0 || r.LastSyncedAt < 0 || r.LastAccessedAt < 0 {
		return false
	}
	return true
}

// Op is a fallible storage mutation subject to recovery.
type Op func() (any, error)

// WithRecovery runs op; on failure it classifies the error, attempts
// recovery, and retries op once. If the retry also fails, fallback is
// returned and the failure is logged — it never escapes to the caller as
// an error (spec: "mutations return a fallback value").
func WithRecovery(ctx context.Context, owner string, op Op, fallback any, evictor Evictor, reconnector Reconnector) any {
	result, err := op()
	if err == nil {
		return result
	}

	kind := Classify(err)
	rec := Recover(kind, owner, evictor, reconnector)
	log.Warn().
		Str("owner", owner).
		Str("error_kind", kind.String()).
		Str("strategy", rec.Strategy).
		Bool("recovered", rec.Success).
		Err(err).
		Msg("storage operation failed, attempting recovery")

	if !rec.Success {
		return fallback
	}

	select {
	case <-ctx.Done():
		return fallback
	default:
	}

	result, err = op()
	if err != nil {
		log.Error().Str("owner", owner).Err(err).Msg("storage operation failed after recovery retry")
		return fallback
	}
	return result
}

