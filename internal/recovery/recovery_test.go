package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/haven-hvn/vidcache/internal/core"
)

type fakeEvictor struct {
	records []core.Record
	deleted []string
	getErr  error
}

func (f *fakeEvictor) GetAll() ([]core.Record, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.records, nil
}

func (f *fakeEvictor) DeleteMany(ids []string) error {
	f.deleted = append(f.deleted, ids...)
	kept := f.records[:0]
	idset := make(map[string]bool, len(ids))
	for _, id := range ids {
		idset[id] = true
	}
	for _, r := range f.records {
		if !idset[r.EntityID] {
			kept = append(kept, r)
		}
	}
	f.records = kept
	return nil
}

func TestClassify(t *testing.T) {
	cases := map[string]ErrorKind{
		"disk quota exceeded":       QuotaExceeded,
		"database is locked":        DbBlocked,
		"database disk image is malformed": DbCorrupted,
		"no such table: records":    StorageEvicted,
		"permission denied":         PermissionDenied,
		"transaction has expired":   TransactionFailed,
		"something truly bizarre":   Unknown,
	}
	for msg, want := range cases {
		got := Classify(errors.New(msg))
		if got != want {
			t.Errorf("Classify(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != Unknown {
		t.Errorf("Classify(nil) = %v, want Unknown", got)
	}
}

func seedRecord(id string, status core.EntityStatus, lastAccessed int64) core.Record {
	return core.Record{
		EntityID:       id,
		Owner:          "owner",
		EntityStatus:   status,
		ContentStatus:  core.ContentNotCached,
		LastAccessedAt: lastAccessed,
	}
}

// S2 — Quota-exceeded eviction: 10 active records, last_accessed_at = now -
// i*1000 for i=0..9 (video-9 oldest). Expect exactly 2 deletions: video-8,
// video-9 (the two oldest by last_accessed_at).
func TestRecoverQuota_S2(t *testing.T) {
	var records []core.Record
	const now = 100000
	for i := 0; i < 10; i++ {
		id := "video-" + string(rune('0'+i))
		records = append(records, seedRecord(id, core.StatusActive, now-int64(i*1000)))
	}
	ev := &fakeEvictor{records: records}

	result := Recover(QuotaExceeded, "owner", ev, nil)
	if !result.Success {
		t.Fatalf("recovery failed: %+v", result)
	}
	if len(ev.deleted) != 2 {
		t.Fatalf("expected 2 deletions, got %d: %v", len(ev.deleted), ev.deleted)
	}
	want := map[string]bool{"video-8": true, "video-9": true}
	for _, id := range ev.deleted {
		if !want[id] {
			t.Errorf("unexpected deletion: %s", id)
		}
	}
}

// S3 — Expired-first eviction: expired-old (exp, t-5000), active-older (act,
// t-4000), active-newer (act, t-1000). Expect expired-old deleted, both
// active records retained.
func TestRecoverQuota_S3_ExpiredFirst(t *testing.T) {
	records := []core.Record{
		seedRecord("expired-old", core.StatusExpired, -5000),
		seedRecord("active-older", core.StatusActive, -4000),
		seedRecord("active-newer", core.StatusActive, -1000),
	}
	ev := &fakeEvictor{records: records}

	Recover(QuotaExceeded, "owner", ev, nil)

	if len(ev.deleted) != 1 || ev.deleted[0] != "expired-old" {
		t.Fatalf("expected only expired-old deleted, got %v", ev.deleted)
	}
	remaining := map[string]bool{}
	for _, r := range ev.records {
		remaining[r.EntityID] = true
	}
	if !remaining["active-older"] || !remaining["active-newer"] {
		t.Errorf("active records should be retained, got %v", ev.records)
	}
}

func TestEvictionOrder(t *testing.T) {
	records := []core.Record{
		seedRecord("a", core.StatusActive, 300),
		seedRecord("b", core.StatusExpired, 100),
		seedRecord("c", core.StatusActive, 50),
	}
	order := EvictionOrder(records)
	if order[0] != "b" {
		t.Errorf("expired record should be evicted first, got order %v", order)
	}
	if order[1] != "c" || order[2] != "a" {
		t.Errorf("active records should be ascending by last_accessed_at, got %v", order)
	}
}

func TestIsValid(t *testing.T) {
	valid := core.Record{
		EntityID:      "x",
		Owner:         "owner",
		EntityStatus:  core.StatusActive,
		ContentStatus: core.ContentCached,
	}
	if !IsValid(valid) {
		t.Error("expected valid record to pass IsValid")
	}

	invalid := valid
	invalid.EntityID = ""
	if IsValid(invalid) {
		t.Error("expected record with empty entity id to fail IsValid")
	}

	invalid2 := valid
	invalid2.EntityStatus = core.EntityStatus("bogus")
	if IsValid(invalid2) {
		t.Error("expected record with invalid status to fail IsValid")
	}
}

func TestRecoverCorruption_RemovesInvalidRecords(t *testing.T) {
	records := []core.Record{
		{EntityID: "good", Owner: "owner", EntityStatus: core.StatusActive, ContentStatus: core.ContentCached},
		{EntityID: "", Owner: "owner", EntityStatus: core.StatusActive, ContentStatus: core.ContentCached},
	}
	ev := &fakeEvictor{records: records}

	result := Recover(DbCorrupted, "owner", ev, nil)
	if !result.Success || result.Strategy != "remove-corrupted" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(ev.records) != 1 || ev.records[0].EntityID != "good" {
		t.Errorf("expected only the valid record to remain, got %v", ev.records)
	}
}

func TestRecoverCorruption_EnumerationFailureSignalsFullReset(t *testing.T) {
	ev := &fakeEvictor{getErr: errors.New("disk image malformed")}
	result := Recover(DbCorrupted, "owner", ev, nil)
	if result.Success || result.Strategy != "full-reset" {
		t.Fatalf("expected full-reset signal, got %+v", result)
	}
}

type fakeReconnector struct {
	err   error
	calls int
}

func (f *fakeReconnector) Reconnect() error {
	f.calls++
	return f.err
}

func TestRecoverBlocked_Reconnects(t *testing.T) {
	rc := &fakeReconnector{}
	result := Recover(DbBlocked, "owner", nil, rc)
	if !result.Success || rc.calls != 1 {
		t.Fatalf("expected successful reconnect, got %+v calls=%d", result, rc.calls)
	}
}

func TestWithRecovery_SucceedsOnRetryAfterQuotaEviction(t *testing.T) {
	records := []core.Record{
		seedRecord("a", core.StatusExpired, 1),
		seedRecord("b", core.StatusActive, 2),
	}
	ev := &fakeEvictor{records: records}

	attempts := 0
	op := func() (any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("quota exceeded")
		}
		return "ok", nil
	}

	result := WithRecovery(context.Background(), "owner", op, "fallback", ev, nil)
	if result != "ok" {
		t.Errorf("expected op to succeed after recovery retry, got %v", result)
	}
}

func TestWithRecovery_ReturnsFallbackOnPermanentFailure(t *testing.T) {
	op := func() (any, error) { return nil, errors.New("inexplicable failure") }
	result := WithRecovery(context.Background(), "owner", op, "fallback", nil, nil)
	if result != "fallback" {
		t.Errorf("expected fallback for unrecoverable error, got %v", result)
	}
}

func TestWithRecovery_PermissionDeniedReturnsFallbackImmediately(t *testing.T) {
	attempts := 0
	op := func() (any, error) {
		attempts++
		return nil, errors.New("permission denied")
	}
	result := WithRecovery(context.Background(), "owner", op, "fallback", nil, nil)
	if result != "fallback" {
		t.Errorf("expected fallback, got %v", result)
	}
	if attempts != 1 {
		t.Errorf("permission denied should not retry, got %d attempts", attempts)
	}
}
