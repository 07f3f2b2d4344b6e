package expiration

import (
	"context"
	"testing"

	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/internal/metadatastore/sqlite"
	"github.com/haven-hvn/vidcache/pkg/remote"
)

func blockPtr(n uint64) *uint64 { return &n }

func recordAtBlock(id string, expiresAt uint64) core.Record {
	return core.Record{
		EntityID:       id,
		Owner:          "owner",
		EntityStatus:   core.StatusActive,
		ContentStatus:  core.ContentNotCached,
		ExpiresAtBlock: blockPtr(expiresAt),
	}
}

func newTracker(current uint64) *Tracker {
	t := NewTracker()
	t.UpdateBlockTiming(remote.BlockTiming{CurrentBlock: current, BlockTimeSeconds: 12}, 0)
	return t
}

func TestStatus_NoExpiryBlock(t *testing.T) {
	tr := newTracker(1000)
	r := core.Record{EntityID: "x"}
	_, ok := tr.Status(r, 0)
	if ok {
		t.Error("expected no status without an expiry block")
	}
}

func TestStatus_ZeroCurrentBlockIsNoOp(t *testing.T) {
	tr := NewTracker()
	r := recordAtBlock("x", 1000)
	_, ok := tr.Status(r, 0)
	if ok {
		t.Error("expected no status while current_block == 0")
	}
}

func TestStatus_Bands(t *testing.T) {
	tr := newTracker(1000)

	cases := []struct {
		expiresAt uint64
		status    core.ExpirationDisposition
		severity  core.ExpirationSeverity
	}{
		{900, core.DispositionExpired, core.SeverityCritical},        // blocksRemaining = -100
		{1000, core.DispositionExpired, core.SeverityCritical},       // 0
		{1200, core.DispositionExpiringSoon, core.SeverityCritical},  // 200 <= 300
		{1500, core.DispositionExpiringSoon, core.SeverityHigh},      // 500 <= 1800
		{5000, core.DispositionExpiringSoon, core.SeverityMedium},    // 4000 <= 7200
		{20000, core.DispositionSafe, core.SeverityLow},              // 19000
	}
	for _, c := range cases {
		info, ok := tr.Status(recordAtBlock("x", c.expiresAt), 0)
		if !ok {
			t.Fatalf("expected status for expiresAt=%d", c.expiresAt)
		}
		if info.Status != c.status || info.Severity != c.severity {
			t.Errorf("expiresAt=%d: got status=%s severity=%s, want status=%s severity=%s",
				c.expiresAt, info.Status, info.Severity, c.status, c.severity)
		}
	}
}

func newStoreWithRecords(t *testing.T, records []core.Record) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:", "owner", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.PutMany(records); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func TestMarkExpiredVideos(t *testing.T) {
	tr := newTracker(1000)
	store := newStoreWithRecords(t, []core.Record{
		recordAtBlock("expired", 900),
		recordAtBlock("safe", 20000),
	})

	if err := tr.MarkExpiredVideos(context.Background(), store, 0); err != nil {
		t.Fatalf("mark expired: %v", err)
	}

	expired, _ := store.Get("expired")
	if expired.EntityStatus != core.StatusExpired {
		t.Errorf("expected expired record to be marked, got %s", expired.EntityStatus)
	}
	safe, _ := store.Get("safe")
	if safe.EntityStatus != core.StatusActive {
		t.Errorf("safe record should remain active, got %s", safe.EntityStatus)
	}
}

func TestMarkExpiredVideos_NoOpWithoutCurrentBlock(t *testing.T) {
	tr := NewTracker()
	store := newStoreWithRecords(t, []core.Record{recordAtBlock("x", 0)})

	if err := tr.MarkExpiredVideos(context.Background(), store, 0); err != nil {
		t.Fatalf("mark expired: %v", err)
	}
	got, _ := store.Get("x")
	if got.EntityStatus != core.StatusActive {
		t.Error("expected no-op when current_block == 0")
	}
}

type fakeEntityClient struct {
	entities map[string]*core.WireEntity
	fetchErr map[string]error
}

func (f *fakeEntityClient) ListByOwner(ctx context.Context, owner string, limit int) ([]core.WireEntity, error) {
	return nil, nil
}
func (f *fakeEntityClient) QueryByOwner(ctx context.Context, owner string, opts remote.QueryOptions) ([]core.WireEntity, error) {
	return nil, nil
}
func (f *fakeEntityClient) GetEntity(ctx context.Context, id string) (*core.WireEntity, error) {
	if err, ok := f.fetchErr[id]; ok {
		return nil, err
	}
	return f.entities[id], nil
}
func (f *fakeEntityClient) BlockTiming(ctx context.Context) (remote.BlockTiming, error) {
	return remote.BlockTiming{}, nil
}

func TestRefreshExpiringSoon_SuccessReAdmits(t *testing.T) {
	tr := newTracker(1000)
	store := newStoreWithRecords(t, []core.Record{recordAtBlock("x", 1200)})

	fresh := &core.WireEntity{ID: "x", Owner: "owner", Title: "Refreshed", ExpiresAtBlock: blockPtr(1200)}
	client := &fakeEntityClient{entities: map[string]*core.WireEntity{"x": fresh}}

	if err := tr.RefreshExpiringSoon(context.Background(), store, client, 0); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got, _ := store.Get("x")
	if got.Title != "Refreshed" {
		t.Errorf("expected re-admitted record, got title=%q", got.Title)
	}
}

func TestRefreshExpiringSoon_FetchFailureKeepsCached(t *testing.T) {
	tr := newTracker(1000)
	orig := recordAtBlock("x", 1200)
	orig.Title = "Original"
	store := newStoreWithRecords(t, []core.Record{orig})

	client := &fakeEntityClient{fetchErr: map[string]error{"x": context.DeadlineExceeded}}

	if err := tr.RefreshExpiringSoon(context.Background(), store, client, 0); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got, _ := store.Get("x")
	if got.Title != "Original" {
		t.Errorf("expected cached record retained on fetch failure, got title=%q", got.Title)
	}
}
