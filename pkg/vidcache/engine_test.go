package vidcache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haven-hvn/vidcache/internal/core"
	"github.com/haven-hvn/vidcache/internal/exportimport"
	"github.com/haven-hvn/vidcache/pkg/remote"
)

type fakeEntityClient struct {
	entities []core.WireEntity
	timing   remote.BlockTiming
	// fresh, when set, is consulted by GetEntity before entities — it lets
	// a test simulate a per-id fetch returning data newer than the last
	// ListByOwner snapshot.
	fresh map[string]core.WireEntity
}

func (c *fakeEntityClient) ListByOwner(ctx context.Context, owner string, limit int) ([]core.WireEntity, error) {
	return c.entities, nil
}
func (c *fakeEntityClient) QueryByOwner(ctx context.Context, owner string, opts remote.QueryOptions) ([]core.WireEntity, error) {
	return c.entities, nil
}
func (c *fakeEntityClient) GetEntity(ctx context.Context, id string) (*core.WireEntity, error) {
	if e, ok := c.fresh[id]; ok {
		return &e, nil
	}
	for _, e := range c.entities {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, nil
}
func (c *fakeEntityClient) BlockTiming(ctx context.Context) (remote.BlockTiming, error) {
	return c.timing, nil
}

type fakeFetcher struct{ data []byte }

func (f *fakeFetcher) Fetch(ctx context.Context, address string, opts remote.FetchOptions) ([]byte, error) {
	return f.data, nil
}

func newTestEngine(t *testing.T, client remote.EntityClient) *Engine {
	t.Helper()
	e, err := New(Config{
		InMemory:       true,
		DataDir:        t.TempDir(),
		Owner:          "0xowner",
		EntityClient:   client,
		ContentFetcher: &fakeFetcher{data: []byte("video-bytes")},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_SyncOnceThenLoadThenStats(t *testing.T) {
	client := &fakeEntityClient{entities: []core.WireEntity{
		{ID: "x", Owner: "0xowner", Title: "X", ContentAddress: "ar://x", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"},
	}}
	e := newTestEngine(t, client)

	result, err := e.SyncOnce(context.Background())
	if err != nil || result.Added != 1 {
		t.Fatalf("sync: result=%+v err=%v", result, err)
	}

	h := e.Load(context.Background(), client.entities[0])
	<-h.Done()
	if h.Stage().String() != "Ready" {
		t.Fatalf("expected Ready, got %v err=%v", h.Stage(), h.Err())
	}

	stats, err := e.Stats()
	if err != nil || stats.Total != 1 || stats.Active != 1 {
		t.Fatalf("stats: %+v err=%v", stats, err)
	}
}

func TestEngine_ExportImportRoundTrip(t *testing.T) {
	client := &fakeEntityClient{entities: []core.WireEntity{
		{ID: "a", Owner: "0xowner", Title: "A", ContentAddress: "ar://a", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"},
	}}
	e := newTestEngine(t, client)
	if _, err := e.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	bundle, err := e.Export()
	if err != nil || bundle.RecordCount != 1 {
		t.Fatalf("export: %+v err=%v", bundle, err)
	}
	data, _ := json.Marshal(bundle)

	result := e.Import(data, exportimport.ImportOptions{MergeStrategy: exportimport.PreferImport})
	if !result.Success {
		t.Fatalf("import failed: %+v", result)
	}
}

func TestEngine_SyncOnceRefreshesExpiringSoonRecords(t *testing.T) {
	expiresAt := uint64(1100)
	client := &fakeEntityClient{
		entities: []core.WireEntity{
			{ID: "x", Owner: "0xowner", Title: "stale", ContentAddress: "ar://x", ExpiresAtBlock: &expiresAt, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"},
		},
		timing: remote.BlockTiming{CurrentBlock: 1000, BlockTimeSeconds: 10},
	}
	client.fresh = map[string]core.WireEntity{
		"x": {ID: "x", Owner: "0xowner", Title: "refreshed", ContentAddress: "ar://x", ExpiresAtBlock: &expiresAt, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-02T00:00:00Z"},
	}
	e := newTestEngine(t, client)

	if _, err := e.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rec, err := e.Record("x")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Title != "refreshed" {
		t.Errorf("expiring-soon record was not refreshed via RefreshExpiringSoon: got title %q", rec.Title)
	}
}

func TestEngine_WithRecoveryReconnectsOnDbBlocked(t *testing.T) {
	e := newTestEngine(t, &fakeEntityClient{})
	attempts := 0
	result := e.WithRecovery(context.Background(), func() (any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("database is locked")
		}
		return "ok", nil
	}, "fallback")

	if result != "ok" {
		t.Fatalf("expected recovery retry to succeed, got %v (attempts=%d)", result, attempts)
	}
	if attempts != 2 {
		t.Errorf("expected exactly one retry after reconnect, got %d attempts", attempts)
	}
}

func TestEngine_ClearExpiredRemovesOnlyExpired(t *testing.T) {
	e := newTestEngine(t, &fakeEntityClient{})

	e.store.Put(core.Record{EntityID: "keep", Owner: "0xowner", EntityStatus: core.StatusActive, ContentStatus: core.ContentNotCached, SchemaVersion: core.CurrentSchemaVersion})
	e.store.Put(core.Record{EntityID: "gone", Owner: "0xowner", EntityStatus: core.StatusExpired, ContentStatus: core.ContentNotCached, SchemaVersion: core.CurrentSchemaVersion})

	n, err := e.ClearExpired()
	if err != nil || n != 1 {
		t.Fatalf("clear expired: n=%d err=%v", n, err)
	}
	all, _ := e.Records()
	if len(all) != 1 || all[0].EntityID != "keep" {
		t.Errorf("expected only 'keep' to remain, got %+v", all)
	}
}
