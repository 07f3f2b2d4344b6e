package contentstore

import (
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "vidcache-content-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutHasGet(t *testing.T) {
	s := newTestStore(t)

	if s.Has("x") {
		t.Fatal("Has true before Put")
	}

	if err := s.Put("x", []byte("hello"), "video/mp4", 100); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !s.Has("x") {
		t.Fatal("Has false after Put")
	}

	data, err := s.Get("x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q", data)
	}
}

func TestStore_GetURL(t *testing.T) {
	s := newTestStore(t)
	if url := s.GetURL("abc"); url != "/v/abc" {
		t.Errorf("url = %q", url)
	}
}

func TestStore_Overwrite(t *testing.T) {
	s := newTestStore(t)
	s.Put("x", []byte("v1"), "text/plain", 1)
	s.Put("x", []byte("v2"), "text/plain", 2)

	data, _ := s.Get("x")
	if string(data) != "v2" {
		t.Errorf("overwrite failed, got %q", data)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	s.Put("x", []byte("data"), "text/plain", 1)
	if err := s.Delete("x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Has("x") {
		t.Error("Has true after delete")
	}
}

func TestStore_ClearAll(t *testing.T) {
	s := newTestStore(t)
	s.Put("a", []byte("1"), "text/plain", 1)
	s.Put("b", []byte("2"), "text/plain", 1)

	if err := s.ClearAll(); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	entries, _ := s.List()
	if len(entries) != 0 {
		t.Errorf("expected empty store, got %d entries", len(entries))
	}
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	s.Put("a", []byte("12345"), "video/mp4", 10)

	entries, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ByteLength != 5 {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestStore_StorageEstimate(t *testing.T) {
	s := newTestStore(t)
	s.Put("a", []byte("12345"), "video/mp4", 10)

	if est, err := s.StorageEstimate(0); err != nil || est != nil {
		t.Errorf("expected nil estimate when quota unknown, got %+v err=%v", est, err)
	}

	est, err := s.StorageEstimate(1000)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.UsageBytes != 5 || est.QuotaBytes != 1000 {
		t.Errorf("unexpected estimate: %+v", est)
	}
}
