package kv

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupFakeS3(t *testing.T) (*httptest.Server, *S3Store) {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	server := httptest.NewServer(faker.Server())
	bucket := "apfed-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	store, err := NewS3Store(S3Config{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Region:    "us-east-1",
		Bucket:    bucket,
		Prefix:    "kv",
		AccessKey: "test",
		SecretKey: "test",
		Insecure:  true,
	})
	if err != nil {
		server.Close()
		t.Fatalf("new store: %v", err)
	}
	return server, store
}

func exerciseStore(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Expected miss for absent key, got ok=%v err=%v", ok, err)
	}

	if err := store.Set(ctx, "alpha", "one", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, ok, err := store.Get(ctx, "alpha")
	if err != nil || !ok || v != "one" {
		t.Fatalf("Expected 'one', got '%s' ok=%v err=%v", v, ok, err)
	}

	// Last writer wins
	if err := store.Set(ctx, "alpha", "two", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, _, _ = store.Get(ctx, "alpha")
	if v != "two" {
		t.Errorf("Expected overwrite to 'two', got '%s'", v)
	}

	if err := store.Set(ctx, "ttl", "short", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "ttl"); !ok {
		t.Error("Expected value before expiry")
	}
	clock.Advance(time.Minute)
	if _, ok, _ := store.Get(ctx, "ttl"); ok {
		t.Error("Expected value to expire")
	}

	if err := store.Delete(ctx, "alpha"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "alpha"); ok {
		t.Error("Expected key to be deleted")
	}
	if err := store.Delete(ctx, "alpha"); err != nil {
		t.Errorf("Deleting an absent key should not fail: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.SetClock(clock.Now)
	exerciseStore(t, m, clock)
}

func TestMemoryStoreLen(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.SetClock(clock.Now)
	ctx := context.Background()

	m.Set(ctx, "a", "1", 0)
	m.Set(ctx, "b", "2", time.Second)
	if m.Len() != 2 {
		t.Errorf("Expected 2 live entries, got %d", m.Len())
	}
	clock.Advance(2 * time.Second)
	if m.Len() != 1 {
		t.Errorf("Expected 1 live entry after expiry, got %d", m.Len())
	}
}

func TestS3Store(t *testing.T) {
	server, store := setupFakeS3(t)
	defer server.Close()

	clock := &fakeClock{now: time.Now()}
	store.now = clock.Now
	exerciseStore(t, store, clock)
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	if _, err := NewS3Store(S3Config{Endpoint: "localhost:9000"}); err == nil {
		t.Error("Expected error without bucket")
	}
}
