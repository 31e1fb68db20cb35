package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*CoverBindingCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCoverBindingCache(client), mr
}

func TestCoverBindingCache_SetGet(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	token := "payload.signature"
	coverURL := "https://img.example.net/bg/42.jpg"

	if _, err := cache.Get(ctx, token); !errors.Is(err, ErrNoBinding) {
		t.Fatalf("Get before Set = %v, want ErrNoBinding", err)
	}

	if err := cache.Set(ctx, token, coverURL, 5*time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := cache.Get(ctx, token)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != coverURL {
		t.Errorf("Get = %q, want %q", got, coverURL)
	}
}

func TestCoverBindingCache_TTLExpiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, "tok", "https://img.example.net/a.jpg", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := cache.Get(ctx, "tok"); !errors.Is(err, ErrNoBinding) {
		t.Errorf("Get after expiry = %v, want ErrNoBinding", err)
	}
}

func TestCoverBindingCache_NonPositiveTTL(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, "tok", "https://img.example.net/a.jpg", -time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Stored with the one-minute floor, not rejected.
	if _, err := cache.Get(ctx, "tok"); err != nil {
		t.Errorf("Get = %v, want binding present", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := cache.Get(ctx, "tok"); !errors.Is(err, ErrNoBinding) {
		t.Errorf("Get after floor TTL = %v, want ErrNoBinding", err)
	}
}

func TestCoverBindingCache_Delete(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, "tok", "https://img.example.net/a.jpg", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Delete(ctx, "tok"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := cache.Get(ctx, "tok"); !errors.Is(err, ErrNoBinding) {
		t.Errorf("Get after delete = %v, want ErrNoBinding", err)
	}
}
