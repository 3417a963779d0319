package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"stencil/api/internal/store"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestRefreshSessionRoundTrip(t *testing.T) {
	rs := setupTestRedis(t)
	ctx := context.Background()

	user := store.User{ID: "usr_1", DisplayName: "Avery", Email: "avery@example.com", Role: "editor"}
	if err := rs.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}

	got, err := rs.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession() error = %v", err)
	}
	if got.ID != user.ID || got.Role != user.Role || got.Email != user.Email {
		t.Errorf("lookup mismatch: %+v", got)
	}
}

func TestLookupMissingToken(t *testing.T) {
	rs := setupTestRedis(t)
	if _, err := rs.LookupRefreshSession(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs := setupTestRedis(t)
	ctx := context.Background()

	user := store.User{ID: "usr_1", Role: "viewer"}
	if err := rs.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if err := rs.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := rs.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error after revoke = %v, want ErrNotFound", err)
	}
}

func TestCompareResultCache(t *testing.T) {
	rs := setupTestRedis(t)
	ctx := context.Background()

	payload := []byte(`{"created":[],"updated":[],"deleted":[]}`)
	if err := rs.CacheCompareResult(ctx, "res_1", "1.0.0", "1.1.0", payload); err != nil {
		t.Fatalf("CacheCompareResult() error = %v", err)
	}

	got, err := rs.LookupCompareResult(ctx, "res_1", "1.0.0", "1.1.0")
	if err != nil {
		t.Fatalf("LookupCompareResult() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload mismatch: %s", got)
	}

	// Different direction is a different key.
	if _, err := rs.LookupCompareResult(ctx, "res_1", "1.1.0", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("reversed key error = %v, want ErrNotFound", err)
	}
}
