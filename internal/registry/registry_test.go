package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/suleymanmyradov/im-gateway/internal/kvstore"
	"github.com/suleymanmyradov/im-gateway/internal/platform"
)

type fakeCloser struct {
	mu     sync.Mutex
	closed map[string]int
}

func newFakeCloser() *fakeCloser {
	return &fakeCloser{closed: make(map[string]int)}
}

func (f *fakeCloser) CloseLocal(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[sessionID]++
	return true
}

func (f *fakeCloser) closeCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[sessionID]
}

func newTestRegistry(t *testing.T, policies platform.PolicyTable, closer SessionCloser) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := kvstore.NewRedisFromClient(client)
	return New(store, policies, closer)
}

func TestSamePlatformKick(t *testing.T) {
	ctx := context.Background()
	closer := newFakeCloser()
	policies := platform.PolicyTable{
		platform.IOS: {AllowMultiDevice: false},
	}
	reg := newTestRegistry(t, policies, closer)

	if _, err := reg.Add(ctx, "u", "d1", platform.IOS, "s1"); err != nil {
		t.Fatalf("add s1 failed: %v", err)
	}
	result, err := reg.Add(ctx, "u", "d2", platform.IOS, "s2")
	if err != nil {
		t.Fatalf("add s2 failed: %v", err)
	}
	if result.KickedSession != "s1" {
		t.Fatalf("expected s1 to be kicked, got %q", result.KickedSession)
	}
	if closer.closeCount("s1") != 1 {
		t.Fatalf("expected s1.Close to be invoked exactly once, got %d", closer.closeCount("s1"))
	}

	if _, ok, _ := reg.Lookup(ctx, "u", "d1", platform.IOS); ok {
		t.Fatalf("expected d1 session to be gone")
	}
	sid, ok, err := reg.Lookup(ctx, "u", "d2", platform.IOS)
	if err != nil || !ok || sid != "s2" {
		t.Fatalf("expected d2 -> s2, got %q ok=%v err=%v", sid, ok, err)
	}
}

func TestMultiDeviceCoexistence(t *testing.T) {
	ctx := context.Background()
	policies := platform.PolicyTable{
		platform.Web: {AllowMultiDevice: true},
	}
	reg := newTestRegistry(t, policies, nil)

	if _, err := reg.Add(ctx, "u", "d1", platform.Web, "s1"); err != nil {
		t.Fatalf("add d1 failed: %v", err)
	}
	if _, err := reg.Add(ctx, "u", "d2", platform.Web, "s2"); err != nil {
		t.Fatalf("add d2 failed: %v", err)
	}

	sessions, err := reg.ListUserSessions(ctx, "u")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestOnlineSetConsistency(t *testing.T) {
	ctx := context.Background()
	policies := platform.PolicyTable{platform.Web: {AllowMultiDevice: true}}
	reg := newTestRegistry(t, policies, nil)

	if _, err := reg.Add(ctx, "u1", "d1", platform.Web, "s1"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := reg.Add(ctx, "u2", "d1", platform.Web, "s2"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	count, err := reg.OnlineCount(ctx)
	if err != nil || count != 2 {
		t.Fatalf("expected online count 2, got %d err=%v", count, err)
	}

	if err := reg.Remove(ctx, "u1", "d1", platform.Web); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	count, err = reg.OnlineCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected online count 1 after remove, got %d err=%v", count, err)
	}
}
