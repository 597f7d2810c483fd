package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/suleymanmyradov/im-gateway/internal/kvstore"
	"github.com/suleymanmyradov/im-gateway/internal/platform"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := kvstore.NewRedisFromClient(client)

	policies := platform.PolicyTable{
		platform.Web: {
			AccessTTLSeconds:      300,
			RefreshTTLSeconds:     3600,
			AllowMultiDevice:      true,
			RefreshWindowFraction: 0.2,
		},
	}
	return New("s3cr3t-test-signing-key", policies, store)
}

func TestGenerateAccessTokenJTIUniqueness(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	const n = 50
	seen := make(map[string]bool, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := core.GenerateAccessToken("u1", "alice", "d1", platform.Web, 0)
			if err != nil {
				errs <- err
				return
			}
			claims, err := core.parseAccessClaims(token)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			if seen[claims.ID] {
				t.Errorf("duplicate jti: %s", claims.ID)
			}
			seen[claims.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct jti values, got %d", n, len(seen))
	}
	_ = ctx
}

func TestAccessTokenRoundTrip(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	token, err := core.GenerateAccessToken("u1", "alice", "d1", platform.Web, 0)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	info, err := core.VerifyAccessToken(ctx, token, "d1")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if info.UserID != "u1" || info.Username != "alice" || info.DeviceID != "d1" || info.Platform != platform.Web {
		t.Fatalf("unexpected claims: %+v", info)
	}
}

func TestDeviceBoundRefreshToken(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	refresh, err := core.GenerateRefreshToken(ctx, "u1", "alice", "deviceA", platform.Web, 0)
	if err != nil {
		t.Fatalf("mint refresh failed: %v", err)
	}

	if _, err := core.VerifyRefreshToken(ctx, refresh, "deviceA"); err != nil {
		t.Fatalf("expected verification for device A to succeed: %v", err)
	}
	if _, err := core.VerifyRefreshToken(ctx, refresh, "deviceB"); err == nil {
		t.Fatalf("expected verification for device B to fail")
	}
}

func TestRefreshRotationAtomicity(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	policies := platform.PolicyTable{
		platform.Web: {
			AccessTTLSeconds:      300,
			RefreshTTLSeconds:     10,
			AllowMultiDevice:      true,
			RefreshWindowFraction: 0.99,
		},
	}
	core.policies = policies

	refresh, err := core.GenerateRefreshToken(ctx, "u1", "alice", "d1", platform.Web, 0)
	if err != nil {
		t.Fatalf("mint refresh failed: %v", err)
	}

	// Backdate the refresh token's metadata so remaining/total life is
	// deterministically far below RefreshWindowFraction, regardless of how
	// much wall-clock time actually elapses while the goroutines below get
	// scheduled — relying on that elapsing naturally (as the original test
	// did) is a race against the scheduler, not the rotation logic.
	meta, err := core.getRefreshMeta(ctx, refresh)
	if err != nil || meta == nil {
		t.Fatalf("failed to read minted refresh metadata: %v", err)
	}
	now := time.Now().UTC()
	meta.IssuedAt = now.Add(-9 * time.Second)
	meta.ExpiresAt = now.Add(1 * time.Second)
	if err := core.putRefreshMeta(ctx, refresh, *meta, time.Until(meta.ExpiresAt)); err != nil {
		t.Fatalf("failed to backdate refresh metadata: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]*Tokens, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := core.RefreshAccessToken(ctx, refresh, "d1")
			if err != nil {
				return
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	rotations := 0
	for _, r := range results {
		if r != nil && r.RefreshToken != "" {
			rotations++
		}
	}
	if rotations != 1 {
		t.Fatalf("expected exactly 1 rotation, got %d", rotations)
	}
}
