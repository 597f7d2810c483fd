// Package registry implements the connection registry: cluster-wide
// (user, device, platform) <-> session_id bookkeeping backed by a KVStore,
// with a same-platform single-device kick policy. Grounded on
// shared/repository's base-repository pattern for the read-then-mutate
// shape of each operation, generalized from SQL rows to KVStore hash/set
// primitives.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/im-gateway/internal/kvstore"
	"github.com/suleymanmyradov/im-gateway/internal/model"
	"github.com/suleymanmyradov/im-gateway/internal/platform"
)

const (
	sessionsKeyPrefix = "user:sessions:"
	platformKeyPrefix = "user:platform:"
	sessionUserPrefix = "session:user:"
	onlineUsersKey    = "online:users"
)

// SessionCloser is implemented by the transport layer. The registry holds
// only session ids; it looks sessions up through this interface rather than
// keeping a back-reference, so a session's ownership stays with the
// transport that accepted it.
type SessionCloser interface {
	// CloseLocal closes sessionID if it is owned by this node and reports
	// whether it did so. A false return means the session lives elsewhere
	// in the fleet (or is already gone); the caller falls back to a
	// cross-node kick instruction, out of scope for this core.
	CloseLocal(sessionID string) bool
}

// Registry is a plain value constructed once by the gateway façade and
// threaded through every connection handler.
type Registry struct {
	store    kvstore.KVStore
	policies platform.PolicyTable
	closer   SessionCloser
}

func New(store kvstore.KVStore, policies platform.PolicyTable, closer SessionCloser) *Registry {
	return &Registry{store: store, policies: policies, closer: closer}
}

func field(deviceID string, p platform.Platform) string {
	return deviceID + ":" + string(p)
}

// AddResult reports what Add did, including any prior session it evicted.
type AddResult struct {
	Added          bool
	KickedSession  string
	KickedWasLocal bool
}

// Add registers a live session for (userID, deviceID, platform), enforcing
// the same-platform single-device kick policy.
func (r *Registry) Add(ctx context.Context, userID, deviceID string, p platform.Platform, sessionID string) (AddResult, error) {
	var result AddResult

	policy := r.policies.Lookup(p)
	sessionsKey := sessionsKeyPrefix + userID

	if !policy.AllowMultiDevice {
		existing, err := r.store.HGetAll(ctx, sessionsKey)
		if err != nil {
			return result, fmt.Errorf("registry: add: failed to scan existing sessions: %w", err)
		}
		suffix := ":" + string(p)
		for f, raw := range existing {
			if !strings.HasSuffix(f, suffix) {
				continue
			}
			existingDevice := strings.TrimSuffix(f, suffix)
			if existingDevice == deviceID {
				continue
			}
			var ds model.DeviceSession
			if err := json.Unmarshal([]byte(raw), &ds); err != nil {
				logx.Errorf("registry: corrupt device session for %s field %s: %v", userID, f, err)
				continue
			}
			closedLocally := r.closer != nil && r.closer.CloseLocal(ds.SessionID)
			if !closedLocally {
				logx.Slowf("registry: kicked session %s for user %s is not local; cross-node kick not delivered", ds.SessionID, userID)
			}
			if err := r.removeField(ctx, userID, f, ds.SessionID); err != nil {
				return result, fmt.Errorf("registry: add: failed to remove kicked session: %w", err)
			}
			result.KickedSession = ds.SessionID
			result.KickedWasLocal = closedLocally
			logx.Slowf("registry: kicked session %s for user=%s platform=%s due to single-device policy", ds.SessionID, userID, p)
			break
		}
	}

	ds := model.DeviceSession{
		SessionID:   sessionID,
		DeviceID:    deviceID,
		Platform:    p,
		ConnectedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(ds)
	if err != nil {
		return result, fmt.Errorf("registry: add: failed to encode device session: %w", err)
	}

	f := field(deviceID, p)
	if err := r.store.HSet(ctx, sessionsKey, f, string(payload)); err != nil {
		return result, r.rollbackAdd(ctx, userID, f, fmt.Errorf("registry: add: failed to upsert session: %w", err))
	}
	if err := r.store.SAdd(ctx, platformKeyPrefix+userID, f); err != nil {
		return result, r.rollbackAdd(ctx, userID, f, fmt.Errorf("registry: add: failed to index platform field: %w", err))
	}
	sessionMeta := map[string]string{"user_id": userID, "device_id": deviceID, "platform": string(p)}
	sessionMetaJSON, _ := json.Marshal(sessionMeta)
	if err := r.store.Set(ctx, sessionUserPrefix+sessionID, string(sessionMetaJSON), 0); err != nil {
		return result, r.rollbackAdd(ctx, userID, f, fmt.Errorf("registry: add: failed to index session->user: %w", err))
	}
	if err := r.store.SAdd(ctx, onlineUsersKey, userID); err != nil {
		return result, r.rollbackAdd(ctx, userID, f, fmt.Errorf("registry: add: failed to mark user online: %w", err))
	}

	result.Added = true
	return result, nil
}

// rollbackAdd makes a best-effort attempt to undo a partially applied Add
// before returning the original error.
func (r *Registry) rollbackAdd(ctx context.Context, userID, f string, cause error) error {
	_ = r.store.HDel(ctx, sessionsKeyPrefix+userID, f)
	_ = r.store.SRem(ctx, platformKeyPrefix+userID, f)
	return cause
}

// Remove is the inverse of Add.
func (r *Registry) Remove(ctx context.Context, userID, deviceID string, p platform.Platform) error {
	f := field(deviceID, p)
	return r.removeField(ctx, userID, f, "")
}

// removeField applies the inverse of Add's session-hash, platform-set and
// online-set writes as a single evict_session script so a concurrent reader
// never observes the session-hash entry gone but the online marker still set
// (or vice versa). The session->user index is deleted afterwards in a
// separate call.
func (r *Registry) removeField(ctx context.Context, userID, f, sessionID string) error {
	sessionsKey := sessionsKeyPrefix + userID

	if sessionID == "" {
		if raw, ok, err := r.store.HGet(ctx, sessionsKey, f); err == nil && ok {
			var ds model.DeviceSession
			if json.Unmarshal([]byte(raw), &ds) == nil {
				sessionID = ds.SessionID
			}
		}
	}

	keys := []string{sessionsKey, platformKeyPrefix + userID, onlineUsersKey}
	if _, err := r.store.Execute(ctx, "evict_session", keys, f, userID); err != nil {
		return fmt.Errorf("registry: remove: evict_session script failed: %w", err)
	}
	if sessionID != "" {
		if err := r.store.Del(ctx, sessionUserPrefix+sessionID); err != nil {
			return fmt.Errorf("registry: remove: failed to delete session->user index: %w", err)
		}
	}
	return nil
}

// RemoveBySession looks up the owning (user, device) pair and removes it.
func (r *Registry) RemoveBySession(ctx context.Context, sessionID string) error {
	raw, ok, err := r.store.Get(ctx, sessionUserPrefix+sessionID)
	if err != nil {
		return fmt.Errorf("registry: remove_by_session: lookup failed: %w", err)
	}
	if !ok {
		return nil
	}
	var meta struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
		Platform string `json:"platform"`
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return fmt.Errorf("registry: remove_by_session: corrupt session index: %w", err)
	}
	return r.Remove(ctx, meta.UserID, meta.DeviceID, platform.Parse(meta.Platform))
}

// Lookup returns the live session id for (userID, deviceID, platform), if any.
func (r *Registry) Lookup(ctx context.Context, userID, deviceID string, p platform.Platform) (string, bool, error) {
	raw, ok, err := r.store.HGet(ctx, sessionsKeyPrefix+userID, field(deviceID, p))
	if err != nil || !ok {
		return "", false, err
	}
	var ds model.DeviceSession
	if err := json.Unmarshal([]byte(raw), &ds); err != nil {
		return "", false, fmt.Errorf("registry: lookup: corrupt device session: %w", err)
	}
	return ds.SessionID, true, nil
}

// ListUserSessions returns every live device session for a user.
func (r *Registry) ListUserSessions(ctx context.Context, userID string) ([]model.DeviceSession, error) {
	raw, err := r.store.HGetAll(ctx, sessionsKeyPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("registry: list_user_sessions: %w", err)
	}
	sessions := make([]model.DeviceSession, 0, len(raw))
	for _, v := range raw {
		var ds model.DeviceSession
		if err := json.Unmarshal([]byte(v), &ds); err != nil {
			logx.Errorf("registry: corrupt device session for user %s: %v", userID, err)
			continue
		}
		sessions = append(sessions, ds)
	}
	return sessions, nil
}

// IsOnlineOnPlatform reports whether userID has a live session on platform p.
func (r *Registry) IsOnlineOnPlatform(ctx context.Context, userID string, p platform.Platform) (bool, error) {
	members, err := r.store.SMembers(ctx, platformKeyPrefix+userID)
	if err != nil {
		return false, fmt.Errorf("registry: is_online_on_platform: %w", err)
	}
	suffix := ":" + string(p)
	for _, m := range members {
		if strings.HasSuffix(m, suffix) {
			return true, nil
		}
	}
	return false, nil
}

// OnlineCount returns the cardinality of the online:users set.
func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	return r.store.SCard(ctx, onlineUsersKey)
}
