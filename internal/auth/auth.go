package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/im-gateway/internal/gatewayerr"
	"github.com/suleymanmyradov/im-gateway/internal/kvstore"
	"github.com/suleymanmyradov/im-gateway/internal/platform"
)

const (
	revokedAccessKey = "revoked:access"
	issuer           = "im-gateway"
	audience         = "im-gateway-clients"
	refreshKeyPrefix = "refresh:"
	userRefreshIndex = "user:refresh:"
)

// Core mints, verifies, rotates and revokes tokens. It is a plain value
// constructed once by the gateway façade and threaded through — never a
// package-level singleton.
type Core struct {
	secret   []byte
	policies platform.PolicyTable
	store    kvstore.KVStore
}

func New(secret string, policies platform.PolicyTable, store kvstore.KVStore) *Core {
	return &Core{secret: []byte(secret), policies: policies, store: store}
}

// Tokens bundles an access/refresh pair as returned atomically by
// GenerateTokens and by a rotating RefreshAccessToken call.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// GenerateAccessToken builds a signed access token. ttlOverride, if positive,
// wins over the platform policy's AccessTTLSeconds.
func (c *Core) GenerateAccessToken(userID, username, deviceID string, p platform.Platform, ttlOverride time.Duration) (string, error) {
	ttl := ttlOverride
	if ttl <= 0 {
		ttl = time.Duration(c.policies.Lookup(p).AccessTTLSeconds) * time.Second
	}
	now := time.Now().UTC()
	claims := accessClaims{
		Username: username,
		DeviceID: deviceID,
		Platform: p,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// GenerateRefreshToken mints an opaque random string, persists its metadata
// under refresh:{token}, and indexes it under the user so logout-all-devices
// can enumerate and revoke every outstanding refresh token.
func (c *Core) GenerateRefreshToken(ctx context.Context, userID, username, deviceID string, p platform.Platform, ttlOverride time.Duration) (string, error) {
	ttl := ttlOverride
	if ttl <= 0 {
		ttl = time.Duration(c.policies.Lookup(p).RefreshTTLSeconds) * time.Second
	}

	token, err := randomOpaqueToken()
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.ServerError, "failed to generate refresh token", err)
	}

	now := time.Now().UTC()
	meta := refreshMeta{
		JTI:       uuid.NewString(),
		UserID:    userID,
		Username:  username,
		DeviceID:  deviceID,
		Platform:  p,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.putRefreshMeta(ctx, token, meta, ttl); err != nil {
		return "", err
	}
	if err := c.store.SAdd(ctx, userRefreshIndex+userID, token); err != nil {
		logx.Errorf("failed to index refresh token for user %s: %v", userID, err)
	}
	return token, nil
}

// GenerateTokens mints both tokens. If the refresh token fails to persist,
// the access token is discarded — nothing is returned, nothing is left
// partially minted.
func (c *Core) GenerateTokens(ctx context.Context, userID, username, deviceID string, p platform.Platform) (*Tokens, error) {
	access, err := c.GenerateAccessToken(userID, username, deviceID, p, 0)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ServerError, "failed to mint access token", err)
	}
	refresh, err := c.GenerateRefreshToken(ctx, userID, username, deviceID, p, 0)
	if err != nil {
		return nil, err
	}
	return &Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifyAccessToken checks signature, iss/aud, expiry, the jti revocation
// set, and that the claimed device matches the caller's device_id.
func (c *Core) VerifyAccessToken(ctx context.Context, token, deviceID string) (*UserInfo, error) {
	claims, err := c.parseAccessClaims(token)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.AuthFailed, "invalid access token", err)
	}
	if claims.DeviceID != deviceID {
		return nil, gatewayerr.New(gatewayerr.AuthFailed, "device mismatch")
	}

	revoked, err := c.isRevoked(ctx, claims.ID)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "revocation check failed", err)
	}
	if revoked {
		return nil, gatewayerr.New(gatewayerr.AuthFailed, "token revoked")
	}

	return &UserInfo{
		UserID:   claims.Subject,
		Username: claims.Username,
		DeviceID: claims.DeviceID,
		Platform: claims.Platform,
	}, nil
}

func (c *Core) parseAccessClaims(token string) (*accessClaims, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithAudience(audience))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token not valid")
	}
	return claims, nil
}

// VerifyRefreshToken reads the refresh token's KVStore metadata and checks
// expiry, revocation, and device binding. On success it bumps last_used_at.
func (c *Core) VerifyRefreshToken(ctx context.Context, token, deviceID string) (*UserInfo, error) {
	meta, err := c.getRefreshMeta(ctx, token)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, gatewayerr.New(gatewayerr.AuthFailed, "refresh token not found")
	}
	if meta.Revoked {
		return nil, gatewayerr.New(gatewayerr.AuthFailed, "refresh token revoked")
	}
	if time.Now().After(meta.ExpiresAt) {
		return nil, gatewayerr.New(gatewayerr.AuthFailed, "refresh token expired")
	}
	if meta.DeviceID != deviceID {
		return nil, gatewayerr.New(gatewayerr.AuthFailed, "device mismatch")
	}

	meta.LastUsedAt = time.Now().UTC()
	ttl := time.Until(meta.ExpiresAt)
	if err := c.putRefreshMeta(ctx, token, *meta, ttl); err != nil {
		logx.Errorf("failed to update refresh token last_used_at: %v", err)
	}

	return &UserInfo{
		UserID:   meta.UserID,
		Username: meta.Username,
		DeviceID: meta.DeviceID,
		Platform: meta.Platform,
	}, nil
}

// RefreshAccessToken mints a new access token, rotating the refresh token
// when its remaining lifetime fraction drops below the platform policy's
// RefreshWindowFraction. Rotation is made atomic against concurrent refresh
// attempts of the *same* refresh token via a SETNX-guarded "claim" key: only
// the caller that wins the SETNX may revoke the old token and mint the new
// pair, so at most one rotation ever happens per refresh token.
func (c *Core) RefreshAccessToken(ctx context.Context, refreshToken, deviceID string) (*Tokens, error) {
	info, err := c.VerifyRefreshToken(ctx, refreshToken, deviceID)
	if err != nil {
		return nil, err
	}

	meta, err := c.getRefreshMeta(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	policy := c.policies.Lookup(info.Platform)

	total := meta.ExpiresAt.Sub(meta.IssuedAt)
	remaining := time.Until(meta.ExpiresAt)
	shouldRotate := total > 0 && float64(remaining)/float64(total) < policy.RefreshWindowFraction

	newAccess, err := c.GenerateAccessToken(info.UserID, info.Username, info.DeviceID, info.Platform, 0)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ServerError, "failed to mint access token", err)
	}

	if !shouldRotate {
		return &Tokens{AccessToken: newAccess}, nil
	}

	claimKey := "rotating:" + refreshToken
	won, err := c.store.SetNX(ctx, claimKey, "1", 30*time.Second)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "rotation claim failed", err)
	}
	if !won {
		// Someone else is mid-rotation for this exact refresh token; this
		// caller still gets a fresh access token, just not a rotated
		// refresh token, preserving at-most-one-rotation.
		return &Tokens{AccessToken: newAccess}, nil
	}

	if err := c.RevokeRefresh(ctx, refreshToken); err != nil {
		return nil, err
	}
	newRefresh, err := c.GenerateRefreshToken(ctx, info.UserID, info.Username, info.DeviceID, info.Platform, 0)
	if err != nil {
		return nil, err
	}
	return &Tokens{AccessToken: newAccess, RefreshToken: newRefresh}, nil
}

// RevokeAccess extracts the jti from token and adds it to the revoked set.
// Idempotent: adding an already-revoked jti is a no-op.
func (c *Core) RevokeAccess(ctx context.Context, token string) error {
	claims, err := c.parseAccessClaims(token)
	if err != nil {
		// Already-invalid tokens need no revocation bookkeeping.
		return nil
	}
	if err := c.store.SAdd(ctx, revokedAccessKey, claims.ID); err != nil {
		return gatewayerr.Wrap(gatewayerr.StoreUnavailable, "failed to revoke access token", err)
	}
	return nil
}

// RevokeRefresh sets revoked=true in the token's metadata. Idempotent.
func (c *Core) RevokeRefresh(ctx context.Context, token string) error {
	meta, err := c.getRefreshMeta(ctx, token)
	if err != nil {
		return err
	}
	if meta == nil || meta.Revoked {
		return nil
	}
	meta.Revoked = true
	ttl := time.Until(meta.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return c.putRefreshMeta(ctx, token, *meta, ttl)
}

func (c *Core) isRevoked(ctx context.Context, jti string) (bool, error) {
	return c.store.SIsMember(ctx, revokedAccessKey, jti)
}

func (c *Core) getRefreshMeta(ctx context.Context, token string) (*refreshMeta, error) {
	raw, ok, err := c.store.Get(ctx, refreshKeyPrefix+token)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.StoreUnavailable, "failed to read refresh token", err)
	}
	if !ok {
		return nil, nil
	}
	var meta refreshMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ServerError, "corrupt refresh token metadata", err)
	}
	return &meta, nil
}

func (c *Core) putRefreshMeta(ctx context.Context, token string, meta refreshMeta, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.ServerError, "failed to encode refresh token metadata", err)
	}
	if err := c.store.Set(ctx, refreshKeyPrefix+token, string(data), ttl); err != nil {
		return gatewayerr.Wrap(gatewayerr.StoreUnavailable, "failed to persist refresh token", err)
	}
	return nil
}

func randomOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
