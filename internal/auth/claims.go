// Package auth implements the dual-token authentication core: HMAC-signed self-contained access tokens and opaque
// KVStore-backed refresh tokens, with per-platform policy, revocation, and
// atomic rotation. It is grounded on shared/middleware JWT
// wrapper and services/gateway/services/auth/domain/auth for the claim
// shape and signing approach, and on the design (not the code) of the
// vendored pkg/gourdiantoken-master library for rotation/revocation
// semantics — see DESIGN.md for the line between "grounded on" and "copied
// from".
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/suleymanmyradov/im-gateway/internal/platform"
)

// accessClaims is the JWT claim set for an access token. It embeds
// jwt.RegisteredClaims for iss/aud/sub/iat/exp/jti, the same embedding
// style as shared/middleware.JWTClaims.
type accessClaims struct {
	Username string            `json:"username"`
	DeviceID string            `json:"device_id"`
	Platform platform.Platform `json:"platform"`
	Type     string            `json:"type"`
	jwt.RegisteredClaims
}

// UserInfo is what a successful verification returns to the caller.
type UserInfo struct {
	UserID   string
	Username string
	DeviceID string
	Platform platform.Platform
}

// refreshMeta is the metadata a refresh token's KVStore record holds. It is bound to exactly one device.
type refreshMeta struct {
	JTI        string            `json:"jti"`
	UserID     string            `json:"user_id"`
	Username   string            `json:"username"`
	DeviceID   string            `json:"device_id"`
	Platform   platform.Platform `json:"platform"`
	IssuedAt   time.Time         `json:"issued_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Revoked    bool              `json:"revoked"`
	LastUsedAt time.Time         `json:"last_used_at"`
}
