// Package model holds the wire-agnostic data shapes every other package
// operates on: the UnifiedHeader/UnifiedMessage pair the parser produces and
// the processor consumes, plus the session and device records the registry
// persists.
package model

import (
	"time"

	"github.com/suleymanmyradov/im-gateway/internal/platform"
)

// Protocol identifies which wire adapter produced a UnifiedMessage.
type Protocol string

const (
	ProtocolFramed  Protocol = "framed"
	ProtocolReqResp Protocol = "reqresp"
)

// UnifiedHeader is the canonical metadata every request carries, normalized
// across both wire protocols.
type UnifiedHeader struct {
	Version   string
	Seq       uint32
	CmdID     uint32
	Timestamp uint64
	FromUID   string
	ToUID     string
	Token     string
	DeviceID  string
	Platform  platform.Platform
}

// SessionContext carries the transport-specific detail a handler or
// middleware might need but that isn't part of the canonical header.
type SessionContext struct {
	Protocol   Protocol
	SessionID  string
	ClientIP   string
	ReceivedAt time.Time

	// Only populated when Protocol == ProtocolReqResp.
	Method  string
	Path    string
	RawBody []byte
}

// UnifiedMessage is one inbound request normalized across protocols. Body is
// exactly one of StructuredBody (framed) or JSONBody (reqresp); the other
// is left nil. It is produced once by the parser and consumed once by the
// processor — treat it as move-only, never mutate it concurrently.
type UnifiedMessage struct {
	Header         UnifiedHeader
	StructuredBody []byte
	JSONBody       []byte
	SessionCtx     SessionContext
}

// HandlerResult is what a registered handler produces for a UnifiedMessage.
// Exactly one of FramedPayload/JSONBody is expected to be meaningful,
// mirroring the request body duality — handlers choose based on cmd_id.
type HandlerResult struct {
	StatusCode    int32
	ErrorMessage  string
	FramedPayload []byte
	JSONBody      string
}

// DeviceSession is the registry's per-connection record, serialized as JSON
// when persisted to the KVStore.
type DeviceSession struct {
	SessionID   string            `json:"session_id"`
	DeviceID    string            `json:"device_id"`
	Platform    platform.Platform `json:"platform"`
	ConnectedAt time.Time         `json:"connected_at"`
}
