// Package parser implements the two wire adapters: the framed-transport
// decoder and the request/response decoder, both producing a
// model.UnifiedMessage. The request/response side is grounded on the
// JSON-first handler bodies in services/gateway/api/internal/handler/...;
// the framed binary header codec has no direct analogue in that stack and
// is written from a plain length-prefixed field layout instead.
package parser

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/suleymanmyradov/im-gateway/internal/gatewayerr"
	"github.com/suleymanmyradov/im-gateway/internal/model"
	"github.com/suleymanmyradov/im-gateway/internal/platform"
)

// MaxFrameBody is the hard cap on a framed body's size (10 MiB).
const MaxFrameBody = 10 * 1024 * 1024

// headerVersion is bumped whenever the binary layout changes incompatibly.
const headerVersion = "1"

// Parser is a plain value holding the parser's statistics. It has no other
// state: it is safe to share across every session's read loop.
type Parser struct {
	Stats Stats
}

func New() *Parser {
	return &Parser{}
}

// ParseFramed decodes one de-framed binary frame into a UnifiedMessage. The
// wire layout is the length-prefixed version string (uint16 length, then
// bytes), then fixed-width seq/cmd_id/timestamp, then the length-prefixed
// from_uid/to_uid/token/device_id/platform strings, followed by the opaque
// body verbatim.
func (p *Parser) ParseFramed(raw []byte, sessionID, clientIP string) (*model.UnifiedMessage, error) {
	hdr, bodyOffset, err := decodeHeader(raw)
	if err != nil {
		p.Stats.decodeFailures.Add(1)
		return nil, gatewayerr.Wrap(gatewayerr.DecodeFailed, "failed to decode frame header", err)
	}
	if hdr.CmdID == 0 {
		p.Stats.decodeFailures.Add(1)
		return nil, gatewayerr.New(gatewayerr.DecodeFailed, "cmd_id is required and must be non-zero")
	}

	body := raw[bodyOffset:]
	if len(body) > MaxFrameBody {
		p.Stats.decodeFailures.Add(1)
		return nil, gatewayerr.New(gatewayerr.DecodeFailed, fmt.Sprintf("frame body exceeds %d bytes", MaxFrameBody))
	}

	msg := &model.UnifiedMessage{
		Header:         hdr,
		StructuredBody: body,
		SessionCtx: model.SessionContext{
			Protocol:   model.ProtocolFramed,
			SessionID:  sessionID,
			ClientIP:   clientIP,
			ReceivedAt: time.Now().UTC(),
		},
	}
	p.Stats.framesParsed.Add(1)
	return msg, nil
}

// EncodeFrame is the inverse of ParseFramed, used by tests and by any
// in-process producer building a frame to push to a session.
func EncodeFrame(hdr model.UnifiedHeader, body []byte) []byte {
	buf := make([]byte, 0, 64+len(body))
	buf = appendString(buf, headerVersion)
	buf = appendUint32(buf, hdr.Seq)
	buf = appendUint32(buf, hdr.CmdID)
	buf = appendUint64(buf, hdr.Timestamp)
	buf = appendString(buf, hdr.FromUID)
	buf = appendString(buf, hdr.ToUID)
	buf = appendString(buf, hdr.Token)
	buf = appendString(buf, hdr.DeviceID)
	buf = appendString(buf, string(hdr.Platform))
	buf = append(buf, body...)
	return buf
}

func decodeHeader(raw []byte) (model.UnifiedHeader, int, error) {
	var hdr model.UnifiedHeader
	off := 0

	version, off, err := readString(raw, off)
	if err != nil {
		return hdr, 0, fmt.Errorf("version: %w", err)
	}
	hdr.Version = version

	seq, off, err := readUint32(raw, off)
	if err != nil {
		return hdr, 0, fmt.Errorf("seq: %w", err)
	}
	hdr.Seq = seq

	cmdID, off, err := readUint32(raw, off)
	if err != nil {
		return hdr, 0, fmt.Errorf("cmd_id: %w", err)
	}
	hdr.CmdID = cmdID

	ts, off, err := readUint64(raw, off)
	if err != nil {
		return hdr, 0, fmt.Errorf("timestamp: %w", err)
	}
	hdr.Timestamp = ts

	hdr.FromUID, off, err = readString(raw, off)
	if err != nil {
		return hdr, 0, fmt.Errorf("from_uid: %w", err)
	}
	hdr.ToUID, off, err = readString(raw, off)
	if err != nil {
		return hdr, 0, fmt.Errorf("to_uid: %w", err)
	}
	hdr.Token, off, err = readString(raw, off)
	if err != nil {
		return hdr, 0, fmt.Errorf("token: %w", err)
	}
	hdr.DeviceID, off, err = readString(raw, off)
	if err != nil {
		return hdr, 0, fmt.Errorf("device_id: %w", err)
	}
	plat, off, err := readString(raw, off)
	if err != nil {
		return hdr, 0, fmt.Errorf("platform: %w", err)
	}
	hdr.Platform = platform.Parse(plat)

	return hdr, off, nil
}

func appendString(buf []byte, s string) []byte {
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(s)))
	buf = append(buf, lenBuf...)
	return append(buf, s...)
}

func appendUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendUint64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return append(buf, b...)
}

func readString(raw []byte, off int) (string, int, error) {
	if off+2 > len(raw) {
		return "", 0, fmt.Errorf("truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(raw[off : off+2]))
	off += 2
	if off+n > len(raw) {
		return "", 0, fmt.Errorf("truncated field")
	}
	return string(raw[off : off+n]), off + n, nil
}

func readUint32(raw []byte, off int) (uint32, int, error) {
	if off+4 > len(raw) {
		return 0, 0, fmt.Errorf("truncated uint32")
	}
	return binary.BigEndian.Uint32(raw[off : off+4]), off + 4, nil
}

func readUint64(raw []byte, off int) (uint64, int, error) {
	if off+8 > len(raw) {
		return 0, 0, fmt.Errorf("truncated uint64")
	}
	return binary.BigEndian.Uint64(raw[off : off+8]), off + 8, nil
}
