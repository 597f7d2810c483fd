package gateway

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/im-gateway/internal/gatewayerr"
	"github.com/suleymanmyradov/im-gateway/internal/model"
	"github.com/suleymanmyradov/im-gateway/internal/parser"
	"github.com/suleymanmyradov/im-gateway/internal/session"
	"github.com/suleymanmyradov/im-gateway/internal/transport"
)

// onStreamingAccept authenticates a newly upgraded connection and registers
// it. Any error here causes the transport layer to close the socket before
// a single frame is read.
func (g *Gateway) onStreamingAccept(sess *session.Session, token string) error {
	ctx := context.Background()

	info, err := g.authCore.VerifyAccessToken(ctx, token, sess.DeviceID)
	if err != nil {
		return err
	}

	result, err := g.registry.Add(ctx, info.UserID, sess.DeviceID, info.Platform, sess.ID)
	if err != nil {
		return err
	}
	if result.KickedSession != "" {
		logx.Slowf("gateway: session %s evicted session %s for user %s (same-platform policy)",
			sess.ID, result.KickedSession, info.UserID)
	}

	g.sessions.Store(sess.ID, sess)
	return nil
}

// onStreamingFrame parses and dispatches one inbound frame, writing the
// handler's result back to the same connection.
func (g *Gateway) onStreamingFrame(sess *session.Session, raw []byte) {
	ctx := context.Background()

	msg, err := g.parser.ParseFramed(raw, sess.ID, sess.RemoteAddr)
	if err != nil {
		logx.Errorf("gateway: frame decode failed on session %s: %v", sess.ID, err)
		return
	}
	if msg.Header.Token == "" {
		msg.Header.Token = sess.Token
	}
	if msg.Header.DeviceID == "" {
		msg.Header.DeviceID = sess.DeviceID
	}

	result := g.processor.Process(ctx, msg)

	out := parser.EncodeFrame(model.UnifiedHeader{
		Version: "1",
		Seq:     msg.Header.Seq,
		CmdID:   msg.Header.CmdID,
	}, resultPayload(result))

	if err := sess.Send(out); err != nil {
		logx.Errorf("gateway: failed to deliver result on session %s: %v", sess.ID, err)
	}
}

// onStreamingDisconnect releases both the local session table and the
// cluster-wide registry entry for sessionID.
func (g *Gateway) onStreamingDisconnect(sessionID string) {
	g.sessions.Delete(sessionID)
	if err := g.registry.RemoveBySession(context.Background(), sessionID); err != nil {
		logx.Errorf("gateway: failed to remove session %s from registry: %v", sessionID, err)
	}
}

// dispatchReqResp is the transport.DispatchFunc wired into the
// request/response endpoint.
func (g *Gateway) dispatchReqResp(in parser.ReqRespInput) transport.Response {
	ctx := context.Background()

	msg, err := g.parser.ParseReqResp(in, g.rt)
	if err != nil {
		status := 400
		if ge, ok := gatewayerr.As(err); ok {
			status = ge.Code.HTTPStatus()
		}
		return transport.Response{HTTPStatus: status, Code: int32(status), ErrMsg: err.Error()}
	}

	result := g.processor.Process(ctx, msg)

	resp := transport.Response{
		HTTPStatus: int(result.StatusCode),
		Code:       result.StatusCode,
		ErrMsg:     result.ErrorMessage,
	}
	if result.JSONBody != "" {
		resp.Body = result.JSONBody
	} else if len(result.FramedPayload) > 0 {
		resp.Body = string(result.FramedPayload)
	}
	return resp
}

func resultPayload(result model.HandlerResult) []byte {
	if len(result.FramedPayload) > 0 {
		return result.FramedPayload
	}
	return []byte(result.JSONBody)
}
