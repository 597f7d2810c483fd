package parser

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/suleymanmyradov/im-gateway/internal/model"
	"github.com/suleymanmyradov/im-gateway/internal/router"
)

func testRouter() *router.Router {
	return router.New(router.Config{
		APIPrefix: "/api/v1",
		Routes: map[router.RouteKey]router.Route{
			{Method: "POST", Path: "/message/send"}: {CmdID: 2001, ServiceName: "messaging"},
		},
		Services: map[string]router.Service{
			"messaging": {Name: "messaging", Endpoint: "messaging:9001", CmdRangeLo: 2000, CmdRangeHi: 2999},
		},
	})
}

func TestParseFramedRoundTrip(t *testing.T) {
	p := New()
	hdr := model.UnifiedHeader{CmdID: 42, Seq: 7, FromUID: "u1", ToUID: "u2", Token: "tok", DeviceID: "d1", Platform: "web"}
	frame := EncodeFrame(hdr, []byte("hello"))

	msg, err := p.ParseFramed(frame, "sess1", "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Header.CmdID != 42 || string(msg.StructuredBody) != "hello" {
		t.Fatalf("unexpected message: %+v body=%q", msg.Header, msg.StructuredBody)
	}
	if msg.SessionCtx.Protocol != model.ProtocolFramed {
		t.Fatalf("expected framed protocol")
	}
}

func TestParseFramedRejectsZeroCmdID(t *testing.T) {
	p := New()
	frame := EncodeFrame(model.UnifiedHeader{CmdID: 0}, nil)
	if _, err := p.ParseFramed(frame, "sess1", ""); err == nil {
		t.Fatalf("expected cmd_id 0 to be rejected")
	}
}

func TestParseFramedRejectsOversizedBody(t *testing.T) {
	p := New()
	hdr := model.UnifiedHeader{CmdID: 1}
	frame := EncodeFrame(hdr, make([]byte, MaxFrameBody+1))
	if _, err := p.ParseFramed(frame, "sess1", ""); err == nil {
		t.Fatalf("expected oversized body to be rejected")
	}
}

func TestParseReqRespHappyPath(t *testing.T) {
	p := New()
	rt := testRouter()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer abc123")
	headers.Set("X-Device-ID", "d1")
	headers.Set("X-Platform", "web")
	headers.Set("Content-Type", "application/json")

	msg, err := p.ParseReqResp(ReqRespInput{
		Method:  "POST",
		Path:    "/api/v1/message/send",
		Headers: headers,
		Query:   url.Values{},
		Body:    []byte(`{"from_uid":"u1","to_uid":"u2","text":"hi"}`),
	}, rt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Header.CmdID != 2001 {
		t.Fatalf("expected cmd_id 2001, got %d", msg.Header.CmdID)
	}
	if msg.Header.Token != "abc123" || msg.Header.DeviceID != "d1" {
		t.Fatalf("unexpected header: %+v", msg.Header)
	}
	if msg.Header.FromUID != "u1" || msg.Header.ToUID != "u2" {
		t.Fatalf("expected from_uid/to_uid copied from body, got %+v", msg.Header)
	}
}

func TestParseReqRespRoutingMiss(t *testing.T) {
	p := New()
	rt := testRouter()
	_, err := p.ParseReqResp(ReqRespInput{
		Method:  "GET",
		Path:    "/api/v1/no/such/path",
		Headers: http.Header{},
		Query:   url.Values{},
	}, rt)
	if err == nil {
		t.Fatalf("expected routing failure")
	}
}

func TestParseReqRespQueryFallback(t *testing.T) {
	p := New()
	rt := testRouter()
	msg, err := p.ParseReqResp(ReqRespInput{
		Method:  "POST",
		Path:    "/api/v1/message/send",
		Headers: http.Header{},
		Query:   url.Values{"token": {"qtok"}, "device_id": {"d2"}, "platform": {"ios"}},
	}, rt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Header.Token != "qtok" || msg.Header.DeviceID != "d2" || msg.Header.Platform != "ios" {
		t.Fatalf("unexpected header from query fallback: %+v", msg.Header)
	}
}
