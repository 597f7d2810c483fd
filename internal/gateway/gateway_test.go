package gateway

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/suleymanmyradov/im-gateway/internal/auth"
	"github.com/suleymanmyradov/im-gateway/internal/kvstore"
	"github.com/suleymanmyradov/im-gateway/internal/model"
	"github.com/suleymanmyradov/im-gateway/internal/parser"
	"github.com/suleymanmyradov/im-gateway/internal/platform"
	"github.com/suleymanmyradov/im-gateway/internal/processor"
	"github.com/suleymanmyradov/im-gateway/internal/registry"
	"github.com/suleymanmyradov/im-gateway/internal/router"
	"github.com/suleymanmyradov/im-gateway/internal/session"
)

type fakeConn struct {
	sent   [][]byte
	closed bool
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

// testGateway wires the same components New would, without touching either
// network listener, so hook logic can be exercised directly.
func testGateway(t *testing.T) (*Gateway, *auth.Core) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store := kvstore.NewRedisFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))

	policies := platform.PolicyTable{
		platform.Web:     {AccessTTLSeconds: 300, AllowMultiDevice: false},
		platform.Desktop: {AccessTTLSeconds: 300, AllowMultiDevice: true},
	}
	authCore := auth.New("test-secret", policies, store)
	rt := router.New(router.Config{APIPrefix: "/api/v1"})

	g := &Gateway{
		store:     store,
		rt:        rt,
		authCore:  authCore,
		parser:    parser.New(),
		downst:    router.NewDownstreamClient(),
		stopCh:    make(chan struct{}),
	}
	g.registry = registry.New(store, policies, g)
	g.processor = processor.New(rt, authCore, g.downst, processor.DefaultOptions(), nil)
	return g, authCore
}

func TestStreamingAcceptRegistersSession(t *testing.T) {
	g, authCore := testGateway(t)
	ctx := context.Background()

	token, err := authCore.GenerateAccessToken("u1", "alice", "dev1", platform.Web, 0)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	sess := session.New("session_1", "127.0.0.1:1", token, "dev1", &fakeConn{})
	if err := g.onStreamingAccept(sess, token); err != nil {
		t.Fatalf("onStreamingAccept: %v", err)
	}

	online, err := g.registry.IsOnlineOnPlatform(ctx, "u1", platform.Web)
	if err != nil {
		t.Fatalf("IsOnlineOnPlatform: %v", err)
	}
	if !online {
		t.Fatal("expected user to be marked online after accept")
	}

	if _, ok := g.sessions.Load(sess.ID); !ok {
		t.Fatal("expected session to be tracked locally")
	}
}

func TestStreamingAcceptRejectsBadToken(t *testing.T) {
	g, _ := testGateway(t)
	sess := session.New("session_1", "127.0.0.1:1", "garbage", "dev1", &fakeConn{})
	if err := g.onStreamingAccept(sess, "garbage"); err == nil {
		t.Fatal("expected an invalid token to be rejected")
	}
	if _, ok := g.sessions.Load(sess.ID); ok {
		t.Fatal("rejected session must not be tracked")
	}
}

func TestSamePlatformKickClosesPriorLocalSession(t *testing.T) {
	g, authCore := testGateway(t)

	tokenA, _ := authCore.GenerateAccessToken("u1", "alice", "devA", platform.Web, 0)
	connA := &fakeConn{}
	sessA := session.New("session_a", "127.0.0.1:1", tokenA, "devA", connA)
	if err := g.onStreamingAccept(sessA, tokenA); err != nil {
		t.Fatalf("first accept: %v", err)
	}

	tokenB, _ := authCore.GenerateAccessToken("u1", "alice", "devB", platform.Web, 0)
	sessB := session.New("session_b", "127.0.0.1:2", tokenB, "devB", &fakeConn{})
	if err := g.onStreamingAccept(sessB, tokenB); err != nil {
		t.Fatalf("second accept: %v", err)
	}

	if _, ok := g.sessions.Load(sessA.ID); ok {
		t.Fatal("expected the first session to be evicted locally")
	}
	if !sessA.Closed() {
		t.Fatal("expected the evicted session's connection to be closed")
	}
}

func TestDispatchReqRespRoundTrip(t *testing.T) {
	g, authCore := testGateway(t)
	g.rt.Reload(router.Config{
		APIPrefix: "/api/v1",
		Routes: map[router.RouteKey]router.Route{
			{Method: "POST", Path: "/ping"}: {CmdID: 9001, ServiceName: "ping"},
		},
		Services: map[string]router.Service{
			"ping": {Name: "ping", Endpoint: "ping:9001", CmdRangeLo: 9000, CmdRangeHi: 9099},
		},
	})
	g.processor.Register(9001, func(ctx context.Context, msg *model.UnifiedMessage) model.HandlerResult {
		return model.HandlerResult{StatusCode: 200, JSONBody: `{"pong":true}`}
	}, false)

	token, _ := authCore.GenerateAccessToken("u1", "alice", "dev1", platform.Web, 0)

	resp := g.dispatchReqResp(parser.ReqRespInput{
		Method: "POST",
		Path:   "/api/v1/ping",
		Headers: map[string][]string{
			"Authorization": {"Bearer " + token},
			"X-Device-Id":   {"dev1"},
			"Content-Type":  {"application/json"},
		},
		Body: []byte(`{}`),
	})

	if resp.HTTPStatus != 200 {
		t.Fatalf("expected 200, got %d (%s)", resp.HTTPStatus, resp.ErrMsg)
	}
	if resp.Body != `{"pong":true}` {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
}

func TestDispatchReqRespRoutingMiss(t *testing.T) {
	g, _ := testGateway(t)
	resp := g.dispatchReqResp(parser.ReqRespInput{Method: "GET", Path: "/api/v1/nope"})
	if resp.HTTPStatus == 200 {
		t.Fatal("expected a routing miss to fail")
	}
}

func TestPushToUserDeliversToLocalSession(t *testing.T) {
	g, authCore := testGateway(t)
	token, _ := authCore.GenerateAccessToken("u1", "alice", "dev1", platform.Web, 0)
	conn := &fakeConn{}
	sess := session.New("session_1", "127.0.0.1:1", token, "dev1", conn)
	if err := g.onStreamingAccept(sess, token); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if !g.PushToUser(context.Background(), "u1", []byte("hello")) {
		t.Fatal("expected push to a locally connected user to succeed")
	}
}

func TestPushToUserFalseWhenNotLocal(t *testing.T) {
	g, _ := testGateway(t)
	if g.PushToUser(context.Background(), "nobody", []byte("hi")) {
		t.Fatal("expected push to an unknown user to fail")
	}
}
