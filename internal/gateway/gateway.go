// Package gateway implements the façade: it owns the lifetime of every
// other component, wires them together, and exposes the small public
// surface embedders use (register_handler, push_to_user, start/stop).
// Grounded on services/gateway/growth/growthapi.go's construction order
// (config -> service context -> handlers -> server) and on
// services/gateway/api/internal/svc.ServiceContext for "one struct holds
// every dependency, built once" — generalized from a single REST listener
// to the two transports a messaging gateway needs.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/im-gateway/internal/auth"
	"github.com/suleymanmyradov/im-gateway/internal/config"
	"github.com/suleymanmyradov/im-gateway/internal/kvstore"
	"github.com/suleymanmyradov/im-gateway/internal/model"
	"github.com/suleymanmyradov/im-gateway/internal/parser"
	"github.com/suleymanmyradov/im-gateway/internal/processor"
	"github.com/suleymanmyradov/im-gateway/internal/registry"
	"github.com/suleymanmyradov/im-gateway/internal/router"
	"github.com/suleymanmyradov/im-gateway/internal/session"
	"github.com/suleymanmyradov/im-gateway/internal/transport"
)

// Gateway is the public entry point embedders construct once. Every
// component it wires is a plain value; a package-level singleton for
// pools/loggers/config is rejected deliberately.
type Gateway struct {
	cfg config.Config

	store     kvstore.KVStore
	rt        *router.Router
	authCore  *auth.Core
	registry  *registry.Registry
	parser    *parser.Parser
	processor *processor.Processor
	downst    *router.DownstreamClient

	streaming *transport.Streaming
	reqresp   *transport.ReqResp

	sessions sync.Map // session id -> *session.Session, local to this node only

	running atomic_bool
	stopCh  chan struct{}
}

// atomic_bool avoids pulling in an extra dependency for a single flag; kept
// in this package rather than a shared util since nothing else needs it.
type atomic_bool struct {
	mu sync.Mutex
	v  bool
}

func (b *atomic_bool) set(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.v = v
}

func (b *atomic_bool) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

// New constructs every component but does not start accepting connections.
func New(cfg config.Config, store kvstore.KVStore) *Gateway {
	policies := cfg.PolicyTable()
	rt := router.New(cfg.RouterConfig())
	authCore := auth.New(cfg.Auth.Secret, policies, store)

	g := &Gateway{
		cfg:      cfg,
		store:    store,
		rt:       rt,
		authCore: authCore,
		parser:   parser.New(),
		downst:   router.NewDownstreamClient(),
		stopCh:   make(chan struct{}),
	}
	g.registry = registry.New(store, policies, g)
	g.processor = processor.New(rt, authCore, g.downst, processor.DefaultOptions(), nil)

	g.streaming = transport.NewStreaming(fmt.Sprintf(":%d", cfg.StreamingPort), transport.StreamingHooks{
		OnAccept:     g.onStreamingAccept,
		OnFrame:      g.onStreamingFrame,
		OnDisconnect: g.onStreamingDisconnect,
	})

	routeSpecs := make([]transport.RouteSpec, 0, len(cfg.Routes))
	prefix := cfg.APIPrefix
	if prefix == "" {
		prefix = "/api/v1"
	}
	for _, r := range cfg.Routes {
		routeSpecs = append(routeSpecs, transport.RouteSpec{Method: r.Method, Path: prefix + r.Path})
	}
	g.reqresp = transport.NewReqResp(cfg.RestConf, routeSpecs, g.dispatchReqResp)

	return g
}

// RegisterHandler delegates to the processor. Calling it after Start is not
// supported.
func (g *Gateway) RegisterHandler(cmdID uint32, fn func(ctx context.Context, msg *model.UnifiedMessage) model.HandlerResult) processor.RegisterCode {
	return g.processor.Register(cmdID, fn, false)
}

// Start binds both listeners and begins accepting connections. Idempotent.
func (g *Gateway) Start() error {
	if g.running.get() {
		return nil
	}
	g.running.set(true)
	g.processor.MarkStarted()

	go func() {
		if err := g.streaming.Start(); err != nil {
			logx.Errorf("gateway: streaming transport stopped: %v", err)
		}
	}()
	go g.reqresp.Start()

	logx.Infof("gateway started: streaming=:%d reqresp=:%d", g.cfg.StreamingPort, g.cfg.Port)
	return nil
}

// Stop refuses new connections, cancels the accept loops, and closes every
// locally-owned session. It does not try to drain handler goroutines beyond
// the processor's own per-call timeout — those are expected to cooperate.
func (g *Gateway) Stop() {
	if !g.running.get() {
		return
	}
	g.running.set(false)
	close(g.stopCh)

	if err := g.streaming.Stop(); err != nil {
		logx.Errorf("gateway: error stopping streaming transport: %v", err)
	}
	g.reqresp.Stop()

	g.sessions.Range(func(key, value any) bool {
		sess := value.(*session.Session)
		sess.Close()
		return true
	})

	logx.Info("gateway stopped")
}

// CloseLocal implements registry.SessionCloser.
func (g *Gateway) CloseLocal(sessionID string) bool {
	v, ok := g.sessions.Load(sessionID)
	if !ok {
		return false
	}
	sess := v.(*session.Session)
	sess.Close()
	g.sessions.Delete(sessionID)
	return true
}

// PushToUser routes bytes to a user's locally-owned session, if any.
func (g *Gateway) PushToUser(ctx context.Context, userID string, data []byte) bool {
	sessions, err := g.registry.ListUserSessions(ctx, userID)
	if err != nil {
		logx.Errorf("gateway: push_to_user: failed to list sessions for %s: %v", userID, err)
		return false
	}
	sent := false
	for _, ds := range sessions {
		if v, ok := g.sessions.Load(ds.SessionID); ok {
			sess := v.(*session.Session)
			if err := sess.Send(data); err == nil {
				sent = true
			}
		}
	}
	return sent
}

func (g *Gateway) OnlineCount(ctx context.Context) (int64, error) {
	return g.registry.OnlineCount(ctx)
}

// Stats returns the parser's running counters for observability.
func (g *Gateway) Stats() parser.Snapshot {
	return g.parser.Stats.Snapshot()
}

// Healthy checks the KVStore's reachability so embedders can wire it into a
// liveness/readiness endpoint.
func (g *Gateway) Healthy(ctx context.Context) error {
	return g.store.Ping(ctx)
}
