// Package transport implements the two client-facing endpoints: a
// TLS-terminated, framed, bidirectional streaming connection built on
// gorilla/websocket, and a request/response endpoint built on go-zero's
// rest.Server the same way services/gateway/growth/growthapi.go uses it.
package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/im-gateway/internal/session"
)

// StreamingHooks is how the gateway façade wires the streaming endpoint to
// the rest of the core without the transport package importing auth,
// registry, parser, or processor directly.
type StreamingHooks struct {
	// OnAccept is called once the transport handshake succeeds and a
	// Session has been constructed, with the bearer credential extracted
	// from the URL query or Authorization header. Returning an error
	// refuses the connection and it is closed immediately.
	OnAccept func(sess *session.Session, token string) error
	// OnFrame is called once per inbound frame, already de-framed.
	OnFrame func(sess *session.Session, raw []byte)
	// OnDisconnect is called exactly once when a session's read loop ends.
	OnDisconnect func(sessionID string)
}

// Streaming is the websocket-based framed endpoint.
type Streaming struct {
	Addr  string
	Hooks StreamingHooks

	upgrader websocket.Upgrader
	server   *http.Server
}

func NewStreaming(addr string, hooks StreamingHooks) *Streaming {
	s := &Streaming{
		Addr:  addr,
		Hooks: hooks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Streaming) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	deviceID := r.URL.Query().Get("device_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Errorf("streaming: upgrade failed: %v", err)
		return
	}

	sessionID := session.NextID()
	sess := session.New(sessionID, r.RemoteAddr, token, deviceID, &wsConn{conn: conn})

	if s.Hooks.OnAccept != nil {
		if err := s.Hooks.OnAccept(sess, token); err != nil {
			logx.Slowf("streaming: session %s rejected on accept: %v", sessionID, err)
			sess.Close()
			return
		}
	}

	s.readLoop(sess, conn)
}

func (s *Streaming) readLoop(sess *session.Session, conn *websocket.Conn) {
	defer func() {
		sess.Close()
		if s.Hooks.OnDisconnect != nil {
			s.Hooks.OnDisconnect(sess.ID)
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logx.Errorf("streaming: session %s read error: %v", sess.ID, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if s.Hooks.OnFrame != nil {
			s.Hooks.OnFrame(sess, data)
		}
	}
}

// Start begins accepting connections; it returns once the listener is
// closed by Stop.
func (s *Streaming) Start() error {
	logx.Infof("streaming transport listening on %s", s.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Streaming) Stop() error {
	return s.server.Close()
}

func extractToken(r *http.Request) string {
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

// wsConn adapts *websocket.Conn to session.Conn. The session's single
// writer goroutine is the only caller of WriteMessage, satisfying gorilla's
// one-writer-at-a-time requirement without an extra lock here.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteMessage(data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
