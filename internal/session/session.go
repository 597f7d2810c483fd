// Package session implements the per-connection Session object: a stable
// id, a bounded single-writer send queue, and an idempotent close. The
// single-writer-goroutine style mirrors the connection pooling in
// third_party/cache, generalized to a fan-in/fan-out queue: the registry
// holds only session ids and looks sessions up through an interface, never
// a back-reference.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// MaxSendQueueSize is the backpressure threshold: once the queue holds this
// many unwritten frames, the session is closed with a transport-overload
// error rather than growing unbounded.
const MaxSendQueueSize = 1024

// Conn is the minimal transport capability a Session writes to. Both the
// streaming (websocket) and request/response transports can satisfy it.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

var sessionCounter atomic.Uint64

// NextID returns a monotonic, process-wide unique streaming session id, e.g.
// "session_42". Cross-node collisions are possible and deliberately not
// guarded against here.
func NextID() string {
	return fmt.Sprintf("session_%d", sessionCounter.Add(1))
}

// Session is a plain value owned by exactly one transport endpoint.
type Session struct {
	ID         string
	RemoteAddr string
	Token      string
	DeviceID   string

	conn    Conn
	queue   chan []byte
	closeWG sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
}

// New creates a session and starts its single writer goroutine, which drains
// the send queue in FIFO order so concurrent Send calls are never
// interleaved on the wire.
func New(id, remoteAddr, token, deviceID string, conn Conn) *Session {
	s := &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		Token:      token,
		DeviceID:   deviceID,
		conn:       conn,
		queue:      make(chan []byte, MaxSendQueueSize),
	}
	s.closeWG.Add(1)
	go s.writeLoop()
	return s
}

func (s *Session) writeLoop() {
	defer s.closeWG.Done()
	for data := range s.queue {
		if err := s.conn.WriteMessage(data); err != nil {
			logx.Errorf("session %s: write failed: %v", s.ID, err)
			// closeTeardown only, never Close: this goroutine is the one
			// Close would Wait() on, so waiting here would deadlock.
			s.closeTeardown()
			return
		}
	}
}

// Send enqueues data for delivery. If the queue is already at capacity the
// session is closed with a transport-overload error rather than blocking
// the caller.
func (s *Session) Send(data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("session %s: send on closed session", s.ID)
	}
	select {
	case s.queue <- data:
		return nil
	default:
		logx.Slowf("session %s: send queue overloaded at %d frames, closing", s.ID, MaxSendQueueSize)
		s.Close()
		return fmt.Errorf("session %s: send queue overloaded", s.ID)
	}
}

// Close is idempotent and safe to call from any goroutine. The first caller
// closes the underlying transport and waits for the writer goroutine to
// drain; subsequent callers are no-ops (though they still wait for the
// writer to finish exiting).
func (s *Session) Close() error {
	err := s.closeTeardown()
	s.closeWG.Wait()
	return err
}

// closeTeardown marks the session closed and closes the queue and
// underlying connection exactly once. It never waits on closeWG, which
// lets the writer goroutine itself call it on a write failure without
// deadlocking on its own exit.
func (s *Session) closeTeardown() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.queue)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Now returns the current time in UTC. It is a plain function, not a
// replaceable clock; the rest of the core calls time.Now directly.
func Now() time.Time { return time.Now().UTC() }
