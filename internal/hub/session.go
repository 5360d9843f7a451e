package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleethub/internal/protocol"
)

// Session is one live socket's hub-side state: an outbound FIFO drained by
// a single writer, plus heartbeat bookkeeping. The outbound queue is the
// per-session ordering boundary: frames enqueued for one session are
// delivered in enqueue order.
type Session struct {
	ID       string
	UserID   string
	DeviceID string

	outbound  chan protocol.HubFrame
	done      chan struct{}
	closeOnce sync.Once

	lastPongUnix atomic.Int64
}

func newSession(userID, deviceID string, buffer int) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		DeviceID: deviceID,
		outbound: make(chan protocol.HubFrame, buffer),
		done:     make(chan struct{}),
	}
	s.lastPongUnix.Store(time.Now().UnixMilli())
	return s
}

// Outbound is drained by the session's single writer goroutine.
func (s *Session) Outbound() <-chan protocol.HubFrame {
	return s.outbound
}

// Done is closed when the session is torn down; the owning connection
// handler must close the socket when it fires.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) TouchPong() {
	s.lastPongUnix.Store(time.Now().UnixMilli())
}

func (s *Session) LastPong() time.Time {
	return time.UnixMilli(s.lastPongUnix.Load())
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
