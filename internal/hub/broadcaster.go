package hub

import (
	"errors"
	"log"
	"sync"

	"fleethub/internal/observability"
	"fleethub/internal/protocol"
)

var ErrDeviceUnreachable = errors.New("no live session for device")

const defaultOutboundBuffer = 256

// Broadcaster owns the live-session table and fans mutation envelopes out
// to every session in an owning user's scope. It is constructed at server
// start and injected wherever broadcasting or command routing is needed;
// nothing else mutates the table.
type Broadcaster struct {
	mu sync.RWMutex

	buffer   int
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	byDevice map[string]map[string]*Session

	metrics  *observability.Metrics
	onDetach func(sessionID, deviceID string)
}

func NewBroadcaster(buffer int, metrics *observability.Metrics) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultOutboundBuffer
	}
	return &Broadcaster{
		buffer:   buffer,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		byDevice: make(map[string]map[string]*Session),
		metrics:  metrics,
	}
}

// SetDetachHook installs a callback invoked after a session leaves the
// table, outside the broadcaster lock. deviceID is empty for sessions that
// never bound a device.
func (b *Broadcaster) SetDetachHook(hook func(sessionID, deviceID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDetach = hook
}

// Attach registers a new live session scoped to userID, optionally bound
// to deviceID.
func (b *Broadcaster) Attach(userID, deviceID string) *Session {
	s := newSession(userID, deviceID, b.buffer)

	b.mu.Lock()
	b.sessions[s.ID] = s
	if _, ok := b.byUser[userID]; !ok {
		b.byUser[userID] = make(map[string]*Session)
	}
	b.byUser[userID][s.ID] = s
	if deviceID != "" {
		if _, ok := b.byDevice[deviceID]; !ok {
			b.byDevice[deviceID] = make(map[string]*Session)
		}
		b.byDevice[deviceID][s.ID] = s
	}
	count := len(b.sessions)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ConnectedSessions.Set(float64(count))
	}
	return s
}

// Detach removes the session and closes its done channel. Safe to call
// more than once; only the first call fires the detach hook.
func (b *Broadcaster) Detach(sessionID string) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, sessionID)
	if peers := b.byUser[s.UserID]; peers != nil {
		delete(peers, sessionID)
		if len(peers) == 0 {
			delete(b.byUser, s.UserID)
		}
	}
	if s.DeviceID != "" {
		if peers := b.byDevice[s.DeviceID]; peers != nil {
			delete(peers, sessionID)
			if len(peers) == 0 {
				delete(b.byDevice, s.DeviceID)
			}
		}
	}
	count := len(b.sessions)
	hook := b.onDetach
	b.mu.Unlock()

	s.close()
	if b.metrics != nil {
		b.metrics.ConnectedSessions.Set(float64(count))
	}
	if hook != nil {
		hook(sessionID, s.DeviceID)
	}
}

// Broadcast delivers the frame to every live session in userID's scope.
// Sends are non-blocking: a session whose outbound buffer is full is torn
// down rather than allowed to stall delivery to the others.
func (b *Broadcaster) Broadcast(userID string, frame protocol.HubFrame) {
	b.BroadcastExcept(userID, "", frame)
}

// BroadcastExcept skips one session, typically the originator of the event
// being fanned out.
func (b *Broadcaster) BroadcastExcept(userID, exceptSessionID string, frame protocol.HubFrame) {
	b.mu.RLock()
	peers := b.byUser[userID]
	snapshot := make([]*Session, 0, len(peers))
	for _, s := range peers {
		if s.ID == exceptSessionID {
			continue
		}
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	var stalled []*Session
	for _, s := range snapshot {
		if !trySend(s, frame) {
			stalled = append(stalled, s)
		}
	}
	for _, s := range stalled {
		log.Printf("hub: session %s outbound saturated, tearing down", s.ID)
		if b.metrics != nil {
			b.metrics.SessionEvents.WithLabelValues("torn_down").Inc()
		}
		b.Detach(s.ID)
	}

	if b.metrics != nil {
		if m, ok := frame.(protocol.Mutation); ok {
			b.metrics.Broadcasts.WithLabelValues(string(m.Entity), string(m.Action)).Inc()
		}
	}
}

// SendToDevice routes a command to the session(s) bound to deviceID. If no
// live session accepts the frame the caller gets ErrDeviceUnreachable so it
// can fail the attempted transition instead of leaving the task stuck.
func (b *Broadcaster) SendToDevice(deviceID string, frame protocol.HubFrame) error {
	b.mu.RLock()
	peers := b.byDevice[deviceID]
	snapshot := make([]*Session, 0, len(peers))
	for _, s := range peers {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		return ErrDeviceUnreachable
	}

	delivered := false
	var stalled []*Session
	for _, s := range snapshot {
		if trySend(s, frame) {
			delivered = true
		} else {
			stalled = append(stalled, s)
		}
	}
	for _, s := range stalled {
		log.Printf("hub: device %s session %s outbound saturated, tearing down", deviceID, s.ID)
		b.Detach(s.ID)
	}
	if !delivered {
		return ErrDeviceUnreachable
	}
	return nil
}

// SendToSession targets one session, e.g. to answer a frame on the socket
// it arrived on.
func (b *Broadcaster) SendToSession(sessionID string, frame protocol.HubFrame) bool {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if !trySend(s, frame) {
		b.Detach(s.ID)
		return false
	}
	return true
}

// ConnectedDevices lists the distinct device ids with a live session in
// userID's scope.
func (b *Broadcaster) ConnectedDevices(userID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]string, 0, 4)
	for _, s := range b.byUser[userID] {
		if s.DeviceID == "" || seen[s.DeviceID] {
			continue
		}
		seen[s.DeviceID] = true
		out = append(out, s.DeviceID)
	}
	return out
}

func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func trySend(s *Session, frame protocol.HubFrame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}
