package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"fleethub/internal/protocol"
	"fleethub/internal/tasks"
)

// handleWS is the device/UI socket. The query carries the pre-authenticated
// identity: user_id always, device_id when the client is a registered
// device rather than a plain viewer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		uid = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if uid == "" {
		respondError(w, http.StatusUnauthorized, "missing_user", "user identity is required")
		return
	}
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if deviceID != "" {
		device, err := s.fleet.Get(deviceID)
		if err != nil || device.UserID != uid {
			respondError(w, http.StatusNotFound, "device_not_found", "device is not registered to this user")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if deviceID != "" {
		if err := s.fleet.BindSession(deviceID); err != nil {
			return
		}
	}
	sess := s.hub.Attach(uid, deviceID)
	s.metrics.SessionEvents.WithLabelValues("connected").Inc()
	s.metrics.OnlineDevices.Set(float64(s.fleet.OnlineCount()))

	defer func() {
		s.hub.Detach(sess.ID)
		if deviceID != "" {
			// Release before broadcasting so the departure frame carries the
			// post-release online flag.
			s.fleet.ReleaseSession(deviceID)
			s.broadcastDeparture(uid, deviceID, sess.ID)
		}
		s.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
		s.metrics.OnlineDevices.Set(float64(s.fleet.OnlineCount()))
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				// Torn down by the broadcaster; unblock the reader too.
				_ = conn.SetReadDeadline(time.Now())
				return
			case <-ticker.C:
				if time.Since(sess.LastPong()) > s.cfg.PongWait {
					_ = conn.SetReadDeadline(time.Now())
					cancel()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			case frame := <-sess.Outbound():
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					cancel()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", string(frame.FrameType())).Inc()
			}
		}
	}()

	greeting := protocol.Connected{
		Type:             protocol.TypeConnected,
		DeviceID:         deviceID,
		ConnectedDevices: s.hub.ConnectedDevices(uid),
	}
	s.hub.SendToSession(sess.ID, greeting)
	if deviceID != "" {
		s.broadcastPresence(uid, deviceID, sess.ID)
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		sess.TouchPong()
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		frame, err := protocol.ParseDeviceFrame(data)
		if err != nil {
			s.hub.SendToSession(sess.ID, protocol.ErrorFrame{
				Type:    protocol.TypeError,
				Code:    "invalid_frame",
				Message: err.Error(),
			})
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(frame.FrameType())).Inc()

		if ping, ok := frame.(protocol.Ping); ok {
			if deviceID != "" {
				_, _ = s.fleet.Heartbeat(uid, deviceID)
			}
			s.hub.SendToSession(sess.ID, protocol.Pong{
				Type:      protocol.TypePong,
				Timestamp: ping.Timestamp,
			})
			continue
		}

		if err := s.orch.HandleDeviceFrame(ctx, sess.ID, uid, deviceID, frame); err != nil {
			code := "frame_failed"
			if errors.Is(err, tasks.ErrNotFound) {
				code = "not_found"
			}
			s.hub.SendToSession(sess.ID, protocol.ErrorFrame{
				Type:      protocol.TypeError,
				Code:      code,
				Message:   err.Error(),
				RelatedTo: relatedTaskID(frame),
			})
		}
	}

	cancel()
	<-writerDone
}

// broadcastPresence tells the user's other sessions that a device came
// online.
func (s *Server) broadcastPresence(uid, deviceID, exceptSessionID string) {
	device, err := s.fleet.Get(deviceID)
	if err != nil {
		return
	}
	s.hub.BroadcastExcept(uid, exceptSessionID, protocol.NewDeviceMutation(protocol.ActionUpdated, device.ID, device))
}

// broadcastDeparture mirrors broadcastPresence after the session is torn
// down; the registry has already flipped the device offline if this was its
// last session.
func (s *Server) broadcastDeparture(uid, deviceID, exceptSessionID string) {
	device, err := s.fleet.Get(deviceID)
	if err != nil {
		return
	}
	s.hub.BroadcastExcept(uid, exceptSessionID, protocol.NewDeviceMutation(protocol.ActionUpdated, device.ID, device))
}

func relatedTaskID(frame protocol.DeviceFrame) string {
	switch f := frame.(type) {
	case protocol.ExecutionStarted:
		return f.TaskID
	case protocol.ExecutionAck:
		return f.TaskID
	case protocol.TaskProgress:
		return f.TaskID
	case protocol.TaskCompleted:
		return f.TaskID
	default:
		return ""
	}
}
