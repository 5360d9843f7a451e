package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"fleethub/internal/fleet"
)

type wsEnvelope struct {
	Type     string          `json:"type"`
	Entity   string          `json:"entity"`
	Action   string          `json:"action"`
	EntityID string          `json:"entity_id"`
	Data     json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, base, userID, deviceID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + "/v1/ws?user_id=" + userID
	if deviceID != "" {
		url += "&device_id=" + deviceID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return env
}

func TestWSDepartureBroadcastsOfflineDevice(t *testing.T) {
	srv, _, registry, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	device, err := registry.Register(fleet.RegisterRequest{
		UserID:    "u1",
		MachineID: "mac-a",
		Kind:      fleet.KindDesktop,
		Name:      "desk",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	deviceConn := dialWS(t, ts.URL, "u1", device.ID)
	if env := readEnvelope(t, deviceConn); env.Type != "connected" {
		t.Fatalf("device greeting type = %q, want connected", env.Type)
	}

	watcher := dialWS(t, ts.URL, "u1", "")
	defer watcher.Close()
	if env := readEnvelope(t, watcher); env.Type != "connected" {
		t.Fatalf("watcher greeting type = %q, want connected", env.Type)
	}

	// A clean close must fan out the device's post-release state, so the
	// watcher sees it offline rather than a snapshot taken mid-teardown.
	deviceConn.Close()

	var departure wsEnvelope
	for {
		env := readEnvelope(t, watcher)
		if env.Entity == "devices" && env.EntityID == device.ID {
			departure = env
			break
		}
	}
	var payload struct {
		Online bool `json:"online"`
	}
	if err := json.Unmarshal(departure.Data, &payload); err != nil {
		t.Fatalf("unmarshal departure data: %v", err)
	}
	if payload.Online {
		t.Fatalf("departure broadcast reports the device online")
	}
}

func TestOnlineDevicesGaugeTracksConnections(t *testing.T) {
	srv, _, registry, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	device, err := registry.Register(fleet.RegisterRequest{
		UserID:    "u1",
		MachineID: "mac-a",
		Kind:      fleet.KindDesktop,
		Name:      "desk",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := testutil.ToFloat64(srv.metrics.OnlineDevices); got != 0 {
		t.Fatalf("gauge = %v before any connection, want 0", got)
	}

	conn := dialWS(t, ts.URL, "u1", device.ID)
	readEnvelope(t, conn)
	if got := testutil.ToFloat64(srv.metrics.OnlineDevices); got != 1 {
		t.Fatalf("gauge = %v with device connected, want 1", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(srv.metrics.OnlineDevices) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("gauge = %v after disconnect, want 0", testutil.ToFloat64(srv.metrics.OnlineDevices))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// HTTP heartbeats refresh the gauge too.
	rec := doJSON(t, srv.Router(), http.MethodPost, "/v1/devices/"+device.ID+"/heartbeat", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(srv.metrics.OnlineDevices); got != 0 {
		t.Fatalf("gauge = %v after offline heartbeat, want 0", got)
	}
}
