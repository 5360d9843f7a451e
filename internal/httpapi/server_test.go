package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fleethub/internal/config"
	"fleethub/internal/fleet"
	"fleethub/internal/hub"
	"fleethub/internal/observability"
	"fleethub/internal/orchestrator"
	"fleethub/internal/store"
	"fleethub/internal/tasks"
)

func newTestServer(t *testing.T) (*Server, *store.InMemory, *fleet.Registry, *hub.Broadcaster) {
	t.Helper()
	cfg := config.Config{
		PingInterval:   25 * time.Second,
		PongWait:       60 * time.Second,
		WriteTimeout:   5 * time.Second,
		OutboundBuffer: 32,
	}
	st := store.NewInMemory()
	registry := fleet.NewRegistry(time.Minute)
	metrics := observability.NewMetrics("fleethub_httpapi_test_" + strings.ToLower(t.Name()))
	broadcaster := hub.NewBroadcaster(32, metrics)
	orch := orchestrator.New(st, registry, broadcaster, metrics, time.Minute)
	return New(cfg, orch, registry, broadcaster, metrics, "in-memory"), st, registry, broadcaster
}

func doJSON(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d", rec.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode /healthz: %v", err)
	}
	if health["store_mode"] != "in-memory" {
		t.Fatalf("store_mode = %v", health["store_mode"])
	}

	rec = doJSON(t, router, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/readyz status = %d", rec.Code)
	}
}

func TestTaskCRUDOverHTTP(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", "", map[string]any{"title": "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("create without user status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks", "u1", map[string]any{
		"title": "ship the fix",
		"repo":  "repo-a",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created tasks.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}
	if created.Status != tasks.StatusBacklog {
		t.Fatalf("created status = %q, want backlog", created.Status)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/tasks/"+created.ID, "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/v1/tasks/"+created.ID, "u2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/tasks", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tasks) != 1 {
		t.Fatalf("list length = %d, want 1", len(list.Tasks))
	}

	rec = doJSON(t, router, http.MethodDelete, "/v1/tasks/"+created.ID, "u1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
}

func TestStatusPatchMapsTransitionErrors(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", "u1", map[string]any{"title": "t"})
	var created tasks.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}

	rec = doJSON(t, router, http.MethodPatch, "/v1/tasks/"+created.ID+"/status", "u1", map[string]any{"status": "planning"})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid transition status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPatch, "/v1/tasks/"+created.ID+"/status", "u1", map[string]any{"status": "done"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("invalid transition status = %d, want 409", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Code != "invalid_transition" {
		t.Fatalf("error code = %q, want invalid_transition", resp.Code)
	}

	rec = doJSON(t, router, http.MethodPatch, "/v1/tasks/"+created.ID+"/status", "u1", map[string]any{"status": "sideways"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status code = %d, want 400", rec.Code)
	}
}

func TestExecuteMapsAssignmentErrors(t *testing.T) {
	srv, _, registry, _ := newTestServer(t)
	router := srv.Router()

	device, err := registry.Register(fleet.RegisterRequest{
		UserID:       "u1",
		MachineID:    "mac-1",
		Capabilities: fleet.Capabilities{CanExecute: true},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", "u1", map[string]any{"title": "t"})
	var created tasks.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}

	// Device registered but not connected.
	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/execute", "u1", map[string]any{"device_id": device.ID})
	if rec.Code != http.StatusConflict {
		t.Fatalf("execute offline status = %d, want 409, body = %s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Code != "device_offline" {
		t.Fatalf("error code = %q, want device_offline", resp.Code)
	}

	// No assignee at all.
	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/execute", "u1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("execute without device status = %d, want 400", rec.Code)
	}
}

func TestExecuteUnreachableDeviceMapsToBadGateway(t *testing.T) {
	srv, _, registry, _ := newTestServer(t)
	router := srv.Router()

	device, err := registry.Register(fleet.RegisterRequest{
		UserID:       "u1",
		MachineID:    "mac-1",
		Capabilities: fleet.Capabilities{CanExecute: true},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// Online per the registry but no hub session to deliver to.
	if err := registry.BindSession(device.ID); err != nil {
		t.Fatalf("BindSession() error = %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", "u1", map[string]any{"title": "t"})
	var created tasks.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/tasks/"+created.ID+"/execute", "u1", map[string]any{"device_id": device.ID})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("execute unreachable status = %d, want 502, body = %s", rec.Code, rec.Body.String())
	}
}

func TestDeviceEndpoints(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/devices", "u1", map[string]any{
		"machine_id": "mac-1",
		"kind":       "desktop",
		"name":       "workstation",
		"capabilities": map[string]any{
			"can_execute": true,
			"repos":       []string{"repo-a"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var device fleet.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &device); err != nil {
		t.Fatalf("decode device: %v", err)
	}

	// Re-registering the same machine keeps the id.
	rec = doJSON(t, router, http.MethodPost, "/v1/devices", "u1", map[string]any{
		"machine_id": "mac-1",
		"name":       "workstation-renamed",
	})
	var again fleet.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
		t.Fatalf("decode device: %v", err)
	}
	if again.ID != device.ID {
		t.Fatalf("re-register id = %q, want %q", again.ID, device.ID)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/devices/"+device.ID+"/heartbeat", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/v1/devices/"+device.ID+"/heartbeat", "u2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign heartbeat status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPatch, "/v1/devices/"+device.ID+"/capabilities", "u1", map[string]any{
		"repos": []string{"repo-b"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("capabilities status = %d", rec.Code)
	}
	var patched fleet.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &patched); err != nil {
		t.Fatalf("decode device: %v", err)
	}
	if len(patched.Capabilities.Repos) != 1 || patched.Capabilities.Repos[0] != "repo-b" {
		t.Fatalf("repos = %v, want [repo-b]", patched.Capabilities.Repos)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/devices", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Devices []fleet.Device `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(listed.Devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(listed.Devices))
	}
}
