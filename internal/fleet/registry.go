package fleet

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleethub/internal/reliability"
)

func errRequired(field string) error {
	return fmt.Errorf("%s is required", field)
}

// Registry tracks the known device fleet and its liveness. Online state is
// owned here: a device is online only while at least one live connection is
// bound to it and its last heartbeat is within the timeout window.
type Registry struct {
	mu sync.RWMutex

	heartbeatTimeout time.Duration
	store            DeviceStore

	devices       map[string]*Device
	byUserMachine map[string]string
	liveSessions  map[string]int

	onOffline func(Device)
}

func NewRegistry(heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 45 * time.Second
	}
	return &Registry{
		heartbeatTimeout: heartbeatTimeout,
		devices:          make(map[string]*Device),
		byUserMachine:    make(map[string]string),
		liveSessions:     make(map[string]int),
	}
}

func (r *Registry) SetStore(store DeviceStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
}

// SetOfflineHook installs a callback invoked after a device flips offline,
// outside the registry lock.
func (r *Registry) SetOfflineHook(hook func(Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOffline = hook
}

// Register is idempotent by (user, machine): re-registering an existing
// machine updates its descriptor and returns the same device id.
func (r *Registry) Register(req RegisterRequest) (Device, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.MachineID = strings.TrimSpace(req.MachineID)
	req.Name = strings.TrimSpace(req.Name)
	if req.UserID == "" {
		return Device{}, errRequired("user_id")
	}
	if req.MachineID == "" {
		return Device{}, errRequired("machine_id")
	}
	if req.Kind == "" {
		req.Kind = KindDesktop
	}
	now := time.Now().UTC()
	key := req.UserID + "|" + req.MachineID

	r.mu.Lock()
	if id, ok := r.byUserMachine[key]; ok {
		if d, exists := r.devices[id]; exists {
			d.Kind = req.Kind
			d.Name = req.Name
			d.AppVersion = req.AppVersion
			d.Capabilities = cloneCapabilities(req.Capabilities)
			d.LastSeenAt = now
			d.UpdatedAt = now
			snapshot := d.Clone()
			r.mu.Unlock()
			r.persist(snapshot)
			return snapshot, nil
		}
	}

	d := &Device{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		MachineID:    req.MachineID,
		Kind:         req.Kind,
		Name:         req.Name,
		AppVersion:   req.AppVersion,
		Capabilities: cloneCapabilities(req.Capabilities),
		LastSeenAt:   now,
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	r.devices[d.ID] = d
	r.byUserMachine[key] = d.ID
	snapshot := d.Clone()
	r.mu.Unlock()

	r.persist(snapshot)
	return snapshot, nil
}

// Heartbeat refreshes liveness for a device owned by userID.
func (r *Registry) Heartbeat(userID, deviceID string) (time.Time, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok || d.UserID != userID {
		return time.Time{}, ErrNotFound
	}
	d.LastSeenAt = now
	if r.liveSessions[deviceID] > 0 {
		d.Online = true
	}
	d.UpdatedAt = now
	return now, nil
}

// UpdateCapabilities merges the patch into the device's capability set. The
// repos list is replaced wholesale when provided, not appended.
func (r *Registry) UpdateCapabilities(userID, deviceID string, patch CapabilitiesPatch) (Device, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok || d.UserID != userID {
		r.mu.Unlock()
		return Device{}, ErrNotFound
	}
	if patch.CanExecute != nil {
		d.Capabilities.CanExecute = *patch.CanExecute
	}
	if patch.Repos != nil {
		d.Capabilities.Repos = append([]string(nil), patch.Repos...)
	}
	d.UpdatedAt = now
	snapshot := d.Clone()
	r.mu.Unlock()

	r.persist(snapshot)
	return snapshot, nil
}

// BindSession records a live connection bound to the device and flips it
// online. Multiple simultaneous sessions per device are supported, e.g.
// reconnect races.
func (r *Registry) BindSession(deviceID string) error {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	r.liveSessions[deviceID]++
	d.Online = true
	d.LastSeenAt = now
	d.UpdatedAt = now
	return nil
}

// ReleaseSession drops one live connection. The device only flips offline
// when its last session is released.
func (r *Registry) ReleaseSession(deviceID string) {
	now := time.Now().UTC()

	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if r.liveSessions[deviceID] > 0 {
		r.liveSessions[deviceID]--
	}
	if r.liveSessions[deviceID] > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.liveSessions, deviceID)
	d.Online = false
	d.UpdatedAt = now
	snapshot := d.Clone()
	hook := r.onOffline
	r.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
}

// Get returns the device with its online flag recomputed lazily: a stale
// heartbeat counts as offline even absent an explicit disconnect.
func (r *Registry) Get(deviceID string) (Device, error) {
	r.mu.RLock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.RUnlock()
		return Device{}, ErrNotFound
	}
	snapshot := d.Clone()
	r.mu.RUnlock()

	if snapshot.Online && time.Since(snapshot.LastSeenAt) > r.heartbeatTimeout {
		snapshot.Online = false
	}
	return snapshot, nil
}

func (r *Registry) ListByUser(userID string) []Device {
	r.mu.RLock()
	out := make([]Device, 0, 4)
	for _, d := range r.devices {
		if d.UserID == userID {
			out = append(out, d.Clone())
		}
	}
	r.mu.RUnlock()

	for i := range out {
		if out[i].Online && time.Since(out[i].LastSeenAt) > r.heartbeatTimeout {
			out[i].Online = false
		}
	}
	return out
}

// Restore seeds the in-memory fleet from durable records, e.g. at startup.
// Restored devices start offline until a session binds.
func (r *Registry) Restore(devices []Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		cloned := d.Clone()
		cloned.Online = false
		r.devices[cloned.ID] = &cloned
		r.byUserMachine[cloned.UserID+"|"+cloned.MachineID] = cloned.ID
	}
}

// StartSweeper marks devices offline when their heartbeat goes stale,
// tolerating ungraceful socket loss.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepStale()
			}
		}
	}()
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, d := range r.devices {
		if d.Online {
			count++
		}
	}
	return count
}

func (r *Registry) sweepStale() {
	now := time.Now().UTC()
	var flipped []Device

	r.mu.Lock()
	for _, d := range r.devices {
		if !d.Online {
			continue
		}
		if now.Sub(d.LastSeenAt) < r.heartbeatTimeout {
			continue
		}
		d.Online = false
		d.UpdatedAt = now
		flipped = append(flipped, d.Clone())
	}
	hook := r.onOffline
	r.mu.Unlock()

	if hook != nil {
		for _, d := range flipped {
			hook(d)
		}
	}
}

func (r *Registry) persist(d Device) {
	r.mu.RLock()
	store := r.store
	r.mu.RUnlock()
	if store == nil {
		return
	}
	go func(snapshot Device) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := reliability.Retry(ctx, 3, 200*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
			return store.SaveDevice(ctx, snapshot)
		})
		if err != nil {
			log.Printf("fleet: persisting device %s failed: %v", snapshot.ID, err)
		}
	}(d)
}

func cloneCapabilities(c Capabilities) Capabilities {
	out := c
	if c.Repos != nil {
		out.Repos = append([]string(nil), c.Repos...)
	}
	return out
}
