package fleet

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindDesktop Kind = "desktop"
	KindMobile  Kind = "mobile"
	KindWeb     Kind = "web"
)

var ErrNotFound = errors.New("device not found")

// Capabilities declares what a device may do. An empty Repos list means the
// device is unrestricted with respect to repository access.
type Capabilities struct {
	CanExecute bool     `json:"can_execute"`
	Repos      []string `json:"repos,omitempty"`
}

// CapabilitiesPatch merges into an existing capability set. A nil Repos
// leaves the list untouched; a non-nil Repos replaces it wholesale.
type CapabilitiesPatch struct {
	CanExecute *bool    `json:"can_execute,omitempty"`
	Repos      []string `json:"repos,omitempty"`
}

type Device struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	MachineID    string       `json:"machine_id"`
	Kind         Kind         `json:"kind"`
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
	Online       bool         `json:"online"`
	LastSeenAt   time.Time    `json:"last_seen_at"`
	AppVersion   string       `json:"app_version,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type RegisterRequest struct {
	UserID       string       `json:"user_id"`
	MachineID    string       `json:"machine_id"`
	Kind         Kind         `json:"kind"`
	Name         string       `json:"name"`
	AppVersion   string       `json:"app_version,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

type DeviceStore interface {
	SaveDevice(ctx context.Context, device Device) error
	GetDevice(ctx context.Context, deviceID string) (Device, error)
	ListDevicesByUser(ctx context.Context, userID string) ([]Device, error)
}

func (d Device) Clone() Device {
	out := d
	if d.Capabilities.Repos != nil {
		out.Capabilities.Repos = make([]string, len(d.Capabilities.Repos))
		copy(out.Capabilities.Repos, d.Capabilities.Repos)
	}
	return out
}
