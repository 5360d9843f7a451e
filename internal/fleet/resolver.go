package fleet

import "fmt"

type AssignmentReason string

const (
	ReasonDeviceOffline     AssignmentReason = "device_offline"
	ReasonDeviceIncapable   AssignmentReason = "device_incapable"
	ReasonRepoNotAuthorized AssignmentReason = "repo_not_authorized"
)

// AssignmentError rejects an execution assignment with a typed reason.
// Assignment is explicit, never auto-balanced: execution has side effects
// that must not double-run, so an ineligible device is an error for the
// caller, not a signal to pick another device.
type AssignmentError struct {
	DeviceID string
	Reason   AssignmentReason
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("device %s not assignable: %s", e.DeviceID, e.Reason)
}

// ResolveAssignee re-validates the explicitly assigned device's eligibility
// for executing against repo. An empty repos list on the device is treated
// as unrestricted.
func (r *Registry) ResolveAssignee(deviceID, repo string) (Device, error) {
	d, err := r.Get(deviceID)
	if err != nil {
		return Device{}, err
	}
	if !d.Online {
		return Device{}, &AssignmentError{DeviceID: deviceID, Reason: ReasonDeviceOffline}
	}
	if !d.Capabilities.CanExecute {
		return Device{}, &AssignmentError{DeviceID: deviceID, Reason: ReasonDeviceIncapable}
	}
	if repo != "" && len(d.Capabilities.Repos) > 0 {
		authorized := false
		for _, known := range d.Capabilities.Repos {
			if known == repo {
				authorized = true
				break
			}
		}
		if !authorized {
			return Device{}, &AssignmentError{DeviceID: deviceID, Reason: ReasonRepoNotAuthorized}
		}
	}
	return d, nil
}
