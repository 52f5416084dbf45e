// Package presence classifies workstations as online or offline from their
// heartbeats. Only heartbeat timestamps are stored; online status is always
// derived at read time.
package presence

import (
	"sort"
	"strings"
	"time"

	"workpulse/internal/apperr"
)

// Identity addresses one device.
type Identity struct {
	CompanyName string `json:"company_name"`
	EmployeeID  string `json:"employee_id"`
	MachineID   string `json:"machine_id"`
}

// Validate rejects identities with blank fields.
func (id Identity) Validate(op string) error {
	switch {
	case strings.TrimSpace(id.CompanyName) == "":
		return apperr.Validation(op, "company_name required")
	case strings.TrimSpace(id.EmployeeID) == "":
		return apperr.Validation(op, "employee_id required")
	case strings.TrimSpace(id.MachineID) == "":
		return apperr.Validation(op, "machine_id required")
	}
	return nil
}

func (id Identity) key() string {
	return id.CompanyName + "\x00" + id.EmployeeID + "\x00" + id.MachineID
}

// Snapshot holds the descriptive fields reported by each heartbeat. The
// latest heartbeat overwrites all of them.
type Snapshot struct {
	DisplayName string `json:"display_name"`
	IPAddress   string `json:"ip_address"`
	OSVersion   string `json:"os_version"`
	MachineName string `json:"machine_name"`
	AppVersion  string `json:"app_version"`
	Department  string `json:"department"`
}

// Device is the stored presence record plus the derived Online flag.
type Device struct {
	Identity
	Snapshot
	FirstConnected time.Time `json:"first_connected"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	Online         bool      `json:"is_online"`
}

// IsOnline reports whether a heartbeat at lastHeartbeat is still fresh at now.
func IsOnline(lastHeartbeat, now time.Time, staleThreshold time.Duration) bool {
	return now.Sub(lastHeartbeat) < staleThreshold
}

// SortDevices orders by most recent heartbeat first, then by identity.
func SortDevices(ds []Device) {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
			return a.LastHeartbeat.After(b.LastHeartbeat)
		}
		if a.EmployeeID != b.EmployeeID {
			return a.EmployeeID < b.EmployeeID
		}
		return a.MachineID < b.MachineID
	})
}

// upsert applies a heartbeat to an existing record, or creates one when cur
// is nil. LastHeartbeat never precedes FirstConnected.
func upsert(cur *Device, id Identity, snap Snapshot, now time.Time) Device {
	d := Device{Identity: id, Snapshot: snap, FirstConnected: now, LastHeartbeat: now}
	if cur != nil {
		d.FirstConnected = cur.FirstConnected
		if now.Before(d.FirstConnected) {
			d.LastHeartbeat = d.FirstConnected
		}
	}
	return d
}
