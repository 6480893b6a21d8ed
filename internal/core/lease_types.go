package core

import (
	"time"
)

// =============================================================================
// LEASE TYPES
// =============================================================================

// LeaseKind identifies the sensitive resource class a lease covers.
// Kinds form a closed set; anything else is rejected at the boundary.
type LeaseKind int

const (
	LeaseComputation LeaseKind = iota
	LeaseNetworkAccess
	LeaseFileSystem
	LeaseDeviceControl
	LeaseLearning
	LeaseExperimentation
)

// String returns the wire name of the lease kind.
func (k LeaseKind) String() string {
	switch k {
	case LeaseComputation:
		return "computation"
	case LeaseNetworkAccess:
		return "network_access"
	case LeaseFileSystem:
		return "file_system"
	case LeaseDeviceControl:
		return "device_control"
	case LeaseLearning:
		return "learning"
	case LeaseExperimentation:
		return "experimentation"
	default:
		return "unknown"
	}
}

// ParseLeaseKind maps a wire string to a LeaseKind.
// Returns false for anything outside the closed set.
func ParseLeaseKind(s string) (LeaseKind, bool) {
	switch s {
	case "computation":
		return LeaseComputation, true
	case "network_access":
		return LeaseNetworkAccess, true
	case "file_system":
		return LeaseFileSystem, true
	case "device_control":
		return LeaseDeviceControl, true
	case "learning":
		return LeaseLearning, true
	case "experimentation":
		return LeaseExperimentation, true
	default:
		return 0, false
	}
}

// AllLeaseKinds returns every recognized lease kind.
func AllLeaseKinds() []LeaseKind {
	return []LeaseKind{
		LeaseComputation,
		LeaseNetworkAccess,
		LeaseFileSystem,
		LeaseDeviceControl,
		LeaseLearning,
		LeaseExperimentation,
	}
}

// Lease is a time-bounded grant of a capability kind.
// Invariant: ExpiresAt > GrantedAt. Once deactivated a lease is never
// reactivated; it moves from the active set to the append-only history.
type Lease struct {
	ID          string
	Kind        LeaseKind
	GrantedAt   time.Time
	ExpiresAt   time.Time
	Permissions map[string]interface{}
	Active      bool
}

// LeaseStatus is a point-in-time snapshot of the lease manager.
type LeaseStatus struct {
	ActiveLeases    int
	TotalGranted    int
	LeaseKinds      []string
	UtilizationRate float64
}

// LeaseSink receives deactivated leases as a side channel (audit store).
// Sink failures never affect lease manager state.
type LeaseSink interface {
	RecordLease(l Lease)
}
