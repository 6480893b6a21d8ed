package core

import (
	"sort"
	"sync"
	"time"

	"capcore/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// LEASE MANAGER
// =============================================================================
//
// LeaseManager owns the set of active leases, enforces the concurrency
// ceiling, and expires leases by deadline. All mutation goes through the
// single writer lock; readers (status, validity checks) take the read lock.
// Timestamps come from the manager's clock, which carries Go's monotonic
// reading, so expiry and staleness checks are immune to wall-clock skew.

// LeaseManager manages time-bounded capability grants.
type LeaseManager struct {
	mu sync.RWMutex

	active          map[string]*Lease
	history         []Lease
	maxConcurrent   int
	defaultDuration time.Duration
	totalGranted    int

	clock func() time.Time
	sink  LeaseSink
}

// NewLeaseManager creates a lease manager with the given concurrency ceiling
// and default grant duration.
func NewLeaseManager(maxConcurrent int, defaultDuration time.Duration) *LeaseManager {
	return &LeaseManager{
		active:          make(map[string]*Lease),
		maxConcurrent:   maxConcurrent,
		defaultDuration: defaultDuration,
		clock:           time.Now,
	}
}

// SetSink installs an audit sink for deactivated leases.
func (lm *LeaseManager) SetSink(sink LeaseSink) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.sink = sink
}

// Initialize clears all active leases. Nothing is pre-granted. Idempotent.
func (lm *LeaseManager) Initialize() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	// Fail-safe default: start with an empty grant set
	lm.active = make(map[string]*Lease)

	logging.Lease("LeaseManager initialized: max_concurrent=%d, default_duration=%v",
		lm.maxConcurrent, lm.defaultDuration)
	return nil
}

// RequestLease grants a lease of the given kind, or reports failure.
// duration <= 0 selects the default duration. Rejection (ceiling reached)
// leaves no trace beyond a log line; callers cannot distinguish rejection
// reasons from the return value.
func (lm *LeaseManager) RequestLease(kind LeaseKind, duration time.Duration) (string, bool) {
	lm.mu.Lock()

	if len(lm.active) >= lm.maxConcurrent {
		lm.mu.Unlock()
		logging.LeaseWarn("Maximum concurrent leases reached: %d", lm.maxConcurrent)
		return "", false
	}

	if duration <= 0 {
		duration = lm.defaultDuration
	}

	now := lm.clock()
	lease := &Lease{
		ID:          uuid.NewString(),
		Kind:        kind,
		GrantedAt:   now,
		ExpiresAt:   now.Add(duration),
		Permissions: make(map[string]interface{}),
		Active:      true,
	}

	lm.active[lease.ID] = lease
	lm.totalGranted++
	lm.mu.Unlock()

	logging.Lease("Granted lease %s for %s (%v)", lease.ID, kind, duration)
	return lease.ID, true
}

// RevokeLease deactivates the lease with the given id and moves it to
// history. Revoking an unknown or already-revoked lease is a reported no-op.
func (lm *LeaseManager) RevokeLease(id string) bool {
	lm.mu.Lock()
	revoked := lm.revokeLocked(id)
	var sink LeaseSink
	var copied Lease
	if revoked {
		sink = lm.sink
		copied = lm.history[len(lm.history)-1]
	}
	lm.mu.Unlock()

	if revoked {
		logging.Lease("Revoked lease %s", id)
		if sink != nil {
			sink.RecordLease(copied)
		}
	}
	return revoked
}

// revokeLocked removes a lease from the active set and appends it to
// history. Caller holds the write lock.
func (lm *LeaseManager) revokeLocked(id string) bool {
	lease, ok := lm.active[id]
	if !ok {
		return false
	}
	delete(lm.active, id)
	lease.Active = false
	lm.history = append(lm.history, *lease)
	return true
}

// RevokeAllLeases revokes every currently active lease. Used for emergency
// cascades; safe to call with zero active leases.
func (lm *LeaseManager) RevokeAllLeases() {
	lm.mu.Lock()
	ids := make([]string, 0, len(lm.active))
	for id := range lm.active {
		ids = append(ids, id)
	}
	revoked := make([]Lease, 0, len(ids))
	for _, id := range ids {
		if lm.revokeLocked(id) {
			revoked = append(revoked, lm.history[len(lm.history)-1])
		}
	}
	sink := lm.sink
	lm.mu.Unlock()

	if len(revoked) > 0 {
		logging.LeaseWarn("All leases revoked (emergency procedure): %d", len(revoked))
	}
	if sink != nil {
		for _, l := range revoked {
			sink.RecordLease(l)
		}
	}
}

// CleanupExpiredLeases revokes every active lease whose deadline has passed.
// Serializes with RequestLease/RevokeLease through the writer lock, so a
// lease is never both active and expired-and-revoked at once.
func (lm *LeaseManager) CleanupExpiredLeases() int {
	lm.mu.Lock()
	now := lm.clock()

	var expired []string
	for id, lease := range lm.active {
		if !now.Before(lease.ExpiresAt) {
			expired = append(expired, id)
		}
	}

	revoked := make([]Lease, 0, len(expired))
	for _, id := range expired {
		if lm.revokeLocked(id) {
			revoked = append(revoked, lm.history[len(lm.history)-1])
		}
	}
	sink := lm.sink
	lm.mu.Unlock()

	for _, l := range revoked {
		logging.LeaseDebug("Lease %s expired and removed", l.ID)
		if sink != nil {
			sink.RecordLease(l)
		}
	}
	return len(revoked)
}

// IsLeaseValid reports whether the lease exists, is active, and has not
// passed its deadline.
func (lm *LeaseManager) IsLeaseValid(id string) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	lease, ok := lm.active[id]
	if !ok {
		return false
	}
	return lease.Active && lm.clock().Before(lease.ExpiresAt)
}

// GetStatus returns a snapshot of the lease manager.
func (lm *LeaseManager) GetStatus() LeaseStatus {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	kindSet := make(map[string]struct{})
	for _, lease := range lm.active {
		kindSet[lease.Kind.String()] = struct{}{}
	}
	kinds := make([]string, 0, len(kindSet))
	for k := range kindSet {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	utilization := 0.0
	if lm.maxConcurrent > 0 {
		utilization = float64(len(lm.active)) / float64(lm.maxConcurrent)
	}

	return LeaseStatus{
		ActiveLeases:    len(lm.active),
		TotalGranted:    lm.totalGranted,
		LeaseKinds:      kinds,
		UtilizationRate: utilization,
	}
}

// Shutdown revokes all active leases.
func (lm *LeaseManager) Shutdown() error {
	logging.Lease("LeaseManager shutting down")
	lm.RevokeAllLeases()
	return nil
}
