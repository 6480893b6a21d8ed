package core

import (
	"sync"
	"time"

	"capcore/internal/logging"
)

// =============================================================================
// CONTROL CORE
// =============================================================================
//
// ControlCore composes the lease manager, policy engine, and kill switch
// into a running supervisory loop. It holds shared handles to the
// components and never reaches into their internals; all mutation goes
// through each component's own synchronized operations. The only places two
// components are touched for one logical operation are EmergencyStop and
// Shutdown, and there the acquisition order is fixed: kill switch, then the
// running flag, then the lease manager.

// Subsystem is the collaborator interface for decoupled engines (knowledge
// fusion). The core initializes them and aggregates their status but never
// consults them for admission or shutdown decisions.
type Subsystem interface {
	Initialize() error
	GetStatus() map[string]interface{}
	Shutdown() error
}

// ControlCoreConfig holds the resolved supervisory parameters.
type ControlCoreConfig struct {
	MaxConcurrentLeases  int
	DefaultLeaseDuration time.Duration
	EmergencyTimeout     time.Duration
	SafetyCheckInterval  time.Duration
	ExpirySweepInterval  time.Duration
}

// DefaultControlCoreConfig returns production defaults.
func DefaultControlCoreConfig() ControlCoreConfig {
	return ControlCoreConfig{
		MaxConcurrentLeases:  10,
		DefaultLeaseDuration: 300 * time.Second,
		EmergencyTimeout:     5 * time.Second,
		SafetyCheckInterval:  time.Second,
		ExpirySweepInterval:  10 * time.Second,
	}
}

// ControlCore is the capability control orchestrator.
type ControlCore struct {
	mu sync.RWMutex

	config ControlCoreConfig

	leases     *LeaseManager
	policies   *PolicyEngine
	killSwitch *KillSwitch
	knowledge  Subsystem

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewControlCore creates the control core and its components.
func NewControlCore(cfg ControlCoreConfig) *ControlCore {
	if cfg.MaxConcurrentLeases <= 0 {
		cfg.MaxConcurrentLeases = 10
	}
	if cfg.DefaultLeaseDuration <= 0 {
		cfg.DefaultLeaseDuration = 300 * time.Second
	}
	if cfg.EmergencyTimeout <= 0 {
		cfg.EmergencyTimeout = 5 * time.Second
	}
	if cfg.SafetyCheckInterval <= 0 {
		cfg.SafetyCheckInterval = time.Second
	}
	if cfg.ExpirySweepInterval <= 0 {
		cfg.ExpirySweepInterval = 10 * time.Second
	}

	return &ControlCore{
		config:     cfg,
		leases:     NewLeaseManager(cfg.MaxConcurrentLeases, cfg.DefaultLeaseDuration),
		policies:   NewPolicyEngine(),
		killSwitch: NewKillSwitch(cfg.EmergencyTimeout),
	}
}

// Leases returns the lease manager component.
func (cc *ControlCore) Leases() *LeaseManager { return cc.leases }

// Policies returns the policy engine component.
func (cc *ControlCore) Policies() *PolicyEngine { return cc.policies }

// Switch returns the kill switch component.
func (cc *ControlCore) Switch() *KillSwitch { return cc.killSwitch }

// SetKnowledge installs the decoupled knowledge collaborator.
func (cc *ControlCore) SetKnowledge(sub Subsystem) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.knowledge = sub
}

// Initialize initializes every subsystem. The policy engine and lease
// manager come first so a lease request can be served as soon as Initialize
// returns; the kill switch is armed last.
func (cc *ControlCore) Initialize() error {
	logging.Core("Initializing control core")

	if err := cc.policies.Initialize(); err != nil {
		return err
	}
	if err := cc.leases.Initialize(); err != nil {
		return err
	}

	cc.mu.RLock()
	knowledge := cc.knowledge
	cc.mu.RUnlock()
	if knowledge != nil {
		if err := knowledge.Initialize(); err != nil {
			return err
		}
	}

	if err := cc.killSwitch.Initialize(); err != nil {
		return err
	}

	logging.Core("Control core initialized")
	return nil
}

// Start flips the running flag and launches the two supervisory loops.
// Idempotent while running.
func (cc *ControlCore) Start() error {
	cc.mu.Lock()
	if cc.running {
		cc.mu.Unlock()
		return nil
	}
	cc.running = true
	cc.stopCh = make(chan struct{})
	cc.mu.Unlock()

	cc.wg.Add(2)
	go cc.safetyLoop()
	go cc.expiryLoop()

	logging.Core("Control core started: safety_interval=%v, sweep_interval=%v",
		cc.config.SafetyCheckInterval, cc.config.ExpirySweepInterval)
	return nil
}

// safetyLoop polls the kill switch once per safety interval. Each clean
// pass heartbeats the switch, so the stale-heartbeat trigger only fires
// when this loop itself stalls or dies.
func (cc *ControlCore) safetyLoop() {
	defer cc.wg.Done()

	ticker := time.NewTicker(cc.config.SafetyCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cc.stopCh:
			return
		case <-ticker.C:
			if !cc.IsRunning() {
				return
			}
			if cc.killSwitch.ShouldEmergencyStop() {
				logging.SafetyWarn("Emergency stop condition detected by safety loop")
				cc.EmergencyStop()
				return
			}
			cc.killSwitch.UpdateSafetyCheck()
		}
	}
}

// expiryLoop sweeps expired leases once per sweep interval.
func (cc *ControlCore) expiryLoop() {
	defer cc.wg.Done()

	ticker := time.NewTicker(cc.config.ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cc.stopCh:
			return
		case <-ticker.C:
			if !cc.IsRunning() {
				return
			}
			if n := cc.leases.CleanupExpiredLeases(); n > 0 {
				logging.CoreDebug("Expiry sweep revoked %d leases", n)
			}
		}
	}
}

// IsRunning reports whether the supervisory loops are live.
func (cc *ControlCore) IsRunning() bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.running
}

// stop flips running to false and wakes the loops. Safe to call repeatedly
// and before Start.
func (cc *ControlCore) stop() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if !cc.running {
		return
	}
	cc.running = false
	if cc.stopCh != nil {
		close(cc.stopCh)
	}
}

// RequestLease consults the policy engine and, only on approval, forwards
// to the lease manager. A denial short-circuits before the lease manager is
// touched, so denied requests never count against the concurrency ceiling
// or the granted counter. Returns the lease id, or ("", false) on any
// rejection; callers cannot distinguish rejection reasons.
func (cc *ControlCore) RequestLease(kind string, duration time.Duration) (string, bool) {
	if !cc.IsRunning() {
		logging.CoreDebug("Lease request while core not running: %s", kind)
		return "", false
	}

	k, ok := ParseLeaseKind(kind)
	if !ok {
		logging.LeaseWarn("Unknown lease kind: %s", kind)
		return "", false
	}

	if !cc.policies.CanGrantLease(k) {
		logging.PolicyWarn("Lease request denied by policy: %s", kind)
		return "", false
	}

	return cc.leases.RequestLease(k, duration)
}

// EmergencyStop activates the kill switch, halts the supervisory loops, and
// revokes every active lease, in that fixed order. When it returns, no
// lease is valid and no new lease can be granted.
func (cc *ControlCore) EmergencyStop() {
	logging.SafetyWarn("Emergency stop initiated")

	cc.killSwitch.Activate()
	cc.stop()
	cc.leases.RevokeAllLeases()

	logging.Safety("Emergency stop completed")
}

// GetSystemStatus aggregates component status snapshots into one reporting
// structure. Purely a read; each component is consulted through its own
// lock, one at a time.
func (cc *ControlCore) GetSystemStatus() map[string]interface{} {
	status := map[string]interface{}{
		"running": cc.IsRunning(),
	}

	leaseStatus := cc.leases.GetStatus()
	status["leases"] = map[string]interface{}{
		"active_leases":    leaseStatus.ActiveLeases,
		"total_granted":    leaseStatus.TotalGranted,
		"lease_kinds":      leaseStatus.LeaseKinds,
		"utilization_rate": leaseStatus.UtilizationRate,
	}

	policyStatus := cc.policies.GetStatus()
	status["policies"] = map[string]interface{}{
		"active_policies":    policyStatus.ActivePolicies,
		"violations_count":   policyStatus.ViolationsCount,
		"enforcement_active": policyStatus.EnforcementActive,
		"last_check":         policyStatus.LastCheck.String(),
	}

	status["kill_switch"] = map[string]interface{}{
		"activated":  cc.killSwitch.IsActivated(),
		"violations": cc.killSwitch.GetViolationCount(),
	}

	cc.mu.RLock()
	knowledge := cc.knowledge
	cc.mu.RUnlock()
	if knowledge != nil {
		status["knowledge"] = knowledge.GetStatus()
	}

	return status
}

// Shutdown halts the loops, then shuts down each subsystem in turn: lease
// manager first (revoking everything), then policy engine, then knowledge,
// then the kill switch last, which forces Triggered so shutdown always ends
// in a terminal safety-positive state.
func (cc *ControlCore) Shutdown() error {
	logging.Core("Shutting down control core")

	cc.stop()
	cc.wg.Wait()

	if err := cc.leases.Shutdown(); err != nil {
		return err
	}
	if err := cc.policies.Shutdown(); err != nil {
		return err
	}

	cc.mu.RLock()
	knowledge := cc.knowledge
	cc.mu.RUnlock()
	if knowledge != nil {
		if err := knowledge.Shutdown(); err != nil {
			return err
		}
	}

	if err := cc.killSwitch.Shutdown(); err != nil {
		return err
	}

	logging.Core("Control core shutdown complete")
	return nil
}
