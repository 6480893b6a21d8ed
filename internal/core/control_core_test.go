package core

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testConfig returns a config with intervals short enough for loop tests.
func testConfig() ControlCoreConfig {
	return ControlCoreConfig{
		MaxConcurrentLeases:  10,
		DefaultLeaseDuration: 5 * time.Minute,
		EmergencyTimeout:     time.Hour, // staleness out of the picture
		SafetyCheckInterval:  10 * time.Millisecond,
		ExpirySweepInterval:  10 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestControlCore_Lifecycle(t *testing.T) {
	cc := NewControlCore(testConfig())
	if err := cc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if cc.IsRunning() {
		t.Fatal("Core should not run before Start")
	}

	if err := cc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !cc.IsRunning() {
		t.Fatal("Core should run after Start")
	}

	// Start is idempotent while running
	if err := cc.Start(); err != nil {
		t.Fatalf("Second Start: %v", err)
	}

	id, ok := cc.RequestLease("computation", 0)
	if !ok || id == "" {
		t.Fatalf("Expected lease grant while running, got ok=%v", ok)
	}

	if err := cc.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if cc.IsRunning() {
		t.Error("Core should not run after Shutdown")
	}
	if !cc.Switch().IsActivated() {
		t.Error("Shutdown must leave the kill switch Triggered")
	}
	if cc.Leases().IsLeaseValid(id) {
		t.Error("Shutdown must revoke active leases")
	}
}

func TestControlCore_RequestLease_Validation(t *testing.T) {
	cc := NewControlCore(testConfig())
	if err := cc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Requests before Start never reach the lease manager
	if _, ok := cc.RequestLease("computation", 0); ok {
		t.Error("Request before Start should be rejected")
	}

	if err := cc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if err := cc.Shutdown(); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}()

	// Unknown kinds are rejected at the boundary, before any counter moves
	if _, ok := cc.RequestLease("warp_drive", 0); ok {
		t.Error("Unknown kind should be rejected")
	}
	if got := cc.Leases().GetStatus().TotalGranted; got != 0 {
		t.Errorf("Rejected kind bumped total_granted to %d", got)
	}
}

func TestControlCore_PolicyDenialShortCircuits(t *testing.T) {
	cc := NewControlCore(testConfig())
	if err := cc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := cc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if err := cc.Shutdown(); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}()

	cc.Policies().RegisterRule(PolicySafetyID, func(p *Policy, kind LeaseKind) bool {
		return kind != LeaseDeviceControl
	})

	if _, ok := cc.RequestLease("device_control", 0); ok {
		t.Error("Denied kind should not be granted")
	}

	// A denial never touches the lease manager
	status := cc.Leases().GetStatus()
	if status.ActiveLeases != 0 || status.TotalGranted != 0 {
		t.Errorf("Denied request reached the lease manager: %+v", status)
	}

	// Other kinds still flow
	if _, ok := cc.RequestLease("computation", 0); !ok {
		t.Error("Permitted kind should be granted")
	}
}

func TestControlCore_EmergencyStop(t *testing.T) {
	cc := NewControlCore(testConfig())
	if err := cc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := cc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id, ok := cc.RequestLease("computation", 0)
	if !ok {
		t.Fatal("Expected grant before emergency stop")
	}

	cc.EmergencyStop()

	if cc.IsRunning() {
		t.Error("Emergency stop must halt the core")
	}
	if !cc.Switch().IsActivated() {
		t.Error("Emergency stop must trigger the kill switch")
	}
	if cc.Leases().IsLeaseValid(id) {
		t.Error("Emergency stop must revoke every lease")
	}
	if _, ok := cc.RequestLease("computation", 0); ok {
		t.Error("No lease may be granted after emergency stop")
	}

	if err := cc.Shutdown(); err != nil {
		t.Fatalf("Shutdown after emergency stop: %v", err)
	}
}

func TestControlCore_SafetyLoopAutoTrigger(t *testing.T) {
	cc := NewControlCore(testConfig())
	if err := cc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := cc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id, _ := cc.RequestLease("computation", 0)

	for i := 0; i < 3; i++ {
		cc.Switch().ReportViolation("unsafe_action", SeverityCritical, "induced for trigger")
	}

	if !waitFor(t, 2*time.Second, func() bool { return !cc.IsRunning() }) {
		t.Fatal("Safety loop did not stop the core after 3 critical violations")
	}
	if !cc.Switch().IsActivated() {
		t.Error("Auto-trigger must activate the kill switch")
	}
	if cc.Leases().IsLeaseValid(id) {
		t.Error("Auto-trigger must cascade to lease revocation")
	}

	if err := cc.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestControlCore_ExpiryLoopSweeps(t *testing.T) {
	cc := NewControlCore(testConfig())
	if err := cc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := cc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if err := cc.Shutdown(); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}()

	id, ok := cc.RequestLease("computation", 20*time.Millisecond)
	if !ok {
		t.Fatal("Expected grant")
	}

	if !waitFor(t, 2*time.Second, func() bool {
		return cc.Leases().GetStatus().ActiveLeases == 0
	}) {
		t.Fatal("Expiry loop never swept the expired lease")
	}
	if cc.Leases().IsLeaseValid(id) {
		t.Error("Swept lease must not be valid")
	}
}

func TestControlCore_GetSystemStatus(t *testing.T) {
	cc := NewControlCore(testConfig())
	if err := cc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	status := cc.GetSystemStatus()

	if running, ok := status["running"].(bool); !ok || running {
		t.Errorf("Expected running=false, got %v", status["running"])
	}

	want := map[string]interface{}{
		"activated":  false,
		"violations": 0,
	}
	if diff := cmp.Diff(want, status["kill_switch"]); diff != "" {
		t.Errorf("kill_switch status mismatch (-want +got):\n%s", diff)
	}

	leases, ok := status["leases"].(map[string]interface{})
	if !ok {
		t.Fatalf("leases status has wrong shape: %T", status["leases"])
	}
	if leases["active_leases"] != 0 || leases["total_granted"] != 0 {
		t.Errorf("Fresh core reported lease activity: %v", leases)
	}

	policies, ok := status["policies"].(map[string]interface{})
	if !ok {
		t.Fatalf("policies status has wrong shape: %T", status["policies"])
	}
	if policies["active_policies"] != 3 {
		t.Errorf("Expected 3 active policies, got %v", policies["active_policies"])
	}
	if policies["enforcement_active"] != true {
		t.Error("Expected enforcement active in status")
	}

	if _, present := status["knowledge"]; present {
		t.Error("Status should omit knowledge when no subsystem is installed")
	}
}

type stubSubsystem struct {
	initialized bool
	shutdown    bool
}

func (s *stubSubsystem) Initialize() error { s.initialized = true; return nil }
func (s *stubSubsystem) Shutdown() error   { s.shutdown = true; return nil }
func (s *stubSubsystem) GetStatus() map[string]interface{} {
	return map[string]interface{}{"nodes": 0}
}

func TestControlCore_KnowledgeSubsystem(t *testing.T) {
	cc := NewControlCore(testConfig())

	sub := &stubSubsystem{}
	cc.SetKnowledge(sub)

	if err := cc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !sub.initialized {
		t.Error("Initialize must reach the knowledge subsystem")
	}

	status := cc.GetSystemStatus()
	if _, present := status["knowledge"]; !present {
		t.Error("Status should include the installed knowledge subsystem")
	}

	if err := cc.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !sub.shutdown {
		t.Error("Shutdown must reach the knowledge subsystem")
	}
}
