package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"capcore/internal/core"
	"capcore/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// AuditStore persists the capability audit trail in SQLite: every lease
// deactivation and every safety or policy violation. The store is a pure
// sink plus query surface; nothing in the admission path reads from it, so
// a slow or broken database never blocks a grant or an emergency stop.
type AuditStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewAuditStore opens (or creates) the audit database at the given path.
func NewAuditStore(path string) (*AuditStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewAuditStore")
	defer timer.Stop()

	logging.Store("Initializing AuditStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	store := &AuditStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("AuditStore initialization complete")
	return store, nil
}

// initialize creates the required tables.
func (s *AuditStore) initialize() error {
	leaseTable := `
	CREATE TABLE IF NOT EXISTS lease_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lease_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		granted_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		permissions TEXT,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_lease_history_lease_id ON lease_history(lease_id);
	CREATE INDEX IF NOT EXISTS idx_lease_history_kind ON lease_history(kind);
	`

	violationTable := `
	CREATE TABLE IF NOT EXISTS violations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		origin TEXT NOT NULL,
		policy_id TEXT,
		violation_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT,
		occurred_at DATETIME NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_violations_origin ON violations(origin);
	CREATE INDEX IF NOT EXISTS idx_violations_severity ON violations(severity);
	`

	if _, err := s.db.Exec(leaseTable); err != nil {
		return fmt.Errorf("failed to create lease_history table: %w", err)
	}
	if _, err := s.db.Exec(violationTable); err != nil {
		return fmt.Errorf("failed to create violations table: %w", err)
	}
	return nil
}

// RecordLease persists a lease deactivation record. Failures are logged,
// never propagated; the audit trail is best-effort.
func (s *AuditStore) RecordLease(l core.Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()

	permissions := "{}"
	if len(l.Permissions) > 0 {
		if data, err := json.Marshal(l.Permissions); err == nil {
			permissions = string(data)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO lease_history (lease_id, kind, granted_at, expires_at, permissions)
		 VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.Kind.String(), l.GrantedAt, l.ExpiresAt, permissions,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("Failed to record lease %s: %v", l.ID, err)
		return
	}
	logging.StoreDebug("Recorded lease %s (%s)", l.ID, l.Kind)
}

// RecordSafetyViolation persists a kill switch violation record.
func (s *AuditStore) RecordSafetyViolation(v core.SafetyViolation) {
	s.recordViolation("safety", "", v.ViolationType, v.Severity.String(), v.Description, v.Timestamp)
}

// RecordPolicyViolation persists a policy engine violation record.
func (s *AuditStore) RecordPolicyViolation(v core.PolicyViolation) {
	s.recordViolation("policy", v.PolicyID, v.ViolationType, v.Severity.String(), v.Description, v.Timestamp)
}

func (s *AuditStore) recordViolation(origin, policyID, violationType, severity, description string, occurredAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO violations (origin, policy_id, violation_type, severity, description, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		origin, policyID, violationType, severity, description, occurredAt,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("Failed to record %s violation: %v", origin, err)
		return
	}
	logging.StoreDebug("Recorded %s violation: %s", origin, violationType)
}

// LeaseRecord is one row of the persisted lease history.
type LeaseRecord struct {
	LeaseID   string
	Kind      string
	GrantedAt time.Time
	ExpiresAt time.Time
}

// LeaseHistory returns the most recent lease records, newest first.
func (s *AuditStore) LeaseHistory(limit int) ([]LeaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT lease_id, kind, granted_at, expires_at
		 FROM lease_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lease history: %w", err)
	}
	defer rows.Close()

	var records []LeaseRecord
	for rows.Next() {
		var r LeaseRecord
		if err := rows.Scan(&r.LeaseID, &r.Kind, &r.GrantedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lease record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ViolationRecord is one row of the persisted violation log.
type ViolationRecord struct {
	Origin        string
	PolicyID      string
	ViolationType string
	Severity      string
	Description   string
	OccurredAt    time.Time
}

// Violations returns the most recent violation records, newest first.
// Pass an empty origin to include both safety and policy violations.
func (s *AuditStore) Violations(origin string, limit int) ([]ViolationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT origin, policy_id, violation_type, severity, description, occurred_at
	          FROM violations`
	args := []interface{}{}
	if origin != "" {
		query += " WHERE origin = ?"
		args = append(args, origin)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var records []ViolationRecord
	for rows.Next() {
		var r ViolationRecord
		if err := rows.Scan(&r.Origin, &r.PolicyID, &r.ViolationType, &r.Severity, &r.Description, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan violation record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountLeases returns the total number of persisted lease records.
func (s *AuditStore) CountLeases() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM lease_history").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count leases: %w", err)
	}
	return count, nil
}

// CountViolations returns the total number of persisted violation records.
func (s *AuditStore) CountViolations() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM violations").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("AuditStore closed")
	return s.db.Close()
}
