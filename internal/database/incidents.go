package database

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	runningNumberAttempts = 5
	runningNumberBackoff  = 25 * time.Millisecond
)

// ErrRunningNumberConflict is returned once the retry budget for assigning
// a per-tenant running number is exhausted.
var ErrRunningNumberConflict = errors.New("running number conflict: retry budget exhausted")

// CreateIncident inserts a new incident, assigning UUID and the per-tenant
// running number. The number is optimistic (max+1); on a uniqueness
// conflict the insert is retried with jittered exponential backoff.
// Conflicts are expected under concurrent creators and are not fatal until
// the budget runs out.
func CreateIncident(db *gorm.DB, incident *Incident) error {
	if incident.UUID == "" {
		incident.UUID = uuid.New().String()
	}

	backoff := runningNumberBackoff
	for attempt := 0; attempt < runningNumberAttempts; attempt++ {
		var maxNumber int
		row := db.Model(&Incident{}).
			Where("tenant_id = ?", incident.TenantID).
			Select("COALESCE(MAX(running_number), 0)").
			Row()
		if err := row.Scan(&maxNumber); err != nil {
			return fmt.Errorf("failed to read max running number: %w", err)
		}
		incident.RunningNumber = maxNumber + 1

		err := db.Create(incident).Error
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}

		// Another creator took the number; reset the PK so the retry is a
		// fresh insert.
		incident.ID = 0
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		time.Sleep(backoff/2 + jitter)
		backoff *= 2
	}
	return ErrRunningNumberConflict
}

// isUniqueViolation matches uniqueness-constraint errors from both the
// postgres and sqlite drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// CreateIncidentWithAlert creates an incident and its first member alert in
// one transaction.
func CreateIncidentWithAlert(db *gorm.DB, incident *Incident, alert *IncidentAlert) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := CreateIncident(tx, incident); err != nil {
			return err
		}
		alert.IncidentID = incident.ID
		alert.TenantID = incident.TenantID
		alert.JoinOrder = 1
		return tx.Create(alert).Error
	})
}

// AttachAlertToIncident appends a member alert and refreshes the incident's
// cached alert count and last-seen time inside the caller's transaction.
func AttachAlertToIncident(tx *gorm.DB, incidentID uint, alert *IncidentAlert) error {
	var maxOrder int
	row := tx.Model(&IncidentAlert{}).
		Where("incident_id = ?", incidentID).
		Select("COALESCE(MAX(join_order), 0)").
		Row()
	if err := row.Scan(&maxOrder); err != nil {
		return err
	}
	alert.IncidentID = incidentID
	alert.JoinOrder = maxOrder + 1

	if err := tx.Create(alert).Error; err != nil {
		return err
	}
	return tx.Model(&Incident{}).Where("id = ?", incidentID).Updates(map[string]interface{}{
		"alerts_count":   gorm.Expr("alerts_count + 1"),
		"last_seen_time": alert.AttachedAt,
	}).Error
}

// lockForUpdate adds SELECT ... FOR UPDATE on backends that support it.
// SQLite serializes writers on its own and rejects the clause.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// FindOpenIncidentByRuleFingerprint locks and returns the open incident for
// a (rule, grouping key) fingerprint whose group is still inside the
// sliding timeframe. Returns nil when the group has been evicted or never
// existed; the caller then starts a fresh incident.
func FindOpenIncidentByRuleFingerprint(tx *gorm.DB, tenantID, ruleFingerprint string, timeframe time.Duration, now time.Time) (*Incident, error) {
	var incident Incident
	err := lockForUpdate(tx).
		Where("tenant_id = ? AND rule_fingerprint = ? AND status IN ?",
			tenantID, ruleFingerprint,
			[]IncidentStatus{IncidentStatusFiring, IncidentStatusAcknowledged, IncidentStatusResolved}).
		Where("last_seen_time >= ?", now.Add(-timeframe)).
		Order("id DESC").
		First(&incident).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Resolved incidents inside the window are returned too: members that
	// re-fire reopen them, per the engine's resolve policy.
	return &incident, nil
}

// FindIncidentByInterconnectivityID locks and returns the unresolved
// topology incident for a stable service-set hash.
func FindIncidentByInterconnectivityID(tx *gorm.DB, tenantID, interconnectivityID string) (*Incident, error) {
	var incident Incident
	err := lockForUpdate(tx).
		Where("tenant_id = ? AND interconnectivity_id = ? AND type = ? AND status <> ?",
			tenantID, interconnectivityID, IncidentTypeTopology, IncidentStatusResolved).
		Order("id DESC").
		First(&incident).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

// FindIncidentByApplicationID locks and returns the open incident for an
// explicit application grouping. One incident per application, never split.
func FindIncidentByApplicationID(tx *gorm.DB, tenantID string, applicationID uint) (*Incident, error) {
	var incident Incident
	err := lockForUpdate(tx).
		Where("tenant_id = ? AND application_id = ? AND status <> ?",
			tenantID, applicationID, IncidentStatusResolved).
		Order("id DESC").
		First(&incident).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

// GetIncidentAlerts returns member alerts in join order.
func GetIncidentAlerts(db *gorm.DB, incidentID uint) ([]IncidentAlert, error) {
	var alerts []IncidentAlert
	err := db.Where("incident_id = ?", incidentID).Order("join_order ASC").Find(&alerts).Error
	return alerts, err
}

// GetIncidentByUUID returns an incident by UUID.
func GetIncidentByUUID(db *gorm.DB, id string) (*Incident, error) {
	var incident Incident
	err := db.Where("uuid = ?", id).First(&incident).Error
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

const recurrenceChainCap = 50

// LastInChain follows same_incident_in_the_past references to the most
// recent recurrence. The walk keeps a visited set and an iteration cap so
// malformed data cannot loop it forever.
func LastInChain(db *gorm.DB, incidentID uint) (*Incident, error) {
	visited := map[uint]bool{}
	currentID := incidentID
	var current Incident

	for i := 0; i < recurrenceChainCap; i++ {
		if visited[currentID] {
			return nil, fmt.Errorf("recurrence chain cycle at incident %d", currentID)
		}
		visited[currentID] = true

		if err := db.First(&current, currentID).Error; err != nil {
			return nil, err
		}

		var next Incident
		err := db.Where("same_incident_in_the_past_id = ?", currentID).
			Order("id ASC").
			First(&next).Error
		if err == gorm.ErrRecordNotFound {
			return &current, nil
		}
		if err != nil {
			return nil, err
		}
		currentID = next.ID
	}
	return nil, fmt.Errorf("recurrence chain longer than %d from incident %d", recurrenceChainCap, incidentID)
}
