package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/sirenhq/siren/internal/alerts"
	"github.com/sirenhq/siren/internal/cel"
	"github.com/sirenhq/siren/internal/config"
	"github.com/sirenhq/siren/internal/database"
)

// MaintenanceService suppresses alerts covered by active maintenance
// windows. Window lookups fail open: if windows cannot be loaded the alert
// passes through unsuppressed rather than blocking ingestion.
type MaintenanceService struct {
	db              *gorm.DB
	env             *cel.Env
	defaultStrategy string
}

// NewMaintenanceService creates a suppressor with the process-wide
// strategy; tenants can override it in their configuration.
func NewMaintenanceService(db *gorm.DB, defaultStrategy string) *MaintenanceService {
	if defaultStrategy == "" {
		defaultStrategy = config.MaintenanceStrategyDefault
	}
	return &MaintenanceService{
		db:              db,
		env:             cel.NewEnv(cel.WithSeverityRanks(database.SeverityRanks())),
		defaultStrategy: defaultStrategy,
	}
}

// CreateWindow validates and stores a maintenance window. Unparseable
// predicates are rejected at creation time.
func (s *MaintenanceService) CreateWindow(window *database.MaintenanceWindow) error {
	if _, err := cel.Parse(window.Predicate); err != nil {
		return fmt.Errorf("invalid window predicate: %w", err)
	}
	return s.db.Create(window).Error
}

// Suppress rewrites the alert's status when an active window matches it.
// The alert is mutated in place; the return reports whether suppression
// applied.
func (s *MaintenanceService) Suppress(ctx context.Context, tenantID string, alert *alerts.NormalizedAlert) bool {
	now := time.Now()

	windows, err := database.GetActiveMaintenanceWindows(s.db, tenantID)
	if err != nil {
		log.Printf("maintenance window lookup failed for tenant %s, alert passes through: %v", tenantID, err)
		return false
	}

	attrs := alert.Attributes()
	for i := range windows {
		window := &windows[i]
		if !window.Covers(now) || !window.Suppress {
			continue
		}

		if statusIgnored(alert.Status, window.EffectiveIgnoreStatuses()) {
			continue
		}

		matched, err := s.env.Matches(window.Predicate, attrs)
		if err != nil {
			log.Printf("maintenance window %d predicate skipped for alert %s: %v",
				window.ID, alert.Fingerprint, err)
			continue
		}
		if !matched {
			continue
		}

		s.apply(tenantID, window, alert)
		return true
	}
	return false
}

func (s *MaintenanceService) apply(tenantID string, window *database.MaintenanceWindow, alert *alerts.NormalizedAlert) {
	if s.strategyFor(tenantID) != config.MaintenanceStrategyRecover {
		// Stateless: each check is independent.
		alert.Status = database.AlertStatusSuppressed
		return
	}

	// Recover strategy: capture the pre-maintenance status once. An alert
	// re-entering a window while already in maintenance is left unchanged
	// so a stale previous status is never double-captured.
	if alert.Status == database.AlertStatusMaintenance {
		return
	}

	var existing database.SuppressedAlert
	err := s.db.Where("tenant_id = ? AND fingerprint = ?", tenantID, alert.Fingerprint).
		First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		record := &database.SuppressedAlert{
			TenantID:       tenantID,
			Fingerprint:    alert.Fingerprint,
			PreviousStatus: alert.Status,
			WindowID:       window.ID,
		}
		if cerr := s.db.Create(record).Error; cerr != nil {
			log.Printf("failed to record suppressed alert %s: %v", alert.Fingerprint, cerr)
			return
		}
	} else if err != nil {
		log.Printf("suppressed-alert lookup failed for %s, alert passes through: %v", alert.Fingerprint, err)
		return
	}

	alert.PreviousStatus = alert.Status
	alert.Status = database.AlertStatusMaintenance
}

func (s *MaintenanceService) strategyFor(tenantID string) string {
	cfg, err := database.GetOrCreateTenantConfig(s.db, tenantID)
	if err != nil {
		log.Printf("tenant config lookup failed for %s, using process default: %v", tenantID, err)
		return s.defaultStrategy
	}
	if cfg.MaintenanceStrategy != "" {
		return cfg.MaintenanceStrategy
	}
	return s.defaultStrategy
}

// Reconcile restores alerts stuck in maintenance whose covering windows
// have all expired or been disabled. Returns the number restored.
func (s *MaintenanceService) Reconcile(ctx context.Context) (int, error) {
	var suppressed []database.SuppressedAlert
	if err := s.db.Find(&suppressed).Error; err != nil {
		return 0, fmt.Errorf("failed to load suppressed alerts: %w", err)
	}

	now := time.Now()
	restored := 0
	for _, record := range suppressed {
		covered, err := s.stillCovered(record, now)
		if err != nil {
			log.Printf("reconcile check failed for %s (tenant=%s): %v",
				record.Fingerprint, record.TenantID, err)
			continue
		}
		if covered {
			continue
		}

		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&database.LastAlert{}).
				Where("tenant_id = ? AND fingerprint = ?", record.TenantID, record.Fingerprint).
				Update("status", record.PreviousStatus).Error; err != nil {
				return err
			}
			return tx.Delete(&database.SuppressedAlert{}, record.ID).Error
		})
		if err != nil {
			log.Printf("failed to restore alert %s (tenant=%s): %v",
				record.Fingerprint, record.TenantID, err)
			continue
		}
		restored++
	}
	return restored, nil
}

// stillCovered re-checks the stored last alert payload against every
// active window for the tenant.
func (s *MaintenanceService) stillCovered(record database.SuppressedAlert, now time.Time) (bool, error) {
	windows, err := database.GetActiveMaintenanceWindows(s.db, record.TenantID)
	if err != nil {
		return false, err
	}

	var last database.LastAlert
	err = s.db.Where("tenant_id = ? AND fingerprint = ?", record.TenantID, record.Fingerprint).
		First(&last).Error
	if err == gorm.ErrRecordNotFound {
		// No live alert to re-check; the window set alone decides.
		for i := range windows {
			if windows[i].ID == record.WindowID && windows[i].Covers(now) {
				return true, nil
			}
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	attrs := map[string]interface{}(last.Payload)
	for i := range windows {
		window := &windows[i]
		if !window.Covers(now) || !window.Suppress {
			continue
		}
		matched, err := s.env.Matches(window.Predicate, attrs)
		if err != nil {
			continue
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func statusIgnored(status database.AlertStatus, ignored []database.AlertStatus) bool {
	for _, s := range ignored {
		if s == status {
			return true
		}
	}
	return false
}
