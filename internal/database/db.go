package database

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect establishes a connection to the PostgreSQL database.
// The handle is returned rather than stored globally so tests and services
// can own isolated instances.
func Connect(dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Database connection established")
	return db, nil
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&Incident{},
		&IncidentAlert{},
		&CorrelationRule{},
		&DeduplicationRule{},
		&DedupEvent{},
		&LastAlert{},
		&MaintenanceWindow{},
		&SuppressedAlert{},
		&TopologyService{},
		&TopologyDependency{},
		&TopologyApplication{},
		&TenantConfig{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// Close closes the underlying connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetEnabledCorrelationRules returns enabled rules for a tenant in
// evaluation order: priority descending, then creation order.
func GetEnabledCorrelationRules(db *gorm.DB, tenantID string) ([]CorrelationRule, error) {
	var rules []CorrelationRule
	err := db.Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	return rules, err
}

// GetEnabledDeduplicationRules returns enabled dedup rules for a tenant,
// custom rules before generated defaults, then by priority.
func GetEnabledDeduplicationRules(db *gorm.DB, tenantID string) ([]DeduplicationRule, error) {
	var rules []DeduplicationRule
	err := db.Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Order("is_default ASC, priority DESC, id ASC").
		Find(&rules).Error
	return rules, err
}

// GetActiveMaintenanceWindows returns enabled windows for a tenant. Covering
// is checked by the caller against its own clock.
func GetActiveMaintenanceWindows(db *gorm.DB, tenantID string) ([]MaintenanceWindow, error) {
	var windows []MaintenanceWindow
	err := db.Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Order("id ASC").
		Find(&windows).Error
	return windows, err
}

// GetLastAlertHashes batch-loads the fingerprint -> content hash map for
// the requested fingerprints.
func GetLastAlertHashes(db *gorm.DB, tenantID string, fingerprints []string) (map[string]string, error) {
	if len(fingerprints) == 0 {
		return map[string]string{}, nil
	}
	var rows []LastAlert
	err := db.Where("tenant_id = ? AND fingerprint IN ?", tenantID, fingerprints).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(rows))
	for _, r := range rows {
		hashes[r.Fingerprint] = r.Hash
	}
	return hashes, nil
}

// UpsertLastAlert records the most recent delivery for a fingerprint.
func UpsertLastAlert(db *gorm.DB, row *LastAlert) error {
	var existing LastAlert
	err := db.Where("tenant_id = ? AND fingerprint = ?", row.TenantID, row.Fingerprint).
		First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return db.Create(row).Error
	}
	if err != nil {
		return err
	}
	return db.Model(&existing).Updates(map[string]interface{}{
		"hash":        row.Hash,
		"status":      row.Status,
		"payload":     row.Payload,
		"received_at": row.ReceivedAt,
	}).Error
}

// GetLastAlertsForTenant returns the most recent alert per fingerprint,
// used by the topology correlator's per-cycle scan.
func GetLastAlertsForTenant(db *gorm.DB, tenantID string) ([]LastAlert, error) {
	var rows []LastAlert
	err := db.Where("tenant_id = ?", tenantID).Find(&rows).Error
	return rows, err
}

// GetOrCreateTenantConfig retrieves per-tenant overrides, creating a
// disabled default row on first access.
func GetOrCreateTenantConfig(db *gorm.DB, tenantID string) (*TenantConfig, error) {
	var cfg TenantConfig
	result := db.Where("tenant_id = ?", tenantID).First(&cfg)
	if result.Error == gorm.ErrRecordNotFound {
		cfg = TenantConfig{TenantID: tenantID}
		if err := db.Create(&cfg).Error; err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &cfg, nil
}

// ListTenantConfigs returns all tenant configuration rows.
func ListTenantConfigs(db *gorm.DB) ([]TenantConfig, error) {
	var configs []TenantConfig
	err := db.Order("tenant_id ASC").Find(&configs).Error
	return configs, err
}
