package provisioning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/sirenhq/siren/internal/cel"
	"github.com/sirenhq/siren/internal/database"
)

// File is the on-disk seed format. Rules are matched by tenant and name;
// existing rows are updated in place so re-running provisioning is safe.
type File struct {
	CorrelationRules   []CorrelationRule   `yaml:"correlation_rules"`
	DeduplicationRules []DeduplicationRule `yaml:"deduplication_rules"`
	MaintenanceWindows []MaintenanceWindow `yaml:"maintenance_windows"`
}

type CorrelationRule struct {
	TenantID             string   `yaml:"tenant_id"`
	Name                 string   `yaml:"name"`
	Predicate            string   `yaml:"predicate"`
	TimeframeSeconds     int      `yaml:"timeframe_seconds"`
	GroupingCriteria     []string `yaml:"grouping_criteria"`
	IncidentNameTemplate string   `yaml:"incident_name_template"`
	Threshold            int      `yaml:"threshold"`
	CreateOn             string   `yaml:"create_on"`
	ResolveOn            string   `yaml:"resolve_on"`
	Priority             int      `yaml:"priority"`
	Enabled              *bool    `yaml:"enabled"`
}

type DeduplicationRule struct {
	TenantID          string   `yaml:"tenant_id"`
	Name              string   `yaml:"name"`
	ProviderID        string   `yaml:"provider_id"`
	ProviderType      string   `yaml:"provider_type"`
	IgnoreFields      []string `yaml:"ignore_fields"`
	FullDeduplication bool     `yaml:"full_deduplication"`
	IsDefault         bool     `yaml:"is_default"`
	Priority          int      `yaml:"priority"`
	Enabled           *bool    `yaml:"enabled"`
}

type MaintenanceWindow struct {
	TenantID       string    `yaml:"tenant_id"`
	Name           string    `yaml:"name"`
	Predicate      string    `yaml:"predicate"`
	StartTime      time.Time `yaml:"start_time"`
	EndTime        time.Time `yaml:"end_time"`
	IgnoreStatuses []string  `yaml:"ignore_statuses"`
	Enabled        *bool     `yaml:"enabled"`
}

// LoadFile parses a provisioning file and validates every predicate.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning file: %w", err)
	}
	if err := file.validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

func (f *File) validate() error {
	for _, rule := range f.CorrelationRules {
		if rule.TenantID == "" || rule.Name == "" {
			return fmt.Errorf("correlation rule %q: tenant_id and name are required", rule.Name)
		}
		if _, err := cel.Parse(rule.Predicate); err != nil {
			return fmt.Errorf("correlation rule %q: %w", rule.Name, err)
		}
	}
	for _, rule := range f.DeduplicationRules {
		if rule.TenantID == "" || rule.Name == "" {
			return fmt.Errorf("deduplication rule %q: tenant_id and name are required", rule.Name)
		}
	}
	for _, window := range f.MaintenanceWindows {
		if window.TenantID == "" || window.Name == "" {
			return fmt.Errorf("maintenance window %q: tenant_id and name are required", window.Name)
		}
		if _, err := cel.Parse(window.Predicate); err != nil {
			return fmt.Errorf("maintenance window %q: %w", window.Name, err)
		}
		if !window.EndTime.After(window.StartTime) {
			return fmt.Errorf("maintenance window %q: end_time must be after start_time", window.Name)
		}
	}
	return nil
}

// Apply upserts the file's rules into the database.
func Apply(db *gorm.DB, file *File) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, seed := range file.CorrelationRules {
			if err := applyCorrelationRule(tx, seed); err != nil {
				return err
			}
		}
		for _, seed := range file.DeduplicationRules {
			if err := applyDeduplicationRule(tx, seed); err != nil {
				return err
			}
		}
		for _, seed := range file.MaintenanceWindows {
			if err := applyMaintenanceWindow(tx, seed); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyCorrelationRule(tx *gorm.DB, seed CorrelationRule) error {
	rule := database.CorrelationRule{
		TenantID:             seed.TenantID,
		Name:                 seed.Name,
		Predicate:            seed.Predicate,
		TimeframeSeconds:     seed.TimeframeSeconds,
		GroupingCriteria:     database.StringList(seed.GroupingCriteria),
		IncidentNameTemplate: seed.IncidentNameTemplate,
		Threshold:            seed.Threshold,
		CreateOn:             database.CreateOn(seed.CreateOn),
		ResolveOn:            database.ResolveOn(seed.ResolveOn),
		Priority:             seed.Priority,
		Enabled:              enabledOrDefault(seed.Enabled),
	}
	if rule.CreateOn == "" {
		rule.CreateOn = database.CreateOnAny
	}
	if rule.ResolveOn == "" {
		rule.ResolveOn = database.ResolveOnAll
	}

	var existing database.CorrelationRule
	err := tx.Where("tenant_id = ? AND name = ?", seed.TenantID, seed.Name).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return tx.Create(&rule).Error
	}
	if err != nil {
		return err
	}
	rule.ID = existing.ID
	return tx.Save(&rule).Error
}

func applyDeduplicationRule(tx *gorm.DB, seed DeduplicationRule) error {
	rule := database.DeduplicationRule{
		TenantID:          seed.TenantID,
		Name:              seed.Name,
		ProviderID:        seed.ProviderID,
		ProviderType:      seed.ProviderType,
		IgnoreFields:      database.StringList(seed.IgnoreFields),
		FullDeduplication: seed.FullDeduplication,
		IsDefault:         seed.IsDefault,
		Priority:          seed.Priority,
		Enabled:           enabledOrDefault(seed.Enabled),
	}

	var existing database.DeduplicationRule
	err := tx.Where("tenant_id = ? AND name = ?", seed.TenantID, seed.Name).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return tx.Create(&rule).Error
	}
	if err != nil {
		return err
	}
	rule.ID = existing.ID
	return tx.Save(&rule).Error
}

func applyMaintenanceWindow(tx *gorm.DB, seed MaintenanceWindow) error {
	statuses := make(database.StringList, 0, len(seed.IgnoreStatuses))
	for _, s := range seed.IgnoreStatuses {
		statuses = append(statuses, s)
	}
	window := database.MaintenanceWindow{
		TenantID:       seed.TenantID,
		Name:           seed.Name,
		Predicate:      seed.Predicate,
		StartTime:      seed.StartTime,
		EndTime:        seed.EndTime,
		Enabled:        enabledOrDefault(seed.Enabled),
		Suppress:       true,
		IgnoreStatuses: statuses,
	}

	var existing database.MaintenanceWindow
	err := tx.Where("tenant_id = ? AND name = ?", seed.TenantID, seed.Name).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return tx.Create(&window).Error
	}
	if err != nil {
		return err
	}
	window.ID = existing.ID
	return tx.Save(&window).Error
}

func enabledOrDefault(enabled *bool) bool {
	if enabled == nil {
		return true
	}
	return *enabled
}
