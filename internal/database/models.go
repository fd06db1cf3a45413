package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// StringList is a JSON-encoded ordered list of strings
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

// AlertSeverity represents normalized severity levels
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityLow      AlertSeverity = "low"
)

// severityRanks orders severities for comparison. String ordering is not
// safe here ("high" < "info" lexicographically), so every ordering decision
// in the system goes through Rank.
var severityRanks = map[AlertSeverity]int{
	AlertSeverityCritical: 5,
	AlertSeverityHigh:     4,
	AlertSeverityWarning:  3,
	AlertSeverityInfo:     2,
	AlertSeverityLow:      1,
}

// Rank returns the ordinal rank of the severity. Unknown severities rank 0
// and sort below "low".
func (s AlertSeverity) Rank() int {
	return severityRanks[s]
}

// SeverityRanks returns the severity ordinal table keyed by raw string
// value, for the expression evaluator.
func SeverityRanks() map[string]int {
	out := make(map[string]int, len(severityRanks))
	for k, v := range severityRanks {
		out[string(k)] = v
	}
	return out
}

// GetSeverityEmoji returns an emoji for the alert severity
func GetSeverityEmoji(severity AlertSeverity) string {
	switch severity {
	case AlertSeverityCritical:
		return ":red_circle:"
	case AlertSeverityHigh:
		return ":large_orange_circle:"
	case AlertSeverityWarning:
		return ":large_yellow_circle:"
	case AlertSeverityInfo:
		return ":large_blue_circle:"
	default:
		return ":white_circle:"
	}
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b AlertSeverity) AlertSeverity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AlertStatus represents normalized alert status
type AlertStatus string

const (
	AlertStatusFiring       AlertStatus = "firing"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusSuppressed   AlertStatus = "suppressed"
	AlertStatusMaintenance  AlertStatus = "maintenance"
)

// IncidentStatus represents the lifecycle status of an incident
type IncidentStatus string

const (
	IncidentStatusFiring       IncidentStatus = "firing"
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
	IncidentStatusResolved     IncidentStatus = "resolved"
	IncidentStatusMerged       IncidentStatus = "merged"
	IncidentStatusDeleted      IncidentStatus = "deleted"
)

// IncidentType distinguishes how an incident was produced
type IncidentType string

const (
	IncidentTypeRule     IncidentType = "rule"
	IncidentTypeTopology IncidentType = "topology"
)

// Incident is the shared mutable entity both the rules engine and the
// topology correlator create and update. Incidents are never hard-deleted;
// lifecycle changes are status transitions only.
type Incident struct {
	ID       uint           `gorm:"primaryKey" json:"id"`
	UUID     string         `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	TenantID string         `gorm:"size:64;not null;index;uniqueIndex:idx_tenant_running" json:"tenant_id"`
	Name     string         `gorm:"type:varchar(255)" json:"name"`
	Status   IncidentStatus `gorm:"type:varchar(20);not null;default:'firing';index" json:"status"`
	Severity AlertSeverity  `gorm:"type:varchar(20)" json:"severity"`
	Type     IncidentType   `gorm:"type:varchar(20);not null;default:'rule'" json:"type"`

	// Candidate incidents exist but are not yet visible; they confirm per
	// the owning rule's create_on policy.
	IsCandidate bool `gorm:"default:false" json:"is_candidate"`
	IsConfirmed bool `gorm:"default:true" json:"is_confirmed"`

	// RunningNumber is unique per tenant, assigned optimistically with
	// bounded retry on conflict.
	RunningNumber int `gorm:"not null;uniqueIndex:idx_tenant_running" json:"running_number"`

	AlertsCount      int        `gorm:"default:0" json:"alerts_count"`
	AffectedServices StringList `gorm:"type:text" json:"affected_services"`

	// RuleFingerprint identifies which rule/group produced this incident.
	// Intentionally not unique: a group evicted by its timeframe starts a
	// fresh incident carrying the same fingerprint.
	RuleFingerprint     string `gorm:"size:512;index" json:"rule_fingerprint"`
	CorrelationRuleID   *uint  `gorm:"index" json:"correlation_rule_id,omitempty"`
	InterconnectivityID string `gorm:"size:64;index" json:"interconnectivity_id,omitempty"`
	ApplicationID       *uint  `gorm:"index" json:"application_id,omitempty"`

	// Weak back-references; lookups only, never owning pointers.
	SameIncidentInThePastID *uint `json:"same_incident_in_the_past_id,omitempty"`
	MergedIntoIncidentID    *uint `json:"merged_into_incident_id,omitempty"`

	StartTime    time.Time  `json:"start_time"`
	LastSeenTime time.Time  `json:"last_seen_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate backfills timestamps
func (i *Incident) BeforeCreate(tx *gorm.DB) error {
	if i.StartTime.IsZero() {
		i.StartTime = time.Now()
	}
	if i.LastSeenTime.IsZero() {
		i.LastSeenTime = i.StartTime
	}
	return nil
}

// IsOpen reports whether the incident can still accept member alerts.
func (i *Incident) IsOpen() bool {
	return i.Status == IncidentStatusFiring || i.Status == IncidentStatusAcknowledged
}

// IncidentAlert is a member alert attached to an incident. JoinOrder
// preserves the original attach order for the resolve_on=first policy.
type IncidentAlert struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	IncidentID  uint          `gorm:"not null;index" json:"incident_id"`
	TenantID    string        `gorm:"size:64;not null;index" json:"tenant_id"`
	Fingerprint string        `gorm:"size:255;not null;index" json:"fingerprint"`
	AlertName   string        `gorm:"type:varchar(255)" json:"alert_name"`
	Severity    AlertSeverity `gorm:"type:varchar(20)" json:"severity"`
	Status      AlertStatus   `gorm:"type:varchar(20);not null" json:"status"`
	Service     string        `gorm:"type:varchar(255)" json:"service"`
	Labels      JSONB         `gorm:"type:jsonb" json:"labels"`
	JoinOrder   int           `gorm:"not null" json:"join_order"`
	AttachedAt  time.Time     `gorm:"not null" json:"attached_at"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`

	Incident Incident `gorm:"foreignKey:IncidentID" json:"-"`
}

// CreateOn controls when a candidate incident becomes confirmed
type CreateOn string

const (
	CreateOnAny CreateOn = "any" // confirmed on first matching alert
	CreateOnAll CreateOn = "all" // confirmed once threshold member alerts reached
)

// ResolveOn controls which member-alert transition resolves the incident
type ResolveOn string

const (
	ResolveOnAll   ResolveOn = "all"
	ResolveOnFirst ResolveOn = "first"
	ResolveOnLast  ResolveOn = "last"
)

// CorrelationRule groups matching alerts into incidents
type CorrelationRule struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	TenantID string `gorm:"size:64;not null;index" json:"tenant_id"`
	Name     string `gorm:"size:255;not null" json:"name"`

	// Predicate is the boolean expression evaluated against each alert.
	// Validated at creation time; unparseable predicates never reach the
	// table.
	Predicate string `gorm:"type:text;not null" json:"predicate"`

	// TimeframeSeconds is the sliding grouping window: a group stops
	// accepting members once idle longer than this.
	TimeframeSeconds int `gorm:"default:600" json:"timeframe_seconds"`

	// GroupingCriteria are label paths whose concrete values partition
	// matching alerts into distinct incident groups.
	GroupingCriteria StringList `gorm:"type:text" json:"grouping_criteria"`

	CreateOn  CreateOn  `gorm:"type:varchar(10);default:'any'" json:"create_on"`
	ResolveOn ResolveOn `gorm:"type:varchar(10);default:'all'" json:"resolve_on"`

	IncidentNameTemplate string `gorm:"type:text" json:"incident_name_template"`
	Threshold            int    `gorm:"default:1" json:"threshold"`
	Priority             int    `gorm:"default:0;index" json:"priority"`
	Enabled              bool   `gorm:"default:true" json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveThreshold returns the confirmation threshold, minimum 1.
func (r *CorrelationRule) EffectiveThreshold() int {
	if r.Threshold < 1 {
		return 1
	}
	return r.Threshold
}

// DeduplicationRule scopes content hashing for one provider
type DeduplicationRule struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	TenantID     string `gorm:"size:64;not null;index" json:"tenant_id"`
	Name         string `gorm:"size:255" json:"name"`
	ProviderID   string `gorm:"size:128;index" json:"provider_id"`
	ProviderType string `gorm:"size:64;not null;index" json:"provider_type"`

	// IgnoreFields are dot-separated paths removed from the alert before
	// hashing. Missing paths are silently skipped.
	IgnoreFields StringList `gorm:"type:text" json:"ignore_fields"`

	FullDeduplication bool `gorm:"default:true" json:"full_deduplication"`

	// IsDefault marks the generated per-provider-type rule; a tenant custom
	// rule overrides it but, when partial, still inherits its ignore list.
	IsDefault bool `gorm:"default:false" json:"is_default"`
	Enabled   bool `gorm:"default:true" json:"enabled"`
	Priority  int  `gorm:"default:0" json:"priority"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DedupEventType classifies one deduplication audit row
type DedupEventType string

const (
	DedupEventFull    DedupEventType = "full"
	DedupEventPartial DedupEventType = "partial"
	DedupEventNone    DedupEventType = "none"
)

// DedupEvent is an audit row recorded per rule evaluated when distribution
// tracking is enabled
type DedupEvent struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	TenantID    string         `gorm:"size:64;not null;index" json:"tenant_id"`
	RuleID      uint           `gorm:"index" json:"rule_id"`
	Fingerprint string         `gorm:"size:255;index" json:"fingerprint"`
	ProviderID  string         `gorm:"size:128" json:"provider_id"`
	Type        DedupEventType `gorm:"type:varchar(10);not null" json:"type"`
	CreatedAt   time.Time      `json:"created_at"`
}

// LastAlert stores the most recent delivery per fingerprint: the content
// hash read by the deduplicator and the payload read by the topology
// correlator's last-seen scan.
type LastAlert struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	TenantID    string      `gorm:"size:64;not null;uniqueIndex:idx_tenant_fingerprint" json:"tenant_id"`
	Fingerprint string      `gorm:"size:255;not null;uniqueIndex:idx_tenant_fingerprint" json:"fingerprint"`
	Hash        string      `gorm:"size:64;not null" json:"hash"`
	Status      AlertStatus `gorm:"type:varchar(20)" json:"status"`
	Payload     JSONB       `gorm:"type:jsonb" json:"payload"`
	ReceivedAt  time.Time   `json:"received_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// MaintenanceWindow suppresses matching alerts for a time range [start, end)
type MaintenanceWindow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  string    `gorm:"size:64;not null;index" json:"tenant_id"`
	Name      string    `gorm:"size:255" json:"name"`
	Predicate string    `gorm:"type:text;not null" json:"predicate"`
	StartTime time.Time `gorm:"not null" json:"start_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	Suppress  bool      `gorm:"default:true" json:"suppress"`

	// IgnoreStatuses are alert statuses exempt from suppression.
	IgnoreStatuses StringList `gorm:"type:text" json:"ignore_statuses"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Covers reports whether the window is active at the given instant.
// The range is half-open: [start, end).
func (w *MaintenanceWindow) Covers(at time.Time) bool {
	return w.Enabled && !at.Before(w.StartTime) && at.Before(w.EndTime)
}

// EffectiveIgnoreStatuses returns the configured ignore list or the default
// {resolved, acknowledged}.
func (w *MaintenanceWindow) EffectiveIgnoreStatuses() []AlertStatus {
	if len(w.IgnoreStatuses) == 0 {
		return []AlertStatus{AlertStatusResolved, AlertStatusAcknowledged}
	}
	out := make([]AlertStatus, 0, len(w.IgnoreStatuses))
	for _, s := range w.IgnoreStatuses {
		out = append(out, AlertStatus(s))
	}
	return out
}

// SuppressedAlert tracks alerts rewritten to maintenance status under the
// recover_previous_status strategy, so reconciliation can restore them.
type SuppressedAlert struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	TenantID       string      `gorm:"size:64;not null;uniqueIndex:idx_suppressed_fp" json:"tenant_id"`
	Fingerprint    string      `gorm:"size:255;not null;uniqueIndex:idx_suppressed_fp" json:"fingerprint"`
	PreviousStatus AlertStatus `gorm:"type:varchar(20);not null" json:"previous_status"`
	WindowID       uint        `gorm:"index" json:"window_id"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TopologyService is one node of the tenant's service map
type TopologyService struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TenantID    string    `gorm:"size:64;not null;uniqueIndex:idx_tenant_service" json:"tenant_id"`
	ServiceName string    `gorm:"size:255;not null;uniqueIndex:idx_tenant_service" json:"service_name"`
	DisplayName string    `gorm:"size:255" json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TopologyDependency is a directed service -> dependent service edge; the
// correlator symmetrizes edges when building its graph.
type TopologyDependency struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	TenantID         string    `gorm:"size:64;not null;index" json:"tenant_id"`
	ServiceName      string    `gorm:"size:255;not null;index" json:"service_name"`
	DependsOnService string    `gorm:"size:255;not null" json:"depends_on_service"`
	CreatedAt        time.Time `json:"created_at"`
}

// TopologyApplication is an explicit named set of services, evaluated with
// priority over automatic graph correlation.
type TopologyApplication struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	TenantID  string     `gorm:"size:64;not null;index" json:"tenant_id"`
	Name      string     `gorm:"size:255;not null" json:"name"`
	Services  StringList `gorm:"type:text" json:"services"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TenantConfig holds per-tenant enable flags and overrides. Zero-valued
// overrides fall back to process-wide defaults.
type TenantConfig struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	TenantID string `gorm:"size:64;not null;uniqueIndex" json:"tenant_id"`

	TopologyEnabled         bool `gorm:"default:false" json:"topology_enabled"`
	TopologyDepth           int  `gorm:"default:0" json:"topology_depth"`
	TopologyMinimumServices int  `gorm:"default:0" json:"topology_minimum_services"`

	// MaintenanceStrategy overrides the process-wide selector when set.
	MaintenanceStrategy string `gorm:"size:32" json:"maintenance_strategy"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides for explicit table naming
func (Incident) TableName() string            { return "incidents" }
func (IncidentAlert) TableName() string       { return "incident_alerts" }
func (CorrelationRule) TableName() string     { return "correlation_rules" }
func (DeduplicationRule) TableName() string   { return "deduplication_rules" }
func (DedupEvent) TableName() string          { return "dedup_events" }
func (LastAlert) TableName() string           { return "last_alerts" }
func (MaintenanceWindow) TableName() string   { return "maintenance_windows" }
func (SuppressedAlert) TableName() string     { return "suppressed_alerts" }
func (TopologyService) TableName() string     { return "topology_services" }
func (TopologyDependency) TableName() string  { return "topology_dependencies" }
func (TopologyApplication) TableName() string { return "topology_applications" }
func (TenantConfig) TableName() string        { return "tenant_configs" }
