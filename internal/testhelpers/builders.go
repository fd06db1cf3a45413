// Package testhelpers provides data builders for testing
package testhelpers

import (
	"time"

	"github.com/sirenhq/siren/internal/alerts"
	"github.com/sirenhq/siren/internal/database"
)

// ========================================
// Alert Builder
// ========================================

// AlertBuilder builds NormalizedAlert instances for testing
type AlertBuilder struct {
	alert alerts.NormalizedAlert
}

// NewAlertBuilder creates a new alert builder with defaults
func NewAlertBuilder() *AlertBuilder {
	return &AlertBuilder{
		alert: alerts.NormalizedAlert{
			ID:           "alert-1",
			Fingerprint:  "fp-1",
			AlertName:    "High CPU usage",
			Status:       database.AlertStatusFiring,
			Severity:     database.AlertSeverityWarning,
			ProviderID:   "prom-1",
			ProviderType: "prometheus",
			Service:      "api",
			Labels:       map[string]interface{}{"env": "prod"},
			LastReceived: time.Now(),
		},
	}
}

// WithFingerprint sets the fingerprint
func (b *AlertBuilder) WithFingerprint(fp string) *AlertBuilder {
	b.alert.Fingerprint = fp
	return b
}

// WithName sets the alert name
func (b *AlertBuilder) WithName(name string) *AlertBuilder {
	b.alert.AlertName = name
	return b
}

// WithStatus sets the status
func (b *AlertBuilder) WithStatus(status database.AlertStatus) *AlertBuilder {
	b.alert.Status = status
	return b
}

// WithSeverity sets the severity
func (b *AlertBuilder) WithSeverity(severity database.AlertSeverity) *AlertBuilder {
	b.alert.Severity = severity
	return b
}

// WithService sets the service
func (b *AlertBuilder) WithService(service string) *AlertBuilder {
	b.alert.Service = service
	return b
}

// WithProvider sets the provider id and type
func (b *AlertBuilder) WithProvider(id, providerType string) *AlertBuilder {
	b.alert.ProviderID = id
	b.alert.ProviderType = providerType
	return b
}

// WithLabel sets one label
func (b *AlertBuilder) WithLabel(key string, value interface{}) *AlertBuilder {
	if b.alert.Labels == nil {
		b.alert.Labels = map[string]interface{}{}
	}
	b.alert.Labels[key] = value
	return b
}

// Build returns the alert
func (b *AlertBuilder) Build() *alerts.NormalizedAlert {
	return b.alert.Clone()
}

// ========================================
// Correlation Rule Builder
// ========================================

// RuleBuilder builds CorrelationRule instances for testing
type RuleBuilder struct {
	rule database.CorrelationRule
}

// NewRuleBuilder creates a new rule builder with defaults
func NewRuleBuilder() *RuleBuilder {
	return &RuleBuilder{
		rule: database.CorrelationRule{
			TenantID:         "tenant-1",
			Name:             "test-rule",
			Predicate:        `severity == "critical"`,
			TimeframeSeconds: 600,
			CreateOn:         database.CreateOnAny,
			ResolveOn:        database.ResolveOnAll,
			Threshold:        1,
			Enabled:          true,
		},
	}
}

// WithTenant sets the tenant
func (b *RuleBuilder) WithTenant(tenantID string) *RuleBuilder {
	b.rule.TenantID = tenantID
	return b
}

// WithPredicate sets the predicate
func (b *RuleBuilder) WithPredicate(predicate string) *RuleBuilder {
	b.rule.Predicate = predicate
	return b
}

// WithGrouping sets the grouping criteria
func (b *RuleBuilder) WithGrouping(criteria ...string) *RuleBuilder {
	b.rule.GroupingCriteria = database.StringList(criteria)
	return b
}

// WithTimeframe sets the grouping window in seconds
func (b *RuleBuilder) WithTimeframe(seconds int) *RuleBuilder {
	b.rule.TimeframeSeconds = seconds
	return b
}

// WithThreshold sets create_on=all with the given threshold
func (b *RuleBuilder) WithThreshold(threshold int) *RuleBuilder {
	b.rule.CreateOn = database.CreateOnAll
	b.rule.Threshold = threshold
	return b
}

// WithResolveOn sets the resolve policy
func (b *RuleBuilder) WithResolveOn(policy database.ResolveOn) *RuleBuilder {
	b.rule.ResolveOn = policy
	return b
}

// WithNameTemplate sets the incident name template
func (b *RuleBuilder) WithNameTemplate(template string) *RuleBuilder {
	b.rule.IncidentNameTemplate = template
	return b
}

// Disabled marks the rule as disabled
func (b *RuleBuilder) Disabled() *RuleBuilder {
	b.rule.Enabled = false
	return b
}

// Build returns the rule
func (b *RuleBuilder) Build() *database.CorrelationRule {
	rule := b.rule
	return &rule
}
