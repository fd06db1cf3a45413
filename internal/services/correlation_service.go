package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/sirenhq/siren/internal/alerts"
	"github.com/sirenhq/siren/internal/cel"
	"github.com/sirenhq/siren/internal/database"
)

// CorrelationService matches alerts against configured rules and assigns
// them to grouped incidents. All reads and writes for one alert's
// correlation decision run inside a single transaction holding row locks,
// so two alerts updating the same grouping key cannot race.
type CorrelationService struct {
	db   *gorm.DB
	env  *cel.Env
	sink WorkflowSink
}

// NewCorrelationService creates a rules engine writing through the given
// workflow sink.
func NewCorrelationService(db *gorm.DB, sink WorkflowSink) *CorrelationService {
	if sink == nil {
		sink = LogSink{}
	}
	return &CorrelationService{
		db:   db,
		env:  cel.NewEnv(cel.WithSeverityRanks(database.SeverityRanks())),
		sink: sink,
	}
}

// CreateRule validates and stores a correlation rule. Unparseable
// predicates are rejected here, at creation time, so evaluation never sees
// them.
func (s *CorrelationService) CreateRule(rule *database.CorrelationRule) error {
	if _, err := cel.Parse(rule.Predicate); err != nil {
		return fmt.Errorf("invalid rule predicate: %w", err)
	}
	return s.db.Create(rule).Error
}

// ProcessAlert evaluates every enabled rule against the alert and updates
// the matching incidents. A rule whose predicate fails to evaluate for
// this alert is skipped; all other rules still run.
func (s *CorrelationService) ProcessAlert(ctx context.Context, tenantID string, alert *alerts.NormalizedAlert) error {
	rules, err := database.GetEnabledCorrelationRules(s.db, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load correlation rules: %w", err)
	}

	attrs := alert.Attributes()
	for i := range rules {
		rule := &rules[i]

		matched, err := s.env.Matches(rule.Predicate, attrs)
		if err != nil {
			var evalErr *cel.EvaluationError
			if errors.As(err, &evalErr) {
				log.Printf("rule %d predicate skipped for alert %s (tenant=%s): %v",
					rule.ID, alert.Fingerprint, tenantID, err)
				continue
			}
			log.Printf("rule %d has unusable predicate (tenant=%s): %v", rule.ID, tenantID, err)
			continue
		}
		if !matched {
			continue
		}

		if err := s.applyRule(ctx, tenantID, rule, alert, attrs); err != nil {
			return err
		}
	}
	return nil
}

// GroupingKey concatenates the rule's grouping criteria values extracted
// from the alert. Missing values become an empty placeholder, never an
// error; empty criteria yield the single implicit group.
func GroupingKey(criteria []string, attrs map[string]interface{}) string {
	if len(criteria) == 0 {
		return ""
	}
	parts := make([]string, 0, len(criteria))
	for _, path := range criteria {
		value := alerts.ExtractNestedValue(attrs, path)
		if value == nil {
			parts = append(parts, "")
			continue
		}
		parts = append(parts, fmt.Sprintf("%v", value))
	}
	return strings.Join(parts, "|")
}

func ruleFingerprint(ruleID uint, groupingKey string) string {
	return fmt.Sprintf("rule:%d|%s", ruleID, groupingKey)
}

func (s *CorrelationService) applyRule(ctx context.Context, tenantID string, rule *database.CorrelationRule, alert *alerts.NormalizedAlert, attrs map[string]interface{}) error {
	fingerprint := ruleFingerprint(rule.ID, GroupingKey(rule.GroupingCriteria, attrs))
	timeframe := time.Duration(rule.TimeframeSeconds) * time.Second
	now := time.Now()

	var notifyIncident *database.Incident
	var notifyAction string

	err := s.db.Transaction(func(tx *gorm.DB) error {
		incident, err := database.FindOpenIncidentByRuleFingerprint(tx, tenantID, fingerprint, timeframe, now)
		if err != nil {
			return err
		}

		if incident == nil {
			incident, err = s.createIncident(tx, tenantID, rule, fingerprint, alert, attrs, now)
			if err != nil {
				return err
			}
			notifyIncident, notifyAction = incident, WorkflowActionCreated
			return nil
		}

		wasCandidate := incident.IsCandidate
		if err := s.updateIncident(tx, incident, rule, alert, attrs, now); err != nil {
			return err
		}
		notifyIncident, notifyAction = incident, WorkflowActionUpdated
		if wasCandidate && !incident.IsCandidate {
			// First confirmation is the incident's first visible event.
			notifyAction = WorkflowActionCreated
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Exactly one lifecycle notification per state-changing step, emitted
	// after the transaction commits.
	if notifyIncident != nil && !notifyIncident.IsCandidate {
		s.sink.Notify(ctx, tenantID, notifyIncident, notifyAction)
	}
	return nil
}

func (s *CorrelationService) createIncident(tx *gorm.DB, tenantID string, rule *database.CorrelationRule, fingerprint string, alert *alerts.NormalizedAlert, attrs map[string]interface{}, now time.Time) (*database.Incident, error) {
	threshold := rule.EffectiveThreshold()
	candidate := rule.CreateOn == database.CreateOnAll && threshold > 1

	incident := &database.Incident{
		TenantID:          tenantID,
		Status:            database.IncidentStatusFiring,
		Severity:          alert.Severity,
		Type:              database.IncidentTypeRule,
		IsCandidate:       candidate,
		IsConfirmed:       !candidate,
		AlertsCount:       1,
		RuleFingerprint:   fingerprint,
		CorrelationRuleID: &rule.ID,
		StartTime:         now,
		LastSeenTime:      now,
	}
	if alert.Service != "" {
		incident.AffectedServices = database.StringList{alert.Service}
	}
	if rule.IncidentNameTemplate != "" {
		incident.Name = RenderIncidentName(rule.IncidentNameTemplate, attrs)
	} else {
		incident.Name = alert.AlertName
	}

	member := newMemberAlert(tenantID, alert, now)
	if err := database.CreateIncidentWithAlert(tx, incident, member); err != nil {
		return nil, err
	}

	// Link a recurrence: the most recent resolved incident with the same
	// rule fingerprint becomes the weak back-reference.
	var past database.Incident
	err := tx.Where("tenant_id = ? AND rule_fingerprint = ? AND status = ? AND id <> ?",
		tenantID, fingerprint, database.IncidentStatusResolved, incident.ID).
		Order("id DESC").
		First(&past).Error
	if err == nil {
		if uerr := tx.Model(incident).Update("same_incident_in_the_past_id", past.ID).Error; uerr != nil {
			return nil, uerr
		}
		incident.SameIncidentInThePastID = &past.ID
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	return incident, nil
}

func (s *CorrelationService) updateIncident(tx *gorm.DB, incident *database.Incident, rule *database.CorrelationRule, alert *alerts.NormalizedAlert, attrs map[string]interface{}, now time.Time) error {
	// A redelivery of a member fingerprint updates that member in place;
	// a new fingerprint joins the group.
	var member database.IncidentAlert
	err := tx.Where("incident_id = ? AND fingerprint = ?", incident.ID, alert.Fingerprint).
		First(&member).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		fresh := newMemberAlert(incident.TenantID, alert, now)
		if err := database.AttachAlertToIncident(tx, incident.ID, fresh); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		updates := map[string]interface{}{
			"status":      alert.Status,
			"severity":    alert.Severity,
			"attached_at": now,
		}
		if alert.Labels != nil {
			updates["labels"] = database.JSONB(alert.Labels)
		}
		if err := tx.Model(&member).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Model(&database.Incident{}).Where("id = ?", incident.ID).
			Update("last_seen_time", now).Error; err != nil {
			return err
		}
	}

	members, err := database.GetIncidentAlerts(tx, incident.ID)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"alerts_count":   len(members),
		"last_seen_time": now,
	}

	// Severity is the max across current members.
	severity := database.AlertSeverity("")
	services := map[string]bool{}
	for _, m := range members {
		severity = database.MaxSeverity(severity, m.Severity)
		if m.Service != "" {
			services[m.Service] = true
		}
	}
	updates["severity"] = severity
	if len(services) > 0 {
		updates["affected_services"] = serviceList(services)
	}

	// Name accumulation: a render that resolved to a new value joins the
	// comma-separated name.
	if rule.IncidentNameTemplate != "" {
		rendered := RenderIncidentName(rule.IncidentNameTemplate, attrs)
		updates["name"] = AccumulateIncidentName(incident.Name, rendered)
	}

	// Confirmation: create_on=all defers visibility until the member
	// count reaches the rule threshold.
	if incident.IsCandidate && len(members) >= rule.EffectiveThreshold() {
		updates["is_candidate"] = false
		updates["is_confirmed"] = true
		incident.IsCandidate = false
		incident.IsConfirmed = true
	}

	status, endTime := resolveStatus(incident.Status, rule.ResolveOn, members)
	updates["status"] = status
	updates["end_time"] = endTime

	if err := tx.Model(&database.Incident{}).Where("id = ?", incident.ID).Updates(updates).Error; err != nil {
		return err
	}

	incident.Status = status
	incident.EndTime = endTime
	incident.AlertsCount = len(members)
	incident.Severity = severity
	incident.LastSeenTime = now
	if name, ok := updates["name"].(string); ok {
		incident.Name = name
	}
	return nil
}

// resolveStatus applies the rule's resolve_on policy after a membership
// change and returns the incident's new status and end time.
func resolveStatus(current database.IncidentStatus, policy database.ResolveOn, members []database.IncidentAlert) (database.IncidentStatus, *time.Time) {
	if len(members) == 0 {
		return current, nil
	}

	resolved := false
	switch policy {
	case database.ResolveOnFirst:
		// Members arrive in join order.
		resolved = members[0].Status == database.AlertStatusResolved
	case database.ResolveOnLast:
		resolved = members[len(members)-1].Status == database.AlertStatusResolved
	default: // all
		resolved = true
		for _, m := range members {
			if m.Status != database.AlertStatusResolved && m.Status != database.AlertStatusSuppressed {
				resolved = false
				break
			}
		}
	}

	if resolved {
		now := time.Now()
		return database.IncidentStatusResolved, &now
	}
	// Reopen: any non-resolved member keeps (or puts back) the incident
	// in firing.
	if current == database.IncidentStatusResolved || current == database.IncidentStatusFiring {
		return database.IncidentStatusFiring, nil
	}
	return current, nil
}

func newMemberAlert(tenantID string, alert *alerts.NormalizedAlert, now time.Time) *database.IncidentAlert {
	return &database.IncidentAlert{
		TenantID:    tenantID,
		Fingerprint: alert.Fingerprint,
		AlertName:   alert.AlertName,
		Severity:    alert.Severity,
		Status:      alert.Status,
		Service:     alert.Service,
		Labels:      database.JSONB(alert.Labels),
		AttachedAt:  now,
	}
}

func serviceList(set map[string]bool) database.StringList {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return database.StringList(out)
}
