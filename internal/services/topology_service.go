package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/sirenhq/siren/internal/alerts"
	"github.com/sirenhq/siren/internal/database"
	"github.com/sirenhq/siren/internal/topology"
)

// TopologyService correlates alerting services into incidents using the
// tenant's dependency graph. It runs on an interval, independent of the
// per-alert correlation path.
type TopologyService struct {
	db       *gorm.DB
	provider topology.Provider
	tenants  *TenantService
	sink     WorkflowSink
	lookback time.Duration
}

func NewTopologyService(db *gorm.DB, provider topology.Provider, tenants *TenantService, sink WorkflowSink, lookback time.Duration) *TopologyService {
	if sink == nil {
		sink = &LogSink{}
	}
	return &TopologyService{
		db:       db,
		provider: provider,
		tenants:  tenants,
		sink:     sink,
		lookback: lookback,
	}
}

// ProcessAll runs one correlation pass over every known tenant. A failure
// in one tenant is logged and does not stop the others.
func (s *TopologyService) ProcessAll(ctx context.Context) {
	for _, tenantID := range s.tenants.KnownTenants() {
		if ctx.Err() != nil {
			return
		}
		if err := s.ProcessTenant(ctx, tenantID); err != nil {
			log.Printf("topology correlation failed for tenant %s: %v", tenantID, err)
		}
	}
}

// ProcessTenant runs one correlation pass for a single tenant.
func (s *TopologyService) ProcessTenant(ctx context.Context, tenantID string) error {
	if !s.tenants.TopologyEnabled(tenantID) {
		return nil
	}

	services, err := s.provider.Services(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load services: %w", err)
	}
	deps, err := s.provider.Dependencies(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load dependencies: %w", err)
	}
	apps, err := s.provider.Applications(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load applications: %w", err)
	}

	graph := topology.BuildGraph(deps)

	known := make(map[string]struct{}, len(services))
	for _, svc := range services {
		known[svc.ServiceName] = struct{}{}
	}
	for _, app := range apps {
		for _, svc := range app.Services {
			known[svc] = struct{}{}
		}
	}

	buckets, statuses, err := s.alertingServices(tenantID, known, graph)
	if err != nil {
		return fmt.Errorf("failed to load last alerts: %w", err)
	}

	// Resolved alerts leave the buckets but their incidents still need the
	// status change, so open topology incidents are reconciled even when
	// no service is alerting anymore.
	if err := s.reconcileOpenIncidents(ctx, tenantID, statuses); err != nil {
		log.Printf("topology incident reconcile failed for tenant %s: %v", tenantID, err)
	}
	if len(buckets) == 0 {
		return nil
	}

	// Explicit applications claim their services first; an application's
	// incident is never split across graph components.
	claimed := make(map[string]struct{})
	for _, app := range apps {
		var alerting []string
		for _, svc := range app.Services {
			if _, taken := claimed[svc]; taken {
				continue
			}
			if _, ok := buckets[svc]; ok {
				alerting = append(alerting, svc)
			}
		}
		if len(alerting) == 0 {
			continue
		}
		for _, svc := range alerting {
			claimed[svc] = struct{}{}
		}
		if err := s.upsertApplicationIncident(ctx, tenantID, &app, alerting, buckets); err != nil {
			log.Printf("application incident failed for tenant %s app %q: %v", tenantID, app.Name, err)
		}
	}

	var remaining []string
	for svc := range buckets {
		if _, taken := claimed[svc]; !taken {
			remaining = append(remaining, svc)
		}
	}

	minServices := s.tenants.TopologyMinimumServices(tenantID)
	for _, cluster := range graph.Clusters(remaining, s.tenants.TopologyDepth(tenantID)) {
		if len(cluster) < minServices {
			continue
		}
		if err := s.upsertGraphIncident(ctx, tenantID, cluster, buckets); err != nil {
			log.Printf("topology incident failed for tenant %s services %v: %v", tenantID, cluster, err)
		}
	}
	return nil
}

// alertingServices buckets the tenant's most recent alerts by service.
// Alerts that are resolved, outside the lookback window, or for services
// the topology does not know are ignored. The returned status map covers
// every fingerprint regardless of bucket filtering, so member statuses of
// open incidents can be refreshed.
func (s *TopologyService) alertingServices(tenantID string, known map[string]struct{}, graph *topology.Graph) (map[string][]database.LastAlert, map[string]database.AlertStatus, error) {
	lastAlerts, err := database.GetLastAlertsForTenant(s.db, tenantID)
	if err != nil {
		return nil, nil, err
	}

	cutoff := time.Now().Add(-s.lookback)
	buckets := make(map[string][]database.LastAlert)
	statuses := make(map[string]database.AlertStatus, len(lastAlerts))
	for _, last := range lastAlerts {
		statuses[last.Fingerprint] = last.Status
		if last.Status != database.AlertStatusFiring && last.Status != database.AlertStatusAcknowledged {
			continue
		}
		if last.ReceivedAt.Before(cutoff) {
			continue
		}
		service := alerts.ExtractString(map[string]interface{}(last.Payload), "service")
		if service == "" {
			continue
		}
		if _, ok := known[service]; !ok && !graph.HasService(service) {
			continue
		}
		buckets[service] = append(buckets[service], last)
	}
	return buckets, statuses, nil
}

// reconcileOpenIncidents refreshes member statuses of every open topology
// incident from the latest alert snapshot and applies the all-resolved
// check, so incidents wind down even after their services stop alerting.
func (s *TopologyService) reconcileOpenIncidents(ctx context.Context, tenantID string, statuses map[string]database.AlertStatus) error {
	var open []database.Incident
	err := s.db.Where("tenant_id = ? AND type = ? AND status <> ?",
		tenantID, database.IncidentTypeTopology, database.IncidentStatusResolved).
		Find(&open).Error
	if err != nil {
		return err
	}

	for i := range open {
		incident := &open[i]
		var resolvedNow bool

		err := s.db.Transaction(func(tx *gorm.DB) error {
			members, err := database.GetIncidentAlerts(tx, incident.ID)
			if err != nil {
				return err
			}
			for j := range members {
				status, ok := statuses[members[j].Fingerprint]
				if !ok || members[j].Status == status {
					continue
				}
				members[j].Status = status
				if err := tx.Model(&members[j]).Update("status", status).Error; err != nil {
					return err
				}
			}

			status, endTime := resolveStatus(incident.Status, database.ResolveOnAll, members)
			if status == incident.Status {
				return nil
			}
			incident.Status = status
			if endTime != nil {
				incident.EndTime = endTime
			}
			resolvedNow = status == database.IncidentStatusResolved
			return tx.Model(&database.Incident{}).Where("id = ?", incident.ID).
				Updates(map[string]interface{}{"status": status, "end_time": incident.EndTime}).Error
		})
		if err != nil {
			log.Printf("failed to reconcile topology incident %s (tenant=%s): %v",
				incident.UUID, tenantID, err)
			continue
		}
		if resolvedNow {
			s.sink.Notify(ctx, tenantID, incident, WorkflowActionUpdated)
		}
	}
	return nil
}

func (s *TopologyService) upsertApplicationIncident(ctx context.Context, tenantID string, app *database.TopologyApplication, alerting []string, buckets map[string][]database.LastAlert) error {
	name := fmt.Sprintf("Application %s impacted", app.Name)
	return s.upsertIncident(ctx, tenantID, alerting, buckets, func(incident *database.Incident) {
		appID := app.ID
		incident.ApplicationID = &appID
		incident.Name = name
	}, func(tx *gorm.DB) (*database.Incident, error) {
		return database.FindIncidentByApplicationID(tx, tenantID, app.ID)
	})
}

func (s *TopologyService) upsertGraphIncident(ctx context.Context, tenantID string, cluster []string, buckets map[string][]database.LastAlert) error {
	id := topology.InterconnectivityID(cluster)
	return s.upsertIncident(ctx, tenantID, cluster, buckets, func(incident *database.Incident) {
		incident.InterconnectivityID = id
		incident.Name = fmt.Sprintf("Connected services impacted (%d services)", len(cluster))
	}, func(tx *gorm.DB) (*database.Incident, error) {
		return database.FindIncidentByInterconnectivityID(tx, tenantID, id)
	})
}

// upsertIncident finds or creates the topology incident for a service
// set, reconciles its membership with the current alert snapshot, and
// notifies the workflow sink after the transaction commits.
func (s *TopologyService) upsertIncident(ctx context.Context, tenantID string, services []string, buckets map[string][]database.LastAlert, decorate func(*database.Incident), find func(*gorm.DB) (*database.Incident, error)) error {
	var notifyIncident *database.Incident
	notifyAction := WorkflowActionUpdated

	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		incident, err := find(tx)
		if err != nil {
			return err
		}

		created := false
		if incident == nil {
			incident = &database.Incident{
				TenantID:    tenantID,
				Type:        database.IncidentTypeTopology,
				Status:      database.IncidentStatusFiring,
				IsConfirmed: true,
				StartTime:   now,
			}
			decorate(incident)
			if err := database.CreateIncident(tx, incident); err != nil {
				return err
			}
			created = true
		}

		existing, err := database.GetIncidentAlerts(tx, incident.ID)
		if err != nil {
			return err
		}
		byFingerprint := make(map[string]*database.IncidentAlert, len(existing))
		for i := range existing {
			byFingerprint[existing[i].Fingerprint] = &existing[i]
		}

		for _, svc := range services {
			for _, last := range buckets[svc] {
				member := memberFromLastAlert(tenantID, svc, &last, now)
				if current, ok := byFingerprint[member.Fingerprint]; ok {
					current.Status = member.Status
					current.Severity = member.Severity
					current.Labels = member.Labels
					if err := tx.Save(current).Error; err != nil {
						return err
					}
					continue
				}
				if err := database.AttachAlertToIncident(tx, incident.ID, member); err != nil {
					return err
				}
			}
		}

		members, err := database.GetIncidentAlerts(tx, incident.ID)
		if err != nil {
			return err
		}

		maxSeverity := database.AlertSeverity("")
		serviceSet := make(map[string]bool)
		for _, m := range members {
			maxSeverity = database.MaxSeverity(maxSeverity, m.Severity)
			if m.Service != "" {
				serviceSet[m.Service] = true
			}
		}

		incident.Severity = maxSeverity
		incident.AlertsCount = len(members)
		incident.AffectedServices = serviceList(serviceSet)
		incident.LastSeenTime = now

		status, endTime := resolveStatus(incident.Status, database.ResolveOnAll, members)
		incident.Status = status
		if endTime != nil {
			incident.EndTime = endTime
		}

		if err := tx.Save(incident).Error; err != nil {
			return err
		}

		notifyIncident = incident
		if created {
			notifyAction = WorkflowActionCreated
		}
		return nil
	})
	if err != nil {
		return err
	}

	if notifyIncident != nil {
		s.sink.Notify(ctx, tenantID, notifyIncident, notifyAction)
	}
	return nil
}

// memberFromLastAlert builds an incident member from the stored last
// alert snapshot, reading name and severity out of the payload.
func memberFromLastAlert(tenantID, service string, last *database.LastAlert, now time.Time) *database.IncidentAlert {
	payload := map[string]interface{}(last.Payload)
	severity := database.AlertSeverity(alerts.ExtractString(payload, "severity"))
	name := alerts.ExtractString(payload, "name")
	if name == "" {
		name = last.Fingerprint
	}
	return &database.IncidentAlert{
		TenantID:    tenantID,
		Fingerprint: last.Fingerprint,
		AlertName:   name,
		Severity:    severity,
		Status:      last.Status,
		Service:     service,
		Labels:      database.JSONB(payload),
		AttachedAt:  now,
	}
}
