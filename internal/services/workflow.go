package services

import (
	"context"
	"log"

	"github.com/sirenhq/siren/internal/database"
)

// Workflow lifecycle actions
const (
	WorkflowActionCreated = "created"
	WorkflowActionUpdated = "updated"
)

// WorkflowSink receives incident lifecycle notifications. Implementations
// are best-effort: failures are logged and swallowed, never propagated into
// the correlation path.
type WorkflowSink interface {
	Notify(ctx context.Context, tenantID string, incident *database.Incident, action string)
}

// LogSink is the default sink; it only logs lifecycle events.
type LogSink struct{}

// Notify implements WorkflowSink
func (LogSink) Notify(ctx context.Context, tenantID string, incident *database.Incident, action string) {
	log.Printf("incident %s %s (tenant=%s severity=%s alerts=%d)",
		incident.UUID, action, tenantID, incident.Severity, incident.AlertsCount)
}
