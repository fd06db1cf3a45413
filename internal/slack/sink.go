package slack

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"

	"github.com/sirenhq/siren/internal/database"
)

// Sink posts incident lifecycle notifications to a Slack channel. It is
// best-effort: post failures are logged and swallowed so a Slack outage
// never blocks correlation.
type Sink struct {
	client  *slack.Client
	channel string
}

// NewSink creates a Slack sink posting to the given channel
func NewSink(botToken, channel string) *Sink {
	return &Sink{
		client:  slack.New(botToken),
		channel: channel,
	}
}

// Notify implements services.WorkflowSink
func (s *Sink) Notify(ctx context.Context, tenantID string, incident *database.Incident, action string) {
	message := formatIncident(tenantID, incident, action)
	_, _, err := s.client.PostMessageContext(
		ctx,
		s.channel,
		slack.MsgOptionText(message, false),
	)
	if err != nil {
		log.Printf("Failed to post incident %s to Slack: %v", incident.UUID, err)
	}
}

func formatIncident(tenantID string, incident *database.Incident, action string) string {
	emoji := database.GetSeverityEmoji(incident.Severity)
	header := "Incident updated"
	if action == "created" {
		header = "New incident"
	}

	message := fmt.Sprintf(`%s *%s: #%d %s*

:label: *Tenant:* %s
:warning: *Severity:* %s
:bar_chart: *Alerts:* %d
:traffic_light: *Status:* %s`,
		emoji,
		header,
		incident.RunningNumber,
		incident.Name,
		tenantID,
		incident.Severity,
		incident.AlertsCount,
		incident.Status,
	)

	if len(incident.AffectedServices) > 0 {
		message += fmt.Sprintf("\n:gear: *Services:* %s", strings.Join(incident.AffectedServices, ", "))
	}
	return message
}
