package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirenhq/siren/internal/alerts"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

// RenderIncidentName resolves mustache-like placeholders in an incident
// name template against the triggering alert's attributes. Placeholders
// whose path does not resolve render as N/A.
func RenderIncidentName(template string, attrs map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value := alerts.ExtractNestedValue(attrs, path)
		if value == nil {
			return "N/A"
		}
		return fmt.Sprintf("%v", value)
	})
}

// AccumulateIncidentName folds a fresh render into the incident's existing
// name: distinct renders across member alerts join with commas, exact
// repeats are not appended again.
func AccumulateIncidentName(existing, rendered string) string {
	if rendered == "" {
		return existing
	}
	if existing == "" {
		return rendered
	}
	for _, part := range strings.Split(existing, ", ") {
		if part == rendered {
			return existing
		}
	}
	return existing + ", " + rendered
}
