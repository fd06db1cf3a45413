package alerts

import (
	"strings"
	"time"

	"github.com/sirenhq/siren/internal/database"
)

// NormalizedAlert is the common alert record the correlation core consumes.
// Provider-specific ingestion produces these upstream; by the time one
// reaches this package it carries a stable fingerprint.
type NormalizedAlert struct {
	ID          string
	Fingerprint string
	AlertName   string

	Status database.AlertStatus
	// PreviousStatus is only meaningful under the recover maintenance
	// strategy, where it holds the status to restore after windows expire.
	PreviousStatus database.AlertStatus

	Severity database.AlertSeverity

	ProviderID   string
	ProviderType string

	Service string
	Labels  map[string]interface{}

	LastReceived time.Time

	// Deduplication annotations, set by the deduplicator.
	IsFullDuplicate    bool
	IsPartialDuplicate bool
}

// Attributes returns the nested-map view of the alert used by predicate
// evaluation, grouping criteria and name templates. Label maps are exposed
// both under "labels." and at the top level, so predicates can say either
// `labels.env == "prod"` or `env == "prod"`.
func (a *NormalizedAlert) Attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"id":            a.ID,
		"fingerprint":   a.Fingerprint,
		"name":          a.AlertName,
		"status":        string(a.Status),
		"severity":      string(a.Severity),
		"provider_id":   a.ProviderID,
		"provider_type": a.ProviderType,
		"source":        a.ProviderType,
		"service":       a.Service,
	}
	if a.Labels != nil {
		labels := make(map[string]interface{}, len(a.Labels))
		for k, v := range a.Labels {
			labels[k] = v
			if _, taken := attrs[k]; !taken {
				attrs[k] = v
			}
		}
		attrs["labels"] = labels
	}
	return attrs
}

// Clone returns a deep copy of the alert. The deduplicator mutates its copy
// when stripping ignored fields; the original must stay intact.
func (a *NormalizedAlert) Clone() *NormalizedAlert {
	clone := *a
	clone.Labels = deepCopyMap(a.Labels)
	return &clone
}

func deepCopyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// ExtractNestedValue extracts a value using dot notation (e.g.
// "labels.alertname"), navigating only through map-typed intermediates.
func ExtractNestedValue(data map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}

	parts := strings.Split(path, ".")
	current := interface{}(data)

	for _, part := range parts {
		switch v := current.(type) {
		case map[string]interface{}:
			current = v[part]
		case map[string]string:
			current = v[part]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}

	return current
}

// ExtractString extracts a string value using dot notation
func ExtractString(data map[string]interface{}, path string) string {
	val := ExtractNestedValue(data, path)
	if val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

// RemoveNestedValue deletes the value at a dot-separated path. Missing
// paths are a silent no-op, and any non-map intermediate aborts removal for
// that path: stripping ignored fields must never fail an alert.
func RemoveNestedValue(data map[string]interface{}, path string) {
	if path == "" || data == nil {
		return
	}

	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}
