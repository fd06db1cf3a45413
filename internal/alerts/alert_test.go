package alerts

import (
	"testing"

	"github.com/sirenhq/siren/internal/database"
)

func sampleAlert() *NormalizedAlert {
	return &NormalizedAlert{
		ID:           "a-1",
		Fingerprint:  "fp-1",
		AlertName:    "High CPU usage",
		Status:       database.AlertStatusFiring,
		Severity:     database.AlertSeverityCritical,
		ProviderID:   "prom-1",
		ProviderType: "prometheus",
		Service:      "api",
		Labels: map[string]interface{}{
			"env": "prod",
			"kube": map[string]interface{}{
				"namespace": "default",
			},
		},
	}
}

func TestAttributes_PromotesLabels(t *testing.T) {
	attrs := sampleAlert().Attributes()

	if attrs["severity"] != "critical" {
		t.Errorf("expected severity 'critical', got %v", attrs["severity"])
	}
	if attrs["env"] != "prod" {
		t.Errorf("expected promoted label env at top level, got %v", attrs["env"])
	}
	labels, ok := attrs["labels"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected nested labels map, got %T", attrs["labels"])
	}
	if labels["env"] != "prod" {
		t.Errorf("expected labels.env 'prod', got %v", labels["env"])
	}
}

func TestAttributes_LabelDoesNotShadowCoreField(t *testing.T) {
	alert := sampleAlert()
	alert.Labels["status"] = "from-label"

	attrs := alert.Attributes()
	if attrs["status"] != "firing" {
		t.Errorf("core status field must win over colliding label, got %v", attrs["status"])
	}
	labels := attrs["labels"].(map[string]interface{})
	if labels["status"] != "from-label" {
		t.Errorf("colliding label still reachable under labels., got %v", labels["status"])
	}
}

func TestClone_Independent(t *testing.T) {
	original := sampleAlert()
	clone := original.Clone()

	clone.Labels["env"] = "staging"
	clone.Labels["kube"].(map[string]interface{})["namespace"] = "other"

	if original.Labels["env"] != "prod" {
		t.Errorf("clone mutation leaked into original: %v", original.Labels["env"])
	}
	if original.Labels["kube"].(map[string]interface{})["namespace"] != "default" {
		t.Errorf("nested clone mutation leaked into original")
	}
}

func TestExtractNestedValue(t *testing.T) {
	data := map[string]interface{}{
		"name": "test",
		"labels": map[string]interface{}{
			"env": "prod",
			"kube": map[string]interface{}{
				"namespace": "default",
			},
		},
		"tags": map[string]string{"team": "platform"},
	}

	tests := []struct {
		name string
		path string
		want interface{}
	}{
		{"top level", "name", "test"},
		{"one level deep", "labels.env", "prod"},
		{"two levels deep", "labels.kube.namespace", "default"},
		{"string map", "tags.team", "platform"},
		{"missing key", "labels.missing", nil},
		{"through non-map", "name.sub", nil},
		{"empty path", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractNestedValue(data, tt.path)
			if got != tt.want {
				t.Errorf("ExtractNestedValue(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestRemoveNestedValue(t *testing.T) {
	build := func() map[string]interface{} {
		return map[string]interface{}{
			"name": "test",
			"labels": map[string]interface{}{
				"env":       "prod",
				"timestamp": "2026-01-01T00:00:00Z",
			},
		}
	}

	t.Run("removes nested key", func(t *testing.T) {
		data := build()
		RemoveNestedValue(data, "labels.timestamp")
		labels := data["labels"].(map[string]interface{})
		if _, ok := labels["timestamp"]; ok {
			t.Error("expected labels.timestamp removed")
		}
		if labels["env"] != "prod" {
			t.Error("sibling keys must survive removal")
		}
	})

	t.Run("missing path is a no-op", func(t *testing.T) {
		data := build()
		RemoveNestedValue(data, "labels.kube.namespace")
		RemoveNestedValue(data, "nope.deep.path")
		if data["name"] != "test" {
			t.Error("data corrupted by no-op removal")
		}
	})

	t.Run("non-map intermediate aborts", func(t *testing.T) {
		data := build()
		RemoveNestedValue(data, "name.sub")
		if data["name"] != "test" {
			t.Error("scalar intermediate must not be touched")
		}
	})

	t.Run("nil data", func(t *testing.T) {
		RemoveNestedValue(nil, "labels.env")
	})
}
