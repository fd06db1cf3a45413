package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sirenhq/siren/internal/alerts"
	"github.com/sirenhq/siren/internal/database"
	"github.com/sirenhq/siren/internal/services"
)

// IngestHandler accepts normalized alerts over HTTP and runs them
// through the correlation pipeline.
type IngestHandler struct {
	pipeline *services.Pipeline
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(pipeline *services.Pipeline) *IngestHandler {
	return &IngestHandler{pipeline: pipeline}
}

// SetupRoutes configures all HTTP routes
func (h *IngestHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	// Alert ingestion: /ingest/alert/{tenant_id}
	mux.HandleFunc("/ingest/alert/", h.handleIngest)
}

// ingestPayload is the wire form of a normalized alert.
type ingestPayload struct {
	ID           string                 `json:"id"`
	Fingerprint  string                 `json:"fingerprint"`
	Name         string                 `json:"name"`
	Status       string                 `json:"status"`
	Severity     string                 `json:"severity"`
	ProviderID   string                 `json:"provider_id"`
	ProviderType string                 `json:"provider_type"`
	Service      string                 `json:"service"`
	Labels       map[string]interface{} `json:"labels"`
	LastReceived time.Time              `json:"last_received"`
}

func (h *IngestHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract tenant id from path
	path := strings.TrimPrefix(r.URL.Path, "/ingest/alert/")
	tenantID := strings.TrimSuffix(path, "/")
	if tenantID == "" {
		http.Error(w, "Missing tenant id", http.StatusBadRequest)
		return
	}

	var payload ingestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if payload.Fingerprint == "" {
		http.Error(w, "Missing fingerprint", http.StatusBadRequest)
		return
	}

	alert := payload.toAlert()
	if err := h.pipeline.Process(r.Context(), tenantID, alert); err != nil {
		log.Printf("Alert processing failed for %s (tenant=%s): %v", alert.Fingerprint, tenantID, err)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":               "accepted",
		"fingerprint":          alert.Fingerprint,
		"is_full_duplicate":    alert.IsFullDuplicate,
		"is_partial_duplicate": alert.IsPartialDuplicate,
	}); err != nil {
		log.Printf("Error encoding ingest response: %v", err)
	}
}

func (p *ingestPayload) toAlert() *alerts.NormalizedAlert {
	status := database.AlertStatus(p.Status)
	if status == "" {
		status = database.AlertStatusFiring
	}
	received := p.LastReceived
	if received.IsZero() {
		received = time.Now()
	}
	return &alerts.NormalizedAlert{
		ID:           p.ID,
		Fingerprint:  p.Fingerprint,
		AlertName:    p.Name,
		Status:       status,
		Severity:     database.AlertSeverity(p.Severity),
		ProviderID:   p.ProviderID,
		ProviderType: p.ProviderType,
		Service:      p.Service,
		Labels:       p.Labels,
		LastReceived: received,
	}
}

// handleHealth returns a simple health check response
func (h *IngestHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]string{
		"status": "ok",
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}
