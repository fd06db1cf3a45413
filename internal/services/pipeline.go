package services

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/sirenhq/siren/internal/alerts"
	"github.com/sirenhq/siren/internal/cache"
	"github.com/sirenhq/siren/internal/database"
)

// Pipeline runs the per-alert path: maintenance suppression, then
// deduplication, then rule correlation. Each alert is processed once,
// synchronously, from whatever worker ingests it.
type Pipeline struct {
	db          *gorm.DB
	maintenance *MaintenanceService
	dedup       *DedupService
	correlation *CorrelationService
	hashes      *cache.LastHashCache
}

func NewPipeline(db *gorm.DB, maintenance *MaintenanceService, dedup *DedupService, correlation *CorrelationService, hashes *cache.LastHashCache) *Pipeline {
	return &Pipeline{
		db:          db,
		maintenance: maintenance,
		dedup:       dedup,
		correlation: correlation,
		hashes:      hashes,
	}
}

// Process runs one alert through the full path. The alert is mutated in
// place: suppression may rewrite its status, deduplication tags it.
func (p *Pipeline) Process(ctx context.Context, tenantID string, alert *alerts.NormalizedAlert) error {
	p.maintenance.Suppress(ctx, tenantID, alert)

	hash, err := p.dedup.Apply(ctx, tenantID, alert)
	if err != nil {
		var dedupErr *DeduplicationError
		if errors.As(err, &dedupErr) {
			// Fail open: an alert we cannot classify is treated as new.
			log.Printf("deduplication failed for alert %s (tenant=%s), treating as non-duplicate: %v",
				alert.Fingerprint, tenantID, err)
			alert.IsFullDuplicate = false
			alert.IsPartialDuplicate = false
		} else {
			return err
		}
	}

	p.persistLastAlert(ctx, tenantID, alert, hash)

	// A full duplicate carries no new information; correlation is skipped
	// and the incident keeps its current membership.
	if alert.IsFullDuplicate {
		return nil
	}
	return p.correlation.ProcessAlert(ctx, tenantID, alert)
}

// persistLastAlert records the alert as the latest for its fingerprint
// and refreshes the hash cache. Failures here are logged, not fatal: the
// correlation decision for this alert is already made.
func (p *Pipeline) persistLastAlert(ctx context.Context, tenantID string, alert *alerts.NormalizedAlert, hash string) {
	receivedAt := alert.LastReceived
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	row := &database.LastAlert{
		TenantID:    tenantID,
		Fingerprint: alert.Fingerprint,
		Hash:        hash,
		Status:      alert.Status,
		Payload:     database.JSONB(alert.Attributes()),
		ReceivedAt:  receivedAt,
	}
	if err := database.UpsertLastAlert(p.db, row); err != nil {
		log.Printf("failed to persist last alert %s (tenant=%s): %v", alert.Fingerprint, tenantID, err)
		return
	}
	if p.hashes != nil && hash != "" {
		p.hashes.Put(ctx, tenantID, alert.Fingerprint, hash)
	}
}
