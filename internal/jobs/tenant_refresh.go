package jobs

import (
	"log"
	"time"

	"github.com/sirenhq/siren/internal/services"
)

// TenantRefreshJob keeps the in-memory tenant configuration cache in
// sync with the database.
type TenantRefreshJob struct {
	tenants *services.TenantService
}

// NewTenantRefreshJob creates a new tenant refresh job
func NewTenantRefreshJob(tenants *services.TenantService) *TenantRefreshJob {
	return &TenantRefreshJob{tenants: tenants}
}

// Start runs the refresh loop until the stop channel is closed. An
// initial refresh runs immediately so the cache is warm before the first
// tick.
func (j *TenantRefreshJob) Start(stop <-chan struct{}) {
	if err := j.tenants.Refresh(); err != nil {
		log.Printf("Initial tenant config refresh failed: %v", err)
	}

	ticker := time.NewTicker(j.tenants.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := j.tenants.Refresh(); err != nil {
				log.Printf("Tenant config refresh failed: %v", err)
			}
		case <-stop:
			log.Println("Tenant refresh job stopped")
			return
		}
	}
}
