package jobs

import (
	"context"
	"log"
	"time"

	"github.com/sirenhq/siren/internal/services"
)

// MaintenanceReconcileJob periodically restores alerts left in
// maintenance after their covering windows expired or were disabled.
// Only needed for the recover_previous_status strategy; running it under
// the default strategy is a harmless no-op.
type MaintenanceReconcileJob struct {
	maintenance *services.MaintenanceService
	interval    time.Duration
}

// NewMaintenanceReconcileJob creates a new reconciliation job
func NewMaintenanceReconcileJob(maintenance *services.MaintenanceService, interval time.Duration) *MaintenanceReconcileJob {
	return &MaintenanceReconcileJob{
		maintenance: maintenance,
		interval:    interval,
	}
}

// Run executes one reconciliation pass
// Returns the number of alerts restored
func (j *MaintenanceReconcileJob) Run(ctx context.Context) (int, error) {
	return j.maintenance.Reconcile(ctx)
}

// Start runs the job loop until the stop channel is closed
func (j *MaintenanceReconcileJob) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			restored, err := j.Run(context.Background())
			if err != nil {
				log.Printf("Maintenance reconcile job error: %v", err)
			} else if restored > 0 {
				log.Printf("Maintenance reconcile job: restored %d alerts", restored)
			}
		case <-stop:
			log.Println("Maintenance reconcile job stopped")
			return
		}
	}
}
