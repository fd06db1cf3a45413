package jobs

import (
	"context"
	"log"
	"time"

	"github.com/sirenhq/siren/internal/services"
)

// TopologyScanJob periodically re-correlates the last-seen alert set of
// every enabled tenant against its service topology.
type TopologyScanJob struct {
	topology *services.TopologyService
	interval time.Duration
}

// NewTopologyScanJob creates a new topology scan job
func NewTopologyScanJob(topology *services.TopologyService, interval time.Duration) *TopologyScanJob {
	return &TopologyScanJob{
		topology: topology,
		interval: interval,
	}
}

// Run executes one iteration of the topology scan
func (j *TopologyScanJob) Run(ctx context.Context) {
	j.topology.ProcessAll(ctx)
}

// Start runs the job loop until the stop channel is closed
func (j *TopologyScanJob) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			j.Run(ctx)
		case <-stop:
			log.Println("Topology scan job stopped")
			return
		}
	}
}
