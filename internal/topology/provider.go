package topology

import (
	"context"

	"gorm.io/gorm"

	"github.com/sirenhq/siren/internal/database"
)

// Provider supplies a tenant's service map. The relational provider is
// the default; a Neo4j-backed one can be swapped in where the topology
// already lives in a graph database.
type Provider interface {
	Services(ctx context.Context, tenantID string) ([]database.TopologyService, error)
	Dependencies(ctx context.Context, tenantID string) ([]database.TopologyDependency, error)
	Applications(ctx context.Context, tenantID string) ([]database.TopologyApplication, error)
}

// GormProvider reads the topology from the primary database.
type GormProvider struct {
	db *gorm.DB
}

var _ Provider = (*GormProvider)(nil)

func NewGormProvider(db *gorm.DB) *GormProvider {
	return &GormProvider{db: db}
}

func (p *GormProvider) Services(ctx context.Context, tenantID string) ([]database.TopologyService, error) {
	var services []database.TopologyService
	err := p.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("service_name ASC").
		Find(&services).Error
	return services, err
}

func (p *GormProvider) Dependencies(ctx context.Context, tenantID string) ([]database.TopologyDependency, error) {
	var deps []database.TopologyDependency
	err := p.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Find(&deps).Error
	return deps, err
}

func (p *GormProvider) Applications(ctx context.Context, tenantID string) ([]database.TopologyApplication, error) {
	var apps []database.TopologyApplication
	err := p.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id ASC").
		Find(&apps).Error
	return apps, err
}
