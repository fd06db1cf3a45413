package services

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/sirenhq/siren/internal/config"
	"github.com/sirenhq/siren/internal/database"
)

// TenantService caches per-tenant configuration, refreshed on an
// interval by the background job. Unknown tenants are loaded lazily so
// a fresh tenant never waits a full refresh cycle.
type TenantService struct {
	db       *gorm.DB
	defaults config.Config

	mu      sync.RWMutex
	configs map[string]database.TenantConfig
}

func NewTenantService(db *gorm.DB, defaults config.Config) *TenantService {
	return &TenantService{
		db:       db,
		defaults: defaults,
		configs:  make(map[string]database.TenantConfig),
	}
}

// Refresh reloads every tenant configuration from the database.
func (s *TenantService) Refresh() error {
	configs, err := database.ListTenantConfigs(s.db)
	if err != nil {
		return err
	}

	fresh := make(map[string]database.TenantConfig, len(configs))
	for _, cfg := range configs {
		fresh[cfg.TenantID] = cfg
	}

	s.mu.Lock()
	s.configs = fresh
	s.mu.Unlock()
	return nil
}

// Get returns the tenant's configuration, loading it on a cache miss.
func (s *TenantService) Get(tenantID string) database.TenantConfig {
	s.mu.RLock()
	cfg, ok := s.configs[tenantID]
	s.mu.RUnlock()
	if ok {
		return cfg
	}

	loaded, err := database.GetOrCreateTenantConfig(s.db, tenantID)
	if err != nil {
		log.Printf("tenant config load failed for %s, using defaults: %v", tenantID, err)
		return database.TenantConfig{TenantID: tenantID}
	}

	s.mu.Lock()
	s.configs[tenantID] = *loaded
	s.mu.Unlock()
	return *loaded
}

// TopologyEnabled reports whether topology correlation runs for the tenant.
func (s *TenantService) TopologyEnabled(tenantID string) bool {
	if !s.defaults.TopologyEnabled {
		return false
	}
	return s.Get(tenantID).TopologyEnabled
}

// TopologyDepth resolves the traversal depth, tenant override first.
func (s *TenantService) TopologyDepth(tenantID string) int {
	if depth := s.Get(tenantID).TopologyDepth; depth > 0 {
		return depth
	}
	return s.defaults.TopologyDepth
}

// TopologyMinimumServices resolves the smallest distinct-service count a
// topology incident needs.
func (s *TenantService) TopologyMinimumServices(tenantID string) int {
	if min := s.Get(tenantID).TopologyMinimumServices; min > 0 {
		return min
	}
	return s.defaults.TopologyMinimumServices
}

// MaintenanceStrategy resolves the suppression strategy for the tenant.
func (s *TenantService) MaintenanceStrategy(tenantID string) string {
	if strategy := s.Get(tenantID).MaintenanceStrategy; strategy != "" {
		return strategy
	}
	return s.defaults.MaintenanceStrategy
}

// KnownTenants lists tenants with a stored configuration.
func (s *TenantService) KnownTenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenants := make([]string, 0, len(s.configs))
	for id := range s.configs {
		tenants = append(tenants, id)
	}
	return tenants
}

// RefreshInterval exposes how often the cache should be reloaded.
func (s *TenantService) RefreshInterval() time.Duration {
	return s.defaults.TenantRefreshInterval
}
