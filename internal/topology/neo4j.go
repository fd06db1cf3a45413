package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sirenhq/siren/internal/database"
)

// Neo4jProvider reads the service map from a Neo4j instance where
// services are (:Service {tenant_id, name}) nodes linked by
// [:DEPENDS_ON] relationships and grouped by (:Application) nodes.
type Neo4jProvider struct {
	driver neo4j.DriverWithContext
}

var _ Provider = (*Neo4jProvider)(nil)

// NewNeo4jProvider connects to Neo4j and verifies connectivity.
func NewNeo4jProvider(ctx context.Context, uri, username, password string) (*Neo4jProvider, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionLifetime = 5 * time.Minute
			c.MaxConnectionPoolSize = 50
			c.ConnectionAcquisitionTimeout = 10 * time.Second
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j connectivity check failed: %w", err)
	}
	return &Neo4jProvider{driver: driver}, nil
}

// Close releases the underlying driver.
func (p *Neo4jProvider) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}

func (p *Neo4jProvider) Services(ctx context.Context, tenantID string) ([]database.TopologyService, error) {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (s:Service {tenant_id: $tenant}) RETURN s.name AS name, s.display_name AS display_name`,
		map[string]interface{}{"tenant": tenantID})
	if err != nil {
		return nil, fmt.Errorf("service query failed: %w", err)
	}

	var services []database.TopologyService
	for result.Next(ctx) {
		rec := result.Record()
		name, ok := stringValue(rec, "name")
		if !ok {
			continue
		}
		display, _ := stringValue(rec, "display_name")
		services = append(services, database.TopologyService{
			TenantID:    tenantID,
			ServiceName: name,
			DisplayName: display,
		})
	}
	return services, result.Err()
}

func (p *Neo4jProvider) Dependencies(ctx context.Context, tenantID string) ([]database.TopologyDependency, error) {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (a:Service {tenant_id: $tenant})-[:DEPENDS_ON]->(b:Service {tenant_id: $tenant})
		 RETURN a.name AS source, b.name AS target`,
		map[string]interface{}{"tenant": tenantID})
	if err != nil {
		return nil, fmt.Errorf("dependency query failed: %w", err)
	}

	var deps []database.TopologyDependency
	for result.Next(ctx) {
		rec := result.Record()
		source, okS := stringValue(rec, "source")
		target, okT := stringValue(rec, "target")
		if !okS || !okT {
			continue
		}
		deps = append(deps, database.TopologyDependency{
			TenantID:         tenantID,
			ServiceName:      source,
			DependsOnService: target,
		})
	}
	return deps, result.Err()
}

func (p *Neo4jProvider) Applications(ctx context.Context, tenantID string) ([]database.TopologyApplication, error) {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (app:Application {tenant_id: $tenant})-[:CONTAINS]->(s:Service)
		 RETURN app.name AS name, id(app) AS app_id, collect(s.name) AS services
		 ORDER BY app_id ASC`,
		map[string]interface{}{"tenant": tenantID})
	if err != nil {
		return nil, fmt.Errorf("application query failed: %w", err)
	}

	var apps []database.TopologyApplication
	for result.Next(ctx) {
		rec := result.Record()
		name, ok := stringValue(rec, "name")
		if !ok {
			continue
		}
		var services database.StringList
		if raw, found := rec.Get("services"); found {
			if list, isList := raw.([]interface{}); isList {
				for _, item := range list {
					if s, isString := item.(string); isString {
						services = append(services, s)
					}
				}
			}
		}
		app := database.TopologyApplication{
			TenantID: tenantID,
			Name:     name,
			Services: services,
		}
		if rawID, found := rec.Get("app_id"); found {
			if id, isInt := rawID.(int64); isInt && id >= 0 {
				app.ID = uint(id)
			}
		}
		apps = append(apps, app)
	}
	return apps, result.Err()
}

func stringValue(rec *neo4j.Record, key string) (string, bool) {
	raw, found := rec.Get(key)
	if !found || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}
