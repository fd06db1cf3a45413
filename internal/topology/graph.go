package topology

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/sirenhq/siren/internal/database"
)

// Graph is an undirected service dependency graph. Directed dependency
// edges are symmetrized on construction: an incident on a dependency is
// as correlatable as one on a dependent.
type Graph struct {
	adjacency map[string]map[string]struct{}
}

// BuildGraph constructs the graph from stored dependency edges. Both
// endpoints become nodes even when no service record exists for them.
func BuildGraph(deps []database.TopologyDependency) *Graph {
	g := &Graph{adjacency: make(map[string]map[string]struct{})}
	for _, dep := range deps {
		if dep.ServiceName == "" || dep.DependsOnService == "" || dep.ServiceName == dep.DependsOnService {
			continue
		}
		g.addEdge(dep.ServiceName, dep.DependsOnService)
		g.addEdge(dep.DependsOnService, dep.ServiceName)
	}
	return g
}

func (g *Graph) addEdge(from, to string) {
	if g.adjacency[from] == nil {
		g.adjacency[from] = make(map[string]struct{})
	}
	g.adjacency[from][to] = struct{}{}
}

// HasService reports whether the service appears in any dependency edge.
func (g *Graph) HasService(name string) bool {
	_, ok := g.adjacency[name]
	return ok
}

// Clusters groups the alerting services into connected sets. Traversal
// from each seed walks up to depth hops through the full graph, passing
// through healthy intermediates, but only alerting services join the
// cluster. Each alerting service belongs to at most one cluster. Seeds
// are visited in sorted order so the grouping is deterministic.
func (g *Graph) Clusters(alerting []string, depth int) [][]string {
	if depth <= 0 {
		depth = 1
	}

	seeds := append([]string(nil), alerting...)
	sort.Strings(seeds)

	alertingSet := make(map[string]struct{}, len(seeds))
	for _, name := range seeds {
		alertingSet[name] = struct{}{}
	}

	claimed := make(map[string]struct{})
	var clusters [][]string

	for _, seed := range seeds {
		if _, taken := claimed[seed]; taken {
			continue
		}
		if !g.HasService(seed) {
			continue
		}

		cluster := g.collect(seed, depth, alertingSet, claimed)
		if len(cluster) == 0 {
			continue
		}
		sort.Strings(cluster)
		clusters = append(clusters, cluster)
	}
	return clusters
}

// collect runs a breadth-first walk from seed, claiming every reachable
// alerting service within depth hops.
func (g *Graph) collect(seed string, depth int, alerting, claimed map[string]struct{}) []string {
	type hop struct {
		name string
		dist int
	}

	visited := map[string]struct{}{seed: {}}
	queue := []hop{{name: seed, dist: 0}}
	var cluster []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if _, isAlerting := alerting[current.name]; isAlerting {
			if _, taken := claimed[current.name]; !taken {
				claimed[current.name] = struct{}{}
				cluster = append(cluster, current.name)
			}
		}

		if current.dist >= depth {
			continue
		}
		for neighbor := range g.adjacency[current.name] {
			if _, seen := visited[neighbor]; seen {
				continue
			}
			visited[neighbor] = struct{}{}
			queue = append(queue, hop{name: neighbor, dist: current.dist + 1})
		}
	}
	return cluster
}

// InterconnectivityID derives a stable identifier for a set of services.
// The same set always yields the same ID regardless of arrival order.
func InterconnectivityID(services []string) string {
	sorted := append([]string(nil), services...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])
}
