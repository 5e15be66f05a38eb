package task

import (
	"fmt"
	"sort"
	"strings"

	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/types"
)

// VerifyDAG checks that the dependency edges among the given tasks form a
// Directed Acyclic Graph. Dependencies outside the set are treated as
// already-satisfied. A cycle is returned as a CIRCULAR_DEPENDENCY
// ValidationError whose violation lists the cycle path.
func VerifyDAG(tasks []models.Task) error {
	if cycle := FindCycle(tasks); cycle != nil {
		return types.ValidationErrorFrom([]types.Violation{cycleViolation(cycle)})
	}
	return nil
}

// FindCycle returns one dependency cycle (first node repeated at the end), or
// nil. Uses DFS with coloring: white (unvisited), gray (in progress), black (done).
func FindCycle(tasks []models.Task) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	adj := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		id := t.Identity()
		adj[id] = append(adj[id], t.Dependencies...)
	}
	// Sort for deterministic detection
	ids := make([]string, 0, len(adj))
	for id, deps := range adj {
		sort.Strings(deps)
		ids = append(ids, id)
	}
	sort.Strings(ids)

	color := make(map[string]int, len(adj))
	var path []string

	var dfs func(node string) []string
	dfs = func(node string) []string {
		color[node] = gray
		path = append(path, node)
		for _, next := range adj[node] {
			if _, inSet := adj[next]; !inSet {
				continue
			}
			switch color[next] {
			case gray:
				start := indexOf(path, next)
				cycle := append([]string{}, path[start:]...)
				return append(cycle, next)
			case white:
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i := range s {
		if s[i] == v {
			return i
		}
	}
	return -1
}

func cycleViolation(cycle []string) types.Violation {
	return types.Violation{
		Code:     types.CodeCircularDependency,
		Identity: cycle[0],
		Message:  fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")),
		Severity: types.SeverityError,
		Related:  cycle,
	}
}

// TopologicalSort returns tasks in dependency order (dependencies first),
// keeping input order among independent tasks. Returns error if cycle detected.
func TopologicalSort(tasks []models.Task) ([]models.Task, error) {
	if err := VerifyDAG(tasks); err != nil {
		return nil, err
	}

	taskMap := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		taskMap[t.Identity()] = t
	}

	sorted := make([]models.Task, 0, len(tasks))
	visited := make(map[string]bool, len(tasks))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true

		t, exists := taskMap[id]
		if !exists {
			return
		}
		for _, dep := range t.Dependencies {
			visit(dep)
		}
		sorted = append(sorted, t)
	}

	for _, t := range tasks {
		visit(t.Identity())
	}
	return sorted, nil
}
