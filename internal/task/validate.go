package task

import (
	"fmt"
	"sort"

	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/types"
)

// Lookup is the read-only view of known tasks the validator works against.
type Lookup interface {
	Get(identity string) (models.Task, bool)
	ChildCount(parent string) int
}

// Graph is an identity-keyed, in-memory task set with a child index.
type Graph struct {
	tasks    map[string]models.Task
	children map[string]int
}

// NewGraph indexes tasks by identity. Later duplicates replace earlier ones.
func NewGraph(tasks []models.Task) *Graph {
	g := &Graph{
		tasks:    make(map[string]models.Task, len(tasks)),
		children: make(map[string]int),
	}
	for _, t := range tasks {
		g.Put(t)
	}
	return g
}

// Put adds or replaces a task, keeping the child index current.
func (g *Graph) Put(t models.Task) {
	id := t.Identity()
	if old, ok := g.tasks[id]; ok && old.ParentPath != "" {
		g.children[old.ParentPath]--
	}
	if t.ParentPath != "" {
		g.children[t.ParentPath]++
	}
	g.tasks[id] = t
}

// Get implements Lookup.
func (g *Graph) Get(identity string) (models.Task, bool) {
	t, ok := g.tasks[identity]
	return t, ok
}

// ChildCount implements Lookup.
func (g *Graph) ChildCount(parent string) int {
	return g.children[parent]
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.tasks) }

// Tasks returns every task ordered by identity.
func (g *Graph) Tasks() []models.Task {
	out := make([]models.Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

// overlay shows pending tasks on top of a base lookup without copying it.
type overlay struct {
	base       Lookup
	pending    map[string]models.Task
	childDelta map[string]int
}

func newOverlay(base Lookup, pending ...models.Task) *overlay {
	o := &overlay{
		base:       base,
		pending:    make(map[string]models.Task, len(pending)),
		childDelta: make(map[string]int),
	}
	for _, t := range pending {
		o.pending[t.Identity()] = t
	}
	for id, t := range o.pending {
		if old, ok := base.Get(id); ok && old.ParentPath != "" {
			o.childDelta[old.ParentPath]--
		}
		if t.ParentPath != "" {
			o.childDelta[t.ParentPath]++
		}
	}
	return o
}

func (o *overlay) Get(identity string) (models.Task, bool) {
	if t, ok := o.pending[identity]; ok {
		return t, true
	}
	return o.base.Get(identity)
}

func (o *overlay) ChildCount(parent string) int {
	return o.base.ChildCount(parent) + o.childDelta[parent]
}

// Validator checks dependency and hierarchy invariants. It never mutates.
type Validator struct {
	MaxDepth          int
	MaxChildren       int
	MaxTraversalDepth int
	AllowMissing      bool
}

// NewValidator builds a validator from configuration, filling zero limits
// with defaults.
func NewValidator(cfg types.ValidationConfig) *Validator {
	v := &Validator{
		MaxDepth:          cfg.MaxDepth,
		MaxChildren:       cfg.MaxChildren,
		MaxTraversalDepth: cfg.MaxTraversalDepth,
		AllowMissing:      cfg.AllowMissing,
	}
	if v.MaxDepth <= 0 {
		v.MaxDepth = 10
	}
	if v.MaxChildren <= 0 {
		v.MaxChildren = 100
	}
	if v.MaxTraversalDepth <= 0 {
		v.MaxTraversalDepth = 1000
	}
	return v
}

// WithAllowMissing returns a copy that accepts unknown dependencies.
func (v *Validator) WithAllowMissing() *Validator {
	c := *v
	c.AllowMissing = true
	return &c
}

// ValidateTask checks task as if it were stored on top of known.
func (v *Validator) ValidateTask(task models.Task, known Lookup) []types.Violation {
	view := newOverlay(known, task)
	return v.check(task, view, true)
}

// ValidateBatch checks every pending task against known plus the rest of the
// batch, then rejects dependency cycles among the batch items themselves.
func (v *Validator) ValidateBatch(pending []models.Task, known Lookup) []types.Violation {
	view := newOverlay(known, pending...)
	var out []types.Violation
	for _, t := range pending {
		out = append(out, v.check(t, view, true)...)
	}
	if cycle := FindCycle(pending); cycle != nil && !hasCode(out, types.CodeCircularDependency) {
		out = append(out, cycleViolation(cycle))
	}
	return out
}

// ValidateGraph checks every task of g. Fan-out is reported once per parent.
func (v *Validator) ValidateGraph(g *Graph) []types.Violation {
	var out []types.Violation
	parents := map[string]struct{}{}
	for _, t := range g.Tasks() {
		out = append(out, v.check(t, g, false)...)
		if t.ParentPath != "" {
			parents[t.ParentPath] = struct{}{}
		}
	}
	names := make([]string, 0, len(parents))
	for p := range parents {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		if n := g.ChildCount(p); n > v.MaxChildren {
			out = append(out, types.Violation{
				Code:     types.CodeMaxChildrenExceeded,
				Identity: p,
				Message:  fmt.Sprintf("task %s has %d children (max %d)", p, n, v.MaxChildren),
				Severity: types.SeverityError,
			})
		}
	}
	return out
}

func hasCode(vs []types.Violation, code string) bool {
	for _, v := range vs {
		if v.Code == code {
			return true
		}
	}
	return false
}

func (v *Validator) check(task models.Task, view Lookup, fanOut bool) []types.Violation {
	var out []types.Violation
	out = append(out, v.checkDependencies(task, view)...)
	out = append(out, v.checkCycle(task, view)...)
	out = append(out, v.checkHierarchy(task, view, fanOut)...)
	return out
}

func violation(code, identity, msg string, related ...string) types.Violation {
	return types.Violation{Code: code, Identity: identity, Message: msg, Severity: types.SeverityError, Related: related}
}

func (v *Validator) checkDependencies(task models.Task, view Lookup) []types.Violation {
	id := task.Identity()
	var out []types.Violation
	for _, dep := range task.Dependencies {
		if dep == id {
			out = append(out, violation(types.CodeSelfDependency, id, fmt.Sprintf("task %s depends on itself", id)))
			continue
		}
		d, ok := view.Get(dep)
		if !ok {
			if !v.AllowMissing {
				out = append(out, violation(types.CodeMissingDependency, id,
					fmt.Sprintf("dependency %s of %s does not exist", dep, id), dep))
			}
			continue
		}
		if d.Status.IsTerminalFailure() {
			out = append(out, violation(types.CodeInvalidDependencyState, id,
				fmt.Sprintf("dependency %s of %s is %s", dep, id, d.Status), dep))
		}
	}
	return out
}

// checkCycle walks the dependency chain from task. Only a return to task
// itself on the active path is a cycle; diamonds are legal.
func (v *Validator) checkCycle(task models.Task, view Lookup) []types.Violation {
	start := task.Identity()
	onPath := map[string]bool{}
	done := map[string]bool{}
	path := []string{start}
	inconclusive := false

	var visit func(id string, depth int) []string
	visit = func(id string, depth int) []string {
		if depth > v.MaxTraversalDepth {
			inconclusive = true
			return nil
		}
		t, ok := view.Get(id)
		if !ok {
			return nil
		}
		onPath[id] = true
		path = append(path, id)
		for _, dep := range t.Dependencies {
			if dep == start {
				return append(append([]string{}, path...), start)
			}
			if onPath[dep] || done[dep] {
				continue
			}
			if cycle := visit(dep, depth+1); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		onPath[id] = false
		done[id] = true
		return nil
	}

	for _, dep := range task.Dependencies {
		if dep == start || done[dep] {
			continue
		}
		if cycle := visit(dep, 1); cycle != nil {
			return []types.Violation{cycleViolation(cycle)}
		}
	}
	if inconclusive {
		return []types.Violation{{
			Code:     types.CodeCycleCheckInconclusive,
			Identity: start,
			Message:  fmt.Sprintf("dependency chain of %s exceeds %d levels; cycle check inconclusive", start, v.MaxTraversalDepth),
			Severity: types.SeverityWarning,
		}}
	}
	return nil
}

// joinsParent reports whether task is a new child of its parent: a create or
// a re-parent. Existing children of a failed parent stay editable.
func joinsParent(task models.Task, view Lookup) bool {
	o, ok := view.(*overlay)
	if !ok {
		return false
	}
	stored, ok := o.base.Get(task.Identity())
	return !ok || stored.ParentPath != task.ParentPath
}

func (v *Validator) checkHierarchy(task models.Task, view Lookup, fanOut bool) []types.Violation {
	id := task.Identity()
	if task.ParentPath == "" {
		return nil
	}
	if task.ParentPath == id {
		return []types.Violation{violation(types.CodeSelfParent, id, fmt.Sprintf("task %s is its own parent", id))}
	}

	var out []types.Violation
	parent, ok := view.Get(task.ParentPath)
	if !ok {
		return []types.Violation{violation(types.CodeParentNotFound, id,
			fmt.Sprintf("parent %s of %s does not exist", task.ParentPath, id), task.ParentPath)}
	}
	if parent.Status.IsTerminalFailure() && !task.Status.IsTerminal() && joinsParent(task, view) {
		out = append(out, violation(types.CodeParentTerminal, id,
			fmt.Sprintf("parent %s is %s and cannot take active children", parent.Identity(), parent.Status), parent.Identity()))
	}

	depth := 1
	seen := map[string]bool{id: true}
	for cur := task.ParentPath; cur != ""; {
		if cur == id {
			out = append(out, violation(types.CodeHierarchyCycle, id,
				fmt.Sprintf("task %s is its own ancestor", id)))
			break
		}
		if seen[cur] {
			// cycle above this task; reported on its members
			break
		}
		seen[cur] = true
		depth++
		p, ok := view.Get(cur)
		if !ok {
			break
		}
		cur = p.ParentPath
	}
	if depth > v.MaxDepth {
		out = append(out, violation(types.CodeMaxDepthExceeded, id,
			fmt.Sprintf("task %s sits at depth %d (max %d)", id, depth, v.MaxDepth)))
	}

	if fanOut {
		if n := view.ChildCount(task.ParentPath); n > v.MaxChildren {
			out = append(out, violation(types.CodeMaxChildrenExceeded, id,
				fmt.Sprintf("parent %s would have %d children (max %d)", task.ParentPath, n, v.MaxChildren), task.ParentPath))
		}
	}
	return out
}
