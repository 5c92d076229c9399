// Package plan parses the two wire JSON shapes the agent binary emits in
// plan mode and claim mode (spec §6) into validated internal records, and
// builds the task dependency graph used by the job runner.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Task is one node of a parsed plan, before any claim has been made.
type Task struct {
	ID           string   `json:"id"`
	Summary      string   `json:"summary"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
	Reads        []string `json:"reads"`
	Writes       []string `json:"writes"`
}

// Plan is the parsed, validated output of a NUMERUS_PLAN V1 invocation.
type Plan struct {
	Objective string
	Tasks     []Task
}

// Claim is the parsed, validated output of a NUMERUS_CLAIM V1 invocation.
type Claim struct {
	TaskID   string
	Reads    []string
	Writes   []string
	Commands []string
}

// ParseError identifies the first offending field in malformed planner or
// claim JSON, per spec §4.4.
type ParseError struct {
	Stage string // "plan" or "claim"
	Field string
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s parse error: field %q: %s", e.Stage, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s parse error: %s", e.Stage, e.Msg)
}

// CycleError is raised when a parsed plan's dependency graph is not a DAG.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Cycle)
}

// wirePlan and wireTask mirror the raw JSON shape from spec §6. ParsePlan
// and ParseClaim decode with DisallowUnknownFields, which applies at every
// level: an unknown field is rejected inside tasks, resources and
// execution as well as at the top level.
type wirePlan struct {
	Objective string     `json:"objective"`
	Tasks     []wireTask `json:"tasks"`
}

type wireTask struct {
	ID           string       `json:"id"`
	Summary      string       `json:"summary"`
	Description  string       `json:"description"`
	Dependencies []string     `json:"dependencies"`
	Resources    wireResource `json:"resources"`
}

type wireResource struct {
	Reads  []string `json:"reads"`
	Writes []string `json:"writes"`
}

type wireClaim struct {
	TaskID    string       `json:"task_id"`
	Resources wireResource `json:"resources"`
	Execution struct {
		Commands []string `json:"commands"`
	} `json:"execution"`
}

// ParsePlan parses and validates the JSON object extracted from a plan-mode
// agent invocation. It enforces: unique task ids, dependencies reference
// existing ids, no cycles, non-empty paths, reads/writes present (possibly
// empty).
func ParsePlan(raw []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var w wirePlan
	if err := dec.Decode(&w); err != nil {
		return nil, &ParseError{Stage: "plan", Msg: err.Error()}
	}
	if w.Objective == "" {
		return nil, &ParseError{Stage: "plan", Field: "objective", Msg: "must not be empty"}
	}
	if len(w.Tasks) == 0 {
		return nil, &ParseError{Stage: "plan", Field: "tasks", Msg: "must contain at least one task"}
	}

	seen := make(map[string]bool, len(w.Tasks))
	tasks := make([]Task, 0, len(w.Tasks))
	for i, wt := range w.Tasks {
		if wt.ID == "" {
			return nil, &ParseError{Stage: "plan", Field: fmt.Sprintf("tasks[%d].id", i), Msg: "must not be empty"}
		}
		if seen[wt.ID] {
			return nil, &ParseError{Stage: "plan", Field: fmt.Sprintf("tasks[%d].id", i), Msg: fmt.Sprintf("duplicate task id %q", wt.ID)}
		}
		seen[wt.ID] = true
		if wt.Summary == "" {
			return nil, &ParseError{Stage: "plan", Field: fmt.Sprintf("tasks[%d].summary", i), Msg: "must not be empty"}
		}
		if wt.Resources.Reads == nil {
			return nil, &ParseError{Stage: "plan", Field: fmt.Sprintf("tasks[%d].resources.reads", i), Msg: "must be present"}
		}
		if wt.Resources.Writes == nil {
			return nil, &ParseError{Stage: "plan", Field: fmt.Sprintf("tasks[%d].resources.writes", i), Msg: "must be present"}
		}
		if err := validatePaths(wt.Resources.Reads); err != nil {
			return nil, &ParseError{Stage: "plan", Field: fmt.Sprintf("tasks[%d].resources.reads", i), Msg: err.Error()}
		}
		if err := validatePaths(wt.Resources.Writes); err != nil {
			return nil, &ParseError{Stage: "plan", Field: fmt.Sprintf("tasks[%d].resources.writes", i), Msg: err.Error()}
		}
		tasks = append(tasks, Task{
			ID:           wt.ID,
			Summary:      wt.Summary,
			Description:  wt.Description,
			Dependencies: append([]string(nil), wt.Dependencies...),
			Reads:        append([]string(nil), wt.Resources.Reads...),
			Writes:       append([]string(nil), wt.Resources.Writes...),
		})
	}

	for i, t := range tasks {
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				return nil, &ParseError{Stage: "plan", Field: fmt.Sprintf("tasks[%d].dependencies", i), Msg: fmt.Sprintf("unknown dependency %q", dep)}
			}
		}
	}

	if cyc := findCycle(tasks); cyc != nil {
		return nil, &CycleError{Cycle: cyc}
	}

	return &Plan{Objective: w.Objective, Tasks: tasks}, nil
}

// ParseClaim parses and validates the JSON object extracted from a
// claim-mode agent invocation for the given task. fallbackTaskID is used
// when the payload omits task_id (mirrors the leniency of the original
// implementation).
func ParseClaim(raw []byte, fallbackTaskID string) (*Claim, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var w wireClaim
	if err := dec.Decode(&w); err != nil {
		return nil, &ParseError{Stage: "claim", Msg: err.Error()}
	}
	taskID := w.TaskID
	if taskID == "" {
		taskID = fallbackTaskID
	}
	if taskID == "" {
		return nil, &ParseError{Stage: "claim", Field: "task_id", Msg: "must not be empty"}
	}
	if err := validatePaths(w.Resources.Reads); err != nil {
		return nil, &ParseError{Stage: "claim", Field: "resources.reads", Msg: err.Error()}
	}
	if err := validatePaths(w.Resources.Writes); err != nil {
		return nil, &ParseError{Stage: "claim", Field: "resources.writes", Msg: err.Error()}
	}
	return &Claim{
		TaskID:   taskID,
		Reads:    append([]string(nil), w.Resources.Reads...),
		Writes:   append([]string(nil), w.Resources.Writes...),
		Commands: append([]string(nil), w.Execution.Commands...),
	}, nil
}

// RoleAssignment is one entry of a parsed NUMERUS_ROLES V1 response (spec
// §7 supplemented feature).
type RoleAssignment struct {
	TaskID string
	Role   string
	Notes  string
}

type wireRoles struct {
	Roles []struct {
		ID    string `json:"id"`
		Role  string `json:"role"`
		Notes string `json:"notes"`
	} `json:"roles"`
	Strategy string `json:"strategy"`
}

// ParseRoles parses a role-assignment response into assignments plus the
// agent's free-text strategy note. Entries missing an id or role are
// skipped rather than rejected, mirroring roles.py's lenient parse; the
// keyword fallback heuristic when this yields nothing lives in the runner,
// which has the plan's task summaries to apply it against.
func ParseRoles(raw []byte) ([]RoleAssignment, string, error) {
	var w wireRoles
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, "", &ParseError{Stage: "roles", Msg: err.Error()}
	}
	out := make([]RoleAssignment, 0, len(w.Roles))
	for _, r := range w.Roles {
		id := strings.TrimSpace(r.ID)
		role := strings.ToLower(strings.TrimSpace(r.Role))
		if id == "" || role == "" {
			continue
		}
		out = append(out, RoleAssignment{TaskID: id, Role: role, Notes: strings.TrimSpace(r.Notes)})
	}
	return out, w.Strategy, nil
}

func validatePaths(paths []string) error {
	for _, p := range paths {
		if p == "" {
			return fmt.Errorf("path entries must not be empty")
		}
	}
	return nil
}

// findCycle runs a Kahn's-algorithm topological sort; if any nodes remain
// unresolved after all zero-indegree nodes are drained, those nodes form
// (or belong to) a cycle, and their ids are returned in lexicographic order
// for a stable error message.
func findCycle(tasks []Task) []string {
	indeg := make(map[string]int, len(tasks))
	adj := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := indeg[t.ID]; !ok {
			indeg[t.ID] = 0
		}
		for _, dep := range t.Dependencies {
			adj[dep] = append(adj[dep], t.ID)
			indeg[t.ID]++
		}
	}

	var queue []string
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		next := append([]string(nil), adj[id]...)
		sort.Strings(next)
		for _, n := range next {
			indeg[n]--
			if indeg[n] == 0 {
				queue = append(queue, n)
				sort.Strings(queue)
			}
		}
	}

	if visited == len(indeg) {
		return nil
	}
	var remaining []string
	for id, d := range indeg {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return remaining
}

// TopoOrder returns task ids in a valid topological order; callers that
// already validated acyclicity via ParsePlan can rely on a non-nil result.
func TopoOrder(tasks []Task) []string {
	indeg := make(map[string]int, len(tasks))
	adj := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := indeg[t.ID]; !ok {
			indeg[t.ID] = 0
		}
		for _, dep := range t.Dependencies {
			adj[dep] = append(adj[dep], t.ID)
			indeg[t.ID]++
		}
	}
	var queue, order []string
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		next := append([]string(nil), adj[id]...)
		sort.Strings(next)
		for _, n := range next {
			indeg[n]--
			if indeg[n] == 0 {
				queue = append(queue, n)
				sort.Strings(queue)
			}
		}
	}
	return order
}
