// Package agentproto implements the agent binary contract of spec §6: the
// three prompt headers injected on stdin, and extraction of the outermost
// balanced JSON object from a stdout stream, discarding surrounding prose.
package agentproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Mode distinguishes the three agent invocation modes.
type Mode string

const (
	ModePlan    Mode = "NUMERUS_PLAN V1"
	ModeClaim   Mode = "NUMERUS_CLAIM V1"
	ModeExecute Mode = "NUMERUS_EXECUTE V1"
)

// PlanPrompt builds the stdin payload for a plan-mode invocation.
func PlanPrompt(objective string) string {
	return fmt.Sprintf(
		"%s\nOBJECTIVE: %s\n"+
			"Return JSON only with schema: "+
			`{"objective": string, "tasks": [{"id": string, "summary": string, "description": string, "dependencies": [string], "resources": {"reads": [string], "writes": [string]}}]}`+
			". Use concise ids (kebab-case).\n",
		ModePlan, objective,
	)
}

// ClaimPrompt builds the stdin payload for a claim-mode invocation for one task.
func ClaimPrompt(objective, taskID, summary, description string) string {
	return fmt.Sprintf(
		"%s\nTASK_ID: %s\nOBJECTIVE: %s\nSUMMARY: %s\nDESCRIPTION: %s\n"+
			"Return JSON only with keys: task_id, resources{reads,writes}, execution{commands}.\n",
		ModeClaim, taskID, objective, summary, description,
	)
}

// ExecutePrompt builds the stdin payload for an execute-mode invocation,
// with the approved claim attached and APPROVAL: GO.
func ExecutePrompt(objective, taskID, summary, description string, reads, writes, commands []string) string {
	resources := map[string]any{"reads": reads, "writes": writes, "commands": commands}
	b, _ := json.Marshal(resources)
	return fmt.Sprintf(
		"%s\nTASK_ID: %s\nOBJECTIVE: %s\nSUMMARY: %s\nDESCRIPTION: %s\nRESOURCES: %s\nAPPROVAL: GO\n"+
			"Perform the task and report the result.\n",
		ModeExecute, taskID, objective, summary, description, string(b),
	)
}

// ModeRoles is the supplemented role-assignment invocation (spec §7,
// a dynamic role-planner pass), run once per job between plan-parse and
// the main task loop.
const ModeRoles Mode = "NUMERUS_ROLES V1"

// DefaultRoles is the taxonomy role assignment draws from.
var DefaultRoles = []string{"queen", "planner", "executor", "reviewer"}

// RolesPrompt builds the stdin payload for a role-assignment invocation
// covering every task in the plan.
func RolesPrompt(objective string, tasks []PlanTaskSummary) string {
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Summary)
	}
	return fmt.Sprintf(
		"%s\nOBJECTIVE: %s\nTASKS:\n%s\n"+
			"Assign a role from %v to each task. "+
			`Return JSON only with schema: {"roles": [{"id": string, "role": string, "notes": string}], "strategy": string}`+".\n",
		ModeRoles, objective, b.String(), DefaultRoles,
	)
}

// PlanTaskSummary is the minimal per-task shape RolesPrompt needs; callers
// pass plan.Task values satisfying it via an adapter at the call site.
type PlanTaskSummary struct {
	ID      string
	Summary string
}

// ErrNoJSONObject is returned by ExtractJSON when no balanced `{...}`
// object can be found in the input.
var ErrNoJSONObject = errors.New("agentproto: no balanced JSON object found in output")

// ExtractJSON locates the outermost balanced `{...}` object in raw stdout
// text and returns its bytes; any prose before or after is discarded, per
// spec §6. It tracks brace depth while skipping over string literals (so
// braces inside quoted strings don't perturb the count) and returns the
// first top-level object whose closing brace balances its opening brace.
func ExtractJSON(raw string) ([]byte, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if start == -1 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(raw[start : i+1]), nil
			}
		}
	}
	return nil, ErrNoJSONObject
}
