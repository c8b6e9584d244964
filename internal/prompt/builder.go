// Package prompt renders agent prompt files. Assembly is a single pass
// over a structured Spec rather than ad-hoc string interpolation: the
// universal protocol, type-specific requirements, the caller's task
// prompt, and the accumulated prior-phase context are combined once at
// spawn time and written to the agent's prompt file.
package prompt

import (
	"fmt"
	"strings"
)

// Spec is everything a prompt render needs.
type Spec struct {
	AgentID    string
	AgentType  string
	TaskID     string
	PhaseIndex int

	// TaskPrompt is the caller-supplied instruction for this agent.
	TaskPrompt string
	// TypeRequirements holds per-type obligations (reviewer rubric,
	// builder conventions). Optional.
	TypeRequirements string
	// Accumulated is the context-accumulator markdown. Optional.
	Accumulated string
	// HandoverTail is the previous phase's handover markdown. Optional.
	HandoverTail string
}

// protocol is the universal self-report contract every agent receives.
// Agents talk back through the orchestrator's RPC surface; the prompt
// only has to name the operations and the identity to use.
const protocol = `## Agent Protocol

You are agent %s (type: %s) working on task %s, phase %d.

Report progress with update_agent_progress using your agent id.
Report discoveries with report_agent_finding (types: issue, solution,
insight, recommendation, blocker; severities: low, medium, high,
critical). When your work is done, send a final progress update with
status "completed" and progress 100. If you cannot proceed, report a
blocker finding and set status "blocked".`

// Render produces the complete prompt file body.
func (s Spec) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, protocol, s.AgentID, s.AgentType, s.TaskID, s.PhaseIndex)
	b.WriteString("\n")

	if s.TypeRequirements != "" {
		b.WriteString("\n## Type Requirements\n\n")
		b.WriteString(strings.TrimSpace(s.TypeRequirements))
		b.WriteString("\n")
	}
	if s.Accumulated != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(s.Accumulated))
		b.WriteString("\n")
	}
	if s.HandoverTail != "" {
		b.WriteString("\n## Previous Phase Handover\n\n")
		b.WriteString(strings.TrimSpace(s.HandoverTail))
		b.WriteString("\n")
	}
	if s.TaskPrompt != "" {
		b.WriteString("\n## Your Task\n\n")
		b.WriteString(strings.TrimSpace(s.TaskPrompt))
		b.WriteString("\n")
	}
	return b.String()
}
