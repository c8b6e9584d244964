package config

import (
	"fmt"
	"path/filepath"
)

// Workspace layout helpers. The on-disk tree is derived data over the
// state store; these helpers are the single place that knows its
// shape:
//
//	<workspace_base>/
//	  registry/state.sqlite3
//	  registry/GLOBAL_REGISTRY.json
//	  TASK-.../AGENT_REGISTRY.json
//	  TASK-.../agent_prompt_<id>.txt
//	  TASK-.../logs/<id>_stream.jsonl
//	  TASK-.../progress/<id>_progress.jsonl
//	  TASK-.../findings/<id>_findings.jsonl
//	  TASK-.../handovers/phase_<i>.md
//	  TASK-.../archive/

// RegistryDir returns the per-workspace registry directory.
func (c Config) RegistryDir() string {
	return filepath.Join(c.WorkspaceBase, "registry")
}

// StateDBPath returns the per-workspace sqlite state store path.
func (c Config) StateDBPath() string {
	return StateDBPathIn(c.WorkspaceBase)
}

// StateDBPathIn returns the state store path inside an arbitrary
// workspace base. The cross-workspace health pass uses it to open
// other workspaces' stores.
func StateDBPathIn(workspaceBase string) string {
	return filepath.Join(workspaceBase, "registry", "state.sqlite3")
}

// GlobalRegistryJSONPath returns the legacy workspace-level JSON audit
// cache, accessed only under an advisory lock.
func (c Config) GlobalRegistryJSONPath() string {
	return filepath.Join(c.RegistryDir(), "GLOBAL_REGISTRY.json")
}

// GlobalIndexDBPath returns the cross-workspace index database.
func (c Config) GlobalIndexDBPath() string {
	return filepath.Join(c.GlobalDir, "global_registry.sqlite3")
}

// TaskDir returns a task's workspace directory.
func (c Config) TaskDir(taskID string) string {
	return filepath.Join(c.WorkspaceBase, taskID)
}

// TaskRegistryJSONPath returns the legacy per-task JSON cache.
func TaskRegistryJSONPath(taskDir string) string {
	return filepath.Join(taskDir, "AGENT_REGISTRY.json")
}

// AgentPromptPath returns the ephemeral prompt file for an agent.
func AgentPromptPath(taskDir, agentID string) string {
	return filepath.Join(taskDir, "agent_prompt_"+agentID+".txt")
}

// AgentStreamLogPath returns the agent's stream event log.
func AgentStreamLogPath(taskDir, agentID string) string {
	return filepath.Join(taskDir, "logs", agentID+"_stream.jsonl")
}

// AgentProgressPath returns the agent's progress JSONL.
func AgentProgressPath(taskDir, agentID string) string {
	return filepath.Join(taskDir, "progress", agentID+"_progress.jsonl")
}

// AgentFindingsPath returns the agent's findings JSONL.
func AgentFindingsPath(taskDir, agentID string) string {
	return filepath.Join(taskDir, "findings", agentID+"_findings.jsonl")
}

// HandoverPath returns the markdown handover for a phase.
func HandoverPath(taskDir string, phaseIndex int) string {
	return filepath.Join(taskDir, "handovers", fmt.Sprintf("phase_%d.md", phaseIndex))
}

// ArchiveDir returns the cleanup archive directory for a task.
func ArchiveDir(taskDir string) string {
	return filepath.Join(taskDir, "archive")
}
