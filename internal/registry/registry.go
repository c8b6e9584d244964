package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"conductor/internal/logging"
	"conductor/internal/types"
)

// TaskRegistry is the legacy per-task JSON document
// (AGENT_REGISTRY.json). It mirrors the store for human inspection and
// disaster recovery; the store remains authoritative.
type TaskRegistry struct {
	Task      *types.Task             `json:"task"`
	Phases    []*types.Phase          `json:"phases"`
	Agents    map[string]*types.Agent `json:"agents"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// WorkspaceRegistry is the legacy workspace-level JSON document
// (GLOBAL_REGISTRY.json): a summary of every task in the workspace.
type WorkspaceRegistry struct {
	Tasks     map[string]WorkspaceTaskSummary `json:"tasks"`
	UpdatedAt time.Time                       `json:"updated_at"`
}

// WorkspaceTaskSummary is one task's line in the workspace registry.
type WorkspaceTaskSummary struct {
	TaskID      string           `json:"task_id"`
	Status      types.TaskStatus `json:"status"`
	Description string           `json:"description"`
	ActiveCount int              `json:"active_count"`
	TotalAgents int              `json:"total_agents"`
	CreatedAt   time.Time        `json:"created_at"`
}

// WriteTaskRegistry rewrites the per-task JSON mirror under an
// exclusive lock.
func WriteTaskRegistry(path string, reg *TaskRegistry, lockTimeout time.Duration) error {
	reg.UpdatedAt = time.Now().UTC()
	return WithExclusiveLock(path, lockTimeout, func() error {
		return writeJSONAtomic(path, reg)
	})
}

// ReadTaskRegistry reads the per-task JSON mirror under a shared lock.
// A missing file returns (nil, nil).
func ReadTaskRegistry(path string, lockTimeout time.Duration) (*TaskRegistry, error) {
	var reg *TaskRegistry
	err := WithSharedLock(path, lockTimeout, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to read registry: %w", err)
		}
		var r TaskRegistry
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("failed to parse registry %s: %w", path, err)
		}
		reg = &r
		return nil
	})
	return reg, err
}

// UpdateWorkspaceRegistry applies fn to the workspace registry under an
// exclusive lock, implementing the read-modify-write pattern over the
// JSON cache.
func UpdateWorkspaceRegistry(path string, lockTimeout time.Duration, fn func(*WorkspaceRegistry)) error {
	return WithExclusiveLock(path, lockTimeout, func() error {
		reg := &WorkspaceRegistry{Tasks: map[string]WorkspaceTaskSummary{}}
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, reg); err != nil {
				// A corrupt mirror is rebuilt rather than fatal; the
				// store is authoritative.
				logging.Get(logging.CategoryRegistry).Warn("rebuilding corrupt workspace registry %s: %v", path, err)
				reg = &WorkspaceRegistry{Tasks: map[string]WorkspaceTaskSummary{}}
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read workspace registry: %w", err)
		}
		if reg.Tasks == nil {
			reg.Tasks = map[string]WorkspaceTaskSummary{}
		}
		fn(reg)
		reg.UpdatedAt = time.Now().UTC()
		return writeJSONAtomic(path, reg)
	})
}

// ReadWorkspaceRegistry reads GLOBAL_REGISTRY.json under a shared lock.
func ReadWorkspaceRegistry(path string, lockTimeout time.Duration) (*WorkspaceRegistry, error) {
	var reg *WorkspaceRegistry
	err := WithSharedLock(path, lockTimeout, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to read workspace registry: %w", err)
		}
		var r WorkspaceRegistry
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("failed to parse workspace registry: %w", err)
		}
		reg = &r
		return nil
	})
	return reg, err
}

// writeJSONAtomic writes via a temp file + rename so readers never see
// a torn document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}
