package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task IDs sort lexicographically in creation order:
// TASK-YYYYMMDD-HHMMSS-<8 hex>.
// Agent IDs are globally unique: <type>-HHMMSS-<6 hex>.

var (
	taskIDPattern  = regexp.MustCompile(`^TASK-\d{8}-\d{6}-[0-9a-f]{8}$`)
	agentIDPattern = regexp.MustCompile(`^[a-z0-9_-]+-\d{6}-[0-9a-f]{6}$`)
)

// NewTaskID allocates a task identifier encoding the creation time.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("TASK-%s-%s", now.Format("20060102-150405"), hexSuffix(8))
}

// NewAgentID allocates an agent identifier for the given agent type.
// The type is lowercased and sanitized so the ID stays parseable.
func NewAgentID(agentType string, now time.Time) string {
	t := sanitizeType(agentType)
	return fmt.Sprintf("%s-%s-%s", t, now.Format("150405"), hexSuffix(6))
}

// ValidTaskID reports whether s matches the task ID format.
func ValidTaskID(s string) bool { return taskIDPattern.MatchString(s) }

// ValidAgentID reports whether s matches the agent ID format.
func ValidAgentID(s string) bool { return agentIDPattern.MatchString(s) }

// AgentTypeOf extracts the type component from an agent ID. Returns ""
// when the ID does not parse.
func AgentTypeOf(agentID string) string {
	parts := strings.Split(agentID, "-")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], "-")
}

func hexSuffix(n int) string {
	// A fresh UUID gives 32 hex chars of entropy, more than any suffix
	// needs.
	h := strings.ReplaceAll(uuid.NewString(), "-", "")
	return h[:n]
}

func sanitizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	var b strings.Builder
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "agent"
	}
	return b.String()
}
