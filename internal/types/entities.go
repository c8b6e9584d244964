package types

import "time"

// TaskLimits caps agent fan-out for a task.
type TaskLimits struct {
	MaxAgents     int `json:"max_agents"`
	MaxConcurrent int `json:"max_concurrent"`
	MaxDepth      int `json:"max_depth"`
}

// DefaultTaskLimits returns the limits applied when a task does not
// specify its own.
func DefaultTaskLimits() TaskLimits {
	return TaskLimits{MaxAgents: 20, MaxConcurrent: 5, MaxDepth: 3}
}

// ConversationMessage is one turn of upstream conversation history
// attached to a task's context.
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TaskContext is the optional structured context supplied at task
// creation and injected into agent prompts.
type TaskContext struct {
	Background          string                `json:"background,omitempty"`
	Deliverables        []string              `json:"deliverables,omitempty"`
	SuccessCriteria     []string              `json:"success_criteria,omitempty"`
	Constraints         []string              `json:"constraints,omitempty"`
	RelevantFiles       []string              `json:"relevant_files,omitempty"`
	RelatedDocs         []string              `json:"related_docs,omitempty"`
	ConversationHistory []ConversationMessage `json:"conversation_history,omitempty"`
}

const (
	// conversationUserLimit is the size above which a user message is
	// dropped rather than carried into prompts.
	conversationUserLimit = 8 * 1024
	// conversationAssistantCap hard-caps assistant messages.
	conversationAssistantCap = 150
)

// TruncateConversation applies the history truncation rules: user
// messages are preserved whole when under 8 KiB, assistant messages are
// capped at 150 characters.
func TruncateConversation(history []ConversationMessage) []ConversationMessage {
	out := make([]ConversationMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case "user":
			if len(m.Content) >= conversationUserLimit {
				continue
			}
			out = append(out, m)
		default:
			c := m.Content
			if len(c) > conversationAssistantCap {
				c = c[:conversationAssistantCap]
			}
			out = append(out, ConversationMessage{Role: m.Role, Content: c})
		}
	}
	return out
}

// Task is the top-level unit of work. It owns its phases, agents,
// reviews, findings, and handovers.
type Task struct {
	ID                string       `json:"task_id"`
	Description       string       `json:"description"`
	Priority          Priority     `json:"priority"`
	Workspace         string       `json:"workspace"`
	CreatorCwd        string       `json:"creator_cwd"`
	Status            TaskStatus   `json:"status"`
	CurrentPhaseIndex int          `json:"current_phase_index"`
	Limits            TaskLimits   `json:"limits"`
	ActiveCount       int          `json:"active_count"`
	TotalAgents       int          `json:"total_agents"`
	Version           int64        `json:"version"`
	Context           *TaskContext `json:"context,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// Phase is one ordered unit of work within a task. Identity is
// (TaskID, Index); Index is contiguous from 0.
type Phase struct {
	TaskID           string      `json:"task_id"`
	Index            int         `json:"phase_index"`
	Name             string      `json:"name"`
	Description      string      `json:"description"`
	Deliverables     []string    `json:"deliverables,omitempty"`
	SuccessCriteria  []string    `json:"success_criteria,omitempty"`
	Status           PhaseStatus `json:"status"`
	Version          int64       `json:"version"`
	AutoReview       bool        `json:"auto_review"`
	ActiveReviewID   string      `json:"active_review_id,omitempty"`
	AutoSubmittedAt  *time.Time  `json:"auto_submitted_at,omitempty"`
	AutoSubmitReason string      `json:"auto_submit_reason,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// ReviewerPhaseIndex is the sentinel phase binding for reviewer agents
// so they never participate in phase-completion checks.
const ReviewerPhaseIndex = -1

// Agent is one external LLM process hosted in a multiplexer session.
type Agent struct {
	ID          string      `json:"agent_id"`
	TaskID      string      `json:"task_id"`
	Type        string      `json:"agent_type"`
	Parent      string      `json:"parent"`
	Depth       int         `json:"depth"`
	PhaseIndex  int         `json:"phase_index"`
	SessionName string      `json:"session_name"`
	PID         int         `json:"pid"`
	Status      AgentStatus `json:"status"`
	Progress    int         `json:"progress"`
	Message     string      `json:"message,omitempty"`

	StreamLogPath string `json:"stream_log_path,omitempty"`
	ProgressPath  string `json:"progress_path,omitempty"`
	FindingsPath  string `json:"findings_path,omitempty"`
	PromptPath    string `json:"prompt_path,omitempty"`

	TerminalReason string                `json:"terminal_reason,omitempty"`
	Cleanup        *CleanupReport        `json:"cleanup,omitempty"`
	Validation     *CompletionValidation `json:"validation,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	LastUpdate  time.Time  `json:"last_update"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsReviewer reports whether the agent is a reviewer (bound to the
// sentinel phase index).
func (a *Agent) IsReviewer() bool { return a.PhaseIndex == ReviewerPhaseIndex }

// ProgressEvent is one append-only progress record.
type ProgressEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	AgentID   string      `json:"agent_id"`
	Status    AgentStatus `json:"status"`
	Message   string      `json:"message"`
	Progress  int         `json:"progress"`
}

// FindingEvent is one append-only finding record.
type FindingEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	AgentID    string         `json:"agent_id"`
	PhaseIndex int            `json:"phase_index"`
	Type       FindingType    `json:"finding_type"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
}

// Review tracks the peer-review gate on one phase.
type Review struct {
	ID           string       `json:"review_id"`
	TaskID       string       `json:"task_id"`
	PhaseIndex   int          `json:"phase_index"`
	Status       ReviewStatus `json:"status"`
	FinalVerdict Verdict      `json:"final_verdict,omitempty"`
	NumReviewers int          `json:"num_reviewers"`
	AutoSpawned  bool         `json:"auto_spawned"`
	ReviewerIDs  []string     `json:"reviewer_ids"`
	CreatedAt    time.Time    `json:"created_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// VerdictRecord is one reviewer's submitted verdict, at most one per
// reviewer within a review.
type VerdictRecord struct {
	ReviewID        string         `json:"review_id"`
	ReviewerAgentID string         `json:"reviewer_agent_id"`
	Verdict         Verdict        `json:"verdict"`
	Notes           string         `json:"notes,omitempty"`
	Findings        []FindingEvent `json:"findings,omitempty"`
	SubmittedAt     time.Time      `json:"submitted_at"`
}

// Critique is an optional free-form critique attached to a review.
type Critique struct {
	ReviewID  string    `json:"review_id"`
	AgentID   string    `json:"agent_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Handover is the structured between-phase summary seeding the next
// phase's agents. Identity is (TaskID, FromPhaseIndex).
type Handover struct {
	TaskID           string         `json:"task_id"`
	FromPhaseIndex   int            `json:"from_phase_index"`
	Summary          string         `json:"summary"`
	KeyFindings      []string       `json:"key_findings,omitempty"`
	Artifacts        []string       `json:"artifacts,omitempty"`
	BlockersResolved []string       `json:"blockers_resolved,omitempty"`
	Recommendations  []string       `json:"recommendations,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// CleanupReport records the outcome of post-termination resource
// cleanup. Partial failures never mask the terminal transition.
type CleanupReport struct {
	SessionKilled    bool     `json:"session_killed"`
	PromptDeleted    bool     `json:"prompt_deleted"`
	LogsArchived     bool     `json:"logs_archived"`
	OrphansKilled    int      `json:"orphans_killed"`
	SurvivorPIDs     []int    `json:"survivor_pids,omitempty"`
	Errors           []string `json:"errors,omitempty"`
	DurationMillis   int64    `json:"duration_ms"`
	ArchivedToPath   string   `json:"archived_to,omitempty"`
	VerifiedNoOrphan bool     `json:"verified_no_orphan"`
}

// CompletionValidation is the non-blocking sanity check recorded when
// an agent self-reports completion.
type CompletionValidation struct {
	Confidence float64  `json:"confidence"`
	Warnings   []string `json:"warnings,omitempty"`
}
