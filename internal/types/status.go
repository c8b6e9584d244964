// Package types defines the core entities of the orchestrator: tasks,
// phases, agents, reviews, findings, and handovers, together with their
// status sets, identifier formats, and the structured error taxonomy
// shared by every subsystem.
package types

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskInitialized TaskStatus = "initialized"
	TaskActive      TaskStatus = "active"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// PhaseStatus represents the state of one phase within a task.
type PhaseStatus string

const (
	PhasePending        PhaseStatus = "pending"
	PhaseActive         PhaseStatus = "active"
	PhaseAwaitingReview PhaseStatus = "awaiting_review"
	PhaseUnderReview    PhaseStatus = "under_review"
	PhaseApproved       PhaseStatus = "approved"
	PhaseRejected       PhaseStatus = "rejected"
	PhaseRevising       PhaseStatus = "revising"
	PhaseEscalated      PhaseStatus = "escalated"
)

// PhaseTransitions is the closed set of legal phase edges. Anything not
// listed here fails with CodeInvalidTransition.
var PhaseTransitions = map[PhaseStatus][]PhaseStatus{
	PhasePending:        {PhaseActive},
	PhaseActive:         {PhaseAwaitingReview},
	PhaseAwaitingReview: {PhaseUnderReview},
	PhaseUnderReview:    {PhaseApproved, PhaseRejected, PhaseEscalated},
	PhaseRejected:       {PhaseRevising},
	PhaseRevising:       {PhaseAwaitingReview},
}

// CanTransitionPhase reports whether from -> to is a legal phase edge.
func CanTransitionPhase(from, to PhaseStatus) bool {
	for _, next := range PhaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentStatus represents the self-reported or daemon-assigned state of
// an agent. The set is closed; raw strings from legacy writers go
// through NormalizeAgentStatus at ingestion.
type AgentStatus string

const (
	AgentRunning   AgentStatus = "running"
	AgentWorking   AgentStatus = "working"
	AgentBlocked   AgentStatus = "blocked"
	AgentReviewing AgentStatus = "reviewing"

	AgentCompleted      AgentStatus = "completed"
	AgentFailed         AgentStatus = "failed"
	AgentError          AgentStatus = "error"
	AgentTerminated     AgentStatus = "terminated"
	AgentKilled         AgentStatus = "killed"
	AgentPhaseCompleted AgentStatus = "phase_completed"
)

var activeAgentStatuses = map[AgentStatus]bool{
	AgentRunning:   true,
	AgentWorking:   true,
	AgentBlocked:   true,
	AgentReviewing: true,
}

var terminalAgentStatuses = map[AgentStatus]bool{
	AgentCompleted:      true,
	AgentFailed:         true,
	AgentError:          true,
	AgentTerminated:     true,
	AgentKilled:         true,
	AgentPhaseCompleted: true,
}

// IsActive reports whether s is an active (non-terminal) agent status.
func (s AgentStatus) IsActive() bool { return activeAgentStatuses[s] }

// IsTerminal reports whether s is a terminal agent status.
func (s AgentStatus) IsTerminal() bool { return terminalAgentStatuses[s] }

// NormalizeAgentStatus maps raw status strings from disparate writers
// to the canonical set. Unknown values are classified by progress:
// 100 means the agent finished, 0 means it has barely started, anything
// else means it is mid-flight.
func NormalizeAgentStatus(raw string, progress int) AgentStatus {
	switch AgentStatus(raw) {
	case AgentRunning, AgentWorking, AgentBlocked, AgentReviewing,
		AgentCompleted, AgentFailed, AgentError, AgentTerminated,
		AgentKilled:
		return AgentStatus(raw)
	case AgentPhaseCompleted:
		// Legacy writers do not distinguish this from completed.
		return AgentCompleted
	}
	switch raw {
	case "pending", "starting":
		return AgentRunning
	}
	switch {
	case progress >= 100:
		return AgentCompleted
	case progress == 0:
		return AgentRunning
	default:
		return AgentWorking
	}
}

// ReviewStatus represents the state of a phase review.
type ReviewStatus string

const (
	ReviewInProgress ReviewStatus = "in_progress"
	ReviewCompleted  ReviewStatus = "completed"
	ReviewAborted    ReviewStatus = "aborted"
	ReviewFailed     ReviewStatus = "failed"
)

// Verdict is one reviewer's judgment of a phase.
type Verdict string

const (
	VerdictApproved      Verdict = "approved"
	VerdictRejected      Verdict = "rejected"
	VerdictNeedsRevision Verdict = "needs_revision"
)

// ValidVerdict reports whether v is a recognized verdict value.
func ValidVerdict(v Verdict) bool {
	return v == VerdictApproved || v == VerdictRejected || v == VerdictNeedsRevision
}

// AggregateVerdicts computes a review's final verdict from the verdicts
// actually submitted. Any rejection wins; needs_revision counts as a
// rejection for phase advancement; unanimous approval approves.
func AggregateVerdicts(verdicts []Verdict) Verdict {
	for _, v := range verdicts {
		if v == VerdictRejected {
			return VerdictRejected
		}
	}
	for _, v := range verdicts {
		if v == VerdictNeedsRevision {
			return VerdictRejected
		}
	}
	return VerdictApproved
}

// Priority is the user-assigned task priority.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// FindingType classifies a finding event.
type FindingType string

const (
	FindingIssue          FindingType = "issue"
	FindingSolution       FindingType = "solution"
	FindingInsight        FindingType = "insight"
	FindingRecommendation FindingType = "recommendation"
	FindingBlocker        FindingType = "blocker"
)

// Severity grades a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FailureReason codes attached to daemon-initiated failures.
const (
	ReasonSessionDead      = "tmux_session_dead"
	ReasonClaudeDead       = "claude_process_dead"
	ReasonCursorDead       = "cursor_process_dead"
	ReasonAgentStuck       = "agent_stuck"
	ReasonReviewerOrphaned = "reviewer_orphaned"
)
