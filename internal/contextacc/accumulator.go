// Package contextacc builds the token-budgeted prompt preamble each
// new agent inherits: the original task, current-phase goals, prior
// phase outcomes, top-priority findings, blockers, and, when the
// phase is revising, the reviewer rejection notes. It reads only from
// the state store.
package contextacc

import (
	"fmt"
	"strings"

	"conductor/internal/logging"
	"conductor/internal/store"
	"conductor/internal/types"
)

// Detector resolves project context (framework, ports, tags) from a
// directory. Detection itself is a pure function supplied by the
// caller; NopDetector is used when none is configured.
type Detector interface {
	Detect(dir string) map[string]string
}

// NopDetector detects nothing.
type NopDetector struct{}

// Detect implements Detector.
func (NopDetector) Detect(string) map[string]string { return nil }

// Accumulator queries the store and renders preambles.
type Accumulator struct {
	store       *store.Store
	detector    Detector
	maxTokens   int
	maxFindings int
}

// New builds an accumulator. maxTokens defaults to 2500 and
// maxFindings to 15 when non-positive.
func New(st *store.Store, det Detector, maxTokens, maxFindings int) *Accumulator {
	if maxTokens <= 0 {
		maxTokens = 2500
	}
	if maxFindings <= 0 {
		maxFindings = 15
	}
	if det == nil {
		det = NopDetector{}
	}
	return &Accumulator{store: st, detector: det, maxTokens: maxTokens, maxFindings: maxFindings}
}

// Accumulated is the structured preamble before rendering.
type Accumulated struct {
	TaskID            string
	CurrentPhaseIndex int

	OriginalTask    string
	PhasePlan       []PhaseGoal
	CurrentPhase    *PhaseGoal
	PhaseSummaries  []PhaseSummary
	TopFindings     []types.FindingEvent
	ActiveBlockers  []types.FindingEvent
	RejectionNotes  []RejectionNote
	ProjectContext  map[string]string
	CurrentRevising bool
}

// PhaseGoal is one phase's deliverables and criteria.
type PhaseGoal struct {
	Index           int
	Name            string
	Status          types.PhaseStatus
	Deliverables    []string
	SuccessCriteria []string
}

// PhaseSummary is a prior phase's outcome in one line plus its
// handover summary when present.
type PhaseSummary struct {
	Index   int
	Name    string
	Status  types.PhaseStatus
	Summary string
}

// RejectionNote carries one reviewer's rejection reasoning.
type RejectionNote struct {
	Reviewer string
	Verdict  types.Verdict
	Notes    string
	Findings []types.FindingEvent
}

// Build assembles the preamble for an agent about to join
// currentPhase of task taskID.
func (a *Accumulator) Build(workspaceBase, taskID string, currentPhase int) (*Accumulated, error) {
	task, err := a.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	phases, err := a.store.ListPhases(taskID)
	if err != nil {
		return nil, err
	}

	acc := &Accumulated{
		TaskID:            taskID,
		CurrentPhaseIndex: currentPhase,
		OriginalTask:      task.Description,
		ProjectContext:    a.detector.Detect(task.CreatorCwd),
	}

	for _, p := range phases {
		goal := PhaseGoal{
			Index: p.Index, Name: p.Name, Status: p.Status,
			Deliverables: p.Deliverables, SuccessCriteria: p.SuccessCriteria,
		}
		acc.PhasePlan = append(acc.PhasePlan, goal)
		if p.Index == currentPhase {
			g := goal
			acc.CurrentPhase = &g
			acc.CurrentRevising = p.Status == types.PhaseRevising
		}
		if p.Index < currentPhase {
			summary := ""
			if h, err := a.store.GetHandover(taskID, p.Index); err == nil {
				summary = h.Summary
			}
			acc.PhaseSummaries = append(acc.PhaseSummaries, PhaseSummary{
				Index: p.Index, Name: p.Name, Status: p.Status, Summary: summary,
			})
		}
	}

	below := currentPhase
	findings, err := a.store.ListFindings(taskID, store.FindingFilter{
		PhaseBelow:    &below,
		Severities:    []types.Severity{types.SeverityCritical, types.SeverityHigh},
		HighestSevere: true,
		Limit:         a.maxFindings,
	})
	if err != nil {
		return nil, err
	}
	acc.TopFindings = findings

	blockers, err := a.store.ListFindings(taskID, store.FindingFilter{
		Types:       []types.FindingType{types.FindingBlocker},
		NewestFirst: true,
		Limit:       10,
	})
	if err != nil {
		return nil, err
	}
	acc.ActiveBlockers = blockers

	if acc.CurrentRevising {
		if err := a.loadRejectionNotes(acc, taskID, currentPhase); err != nil {
			logging.Get(logging.CategoryContext).Warn("rejection notes unavailable for %s/%d: %v",
				taskID, currentPhase, err)
		}
	}
	return acc, nil
}

func (a *Accumulator) loadRejectionNotes(acc *Accumulated, taskID string, phaseIndex int) error {
	reviews, err := a.store.ListReviews(taskID)
	if err != nil {
		return err
	}
	for _, r := range reviews {
		if r.PhaseIndex != phaseIndex || r.Status != types.ReviewCompleted ||
			r.FinalVerdict != types.VerdictRejected {
			continue
		}
		verdicts, err := a.store.ListVerdicts(r.ID)
		if err != nil {
			return err
		}
		for _, v := range verdicts {
			if v.Verdict == types.VerdictApproved {
				continue
			}
			note := RejectionNote{
				Reviewer: v.ReviewerAgentID,
				Verdict:  v.Verdict,
				Notes:    v.Notes,
			}
			for _, f := range v.Findings {
				if f.Type == types.FindingBlocker ||
					f.Severity == types.SeverityCritical || f.Severity == types.SeverityHigh {
					note.Findings = append(note.Findings, f)
				}
			}
			acc.RejectionNotes = append(acc.RejectionNotes, note)
		}
		break // most recent rejected review only
	}
	return nil
}

// BuildAndRender is the spawn-path entry: build then render within the
// accumulator's token budget.
func (a *Accumulator) BuildAndRender(workspaceBase, taskID string, currentPhase int) (string, error) {
	acc, err := a.Build(workspaceBase, taskID, currentPhase)
	if err != nil {
		return "", err
	}
	return Render(acc, a.maxTokens), nil
}

// Render produces the markdown preamble. The original task, the
// current phase's goals, and rejection findings are never truncated;
// when the result exceeds the budget the optional sections are dropped
// in order: active blockers, project context, the phase plan, phase
// summaries, then generic findings (element by element, never
// mid-element).
func Render(acc *Accumulated, maxTokens int) string {
	budget := types.TokenBudgetChars(maxTokens)

	mandatory := renderMandatory(acc)

	findings := acc.TopFindings
	for {
		optional := renderOptional(acc, findings)
		full := mandatory + optional
		if len(full) <= budget {
			return full
		}
		switch {
		case len(acc.ActiveBlockers) > 0:
			acc.ActiveBlockers = nil
		case len(acc.ProjectContext) > 0:
			acc.ProjectContext = nil
		case len(acc.PhasePlan) > 0:
			acc.PhasePlan = nil
		case len(acc.PhaseSummaries) > 0:
			acc.PhaseSummaries = nil
		case len(findings) > 0:
			findings = findings[:len(findings)-1]
		default:
			// Only mandatory content left; it is never cut.
			return full
		}
	}
}

func renderMandatory(acc *Accumulated) string {
	var b strings.Builder
	b.WriteString("## Accumulated Context\n\n")
	fmt.Fprintf(&b, "### Original Task\n\n%s\n", acc.OriginalTask)

	if acc.CurrentPhase != nil {
		fmt.Fprintf(&b, "\n### Current Phase %d: %s\n", acc.CurrentPhase.Index, acc.CurrentPhase.Name)
		writeList(&b, "Deliverables", acc.CurrentPhase.Deliverables)
		writeList(&b, "Success criteria", acc.CurrentPhase.SuccessCriteria)
	}

	if len(acc.RejectionNotes) > 0 {
		b.WriteString("\n### PHASE WAS REJECTED\n\n")
		b.WriteString("Address every item below before reporting completion.\n")
		for _, n := range acc.RejectionNotes {
			fmt.Fprintf(&b, "\nReviewer %s (%s)", n.Reviewer, n.Verdict)
			if n.Notes != "" {
				fmt.Fprintf(&b, ": %s", n.Notes)
			}
			b.WriteString("\n")
			for _, f := range n.Findings {
				fmt.Fprintf(&b, "- [%s/%s] %s\n", f.Type, f.Severity, f.Message)
			}
		}
	}
	return b.String()
}

func renderOptional(acc *Accumulated, findings []types.FindingEvent) string {
	var b strings.Builder

	if len(acc.PhasePlan) > 0 {
		b.WriteString("\n### Phase Plan\n\n")
		for _, g := range acc.PhasePlan {
			fmt.Fprintf(&b, "- Phase %d (%s): %s\n", g.Index, g.Name, g.Status)
		}
	}
	if len(findings) > 0 {
		b.WriteString("\n### Key Findings From Prior Phases\n\n")
		for _, f := range findings {
			fmt.Fprintf(&b, "- [phase %d, %s/%s] %s\n", f.PhaseIndex, f.Type, f.Severity, f.Message)
		}
	}
	if len(acc.PhaseSummaries) > 0 {
		b.WriteString("\n### Prior Phase Outcomes\n\n")
		for _, p := range acc.PhaseSummaries {
			fmt.Fprintf(&b, "- Phase %d (%s): %s", p.Index, p.Name, p.Status)
			if p.Summary != "" {
				fmt.Fprintf(&b, ": %s", p.Summary)
			}
			b.WriteString("\n")
		}
	}
	if len(acc.ProjectContext) > 0 {
		b.WriteString("\n### Project Context\n\n")
		for k, v := range acc.ProjectContext {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	if len(acc.ActiveBlockers) > 0 {
		b.WriteString("\n### Active Blockers\n\n")
		for _, f := range acc.ActiveBlockers {
			fmt.Fprintf(&b, "- [phase %d] %s\n", f.PhaseIndex, f.Message)
		}
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
