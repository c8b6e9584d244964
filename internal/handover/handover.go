// Package handover generates the between-phase summary document when a
// phase is approved. The document is stored in the state store and
// mirrored to the task workspace as markdown; the next phase's agents
// receive it through the context accumulator and prompt builder.
package handover

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"conductor/internal/config"
	"conductor/internal/events"
	"conductor/internal/logging"
	"conductor/internal/store"
	"conductor/internal/types"
)

// Generator assembles handover documents from store state.
type Generator struct {
	store *store.Store
	bus   *events.Bus
	cfg   config.HandoverConfig
}

// NewGenerator builds a generator. Zero-value caps fall back to the
// configuration defaults.
func NewGenerator(st *store.Store, bus *events.Bus, cfg config.HandoverConfig) *Generator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 3000
	}
	if cfg.MaxKeyFindings <= 0 {
		cfg.MaxKeyFindings = 10
	}
	if cfg.MaxRecommended <= 0 {
		cfg.MaxRecommended = 10
	}
	if cfg.SummaryTokenCap <= 0 {
		cfg.SummaryTokenCap = 300
	}
	return &Generator{store: st, bus: bus, cfg: cfg}
}

// Generate builds, persists, and mirrors the handover for an approved
// phase. Regeneration rebuilds from store state, but an agent-submitted
// document survives it: the submitted summary wins and its lists merge
// back in.
func (g *Generator) Generate(taskDir, taskID string, fromPhase int) (*types.Handover, error) {
	h, err := g.build(taskID, fromPhase)
	if err != nil {
		return nil, err
	}
	if prev, err := g.store.GetHandover(taskID, fromPhase); err == nil && wasSubmitted(prev) {
		g.overlay(h, Submitted{
			Summary:         prev.Summary,
			KeyFindings:     prev.KeyFindings,
			Recommendations: prev.Recommendations,
			Artifacts:       prev.Artifacts,
		})
		h.Metrics["submitted"] = true
	}
	return g.persist(taskDir, h)
}

// Submitted is an agent-authored handover contribution. Its summary
// replaces the generated prose and its lists merge ahead of the
// derived ones.
type Submitted struct {
	Summary         string
	KeyFindings     []string
	Recommendations []string
	Artifacts       []string
}

// Submit builds the handover for a phase, overlays the submitted
// content, and persists it like Generate.
func (g *Generator) Submit(taskDir, taskID string, fromPhase int, sub Submitted) (*types.Handover, error) {
	h, err := g.build(taskID, fromPhase)
	if err != nil {
		return nil, err
	}
	g.overlay(h, sub)
	h.Metrics["submitted"] = true
	return g.persist(taskDir, h)
}

func (g *Generator) overlay(h *types.Handover, sub Submitted) {
	if sub.Summary != "" {
		s := sub.Summary
		budget := types.TokenBudgetChars(g.cfg.SummaryTokenCap)
		if len(s) > budget {
			s = s[:budget-3] + "..."
		}
		h.Summary = s
	}
	h.KeyFindings = dedupe(append(sub.KeyFindings, h.KeyFindings...))
	h.Recommendations = dedupe(append(sub.Recommendations, h.Recommendations...))
	h.Artifacts = dedupe(append(sub.Artifacts, h.Artifacts...))
	sort.Strings(h.Artifacts)
	g.applyCaps(h)
}

func wasSubmitted(h *types.Handover) bool {
	v, ok := h.Metrics["submitted"].(bool)
	return ok && v
}

func (g *Generator) persist(taskDir string, h *types.Handover) (*types.Handover, error) {
	if err := g.store.PutHandover(h); err != nil {
		return nil, err
	}
	if err := g.writeMarkdown(taskDir, h); err != nil {
		// Store is authoritative; a mirror failure is logged, not fatal.
		logging.Get(logging.CategoryHandover).Warn("handover mirror failed for %s/%d: %v",
			h.TaskID, h.FromPhaseIndex, err)
	}
	g.bus.Publish(events.Event{
		Type: events.TypeHandoverSaved, TaskID: h.TaskID, PhaseIndex: h.FromPhaseIndex,
	})
	logging.Get(logging.CategoryHandover).Info("Handover saved for %s phase %d (%d findings, %d recommendations)",
		h.TaskID, h.FromPhaseIndex, len(h.KeyFindings), len(h.Recommendations))
	return h, nil
}

func (g *Generator) build(taskID string, fromPhase int) (*types.Handover, error) {
	phase, err := g.store.GetPhase(taskID, fromPhase)
	if err != nil {
		return nil, err
	}

	idx := fromPhase
	findings, err := g.store.ListFindings(taskID, store.FindingFilter{
		PhaseIndex: &idx, HighestSevere: true,
	})
	if err != nil {
		return nil, err
	}

	agents, err := g.store.ListAgentsByPhase(taskID, fromPhase)
	if err != nil {
		return nil, err
	}

	h := &types.Handover{
		TaskID:         taskID,
		FromPhaseIndex: fromPhase,
		CreatedAt:      time.Now().UTC(),
		Metrics:        map[string]any{"agents": len(agents)},
	}

	var completed int
	for _, a := range agents {
		if a.Status == types.AgentCompleted {
			completed++
		}
	}
	h.Metrics["agents_completed"] = completed
	h.Metrics["findings"] = len(findings)

	for _, f := range findings {
		line := fmt.Sprintf("[%s/%s] %s", f.Type, f.Severity, f.Message)
		switch f.Type {
		case types.FindingRecommendation:
			h.Recommendations = append(h.Recommendations, f.Message)
		case types.FindingBlocker:
			// Blockers on an approved phase were resolved by definition.
			h.BlockersResolved = append(h.BlockersResolved, f.Message)
		default:
			h.KeyFindings = append(h.KeyFindings, line)
		}
		if art, ok := f.Data["artifact"].(string); ok && art != "" {
			h.Artifacts = append(h.Artifacts, art)
		}
	}
	h.Artifacts = dedupe(h.Artifacts)
	sort.Strings(h.Artifacts)

	h.Summary = g.summarize(phase, agents, findings)
	g.applyCaps(h)
	return h, nil
}

// summarize produces the prose summary from the phase outcome, the
// reviewer notes, and per-agent final messages, capped by token budget.
func (g *Generator) summarize(phase *types.Phase, agents []*types.Agent, findings []types.FindingEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase %d (%s) completed with %d agents and %d findings.",
		phase.Index, phase.Name, len(agents), len(findings))

	notes := g.reviewerNotes(phase.TaskID, phase.Index)
	if notes != "" {
		b.WriteString(" Reviewer notes: ")
		b.WriteString(notes)
	}
	for _, a := range agents {
		if a.Status == types.AgentCompleted && a.Message != "" {
			fmt.Fprintf(&b, " %s: %s.", a.Type, strings.TrimSuffix(a.Message, "."))
		}
	}

	s := b.String()
	budget := types.TokenBudgetChars(g.cfg.SummaryTokenCap)
	if len(s) > budget {
		s = s[:budget-3] + "..."
	}
	return s
}

func (g *Generator) reviewerNotes(taskID string, phaseIndex int) string {
	reviews, err := g.store.ListReviews(taskID)
	if err != nil {
		return ""
	}
	for _, r := range reviews {
		if r.PhaseIndex != phaseIndex || r.Status != types.ReviewCompleted {
			continue
		}
		verdicts, err := g.store.ListVerdicts(r.ID)
		if err != nil {
			return ""
		}
		var parts []string
		for _, v := range verdicts {
			if v.Notes != "" {
				parts = append(parts, v.Notes)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

// applyCaps enforces the element-count caps and then the overall token
// budget, trimming list tails rather than cutting elements mid-text.
func (g *Generator) applyCaps(h *types.Handover) {
	trim := func(list []string, max int) []string {
		if len(list) > max {
			return list[:max]
		}
		return list
	}
	h.KeyFindings = trim(h.KeyFindings, g.cfg.MaxKeyFindings)
	h.Recommendations = trim(h.Recommendations, g.cfg.MaxRecommended)
	h.BlockersResolved = trim(h.BlockersResolved, g.cfg.MaxKeyFindings)
	h.Artifacts = trim(h.Artifacts, g.cfg.MaxKeyFindings)

	budget := types.TokenBudgetChars(g.cfg.MaxTokens)
	for len(Render(h)) > budget {
		switch {
		case len(h.Artifacts) > 0:
			h.Artifacts = h.Artifacts[:len(h.Artifacts)-1]
		case len(h.Recommendations) > 0:
			h.Recommendations = h.Recommendations[:len(h.Recommendations)-1]
		case len(h.BlockersResolved) > 0:
			h.BlockersResolved = h.BlockersResolved[:len(h.BlockersResolved)-1]
		case len(h.KeyFindings) > 0:
			h.KeyFindings = h.KeyFindings[:len(h.KeyFindings)-1]
		default:
			return
		}
	}
}

func (g *Generator) writeMarkdown(taskDir string, h *types.Handover) error {
	path := config.HandoverPath(taskDir, h.FromPhaseIndex)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(Render(h)), 0o644)
}

// Render produces the markdown form of a handover.
func Render(h *types.Handover) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Phase %d Handover\n\n", h.FromPhaseIndex)
	fmt.Fprintf(&b, "%s\n", h.Summary)
	writeSection(&b, "Key Findings", h.KeyFindings)
	writeSection(&b, "Artifacts", h.Artifacts)
	writeSection(&b, "Blockers Resolved", h.BlockersResolved)
	writeSection(&b, "Recommendations", h.Recommendations)
	if len(h.Metrics) > 0 {
		b.WriteString("\n## Metrics\n\n")
		keys := make([]string, 0, len(h.Metrics))
		for k := range h.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, h.Metrics[k])
		}
	}
	return b.String()
}

func writeSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
