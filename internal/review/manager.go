// Package review runs the peer-review gate on phases: spawning
// reviewer agents when a phase auto-submits, collecting verdicts, and
// finalizing the review into a phase approval or rejection.
package review

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conductor/internal/config"
	"conductor/internal/events"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/phase"
	"conductor/internal/store"
	"conductor/internal/types"
)

// ReviewerRunner spawns and releases reviewer agents. Implemented by
// the lifecycle manager; the indirection keeps review free of process
// management.
type ReviewerRunner interface {
	SpawnReviewer(taskID string, phaseIndex int, instructions string) (*types.Agent, error)
	ReleaseReviewer(agentID, reason string) error
}

// HandoverGenerator produces the between-phase document on approval.
type HandoverGenerator interface {
	Generate(taskDir, taskID string, fromPhase int) (*types.Handover, error)
}

// Manager owns review lifecycle for one workspace.
type Manager struct {
	store    *store.Store
	engine   *phase.Engine
	bus      *events.Bus
	metrics  *metrics.Metrics
	runner   ReviewerRunner
	handover HandoverGenerator
	cfg      config.Config
}

// NewManager wires a review manager. The runner is set later via
// SetRunner because lifecycle construction depends on this manager.
func NewManager(st *store.Store, eng *phase.Engine, bus *events.Bus, m *metrics.Metrics,
	hg HandoverGenerator, cfg config.Config) *Manager {
	if cfg.Review.NumReviewers < 1 {
		cfg.Review.NumReviewers = 2
	}
	return &Manager{store: st, engine: eng, bus: bus, metrics: m, handover: hg, cfg: cfg}
}

// SetRunner registers the reviewer spawner. Must be called before any
// phase reaches AWAITING_REVIEW.
func (m *Manager) SetRunner(r ReviewerRunner) { m.runner = r }

// StartAutoReview claims an AWAITING_REVIEW phase and spawns reviewers
// for it. Called from the phase engine's hook; the UNDER_REVIEW claim
// is taken before any reviewer exists, so concurrent triggers for the
// same phase resolve to exactly one review and the losers spawn
// nothing.
func (m *Manager) StartAutoReview(taskID string, phaseIndex int) error {
	if existing, err := m.store.GetActiveReview(taskID, phaseIndex); err == nil && existing != nil {
		logging.Review("Review %s already active for %s/%d", existing.ID, taskID, phaseIndex)
		return nil
	} else if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if m.runner == nil {
		return types.NewOpError(types.CodeInternal, "review manager has no reviewer runner")
	}

	reviewID := "review-" + uuid.NewString()[:8]
	if err := m.engine.BeginReview(taskID, phaseIndex, reviewID, true); err != nil {
		if types.CodeOf(err) == types.CodeInvalidTransition {
			logging.Review("Phase %s/%d already claimed by another review", taskID, phaseIndex)
			return nil
		}
		return err
	}

	instructions := m.reviewInstructions(taskID, phaseIndex)
	var reviewerIDs []string
	for i := 0; i < m.cfg.Review.NumReviewers; i++ {
		agent, err := m.runner.SpawnReviewer(taskID, phaseIndex, instructions)
		if err != nil {
			logging.Get(logging.CategoryReview).Warn("reviewer spawn %d/%d failed for %s/%d: %v",
				i+1, m.cfg.Review.NumReviewers, taskID, phaseIndex, err)
			continue
		}
		reviewerIDs = append(reviewerIDs, agent.ID)
	}
	if len(reviewerIDs) == 0 {
		logging.Get(logging.CategoryReview).Error("no reviewers spawned for %s/%d, escalating",
			taskID, phaseIndex)
		return m.engine.Escalate(taskID, phaseIndex)
	}

	r := &types.Review{
		ID:           reviewID,
		TaskID:       taskID,
		PhaseIndex:   phaseIndex,
		Status:       types.ReviewInProgress,
		NumReviewers: len(reviewerIDs),
		AutoSpawned:  true,
		ReviewerIDs:  reviewerIDs,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.CreateReview(r); err != nil {
		m.releaseReviewers(reviewerIDs, "review_aborted")
		if eerr := m.engine.Escalate(taskID, phaseIndex); eerr != nil {
			logging.Get(logging.CategoryReview).Warn("escalate %s/%d after review create failure: %v",
				taskID, phaseIndex, eerr)
		}
		return err
	}

	m.bus.Publish(events.Event{
		Type: events.TypeReviewStarted, TaskID: taskID, PhaseIndex: phaseIndex,
		Payload: map[string]any{"review_id": r.ID, "reviewers": len(reviewerIDs)},
	})
	logging.Review("Auto-review %s started for %s/%d with %d reviewers",
		r.ID, taskID, phaseIndex, len(reviewerIDs))
	return nil
}

func (m *Manager) reviewInstructions(taskID string, phaseIndex int) string {
	p, err := m.store.GetPhase(taskID, phaseIndex)
	if err != nil {
		return fmt.Sprintf("Review phase %d of task %s against its stated goals.", phaseIndex, taskID)
	}
	s := fmt.Sprintf("Review the output of phase %d (%s) of task %s.\n", phaseIndex, p.Name, taskID)
	if len(p.SuccessCriteria) > 0 {
		s += "Judge it against these success criteria:\n"
		for _, c := range p.SuccessCriteria {
			s += "- " + c + "\n"
		}
	}
	s += "Submit exactly one verdict: approved, rejected, or needs_revision, with notes."
	return s
}

// SubmitVerdict records one reviewer's verdict and finalizes the
// review once every reviewer has voted.
func (m *Manager) SubmitVerdict(reviewID, reviewerAgentID string, verdict types.Verdict,
	notes string, findings []types.FindingEvent) error {
	if !types.ValidVerdict(verdict) {
		return types.NewOpError(types.CodeValidationFailed, "unknown verdict %q", verdict)
	}
	r, err := m.store.GetReview(reviewID)
	if err != nil {
		return err
	}
	if !containsString(r.ReviewerIDs, reviewerAgentID) {
		return types.NewOpError(types.CodeValidationFailed,
			"agent %s is not a reviewer on %s", reviewerAgentID, reviewID)
	}

	err = m.store.AddVerdict(types.VerdictRecord{
		ReviewID:        reviewID,
		ReviewerAgentID: reviewerAgentID,
		Verdict:         verdict,
		Notes:           notes,
		Findings:        findings,
		SubmittedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	m.bus.Publish(events.Event{
		Type: events.TypeReviewVerdict, TaskID: r.TaskID, AgentID: reviewerAgentID,
		PhaseIndex: r.PhaseIndex,
		Payload:    map[string]any{"review_id": reviewID, "verdict": string(verdict)},
	})

	verdicts, err := m.store.ListVerdicts(reviewID)
	if err != nil {
		return err
	}
	if len(verdicts) >= r.NumReviewers {
		return m.finalize(r, verdicts)
	}
	return nil
}

// finalize aggregates verdicts, completes the review, and drives the
// phase transition that follows.
func (m *Manager) finalize(r *types.Review, verdicts []types.VerdictRecord) error {
	vs := make([]types.Verdict, len(verdicts))
	for i, v := range verdicts {
		vs[i] = v.Verdict
	}
	final := types.AggregateVerdicts(vs)

	if err := m.store.CompleteReview(r.ID, types.ReviewCompleted, final); err != nil {
		if types.CodeOf(err) == types.CodeInvalidTransition {
			return nil // concurrently finalized
		}
		return err
	}
	m.metrics.ReviewsFinalized.WithLabelValues(string(final)).Inc()
	m.bus.Publish(events.Event{
		Type: events.TypeReviewComplete, TaskID: r.TaskID, PhaseIndex: r.PhaseIndex,
		Payload: map[string]any{"review_id": r.ID, "final_verdict": string(final)},
	})
	m.releaseReviewers(r.ReviewerIDs, "review_complete")

	switch final {
	case types.VerdictApproved:
		if _, err := m.engine.Approve(r.TaskID, r.PhaseIndex); err != nil {
			return err
		}
		if _, err := m.handover.Generate(m.cfg.TaskDir(r.TaskID), r.TaskID, r.PhaseIndex); err != nil {
			logging.Get(logging.CategoryReview).Warn("handover generation failed for %s/%d: %v",
				r.TaskID, r.PhaseIndex, err)
		}
		return nil
	default:
		return m.engine.Reject(r.TaskID, r.PhaseIndex)
	}
}

func (m *Manager) releaseReviewers(ids []string, reason string) {
	if m.runner == nil {
		return
	}
	for _, id := range ids {
		if err := m.runner.ReleaseReviewer(id, reason); err != nil {
			logging.Get(logging.CategoryReview).Warn("release reviewer %s: %v", id, err)
		}
	}
}

// OnReviewerTerminal is invoked when a reviewer agent reaches a
// terminal status. When every reviewer of an in-progress review is
// dead, the review finalizes on whatever verdicts were submitted, or
// fails and escalates the phase when there are none.
func (m *Manager) OnReviewerTerminal(agentID string) error {
	reviews, err := m.store.ListReviewsForReviewer(agentID)
	if err != nil {
		return err
	}
	for _, r := range reviews {
		if err := m.FinalizeIfStalled(r.ID); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeIfStalled checks one in-progress review for dead reviewers
// and applies partial finalization. Safe to call redundantly; the
// health daemon uses it for periodic sweeps.
func (m *Manager) FinalizeIfStalled(reviewID string) error {
	r, err := m.store.GetReview(reviewID)
	if err != nil {
		return err
	}
	if r.Status != types.ReviewInProgress {
		return nil
	}

	verdicts, err := m.store.ListVerdicts(reviewID)
	if err != nil {
		return err
	}
	voted := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		voted[v.ReviewerAgentID] = true
	}

	// A reviewer still owes a verdict only while it is alive.
	pending := 0
	for _, id := range r.ReviewerIDs {
		if voted[id] {
			continue
		}
		a, err := m.store.GetAgent(id)
		if err == nil && a.Status.IsActive() {
			pending++
		}
	}
	if pending > 0 {
		return nil
	}

	if len(verdicts) > 0 {
		logging.Review("Review %s finalizing on %d of %d verdicts (reviewers dead)",
			reviewID, len(verdicts), r.NumReviewers)
		return m.finalize(r, verdicts)
	}

	logging.Get(logging.CategoryReview).Error("review %s lost all reviewers with no verdicts, escalating",
		reviewID)
	if err := m.store.CompleteReview(reviewID, types.ReviewFailed, ""); err != nil {
		if types.CodeOf(err) == types.CodeInvalidTransition {
			return nil
		}
		return err
	}
	m.metrics.ReviewsFinalized.WithLabelValues("failed").Inc()
	return m.engine.Escalate(r.TaskID, r.PhaseIndex)
}

// SweepStalled runs FinalizeIfStalled across every in-progress review
// of a task.
func (m *Manager) SweepStalled(taskID string) error {
	reviews, err := m.store.ListReviews(taskID)
	if err != nil {
		return err
	}
	for _, r := range reviews {
		if r.Status != types.ReviewInProgress {
			continue
		}
		if err := m.FinalizeIfStalled(r.ID); err != nil {
			logging.Get(logging.CategoryReview).Warn("stalled sweep %s: %v", r.ID, err)
		}
	}
	return nil
}

// ManualApprove approves a phase outside auto-review. Refused while an
// automatic review owns the phase.
func (m *Manager) ManualApprove(taskID string, phaseIndex int) (nextPhase int, err error) {
	if err := m.prepareManual(taskID, phaseIndex); err != nil {
		return -1, err
	}
	next, err := m.engine.Approve(taskID, phaseIndex)
	if err != nil {
		return -1, err
	}
	if _, err := m.handover.Generate(m.cfg.TaskDir(taskID), taskID, phaseIndex); err != nil {
		logging.Get(logging.CategoryReview).Warn("handover generation failed for %s/%d: %v",
			taskID, phaseIndex, err)
	}
	return next, nil
}

// ManualReject rejects a phase outside auto-review.
func (m *Manager) ManualReject(taskID string, phaseIndex int) error {
	if err := m.prepareManual(taskID, phaseIndex); err != nil {
		return err
	}
	return m.engine.Reject(taskID, phaseIndex)
}

// prepareManual enforces the auto-review guard and walks an
// AWAITING_REVIEW phase into UNDER_REVIEW so the verdict edge is legal.
func (m *Manager) prepareManual(taskID string, phaseIndex int) error {
	if err := m.engine.GuardManualApproval(taskID, phaseIndex); err != nil {
		return err
	}
	p, err := m.store.GetPhase(taskID, phaseIndex)
	if err != nil {
		return err
	}
	if p.Status == types.PhaseAwaitingReview {
		return m.engine.BeginReview(taskID, phaseIndex, "", false)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
