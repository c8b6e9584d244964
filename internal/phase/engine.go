// Package phase implements the phase state machine: version-guarded
// transitions, automatic advancement when every bound agent reaches a
// terminal status, and the approval/rejection flows that gate phase
// progress on review verdicts.
package phase

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"conductor/internal/events"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/store"
	"conductor/internal/types"
)

// Engine performs phase transitions against the state store.
type Engine struct {
	store   *store.Store
	bus     *events.Bus
	metrics *metrics.Metrics

	// onAwaitingReview is invoked after a phase auto-advances to
	// AWAITING_REVIEW; the review subsystem hooks in here.
	onAwaitingReview func(taskID string, phaseIndex int)
}

// NewEngine builds a phase engine.
func NewEngine(st *store.Store, bus *events.Bus, m *metrics.Metrics) *Engine {
	return &Engine{store: st, bus: bus, metrics: m}
}

// SetAwaitingReviewHook registers the auto-review trigger. Must be
// called before any agent activity.
func (e *Engine) SetAwaitingReviewHook(fn func(taskID string, phaseIndex int)) {
	e.onAwaitingReview = fn
}

// transitionBackoff bounds the stale-version retry loop: conflicts are
// rare and resolve in one or two rounds.
func transitionBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

// Transition moves a phase along one legal edge, retrying on version
// conflicts. Illegal edges fail with CodeInvalidTransition without
// touching the store.
func (e *Engine) Transition(taskID string, phaseIndex int, to types.PhaseStatus, upd store.PhaseUpdate) error {
	return e.transition(taskID, phaseIndex, to, upd, false)
}

// transition applies one edge. With exclusive set, finding the phase
// already at the target status is a loss, not a success: the caller
// needed to be the one applying the edge.
func (e *Engine) transition(taskID string, phaseIndex int, to types.PhaseStatus, upd store.PhaseUpdate, exclusive bool) error {
	op := func() error {
		p, err := e.store.GetPhase(taskID, phaseIndex)
		if err != nil {
			return backoff.Permanent(err)
		}
		if p.Status == to {
			if exclusive {
				return backoff.Permanent(types.WrapOpError(types.CodeInvalidTransition,
					types.ErrInvalidTransition, "phase %s/%d is already %s",
					taskID, phaseIndex, to))
			}
			return nil // already there
		}
		if !types.CanTransitionPhase(p.Status, to) {
			return backoff.Permanent(types.WrapOpError(types.CodeInvalidTransition,
				types.ErrInvalidTransition, "phase %s/%d: %s -> %s",
				taskID, phaseIndex, p.Status, to))
		}
		if err := e.store.CASPhaseStatus(taskID, phaseIndex, to, p.Version, upd); err != nil {
			if errors.Is(err, types.ErrStaleVersion) {
				e.metrics.StaleVersionRetry.Inc()
				return err // retry
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, transitionBackoff()); err != nil {
		return err
	}
	e.metrics.PhaseTransitions.WithLabelValues(string(to)).Inc()
	e.bus.Publish(events.Event{
		Type: events.TypePhaseChanged, TaskID: taskID, PhaseIndex: phaseIndex,
		Payload: map[string]any{"status": string(to)},
	})
	return nil
}

// CheckPhaseCompletion inspects the task's current phase and, when the
// phase is ACTIVE, has at least one bound agent, and every bound agent
// is terminal, atomically moves it to AWAITING_REVIEW and triggers
// auto-review. Safe to call redundantly; it no-ops on any other state.
//
// Invoked after every terminal agent transition: self-reports, kill
// requests, and health-daemon failures all funnel through here.
func (e *Engine) CheckPhaseCompletion(taskID string) (advanced bool, err error) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return false, err
	}
	current := task.CurrentPhaseIndex

	p, err := e.store.GetPhase(taskID, current)
	if err != nil {
		return false, err
	}
	if p.Status != types.PhaseActive {
		return false, nil
	}

	counts, err := e.store.GetPhaseAgentCounts(taskID, current)
	if err != nil {
		return false, err
	}
	if counts.Total == 0 || counts.Active > 0 {
		return false, nil
	}

	now := time.Now().UTC()
	reason := fmt.Sprintf("all %d phase agents terminal", counts.Total)
	autoReview := true
	err = e.Transition(taskID, current, types.PhaseAwaitingReview, store.PhaseUpdate{
		AutoReview:       &autoReview,
		AutoSubmittedAt:  &now,
		AutoSubmitReason: &reason,
	})
	if err != nil {
		// A concurrent check may have advanced the phase already.
		if types.CodeOf(err) == types.CodeInvalidTransition {
			return false, nil
		}
		return false, err
	}

	logging.Phase("Phase %s/%d auto-submitted for review: %s", taskID, current, reason)
	if e.onAwaitingReview != nil {
		e.onAwaitingReview(taskID, current)
	}
	return true, nil
}

// OnAgentTerminal runs the advancement checks that follow any terminal
// agent transition on the task's current phase: the ACTIVE completion
// check and the REVISING reopen check. Errors are returned for logging
// but callers never fail the terminal transition on them.
func (e *Engine) OnAgentTerminal(taskID string) error {
	if _, err := e.CheckPhaseCompletion(taskID); err != nil {
		return err
	}
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	return e.ReopenForAgents(taskID, task.CurrentPhaseIndex)
}

// SubmitForReview moves an ACTIVE or REVISING phase to AWAITING_REVIEW
// on request, without waiting for its agents to reach terminal states,
// and triggers the review pipeline.
func (e *Engine) SubmitForReview(taskID string, phaseIndex int, reason string) error {
	if reason == "" {
		reason = "review requested"
	}
	now := time.Now().UTC()
	auto := true
	if err := e.Transition(taskID, phaseIndex, types.PhaseAwaitingReview, store.PhaseUpdate{
		AutoReview: &auto, AutoSubmittedAt: &now, AutoSubmitReason: &reason,
	}); err != nil {
		return err
	}
	logging.Phase("Phase %s/%d submitted for review: %s", taskID, phaseIndex, reason)
	if e.onAwaitingReview != nil {
		e.onAwaitingReview(taskID, phaseIndex)
	}
	return nil
}

// GuardManualApproval refuses manual approve/reject while auto-review
// owns the phase.
func (e *Engine) GuardManualApproval(taskID string, phaseIndex int) error {
	p, err := e.store.GetPhase(taskID, phaseIndex)
	if err != nil {
		return err
	}
	if p.Status == types.PhaseUnderReview && p.AutoReview {
		return types.WrapOpError(types.CodeManualApprovalBlocked, types.ErrManualApprovalBlocked,
			"phase %s/%d is under automatic review %s", taskID, phaseIndex, p.ActiveReviewID)
	}
	return nil
}

// BeginReview moves an AWAITING_REVIEW phase to UNDER_REVIEW and
// records the owning review. The edge is exclusive: a phase another
// review already claimed fails with CodeInvalidTransition, so racing
// claimants cannot both own it.
func (e *Engine) BeginReview(taskID string, phaseIndex int, reviewID string, auto bool) error {
	return e.transition(taskID, phaseIndex, types.PhaseUnderReview, store.PhaseUpdate{
		AutoReview:     &auto,
		ActiveReviewID: &reviewID,
	}, true)
}

// Approve moves an UNDER_REVIEW phase to APPROVED, clears the
// auto-review flag, and activates the next phase when one exists.
// Returns the index of the newly activated phase, or -1 when the
// approved phase was terminal for the task; approving the terminal
// phase completes the task.
func (e *Engine) Approve(taskID string, phaseIndex int) (next int, err error) {
	off := false
	empty := ""
	if err := e.Transition(taskID, phaseIndex, types.PhaseApproved, store.PhaseUpdate{
		AutoReview: &off, ActiveReviewID: &empty,
	}); err != nil {
		return -1, err
	}

	total, err := e.store.CountPhases(taskID)
	if err != nil {
		return -1, err
	}
	if phaseIndex+1 >= total {
		if err := e.store.TransitionTaskToCompleted(taskID); err != nil {
			if types.CodeOf(err) != types.CodeInvalidTransition {
				return -1, err
			}
			// A task that never went active has nothing to complete.
			logging.Phase("Task %s not completed on final approval: %v", taskID, err)
			return -1, nil
		}
		e.bus.Publish(events.Event{Type: events.TypeTaskCompleted, TaskID: taskID})
		logging.Phase("Phase %s/%d approved; task completed", taskID, phaseIndex)
		return -1, nil
	}

	nextIdx := phaseIndex + 1
	if err := e.Transition(taskID, nextIdx, types.PhaseActive, store.PhaseUpdate{}); err != nil {
		return -1, err
	}
	if err := e.store.SetCurrentPhaseIndex(taskID, nextIdx); err != nil {
		return -1, err
	}
	logging.Phase("Phase %s/%d approved; phase %d now active", taskID, phaseIndex, nextIdx)
	return nextIdx, nil
}

// Reject moves an UNDER_REVIEW phase to REJECTED and then immediately
// to REVISING so fix agents can be deployed.
func (e *Engine) Reject(taskID string, phaseIndex int) error {
	off := false
	empty := ""
	if err := e.Transition(taskID, phaseIndex, types.PhaseRejected, store.PhaseUpdate{
		AutoReview: &off, ActiveReviewID: &empty,
	}); err != nil {
		return err
	}
	if err := e.Transition(taskID, phaseIndex, types.PhaseRevising, store.PhaseUpdate{}); err != nil {
		return err
	}
	logging.Phase("Phase %s/%d rejected, now revising", taskID, phaseIndex)
	return nil
}

// Escalate marks a phase ESCALATED; out-of-band resolution required.
func (e *Engine) Escalate(taskID string, phaseIndex int) error {
	off := false
	return e.Transition(taskID, phaseIndex, types.PhaseEscalated, store.PhaseUpdate{
		AutoReview: &off,
	})
}

// ReopenForAgents moves a REVISING phase back through AWAITING_REVIEW
// when its revision agents finish. The regular CheckPhaseCompletion
// only fires on ACTIVE phases; revision cycles re-enter review here.
func (e *Engine) ReopenForAgents(taskID string, phaseIndex int) error {
	p, err := e.store.GetPhase(taskID, phaseIndex)
	if err != nil {
		return err
	}
	if p.Status != types.PhaseRevising {
		return nil
	}
	counts, err := e.store.GetPhaseAgentCounts(taskID, phaseIndex)
	if err != nil {
		return err
	}
	if counts.Total == 0 || counts.Active > 0 {
		return nil
	}
	now := time.Now().UTC()
	reason := "revision agents terminal"
	auto := true
	if err := e.Transition(taskID, phaseIndex, types.PhaseAwaitingReview, store.PhaseUpdate{
		AutoReview: &auto, AutoSubmittedAt: &now, AutoSubmitReason: &reason,
	}); err != nil {
		return err
	}
	if e.onAwaitingReview != nil {
		e.onAwaitingReview(taskID, phaseIndex)
	}
	return nil
}
