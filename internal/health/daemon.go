// Package health runs the background daemon that detects dead
// sessions, dead processes, stuck agents, and orphaned reviewers, and
// forces them into terminal states so phase advancement never waits on
// a corpse.
package health

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"conductor/internal/config"
	"conductor/internal/events"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/store"
	"conductor/internal/tmux"
	"conductor/internal/types"
)

// AgentFailer forces an agent into failed with a reason code.
// Implemented by the lifecycle manager.
type AgentFailer interface {
	MarkFailed(agentID, reason string) error
}

// ReviewSweeper finalizes reviews whose reviewers died. Implemented by
// the review manager.
type ReviewSweeper interface {
	SweepStalled(taskID string) error
}

// Daemon is the periodic health scanner.
type Daemon struct {
	store   *store.Store
	global  *store.GlobalIndex
	mux     tmux.Multiplexer
	failer  AgentFailer
	sweeper ReviewSweeper
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     config.Config

	mu       sync.Mutex
	tasks    map[string]bool
	running  bool
	scans    int
	lastScan time.Time
	stop     chan struct{}
	kick     chan struct{}
	done     chan struct{}
}

// NewDaemon wires a daemon; Start launches the loop.
func NewDaemon(st *store.Store, global *store.GlobalIndex, mux tmux.Multiplexer,
	failer AgentFailer, sweeper ReviewSweeper, bus *events.Bus, m *metrics.Metrics,
	cfg config.Config) *Daemon {
	return &Daemon{
		store: st, global: global, mux: mux, failer: failer, sweeper: sweeper,
		bus: bus, metrics: m, cfg: cfg,
		tasks: make(map[string]bool),
	}
}

// Start launches the scan loop. Idempotent.
func (d *Daemon) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.kick = make(chan struct{}, 1)
	d.done = make(chan struct{})
	go d.loop(d.stop, d.kick, d.done)
	logging.Health("Health daemon started (interval %s)", d.cfg.Health.ScanInterval)
}

// Stop halts the loop and waits for the in-flight scan to finish.
// Idempotent.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()
	<-done
	logging.Health("Health daemon stopped after %d scans", d.Scans())
}

// RegisterTask adds a task to the scan set.
func (d *Daemon) RegisterTask(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[taskID] = true
}

// UnregisterTask removes a task from the scan set.
func (d *Daemon) UnregisterTask(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tasks, taskID)
}

// TriggerScan requests an immediate scan without waiting for the
// ticker. No-op when a trigger is already pending or the daemon is
// stopped.
func (d *Daemon) TriggerScan() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Status is the daemon's observable state.
type Status struct {
	Running         bool      `json:"running"`
	Scans           int       `json:"scans"`
	LastScanAt      time.Time `json:"last_scan_at,omitempty"`
	RegisteredTasks []string  `json:"registered_tasks"`
	ScanInterval    string    `json:"scan_interval"`
}

// GetStatus snapshots the daemon state.
func (d *Daemon) GetStatus() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := make([]string, 0, len(d.tasks))
	for t := range d.tasks {
		tasks = append(tasks, t)
	}
	return Status{
		Running:         d.running,
		Scans:           d.scans,
		LastScanAt:      d.lastScan,
		RegisteredTasks: tasks,
		ScanInterval:    d.cfg.Health.ScanInterval.String(),
	}
}

// Scans returns the completed scan count.
func (d *Daemon) Scans() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans
}

func (d *Daemon) loop(stop <-chan struct{}, kick <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.Health.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.Scan()
		case <-kick:
			d.Scan()
		}
	}
}

// Scan runs one full health pass: per-task agent probes, stalled
// review sweeps, and every Nth round the cross-workspace global pass.
func (d *Daemon) Scan() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Health.ScanInterval)
	defer cancel()

	d.mu.Lock()
	taskIDs := make([]string, 0, len(d.tasks))
	for t := range d.tasks {
		taskIDs = append(taskIDs, t)
	}
	d.mu.Unlock()

	for _, taskID := range taskIDs {
		d.scanTask(ctx, taskID)
		if d.sweeper != nil {
			if err := d.sweeper.SweepStalled(taskID); err != nil {
				logging.Get(logging.CategoryHealth).Warn("review sweep %s: %v", taskID, err)
			}
		}
	}

	d.mu.Lock()
	d.scans++
	n := d.scans
	d.lastScan = time.Now().UTC()
	d.mu.Unlock()
	d.metrics.DaemonScans.Inc()

	every := d.cfg.Health.GlobalPassEach
	if every > 0 && n%every == 0 {
		d.globalPass(ctx)
	}
}

func (d *Daemon) scanTask(ctx context.Context, taskID string) {
	agents, err := d.store.ListAgents(taskID)
	if err != nil {
		logging.Get(logging.CategoryHealth).Warn("list agents %s: %v", taskID, err)
		return
	}
	for _, a := range agents {
		if !a.Status.IsActive() {
			continue
		}
		if reason := d.probe(ctx, a); reason != "" {
			d.fail(a, reason)
		}
	}
}

// probe returns a failure reason code, or "" for a healthy agent.
func (d *Daemon) probe(ctx context.Context, a *types.Agent) string {
	if a.SessionName != "" && !d.mux.SessionExists(ctx, a.SessionName) {
		d.metrics.DeadSessions.Inc()
		return types.ReasonSessionDead
	}
	if a.PID > 0 && !tmux.PIDAlive(a.PID) {
		if strings.Contains(d.cfg.Spawn.AgentBinary, "cursor") {
			return types.ReasonCursorDead
		}
		return types.ReasonClaudeDead
	}
	if d.isStuck(a) {
		d.metrics.StuckAgents.Inc()
		return types.ReasonAgentStuck
	}
	if a.IsReviewer() && d.reviewerOrphaned(a) {
		return types.ReasonReviewerOrphaned
	}
	return ""
}

// isStuck checks log inactivity: both the stream log mtime and the last
// progress update must be older than the threshold. A fresh agent that
// has not written yet is judged by its creation time.
func (d *Daemon) isStuck(a *types.Agent) bool {
	threshold := d.cfg.Health.StuckThreshold
	if threshold <= 0 {
		return false
	}
	now := time.Now()
	lastActivity := a.LastUpdate
	if info, err := os.Stat(a.StreamLogPath); err == nil && info.ModTime().After(lastActivity) {
		lastActivity = info.ModTime()
	}
	if lastActivity.IsZero() {
		lastActivity = a.CreatedAt
	}
	return now.Sub(lastActivity) > threshold
}

// reviewerOrphaned reports an active reviewer whose review is no
// longer in progress.
func (d *Daemon) reviewerOrphaned(a *types.Agent) bool {
	reviews, err := d.store.ListReviewsForReviewer(a.ID)
	if err != nil {
		return false
	}
	return len(reviews) == 0
}

func (d *Daemon) fail(a *types.Agent, reason string) {
	logging.Health("Agent %s unhealthy: %s", a.ID, reason)
	if err := d.failer.MarkFailed(a.ID, reason); err != nil {
		logging.Get(logging.CategoryHealth).Error("mark %s failed: %v", a.ID, err)
		return
	}
	d.bus.Publish(events.Event{
		Type: events.TypeHealthFailure, TaskID: a.TaskID, AgentID: a.ID,
		PhaseIndex: a.PhaseIndex,
		Payload:    map[string]any{"reason": reason},
	})
}

// globalPass walks the cross-workspace index: every other known
// workspace is swept for agents whose sessions died, then this
// workspace's row is refreshed with its current active count.
func (d *Daemon) globalPass(ctx context.Context) {
	if d.global == nil {
		return
	}
	if err := d.global.TouchWorkspace(d.cfg.WorkspaceBase); err != nil {
		logging.Get(logging.CategoryHealth).Warn("global pass touch: %v", err)
		return
	}
	workspaces, err := d.global.ListWorkspaces()
	if err != nil {
		logging.Get(logging.CategoryHealth).Warn("global pass workspaces: %v", err)
		return
	}
	for _, ws := range workspaces {
		if ws == d.cfg.WorkspaceBase {
			continue
		}
		d.sweepForeignWorkspace(ctx, ws)
	}

	counts, activeTasks, err := d.store.GetActiveCounts()
	if err != nil {
		logging.Get(logging.CategoryHealth).Warn("global pass counts: %v", err)
		return
	}
	if err := d.global.SetWorkspaceActive(d.cfg.WorkspaceBase, counts.Active); err != nil {
		logging.Get(logging.CategoryHealth).Warn("global pass counts write: %v", err)
		return
	}
	logging.Health("Global pass: %d active agents across %d tasks, %d workspaces known",
		counts.Active, activeTasks, len(workspaces))
}

// sweepForeignWorkspace opens another workspace's state store and
// fails its active agents whose sessions are gone, decrementing that
// workspace's counter in the index. Only the session probe runs here;
// PIDs and log mtimes belong to the other workspace's own daemon.
func (d *Daemon) sweepForeignWorkspace(ctx context.Context, workspace string) {
	dbPath := config.StateDBPathIn(workspace)
	if _, err := os.Stat(dbPath); err != nil {
		return // workspace gone or never initialized
	}
	st, err := store.Open(dbPath)
	if err != nil {
		logging.Get(logging.CategoryHealth).Warn("open workspace %s: %v", workspace, err)
		return
	}
	defer st.Close()

	agents, err := st.ListActiveAgents()
	if err != nil {
		logging.Get(logging.CategoryHealth).Warn("list agents in %s: %v", workspace, err)
		return
	}
	for _, a := range agents {
		if a.SessionName == "" || d.mux.SessionExists(ctx, a.SessionName) {
			continue
		}
		if _, err := st.MarkAgentTerminal(a.ID, types.AgentFailed, types.ReasonSessionDead, false); err != nil {
			logging.Get(logging.CategoryHealth).Warn("fail %s in %s: %v", a.ID, workspace, err)
			continue
		}
		d.metrics.DeadSessions.Inc()
		if err := d.global.DecrementWorkspaceActive(workspace); err != nil {
			logging.Get(logging.CategoryHealth).Warn("decrement %s: %v", workspace, err)
		}
		logging.Health("Agent %s in workspace %s failed: %s",
			a.ID, workspace, types.ReasonSessionDead)
	}
}
