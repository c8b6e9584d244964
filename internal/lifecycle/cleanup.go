package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/tmux"
	"conductor/internal/types"
)

// Cleanup timing. The stability wait lets the dying process flush its
// final log writes before the files are archived.
const (
	logStabilityPoll   = 200 * time.Millisecond
	logStabilityRounds = 3
	killRetryDelay     = 300 * time.Millisecond
)

// cleanup releases every resource an agent held: its session, its
// process tree, its prompt file, and its log files. Partial failures
// are recorded in the report; the terminal transition they follow has
// already committed and is never rolled back.
func (m *Manager) cleanup(a *types.Agent) *types.CleanupReport {
	start := time.Now()
	report := &types.CleanupReport{}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	m.killSession(ctx, a, report)
	m.removePrompt(a, report)
	m.archiveLogs(a, report)
	m.reapOrphans(ctx, a, report)

	report.DurationMillis = time.Since(start).Milliseconds()
	if err := m.store.SetAgentCleanup(a.ID, report); err != nil {
		logging.Get(logging.CategoryLifecycle).Warn("store cleanup report for %s: %v", a.ID, err)
	}
	logging.Lifecycle("Cleaned up %s in %dms (session=%v orphans=%d errors=%d)",
		a.ID, report.DurationMillis, report.SessionKilled,
		report.OrphansKilled, len(report.Errors))
	return report
}

func (m *Manager) killSession(ctx context.Context, a *types.Agent, report *types.CleanupReport) {
	if a.SessionName == "" {
		report.SessionKilled = true
		return
	}
	retries := m.cfg.Spawn.KillRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		if err := m.mux.KillSession(ctx, a.SessionName); err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("kill-session attempt %d: %v", attempt+1, err))
		}
		if !m.mux.SessionExists(ctx, a.SessionName) {
			report.SessionKilled = true
			break
		}
		// Session survived a polite kill; escalate on the pane pid.
		if a.PID > 0 {
			tmux.SIGKILLTree(ctx, a.PID)
		}
		time.Sleep(killRetryDelay)
	}
	if !report.SessionKilled && !m.mux.SessionExists(ctx, a.SessionName) {
		report.SessionKilled = true
	}
}

func (m *Manager) removePrompt(a *types.Agent, report *types.CleanupReport) {
	if a.PromptPath == "" {
		report.PromptDeleted = true
		return
	}
	err := os.Remove(a.PromptPath)
	if err == nil || os.IsNotExist(err) {
		report.PromptDeleted = true
		return
	}
	report.Errors = append(report.Errors, fmt.Sprintf("remove prompt: %v", err))
}

// archiveLogs waits for the stream log to stop growing, then moves the
// agent's files into the task archive (or deletes them when KeepLogs
// is off).
func (m *Manager) archiveLogs(a *types.Agent, report *types.CleanupReport) {
	waitForStableSize(a.StreamLogPath)

	paths := []string{a.StreamLogPath, a.ProgressPath, a.FindingsPath}
	if !m.cfg.Spawn.KeepLogs {
		for _, p := range paths {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				report.Errors = append(report.Errors, fmt.Sprintf("remove %s: %v", p, err))
			}
		}
		report.LogsArchived = true
		return
	}

	archive := config.ArchiveDir(m.cfg.TaskDir(a.TaskID))
	if err := os.MkdirAll(archive, 0o755); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("create archive dir: %v", err))
		return
	}
	ok := true
	for _, p := range paths {
		if p == "" {
			continue
		}
		dest := filepath.Join(archive, filepath.Base(p))
		if err := os.Rename(p, dest); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			ok = false
			report.Errors = append(report.Errors, fmt.Sprintf("archive %s: %v", p, err))
		}
	}
	report.LogsArchived = ok
	if ok {
		report.ArchivedToPath = archive
	}
}

// waitForStableSize polls until two consecutive size reads match, or
// the round budget runs out.
func waitForStableSize(path string) {
	if path == "" {
		return
	}
	var last int64 = -1
	for i := 0; i < logStabilityRounds; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.Size() == last {
			return
		}
		last = info.Size()
		time.Sleep(logStabilityPoll)
	}
}

// reapOrphans kills any process still carrying the agent's id on its
// command line, then re-scans to verify.
func (m *Manager) reapOrphans(ctx context.Context, a *types.Agent, report *types.CleanupReport) {
	pids, err := tmux.FindOrphans(ctx, a.ID, m.cfg.Spawn.AgentBinary)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("orphan scan: %v", err))
		return
	}
	for _, pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGKILL); err == nil {
			report.OrphansKilled++
		}
	}

	survivors, err := tmux.FindOrphans(ctx, a.ID, m.cfg.Spawn.AgentBinary)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("orphan verify: %v", err))
		return
	}
	report.SurvivorPIDs = survivors
	report.VerifiedNoOrphan = len(survivors) == 0
}
