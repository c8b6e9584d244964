// Package orchestrator wires every subsystem into one process and
// exposes the operation surface callers use: task creation, agent
// lifecycle, review verdicts, queries, and daemon control.
package orchestrator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"conductor/internal/config"
	"conductor/internal/contextacc"
	"conductor/internal/events"
	"conductor/internal/handover"
	"conductor/internal/health"
	"conductor/internal/lifecycle"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/phase"
	"conductor/internal/query"
	"conductor/internal/review"
	"conductor/internal/store"
	"conductor/internal/stream"
	"conductor/internal/tmux"
	"conductor/internal/types"
	"conductor/internal/watch"
)

// Orchestrator is the assembled system.
type Orchestrator struct {
	cfg config.Config

	store     *store.Store
	global    *store.GlobalIndex
	bus       *events.Bus
	metrics   *metrics.Metrics
	engine    *phase.Engine
	reviews   *review.Manager
	lifecycle *lifecycle.Manager
	handover  *handover.Generator
	acc       *contextacc.Accumulator
	daemon    *health.Daemon
	queries   *query.Service
	watcher   *watch.Watcher
	validate  *validator.Validate

	bg        *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// Options overrides production components, used by tests.
type Options struct {
	Multiplexer tmux.Multiplexer
	Detector    contextacc.Detector
	// SkipGlobalIndex disables the cross-workspace index.
	SkipGlobalIndex bool
}

// New builds and wires an orchestrator. The health daemon is
// constructed but not started; call StartDaemon.
func New(cfg config.Config, opts Options) (*Orchestrator, error) {
	if err := logging.Initialize(cfg.WorkspaceBase, cfg.Debug); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.RegistryDir(), 0o755); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StateDBPath())
	if err != nil {
		return nil, err
	}

	var global *store.GlobalIndex
	if !opts.SkipGlobalIndex {
		global, err = store.OpenGlobalIndex(cfg.GlobalIndexDBPath())
		if err != nil {
			// The orchestrator stays functional without the global index.
			logging.Get(logging.CategoryBoot).Warn("global index unavailable: %v", err)
		}
	}

	mux := opts.Multiplexer
	if mux == nil {
		mux = tmux.NewTmux(cfg.Health.ProbeTimeout)
	}

	bus := events.NewBus()
	m := metrics.New()
	engine := phase.NewEngine(st, bus, m)
	hg := handover.NewGenerator(st, bus, cfg.Handover)
	acc := contextacc.New(st, opts.Detector, cfg.Context.MaxTokens, cfg.Context.MaxFindings)
	reviews := review.NewManager(st, engine, bus, m, hg, cfg)
	lc := lifecycle.NewManager(st, mux, engine, acc, bus, m, cfg)
	reviews.SetRunner(lc)
	lc.SetReviewerObserver(reviews)
	daemon := health.NewDaemon(st, global, mux, lc, reviews, bus, m, cfg)
	reader := stream.NewReader(cfg.Stream)
	queries := query.NewService(st, global, reader, cfg)

	watcher, err := watch.New(bus)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("file watcher unavailable: %v", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		global:    global,
		bus:       bus,
		metrics:   m,
		engine:    engine,
		reviews:   reviews,
		lifecycle: lc,
		handover:  hg,
		acc:       acc,
		daemon:    daemon,
		queries:   queries,
		watcher:   watcher,
		validate:  validator.New(),
		bg:        &errgroup.Group{},
	}

	// Phase auto-submission hands off to review asynchronously so the
	// terminal agent transition that triggered it returns promptly.
	engine.SetAwaitingReviewHook(func(taskID string, phaseIndex int) {
		o.bg.Go(func() error {
			if err := reviews.StartAutoReview(taskID, phaseIndex); err != nil {
				logging.Get(logging.CategoryReview).Error("auto-review start %s/%d: %v",
					taskID, phaseIndex, err)
			}
			return nil
		})
	})

	logging.Get(logging.CategoryBoot).Info("orchestrator ready (workspace %s)", cfg.WorkspaceBase)
	return o, nil
}

// Close shuts everything down in dependency order and waits for
// background work.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.daemon.Stop()
		if o.watcher != nil {
			o.watcher.Close()
		}
		o.closeErr = o.bg.Wait()
		o.bus.Close()
		if o.global != nil {
			o.global.Close()
		}
		if err := o.store.Close(); err != nil && o.closeErr == nil {
			o.closeErr = err
		}
	})
	return o.closeErr
}

// Bus exposes the event bus for subscribers such as dashboards.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Metrics exposes the collector registry.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// StartDaemon starts the health daemon and registers every
// non-terminal task with it.
func (o *Orchestrator) StartDaemon() error {
	tasks, err := o.store.ListTasks(store.TaskFilter{})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == types.TaskInitialized || t.Status == types.TaskActive {
			o.daemon.RegisterTask(t.ID)
			if o.watcher != nil {
				o.watcher.WatchTask(o.cfg.TaskDir(t.ID))
			}
		}
	}
	o.daemon.Start()
	return nil
}

// StopDaemon stops the health daemon.
func (o *Orchestrator) StopDaemon() { o.daemon.Stop() }

// DaemonStatus reports daemon state.
func (o *Orchestrator) DaemonStatus() health.Status { return o.daemon.GetStatus() }

// TriggerScan requests an immediate health scan from the running
// daemon.
func (o *Orchestrator) TriggerScan() { o.daemon.TriggerScan() }

// ScanNow runs one synchronous health scan, daemon loop or not.
func (o *Orchestrator) ScanNow() { o.daemon.Scan() }

// Reconcile replays a task's JSONL event files and JSON mirror into
// the store, repairing divergence after a crash. Idempotent.
func (o *Orchestrator) Reconcile(taskID string) error {
	if !types.ValidTaskID(taskID) {
		return types.NewOpError(types.CodeValidationFailed, "malformed task id %q", taskID)
	}
	return o.store.Reconcile(o.cfg.TaskDir(taskID), o.cfg.Registry.LockTimeout)
}

// invalid converts validator errors into the shared taxonomy.
func (o *Orchestrator) check(req any) error {
	if err := o.validate.Struct(req); err != nil {
		return types.WrapOpError(types.CodeValidationFailed, err, "invalid request")
	}
	return nil
}

// spawnCtx bounds spawn-side subprocess work.
func spawnCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
