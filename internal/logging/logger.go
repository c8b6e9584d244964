// Package logging provides categorized file-based logging for the
// orchestrator. Each category writes to its own file under
// <base>/logs/, backed by zap cores. When debug mode is off only Warn
// and Error are emitted, to stderr.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryStore     Category = "store"     // State store operations
	CategoryRegistry  Category = "registry"  // JSON registry mirrors and locks
	CategoryPhase     Category = "phase"     // Phase engine transitions
	CategoryReview    Category = "review"    // Review lifecycle and verdicts
	CategoryLifecycle Category = "lifecycle" // Agent spawn/progress/cleanup
	CategoryHealth    Category = "health"    // Health daemon scans
	CategoryContext   Category = "context"   // Context accumulator
	CategoryHandover  Category = "handover"  // Handover generation
	CategoryQuery     Category = "query"     // Read-side API
	CategoryStream    Category = "stream"    // Output-log retrieval
	CategoryEvents    Category = "events"    // Pub-sub bus and watchers
	CategoryTmux      Category = "tmux"      // Multiplexer and process probes
)

// Logger is a category-bound printf-style logger.
type Logger struct {
	cat Category
	z   *zap.SugaredLogger
}

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*Logger)
	logsDir   string
	debugMode bool
	fallback  *zap.SugaredLogger
)

func init() {
	// Until Initialize runs, warnings and errors still reach stderr.
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	l, _ := cfg.Build()
	fallback = l.Sugar()
}

// Initialize sets up per-category log files under base/logs. With
// debug=false the package is a near no-op: no files are created and
// only Warn/Error reach stderr.
func Initialize(base string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	debugMode = debug
	loggers = make(map[Category]*Logger)
	if !debug {
		logsDir = ""
		return nil
	}

	logsDir = filepath.Join(base, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := &Logger{cat: cat, z: buildLocked(cat)}
	loggers[cat] = l
	return l
}

func buildLocked(cat Category) *zap.SugaredLogger {
	if !debugMode || logsDir == "" {
		return fallback
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	path := filepath.Join(logsDir, string(cat)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fallback.Warnf("logging: cannot open %s: %v", path, err)
		return fallback
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.AddSync(f),
		zap.NewAtomicLevelAt(zapcore.DebugLevel),
	)
	return zap.New(core).Sugar().With("category", string(cat))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...any) { l.z.Debugf(format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...any) { l.z.Infof(format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...any) { l.z.Warnf(format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...any) { l.z.Errorf(format, args...) }

// Convenience helpers for the hot categories, matching call sites like
// logging.Store("opened db at %s", path).

func Store(format string, args ...any)     { Get(CategoryStore).Info(format, args...) }
func Phase(format string, args ...any)     { Get(CategoryPhase).Info(format, args...) }
func Review(format string, args ...any)    { Get(CategoryReview).Info(format, args...) }
func Lifecycle(format string, args ...any) { Get(CategoryLifecycle).Info(format, args...) }
func Health(format string, args ...any)    { Get(CategoryHealth).Info(format, args...) }
func Events(format string, args ...any)    { Get(CategoryEvents).Info(format, args...) }

// StoreDebug logs store-level details that are only useful when
// chasing a concrete bug.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }
