// Package logging provides categorized structured logging for framestack.
// Each subsystem logs under its own category so store conflicts, curation
// passes, and assembly decisions can be filtered independently. Logging is
// a no-op until Initialize is called.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategorySession   Category = "session"   // Engine turn loop, session lifecycle
	CategoryStack     Category = "stack"     // Task stack push/pop/block/resume
	CategoryStore     Category = "store"     // Episodic store appends, queries, conflicts
	CategoryGate      Category = "gate"      // Similarity/provenance admission
	CategoryAssembler Category = "assembler" // Context assembly, truncation
	CategoryCurator   Category = "curator"   // Reflection and curation passes
)

// Config controls log destination and verbosity.
type Config struct {
	// Debug enables debug-level output. Default is info level.
	Debug bool `yaml:"debug"`
	// OutputPaths are zap sink URLs ("stderr", file paths). Empty means stderr.
	OutputPaths []string `yaml:"output_paths"`
}

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	base    *zap.Logger
	loggers = make(map[Category]*Logger)
)

// Initialize builds the shared zap logger. Safe to call more than once; the
// last call wins. Before the first call every logger is a silent no-op.
func Initialize(cfg Config) error {
	zcfg := zap.NewProductionConfig()
	if cfg.Debug {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}
	built, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	base = built
	loggers = make(map[Category]*Logger)
	return nil
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}

// Get returns (or creates) the logger for the given category. Returns a no-op
// logger when Initialize has not been called.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	b := base
	mu.RUnlock()

	if b == nil {
		return &Logger{category: category}
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    b.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Convenience helpers, one pair per category.

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }

func Stack(format string, args ...interface{})      { Get(CategoryStack).Info(format, args...) }
func StackDebug(format string, args ...interface{}) { Get(CategoryStack).Debug(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

func Gate(format string, args ...interface{})      { Get(CategoryGate).Info(format, args...) }
func GateDebug(format string, args ...interface{}) { Get(CategoryGate).Debug(format, args...) }

func Assembler(format string, args ...interface{})      { Get(CategoryAssembler).Info(format, args...) }
func AssemblerDebug(format string, args ...interface{}) { Get(CategoryAssembler).Debug(format, args...) }

func Curator(format string, args ...interface{})      { Get(CategoryCurator).Info(format, args...) }
func CuratorDebug(format string, args ...interface{}) { Get(CategoryCurator).Debug(format, args...) }

// Timer measures an operation's duration and logs it on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation in a category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	Get(t.category).Debug("%s took %s", t.operation, d)
	return d
}

// StopWithThreshold logs at warn level when the duration exceeds threshold,
// debug otherwise.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	d := time.Since(t.start)
	if d > threshold {
		Get(t.category).Warn("%s took %s (threshold %s)", t.operation, d, threshold)
	} else {
		Get(t.category).Debug("%s took %s", t.operation, d)
	}
	return d
}
