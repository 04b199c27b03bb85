package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

const (
	DispatchMonitoring = "jit_dispatch" // Dispatcher loop, timing slices
	CompileMonitoring  = "jit_compile"  // Reference compiler
	CacheMonitoring    = "jit_cache"    // Block cache invalidation
	TimingMonitoring   = "coretiming"   // Event scheduler
	DebuggerMonitoring = "debugger"     // Breakpoints, watchpoints, stepping
	BlockDBMonitoring  = "blockdb"      // Block registry persistence
	TelemetryModule    = "telemetry"    // Tracing exporter
)

var root atomic.Value

func init() {
	root.Store(NewLogger(DiscardHandler()))
	EnableModule(DebuggerMonitoring)
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

func InitLogger(logLevel string) {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, logLvl, true)))
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

// Root returns the root logger
func Root() Logger {
	return root.Load().(Logger)
}

// knownModules fixes the bit assigned to each module in the enabled mask.
var knownModules = []string{DispatchMonitoring, CompileMonitoring, CacheMonitoring, TimingMonitoring, DebuggerMonitoring, BlockDBMonitoring, TelemetryModule}

var enabledModules atomic.Uint64

func moduleBit(module string) uint64 {
	for i, m := range knownModules {
		if m == module {
			return 1 << uint(i)
		}
	}
	return 0
}

// EnableModule enables Trace and Debug output for module. Unknown names are ignored.
func EnableModule(module string) {
	bit := moduleBit(module)
	for {
		old := enabledModules.Load()
		if enabledModules.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// EnableModules enables a comma separated list of modules; "all" enables every known module.
func EnableModules(modules string) {
	for _, m := range strings.Split(modules, ",") {
		m = strings.TrimSpace(m)
		switch m {
		case "":
		case "all":
			for _, known := range knownModules {
				EnableModule(known)
			}
		default:
			EnableModule(m)
		}
	}
}

func DisableModule(module string) {
	bit := moduleBit(module)
	for {
		old := enabledModules.Load()
		if enabledModules.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// ModuleEnabled reports whether Trace and Debug records for module are emitted.
// Callers on hot paths test it before building their key/value arguments.
func ModuleEnabled(module string) bool {
	bit := moduleBit(module)
	return bit != 0 && enabledModules.Load()&bit != 0
}

// --- Adjusted logging functions ---

// Trace logs a message at the trace level for a specific module.
func Trace(module string, msg string, ctx ...interface{}) {
	if !ModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, append([]interface{}{"module", module}, ctx...)...)
}

// Debug logs a message at the debug level for a specific module.
func Debug(module string, msg string, ctx ...interface{}) {
	if !ModuleEnabled(module) {
		return
	}
	Root().Write(slog.LevelDebug, module, msg, ctx...)
}

// Info, Warn, Error and Crit are never filtered by module.
func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelError, module, msg, ctx...)
}

func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}

func RecordLogs() {
	Root().RecordLogs()
}

func GetRecordedLogs() ([]byte, error) {
	return Root().GetRecordedLogs()
}

func New(ctx ...interface{}) Logger {
	return Root().With(ctx...)
}
