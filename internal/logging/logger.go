package logging

import (
	"io"
	"log"
	"os"
)

// Logger provides level-based logging for the kernel process.
type Logger struct {
	debugEnabled bool
	infoLogger   *log.Logger
	debugLogger  *log.Logger
	errorLogger  *log.Logger
}

// Global logger instance, always writing to stderr so a driver or tool that
// writes to stdout is never interleaved with our own output.
var globalLogger *Logger

func init() {
	Initialize(false)
}

// Initialize (re)configures the global logger. Called once at startup and
// again whenever a config reload (SIGHUP) flips the debug flag.
func Initialize(debugMode bool) {
	var output io.Writer = os.Stderr

	globalLogger = &Logger{
		debugEnabled: debugMode,
		infoLogger:   log.New(output, "", log.LstdFlags),
		debugLogger:  log.New(output, "", log.LstdFlags),
		errorLogger:  log.New(output, "", log.LstdFlags),
	}
}

// Info logs informational messages (always shown).
func Info(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.infoLogger.Printf(format, args...)
	}
}

// Debug logs debug messages (only shown when debug mode is enabled).
func Debug(format string, args ...interface{}) {
	if globalLogger != nil && globalLogger.debugEnabled {
		globalLogger.debugLogger.Printf("DEBUG: "+format, args...)
	}
}

// Error logs error messages (always shown).
func Error(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.errorLogger.Printf("ERROR: "+format, args...)
	}
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	return globalLogger != nil && globalLogger.debugEnabled
}
