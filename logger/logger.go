// Package logger provides a configurable logger that can write to multiple
// outputs. Init must be called early in the application lifecycle; functions
// like AddOutput and SetDebug fall back to sane behavior if it was not.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Logger fans formatted lines out to a set of writers. The interactive TUI
// swaps stdout for a ring-buffer writer at startup.
type Logger struct {
	mu      sync.Mutex
	outputs []io.Writer
	prefix  string
	enabled bool
	debug   bool
}

var (
	globalLogger *Logger
	once         sync.Once
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetGlobalLogBuffer returns the process-wide log ring buffer.
func GetGlobalLogBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(1000)
	})
	return globalBuffer
}

// Init initializes the global logger.
func Init(prefix string, writeToStdout bool) {
	once.Do(func() {
		outputs := []io.Writer{}
		if writeToStdout {
			outputs = append(outputs, os.Stdout)
		}
		globalLogger = &Logger{
			outputs: outputs,
			prefix:  prefix,
			enabled: true,
		}
	})
}

// AddOutput adds an additional output writer (e.g. the TUI log buffer).
func AddOutput(w io.Writer) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()
	globalLogger.outputs = append(globalLogger.outputs, w)
	return nil
}

// RemoveOutput removes an output writer.
func RemoveOutput(w io.Writer) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	outputs := []io.Writer{}
	for _, output := range globalLogger.outputs {
		if output != w {
			outputs = append(outputs, output)
		}
	}
	globalLogger.outputs = outputs
	return nil
}

// SetEnabled enables or disables logging entirely.
func SetEnabled(enabled bool) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()
	globalLogger.enabled = enabled
	return nil
}

// SetDebug toggles debug-level output. Mesh maintenance is chatty at debug
// level, so it is off by default.
func SetDebug(debug bool) {
	if globalLogger == nil {
		return
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()
	globalLogger.debug = debug
}

// Printf logs a formatted message.
func Printf(format string, v ...interface{}) {
	if globalLogger == nil {
		// Fallback to standard log if not initialized.
		log.Printf(format, v...)
		return
	}

	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	if !globalLogger.enabled {
		return
	}

	msg := strings.TrimSuffix(fmt.Sprintf(format, v...), "\n")
	if globalLogger.prefix != "" {
		msg = fmt.Sprintf("[%s] %s", globalLogger.prefix, msg)
	}

	if len(globalLogger.outputs) > 0 {
		line := msg + "\n"
		for _, output := range globalLogger.outputs {
			output.Write([]byte(line))
		}
	}
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...interface{}) {
	Printf("[INFO] "+format, v...)
}

// Info logs an info-level message.
func Info(v ...interface{}) {
	Printf("[INFO] %s", fmt.Sprint(v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...interface{}) {
	Printf("[ERROR] "+format, v...)
}

// Error logs an error-level message.
func Error(v ...interface{}) {
	Printf("[ERROR] %s", fmt.Sprint(v...))
}

// Debugf logs a debug-level formatted message when debug output is on.
func Debugf(format string, v ...interface{}) {
	if globalLogger != nil {
		globalLogger.mu.Lock()
		debug := globalLogger.debug
		globalLogger.mu.Unlock()
		if !debug {
			return
		}
	}
	Printf("[DEBUG] "+format, v...)
}

// GetGlobalLogger returns the global logger instance (for tests).
func GetGlobalLogger() *Logger {
	return globalLogger
}
